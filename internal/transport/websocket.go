// Package transport adapts gorilla/websocket connections to relay handles,
// handling the write pump, keepalive pings, and classification of read
// errors into clean and abnormal disconnects.
package transport

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/Tyrowin/wsrelay/internal/relay"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	uuid "github.com/satori/go.uuid"
)

// ErrSendQueueFull is returned by Send when the outbound queue stayed full
// for a whole write timeout. The connection is closed when this happens.
var ErrSendQueueFull = errors.New("transport: send queue full")

// Options tune a single connection.
type Options struct {
	// SendQueueSize bounds the number of messages waiting to be written.
	SendQueueSize int
	// WriteTimeout bounds each frame write and how long Send waits for
	// queue space.
	WriteTimeout time.Duration
	// PongWait is how long the peer may stay silent before the read fails.
	PongWait time.Duration
	// PingPeriod is the interval between keepalive pings. Must be less
	// than PongWait.
	PingPeriod time.Duration
	// MaxMessageSize limits inbound frames. Zero means no limit.
	MaxMessageSize int64
}

// DefaultOptions returns the options used when none are configured.
func DefaultOptions() Options {
	return Options{
		SendQueueSize: 256,
		WriteTimeout:  10 * time.Second,
		PongWait:      60 * time.Second,
		PingPeriod:    54 * time.Second,
	}
}

func (o Options) sanitize() Options {
	def := DefaultOptions()
	if o.SendQueueSize <= 0 {
		o.SendQueueSize = def.SendQueueSize
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = def.WriteTimeout
	}
	if o.PongWait <= 0 {
		o.PongWait = def.PongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = o.PongWait * 9 / 10
	}
	if o.MaxMessageSize < 0 {
		o.MaxMessageSize = 0
	}
	return o
}

// Conn is a relay.Handle backed by a WebSocket connection. Outbound
// messages are queued and written by a dedicated goroutine. A peer that
// stops draining its queue for longer than the write timeout is
// disconnected rather than skipped.
type Conn struct {
	ws   *websocket.Conn
	id   string
	addr string
	opts Options
	log  zerolog.Logger

	send    chan relay.Message
	closing chan struct{}
	done    chan struct{}

	closeOnce sync.Once

	mu      sync.Mutex
	failure error
}

var _ relay.Handle = (*Conn)(nil)

// NewConn wraps ws and starts its write pump.
func NewConn(ws *websocket.Conn, addr string, opts Options, logger zerolog.Logger) *Conn {
	opts = opts.sanitize()
	id := uuid.NewV4().String()

	c := &Conn{
		ws:   ws,
		id:   id,
		addr: addr,
		opts: opts,
		log:  logger.With().Str("conn", id).Str("remote", addr).Logger(),
		send:    make(chan relay.Message, opts.SendQueueSize),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}

	if opts.MaxMessageSize > 0 {
		ws.SetReadLimit(opts.MaxMessageSize)
	}
	c.setupReadConnection()

	go c.writePump()
	return c
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the peer address reported at upgrade time.
func (c *Conn) RemoteAddr() string { return c.addr }

// Done is closed when the write pump has stopped and the socket is closed.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Send queues msg for delivery. When the queue is full it waits for space
// for up to the write timeout. If the peer is still not draining by then,
// the connection is closed and ErrSendQueueFull is returned.
func (c *Conn) Send(ctx context.Context, msg relay.Message) error {
	if err := ctx.Err(); err != nil {
		return &relay.SendError{HandleID: c.id, Err: err}
	}

	select {
	case <-c.closing:
		return &relay.SendError{HandleID: c.id, Err: relay.ErrHandleClosed}
	case <-c.done:
		return &relay.SendError{HandleID: c.id, Err: relay.ErrHandleClosed}
	default:
	}

	select {
	case c.send <- msg:
		return nil
	default:
	}

	timer := time.NewTimer(c.opts.WriteTimeout)
	defer timer.Stop()

	select {
	case c.send <- msg:
		return nil
	case <-c.closing:
		return &relay.SendError{HandleID: c.id, Err: relay.ErrHandleClosed}
	case <-c.done:
		return &relay.SendError{HandleID: c.id, Err: relay.ErrHandleClosed}
	case <-ctx.Done():
		return &relay.SendError{HandleID: c.id, Err: ctx.Err()}
	case <-timer.C:
		c.log.Warn().Int("queued", len(c.send)).Msg("peer not draining, closing connection")
		c.abort(ErrSendQueueFull)
		return &relay.SendError{HandleID: c.id, Err: ErrSendQueueFull}
	}
}

// Receive blocks until the next data frame arrives. Control frames are
// handled by the connection and never returned.
func (c *Conn) Receive() (relay.Message, error) {
	messageType, payload, err := c.ws.ReadMessage()
	if err != nil {
		return relay.Message{}, c.classifyReadError(err)
	}

	kind := relay.KindText
	if messageType == websocket.BinaryMessage {
		kind = relay.KindBinary
	}
	return relay.Message{Kind: kind, Payload: payload}, nil
}

// Close stops accepting messages. Queued messages are flushed, a close
// frame is sent, and the socket is closed by the write pump.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)
	})
	return nil
}

// abort records why the connection failed and closes the socket at once,
// which unblocks any pending read or write. The first recorded cause wins.
func (c *Conn) abort(cause error) {
	c.mu.Lock()
	if c.failure == nil {
		c.failure = cause
	}
	c.mu.Unlock()
	c.closeSocket()
}

func (c *Conn) failureCause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// setupReadConnection configures read deadlines and the pong handler.
func (c *Conn) setupReadConnection() {
	if err := c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait)); err != nil {
		c.log.Debug().Err(err).Msg("setting initial read deadline")
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.PongWait))
	})
}

// classifyReadError maps a read failure to relay.ErrEndOfStream for clean
// disconnects and to a *relay.ReceiveError otherwise.
func (c *Conn) classifyReadError(err error) error {
	if websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived) {
		c.log.Debug().Err(err).Msg("peer closed connection")
		return errors.Wrap(relay.ErrEndOfStream, err.Error())
	}

	if cause := c.failureCause(); cause != nil {
		c.log.Debug().Err(err).Msg("read ended after write failure")
		return &relay.ReceiveError{HandleID: c.id, Err: cause}
	}

	switch {
	case errors.Is(err, io.EOF) || isExpectedCloseError(err):
		c.log.Debug().Err(err).Msg("connection closed")
		return errors.Wrap(relay.ErrEndOfStream, err.Error())

	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("limit", c.opts.MaxMessageSize).Msg("message exceeded maximum size")

	case websocket.IsUnexpectedCloseError(err):
		c.log.Debug().Err(err).Msg("unexpected close")
	}

	return &relay.ReceiveError{HandleID: c.id, Err: err}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.opts.PingPeriod)
	defer func() {
		ticker.Stop()
		c.closeSocket()
		close(c.done)
	}()

	for {
		select {
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				c.writeFailed(err, "write failed")
				return
			}
		case <-c.closing:
			if err := c.flush(); err != nil {
				c.writeFailed(err, "flush failed")
				return
			}
			c.writeClose()
			return
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage, nil); err != nil {
				c.writeFailed(err, "ping failed")
				return
			}
		}
	}
}

// flush writes whatever is still queued without waiting for more.
func (c *Conn) flush() error {
	for {
		select {
		case msg := <-c.send:
			if err := c.writeMessage(msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *Conn) writeFailed(err error, msg string) {
	if isExpectedCloseError(err) {
		return
	}
	c.log.Debug().Err(err).Msg(msg)
	c.abort(errors.Wrap(err, msg))
}

func (c *Conn) writeMessage(msg relay.Message) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return err
	}
	messageType := websocket.TextMessage
	if msg.Kind == relay.KindBinary {
		messageType = websocket.BinaryMessage
	}
	return c.ws.WriteMessage(messageType, msg.Payload)
}

func (c *Conn) writeControl(messageType int, data []byte) error {
	return c.ws.WriteControl(messageType, data, time.Now().Add(c.opts.WriteTimeout))
}

func (c *Conn) writeClose() {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := c.writeControl(websocket.CloseMessage, msg); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("writing close frame")
	}
}

func (c *Conn) closeSocket() {
	if err := c.ws.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("closing socket")
	}
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "broken pipe")
}
