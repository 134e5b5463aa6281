package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// State is a session's position in its lifecycle.
type State int32

const (
	// StateConnected is the initial state: the transport accepted the
	// connection but the handle is not yet a broadcast target.
	StateConnected State = iota
	// StateActive means the handle is registered and inbound messages are
	// being relayed.
	StateActive
	// StateClosed is terminal. The handle has been deregistered and closed.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Stats are per-session counters.
type Stats struct {
	StartedAt time.Time
	Received  uint64
	Delivered uint64
	Failed    uint64
}

// Session relays the messages of one connection to every other registered
// connection.
type Session struct {
	handle   Handle
	registry *Registry
	log      zerolog.Logger
	observer Observer

	state     atomic.Int32
	closeOnce sync.Once
	started   time.Time
	received  atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithSessionLogger sets the session logger.
func WithSessionLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) {
		s.log = logger
	}
}

// WithSessionObserver sets the observer notified when the session ends.
func WithSessionObserver(o Observer) SessionOption {
	return func(s *Session) {
		if o != nil {
			s.observer = o
		}
	}
}

// NewSession creates a session for h in the connected state.
func NewSession(h Handle, registry *Registry, opts ...SessionOption) *Session {
	s := &Session{
		handle:   h,
		registry: registry,
		log:      zerolog.Nop(),
		observer: nopObserver{},
		started:  time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the identifier of the underlying handle.
func (s *Session) ID() string {
	return s.handle.ID()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Stats returns a copy of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		StartedAt: s.started,
		Received:  s.received.Load(),
		Delivered: s.delivered.Load(),
		Failed:    s.failed.Load(),
	}
}

// Run registers the handle and relays inbound messages until the connection
// ends. It returns nil when the peer closed cleanly and a *ReceiveError when
// the read failed. Cancelling ctx closes the handle, which ends the session
// like any other disconnect. The handle is deregistered and closed on every
// return path.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.state.CompareAndSwap(int32(StateConnected), int32(StateActive)) {
		return ErrSessionStarted
	}

	s.registry.Register(s.handle)
	s.log.Info().Int("connections", s.registry.Len()).Msg("client connected")

	defer func() {
		s.Close()
		s.observer.SessionEnded(err)
		s.logEnd(err)
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = s.handle.Close()
	})
	defer stop()

	for {
		msg, recvErr := s.handle.Receive()
		if recvErr != nil {
			if errors.Is(recvErr, ErrEndOfStream) {
				return nil
			}
			var re *ReceiveError
			if errors.As(recvErr, &re) {
				return re
			}
			return &ReceiveError{HandleID: s.handle.ID(), Err: recvErr}
		}

		s.received.Add(1)
		res := s.registry.Broadcast(ctx, msg, s.handle)
		s.delivered.Add(uint64(res.Delivered))
		s.failed.Add(uint64(res.Failed))
	}
}

// Close moves the session to the closed state, deregistering and closing
// the handle. Only the first call has any effect.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.registry.Deregister(s.handle)
		if err := s.handle.Close(); err != nil {
			s.log.Debug().Err(err).Msg("closing handle")
		}
	})
}

func (s *Session) logEnd(err error) {
	event := s.log.Info()
	if err != nil {
		event = s.log.Warn().Err(err)
	}
	event.
		Uint64("received", s.received.Load()).
		Uint64("delivered", s.delivered.Load()).
		Uint64("failed", s.failed.Load()).
		Dur("duration", time.Since(s.started)).
		Int("connections", s.registry.Len()).
		Msg("client disconnected")
}
