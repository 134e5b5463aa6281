package relay_test

import (
	"context"
	"sync"
	"time"

	"github.com/Tyrowin/wsrelay/internal/relay"
	"github.com/pkg/errors"
)

var errBrokenPipe = errors.New("broken pipe")

// mockHandle is an in-memory relay.Handle. Inbound messages are scripted
// through deliver/hangUp/fail and outbound messages are recorded.
type mockHandle struct {
	id      string
	inbox   chan inbound
	sendErr error

	mu     sync.Mutex
	sent   []relay.Message
	closed bool
	done   chan struct{}
	once   sync.Once
}

type inbound struct {
	msg relay.Message
	err error
}

func newMockHandle(id string) *mockHandle {
	return &mockHandle{
		id:    id,
		inbox: make(chan inbound, 64),
		done:  make(chan struct{}),
	}
}

func (m *mockHandle) ID() string { return m.id }

func (m *mockHandle) Send(_ context.Context, msg relay.Message) error {
	if m.sendErr != nil {
		return m.sendErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return relay.ErrHandleClosed
	}
	m.sent = append(m.sent, msg)
	return nil
}

func (m *mockHandle) Receive() (relay.Message, error) {
	select {
	case in := <-m.inbox:
		return in.msg, in.err
	case <-m.done:
		return relay.Message{}, relay.ErrEndOfStream
	}
}

func (m *mockHandle) Close() error {
	m.once.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		close(m.done)
	})
	return nil
}

func (m *mockHandle) deliver(text string) {
	m.inbox <- inbound{msg: relay.Text(text)}
}

func (m *mockHandle) hangUp() {
	m.inbox <- inbound{err: relay.ErrEndOfStream}
}

func (m *mockHandle) fail(err error) {
	m.inbox <- inbound{err: err}
}

func (m *mockHandle) received() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.sent))
	for _, msg := range m.sent {
		out = append(out, string(msg.Payload))
	}
	return out
}

func (m *mockHandle) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// waitFor polls cond until it holds or the timeout elapses.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}

// recordingObserver counts observer callbacks.
type recordingObserver struct {
	mu          sync.Mutex
	connections []int
	broadcasts  []relay.BroadcastResult
	ended       []error
}

func (o *recordingObserver) ConnectionsChanged(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.connections = append(o.connections, n)
}

func (o *recordingObserver) MessageBroadcast(res relay.BroadcastResult) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.broadcasts = append(o.broadcasts, res)
}

func (o *recordingObserver) SessionEnded(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.ended = append(o.ended, err)
}

func (o *recordingObserver) endedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.ended)
}
