package relay

import "context"

// Kind describes how a payload was framed by the sender so it can be
// delivered to peers unchanged.
type Kind int

const (
	// KindText is a UTF-8 text payload.
	KindText Kind = iota + 1
	// KindBinary is an opaque binary payload.
	KindBinary
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindBinary:
		return "binary"
	default:
		return "unknown"
	}
}

// Message is one inbound payload. The relay never inspects or rewrites it.
type Message struct {
	Kind    Kind
	Payload []byte
}

// Text builds a text message.
func Text(s string) Message {
	return Message{Kind: KindText, Payload: []byte(s)}
}

// Handle is one client's bidirectional channel as seen by the relay core.
//
// Handles are compared by identity, so implementations should be pointer
// types. Send must not block indefinitely on a slow peer: it either accepts
// the message for delivery or fails. Receive blocks until the next payload
// arrives and returns an error matching ErrEndOfStream when the peer closed
// the channel cleanly; any other error is an abnormal termination.
type Handle interface {
	ID() string
	Send(ctx context.Context, msg Message) error
	Receive() (Message, error)
	Close() error
}

// BroadcastResult summarizes one fan-out.
type BroadcastResult struct {
	Targets   int
	Delivered int
	Failed    int
}
