package relay

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrEndOfStream is reported by Handle.Receive when the peer closed the
	// channel cleanly.
	ErrEndOfStream = errors.New("relay: end of stream")
	// ErrHandleClosed is reported by Handle.Send once the handle is closed.
	ErrHandleClosed = errors.New("relay: handle closed")
	// ErrSessionStarted is returned when Run is called on a session that
	// already left the connected state.
	ErrSessionStarted = errors.New("relay: session already started")
)

// SendError records a failed delivery to one broadcast target.
type SendError struct {
	HandleID string
	Err      error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.HandleID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// Cause lets errors.Cause walk through a SendError.
func (e *SendError) Cause() error { return e.Err }

// ReceiveError records an abnormal failure while reading from a handle.
type ReceiveError struct {
	HandleID string
	Err      error
}

func (e *ReceiveError) Error() string {
	return fmt.Sprintf("receive from %s: %v", e.HandleID, e.Err)
}

func (e *ReceiveError) Unwrap() error { return e.Err }

// Cause lets errors.Cause walk through a ReceiveError.
func (e *ReceiveError) Cause() error { return e.Err }
