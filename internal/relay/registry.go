package relay

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Registry is the concurrency-safe set of handles eligible for broadcast.
// It references handles but never owns them: removing a handle is the job
// of the session that registered it.
type Registry struct {
	mu       sync.RWMutex
	handles  map[Handle]struct{}
	log      zerolog.Logger
	observer Observer
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger zerolog.Logger) RegistryOption {
	return func(r *Registry) {
		r.log = logger
	}
}

// WithObserver sets the observer notified of membership and fan-out events.
func WithObserver(o Observer) RegistryOption {
	return func(r *Registry) {
		if o != nil {
			r.observer = o
		}
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		handles:  make(map[Handle]struct{}),
		log:      zerolog.Nop(),
		observer: nopObserver{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds h to the broadcast set. Registering a member again has no
// further effect.
func (r *Registry) Register(h Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.handles[h] = struct{}{}
	r.observer.ConnectionsChanged(len(r.handles))
}

// Deregister removes h if present. Removing a non-member is a no-op so
// cleanup paths may call it more than once.
func (r *Registry) Deregister(h Handle) {
	if h == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.handles[h]; ok {
		delete(r.handles, h)
		r.observer.ConnectionsChanged(len(r.handles))
	}
}

// Contains reports whether h is currently registered.
func (r *Registry) Contains(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.handles[h]
	return ok
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.handles)
}

// Snapshot returns a copy of the current membership in no particular order.
func (r *Registry) Snapshot() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handles := make([]Handle, 0, len(r.handles))
	for h := range r.handles {
		handles = append(handles, h)
	}
	return handles
}

// Broadcast delivers msg to every registered handle except exclude.
//
// Membership is snapshotted before delivery and the lock is not held while
// sending, so sessions may register and deregister concurrently. A failed
// send is logged and counted; it neither stops delivery to the remaining
// targets nor removes the failed target.
func (r *Registry) Broadcast(ctx context.Context, msg Message, exclude Handle) BroadcastResult {
	var res BroadcastResult

	for _, h := range r.Snapshot() {
		if h == exclude {
			continue
		}
		res.Targets++

		if err := r.deliver(ctx, h, msg); err != nil {
			res.Failed++
			r.log.Warn().Err(err).Str("target", h.ID()).Msg("broadcast delivery failed")
			continue
		}
		res.Delivered++
	}

	r.observer.MessageBroadcast(res)
	return res
}

func (r *Registry) deliver(ctx context.Context, h Handle, msg Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.Errorf("panic during send: %v", p)
		}
		if err != nil {
			var sendErr *SendError
			if !errors.As(err, &sendErr) {
				err = &SendError{HandleID: h.ID(), Err: err}
			}
		}
	}()

	return h.Send(ctx, msg)
}

// CloseAll closes every registered handle and returns how many were closed.
// Handles stay registered until their sessions observe the closure and
// deregister them.
func (r *Registry) CloseAll() int {
	handles := r.Snapshot()
	for _, h := range handles {
		if err := h.Close(); err != nil {
			r.log.Debug().Err(err).Str("handle", h.ID()).Msg("close during shutdown")
		}
	}
	return len(handles)
}
