package relay

// Observer receives relay events, typically to feed metrics.
// ConnectionsChanged is called with the registry locked, so successive
// counts arrive in order. It must not call back into the Registry.
type Observer interface {
	ConnectionsChanged(n int)
	MessageBroadcast(res BroadcastResult)
	SessionEnded(err error)
}

type nopObserver struct{}

func (nopObserver) ConnectionsChanged(int)          {}
func (nopObserver) MessageBroadcast(BroadcastResult) {}
func (nopObserver) SessionEnded(error)               {}
