package eventbus

// LivenessWatcher is the host runtime's "notify me when this subscriber goes
// away" primitive. spec.md §9 names several equivalent realizations (a
// task-completion channel, a weak reference with a finalizer, a lease with
// heartbeat, an explicit close API); this package implements the
// channel-based variant, grounded on the teacher's per-subscription `done`
// channel field.
type LivenessWatcher interface {
	// Watch spawns a goroutine that waits for signal to close (or for
	// stop to fire, if the subscription is unsubscribed first) and
	// invokes onDead(token) exactly once in the former case. token
	// identifies the subscription to the Registry; it is never
	// interpreted by the watcher itself.
	Watch(token string, signal <-chan struct{}, stop <-chan struct{}, onDead func(token string))
}

// ChannelWatcher is the default LivenessWatcher: one goroutine per watched
// subscription, parked on a select between the subscriber's own liveness
// channel and the subscription's own stop channel (set when the caller
// unsubscribes explicitly, so the goroutine doesn't leak past that point).
type ChannelWatcher struct{}

// NewChannelWatcher creates the default channel-based liveness watcher.
func NewChannelWatcher() *ChannelWatcher {
	return &ChannelWatcher{}
}

// Watch implements LivenessWatcher.
func (w *ChannelWatcher) Watch(token string, signal <-chan struct{}, stop <-chan struct{}, onDead func(token string)) {
	if signal == nil {
		return
	}
	go func() {
		select {
		case <-signal:
			onDead(token)
		case <-stop:
			// Subscription was removed through a normal path; no
			// liveness cleanup needed.
		}
	}()
}
