package eventbus

import "sync"

// regEntry is one (pattern, subscriber) registration.
type regEntry struct {
	pattern      string
	matcher      *Matcher
	subscriberID string
	opts         SubscribeOptions
}

// Registry is the mapping from pattern to subscribers and its reverse
// index, plus the liveness-watch bookkeeping that removes a subscriber's
// registrations automatically when it terminates.
//
// Registry is mutated inside the Coordinator's critical section alongside
// History; every method here is safe to call concurrently, but the
// sequencing guarantee ("concurrent publishes observe either the pre- or
// post-state atomically") comes from the Coordinator holding its own
// mutex around Add/Remove and Snapshot, not from any single method here
// being atomic with another.
type Registry struct {
	mu sync.RWMutex

	byPattern    map[string]map[string]*regEntry // pattern -> subscriberID -> entry
	bySubscriber map[string]map[string]struct{}  // subscriberID -> set of patterns
	subscribers  map[string]Subscriber           // subscriberID -> address
	stopChans    map[string]chan struct{}        // subscriberID -> closed when fully removed

	watcher LivenessWatcher
}

// NewRegistry creates an empty Registry using watcher for liveness
// detection. If watcher is nil, a ChannelWatcher is used.
func NewRegistry(watcher LivenessWatcher) *Registry {
	if watcher == nil {
		watcher = NewChannelWatcher()
	}
	return &Registry{
		byPattern:    make(map[string]map[string]*regEntry),
		bySubscriber: make(map[string]map[string]struct{}),
		subscribers:  make(map[string]Subscriber),
		stopChans:    make(map[string]chan struct{}),
		watcher:      watcher,
	}
}

// Add registers subscriber for pattern. Idempotent on (pattern,
// subscriber.ID): calling it twice with the same pair is a no-op the second
// time. A liveness watch is installed the first time this subscriber is
// seen at all (not per-pattern), and only if that first registration
// carries a Liveness channel.
func (r *Registry) Add(pattern string, subscriber Subscriber, opts SubscribeOptions) error {
	matcher, err := Compile(pattern)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byPattern[pattern]; !ok {
		r.byPattern[pattern] = make(map[string]*regEntry)
	}
	if _, exists := r.byPattern[pattern][subscriber.ID]; exists {
		return nil // idempotent
	}

	r.byPattern[pattern][subscriber.ID] = &regEntry{
		pattern:      pattern,
		matcher:      matcher,
		subscriberID: subscriber.ID,
		opts:         opts,
	}

	if _, ok := r.bySubscriber[subscriber.ID]; !ok {
		r.bySubscriber[subscriber.ID] = make(map[string]struct{})
	}
	r.bySubscriber[subscriber.ID][pattern] = struct{}{}
	r.subscribers[subscriber.ID] = subscriber

	stop, hasWatch := r.stopChans[subscriber.ID]
	if !hasWatch {
		stop = make(chan struct{})
		r.stopChans[subscriber.ID] = stop
		if opts.Liveness != nil {
			r.watcher.Watch(subscriber.ID, opts.Liveness, stop, r.onLivenessSignal)
		}
	}

	return nil
}

// Remove unregisters (pattern, subscriberID). Idempotent: removing an
// absent registration is a no-op. The liveness watch is torn down once the
// subscriber has no remaining registrations.
func (r *Registry) Remove(pattern, subscriberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(pattern, subscriberID)
	return nil
}

// RemoveAll unregisters every pattern held by subscriberID.
func (r *Registry) RemoveAll(subscriberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	patterns := r.bySubscriber[subscriberID]
	for pattern := range patterns {
		r.removeLocked(pattern, subscriberID)
	}
	return nil
}

// removeLocked requires r.mu held for writing.
func (r *Registry) removeLocked(pattern, subscriberID string) {
	if subs, ok := r.byPattern[pattern]; ok {
		delete(subs, subscriberID)
		if len(subs) == 0 {
			delete(r.byPattern, pattern)
		}
	}
	if patterns, ok := r.bySubscriber[subscriberID]; ok {
		delete(patterns, pattern)
		if len(patterns) == 0 {
			delete(r.bySubscriber, subscriberID)
			delete(r.subscribers, subscriberID)
			if stop, ok := r.stopChans[subscriberID]; ok {
				close(stop)
				delete(r.stopChans, subscriberID)
			}
		}
	}
}

// Snapshot returns the set of unique subscribers with at least one pattern
// matching topic, deduplicated so a subscriber holding several matching
// patterns is returned exactly once. Evaluated against the registry as of
// the call.
func (r *Registry) Snapshot(topic string) []Subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []Subscriber
	for _, subs := range r.byPattern {
		for subscriberID, entry := range subs {
			if !entry.matcher.Match(topic) {
				continue
			}
			if _, dup := seen[subscriberID]; dup {
				continue
			}
			seen[subscriberID] = struct{}{}
			out = append(out, r.subscribers[subscriberID])
		}
	}
	return out
}

// Topics returns all patterns with at least one live registration.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byPattern))
	for pattern := range r.byPattern {
		out = append(out, pattern)
	}
	return out
}

// SubscriberCount returns the number of distinct subscribers registered
// directly under pattern (not a topic match — the literal registration
// key), mirroring the teacher's per-key SubscriberCount semantics.
func (r *Registry) SubscriberCount(pattern string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPattern[pattern])
}

// onLivenessSignal is invoked by the watcher when a subscriber terminates.
// It removes every one of that subscriber's registrations so no subsequent
// dispatch decision observes them, per spec.md §4.3's ordering requirement.
func (r *Registry) onLivenessSignal(subscriberID string) {
	_ = r.RemoveAll(subscriberID)
}
