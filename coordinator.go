package eventbus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Coordinator is the bus's single logical owner: every Publish, Subscribe,
// and Unsubscribe passes through its mutex so the Registry and History
// never observe a call half-applied. Grounded on the teacher's
// MemoryEventBus, which achieves the same single-owner property with its
// own internal mutex guarding subscriptions and eventHistory together.
type Coordinator struct {
	mu sync.Mutex

	registry   *Registry
	history    *History
	dispatcher *Dispatcher
	retry      *RetryScheduler
	storage    StorageAdapter
	emitter    Emitter
	cfg        BusConfig
}

// NewCoordinator wires the given components into a Coordinator.
func NewCoordinator(registry *Registry, history *History, dispatcher *Dispatcher, retry *RetryScheduler, storage StorageAdapter, emitter Emitter, cfg BusConfig) *Coordinator {
	return &Coordinator{
		registry:   registry,
		history:    history,
		dispatcher: dispatcher,
		retry:      retry,
		storage:    storage,
		emitter:    emitter,
		cfg:        cfg,
	}
}

// Publish validates and enriches an envelope, persists it if requested,
// records it to history, and submits one delivery attempt per matching
// subscriber. It returns once fan-out has been accepted by the dispatcher
// (per the configured back-pressure policy), not once delivery completes.
//
// The Coordinator's mutex guards only the accept phase — building the
// envelope, persisting, recording history, and snapshotting subscribers.
// dispatcher.Submit can block under back-pressure (spec.md §4.5), so fan-out
// happens after the lock is released; holding it across Submit would stall
// every other Publish/Subscribe/Unsubscribe for as long as one saturated
// queue takes to drain. Submit is attempted against every matching
// subscriber even if an earlier one errors, so one overloaded subscriber
// doesn't starve the rest of the fan-out; the first error encountered is
// still returned to the caller.
func (c *Coordinator) Publish(ctx context.Context, topic string, payload any, opts PublishOptions) (string, error) {
	if !ValidTopic(topic) {
		return "", ErrInvalidTopic
	}

	c.mu.Lock()

	eventID := opts.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	ts := opts.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	policy := DeliveryPolicy{
		RetryEnabled: c.cfg.RetryEnabled,
		MaxAttempts:  c.cfg.RetryMaxAttempts,
	}
	if opts.RetryEnabled != nil {
		policy.RetryEnabled = *opts.RetryEnabled
	}
	if opts.MaxAttempts != nil {
		policy.MaxAttempts = *opts.MaxAttempts
	}
	if opts.Persistent != nil {
		policy.Persistent = *opts.Persistent
	}

	scope := opts.Scope
	if scope == "" {
		scope = "global"
	}

	envelope := Envelope{
		EventID:        eventID,
		Topic:          topic,
		Payload:        payload,
		Metadata:       opts.Metadata,
		PublishedAt:    ts,
		Scope:          scope,
		PublisherID:    opts.PublisherID,
		DeliveryPolicy: policy,
	}

	if policy.Persistent && c.storage != nil {
		if err := c.storage.PersistEvent(ctx, envelope); err != nil {
			c.mu.Unlock()
			if !errors.Is(err, ErrPersistFailed) {
				err = fmt.Errorf("%w: %v", ErrPersistFailed, err)
			}
			return "", err
		}
	}

	c.history.Record(envelope)
	if c.emitter != nil {
		c.emitter.EmitPublished(envelope)
	}

	subscribers := c.registry.Snapshot(topic)
	c.mu.Unlock()

	var firstErr error
	for _, sub := range subscribers {
		if err := c.dispatcher.Submit(envelope, sub, 1); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return eventID, firstErr
}

// Subscribe registers subscriber for pattern and, if requested, replays
// buffered history to it before returning. As with Publish, the replay
// fan-out runs after the lock is released so a saturated dispatcher can't
// stall unrelated Coordinator calls.
func (c *Coordinator) Subscribe(pattern string, subscriber Subscriber, opts SubscribeOptions) error {
	if subscriber.Deliver == nil {
		return ErrHandlerNil
	}

	c.mu.Lock()

	if err := c.registry.Add(pattern, subscriber, opts); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.emitter != nil {
		c.emitter.EmitSubscribed(pattern, subscriber.ID)
	}

	var replay []Envelope
	if opts.ReplayOnSubscribe {
		replay = c.matchingHistory(pattern, opts.MaxReplay)
	}
	c.mu.Unlock()

	for _, envelope := range replay {
		_ = c.dispatcher.Submit(markReplay(envelope), subscriber, 1)
	}

	return nil
}

// Unsubscribe removes one (pattern, subscriber) registration.
func (c *Coordinator) Unsubscribe(pattern, subscriberID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.registry.Remove(pattern, subscriberID); err != nil {
		return err
	}
	if c.emitter != nil {
		c.emitter.EmitUnsubscribed(pattern, subscriberID)
	}
	return nil
}

// UnsubscribeAll removes every registration held by subscriberID.
func (c *Coordinator) UnsubscribeAll(subscriberID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry.RemoveAll(subscriberID)
}

// GetHistory replays buffered envelopes for topic.
func (c *Coordinator) GetHistory(topic string, opts HistoryOptions) ([]Envelope, error) {
	return c.history.Replay(topic, opts)
}

// Topics lists all patterns with at least one live registration.
func (c *Coordinator) Topics() []string {
	return c.registry.Topics()
}

// SubscriberCount reports the number of subscribers literally registered
// under pattern.
func (c *Coordinator) SubscriberCount(pattern string) int {
	return c.registry.SubscriberCount(pattern)
}

// matchingHistory replays every buffered topic pattern matches, each
// truncated to maxReplay, concatenated in the order History.Topics()
// enumerates them. For an exact-literal pattern this is just that one
// topic's buffer.
func (c *Coordinator) matchingHistory(pattern string, maxReplay int) []Envelope {
	matcher, err := Compile(pattern)
	if err != nil {
		return nil
	}

	var out []Envelope
	for _, topic := range c.history.Topics() {
		if !matcher.Match(topic) {
			continue
		}
		entries, err := c.history.Replay(topic, HistoryOptions{Limit: maxReplay})
		if err != nil {
			continue
		}
		out = append(out, entries...)
	}
	return out
}

// markReplay returns a copy of envelope with metadata["replay"] set, so a
// replayed delivery is distinguishable from a live one downstream, per the
// Coordinator's subscribe contract.
func markReplay(envelope Envelope) Envelope {
	meta := make(map[string]any, len(envelope.Metadata)+1)
	for k, v := range envelope.Metadata {
		meta[k] = v
	}
	meta["replay"] = true
	envelope.Metadata = meta
	return envelope
}

// redeliverDue drains the retry scheduler and resubmits every due record
// to the front of its key's queue, called on a ticker by Bus's retry loop.
func (c *Coordinator) redeliverDue(now time.Time) {
	for _, rec := range c.retry.DrainDue(now) {
		c.dispatcher.Resubmit(rec.envelope, rec.subscriber, rec.attempt)
	}
}
