// Package eventbus implements an in-process publish/subscribe event bus.
//
// It accepts events tagged with dotted topic strings ("user.created"),
// dispatches copies to every subscriber whose registered pattern matches,
// and guarantees that misbehaving or dead subscribers cannot block
// publishers, starve other subscribers, or leak registration state.
//
// The bus is the engine behind decoupled cross-module communication: audit
// logging, notifications, cache invalidation, and workflow choreography all
// sit on top of it. Configuration, structured logging, metrics collection,
// and durable persistence are external collaborators — this package depends
// only on narrow interfaces for the latter two and takes sensible defaults
// for the rest.
package eventbus

import (
	"context"
	"time"
)

// Envelope is a single event travelling through the bus.
//
// The bus owns an Envelope exclusively once Publish accepts it; subscribers
// only ever see a read-only Delivery built from it.
type Envelope struct {
	// EventID uniquely identifies this event among currently-live events.
	// Generated by Publish if the caller omits one.
	EventID string

	// Topic is the non-empty dotted string the event was published to,
	// e.g. "order.placed". Segments are separated by '.' and may contain
	// letters, digits, '_' and '-'.
	Topic string

	// Payload is an opaque value supplied by the publisher. The bus never
	// inspects it beyond what DeliveryPolicy requires.
	Payload any

	// Metadata carries trace ids, source module names, or other
	// user-defined tags. May be nil.
	Metadata map[string]any

	// PublishedAt is the wall-clock time the event was accepted.
	PublishedAt time.Time

	// Scope is purely informational and defaults to "global"; it plays no
	// part in topic routing.
	Scope string

	// PublisherID optionally identifies the emitting component.
	PublisherID string

	// DeliveryPolicy controls retry behavior for this event.
	DeliveryPolicy DeliveryPolicy
}

// DeliveryPolicy controls how a single event is retried on failure.
type DeliveryPolicy struct {
	RetryEnabled bool
	MaxAttempts  int
	Persistent   bool
}

// Delivery is the read-only view of an Envelope handed to a subscriber.
type Delivery struct {
	Topic    string
	Payload  any
	Metadata map[string]any
	EventID  string
}

// Handler processes one Delivery. Handlers should be idempotent where
// possible: redelivery after a transient failure is expected behavior, not
// an edge case.
//
// The context carries the per-attempt deadline. The Dispatcher waits for the
// handler to return, so a handler that ignores cancellation keeps its worker
// slot until it returns; a handler that returns the context's error is
// treated like any other failure and retried.
type Handler func(ctx context.Context, d Delivery) error

// Subscriber identifies a consumer registered with the bus.
//
// ID is the identity used to dedupe registrations and to route liveness
// cleanup; Deliver is the address deliveries are sent to. The two may
// coincide (a long-lived goroutine subscribing for itself) or differ (a
// named handler rebound to a fresh address after a restart) — keeping them
// as separate fields makes that distinction explicit rather than folding
// identity into a channel value.
type Subscriber struct {
	ID      string
	Deliver Handler
}

// SubscribeOptions configures a single subscription. Per-subscriber queue
// sizing is not exposed here: delivery concurrency and buffering are
// governed globally by DispatcherConfig rather than per subscription.
type SubscribeOptions struct {
	ReplayOnSubscribe bool
	MaxReplay         int
	// Liveness, if set, is closed by the caller when the subscriber
	// terminates; the registry removes all of the subscriber's
	// registrations shortly after observing the close.
	Liveness <-chan struct{}
}

// PublishOptions configures a single publish call; all fields are optional
// and fall back to BusConfig-derived defaults.
type PublishOptions struct {
	Metadata     map[string]any
	EventID      string
	Timestamp    time.Time
	RetryEnabled *bool
	MaxAttempts  *int
	Persistent   *bool
	Scope        string
	PublisherID  string
	// Deadline, if non-zero, is applied to the publish context: Publish
	// returns ErrTimeout if that context has already expired when the call
	// starts, and the context is passed to the StorageAdapter when a
	// persistent event is stored. It does not interrupt the fan-out enqueue,
	// which is bounded only by the dispatcher's back-pressure settings, and
	// it does not bound delivery.
	Deadline time.Duration
}

// HistoryOptions configures a GetHistory call.
type HistoryOptions struct {
	Limit         int
	SinceEventID  string
}
