package eventbus

import "errors"

// Error taxonomy returned to callers of the public facade. The bus never
// panics or raises in caller context; every failure mode callers can see is
// one of these sentinels, checked with errors.Is.
var (
	// ErrInvalidTopic is returned when a publish topic is empty or
	// ill-formed.
	ErrInvalidTopic = errors.New("eventbus: invalid topic")

	// ErrInvalidPattern is returned when a subscribe pattern fails
	// compilation (empty, malformed segment, or a non-tail "**").
	ErrInvalidPattern = errors.New("eventbus: invalid pattern")

	// ErrOverloaded is returned when the dispatcher work queue is full at
	// publish time.
	ErrOverloaded = errors.New("eventbus: dispatcher overloaded")

	// ErrTimeout is returned when a publish deadline expires before the
	// event is accepted.
	ErrTimeout = errors.New("eventbus: publish deadline exceeded")

	// ErrPersistFailed is returned when a persistent event could not be
	// durably stored; no fan-out is attempted in this case.
	ErrPersistFailed = errors.New("eventbus: persist failed")

	// ErrHistoryDisabled is returned from GetHistory when history is
	// globally disabled.
	ErrHistoryDisabled = errors.New("eventbus: history disabled")

	// ErrUnknownTopic is returned from GetHistory for a topic that has
	// never been published to.
	ErrUnknownTopic = errors.New("eventbus: unknown topic")

	// ErrDisabled is returned from Start and Publish when the bus's master
	// switch is off. Subscribe, Unsubscribe and GetHistory do not check it.
	ErrDisabled = errors.New("eventbus: disabled")

	// ErrNotStarted is returned from Publish when it is called before Start
	// or after Stop. Subscribe, Unsubscribe and GetHistory do not check it.
	ErrNotStarted = errors.New("eventbus: not started")

	// ErrHandlerNil is returned by Subscribe when the subscriber's
	// handler is nil.
	ErrHandlerNil = errors.New("eventbus: handler cannot be nil")

	// ErrShutdownTimeout is returned by Stop when workers do not drain
	// within the supplied context deadline.
	ErrShutdownTimeout = errors.New("eventbus: shutdown timed out")

	// ErrSubscriberGone is a sentinel a Handler may wrap and return to tell
	// the Dispatcher its subscriber is permanently unreachable. The delivery
	// is abandoned without a retry or a dead-letter record, the subscriber's
	// registrations are removed, and its pending retries are dropped.
	ErrSubscriberGone = errors.New("eventbus: subscriber gone")
)
