package eventbus

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Bus is the public facade: the only type most callers need. It wires
// together the Pattern Matcher (via Registry), History, RetryScheduler,
// Dispatcher, and Coordinator described by this package's internal
// components, plus whatever StorageAdapter and Emitter the host supplies.
//
// Grounded on the teacher's MemoryEventBus/EventBusModule split: a small
// concrete engine plus a thin module-facing wrapper. This package collapses
// that split into one exported type since there is no surrounding DI
// framework to justify keeping them separate.
type Bus struct {
	cfg BusConfig

	registry    *Registry
	history     *History
	retry       *RetryScheduler
	dispatcher  *Dispatcher
	coordinator *Coordinator
	storage     StorageAdapter
	emitter     Emitter
	logger      *slog.Logger

	started atomic.Bool
	stopCh  chan struct{}
}

// Option customizes Bus construction beyond BusConfig's scalar fields.
type Option func(*Bus)

// WithStorage sets the StorageAdapter used for persistent envelopes and
// dead-letter records. Defaults to an in-memory adapter.
func WithStorage(storage StorageAdapter) Option {
	return func(b *Bus) { b.storage = storage }
}

// WithEmitter sets the telemetry sink. Defaults to NoopEmitter.
func WithEmitter(emitter Emitter) Option {
	return func(b *Bus) { b.emitter = emitter }
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) { b.logger = logger }
}

// WithLivenessWatcher overrides the default channel-based liveness watcher.
func WithLivenessWatcher(watcher LivenessWatcher) Option {
	return func(b *Bus) { b.registry = NewRegistry(watcher) }
}

// NewBus constructs a Bus from cfg and options. The bus is not yet
// accepting traffic until Start is called.
func NewBus(cfg BusConfig, opts ...Option) *Bus {
	b := &Bus{
		cfg:     cfg,
		logger:  slog.Default(),
		storage: NewMemoryStorage(),
		emitter: NoopEmitter{},
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.registry == nil {
		b.registry = NewRegistry(nil)
	}

	b.history = NewHistory(cfg.HistoryEnabled, cfg.HistoryLimitPerTopic)

	b.retry = NewRetryScheduler(cfg.retryPolicy(), func(envelope Envelope, subscriber Subscriber, lastErr error) {
		b.handleExhausted(envelope, subscriber, lastErr)
	})

	b.dispatcher = NewDispatcher(cfg.dispatcherConfig(), b.retry, b.history, b.logger, b.emitter)
	b.dispatcher.OnDeadSubscriber(func(subscriberID string) {
		_ = b.registry.RemoveAll(subscriberID)
		b.emitter.EmitSubscriberReaped(subscriberID)
	})

	b.coordinator = NewCoordinator(b.registry, b.history, b.dispatcher, b.retry, b.storage, b.emitter, cfg)

	return b
}

// handleExhausted is invoked by the RetryScheduler once an (event,
// subscriber) pair has exhausted its retry budget.
func (b *Bus) handleExhausted(envelope Envelope, subscriber Subscriber, lastErr error) {
	attempts := envelope.DeliveryPolicy.MaxAttempts
	b.logger.Error("eventbus: dead-lettering event",
		"event_id", envelope.EventID,
		"topic", envelope.Topic,
		"subscriber", subscriber.ID,
		"attempts", attempts,
		"error", lastErr,
	)
	b.emitter.EmitDeadLettered(envelope, subscriber.ID, attempts, lastErr)

	if !b.cfg.DeadLetterEnabled || b.storage == nil {
		return
	}
	dl := DeadLetter{
		Envelope:   envelope,
		Subscriber: subscriber.ID,
		Attempts:   attempts,
		LastError:  errString(lastErr),
	}
	if err := b.storage.RecordDeadLetter(context.Background(), dl); err != nil {
		b.logger.Error("eventbus: failed to record dead letter", "error", err)
	}
}

// Start begins the retry-redelivery loop. Calling Start twice is a no-op.
func (b *Bus) Start(ctx context.Context) error {
	if !b.cfg.Enabled {
		return ErrDisabled
	}
	if !b.started.CompareAndSwap(false, true) {
		return nil
	}
	go b.retryLoop()
	return nil
}

func (b *Bus) retryLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case now := <-ticker.C:
			b.coordinator.redeliverDue(now)
		}
	}
}

// Stop halts the retry loop and waits for in-flight deliveries to drain, up
// to ctx's deadline.
func (b *Bus) Stop(ctx context.Context) error {
	if !b.started.CompareAndSwap(true, false) {
		return nil
	}
	close(b.stopCh)
	if err := b.dispatcher.Wait(ctx); err != nil {
		return err
	}
	return b.storage.Close()
}

// Publish sends payload to topic. See PublishOptions for per-call overrides
// of the bus's default retry/persistence policy.
func (b *Bus) Publish(ctx context.Context, topic string, payload any, opts PublishOptions) (string, error) {
	if !b.cfg.Enabled {
		return "", ErrDisabled
	}
	if !b.started.Load() {
		return "", ErrNotStarted
	}
	if opts.PublisherID == "" {
		opts.PublisherID = "anonymous"
	}

	if opts.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Deadline)
		defer cancel()
	}
	if err := ctx.Err(); err != nil {
		return "", ErrTimeout
	}

	return b.coordinator.Publish(ctx, topic, payload, opts)
}

// Subscribe registers handler for every topic matching pattern. A random
// subscriber ID is generated.
func (b *Bus) Subscribe(pattern string, handler Handler, opts SubscribeOptions) (string, error) {
	id := uuid.NewString()
	sub := Subscriber{ID: id, Deliver: handler}
	if err := b.coordinator.Subscribe(pattern, sub, opts); err != nil {
		return "", err
	}
	return id, nil
}

// Unsubscribe removes one (pattern, subscriberID) registration.
func (b *Bus) Unsubscribe(pattern, subscriberID string) error {
	return b.coordinator.Unsubscribe(pattern, subscriberID)
}

// UnsubscribeAll removes every registration held by subscriberID.
func (b *Bus) UnsubscribeAll(subscriberID string) error {
	return b.coordinator.UnsubscribeAll(subscriberID)
}

// GetHistory returns buffered envelopes for topic per opts.
func (b *Bus) GetHistory(topic string, opts HistoryOptions) ([]Envelope, error) {
	return b.coordinator.GetHistory(topic, opts)
}

// Topics lists all patterns with at least one live subscription.
func (b *Bus) Topics() []string {
	return b.coordinator.Topics()
}

// SubscriberCount reports subscribers literally registered under pattern.
func (b *Bus) SubscriberCount(pattern string) int {
	return b.coordinator.SubscriberCount(pattern)
}

// Stats returns current delivery counters, implementing StatsProvider for
// the metrics exporters.
func (b *Bus) Stats() BusStats {
	delivered, failed, dropped := b.dispatcher.Stats()
	deadLettered := uint64(0)
	if ms, ok := b.storage.(*MemoryStorage); ok {
		deadLettered = uint64(len(ms.DeadLetters()))
	}
	return BusStats{
		Delivered:      delivered,
		Failed:         failed,
		Dropped:        dropped,
		DeadLettered:   deadLettered,
		PendingRetries: b.retry.Pending(),
	}
}
