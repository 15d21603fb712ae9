package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DeliveryMode controls what happens when the Dispatcher's work queue is at
// capacity, mirroring the teacher's DeliveryMode (block/timeout/drop) on
// MemoryEventBus.Publish.
type DeliveryMode string

const (
	ModeBlock   DeliveryMode = "block"
	ModeTimeout DeliveryMode = "timeout"
	ModeDrop    DeliveryMode = "drop"
)

// DispatcherConfig configures worker concurrency, back-pressure, and
// per-attempt timeouts.
type DispatcherConfig struct {
	PoolSize        int
	QueueCapacity   int
	DeliveryTimeout time.Duration
	Mode            DeliveryMode
	BlockTimeout    time.Duration // used by ModeBlock and ModeTimeout
}

// workItem is one queued delivery attempt.
type workItem struct {
	envelope   Envelope
	subscriber Subscriber
	attempt    int // 1 = first delivery, >1 = a retry
}

// dispatchKey identifies the ordering domain a sequence gate protects: a
// single (publisher, topic, subscriber) triple. Retries for an older event
// on this triple must complete before a freshly published event on the same
// triple is delivered, so late retries can never be observed by a
// subscriber out of publish order.
func dispatchKey(publisherID, topic, subscriberID string) string {
	return publisherID + "\x00" + topic + "\x00" + subscriberID
}

// keyQueue is the per-key FIFO: a strictly ordered backlog of work items for
// one (publisher, topic, subscriber) triple, drained by at most one goroutine
// at a time so delivery order within the triple is preserved regardless of
// how many retries are in flight bus-wide.
//
// awaitingRetry is the sequence gate itself: once a delivery from this
// queue's head fails and a redelivery is scheduled, awaitingRetry is set
// true and active false in the SAME critical section that called
// RetryScheduler.Schedule — so no concurrent Resubmit for that exact retry
// can observe a stale state and decide a goroutine is already watching it.
// While awaitingRetry is true, fresh Submits may still append to the back
// of items, but enqueue refuses to spawn a drain goroutine for them; only
// Resubmit (which always clears awaitingRetry under the same lock) may
// resume draining. This is what stops a fresher same-key publish from ever
// being delivered ahead of an older event still waiting on its retry.
type keyQueue struct {
	mu            sync.Mutex
	items         []workItem
	active        bool
	awaitingRetry bool
}

// Dispatcher is the bounded worker pool that turns Coordinator fan-out
// decisions and RetryScheduler redeliveries into Handler invocations,
// classifying each outcome and routing failures back to the
// RetryScheduler or out to dead-letter handoff.
//
// Grounded on the teacher's MemoryEventBus worker pool (workerPool chan
// func(), worker()) for the bounded-concurrency shape, generalized with a
// per-key sequence gate the teacher does not have.
type Dispatcher struct {
	cfg DispatcherConfig

	sem   chan struct{} // worker pool slots
	slots chan struct{} // queue capacity slots

	mu   sync.Mutex
	keys map[string]*keyQueue

	retry   *RetryScheduler
	history *History
	logger  *slog.Logger
	emitter Emitter

	onDeadSubscriber func(subscriberID string)

	wg        sync.WaitGroup
	dropped   atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// NewDispatcher creates a Dispatcher. logger and emitter may be nil.
func NewDispatcher(cfg DispatcherConfig, retry *RetryScheduler, history *History, logger *slog.Logger, emitter Emitter) *Dispatcher {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 8
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		cfg:     cfg,
		sem:     make(chan struct{}, cfg.PoolSize),
		slots:   make(chan struct{}, cfg.QueueCapacity),
		keys:    make(map[string]*keyQueue),
		retry:   retry,
		history: history,
		logger:  logger,
		emitter: emitter,
	}
}

// OnDeadSubscriber registers a callback invoked when a Handler reports
// ErrSubscriberGone, letting the Registry reap that subscriber's
// registrations immediately instead of waiting for a liveness signal.
func (d *Dispatcher) OnDeadSubscriber(fn func(subscriberID string)) {
	d.onDeadSubscriber = fn
}

// Submit enqueues one fresh delivery attempt, applying the dispatcher's
// back-pressure policy if the queue is at capacity. Submit always appends
// to the end of its key's queue and never starts draining a key that is
// currently awaiting a retry.
func (d *Dispatcher) Submit(envelope Envelope, subscriber Subscriber, attempt int) error {
	if err := d.acquireSlot(); err != nil {
		if errors.Is(err, errDropped) {
			d.dropped.Add(1)
			return nil
		}
		return err
	}
	item := workItem{envelope: envelope, subscriber: subscriber, attempt: attempt}
	d.enqueue(item, false)
	return nil
}

// Resubmit re-enters a delivery attempt that the RetryScheduler has deemed
// due. It is inserted at the FRONT of its key's queue rather than the back,
// and it is the only thing that clears a key's awaitingRetry flag: the
// key's drain goroutine paused immediately after this item's previous
// failure specifically to hold any fresher same-key publishes behind it, so
// when the retry comes due it must be the next thing that key delivers, not
// something queued behind events published in the meantime. Resubmit does
// not consume a back-pressure slot — queue capacity governs fresh
// submissions, not the bounded retry backlog the RetryScheduler already
// tracks separately.
func (d *Dispatcher) Resubmit(envelope Envelope, subscriber Subscriber, attempt int) {
	item := workItem{envelope: envelope, subscriber: subscriber, attempt: attempt}
	d.enqueue(item, true)
}

func (d *Dispatcher) enqueue(item workItem, isResubmit bool) {
	key := dispatchKey(item.envelope.PublisherID, item.envelope.Topic, item.subscriber.ID)

	d.mu.Lock()
	kq, ok := d.keys[key]
	if !ok {
		kq = &keyQueue{}
		d.keys[key] = kq
	}
	kq.mu.Lock()
	if isResubmit {
		kq.items = append([]workItem{item}, kq.items...)
		kq.awaitingRetry = false
	} else {
		kq.items = append(kq.items, item)
	}
	// A fresh Submit must never start draining a key that is paused
	// awaiting its retry; only a Resubmit, having just cleared
	// awaitingRetry above, is allowed to restart it.
	shouldStart := !kq.active && !kq.awaitingRetry
	if shouldStart {
		kq.active = true
	}
	kq.mu.Unlock()
	d.mu.Unlock()

	if shouldStart {
		d.wg.Add(1)
		go d.drainKey(key, kq)
	}
}

var errDropped = errors.New("eventbus: dispatch item dropped")

// acquireSlot reserves one unit of queue capacity per cfg.Mode. A saturated
// queue surfaces as ErrOverloaded (spec.md §4.5/§8) under ModeTimeout and
// under ModeBlock with a positive BlockTimeout: ModeTimeout —
// the default — blocks briefly up to BlockTimeout and then spills rather
// than blocking the publisher indefinitely; ModeBlock blocks without limit
// only when the host explicitly configures it that way (BlockTimeout <= 0);
// ModeDrop never blocks and silently counts the drop instead of erroring.
func (d *Dispatcher) acquireSlot() error {
	switch d.cfg.Mode {
	case ModeDrop:
		select {
		case d.slots <- struct{}{}:
			return nil
		default:
			return errDropped
		}
	case ModeBlock:
		if d.cfg.BlockTimeout <= 0 {
			d.slots <- struct{}{}
			return nil
		}
		timer := time.NewTimer(d.cfg.BlockTimeout)
		defer timer.Stop()
		select {
		case d.slots <- struct{}{}:
			return nil
		case <-timer.C:
			return ErrOverloaded
		}
	default: // ModeTimeout
		timer := time.NewTimer(d.cfg.BlockTimeout)
		defer timer.Stop()
		select {
		case d.slots <- struct{}{}:
			return nil
		case <-timer.C:
			return ErrOverloaded
		}
	}
}

func (d *Dispatcher) releaseSlot() {
	select {
	case <-d.slots:
	default:
	}
}

// deliveryOutcome classifies what happened to one delivery attempt.
type deliveryOutcome int

const (
	outcomeDelivered deliveryOutcome = iota
	outcomeSubscriberGone
	outcomeRetryable
)

// drainKey processes kq's backlog strictly in order, one item at a time,
// never running two items of the same key concurrently. When a delivery
// fails and a redelivery is actually scheduled, the goroutine marks the key
// awaitingRetry and exits immediately — any further items already queued
// behind it stay queued untouched — so a fresh publish on this key can
// never be delivered ahead of an earlier one still waiting on its retry.
// Resubmit (called once the RetryScheduler says the retry is due) clears
// awaitingRetry, re-inserts at the front, and restarts draining.
func (d *Dispatcher) drainKey(key string, kq *keyQueue) {
	defer d.wg.Done()
	for {
		kq.mu.Lock()
		if len(kq.items) == 0 {
			kq.active = false
			kq.mu.Unlock()
			d.mu.Lock()
			if kq2, ok := d.keys[key]; ok && kq2 == kq {
				kq.mu.Lock()
				empty := len(kq.items) == 0 && !kq.active
				kq.mu.Unlock()
				if empty {
					delete(d.keys, key)
				}
			}
			d.mu.Unlock()
			return
		}
		item := kq.items[0]
		kq.items = kq.items[1:]
		kq.mu.Unlock()

		outcome, err := d.deliverOne(item)
		// Only a first attempt (from Submit) holds a queue slot; a
		// resubmitted retry never acquired one.
		if item.attempt <= 1 {
			d.releaseSlot()
		}

		if outcome != outcomeRetryable {
			continue
		}

		// Schedule (and the awaitingRetry/active flip) happen under the
		// SAME kq.mu critical section: a retry can only become due via
		// DrainDue after Schedule inserts it, and Resubmit can only clear
		// awaitingRetry by taking this same lock, so there is no window in
		// which Resubmit could observe stale state and skip restarting
		// this key's drain goroutine.
		kq.mu.Lock()
		scheduled := d.retry != nil && d.retry.Schedule(item.envelope, item.subscriber, item.attempt, err)
		if scheduled {
			kq.awaitingRetry = true
			kq.active = false
			kq.mu.Unlock()
			return
		}
		kq.mu.Unlock()
	}
}

// deliverOne runs a single delivery attempt against the worker pool and
// classifies the outcome. It does not itself talk to the RetryScheduler —
// that happens in drainKey, under kq.mu, so the pause decision and the
// scheduling decision are atomic with respect to Resubmit.
func (d *Dispatcher) deliverOne(item workItem) (deliveryOutcome, error) {
	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	ctx := context.Background()
	var cancel context.CancelFunc
	if d.cfg.DeliveryTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, d.cfg.DeliveryTimeout)
		defer cancel()
	}

	delivery := Delivery{
		Topic:    item.envelope.Topic,
		Payload:  item.envelope.Payload,
		Metadata: item.envelope.Metadata,
		EventID:  item.envelope.EventID,
	}

	// A panicking handler is recovered and treated as a failed attempt so
	// it cannot take the dispatcher down.
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("eventbus: handler panic: %v", r)
			}
		}()
		return item.subscriber.Deliver(ctx, delivery)
	}()
	if err == nil {
		d.delivered.Add(1)
		if d.emitter != nil {
			d.emitter.EmitDelivered(item.envelope, item.subscriber.ID, item.attempt)
		}
		return outcomeDelivered, nil
	}

	d.failed.Add(1)
	d.logger.Warn("eventbus: delivery failed",
		"topic", item.envelope.Topic,
		"subscriber", item.subscriber.ID,
		"attempt", item.attempt,
		"error", err,
	)
	if d.emitter != nil {
		d.emitter.EmitDeliveryFailed(item.envelope, item.subscriber.ID, item.attempt, err)
	}

	if errors.Is(err, ErrSubscriberGone) {
		if d.onDeadSubscriber != nil {
			d.onDeadSubscriber(item.subscriber.ID)
		}
		if d.retry != nil {
			d.retry.RemoveSubscriber(item.subscriber.ID)
		}
		return outcomeSubscriberGone, err
	}

	return outcomeRetryable, err
}

// Stats reports running delivery counters for metrics export.
func (d *Dispatcher) Stats() (delivered, failed, dropped uint64) {
	return d.delivered.Load(), d.failed.Load(), d.dropped.Load()
}

// Wait blocks until every key queue has drained, used by graceful Stop.
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrShutdownTimeout
	}
}
