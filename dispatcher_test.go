package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestDispatcher(t *testing.T, cfg DispatcherConfig, onExhausted func(Envelope, Subscriber, error)) *Dispatcher {
	t.Helper()
	history := NewHistory(false, 0)
	retry := NewRetryScheduler(RetryPolicy{Strategy: BackoffFixed, MaxAttempts: 3, BaseDelay: time.Millisecond}, onExhausted)
	return NewDispatcher(cfg, retry, history, nil, nil)
}

func TestDispatcherDeliversInOrderPerKey(t *testing.T) {
	var mu sync.Mutex
	var order []int

	handler := func(seq int) Handler {
		return func(ctx context.Context, d Delivery) error {
			mu.Lock()
			order = append(order, seq)
			mu.Unlock()
			return nil
		}
	}

	cfg := DispatcherConfig{PoolSize: 4, QueueCapacity: 100, Mode: ModeBlock, DeliveryTimeout: time.Second}
	d := newTestDispatcher(t, cfg, nil)

	sub := Subscriber{ID: "sub-1"}
	for i := 0; i < 5; i++ {
		sub.Deliver = handler(i)
		env := Envelope{EventID: "evt", Topic: "orders.created", PublisherID: "pub-1"}
		if err := d.Submit(env, sub, 1); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := len(order)
		mu.Unlock()
		if n == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("deliveries did not complete in time")
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range order {
		if v != i {
			t.Fatalf("order = %v, want strictly ascending (sequence gate violated)", order)
		}
	}
}

func TestDispatcherSchedulesRetryOnFailure(t *testing.T) {
	cfg := DispatcherConfig{PoolSize: 2, QueueCapacity: 10, Mode: ModeBlock, DeliveryTimeout: time.Second}
	d := newTestDispatcher(t, cfg, nil)

	var calls atomic.Int32
	sub := Subscriber{ID: "sub-1", Deliver: func(ctx context.Context, del Delivery) error {
		calls.Add(1)
		return errors.New("boom")
	}}
	env := Envelope{EventID: "evt", Topic: "orders.created", DeliveryPolicy: DeliveryPolicy{RetryEnabled: true, MaxAttempts: 3}}

	if err := d.Submit(env, sub, 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(time.Second)
	for d.retry.Pending() == 0 {
		select {
		case <-deadline:
			t.Fatal("expected a retry to be scheduled after failure")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestDispatcherDeadSubscriberSkipsRetry(t *testing.T) {
	cfg := DispatcherConfig{PoolSize: 2, QueueCapacity: 10, Mode: ModeBlock, DeliveryTimeout: time.Second}
	d := newTestDispatcher(t, cfg, nil)

	var reaped atomic.Bool
	d.OnDeadSubscriber(func(subscriberID string) { reaped.Store(true) })

	sub := Subscriber{ID: "sub-1", Deliver: func(ctx context.Context, del Delivery) error {
		return ErrSubscriberGone
	}}
	env := Envelope{EventID: "evt", Topic: "orders.created", DeliveryPolicy: DeliveryPolicy{RetryEnabled: true, MaxAttempts: 3}}

	if err := d.Submit(env, sub, 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	deadline := time.After(time.Second)
	for !reaped.Load() {
		select {
		case <-deadline:
			t.Fatal("expected OnDeadSubscriber callback to fire")
		case <-time.After(time.Millisecond):
		}
	}
	if d.retry.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 (no retry scheduled for a dead subscriber)", d.retry.Pending())
	}
}

func TestDispatcherDropModeDropsUnderSaturation(t *testing.T) {
	cfg := DispatcherConfig{PoolSize: 1, QueueCapacity: 1, Mode: ModeDrop, DeliveryTimeout: time.Second}
	d := newTestDispatcher(t, cfg, nil)

	block := make(chan struct{})
	sub := Subscriber{ID: "sub-1", Deliver: func(ctx context.Context, del Delivery) error {
		<-block
		return nil
	}}
	env := Envelope{EventID: "evt", Topic: "orders.created"}

	// First Submit occupies the single queue slot and blocks in-flight.
	if err := d.Submit(env, sub, 1); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	// Capacity is exhausted (pool size 1, queue capacity 1, handler blocked);
	// under ModeDrop this must be silently dropped rather than erroring.
	if err := d.Submit(env, sub, 1); err != nil {
		t.Fatalf("Submit under saturation with ModeDrop returned error %v, want nil (dropped)", err)
	}
	_, _, dropped := d.Stats()
	if dropped == 0 {
		t.Fatal("expected at least one dropped delivery")
	}
	close(block)
}
