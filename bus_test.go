package eventbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testBus(t *testing.T) *Bus {
	t.Helper()
	cfg := DefaultBusConfig()
	cfg.DispatcherPoolSize = 4
	cfg.WorkQueueCapacity = 100
	cfg.DeliveryTimeoutMS = 500
	cfg.RetryBaseIntervalMS = 5
	cfg.RetryMaxIntervalMS = 50
	b := NewBus(cfg)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})
	return b
}

func TestBusExactTopicFanOut(t *testing.T) {
	b := testBus(t)

	var a, c atomic.Int32
	if _, err := b.Subscribe("orders.created", func(ctx context.Context, d Delivery) error {
		a.Add(1)
		return nil
	}, SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if _, err := b.Subscribe("orders.created", func(ctx context.Context, d Delivery) error {
		c.Add(1)
		return nil
	}, SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if _, err := b.Publish(context.Background(), "orders.created", map[string]any{"id": 1}, PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitForCondition(t, time.Second, func() bool { return a.Load() == 1 && c.Load() == 1 })
}

func TestBusWildcardSubscriberReceivesOnce(t *testing.T) {
	b := testBus(t)

	var count atomic.Int32
	if _, err := b.Subscribe("orders.*", func(ctx context.Context, d Delivery) error {
		count.Add(1)
		return nil
	}, SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if _, err := b.Publish(context.Background(), "orders.created", nil, PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitForCondition(t, time.Second, func() bool { return count.Load() == 1 })
	time.Sleep(20 * time.Millisecond)
	if count.Load() != 1 {
		t.Fatalf("count = %d, want exactly 1", count.Load())
	}
}

func TestBusRetryThenSuccess(t *testing.T) {
	b := testBus(t)

	var attempts atomic.Int32
	done := make(chan struct{})
	if _, err := b.Subscribe("orders.created", func(ctx context.Context, d Delivery) error {
		n := attempts.Add(1)
		if n < 3 {
			return errors.New("transient failure")
		}
		close(done)
		return nil
	}, SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if _, err := b.Publish(context.Background(), "orders.created", nil, PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never succeeded after retries, attempts=%d", attempts.Load())
	}
}

func TestBusDeadLetterOnExhaustion(t *testing.T) {
	storage := NewMemoryStorage()
	cfg := DefaultBusConfig()
	cfg.RetryMaxAttempts = 2
	cfg.RetryBaseIntervalMS = 5
	cfg.RetryMaxIntervalMS = 20
	cfg.DeadLetterEnabled = true
	b := NewBus(cfg, WithStorage(storage))
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})

	if _, err := b.Subscribe("orders.created", func(ctx context.Context, d Delivery) error {
		return errors.New("always fails")
	}, SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if _, err := b.Publish(context.Background(), "orders.created", nil, PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	waitForCondition(t, 2*time.Second, func() bool { return len(storage.DeadLetters()) == 1 })
}

func TestBusLivenessCleansUpSubscriber(t *testing.T) {
	b := testBus(t)

	liveness := make(chan struct{})
	var delivered atomic.Int32
	if _, err := b.Subscribe("orders.created", func(ctx context.Context, d Delivery) error {
		delivered.Add(1)
		return nil
	}, SubscribeOptions{Liveness: liveness}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	close(liveness)
	waitForCondition(t, time.Second, func() bool { return len(b.Topics()) == 0 })

	if _, err := b.Publish(context.Background(), "orders.created", nil, PublishOptions{}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if delivered.Load() != 0 {
		t.Fatal("expected no delivery to a subscriber reaped via liveness signal")
	}
}

func TestBusOrderPreservedAcrossRetries(t *testing.T) {
	b := testBus(t)

	var mu sync.Mutex
	var seen []int
	failFirst := true
	if _, err := b.Subscribe("orders.created", func(ctx context.Context, d Delivery) error {
		n := d.Payload.(int)
		if n == 0 && failFirst {
			failFirst = false
			return errors.New("transient")
		}
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return nil
	}, SubscribeOptions{}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := b.Publish(context.Background(), "orders.created", i, PublishOptions{PublisherID: "pub-1"}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	waitForCondition(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	for i, v := range seen {
		if v != i {
			t.Fatalf("seen = %v, want [0 1 2] (retry must not reorder ahead of fresh publishes)", seen)
		}
	}
}

func TestBusReplayOnSubscribe(t *testing.T) {
	cfg := DefaultBusConfig()
	cfg.HistoryEnabled = true
	cfg.HistoryLimitPerTopic = 10
	cfg.DispatcherPoolSize = 4
	cfg.WorkQueueCapacity = 100
	cfg.DeliveryTimeoutMS = 500
	b := NewBus(cfg)
	if err := b.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = b.Stop(ctx)
	})

	for i := 0; i < 3; i++ {
		if _, err := b.Publish(context.Background(), "orders.created", i, PublishOptions{}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}

	var mu sync.Mutex
	var replayed []int
	var replayFlags []bool
	if _, err := b.Subscribe("orders.created", func(ctx context.Context, d Delivery) error {
		mu.Lock()
		replayed = append(replayed, d.Payload.(int))
		_, isReplay := d.Metadata["replay"]
		replayFlags = append(replayFlags, isReplay)
		mu.Unlock()
		return nil
	}, SubscribeOptions{ReplayOnSubscribe: true, MaxReplay: 10}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	waitForCondition(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(replayed) == 3
	})

	mu.Lock()
	defer mu.Unlock()
	want := []int{0, 1, 2}
	for i, v := range replayed {
		if v != want[i] {
			t.Fatalf("replayed = %v, want %v in publish order", replayed, want)
		}
		if !replayFlags[i] {
			t.Errorf("replayed[%d] missing replay=true metadata flag", i)
		}
	}
}

func waitForCondition(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if cond() {
			return
		}
		select {
		case <-deadline:
			t.Fatal("condition not met before timeout")
		case <-time.After(time.Millisecond):
		}
	}
}
