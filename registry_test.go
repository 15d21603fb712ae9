package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(context.Context, Delivery) error { return nil }

func TestRegistryAddIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	sub := Subscriber{ID: "sub-1", Deliver: noopHandler}
	require.NoError(t, r.Add("orders.created", sub, SubscribeOptions{}))
	require.NoError(t, r.Add("orders.created", sub, SubscribeOptions{}))
	assert.Equal(t, 1, r.SubscriberCount("orders.created"))
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry(nil)
	sub := Subscriber{ID: "sub-1", Deliver: noopHandler}
	_ = r.Add("orders.created", sub, SubscribeOptions{})
	require.NoError(t, r.Remove("orders.created", "sub-1"))
	require.NoError(t, r.Remove("orders.created", "sub-1"))
	assert.Equal(t, 0, r.SubscriberCount("orders.created"))
}

func TestRegistrySnapshotDedupesMultiplePatterns(t *testing.T) {
	r := NewRegistry(nil)
	sub := Subscriber{ID: "sub-1", Deliver: noopHandler}
	_ = r.Add("orders.*", sub, SubscribeOptions{})
	_ = r.Add("orders.**", sub, SubscribeOptions{})

	snap := r.Snapshot("orders.created")
	require.Len(t, snap, 1, "deduplicated")
	assert.Equal(t, "sub-1", snap[0].ID)
}

func TestRegistryLivenessSignalRemovesSubscriber(t *testing.T) {
	r := NewRegistry(nil)
	signal := make(chan struct{})
	sub := Subscriber{ID: "sub-1", Deliver: noopHandler}
	_ = r.Add("orders.created", sub, SubscribeOptions{Liveness: signal})
	_ = r.Add("payments.created", sub, SubscribeOptions{Liveness: signal})

	close(signal)

	deadline := time.After(time.Second)
	for {
		if r.SubscriberCount("orders.created") == 0 && r.SubscriberCount("payments.created") == 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("liveness signal did not remove subscriber registrations in time")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestRegistryRemoveAll(t *testing.T) {
	r := NewRegistry(nil)
	sub := Subscriber{ID: "sub-1", Deliver: noopHandler}
	_ = r.Add("orders.created", sub, SubscribeOptions{})
	_ = r.Add("payments.created", sub, SubscribeOptions{})

	require.NoError(t, r.RemoveAll("sub-1"))
	assert.Empty(t, r.Snapshot("orders.created"))
	assert.Empty(t, r.Snapshot("payments.created"))
}
