package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event")
		return Event{}
	}
}

func TestHubFanOutAndTypeFilter(t *testing.T) {
	ctx := context.Background()
	h := NewHub(8, zerolog.Nop())
	defer h.Close()

	all, err := h.Subscribe(ctx, "messages:c1")
	require.NoError(t, err)
	inserts, err := h.Subscribe(ctx, "messages:c1", EventInsert)
	require.NoError(t, err)
	other, err := h.Subscribe(ctx, "messages:c2")
	require.NoError(t, err)
	assert.Equal(t, 2, h.Subscribers("messages:c1"))

	upd, _ := NewEvent("messages:c1", EventUpdate, "messages", map[string]string{"id": "m1"})
	ins, _ := NewEvent("messages:c1", EventInsert, "messages", map[string]string{"id": "m2"})
	require.NoError(t, h.Publish(ctx, upd))
	require.NoError(t, h.Publish(ctx, ins))

	assert.Equal(t, EventUpdate, recv(t, all).Type)
	assert.Equal(t, EventInsert, recv(t, all).Type)
	got := recv(t, inserts)
	assert.Equal(t, EventInsert, got.Type)
	var row struct{ ID string }
	require.NoError(t, got.Decode(&row))
	assert.Equal(t, "m2", row.ID)

	select {
	case ev := <-other.Events():
		t.Fatalf("unexpected event on other topic: %+v", ev)
	default:
	}
}

func TestHubDropsWhenQueueFull(t *testing.T) {
	ctx := context.Background()
	h := NewHub(1, zerolog.Nop())
	defer h.Close()
	sub, err := h.Subscribe(ctx, "t")
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		ev, _ := NewEvent("t", EventBroadcast, "n", i)
		require.NoError(t, h.Publish(ctx, ev), "publish never blocks")
	}
	var n int
	require.NoError(t, recv(t, sub).Decode(&n))
	assert.Equal(t, 0, n, "oldest event kept")
	select {
	case <-sub.Events():
		t.Fatal("overflow should have been dropped")
	default:
	}
}

func TestHubCloseAndRelease(t *testing.T) {
	ctx := context.Background()
	h := NewHub(4, zerolog.Nop())

	_, err := h.Subscribe(ctx, "")
	assert.ErrorIs(t, err, ErrNoTopic)
	assert.ErrorIs(t, h.Publish(ctx, Event{}), ErrNoTopic)

	sub, err := h.Subscribe(ctx, "t")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	assert.Zero(t, h.Subscribers("t"))
	_, ok := <-sub.Events()
	assert.False(t, ok)

	sub, err = h.Subscribe(ctx, "t")
	require.NoError(t, err)
	h.Close()
	_, ok = <-sub.Events()
	assert.False(t, ok, "close ends every subscription")
	assert.ErrorIs(t, h.Publish(ctx, Event{Topic: "t"}), ErrClosed)
	_, err = h.Subscribe(ctx, "t")
	assert.ErrorIs(t, err, ErrClosed)
	h.Close()
}

func TestEventDecodeEmptyPayload(t *testing.T) {
	var v map[string]any
	assert.Error(t, Event{Topic: "t", Type: EventInsert}.Decode(&v))
}
