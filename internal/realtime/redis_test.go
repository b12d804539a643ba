package realtime

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func redisBus(t *testing.T) *RedisBus {
	t.Helper()
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus, err := DialRedis(ctx, url, "test:"+uuid.NewString()+":", 8, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func TestRedisBusRoundTrip(t *testing.T) {
	bus := redisBus(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub, err := bus.Subscribe(ctx, "messages:c1", EventInsert)
	require.NoError(t, err)
	defer sub.Close()

	upd, _ := NewEvent("messages:c1", EventUpdate, "messages", map[string]string{"id": "m1"})
	ins, _ := NewEvent("messages:c1", EventInsert, "messages", map[string]string{"id": "m2"})
	require.NoError(t, bus.Publish(ctx, upd))
	require.NoError(t, bus.Publish(ctx, ins))

	got := recv(t, sub)
	assert.Equal(t, EventInsert, got.Type)
	assert.Equal(t, "messages:c1", got.Topic)
}

func TestDialRedisBadURL(t *testing.T) {
	_, err := DialRedis(context.Background(), "not a url", "", 1, zerolog.Nop())
	assert.Error(t, err)
}
