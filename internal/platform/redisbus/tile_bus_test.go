package redisbus

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yungbote/terrain-backend/internal/platform/logger"
)

func TestDecodeRejectsBadPayloads(t *testing.T) {
	for _, p := range []string{"", "{", `{"blob_key":"dem/N40W105.asc"}`} {
		_, err := decode(p)
		assert.Error(t, err, "payload %q", p)
	}
	_, err := encode(TileReady{})
	assert.Error(t, err)

	raw, err := encode(TileReady{TileKey: "N40W105", BlobKey: "dem/N40W105.asc"})
	require.NoError(t, err)
	msg, err := decode(string(raw))
	require.NoError(t, err)
	assert.Equal(t, "N40W105", msg.TileKey)
}

func TestTileBusRoundTrip(t *testing.T) {
	addr := strings.TrimSpace(os.Getenv("TEST_REDIS_ADDR"))
	if addr == "" {
		t.Skip("set TEST_REDIS_ADDR to run redis integration tests")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	channel := "terrain:test:" + time.Now().Format("150405.000000")
	bus, err := NewTileBus(ctx, logger.Nop(), Config{Addr: addr, Channel: channel})
	require.NoError(t, err)
	defer bus.Close()

	got := make(chan TileReady, 1)
	require.NoError(t, bus.StartForwarder(ctx, func(m TileReady) { got <- m }))
	require.NoError(t, bus.Publish(ctx, TileReady{TileKey: "S01E010", BlobKey: "dem/S01E010.asc"}))

	select {
	case m := <-got:
		assert.Equal(t, "S01E010", m.TileKey)
	case <-ctx.Done():
		t.Fatalf("no message received")
	}
}
