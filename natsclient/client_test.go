package natsclient

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewClient_Defaults(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
}

func TestNewClient_InvalidOptions(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithTimeout(0))
	assert.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithReconnectWait(-time.Second))
	assert.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithLogger(nil))
	assert.Error(t, err)
}

func TestConnect_FailureLeavesDisconnected(t *testing.T) {
	// Nothing listens on this port; dial must fail fast
	c, err := NewClient("nats://127.0.0.1:1",
		WithTimeout(200*time.Millisecond),
		WithLogger(slog.Default()),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = c.Connect(ctx)
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, c.Status())
}

func TestSubscribePublish_NotConnected(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)

	err = c.Subscribe(context.Background(), "changes.assets", func(context.Context, []byte) {})
	assert.ErrorIs(t, err, ErrNotConnected)

	err = c.Publish(context.Background(), "changes.assets", []byte("{}"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestClose_Idempotent(t *testing.T) {
	c, err := NewClient("nats://127.0.0.1:1")
	require.NoError(t, err)

	assert.NoError(t, c.Close(context.Background()))
	assert.NoError(t, c.Close(context.Background()))
	assert.Equal(t, StatusClosed, c.Status())

	// A closed client refuses new connections
	assert.ErrorIs(t, c.Connect(context.Background()), ErrClosed)
}

func TestStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "closed", StatusClosed.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}
