package natsclient

import (
	"testing"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	odinerrors "github.com/dls-controls/odin-data/errors"
)

func TestConnectionStatus_String(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connecting", StatusConnecting.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "reconnecting", StatusReconnecting.String())
	assert.Equal(t, "unknown", ConnectionStatus(99).String())
}

func TestNewClient_Defaults(t *testing.T) {
	c := NewClient("nats://localhost:4222")

	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsConnected())
	assert.Equal(t, -1, c.maxReconnects)
}

func TestNewClient_Options(t *testing.T) {
	c := NewClient("nats://localhost:4222",
		WithMaxReconnects(5),
		WithName("metawriter"),
		WithCredentials("user", "pass"),
	)

	assert.Equal(t, 5, c.maxReconnects)
	assert.Equal(t, "metawriter", c.clientName)

	opts := c.buildConnectionOptions()
	assert.NotEmpty(t, opts)
}

func TestClient_OperationsRequireConnection(t *testing.T) {
	c := NewClient("nats://localhost:4222")
	handler := func(_ *nats.Msg) {}

	err := c.Subscribe("meta", handler)
	require.Error(t, err)
	assert.ErrorIs(t, err, odinerrors.ErrNoConnection)

	require.Error(t, c.QueueSubscribe("meta", "writers", handler))

	// Close before connect is a no-op
	require.NoError(t, c.Close())
}
