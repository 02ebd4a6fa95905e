package client_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deejross/coremq/internal/broker"
	"github.com/deejross/coremq/internal/config"
	"github.com/deejross/coremq/internal/wire"
	"github.com/deejross/coremq/pkg/client"
)

func startBroker(t *testing.T) *broker.Broker {
	t.Helper()

	b := broker.New(config.CoreMQConfig{Address: "127.0.0.1"}, zaptest.NewLogger(t), nil)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(b.Stop)
	return b
}

func connect(t *testing.T, b *broker.Broker) *client.MessageQueue {
	t.Helper()

	c := client.New("127.0.0.1", b.Port())
	require.NoError(t, c.Connect())
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestConnectAssignsIdentifier(t *testing.T) {
	b := startBroker(t)
	c := connect(t, b)

	assert.NotEmpty(t, c.ConnectionID())
	assert.Equal(t, b.Name(), c.Welcome()["server"])

	// Connect is a no-op when already connected.
	id := c.ConnectionID()
	require.NoError(t, c.Connect())
	assert.Equal(t, id, c.ConnectionID())
}

func TestGetMessageTimeoutIsNotAnError(t *testing.T) {
	b := startBroker(t)
	c := connect(t, b)

	start := time.Now()
	queue, msg, err := c.GetMessage(300 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, queue)
	assert.Nil(t, msg)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
}

func TestSubscribePublishReceive(t *testing.T) {
	b := startBroker(t)
	pub := connect(t, b)
	sub := connect(t, b)

	_, resp, err := sub.Subscribe("orders")
	require.NoError(t, err)
	require.Equal(t, "OK: Subscribe successful", resp.Response())

	_, resp, err = pub.SendMessage("orders", wire.Message{"item": "widget", "qty": 3})
	require.NoError(t, err)
	require.Equal(t, "OK: Message sent", resp.Response())

	queue, msg, err := sub.GetMessage(2 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "orders", queue)
	assert.Equal(t, "widget", msg["item"])
	assert.Equal(t, float64(3), msg["qty"])
	assert.Equal(t, pub.ConnectionID(), msg[wire.KeySender])
	assert.NotZero(t, msg[wire.KeySent])
}

func TestBareStringIsWrapped(t *testing.T) {
	b := startBroker(t)
	pub := connect(t, b)
	sub := connect(t, b)

	_, _, err := sub.Subscribe("q1")
	require.NoError(t, err)

	_, resp, err := pub.SendMessage("q1", "hello")
	require.NoError(t, err)
	require.Equal(t, "OK: Message sent", resp.Response())

	_, msg, err := sub.GetMessage(2 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "hello", msg[wire.KeyString])
}

func TestGetHistoryDefaultsToSubscriptions(t *testing.T) {
	b := startBroker(t)
	pub := connect(t, b)
	sub := connect(t, b)

	_, _, err := sub.Subscribe("h1")
	require.NoError(t, err)

	_, _, err = pub.SendMessage("h1", wire.Message{"n": 1})
	require.NoError(t, err)

	// Drain the broadcast so the next read is the history response.
	_, _, err = sub.GetMessage(2 * time.Second)
	require.NoError(t, err)

	_, resp, err := sub.GetHistory()
	require.NoError(t, err)
	history, ok := resp["history"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, history, "h1")
}

func TestGetHistoryWithoutQueues(t *testing.T) {
	b := startBroker(t)
	c := connect(t, b)

	_, _, err := c.GetHistory()
	assert.Error(t, err)
}

func TestSetOptionsNilRemoves(t *testing.T) {
	b := startBroker(t)
	c := connect(t, b)

	_, resp, err := c.SetOptions(map[string]any{"trace": true})
	require.NoError(t, err)
	require.Equal(t, "OK: Options set", resp.Response())

	_, resp, err = c.SetOptions(map[string]any{"trace": nil})
	require.NoError(t, err)
	require.Equal(t, "OK: Options set", resp.Response())
}
