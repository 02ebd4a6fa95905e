package broker_test

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/deejross/coremq/internal/broker"
	"github.com/deejross/coremq/internal/config"
	"github.com/deejross/coremq/internal/metrics"
	"github.com/deejross/coremq/internal/wire"
	"github.com/deejross/coremq/pkg/client"
)

func startBroker(t *testing.T, cfg config.CoreMQConfig) *broker.Broker {
	t.Helper()
	cfg.Address = "127.0.0.1"

	b := broker.New(cfg, zaptest.NewLogger(t), metrics.NewRegistry())
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

func TestWelcome(t *testing.T) {
	b := startBroker(t, config.CoreMQConfig{})
	c := connect(t, b)

	assert.NotEmpty(t, c.ConnectionID())
	assert.Equal(t, "OK: Welcome to CoreMQ server", c.Welcome().Response())
	assert.Equal(t, b.Name(), c.Welcome()["server"])
}

func TestPubSubFanOut(t *testing.T) {
	b := startBroker(t, config.CoreMQConfig{})
	a := connect(t, b)
	sub1 := connect(t, b)
	sub2 := connect(t, b)

	_, resp, err := sub1.Subscribe("q1")
	require.NoError(t, err)
	require.Equal(t, "OK: Subscribe successful", resp.Response())
	_, _, err = sub2.Subscribe("q1")
	require.NoError(t, err)

	_, resp, err = a.SendMessage("q1", wire.Message{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, "OK: Message sent", resp.Response())

	for _, sub := range []*client.MessageQueue{sub1, sub2} {
		queue, msg, err := sub.GetMessage(2 * time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "q1", queue)
		assert.Equal(t, float64(1), msg["n"])
		assert.Equal(t, a.ConnectionID(), msg[wire.KeySender])
		assert.Equal(t, b.ServerString(), msg[wire.KeyServer])
	}

	// The publisher gets only its OK response, never its own message back.
	_, msg, err := a.GetMessage(300 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestNoSelfDelivery(t *testing.T) {
	b := startBroker(t, config.CoreMQConfig{})
	a := connect(t, b)

	_, _, err := a.Subscribe("loop")
	require.NoError(t, err)

	_, resp, err := a.SendMessage("loop", wire.Message{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, "OK: Message sent", resp.Response())

	_, msg, err := a.GetMessage(300 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestHistory(t *testing.T) {
	b := startBroker(t, config.CoreMQConfig{})
	a := connect(t, b)

	for i := 0; i < 12; i++ {
		_, resp, err := a.SendMessage("q2", wire.Message{"i": i})
		require.NoError(t, err)
		require.Equal(t, "OK: Message sent", resp.Response())
	}

	_, resp, err := a.GetHistory("q2")
	require.NoError(t, err)
	history, ok := resp["history"].(map[string]any)
	require.True(t, ok)

	entries, ok := history["q2"].([]any)
	require.True(t, ok)
	require.Len(t, entries, 10)

	for i, entry := range entries {
		msg, ok := entry.(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(i+2), msg["i"])
	}
}

func TestHistoryUnknownQueueAbsent(t *testing.T) {
	b := startBroker(t, config.CoreMQConfig{})
	a := connect(t, b)

	_, resp, err := a.GetHistory("never-used")
	require.NoError(t, err)
	history, ok := resp["history"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, history, "never-used")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := startBroker(t, config.CoreMQConfig{})
	a := connect(t, b)
	sub := connect(t, b)

	_, _, err := sub.Subscribe("qa")
	require.NoError(t, err)
	_, resp, err := sub.Unsubscribe("qa")
	require.NoError(t, err)
	assert.Equal(t, "OK: Unsubscribe successful", resp.Response())

	_, _, err = a.SendMessage("qa", wire.Message{"n": 1})
	require.NoError(t, err)

	_, msg, err := sub.GetMessage(300 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestSetOptions(t *testing.T) {
	b := startBroker(t, config.CoreMQConfig{})
	a := connect(t, b)

	_, resp, err := a.SetOptions(map[string]any{"compression": "gzip"})
	require.NoError(t, err)
	assert.Equal(t, "OK: Options set", resp.Response())
}

func TestStatusMaster(t *testing.T) {
	b := startBroker(t, config.CoreMQConfig{})
	a := connect(t, b)

	_, resp, err := a.Status()
	require.NoError(t, err)
	assert.Equal(t, b.Name(), resp["master"])
	assert.Equal(t, float64(1), resp["connections"])
	assert.Empty(t, resp["replicants"])
}

// rawConn is a bare wire-protocol connection for tests that need to control
// framing byte-for-byte.
type rawConn struct {
	nc     net.Conn
	reader *wire.Reader
	id     string
}

func dialRaw(t *testing.T, b *broker.Broker) *rawConn {
	t.Helper()

	nc, err := net.Dial("tcp", b.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })

	r := &rawConn{nc: nc, reader: wire.NewReader(nc)}
	queue, _, err := r.read(t, 2*time.Second)
	require.NoError(t, err)
	r.id = queue
	return r
}

func (r *rawConn) read(t *testing.T, timeout time.Duration) (string, wire.Message, error) {
	t.Helper()
	_ = r.nc.SetReadDeadline(time.Now().Add(timeout))
	payload, err := r.reader.ReadFrame()
	if err != nil {
		return "", nil, err
	}
	return wire.DecodePayload(payload)
}

func TestFrameSplitting(t *testing.T) {
	b := startBroker(t, config.CoreMQConfig{})
	sub := connect(t, b)
	_, _, err := sub.Subscribe("q1")
	require.NoError(t, err)

	pub := dialRaw(t, b)

	// Two frames concatenated into a single TCP segment must both parse.
	first, err := wire.Encode("q1", wire.Message{"n": 1})
	require.NoError(t, err)
	second, err := wire.Encode("q1", wire.Message{"n": 2})
	require.NoError(t, err)
	_, err = pub.nc.Write(append(first, second...))
	require.NoError(t, err)

	for want := 1; want <= 2; want++ {
		queue, msg, err := sub.GetMessage(2 * time.Second)
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.Equal(t, "q1", queue)
		assert.Equal(t, float64(want), msg["n"])
	}
}

func TestMalformedPayloadKeepsConnection(t *testing.T) {
	b := startBroker(t, config.CoreMQConfig{})
	c := dialRaw(t, b)

	// Payload without a queue/message separator draws an error response but
	// the connection survives.
	_, err := c.nc.Write([]byte("+7 nospace"))
	require.NoError(t, err)

	queue, msg, err := c.read(t, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, c.id, queue)
	assert.Contains(t, msg.Response(), "ERROR:")

	frame, err := wire.Encode(c.id, wire.Message{wire.CmdStatus: true})
	require.NoError(t, err)
	_, err = c.nc.Write(frame)
	require.NoError(t, err)

	_, msg, err = c.read(t, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, b.Name(), msg["master"])
}

func TestOversizeHeaderClosesConnection(t *testing.T) {
	b := startBroker(t, config.CoreMQConfig{})
	c := dialRaw(t, b)

	_, err := c.nc.Write([]byte("+100000000 x"))
	require.NoError(t, err)

	_, _, err = c.read(t, 2*time.Second)
	assert.Error(t, err)
}

func TestReplicantHandshakeDenied(t *testing.T) {
	b := startBroker(t, config.CoreMQConfig{})
	c := dialRaw(t, b)

	frame, err := wire.Encode(c.id, wire.Message{wire.CmdReplicant: "rogue:6747"})
	require.NoError(t, err)
	_, err = c.nc.Write(frame)
	require.NoError(t, err)

	_, msg, err := c.read(t, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "ERROR: Not allowed to be a replicant", msg.Response())

	_, _, err = c.read(t, 2*time.Second)
	assert.Error(t, err)
}

func TestTrustedPeerReceivesBroadcasts(t *testing.T) {
	b := startBroker(t, config.CoreMQConfig{AllowedReplicants: "127.0.0.1,localhost"})
	peer := dialRaw(t, b)

	frame, err := wire.Encode(peer.id, wire.Message{wire.CmdTrustedPeer: "bridge:9000"})
	require.NoError(t, err)
	_, err = peer.nc.Write(frame)
	require.NoError(t, err)

	_, msg, err := peer.read(t, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "OK: Trusted peer request successful", msg.Response())

	// Trusted peers mirror all traffic without subscribing, but are not
	// reported as cluster replicants.
	pub := connect(t, b)
	_, _, err = pub.SendMessage("anything", wire.Message{"n": 1})
	require.NoError(t, err)

	queue, msg, err := peer.read(t, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "anything", queue)
	assert.Equal(t, float64(1), msg["n"])

	_, resp, err := pub.Status()
	require.NoError(t, err)
	assert.Empty(t, resp["replicants"])
}

func startReplicant(t *testing.T, master *broker.Broker) (*broker.Broker, *broker.Replication) {
	t.Helper()

	cfg := config.CoreMQConfig{
		ClusterNodes:  fmt.Sprintf("127.0.0.1:%d", master.Port()),
		AutoReconnect: true,
	}
	r := startBroker(t, cfg)

	rep := broker.NewReplication(r, cfg, zaptest.NewLogger(t))
	require.NotNil(t, rep)
	go rep.Run()
	t.Cleanup(rep.Stop)

	// Wait for the handshake to land on the master.
	mc := connect(t, master)
	require.Eventually(t, func() bool {
		_, resp, err := mc.Status()
		if err != nil {
			return false
		}
		replicants, _ := resp["replicants"].([]any)
		return len(replicants) == 1
	}, 10*time.Second, 100*time.Millisecond)
	_ = mc.Close()

	return r, rep
}

func TestReplicationLoopSuppression(t *testing.T) {
	m := startBroker(t, config.CoreMQConfig{AllowedReplicants: "127.0.0.1,localhost"})
	r, _ := startReplicant(t, m)

	subM := connect(t, m)
	_, _, err := subM.Subscribe("q")
	require.NoError(t, err)

	subR := connect(t, r)
	_, _, err = subR.Subscribe("q")
	require.NoError(t, err)

	x := connect(t, r)
	_, resp, err := x.SendMessage("q", wire.Message{"event": "ev"})
	require.NoError(t, err)
	assert.Equal(t, "OK: Message sent", resp.Response())

	// The master's subscriber sees the event, stamped with the replicant's
	// server identity.
	queue, msg, err := subM.GetMessage(2 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "q", queue)
	assert.Equal(t, "ev", msg["event"])
	assert.Equal(t, r.ServerString(), msg[wire.KeyServer])

	// The replicant's subscriber sees the event exactly once: the local
	// broadcast, with no echo back through the master.
	_, msg, err = subR.GetMessage(2 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "ev", msg["event"])

	_, msg, err = subR.GetMessage(500 * time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, msg)
}

func TestMasterBroadcastReachesReplicantClients(t *testing.T) {
	m := startBroker(t, config.CoreMQConfig{AllowedReplicants: "127.0.0.1,localhost"})
	r, _ := startReplicant(t, m)

	subR := connect(t, r)
	_, _, err := subR.Subscribe("q")
	require.NoError(t, err)

	pub := connect(t, m)
	_, _, err = pub.SendMessage("q", wire.Message{"event": "from-master"})
	require.NoError(t, err)

	_, msg, err := subR.GetMessage(2 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "from-master", msg["event"])
	assert.Equal(t, m.ServerString(), msg[wire.KeyServer])
	// Stamped by the master when it forwarded downstream; this is what keeps
	// the message from being re-sent upstream.
	assert.Equal(t, m.Name(), msg[wire.KeyMaster])
}

func TestReplicantStatus(t *testing.T) {
	m := startBroker(t, config.CoreMQConfig{AllowedReplicants: "127.0.0.1,localhost"})
	r, _ := startReplicant(t, m)

	c := connect(t, r)
	_, resp, err := c.Status()
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", resp["replicant_of"])
	assert.NotContains(t, resp, "master")
}

func TestPromotionAfterMasterLoss(t *testing.T) {
	m := startBroker(t, config.CoreMQConfig{AllowedReplicants: "127.0.0.1,localhost"})
	r, _ := startReplicant(t, m)

	m.Stop()

	c := connect(t, r)
	require.Eventually(t, func() bool {
		_, resp, err := c.Status()
		return err == nil && resp["master"] == r.Name()
	}, 15*time.Second, 250*time.Millisecond)
}
