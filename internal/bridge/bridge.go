// Package bridge implements the CoreMQ WebSocket bridge: a standalone
// daemon that is itself a broker client. Browser clients connect over
// WebSocket and publish or subscribe through the bridge's single upstream
// broker connection, which is authenticated as a trusted peer so it mirrors
// all broker traffic.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deejross/coremq/internal/config"
	"github.com/deejross/coremq/internal/wire"
)

// reconnectDelay is how long the bridge waits between attempts to find a
// broker.
const reconnectDelay = 3 * time.Second

// Bridge accepts WebSocket clients and relays their traffic through one
// upstream CoreMQ connection.
type Bridge struct {
	address string
	port    int
	brokers []string
	name    string
	log     *zap.Logger

	listener net.Listener
	wg       sync.WaitGroup

	mu           sync.Mutex
	sessions     map[string]*session
	upstream     *upstream
	shuttingDown bool
}

// session is one connected WebSocket client. Its UUID doubles as the private
// queue it is implicitly subscribed to.
type session struct {
	id            string
	nc            net.Conn
	writeMu       sync.Mutex
	subscriptions []string
}

// upstream is the bridge's connection to a broker.
type upstream struct {
	nc      net.Conn
	reader  *wire.Reader
	id      string
	writeMu sync.Mutex
}

// New creates a bridge that listens per wsCfg and relays to the first
// reachable broker in cluster nodes.
func New(wsCfg config.WSConfig, mqCfg config.CoreMQConfig, logger *zap.Logger) *Bridge {
	name := "localhost"
	if h, err := os.Hostname(); err == nil {
		name = strings.ToLower(h)
	}

	brokers := config.SplitList(mqCfg.ClusterNodes)
	for i, b := range brokers {
		if !strings.Contains(b, ":") {
			brokers[i] = fmt.Sprintf("%s:%d", b, config.DefaultPort)
		}
	}

	return &Bridge{
		address:  wsCfg.Address,
		port:     wsCfg.Port,
		brokers:  brokers,
		name:     fmt.Sprintf("%s:%d", name, wsCfg.Port),
		log:      logger,
		sessions: make(map[string]*session),
	}
}

// Start binds the WebSocket listener and begins dialing brokers. It returns
// once the listener is bound.
func (b *Bridge) Start(ctx context.Context) error {
	if len(b.brokers) == 0 {
		return errors.New("no brokers configured; set coremq.cluster_nodes")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", b.address, b.port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	b.listener = ln
	b.log.Info("websocket bridge listening", zap.String("addr", ln.Addr().String()))

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.acceptLoop(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.brokerLoop(ctx)
	}()

	return nil
}

// Stop closes the listener, the upstream connection, and every session.
func (b *Bridge) Stop() {
	b.mu.Lock()
	b.shuttingDown = true
	up := b.upstream
	open := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		open = append(open, s)
	}
	b.mu.Unlock()

	if b.listener != nil {
		_ = b.listener.Close()
	}
	if up != nil {
		_ = up.nc.Close()
	}
	for _, s := range open {
		_ = s.nc.Close()
	}
	b.wg.Wait()
}

// Addr returns the bound listen address. Valid after Start.
func (b *Bridge) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

func (b *Bridge) acceptLoop(ctx context.Context) {
	for {
		nc, err := b.listener.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Temporary() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if ctx.Err() == nil && !errors.Is(err, net.ErrClosed) {
				b.log.Error("accept error", zap.Error(err))
			}
			return
		}

		b.wg.Add(1)
		go func(nc net.Conn) {
			defer b.wg.Done()
			b.handleSession(nc)
		}(nc)
	}
}

func (b *Bridge) handleSession(nc net.Conn) {
	defer nc.Close()

	if _, err := ws.Upgrade(nc); err != nil {
		b.log.Debug("upgrade failed", zap.Error(err))
		return
	}

	s := &session{
		id: uuid.NewString(),
		nc: nc,
	}
	s.subscriptions = []string{s.id}

	b.mu.Lock()
	b.sessions[s.id] = s
	count := len(b.sessions)
	b.mu.Unlock()
	b.log.Info("websocket client connected", zap.String("session", s.id), zap.Int("connections", count))

	defer func() {
		b.mu.Lock()
		delete(b.sessions, s.id)
		count := len(b.sessions)
		b.mu.Unlock()
		b.log.Info("websocket client disconnected", zap.String("session", s.id), zap.Int("connections", count))
	}()

	for {
		data, op, err := wsutil.ReadClientData(nc)
		if err != nil {
			return
		}
		if op == ws.OpBinary {
			_ = s.write(ws.OpBinary, data)
			continue
		}
		if op != ws.OpText {
			continue
		}
		b.handleClientMessage(s, data)
	}
}

func (b *Bridge) handleClientMessage(s *session, data []byte) {
	var msg wire.Message
	if err := json.Unmarshal(data, &msg); err != nil || msg == nil {
		b.sendError(s, "Message must be an object")
		return
	}

	if raw, ok := msg[wire.CmdSubscribe]; ok {
		queues := normalizeQueues(raw)
		if len(queues) == 0 {
			b.sendError(s, "No queues found")
			return
		}
		b.mu.Lock()
		for _, q := range queues {
			if !containsStr(s.subscriptions, q) {
				s.subscriptions = append(s.subscriptions, q)
			}
		}
		b.mu.Unlock()
		return
	}

	queue, ok := msg["queue"].(string)
	if !ok || queue == "" {
		b.sendError(s, "Command not recognized")
		return
	}
	delete(msg, "queue")
	msg[wire.KeyFwdTo] = s.id

	b.mu.Lock()
	up := b.upstream
	b.mu.Unlock()
	if up == nil {
		b.sendError(s, "Not connected to CoreMQ")
		return
	}
	if err := up.send(queue, msg); err != nil {
		b.log.Warn("forward to broker failed", zap.Error(err))
		_ = up.nc.Close()
		b.sendError(s, "Not connected to CoreMQ")
	}
}

// brokerLoop keeps one upstream broker connection alive, redialing every few
// seconds until one answers.
func (b *Bridge) brokerLoop(ctx context.Context) {
	for {
		if ctx.Err() != nil || b.isShuttingDown() {
			return
		}

		up, err := b.dialBroker()
		if err != nil {
			b.log.Warn("no CoreMQ servers found, retrying in 3 seconds", zap.Error(err))
			time.Sleep(reconnectDelay)
			continue
		}

		b.mu.Lock()
		b.upstream = up
		b.mu.Unlock()

		fatal := b.readBroker(up)

		b.mu.Lock()
		b.upstream = nil
		b.mu.Unlock()
		_ = up.nc.Close()

		if fatal || b.isShuttingDown() {
			return
		}
		b.log.Warn("connection to CoreMQ lost, reconnecting")
	}
}

// dialBroker tries each configured broker once and performs the trusted-peer
// handshake on the first that answers.
func (b *Bridge) dialBroker() (*upstream, error) {
	var lastErr error
	for _, addr := range b.brokers {
		nc, err := net.Dial("tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}

		reader := wire.NewReader(nc)
		_ = nc.SetReadDeadline(time.Now().Add(5 * time.Second))
		payload, err := reader.ReadFrame()
		if err != nil {
			_ = nc.Close()
			lastErr = err
			continue
		}
		_ = nc.SetReadDeadline(time.Time{})

		id, _, err := wire.DecodePayload(payload)
		if err != nil {
			_ = nc.Close()
			lastErr = err
			continue
		}

		up := &upstream{nc: nc, reader: reader, id: id}
		if err := up.send(id, wire.Message{wire.CmdTrustedPeer: b.name}); err != nil {
			_ = nc.Close()
			lastErr = err
			continue
		}

		b.log.Info("connected to CoreMQ", zap.String("broker", addr))
		return up, nil
	}

	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return nil, lastErr
}

// readBroker mirrors upstream traffic to WebSocket clients until the
// connection drops. It returns true when the bridge must not reconnect (the
// broker rejected the trusted-peer handshake).
func (b *Bridge) readBroker(up *upstream) bool {
	for {
		payload, err := up.reader.ReadFrame()
		if err != nil {
			return false
		}

		queue, msg, err := wire.DecodePayload(payload)
		if err != nil {
			continue
		}

		// The handshake acknowledgement arrives on our own private queue.
		if queue == up.id {
			if resp := msg.Response(); strings.Contains(strings.ToLower(resp), "trusted peer") {
				if !strings.HasPrefix(resp, "OK:") {
					b.log.Error("trusted peer request rejected", zap.String("response", resp))
					return true
				}
				continue
			}
		}

		b.fanOut(up, queue, msg)
	}
}

// fanOut delivers one broker message to every subscribed WebSocket client,
// skipping the client a relayed response already went to.
func (b *Bridge) fanOut(up *upstream, queue string, msg wire.Message) {
	msg["queue"] = queue
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	sender, _ := msg[wire.KeySender].(string)
	fwdTo, _ := msg[wire.KeyFwdTo].(string)

	b.mu.Lock()
	targets := make([]*session, 0, len(b.sessions))
	for _, s := range b.sessions {
		if !containsStr(s.subscriptions, queue) {
			continue
		}
		// Do not echo a client's own forwarded message back at it.
		if sender == up.id && fwdTo == s.id {
			continue
		}
		targets = append(targets, s)
	}
	b.mu.Unlock()

	for _, s := range targets {
		if err := s.write(ws.OpText, data); err != nil {
			_ = s.nc.Close()
		}
	}
}

func (b *Bridge) sendError(s *session, text string) {
	data, err := json.Marshal(map[string]string{"error": text})
	if err != nil {
		return
	}
	if err := s.write(ws.OpText, data); err != nil {
		_ = s.nc.Close()
	}
}

func (b *Bridge) isShuttingDown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.shuttingDown
}

func (s *session) write(op ws.OpCode, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return wsutil.WriteServerMessage(s.nc, op, data)
}

func (u *upstream) send(queue string, msg wire.Message) error {
	frame, err := wire.Encode(queue, msg)
	if err != nil {
		return err
	}
	u.writeMu.Lock()
	defer u.writeMu.Unlock()
	_, err = u.nc.Write(frame)
	return err
}

func normalizeQueues(v any) []string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return nil
		}
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func containsStr(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
