// Package broker implements the CoreMQ publish/subscribe broker: the
// connection registry, the command dispatcher, per-queue history rings, the
// fan-out engine, and the master/replicant mirroring protocol.
package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/deejross/coremq/internal/config"
	"github.com/deejross/coremq/internal/metrics"
	"github.com/deejross/coremq/internal/wire"
)

// Upstream is the broker's handle to its master when running as a replicant.
type Upstream interface {
	// Forward sends a locally-published message up to the master.
	Forward(queue string, msg wire.Message)
	// ServerString identifies the master for coremq_status replies.
	ServerString() string
}

// Broker owns all process-wide state: the connection registry, per-queue
// history, the allowed-replicant list, and the optional master handle. One
// mutex serializes every state mutation; socket writes happen outside it.
type Broker struct {
	name    string
	address string
	port    int
	allowed []string

	log     *zap.Logger
	metrics *metrics.Registry

	mu             sync.Mutex
	conns          map[string]*Conn
	replicantNames map[string]string
	history        map[string]*ring
	master         Upstream

	listener net.Listener
	wg       sync.WaitGroup
}

// New creates a broker from configuration. The server name is the local
// hostname, lowercased. allowed_replicants and cluster_nodes together form
// the allowed-replicant list.
func New(cfg config.CoreMQConfig, logger *zap.Logger, reg *metrics.Registry) *Broker {
	name := "localhost"
	if h, err := os.Hostname(); err == nil {
		name = strings.ToLower(h)
	}

	allowed := config.SplitList(cfg.AllowedReplicants)
	allowed = append(allowed, config.SplitList(cfg.ClusterNodes)...)

	return &Broker{
		name:           name,
		address:        cfg.Address,
		port:           cfg.Port,
		allowed:        normalizeAllowed(allowed),
		log:            logger,
		metrics:        reg,
		conns:          make(map[string]*Conn),
		replicantNames: make(map[string]string),
		history:        make(map[string]*ring),
	}
}

// Name returns the broker's server name.
func (b *Broker) Name() string { return b.name }

// Port returns the bound listen port. Valid after Start.
func (b *Broker) Port() int { return b.port }

// Addr returns the bound listen address. Valid after Start.
func (b *Broker) Addr() string {
	if b.listener == nil {
		return ""
	}
	return b.listener.Addr().String()
}

// ServerString is the name:port identity stamped into coremq_server.
func (b *Broker) ServerString() string {
	return fmt.Sprintf("%s:%d", b.name, b.port)
}

// ConnectionCount returns the size of the connection registry.
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// SetUpstream installs or clears the master handle. A nil upstream means
// this broker runs as (or has been promoted to) master.
func (b *Broker) SetUpstream(u Upstream) {
	b.mu.Lock()
	b.master = u
	b.mu.Unlock()
}

// Start binds the TCP listener and begins accepting connections. It returns
// once the listener is bound; the accept loop runs until Stop closes the
// listener. Cancelling ctx does not stop the loop by itself.
func (b *Broker) Start(ctx context.Context) error {
	if b.listener != nil {
		return errors.New("broker already started")
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", b.address, b.port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	b.listener = ln
	b.port = ln.Addr().(*net.TCPAddr).Port
	b.log.Info("broker listening", zap.String("addr", ln.Addr().String()), zap.String("server", b.name))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.acceptLoop(ctx)
	}()

	return nil
}

// Stop closes the listener and every open connection, then waits for the
// connection handlers to drain.
func (b *Broker) Stop() {
	if b.listener != nil {
		_ = b.listener.Close()
	}

	b.mu.Lock()
	open := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		open = append(open, c)
	}
	b.mu.Unlock()

	for _, c := range open {
		_ = c.nc.Close()
	}
	b.wg.Wait()
}

func (b *Broker) acceptLoop(ctx context.Context) {
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
			b.handleConn(nc)
		}(nc)
	}
}

// handleConn runs the connection actor: register, welcome, then read frames
// until the peer goes away or sends a malformed header.
func (b *Broker) handleConn(nc net.Conn) {
	defer nc.Close()

	c := newConn(uuid.NewString(), nc)

	b.mu.Lock()
	b.conns[c.id] = c
	b.mu.Unlock()
	defer b.dropConn(c)

	if b.metrics != nil {
		b.metrics.ActiveConnections.Inc()
		defer b.metrics.ActiveConnections.Dec()
	}

	welcome := wire.Message{"response": "OK: Welcome to CoreMQ server", "server": b.name}
	if err := c.send(c.id, welcome); err != nil {
		return
	}
	b.log.Debug("new connection", zap.String("conn", c.id), zap.String("host", c.hostname))

	for {
		payload, err := c.reader.ReadFrame()
		if err != nil {
			var perr *wire.ProtocolError
			if errors.As(err, &perr) {
				b.log.Warn("closing connection", zap.String("conn", c.id), zap.Error(perr))
				if b.metrics != nil {
					b.metrics.ProtocolErrors.Inc()
				}
			}
			return
		}

		queue, msg, err := wire.DecodePayload(payload)
		if err != nil {
			if err := c.send(c.id, wire.Message{"response": "ERROR: " + capitalize(err.Error())}); err != nil {
				return
			}
			continue
		}

		msg[wire.KeySender] = c.id
		msg[wire.KeySent] = float64(time.Now().UnixNano()) / 1e9

		b.dispatch(c, queue, msg)
	}
}

func (b *Broker) dropConn(c *Conn) {
	b.mu.Lock()
	delete(b.conns, c.id)
	delete(b.replicantNames, c.id)
	b.mu.Unlock()
	b.log.Debug("closed connection", zap.String("conn", c.id), zap.String("host", c.hostname))
}

// Inject feeds a message received from the master into the local fan-out as
// if it had been published locally. Mirrored traffic bears coremq_master,
// stamped by the master when it forwarded downstream, which keeps it from
// being forwarded back upstream; no reply is generated.
func (b *Broker) Inject(queue string, msg wire.Message) {
	b.mu.Lock()
	if _, ok := msg[wire.KeyServer]; !ok {
		msg[wire.KeyServer] = b.ServerString()
	}
	plan := b.publishLocked(queue, msg)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.ReplicationInjected.Inc()
	}
	b.deliver(queue, msg, plan)
}

// capitalize uppercases the first byte so response texts read like the
// broker's other ERROR strings.
func capitalize(s string) string {
	if s == "" || (s[0] < 'a' || s[0] > 'z') {
		return s
	}
	return string(s[0]-'a'+'A') + s[1:]
}

// shortName reduces a hostname to its lowercased first label. IP literals
// pass through whole.
func shortName(host string) string {
	host = strings.ToLower(host)
	if net.ParseIP(host) != nil {
		return host
	}
	host, _, _ = strings.Cut(host, ".")
	return host
}

// normalizeAllowed reduces allowed-replicant entries to comparable form:
// port stripped, short-name for hostnames, IPs kept whole.
func normalizeAllowed(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		host := e
		if h, _, err := net.SplitHostPort(e); err == nil {
			host = h
		}
		out = append(out, shortName(host))
	}
	return out
}
