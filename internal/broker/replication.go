package broker

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/deejross/coremq/internal/config"
	"github.com/deejross/coremq/internal/wire"
)

// Replication is the outbound connection from a replicant broker to its
// master. It forwards locally-published traffic upstream and injects
// mirrored traffic back into the local broker. The master connection is not
// an accepted connection and never appears in the local registry.
type Replication struct {
	broker        *Broker
	log           *zap.Logger
	peers         []string
	autoReconnect bool
	attempts      int

	mu            sync.Mutex
	nc            net.Conn
	reader        *wire.Reader
	id            string
	connectedHost string
	shuttingDown  bool

	writeMu sync.Mutex
}

// NewReplication builds the replication client for a broker whose
// cluster_nodes name other peers. Entries pointing at this broker itself are
// removed; if nothing remains the broker runs as a standalone master and nil
// is returned. Call after Broker.Start so the bound port is known.
func NewReplication(b *Broker, cfg config.CoreMQConfig, logger *zap.Logger) *Replication {
	peers := filterSelf(config.SplitList(cfg.ClusterNodes), b.name, b.port)
	if len(peers) == 0 {
		return nil
	}

	attempts := cfg.ReconnectAttempts
	if attempts <= 0 {
		attempts = 1
	}

	return &Replication{
		broker:        b,
		log:           logger,
		peers:         peers,
		autoReconnect: cfg.AutoReconnect,
		attempts:      attempts,
	}
}

// Run connects to the first reachable peer, adopts it as master, and mirrors
// its traffic until shutdown or promotion. Intended to run in its own
// goroutine.
func (r *Replication) Run() {
	r.log.Info("attempting to locate master CoreMQ server for replication")
	if !r.connect() {
		r.log.Warn("no other CoreMQ servers found, assuming role of master MQ")
		return
	}
	r.readLoop()
}

// Stop shuts the replication client down; the connection-loss path then
// skips reconnection.
func (r *Replication) Stop() {
	r.mu.Lock()
	r.shuttingDown = true
	nc := r.nc
	r.mu.Unlock()

	if nc != nil {
		_ = nc.Close()
	}
}

// Forward implements Upstream: send a locally-published message to the
// master. Failures close the connection and let the read loop reconnect.
func (r *Replication) Forward(queue string, msg wire.Message) {
	frame, err := wire.Encode(queue, msg)
	if err != nil {
		r.log.Error("encode forward", zap.String("queue", queue), zap.Error(err))
		return
	}

	r.mu.Lock()
	nc := r.nc
	r.mu.Unlock()
	if nc == nil {
		return
	}

	r.writeMu.Lock()
	_, err = nc.Write(frame)
	r.writeMu.Unlock()
	if err != nil {
		r.log.Warn("forward to master failed", zap.Error(err))
		_ = nc.Close()
	}
}

// ServerString implements Upstream: the host this replicant is mirroring.
func (r *Replication) ServerString() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectedHost
}

// connect makes one pass over the peer list, dialing each up to attempts
// times with a one second delay between failures. On success the peer is
// adopted as master.
func (r *Replication) connect() bool {
	for _, peer := range r.peers {
		for i := 0; i < r.attempts; i++ {
			if r.isShuttingDown() {
				return false
			}

			nc, err := net.Dial("tcp", peer)
			if err != nil {
				r.log.Warn("failed to connect to CoreMQ, retrying in 1 second",
					zap.String("peer", peer), zap.Error(err))
				time.Sleep(time.Second)
				continue
			}

			if err := r.handshake(nc, peer); err != nil {
				r.log.Warn("replication handshake failed",
					zap.String("peer", peer), zap.Error(err))
				_ = nc.Close()
				time.Sleep(time.Second)
				continue
			}
			return true
		}
	}
	return false
}

// handshake reads the welcome frame to learn this client's identifier, then
// requests replication under this broker's name:port identity.
func (r *Replication) handshake(nc net.Conn, peer string) error {
	reader := wire.NewReader(nc)

	_ = nc.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := reader.ReadFrame()
	if err != nil {
		return fmt.Errorf("welcome: %w", err)
	}
	_ = nc.SetReadDeadline(time.Time{})

	id, _, err := wire.DecodePayload(payload)
	if err != nil {
		return fmt.Errorf("welcome: %w", err)
	}

	frame, err := wire.Encode(id, wire.Message{wire.CmdReplicant: r.broker.ServerString()})
	if err != nil {
		return err
	}
	if _, err := nc.Write(frame); err != nil {
		return fmt.Errorf("replication request: %w", err)
	}

	host, _, _ := net.SplitHostPort(peer)
	r.mu.Lock()
	r.nc = nc
	r.reader = reader
	r.id = id
	r.connectedHost = host
	r.mu.Unlock()

	r.broker.SetUpstream(r)
	r.log.Info("connected to master", zap.String("peer", peer))
	return nil
}

func (r *Replication) readLoop() {
	for {
		r.mu.Lock()
		reader, id := r.reader, r.id
		r.mu.Unlock()

		payload, err := reader.ReadFrame()
		if err != nil {
			if r.isShuttingDown() {
				return
			}
			if !r.autoReconnect {
				r.log.Warn("connection to master lost, client is now shut down")
				r.broker.SetUpstream(nil)
				return
			}
			r.log.Warn("connection to master lost unexpectedly, attempting to reconnect")
			if !r.connect() {
				r.promote()
				return
			}
			continue
		}

		queue, msg, err := wire.DecodePayload(payload)
		if err != nil {
			continue
		}

		// Responses to the replication request arrive on this client's own
		// private queue; swallow acknowledgements, treat rejection as fatal.
		if queue == id {
			if resp := msg.Response(); strings.Contains(strings.ToLower(resp), "replica") {
				if !strings.HasPrefix(resp, "OK:") {
					r.log.Error("replication rejected by master", zap.String("response", resp))
					r.Stop()
					r.broker.SetUpstream(nil)
					return
				}
				continue
			}
		}

		r.broker.Inject(queue, msg)
	}
}

// promote makes this broker a standalone master after the master is lost and
// no other peer answers.
func (r *Replication) promote() {
	r.broker.SetUpstream(nil)
	r.log.Warn("lost connection to master and no others are available, assuming role of master MQ")
}

func (r *Replication) isShuttingDown() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shuttingDown
}

// filterSelf applies the default port to bare hostnames and removes entries
// that point at this broker (same short hostname, same port).
func filterSelf(nodes []string, selfName string, selfPort int) []string {
	var peers []string
	for _, n := range nodes {
		hp := n
		if !strings.Contains(n, ":") {
			hp = fmt.Sprintf("%s:%d", n, config.DefaultPort)
		}
		host, portStr, err := net.SplitHostPort(hp)
		if err != nil {
			continue
		}
		if shortName(host) == shortName(selfName) && portStr == strconv.Itoa(selfPort) {
			continue
		}
		peers = append(peers, hp)
	}
	return peers
}
