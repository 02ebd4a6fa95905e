package broker

import (
	"net"
	"strings"
	"sync"

	"github.com/deejross/coremq/internal/wire"
)

// Conn is one accepted client connection. The identifier doubles as the
// client's private queue: responses and direct messages are addressed to it.
//
// subscriptions, options, and isReplicant are guarded by the broker mutex;
// everything else is set at accept time and read-only afterwards.
type Conn struct {
	id       string
	nc       net.Conn
	reader   *wire.Reader
	remoteIP string
	hostname string

	writeMu sync.Mutex

	subscriptions []string
	options       map[string]any
	isReplicant   bool
}

func newConn(id string, nc net.Conn) *Conn {
	c := &Conn{
		id:      id,
		nc:      nc,
		reader:  wire.NewReader(nc),
		options: make(map[string]any),
		// The private queue is implicitly subscribed so directed messages
		// relayed through a replicant reach this client.
		subscriptions: []string{id},
	}

	if host, _, err := net.SplitHostPort(nc.RemoteAddr().String()); err == nil {
		c.remoteIP = host
		c.hostname = host
	}
	// Reverse resolution is best-effort; the peer IP stands in otherwise.
	if names, err := net.LookupAddr(c.remoteIP); err == nil && len(names) > 0 {
		c.hostname = strings.TrimSuffix(names[0], ".")
	}
	return c
}

// send encodes and writes one frame. The write mutex keeps frames atomic
// when the dispatcher and fan-out target the same connection concurrently.
func (c *Conn) send(queue string, msg wire.Message) error {
	frame, err := wire.Encode(queue, msg)
	if err != nil {
		return err
	}
	return c.write(frame)
}

func (c *Conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.nc.Write(frame)
	return err
}

func (c *Conn) subscribed(queue string) bool {
	for _, q := range c.subscriptions {
		if q == queue {
			return true
		}
	}
	return false
}
