// Package client provides a synchronous convenience client for CoreMQ: a
// thin blocking wrapper over the wire protocol for programs that do not need
// their own event loop.
package client

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/deejross/coremq/internal/config"
	"github.com/deejross/coremq/internal/wire"
)

// DefaultTimeout is how long GetMessage waits before reporting that no
// message is available.
const DefaultTimeout = time.Second

// MessageQueue is a blocking CoreMQ client. All methods are safe for
// concurrent use, though interleaving receivers on one connection rarely
// makes sense.
type MessageQueue struct {
	server string
	port   int

	mu            sync.Mutex
	conn          net.Conn
	reader        *wire.Reader
	connectionID  string
	welcome       wire.Message
	subscriptions []string
	options       map[string]any
}

// New creates a client for the given server. A port of 0 selects the CoreMQ
// default.
func New(server string, port int) *MessageQueue {
	if port == 0 {
		port = config.DefaultPort
	}
	return &MessageQueue{
		server:  server,
		port:    port,
		options: make(map[string]any),
	}
}

// Connect dials the broker and waits for the welcome frame, which carries
// this client's server-assigned identifier. Reconnecting re-applies any
// subscriptions and options accumulated on this client. Connect is a no-op
// when already connected.
func (q *MessageQueue) Connect() error {
	q.mu.Lock()
	if q.conn != nil {
		q.mu.Unlock()
		return nil
	}
	err := q.connectLocked()
	subs := append([]string(nil), q.subscriptions...)
	opts := q.options
	q.mu.Unlock()
	if err != nil {
		return err
	}

	if len(subs) > 0 {
		if _, _, err := q.Subscribe(subs...); err != nil {
			return err
		}
	}
	if len(opts) > 0 {
		if _, _, err := q.SetOptions(opts); err != nil {
			return err
		}
	}
	return nil
}

func (q *MessageQueue) connectLocked() error {
	if q.conn != nil {
		return nil
	}

	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", q.server, q.port))
	if err != nil {
		return fmt.Errorf("connect to CoreMQ: %w", err)
	}
	reader := wire.NewReader(conn)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	payload, err := reader.ReadFrame()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("welcome: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	id, welcome, err := wire.DecodePayload(payload)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("welcome: %w", err)
	}

	q.conn = conn
	q.reader = reader
	q.connectionID = id
	q.welcome = welcome
	return nil
}

// Close shuts the connection down. The client may be reconnected later.
func (q *MessageQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeLocked()
}

func (q *MessageQueue) closeLocked() error {
	if q.conn == nil {
		return nil
	}
	err := q.conn.Close()
	q.conn = nil
	q.reader = nil
	return err
}

// ConnectionID returns the server-assigned identifier, which is also this
// client's private queue. Empty until connected.
func (q *MessageQueue) ConnectionID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connectionID
}

// Welcome returns the welcome message received on connect.
func (q *MessageQueue) Welcome() wire.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.welcome
}

// SendMessage publishes a message and returns the broker's reply. A string
// message is wrapped by the codec. One reconnect is attempted when the send
// hits a dead connection.
func (q *MessageQueue) SendMessage(queue string, message any) (string, wire.Message, error) {
	frame, err := wire.Encode(queue, message)
	if err != nil {
		return "", nil, err
	}

	q.mu.Lock()
	if err := q.connectLocked(); err != nil {
		q.mu.Unlock()
		return "", nil, err
	}
	if _, err := q.conn.Write(frame); err != nil {
		_ = q.closeLocked()
		if err := q.connectLocked(); err != nil {
			q.mu.Unlock()
			return "", nil, err
		}
		if _, err := q.conn.Write(frame); err != nil {
			q.mu.Unlock()
			return "", nil, err
		}
	}
	q.mu.Unlock()

	return q.GetMessage(DefaultTimeout)
}

// GetMessage waits up to timeout for the next inbound frame. Expiry is not
// an error: it returns empty results. A "BYE" response closes the client.
func (q *MessageQueue) GetMessage(timeout time.Duration) (string, wire.Message, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.connectLocked(); err != nil {
		return "", nil, err
	}

	_ = q.conn.SetReadDeadline(time.Now().Add(timeout))
	payload, err := q.reader.ReadFrame()
	_ = q.conn.SetReadDeadline(time.Time{})
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return "", nil, nil
		}
		_ = q.closeLocked()
		return "", nil, err
	}

	queue, msg, err := wire.DecodePayload(payload)
	if err != nil {
		return queue, nil, err
	}
	if msg.Response() == "BYE" {
		_ = q.closeLocked()
	}
	return queue, msg, nil
}

// Subscribe adds the queues to this client's subscription set and registers
// them with the broker.
func (q *MessageQueue) Subscribe(queues ...string) (string, wire.Message, error) {
	if len(queues) == 0 {
		return "", nil, errors.New("must pass at least one queue name")
	}

	q.mu.Lock()
	for _, name := range queues {
		if !contains(q.subscriptions, name) {
			q.subscriptions = append(q.subscriptions, name)
		}
	}
	id := q.connectionID
	q.mu.Unlock()

	return q.SendMessage(id, wire.Message{wire.CmdSubscribe: queues})
}

// Unsubscribe removes the queues from this client's subscription set and
// deregisters them with the broker.
func (q *MessageQueue) Unsubscribe(queues ...string) (string, wire.Message, error) {
	if len(queues) == 0 {
		return "", nil, errors.New("must pass at least one queue name")
	}

	q.mu.Lock()
	for _, name := range queues {
		for i, sub := range q.subscriptions {
			if sub == name {
				q.subscriptions = append(q.subscriptions[:i], q.subscriptions[i+1:]...)
				break
			}
		}
	}
	id := q.connectionID
	q.mu.Unlock()

	return q.SendMessage(id, wire.Message{wire.CmdUnsubscribe: queues})
}

// GetHistory requests the retained history of the queues, defaulting to this
// client's subscriptions.
func (q *MessageQueue) GetHistory(queues ...string) (string, wire.Message, error) {
	q.mu.Lock()
	if len(queues) == 0 {
		queues = append([]string(nil), q.subscriptions...)
	}
	id := q.connectionID
	q.mu.Unlock()

	if len(queues) == 0 {
		return "", nil, errors.New("must pass at least one queue name")
	}
	return q.SendMessage(id, wire.Message{wire.CmdGetHistory: queues})
}

// SetOptions merges options on the broker side; a nil value removes the key.
// The local option cache mirrors that behavior so reconnects replay it.
func (q *MessageQueue) SetOptions(options map[string]any) (string, wire.Message, error) {
	if len(options) == 0 {
		return "", nil, errors.New("must pass at least one option")
	}

	q.mu.Lock()
	for k, v := range options {
		if v == nil {
			delete(q.options, k)
			continue
		}
		q.options[k] = v
	}
	id := q.connectionID
	q.mu.Unlock()

	return q.SendMessage(id, wire.Message{wire.CmdOptions: options})
}

// Status asks the broker for its cluster status.
func (q *MessageQueue) Status() (string, wire.Message, error) {
	q.mu.Lock()
	id := q.connectionID
	q.mu.Unlock()
	return q.SendMessage(id, wire.Message{wire.CmdStatus: true})
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}
