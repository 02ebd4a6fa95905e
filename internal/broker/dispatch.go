package broker

import (
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/deejross/coremq/internal/wire"
)

// plan is the recipient set of one publish, snapshotted under the broker
// mutex so fan-out can write outside it. Disconnects racing the writes are
// detected by write failure and discarded.
type plan struct {
	upstream   Upstream
	replicants []*Conn
	locals     []*Conn
}

// dispatch interprets one inbound frame: the first matching command key wins,
// anything else is a publish. Replies go to the sender's private queue unless
// the frame was relayed by a replicant with coremq_fwdto set. Frames that
// arrived via replication (coremq_server already stamped) are answered
// quietly to avoid reply storms between peers.
func (b *Broker) dispatch(c *Conn, queue string, msg wire.Message) {
	b.mu.Lock()

	quiet := false
	if _, ok := msg[wire.KeyServer]; ok {
		quiet = true
	} else {
		msg[wire.KeyServer] = b.ServerString()
	}

	to := c.id
	if fwd, ok := msg[wire.KeyFwdTo].(string); ok && c.isReplicant {
		to = fwd
	}

	switch {
	case has(msg, wire.CmdSubscribe):
		err := c.subscribeLocked(msg[wire.CmdSubscribe])
		b.mu.Unlock()
		b.reply(c, to, err, "OK: Subscribe successful", quiet)

	case has(msg, wire.CmdUnsubscribe):
		err := c.unsubscribeLocked(msg[wire.CmdUnsubscribe])
		b.mu.Unlock()
		b.reply(c, to, err, "OK: Unsubscribe successful", quiet)

	case has(msg, wire.CmdOptions):
		err := c.setOptionsLocked(msg[wire.CmdOptions])
		b.mu.Unlock()
		b.reply(c, to, err, "OK: Options set", quiet)

	case has(msg, wire.CmdGetHistory):
		resp, err := b.historyLocked(msg[wire.CmdGetHistory])
		b.mu.Unlock()
		if err != nil {
			b.reply(c, to, err, "", quiet)
			return
		}
		b.sendTo(c, to, resp)

	case has(msg, wire.CmdReplicant):
		allowed := b.handshakeLocked(c, msg[wire.CmdReplicant], true)
		b.mu.Unlock()
		if !allowed {
			b.sendTo(c, c.id, wire.Message{"response": "ERROR: Not allowed to be a replicant"})
			_ = c.nc.Close()
			return
		}
		b.sendTo(c, c.id, wire.Message{"response": "OK: Replication request successful"})
		b.log.Info("new replicant", zap.String("host", c.hostname), zap.String("conn", c.id))

	case has(msg, wire.CmdTrustedPeer):
		allowed := b.handshakeLocked(c, msg[wire.CmdTrustedPeer], false)
		b.mu.Unlock()
		if !allowed {
			b.sendTo(c, c.id, wire.Message{"response": "ERROR: Not allowed to be a trusted peer"})
			_ = c.nc.Close()
			return
		}
		b.sendTo(c, c.id, wire.Message{"response": "OK: Trusted peer request successful"})
		b.log.Info("new trusted peer", zap.String("host", c.hostname), zap.String("conn", c.id))

	case has(msg, wire.CmdStatus):
		resp := b.statusLocked()
		b.mu.Unlock()
		b.sendTo(c, to, resp)

	default:
		p := b.publishLocked(queue, msg)
		b.mu.Unlock()
		if b.metrics != nil {
			b.metrics.MessagesPublished.Inc()
		}
		b.deliver(queue, msg, p)
		b.reply(c, to, nil, "OK: Message sent", quiet)
	}
}

// publishLocked appends the message to the queue's history ring and computes
// the delivery plan: upstream forward, downstream replicants, then local
// subscribers. Loop suppression happens here: a message is never sent back
// to the replicant named by its coremq_server, and a message already bearing
// coremq_master is not forwarded upstream again.
func (b *Broker) publishLocked(queue string, msg wire.Message) plan {
	r, ok := b.history[queue]
	if !ok {
		r = newRing()
		b.history[queue] = r
	}
	r.append(msg)

	var p plan
	if b.master != nil {
		if _, replicated := msg[wire.KeyMaster]; !replicated {
			if _, ok := msg[wire.KeyFwdTo]; !ok {
				if sender, ok := msg[wire.KeySender].(string); ok {
					// Steer the master's eventual response back to the true
					// origin through this replicant.
					msg[wire.KeyFwdTo] = sender
				}
			}
			p.upstream = b.master
		}
	}

	server, _ := msg[wire.KeyServer].(string)
	for id, c := range b.conns {
		if !c.isReplicant {
			continue
		}
		if b.master == nil {
			msg[wire.KeyMaster] = b.name
		}
		if name, ok := b.replicantNames[id]; ok && name == server {
			continue
		}
		p.replicants = append(p.replicants, c)
	}

	sender, _ := msg[wire.KeySender].(string)
	for id, c := range b.conns {
		if id == sender || c.isReplicant {
			continue
		}
		if c.subscribed(queue) {
			p.locals = append(p.locals, c)
		}
	}
	return p
}

// deliver executes a plan. Each recipient is best-effort: a failed write
// closes that connection and fan-out continues.
func (b *Broker) deliver(queue string, msg wire.Message, p plan) {
	if p.upstream != nil {
		p.upstream.Forward(queue, msg)
		if b.metrics != nil {
			b.metrics.ReplicationForwards.Inc()
		}
	}

	if len(p.replicants) == 0 && len(p.locals) == 0 {
		return
	}

	frame, err := wire.Encode(queue, msg)
	if err != nil {
		b.log.Error("encode broadcast", zap.String("queue", queue), zap.Error(err))
		return
	}

	for _, c := range p.replicants {
		b.writeTo(c, frame)
	}
	for _, c := range p.locals {
		b.writeTo(c, frame)
	}
}

func (b *Broker) writeTo(c *Conn, frame []byte) {
	if err := c.write(frame); err != nil {
		b.log.Warn("dropping recipient", zap.String("conn", c.id), zap.Error(err))
		if b.metrics != nil {
			b.metrics.DeliveryErrors.Inc()
		}
		_ = c.nc.Close()
		return
	}
	if b.metrics != nil {
		b.metrics.MessagesDelivered.Inc()
	}
}

// reply sends a {response: ...} frame to the reply target, unless quiet.
func (b *Broker) reply(c *Conn, to string, err error, okText string, quiet bool) {
	if quiet {
		return
	}
	text := okText
	if err != nil {
		text = "ERROR: " + capitalize(err.Error())
	}
	b.sendTo(c, to, wire.Message{"response": text})
}

// sendTo writes a directed frame over the origin connection, addressed by
// queue name.
func (b *Broker) sendTo(c *Conn, queue string, msg wire.Message) {
	if err := c.send(queue, msg); err != nil {
		_ = c.nc.Close()
	}
}

// handshakeLocked authorizes a replicant or trusted-peer request by peer IP
// or short hostname. record controls whether the declared name enters the
// replicant name map (trusted peers mirror traffic but are not cluster
// replicants).
func (b *Broker) handshakeLocked(c *Conn, declared any, record bool) bool {
	if !b.peerAllowed(c) {
		return false
	}
	if record {
		name, _ := declared.(string)
		if _, ok := b.replicantNames[c.id]; !ok {
			b.replicantNames[c.id] = name
		}
	}
	c.isReplicant = true
	return true
}

func (b *Broker) peerAllowed(c *Conn) bool {
	short := shortName(c.hostname)
	for _, a := range b.allowed {
		if a == c.remoteIP || a == short {
			return true
		}
	}
	return false
}

func (b *Broker) historyLocked(arg any) (wire.Message, error) {
	queues, err := queueList(arg)
	if err != nil {
		return nil, err
	}

	result := make(map[string][]wire.Message)
	for _, q := range queues {
		if r, ok := b.history[q]; ok {
			result[q] = r.snapshot()
		}
	}
	return wire.Message{"history": result}, nil
}

func (b *Broker) statusLocked() wire.Message {
	names := make([]string, 0, len(b.replicantNames))
	for _, n := range b.replicantNames {
		names = append(names, n)
	}
	sort.Strings(names)

	if b.master == nil {
		return wire.Message{"master": b.name, "replicants": names, "connections": len(b.conns)}
	}
	return wire.Message{"replicant_of": b.master.ServerString(), "replicants": names, "connections": len(b.conns)}
}

func (c *Conn) subscribeLocked(arg any) error {
	queues, err := queueList(arg)
	if err != nil {
		return err
	}
	for _, q := range queues {
		if !c.subscribed(q) {
			c.subscriptions = append(c.subscriptions, q)
		}
	}
	return nil
}

func (c *Conn) unsubscribeLocked(arg any) error {
	queues, err := queueList(arg)
	if err != nil {
		return err
	}
	for _, q := range queues {
		for i, sub := range c.subscriptions {
			if sub == q {
				c.subscriptions = append(c.subscriptions[:i], c.subscriptions[i+1:]...)
				break
			}
		}
	}
	return nil
}

func (c *Conn) setOptionsLocked(arg any) error {
	opts, ok := arg.(map[string]any)
	if !ok {
		return errors.New("options must be an object")
	}
	for k, v := range opts {
		if v == nil {
			delete(c.options, k)
			continue
		}
		c.options[k] = v
	}
	return nil
}

// queueList normalizes a command argument that may be a single queue name or
// a list of names.
func queueList(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case string:
		return []string{t}, nil
	case []string:
		return t, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, errors.New("queue names must be strings")
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, errors.New("queue names must be a string or a list of strings")
}

func has(msg wire.Message, key string) bool {
	_, ok := msg[key]
	return ok
}
