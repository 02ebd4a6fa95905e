package broker

import "github.com/deejross/coremq/internal/wire"

// historySize is the number of messages retained per queue.
const historySize = 10

// ring is a bounded FIFO of the most recent messages seen on one queue,
// oldest first.
type ring struct {
	messages []wire.Message
}

func newRing() *ring {
	return &ring{messages: make([]wire.Message, 0, historySize)}
}

func (r *ring) append(msg wire.Message) {
	r.messages = append(r.messages, msg)
	if len(r.messages) > historySize {
		r.messages = r.messages[1:]
	}
}

// snapshot returns the retained messages oldest to newest. Entries are
// copied so later ring writes cannot mutate what a client was handed.
func (r *ring) snapshot() []wire.Message {
	out := make([]wire.Message, len(r.messages))
	for i, msg := range r.messages {
		copied := make(wire.Message, len(msg))
		for k, v := range msg {
			copied[k] = v
		}
		out[i] = copied
	}
	return out
}
