package transport

import (
	"context"
	"sync"
)

// Bus is an in-process broker connecting Mem sessions. It exists so
// the client and the shadow simulator can run in one process without
// an external broker, and so engine tests can script exact message
// sequences. Delivery is synchronous under the bus lock, which makes
// the global order of messages deterministic.
type Bus struct {
	mu       sync.Mutex
	sessions []*Mem
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Session creates a new, unconnected session on this bus.
func (b *Bus) Session() *Mem {
	return &Mem{bus: b}
}

func (b *Bus) publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.sessions {
		s.deliver(msg)
	}
}

func (b *Bus) attach(s *Mem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sessions = append(b.sessions, s)
}

func (b *Bus) detach(s *Mem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, x := range b.sessions {
		if x == s {
			b.sessions = append(b.sessions[:i], b.sessions[i+1:]...)
			return
		}
	}
}

// Mem is an in-memory Transport bound to a Bus.
type Mem struct {
	bus *Bus

	mu        sync.Mutex
	connected bool
	topics    map[string]bool
	msgs      chan Message
}

// Connect attaches the session to the bus. Idempotent.
func (t *Mem) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = true
	t.topics = make(map[string]bool)
	t.msgs = make(chan Message, deliveryBuffer)
	t.mu.Unlock()

	// Attach outside the session lock; the bus delivers under its own
	// lock and then takes the session lock, so the order must not be
	// reversed here.
	t.bus.attach(t)
	return nil
}

// SubscribeAll subscribes to all topics. It never fails once the
// session is connected.
func (t *Mem) SubscribeAll(topics []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return &SubscriptionError{Topic: topics[0], Err: ErrNotConnected}
	}
	for _, topic := range topics {
		t.topics[topic] = true
	}
	return nil
}

// Publish delivers the message to every subscribed session on the bus.
func (t *Mem) Publish(topic string, payload []byte) error {
	t.mu.Lock()
	connected := t.connected
	t.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	t.bus.publish(Message{Topic: topic, Payload: payload})
	return nil
}

// Messages returns the delivery channel.
func (t *Mem) Messages() <-chan Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msgs
}

// Disconnect detaches from the bus and closes the channel. Safe to
// call twice.
func (t *Mem) Disconnect() {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.topics = nil
	t.mu.Unlock()

	t.bus.detach(t)

	t.mu.Lock()
	close(t.msgs)
	t.mu.Unlock()
}

func (t *Mem) deliver(msg Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected || !t.topics[msg.Topic] {
		return
	}
	select {
	case t.msgs <- msg:
	default:
		// Full channel drops, same policy as the broker transports.
	}
}
