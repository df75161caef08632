package transport

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig configures the NATS session.
type NATSConfig struct {
	URL               string
	Name              string
	Username          string
	Password          string
	MaxReconnects     int
	ReconnectInterval time.Duration
}

// NATS is a Transport over a NATS server. Shadow topics use '/' as
// the level separator; NATS subjects use '.'. The mapping is applied
// on publish and subscribe and reversed on delivery, so the rest of
// the client only ever sees topic form. The '$' prefix of the shadow
// topic family is stripped for the same reason.
type NATS struct {
	cfg NATSConfig

	mu        sync.Mutex
	nc        *nats.Conn
	connected bool
	msgs      chan Message
	subs      []*nats.Subscription
}

// NewNATS creates a new NATS transport.
func NewNATS(cfg NATSConfig) *NATS {
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = 2 * time.Second
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	return &NATS{cfg: cfg}
}

// topicToSubject maps a shadow topic to a NATS subject.
func topicToSubject(topic string) string {
	return strings.ReplaceAll(strings.TrimPrefix(topic, "$"), "/", ".")
}

// subjectToTopic reverses topicToSubject.
func subjectToTopic(subject string) string {
	return "$" + strings.ReplaceAll(subject, ".", "/")
}

// Connect establishes the NATS session. Idempotent.
func (t *NATS) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	opts := []nats.Option{
		nats.Name(t.cfg.Name),
		nats.ReconnectWait(t.cfg.ReconnectInterval),
		nats.MaxReconnects(t.cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn().Err(err).Msg("Disconnected from NATS")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Msg("Reconnected to NATS")
		}),
	}
	if t.cfg.Username != "" {
		opts = append(opts, nats.UserInfo(t.cfg.Username, t.cfg.Password))
	}

	nc, err := nats.Connect(t.cfg.URL, opts...)
	if err != nil {
		return &ConnectionError{Broker: t.cfg.URL, Err: err}
	}

	t.nc = nc
	t.connected = true
	t.msgs = make(chan Message, deliveryBuffer)

	log.Info().Str("url", t.cfg.URL).Msg("NATS session connected")
	return nil
}

// SubscribeAll subscribes to all topics, all-or-nothing.
func (t *NATS) SubscribeAll(topics []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return &SubscriptionError{Topic: topics[0], Err: ErrNotConnected}
	}

	for _, topic := range topics {
		sub, err := t.nc.Subscribe(topicToSubject(topic), func(m *nats.Msg) {
			t.deliver(Message{Topic: subjectToTopic(m.Subject), Payload: m.Data})
		})
		if err != nil {
			return &SubscriptionError{Topic: topic, Err: err}
		}
		t.subs = append(t.subs, sub)
		log.Debug().Str("topic", topic).Msg("Subscribed")
	}

	log.Info().Int("subscriptions", len(topics)).Msg("Shadow topics subscribed")
	return nil
}

// Publish sends one message.
func (t *NATS) Publish(topic string, payload []byte) error {
	t.mu.Lock()
	nc, connected := t.nc, t.connected
	t.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}
	return nc.Publish(topicToSubject(topic), payload)
}

// Messages returns the delivery channel.
func (t *NATS) Messages() <-chan Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msgs
}

// Disconnect unsubscribes and closes the session. Safe to call twice.
func (t *NATS) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return
	}

	for _, sub := range t.subs {
		sub.Unsubscribe()
	}
	t.subs = nil

	t.nc.Close()
	t.connected = false
	close(t.msgs)

	log.Info().Msg("NATS session disconnected")
}

func (t *NATS) deliver(msg Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return
	}
	select {
	case t.msgs <- msg:
	default:
		log.Warn().Str("topic", msg.Topic).Msg("Delivery channel full, message dropped")
	}
}
