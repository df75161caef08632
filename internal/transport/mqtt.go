package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// MQTTConfig configures the MQTT session.
type MQTTConfig struct {
	BrokerURL string
	DeviceID  string
	Username  string
	Password  string

	// mTLS material. All three must be set to enable certificate
	// authentication.
	CACertFile string
	CertFile   string
	KeyFile    string

	ConnectTimeout time.Duration
	KeepAlive      time.Duration
	QoS            byte
}

// MQTT is a Transport over an MQTT broker using the paho client.
type MQTT struct {
	cfg      MQTTConfig
	clientID string

	mu        sync.Mutex
	client    mqtt.Client
	connected bool
	msgs      chan Message
	subs      []string
}

// NewMQTT creates a new MQTT transport. The session is not connected
// until Connect is called.
func NewMQTT(cfg MQTTConfig) *MQTT {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 30 * time.Second
	}
	return &MQTT{
		cfg:      cfg,
		clientID: fmt.Sprintf("%s-shadow-%s", cfg.DeviceID, uuid.New().String()[:8]),
	}
}

// Connect establishes the MQTT session. Idempotent.
func (t *MQTT) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(t.cfg.BrokerURL)
	opts.SetClientID(t.clientID)
	opts.SetConnectTimeout(t.cfg.ConnectTimeout)
	opts.SetKeepAlive(t.cfg.KeepAlive)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetOrderMatters(true)

	if t.cfg.Username != "" {
		opts.SetUsername(t.cfg.Username)
		opts.SetPassword(t.cfg.Password)
	}

	if t.cfg.CertFile != "" {
		tlsConfig, err := t.tlsConfig()
		if err != nil {
			return &ConnectionError{Broker: t.cfg.BrokerURL, Err: err}
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info().
			Str("broker", t.cfg.BrokerURL).
			Str("clientID", t.clientID).
			Msg("MQTT session connected")
	})
	opts.SetConnectionLostHandler(func(c mqtt.Client, err error) {
		log.Error().
			Err(err).
			Str("clientID", t.clientID).
			Msg("MQTT connection lost")
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(t.cfg.ConnectTimeout) {
		return &ConnectionError{Broker: t.cfg.BrokerURL, Err: ErrConnectTimeout}
	}
	if err := token.Error(); err != nil {
		return &ConnectionError{Broker: t.cfg.BrokerURL, Err: err}
	}

	t.client = client
	t.connected = true
	t.msgs = make(chan Message, deliveryBuffer)
	return nil
}

// SubscribeAll subscribes to all topics, all-or-nothing. Messages are
// pushed onto the delivery channel in arrival order.
func (t *MQTT) SubscribeAll(topics []string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return &SubscriptionError{Topic: topics[0], Err: ErrNotConnected}
	}

	handler := func(_ mqtt.Client, m mqtt.Message) {
		t.deliver(Message{Topic: m.Topic(), Payload: m.Payload()})
	}

	for _, topic := range topics {
		token := t.client.Subscribe(topic, t.cfg.QoS, handler)
		if !token.WaitTimeout(t.cfg.ConnectTimeout) {
			return &SubscriptionError{Topic: topic, Err: ErrConnectTimeout}
		}
		if err := token.Error(); err != nil {
			return &SubscriptionError{Topic: topic, Err: err}
		}
		t.subs = append(t.subs, topic)
		log.Debug().Str("topic", topic).Msg("Subscribed")
	}

	log.Info().Int("subscriptions", len(topics)).Msg("Shadow topics subscribed")
	return nil
}

// Publish sends one message at the configured QoS.
func (t *MQTT) Publish(topic string, payload []byte) error {
	t.mu.Lock()
	client, connected := t.client, t.connected
	t.mu.Unlock()

	if !connected {
		return ErrNotConnected
	}

	token := client.Publish(topic, t.cfg.QoS, false, payload)
	if !token.WaitTimeout(t.cfg.ConnectTimeout) {
		return fmt.Errorf("publish to %s: timeout", topic)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Messages returns the delivery channel.
func (t *MQTT) Messages() <-chan Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msgs
}

// Disconnect unsubscribes and closes the session. Safe to call twice
// and from a shutdown path.
func (t *MQTT) Disconnect() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return
	}

	for _, topic := range t.subs {
		t.client.Unsubscribe(topic)
	}
	t.subs = nil

	t.client.Disconnect(250)
	t.connected = false
	close(t.msgs)

	log.Info().Str("clientID", t.clientID).Msg("MQTT session disconnected")
}

func (t *MQTT) deliver(msg Message) {
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

func (t *MQTT) tlsConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(t.cfg.CertFile, t.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load client certificate: %w", err)
	}

	caCert, err := os.ReadFile(t.cfg.CACertFile)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("parse CA certificate %s", t.cfg.CACertFile)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}, nil
}
