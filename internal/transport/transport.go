// Package transport provides the pub/sub session contract the shadow
// client runs over, with MQTT, NATS and in-memory implementations.
// Incoming messages are delivered on a single channel so the consumer
// sees one ordered stream; per-topic order is preserved by the
// underlying broker and never reordered here.
package transport

import (
	"context"
	"errors"
	"fmt"
)

// Message is one raw (topic, payload) pair received from the broker.
type Message struct {
	Topic   string
	Payload []byte
}

// Transport is one authenticated pub/sub session. Implementations
// must make Connect idempotent and Disconnect safe to call from a
// shutdown path at any time, including twice.
type Transport interface {
	// Connect establishes the session. Calling Connect on an already
	// connected session is a no-op.
	Connect(ctx context.Context) error

	// SubscribeAll subscribes to every topic in the list. The
	// operation is all-or-nothing: if any subscription fails the
	// whole call fails and the caller should disconnect and retry
	// rather than operate with partial coverage.
	SubscribeAll(topics []string) error

	// Publish sends one message. Send-time failures (not connected,
	// broker refused) are returned synchronously.
	Publish(topic string, payload []byte) error

	// Messages returns the delivery channel. The channel is closed
	// on disconnect.
	Messages() <-chan Message

	// Disconnect unsubscribes and closes the session.
	Disconnect()
}

// ConnectionError reports that the session could not be established
// or has been lost. Fatal to the current session.
type ConnectionError struct {
	Broker string
	Err    error
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to %s failed: %v", e.Broker, e.Err)
}

// Unwrap returns the underlying error
func (e *ConnectionError) Unwrap() error { return e.Err }

// SubscriptionError reports a failed topic subscription. The session
// must not be used with partial topic coverage.
type SubscriptionError struct {
	Topic string
	Err   error
}

// Error implements the error interface
func (e *SubscriptionError) Error() string {
	return fmt.Sprintf("subscribe to %s failed: %v", e.Topic, e.Err)
}

// Unwrap returns the underlying error
func (e *SubscriptionError) Unwrap() error { return e.Err }

// ErrNotConnected is returned by Publish on a session that has not
// been connected or has been disconnected.
var ErrNotConnected = errors.New("not connected")

// ErrConnectTimeout is returned when the broker did not answer a
// connect or subscribe within the configured timeout.
var ErrConnectTimeout = errors.New("connection timeout")

// deliveryBuffer is the capacity of the message channel. Deep enough
// that a burst of shadow responses never blocks the broker callback.
const deliveryBuffer = 64
