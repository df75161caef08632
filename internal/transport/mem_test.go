package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemDeliversToSubscribers(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	a := bus.Session()
	require.NoError(t, a.Connect(ctx))
	defer a.Disconnect()
	require.NoError(t, a.SubscribeAll([]string{"things/one", "things/two"}))

	b := bus.Session()
	require.NoError(t, b.Connect(ctx))
	defer b.Disconnect()

	require.NoError(t, b.Publish("things/one", []byte("hello")))
	require.NoError(t, b.Publish("things/other", []byte("ignored")))
	require.NoError(t, b.Publish("things/two", []byte("world")))

	msg := <-a.Messages()
	assert.Equal(t, "things/one", msg.Topic)
	assert.Equal(t, "hello", string(msg.Payload))

	// The unsubscribed topic was skipped.
	msg = <-a.Messages()
	assert.Equal(t, "things/two", msg.Topic)
}

func TestMemPublishBeforeConnect(t *testing.T) {
	s := NewBus().Session()
	assert.ErrorIs(t, s.Publish("things/one", nil), ErrNotConnected)
	assert.Error(t, s.SubscribeAll([]string{"things/one"}))
}

func TestMemConnectIdempotent(t *testing.T) {
	s := NewBus().Session()
	ctx := context.Background()

	require.NoError(t, s.Connect(ctx))
	require.NoError(t, s.Connect(ctx))
	s.Disconnect()
}

func TestMemDisconnectClosesChannel(t *testing.T) {
	bus := NewBus()
	s := bus.Session()
	require.NoError(t, s.Connect(context.Background()))

	msgs := s.Messages()
	s.Disconnect()
	s.Disconnect() // safe to repeat

	select {
	case _, ok := <-msgs:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed on disconnect")
	}

	// A detached session no longer receives anything.
	other := bus.Session()
	require.NoError(t, other.Connect(context.Background()))
	defer other.Disconnect()
	require.NoError(t, other.Publish("things/one", []byte("late")))
}
