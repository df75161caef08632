package simulator

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shadowsync/shadowsync/internal/models"
	"github.com/shadowsync/shadowsync/internal/router"
	"github.com/shadowsync/shadowsync/internal/transport"
)

// probe is a bus session subscribed to the five response topics,
// playing the client's role in these tests.
type probe struct {
	t      *testing.T
	tr     *transport.Mem
	topics router.TopicSet
}

func newProbe(t *testing.T, bus *transport.Bus, deviceID string) *probe {
	t.Helper()

	tr := bus.Session()
	require.NoError(t, tr.Connect(context.Background()))

	topics := router.Topics(deviceID)
	require.NoError(t, tr.SubscribeAll(topics.Subscriptions()))

	t.Cleanup(tr.Disconnect)
	return &probe{t: t, tr: tr, topics: topics}
}

func (p *probe) publish(topic string, v interface{}) {
	p.t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(p.t, err)
	require.NoError(p.t, p.tr.Publish(topic, payload))
}

// next returns the next message on the given topic, failing the test
// if none arrives in time.
func (p *probe) next(topic string) transport.Message {
	p.t.Helper()
	for {
		select {
		case msg, ok := <-p.tr.Messages():
			require.True(p.t, ok, "transport closed while waiting for %s", topic)
			if msg.Topic == topic {
				return msg
			}
		case <-time.After(2 * time.Second):
			p.t.Fatalf("no message on %s", topic)
		}
	}
}

func startSimulator(t *testing.T, deviceID string) (*Simulator, *probe) {
	t.Helper()

	bus := transport.NewBus()
	probe := newProbe(t, bus, deviceID)

	sim := New(deviceID, bus.Session())
	require.NoError(t, sim.Start(context.Background()))
	t.Cleanup(sim.Close)

	return sim, probe
}

func TestGetWithoutShadow(t *testing.T) {
	_, probe := startSimulator(t, "sample-device")

	require.NoError(t, probe.tr.Publish(probe.topics.Get, []byte("{}")))

	msg := probe.next(probe.topics.GetRejected)
	var rej models.ErrorResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &rej))

	assert.Equal(t, models.NoShadowCode, rej.Code)
	assert.Contains(t, rej.Message, "sample-device")
}

func TestUpdateCreatesShadowAndEmitsDelta(t *testing.T) {
	sim, probe := startSimulator(t, "sample-device")

	probe.publish(probe.topics.Update, models.UpdateRequest{
		State:       models.ShadowState{Desired: models.Attributes{"temperature": 25.0}},
		ClientToken: "tok-1",
	})

	// Accepted echoes the patch and the token, at version 1.
	msg := probe.next(probe.topics.UpdateAccepted)
	var accepted models.ShadowDocument
	require.NoError(t, json.Unmarshal(msg.Payload, &accepted))
	assert.Equal(t, int64(1), accepted.Version)
	assert.Equal(t, "tok-1", accepted.ClientToken)
	assert.Equal(t, 25.0, accepted.State.Desired["temperature"])

	// Desired diverges from (empty) reported, so a delta follows.
	msg = probe.next(probe.topics.UpdateDelta)
	var delta models.DeltaMessage
	require.NoError(t, json.Unmarshal(msg.Payload, &delta))
	assert.Equal(t, int64(1), delta.Version)
	assert.Equal(t, 25.0, delta.State["temperature"])
	assert.Contains(t, delta.Metadata, "temperature")

	doc, ok := sim.Document()
	require.True(t, ok)
	assert.Equal(t, int64(1), doc.Version)
}

func TestReportClearsDelta(t *testing.T) {
	sim, probe := startSimulator(t, "sample-device")

	probe.publish(probe.topics.Update, models.UpdateRequest{
		State: models.ShadowState{Desired: models.Attributes{"temperature": 25.0}},
	})
	probe.next(probe.topics.UpdateDelta)

	probe.publish(probe.topics.Update, models.UpdateRequest{
		State: models.ShadowState{Reported: models.Attributes{"temperature": 25.0}},
	})

	msg := probe.next(probe.topics.UpdateAccepted)
	var accepted models.ShadowDocument
	require.NoError(t, json.Unmarshal(msg.Payload, &accepted))
	assert.Equal(t, int64(2), accepted.Version)

	doc, ok := sim.Document()
	require.True(t, ok)
	assert.Empty(t, doc.State.Delta)

	// No further delta; a get returns the converged document.
	require.NoError(t, probe.tr.Publish(probe.topics.Get, []byte("{}")))
	msg = probe.next(probe.topics.GetAccepted)
	var full models.ShadowDocument
	require.NoError(t, json.Unmarshal(msg.Payload, &full))
	assert.Equal(t, int64(2), full.Version)
	assert.Nil(t, full.State.Delta)
}

func TestVersionIncrementsByOne(t *testing.T) {
	sim, probe := startSimulator(t, "sample-device")

	for i := 1; i <= 3; i++ {
		probe.publish(probe.topics.Update, models.UpdateRequest{
			State: models.ShadowState{Reported: models.Attributes{"counter": float64(i)}},
		})
		msg := probe.next(probe.topics.UpdateAccepted)
		var accepted models.ShadowDocument
		require.NoError(t, json.Unmarshal(msg.Payload, &accepted))
		assert.Equal(t, int64(i), accepted.Version)
	}

	doc, ok := sim.Document()
	require.True(t, ok)
	assert.Equal(t, int64(3), doc.Version)
}

func TestVersionConflict(t *testing.T) {
	_, probe := startSimulator(t, "sample-device")

	probe.publish(probe.topics.Update, models.UpdateRequest{
		State: models.ShadowState{Reported: models.Attributes{"status": "online"}},
	})
	probe.next(probe.topics.UpdateAccepted)

	probe.publish(probe.topics.Update, models.UpdateRequest{
		State:       models.ShadowState{Reported: models.Attributes{"status": "offline"}},
		Version:     7,
		ClientToken: "tok-3",
	})

	msg := probe.next(probe.topics.UpdateRejected)
	var rej models.ErrorResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &rej))
	assert.Equal(t, 409, rej.Code)
}

func TestInvalidUpdates(t *testing.T) {
	_, probe := startSimulator(t, "sample-device")

	// Not JSON at all.
	require.NoError(t, probe.tr.Publish(probe.topics.Update, []byte(`{broken`)))
	msg := probe.next(probe.topics.UpdateRejected)
	var rej models.ErrorResponse
	require.NoError(t, json.Unmarshal(msg.Payload, &rej))
	assert.Equal(t, 400, rej.Code)

	// Valid JSON with no state sections.
	probe.publish(probe.topics.Update, models.UpdateRequest{ClientToken: "tok-2"})
	msg = probe.next(probe.topics.UpdateRejected)
	require.NoError(t, json.Unmarshal(msg.Payload, &rej))
	assert.Equal(t, 400, rej.Code)
	assert.Equal(t, "tok-2", rej.ClientToken)
}

func TestNullValueDeletesAttribute(t *testing.T) {
	sim, probe := startSimulator(t, "sample-device")

	probe.publish(probe.topics.Update, models.UpdateRequest{
		State: models.ShadowState{Reported: models.Attributes{"status": "online", "mode": "eco"}},
	})
	probe.next(probe.topics.UpdateAccepted)

	probe.publish(probe.topics.Update, models.UpdateRequest{
		State: models.ShadowState{Reported: models.Attributes{"mode": nil}},
	})
	probe.next(probe.topics.UpdateAccepted)

	doc, ok := sim.Document()
	require.True(t, ok)
	assert.Equal(t, "online", doc.State.Reported["status"])
	assert.NotContains(t, doc.State.Reported, "mode")
}
