// Package simulator implements a local stand-in for the remote shadow
// service, so the synchronization loop can be exercised without an
// external endpoint. It owns one shadow document per device, applies
// the documented update semantics (version +1 per accepted update,
// per-key metadata timestamps) and derives the delta as exactly the
// keys in desired that differ from, or are missing in, reported.
package simulator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/shadowsync/shadowsync/internal/models"
	"github.com/shadowsync/shadowsync/internal/router"
	"github.com/shadowsync/shadowsync/internal/transport"
)

// document is the simulator's authoritative record for one device.
type document struct {
	desired  models.Attributes
	reported models.Attributes
	meta     models.ShadowMetadata
	version  int64
}

// Simulator serves the get and update topics for one device.
type Simulator struct {
	deviceID string
	topics   router.TopicSet
	tr       transport.Transport

	mu  sync.Mutex
	doc *document

	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
	started   bool
}

// New creates a simulator for one device over the given transport.
func New(deviceID string, tr transport.Transport) *Simulator {
	return &Simulator{
		deviceID: deviceID,
		topics:   router.Topics(deviceID),
		tr:       tr,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start connects, subscribes to the two request topics and begins
// serving.
func (s *Simulator) Start(ctx context.Context) error {
	if err := s.tr.Connect(ctx); err != nil {
		return err
	}
	if err := s.tr.SubscribeAll([]string{s.topics.Get, s.topics.Update}); err != nil {
		s.tr.Disconnect()
		return err
	}

	s.started = true
	go s.run()

	log.Info().Str("deviceID", s.deviceID).Msg("Shadow simulator started")
	return nil
}

// Close stops serving and disconnects. Safe to call twice.
func (s *Simulator) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	if s.started {
		<-s.stopped
	}
	s.tr.Disconnect()
}

func (s *Simulator) run() {
	defer close(s.stopped)

	msgs := s.tr.Messages()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			switch msg.Topic {
			case s.topics.Get:
				s.handleGet()
			case s.topics.Update:
				s.handleUpdate(msg.Payload)
			}
		}
	}
}

// handleGet answers a get request with the full document, or a 404
// when no document exists yet.
func (s *Simulator) handleGet() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		s.reject(s.topics.GetRejected, models.ErrorResponse{
			Code:    models.NoShadowCode,
			Message: fmt.Sprintf("No shadow exists with name: %q", s.deviceID),
		})
		return
	}

	doc := models.ShadowDocument{
		State: models.ShadowState{
			Desired:  s.doc.desired.Clone(),
			Reported: s.doc.reported.Clone(),
			Delta:    s.doc.reported.Diff(s.doc.desired),
		},
		Metadata:  s.doc.meta,
		Version:   s.doc.version,
		Timestamp: time.Now().Unix(),
	}
	if len(doc.State.Delta) == 0 {
		doc.State.Delta = nil
	}
	s.publishJSON(s.topics.GetAccepted, doc)
}

// handleUpdate applies a state patch, bumps the version by exactly
// one, answers on update/accepted and emits a delta when desired and
// reported diverge.
func (s *Simulator) handleUpdate(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var req models.UpdateRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.reject(s.topics.UpdateRejected, models.ErrorResponse{
			Code:    400,
			Message: "invalid json",
		})
		return
	}
	if req.State.Desired == nil && req.State.Reported == nil {
		s.reject(s.topics.UpdateRejected, models.ErrorResponse{
			Code:        400,
			Message:     "missing required node: state",
			ClientToken: req.ClientToken,
		})
		return
	}

	if s.doc == nil {
		s.doc = &document{
			desired:  models.Attributes{},
			reported: models.Attributes{},
			meta: models.ShadowMetadata{
				Desired:  map[string]models.AttributeMetadata{},
				Reported: map[string]models.AttributeMetadata{},
			},
		}
	}

	if req.Version != 0 && req.Version != s.doc.version {
		s.reject(s.topics.UpdateRejected, models.ErrorResponse{
			Code:        409,
			Message:     fmt.Sprintf("version conflict: document is at %d", s.doc.version),
			ClientToken: req.ClientToken,
		})
		return
	}

	now := time.Now().Unix()
	applyPatch(s.doc.desired, req.State.Desired, s.doc.meta.Desired, now)
	applyPatch(s.doc.reported, req.State.Reported, s.doc.meta.Reported, now)
	s.doc.version++

	accepted := models.ShadowDocument{
		State: models.ShadowState{
			Desired:  req.State.Desired,
			Reported: req.State.Reported,
		},
		Metadata:    s.doc.meta,
		Version:     s.doc.version,
		Timestamp:   now,
		ClientToken: req.ClientToken,
	}
	s.publishJSON(s.topics.UpdateAccepted, accepted)

	delta := s.doc.reported.Diff(s.doc.desired)
	if len(delta) == 0 {
		return
	}

	meta := make(map[string]models.AttributeMetadata, len(delta))
	for k := range delta {
		meta[k] = s.doc.meta.Desired[k]
	}
	s.publishJSON(s.topics.UpdateDelta, models.DeltaMessage{
		State:     delta,
		Metadata:  meta,
		Version:   s.doc.version,
		Timestamp: now,
	})

	log.Debug().
		Str("deviceID", s.deviceID).
		Int64("version", s.doc.version).
		Int("deltaKeys", len(delta)).
		Msg("Delta published")
}

// Document returns the current shadow document, or false when none
// exists. Test and diagnostic hook.
func (s *Simulator) Document() (models.ShadowDocument, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc == nil {
		return models.ShadowDocument{}, false
	}
	return models.ShadowDocument{
		State: models.ShadowState{
			Desired:  s.doc.desired.Clone(),
			Reported: s.doc.reported.Clone(),
			Delta:    s.doc.reported.Diff(s.doc.desired),
		},
		Metadata: s.doc.meta,
		Version:  s.doc.version,
	}, true
}

// applyPatch merges a patch into a section. A null value removes the
// attribute, matching the shadow service's clear semantics.
func applyPatch(section models.Attributes, patch models.Attributes, meta map[string]models.AttributeMetadata, now int64) {
	for k, v := range patch {
		if v == nil {
			delete(section, k)
			delete(meta, k)
			continue
		}
		section[k] = v
		meta[k] = models.AttributeMetadata{Timestamp: now}
	}
}

func (s *Simulator) publishJSON(topic string, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Simulator marshal failed")
		return
	}
	if err := s.tr.Publish(topic, payload); err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Simulator publish failed")
	}
}

func (s *Simulator) reject(topic string, resp models.ErrorResponse) {
	s.publishJSON(topic, resp)
}
