// Package router classifies incoming shadow messages by topic suffix
// and decodes their JSON payloads into typed events. It performs no
// buffering or reordering; messages are decoded one at a time in the
// order the transport delivered them.
package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/shadowsync/shadowsync/internal/models"
	"github.com/shadowsync/shadowsync/internal/transport"
)

// EventKind identifies which shadow topic a message arrived on.
type EventKind int

// Event kinds, one per subscribed topic.
const (
	KindUnknown EventKind = iota
	KindGetAccepted
	KindGetRejected
	KindUpdateAccepted
	KindUpdateRejected
	KindUpdateDelta
)

// String returns the string representation of EventKind
func (k EventKind) String() string {
	switch k {
	case KindGetAccepted:
		return "get/accepted"
	case KindGetRejected:
		return "get/rejected"
	case KindUpdateAccepted:
		return "update/accepted"
	case KindUpdateRejected:
		return "update/rejected"
	case KindUpdateDelta:
		return "update/delta"
	default:
		return "unknown"
	}
}

// Event is one decoded shadow message. Exactly one of Document, Delta
// or Rejection is set, depending on Kind.
type Event struct {
	Kind      EventKind
	Topic     string
	Document  *models.ShadowDocument
	Delta     *models.DeltaMessage
	Rejection *models.ErrorResponse
}

// MalformedMessageError reports a payload that could not be decoded
// into the shape its topic requires. The message is dropped; the
// session continues.
type MalformedMessageError struct {
	Topic  string
	Reason string
	Err    error
}

// Error implements the error interface
func (e *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message on %s: %s", e.Topic, e.Reason)
}

// Unwrap returns the underlying error
func (e *MalformedMessageError) Unwrap() error { return e.Err }

// Classify maps a topic to its event kind by suffix.
func Classify(topic string) EventKind {
	switch {
	case strings.HasSuffix(topic, suffixGetAccepted):
		return KindGetAccepted
	case strings.HasSuffix(topic, suffixGetRejected):
		return KindGetRejected
	case strings.HasSuffix(topic, suffixUpdateDelta):
		return KindUpdateDelta
	case strings.HasSuffix(topic, suffixUpdateAccepted):
		return KindUpdateAccepted
	case strings.HasSuffix(topic, suffixUpdateRejected):
		return KindUpdateRejected
	default:
		return KindUnknown
	}
}

// Decode classifies a raw message and parses its payload. A message on
// an unknown topic returns a zero-kind event and no error; the caller
// ignores it. A payload that does not parse into the expected shape
// returns a *MalformedMessageError.
func Decode(msg transport.Message) (Event, error) {
	ev := Event{Kind: Classify(msg.Topic), Topic: msg.Topic}

	switch ev.Kind {
	case KindUnknown:
		log.Warn().Str("topic", msg.Topic).Msg("Message on unexpected topic ignored")
		return ev, nil

	case KindGetAccepted, KindUpdateAccepted:
		var doc models.ShadowDocument
		if err := json.Unmarshal(msg.Payload, &doc); err != nil {
			return ev, &MalformedMessageError{Topic: msg.Topic, Reason: "invalid shadow document", Err: err}
		}
		if doc.State.Desired == nil && doc.State.Reported == nil && doc.State.Delta == nil {
			return ev, &MalformedMessageError{Topic: msg.Topic, Reason: "shadow document has no state section"}
		}
		ev.Document = &doc

	case KindGetRejected, KindUpdateRejected:
		var rej models.ErrorResponse
		if err := json.Unmarshal(msg.Payload, &rej); err != nil {
			return ev, &MalformedMessageError{Topic: msg.Topic, Reason: "invalid error response", Err: err}
		}
		if rej.Code == 0 {
			return ev, &MalformedMessageError{Topic: msg.Topic, Reason: "error response missing code"}
		}
		ev.Rejection = &rej

	case KindUpdateDelta:
		var delta models.DeltaMessage
		if err := json.Unmarshal(msg.Payload, &delta); err != nil {
			return ev, &MalformedMessageError{Topic: msg.Topic, Reason: "invalid delta message", Err: err}
		}
		if delta.State == nil {
			return ev, &MalformedMessageError{Topic: msg.Topic, Reason: "delta message missing state"}
		}
		ev.Delta = &delta
	}

	return ev, nil
}
