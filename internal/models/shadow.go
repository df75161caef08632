package models

// ShadowState holds the three sections of a shadow document state.
// Only desired and reported are ever written by clients; delta is
// computed by the shadow service and is read-only for devices.
type ShadowState struct {
	Desired  Attributes `json:"desired,omitempty"`
	Reported Attributes `json:"reported,omitempty"`
	Delta    Attributes `json:"delta,omitempty"`
}

// ShadowMetadata mirrors ShadowState with per-key update timestamps.
// It is advisory display data only.
type ShadowMetadata struct {
	Desired  map[string]AttributeMetadata `json:"desired,omitempty"`
	Reported map[string]AttributeMetadata `json:"reported,omitempty"`
}

// AttributeMetadata records when a single attribute was last written.
type AttributeMetadata struct {
	Timestamp int64 `json:"timestamp"`
}

// ShadowDocument is the remote, versioned record for one device. The
// version increases by exactly 1 with every accepted update.
type ShadowDocument struct {
	State     ShadowState    `json:"state"`
	Metadata  ShadowMetadata `json:"metadata,omitempty"`
	Version   int64          `json:"version"`
	Timestamp int64          `json:"timestamp"`
	// ClientToken is echoed back from the update request that
	// produced this document, when one was supplied.
	ClientToken string `json:"clientToken,omitempty"`
}

// UpdateRequest is the payload published to the update topic. Exactly
// one of Desired or Reported is set per request in this client.
type UpdateRequest struct {
	State ShadowState `json:"state"`
	// ClientToken correlates an update with its accepted/rejected
	// response, echoed back verbatim by the shadow service.
	ClientToken string `json:"clientToken,omitempty"`
	// Version, when non-zero, makes the update conditional on the
	// document being at exactly that version. This client never sets
	// it; rejection on mismatch is surfaced like any other rejection.
	Version int64 `json:"version,omitempty"`
}

// DeltaMessage is delivered on the update/delta topic whenever the
// desired state diverges from the reported state.
type DeltaMessage struct {
	State     Attributes                   `json:"state"`
	Metadata  map[string]AttributeMetadata `json:"metadata,omitempty"`
	Version   int64                        `json:"version"`
	Timestamp int64                        `json:"timestamp"`
}

// ErrorResponse is delivered on the get/rejected and update/rejected
// topics.
type ErrorResponse struct {
	Code        int    `json:"code"`
	Message     string `json:"message"`
	ClientToken string `json:"clientToken,omitempty"`
}

// NoShadowCode is the rejection code for a get on a device that has
// never been updated. It is informational, not an error condition.
const NoShadowCode = 404
