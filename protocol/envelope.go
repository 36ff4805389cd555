package protocol

import (
	"encoding/json"
	"errors"
)

// Inbound event types (server -> client).
const (
	EventElementCreate   = "ELEMENT_CREATE"
	EventElementUpdate   = "ELEMENT_UPDATE"
	EventElementDelete   = "ELEMENT_DELETE"
	EventStrokeAppend    = "STROKE_APPEND"
	EventStrokeInit      = "STROKE_INIT"
	EventStrokeEnd       = "STROKE_END"
	EventPageCreate      = "PAGE_CREATE"
	EventPageUpdate      = "PAGE_UPDATE"
	EventPageDelete      = "PAGE_DELETE"
	EventPageSwitch      = "PAGE_SWITCH"
	EventUserJoin        = "USER_JOIN"
	EventUserLeave       = "USER_LEAVE"
	EventSyncProgress    = "SYNC_PROGRESS"
	EventSyncComplete    = "SYNC_COMPLETE"
	EventLockAcquired    = "LOCK_ACQUIRED"
	EventLockReleased    = "LOCK_RELEASED"
	EventLockRejected    = "LOCK_REJECTED"
	EventVersionConflict = "VERSION_CONFLICT"
	EventCursorMove      = "CURSOR_MOVE"
)

// Outbound command types (client -> server). Element, page and cursor
// commands reuse the event tags above; the direction disambiguates.
const (
	CommandJoin         = "JOIN"
	CommandStrokePoints = "STROKE_POINTS"
	CommandStrokeEnd    = "STROKE_END"
	CommandLockRequest  = "LOCK_REQUEST"
	CommandLockRelease  = "LOCK_RELEASE"
)

// Sync handshake phases carried by SyncProgressPayload.
const (
	SyncPhaseStart = "start"
	SyncPhaseChunk = "chunk"
	SyncPhaseEnd   = "end"
)

var (
	ErrEmptyType      = errors.New("envelope has no type tag")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Envelope is the wire format: a type tag plus an opaque payload.
// The codec is schema-light on purpose; payload validation happens
// when a handler binds the payload to its typed struct.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode serializes a typed payload into a wire frame.
func Encode(msgType string, payload any) ([]byte, error) {
	if msgType == "" {
		return nil, ErrEmptyType
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}

// Decode parses a wire frame into an envelope. Callers are expected to
// drop frames that fail to decode rather than propagate the error into
// transport callbacks.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, ErrMalformedFrame
	}
	if env.Type == "" {
		return nil, ErrEmptyType
	}
	return &env, nil
}

// Bind unmarshals the envelope payload into a typed struct.
func (e *Envelope) Bind(v any) error {
	if len(e.Payload) == 0 {
		return ErrMalformedFrame
	}
	return json.Unmarshal(e.Payload, v)
}
