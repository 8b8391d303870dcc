// Package protocol defines the realtime message envelope exchanged between the
// server and clients. Every WebSocket text frame carries exactly one JSON
// envelope with a type discriminator, an optional payload and a timestamp in
// Unix milliseconds.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypePing            = "ping"
	TypePartnerActivity = "partnerActivity"
)

// Server -> Client message types.
const (
	TypeConnected      = "connected"
	TypeNewMatch       = "newMatch"
	TypeMatchUpdate    = "matchUpdate"
	TypePartnerOnline  = "partnerOnline"
	TypePartnerOffline = "partnerOffline"
	TypePong           = "pong"
	TypeError          = "error"
)

// ErrMalformed is returned for frames that are not a valid envelope.
var ErrMalformed = errors.New("protocol: malformed envelope")

// now is swapped in tests.
var now = time.Now

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope is the only wire-visible unit on the realtime channel. Payload is
// kept raw so each consumer decodes it into the struct it expects.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// NewEnvelope builds an envelope of the given type stamped with the current
// time. A nil payload produces an envelope without a payload field.
func NewEnvelope(msgType string, payload interface{}) (Envelope, error) {
	env := Envelope{Type: msgType, Timestamp: now().UnixMilli()}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: marshal %q payload: %w", msgType, err)
	}
	env.Payload = raw
	return env, nil
}

// Encode serializes the envelope into a single frame.
func Encode(env Envelope) ([]byte, error) {
	if env.Type == "" {
		return nil, fmt.Errorf("%w: empty type", ErrMalformed)
	}
	out, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	return out, nil
}

// Decode parses one frame into an envelope. Frames that are not JSON objects
// or carry no type are reported as ErrMalformed.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing or empty \"type\" field", ErrMalformed)
	}
	return env, nil
}

// NewMessage is the one-shot helper used by senders: it builds and encodes an
// envelope in a single call.
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	env, err := NewEnvelope(msgType, payload)
	if err != nil {
		return nil, err
	}
	return Encode(env)
}

// DecodePayload unmarshals the envelope payload into v.
func (e Envelope) DecodePayload(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%w: %q has no payload", ErrMalformed, e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: decode %q payload: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Payloads
// ---------------------------------------------------------------------------

// ConnectedPayload is sent right after a successful handshake.
type ConnectedPayload struct {
	UserID        string `json:"userId"`
	PartnerOnline bool   `json:"partnerOnline"`
}

// NewMatchPayload announces a freshly created match to both users.
type NewMatchPayload struct {
	MatchID string   `json:"matchId"`
	ItemID  string   `json:"itemId"`
	Users   []string `json:"users"`
}

// MatchUpdatePayload carries a match status change.
type MatchUpdatePayload struct {
	MatchID string `json:"matchId"`
	ItemID  string `json:"itemId"`
	Status  string `json:"status"`
}

// PartnerPresencePayload is used by partnerOnline and partnerOffline.
type PartnerPresencePayload struct {
	UserID string `json:"userId"`
}

// PartnerActivityPayload is relayed between partners. Activity is opaque to
// the server (e.g. "browsing", "swiping").
type PartnerActivityPayload struct {
	From     string          `json:"from,omitempty"`
	Activity json.RawMessage `json:"activity,omitempty"`
}

// ErrorPayload reports a rejected inbound frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
