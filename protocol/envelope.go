package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMalformedEnvelope is returned when a frame is not a {kind, payload} object.
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")

	// ErrUnknownKind is returned for kinds outside the catalog.
	// Callers log and ignore these so newer servers stay compatible.
	ErrUnknownKind = errors.New("protocol: unknown kind")

	// ErrMalformedPayload is returned when the payload does not match its kind.
	ErrMalformedPayload = errors.New("protocol: malformed payload")
)

// Envelope is the outer wrapper for every wire message, both directions.
// Payload is the kind-specific JSON object serialized as a string. Nothing
// below the session layer looks inside it.
type Envelope struct {
	Kind    Kind   `json:"kind"`
	Payload string `json:"payload"`
}

// Encode marshals payload and wraps it in an envelope of the given kind.
func Encode(kind Kind, payload any) (Envelope, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("protocol: encode %s: %w", kind, err)
	}
	return Envelope{Kind: kind, Payload: string(raw)}, nil
}

// MarshalFrame serializes an envelope into one text frame.
func MarshalFrame(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// DecodeEnvelope reads only the kind tag and the raw payload string.
// The payload itself is not inspected here.
func DecodeEnvelope(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if strings.TrimSpace(string(env.Kind)) == "" {
		return Envelope{}, fmt.Errorf("%w: missing kind", ErrMalformedEnvelope)
	}
	return env, nil
}

// DecodePayload unmarshals the payload string of env into dst. An empty
// payload is treated as {}.
func DecodePayload(env Envelope, dst any) error {
	raw := env.Payload
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Kind, err)
	}
	return nil
}
