package wire

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps every message exchanged between the engine and the hook
// worker over the loopback socket.
type Envelope struct {
	Version   int             `json:"version"`
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// NewEnvelope builds a validated envelope around the given payload.
func NewEnvelope(msgType MessageType, requestID string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	env := &Envelope{
		Version:   ProtocolVersion,
		Type:      string(msgType),
		RequestID: requestID,
		Timestamp: time.Now().Unix(),
		Payload:   raw,
	}
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return env, nil
}

// MarshalEnvelope converts an Envelope to JSON bytes.
func MarshalEnvelope(env *Envelope) ([]byte, error) {
	if err := validateEnvelope(env); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// UnmarshalEnvelope converts JSON bytes to an Envelope with validation.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if err := validateEnvelope(&env); err != nil {
		return nil, err
	}
	return &env, nil
}

// DecodePayload unmarshals the envelope payload into dst after checking the
// envelope type.
func DecodePayload(env *Envelope, msgType MessageType, dst any) error {
	if env.Type != string(msgType) {
		return fmt.Errorf("%w: got %q, expected %q", ErrUnexpectedType, env.Type, msgType)
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, msgType, err)
	}
	return nil
}

func validateEnvelope(env *Envelope) error {
	if env.Version != ProtocolVersion {
		return fmt.Errorf("%w: got %d, expected %d", ErrUnsupportedVersion, env.Version, ProtocolVersion)
	}
	if env.Type == "" {
		return ErrMissingType
	}
	if env.Timestamp == 0 {
		return ErrMissingTimestamp
	}
	return nil
}
