package wire

import "errors"

// Protocol version constant
const ProtocolVersion = 1

// Error types for protocol validation
var (
	ErrUnsupportedVersion = errors.New("unsupported protocol version")
	ErrMissingType        = errors.New("missing required field: type")
	ErrMissingTimestamp   = errors.New("missing required field: timestamp")
	ErrUnexpectedType     = errors.New("unexpected message type")
	ErrInvalidPayload     = errors.New("invalid payload")
)

// MessageType represents the type of message being sent over the hook link.
type MessageType string

const (
	// MessageTypeHello is sent by the worker immediately after connecting.
	MessageTypeHello MessageType = "hello"
	// MessageTypeClockRef is the engine's reply carrying its clock reference.
	MessageTypeClockRef MessageType = "clock_ref"
	// MessageTypeReady acknowledges that the worker's hook source is live,
	// or reports that it could not be brought up.
	MessageTypeReady MessageType = "ready"
	// MessageTypeSamples carries a batch of captured input samples.
	MessageTypeSamples MessageType = "samples"
	// MessageTypeHeartbeat is the worker's periodic liveness signal.
	MessageTypeHeartbeat MessageType = "heartbeat"
	// MessageTypeDrain asks the worker to flush queued samples and exit.
	MessageTypeDrain MessageType = "drain"
	// MessageTypeBye is the worker's final message after draining.
	MessageTypeBye MessageType = "bye"
)

// Input sample kinds carried in a samples batch.
const (
	SampleKindKey         = "key"
	SampleKindMouseMove   = "mouse_move"
	SampleKindMouseButton = "mouse_button"
	SampleKindMouseWheel  = "mouse_wheel"
	SampleKindMarker      = "marker"
)

// Input sample actions.
const (
	ActionPress   = "press"
	ActionRelease = "release"
)

// HelloPayload identifies the worker and carries its clock reference. The
// reference pair (MonoNS, WallNS) was read back-to-back on the worker so the
// engine can rebase worker monotonic stamps onto the session clock.
type HelloPayload struct {
	PID        int      `json:"pid"`
	Source     string   `json:"source"`
	Modalities []string `json:"modalities"`
	MonoNS     int64    `json:"mono_ns"`
	WallNS     int64    `json:"wall_ns"`
}

// ClockRefPayload is the engine's half of the clock handshake plus the
// session parameters the worker needs.
type ClockRefPayload struct {
	SessionID           string `json:"session_id"`
	MonoMS              int64  `json:"mono_ms"`
	WallNS              int64  `json:"wall_ns"`
	HeartbeatIntervalMS int    `json:"heartbeat_interval_ms"`
}

// ReadyPayload reports whether the worker's hook source came up.
type ReadyPayload struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// InputSample is one captured input event, stamped with the worker's own
// monotonic clock. The engine rebases MonoNS before logging.
type InputSample struct {
	Kind    string `json:"kind"`
	MonoNS  int64  `json:"mono_ns"`
	Key     string `json:"key,omitempty"`
	Action  string `json:"action,omitempty"`
	X       int    `json:"x,omitempty"`
	Y       int    `json:"y,omitempty"`
	Button  string `json:"button,omitempty"`
	WheelDX int    `json:"wheel_dx,omitempty"`
	WheelDY int    `json:"wheel_dy,omitempty"`
	Dropped uint64 `json:"dropped,omitempty"`
}

// SampleBatchPayload carries up to MaxBatchSamples input samples in capture
// order.
type SampleBatchPayload struct {
	Samples []InputSample `json:"samples"`
}

// MaxBatchSamples bounds a single samples envelope.
const MaxBatchSamples = 64

// HeartbeatPayload carries worker liveness counters.
type HeartbeatPayload struct {
	MonoNS  int64  `json:"mono_ns"`
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// ByePayload carries the worker's final counters after a drain.
type ByePayload struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}
