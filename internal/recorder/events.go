package recorder

import (
	"encoding/json"
	"fmt"
	"time"
)

// Record is one line of an event log or media index file.
type Record struct {
	Type          string          `json:"type"`
	TimestampMono int64           `json:"timestamp_monotonic"`
	TimestampWall time.Time       `json:"timestamp_wall"`
	Payload       json.RawMessage `json:"payload"`
}

// Record types.
const (
	RecordTypeKeyboard     = "keyboard"
	RecordTypeMouse        = "mouse"
	RecordTypeMarker       = "marker"
	RecordTypeFrame        = "frame"
	RecordTypeFrameDropped = "frame_dropped"
	RecordTypeChunk        = "chunk"
	RecordTypeChunkDropped = "chunk_dropped"
)

// Mouse payload actions.
const (
	MouseActionMove    = "move"
	MouseActionPress   = "press"
	MouseActionRelease = "release"
	MouseActionScroll  = "scroll"
)

// KeyPayload is the payload of a keyboard record.
type KeyPayload struct {
	Key    string `json:"key"`
	Action string `json:"action"`
}

// MousePayload is the payload of a mouse record. Button is set for press and
// release, DX/DY for scroll.
type MousePayload struct {
	X      int    `json:"x"`
	Y      int    `json:"y"`
	Action string `json:"action"`
	Button string `json:"button,omitempty"`
	DX     int    `json:"dx,omitempty"`
	DY     int    `json:"dy,omitempty"`
}

// MarkerPayload is the payload of a marker record in a discrete event log.
type MarkerPayload struct {
	Kind    string `json:"kind"`
	Dropped uint64 `json:"dropped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// MarkerKindDropped marks samples evicted under backpressure.
const MarkerKindDropped = "dropped_events"

// MarkerKindStall marks a gap where the capture source went silent.
const MarkerKindStall = "source_stall"

// FramePayload is the payload of a frame index record. Seq numbers are
// contiguous from zero across captured and dropped frames.
type FramePayload struct {
	Seq    uint64 `json:"seq"`
	PtsMS  int64  `json:"pts_ms"`
	Reason string `json:"reason,omitempty"`
}

// ChunkPayload is the payload of an audio chunk index record.
type ChunkPayload struct {
	Seq    uint64 `json:"seq"`
	PtsMS  int64  `json:"pts_ms"`
	Bytes  int    `json:"bytes,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// NewRecord builds a Record, marshaling the payload.
func NewRecord(recType string, monoMS int64, wall time.Time, payload any) (Record, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Record{}, fmt.Errorf("marshal %s payload: %w", recType, err)
	}
	return Record{
		Type:          recType,
		TimestampMono: monoMS,
		TimestampWall: wall.UTC(),
		Payload:       raw,
	}, nil
}
