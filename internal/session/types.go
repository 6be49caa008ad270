package session

import (
	"os"
	"runtime"
	"time"

	"github.com/google/uuid"

	"github.com/fieldtape/fieldtape/internal/config"
)

// Status is a session lifecycle state. Stopped and Failed are terminal.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusStarting  Status = "starting"
	StatusRecording Status = "recording"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusFailed
}

// EndReason explains why a session left the Recording state.
type EndReason string

const (
	EndReasonUserRequested EndReason = "user_requested"
	EndReasonQuotaExceeded EndReason = "quota_exceeded"
	EndReasonFailure       EndReason = "failure"
	// EndReasonInterrupted marks sessions found mid-recording when the
	// process restarts: the previous run died without a clean stop.
	EndReasonInterrupted EndReason = "interrupted"
)

// Modality capture states recorded in metadata.
const (
	ModalityStateRecorded = "recorded"
	ModalityStateDegraded = "degraded"
	ModalityStateAborted  = "aborted"
)

// ModalityState describes how one modality fared over the session.
type ModalityState struct {
	Enabled  bool   `json:"enabled"`
	State    string `json:"state,omitempty"`
	Reason   string `json:"reason,omitempty"`
	AtMonoMS int64  `json:"at_mono_ms,omitempty"`
}

// Totals are the per-session counters persisted in metadata and the index.
// Counts are uint64 because they accumulate pipeline counters; Bytes is int64
// because it mirrors the storage ledger.
type Totals struct {
	KeyboardEvents     uint64 `json:"keyboard_events"`
	MouseEvents        uint64 `json:"mouse_events"`
	EventsDropped      uint64 `json:"events_dropped"`
	Frames             uint64 `json:"frames"`
	FramesDropped      uint64 `json:"frames_dropped"`
	AudioChunks        uint64 `json:"audio_chunks"`
	AudioChunksDropped uint64 `json:"audio_chunks_dropped"`
	Bytes              int64  `json:"bytes"`
}

// Platform records where the session was captured.
type Platform struct {
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Hostname  string `json:"hostname"`
	NumCPU    int    `json:"num_cpu"`
	GoVersion string `json:"go_version"`
}

// CurrentPlatform snapshots the running host.
func CurrentPlatform() Platform {
	hostname, _ := os.Hostname()
	return Platform{
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Hostname:  hostname,
		NumCPU:    runtime.NumCPU(),
		GoVersion: runtime.Version(),
	}
}

// MetadataFormatVersion is bumped when the metadata layout changes.
const MetadataFormatVersion = 1

// Metadata is the session descriptor written to metadata.json. It is
// rewritten at every lifecycle transition so a crash at any point leaves a
// loadable file.
type Metadata struct {
	FormatVersion int                       `json:"format_version"`
	SessionID     string                    `json:"session_id"`
	Name          string                    `json:"session_name"`
	Platform      Platform                  `json:"platform"`
	Status        Status                    `json:"status"`
	StartedAt     time.Time                 `json:"started_at"`
	EndedAt       *time.Time                `json:"ended_at,omitempty"`
	DurationSec   float64                   `json:"duration_seconds,omitempty"`
	EndReason     EndReason                 `json:"end_reason,omitempty"`
	Config        *config.Config            `json:"config"`
	Modalities    map[string]*ModalityState `json:"modalities"`
	Totals        Totals                    `json:"totals"`
}

// NewID returns a globally unique session id.
func NewID() string {
	return uuid.NewString()
}

// DeriveName builds the human-readable session name used by list output and
// archive file names.
func DeriveName(startedAt time.Time) string {
	return "session_" + startedAt.UTC().Format("20060102_150405")
}
