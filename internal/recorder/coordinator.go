package recorder

import (
	"context"

	"github.com/fieldtape/fieldtape/internal/session"
)

// Ack is a coordinator's startup answer: ready to capture, or unavailable
// with the reason the modality will be recorded as degraded.
type Ack struct {
	Ready  bool
	Reason string
}

func ackReady() Ack { return Ack{Ready: true} }

func ackUnavailable(reason string) Ack { return Ack{Reason: reason} }

// Coordinator drives one capture modality end to end: source, bounded
// drop-oldest queue, sink pump.
//
// Start opens the source and launches the pump goroutines under ctx. An
// unavailable Ack degrades the modality and the session proceeds without
// it; a non-nil error aborts the session start.
//
// Drain stops intake, pumps out whatever is queued, and finalizes the
// sink. Drain must leave valid, closed files behind even when ctx expires
// first; an expired ctx bounds how long it waits for stragglers, not
// whether finalization happens.
type Coordinator interface {
	Name() string
	Modalities() []string
	Start(ctx context.Context) (Ack, error)
	Drain(ctx context.Context) error
	Collect(t *session.Totals)
}
