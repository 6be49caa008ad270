package recorder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fieldtape/fieldtape/internal/config"
	"github.com/fieldtape/fieldtape/internal/session"
	"github.com/fieldtape/fieldtape/internal/store"
)

// unavailableBackend refuses to start, standing in for a missing ffmpeg.
type unavailableBackend struct{}

func (unavailableBackend) Start(context.Context, string, int, int, float64) error {
	return errors.New("encoder binary not found")
}
func (unavailableBackend) WriteFrame([]byte) error     { return nil }
func (unavailableBackend) Close(context.Context) error { return nil }
func (unavailableBackend) Kill()                       {}

func newTestController(t *testing.T, mutate func(*config.Config)) (*Controller, *store.Store, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.DataPath = t.TempDir()
	cfg.Modalities = []string{config.ModalityKeyboard, config.ModalityMouse}
	cfg.InputSource = config.InputSourceSynthetic
	cfg.ScreenSource = config.ScreenSourceSynthetic
	cfg.AudioSource = config.AudioSourceSynthetic
	cfg.FlushBytes = 512
	cfg.FlushIntervalMS = 20
	cfg.StopGracePeriodMS = 3000
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("test config invalid: %v", err)
	}

	st, err := store.Open(filepath.Join(cfg.DataPath, store.IndexFileName), zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return NewController(cfg, st, nil, zap.NewNop()), st, cfg
}

func TestControllerRecordsAndStops(t *testing.T) {
	ctrl, st, cfg := newTestController(t, nil)

	meta, err := ctrl.Start(context.Background(), "morning run")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if meta.Status != session.StatusRecording {
		t.Fatalf("status = %s, want recording", meta.Status)
	}
	if meta.Name != "morning run" {
		t.Fatalf("name = %q", meta.Name)
	}
	if ctrl.Status() != session.StatusRecording {
		t.Fatalf("controller status = %s", ctrl.Status())
	}
	if id, ok := ctrl.ActiveID(); !ok || id != meta.SessionID {
		t.Fatalf("ActiveID = %q, %v", id, ok)
	}

	// Let the synthetic source produce a handful of events.
	time.Sleep(150 * time.Millisecond)

	final, err := ctrl.Stop(context.Background(), session.EndReasonUserRequested)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if final.Status != session.StatusStopped {
		t.Fatalf("final status = %s", final.Status)
	}
	if final.EndReason != session.EndReasonUserRequested {
		t.Fatalf("end reason = %s", final.EndReason)
	}
	if final.EndedAt == nil || final.DurationSec <= 0 {
		t.Fatalf("missing end stamp: ended_at=%v duration=%v", final.EndedAt, final.DurationSec)
	}
	if final.Totals.KeyboardEvents+final.Totals.MouseEvents == 0 {
		t.Fatal("no input events captured")
	}
	if final.Totals.Bytes <= 0 {
		t.Fatalf("totals.bytes = %d, want > 0", final.Totals.Bytes)
	}
	for _, m := range []string{config.ModalityKeyboard, config.ModalityMouse} {
		state := final.Modalities[m]
		if state == nil || state.State != session.ModalityStateRecorded {
			t.Fatalf("modality %s state = %+v, want recorded", m, state)
		}
	}

	dir := session.Dir(cfg.DataPath, meta.SessionID)
	onDisk, err := session.ReadMetadata(dir)
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if onDisk.Status != session.StatusStopped {
		t.Fatalf("on-disk status = %s", onDisk.Status)
	}
	for _, name := range session.ExpectedFiles(onDisk) {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected file %s missing: %v", name, err)
		}
	}

	rec, err := st.Get(meta.SessionID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if rec.Status != session.StatusStopped || rec.EndReason != session.EndReasonUserRequested {
		t.Fatalf("store row = %s/%s", rec.Status, rec.EndReason)
	}
	if rec.Totals.Bytes != final.Totals.Bytes {
		t.Fatalf("store bytes %d != metadata bytes %d", rec.Totals.Bytes, final.Totals.Bytes)
	}

	if ctrl.Status() != session.StatusIdle {
		t.Fatalf("controller should be idle, got %s", ctrl.Status())
	}
	if _, held := store.LockHolder(cfg.DataPath); held {
		t.Fatal("engine lock still held after stop")
	}
}

func TestControllerRejectsConcurrentStart(t *testing.T) {
	ctrl, _, _ := newTestController(t, nil)

	if _, err := ctrl.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := ctrl.Start(context.Background(), ""); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second Start = %v, want ErrAlreadyRecording", err)
	}
	if _, err := ctrl.Stop(context.Background(), session.EndReasonUserRequested); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestControllerLockBlocksSecondEngine(t *testing.T) {
	ctrl, _, cfg := newTestController(t, nil)
	if _, err := ctrl.Start(context.Background(), ""); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop(context.Background(), session.EndReasonUserRequested)

	otherStore, err := store.Open(filepath.Join(t.TempDir(), store.IndexFileName), zap.NewNop())
	if err != nil {
		t.Fatalf("open second store: %v", err)
	}
	defer otherStore.Close()

	other := NewController(cfg, otherStore, nil, zap.NewNop())
	if _, err := other.Start(context.Background(), ""); !errors.Is(err, ErrAlreadyRecording) {
		t.Fatalf("second engine Start = %v, want ErrAlreadyRecording", err)
	}
}

func TestControllerStopWithoutActiveSession(t *testing.T) {
	ctrl, _, _ := newTestController(t, nil)
	if _, err := ctrl.Stop(context.Background(), session.EndReasonUserRequested); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("Stop = %v, want ErrNotRecording", err)
	}
}

func TestControllerFailsWhenAllModalitiesUnavailable(t *testing.T) {
	ctrl, st, cfg := newTestController(t, func(cfg *config.Config) {
		cfg.Modalities = []string{config.ModalityScreen}
	})
	ctrl.SetEncoderFactory(func(*config.Config, *zap.Logger) EncoderBackend {
		return unavailableBackend{}
	})

	_, err := ctrl.Start(context.Background(), "")
	if !errors.Is(err, ErrNoModalities) {
		t.Fatalf("Start = %v, want ErrNoModalities", err)
	}
	if ctrl.Status() != session.StatusIdle {
		t.Fatalf("controller status = %s, want idle", ctrl.Status())
	}
	if _, held := store.LockHolder(cfg.DataPath); held {
		t.Fatal("engine lock leaked by failed start")
	}

	// The failed session is still visible: directory, metadata, index row.
	recs := st.List()
	if len(recs) != 1 {
		t.Fatalf("expected 1 indexed session, got %d", len(recs))
	}
	if recs[0].Status != session.StatusFailed {
		t.Fatalf("indexed status = %s, want failed", recs[0].Status)
	}
	onDisk, err := session.ReadMetadata(session.Dir(cfg.DataPath, recs[0].ID))
	if err != nil {
		t.Fatalf("read metadata: %v", err)
	}
	if onDisk.Status != session.StatusFailed || onDisk.EndReason != session.EndReasonFailure {
		t.Fatalf("on-disk = %s/%s", onDisk.Status, onDisk.EndReason)
	}

	// The slot is free again.
	last := ctrl.Last()
	if last == nil || last.Status != session.StatusFailed {
		t.Fatalf("Last() = %+v", last)
	}
}

func TestControllerContinuesDegraded(t *testing.T) {
	ctrl, _, cfg := newTestController(t, func(cfg *config.Config) {
		cfg.Modalities = []string{config.ModalityKeyboard, config.ModalityMouse, config.ModalityScreen}
		cfg.ScreenFPS = 20
	})
	ctrl.SetEncoderFactory(func(*config.Config, *zap.Logger) EncoderBackend {
		return unavailableBackend{}
	})

	meta, err := ctrl.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if state := meta.Modalities[config.ModalityScreen]; state == nil || state.State != session.ModalityStateDegraded {
		t.Fatalf("screen state = %+v, want degraded", state)
	}
	if state := meta.Modalities[config.ModalityKeyboard]; state.State != session.ModalityStateRecorded {
		t.Fatalf("keyboard state = %+v, want recorded", state)
	}

	time.Sleep(100 * time.Millisecond)
	final, err := ctrl.Stop(context.Background(), session.EndReasonUserRequested)
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if final.Status != session.StatusStopped {
		t.Fatalf("final status = %s", final.Status)
	}
	if final.Totals.KeyboardEvents+final.Totals.MouseEvents == 0 {
		t.Fatal("surviving modalities captured nothing")
	}

	// The degraded modality leaves no placeholder files behind.
	dir := session.Dir(cfg.DataPath, meta.SessionID)
	if _, err := os.Stat(filepath.Join(dir, session.FrameIndexFileName)); !os.IsNotExist(err) {
		t.Fatalf("frame index should be removed for a degraded screen, stat err = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, session.KeyboardLogFileName)); err != nil {
		t.Fatalf("keyboard log missing: %v", err)
	}
}

func TestControllerQuotaAutoStop(t *testing.T) {
	ctrl, st, _ := newTestController(t, func(cfg *config.Config) {
		cfg.MaxStorageBytes = 2048
		cfg.FlushIntervalMS = 10
	})

	meta, err := ctrl.Start(context.Background(), "")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := ctrl.Done()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("quota never stopped the session")
	}

	last := ctrl.Last()
	if last == nil {
		t.Fatal("no finished session")
	}
	if last.EndReason != session.EndReasonQuotaExceeded {
		t.Fatalf("end reason = %s, want quota_exceeded", last.EndReason)
	}
	if last.Status != session.StatusStopped {
		t.Fatalf("status = %s, want stopped", last.Status)
	}

	rec, err := st.Get(meta.SessionID)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	if rec.EndReason != session.EndReasonQuotaExceeded {
		t.Fatalf("indexed end reason = %s", rec.EndReason)
	}
}

func TestControllerSequentialSessions(t *testing.T) {
	ctrl, st, _ := newTestController(t, nil)

	var ids []string
	for i := 0; i < 2; i++ {
		meta, err := ctrl.Start(context.Background(), "")
		if err != nil {
			t.Fatalf("Start #%d: %v", i+1, err)
		}
		time.Sleep(60 * time.Millisecond)
		if _, err := ctrl.Stop(context.Background(), session.EndReasonUserRequested); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
		ids = append(ids, meta.SessionID)
	}

	if ids[0] == ids[1] {
		t.Fatal("sessions must get distinct ids")
	}
	if recs := st.List(); len(recs) != 2 {
		t.Fatalf("indexed %d sessions, want 2", len(recs))
	}
}
