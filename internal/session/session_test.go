package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fieldtape/fieldtape/internal/config"
)

func sampleMetadata() *Metadata {
	cfg := config.Default()
	cfg.Modalities = []string{config.ModalityKeyboard, config.ModalityScreen}
	return &Metadata{
		SessionID:  NewID(),
		Name:       DeriveName(time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)),
		Platform:   CurrentPlatform(),
		Status:     StatusRecording,
		StartedAt:  time.Now().UTC(),
		Config:     cfg,
		Modalities: map[string]*ModalityState{},
	}
}

func TestMetadataRoundTrip(t *testing.T) {
	dir := t.TempDir()
	meta := sampleMetadata()

	if err := WriteMetadata(dir, meta); err != nil {
		t.Fatalf("WriteMetadata failed: %v", err)
	}

	loaded, err := ReadMetadata(dir)
	if err != nil {
		t.Fatalf("ReadMetadata failed: %v", err)
	}
	if loaded.SessionID != meta.SessionID {
		t.Errorf("session id mismatch: got %s, want %s", loaded.SessionID, meta.SessionID)
	}
	if loaded.Name != "session_20260314_092653" {
		t.Errorf("unexpected name: %s", loaded.Name)
	}
	if loaded.FormatVersion != MetadataFormatVersion {
		t.Errorf("format version not filled in: %d", loaded.FormatVersion)
	}
	if loaded.Status != StatusRecording {
		t.Errorf("status mismatch: %s", loaded.Status)
	}
}

func TestWriteMetadataLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	if err := WriteMetadata(dir, sampleMetadata()); err != nil {
		t.Fatalf("WriteMetadata failed: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Name() != MetadataFileName {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("expected only %s, found %v", MetadataFileName, names)
	}
}

func TestWriteMetadataReplacesExisting(t *testing.T) {
	dir := t.TempDir()
	meta := sampleMetadata()
	if err := WriteMetadata(dir, meta); err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	ended := time.Now().UTC()
	meta.Status = StatusStopped
	meta.EndedAt = &ended
	meta.EndReason = EndReasonUserRequested
	if err := WriteMetadata(dir, meta); err != nil {
		t.Fatalf("second write failed: %v", err)
	}

	loaded, err := ReadMetadata(dir)
	if err != nil {
		t.Fatalf("ReadMetadata failed: %v", err)
	}
	if loaded.Status != StatusStopped || loaded.EndedAt == nil {
		t.Errorf("expected stopped metadata, got %+v", loaded)
	}
}

func TestReadMetadataRejectsNewerFormat(t *testing.T) {
	dir := t.TempDir()
	body := `{"format_version": 99, "session_id": "abc"}`
	if err := os.WriteFile(filepath.Join(dir, MetadataFileName), []byte(body), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := ReadMetadata(dir); err == nil {
		t.Error("expected error for newer format version, got nil")
	}
}

func TestStatusTerminal(t *testing.T) {
	if StatusRecording.Terminal() || StatusStopping.Terminal() {
		t.Error("recording/stopping must not be terminal")
	}
	if !StatusStopped.Terminal() || !StatusFailed.Terminal() {
		t.Error("stopped/failed must be terminal")
	}
}

func TestIDFromDirName(t *testing.T) {
	if got := IDFromDirName("session_abc-123"); got != "abc-123" {
		t.Errorf("IDFromDirName = %q, want abc-123", got)
	}
	if got := IDFromDirName("exports"); got != "" {
		t.Errorf("IDFromDirName on non-session dir = %q, want empty", got)
	}
}

func TestExpectedFilesSkipsDegraded(t *testing.T) {
	meta := sampleMetadata()
	meta.Modalities[config.ModalityScreen] = &ModalityState{Enabled: true, State: ModalityStateDegraded, Reason: "no display"}

	files := ExpectedFiles(meta)
	for _, f := range files {
		if f == VideoFileName {
			t.Errorf("degraded screen modality should not expect %s", VideoFileName)
		}
	}

	want := map[string]bool{MetadataFileName: true, KeyboardLogFileName: true}
	if len(files) != len(want) {
		t.Errorf("unexpected files: %v", files)
	}
	for _, f := range files {
		if !want[f] {
			t.Errorf("unexpected file %s", f)
		}
	}
}
