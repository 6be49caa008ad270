package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadExampleConfig(t *testing.T) {
	examplePath := filepath.Join("..", "..", "config.example.json")
	cfg, err := Load(examplePath)
	if err != nil {
		t.Fatalf("failed to load example config: %v", err)
	}
	if !cfg.HasModality(ModalityScreen) {
		t.Error("expected screen modality in example config")
	}
	if cfg.ScreenFPS <= 0 {
		t.Errorf("expected positive screen_fps, got %g", cfg.ScreenFPS)
	}
}

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if err != nil {
		t.Fatalf("Load on missing file failed: %v", err)
	}
	if !cfg.HasModality(ModalityKeyboard) || !cfg.HasModality(ModalityMouse) || !cfg.HasModality(ModalityScreen) {
		t.Errorf("unexpected default modalities: %v", cfg.Modalities)
	}
	if cfg.HasModality(ModalityAudio) {
		t.Error("audio should be disabled by default")
	}
	if cfg.ScreenFPS != 1.0 {
		t.Errorf("expected default screen_fps 1.0, got %g", cfg.ScreenFPS)
	}
	if cfg.MaxStorageBytes != 10<<30 {
		t.Errorf("expected default max_storage_bytes 10GiB, got %d", cfg.MaxStorageBytes)
	}
	if !cfg.CompressionEnabled() {
		t.Error("compression should default to enabled")
	}
	if !cfg.InputIsolated() {
		t.Error("input isolation should default to enabled")
	}
}

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"modalities":["keyboard","audio"],"screen_fps":5,"max_storage_bytes":0}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ScreenFPS != 5 {
		t.Errorf("expected screen_fps 5, got %g", cfg.ScreenFPS)
	}
	if cfg.MaxStorageBytes != 0 {
		t.Errorf("explicit zero quota should mean unlimited, got %d", cfg.MaxStorageBytes)
	}
	if cfg.AudioSampleRate != 44100 {
		t.Errorf("unset audio_sample_rate should keep default, got %d", cfg.AudioSampleRate)
	}
	if !cfg.HasModality(ModalityAudio) || cfg.HasModality(ModalityScreen) {
		t.Errorf("unexpected modalities: %v", cfg.Modalities)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"screen_fsp": 2}`), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown key, got nil")
	}
}

func TestValidateUnknownModality(t *testing.T) {
	cfg := Default()
	cfg.Modalities = []string{"keyboard", "telepathy"}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for unknown modality, got nil")
	}
	if err.Error() != `validation error: unknown modality "telepathy"` {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateDeduplicatesModalities(t *testing.T) {
	cfg := Default()
	cfg.Modalities = []string{"Mouse", "mouse", "KEYBOARD"}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(cfg.Modalities) != 2 {
		t.Errorf("expected 2 modalities after dedupe, got %v", cfg.Modalities)
	}
}

func TestValidateScreenFPSTooHigh(t *testing.T) {
	cfg := Default()
	cfg.ScreenFPS = 120

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for excessive fps, got nil")
	}
	if !strings.Contains(err.Error(), "screen_fps") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateHalfSetResolution(t *testing.T) {
	cfg := Default()
	cfg.ScreenResolution = Resolution{Width: 1280}

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for half-set resolution, got nil")
	}
}

func TestValidateNegativeQuota(t *testing.T) {
	cfg := Default()
	cfg.MaxStorageBytes = -1

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error for negative quota, got nil")
	}
	if err.Error() != "validation error: max_storage_bytes must not be negative, got -1" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestValidateBadSource(t *testing.T) {
	cfg := Default()
	cfg.ScreenSource = "webcam"

	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown screen source, got nil")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.json")

	cfg := Default()
	cfg.ScreenFPS = 2.5
	cfg.AnonymizeText = true
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load after Save failed: %v", err)
	}
	if loaded.ScreenFPS != 2.5 {
		t.Errorf("expected screen_fps 2.5, got %g", loaded.ScreenFPS)
	}
	if !loaded.AnonymizeText {
		t.Error("expected anonymize_text to survive round trip")
	}
}

func TestCloneIsIndependent(t *testing.T) {
	cfg := Default()
	dup := cfg.Clone()

	dup.Modalities[0] = "audio"
	*dup.Compression = false
	if cfg.Modalities[0] == "audio" {
		t.Error("clone shares the modality slice")
	}
	if !cfg.CompressionEnabled() {
		t.Error("clone shares the compression flag")
	}
}

func TestFrameInterval(t *testing.T) {
	cfg := Default()
	cfg.ScreenFPS = 4

	if got := cfg.FrameInterval(); got.Milliseconds() != 250 {
		t.Errorf("FrameInterval = %v, want 250ms", got)
	}
}
