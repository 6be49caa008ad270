package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Modality names accepted in the modalities list.
const (
	ModalityKeyboard = "keyboard"
	ModalityMouse    = "mouse"
	ModalityScreen   = "screen"
	ModalityAudio    = "audio"
)

// Source names per modality.
const (
	InputSourceRemote    = "remote"
	InputSourceSynthetic = "synthetic"

	ScreenSourceDisplay   = "display"
	ScreenSourceSynthetic = "synthetic"

	AudioSourceMicrophone = "microphone"
	AudioSourceSynthetic  = "synthetic"
)

// Resolution is a target frame size. Zero width and height select the
// display's native size.
type Resolution struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

func (r Resolution) IsNative() bool {
	return r.Width == 0 && r.Height == 0
}

func (r Resolution) String() string {
	if r.IsNative() {
		return "native"
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Config enumerates every recognized recorder option. Unknown keys in the
// config file are rejected at load time.
type Config struct {
	Modalities       []string   `json:"modalities"`
	ScreenFPS        float64    `json:"screen_fps"`
	ScreenResolution Resolution `json:"screen_resolution"`
	MaxStorageBytes  int64      `json:"max_storage_bytes"`
	Compression      *bool      `json:"compression,omitempty"`
	AnonymizeText    bool       `json:"anonymize_text"`
	DataPath         string     `json:"data_path"`

	AudioSampleRate int `json:"audio_sample_rate"`
	AudioChannels   int `json:"audio_channels"`
	AudioChunkMS    int `json:"audio_chunk_ms"`

	MouseCoalesceMS     int `json:"mouse_coalesce_ms"`
	FlushBytes          int `json:"flush_bytes"`
	FlushIntervalMS     int `json:"flush_interval_ms"`
	QueueCapacity       int `json:"queue_capacity"`
	StopGracePeriodMS   int `json:"stop_grace_period_ms"`
	StartupTimeoutMS    int `json:"startup_timeout_ms"`
	HeartbeatIntervalMS int `json:"heartbeat_interval_ms"`
	HeartbeatMisses     int `json:"heartbeat_misses"`

	IsolateInput *bool  `json:"isolate_input,omitempty"`
	HookdPath    string `json:"hookd_path"`
	InputSource  string `json:"input_source"`
	ScreenSource string `json:"screen_source"`
	AudioSource  string `json:"audio_source"`
	FFmpegPath   string `json:"ffmpeg_path"`
}

const (
	defaultScreenFPS           = 1.0
	defaultMaxStorageBytes     = 10 << 30
	defaultAudioSampleRate     = 44100
	defaultAudioChannels       = 1
	defaultAudioChunkMS        = 100
	defaultMouseCoalesceMS     = 10
	defaultFlushBytes          = 32 << 10
	defaultFlushIntervalMS     = 1000
	defaultQueueCapacity       = 256
	defaultStopGracePeriodMS   = 5000
	defaultStartupTimeoutMS    = 5000
	defaultHeartbeatIntervalMS = 1000
	defaultHeartbeatMisses     = 3

	maxScreenFPS      = 60.0
	maxAudioChunkMS   = 1000
	maxMouseCoalesce  = 1000
	minAudioRate      = 8000
	maxAudioRate      = 192000
	maxAudioChannels  = 2
	minQueueCapacity  = 16
	maxQueueCapacity  = 65536
	minFlushBytes     = 512
	configFileName    = "config.json"
	defaultDirName    = ".fieldtape"
	defaultDataSubdir = "data"
)

func boolPtr(v bool) *bool { return &v }

// Default returns a fully-defaulted configuration. Audio is off by default;
// enabling it is an explicit choice.
func Default() *Config {
	return &Config{
		Modalities:          []string{ModalityKeyboard, ModalityMouse, ModalityScreen},
		ScreenFPS:           defaultScreenFPS,
		MaxStorageBytes:     defaultMaxStorageBytes,
		Compression:         boolPtr(true),
		DataPath:            defaultDataPath(),
		AudioSampleRate:     defaultAudioSampleRate,
		AudioChannels:       defaultAudioChannels,
		AudioChunkMS:        defaultAudioChunkMS,
		MouseCoalesceMS:     defaultMouseCoalesceMS,
		FlushBytes:          defaultFlushBytes,
		FlushIntervalMS:     defaultFlushIntervalMS,
		QueueCapacity:       defaultQueueCapacity,
		StopGracePeriodMS:   defaultStopGracePeriodMS,
		StartupTimeoutMS:    defaultStartupTimeoutMS,
		HeartbeatIntervalMS: defaultHeartbeatIntervalMS,
		HeartbeatMisses:     defaultHeartbeatMisses,
		IsolateInput:        boolPtr(true),
		InputSource:         InputSourceRemote,
		ScreenSource:        ScreenSourceDisplay,
		AudioSource:         AudioSourceMicrophone,
		FFmpegPath:          "ffmpeg",
	}
}

// DefaultPath returns the standard config file location.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return configFileName
	}
	return filepath.Join(home, defaultDirName, configFileName)
}

func defaultDataPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultDataSubdir
	}
	return filepath.Join(home, defaultDirName, defaultDataSubdir)
}

// Load reads the config file at path, layering it over defaults. A missing
// file yields the defaults. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as indented JSON, creating the directory if needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate checks every option, normalizing the modality list and filling
// defaults for unset numeric fields.
func (c *Config) Validate() error {
	if len(c.Modalities) == 0 {
		c.Modalities = []string{ModalityKeyboard, ModalityMouse, ModalityScreen}
	}
	seen := make(map[string]bool, len(c.Modalities))
	normalized := make([]string, 0, len(c.Modalities))
	for _, m := range c.Modalities {
		name := strings.ToLower(strings.TrimSpace(m))
		switch name {
		case ModalityKeyboard, ModalityMouse, ModalityScreen, ModalityAudio:
		default:
			return fmt.Errorf("validation error: unknown modality %q", m)
		}
		if !seen[name] {
			seen[name] = true
			normalized = append(normalized, name)
		}
	}
	c.Modalities = normalized

	if c.ScreenFPS <= 0 {
		c.ScreenFPS = defaultScreenFPS
	}
	if c.ScreenFPS > maxScreenFPS {
		return fmt.Errorf("validation error: screen_fps must be at most %.0f, got %g", maxScreenFPS, c.ScreenFPS)
	}
	if c.ScreenResolution.Width < 0 || c.ScreenResolution.Height < 0 {
		return fmt.Errorf("validation error: screen_resolution must not be negative, got %s", c.ScreenResolution)
	}
	if (c.ScreenResolution.Width == 0) != (c.ScreenResolution.Height == 0) {
		return fmt.Errorf("validation error: screen_resolution width and height must both be set or both be zero, got %s", c.ScreenResolution)
	}

	if c.MaxStorageBytes < 0 {
		return fmt.Errorf("validation error: max_storage_bytes must not be negative, got %d", c.MaxStorageBytes)
	}
	if c.Compression == nil {
		c.Compression = boolPtr(true)
	}
	if c.DataPath == "" {
		c.DataPath = defaultDataPath()
	}

	if c.AudioSampleRate <= 0 {
		c.AudioSampleRate = defaultAudioSampleRate
	}
	if c.AudioSampleRate < minAudioRate || c.AudioSampleRate > maxAudioRate {
		return fmt.Errorf("validation error: audio_sample_rate must be between %d and %d, got %d", minAudioRate, maxAudioRate, c.AudioSampleRate)
	}
	if c.AudioChannels <= 0 {
		c.AudioChannels = defaultAudioChannels
	}
	if c.AudioChannels > maxAudioChannels {
		return fmt.Errorf("validation error: audio_channels must be 1 or 2, got %d", c.AudioChannels)
	}
	if c.AudioChunkMS <= 0 {
		c.AudioChunkMS = defaultAudioChunkMS
	}
	if c.AudioChunkMS > maxAudioChunkMS {
		return fmt.Errorf("validation error: audio_chunk_ms must be at most %d, got %d", maxAudioChunkMS, c.AudioChunkMS)
	}

	if c.MouseCoalesceMS < 0 {
		return fmt.Errorf("validation error: mouse_coalesce_ms must not be negative, got %d", c.MouseCoalesceMS)
	}
	if c.MouseCoalesceMS > maxMouseCoalesce {
		return fmt.Errorf("validation error: mouse_coalesce_ms must be at most %d, got %d", maxMouseCoalesce, c.MouseCoalesceMS)
	}
	if c.FlushBytes <= 0 {
		c.FlushBytes = defaultFlushBytes
	}
	if c.FlushBytes < minFlushBytes {
		return fmt.Errorf("validation error: flush_bytes must be at least %d, got %d", minFlushBytes, c.FlushBytes)
	}
	if c.FlushIntervalMS <= 0 {
		c.FlushIntervalMS = defaultFlushIntervalMS
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = defaultQueueCapacity
	}
	if c.QueueCapacity < minQueueCapacity || c.QueueCapacity > maxQueueCapacity {
		return fmt.Errorf("validation error: queue_capacity must be between %d and %d, got %d", minQueueCapacity, maxQueueCapacity, c.QueueCapacity)
	}
	if c.StopGracePeriodMS <= 0 {
		c.StopGracePeriodMS = defaultStopGracePeriodMS
	}
	if c.StartupTimeoutMS <= 0 {
		c.StartupTimeoutMS = defaultStartupTimeoutMS
	}
	if c.HeartbeatIntervalMS <= 0 {
		c.HeartbeatIntervalMS = defaultHeartbeatIntervalMS
	}
	if c.HeartbeatMisses <= 0 {
		c.HeartbeatMisses = defaultHeartbeatMisses
	}

	if c.IsolateInput == nil {
		c.IsolateInput = boolPtr(true)
	}
	if c.InputSource == "" {
		c.InputSource = InputSourceRemote
	}
	if c.InputSource != InputSourceRemote && c.InputSource != InputSourceSynthetic {
		return fmt.Errorf("validation error: input_source must be %q or %q, got %q", InputSourceRemote, InputSourceSynthetic, c.InputSource)
	}
	if c.ScreenSource == "" {
		c.ScreenSource = ScreenSourceDisplay
	}
	if c.ScreenSource != ScreenSourceDisplay && c.ScreenSource != ScreenSourceSynthetic {
		return fmt.Errorf("validation error: screen_source must be %q or %q, got %q", ScreenSourceDisplay, ScreenSourceSynthetic, c.ScreenSource)
	}
	if c.AudioSource == "" {
		c.AudioSource = AudioSourceMicrophone
	}
	if c.AudioSource != AudioSourceMicrophone && c.AudioSource != AudioSourceSynthetic {
		return fmt.Errorf("validation error: audio_source must be %q or %q, got %q", AudioSourceMicrophone, AudioSourceSynthetic, c.AudioSource)
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	return nil
}

// Clone returns a deep copy. The controller snapshots the config at session
// start so later edits never touch a running session.
func (c *Config) Clone() *Config {
	dup := *c
	dup.Modalities = append([]string(nil), c.Modalities...)
	if c.Compression != nil {
		dup.Compression = boolPtr(*c.Compression)
	}
	if c.IsolateInput != nil {
		dup.IsolateInput = boolPtr(*c.IsolateInput)
	}
	return &dup
}

// HasModality reports whether the named modality is enabled.
func (c *Config) HasModality(name string) bool {
	for _, m := range c.Modalities {
		if m == name {
			return true
		}
	}
	return false
}

// CompressionEnabled reports the effective compression flag.
func (c *Config) CompressionEnabled() bool {
	return c.Compression == nil || *c.Compression
}

// InputIsolated reports whether input hooks run in a worker process.
func (c *Config) InputIsolated() bool {
	return c.IsolateInput == nil || *c.IsolateInput
}

// FrameInterval returns the screen sampling period.
func (c *Config) FrameInterval() time.Duration {
	return time.Duration(float64(time.Second) / c.ScreenFPS)
}

func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMS) * time.Millisecond
}

func (c *Config) MouseCoalesce() time.Duration {
	return time.Duration(c.MouseCoalesceMS) * time.Millisecond
}

func (c *Config) AudioChunk() time.Duration {
	return time.Duration(c.AudioChunkMS) * time.Millisecond
}

func (c *Config) StopGracePeriod() time.Duration {
	return time.Duration(c.StopGracePeriodMS) * time.Millisecond
}

func (c *Config) StartupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutMS) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

// HeartbeatTimeout is the silence window after which the hook worker is
// considered dead.
func (c *Config) HeartbeatTimeout() time.Duration {
	return c.HeartbeatInterval() * time.Duration(c.HeartbeatMisses)
}
