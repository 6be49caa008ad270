package session

import (
	"path/filepath"
	"strings"

	"github.com/fieldtape/fieldtape/internal/config"
)

// File names inside a session directory.
const (
	MetadataFileName    = "metadata.json"
	KeyboardLogFileName = "keyboard_events.jsonl"
	MouseLogFileName    = "mouse_events.jsonl"
	VideoFileName       = "screen_recording.mp4"
	FrameIndexFileName  = "screen_frames.jsonl"
	AudioFileName       = "audio_recording.wav"
	ChunkIndexFileName  = "audio_chunks.jsonl"
)

const dirPrefix = "session_"

// DirName returns the directory name for a session id.
func DirName(id string) string {
	return dirPrefix + id
}

// Dir returns the absolute session directory under dataPath.
func Dir(dataPath, id string) string {
	return filepath.Join(dataPath, DirName(id))
}

// IDFromDirName extracts the session id from a directory name, or "" if the
// name is not a session directory.
func IDFromDirName(name string) string {
	if !strings.HasPrefix(name, dirPrefix) {
		return ""
	}
	return strings.TrimPrefix(name, dirPrefix)
}

// ExpectedFiles lists the files a complete session directory must contain
// given its metadata. Modalities that never produced a stream (degraded at
// start) contribute nothing.
func ExpectedFiles(meta *Metadata) []string {
	files := []string{MetadataFileName}
	if meta == nil || meta.Config == nil {
		return files
	}
	for _, m := range meta.Config.Modalities {
		state := meta.Modalities[m]
		if state != nil && state.State == ModalityStateDegraded {
			continue
		}
		switch m {
		case config.ModalityKeyboard:
			files = append(files, KeyboardLogFileName)
		case config.ModalityMouse:
			files = append(files, MouseLogFileName)
		case config.ModalityScreen:
			files = append(files, VideoFileName, FrameIndexFileName)
		case config.ModalityAudio:
			files = append(files, AudioFileName, ChunkIndexFileName)
		}
	}
	return files
}
