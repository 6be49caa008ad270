// Package export packages finished session directories into portable zip
// archives.
package export

import (
	"archive/zip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/fieldtape/fieldtape/internal/session"
)

var (
	// ErrSessionStillRecording is returned when the session has not reached
	// a terminal state yet.
	ErrSessionStillRecording = errors.New("session is still recording")
	// ErrIncompleteSession is returned when the session ended without a
	// clean stop or its directory is missing expected files.
	ErrIncompleteSession = errors.New("session is incomplete")
)

// ReadmeFileName is the data-format description added to every archive.
const ReadmeFileName = "DATA_FORMAT_README.txt"

// Result summarizes a finished export.
type Result struct {
	Path  string
	Files int
	Bytes int64
}

// ArchiveName is the canonical archive file name for a session:
// session_YYYYMMDD_HHMMSS_<first 8 id chars>.zip.
func ArchiveName(meta *session.Metadata) string {
	id := meta.SessionID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("%s_%s.zip", session.DeriveName(meta.StartedAt), id)
}

// Session archives the session directory dir into the zip file at destPath.
// Only sessions that stopped cleanly export: a recording or stopping
// session fails with ErrSessionStillRecording, a failed or file-incomplete
// one with ErrIncompleteSession. The archive is written to a temp file and
// renamed into place, and its contents are deterministic: members sorted by
// name, stamped with the session start time.
func Session(dir, destPath string, logger *zap.Logger) (*Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	meta, err := session.ReadMetadata(dir)
	if err != nil {
		return nil, err
	}
	if !meta.Status.Terminal() {
		return nil, fmt.Errorf("%w: session %s is %s", ErrSessionStillRecording, meta.SessionID, meta.Status)
	}
	if meta.Status != session.StatusStopped {
		return nil, fmt.Errorf("%w: session %s ended with status %s (%s)",
			ErrIncompleteSession, meta.SessionID, meta.Status, meta.EndReason)
	}

	members, err := collectMembers(dir, meta)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".export-*.zip")
	if err != nil {
		return nil, fmt.Errorf("create archive temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	res, err := writeArchive(tmp, dir, meta, members)
	if err != nil {
		cleanup()
		return nil, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return nil, fmt.Errorf("sync archive: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("close archive: %w", err)
	}
	if err := os.Rename(tmpName, destPath); err != nil {
		os.Remove(tmpName)
		return nil, fmt.Errorf("move archive into place: %w", err)
	}

	res.Path = destPath
	logger.Info("session exported",
		zap.String("session_id", meta.SessionID),
		zap.String("archive", destPath),
		zap.Int("files", res.Files),
		zap.Int64("bytes", res.Bytes),
	)
	return res, nil
}

// collectMembers lists the directory's regular files in sorted order and
// verifies every file the metadata promises is present.
func collectMembers(dir string, meta *session.Metadata) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read session directory: %w", err)
	}

	present := make(map[string]bool, len(entries))
	var members []string
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		name := entry.Name()
		// Skip atomic-write leftovers from a crash.
		if strings.HasPrefix(name, ".") {
			continue
		}
		present[name] = true
		members = append(members, name)
	}

	for _, want := range session.ExpectedFiles(meta) {
		if !present[want] {
			return nil, fmt.Errorf("%w: missing %s", ErrIncompleteSession, want)
		}
	}

	sort.Strings(members)
	return members, nil
}

func writeArchive(w io.Writer, dir string, meta *session.Metadata, members []string) (*Result, error) {
	zw := zip.NewWriter(w)
	res := &Result{}

	readme := zip.FileHeader{
		Name:     ReadmeFileName,
		Method:   memberMethod(ReadmeFileName, meta),
		Modified: meta.StartedAt,
	}
	out, err := zw.CreateHeader(&readme)
	if err != nil {
		return nil, fmt.Errorf("add %s: %w", ReadmeFileName, err)
	}
	doc := formatReadme(meta)
	if _, err := out.Write([]byte(doc)); err != nil {
		return nil, fmt.Errorf("write %s: %w", ReadmeFileName, err)
	}
	res.Files++
	res.Bytes += int64(len(doc))

	for _, name := range members {
		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", name, err)
		}

		header := zip.FileHeader{
			Name:     name,
			Method:   memberMethod(name, meta),
			Modified: meta.StartedAt,
		}
		out, err := zw.CreateHeader(&header)
		if err != nil {
			return nil, fmt.Errorf("add %s: %w", name, err)
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", name, err)
		}
		if _, err := io.Copy(out, f); err != nil {
			f.Close()
			return nil, fmt.Errorf("archive %s: %w", name, err)
		}
		f.Close()
		res.Files++
		res.Bytes += info.Size()
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return res, nil
}

// memberMethod picks the compression method per member. Video is stored as
// is; H.264 does not deflate. Everything else deflates unless the session
// was configured with compression off.
func memberMethod(name string, meta *session.Metadata) uint16 {
	if meta.Config != nil && !meta.Config.CompressionEnabled() {
		return zip.Store
	}
	if strings.HasSuffix(name, ".mp4") {
		return zip.Store
	}
	return zip.Deflate
}

func formatReadme(meta *session.Metadata) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session %s (%s)\n", meta.SessionID, meta.Name)
	fmt.Fprintf(&b, "Captured %s, duration %.1fs\n\n", meta.StartedAt.Format("2006-01-02 15:04:05 MST"), meta.DurationSec)
	b.WriteString(`Files
-----
metadata.json
    Session descriptor: id, name, platform, lifecycle status, per-modality
    capture state, effective configuration, and totals.

keyboard_events.jsonl / mouse_events.jsonl
    One JSON record per line:
      {"type": ..., "timestamp_monotonic": <ms since session start>,
       "timestamp_wall": <RFC 3339>, "payload": {...}}
    Keyboard payloads carry {"key", "action"}; mouse payloads carry
    {"x", "y", "action"} plus "button" for press/release and "dx"/"dy"
    for scroll. "marker" records flag dropped events or source stalls.

screen_recording.mp4
    H.264 in fragmented MP4; playable up to the last completed fragment
    even after a crash.

screen_frames.jsonl
    Frame index: one record per captured or dropped frame with "seq"
    (contiguous from 0) and "pts_ms" on the session timeline.

audio_recording.wav
    PCM audio as configured in metadata.json (sample_rate, channels).

audio_chunks.jsonl
    Chunk index mirroring the frame index: "seq", "pts_ms", "bytes".

Timestamps
----------
All "timestamp_monotonic" and "pts_ms" values share one session-relative
monotonic timeline in milliseconds; "timestamp_wall" anchors it to the
wall clock observed at capture time.
`)
	return b.String()
}
