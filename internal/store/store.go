package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fieldtape/fieldtape/internal/session"
)

// IndexFileName is the session index database, stored at the data path
// root next to the session directories.
const IndexFileName = "fieldtape.db"

// ErrSessionNotFound is returned for lookups of unknown session ids.
var ErrSessionNotFound = errors.New("session not found")

// Record is one row of the session index.
type Record struct {
	ID         string
	Name       string
	Dir        string
	Status     session.Status
	StartedAt  time.Time
	EndedAt    time.Time
	EndReason  session.EndReason
	Modalities []string
	Totals     session.Totals
}

// Store is the sqlite-backed session index. Reads are served from an
// in-memory map kept write-through with the database.
type Store struct {
	db     *sql.DB
	logger *zap.Logger

	mu       sync.RWMutex
	sessions map[string]Record

	metaCache      *MetadataCache
	recoveryErrors atomic.Uint64
}

// Open opens (creating if necessary) the index database at path, applies
// migrations, and loads existing rows. Any row still marked as in-flight is
// from a process that died mid-recording; it is failed with
// end_reason=interrupted so it can never block a new start. Recovery is
// skipped while another live process holds the data directory lock, since
// its in-flight row is not a crash.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate index database: %w", err)
	}

	recoverRows := true
	if pid, held := LockHolder(filepath.Dir(path)); held && pid != os.Getpid() {
		logger.Debug("engine lock held elsewhere; skipping crash recovery", zap.Int("pid", pid))
		recoverRows = false
	}

	metaCache, err := NewMetadataCache(0)
	if err != nil {
		db.Close()
		return nil, err
	}

	s := &Store{
		db:        db,
		logger:    logger,
		sessions:  make(map[string]Record),
		metaCache: metaCache,
	}
	if err := s.loadFromDB(recoverRows); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert writes the record to the database and the in-memory map.
func (s *Store) Upsert(rec Record) error {
	if rec.ID == "" {
		return fmt.Errorf("upsert session: missing id")
	}
	if rec.StartedAt.IsZero() {
		return fmt.Errorf("upsert session %s: missing started_at", rec.ID)
	}

	if err := s.upsertRow(rec); err != nil {
		return fmt.Errorf("upsert session %s: %w", rec.ID, err)
	}

	s.mu.Lock()
	s.sessions[rec.ID] = rec
	s.mu.Unlock()
	return nil
}

// Get returns the record for id.
func (s *Store) Get(id string) (Record, error) {
	s.mu.RLock()
	rec, ok := s.sessions[id]
	s.mu.RUnlock()
	if ok {
		return rec, nil
	}

	rec, err := s.readRow(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrSessionNotFound
		}
		return Record{}, fmt.Errorf("get session %s: %w", id, err)
	}

	s.mu.Lock()
	s.sessions[id] = rec
	s.mu.Unlock()
	return rec, nil
}

// Resolve looks up a session by full id or unambiguous id prefix.
func (s *Store) Resolve(idOrPrefix string) (Record, error) {
	if rec, err := s.Get(idOrPrefix); err == nil {
		return rec, nil
	} else if !errors.Is(err, ErrSessionNotFound) {
		return Record{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var found []Record
	for id, rec := range s.sessions {
		if strings.HasPrefix(id, idOrPrefix) {
			found = append(found, rec)
		}
	}
	switch len(found) {
	case 0:
		return Record{}, ErrSessionNotFound
	case 1:
		return found[0], nil
	default:
		return Record{}, fmt.Errorf("session id prefix %q is ambiguous (%d matches)", idOrPrefix, len(found))
	}
}

// Metadata reads the full descriptor of an indexed session, serving repeat
// reads from the metadata cache while the file on disk is unchanged.
func (s *Store) Metadata(rec Record) (*session.Metadata, error) {
	return s.metaCache.Get(rec.Dir)
}

// List returns all records, newest first.
func (s *Store) List() []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Delete removes the record for id from the database and the map.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err == nil && affected == 0 {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	rec, known := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()
	if known {
		s.metaCache.Invalidate(rec.Dir)
	}
	return nil
}

// TotalBytes sums recorded byte counts across all indexed sessions.
func (s *Store) TotalBytes() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total int64
	for _, rec := range s.sessions {
		total += rec.Totals.Bytes
	}
	return total
}

// Reconcile scans dataPath for session directories the index does not know
// about (moved-in data, or an index database that was deleted) and registers
// them from their metadata files. Returns how many were added.
func (s *Store) Reconcile(dataPath string) (int, error) {
	entries, err := os.ReadDir(dataPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reconcile: read data directory: %w", err)
	}

	added := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id := session.IDFromDirName(entry.Name())
		if id == "" {
			continue
		}
		s.mu.RLock()
		_, known := s.sessions[id]
		s.mu.RUnlock()
		if known {
			continue
		}

		dir := filepath.Join(dataPath, entry.Name())
		meta, err := s.metaCache.Get(dir)
		if err != nil {
			s.recoveryError("reconcile: unreadable session metadata", err, zap.String("dir", dir))
			continue
		}
		rec := recordFromMetadata(meta, dir)
		if err := s.Upsert(rec); err != nil {
			s.recoveryError("reconcile: index session", err, zap.String("session_id", id))
			continue
		}
		added++
	}
	return added, nil
}

// RecoveryErrorCount reports how many rows or directories were skipped due
// to corruption.
func (s *Store) RecoveryErrorCount() uint64 {
	return s.recoveryErrors.Load()
}

func recordFromMetadata(meta *session.Metadata, dir string) Record {
	rec := Record{
		ID:        meta.SessionID,
		Name:      meta.Name,
		Dir:       dir,
		Status:    meta.Status,
		StartedAt: meta.StartedAt,
		EndReason: meta.EndReason,
		Totals:    meta.Totals,
	}
	if meta.EndedAt != nil {
		rec.EndedAt = *meta.EndedAt
	}
	if meta.Config != nil {
		rec.Modalities = append([]string(nil), meta.Config.Modalities...)
	}
	if !rec.Status.Terminal() {
		rec.Status = session.StatusFailed
		rec.EndReason = session.EndReasonInterrupted
	}
	return rec
}

func (s *Store) loadFromDB(recoverRows bool) error {
	if recoverRows {
		if _, err := s.db.Exec(`
			UPDATE sessions SET status = ?, end_reason = ?
			WHERE status IN (?, ?, ?)
		`,
			string(session.StatusFailed),
			string(session.EndReasonInterrupted),
			string(session.StatusStarting),
			string(session.StatusRecording),
			string(session.StatusStopping),
		); err != nil {
			return fmt.Errorf("load sessions: fail interrupted rows: %w", err)
		}
	}

	rows, err := s.db.Query(`
		SELECT id, name, dir, status, started_at, ended_at, end_reason, modalities,
		       keyboard_events, mouse_events, events_dropped,
		       frames, frames_dropped, audio_chunks, audio_chunks_dropped, bytes
		FROM sessions
	`)
	if err != nil {
		return fmt.Errorf("load sessions: query rows: %w", err)
	}
	defer rows.Close()

	sessions := make(map[string]Record)
	for rows.Next() {
		rec, rowErr := scanRecord(rows)
		if rowErr != nil {
			s.recoveryError("load sessions: corrupted row", rowErr)
			continue
		}
		sessions[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("load sessions: iterate rows: %w", err)
	}

	s.mu.Lock()
	s.sessions = sessions
	s.mu.Unlock()
	return nil
}

func (s *Store) upsertRow(rec Record) error {
	var endedAt any
	if !rec.EndedAt.IsZero() {
		endedAt = rec.EndedAt.UTC().Format(time.RFC3339Nano)
	}
	_, err := s.db.Exec(`
		INSERT INTO sessions (
			id, name, dir, status, started_at, ended_at, end_reason, modalities,
			keyboard_events, mouse_events, events_dropped,
			frames, frames_dropped, audio_chunks, audio_chunks_dropped, bytes
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			dir = excluded.dir,
			status = excluded.status,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			end_reason = excluded.end_reason,
			modalities = excluded.modalities,
			keyboard_events = excluded.keyboard_events,
			mouse_events = excluded.mouse_events,
			events_dropped = excluded.events_dropped,
			frames = excluded.frames,
			frames_dropped = excluded.frames_dropped,
			audio_chunks = excluded.audio_chunks,
			audio_chunks_dropped = excluded.audio_chunks_dropped,
			bytes = excluded.bytes
	`,
		rec.ID,
		rec.Name,
		rec.Dir,
		string(rec.Status),
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		endedAt,
		string(rec.EndReason),
		strings.Join(rec.Modalities, ","),
		rec.Totals.KeyboardEvents,
		rec.Totals.MouseEvents,
		rec.Totals.EventsDropped,
		rec.Totals.Frames,
		rec.Totals.FramesDropped,
		rec.Totals.AudioChunks,
		rec.Totals.AudioChunksDropped,
		rec.Totals.Bytes,
	)
	return err
}

func (s *Store) readRow(id string) (Record, error) {
	row := s.db.QueryRow(`
		SELECT id, name, dir, status, started_at, ended_at, end_reason, modalities,
		       keyboard_events, mouse_events, events_dropped,
		       frames, frames_dropped, audio_chunks, audio_chunks_dropped, bytes
		FROM sessions
		WHERE id = ?
	`, id)
	return scanRecord(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var (
		rec        Record
		statusRaw  string
		reasonRaw  string
		startedAt  string
		endedAt    sql.NullString
		modalities string
	)
	if err := row.Scan(
		&rec.ID, &rec.Name, &rec.Dir, &statusRaw, &startedAt, &endedAt, &reasonRaw, &modalities,
		&rec.Totals.KeyboardEvents, &rec.Totals.MouseEvents, &rec.Totals.EventsDropped,
		&rec.Totals.Frames, &rec.Totals.FramesDropped,
		&rec.Totals.AudioChunks, &rec.Totals.AudioChunksDropped, &rec.Totals.Bytes,
	); err != nil {
		return Record{}, err
	}

	rec.Status = session.Status(statusRaw)
	rec.EndReason = session.EndReason(reasonRaw)
	if modalities != "" {
		rec.Modalities = strings.Split(modalities, ",")
	}

	started, err := parseSQLiteTimestamp(startedAt)
	if err != nil {
		return Record{}, fmt.Errorf("parse started_at for session %s: %w", rec.ID, err)
	}
	rec.StartedAt = started

	if endedAt.Valid {
		ended, err := parseSQLiteTimestamp(endedAt.String)
		if err != nil {
			return Record{}, fmt.Errorf("parse ended_at for session %s: %w", rec.ID, err)
		}
		rec.EndedAt = ended
	}
	return rec, nil
}

func (s *Store) recoveryError(msg string, err error, fields ...zap.Field) {
	s.recoveryErrors.Add(1)
	s.logger.Warn(msg, append(fields, zap.Error(err))...)
}

func parseSQLiteTimestamp(value string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
	}

	for _, layout := range layouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unsupported timestamp format: %q", value)
}
