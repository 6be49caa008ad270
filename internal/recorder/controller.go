package recorder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldtape/fieldtape/internal/config"
	"github.com/fieldtape/fieldtape/internal/hookd"
	"github.com/fieldtape/fieldtape/internal/session"
	"github.com/fieldtape/fieldtape/internal/store"
	"github.com/fieldtape/fieldtape/internal/wire"
)

const syntheticInputInterval = 20 * time.Millisecond

// EncoderFactory builds the video encoder backend for one session.
type EncoderFactory func(cfg *config.Config, logger *zap.Logger) EncoderBackend

// Controller owns the engine's single recording slot. It drives the session
// lifecycle Idle → Starting → Recording → Stopping → Stopped, building the
// per-modality pipelines, holding the cross-process engine lock, and keeping
// metadata and the session index in step at every transition. Failed is
// reachable from any non-terminal state.
type Controller struct {
	cfg     *config.Config
	store   *store.Store
	metrics *Metrics
	logger  *zap.Logger

	// Seams the tests and the doctor command replace.
	launcher       WorkerLauncher
	encoderFactory EncoderFactory

	mu     sync.Mutex
	status session.Status
	active *activeSession
	last   *session.Metadata
}

// activeSession is the controller's view of the recording in flight.
type activeSession struct {
	id     string
	dir    string
	meta   *session.Metadata
	clock  *wire.Clock
	guard  *Guardian
	lock   *store.Lock
	cancel context.CancelFunc

	coords []*builtCoordinator

	stopOnce  sync.Once
	stopped   chan struct{}
	finalMeta *session.Metadata
	stopErr   error
}

// builtCoordinator pairs a coordinator with the resources the controller
// opened for it, so startup failures can be unwound precisely.
type builtCoordinator struct {
	co    Coordinator
	logs  []*EventLog
	files []string
	ack   Ack
}

// NewController builds the controller. The config is snapshotted per
// session; later edits to cfg only affect future sessions.
func NewController(cfg *config.Config, st *store.Store, metrics *Metrics, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		cfg:     cfg,
		store:   st,
		metrics: metrics,
		logger:  logger.Named("controller"),
		status:  session.StatusIdle,
	}
}

// SetWorkerLauncher overrides how the isolated input worker is spawned.
func (c *Controller) SetWorkerLauncher(l WorkerLauncher) { c.launcher = l }

// SetEncoderFactory overrides how the video encoder backend is built.
func (c *Controller) SetEncoderFactory(f EncoderFactory) { c.encoderFactory = f }

// Status reports the engine's live state. Terminal session states are only
// visible through the index; an idle engine reports Idle.
func (c *Controller) Status() session.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// ActiveID returns the recording session's id, if one is active.
func (c *Controller) ActiveID() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return "", false
	}
	return c.active.id, true
}

// Done returns a channel closed when the active session has fully stopped.
// With no session active the channel is already closed.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return c.active.stopped
}

// Last returns the metadata of the most recently finished session, or nil.
func (c *Controller) Last() *session.Metadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

// Start begins a new recording session. The session directory, metadata,
// and index row exist before any capture goroutine runs, so a crash at any
// later point leaves a recoverable trace. ctx bounds startup only; the
// session itself runs until Stop.
func (c *Controller) Start(ctx context.Context, name string) (*session.Metadata, error) {
	c.mu.Lock()
	if c.active != nil || c.status != session.StatusIdle {
		c.mu.Unlock()
		return nil, ErrAlreadyRecording
	}
	c.status = session.StatusStarting
	c.mu.Unlock()

	meta, err := c.start(ctx, name)
	if err != nil {
		c.mu.Lock()
		c.status = session.StatusIdle
		c.mu.Unlock()
		return nil, err
	}
	return meta, nil
}

func (c *Controller) start(ctx context.Context, name string) (*session.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snapshot := c.cfg.Clone()
	if err := snapshot.Validate(); err != nil {
		return nil, err
	}

	lock, err := store.AcquireLock(snapshot.DataPath, c.logger)
	if err != nil {
		if errors.Is(err, store.ErrLockHeld) {
			return nil, fmt.Errorf("%w (another process holds %s)", ErrAlreadyRecording, store.LockFileName)
		}
		return nil, err
	}

	clock := wire.NewClock()
	id := session.NewID()
	if name == "" {
		name = session.DeriveName(clock.WallStart())
	}
	dir := session.Dir(snapshot.DataPath, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		lock.Release()
		return nil, fmt.Errorf("create session directory: %w", err)
	}

	logger := c.logger.With(zap.String("session_id", id))
	// The guardian already fires onQuota on its own goroutine.
	guard := NewGuardian(snapshot.MaxStorageBytes, c.store.TotalBytes(), func() {
		c.quotaStop(id)
	}, logger)

	meta := &session.Metadata{
		FormatVersion: session.MetadataFormatVersion,
		SessionID:     id,
		Name:          name,
		Platform:      session.CurrentPlatform(),
		Status:        session.StatusStarting,
		StartedAt:     clock.WallStart(),
		Config:        snapshot,
		Modalities:    make(map[string]*session.ModalityState),
	}
	for _, m := range snapshot.Modalities {
		meta.Modalities[m] = &session.ModalityState{Enabled: true}
	}

	act := &activeSession{
		id:      id,
		dir:     dir,
		meta:    meta,
		clock:   clock,
		guard:   guard,
		lock:    lock,
		stopped: make(chan struct{}),
	}

	// The directory and index row are on disk before anything captures.
	if err := session.WriteMetadata(dir, meta); err != nil {
		lock.Release()
		return nil, err
	}
	if err := c.store.Upsert(storeRecord(act)); err != nil {
		lock.Release()
		return nil, err
	}

	coords, err := c.buildCoordinators(act, snapshot, logger)
	if err != nil {
		c.failSession(act, err.Error())
		return nil, err
	}
	act.coords = coords

	// Pipelines run under their own context so they outlive the Start call;
	// coordinators that need a startup bound (the hook host) enforce the
	// configured timeout themselves.
	runCtx, cancel := context.WithCancel(context.Background())
	act.cancel = cancel

	ready := 0
	for _, bc := range coords {
		ack, err := bc.co.Start(runCtx)
		if err != nil {
			c.abortStartup(act, bc)
			c.failSession(act, err.Error())
			return nil, err
		}
		bc.ack = ack
		for _, m := range bc.co.Modalities() {
			state := meta.Modalities[m]
			if ack.Ready {
				state.State = session.ModalityStateRecorded
			} else {
				state.State = session.ModalityStateDegraded
				state.Reason = ack.Reason
			}
		}
		if ack.Ready {
			ready++
			logger.Info("modality up", zap.String("coordinator", bc.co.Name()))
		} else {
			logger.Warn("modality degraded",
				zap.String("coordinator", bc.co.Name()),
				zap.String("reason", ack.Reason))
			c.metrics.RecordError(bc.co.Name(), "unavailable")
		}
	}

	if ready == 0 {
		c.abortStartup(act, nil)
		c.failSession(act, "no enabled modality could start")
		return nil, ErrNoModalities
	}

	meta.Status = session.StatusRecording
	if err := session.WriteMetadata(dir, meta); err != nil {
		// Capture is live but the descriptor cannot be updated: treat the
		// directory as unusable and unwind.
		c.abortStartup(act, nil)
		c.failSession(act, err.Error())
		return nil, err
	}
	if err := c.store.Upsert(storeRecord(act)); err != nil {
		logger.Warn("index update failed", zap.Error(err))
	}

	c.mu.Lock()
	c.active = act
	c.status = session.StatusRecording
	c.mu.Unlock()

	c.metrics.SetRecordingActive(true)
	c.metrics.SetQuotaUsed(guard.UsedBytes())
	logger.Info("recording started",
		zap.String("session_name", name),
		zap.String("dir", dir),
		zap.Strings("modalities", snapshot.Modalities),
		zap.Int("pipelines", ready),
	)
	return cloneMetadata(meta), nil
}

// buildCoordinators opens the logs and sinks for every enabled modality and
// wires the configured sources.
func (c *Controller) buildCoordinators(act *activeSession, cfg *config.Config, logger *zap.Logger) ([]*builtCoordinator, error) {
	var coords []*builtCoordinator
	var opened []*EventLog
	cleanup := func() {
		for _, l := range opened {
			l.Close()
		}
	}

	newLog := func(stream, file string) (*EventLog, error) {
		path := filepath.Join(act.dir, file)
		l, err := NewEventLog(stream, path, cfg.FlushBytes, cfg.FlushInterval(), func(n int64) {
			act.guard.Add(n)
			c.metrics.RecordBytes(stream, n)
		}, logger)
		if err != nil {
			return nil, err
		}
		opened = append(opened, l)
		return l, nil
	}

	// Keyboard and mouse share one coordinator, mirroring the single OS
	// hook they come from.
	var inputMods []string
	if cfg.HasModality(config.ModalityKeyboard) {
		inputMods = append(inputMods, config.ModalityKeyboard)
	}
	if cfg.HasModality(config.ModalityMouse) {
		inputMods = append(inputMods, config.ModalityMouse)
	}
	if len(inputMods) > 0 {
		var keyboard, mouse *EventLog
		var files []string
		var err error
		if cfg.HasModality(config.ModalityKeyboard) {
			if keyboard, err = newLog(config.ModalityKeyboard, session.KeyboardLogFileName); err != nil {
				cleanup()
				return nil, err
			}
			files = append(files, session.KeyboardLogFileName)
		}
		if cfg.HasModality(config.ModalityMouse) {
			if mouse, err = newLog(config.ModalityMouse, session.MouseLogFileName); err != nil {
				cleanup()
				return nil, err
			}
			files = append(files, session.MouseLogFileName)
		}
		source := c.inputSource(act, cfg, inputMods, logger)
		co := NewInputCoordinator(source, keyboard, mouse, act.clock, cfg, c.metrics, logger)
		coords = append(coords, &builtCoordinator{
			co:    co,
			logs:  compactLogs(keyboard, mouse),
			files: files,
		})
	}

	if cfg.HasModality(config.ModalityScreen) {
		index, err := newLog("frames", session.FrameIndexFileName)
		if err != nil {
			cleanup()
			return nil, err
		}
		factory := c.encoderFactory
		if factory == nil {
			factory = func(cfg *config.Config, logger *zap.Logger) EncoderBackend {
				return NewFFmpegBackend(cfg.FFmpegPath, cfg.ScreenResolution, logger)
			}
		}
		sink := NewFrameSink(factory(cfg, logger), index, act.guard, logger)
		var source FrameSource
		if cfg.ScreenSource == config.ScreenSourceSynthetic {
			source = NewSyntheticFrameSource(0)
		} else {
			source = NewDisplayFrameSource()
		}
		co := NewScreenCoordinator(source, sink, filepath.Join(act.dir, session.VideoFileName), act.clock, cfg, c.metrics, logger)
		coords = append(coords, &builtCoordinator{
			co:    co,
			logs:  []*EventLog{index},
			files: []string{session.VideoFileName, session.FrameIndexFileName},
		})
	}

	if cfg.HasModality(config.ModalityAudio) {
		index, err := newLog("chunks", session.ChunkIndexFileName)
		if err != nil {
			cleanup()
			return nil, err
		}
		spec := AudioSpec{
			SampleRate: cfg.AudioSampleRate,
			Channels:   cfg.AudioChannels,
			Chunk:      cfg.AudioChunk(),
		}
		sink := NewAudioSink(spec, index, act.guard, logger)
		var source AudioSource
		if cfg.AudioSource == config.AudioSourceSynthetic {
			source = NewSyntheticAudioSource()
		} else {
			source = NewMicrophoneAudioSource(logger)
		}
		co := NewAudioCoordinator(source, sink, filepath.Join(act.dir, session.AudioFileName), spec, act.clock, c.metrics, logger)
		coords = append(coords, &builtCoordinator{
			co:    co,
			logs:  []*EventLog{index},
			files: []string{session.AudioFileName, session.ChunkIndexFileName},
		})
	}

	return coords, nil
}

// inputSource picks where keyboard/mouse events come from: the isolated
// worker process (default), an in-process OS hook, or the synthetic
// generator.
func (c *Controller) inputSource(act *activeSession, cfg *config.Config, mods []string, logger *zap.Logger) HookSource {
	if cfg.InputSource == config.InputSourceSynthetic {
		return NewSyntheticHookSource(act.clock, syntheticInputInterval)
	}
	if !cfg.InputIsolated() {
		return newLocalHookSource(hookd.NewOSHookSource(mods), act.clock)
	}
	launcher := c.launcher
	if launcher == nil {
		launcher = &ExecWorkerLauncher{
			Binary:     cfg.HookdPath,
			Source:     "hooks",
			Modalities: mods,
			Logger:     logger,
		}
	}
	return NewHookHost(act.id, act.clock, cfg, mods, launcher, c.metrics, logger)
}

// Stop ends the active session. It is idempotent: concurrent callers (a
// user stop racing the quota stop) share one drain and return the same
// final metadata. Finalization is budgeted by the configured stop grace
// period rather than ctx, so an impatient caller cannot shorten it.
func (c *Controller) Stop(ctx context.Context, reason session.EndReason) (*session.Metadata, error) {
	c.mu.Lock()
	act := c.active
	c.mu.Unlock()
	if act == nil {
		return nil, ErrNotRecording
	}

	act.stopOnce.Do(func() { c.doStop(act, reason) })
	<-act.stopped
	return cloneMetadata(act.finalMeta), act.stopErr
}

// quotaStop is the guardian's trip handler.
func (c *Controller) quotaStop(id string) {
	c.mu.Lock()
	act := c.active
	c.mu.Unlock()
	if act == nil || act.id != id {
		return
	}
	c.logger.Warn("storage quota exceeded; stopping session", zap.String("session_id", id))
	if _, err := c.Stop(context.Background(), session.EndReasonQuotaExceeded); err != nil && !errors.Is(err, ErrNotRecording) {
		c.logger.Error("quota stop failed", zap.Error(err))
	}
}

func (c *Controller) doStop(act *activeSession, reason session.EndReason) {
	logger := c.logger.With(zap.String("session_id", act.id))
	logger.Info("stopping session", zap.String("reason", string(reason)))

	c.mu.Lock()
	c.status = session.StatusStopping
	c.mu.Unlock()

	meta := act.meta
	meta.Status = session.StatusStopping
	meta.EndReason = reason
	if err := session.WriteMetadata(act.dir, meta); err != nil {
		logger.Warn("metadata update failed", zap.Error(err))
	}
	if err := c.store.Upsert(storeRecord(act)); err != nil {
		logger.Warn("index update failed", zap.Error(err))
	}

	// Every pipeline drains in parallel under one grace budget. A pipeline
	// that cannot finish in time is force-terminated by its own Drain; the
	// session still reaches a terminal state.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), meta.Config.StopGracePeriod())
	defer cancelDrain()

	errs := make([]error, len(act.coords))
	var wg sync.WaitGroup
	for i, bc := range act.coords {
		if !bc.ack.Ready {
			closeLogs(bc.logs)
			continue
		}
		wg.Add(1)
		go func(i int, bc *builtCoordinator) {
			defer wg.Done()
			errs[i] = bc.co.Drain(drainCtx)
		}(i, bc)
	}
	wg.Wait()
	if act.cancel != nil {
		act.cancel()
	}

	endMono := act.clock.MonoMS()
	endedAt := act.clock.WallAt(endMono)
	meta.EndedAt = &endedAt
	meta.DurationSec = float64(endMono) / 1000.0

	var drainErr error
	for i, bc := range act.coords {
		if !bc.ack.Ready {
			continue
		}
		bc.co.Collect(&meta.Totals)
		if a, ok := bc.co.(interface{ Aborted() (string, int64, bool) }); ok {
			if why, atMono, aborted := a.Aborted(); aborted {
				for _, m := range bc.co.Modalities() {
					state := meta.Modalities[m]
					state.State = session.ModalityStateAborted
					state.Reason = why
					state.AtMonoMS = atMono
				}
			}
		}
		if errs[i] != nil {
			logger.Error("pipeline drain failed",
				zap.String("coordinator", bc.co.Name()),
				zap.Error(errs[i]))
			drainErr = errors.Join(drainErr, fmt.Errorf("%s: %w", bc.co.Name(), errs[i]))
		}
	}
	meta.Totals.Bytes = act.guard.SessionBytes()

	c.removeDegradedFiles(act)

	meta.Status = session.StatusStopped
	if err := session.WriteMetadata(act.dir, meta); err != nil {
		logger.Error("final metadata write failed", zap.Error(err))
		drainErr = errors.Join(drainErr, err)
	}
	if err := c.store.Upsert(storeRecord(act)); err != nil {
		logger.Warn("index update failed", zap.Error(err))
	}

	if err := act.lock.Release(); err != nil {
		logger.Warn("engine lock release failed", zap.Error(err))
	}

	c.metrics.SetRecordingActive(false)
	c.metrics.SetQuotaUsed(act.guard.UsedBytes())
	logger.Info("session stopped",
		zap.String("reason", string(reason)),
		zap.Float64("duration_seconds", meta.DurationSec),
		zap.Int64("bytes", meta.Totals.Bytes),
		zap.Uint64("keyboard_events", meta.Totals.KeyboardEvents),
		zap.Uint64("mouse_events", meta.Totals.MouseEvents),
		zap.Uint64("frames", meta.Totals.Frames),
	)

	act.finalMeta = meta
	act.stopErr = drainErr

	c.mu.Lock()
	c.active = nil
	c.status = session.StatusIdle
	c.last = cloneMetadata(meta)
	c.mu.Unlock()
	close(act.stopped)
}

// abortStartup unwinds a partially started session: started pipelines get a
// short drain, never-started ones just close their logs.
func (c *Controller) abortStartup(act *activeSession, failed *builtCoordinator) {
	drainCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for _, bc := range act.coords {
		if bc == failed {
			closeLogs(bc.logs)
			continue
		}
		if bc.ack.Ready {
			if err := bc.co.Drain(drainCtx); err != nil {
				c.logger.Warn("startup abort drain failed",
					zap.String("coordinator", bc.co.Name()),
					zap.Error(err))
			}
		} else {
			closeLogs(bc.logs)
		}
	}
	if act.cancel != nil {
		act.cancel()
	}
}

// failSession finalizes a session that never reached Recording.
func (c *Controller) failSession(act *activeSession, reason string) {
	meta := act.meta
	meta.Status = session.StatusFailed
	meta.EndReason = session.EndReasonFailure
	endedAt := act.clock.WallAt(act.clock.MonoMS())
	meta.EndedAt = &endedAt
	for _, state := range meta.Modalities {
		if state.State == "" {
			state.State = session.ModalityStateDegraded
			if state.Reason == "" {
				state.Reason = reason
			}
		}
	}
	c.removeDegradedFiles(act)
	if err := session.WriteMetadata(act.dir, meta); err != nil {
		c.logger.Error("failed-session metadata write failed",
			zap.String("session_id", act.id), zap.Error(err))
	}
	if err := c.store.Upsert(storeRecord(act)); err != nil {
		c.logger.Warn("index update failed", zap.Error(err))
	}
	if err := act.lock.Release(); err != nil {
		c.logger.Warn("engine lock release failed", zap.Error(err))
	}
	c.logger.Error("session failed before recording",
		zap.String("session_id", act.id),
		zap.String("reason", reason))

	c.mu.Lock()
	c.last = cloneMetadata(meta)
	c.mu.Unlock()
}

// removeDegradedFiles deletes the empty placeholder files of modalities that
// never recorded, so the directory matches its metadata.
func (c *Controller) removeDegradedFiles(act *activeSession) {
	for _, bc := range act.coords {
		if bc.ack.Ready {
			continue
		}
		for _, name := range bc.files {
			path := filepath.Join(act.dir, name)
			if info, err := os.Stat(path); err == nil && info.Size() == 0 {
				if err := os.Remove(path); err != nil {
					c.logger.Warn("placeholder cleanup failed",
						zap.String("file", name), zap.Error(err))
				}
			}
		}
	}
}

func storeRecord(act *activeSession) store.Record {
	meta := act.meta
	rec := store.Record{
		ID:        meta.SessionID,
		Name:      meta.Name,
		Dir:       act.dir,
		Status:    meta.Status,
		StartedAt: meta.StartedAt,
		EndReason: meta.EndReason,
		Totals:    meta.Totals,
	}
	if meta.EndedAt != nil {
		rec.EndedAt = *meta.EndedAt
	}
	if meta.Config != nil {
		rec.Modalities = append(rec.Modalities, meta.Config.Modalities...)
	}
	return rec
}

func cloneMetadata(meta *session.Metadata) *session.Metadata {
	if meta == nil {
		return nil
	}
	dup := *meta
	if meta.Config != nil {
		dup.Config = meta.Config.Clone()
	}
	dup.Modalities = make(map[string]*session.ModalityState, len(meta.Modalities))
	for k, v := range meta.Modalities {
		state := *v
		dup.Modalities[k] = &state
	}
	if meta.EndedAt != nil {
		endedAt := *meta.EndedAt
		dup.EndedAt = &endedAt
	}
	return &dup
}

func closeLogs(logs []*EventLog) {
	for _, l := range logs {
		l.Close()
	}
}

func compactLogs(logs ...*EventLog) []*EventLog {
	var out []*EventLog
	for _, l := range logs {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

// localHookSource runs the OS hook inside the engine process when input
// isolation is disabled. Samples are stamped on receipt with the session
// clock; the hop from the hook goroutine is in-process and negligible.
type localHookSource struct {
	src   hookd.Source
	clock *wire.Clock

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func newLocalHookSource(src hookd.Source, clock *wire.Clock) *localHookSource {
	return &localHookSource{src: src, clock: clock}
}

func (s *localHookSource) Name() string { return "local:" + s.src.Name() }

func (s *localHookSource) Start(ctx context.Context) (<-chan InputEvent, error) {
	ctx, cancel := context.WithCancel(ctx)
	samples, err := s.src.Start(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	ch := make(chan InputEvent, 64)
	go func() {
		defer close(ch)
		defer close(done)
		for sample := range samples {
			mono, wall := s.clock.Stamp()
			ch <- InputEvent{
				Kind:    sample.Kind,
				MonoMS:  mono,
				Wall:    wall,
				Key:     sample.Key,
				Action:  sample.Action,
				X:       sample.X,
				Y:       sample.Y,
				Button:  sample.Button,
				DX:      sample.WheelDX,
				DY:      sample.WheelDY,
				Dropped: sample.Dropped,
			}
		}
	}()
	return ch, nil
}

func (s *localHookSource) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	err := s.src.Stop()
	cancel()
	<-done
	return err
}
