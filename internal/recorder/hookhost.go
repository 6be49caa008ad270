package recorder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldtape/fieldtape/internal/config"
	"github.com/fieldtape/fieldtape/internal/wire"
)

// Hook link tuning.
const (
	hookWriteWait      = 10 * time.Second
	hookMaxMessageSize = 65536
	hookEventBuffer    = 256
	workerExitWait     = 2 * time.Second
)

// WorkerHandle is a running hook worker process.
type WorkerHandle interface {
	// Done is closed when the process exits.
	Done() <-chan struct{}
	// Err reports the exit error once Done is closed.
	Err() error
	// Kill terminates the process.
	Kill() error
}

// WorkerLauncher starts the hook worker pointed at the host's endpoint.
type WorkerLauncher interface {
	Launch(wsURL, token string) (WorkerHandle, error)
}

// WorkerLauncherFunc adapts a function to the WorkerLauncher interface.
type WorkerLauncherFunc func(wsURL, token string) (WorkerHandle, error)

func (f WorkerLauncherFunc) Launch(wsURL, token string) (WorkerHandle, error) {
	return f(wsURL, token)
}

// HookHost runs the engine side of the isolated input capture link. It
// listens on an ephemeral loopback port, launches the hook worker process
// against it, performs the clock handshake, and turns incoming sample
// batches into InputEvents stamped on the session clock.
//
// The link deliberately outlives the session's runtime context: during stop
// the worker flushes its remaining samples before saying bye, so only Stop
// (or worker death) ends the pump.
type HookHost struct {
	logger  *zap.Logger
	clock   *wire.Clock
	metrics *Metrics

	sessionID  string
	modalities []string
	launcher   WorkerLauncher

	startupTimeout    time.Duration
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	stopGrace         time.Duration

	upgrader websocket.Upgrader
	stopping atomic.Bool

	mu        sync.Mutex
	started   bool
	stopped   bool
	claimed   bool
	token     string
	server    *http.Server
	conn      *websocket.Conn
	worker    WorkerHandle
	events    chan InputEvent
	ready     chan error
	readyOnce sync.Once
	pumpDone  chan struct{}

	writeMu sync.Mutex

	received atomic.Uint64
}

// NewHookHost builds a host for one session. The launcher decides how the
// worker process comes up; production uses ExecWorkerLauncher.
func NewHookHost(sessionID string, clock *wire.Clock, cfg *config.Config, modalities []string, launcher WorkerLauncher, metrics *Metrics, logger *zap.Logger) *HookHost {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HookHost{
		logger:            logger.With(zap.String("component", "hookhost")),
		clock:             clock,
		metrics:           metrics,
		sessionID:         sessionID,
		modalities:        append([]string(nil), modalities...),
		launcher:          launcher,
		startupTimeout:    cfg.StartupTimeout(),
		heartbeatInterval: cfg.HeartbeatInterval(),
		heartbeatTimeout:  cfg.HeartbeatTimeout(),
		stopGrace:         cfg.StopGracePeriod(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *HookHost) Name() string { return "hookd" }

// Start brings up the loopback endpoint, launches the worker, and waits for
// its ready ack. The returned channel closes when the link ends, whether by
// drain or by worker death. ctx bounds startup only.
func (h *HookHost) Start(ctx context.Context) (<-chan InputEvent, error) {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return nil, fmt.Errorf("hook host already started")
	}
	h.started = true
	h.token = uuid.NewString()
	h.events = make(chan InputEvent, hookEventBuffer)
	h.ready = make(chan error, 1)
	h.pumpDone = make(chan struct{})
	h.mu.Unlock()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen for hook worker: %w", err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/hook", h.serveWorker)
	server := &http.Server{Handler: mux}

	h.mu.Lock()
	h.server = server
	h.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Warn("hook endpoint closed", zap.Error(err))
		}
	}()

	wsURL := fmt.Sprintf("ws://%s/hook", ln.Addr().String())
	h.logger.Info("launching hook worker", zap.String("url", wsURL))

	worker, err := h.launcher.Launch(wsURL, h.token)
	if err != nil {
		h.teardown()
		return nil, fmt.Errorf("launch hook worker: %w", err)
	}
	h.mu.Lock()
	h.worker = worker
	h.mu.Unlock()

	select {
	case err := <-h.ready:
		if err != nil {
			h.killWorker()
			h.teardown()
			return nil, err
		}
	case <-worker.Done():
		h.teardown()
		return nil, fmt.Errorf("hook worker exited during startup: %v", worker.Err())
	case <-time.After(h.startupTimeout):
		h.killWorker()
		h.teardown()
		return nil, fmt.Errorf("hook worker not ready after %s", h.startupTimeout)
	case <-ctx.Done():
		h.killWorker()
		h.teardown()
		return nil, ctx.Err()
	}

	h.logger.Info("hook worker ready")
	return h.events, nil
}

// Stop drains the worker: it sends the drain request, waits for the bye (or
// the connection to die) within the stop grace period, then reaps the
// process, killing it if it lingers.
func (h *HookHost) Stop() error {
	h.mu.Lock()
	if !h.started || h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	conn := h.conn
	worker := h.worker
	pumpDone := h.pumpDone
	h.mu.Unlock()

	h.stopping.Store(true)

	var stopErr error
	if conn != nil {
		if err := h.send(conn, wire.MessageTypeDrain, struct{}{}); err != nil {
			h.logger.Warn("drain request failed", zap.Error(err))
		}
		select {
		case <-pumpDone:
		case <-time.After(h.stopGrace):
			stopErr = fmt.Errorf("%w: hook worker did not drain", ErrCoordinatorTimeout)
			conn.Close()
		}
	}

	if worker != nil {
		select {
		case <-worker.Done():
		case <-time.After(workerExitWait):
			h.logger.Warn("killing lingering hook worker")
			worker.Kill()
			select {
			case <-worker.Done():
			case <-time.After(workerExitWait):
				h.logger.Error("hook worker did not exit after kill")
			}
		}
	}

	h.teardown()
	return stopErr
}

// serveWorker authenticates the worker connection, runs the hello/clock_ref/
// ready handshake, and then pumps samples until the link ends.
func (h *HookHost) serveWorker(w http.ResponseWriter, r *http.Request) {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" || parts[1] != h.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	// The conn slot is claimed before the handshake so a second dial cannot
	// slip in while the first is still negotiating.
	h.mu.Lock()
	if h.claimed {
		h.mu.Unlock()
		http.Error(w, "worker already connected", http.StatusConflict)
		return
	}
	h.claimed = true
	h.mu.Unlock()

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("hook worker upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(hookMaxMessageSize)

	hello, err := h.readHello(conn)
	if err != nil {
		h.logger.Warn("hook handshake failed", zap.Error(err))
		h.signalReady(fmt.Errorf("hook handshake failed: %w", err))
		conn.Close()
		return
	}
	engineRefMS := h.clock.MonoMS()
	rebase := wire.NewRebase(hello.MonoNS, engineRefMS)
	h.logger.Info("hook worker connected",
		zap.Int("pid", hello.PID),
		zap.String("source", hello.Source),
		zap.Strings("modalities", hello.Modalities))

	clockRef := wire.ClockRefPayload{
		SessionID:           h.sessionID,
		MonoMS:              engineRefMS,
		WallNS:              h.clock.WallAt(engineRefMS).UnixNano(),
		HeartbeatIntervalMS: int(h.heartbeatInterval / time.Millisecond),
	}
	if err := h.send(conn, wire.MessageTypeClockRef, clockRef); err != nil {
		h.signalReady(fmt.Errorf("send clock_ref: %w", err))
		conn.Close()
		return
	}

	ready, err := h.readReady(conn)
	if err != nil {
		h.signalReady(fmt.Errorf("read ready: %w", err))
		conn.Close()
		return
	}
	if !ready.OK {
		reason := ready.Reason
		if reason == "" {
			reason = "hook source unavailable"
		}
		h.signalReady(errors.New(reason))
		conn.Close()
		return
	}

	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
	h.signalReady(nil)
	h.metrics.SetWorkerConnected(true)

	defer func() {
		h.metrics.SetWorkerConnected(false)
		conn.Close()
		close(h.events)
		close(h.pumpDone)
	}()

	if err := h.readLoop(conn, rebase); err != nil && !h.stopping.Load() {
		h.logger.Error("hook link lost", zap.Error(err))
		h.metrics.RecordError("hookhost", "link_lost")
		h.killWorker()
	}
}

// readLoop ingests envelopes until bye, error, or silence past the
// heartbeat window. Any inbound message counts as liveness.
func (h *HookHost) readLoop(conn *websocket.Conn, rebase wire.Rebase) error {
	for {
		conn.SetReadDeadline(time.Now().Add(h.heartbeatTimeout + h.heartbeatInterval))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if h.stopping.Load() {
				return nil
			}
			return err
		}
		env, err := wire.UnmarshalEnvelope(data)
		if err != nil {
			h.logger.Warn("bad envelope from hook worker", zap.Error(err))
			h.metrics.RecordError("hookhost", "bad_envelope")
			continue
		}

		switch env.Type {
		case string(wire.MessageTypeSamples):
			var batch wire.SampleBatchPayload
			if err := wire.DecodePayload(env, wire.MessageTypeSamples, &batch); err != nil {
				h.logger.Warn("bad sample batch", zap.Error(err))
				h.metrics.RecordError("hookhost", "bad_batch")
				continue
			}
			h.ingest(batch.Samples, rebase)

		case string(wire.MessageTypeHeartbeat):
			var hb wire.HeartbeatPayload
			if err := wire.DecodePayload(env, wire.MessageTypeHeartbeat, &hb); err == nil {
				h.logger.Debug("hook worker heartbeat",
					zap.Uint64("sent", hb.Sent), zap.Uint64("dropped", hb.Dropped))
			}

		case string(wire.MessageTypeBye):
			var bye wire.ByePayload
			if err := wire.DecodePayload(env, wire.MessageTypeBye, &bye); err == nil {
				h.logger.Info("hook worker drained",
					zap.Uint64("sent", bye.Sent),
					zap.Uint64("dropped", bye.Dropped),
					zap.Uint64("received", h.received.Load()))
			}
			return nil

		default:
			h.logger.Warn("unexpected message from hook worker", zap.String("type", env.Type))
		}
	}
}

// ingest rebases a batch onto the session clock and forwards it. Sends
// block at most briefly: the input coordinator consumes until the channel
// closes, even during stop.
func (h *HookHost) ingest(samples []wire.InputSample, rebase wire.Rebase) {
	if len(samples) > wire.MaxBatchSamples {
		h.logger.Warn("oversized sample batch", zap.Int("samples", len(samples)))
		h.metrics.RecordError("hookhost", "oversized_batch")
	}
	for _, s := range samples {
		monoMS := rebase.MonoMS(s.MonoNS)
		h.events <- InputEvent{
			Kind:    s.Kind,
			MonoMS:  monoMS,
			Wall:    h.clock.WallAt(monoMS),
			Key:     s.Key,
			Action:  s.Action,
			X:       s.X,
			Y:       s.Y,
			Button:  s.Button,
			DX:      s.WheelDX,
			DY:      s.WheelDY,
			Dropped: s.Dropped,
		}
		h.received.Add(1)
	}
}

func (h *HookHost) readHello(conn *websocket.Conn) (*wire.HelloPayload, error) {
	env, err := h.readEnvelope(conn, h.startupTimeout)
	if err != nil {
		return nil, err
	}
	var hello wire.HelloPayload
	if err := wire.DecodePayload(env, wire.MessageTypeHello, &hello); err != nil {
		return nil, err
	}
	return &hello, nil
}

func (h *HookHost) readReady(conn *websocket.Conn) (*wire.ReadyPayload, error) {
	env, err := h.readEnvelope(conn, h.startupTimeout)
	if err != nil {
		return nil, err
	}
	var ready wire.ReadyPayload
	if err := wire.DecodePayload(env, wire.MessageTypeReady, &ready); err != nil {
		return nil, err
	}
	return &ready, nil
}

func (h *HookHost) readEnvelope(conn *websocket.Conn, wait time.Duration) (*wire.Envelope, error) {
	conn.SetReadDeadline(time.Now().Add(wait))
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return wire.UnmarshalEnvelope(data)
}

func (h *HookHost) send(conn *websocket.Conn, msgType wire.MessageType, payload any) error {
	env, err := wire.NewEnvelope(msgType, "", payload)
	if err != nil {
		return err
	}
	data, err := wire.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	h.writeMu.Lock()
	defer h.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(hookWriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (h *HookHost) signalReady(err error) {
	h.readyOnce.Do(func() { h.ready <- err })
}

func (h *HookHost) killWorker() {
	h.mu.Lock()
	worker := h.worker
	h.mu.Unlock()
	if worker == nil {
		return
	}
	if err := worker.Kill(); err != nil {
		h.logger.Debug("hook worker kill", zap.Error(err))
	}
}

func (h *HookHost) teardown() {
	h.mu.Lock()
	server := h.server
	conn := h.conn
	h.server = nil
	h.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if server != nil {
		server.Close()
	}
}

// ExecWorkerLauncher spawns the fieldtape-hookd binary.
type ExecWorkerLauncher struct {
	// Binary overrides worker discovery. Empty means: fieldtape-hookd next
	// to the running executable, else resolved from PATH.
	Binary string
	// Source selects the worker's capture backend.
	Source string
	// Modalities restricts what the worker hooks.
	Modalities []string
	Logger     *zap.Logger
}

func (l *ExecWorkerLauncher) Launch(wsURL, token string) (WorkerHandle, error) {
	bin := l.Binary
	if bin == "" {
		bin = defaultHookdBinary()
	}
	args := []string{"--connect", wsURL, "--token", token}
	if l.Source != "" {
		args = append(args, "--source", l.Source)
	}
	if len(l.Modalities) > 0 {
		args = append(args, "--modalities", strings.Join(l.Modalities, ","))
	}

	cmd := exec.Command(bin, args...)
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}
	if l.Logger != nil {
		l.Logger.Info("hook worker started", zap.String("binary", bin), zap.Int("pid", cmd.Process.Pid))
	}

	handle := &execWorkerHandle{cmd: cmd, done: make(chan struct{})}
	go func() {
		handle.err = cmd.Wait()
		close(handle.done)
	}()
	return handle, nil
}

type execWorkerHandle struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

func (w *execWorkerHandle) Done() <-chan struct{} { return w.done }

func (w *execWorkerHandle) Err() error {
	select {
	case <-w.done:
		return w.err
	default:
		return nil
	}
}

func (w *execWorkerHandle) Kill() error {
	select {
	case <-w.done:
		return nil
	default:
		return w.cmd.Process.Kill()
	}
}

func defaultHookdBinary() string {
	name := "fieldtape-hookd"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), name)
		if _, err := os.Stat(sibling); err == nil {
			return sibling
		}
	}
	return name
}
