package integration

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fieldtape/fieldtape/internal/config"
	"github.com/fieldtape/fieldtape/internal/hookd"
	"github.com/fieldtape/fieldtape/internal/recorder"
	"github.com/fieldtape/fieldtape/internal/session"
	"github.com/fieldtape/fieldtape/internal/store"
	"github.com/fieldtape/fieldtape/internal/wire"
)

// engineHarness runs a full controller against a temp data directory with
// synthetic capture sources, the way the engine runs on a headless machine.
type engineHarness struct {
	t    *testing.T
	cfg  *config.Config
	st   *store.Store
	ctrl *recorder.Controller
}

// newEngineHarness builds a recording engine with fast flush and capture
// intervals so tests observe on-disk state within tens of milliseconds.
// mutate runs before validation and may override any option, including the
// data path.
func newEngineHarness(t *testing.T, mutate func(*config.Config)) *engineHarness {
	t.Helper()

	cfg := config.Default()
	cfg.DataPath = t.TempDir()
	cfg.Modalities = []string{config.ModalityKeyboard, config.ModalityMouse, config.ModalityScreen}
	cfg.InputSource = config.InputSourceSynthetic
	cfg.ScreenSource = config.ScreenSourceSynthetic
	cfg.AudioSource = config.AudioSourceSynthetic
	cfg.ScreenFPS = 20
	cfg.ScreenResolution = config.Resolution{Width: 64, Height: 48}
	cfg.FlushBytes = 512
	cfg.FlushIntervalMS = 20
	cfg.StopGracePeriodMS = 3000
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("harness config invalid: %v", err)
	}

	st := openIndex(t, cfg.DataPath)
	ctrl := recorder.NewController(cfg, st, nil, zap.NewNop())
	ctrl.SetEncoderFactory(func(*config.Config, *zap.Logger) recorder.EncoderBackend {
		return newFileBackend(0)
	})
	return &engineHarness{t: t, cfg: cfg, st: st, ctrl: ctrl}
}

func openIndex(t *testing.T, dataPath string) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(dataPath, store.IndexFileName), zap.NewNop())
	if err != nil {
		t.Fatalf("open session index: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// record runs one complete session: start, capture for roughly d, stop.
func (h *engineHarness) record(d time.Duration) *session.Metadata {
	h.t.Helper()
	if _, err := h.ctrl.Start(context.Background(), ""); err != nil {
		h.t.Fatalf("start recording: %v", err)
	}
	time.Sleep(d)
	meta, err := h.ctrl.Stop(context.Background(), session.EndReasonUserRequested)
	if err != nil {
		h.t.Fatalf("stop recording: %v", err)
	}
	return meta
}

func (h *engineHarness) dir(meta *session.Metadata) string {
	return session.Dir(h.cfg.DataPath, meta.SessionID)
}

// readRecords parses one JSONL event log or media index.
func readRecords(t *testing.T, path string) []recorder.Record {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", filepath.Base(path), err)
	}
	defer f.Close()

	var out []recorder.Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var rec recorder.Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			t.Fatalf("parse record in %s: %v", filepath.Base(path), err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan %s: %v", filepath.Base(path), err)
	}
	return out
}

func countType(recs []recorder.Record, recType string) int {
	n := 0
	for _, rec := range recs {
		if rec.Type == recType {
			n++
		}
	}
	return n
}

// logOccurrences counts needle in the file at path; a missing file counts
// zero, so it is safe to poll before the log exists.
func logOccurrences(path, needle string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	return strings.Count(string(data), needle)
}

func waitFor(t *testing.T, timeout time.Duration, fn func() bool, label string) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", label)
}

// fileBackend is an encoder stand-in that writes raw frame bytes straight to
// the output file. It keeps the frame sink's stat-based byte accounting and
// the on-disk session layout real without depending on an ffmpeg binary.
type fileBackend struct {
	mu        sync.Mutex
	f         *os.File
	writes    int
	failAfter int
}

// newFileBackend builds a backend that fails the failAfter-th WriteFrame.
// Zero never fails.
func newFileBackend(failAfter int) *fileBackend {
	return &fileBackend{failAfter: failAfter}
}

func (b *fileBackend) Start(_ context.Context, path string, _, _ int, _ float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	// Container header stand-in so zero-frame sessions still leave bytes.
	if _, err := f.WriteString("rawvideo\n"); err != nil {
		f.Close()
		return err
	}
	b.f = f
	return nil
}

func (b *fileBackend) WriteFrame(raw []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return fmt.Errorf("encoder not running")
	}
	b.writes++
	if b.failAfter > 0 && b.writes >= b.failAfter {
		return fmt.Errorf("synthetic encoder failure at frame %d", b.writes)
	}
	_, err := b.f.Write(raw)
	return err
}

func (b *fileBackend) Close(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f == nil {
		return nil
	}
	err := b.f.Sync()
	if cerr := b.f.Close(); err == nil {
		err = cerr
	}
	b.f = nil
	return err
}

func (b *fileBackend) Kill() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.f != nil {
		b.f.Close()
		b.f = nil
	}
}

// brokenBackend refuses to start, standing in for a missing encoder binary.
type brokenBackend struct{}

func (brokenBackend) Start(context.Context, string, int, int, float64) error {
	return fmt.Errorf("encoder binary not found")
}
func (brokenBackend) WriteFrame([]byte) error     { return fmt.Errorf("encoder not running") }
func (brokenBackend) Close(context.Context) error { return nil }
func (brokenBackend) Kill()                       {}

// inprocWorker runs the real hook worker client on a goroutine inside the
// test process, exercising the full link protocol without a child binary.
type inprocWorker struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// syntheticWorkerLauncher launches in-process hook workers backed by the
// synthetic sample source.
func syntheticWorkerLauncher(interval time.Duration) recorder.WorkerLauncher {
	mods := []string{config.ModalityKeyboard, config.ModalityMouse}
	return recorder.WorkerLauncherFunc(func(wsURL, token string) (recorder.WorkerHandle, error) {
		ctx, cancel := context.WithCancel(context.Background())
		w := &inprocWorker{cancel: cancel, done: make(chan struct{})}
		go func() {
			defer close(w.done)
			err := hookd.Run(ctx, hookd.Options{
				URL:        wsURL,
				Token:      token,
				Source:     hookd.NewSyntheticSource(interval, mods),
				Modalities: mods,
				Logger:     zap.NewNop(),
			})
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
		}()
		return w, nil
	})
}

func (w *inprocWorker) Done() <-chan struct{} { return w.done }

func (w *inprocWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *inprocWorker) Kill() error {
	w.cancel()
	return nil
}

// dyingWorker speaks just enough of the hook protocol to come up healthy and
// stream one batch, then drops the connection without draining, the way a
// crashed worker process would.
type dyingWorker struct {
	done chan struct{}

	mu  sync.Mutex
	err error
}

// dyingWorkerLauncher launches workers that send sampleCount key events and
// then vanish. sampleCount must fit one batch.
func dyingWorkerLauncher(sampleCount int) recorder.WorkerLauncher {
	return recorder.WorkerLauncherFunc(func(wsURL, token string) (recorder.WorkerHandle, error) {
		header := http.Header{}
		header.Set("Authorization", "Bearer "+token)
		dialer := websocket.Dialer{HandshakeTimeout: 3 * time.Second}
		conn, resp, err := dialer.Dial(wsURL, header)
		if err != nil {
			if resp != nil {
				resp.Body.Close()
			}
			return nil, err
		}

		w := &dyingWorker{done: make(chan struct{})}
		go func() {
			defer close(w.done)
			defer conn.Close()
			w.setErr(runDyingWorker(conn, sampleCount))
		}()
		return w, nil
	})
}

func runDyingWorker(conn *websocket.Conn, sampleCount int) error {
	hello := wire.HelloPayload{
		PID:        os.Getpid(),
		Source:     "synthetic",
		Modalities: []string{config.ModalityKeyboard, config.ModalityMouse},
		MonoNS:     0,
		WallNS:     time.Now().UnixNano(),
	}
	if err := sendEnvelope(conn, wire.MessageTypeHello, hello); err != nil {
		return err
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	env, err := wire.UnmarshalEnvelope(msg)
	if err != nil {
		return err
	}
	var ref wire.ClockRefPayload
	if err := wire.DecodePayload(env, wire.MessageTypeClockRef, &ref); err != nil {
		return err
	}
	if err := sendEnvelope(conn, wire.MessageTypeReady, wire.ReadyPayload{OK: true}); err != nil {
		return err
	}

	samples := make([]wire.InputSample, 0, sampleCount)
	for i := 0; i < sampleCount; i++ {
		action := wire.ActionPress
		if i%2 == 1 {
			action = wire.ActionRelease
		}
		samples = append(samples, wire.InputSample{
			Kind:   wire.SampleKindKey,
			MonoNS: int64(i) * int64(5*time.Millisecond),
			Key:    "a",
			Action: action,
		})
	}
	// One batch, then vanish: no drain handling, no bye.
	return sendEnvelope(conn, wire.MessageTypeSamples, wire.SampleBatchPayload{Samples: samples})
}

func sendEnvelope(conn *websocket.Conn, msgType wire.MessageType, payload any) error {
	env, err := wire.NewEnvelope(msgType, "", payload)
	if err != nil {
		return err
	}
	data, err := wire.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (w *dyingWorker) setErr(err error) {
	w.mu.Lock()
	w.err = err
	w.mu.Unlock()
}

func (w *dyingWorker) Done() <-chan struct{} { return w.done }

func (w *dyingWorker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

func (w *dyingWorker) Kill() error { return nil }
