package hookd

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldtape/fieldtape/internal/wire"
)

// manualSource hands the test direct control over the sample stream.
type manualSource struct {
	ch       chan wire.InputSample
	startErr error
	stopOnce sync.Once
}

func newManualSource() *manualSource {
	return &manualSource{ch: make(chan wire.InputSample, 64)}
}

func (m *manualSource) Name() string { return "manual" }

func (m *manualSource) Start(ctx context.Context) (<-chan wire.InputSample, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	return m.ch, nil
}

func (m *manualSource) Stop() error {
	m.stopOnce.Do(func() { close(m.ch) })
	return nil
}

func (m *manualSource) die() {
	m.stopOnce.Do(func() { close(m.ch) })
}

// newFakeEngine stands up the engine side of the hook link: a loopback HTTP
// server that authenticates the bearer token and hands upgraded connections
// to the test.
func newFakeEngine(t *testing.T, token string) (string, chan *websocket.Conn, func()) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/hook", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	})
	srv := httptest.NewServer(mux)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/hook", conns, srv.Close
}

func engineSend(t *testing.T, conn *websocket.Conn, msgType wire.MessageType, payload any) {
	t.Helper()
	env, err := wire.NewEnvelope(msgType, "", payload)
	if err != nil {
		t.Fatalf("build %s envelope: %v", msgType, err)
	}
	data, err := wire.MarshalEnvelope(env)
	if err != nil {
		t.Fatalf("marshal %s envelope: %v", msgType, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("write %s: %v", msgType, err)
	}
}

func engineRead(t *testing.T, conn *websocket.Conn) *wire.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("engine read: %v", err)
	}
	env, err := wire.UnmarshalEnvelope(msg)
	if err != nil {
		t.Fatalf("engine unmarshal: %v", err)
	}
	return env
}

// acceptWorker runs the engine half of the handshake and returns the link.
func acceptWorker(t *testing.T, conns chan *websocket.Conn, hbIntervalMS int) *websocket.Conn {
	t.Helper()
	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(3 * time.Second):
		t.Fatal("worker never connected")
	}

	env := engineRead(t, conn)
	var hello wire.HelloPayload
	if err := wire.DecodePayload(env, wire.MessageTypeHello, &hello); err != nil {
		t.Fatalf("decode hello: %v", err)
	}
	if hello.PID <= 0 {
		t.Fatalf("hello should carry the worker pid, got %d", hello.PID)
	}

	engineSend(t, conn, wire.MessageTypeClockRef, wire.ClockRefPayload{
		SessionID:           "test-session",
		MonoMS:              0,
		WallNS:              time.Now().UnixNano(),
		HeartbeatIntervalMS: hbIntervalMS,
	})
	return conn
}

func readReadyPayload(t *testing.T, conn *websocket.Conn) wire.ReadyPayload {
	t.Helper()
	env := engineRead(t, conn)
	var ready wire.ReadyPayload
	if err := wire.DecodePayload(env, wire.MessageTypeReady, &ready); err != nil {
		t.Fatalf("decode ready: %v", err)
	}
	return ready
}

func runWorker(ctx context.Context, opts Options) chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, opts) }()
	return errCh
}

func waitForRun(t *testing.T, errCh chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
		return nil
	}
}

func TestRunStreamsHeartbeatsAndDrains(t *testing.T) {
	url, conns, stop := newFakeEngine(t, "tok")
	defer stop()

	src := newManualSource()
	errCh := runWorker(context.Background(), Options{
		URL:           url,
		Token:         "tok",
		Source:        src,
		Modalities:    []string{"keyboard", "mouse"},
		Logger:        zap.NewNop(),
		BatchInterval: 10 * time.Millisecond,
	})

	conn := acceptWorker(t, conns, 30)
	if ready := readReadyPayload(t, conn); !ready.OK {
		t.Fatalf("expected ready ok, got %+v", ready)
	}

	src.ch <- keySample(1_000_000)
	src.ch <- moveSample(2_000_000)
	src.ch <- keySample(3_000_000)

	var samples []wire.InputSample
	heartbeats := 0
	for len(samples) < 3 {
		env := engineRead(t, conn)
		switch wire.MessageType(env.Type) {
		case wire.MessageTypeSamples:
			var batch wire.SampleBatchPayload
			if err := wire.DecodePayload(env, wire.MessageTypeSamples, &batch); err != nil {
				t.Fatalf("decode samples: %v", err)
			}
			samples = append(samples, batch.Samples...)
		case wire.MessageTypeHeartbeat:
			heartbeats++
		default:
			t.Fatalf("unexpected message type %q", env.Type)
		}
	}
	if samples[0].Kind != wire.SampleKindKey || samples[1].Kind != wire.SampleKindMouseMove {
		t.Fatalf("samples out of order: %+v", samples)
	}
	if samples[0].MonoNS != 1_000_000 {
		t.Fatalf("worker must not rewrite sample stamps, got %d", samples[0].MonoNS)
	}

	// Give the heartbeat ticker a chance if batches won the earlier races.
	deadline := time.Now().Add(time.Second)
	for heartbeats == 0 && time.Now().Before(deadline) {
		env := engineRead(t, conn)
		if wire.MessageType(env.Type) == wire.MessageTypeHeartbeat {
			heartbeats++
		}
	}
	if heartbeats == 0 {
		t.Fatal("worker never heartbeat")
	}

	engineSend(t, conn, wire.MessageTypeDrain, struct{}{})
	sawBye := false
	for !sawBye {
		env := engineRead(t, conn)
		if wire.MessageType(env.Type) == wire.MessageTypeBye {
			var bye wire.ByePayload
			if err := wire.DecodePayload(env, wire.MessageTypeBye, &bye); err != nil {
				t.Fatalf("decode bye: %v", err)
			}
			if bye.Sent != 3 {
				t.Fatalf("bye.Sent = %d, want 3", bye.Sent)
			}
			sawBye = true
		}
	}
	if err := waitForRun(t, errCh); err != nil {
		t.Fatalf("Run returned %v, want nil after drain", err)
	}
}

func TestRunFlushesBacklogAcrossBatches(t *testing.T) {
	url, conns, stop := newFakeEngine(t, "tok")
	defer stop()

	src := newManualSource()
	errCh := runWorker(context.Background(), Options{
		URL:    url,
		Token:  "tok",
		Source: src,
		Logger: zap.NewNop(),
		// Long tick so everything flushes on drain, not the timer.
		BatchInterval: 10 * time.Second,
	})

	conn := acceptWorker(t, conns, 10_000)
	if ready := readReadyPayload(t, conn); !ready.OK {
		t.Fatalf("expected ready ok, got %+v", ready)
	}

	const total = 150
	for i := 0; i < total; i++ {
		src.ch <- keySample(int64(i))
	}
	engineSend(t, conn, wire.MessageTypeDrain, struct{}{})

	received := 0
	batches := 0
	for {
		env := engineRead(t, conn)
		if wire.MessageType(env.Type) == wire.MessageTypeBye {
			break
		}
		if wire.MessageType(env.Type) != wire.MessageTypeSamples {
			continue
		}
		var batch wire.SampleBatchPayload
		if err := wire.DecodePayload(env, wire.MessageTypeSamples, &batch); err != nil {
			t.Fatalf("decode samples: %v", err)
		}
		if len(batch.Samples) > wire.MaxBatchSamples {
			t.Fatalf("batch of %d exceeds the %d cap", len(batch.Samples), wire.MaxBatchSamples)
		}
		received += len(batch.Samples)
		batches++
	}
	if received != total {
		t.Fatalf("received %d samples, want %d", received, total)
	}
	if batches < 3 {
		t.Fatalf("expected the backlog split across envelopes, got %d", batches)
	}
	if err := waitForRun(t, errCh); err != nil {
		t.Fatalf("Run returned %v, want nil", err)
	}
}

func TestRunReportsUnavailableSource(t *testing.T) {
	url, conns, stop := newFakeEngine(t, "tok")
	defer stop()

	src := newManualSource()
	src.startErr = errors.New("permission denied: accessibility")
	errCh := runWorker(context.Background(), Options{
		URL:    url,
		Token:  "tok",
		Source: src,
		Logger: zap.NewNop(),
	})

	conn := acceptWorker(t, conns, 1000)
	ready := readReadyPayload(t, conn)
	if ready.OK {
		t.Fatal("expected ready ok=false for an unavailable source")
	}
	if !strings.Contains(ready.Reason, "permission denied") {
		t.Fatalf("ready.Reason = %q, want the source error", ready.Reason)
	}
	if err := waitForRun(t, errCh); err != nil {
		t.Fatalf("Run returned %v; unavailable source is the engine's problem", err)
	}
}

func TestRunFailsWhenEngineUnreachable(t *testing.T) {
	src := newManualSource()
	err := Run(context.Background(), Options{
		URL:         "ws://127.0.0.1:1/hook",
		Token:       "tok",
		Source:      src,
		Logger:      zap.NewNop(),
		DialTimeout: 300 * time.Millisecond,
		Backoff:     &Backoff{Min: 20 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2.0},
	})
	if err == nil {
		t.Fatal("expected dial error")
	}
}

func TestRunStopsOnRejectedToken(t *testing.T) {
	url, _, stop := newFakeEngine(t, "right-token")
	defer stop()

	src := newManualSource()
	err := Run(context.Background(), Options{
		URL:         url,
		Token:       "wrong-token",
		Source:      src,
		Logger:      zap.NewNop(),
		DialTimeout: 5 * time.Second,
	})
	if err == nil || !strings.Contains(err.Error(), "rejected token") {
		t.Fatalf("expected terminal token rejection, got %v", err)
	}
}

func TestRunReportsSourceDeath(t *testing.T) {
	url, conns, stop := newFakeEngine(t, "tok")
	defer stop()

	src := newManualSource()
	errCh := runWorker(context.Background(), Options{
		URL:           url,
		Token:         "tok",
		Source:        src,
		Logger:        zap.NewNop(),
		BatchInterval: 10 * time.Millisecond,
	})

	conn := acceptWorker(t, conns, 10_000)
	if ready := readReadyPayload(t, conn); !ready.OK {
		t.Fatalf("expected ready ok, got %+v", ready)
	}

	src.ch <- keySample(42)
	src.die()

	// The worker still flushes what it had and says bye before exiting.
	received := 0
	for {
		env := engineRead(t, conn)
		if wire.MessageType(env.Type) == wire.MessageTypeBye {
			break
		}
		if wire.MessageType(env.Type) == wire.MessageTypeSamples {
			var batch wire.SampleBatchPayload
			if err := wire.DecodePayload(env, wire.MessageTypeSamples, &batch); err != nil {
				t.Fatalf("decode samples: %v", err)
			}
			received += len(batch.Samples)
		}
	}
	if received != 1 {
		t.Fatalf("received %d samples before bye, want 1", received)
	}
	err := waitForRun(t, errCh)
	if err == nil || !strings.Contains(err.Error(), "terminated unexpectedly") {
		t.Fatalf("Run = %v, want source-death error", err)
	}
}

func TestRunFlushesOnContextCancel(t *testing.T) {
	url, conns, stop := newFakeEngine(t, "tok")
	defer stop()

	ctx, cancel := context.WithCancel(context.Background())
	src := newManualSource()
	errCh := runWorker(ctx, Options{
		URL:           url,
		Token:         "tok",
		Source:        src,
		Logger:        zap.NewNop(),
		BatchInterval: 10 * time.Second,
	})

	conn := acceptWorker(t, conns, 10_000)
	if ready := readReadyPayload(t, conn); !ready.OK {
		t.Fatalf("expected ready ok, got %+v", ready)
	}

	src.ch <- keySample(7)
	cancel()

	received := 0
	for {
		env := engineRead(t, conn)
		if wire.MessageType(env.Type) == wire.MessageTypeBye {
			break
		}
		if wire.MessageType(env.Type) == wire.MessageTypeSamples {
			var batch wire.SampleBatchPayload
			if err := wire.DecodePayload(env, wire.MessageTypeSamples, &batch); err != nil {
				t.Fatalf("decode samples: %v", err)
			}
			received += len(batch.Samples)
		}
	}
	if received != 1 {
		t.Fatalf("received %d samples before bye, want 1", received)
	}
	if err := waitForRun(t, errCh); err != nil {
		t.Fatalf("Run returned %v, want nil on cancel", err)
	}
}
