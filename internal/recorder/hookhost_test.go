package recorder

import (
	"context"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldtape/fieldtape/internal/config"
	"github.com/fieldtape/fieldtape/internal/wire"
)

type fakeWorkerHandle struct {
	done   chan struct{}
	once   sync.Once
	killed atomic.Bool
}

func newFakeWorkerHandle() *fakeWorkerHandle {
	return &fakeWorkerHandle{done: make(chan struct{})}
}

func (w *fakeWorkerHandle) Done() <-chan struct{} { return w.done }
func (w *fakeWorkerHandle) Err() error            { return nil }

func (w *fakeWorkerHandle) Kill() error {
	w.killed.Store(true)
	w.exit()
	return nil
}

func (w *fakeWorkerHandle) exit() {
	w.once.Do(func() { close(w.done) })
}

func hookTestConfig() *config.Config {
	cfg := config.Default()
	cfg.StartupTimeoutMS = 3000
	cfg.HeartbeatIntervalMS = 100
	cfg.HeartbeatMisses = 5
	cfg.StopGracePeriodMS = 3000
	return cfg
}

func dialHook(t *testing.T, wsURL, token string) *websocket.Conn {
	t.Helper()
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Errorf("worker dial failed: %v", err)
		return nil
	}
	return conn
}

func sendHookEnvelope(t *testing.T, conn *websocket.Conn, msgType wire.MessageType, payload any) {
	t.Helper()
	env, err := wire.NewEnvelope(msgType, "", payload)
	if err != nil {
		t.Errorf("build %s envelope: %v", msgType, err)
		return
	}
	data, err := wire.MarshalEnvelope(env)
	if err != nil {
		t.Errorf("marshal %s envelope: %v", msgType, err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Errorf("write %s envelope: %v", msgType, err)
	}
}

func readHookEnvelope(t *testing.T, conn *websocket.Conn) *wire.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Errorf("worker read failed: %v", err)
		return nil
	}
	env, err := wire.UnmarshalEnvelope(data)
	if err != nil {
		t.Errorf("worker unmarshal failed: %v", err)
		return nil
	}
	return env
}

func collectEvents(t *testing.T, ch <-chan InputEvent, n int) []InputEvent {
	t.Helper()
	out := make([]InputEvent, 0, n)
	deadline := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("event channel closed after %d of %d events", len(out), n)
			}
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestHookHostHandshakeSamplesAndDrain(t *testing.T) {
	const workerRefNS = int64(1_000_000_000)

	handle := newFakeWorkerHandle()
	var workerWG sync.WaitGroup
	launcher := WorkerLauncherFunc(func(wsURL, token string) (WorkerHandle, error) {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			defer handle.exit()
			conn := dialHook(t, wsURL, token)
			if conn == nil {
				return
			}
			defer conn.Close()

			sendHookEnvelope(t, conn, wire.MessageTypeHello, wire.HelloPayload{
				PID:        os.Getpid(),
				Source:     "synthetic",
				Modalities: []string{"keyboard", "mouse"},
				MonoNS:     workerRefNS,
				WallNS:     time.Now().UnixNano(),
			})

			env := readHookEnvelope(t, conn)
			if env == nil {
				return
			}
			var ref wire.ClockRefPayload
			if err := wire.DecodePayload(env, wire.MessageTypeClockRef, &ref); err != nil {
				t.Errorf("decode clock_ref: %v", err)
				return
			}
			if ref.HeartbeatIntervalMS != 100 {
				t.Errorf("clock_ref heartbeat interval = %d, want 100", ref.HeartbeatIntervalMS)
			}

			sendHookEnvelope(t, conn, wire.MessageTypeReady, wire.ReadyPayload{OK: true})

			sendHookEnvelope(t, conn, wire.MessageTypeSamples, wire.SampleBatchPayload{
				Samples: []wire.InputSample{
					{Kind: wire.SampleKindKey, MonoNS: workerRefNS + 5e6, Key: "a", Action: wire.ActionPress},
					{Kind: wire.SampleKindMouseMove, MonoNS: workerRefNS + 10e6, X: 10, Y: 20},
					{Kind: wire.SampleKindMouseButton, MonoNS: workerRefNS + 15e6, X: 10, Y: 20, Button: "left", Action: wire.ActionPress},
				},
			})
			sendHookEnvelope(t, conn, wire.MessageTypeHeartbeat, wire.HeartbeatPayload{MonoNS: workerRefNS + 16e6, Sent: 3})

			// Wait for the drain request, then finish cleanly.
			for {
				env := readHookEnvelope(t, conn)
				if env == nil {
					return
				}
				if env.Type == string(wire.MessageTypeDrain) {
					sendHookEnvelope(t, conn, wire.MessageTypeBye, wire.ByePayload{Sent: 3})
					return
				}
			}
		}()
		return handle, nil
	})

	host := NewHookHost("sess-1", wire.NewClock(), hookTestConfig(), []string{"keyboard", "mouse"}, launcher, nil, zap.NewNop())
	ch, err := host.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	events := collectEvents(t, ch, 3)
	if events[0].Kind != wire.SampleKindKey || events[0].Key != "a" {
		t.Errorf("first event = %+v, want key a", events[0])
	}
	if got := events[1].MonoMS - events[0].MonoMS; got != 5 {
		t.Errorf("rebased gap = %dms, want 5ms", got)
	}
	if events[2].Button != "left" {
		t.Errorf("third event button = %q, want left", events[2].Button)
	}
	for i, ev := range events {
		if ev.MonoMS < 0 {
			t.Errorf("event %d has negative mono stamp %d", i, ev.MonoMS)
		}
		if ev.Wall.IsZero() {
			t.Errorf("event %d missing wall stamp", i)
		}
	}

	if err := host.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("event channel still open after Stop")
	}
	workerWG.Wait()
	if handle.killed.Load() {
		t.Error("worker was killed despite draining cleanly")
	}
}

func TestHookHostReportsUnavailableSource(t *testing.T) {
	handle := newFakeWorkerHandle()
	launcher := WorkerLauncherFunc(func(wsURL, token string) (WorkerHandle, error) {
		go func() {
			defer handle.exit()
			conn := dialHook(t, wsURL, token)
			if conn == nil {
				return
			}
			defer conn.Close()
			sendHookEnvelope(t, conn, wire.MessageTypeHello, wire.HelloPayload{
				PID: os.Getpid(), Source: "hooks", MonoNS: 1, WallNS: time.Now().UnixNano(),
			})
			if env := readHookEnvelope(t, conn); env == nil {
				return
			}
			sendHookEnvelope(t, conn, wire.MessageTypeReady, wire.ReadyPayload{OK: false, Reason: "permission denied"})
		}()
		return handle, nil
	})

	host := NewHookHost("sess-2", wire.NewClock(), hookTestConfig(), []string{"keyboard"}, launcher, nil, zap.NewNop())
	_, err := host.Start(context.Background())
	if err == nil {
		t.Fatal("expected Start to fail for unavailable source")
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Errorf("error %q does not carry the worker reason", err)
	}
	host.Stop()
}

func TestHookHostStartFailsWhenWorkerExitsEarly(t *testing.T) {
	handle := newFakeWorkerHandle()
	launcher := WorkerLauncherFunc(func(wsURL, token string) (WorkerHandle, error) {
		handle.exit()
		return handle, nil
	})

	host := NewHookHost("sess-3", wire.NewClock(), hookTestConfig(), []string{"keyboard"}, launcher, nil, zap.NewNop())
	if _, err := host.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail when worker exits before ready")
	}
	host.Stop()
}

func TestHookHostStartupTimeout(t *testing.T) {
	cfg := hookTestConfig()
	cfg.StartupTimeoutMS = 150

	handle := newFakeWorkerHandle()
	launcher := WorkerLauncherFunc(func(wsURL, token string) (WorkerHandle, error) {
		// Worker never connects.
		return handle, nil
	})

	host := NewHookHost("sess-4", wire.NewClock(), cfg, []string{"keyboard"}, launcher, nil, zap.NewNop())
	if _, err := host.Start(context.Background()); err == nil {
		t.Fatal("expected Start to time out")
	}
	if !handle.killed.Load() {
		t.Error("unresponsive worker was not killed")
	}
	host.Stop()
}

func TestHookHostRejectsBadToken(t *testing.T) {
	handle := newFakeWorkerHandle()
	dialErr := make(chan error, 1)
	launcher := WorkerLauncherFunc(func(wsURL, token string) (WorkerHandle, error) {
		go func() {
			header := http.Header{"Authorization": {"Bearer wrong-token"}}
			_, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
			if resp != nil && resp.Body != nil {
				resp.Body.Close()
			}
			dialErr <- err
			handle.exit()
		}()
		return handle, nil
	})

	cfg := hookTestConfig()
	cfg.StartupTimeoutMS = 500
	host := NewHookHost("sess-5", wire.NewClock(), cfg, []string{"keyboard"}, launcher, nil, zap.NewNop())
	if _, err := host.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail when the worker cannot authenticate")
	}
	if err := <-dialErr; err == nil {
		t.Error("expected dial with bad token to be rejected")
	}
	host.Stop()
}

func TestHookHostClosesEventsOnWorkerDeath(t *testing.T) {
	handle := newFakeWorkerHandle()
	launcher := WorkerLauncherFunc(func(wsURL, token string) (WorkerHandle, error) {
		go func() {
			conn := dialHook(t, wsURL, token)
			if conn == nil {
				handle.exit()
				return
			}
			sendHookEnvelope(t, conn, wire.MessageTypeHello, wire.HelloPayload{
				PID: os.Getpid(), Source: "hooks", MonoNS: 1, WallNS: time.Now().UnixNano(),
			})
			if env := readHookEnvelope(t, conn); env == nil {
				handle.exit()
				return
			}
			sendHookEnvelope(t, conn, wire.MessageTypeReady, wire.ReadyPayload{OK: true})
			// Crash without a bye.
			conn.Close()
			handle.exit()
		}()
		return handle, nil
	})

	host := NewHookHost("sess-6", wire.NewClock(), hookTestConfig(), []string{"keyboard"}, launcher, nil, zap.NewNop())
	ch, err := host.Start(context.Background())
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Error("expected channel close, got event")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("event channel did not close after worker death")
	}
	host.Stop()
}
