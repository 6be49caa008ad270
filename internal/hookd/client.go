package hookd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldtape/fieldtape/internal/wire"
)

const (
	writeWait        = 5 * time.Second
	handshakeTimeout = 3 * time.Second
	defaultDialWait  = 5 * time.Second
	defaultBatchTick = 25 * time.Millisecond
	defaultQueueCap  = 4096
	defaultHeartbeat = time.Second
)

// Options configure a worker run.
type Options struct {
	// URL is the engine's loopback hook endpoint (ws://127.0.0.1:PORT/hook).
	URL string
	// Token authenticates the link; the engine mints one per session.
	Token string
	// Source produces the input samples to stream.
	Source Source
	// Modalities restricts what the worker reports capturing.
	Modalities []string
	Logger     *zap.Logger

	// DialTimeout bounds the total time spent connecting, retries included.
	DialTimeout time.Duration
	// BatchInterval is how often queued samples are flushed to the engine.
	BatchInterval time.Duration
	// QueueCapacity bounds the sample buffer between hook and link.
	QueueCapacity int
	Backoff       *Backoff
}

func (o *Options) fillDefaults() {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialWait
	}
	if o.BatchInterval <= 0 {
		o.BatchInterval = defaultBatchTick
	}
	if o.QueueCapacity <= 0 {
		o.QueueCapacity = defaultQueueCap
	}
	if o.Backoff == nil {
		o.Backoff = DefaultBackoff()
	}
}

// Run connects to the engine, brings up the hook source, and streams samples
// until the engine drains the link or ctx is cancelled. A source that cannot
// start is reported over the link (ready ok=false) and Run returns nil: the
// engine, not the worker, decides what an unavailable source means.
func Run(ctx context.Context, opts Options) error {
	if opts.URL == "" || opts.Token == "" {
		return fmt.Errorf("validation error: connect URL and token are required")
	}
	if opts.Source == nil {
		return fmt.Errorf("validation error: no input source configured")
	}
	opts.fillDefaults()

	conn, err := dialEngine(ctx, opts)
	if err != nil {
		return err
	}
	defer conn.Close()

	w := &worker{
		conn:   conn,
		source: opts.Source,
		queue:  newSampleQueue(opts.QueueCapacity),
		logger: opts.Logger.With(zap.String("source", opts.Source.Name())),
		opts:   opts,
	}
	return w.run(ctx)
}

// dialEngine retries the loopback dial with jittered backoff until
// DialTimeout elapses. A 401 is terminal: the token will not get better.
func dialEngine(ctx context.Context, opts Options) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+opts.Token)
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	deadline := time.Now().Add(opts.DialTimeout)

	for {
		conn, resp, err := dialer.DialContext(ctx, opts.URL, header)
		if err == nil {
			return conn, nil
		}
		if resp != nil {
			rejected := resp.StatusCode == http.StatusUnauthorized
			resp.Body.Close()
			if rejected {
				return nil, fmt.Errorf("engine rejected token: %w", err)
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
		}

		wait := opts.Backoff.Duration()
		opts.Logger.Debug("dial failed; retrying",
			zap.Error(err),
			zap.Duration("backoff", wait),
			zap.Int("attempt", opts.Backoff.Attempt()),
		)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

type worker struct {
	conn   *websocket.Conn
	source Source
	queue  *sampleQueue
	logger *zap.Logger
	opts   Options
}

func (w *worker) run(ctx context.Context) error {
	ref, err := w.handshake()
	if err != nil {
		return err
	}
	w.logger = w.logger.With(zap.String("session_id", ref.SessionID))

	srcCtx, cancelSource := context.WithCancel(context.Background())
	defer cancelSource()

	samples, err := w.source.Start(srcCtx)
	if err != nil {
		w.logger.Warn("hook source unavailable", zap.Error(err))
		if sendErr := w.send(wire.MessageTypeReady, wire.ReadyPayload{OK: false, Reason: err.Error()}); sendErr != nil {
			return fmt.Errorf("report unavailable source: %w", sendErr)
		}
		return nil
	}
	if err := w.send(wire.MessageTypeReady, wire.ReadyPayload{OK: true}); err != nil {
		w.stopSource(samples)
		return fmt.Errorf("send ready: %w", err)
	}
	w.logger.Info("hook source live", zap.Strings("modalities", w.opts.Modalities))

	hbInterval := time.Duration(ref.HeartbeatIntervalMS) * time.Millisecond
	if hbInterval <= 0 {
		hbInterval = defaultHeartbeat
	}
	return w.stream(ctx, samples, hbInterval)
}

// handshake sends hello with a freshly read clock pair and waits for the
// engine's clock_ref.
func (w *worker) handshake() (*wire.ClockRefPayload, error) {
	hello := wire.HelloPayload{
		PID:        os.Getpid(),
		Source:     w.source.Name(),
		Modalities: w.opts.Modalities,
		MonoNS:     monoNS(),
		WallNS:     time.Now().UnixNano(),
	}
	if err := w.send(wire.MessageTypeHello, hello); err != nil {
		return nil, fmt.Errorf("send hello: %w", err)
	}

	w.conn.SetReadDeadline(time.Now().Add(w.opts.DialTimeout))
	_, msg, err := w.conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read clock_ref: %w", err)
	}
	env, err := wire.UnmarshalEnvelope(msg)
	if err != nil {
		return nil, fmt.Errorf("read clock_ref: %w", err)
	}
	var ref wire.ClockRefPayload
	if err := wire.DecodePayload(env, wire.MessageTypeClockRef, &ref); err != nil {
		return nil, err
	}
	return &ref, nil
}

// stream is the worker's main loop: queue samples from the source, flush
// batches on a tick, heartbeat, and react to drain or link loss.
func (w *worker) stream(ctx context.Context, samples <-chan wire.InputSample, hbInterval time.Duration) error {
	// The pump only reads; all writes happen on this goroutine.
	w.conn.SetReadDeadline(time.Time{})
	drainCh := make(chan struct{})
	readErr := make(chan error, 1)
	var drainOnce sync.Once
	go w.readPump(drainCh, readErr, &drainOnce)

	batchTicker := time.NewTicker(w.opts.BatchInterval)
	defer batchTicker.Stop()
	hbTicker := time.NewTicker(hbInterval)
	defer hbTicker.Stop()

	for {
		select {
		case s, ok := <-samples:
			if !ok {
				w.logger.Error("hook source terminated unexpectedly")
				w.finish()
				return fmt.Errorf("hook source terminated unexpectedly")
			}
			w.queue.Push(s)

		case <-batchTicker.C:
			if err := w.flushBatches(); err != nil {
				w.stopSource(samples)
				return fmt.Errorf("send samples: %w", err)
			}

		case <-hbTicker.C:
			hb := wire.HeartbeatPayload{
				MonoNS:  monoNS(),
				Sent:    w.queue.Sent(),
				Dropped: w.queue.Dropped(),
			}
			if err := w.send(wire.MessageTypeHeartbeat, hb); err != nil {
				w.stopSource(samples)
				return fmt.Errorf("send heartbeat: %w", err)
			}

		case <-drainCh:
			w.logger.Info("drain requested")
			w.stopSource(samples)
			w.finish()
			return nil

		case err := <-readErr:
			w.logger.Error("engine link lost", zap.Error(err))
			w.stopSource(samples)
			return fmt.Errorf("engine link lost: %w", err)

		case <-ctx.Done():
			w.logger.Info("shutting down", zap.Error(ctx.Err()))
			w.stopSource(samples)
			w.finish()
			return nil
		}
	}
}

// readPump watches the link for the engine's drain request.
func (w *worker) readPump(drainCh chan struct{}, readErr chan error, drainOnce *sync.Once) {
	for {
		_, msg, err := w.conn.ReadMessage()
		if err != nil {
			select {
			case readErr <- err:
			default:
			}
			return
		}
		env, err := wire.UnmarshalEnvelope(msg)
		if err != nil {
			w.logger.Warn("invalid message from engine", zap.Error(err))
			continue
		}
		switch wire.MessageType(env.Type) {
		case wire.MessageTypeDrain:
			drainOnce.Do(func() { close(drainCh) })
		default:
			w.logger.Warn("unexpected message from engine", zap.String("type", env.Type))
		}
	}
}

// stopSource stops the source and drains whatever it flushed on the way out
// so those samples still make the final batches.
func (w *worker) stopSource(samples <-chan wire.InputSample) {
	if samples == nil {
		return
	}
	if err := w.source.Stop(); err != nil {
		w.logger.Warn("stopping hook source", zap.Error(err))
	}
	for s := range samples {
		w.queue.Push(s)
	}
}

// finish flushes every queued sample and says bye with the final counters.
func (w *worker) finish() {
	if err := w.flushBatches(); err != nil {
		w.logger.Warn("final flush failed", zap.Error(err))
		return
	}
	bye := wire.ByePayload{Sent: w.queue.Sent(), Dropped: w.queue.Dropped()}
	if err := w.send(wire.MessageTypeBye, bye); err != nil {
		w.logger.Warn("send bye failed", zap.Error(err))
		return
	}
	w.logger.Info("drained", zap.Uint64("sent", bye.Sent), zap.Uint64("dropped", bye.Dropped))
}

// flushBatches empties the queue in MaxBatchSamples-sized envelopes.
func (w *worker) flushBatches() error {
	for {
		batch := w.queue.TakeBatch(wire.MaxBatchSamples)
		if len(batch) == 0 {
			return nil
		}
		if err := w.send(wire.MessageTypeSamples, wire.SampleBatchPayload{Samples: batch}); err != nil {
			return err
		}
	}
}

func (w *worker) send(msgType wire.MessageType, payload any) error {
	env, err := wire.NewEnvelope(msgType, "", payload)
	if err != nil {
		return err
	}
	data, err := wire.MarshalEnvelope(env)
	if err != nil {
		return err
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}
