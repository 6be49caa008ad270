package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/kbinani/screenshot"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/fieldtape/fieldtape/internal/config"
	"github.com/fieldtape/fieldtape/internal/export"
	"github.com/fieldtape/fieldtape/internal/recorder"
	"github.com/fieldtape/fieldtape/internal/session"
	"github.com/fieldtape/fieldtape/internal/store"
)

// Exit codes. Scripts drive the recorder, so the failure classes callers
// branch on get stable numbers.
const (
	exitError            = 1
	exitAlreadyRecording = 2
	exitQuotaExceeded    = 3
	exitStillRecording   = 4
	exitIncomplete       = 5
	exitNotFound         = 6
)

var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to the config file")
	format      = flag.String("format", "table", "Output format: table or json")
	detail      = flag.Bool("detail", false, "Include per-modality outcomes in 'list'")
	sessionName = flag.String("name", "", "Session name for 'start' (default derives from the start time)")
	metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address while recording")
	outPath     = flag.String("output", "", "Archive destination file or directory for 'export'")
	assumeYes   = flag.Bool("yes", false, "Skip the confirmation prompt for 'delete'")

	noKeyboard = flag.Bool("no-keyboard", false, "Disable keyboard capture for 'start'")
	noMouse    = flag.Bool("no-mouse", false, "Disable mouse capture for 'start'")
	noScreen   = flag.Bool("no-screen", false, "Disable screen capture for 'start'")
	noAudio    = flag.Bool("no-audio", false, "Disable audio capture for 'start'")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(exitError)
	}

	switch args[0] {
	case "start":
		handleStart()
	case "stop":
		handleStop()
	case "status":
		handleStatus()
	case "list":
		handleList()
	case "show":
		handleShow(args[1:])
	case "export":
		handleExport(args[1:])
	case "delete":
		handleDelete(args[1:])
	case "config":
		handleConfig(args[1:])
	case "doctor":
		handleDoctor()
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		os.Exit(exitError)
	}
}

func handleStart() {
	cfg := mustConfig()
	if err := applyModalityFlags(cfg); err != nil {
		fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitError)
	}
	defer logger.Sync()

	st := openIndex(cfg, logger)
	defer st.Close()

	metrics := recorder.InitMetrics()
	if *metricsAddr != "" {
		srv := &http.Server{Addr: *metricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		defer srv.Close()
		logger.Info("metrics server listening", zap.String("addr", *metricsAddr))
	}

	ctrl := recorder.NewController(cfg, st, metrics, logger)

	// Registered before Start so a Ctrl-C during startup is not lost.
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	meta, err := ctrl.Start(context.Background(), *sessionName)
	if err != nil {
		fatal(err)
	}
	done := ctrl.Done()

	fmt.Printf("Recording session %s (%s)\n", shortID(meta.SessionID), meta.Name)
	fmt.Printf("  modalities: %s\n", formatModalities(meta.Modalities))
	fmt.Printf("  directory:  %s\n", session.Dir(cfg.DataPath, meta.SessionID))
	fmt.Println("Press Ctrl-C or run 'fieldtape stop' to finish.")

	var final *session.Metadata
	var stopErr error
	select {
	case sig := <-sigChan:
		fmt.Printf("\nStopping (%s)...\n", sig)
		final, stopErr = ctrl.Stop(context.Background(), session.EndReasonUserRequested)
		if errors.Is(stopErr, recorder.ErrNotRecording) {
			// The session ended on its own while the signal was in flight.
			final, stopErr = ctrl.Last(), nil
		}
		if stopErr != nil {
			logger.Error("stop finished with errors", zap.Error(stopErr))
		}
	case <-done:
		final = ctrl.Last()
	}

	if final == nil {
		fmt.Fprintf(os.Stderr, "Error: session did not finalize\n")
		os.Exit(exitError)
	}
	printSessionSummary(final)

	if final.EndReason == session.EndReasonQuotaExceeded {
		fmt.Fprintf(os.Stderr, "Error: %v\n", recorder.ErrQuotaExceeded)
		os.Exit(exitQuotaExceeded)
	}
	if final.Status != session.StatusStopped || stopErr != nil {
		os.Exit(exitError)
	}
}

// applyModalityFlags strips the modalities disabled on the command line from
// an already validated config. Validate refills an empty list with defaults,
// so the all-disabled case is rejected here instead.
func applyModalityFlags(cfg *config.Config) error {
	disabled := map[string]bool{
		config.ModalityKeyboard: *noKeyboard,
		config.ModalityMouse:    *noMouse,
		config.ModalityScreen:   *noScreen,
		config.ModalityAudio:    *noAudio,
	}
	kept := make([]string, 0, len(cfg.Modalities))
	for _, m := range cfg.Modalities {
		if !disabled[m] {
			kept = append(kept, m)
		}
	}
	if len(kept) == 0 {
		return errors.New("validation error: every capture modality is disabled")
	}
	cfg.Modalities = kept
	return nil
}

func handleStop() {
	cfg := mustConfig()

	pid, alive := store.LockHolder(cfg.DataPath)
	if !alive {
		fmt.Fprintf(os.Stderr, "Error: %v\n", recorder.ErrNotRecording)
		os.Exit(exitError)
	}

	proc, err := os.FindProcess(pid)
	if err == nil {
		err = proc.Signal(syscall.SIGTERM)
	}
	if err != nil {
		fatal(fmt.Errorf("signal engine (pid %d): %w", pid, err))
	}
	fmt.Printf("Stopping engine (pid %d)...\n", pid)

	// The engine releases the lock once the session is finalized.
	wait := cfg.StopGracePeriod() + 10*time.Second
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if _, held := store.LockHolder(cfg.DataPath); !held {
			reportStopped(cfg)
			return
		}
		time.Sleep(200 * time.Millisecond)
	}
	fmt.Fprintf(os.Stderr, "Error: engine (pid %d) did not release %s within %s\n",
		pid, store.LockFileName, wait)
	os.Exit(exitError)
}

// reportStopped names the finished session, best effort: the index row is
// committed before the lock is released, but the exiting engine may still
// hold the database open.
func reportStopped(cfg *config.Config) {
	st, err := store.Open(filepath.Join(cfg.DataPath, store.IndexFileName), zap.NewNop())
	if err == nil {
		defer st.Close()
		if rows := st.List(); len(rows) > 0 {
			rec := rows[0]
			fmt.Printf("Recording stopped: session %s (%s, %s)\n",
				shortID(rec.ID), rec.Name, humanBytes(rec.Totals.Bytes))
			return
		}
	}
	fmt.Println("Recording stopped.")
}

func handleStatus() {
	cfg := mustConfig()

	pid, alive := store.LockHolder(cfg.DataPath)

	st := openIndex(cfg, zap.NewNop())
	defer st.Close()

	records := st.List()
	var live *store.Record
	for i := range records {
		if !records[i].Status.Terminal() {
			live = &records[i]
			break
		}
	}

	if *format == "json" {
		out := statusJSON{
			Engine:     "idle",
			Sessions:   len(records),
			TotalBytes: st.TotalBytes(),
			QuotaBytes: cfg.MaxStorageBytes,
		}
		if alive {
			out.Engine = "running"
			out.EnginePID = pid
		}
		if live != nil {
			v := sessionView(*live)
			out.Recording = &v
		}
		printJSON(out)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	if alive {
		fmt.Fprintf(w, "ENGINE\trunning (pid %d)\n", pid)
	} else {
		fmt.Fprintf(w, "ENGINE\tidle\n")
	}
	fmt.Fprintf(w, "DATA_PATH\t%s\n", cfg.DataPath)
	fmt.Fprintf(w, "SESSIONS\t%d\n", len(records))
	fmt.Fprintf(w, "TOTAL_SIZE\t%s\n", humanBytes(st.TotalBytes()))
	if cfg.MaxStorageBytes > 0 {
		fmt.Fprintf(w, "QUOTA\t%s\n", humanBytes(cfg.MaxStorageBytes))
	} else {
		fmt.Fprintf(w, "QUOTA\toff\n")
	}
	if live != nil {
		fmt.Fprintf(w, "RECORDING\t%s (%s, started %s)\n",
			shortID(live.ID), live.Name, live.StartedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
}

func handleList() {
	cfg := mustConfig()
	st := openIndex(cfg, zap.NewNop())
	defer st.Close()

	records := st.List()
	if *format == "json" {
		views := make([]sessionDetailJSON, 0, len(records))
		for _, rec := range records {
			v := sessionDetailJSON{sessionJSON: sessionView(rec)}
			if *detail {
				if meta, err := st.Metadata(rec); err == nil {
					v.Modalities = meta.Modalities
				}
			}
			views = append(views, v)
		}
		printJSON(views)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	header := "ID\tNAME\tSTATUS\tSTARTED_AT\tDURATION\tEVENTS\tFRAMES\tSIZE\tEND_REASON"
	if *detail {
		header += "\tMODALITIES"
	}
	fmt.Fprintln(w, header)
	for _, rec := range records {
		duration := "-"
		if !rec.EndedAt.IsZero() {
			duration = formatDuration(rec.EndedAt.Sub(rec.StartedAt))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%s\t%s",
			shortID(rec.ID), rec.Name, rec.Status,
			rec.StartedAt.Format("2006-01-02 15:04:05"), duration,
			rec.Totals.KeyboardEvents+rec.Totals.MouseEvents,
			rec.Totals.Frames, humanBytes(rec.Totals.Bytes), rec.EndReason)
		if *detail {
			// Descriptor reads go through the metadata cache; a session whose
			// descriptor is unreadable still lists from the index row.
			if meta, err := st.Metadata(rec); err == nil {
				fmt.Fprintf(w, "\t%s", formatModalities(meta.Modalities))
			} else {
				fmt.Fprintf(w, "\t%s", strings.Join(rec.Modalities, ", "))
			}
		}
		fmt.Fprintln(w)
	}
	w.Flush()
}

func handleShow(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: show requires a session id\n")
		os.Exit(exitError)
	}
	cfg := mustConfig()
	st := openIndex(cfg, zap.NewNop())
	defer st.Close()

	rec, err := st.Resolve(args[0])
	if err != nil {
		fatal(err)
	}
	meta, metaErr := st.Metadata(rec)

	if *format == "json" {
		if metaErr == nil {
			printJSON(meta)
		} else {
			printJSON(sessionView(rec))
		}
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintf(w, "ID\t%s\n", rec.ID)
	fmt.Fprintf(w, "NAME\t%s\n", rec.Name)
	fmt.Fprintf(w, "STATUS\t%s\n", rec.Status)
	if rec.EndReason != "" {
		fmt.Fprintf(w, "END_REASON\t%s\n", rec.EndReason)
	}
	fmt.Fprintf(w, "STARTED_AT\t%s\n", rec.StartedAt.Format("2006-01-02 15:04:05"))
	if !rec.EndedAt.IsZero() {
		fmt.Fprintf(w, "ENDED_AT\t%s\n", rec.EndedAt.Format("2006-01-02 15:04:05"))
		fmt.Fprintf(w, "DURATION\t%s\n", formatDuration(rec.EndedAt.Sub(rec.StartedAt)))
	}
	if metaErr == nil {
		fmt.Fprintf(w, "MODALITIES\t%s\n", formatModalities(meta.Modalities))
	} else {
		fmt.Fprintf(w, "MODALITIES\t%s\n", strings.Join(rec.Modalities, ", "))
	}
	fmt.Fprintf(w, "KEYBOARD_EVENTS\t%d\n", rec.Totals.KeyboardEvents)
	fmt.Fprintf(w, "MOUSE_EVENTS\t%d\n", rec.Totals.MouseEvents)
	if rec.Totals.EventsDropped > 0 {
		fmt.Fprintf(w, "EVENTS_DROPPED\t%d\n", rec.Totals.EventsDropped)
	}
	fmt.Fprintf(w, "FRAMES\t%d\n", rec.Totals.Frames)
	if rec.Totals.FramesDropped > 0 {
		fmt.Fprintf(w, "FRAMES_DROPPED\t%d\n", rec.Totals.FramesDropped)
	}
	if rec.Totals.AudioChunks > 0 || rec.Totals.AudioChunksDropped > 0 {
		fmt.Fprintf(w, "AUDIO_CHUNKS\t%d\n", rec.Totals.AudioChunks)
	}
	fmt.Fprintf(w, "SIZE\t%s\n", humanBytes(rec.Totals.Bytes))
	fmt.Fprintf(w, "DIR\t%s\n", rec.Dir)
	w.Flush()
}

func handleExport(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: export requires a session id\n")
		os.Exit(exitError)
	}
	cfg := mustConfig()
	st := openIndex(cfg, zap.NewNop())
	defer st.Close()

	rec, err := st.Resolve(args[0])
	if err != nil {
		fatal(err)
	}
	meta, err := st.Metadata(rec)
	if err != nil {
		fatal(fmt.Errorf("%w: %v", export.ErrIncompleteSession, err))
	}

	dest := *outPath
	if dest == "" {
		dest = export.ArchiveName(meta)
	} else if info, serr := os.Stat(dest); serr == nil && info.IsDir() {
		dest = filepath.Join(dest, export.ArchiveName(meta))
	}

	res, err := export.Session(rec.Dir, dest, zap.NewNop())
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Exported session %s to %s (%d files, %s)\n",
		shortID(rec.ID), res.Path, res.Files, humanBytes(res.Bytes))
}

func handleDelete(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: delete requires a session id\n")
		os.Exit(exitError)
	}
	cfg := mustConfig()
	st := openIndex(cfg, zap.NewNop())
	defer st.Close()

	rec, err := st.Resolve(args[0])
	if err != nil {
		fatal(err)
	}
	if !rec.Status.Terminal() {
		if _, held := store.LockHolder(cfg.DataPath); held {
			fmt.Fprintf(os.Stderr, "Error: session %s is still recording; stop it first\n", shortID(rec.ID))
			os.Exit(exitStillRecording)
		}
	}
	// The index is the only trusted source of directory paths; still refuse
	// anything that is not shaped like a session directory.
	if filepath.Base(rec.Dir) != session.DirName(rec.ID) {
		fatal(fmt.Errorf("refusing to delete %s: not the directory of session %s", rec.Dir, rec.ID))
	}
	if !*assumeYes && !confirmDelete(rec) {
		fmt.Println("Aborted.")
		return
	}
	if err := os.RemoveAll(rec.Dir); err != nil {
		fatal(err)
	}
	if err := st.Delete(rec.ID); err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		fatal(err)
	}
	fmt.Printf("Deleted session %s (%s)\n", shortID(rec.ID), humanBytes(rec.Totals.Bytes))
}

func confirmDelete(rec store.Record) bool {
	fmt.Printf("Delete session %s (%s, %s)? [y/N]: ",
		shortID(rec.ID), rec.Name, humanBytes(rec.Totals.Bytes))
	input, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes":
		return true
	}
	return false
}

func handleConfig(args []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "Error: config command requires subcommand (get, set, path)\n")
		os.Exit(exitError)
	}

	switch args[0] {
	case "get":
		cfg := mustConfig()
		if len(args) >= 2 {
			printConfigKey(cfg, args[1])
			return
		}
		if *format == "json" {
			printJSON(cfg)
		} else {
			printConfigTable(cfg)
		}
	case "set":
		if len(args) < 3 {
			fmt.Fprintf(os.Stderr, "Error: usage is 'fieldtape config set <key> <value>'\n")
			os.Exit(exitError)
		}
		if err := setConfigKey(*configPath, args[1], args[2]); err != nil {
			fatal(err)
		}
	case "path":
		fmt.Println(*configPath)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown config subcommand %q\n", args[0])
		os.Exit(exitError)
	}
}

func handleDoctor() {
	cfg := mustConfig()

	type check struct {
		Name   string `json:"check"`
		OK     bool   `json:"ok"`
		Detail string `json:"detail"`
	}
	var checks []check
	add := func(name string, ok bool, detail string) {
		checks = append(checks, check{Name: name, OK: ok, Detail: detail})
	}

	add("config", true, *configPath)

	if err := os.MkdirAll(cfg.DataPath, 0o755); err != nil {
		add("data path", false, err.Error())
	} else if probe, err := os.CreateTemp(cfg.DataPath, ".doctor-*"); err != nil {
		add("data path", false, fmt.Sprintf("not writable: %v", err))
	} else {
		probe.Close()
		os.Remove(probe.Name())
		add("data path", true, cfg.DataPath)
	}

	if st, err := store.Open(filepath.Join(cfg.DataPath, store.IndexFileName), zap.NewNop()); err != nil {
		add("session index", false, err.Error())
	} else {
		detail := fmt.Sprintf("%d sessions, %s used", len(st.List()), humanBytes(st.TotalBytes()))
		if skipped := st.RecoveryErrorCount(); skipped > 0 {
			detail += fmt.Sprintf(", %d corrupt rows skipped", skipped)
		}
		add("session index", true, detail)
		st.Close()
	}

	if pid, alive := store.LockHolder(cfg.DataPath); alive {
		add("engine lock", true, fmt.Sprintf("held by pid %d (engine running)", pid))
	} else {
		add("engine lock", true, "free")
	}

	if cfg.HasModality(config.ModalityScreen) {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		version, err := recorder.NewFFmpegProbe(cfg.FFmpegPath, nil).Check(ctx)
		cancel()
		if err != nil {
			add("ffmpeg", false, err.Error())
		} else {
			add("ffmpeg", true, version)
		}

		if cfg.ScreenSource == config.ScreenSourceDisplay {
			if n := screenshot.NumActiveDisplays(); n == 0 {
				add("display", false, "no active displays")
			} else {
				bounds := screenshot.GetDisplayBounds(0)
				add("display", true, fmt.Sprintf("%d active, primary %dx%d", n, bounds.Dx(), bounds.Dy()))
			}
		}
	}

	inputEnabled := cfg.HasModality(config.ModalityKeyboard) || cfg.HasModality(config.ModalityMouse)
	if inputEnabled && cfg.InputIsolated() && cfg.InputSource == config.InputSourceRemote {
		if path, err := resolveHookd(cfg.HookdPath); err != nil {
			add("hook worker", false, err.Error())
		} else {
			add("hook worker", true, path)
		}
	}

	if cfg.HasModality(config.ModalityAudio) && cfg.AudioSource == config.AudioSourceMicrophone {
		if mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(string) {}); err != nil {
			add("audio backend", false, err.Error())
		} else {
			_ = mctx.Uninit()
			mctx.Free()
			add("audio backend", true, "miniaudio context initialized")
		}
	}

	failed := false
	for _, c := range checks {
		if !c.OK {
			failed = true
		}
	}

	if *format == "json" {
		printJSON(checks)
	} else {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "CHECK\tSTATUS\tDETAIL")
		for _, c := range checks {
			status := "ok"
			if !c.OK {
				status = "FAIL"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, status, c.Detail)
		}
		w.Flush()
	}
	if failed {
		os.Exit(exitError)
	}
}

func mustConfig() *config.Config {
	cfg, err := config.Load(*configPath)
	if err != nil {
		fatal(err)
	}
	return cfg
}

func openIndex(cfg *config.Config, logger *zap.Logger) *store.Store {
	st, err := store.Open(filepath.Join(cfg.DataPath, store.IndexFileName), logger)
	if err != nil {
		fatal(err)
	}
	if _, err := st.Reconcile(cfg.DataPath); err != nil {
		st.Close()
		fatal(err)
	}
	return st
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(exitCodeFor(err))
}

func exitCodeFor(err error) int {
	switch {
	case errors.Is(err, recorder.ErrAlreadyRecording):
		return exitAlreadyRecording
	case errors.Is(err, recorder.ErrQuotaExceeded):
		return exitQuotaExceeded
	case errors.Is(err, export.ErrSessionStillRecording):
		return exitStillRecording
	case errors.Is(err, export.ErrIncompleteSession):
		return exitIncomplete
	case errors.Is(err, store.ErrSessionNotFound):
		return exitNotFound
	}
	return exitError
}

func resolveHookd(override string) (string, error) {
	if override != "" {
		if _, err := os.Stat(override); err != nil {
			return "", fmt.Errorf("hookd_path %s: %v", override, err)
		}
		return override, nil
	}
	name := "fieldtape-hookd"
	if runtime.GOOS == "windows" {
		name += ".exe"
	}
	if exe, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exe), name)
		if _, err := os.Stat(sibling); err == nil {
			return sibling, nil
		}
	}
	return exec.LookPath(name)
}

type statusJSON struct {
	Engine     string       `json:"engine"`
	EnginePID  int          `json:"engine_pid,omitempty"`
	Sessions   int          `json:"sessions"`
	TotalBytes int64        `json:"total_bytes"`
	QuotaBytes int64        `json:"quota_bytes"`
	Recording  *sessionJSON `json:"recording,omitempty"`
}

type sessionJSON struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      string     `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	EndReason   string     `json:"end_reason,omitempty"`
	DurationSec float64    `json:"duration_seconds,omitempty"`
	Events      uint64     `json:"events"`
	Frames      uint64     `json:"frames"`
	Bytes       int64      `json:"bytes"`
	Dir         string     `json:"dir"`
}

// sessionDetailJSON extends the index row view with the per-modality outcomes
// from the session descriptor when 'list -detail' is asked for.
type sessionDetailJSON struct {
	sessionJSON
	Modalities map[string]*session.ModalityState `json:"modalities,omitempty"`
}

func sessionView(rec store.Record) sessionJSON {
	view := sessionJSON{
		ID:        rec.ID,
		Name:      rec.Name,
		Status:    string(rec.Status),
		StartedAt: rec.StartedAt,
		EndReason: string(rec.EndReason),
		Events:    rec.Totals.KeyboardEvents + rec.Totals.MouseEvents,
		Frames:    rec.Totals.Frames,
		Bytes:     rec.Totals.Bytes,
		Dir:       rec.Dir,
	}
	if !rec.EndedAt.IsZero() {
		ended := rec.EndedAt
		view.EndedAt = &ended
		view.DurationSec = rec.EndedAt.Sub(rec.StartedAt).Seconds()
	}
	return view
}

func printSessionSummary(meta *session.Metadata) {
	if *format == "json" {
		printJSON(meta)
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "FIELD\tVALUE")
	fmt.Fprintf(w, "ID\t%s\n", meta.SessionID)
	fmt.Fprintf(w, "NAME\t%s\n", meta.Name)
	fmt.Fprintf(w, "STATUS\t%s\n", meta.Status)
	if meta.EndReason != "" {
		fmt.Fprintf(w, "END_REASON\t%s\n", meta.EndReason)
	}
	fmt.Fprintf(w, "DURATION\t%s\n", formatDuration(time.Duration(meta.DurationSec*float64(time.Second))))
	fmt.Fprintf(w, "MODALITIES\t%s\n", formatModalities(meta.Modalities))
	fmt.Fprintf(w, "KEYBOARD_EVENTS\t%d\n", meta.Totals.KeyboardEvents)
	fmt.Fprintf(w, "MOUSE_EVENTS\t%d\n", meta.Totals.MouseEvents)
	if meta.Totals.EventsDropped > 0 {
		fmt.Fprintf(w, "EVENTS_DROPPED\t%d\n", meta.Totals.EventsDropped)
	}
	fmt.Fprintf(w, "FRAMES\t%d\n", meta.Totals.Frames)
	if meta.Totals.FramesDropped > 0 {
		fmt.Fprintf(w, "FRAMES_DROPPED\t%d\n", meta.Totals.FramesDropped)
	}
	if meta.Totals.AudioChunks > 0 {
		fmt.Fprintf(w, "AUDIO_CHUNKS\t%d\n", meta.Totals.AudioChunks)
	}
	fmt.Fprintf(w, "SIZE\t%s\n", humanBytes(meta.Totals.Bytes))
	w.Flush()
}

func formatModalities(states map[string]*session.ModalityState) string {
	names := make([]string, 0, len(states))
	for name := range states {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, 0, len(names))
	for _, name := range names {
		state := states[name]
		if state == nil {
			continue
		}
		part := fmt.Sprintf("%s:%s", name, state.State)
		if state.Reason != "" {
			part += fmt.Sprintf(" (%s)", state.Reason)
		}
		parts = append(parts, part)
	}
	return strings.Join(parts, ", ")
}

func configMap(cfg *config.Config) (map[string]json.RawMessage, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func printConfigKey(cfg *config.Config, key string) {
	m, err := configMap(cfg)
	if err != nil {
		fatal(err)
	}
	raw, ok := m[key]
	if !ok {
		fmt.Fprintf(os.Stderr, "Error: unknown config key %q\n", key)
		os.Exit(exitError)
	}
	fmt.Println(string(raw))
}

func printConfigTable(cfg *config.Config) {
	m, err := configMap(cfg)
	if err != nil {
		fatal(err)
	}
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE")
	for _, key := range keys {
		fmt.Fprintf(w, "%s\t%s\n", key, string(m[key]))
	}
	w.Flush()
}

// setConfigKey updates one key in the config file, accepting JSON values,
// bare strings, and comma-separated lists for array-valued keys. The merged
// result passes the same validation as a config load before it is written.
func setConfigKey(path, key, value string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	m, err := configMap(cfg)
	if err != nil {
		return err
	}
	existing, ok := m[key]
	if !ok {
		return fmt.Errorf("validation error: unknown config key %q", key)
	}

	trimmed := strings.TrimSpace(value)
	var raw json.RawMessage
	switch {
	case json.Valid([]byte(trimmed)):
		raw = json.RawMessage(trimmed)
	case len(existing) > 0 && existing[0] == '[':
		var list []string
		for _, part := range strings.Split(trimmed, ",") {
			if item := strings.TrimSpace(part); item != "" {
				list = append(list, item)
			}
		}
		raw, err = json.Marshal(list)
		if err != nil {
			return err
		}
	default:
		raw, err = json.Marshal(trimmed)
		if err != nil {
			return err
		}
	}
	m[key] = raw

	merged, err := json.Marshal(m)
	if err != nil {
		return err
	}
	updated := config.Default()
	dec := json.NewDecoder(bytes.NewReader(merged))
	dec.DisallowUnknownFields()
	if err := dec.Decode(updated); err != nil {
		return fmt.Errorf("validation error: %s: %v", key, err)
	}
	if err := updated.Validate(); err != nil {
		return err
	}
	if err := updated.Save(path); err != nil {
		return err
	}

	fmt.Printf("Set %s = %s\n", key, string(raw))
	return nil
}

func printJSON(data interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(data)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	return d.Round(time.Second).String()
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `fieldtape - session capture engine

Usage:
  fieldtape [global-flags] <command> [args]

Global Flags:
  -config string
        Path to the config file (default %q)
  -format string
        Output format: table or json (default "table")
  -name string
        Session name for 'start' (default derives from the start time)
  -no-keyboard, -no-mouse, -no-screen, -no-audio
        Disable individual capture modalities for 'start'
  -metrics-addr string
        Serve Prometheus metrics on this address while recording
  -detail
        Include per-modality outcomes in 'list'
  -output string
        Archive destination file or directory for 'export'
  -yes
        Skip the confirmation prompt for 'delete'

Commands:
  start                            Start recording; runs until stopped
  stop                             Stop the running recording engine
  status                           Show engine and storage status
  list                             List recorded sessions
  show <id>                        Show one session in detail
  export <id>                      Package a stopped session into a zip archive
  delete <id>                      Delete a session and its files
  config get [key]                 Print the effective config, or one key
  config set <key> <value>         Update one config key
  config path                      Print the config file path
  doctor                           Check capture prerequisites
  help                             Show this help message

Exit Codes:
  0  success
  1  generic failure
  2  a recording session is already active
  3  storage quota exceeded
  4  session is still recording
  5  session is incomplete
  6  session not found

Examples:
  fieldtape start
  fieldtape -name focus-study -no-audio start
  fieldtape -format json -detail list
  fieldtape -output ~/exports export 0a1b2c3d
  fieldtape config set screen_fps 2
`, config.DefaultPath())
}
