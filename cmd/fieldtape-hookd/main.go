package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/fieldtape/fieldtape/internal/config"
	"github.com/fieldtape/fieldtape/internal/hookd"
)

func main() {
	connect := flag.String("connect", "", "engine websocket URL (ws://127.0.0.1:<port>/hook)")
	token := flag.String("token", "", "session token handed out by the engine")
	source := flag.String("source", "hooks", "capture backend: hooks or synthetic")
	modalities := flag.String("modalities", "keyboard,mouse", "comma-separated input modalities to capture")
	debug := flag.Bool("debug", false, "log at debug level")
	flag.Parse()

	if *connect == "" || *token == "" {
		fmt.Fprintf(os.Stderr, "Error: --connect and --token are required\n")
		os.Exit(1)
	}

	mods, err := parseModalities(*modalities)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var logger *zap.Logger
	if *debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	var src hookd.Source
	switch *source {
	case "hooks":
		src = hookd.NewOSHookSource(mods)
	case "synthetic":
		src = hookd.NewSyntheticSource(0, mods)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown source %q (expected hooks or synthetic)\n", *source)
		os.Exit(1)
	}

	// The engine stops the worker through the websocket drain message; the
	// signal path only matters when the engine dies without saying goodbye.
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		cancel()
	}()

	if err := hookd.Run(ctx, hookd.Options{
		URL:        *connect,
		Token:      *token,
		Source:     src,
		Modalities: mods,
		Logger:     logger,
	}); err != nil {
		logger.Error("hook worker exited", zap.Error(err))
		os.Exit(1)
	}
}

func parseModalities(raw string) ([]string, error) {
	var mods []string
	for _, part := range strings.Split(raw, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" {
			continue
		}
		if name != config.ModalityKeyboard && name != config.ModalityMouse {
			return nil, fmt.Errorf("unknown input modality %q (expected keyboard or mouse)", name)
		}
		mods = append(mods, name)
	}
	if len(mods) == 0 {
		return nil, fmt.Errorf("at least one input modality is required")
	}
	return mods, nil
}
