// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/aide/lib/backend"
	"github.com/bureau-foundation/aide/lib/clock"
	"github.com/bureau-foundation/aide/lib/config"
	"github.com/bureau-foundation/aide/lib/engine"
	"github.com/bureau-foundation/aide/lib/persona"
	"github.com/bureau-foundation/aide/lib/schedule"
	"github.com/bureau-foundation/aide/lib/session"
	"github.com/bureau-foundation/aide/lib/sqlitepool"
	"github.com/bureau-foundation/aide/lib/subagent"
	"github.com/bureau-foundation/aide/lib/transcript"
	"github.com/bureau-foundation/aide/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("aide-daemon", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to aide.yaml (default: $AIDE_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if showVersion {
		fmt.Printf("aide-daemon %s\n", version.Info())
		return nil
	}
	if args := flagSet.Args(); len(args) > 0 {
		return fmt.Errorf("unexpected argument: %s", args[0])
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// Console EOF also ends the process; cancel covers both paths.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	descriptors, err := cfg.Descriptors()
	if err != nil {
		return fmt.Errorf("resolving backend credentials: %w", err)
	}

	registry, err := backend.New(backend.Config{Backends: descriptors, Logger: logger})
	if err != nil {
		return fmt.Errorf("building backend registry: %w", err)
	}
	chain := backend.NewChain(backend.ChainConfig{
		Registry:  registry,
		Fallbacks: cfg.Fallbacks,
		Logger:    logger,
	})

	if cfg.Store.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
			return fmt.Errorf("creating state directory: %w", err)
		}
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	sessions, err := session.NewStore(ctx, pool, logger)
	if err != nil {
		return fmt.Errorf("opening session store: %w", err)
	}
	jobs, err := schedule.NewStore(ctx, pool, logger)
	if err != nil {
		return fmt.Errorf("opening job store: %w", err)
	}
	transcripts, err := transcript.NewStore(ctx, pool, logger)
	if err != nil {
		return fmt.Errorf("opening transcript store: %w", err)
	}

	personas, err := persona.LoadDir(cfg.PersonasDir)
	if err != nil {
		return fmt.Errorf("loading personas: %w", err)
	}
	if personas.Len() > 0 {
		logger.Info("personas loaded", "count", personas.Len(), "dir", cfg.PersonasDir)
	}

	systemClock := clock.Real()
	dispatcher, err := subagent.NewDispatcher(subagent.Config{
		Registry: registry,
		Clock:    systemClock,
		Personas: personas,
		Timeout:  cfg.Subagent.Timeout.Std(),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("building dispatcher: %w", err)
	}
	debates, err := subagent.NewOrchestrator(subagent.OrchestratorConfig{
		Dispatcher:    dispatcher,
		Transcripts:   transcripts,
		Clock:         systemClock,
		DefaultRounds: cfg.Debate.DefaultRounds,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("building debate orchestrator: %w", err)
	}

	events := newEventWriter(os.Stdout)
	eng, err := engine.New(engine.Config{
		Registry:     registry,
		Chain:        chain,
		Sessions:     sessions,
		Deliverer:    events,
		Clock:        systemClock,
		Jobs:         jobs,
		Dispatcher:   dispatcher,
		Debates:      debates,
		SystemPrompt: cfg.Chat.SystemPrompt,
		ContextQuota: cfg.Chat.ContextQuota,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("building engine: %w", err)
	}

	schedulerDone := make(chan error, 1)
	if cfg.Scheduler.Enabled {
		scheduler, err := schedule.New(schedule.Config{
			Store:          jobs,
			Executor:       eng,
			Notifier:       eng,
			Clock:          systemClock,
			PollInterval:   cfg.Scheduler.PollInterval.Std(),
			AttemptTimeout: cfg.Scheduler.AttemptTimeout.Std(),
			Logger:         logger,
		})
		if err != nil {
			return fmt.Errorf("building scheduler: %w", err)
		}
		go func() { schedulerDone <- scheduler.Run(ctx) }()
	} else {
		close(schedulerDone)
		logger.Info("scheduler disabled")
	}

	terminal := &console{engine: eng, registry: registry, events: events, logger: logger}
	consoleDone := make(chan error, 1)
	go func() { consoleDone <- terminal.Run(ctx, os.Stdin) }()

	logger.Info("aide-daemon ready",
		"version", version.Short(),
		"backends", len(descriptors),
		"default", registry.Default().Name(),
		"store", cfg.Store.Path,
	)

	select {
	case <-ctx.Done():
	case err := <-consoleDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("console input failed", "error", err)
		} else {
			logger.Info("console input closed")
		}
	}

	logger.Info("shutting down")
	cancel()
	if err := <-schedulerDone; err != nil {
		logger.Error("scheduler stopped with error", "error", err)
	}
	return nil
}

// loadConfig reads the file named by --config, falling back to the
// AIDE_CONFIG environment variable.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `aide-daemon runs the aide agent: model backends with ordered
fallback, durable sessions with context compaction, a cron and
one-shot job scheduler, and subagent dispatch with debates.

Configuration comes from aide.yaml, named by --config or the
AIDE_CONFIG environment variable.

The daemon speaks JSON lines on stdin and stdout. Each input line is
{"channel": "...", "text": "..."}; each response is one
{"event": "message", "channel": "...", "text": "..."} line. Scheduled
jobs deliver to the same stream. Text starting with "/" is a console
command; try /help.

Usage:
  aide-daemon [flags]

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
