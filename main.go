// analyzer - a console chat client for a locally hosted LLM, with a
// built-in system resource watchdog.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/jeranaias/analyzer-tui/internal/config"
	"github.com/jeranaias/analyzer-tui/internal/engine"
	"github.com/jeranaias/analyzer-tui/internal/events"
	"github.com/jeranaias/analyzer-tui/internal/history"
	"github.com/jeranaias/analyzer-tui/internal/monitor"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// drainInterval is the cadence at which queued events are flushed to the
// console.
const drainInterval = 200 * time.Millisecond

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "--version" || os.Args[1] == "version") {
		fmt.Printf("analyzer %s (%s, %s)\n", Version, GitCommit, BuildDate)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "analyzer: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "analyzer: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal", zap.Error(err))
		fmt.Fprintf(os.Stderr, "analyzer: %v\n", err)
		os.Exit(1)
	}
}

// newLogger writes structured logs to ~/.analyzer/analyzer.log so the chat
// console stays clean. Falls back to stderr when the directory is not
// writable.
func newLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	zcfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	if dir, err := config.ConfigDir(); err == nil {
		if mkErr := os.MkdirAll(dir, 0755); mkErr == nil {
			zcfg.OutputPaths = []string{filepath.Join(dir, "analyzer.log")}
			zcfg.ErrorOutputPaths = zcfg.OutputPaths
		}
	}
	return zcfg.Build()
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewBus()

	hist := history.New(cfg.SystemPrompt, cfg.HistoryCapacity)
	if cfg.HistoryFile != "" {
		if _, err := os.Stat(cfg.HistoryFile); err == nil {
			if err := hist.LoadFile(cfg.HistoryFile); err != nil {
				return fmt.Errorf("load history: %w", err)
			}
			logger.Info("history restored",
				zap.String("path", cfg.HistoryFile),
				zap.Int("messages", hist.Len()))
		}
	}

	eng, err := engine.New(cfg, hist, bus, logger)
	if err != nil {
		return err
	}
	eng.Warmup(ctx)

	audit := monitor.NewAuditLog(cfg.Monitor.AuditDB, logger)
	defer audit.Close()

	watchdog := monitor.NewWatchdog(cfg.Monitor, monitor.NewSystemSampler(), bus, audit, logger)
	watchdog.Start()
	defer watchdog.Stop()

	// Settings changes apply live; an invalid file keeps the old settings.
	if tomlPath, err := config.ConfigPathTOML(); err == nil {
		go func() {
			if err := config.Watch(ctx, tomlPath, logger, func(next *config.Config) {
				eng.ApplyConfig(next)
				watchdog.ApplyConfig(next.Monitor)
			}); err != nil && ctx.Err() == nil {
				logger.Warn("config watch stopped", zap.Error(err))
			}
		}()
	}

	go consumeEvents(ctx, bus)

	fmt.Printf("analyzer %s | model %s @ %s | /quit to exit\n", Version, cfg.Model, cfg.Host)
	readInput(ctx, eng, hist)

	stop()
	if cfg.HistoryFile != "" {
		if err := hist.SaveFile(cfg.HistoryFile); err != nil {
			logger.Warn("history not saved", zap.Error(err))
		}
	}
	return nil
}

// consumeEvents is the single bus consumer: it polls on a fixed cadence and
// handles everything queued since the last poll, in order.
func consumeEvents(ctx context.Context, bus *events.Bus) {
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, ev := range bus.Drain() {
				printEvent(ev)
			}
		}
	}
}

func printEvent(ev events.Event) {
	switch ev.Kind {
	case events.KindMessage:
		fmt.Printf("\nassistant> %s\n> ", ev.Text())
	case events.KindStatus:
		fmt.Printf("[status] %s\n", ev.Text())
	case events.KindError:
		fmt.Printf("[error] %s\n", ev.Text())
	case events.KindAlert:
		if p, ok := ev.Payload.(events.AlertPayload); ok {
			fmt.Printf("[alert] cpu %.1f%% mem %.1f%% disk %.1f%%\n", p.CPU, p.Mem, p.Disk)
			for _, proc := range p.TopProcesses {
				fmt.Printf("        pid %-7d %-20s cpu %5.1f%% mem %5.1f%%\n",
					proc.PID, proc.Name, proc.CPUPct, proc.MemPct)
			}
		}
	case events.KindSuggest:
		if p, ok := ev.Payload.(events.SuggestPayload); ok {
			fmt.Printf("[suggest] %s (disk %.1f%%)\n", p.Suggestion, p.Disk)
		}
	case events.KindAction:
		if p, ok := ev.Payload.(events.ActionPayload); ok {
			fmt.Printf("[action] %s: %s\n", p.Action, p.Detail)
		}
	case events.KindLog:
		// Heartbeats go to the log file, not the console.
	}
}

func readInput(ctx context.Context, eng *engine.Engine, hist *history.History) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Print("> ")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			fmt.Print("> ")
		case line == "/quit" || line == "/exit":
			return
		case line == "/clear":
			hist.Clear(true)
			fmt.Print("history cleared\n> ")
		default:
			eng.GenerateAsync(ctx, line)
		}
	}
}
