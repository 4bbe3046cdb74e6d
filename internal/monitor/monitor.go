// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package monitor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/analyzer-tui/internal/config"
	"github.com/jeranaias/analyzer-tui/internal/events"
)

// builtinProtected lists process name substrings the watchdog must never
// kill, regardless of configuration.
var builtinProtected = []string{
	"systemd",
	"init",
	"kthreadd",
	"sshd",
	"dbus",
}

// Watchdog samples system resources on a fixed cadence, classifies each
// sample, and acts according to the configured autonomy level.
type Watchdog struct {
	mu      sync.Mutex
	cfg     config.MonitorConfig
	sampler Sampler
	bus     *events.Bus
	audit   *AuditLog
	log     *zap.Logger
	ownPID  int

	// Action functions are fields so tests can observe mitigations
	// without touching real processes or directories.
	killFn   func(pid int) error
	cleanFn  func(dirs []string) CleanReport
	freeFn   func()
	repairFn func(ctx context.Context, allowed bool) error

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewWatchdog creates a watchdog. It does not start sampling until Start.
func NewWatchdog(cfg config.MonitorConfig, sampler Sampler, bus *events.Bus, audit *AuditLog, log *zap.Logger) *Watchdog {
	return &Watchdog{
		cfg:      cfg,
		sampler:  sampler,
		bus:      bus,
		audit:    audit,
		log:      log,
		ownPID:   os.Getpid(),
		killFn:   KillProcess,
		cleanFn:  CleanTempFolders,
		freeFn:   FreeMemory,
		repairFn: RepairSystem,
		done:     make(chan struct{}),
	}
}

// ApplyConfig swaps thresholds and autonomy at runtime. The new interval
// takes effect after the current tick.
func (w *Watchdog) ApplyConfig(cfg config.MonitorConfig) {
	w.mu.Lock()
	w.cfg = cfg
	w.mu.Unlock()
	w.log.Info("watchdog reconfigured",
		zap.Float64("cpu_threshold", cfg.CPUThresholdPct),
		zap.Float64("mem_threshold", cfg.MemThresholdPct),
		zap.Float64("disk_threshold", cfg.DiskThresholdPct),
		zap.String("autonomy", string(cfg.Autonomy)))
}

func (w *Watchdog) config() config.MonitorConfig {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cfg
}

// Start launches the sampling loop. Safe to call once.
func (w *Watchdog) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.loop()
	})
}

// Stop halts the loop and waits for the in-flight tick to finish. Safe to
// call more than once, and safe to call without Start.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})
	w.wg.Wait()
}

func (w *Watchdog) loop() {
	defer w.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-w.done
		cancel()
	}()

	for {
		w.tick(ctx)
		select {
		case <-w.done:
			return
		case <-time.After(w.config().Interval()):
		}
	}
}

// tick takes one sample and classifies it. Every tick produces a heartbeat
// log event, even when sampling fails: a silent watchdog is
// indistinguishable from a dead one.
func (w *Watchdog) tick(ctx context.Context) {
	cfg := w.config()

	sample, err := w.sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.log.Warn("resource sample failed", zap.Error(err))
		w.bus.Publish(events.Log(fmt.Sprintf("resource sample failed: %v", err)))
		return
	}

	heartbeat := fmt.Sprintf("cpu %.1f%% | mem %.1f%% | disk %.1f%%", sample.CPUPct, sample.MemPct, sample.DiskPct)
	w.log.Debug("resource sample", zap.String("summary", heartbeat))
	w.bus.Publish(events.Log(heartbeat))

	cpuHigh := sample.CPUPct >= cfg.CPUThresholdPct
	memHigh := sample.MemPct >= cfg.MemThresholdPct
	diskHigh := sample.DiskPct >= cfg.DiskThresholdPct

	if cpuHigh || memHigh || diskHigh {
		top := topProcesses(sample.Processes, cfg.TopN)
		w.bus.Publish(events.Event{Kind: events.KindAlert, Payload: events.AlertPayload{
			CPU:          sample.CPUPct,
			Mem:          sample.MemPct,
			Disk:         sample.DiskPct,
			TopProcesses: toEventProcs(top),
		}})
		w.log.Warn("resource threshold exceeded",
			zap.Bool("cpu", cpuHigh), zap.Bool("mem", memHigh), zap.Bool("disk", diskHigh),
			zap.String("summary", heartbeat))

		switch cfg.Autonomy {
		case config.AutonomyAuto:
			w.mitigate(sample, memHigh, diskHigh)
		case config.AutonomyConfirm:
			w.bus.Publish(events.Event{Kind: events.KindSuggest, Payload: events.SuggestPayload{
				Suggestion: w.proposal(memHigh, diskHigh, cpuHigh),
				Disk:       sample.DiskPct,
			}})
		}
		return
	}

	// Below the alert thresholds, memory creeping into the margin gets a
	// pre-emptive kill in full-auto mode: shedding the heaviest process
	// before the threshold trips avoids the OOM killer picking for us.
	if cfg.Autonomy == config.AutonomyAuto && sample.MemPct >= cfg.MemThresholdPct-cfg.SuggestMarginPct {
		w.log.Info("memory in margin, pre-emptive mitigation",
			zap.Float64("mem", sample.MemPct),
			zap.Float64("threshold", cfg.MemThresholdPct))
		w.KillTopProcess(sample.Processes)
	}

	// An early warning when disk creeps into the suggestion margin.
	if sample.DiskPct >= cfg.DiskThresholdPct-cfg.SuggestMarginPct {
		w.bus.Publish(events.Event{Kind: events.KindSuggest, Payload: events.SuggestPayload{
			Suggestion: "disk usage is approaching the limit; consider clearing temp files",
			Disk:       sample.DiskPct,
		}})
	}
}

// proposal phrases what auto mode would do, for the operator to approve.
func (w *Watchdog) proposal(memHigh, diskHigh, cpuHigh bool) string {
	var actions []string
	if memHigh {
		actions = append(actions, "terminate the heaviest process and release memory")
	}
	if diskHigh {
		actions = append(actions, "clear temp folders")
	}
	if cpuHigh && len(actions) == 0 {
		actions = append(actions, "review the top CPU consumers")
	}
	return "proposed: " + strings.Join(actions, "; ")
}

// mitigate applies the automatic responses for the thresholds that fired.
// CPU pressure gets no automatic kill: transient spikes are normal during
// inference and killing the offender would usually kill the model server.
func (w *Watchdog) mitigate(sample ResourceSample, memHigh, diskHigh bool) {
	if memHigh {
		w.KillTopProcess(sample.Processes)
		w.FreeMemory()
	}
	if diskHigh {
		w.CleanTemp()
	}
}

// =============================================================================
// MITIGATION ENTRY POINTS
// =============================================================================

// These are public so a confirm-mode consumer can invoke the approved
// action directly. Every call is audited and reported on the bus.

// KillTopProcess terminates the heaviest eligible process from the given
// readings. Protected names, PID 1 and 2, and the watchdog's own process
// are never eligible.
func (w *Watchdog) KillTopProcess(procs []ProcessInfo) {
	cfg := w.config()

	for _, p := range topProcesses(procs, 0) {
		if !w.eligible(cfg, p) {
			continue
		}
		err := w.killFn(p.PID)
		detail := fmt.Sprintf("pid %d (%s) cpu %.1f%% mem %.1f%%", p.PID, p.Name, p.CPUPct, p.MemPct)
		if errors.Is(err, ErrProcessGone) {
			detail += " (already exited)"
			err = nil
		}
		w.report("kill_process", detail, err)
		return
	}

	w.audit.Record("kill_process", "no eligible process", false)
	w.log.Info("memory pressure but no eligible process to terminate")
}

func (w *Watchdog) eligible(cfg config.MonitorConfig, p ProcessInfo) bool {
	if p.PID == w.ownPID || p.PID <= 2 {
		return false
	}
	name := strings.ToLower(p.Name)
	for _, protected := range builtinProtected {
		if strings.Contains(name, protected) {
			return false
		}
	}
	for _, protected := range cfg.ProtectedProcesses {
		if protected != "" && strings.Contains(name, strings.ToLower(protected)) {
			return false
		}
	}
	return true
}

// CleanTemp sweeps the configured temp directories.
func (w *Watchdog) CleanTemp() {
	report := w.cleanFn(w.config().TempDirs)
	w.report("clean_temp", report.String(), nil)
}

// FreeMemory releases heap back to the OS and drops reclaimable caches.
func (w *Watchdog) FreeMemory() {
	w.freeFn()
	w.report("free_memory", "released heap and requested cache drop", nil)
}

// Repair runs the system package repair, if the configuration allows it.
func (w *Watchdog) Repair(ctx context.Context) error {
	err := w.repairFn(ctx, w.config().AllowSystemRepair)
	w.report("repair_system", "package dependency repair", err)
	return err
}

// report audits an action and mirrors it onto the bus.
func (w *Watchdog) report(action, detail string, err error) {
	if err != nil {
		detail = fmt.Sprintf("%s: %v", detail, err)
	}
	w.audit.Record(action, detail, err == nil)
	w.bus.Publish(events.Event{Kind: events.KindAction, Payload: events.ActionPayload{
		Action: action,
		Detail: detail,
	}})
	if err != nil {
		w.log.Warn("mitigation failed", zap.String("action", action), zap.String("detail", detail))
		return
	}
	w.log.Info("mitigation applied", zap.String("action", action), zap.String("detail", detail))
}

func toEventProcs(procs []ProcessInfo) []events.ProcessInfo {
	out := make([]events.ProcessInfo, len(procs))
	for i, p := range procs {
		out[i] = events.ProcessInfo{PID: p.PID, Name: p.Name, CPUPct: p.CPUPct, MemPct: p.MemPct}
	}
	return out
}
