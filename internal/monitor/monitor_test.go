// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/jeranaias/analyzer-tui/internal/config"
	"github.com/jeranaias/analyzer-tui/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSampler struct {
	sample ResourceSample
	err    error
}

func (f *fakeSampler) Sample(ctx context.Context) (ResourceSample, error) {
	return f.sample, f.err
}

type recordedActions struct {
	killed  []int
	cleaned [][]string
	freed   int
}

func testWatchdog(t *testing.T, cfg config.MonitorConfig, sampler Sampler) (*Watchdog, *events.Bus, *recordedActions) {
	t.Helper()

	bus := events.NewBus()
	audit := newAuditLog(defaultAuditCap, "", zap.NewNop())
	t.Cleanup(func() { audit.Close() })

	w := NewWatchdog(cfg, sampler, bus, audit, zap.NewNop())

	rec := &recordedActions{}
	w.killFn = func(pid int) error {
		rec.killed = append(rec.killed, pid)
		return nil
	}
	w.cleanFn = func(dirs []string) CleanReport {
		rec.cleaned = append(rec.cleaned, dirs)
		return CleanReport{Removed: []string{"a.tmp", "b.tmp"}}
	}
	w.freeFn = func() { rec.freed++ }
	return w, bus, rec
}

func quietConfig() config.MonitorConfig {
	cfg := config.Default().Monitor
	cfg.Autonomy = config.AutonomyNotify
	return cfg
}

func kinds(evs []events.Event) map[events.Kind]int {
	out := make(map[events.Kind]int)
	for _, ev := range evs {
		out[ev.Kind]++
	}
	return out
}

func TestTick_HeartbeatAlways(t *testing.T) {
	sampler := &fakeSampler{sample: ResourceSample{CPUPct: 10, MemPct: 20, DiskPct: 30}}
	w, bus, _ := testWatchdog(t, quietConfig(), sampler)

	w.tick(context.Background())

	got := kinds(bus.Drain())
	if got[events.KindLog] != 1 {
		t.Errorf("heartbeat count = %d, want 1", got[events.KindLog])
	}
	if got[events.KindAlert] != 0 || got[events.KindSuggest] != 0 {
		t.Errorf("quiet sample raised alerts: %v", got)
	}
}

func TestTick_HeartbeatSurvivesSampleError(t *testing.T) {
	sampler := &fakeSampler{err: context.DeadlineExceeded}
	w, bus, _ := testWatchdog(t, quietConfig(), sampler)

	w.tick(context.Background())

	evs := bus.Drain()
	if len(evs) != 1 || evs[0].Kind != events.KindLog {
		t.Errorf("sample failure should still produce a log event, got %+v", evs)
	}
}

func TestTick_AlertBoundary(t *testing.T) {
	tests := []struct {
		name  string
		cpu   float64
		alert bool
	}{
		{"at threshold", 90.0, true},
		{"just below", 89.9, false},
		{"above", 97.5, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sampler := &fakeSampler{sample: ResourceSample{CPUPct: tc.cpu, MemPct: 10, DiskPct: 10}}
			w, bus, _ := testWatchdog(t, quietConfig(), sampler)

			w.tick(context.Background())

			got := kinds(bus.Drain())
			if (got[events.KindAlert] > 0) != tc.alert {
				t.Errorf("cpu %.1f: alert = %v, want %v", tc.cpu, got[events.KindAlert] > 0, tc.alert)
			}
		})
	}
}

func TestTick_DiskSuggestionMargin(t *testing.T) {
	// Threshold 90, margin 10: 82% is a suggestion, not an alert.
	sampler := &fakeSampler{sample: ResourceSample{CPUPct: 10, MemPct: 10, DiskPct: 82}}
	w, bus, _ := testWatchdog(t, quietConfig(), sampler)

	w.tick(context.Background())

	got := kinds(bus.Drain())
	if got[events.KindAlert] != 0 {
		t.Error("82%% disk should not alert")
	}
	if got[events.KindSuggest] != 1 {
		t.Errorf("suggest count = %d, want 1", got[events.KindSuggest])
	}
}

func TestTick_AlertCarriesTopProcesses(t *testing.T) {
	cfg := quietConfig()
	cfg.TopN = 2
	sampler := &fakeSampler{sample: ResourceSample{
		CPUPct: 95, MemPct: 10, DiskPct: 10,
		Processes: []ProcessInfo{
			{PID: 10, Name: "idle-ish", CPUPct: 1, MemPct: 1},
			{PID: 11, Name: "heavy", CPUPct: 80, MemPct: 5},
			{PID: 12, Name: "medium", CPUPct: 10, MemPct: 3},
		},
	}}
	w, bus, _ := testWatchdog(t, cfg, sampler)

	w.tick(context.Background())

	for _, ev := range bus.Drain() {
		if ev.Kind != events.KindAlert {
			continue
		}
		payload, ok := ev.Payload.(events.AlertPayload)
		if !ok {
			t.Fatalf("alert payload has type %T", ev.Payload)
		}
		if len(payload.TopProcesses) != 2 {
			t.Fatalf("top processes = %d, want 2", len(payload.TopProcesses))
		}
		if payload.TopProcesses[0].Name != "heavy" || payload.TopProcesses[1].Name != "medium" {
			t.Errorf("ranking wrong: %+v", payload.TopProcesses)
		}
		return
	}
	t.Fatal("no alert event published")
}

func TestTick_AutoMitigatesMemoryPressure(t *testing.T) {
	cfg := quietConfig()
	cfg.Autonomy = config.AutonomyAuto
	sampler := &fakeSampler{sample: ResourceSample{
		CPUPct: 10, MemPct: 95, DiskPct: 10,
		Processes: []ProcessInfo{
			{PID: 1, Name: "systemd", CPUPct: 1, MemPct: 40},
			{PID: 4242, Name: "browser", CPUPct: 5, MemPct: 30},
		},
	}}
	w, bus, rec := testWatchdog(t, cfg, sampler)

	w.tick(context.Background())

	if len(rec.killed) != 1 || rec.killed[0] != 4242 {
		t.Errorf("killed = %v, want [4242]", rec.killed)
	}
	if rec.freed != 1 {
		t.Errorf("freed = %d, want 1", rec.freed)
	}
	if len(rec.cleaned) != 0 {
		t.Errorf("memory pressure should not sweep temp dirs, got %v", rec.cleaned)
	}

	got := kinds(bus.Drain())
	if got[events.KindAction] != 2 { // kill + free
		t.Errorf("action events = %d, want 2", got[events.KindAction])
	}
	if w.audit.Len() != 2 {
		t.Errorf("audit entries = %d, want 2", w.audit.Len())
	}
}

func TestTick_AutoMitigatesDiskPressure(t *testing.T) {
	cfg := quietConfig()
	cfg.Autonomy = config.AutonomyAuto
	cfg.TempDirs = []string{"/fake/tmp"}
	sampler := &fakeSampler{sample: ResourceSample{CPUPct: 10, MemPct: 10, DiskPct: 95}}
	w, _, rec := testWatchdog(t, cfg, sampler)

	w.tick(context.Background())

	if len(rec.cleaned) != 1 {
		t.Fatalf("cleaned = %v, want one sweep", rec.cleaned)
	}
	if rec.cleaned[0][0] != "/fake/tmp" {
		t.Errorf("swept %v, want configured dirs", rec.cleaned[0])
	}
	if len(rec.killed) != 0 {
		t.Errorf("disk pressure must not kill processes, killed %v", rec.killed)
	}
}

func TestTick_MemMarginPreemptiveKill(t *testing.T) {
	// Threshold 85, margin 10: 80% memory is below the alert line but
	// inside the margin. Full-auto sheds the heaviest eligible process
	// before the threshold trips; every other autonomy level waits.
	sample := ResourceSample{
		CPUPct: 10, MemPct: 80, DiskPct: 10,
		Processes: []ProcessInfo{
			{PID: 1, Name: "systemd", CPUPct: 1, MemPct: 40},
			{PID: 4242, Name: "browser", CPUPct: 5, MemPct: 30},
		},
	}

	t.Run("auto kills early", func(t *testing.T) {
		cfg := quietConfig()
		cfg.Autonomy = config.AutonomyAuto
		w, bus, rec := testWatchdog(t, cfg, &fakeSampler{sample: sample})

		w.tick(context.Background())

		if len(rec.killed) != 1 || rec.killed[0] != 4242 {
			t.Errorf("killed = %v, want [4242]", rec.killed)
		}
		if rec.freed != 0 {
			t.Errorf("margin mitigation freed memory %d times, want 0", rec.freed)
		}
		got := kinds(bus.Drain())
		if got[events.KindAlert] != 0 {
			t.Error("margin pressure must not raise an alert")
		}
		if got[events.KindAction] != 1 {
			t.Errorf("action events = %d, want 1", got[events.KindAction])
		}
	})

	t.Run("notify stays hands-off", func(t *testing.T) {
		w, _, rec := testWatchdog(t, quietConfig(), &fakeSampler{sample: sample})

		w.tick(context.Background())

		if len(rec.killed) != 0 {
			t.Errorf("notify mode killed %v, want none", rec.killed)
		}
	})
}

func TestTick_ConfirmProposesWithoutActing(t *testing.T) {
	cfg := quietConfig()
	cfg.Autonomy = config.AutonomyConfirm
	sampler := &fakeSampler{sample: ResourceSample{CPUPct: 10, MemPct: 95, DiskPct: 10}}
	w, bus, rec := testWatchdog(t, cfg, sampler)

	w.tick(context.Background())

	if len(rec.killed) != 0 || rec.freed != 0 {
		t.Errorf("confirm mode acted on its own: killed=%v freed=%d", rec.killed, rec.freed)
	}
	got := kinds(bus.Drain())
	if got[events.KindSuggest] != 1 {
		t.Errorf("suggest events = %d, want 1", got[events.KindSuggest])
	}
}

func TestKillTopProcess_SkipsProtected(t *testing.T) {
	cfg := quietConfig()
	cfg.ProtectedProcesses = []string{"ollama"}
	w, _, rec := testWatchdog(t, cfg, &fakeSampler{})

	procs := []ProcessInfo{
		{PID: 1, Name: "systemd", CPUPct: 50, MemPct: 50},   // builtin protected
		{PID: 900, Name: "ollama", CPUPct: 40, MemPct: 40},  // config protected
		{PID: w.ownPID, Name: "analyzer", CPUPct: 30, MemPct: 30},
		{PID: 2, Name: "kthreadd", CPUPct: 25, MemPct: 25},  // pid <= 2
		{PID: 5000, Name: "victim", CPUPct: 5, MemPct: 5},
	}
	w.KillTopProcess(procs)

	if len(rec.killed) != 1 || rec.killed[0] != 5000 {
		t.Errorf("killed = %v, want [5000]", rec.killed)
	}
}

func TestKillTopProcess_NoEligibleIsAudited(t *testing.T) {
	w, _, rec := testWatchdog(t, quietConfig(), &fakeSampler{})

	w.KillTopProcess([]ProcessInfo{{PID: 1, Name: "systemd", CPUPct: 99, MemPct: 99}})

	if len(rec.killed) != 0 {
		t.Errorf("killed = %v, want none", rec.killed)
	}
	entries := w.audit.Entries()
	if len(entries) != 1 || entries[0].Success {
		t.Errorf("expected one failed audit entry, got %+v", entries)
	}
}

func TestKillTopProcess_AlreadyGoneIsNotAFailure(t *testing.T) {
	w, _, _ := testWatchdog(t, quietConfig(), &fakeSampler{})
	w.killFn = func(pid int) error {
		return fmt.Errorf("pid %d: %w", pid, ErrProcessGone)
	}

	w.KillTopProcess([]ProcessInfo{{PID: 4242, Name: "browser", CPUPct: 5, MemPct: 30}})

	entries := w.audit.Entries()
	if len(entries) != 1 {
		t.Fatalf("audit entries = %d, want 1", len(entries))
	}
	if !entries[0].Success {
		t.Error("already-exited target audited as a failure")
	}
	if !strings.Contains(entries[0].Detail, "already exited") {
		t.Errorf("detail = %q, want it to note the exit", entries[0].Detail)
	}
}

func TestWatchdog_StartStop(t *testing.T) {
	cfg := quietConfig()
	cfg.IntervalSecs = 3600 // one tick, then idle until Stop
	sampler := &fakeSampler{sample: ResourceSample{CPUPct: 1, MemPct: 1, DiskPct: 1}}
	w, bus, _ := testWatchdog(t, cfg, sampler)

	w.Start()
	w.Start() // second Start is a no-op

	deadline := time.Now().Add(5 * time.Second)
	for bus.Len() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if bus.Len() == 0 {
		t.Fatal("no heartbeat before Stop")
	}

	w.Stop()
	w.Stop() // idempotent
}

func TestWatchdog_StopWithoutStart(t *testing.T) {
	w, _, _ := testWatchdog(t, quietConfig(), &fakeSampler{})
	w.Stop()
}

func TestTopProcesses(t *testing.T) {
	procs := []ProcessInfo{
		{PID: 1, Name: "a", CPUPct: 10, MemPct: 10},
		{PID: 2, Name: "b", CPUPct: 50, MemPct: 1},
		{PID: 3, Name: "c", CPUPct: 5, MemPct: 60},
	}

	top := topProcesses(procs, 2)
	if len(top) != 2 || top[0].Name != "c" || top[1].Name != "b" {
		t.Errorf("topProcesses = %+v", top)
	}
	// The input is not reordered.
	if procs[0].Name != "a" {
		t.Error("topProcesses mutated its input")
	}
}

func TestCleanTempFolders(t *testing.T) {
	dir := t.TempDir()
	mustWrite := func(name, content string) {
		t.Helper()
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
			t.Fatal(err)
		}
	}
	mustWrite("a.tmp", "xxxx")
	mustWrite("b.tmp", "yy")

	report := CleanTempFolders([]string{dir})
	if len(report.Removed) != 2 || len(report.Failed) != 0 {
		t.Errorf("report = %+v, want 2 removed", report)
	}
	if report.FreedBytes != 6 {
		t.Errorf("freed = %d bytes, want 6", report.FreedBytes)
	}

	// The directory itself survives.
	second := CleanTempFolders([]string{dir})
	if len(second.Failed) != 0 {
		t.Errorf("sweeping an empty dir failed: %+v", second)
	}
}

func TestCleanTempFolders_ReportsFailedPaths(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ok.tmp"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "does-not-exist")

	report := CleanTempFolders([]string{dir, missing})

	if len(report.Removed) != 1 {
		t.Errorf("removed = %v, want the one real file", report.Removed)
	}
	if len(report.Failed) != 1 {
		t.Fatalf("failed = %+v, want one entry", report.Failed)
	}
	if report.Failed[0].Path != missing || report.Failed[0].Reason == "" {
		t.Errorf("failure = %+v, want path %q with a reason", report.Failed[0], missing)
	}
	if !strings.Contains(report.String(), missing) {
		t.Errorf("String() = %q, want it to name the failed path", report.String())
	}
}

func TestSystemSampler_Smoke(t *testing.T) {
	sampler := NewSystemSampler()

	sample, err := sampler.Sample(context.Background())
	if err != nil {
		t.Skipf("system sampling unavailable here: %v", err)
	}
	// Second sample so CPU deltas are meaningful.
	sample, err = sampler.Sample(context.Background())
	if err != nil {
		t.Fatalf("second sample: %v", err)
	}

	check := func(name string, v float64) {
		if v < 0 || v > 100 {
			t.Errorf("%s = %g, want 0-100", name, v)
		}
	}
	check("cpu", sample.CPUPct)
	check("mem", sample.MemPct)
	check("disk", sample.DiskPct)
	if len(sample.Processes) == 0 {
		t.Error("no processes in sample")
	}
}
