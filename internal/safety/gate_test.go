package safety

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

var defaultLimits = Limits{MaxActiveLoopsPerDay: 3, MaxConcurrentProcesses: 1, DiskSpaceThresholdGB: 20, MaxDiskUsageGB: 100}

func okInputs() Inputs {
	return Inputs{Now: time.Now(), DiskFreeGB: 500, ModelUsageGB: 10}
}

func TestCanStartAllows(t *testing.T) {
	d := CanStart(okInputs(), defaultLimits)
	if !d.Allow || d.Check != CheckOK || d.Reason == "" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestCanStartRuleOrder(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Inputs)
		want Check
	}{
		{"estop beats everything", func(in *Inputs) {
			in.EmergencyStop = true
			in.Snapshot = Snapshot{Running: 5, DailyRuns: 9}
			in.DiskFreeGB = 0
		}, CheckEmergencyStop},
		{"daily limit", func(in *Inputs) { in.Snapshot.DailyRuns = 3 }, CheckDailyLimit},
		{"running counts toward daily", func(in *Inputs) { in.Snapshot = Snapshot{DailyRuns: 2, Running: 1} }, CheckDailyLimit},
		{"concurrency", func(in *Inputs) { in.Snapshot = Snapshot{DailyRuns: 0, Running: 1} }, CheckConcurrency},
		{"free disk", func(in *Inputs) { in.DiskFreeGB = 19.9 }, CheckDiskFree},
		{"usage cap", func(in *Inputs) { in.ModelUsageGB = 100 }, CheckDiskUsage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := okInputs()
			tc.mut(&in)
			d := CanStart(in, defaultLimits)
			if d.Allow {
				t.Fatalf("expected deny, got %+v", d)
			}
			if d.Check != tc.want {
				t.Fatalf("check=%s want %s (%s)", d.Check, tc.want, d.Reason)
			}
		})
	}
}

func TestCanStartDisabledDiskChecks(t *testing.T) {
	in := okInputs()
	in.DiskFreeGB = 0
	in.ModelUsageGB = 1e6
	d := CanStart(in, Limits{MaxActiveLoopsPerDay: 1, MaxConcurrentProcesses: 1})
	if !d.Allow {
		t.Fatalf("disk checks should be disabled at 0: %+v", d)
	}
}

func TestFileSignalEngageRelease(t *testing.T) {
	p := filepath.Join(t.TempDir(), "sub", "STOP")
	s := NewFileSignal(p)
	if s.Stopped() {
		t.Fatal("fresh signal stopped")
	}
	if err := s.Engage("test"); err != nil {
		t.Fatalf("engage: %v", err)
	}
	if !s.Stopped() {
		t.Fatal("expected stopped after engage")
	}
	if err := s.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if s.Stopped() {
		t.Fatal("expected released")
	}
	if err := s.Release(); err != nil {
		t.Fatalf("double release should be a no-op: %v", err)
	}
}

func TestFileSignalWatchNotifies(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "STOP")
	s := NewFileSignal(p)
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	// unrelated files are ignored
	if err := os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Engage("watch"); err != nil {
		t.Fatal(err)
	}
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatal("no notification for sentinel create")
	}
	cancel()
	for range ch {
	}
}

func TestFlagEnvAny(t *testing.T) {
	var f Flag
	t.Setenv("QP_TEST_STOP", "")
	env := EnvSignal{Name: "QP_TEST_STOP"}
	all := Any{&f, env, nil}
	if all.Stopped() {
		t.Fatal("nothing engaged")
	}
	f.Set(true)
	if !all.Stopped() {
		t.Fatal("flag should stop")
	}
	f.Set(false)
	t.Setenv("QP_TEST_STOP", "true")
	if !all.Stopped() {
		t.Fatal("env should stop")
	}
}

func TestSentinelCombinesFileAndEnv(t *testing.T) {
	t.Setenv("QP_TEST_SENTINEL", "")
	s := Sentinel{FileSignal: NewFileSignal(filepath.Join(t.TempDir(), "STOP")), Extra: Any{EnvSignal{Name: "QP_TEST_SENTINEL"}}}
	if s.Stopped() {
		t.Fatal("nothing engaged")
	}
	t.Setenv("QP_TEST_SENTINEL", "1")
	if !s.Stopped() {
		t.Fatal("env should stop")
	}
	t.Setenv("QP_TEST_SENTINEL", "")
	if err := s.Engage("operator"); err != nil {
		t.Fatal(err)
	}
	if !s.Stopped() {
		t.Fatal("sentinel file should stop")
	}
	var _ Watcher = s
}
