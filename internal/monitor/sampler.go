package monitor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostSampler reads CPU, memory and free disk through gopsutil.
type HostSampler struct {
	// DiskPath is the filesystem whose free space is reported.
	DiskPath string
	now      func() time.Time
}

// NewHostSampler returns a sampler watching free space on diskPath.
func NewHostSampler(diskPath string) *HostSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &HostSampler{DiskPath: diskPath, now: time.Now}
}

// Sample reads current load. CPU percent is measured since the previous call
// (interval 0), so the call never sleeps.
func (s *HostSampler) Sample(ctx context.Context) (Metrics, error) {
	m := Metrics{At: s.now()}
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return m, &TransientResourceError{Source: "cpu", Err: err}
	}
	if len(pcts) > 0 {
		m.CPUPercent = pcts[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return m, &TransientResourceError{Source: "memory", Err: err}
	}
	m.MemPercent = vm.UsedPercent
	du, err := disk.UsageWithContext(ctx, s.DiskPath)
	if err != nil {
		return m, &TransientResourceError{Source: "disk", Err: err}
	}
	m.DiskFreeGB = float64(du.Free) / (1024 * 1024 * 1024)
	return m, nil
}

// CommandInputDetector runs a helper such as xprintidle that prints the
// milliseconds since the last keyboard or mouse event.
type CommandInputDetector struct {
	Argv    []string
	Timeout time.Duration
}

// NewCommandInputDetector splits command on whitespace.
func NewCommandInputDetector(command string) *CommandInputDetector {
	return &CommandInputDetector{Argv: strings.Fields(command), Timeout: 2 * time.Second}
}

func (d *CommandInputDetector) SinceLastInput(ctx context.Context) (time.Duration, error) {
	if len(d.Argv) == 0 {
		return 0, fmt.Errorf("input detector: empty command")
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}
	out, err := exec.CommandContext(ctx, d.Argv[0], d.Argv[1:]...).Output()
	if err != nil {
		return 0, fmt.Errorf("input detector %s: %w", d.Argv[0], err)
	}
	ms, err := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("input detector output %q: %w", strings.TrimSpace(string(out)), err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// TransientResourceError marks a metrics read failure. The monitor logs it
// and retries on the next tick.
type TransientResourceError struct {
	Source string
	Err    error
}

func (e *TransientResourceError) Error() string {
	return "transient resource error (" + e.Source + "): " + e.Err.Error()
}

func (e *TransientResourceError) Unwrap() error { return e.Err }
