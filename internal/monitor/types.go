package monitor

import (
	"context"
	"time"
)

// State is the binary idle classification of the host.
type State string

const (
	StateActive State = "ACTIVE"
	StateIdle   State = "IDLE"
)

// Metrics is one sample of host load.
type Metrics struct {
	At         time.Time `json:"at"`
	CPUPercent float64   `json:"cpu_pct"`
	MemPercent float64   `json:"mem_pct"`
	DiskFreeGB float64   `json:"disk_free_gb"`
	// InputIdle is the time since the last keyboard/mouse event. Only
	// meaningful when InputKnown is true.
	InputIdle  time.Duration `json:"input_idle"`
	InputKnown bool          `json:"input_known"`
}

// IdleState is the monitor's current classification. Other components only
// ever receive copies.
type IdleState struct {
	State   State     `json:"state"`
	Since   time.Time `json:"since"`
	Metrics Metrics   `json:"metrics"`
	// IdleFor is the accumulated contiguous below-threshold duration.
	IdleFor time.Duration `json:"idle_for"`
	// InputDetection reports whether user-input detection is active or has
	// degraded to CPU/memory-only.
	InputDetection bool `json:"input_detection"`
}

// Idle reports whether the state is IDLE.
func (s IdleState) Idle() bool { return s.State == StateIdle }

// Sampler reads host load. Implementations must be cheap and non-blocking.
type Sampler interface {
	Sample(ctx context.Context) (Metrics, error)
}

// InputDetector reports how long ago the last user input happened.
type InputDetector interface {
	SinceLastInput(ctx context.Context) (time.Duration, error)
}

// Thresholds configures when a sample counts as a breach.
type Thresholds struct {
	MinIdle       time.Duration
	CPUPercent    float64
	MemoryPercent float64
	DiskSpaceGB   float64 // 0 disables the disk check
	CheckInterval time.Duration
}
