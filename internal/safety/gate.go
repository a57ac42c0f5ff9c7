// Package safety decides whether a new quantization job may start and
// exposes the emergency-stop signal the controller polls.
package safety

import (
	"fmt"
	"time"
)

// Check names the rule that produced a decision.
type Check string

const (
	CheckEmergencyStop Check = "emergency_stop"
	CheckDailyLimit    Check = "daily_limit"
	CheckConcurrency   Check = "concurrency"
	CheckDiskFree      Check = "disk_free"
	CheckDiskUsage     Check = "disk_usage"
	CheckOK            Check = "ok"
)

// Limits are the hard caps enforced by CanStart.
type Limits struct {
	MaxActiveLoopsPerDay   int
	MaxConcurrentProcesses int
	DiskSpaceThresholdGB   float64 // 0 disables
	MaxDiskUsageGB         float64 // 0 disables
}

// Snapshot is the consistent store view used for one decision.
type Snapshot struct {
	Running   int
	DailyRuns int
}

// Inputs bundles everything CanStart looks at.
type Inputs struct {
	Now           time.Time
	EmergencyStop bool
	Snapshot      Snapshot
	DiskFreeGB    float64
	ModelUsageGB  float64
}

// Decision is the gate's verdict. Reason is always set.
type Decision struct {
	Allow  bool   `json:"allow"`
	Check  Check  `json:"check"`
	Reason string `json:"reason"`
}

// CanStart evaluates the rules in order and stops at the first failure.
// Jobs already RUNNING count against the daily cap, since each of them will
// record a run today.
func CanStart(in Inputs, l Limits) Decision {
	if in.EmergencyStop {
		return deny(CheckEmergencyStop, "emergency stop is active")
	}
	if committed := in.Snapshot.DailyRuns + in.Snapshot.Running; committed >= l.MaxActiveLoopsPerDay {
		return deny(CheckDailyLimit, fmt.Sprintf("daily run limit reached: %d runs (%d recorded, %d in flight) of %d",
			committed, in.Snapshot.DailyRuns, in.Snapshot.Running, l.MaxActiveLoopsPerDay))
	}
	if in.Snapshot.Running >= l.MaxConcurrentProcesses {
		return deny(CheckConcurrency, fmt.Sprintf("concurrency limit reached: %d of %d running",
			in.Snapshot.Running, l.MaxConcurrentProcesses))
	}
	if l.DiskSpaceThresholdGB > 0 && in.DiskFreeGB < l.DiskSpaceThresholdGB {
		return deny(CheckDiskFree, fmt.Sprintf("free disk %.1fGB below threshold %.1fGB", in.DiskFreeGB, l.DiskSpaceThresholdGB))
	}
	if l.MaxDiskUsageGB > 0 && in.ModelUsageGB >= l.MaxDiskUsageGB {
		return deny(CheckDiskUsage, fmt.Sprintf("model storage %.1fGB at or above cap %.1fGB", in.ModelUsageGB, l.MaxDiskUsageGB))
	}
	return Decision{Allow: true, Check: CheckOK, Reason: "all safety checks passed"}
}

func deny(c Check, reason string) Decision {
	return Decision{Allow: false, Check: c, Reason: reason}
}
