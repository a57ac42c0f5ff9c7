package autopilot

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Severity grades an event for alerting transports.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event names emitted by the controller.
const (
	EventJobStarted     = "job_started"
	EventJobCompleted   = "job_completed"
	EventJobFailed      = "job_failed"
	EventSafetyDenied   = "safety_denied"
	EventDeployed       = "model_deployed"
	EventDeployRejected = "deployment_rejected"
	EventHalted         = "controller_halted"
	EventRecovered      = "job_recovered"
)

// Event is a controller lifecycle event: name plus job/run ids and optional fields.
type Event struct {
	Name     string
	Severity Severity
	JobID    string
	RunID    string
	At       time.Time
	Fields   map[string]any
}

// Notifier receives events. Implementations should be lightweight and
// non-blocking; Notify must not panic.
type Notifier interface {
	Notify(Event)
}

// noopNotifier is the default; it drops events.
type noopNotifier struct{}

func (noopNotifier) Notify(Event) {}

// MemoryNotifier stores events in memory for tests and the status page.
type MemoryNotifier struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryNotifier() *MemoryNotifier { return &MemoryNotifier{} }

func (n *MemoryNotifier) Notify(e Event) {
	n.mu.Lock()
	n.events = append(n.events, e)
	n.mu.Unlock()
}

func (n *MemoryNotifier) Events() []Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Event, len(n.events))
	copy(out, n.events)
	return out
}

// Names returns the event names in order.
func (n *MemoryNotifier) Names() []string {
	evs := n.Events()
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Name
	}
	return out
}

// LogNotifier writes events to a zerolog logger at a level matching severity.
type LogNotifier struct {
	Log zerolog.Logger
}

func (l LogNotifier) Notify(e Event) {
	var ev *zerolog.Event
	switch e.Severity {
	case SeverityCritical:
		ev = l.Log.Error().Bool("alert", true)
	case SeverityWarning:
		ev = l.Log.Warn()
	default:
		ev = l.Log.Info()
	}
	if e.JobID != "" {
		ev = ev.Str("job_id", e.JobID)
	}
	if e.RunID != "" {
		ev = ev.Str("run_id", e.RunID)
	}
	ev.Fields(e.Fields).Msg(e.Name)
}

// MultiNotifier fans out to every member.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(e Event) {
	for _, n := range m {
		if n != nil {
			n.Notify(e)
		}
	}
}
