// Package monitor samples host load and derives a binary idle/active state
// with hysteresis. It never touches the job store; it only reads the host and
// writes its own IdleState.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Monitor owns the IdleState. The zero value is not usable; use New.
type Monitor struct {
	mu        sync.RWMutex
	th        Thresholds
	sampler   Sampler
	input     InputDetector
	inputOK   bool
	log       zerolog.Logger
	state     IdleState
	idleStart time.Time
	last      time.Time
	callbacks []func(IdleState)
	now       func() time.Time
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInputDetector enables user-input detection.
func WithInputDetector(d InputDetector) Option {
	return func(m *Monitor) {
		m.input = d
		m.inputOK = d != nil
	}
}

// WithLogger installs a structured logger.
func WithLogger(l zerolog.Logger) Option { return func(m *Monitor) { m.log = l } }

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// New constructs a monitor that starts ACTIVE.
func New(sampler Sampler, th Thresholds, opts ...Option) *Monitor {
	m := &Monitor{
		th:      th,
		sampler: sampler,
		log:     zerolog.Nop(),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	if m.th.CheckInterval <= 0 {
		m.th.CheckInterval = time.Minute
	}
	m.state = IdleState{State: StateActive, Since: m.now(), InputDetection: m.inputOK}
	return m
}

// Sample reads host metrics without changing state.
func (m *Monitor) Sample(ctx context.Context) (Metrics, error) {
	return m.sampler.Sample(ctx)
}

// CurrentState returns a copy of the current IdleState.
func (m *Monitor) CurrentState() IdleState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// OnStateChange registers a callback invoked after every ACTIVE<->IDLE
// transition. Callbacks run on the sampling goroutine and must not block.
func (m *Monitor) OnStateChange(cb func(IdleState)) {
	m.mu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.mu.Unlock()
}

// Run samples every CheckInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	t := time.NewTicker(m.th.CheckInterval)
	defer t.Stop()
	m.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			m.Tick(ctx)
		}
	}
}

// Tick takes one sample and folds it into the state. Read failures leave the
// state untouched and are retried on the next tick.
func (m *Monitor) Tick(ctx context.Context) IdleState {
	metrics, err := m.sampler.Sample(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("sample failed; keeping previous idle state")
		return m.CurrentState()
	}
	if metrics.At.IsZero() {
		metrics.At = m.now()
	}
	m.mu.RLock()
	detector, ok := m.input, m.inputOK
	m.mu.RUnlock()
	if ok {
		since, err := detector.SinceLastInput(ctx)
		if err != nil {
			m.mu.Lock()
			m.inputOK = false
			m.state.InputDetection = false
			m.mu.Unlock()
			m.log.Warn().Err(err).Msg("user input detection unavailable; falling back to cpu/memory only")
		} else {
			metrics.InputIdle = since
			metrics.InputKnown = true
		}
	}
	return m.Observe(metrics)
}

// Observe folds one sample into the state machine and returns the new state.
// A single breach resets the idle accumulator and forces ACTIVE; IDLE is
// entered only after a contiguous below-threshold window of MinIdle.
func (m *Monitor) Observe(s Metrics) IdleState {
	m.mu.Lock()
	prev := m.state.State
	breach := m.breachLocked(s)
	m.last = s.At
	if breach {
		m.idleStart = time.Time{}
		m.state.IdleFor = 0
		if m.state.State != StateActive {
			m.state.State = StateActive
			m.state.Since = s.At
		}
	} else {
		if m.idleStart.IsZero() {
			m.idleStart = s.At
		}
		m.state.IdleFor = s.At.Sub(m.idleStart)
		if m.state.State != StateIdle && m.state.IdleFor >= m.th.MinIdle {
			m.state.State = StateIdle
			m.state.Since = s.At
		}
	}
	m.state.Metrics = s
	m.state.InputDetection = m.inputOK
	out := m.state
	var cbs []func(IdleState)
	if out.State != prev {
		cbs = append(cbs, m.callbacks...)
	}
	m.mu.Unlock()

	if out.State != prev {
		m.log.Info().Str("state", string(out.State)).
			Float64("cpu_pct", s.CPUPercent).Float64("mem_pct", s.MemPercent).
			Msg("idle state changed")
	}
	for _, cb := range cbs {
		cb(out)
	}
	return out
}

func (m *Monitor) breachLocked(s Metrics) bool {
	if s.CPUPercent >= m.th.CPUPercent || s.MemPercent >= m.th.MemoryPercent {
		return true
	}
	if m.th.DiskSpaceGB > 0 && s.DiskFreeGB < m.th.DiskSpaceGB {
		return true
	}
	if s.InputKnown {
		window := m.th.CheckInterval
		if !m.last.IsZero() && s.At.After(m.last) {
			window = s.At.Sub(m.last)
		}
		if s.InputIdle < window {
			return true
		}
	}
	return false
}
