// Package autopilot is the control loop that admits queued quantization jobs
// when the host is idle and the safety gate allows, runs them, evaluates the
// produced artifact, and optionally promotes it.
package autopilot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quantpilot/internal/deploy"
	"quantpilot/internal/evaluate"
	"quantpilot/internal/monitor"
	"quantpilot/internal/quantize"
	"quantpilot/internal/safety"
	"quantpilot/internal/store"
)

// State is the controller's coarse state.
type State string

const (
	StateStopped     State = "STOPPED"
	StateWaitingIdle State = "WAITING_IDLE"
	StateExecuting   State = "EXECUTING"
	StateHalted      State = "HALTED"
)

// IdleSource reports the monitor's current verdict.
type IdleSource interface {
	CurrentState() monitor.IdleState
}

// JobStore is the subset of the store the controller drives.
type JobStore interface {
	Enqueue(ctx context.Context, job store.Job) (string, error)
	ClaimNext(ctx context.Context, runID string, manualOnly bool) (store.Job, bool, error)
	Finish(ctx context.Context, run store.Run, o store.Outcome) error
	Snapshot(ctx context.Context, now time.Time) (store.Snapshot, error)
	RecoverInterrupted(ctx context.Context, live ...string) ([]store.Job, error)
}

// DiskProbe measures the filesystem the artifacts live on.
type DiskProbe interface {
	FreeGB() (float64, error)
	ModelUsageGB() (float64, error)
}

// Evaluator scores candidates against a baseline.
type Evaluator interface {
	Evaluate(ctx context.Context, baseline string, candidates []evaluate.Candidate, prompts []evaluate.Prompt) ([]evaluate.Result, error)
}

// Promoter deploys an artifact into the active slot.
type Promoter interface {
	Replace(ctx context.Context, candidatePath string) (deploy.Result, error)
}

// Settings are the controller's tunables.
type Settings struct {
	CheckInterval    time.Duration
	Limits           safety.Limits
	Timeout          time.Duration
	TargetSizeGB     float64
	MinJudgmentScore float64
	// BaselineModel is compared against; the job's base model when empty.
	BaselineModel string
	Prompts       []evaluate.Prompt
	AutoPromote   bool
}

// Deps are the collaborators injected into a Controller. Idle, Store,
// Signal and Executor are required.
type Deps struct {
	Idle      IdleSource
	Store     JobStore
	Signal    safety.Signal
	Disk      DiskProbe
	Executor  quantize.Executor
	Evaluator Evaluator
	Promoter  Promoter
	Notifier  Notifier
	Logger    zerolog.Logger
	Clock     func() time.Time
}

// Controller owns admission and execution. Use New.
type Controller struct {
	set  Settings
	deps Deps
	log  zerolog.Logger
	now  func() time.Time

	tickMu sync.Mutex // one admission pass at a time

	mu         sync.RWMutex
	running    bool
	state      State
	halted     bool
	haltReason string
	lastErr    string
	lastDec    safety.Decision
	lastDecAt  time.Time
	inflight   map[string]store.Job
	cancel     context.CancelFunc
	loopDone   chan struct{}

	wg   sync.WaitGroup
	wake chan struct{}
}

// New validates deps and returns a stopped controller.
func New(set Settings, deps Deps) (*Controller, error) {
	if deps.Idle == nil || deps.Store == nil || deps.Signal == nil || deps.Executor == nil {
		return nil, errors.New("autopilot: idle source, store, signal and executor are required")
	}
	if set.CheckInterval <= 0 {
		set.CheckInterval = time.Minute
	}
	if set.Limits.MaxConcurrentProcesses < 1 {
		set.Limits.MaxConcurrentProcesses = 1
	}
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	return &Controller{
		set:      set,
		deps:     deps,
		log:      deps.Logger.With().Str("component", "autopilot").Logger(),
		now:      deps.Clock,
		state:    StateStopped,
		inflight: make(map[string]store.Job),
		wake:     make(chan struct{}, 1),
	}, nil
}

// TickResult summarizes one admission pass.
type TickResult struct {
	Started  []string
	Decision safety.Decision
	// Waiting explains why no (further) job was started.
	Waiting string
}

// Tick runs one admission pass: for each free slot it re-reads a store
// snapshot, asks the safety gate, checks idleness and claims the next job.
// It returns after launching executions; it does not wait for them.
func (c *Controller) Tick(ctx context.Context) TickResult {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	var res TickResult
	if h, reason := c.Halted(); h {
		res.Waiting = "halted: " + reason
		return res
	}
	for slot := 0; slot < c.set.Limits.MaxConcurrentProcesses; slot++ {
		now := c.now()
		snap, err := c.deps.Store.Snapshot(ctx, now)
		if err != nil {
			c.transient("store snapshot", err)
			res.Waiting = "store unavailable"
			return res
		}
		in := safety.Inputs{
			Now:           now,
			EmergencyStop: c.deps.Signal.Stopped(),
			Snapshot:      safety.Snapshot{Running: snap.Running, DailyRuns: snap.DailyRuns},
		}
		if c.deps.Disk != nil {
			if in.DiskFreeGB, err = c.deps.Disk.FreeGB(); err != nil {
				c.transient("disk free", err)
				res.Waiting = "disk metrics unavailable"
				return res
			}
			if in.ModelUsageGB, err = c.deps.Disk.ModelUsageGB(); err != nil {
				c.transient("model usage", err)
				res.Waiting = "disk metrics unavailable"
				return res
			}
		} else {
			// No probe configured: disk checks pass.
			in.DiskFreeGB = c.set.Limits.DiskSpaceThresholdGB
		}
		dailyRunsGauge.Set(float64(snap.DailyRuns + snap.Running))

		dec := safety.CanStart(in, c.set.Limits)
		c.recordDecision(dec, now)
		res.Decision = dec
		if !dec.Allow {
			safetyDenials.WithLabelValues(string(dec.Check)).Inc()
			c.log.Info().Str("check", string(dec.Check)).Str("reason", dec.Reason).Msg("admission denied")
			res.Waiting = dec.Reason
			c.setIdleState()
			return res
		}

		idle := c.deps.Idle.CurrentState()
		if idle.Idle() {
			idleGauge.Set(1)
		} else {
			idleGauge.Set(0)
		}
		manualOnly := !idle.Idle()
		runID := uuid.New().String()
		job, ok, err := c.deps.Store.ClaimNext(ctx, runID, manualOnly)
		if err != nil {
			c.transient("claim next job", err)
			res.Waiting = "store unavailable"
			return res
		}
		if !ok {
			if manualOnly {
				res.Waiting = "host is not idle"
			} else {
				res.Waiting = "queue empty"
			}
			c.log.Debug().Str("waiting", res.Waiting).Msg("tick")
			c.setIdleState()
			return res
		}
		c.launch(ctx, job)
		res.Started = append(res.Started, job.JobID)
	}
	return res
}

func (c *Controller) launch(ctx context.Context, job store.Job) {
	c.mu.Lock()
	c.inflight[job.JobID] = job
	c.state = StateExecuting
	n := len(c.inflight)
	c.mu.Unlock()
	runningGauge.Set(float64(n))

	c.log.Info().Str("job_id", job.JobID).Str("run_id", job.RunID).Str("base_model", job.BaseModel).
		Str("method", job.QuantizationMethod).Int("priority", job.Priority).Str("trigger", string(job.Trigger)).
		Msg("job started")
	c.deps.Notifier.Notify(Event{Name: EventJobStarted, Severity: SeverityInfo, JobID: job.JobID, RunID: job.RunID, At: c.now(),
		Fields: map[string]any{"base_model": job.BaseModel, "method": job.QuantizationMethod}})

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.done(job.JobID)
		// Executions outlive the loop context. Stopping the loop never
		// kills in-flight work; only the job's own timeout does.
		c.execute(context.WithoutCancel(ctx), job)
	}()
}

func (c *Controller) done(jobID string) {
	c.mu.Lock()
	delete(c.inflight, jobID)
	n := len(c.inflight)
	if n == 0 && !c.halted {
		if c.running {
			c.state = StateWaitingIdle
		} else {
			c.state = StateStopped
		}
	}
	c.mu.Unlock()
	runningGauge.Set(float64(n))
	c.signalWake()
}

// execute runs one job to a terminal state. It always records exactly one run.
func (c *Controller) execute(ctx context.Context, job store.Job) {
	started := c.now()
	if job.StartedAt != nil {
		started = *job.StartedAt
	}
	target := job.TargetSizeGB
	if target == 0 {
		target = c.set.TargetSizeGB
	}
	run := store.Run{
		RunID:              job.RunID,
		JobID:              job.JobID,
		Trigger:            job.Trigger,
		Timestamp:          started,
		BaseModel:          job.BaseModel,
		QuantizationMethod: job.QuantizationMethod,
		TargetSizeGB:       target,
	}
	log := c.log.With().Str("job_id", job.JobID).Str("run_id", job.RunID).Logger()

	art, err := c.runExecutor(ctx, quantize.Request{
		JobID:        job.JobID,
		RunID:        job.RunID,
		BaseModel:    job.BaseModel,
		Method:       job.QuantizationMethod,
		TargetSizeGB: target,
		Timeout:      c.set.Timeout,
	})
	run.ExecutionTimeMinutes = c.now().Sub(started).Minutes()
	executionSeconds.Observe(c.now().Sub(started).Seconds())
	if err != nil {
		outcome := "failed"
		run.ResultSummary = "quantization failed"
		if quantize.IsExecutionTimeout(err) {
			outcome = "timeout"
			run.ResultSummary = "quantization timed out"
		}
		run.ErrorMessage = err.Error()
		log.Warn().Err(err).Str("outcome", outcome).Msg("job failed")
		c.finish(ctx, log, run, store.Outcome{Status: store.StatusFailed, Error: err.Error()}, outcome)
		return
	}
	run.ModelPath = art.Path

	outcome := store.Outcome{Status: store.StatusCompleted, ArtifactPath: art.Path}
	label := "completed"
	if c.deps.Evaluator == nil {
		run.Success = true
		run.ResultSummary = fmt.Sprintf("artifact %.2fGB; no evaluator configured, not promoted", art.SizeGB)
		c.finish(ctx, log, run, outcome, "unpromoted")
		return
	}

	baseline := c.set.BaselineModel
	if baseline == "" {
		baseline = job.BaseModel
	}
	results, err := c.deps.Evaluator.Evaluate(ctx, baseline,
		[]evaluate.Candidate{{ID: job.RunID, Path: art.Path, SizeGB: art.SizeGB}}, c.set.Prompts)
	switch {
	case evaluate.IsInsufficientHuman(err):
		run.Success = true
		run.ResultSummary = fmt.Sprintf("artifact %.2fGB; awaiting human ratings for candidate %s", art.SizeGB, job.RunID)
		c.finish(ctx, log, run, outcome, "unpromoted")
		return
	case err != nil:
		run.ErrorMessage = "evaluation: " + err.Error()
		run.ResultSummary = "evaluation failed; artifact retained"
		log.Warn().Err(err).Msg("evaluation failed")
		outcome.Status = store.StatusFailed
		outcome.Error = run.ErrorMessage
		c.finish(ctx, log, run, outcome, "failed")
		return
	case len(results) == 0:
		run.ErrorMessage = "evaluation returned no result"
		outcome.Status = store.StatusFailed
		outcome.Error = run.ErrorMessage
		c.finish(ctx, log, run, outcome, "failed")
		return
	}

	r := results[0]
	run.Success = true
	run.JudgmentScore = r.CombinedScore
	summary := fmt.Sprintf("artifact %.2fGB; ai=%.3f human=%.3f combined=%.3f confidence=%.3f",
		art.SizeGB, r.AIScore, r.HumanScore, r.CombinedScore, r.Confidence)
	if r.Degraded {
		summary += " (AI-only)"
	}
	switch {
	case r.CombinedScore < c.set.MinJudgmentScore:
		summary += fmt.Sprintf("; below min judgment %.2f, retained unpromoted", c.set.MinJudgmentScore)
		label = "unpromoted"
	case r.Degraded:
		summary += fmt.Sprintf("; awaiting human ratings (%d), requires manual review", r.HumanSamples)
		label = "unpromoted"
	case r.RequiresReview:
		summary += "; low consensus, requires manual review"
		label = "unpromoted"
	case !c.set.AutoPromote || c.deps.Promoter == nil:
		summary += "; eligible for promotion"
	default:
		promoted, note, fatal := c.promote(ctx, log, job, art.Path)
		summary += "; " + note
		outcome.Promoted = promoted
		if fatal != nil {
			run.ResultSummary = summary
			c.finish(ctx, log, run, outcome, label)
			c.halt(fatal)
			return
		}
	}
	run.ResultSummary = summary
	c.finish(ctx, log, run, outcome, label)
}

// runExecutor enforces the job timeout on the controller side. A run still
// going when the budget is spent fails as timed out whether or not the
// executor honours its context; a late result is only logged.
func (c *Controller) runExecutor(ctx context.Context, req quantize.Request) (quantize.Artifact, error) {
	if c.set.Timeout <= 0 {
		return c.deps.Executor.Run(ctx, req)
	}
	runCtx, cancel := context.WithTimeout(ctx, c.set.Timeout)
	defer cancel()
	type result struct {
		art quantize.Artifact
		err error
	}
	ch := make(chan result, 1)
	go func() {
		art, err := c.deps.Executor.Run(runCtx, req)
		ch <- result{art, err}
	}()
	timedOut := &quantize.ExecutionTimeoutError{Timeout: c.set.Timeout}
	select {
	case r := <-ch:
		if r.err != nil && !quantize.IsExecutionTimeout(r.err) && errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return r.art, timedOut
		}
		return r.art, r.err
	case <-runCtx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				c.log.Warn().Str("job_id", req.JobID).Str("artifact", r.art.Path).Msg("executor returned after its timeout, artifact not recorded")
			}
		}()
		return quantize.Artifact{}, timedOut
	}
}

// promote deploys path. A non-nil fatal error means the restore failed.
func (c *Controller) promote(ctx context.Context, log zerolog.Logger, job store.Job, path string) (bool, string, error) {
	res, err := c.deps.Promoter.Replace(ctx, path)
	switch {
	case err == nil:
		deploymentsTotal.WithLabelValues("deployed").Inc()
		c.deps.Notifier.Notify(Event{Name: EventDeployed, Severity: SeverityInfo, JobID: job.JobID, RunID: job.RunID, At: c.now(),
			Fields: map[string]any{"path": path, "backup_id": res.BackupID}})
		return true, "deployed (backup " + res.BackupID + ")", nil
	case deploy.IsRestoreFailed(err):
		deploymentsTotal.WithLabelValues("restore_failed").Inc()
		return false, "deployment failed and restore failed", err
	default:
		result := "rolled_back"
		if deploy.IsValidation(err) {
			result = "rejected"
		}
		deploymentsTotal.WithLabelValues(result).Inc()
		log.Warn().Err(err).Msg("promotion did not complete")
		c.deps.Notifier.Notify(Event{Name: EventDeployRejected, Severity: SeverityWarning, JobID: job.JobID, RunID: job.RunID, At: c.now(),
			Fields: map[string]any{"error": err.Error()}})
		return false, "not deployed: " + err.Error(), nil
	}
}

func (c *Controller) finish(ctx context.Context, log zerolog.Logger, run store.Run, o store.Outcome, label string) {
	if err := c.deps.Store.Finish(ctx, run, o); err != nil {
		// The job stays RUNNING and is failed as interrupted on restart.
		log.Error().Err(err).Msg("could not record run")
		c.setLastError(fmt.Sprintf("record run %s: %v", run.RunID, err))
		return
	}
	jobsTotal.WithLabelValues(label).Inc()
	if o.Status == store.StatusFailed {
		c.setLastError(fmt.Sprintf("job %s: %s", run.JobID, o.Error))
		c.deps.Notifier.Notify(Event{Name: EventJobFailed, Severity: SeverityWarning, JobID: run.JobID, RunID: run.RunID, At: c.now(),
			Fields: map[string]any{"error": o.Error}})
		return
	}
	log.Info().Float64("judgment_score", run.JudgmentScore).Bool("promoted", o.Promoted).Str("summary", run.ResultSummary).
		Msg("job completed")
	c.deps.Notifier.Notify(Event{Name: EventJobCompleted, Severity: SeverityInfo, JobID: run.JobID, RunID: run.RunID, At: c.now(),
		Fields: map[string]any{"judgment_score": run.JudgmentScore, "promoted": o.Promoted}})
}

// halt is the one fatal path: the active model state is unknown.
func (c *Controller) halt(err error) {
	c.mu.Lock()
	c.halted = true
	c.haltReason = err.Error()
	c.lastErr = err.Error()
	c.state = StateHalted
	c.mu.Unlock()
	haltedGauge.Set(1)
	c.log.Error().Err(err).Bool("fatal", true).Msg("controller halted: production model state unknown")
	c.deps.Notifier.Notify(Event{Name: EventHalted, Severity: SeverityCritical, At: c.now(),
		Fields: map[string]any{"error": err.Error()}})
}

// clearHalt lifts the halt once an operator restored a known-good backup.
func (c *Controller) clearHalt() {
	c.mu.Lock()
	if !c.halted {
		c.mu.Unlock()
		return
	}
	c.halted = false
	c.haltReason = ""
	c.state = StateStopped
	if c.running {
		c.state = StateWaitingIdle
	}
	if len(c.inflight) > 0 {
		c.state = StateExecuting
	}
	c.mu.Unlock()
	haltedGauge.Set(0)
	c.log.Warn().Msg("halt cleared after operator restore")
	c.signalWake()
}

func (c *Controller) transient(what string, err error) {
	c.log.Warn().Err(err).Str("source", what).Msg("transient error, retrying next tick")
	c.setLastError(what + ": " + err.Error())
}

func (c *Controller) setLastError(msg string) {
	c.mu.Lock()
	c.lastErr = msg
	c.mu.Unlock()
}

func (c *Controller) recordDecision(d safety.Decision, at time.Time) {
	c.mu.Lock()
	changed := d.Check != c.lastDec.Check
	c.lastDec, c.lastDecAt = d, at
	c.mu.Unlock()
	if changed && !d.Allow {
		c.deps.Notifier.Notify(Event{Name: EventSafetyDenied, Severity: SeverityInfo, At: at,
			Fields: map[string]any{"check": string(d.Check), "reason": d.Reason}})
	}
}

func (c *Controller) setIdleState() {
	c.mu.Lock()
	if c.running && len(c.inflight) == 0 && !c.halted {
		c.state = StateWaitingIdle
	}
	c.mu.Unlock()
}

// Recover fails jobs left RUNNING by a previous process. Jobs this
// controller is still executing are not touched.
func (c *Controller) Recover(ctx context.Context) ([]store.Job, error) {
	// no claim may happen between reading inflight and the recovery write
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	c.mu.RLock()
	live := make([]string, 0, len(c.inflight))
	for id := range c.inflight {
		live = append(live, id)
	}
	c.mu.RUnlock()

	jobs, err := c.deps.Store.RecoverInterrupted(ctx, live...)
	if err != nil {
		return nil, err
	}
	for _, j := range jobs {
		c.log.Warn().Str("job_id", j.JobID).Str("run_id", j.RunID).Msg("job interrupted by restart marked failed")
		c.deps.Notifier.Notify(Event{Name: EventRecovered, Severity: SeverityWarning, JobID: j.JobID, RunID: j.RunID, At: c.now()})
	}
	return jobs, nil
}

// Start recovers interrupted jobs and launches the loop. The loop ticks
// every CheckInterval and also wakes on Submit, finished jobs, and changes
// of a watchable emergency-stop signal.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.halted {
		defer c.mu.Unlock()
		return haltedError{reason: c.haltReason}
	}
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.mu.Unlock()

	if _, err := c.Recover(ctx); err != nil {
		return fmt.Errorf("recover interrupted jobs: %w", err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	var watch <-chan struct{}
	if w, ok := c.deps.Signal.(safety.Watcher); ok {
		ch, err := w.Watch(loopCtx)
		if err != nil {
			c.log.Warn().Err(err).Msg("emergency-stop watch unavailable, polling only")
		} else {
			watch = ch
		}
	}

	c.mu.Lock()
	c.running = true
	c.state = StateWaitingIdle
	if len(c.inflight) > 0 {
		c.state = StateExecuting
	}
	c.cancel = cancel
	c.loopDone = make(chan struct{})
	done := c.loopDone
	c.mu.Unlock()

	go c.loop(loopCtx, watch, done)
	c.log.Info().Dur("interval", c.set.CheckInterval).Msg("autopilot started")
	return nil
}

func (c *Controller) loop(ctx context.Context, watch <-chan struct{}, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(c.set.CheckInterval)
	defer t.Stop()
	for {
		c.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-c.wake:
		case _, ok := <-watch:
			if !ok {
				watch = nil
			}
		}
	}
}

// Stop ends the loop and waits for in-flight executions until ctx expires.
// Executions are never cancelled; a job still running when ctx expires keeps
// its slot and records its own outcome when it finishes.
func (c *Controller) Stop(ctx context.Context) error {
	c.mu.Lock()
	cancel, done := c.cancel, c.loopDone
	c.running = false
	c.cancel = nil
	if !c.halted {
		c.state = StateStopped
		if len(c.inflight) > 0 {
			c.state = StateExecuting
		}
	}
	c.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		c.log.Info().Msg("autopilot stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop: in-flight jobs still running: %w", ctx.Err())
	}
}

// Wait blocks until every in-flight execution has finished.
func (c *Controller) Wait() { c.wg.Wait() }

// Submit enqueues a job and wakes the loop. Jobs default to the manual
// trigger, which skips the idle check.
func (c *Controller) Submit(ctx context.Context, job store.Job) (string, error) {
	if strings.TrimSpace(job.BaseModel) == "" || strings.TrimSpace(job.QuantizationMethod) == "" {
		return "", badRequestError{msg: "base_model and quantization_method are required"}
	}
	switch job.Trigger {
	case "":
		job.Trigger = store.TriggerManual
	case store.TriggerIdle, store.TriggerManual, store.TriggerScheduled:
	default:
		return "", badRequestError{msg: fmt.Sprintf("unknown trigger_type %q", job.Trigger)}
	}
	id, err := c.deps.Store.Enqueue(ctx, job)
	if err != nil {
		return "", err
	}
	c.signalWake()
	return id, nil
}

func (c *Controller) signalWake() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Snapshot is a read-only view of the controller.
type Snapshot struct {
	Running      bool
	State        State
	Halted       bool
	HaltReason   string
	LastError    string
	LastDecision safety.Decision
	DecisionAt   time.Time
	Inflight     []store.Job
}

// Snapshot returns the current view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{
		Running:      c.running,
		State:        c.state,
		Halted:       c.halted,
		HaltReason:   c.haltReason,
		LastError:    c.lastErr,
		LastDecision: c.lastDec,
		DecisionAt:   c.lastDecAt,
		Inflight:     make([]store.Job, 0, len(c.inflight)),
	}
	for _, j := range c.inflight {
		s.Inflight = append(s.Inflight, j)
	}
	return s
}

// Halted reports the fatal state and its reason.
func (c *Controller) Halted() (bool, string) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.halted, c.haltReason
}

// Settings returns the controller's settings.
func (c *Controller) Settings() Settings { return c.set }
