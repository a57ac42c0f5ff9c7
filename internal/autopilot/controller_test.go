package autopilot

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"quantpilot/internal/deploy"
	"quantpilot/internal/evaluate"
	"quantpilot/internal/monitor"
	"quantpilot/internal/quantize"
	"quantpilot/internal/safety"
	"quantpilot/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type idleSwitch struct {
	mu   sync.Mutex
	idle bool
}

func (s *idleSwitch) CurrentState() monitor.IdleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.idle {
		return monitor.IdleState{State: monitor.StateIdle}
	}
	return monitor.IdleState{State: monitor.StateActive}
}

func (s *idleSwitch) Set(idle bool) {
	s.mu.Lock()
	s.idle = idle
	s.mu.Unlock()
}

// fakeExec writes a small artifact per run, or fails with err.
type fakeExec struct {
	dir string

	mu    sync.Mutex
	calls []quantize.Request
	err   error
}

func (f *fakeExec) Run(_ context.Context, req quantize.Request) (quantize.Artifact, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return quantize.Artifact{}, err
	}
	p := filepath.Join(f.dir, req.RunID+".gguf")
	if err := os.WriteFile(p, []byte("GGUF"+req.BaseModel), 0o644); err != nil {
		return quantize.Artifact{}, err
	}
	return quantize.Artifact{Path: p, SizeGB: 0.001}, nil
}

func (f *fakeExec) models() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.BaseModel
	}
	return out
}

type fixedEval struct {
	res evaluate.Result
	err error
}

func (f fixedEval) Evaluate(_ context.Context, _ string, cands []evaluate.Candidate, _ []evaluate.Prompt) ([]evaluate.Result, error) {
	if f.err != nil {
		return nil, f.err
	}
	r := f.res
	r.CandidateID, r.Path, r.Rank = cands[0].ID, cands[0].Path, 1
	return []evaluate.Result{r}, nil
}

type fakePromoter struct {
	mu    sync.Mutex
	err   error
	paths []string
}

func (p *fakePromoter) Replace(_ context.Context, path string) (deploy.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paths = append(p.paths, path)
	if p.err != nil {
		return deploy.Result{BackupID: "b1"}, p.err
	}
	return deploy.Result{OK: true, BackupID: "b1"}, nil
}

type harness struct {
	ctl   *Controller
	store *store.Store
	clk   *clock
	idle  *idleSwitch
	exec  *fakeExec
	stop  *safety.Flag
	notes *MemoryNotifier
}

func newHarness(t *testing.T, mutate func(*Settings, *Deps)) *harness {
	t.Helper()
	clk := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	st, err := store.Open(filepath.Join(t.TempDir(), "autopilot.db"), store.WithClock(clk.Now), store.WithUTCDay(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store: st,
		clk:   clk,
		idle:  &idleSwitch{idle: true},
		exec:  &fakeExec{dir: t.TempDir()},
		stop:  &safety.Flag{},
		notes: NewMemoryNotifier(),
	}
	set := Settings{
		CheckInterval:    time.Hour,
		Limits:           safety.Limits{MaxActiveLoopsPerDay: 3, MaxConcurrentProcesses: 1},
		Timeout:          time.Minute,
		MinJudgmentScore: 0.7,
	}
	deps := Deps{
		Idle:     h.idle,
		Store:    st,
		Signal:   h.stop,
		Executor: h.exec,
		Notifier: h.notes,
		Clock:    clk.Now,
	}
	if mutate != nil {
		mutate(&set, &deps)
	}
	h.ctl, err = New(set, deps)
	require.NoError(t, err)
	return h
}

func (h *harness) enqueue(t *testing.T, model string, prio int) string {
	t.Helper()
	id, err := h.store.Enqueue(context.Background(), store.Job{BaseModel: model, QuantizationMethod: "q4_k_m", Priority: prio})
	require.NoError(t, err)
	h.clk.Advance(time.Second)
	return id
}

// tick runs one admission pass and waits for the jobs it started.
func (h *harness) tick() TickResult {
	res := h.ctl.Tick(context.Background())
	h.ctl.Wait()
	return res
}

func TestPriorityOrderAndDailyCap(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, "p5", 5)
	h.enqueue(t, "p8", 8)
	h.enqueue(t, "p3", 3)
	blocked := h.enqueue(t, "p1", 1)

	for range 3 {
		res := h.tick()
		require.Len(t, res.Started, 1)
		h.clk.Advance(time.Minute)
	}
	require.Equal(t, []string{"p8", "p5", "p3"}, h.exec.models())

	res := h.tick()
	require.Empty(t, res.Started)
	require.Equal(t, safety.CheckDailyLimit, res.Decision.Check)

	j, err := h.store.GetJob(context.Background(), blocked)
	require.NoError(t, err)
	require.Equal(t, store.StatusPending, j.Status)

	runs, err := h.store.ListRuns(context.Background(), 1000)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, r := range runs {
		require.True(t, r.Success)
		require.Equal(t, store.TriggerIdle, r.Trigger)
	}

	// next calendar day the cap resets
	h.clk.Advance(24 * time.Hour)
	res = h.tick()
	require.Equal(t, []string{blocked}, res.Started)
}

func TestDailyCapHoldsAcrossDays(t *testing.T) {
	h := newHarness(t, func(s *Settings, _ *Deps) {
		s.Limits = safety.Limits{MaxActiveLoopsPerDay: 3, MaxConcurrentProcesses: 2}
	})
	rng := rand.New(rand.NewPCG(3, 9))
	for day := range 5 {
		for range rng.IntN(6) {
			h.enqueue(t, "m", rng.IntN(10))
		}
		for range 8 {
			h.tick()
			h.clk.Advance(time.Duration(rng.IntN(90)+1) * time.Minute)
		}
		h.clk.Advance(time.Duration(24-day%3) * time.Hour)
	}

	runs, err := h.store.ListRuns(context.Background(), 1000)
	require.NoError(t, err)
	perDay := map[string]int{}
	for _, r := range runs {
		perDay[r.Timestamp.UTC().Format(time.DateOnly)]++
	}
	for day, n := range perDay {
		require.LessOrEqual(t, n, 3, "day %s", day)
	}
}

func TestConcurrentSlotsFillUpToLimit(t *testing.T) {
	h := newHarness(t, func(s *Settings, _ *Deps) {
		s.Limits = safety.Limits{MaxActiveLoopsPerDay: 10, MaxConcurrentProcesses: 2}
	})
	for i := range 3 {
		h.enqueue(t, "m", i)
	}
	res := h.tick()
	require.Len(t, res.Started, 2)
	res = h.tick()
	require.Len(t, res.Started, 1)
}

func TestManualJobBypassesIdleCheck(t *testing.T) {
	h := newHarness(t, nil)
	h.idle.Set(false)
	h.enqueue(t, "background", 9)
	manual, err := h.ctl.Submit(context.Background(), store.Job{BaseModel: "urgent", QuantizationMethod: "q5_k_m", Priority: 1})
	require.NoError(t, err)

	res := h.tick()
	require.Equal(t, []string{manual}, res.Started)
	runs, err := h.store.ListRuns(context.Background(), 1000)
	require.NoError(t, err)
	require.Equal(t, store.TriggerManual, runs[0].Trigger)

	res = h.tick()
	require.Empty(t, res.Started)
	require.Equal(t, "host is not idle", res.Waiting)
}

func TestSubmitRejectsBadInput(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.ctl.Submit(context.Background(), store.Job{BaseModel: "m"})
	require.True(t, IsBadRequest(err))
	_, err = h.ctl.Submit(context.Background(), store.Job{BaseModel: "m", QuantizationMethod: "q4", Trigger: "cron"})
	require.True(t, IsBadRequest(err))
}

func TestEmergencyStopDeniesAndResumes(t *testing.T) {
	h := newHarness(t, nil)
	h.enqueue(t, "m", 5)
	h.stop.Set(true)

	res := h.tick()
	require.Empty(t, res.Started)
	require.Equal(t, safety.CheckEmergencyStop, res.Decision.Check)
	require.Contains(t, h.notes.Names(), EventSafetyDenied)
	require.Equal(t, safety.CheckEmergencyStop, h.ctl.Snapshot().LastDecision.Check)

	h.stop.Set(false)
	res = h.tick()
	require.Len(t, res.Started, 1)
}

type staticDisk struct{ free, used float64 }

func (d staticDisk) FreeGB() (float64, error)       { return d.free, nil }
func (d staticDisk) ModelUsageGB() (float64, error) { return d.used, nil }

type brokenDisk struct{}

func (brokenDisk) FreeGB() (float64, error) {
	return 0, &monitor.TransientResourceError{Source: "statfs", Err: errors.New("EIO")}
}
func (brokenDisk) ModelUsageGB() (float64, error) { return 0, nil }

func TestDiskChecks(t *testing.T) {
	h := newHarness(t, func(s *Settings, d *Deps) {
		s.Limits.DiskSpaceThresholdGB = 20
		s.Limits.MaxDiskUsageGB = 100
		d.Disk = staticDisk{free: 5, used: 10}
	})
	h.enqueue(t, "m", 5)
	require.Equal(t, safety.CheckDiskFree, h.tick().Decision.Check)

	h.ctl.deps.Disk = staticDisk{free: 50, used: 150}
	require.Equal(t, safety.CheckDiskUsage, h.tick().Decision.Check)

	h.ctl.deps.Disk = brokenDisk{}
	res := h.tick()
	require.Empty(t, res.Started)
	require.Equal(t, "disk metrics unavailable", res.Waiting)
	require.Contains(t, h.ctl.Snapshot().LastError, "EIO")
}

func TestExecutionTimeoutFailsJob(t *testing.T) {
	h := newHarness(t, nil)
	h.exec.err = &quantize.ExecutionTimeoutError{Timeout: time.Minute}
	id := h.enqueue(t, "m", 5)

	h.tick()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, j.Status)
	require.Contains(t, j.LastError, "timeout")

	r, err := h.store.GetRun(context.Background(), j.RunID)
	require.NoError(t, err)
	require.False(t, r.Success)
	require.Equal(t, "quantization timed out", r.ResultSummary)
	require.Contains(t, h.notes.Names(), EventJobFailed)
}

func TestPromotesWhenScoreClearsMinimum(t *testing.T) {
	prom := &fakePromoter{}
	h := newHarness(t, func(s *Settings, d *Deps) {
		s.AutoPromote = true
		d.Evaluator = fixedEval{res: evaluate.Result{AIScore: 0.8, HumanScore: 0.8, CombinedScore: 0.8, Confidence: 1}}
		d.Promoter = prom
	})
	id := h.enqueue(t, "m", 5)
	h.tick()

	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, j.Status)
	require.True(t, j.Promoted)
	require.Equal(t, []string{j.ArtifactPath}, prom.paths)
	r, err := h.store.GetRun(context.Background(), j.RunID)
	require.NoError(t, err)
	require.InDelta(t, 0.8, r.JudgmentScore, 1e-9)
	require.Contains(t, r.ResultSummary, "deployed (backup b1)")
	require.Contains(t, h.notes.Names(), EventDeployed)
}

func TestLowScoreOrReviewIsNotPromoted(t *testing.T) {
	cases := map[string]evaluate.Result{
		"below minimum": {CombinedScore: 0.5, Confidence: 1},
		"needs review":  {CombinedScore: 0.9, Confidence: 0.4, RequiresReview: true},
	}
	for name, res := range cases {
		t.Run(name, func(t *testing.T) {
			prom := &fakePromoter{}
			h := newHarness(t, func(s *Settings, d *Deps) {
				s.AutoPromote = true
				d.Evaluator = fixedEval{res: res}
				d.Promoter = prom
			})
			id := h.enqueue(t, "m", 5)
			h.tick()
			j, err := h.store.GetJob(context.Background(), id)
			require.NoError(t, err)
			require.Equal(t, store.StatusCompleted, j.Status)
			require.False(t, j.Promoted)
			require.Empty(t, prom.paths)
			require.FileExists(t, j.ArtifactPath)
		})
	}
}

func TestInsufficientHumanRatingsCompleteUnpromoted(t *testing.T) {
	h := newHarness(t, func(_ *Settings, d *Deps) {
		d.Evaluator = fixedEval{err: &evaluate.InsufficientHumanError{Candidates: []string{"x"}, Required: 3}}
	})
	id := h.enqueue(t, "m", 5)
	h.tick()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, j.Status)
	r, err := h.store.GetRun(context.Background(), j.RunID)
	require.NoError(t, err)
	require.Contains(t, r.ResultSummary, "awaiting human ratings")
}

func TestEvaluationErrorFailsButKeepsArtifact(t *testing.T) {
	h := newHarness(t, func(_ *Settings, d *Deps) {
		d.Evaluator = fixedEval{err: errors.New("llm server down")}
	})
	id := h.enqueue(t, "m", 5)
	h.tick()
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, j.Status)
	require.Contains(t, j.LastError, "llm server down")
	require.FileExists(t, j.ArtifactPath)
}

func TestRestoreFailureHaltsController(t *testing.T) {
	prom := &fakePromoter{err: &deploy.DeploymentError{Stage: "smoke", Err: errors.New("refused"), Restored: false}}
	h := newHarness(t, func(s *Settings, d *Deps) {
		s.AutoPromote = true
		s.Limits.MaxActiveLoopsPerDay = 10
		d.Evaluator = fixedEval{res: evaluate.Result{CombinedScore: 0.9, Confidence: 1}}
		d.Promoter = prom
	})
	id := h.enqueue(t, "m", 5)
	h.enqueue(t, "next", 1)
	h.tick()

	halted, reason := h.ctl.Halted()
	require.True(t, halted)
	require.Contains(t, reason, "restore failed")
	require.Equal(t, StateHalted, h.ctl.Snapshot().State)
	require.Contains(t, h.notes.Names(), EventHalted)

	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.False(t, j.Promoted)

	res := h.tick()
	require.Empty(t, res.Started)
	require.Contains(t, res.Waiting, "halted")
	require.True(t, IsHalted(h.ctl.Start(context.Background())))

	h.ctl.clearHalt()
	require.Len(t, h.tick().Started, 1)
}

func TestRejectedPromotionKeepsRunning(t *testing.T) {
	prom := &fakePromoter{err: &deploy.ValidationError{Reasons: []string{"too big"}}}
	h := newHarness(t, func(s *Settings, d *Deps) {
		s.AutoPromote = true
		d.Evaluator = fixedEval{res: evaluate.Result{CombinedScore: 0.9, Confidence: 1}}
		d.Promoter = prom
	})
	id := h.enqueue(t, "m", 5)
	h.tick()
	halted, _ := h.ctl.Halted()
	require.False(t, halted)
	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, j.Status)
	require.False(t, j.Promoted)
	require.Contains(t, h.notes.Names(), EventDeployRejected)
}

func TestStartRecoversAndStopWaits(t *testing.T) {
	h := newHarness(t, func(s *Settings, _ *Deps) { s.CheckInterval = 10 * time.Millisecond })
	ctx := context.Background()

	// a job left RUNNING by a previous process
	stale := h.enqueue(t, "stale", 9)
	_, ok, err := h.store.ClaimNext(ctx, "old-run", false)
	require.NoError(t, err)
	require.True(t, ok)
	fresh := h.enqueue(t, "fresh", 1)

	require.NoError(t, h.ctl.Start(ctx))
	require.ErrorIs(t, h.ctl.Start(ctx), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		j, err := h.store.GetJob(ctx, fresh)
		return err == nil && j.Status == store.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.ctl.Stop(stopCtx))
	require.Equal(t, StateStopped, h.ctl.Snapshot().State)

	j, err := h.store.GetJob(ctx, stale)
	require.NoError(t, err)
	require.Equal(t, store.StatusFailed, j.Status)
	require.Equal(t, store.ErrInterrupted, j.LastError)
	require.Contains(t, h.notes.Names(), EventRecovered)
}

func TestStartWatchesFileSignal(t *testing.T) {
	sentinel := safety.NewFileSignal(filepath.Join(t.TempDir(), "EMERGENCY_STOP"))
	h := newHarness(t, func(s *Settings, d *Deps) {
		s.CheckInterval = time.Hour
		d.Signal = sentinel
	})
	require.NoError(t, sentinel.Engage("test"))
	id := h.enqueue(t, "m", 5)
	ctx := context.Background()
	require.NoError(t, h.ctl.Start(ctx))

	// only the sentinel's removal can wake the loop before the hour-long tick
	require.NoError(t, sentinel.Release())
	require.Eventually(t, func() bool {
		j, err := h.store.GetJob(ctx, id)
		return err == nil && j.Status == store.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, h.ctl.Stop(ctx))
}

// gatedExec blocks every run until open is closed and records the highest
// number of runs executing at once.
type gatedExec struct {
	*fakeExec
	open chan struct{}

	mu      sync.Mutex
	active  int
	maxSeen int
}

func (g *gatedExec) Run(ctx context.Context, req quantize.Request) (quantize.Artifact, error) {
	g.mu.Lock()
	g.active++
	g.maxSeen = max(g.maxSeen, g.active)
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.active--
		g.mu.Unlock()
	}()
	<-g.open
	return g.fakeExec.Run(ctx, req)
}

func (g *gatedExec) peak() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxSeen
}

func TestRestartWhileJobInFlightKeepsItRunning(t *testing.T) {
	var gate *gatedExec
	h := newHarness(t, func(s *Settings, d *Deps) {
		s.CheckInterval = 10 * time.Millisecond
		gate = &gatedExec{fakeExec: &fakeExec{dir: t.TempDir()}, open: make(chan struct{})}
		d.Executor = gate
	})
	ctx := context.Background()
	first := h.enqueue(t, "first", 9)
	second := h.enqueue(t, "second", 1)

	require.NoError(t, h.ctl.Start(ctx))
	require.Eventually(t, func() bool { return len(gate.models()) == 1 }, 5*time.Second, 5*time.Millisecond)

	// stop gives up waiting while the first job is still executing
	stopCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	require.Error(t, h.ctl.Stop(stopCtx))

	require.NoError(t, h.ctl.Start(ctx))
	time.Sleep(50 * time.Millisecond)
	j, err := h.store.GetJob(ctx, first)
	require.NoError(t, err)
	require.Equal(t, store.StatusRunning, j.Status)
	require.Empty(t, j.LastError)
	require.Equal(t, []string{"first"}, gate.models())
	require.NotContains(t, h.notes.Names(), EventRecovered)

	close(gate.open)
	for _, id := range []string{first, second} {
		require.Eventually(t, func() bool {
			j, err := h.store.GetJob(ctx, id)
			return err == nil && j.Status == store.StatusCompleted
		}, 5*time.Second, 10*time.Millisecond)
	}
	j, err = h.store.GetJob(ctx, first)
	require.NoError(t, err)
	r, err := h.store.GetRun(ctx, j.RunID)
	require.NoError(t, err)
	require.True(t, r.Success)
	require.Equal(t, 1, gate.peak())
	require.Empty(t, h.ctl.Snapshot().LastError)

	require.NoError(t, h.ctl.Stop(ctx))
}

// echoModel answers every prompt with the prompt itself, so candidates look
// identical to the baseline.
type echoModel struct{}

func (echoModel) Generate(_ context.Context, _, prompt string) (string, error) { return prompt, nil }

func TestAIOnlyResultIsNotPromoted(t *testing.T) {
	prom := &fakePromoter{}
	h := newHarness(t, func(s *Settings, d *Deps) {
		s.AutoPromote = true
		s.MinJudgmentScore = 0.1
		s.BaselineModel = "/models/base.f16.gguf"
		s.Prompts = evaluate.PromptSet([]string{"how was your day", "tell me something kind"})
		d.Promoter = prom
	})
	ev, err := evaluate.New(evaluate.Settings{
		AIWeight: 0.4, HumanWeight: 0.6, ConsensusThreshold: 0.7, MinimumHumanSamples: 3,
		Policy: "degrade", PromptSampleSize: 2, EnsembleMode: "simple",
		HumanCriteria: map[string]float64{"connection": 1},
	}, echoModel{}, []evaluate.Judge{evaluate.NewPersonaJudge("steady", 0, 1, []string{"coherence"})},
		evaluate.WithHumanSource(h.store), evaluate.WithSampleSink(h.store))
	require.NoError(t, err)
	h.ctl.deps.Evaluator = ev

	id := h.enqueue(t, "m", 5)
	h.tick()

	j, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, j.Status)
	require.False(t, j.Promoted)
	require.Empty(t, prom.paths)
	r, err := h.store.GetRun(context.Background(), j.RunID)
	require.NoError(t, err)
	require.Contains(t, r.ResultSummary, "(AI-only)")
	require.Contains(t, r.ResultSummary, "awaiting human ratings")
}

// stubbornExec ignores its context: it returns only when release is closed,
// or, with honour set, returns the context error once the deadline hits.
type stubbornExec struct {
	release chan struct{}
	honour  bool
}

func (s stubbornExec) Run(ctx context.Context, _ quantize.Request) (quantize.Artifact, error) {
	if s.honour {
		<-ctx.Done()
		return quantize.Artifact{}, ctx.Err()
	}
	<-s.release
	return quantize.Artifact{}, errors.New("released")
}

func TestControllerEnforcesJobTimeout(t *testing.T) {
	for name, honour := range map[string]bool{"executor ignores context": false, "executor returns context error": true} {
		t.Run(name, func(t *testing.T) {
			release := make(chan struct{})
			t.Cleanup(func() { close(release) })
			h := newHarness(t, func(s *Settings, d *Deps) {
				s.Timeout = 30 * time.Millisecond
				d.Executor = stubbornExec{release: release, honour: honour}
			})
			id := h.enqueue(t, "m", 5)

			done := make(chan struct{})
			go func() {
				h.tick()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Fatal("tick did not finish after the job timeout")
			}

			j, err := h.store.GetJob(context.Background(), id)
			require.NoError(t, err)
			require.Equal(t, store.StatusFailed, j.Status)
			require.Contains(t, j.LastError, "exceeded timeout")
			r, err := h.store.GetRun(context.Background(), j.RunID)
			require.NoError(t, err)
			require.Equal(t, "quantization timed out", r.ResultSummary)
		})
	}
}
