package autopilot

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"quantpilot/internal/deploy"
	"quantpilot/internal/safety"
	"quantpilot/internal/store"
	"quantpilot/pkg/types"
)

type fakeDeployer struct {
	fakePromoter
	restoreErr error
	restored   []string
}

func (d *fakeDeployer) Restore(id string) error {
	d.restored = append(d.restored, id)
	return d.restoreErr
}

func (d *fakeDeployer) ListBackups() ([]deploy.Backup, error) {
	return []deploy.Backup{{ID: "b2", ModelFile: "new.gguf"}, {ID: "b1", Empty: true}}, nil
}

func (d *fakeDeployer) Active() (deploy.Manifest, bool, error) {
	return deploy.Manifest{ModelFile: "new.gguf", SHA256: "abc"}, true, nil
}

func newService(t *testing.T, h *harness, mutate func(*ServiceOptions)) *Service {
	t.Helper()
	o := ServiceOptions{
		Controller:      h.ctl,
		Store:           h.store,
		Plan:            PopulatePlan{BaseModels: []string{"a", "b"}, Methods: []string{"q4_k_m", "q5_k_m"}, Priority: 5, TargetSizeGB: 4},
		HumanCriteria:   map[string]float64{"believability": 0.5, "connection": 0.5},
		MinHumanSamples: 3,
		Clock:           h.clk.Now,
	}
	if mutate != nil {
		mutate(&o)
	}
	svc, err := NewService(o)
	require.NoError(t, err)
	return svc
}

func TestPopulateSkipsOpenCombos(t *testing.T) {
	h := newHarness(t, nil)
	svc := newService(t, h, nil)
	ctx := context.Background()
	_, err := h.store.Enqueue(ctx, store.Job{BaseModel: "a", QuantizationMethod: "q4_k_m"})
	require.NoError(t, err)

	ids, err := svc.Populate(ctx)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	j, err := h.store.GetJob(ctx, ids[0])
	require.NoError(t, err)
	require.Equal(t, "a", j.BaseModel)
	require.Equal(t, "q5_k_m", j.QuantizationMethod)
	require.Equal(t, 5, j.Priority)
	require.InDelta(t, 4.0, j.TargetSizeGB, 1e-9)

	again, err := svc.Populate(ctx)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestPopulateMergesDiscoveredModels(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	plan := PopulatePlan{
		BaseModels: []string{"a"},
		Methods:    []string{"q4_k_m"},
		Priority:   2,
		Discover:   func() ([]string, error) { return []string{"a", "scanned"}, nil },
	}
	ids, err := Populate(ctx, h.store, plan)
	require.NoError(t, err)
	require.Len(t, ids, 2)
	j, err := h.store.GetJob(ctx, ids[1])
	require.NoError(t, err)
	require.Equal(t, "scanned", j.BaseModel)
	require.Equal(t, "idle", string(j.Trigger))

	plan.Discover = func() ([]string, error) { return nil, errors.New("models dir unreadable") }
	_, err = Populate(ctx, h.store, plan)
	require.ErrorContains(t, err, "models dir unreadable")
}

func TestServiceEnqueueDefaults(t *testing.T) {
	h := newHarness(t, nil)
	svc := newService(t, h, nil)
	ctx := context.Background()

	id, err := svc.Enqueue(ctx, types.EnqueueRequest{BaseModel: "m", QuantizationMethod: "q4_k_m"})
	require.NoError(t, err)
	j, err := svc.GetJob(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "idle", j.Trigger)
	require.Equal(t, 5, j.Priority)
	require.Equal(t, "PENDING", j.Status)

	prio := 9
	id, err = svc.Enqueue(ctx, types.EnqueueRequest{BaseModel: "m", QuantizationMethod: "q4_k_m", Priority: &prio, Trigger: "manual"})
	require.NoError(t, err)
	jobs, err := svc.ListQueue(ctx, "pending", 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	require.Equal(t, id, jobs[0].JobID)

	_, err = svc.ListQueue(ctx, "bogus", 0)
	require.True(t, IsBadRequest(err))
	_, err = svc.GetJob(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestServiceStatus(t *testing.T) {
	h := newHarness(t, nil)
	svc := newService(t, h, nil)
	ctx := context.Background()
	h.enqueue(t, "m", 1)
	h.enqueue(t, "n", 1)
	h.tick()

	st := svc.Status(ctx)
	require.False(t, st.Running)
	require.Equal(t, "STOPPED", st.State)
	require.Equal(t, "IDLE", st.IdleState.State)
	require.Equal(t, 1, st.PendingCount)
	require.Equal(t, 1, st.DailyRuns)
	require.Equal(t, 3, st.MaxDailyRuns)
	require.True(t, st.LastDecision.Allow)
	require.True(t, svc.Ready())
}

func TestServiceEmergencyStop(t *testing.T) {
	sentinel := safety.NewFileSignal(filepath.Join(t.TempDir(), "STOP"))
	h := newHarness(t, func(_ *Settings, d *Deps) { d.Signal = sentinel })
	svc := newService(t, h, func(o *ServiceOptions) { o.EStop = sentinel })
	ctx := context.Background()

	on, err := svc.EmergencyStop(ctx, true, "maintenance")
	require.NoError(t, err)
	require.True(t, on)
	require.True(t, svc.Status(ctx).EmergencyStop)

	off, err := svc.EmergencyStop(ctx, false, "")
	require.NoError(t, err)
	require.False(t, off)

	bare := newService(t, h, nil)
	_, err = bare.EmergencyStop(ctx, true, "")
	require.True(t, IsBadRequest(err))
}

func TestServiceDeployRestoreFailureHaltsUntilRestore(t *testing.T) {
	h := newHarness(t, nil)
	dep := &fakeDeployer{}
	dep.err = &deploy.DeploymentError{Stage: "swap", Err: errors.New("disk full"), Restored: false}
	svc := newService(t, h, func(o *ServiceOptions) { o.Deployer = dep })
	ctx := context.Background()

	_, err := svc.Deploy(ctx, "/tmp/cand.gguf")
	require.True(t, deploy.IsRestoreFailed(err))
	require.False(t, svc.Ready())
	require.True(t, svc.Status(ctx).Halted)

	_, err = svc.Deploy(ctx, "/tmp/cand.gguf")
	require.True(t, IsHalted(err))

	res, err := svc.Restore(ctx, "b2")
	require.NoError(t, err)
	require.True(t, res.OK)
	require.True(t, svc.Ready())

	bk, err := svc.Backups(ctx)
	require.NoError(t, err)
	require.Len(t, bk.Backups, 2)
	require.Equal(t, "new.gguf", bk.Active.ModelFile)
}

func TestServiceReviewAndRatings(t *testing.T) {
	h := newHarness(t, nil)
	svc := newService(t, h, nil)
	ctx := context.Background()

	_, err := svc.Review(ctx, "run-1")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, h.store.SaveSamples(ctx, []store.Sample{
		{CandidateID: "run-1", PromptID: "p01", Prompt: "hi", Response: "hello"},
		{CandidateID: "run-1", PromptID: "p02", Prompt: "bye", Response: "see you"},
	}))
	id, err := svc.AddRating(ctx, types.RatingRequest{CandidateID: "run-1", Rater: "ana", Scores: map[string]float64{"believability": 0.8}})
	require.NoError(t, err)
	require.NotZero(t, id)

	rv, err := svc.Review(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, rv.Samples, 2)
	require.Equal(t, 1, rv.Ratings)
	require.Equal(t, 3, rv.Required)

	_, err = svc.AddRating(ctx, types.RatingRequest{CandidateID: "run-1", Rater: "ana", Scores: map[string]float64{"charm": 0.8}})
	require.True(t, IsBadRequest(err))
	_, err = svc.AddRating(ctx, types.RatingRequest{CandidateID: "run-1", Rater: "ana", Scores: map[string]float64{"connection": 1.5}})
	require.True(t, IsBadRequest(err))
	_, err = svc.AddRating(ctx, types.RatingRequest{CandidateID: "run-9", Rater: "ana", Scores: map[string]float64{"connection": 0.5}})
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestServiceEvaluateNeedsBaseline(t *testing.T) {
	h := newHarness(t, nil)
	svc := newService(t, h, func(o *ServiceOptions) { o.Evaluator = fixedEval{} })
	ctx := context.Background()
	_, err := svc.Evaluate(ctx, types.EvaluateRequest{Candidates: []types.EvaluateCandidate{{Path: "/x.gguf"}}})
	require.True(t, IsBadRequest(err))

	res, err := svc.Evaluate(ctx, types.EvaluateRequest{Baseline: "base", Candidates: []types.EvaluateCandidate{{Path: "/x.gguf"}}})
	require.NoError(t, err)
	require.Equal(t, "x.gguf", res[0].CandidateID)
	require.Equal(t, 1, res[0].Rank)
}

func TestServiceStartStop(t *testing.T) {
	h := newHarness(t, nil)
	svc := newService(t, h, nil)
	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Start(ctx))
	require.True(t, svc.Status(ctx).Running)
	require.NoError(t, svc.Stop(ctx))
	require.False(t, svc.Status(ctx).Running)
}
