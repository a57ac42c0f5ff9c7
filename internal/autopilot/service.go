package autopilot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"quantpilot/internal/deploy"
	"quantpilot/internal/evaluate"
	"quantpilot/internal/safety"
	"quantpilot/internal/store"
	"quantpilot/pkg/types"
)

// ServiceStore is the store surface behind the control API.
type ServiceStore interface {
	Populator
	GetJob(ctx context.Context, jobID string) (store.Job, error)
	ListRuns(ctx context.Context, limit int) ([]store.Run, error)
	GetRun(ctx context.Context, runID string) (store.Run, error)
	Snapshot(ctx context.Context, now time.Time) (store.Snapshot, error)
	Samples(ctx context.Context, candidateID string) ([]store.Sample, error)
	Ratings(ctx context.Context, candidateID string) ([]store.Rating, error)
	AddRating(ctx context.Context, r store.Rating) (int64, error)
}

// Deployer manages the active slot and its backups.
type Deployer interface {
	Promoter
	Restore(id string) error
	ListBackups() ([]deploy.Backup, error)
	Active() (deploy.Manifest, bool, error)
}

// Switch is an emergency stop an operator can flip.
type Switch interface {
	safety.Signal
	Engage(reason string) error
	Release() error
}

// ServiceOptions wires a Service. Controller and Store are required.
type ServiceOptions struct {
	Controller *Controller
	Store      ServiceStore
	Deployer   Deployer
	Evaluator  Evaluator
	EStop      Switch
	Plan       PopulatePlan
	// HumanCriteria and MinHumanSamples describe the review workflow.
	HumanCriteria   map[string]float64
	MinHumanSamples int
	// LoopContext parents the control loop started through the API.
	LoopContext context.Context
	// StopWait bounds how long Stop waits for in-flight jobs.
	StopWait time.Duration
	Clock    func() time.Time
}

// Service is the operator-facing facade over the controller, the queue,
// the deployment manager and the evaluator.
type Service struct {
	ctl     *Controller
	store   ServiceStore
	dep     Deployer
	eval    Evaluator
	estop   Switch
	plan    PopulatePlan
	human   map[string]float64
	minHum  int
	loopCtx context.Context
	wait    time.Duration
	now     func() time.Time
	started time.Time
}

// NewService returns the facade.
func NewService(o ServiceOptions) (*Service, error) {
	if o.Controller == nil || o.Store == nil {
		return nil, errors.New("autopilot: service needs a controller and a store")
	}
	if o.LoopContext == nil {
		o.LoopContext = context.Background()
	}
	if o.StopWait <= 0 {
		o.StopWait = 2 * time.Second
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	return &Service{
		ctl:     o.Controller,
		store:   o.Store,
		dep:     o.Deployer,
		eval:    o.Evaluator,
		estop:   o.EStop,
		plan:    o.Plan,
		human:   o.HumanCriteria,
		minHum:  o.MinHumanSamples,
		loopCtx: o.LoopContext,
		wait:    o.StopWait,
		now:     o.Clock,
		started: o.Clock(),
	}, nil
}

// Status reports the controller, the queue and the last admission decision.
func (s *Service) Status(ctx context.Context) types.StatusResponse {
	now := s.now()
	snap := s.ctl.Snapshot()
	set := s.ctl.Settings()
	sort.Slice(snap.Inflight, func(i, j int) bool { return snap.Inflight[i].JobID < snap.Inflight[j].JobID })
	resp := types.StatusResponse{
		Running:        snap.Running,
		State:          string(snap.State),
		IdleState:      toWireIdle(s.ctl.deps.Idle.CurrentState()),
		CurrentJobs:    toWireJobs(snap.Inflight),
		MaxDailyRuns:   set.Limits.MaxActiveLoopsPerDay,
		MaxConcurrent:  set.Limits.MaxConcurrentProcesses,
		EmergencyStop:  s.ctl.deps.Signal.Stopped(),
		LastDecision:   toWireDecision(snap.LastDecision, snap.DecisionAt),
		LastError:      snap.LastError,
		Halted:         snap.Halted,
		HaltReason:     snap.HaltReason,
		UptimeSeconds:  int64(now.Sub(s.started).Seconds()),
		ServerTimeUnix: now.Unix(),
	}
	st, err := s.store.Snapshot(ctx, now)
	if err != nil {
		resp.LastError = "store: " + err.Error()
		return resp
	}
	resp.PendingCount = st.Pending
	resp.DailyRuns = st.DailyRuns + st.Running
	return resp
}

// Ready is false only while the controller is halted.
func (s *Service) Ready() bool {
	h, _ := s.ctl.Halted()
	return !h
}

// ListQueue lists jobs, optionally filtered by status, newest first.
func (s *Service) ListQueue(ctx context.Context, status string, limit int) ([]types.Job, error) {
	st := store.JobStatus(strings.ToUpper(status))
	switch st {
	case "", store.StatusPending, store.StatusRunning, store.StatusCompleted, store.StatusFailed:
	default:
		return nil, badRequestError{msg: fmt.Sprintf("unknown status %q", status)}
	}
	jobs, err := s.store.ListAll(ctx, store.Filter{Status: st, Limit: limit})
	if err != nil {
		return nil, err
	}
	return toWireJobs(jobs), nil
}

// Enqueue adds a job. Jobs are idle-triggered unless the request says otherwise.
func (s *Service) Enqueue(ctx context.Context, req types.EnqueueRequest) (string, error) {
	prio := s.plan.Priority
	if req.Priority != nil {
		prio = *req.Priority
	}
	trig := store.Trigger(strings.ToLower(req.Trigger))
	if trig == "" {
		trig = store.TriggerIdle
	}
	target := req.TargetSizeGB
	if target < 0 {
		return "", badRequestError{msg: "target_size_gb must be >= 0"}
	}
	if target == 0 {
		target = s.plan.TargetSizeGB
	}
	return s.ctl.Submit(ctx, store.Job{
		BaseModel:          strings.TrimSpace(req.BaseModel),
		QuantizationMethod: strings.TrimSpace(req.QuantizationMethod),
		Priority:           prio,
		Trigger:            trig,
		TargetSizeGB:       target,
	})
}

func (s *Service) GetJob(ctx context.Context, id string) (types.Job, error) {
	j, err := s.store.GetJob(ctx, id)
	if err != nil {
		return types.Job{}, err
	}
	return toWireJob(j), nil
}

func (s *Service) ListRuns(ctx context.Context, limit int) ([]types.Run, error) {
	runs, err := s.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]types.Run, 0, len(runs))
	for _, r := range runs {
		out = append(out, toWireRun(r))
	}
	return out, nil
}

func (s *Service) GetRun(ctx context.Context, id string) (types.Run, error) {
	r, err := s.store.GetRun(ctx, id)
	if err != nil {
		return types.Run{}, err
	}
	return toWireRun(r), nil
}

// Populate fills the queue from the configured model and method matrix.
func (s *Service) Populate(ctx context.Context) ([]string, error) {
	if (len(s.plan.BaseModels) == 0 && s.plan.Discover == nil) || len(s.plan.Methods) == 0 {
		return nil, badRequestError{msg: "quantization.base_models (or models_dir) and quantization.methods must be configured"}
	}
	ids, err := Populate(ctx, s.store, s.plan)
	if len(ids) > 0 {
		s.ctl.signalWake()
	}
	return ids, err
}

// Start launches the control loop under the service's loop context.
func (s *Service) Start(ctx context.Context) error {
	err := s.ctl.Start(s.loopCtx)
	if errors.Is(err, ErrAlreadyRunning) {
		return nil
	}
	return err
}

// Stop ends the loop. In-flight jobs keep running to completion; Stop waits
// for them only up to StopWait.
func (s *Service) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.wait)
	defer cancel()
	if err := s.ctl.Stop(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

// EmergencyStop engages or releases the operator switch and returns the
// resulting state.
func (s *Service) EmergencyStop(ctx context.Context, engage bool, reason string) (bool, error) {
	if s.estop == nil {
		return false, badRequestError{msg: "no emergency stop file configured"}
	}
	var err error
	if engage {
		err = s.estop.Engage(reason)
	} else {
		err = s.estop.Release()
	}
	if err != nil {
		return s.estop.Stopped(), err
	}
	s.ctl.signalWake()
	return s.estop.Stopped(), nil
}

// Deploy runs backup, validate, swap and smoke check for one artifact. A
// failed restore halts the controller.
func (s *Service) Deploy(ctx context.Context, candidatePath string) (types.DeployResponse, error) {
	if s.dep == nil {
		return types.DeployResponse{}, badRequestError{msg: "deployment is not configured"}
	}
	if strings.TrimSpace(candidatePath) == "" {
		return types.DeployResponse{}, badRequestError{msg: "candidate_path is required"}
	}
	if h, reason := s.ctl.Halted(); h {
		return types.DeployResponse{}, haltedError{reason: reason}
	}
	// A deployment in progress must finish its rollback even if the caller goes away.
	res, err := s.dep.Replace(context.WithoutCancel(ctx), candidatePath)
	if deploy.IsRestoreFailed(err) {
		s.ctl.halt(err)
	}
	return toWireDeploy(res), err
}

// Restore puts a backup back into the active slot. A successful restore
// also lifts a halt.
func (s *Service) Restore(ctx context.Context, backupID string) (types.DeployResponse, error) {
	if s.dep == nil {
		return types.DeployResponse{}, badRequestError{msg: "deployment is not configured"}
	}
	if err := s.dep.Restore(backupID); err != nil {
		return types.DeployResponse{BackupID: backupID}, err
	}
	s.ctl.clearHalt()
	return types.DeployResponse{OK: true, BackupID: backupID, Restored: true}, nil
}

// Backups lists backups newest first along with the active model.
func (s *Service) Backups(ctx context.Context) (types.BackupsResponse, error) {
	if s.dep == nil {
		return types.BackupsResponse{}, badRequestError{msg: "deployment is not configured"}
	}
	list, err := s.dep.ListBackups()
	if err != nil {
		return types.BackupsResponse{}, err
	}
	resp := types.BackupsResponse{Backups: make([]types.Backup, 0, len(list))}
	for _, b := range list {
		resp.Backups = append(resp.Backups, toWireBackup(b))
	}
	mf, ok, err := s.dep.Active()
	if err != nil {
		return resp, err
	}
	if ok {
		resp.Active = toWireActive(mf)
	}
	return resp, nil
}

// Review returns the samples raters score for a candidate.
func (s *Service) Review(ctx context.Context, candidateID string) (types.ReviewResponse, error) {
	samples, err := s.store.Samples(ctx, candidateID)
	if err != nil {
		return types.ReviewResponse{}, err
	}
	if len(samples) == 0 {
		return types.ReviewResponse{}, fmt.Errorf("samples for candidate %s: %w", candidateID, store.ErrNotFound)
	}
	ratings, err := s.store.Ratings(ctx, candidateID)
	if err != nil {
		return types.ReviewResponse{}, err
	}
	resp := types.ReviewResponse{
		CandidateID: candidateID,
		Criteria:    s.human,
		Samples:     make([]types.Sample, 0, len(samples)),
		Ratings:     len(ratings),
		Required:    s.minHum,
	}
	for _, sm := range samples {
		resp.Samples = append(resp.Samples, types.Sample{
			CandidateID: sm.CandidateID, PromptID: sm.PromptID, Prompt: sm.Prompt, Response: sm.Response,
		})
	}
	return resp, nil
}

// AddRating records a rater's scores for a candidate that has review samples.
func (s *Service) AddRating(ctx context.Context, req types.RatingRequest) (int64, error) {
	if strings.TrimSpace(req.CandidateID) == "" || strings.TrimSpace(req.Rater) == "" {
		return 0, badRequestError{msg: "candidate_id and rater are required"}
	}
	if len(req.Scores) == 0 {
		return 0, badRequestError{msg: "scores are required"}
	}
	for k, v := range req.Scores {
		if _, ok := s.human[k]; len(s.human) > 0 && !ok {
			return 0, badRequestError{msg: fmt.Sprintf("unknown criterion %q", k)}
		}
		if v < 0 || v > 1 {
			return 0, badRequestError{msg: fmt.Sprintf("score %s=%v outside [0,1]", k, v)}
		}
	}
	samples, err := s.store.Samples(ctx, req.CandidateID)
	if err != nil {
		return 0, err
	}
	if len(samples) == 0 {
		return 0, fmt.Errorf("candidate %s has no review samples: %w", req.CandidateID, store.ErrNotFound)
	}
	return s.store.AddRating(ctx, store.Rating{
		CandidateID: req.CandidateID,
		PromptID:    req.PromptID,
		Rater:       req.Rater,
		Scores:      req.Scores,
	})
}

// Evaluate scores ad-hoc candidates against the baseline with the
// configured prompt set.
func (s *Service) Evaluate(ctx context.Context, req types.EvaluateRequest) ([]types.EvaluationResult, error) {
	if s.eval == nil {
		return nil, badRequestError{msg: "no evaluator configured"}
	}
	if len(req.Candidates) == 0 {
		return nil, badRequestError{msg: "at least one candidate is required"}
	}
	set := s.ctl.Settings()
	baseline := req.Baseline
	if baseline == "" {
		baseline = set.BaselineModel
	}
	if baseline == "" {
		return nil, badRequestError{msg: "baseline is required when evaluation.baseline_model is not set"}
	}
	cands := make([]evaluate.Candidate, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		if strings.TrimSpace(c.Path) == "" {
			return nil, badRequestError{msg: "candidate path is required"}
		}
		id := c.ID
		if id == "" {
			id = filepath.Base(c.Path)
		}
		cands = append(cands, evaluate.Candidate{ID: id, Path: c.Path, SizeGB: c.SizeGB})
	}
	results, err := s.eval.Evaluate(ctx, baseline, cands, set.Prompts)
	out := make([]types.EvaluationResult, 0, len(results))
	for _, r := range results {
		out = append(out, toWireResult(r))
	}
	return out, err
}
