package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"quantpilot/internal/deploy"
	"quantpilot/internal/evaluate"
	"quantpilot/internal/store"
	"quantpilot/pkg/types"
)

type mockService struct {
	status types.StatusResponse
	ready  bool
	err    error

	jobs      []types.Job
	enqueued  []types.EnqueueRequest
	gotStatus string
	gotLimit  int
	estop     bool
	reason    string
	started   bool
	deployed  string
	results   []types.EvaluationResult
}

func (m *mockService) Status(context.Context) types.StatusResponse { return m.status }
func (m *mockService) Ready() bool                                  { return m.ready }

func (m *mockService) ListQueue(_ context.Context, status string, limit int) ([]types.Job, error) {
	m.gotStatus, m.gotLimit = status, limit
	return m.jobs, m.err
}

func (m *mockService) Enqueue(_ context.Context, req types.EnqueueRequest) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.enqueued = append(m.enqueued, req)
	return fmt.Sprintf("job-%d", len(m.enqueued)), nil
}

func (m *mockService) Populate(context.Context) ([]string, error) { return nil, m.err }

func (m *mockService) GetJob(_ context.Context, id string) (types.Job, error) {
	if m.err != nil {
		return types.Job{}, m.err
	}
	return types.Job{JobID: id, Status: "PENDING"}, nil
}

func (m *mockService) ListRuns(_ context.Context, limit int) ([]types.Run, error) {
	m.gotLimit = limit
	return []types.Run{{RunID: "r1"}}, m.err
}

func (m *mockService) GetRun(_ context.Context, id string) (types.Run, error) {
	return types.Run{RunID: id}, m.err
}

func (m *mockService) Start(context.Context) error {
	m.started = true
	m.status.Running = true
	return m.err
}

func (m *mockService) Stop(context.Context) error {
	m.started = false
	m.status.Running = false
	return m.err
}

func (m *mockService) EmergencyStop(_ context.Context, engage bool, reason string) (bool, error) {
	m.estop, m.reason = engage, reason
	return engage, m.err
}

func (m *mockService) Deploy(_ context.Context, path string) (types.DeployResponse, error) {
	m.deployed = path
	if m.err != nil {
		return types.DeployResponse{}, m.err
	}
	return types.DeployResponse{OK: true, BackupID: "b1"}, nil
}

func (m *mockService) Restore(_ context.Context, id string) (types.DeployResponse, error) {
	return types.DeployResponse{OK: true, BackupID: id, Restored: true}, m.err
}

func (m *mockService) Backups(context.Context) (types.BackupsResponse, error) {
	return types.BackupsResponse{Backups: []types.Backup{{ID: "b1"}}}, m.err
}

func (m *mockService) Review(_ context.Context, id string) (types.ReviewResponse, error) {
	return types.ReviewResponse{CandidateID: id, Required: 3}, m.err
}

func (m *mockService) AddRating(context.Context, types.RatingRequest) (int64, error) { return 7, m.err }

func (m *mockService) Evaluate(context.Context, types.EvaluateRequest) ([]types.EvaluationResult, error) {
	return m.results, m.err
}

type mockHTTPError struct {
	msg  string
	code int
}

func (e mockHTTPError) Error() string   { return e.msg }
func (e mockHTTPError) StatusCode() int { return e.code }

func do(t *testing.T, svc Service, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	NewMux(svc).ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) types.ErrorResponse {
	t.Helper()
	var e types.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &e); err != nil {
		t.Fatalf("json: %v body=%q", err, w.Body.String())
	}
	return e
}

func TestStatusHandler(t *testing.T) {
	svc := &mockService{status: types.StatusResponse{State: "WAITING_IDLE", PendingCount: 2}}
	w := do(t, svc, http.MethodGet, "/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%s", ct)
	}
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("missing nosniff header")
	}
	var body types.StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("json: %v", err)
	}
	if body.State != "WAITING_IDLE" || body.PendingCount != 2 {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestReadyz(t *testing.T) {
	w := do(t, &mockService{ready: true}, http.MethodGet, "/readyz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	w = do(t, &mockService{ready: false}, http.MethodGet, "/readyz", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status=%d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "halted") {
		t.Fatalf("body=%q", w.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	w := do(t, &mockService{}, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK || w.Body.String() != "ok" {
		t.Fatalf("status=%d body=%q", w.Code, w.Body.String())
	}
}

func TestEnqueue(t *testing.T) {
	svc := &mockService{}
	w := do(t, svc, http.MethodPost, "/queue", `{"base_model":"m","quantization_method":"q4_k_m","priority":8}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status=%d body=%s", w.Code, w.Body.String())
	}
	var body types.EnqueueResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.JobID != "job-1" {
		t.Fatalf("job id=%q", body.JobID)
	}
	if got := svc.enqueued[0]; got.Priority == nil || *got.Priority != 8 {
		t.Fatalf("priority not passed: %+v", got)
	}
}

func TestEnqueueValidation(t *testing.T) {
	cases := []struct {
		name, body, ct string
		want           int
	}{
		{"missing method", `{"base_model":"m"}`, "application/json", http.StatusBadRequest},
		{"bad json", `{"base_model":`, "application/json", http.StatusBadRequest},
		{"wrong content type", `{}`, "text/plain", http.StatusUnsupportedMediaType},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/queue", strings.NewReader(tc.body))
			req.Header.Set("Content-Type", tc.ct)
			w := httptest.NewRecorder()
			NewMux(&mockService{}).ServeHTTP(w, req)
			if w.Code != tc.want {
				t.Fatalf("status=%d want %d", w.Code, tc.want)
			}
			if e := decodeError(t, w); e.Code != tc.want || e.Error == "" {
				t.Fatalf("error body=%+v", e)
			}
		})
	}
}

func TestBodyLimit(t *testing.T) {
	SetMaxBodyBytes(16)
	defer SetMaxBodyBytes(0)
	w := do(t, &mockService{}, http.MethodPost, "/queue", `{"base_model":"`+strings.Repeat("x", 64)+`","quantization_method":"q"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status=%d", w.Code)
	}
}

func TestListQueuePassesFilters(t *testing.T) {
	svc := &mockService{jobs: []types.Job{{JobID: "a"}}}
	w := do(t, svc, http.MethodGet, "/queue?status=pending&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status=%d", w.Code)
	}
	if svc.gotStatus != "pending" || svc.gotLimit != 5 {
		t.Fatalf("filters not passed: %q %d", svc.gotStatus, svc.gotLimit)
	}
	if w := do(t, svc, http.MethodGet, "/runs?limit=-1", ""); w.Code != http.StatusBadRequest {
		t.Fatalf("negative limit status=%d", w.Code)
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"not found", fmt.Errorf("job x: %w", store.ErrNotFound), http.StatusNotFound},
		{"conflict", fmt.Errorf("job x is RUNNING: %w", store.ErrConflict), http.StatusConflict},
		{"validation", &deploy.ValidationError{Reasons: []string{"size"}}, http.StatusUnprocessableEntity},
		{"insufficient human", &evaluate.InsufficientHumanError{Candidates: []string{"c"}, Required: 3}, http.StatusConflict},
		{"service code", mockHTTPError{msg: "halted", code: http.StatusConflict}, http.StatusConflict},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := do(t, &mockService{err: tc.err}, http.MethodGet, "/jobs/x", "")
			if w.Code != tc.want {
				t.Fatalf("status=%d want %d", w.Code, tc.want)
			}
			if e := decodeError(t, w); e.Code != tc.want || e.Error != tc.err.Error() {
				t.Fatalf("error body=%+v", e)
			}
		})
	}
}

func TestStartStop(t *testing.T) {
	svc := &mockService{}
	w := do(t, svc, http.MethodPost, "/start", "")
	if w.Code != http.StatusOK || !svc.started {
		t.Fatalf("start status=%d started=%v", w.Code, svc.started)
	}
	var st types.StatusResponse
	_ = json.Unmarshal(w.Body.Bytes(), &st)
	if !st.Running {
		t.Fatalf("status after start: %+v", st)
	}
	if w := do(t, svc, http.MethodPost, "/stop", ""); w.Code != http.StatusOK || svc.started {
		t.Fatalf("stop status=%d", w.Code)
	}
}

func TestEstop(t *testing.T) {
	svc := &mockService{}
	w := do(t, svc, http.MethodPost, "/estop", `{"reason":"maintenance"}`)
	if w.Code != http.StatusOK || !svc.estop || svc.reason != "maintenance" {
		t.Fatalf("engage status=%d estop=%v reason=%q", w.Code, svc.estop, svc.reason)
	}
	// body is optional
	if w := do(t, svc, http.MethodPost, "/estop", ""); w.Code != http.StatusOK {
		t.Fatalf("engage without body status=%d", w.Code)
	}
	w = do(t, svc, http.MethodDelete, "/estop", "")
	var body types.EstopResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if w.Code != http.StatusOK || body.Engaged || svc.estop {
		t.Fatalf("release status=%d body=%+v", w.Code, body)
	}
}

func TestDeployAndRestore(t *testing.T) {
	svc := &mockService{}
	w := do(t, svc, http.MethodPost, "/deploy", `{"candidate_path":"/a/b.gguf"}`)
	if w.Code != http.StatusOK || svc.deployed != "/a/b.gguf" {
		t.Fatalf("deploy status=%d path=%q", w.Code, svc.deployed)
	}
	if w := do(t, svc, http.MethodPost, "/deploy", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty deploy status=%d", w.Code)
	}
	w = do(t, svc, http.MethodPost, "/restore", `{"backup_id":"b9"}`)
	var res types.DeployResponse
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if w.Code != http.StatusOK || res.BackupID != "b9" || !res.Restored {
		t.Fatalf("restore status=%d body=%+v", w.Code, res)
	}
	if w := do(t, svc, http.MethodGet, "/backups", ""); w.Code != http.StatusOK {
		t.Fatalf("backups status=%d", w.Code)
	}
}

func TestReviewAndRatings(t *testing.T) {
	svc := &mockService{}
	w := do(t, svc, http.MethodGet, "/review/run-1", "")
	var rv types.ReviewResponse
	_ = json.Unmarshal(w.Body.Bytes(), &rv)
	if w.Code != http.StatusOK || rv.CandidateID != "run-1" {
		t.Fatalf("review status=%d body=%+v", w.Code, rv)
	}
	w = do(t, svc, http.MethodPost, "/ratings", `{"candidate_id":"run-1","rater":"ana","scores":{"connection":0.8}}`)
	var rr types.RatingResponse
	_ = json.Unmarshal(w.Body.Bytes(), &rr)
	if w.Code != http.StatusCreated || rr.ID != 7 {
		t.Fatalf("rating status=%d body=%+v", w.Code, rr)
	}
}

func TestEvaluate(t *testing.T) {
	svc := &mockService{results: []types.EvaluationResult{{CandidateID: "c", CombinedScore: 0.66, Rank: 1}}}
	w := do(t, svc, http.MethodPost, "/evaluate", `{"baseline":"base","candidates":[{"path":"/c.gguf"}]}`)
	var body types.EvaluateResponse
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if w.Code != http.StatusOK || len(body.Results) != 1 || body.Results[0].Rank != 1 {
		t.Fatalf("status=%d body=%+v", w.Code, body)
	}
	if w := do(t, svc, http.MethodPost, "/evaluate", `{"candidates":[]}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty candidates status=%d", w.Code)
	}
}

func TestCORSOptIn(t *testing.T) {
	SetCORSOptions(true, []string{"http://review.local"}, nil, nil)
	defer SetCORSOptions(false, nil, nil, nil)
	req := httptest.NewRequest(http.MethodOptions, "/ratings", nil)
	req.Header.Set("Origin", "http://review.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	NewMux(&mockService{}).ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://review.local" {
		t.Fatalf("allow-origin=%q", got)
	}
}
