// Package httpapi is the operator control surface: queue and run history,
// start/stop, emergency stop, deployment, human review and evaluation.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"quantpilot/pkg/types"
)

// Service defines the methods required by the HTTP API layer.
type Service interface {
	Status(ctx context.Context) types.StatusResponse
	Ready() bool

	ListQueue(ctx context.Context, status string, limit int) ([]types.Job, error)
	Enqueue(ctx context.Context, req types.EnqueueRequest) (string, error)
	Populate(ctx context.Context) ([]string, error)
	GetJob(ctx context.Context, id string) (types.Job, error)
	ListRuns(ctx context.Context, limit int) ([]types.Run, error)
	GetRun(ctx context.Context, id string) (types.Run, error)

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	EmergencyStop(ctx context.Context, engage bool, reason string) (bool, error)

	Deploy(ctx context.Context, candidatePath string) (types.DeployResponse, error)
	Restore(ctx context.Context, backupID string) (types.DeployResponse, error)
	Backups(ctx context.Context) (types.BackupsResponse, error)

	Review(ctx context.Context, candidateID string) (types.ReviewResponse, error)
	AddRating(ctx context.Context, req types.RatingRequest) (int64, error)
	Evaluate(ctx context.Context, req types.EvaluateRequest) ([]types.EvaluationResult, error)
}

func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)
	r.Use(MetricsMiddleware)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})
	if corsEnabled {
		methods := corsAllowedMethods
		if len(methods) == 0 {
			methods = []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions}
		}
		headers := corsAllowedHeaders
		if len(headers) == 0 {
			headers = []string{"Content-Type", "X-Request-Id"}
		}
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: methods,
			AllowedHeaders: headers,
			MaxAge:         300,
		}))
	}

	h := &handlers{svc: svc}
	r.Get("/status", h.status)

	r.Get("/queue", h.listQueue)
	r.Post("/queue", h.enqueue)
	r.Post("/queue/populate", h.populate)
	r.Get("/jobs/{id}", h.getJob)
	r.Get("/runs", h.listRuns)
	r.Get("/runs/{id}", h.getRun)

	r.Post("/start", h.start)
	r.Post("/stop", h.stop)
	r.Post("/estop", h.estop(true))
	r.Delete("/estop", h.estop(false))

	r.Post("/deploy", h.deploy)
	r.Post("/restore", h.restore)
	r.Get("/backups", h.backups)

	r.Get("/review/{candidate}", h.review)
	r.Post("/ratings", h.rate)
	r.Post("/evaluate", h.evaluate)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.Ready() {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("halted"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	MountSwagger(r)
	return r
}

type handlers struct {
	svc Service
}

// decodeJSON enforces the content type and body limit. An empty body is
// accepted when optional is set.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	if optional && r.ContentLength == 0 {
		return true
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return false
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return true
		}
		// Oversized bodies are reported the same way to avoid leaking the limit.
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		writeJSONError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

func (h *handlers) listQueue(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	jobs, err := h.svc.ListQueue(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.QueueResponse{Jobs: jobs})
}

func (h *handlers) enqueue(w http.ResponseWriter, r *http.Request) {
	var req types.EnqueueRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.BaseModel) == "" || strings.TrimSpace(req.QuantizationMethod) == "" {
		writeJSONError(w, http.StatusBadRequest, "base_model and quantization_method are required")
		return
	}
	id, err := h.svc.Enqueue(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.EnqueueResponse{JobID: id})
}

func (h *handlers) populate(w http.ResponseWriter, r *http.Request) {
	ids, err := h.svc.Populate(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, types.PopulateResponse{Enqueued: ids})
}

func (h *handlers) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.svc.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handlers) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	runs, err := h.svc.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.RunsResponse{Runs: runs})
}

func (h *handlers) getRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.svc.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Start(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

func (h *handlers) stop(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Stop(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.svc.Status(r.Context()))
}

func (h *handlers) estop(engage bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req types.EstopRequest
		if engage && !decodeJSON(w, r, &req, true) {
			return
		}
		on, err := h.svc.EmergencyStop(r.Context(), engage, req.Reason)
		if err != nil {
			writeError(w, err)
			return
		}
		zlog.Warn().Bool("engaged", on).Str("reason", req.Reason).Msg("emergency stop changed")
		writeJSON(w, http.StatusOK, types.EstopResponse{Engaged: on})
	}
}

func (h *handlers) deploy(w http.ResponseWriter, r *http.Request) {
	var req types.DeployRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.CandidatePath) == "" {
		writeJSONError(w, http.StatusBadRequest, "candidate_path is required")
		return
	}
	ctx, cancel := workContext(r, 0)
	defer cancel()
	res, err := h.svc.Deploy(ctx, req.CandidatePath)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) restore(w http.ResponseWriter, r *http.Request) {
	var req types.RestoreRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if strings.TrimSpace(req.BackupID) == "" {
		writeJSONError(w, http.StatusBadRequest, "backup_id is required")
		return
	}
	res, err := h.svc.Restore(r.Context(), req.BackupID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) backups(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Backups(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) review(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Review(r.Context(), chi.URLParam(r, "candidate"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) rate(w http.ResponseWriter, r *http.Request) {
	var req types.RatingRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	id, err := h.svc.AddRating(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.RatingResponse{ID: id})
}

func (h *handlers) evaluate(w http.ResponseWriter, r *http.Request) {
	var req types.EvaluateRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	if len(req.Candidates) == 0 {
		writeJSONError(w, http.StatusBadRequest, "at least one candidate is required")
		return
	}
	ctx, cancel := workContext(r, evaluateTimeout)
	defer cancel()
	results, err := h.svc.Evaluate(ctx, req)
	if err != nil {
		if r.Context().Err() != nil {
			return
		}
		if ctx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			writeJSONError(w, http.StatusGatewayTimeout, "evaluation timed out")
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.EvaluateResponse{Results: results})
}
