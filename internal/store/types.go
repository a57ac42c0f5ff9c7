package store

import (
	"errors"
	"time"
)

// JobStatus is the lifecycle state of a queued job.
type JobStatus string

const (
	StatusPending   JobStatus = "PENDING"
	StatusRunning   JobStatus = "RUNNING"
	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
)

// Trigger records why a job ran.
type Trigger string

const (
	TriggerIdle      Trigger = "idle"
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

// ErrInterrupted is the error message recorded for jobs found RUNNING at startup.
const ErrInterrupted = "interrupted"

// Job is a durable queue entry.
type Job struct {
	JobID              string     `json:"job_id"`
	BaseModel          string     `json:"base_model"`
	QuantizationMethod string     `json:"quantization_method"`
	Priority           int        `json:"priority"`
	Status             JobStatus  `json:"status"`
	Trigger            Trigger    `json:"trigger_type"`
	TargetSizeGB       float64    `json:"target_size_gb"`
	CreatedAt          time.Time  `json:"created_at"`
	StartedAt          *time.Time `json:"started_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	RunID              string     `json:"run_id,omitempty"`
	LastError          string     `json:"last_error,omitempty"`
	ArtifactPath       string     `json:"artifact_path,omitempty"`
	Promoted           bool       `json:"promoted"`
}

// Run is the immutable record of one execution attempt.
type Run struct {
	RunID                string    `json:"run_id"`
	JobID                string    `json:"job_id"`
	Trigger              Trigger   `json:"trigger_type"`
	Timestamp            time.Time `json:"timestamp"`
	ModelPath            string    `json:"model_path"`
	BaseModel            string    `json:"base_model"`
	QuantizationMethod   string    `json:"quantization_method"`
	TargetSizeGB         float64   `json:"target_size_gb"`
	ResultSummary        string    `json:"result_summary"`
	JudgmentScore        float64   `json:"judgment_score"`
	Success              bool      `json:"success"`
	ErrorMessage         string    `json:"error_message,omitempty"`
	ExecutionTimeMinutes float64   `json:"execution_time_minutes"`
}

// Filter narrows ListAll. Zero fields match everything.
type Filter struct {
	Status    JobStatus
	BaseModel string
	Limit     int
}

// Snapshot is a consistent view used for one admission decision.
type Snapshot struct {
	Running   int
	Pending   int
	DailyRuns int
}

// Sample is a prompt/response pair presented to human raters.
type Sample struct {
	CandidateID string    `json:"candidate_id"`
	PromptID    string    `json:"prompt_id"`
	Prompt      string    `json:"prompt"`
	Response    string    `json:"response"`
	CreatedAt   time.Time `json:"created_at"`
}

// Rating is one rater's criteria scores for one sample.
type Rating struct {
	ID          int64              `json:"id"`
	CandidateID string             `json:"candidate_id"`
	PromptID    string             `json:"prompt_id"`
	Rater       string             `json:"rater"`
	Scores      map[string]float64 `json:"scores"`
	CreatedAt   time.Time          `json:"created_at"`
}

var (
	// ErrNotFound is returned when a job or run id is unknown.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a status transition is not allowed.
	ErrConflict = errors.New("invalid status transition")
)
