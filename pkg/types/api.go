package types

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	// example: invalid JSON body
	Error string `json:"error" example:"invalid JSON body"`
	// HTTP status code.
	// example: 400
	Code int `json:"code" example:"400"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// True while the control loop is started.
	// example: true
	Running bool `json:"running" example:"true"`
	// Controller state: STOPPED, WAITING_IDLE, EXECUTING or HALTED.
	// example: WAITING_IDLE
	State     string    `json:"state" example:"WAITING_IDLE"`
	IdleState IdleState `json:"idle_state"`
	// Jobs currently executing, one per busy slot.
	CurrentJobs []Job `json:"current_jobs"`
	// example: 3
	PendingCount int `json:"pending_count" example:"3"`
	// Runs recorded today plus jobs in flight.
	// example: 1
	DailyRuns int `json:"daily_runs" example:"1"`
	// example: 3
	MaxDailyRuns int `json:"max_daily_runs" example:"3"`
	// example: 1
	MaxConcurrent int `json:"max_concurrent_processes" example:"1"`
	// True while the emergency stop is engaged.
	EmergencyStop bool           `json:"emergency_stop"`
	LastDecision  SafetyDecision `json:"last_decision"`
	// Last error observed by the controller, if any.
	LastError string `json:"last_error,omitempty"`
	// Set when a failed restore halted the controller. Operator action is required.
	Halted     bool   `json:"halted"`
	HaltReason string `json:"halt_reason,omitempty"`
	// example: 3600
	UptimeSeconds int64 `json:"uptime_seconds" example:"3600"`
	// example: 1700000000
	ServerTimeUnix int64 `json:"server_time_unix" example:"1700000000"`
}

// EnqueueRequest is the body of POST /queue.
type EnqueueRequest struct {
	// Required base model path or id.
	// example: /models/companion-7b.f16.gguf
	BaseModel string `json:"base_model" example:"/models/companion-7b.f16.gguf"`
	// Required quantization method.
	// example: q4_k_m
	QuantizationMethod string `json:"quantization_method" example:"q4_k_m"`
	// Optional; the configured default is used when omitted.
	// example: 8
	Priority *int `json:"priority,omitempty" example:"8"`
	// Optional target size; the configured default is used when zero.
	TargetSizeGB float64 `json:"target_size_gb,omitempty" example:"4.5"`
	// idle (default), manual or scheduled. Manual jobs skip the idle check.
	// example: manual
	Trigger string `json:"trigger_type,omitempty" example:"manual"`
}

// EnqueueResponse returns the new job id.
type EnqueueResponse struct {
	JobID string `json:"job_id"`
}

// QueueResponse lists jobs.
type QueueResponse struct {
	Jobs []Job `json:"jobs"`
}

// RunsResponse lists run history, newest first.
type RunsResponse struct {
	Runs []Run `json:"runs"`
}

// PopulateResponse lists the ids of jobs created by POST /queue/populate.
type PopulateResponse struct {
	Enqueued []string `json:"enqueued"`
}

// EstopRequest is the optional body of POST /estop.
type EstopRequest struct {
	// example: disk maintenance
	Reason string `json:"reason,omitempty" example:"disk maintenance"`
}

// EstopResponse reports the emergency-stop state after a change.
type EstopResponse struct {
	Engaged bool `json:"engaged"`
}

// DeployRequest is the body of POST /deploy.
type DeployRequest struct {
	// example: /home/user/.quantpilot/artifacts/companion-7b-q4_k_m-1a2b3c4d.gguf
	CandidatePath string `json:"candidate_path" example:"/home/user/.quantpilot/artifacts/companion-7b-q4_k_m-1a2b3c4d.gguf"`
}

// DeployResponse is the outcome of a deploy or restore.
type DeployResponse struct {
	OK       bool     `json:"ok"`
	BackupID string   `json:"backup_id,omitempty"`
	Reasons  []string `json:"reasons,omitempty"`
	Restored bool     `json:"restored"`
}

// RestoreRequest is the body of POST /restore.
type RestoreRequest struct {
	BackupID string `json:"backup_id"`
}

// BackupsResponse lists backups newest first with the active model.
type BackupsResponse struct {
	Active  *ActiveModel `json:"active,omitempty"`
	Backups []Backup     `json:"backups"`
}

// ReviewResponse is returned by GET /review/{candidate}.
type ReviewResponse struct {
	CandidateID string `json:"candidate_id"`
	// Criteria and their weights; scores in a rating use these keys.
	Criteria map[string]float64 `json:"criteria"`
	Samples  []Sample           `json:"samples"`
	// Ratings collected so far and the number required.
	Ratings  int `json:"ratings"`
	Required int `json:"required"`
}

// RatingRequest is the body of POST /ratings.
type RatingRequest struct {
	CandidateID string `json:"candidate_id"`
	PromptID    string `json:"prompt_id,omitempty"`
	// example: alice
	Rater string `json:"rater" example:"alice"`
	// Criterion name to score in [0,1].
	Scores map[string]float64 `json:"scores"`
}

// RatingResponse returns the stored rating id.
type RatingResponse struct {
	ID int64 `json:"id"`
}

// EvaluateCandidate names one artifact for POST /evaluate.
type EvaluateCandidate struct {
	ID     string  `json:"id"`
	Path   string  `json:"path"`
	SizeGB float64 `json:"size_gb,omitempty"`
}

// EvaluateRequest is the body of POST /evaluate.
type EvaluateRequest struct {
	// Baseline model; the configured baseline when empty.
	Baseline   string              `json:"baseline,omitempty"`
	Candidates []EvaluateCandidate `json:"candidates"`
}

// EvaluateResponse holds ranked results.
type EvaluateResponse struct {
	Results []EvaluationResult `json:"results"`
}
