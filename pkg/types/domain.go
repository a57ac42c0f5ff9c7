package types

import "time"

// Job is a queued quantization job.
type Job struct {
	// Unique job identifier.
	// example: 5f0c6e1e-9d7b-4b8e-a2f4-0b6a3c1d2e3f
	JobID string `json:"job_id" example:"5f0c6e1e-9d7b-4b8e-a2f4-0b6a3c1d2e3f"`
	// Path or id of the base model to quantize.
	// example: /models/companion-7b.f16.gguf
	BaseModel string `json:"base_model" example:"/models/companion-7b.f16.gguf"`
	// Quantization method passed to the tool.
	// example: q4_k_m
	QuantizationMethod string `json:"quantization_method" example:"q4_k_m"`
	// Higher runs sooner.
	// example: 5
	Priority int `json:"priority" example:"5"`
	// PENDING, RUNNING, COMPLETED or FAILED.
	// example: PENDING
	Status string `json:"status" example:"PENDING"`
	// idle, manual or scheduled.
	// example: idle
	Trigger      string     `json:"trigger_type" example:"idle"`
	TargetSizeGB float64    `json:"target_size_gb,omitempty" example:"4.5"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	RunID        string     `json:"run_id,omitempty"`
	// Last error recorded for this job, if it failed.
	LastError    string `json:"last_error,omitempty"`
	ArtifactPath string `json:"artifact_path,omitempty"`
	// True once the artifact was deployed to the active slot.
	Promoted bool `json:"promoted"`
}

// Run is the immutable record of one job execution.
type Run struct {
	RunID                string    `json:"run_id"`
	JobID                string    `json:"job_id"`
	Trigger              string    `json:"trigger_type" example:"idle"`
	Timestamp            time.Time `json:"timestamp"`
	ModelPath            string    `json:"model_path,omitempty"`
	BaseModel            string    `json:"base_model"`
	QuantizationMethod   string    `json:"quantization_method"`
	TargetSizeGB         float64   `json:"target_size_gb"`
	ResultSummary        string    `json:"result_summary"`
	JudgmentScore        float64   `json:"judgment_score" example:"0.82"`
	Success              bool      `json:"success"`
	ErrorMessage         string    `json:"error_message,omitempty"`
	ExecutionTimeMinutes float64   `json:"execution_time_minutes" example:"42.5"`
}

// IdleState is the resource monitor's current verdict.
type IdleState struct {
	// ACTIVE or IDLE.
	// example: IDLE
	State          string    `json:"state" example:"IDLE"`
	Since          time.Time `json:"since"`
	IdleForSeconds float64   `json:"idle_for_seconds"`
	CPUPercent     float64   `json:"cpu_pct" example:"3.2"`
	MemPercent     float64   `json:"mem_pct" example:"41.0"`
	DiskFreeGB     float64   `json:"disk_free_gb" example:"220.4"`
	// False when user-input detection is unavailable and only CPU and memory are used.
	InputDetection bool `json:"input_detection"`
}

// SafetyDecision is the most recent admission decision.
type SafetyDecision struct {
	Allow bool `json:"allow"`
	// Rule that produced the decision.
	// example: daily_limit
	Check  string    `json:"check" example:"daily_limit"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Backup is a snapshot of the active model slot.
type Backup struct {
	// example: 20260301T120000.000000000Z-1a2b3c4d
	ID        string    `json:"id" example:"20260301T120000.000000000Z-1a2b3c4d"`
	CreatedAt time.Time `json:"created_at"`
	ModelFile string    `json:"model_file,omitempty"`
	SHA256    string    `json:"sha256,omitempty"`
	// True when the slot was empty at backup time.
	Empty bool `json:"empty"`
}

// ActiveModel describes the deployed model.
type ActiveModel struct {
	ModelFile  string    `json:"model_file"`
	SHA256     string    `json:"sha256"`
	SizeGB     float64   `json:"size_gb"`
	DeployedAt time.Time `json:"deployed_at"`
	BackupID   string    `json:"backup_id,omitempty"`
	Source     string    `json:"source"`
}

// Sample is a prompt/response pair shown to human raters.
type Sample struct {
	CandidateID string `json:"candidate_id"`
	PromptID    string `json:"prompt_id" example:"p01"`
	Prompt      string `json:"prompt"`
	Response    string `json:"response"`
}

// EvaluationResult is one candidate's score against the baseline.
type EvaluationResult struct {
	CandidateID   string  `json:"candidate_id"`
	Path          string  `json:"path"`
	SizeGB        float64 `json:"size_gb"`
	AIScore       float64 `json:"ai_score" example:"0.9"`
	HumanScore    float64 `json:"human_score" example:"0.5"`
	CombinedScore float64 `json:"combined_score" example:"0.66"`
	// 1 - |ai_score - human_score|.
	// example: 0.6
	Confidence     float64            `json:"confidence" example:"0.6"`
	AICriteria     map[string]float64 `json:"ai_criteria,omitempty"`
	HumanCriteria  map[string]float64 `json:"human_criteria,omitempty"`
	JudgeScores    map[string]float64 `json:"judge_scores,omitempty"`
	HumanSamples   int                `json:"human_samples"`
	Degraded       bool               `json:"degraded"`
	RequiresReview bool               `json:"requires_review"`
	Rank           int                `json:"rank"`
}
