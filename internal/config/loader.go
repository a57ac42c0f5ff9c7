package config

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"quantpilot/internal/common/fsutil"
)

// Config is the structured document that drives the whole autopilot.
// Zero values mean "unspecified" and are replaced by Defaults.
type Config struct {
	Addr              string `json:"addr" yaml:"addr" toml:"addr"`
	LogLevel          string `json:"log_level" yaml:"log_level" toml:"log_level"`
	DataDir           string `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	EmergencyStopFile string `json:"emergency_stop_file" yaml:"emergency_stop_file" toml:"emergency_stop_file"`

	Idle         IdleConfig         `json:"idle" yaml:"idle" toml:"idle"`
	Safety       SafetyConfig       `json:"safety" yaml:"safety" toml:"safety"`
	Quantization QuantizationConfig `json:"quantization" yaml:"quantization" toml:"quantization"`
	Evaluation   EvaluationConfig   `json:"evaluation" yaml:"evaluation" toml:"evaluation"`
	Deployment   DeploymentConfig   `json:"deployment" yaml:"deployment" toml:"deployment"`
	LLM          LLMConfig          `json:"llm" yaml:"llm" toml:"llm"`
	CORS         CORSConfig         `json:"cors" yaml:"cors" toml:"cors"`
}

// IdleConfig tunes the resource monitor.
type IdleConfig struct {
	MinIdleMinutes         float64 `json:"min_idle_minutes" yaml:"min_idle_minutes" toml:"min_idle_minutes"`
	CheckIntervalSeconds   int     `json:"check_interval_seconds" yaml:"check_interval_seconds" toml:"check_interval_seconds"`
	CPUThresholdPercent    float64 `json:"cpu_threshold_percent" yaml:"cpu_threshold_percent" toml:"cpu_threshold_percent"`
	MemoryThresholdPercent float64 `json:"memory_threshold_percent" yaml:"memory_threshold_percent" toml:"memory_threshold_percent"`
	DiskSpaceThresholdGB   float64 `json:"disk_space_threshold_gb" yaml:"disk_space_threshold_gb" toml:"disk_space_threshold_gb"`
	DetectUserInput        bool    `json:"detect_user_input" yaml:"detect_user_input" toml:"detect_user_input"`
	InputIdleCommand       string  `json:"input_idle_command" yaml:"input_idle_command" toml:"input_idle_command"`
}

// SafetyConfig holds the hard limits enforced by the safety gate.
type SafetyConfig struct {
	MaxActiveLoopsPerDay   int     `json:"max_active_loops_per_day" yaml:"max_active_loops_per_day" toml:"max_active_loops_per_day"`
	MaxConcurrentProcesses int     `json:"max_concurrent_processes" yaml:"max_concurrent_processes" toml:"max_concurrent_processes"`
	DiskSpaceThresholdGB   float64 `json:"disk_space_threshold_gb" yaml:"disk_space_threshold_gb" toml:"disk_space_threshold_gb"`
	MaxDiskUsageGB         float64 `json:"max_disk_usage_gb" yaml:"max_disk_usage_gb" toml:"max_disk_usage_gb"`
	TimeoutMinutes         float64 `json:"timeout_minutes" yaml:"timeout_minutes" toml:"timeout_minutes"`
	DayBoundaryUTC         bool    `json:"day_boundary_utc" yaml:"day_boundary_utc" toml:"day_boundary_utc"`
}

// QuantizationConfig describes what the population routine enqueues and how
// the external quantizer is invoked.
type QuantizationConfig struct {
	BaseModels      []string `json:"base_models" yaml:"base_models" toml:"base_models"`
	Methods         []string `json:"methods" yaml:"methods" toml:"methods"`
	TargetSizeGB    float64  `json:"target_size_gb" yaml:"target_size_gb" toml:"target_size_gb"`
	DefaultPriority int      `json:"default_priority" yaml:"default_priority" toml:"default_priority"`
	OutputDir       string   `json:"output_dir" yaml:"output_dir" toml:"output_dir"`
	// ModelsDir, when set, is scanned for *.gguf base models on populate.
	ModelsDir string `json:"models_dir" yaml:"models_dir" toml:"models_dir"`
	// Command is an argv template. Placeholders: {input} {output} {method} {target_size_gb}.
	Command []string `json:"command" yaml:"command" toml:"command"`
}

// JudgeConfig declares one automated judge of the ensemble.
type JudgeConfig struct {
	Name   string  `json:"name" yaml:"name" toml:"name"`
	Kind   string  `json:"kind" yaml:"kind" toml:"kind"` // persona | model
	Bias   float64 `json:"bias" yaml:"bias" toml:"bias"`
	Weight float64 `json:"weight" yaml:"weight" toml:"weight"`
	Model  string  `json:"model" yaml:"model" toml:"model"`
}

// EvaluationConfig tunes the candidate evaluator.
type EvaluationConfig struct {
	AIJudgeWeight           float64            `json:"ai_judge_weight" yaml:"ai_judge_weight" toml:"ai_judge_weight"`
	HumanJudgeWeight        float64            `json:"human_judge_weight" yaml:"human_judge_weight" toml:"human_judge_weight"`
	ConsensusThreshold      float64            `json:"consensus_threshold" yaml:"consensus_threshold" toml:"consensus_threshold"`
	MinimumHumanSamples     int                `json:"minimum_human_samples" yaml:"minimum_human_samples" toml:"minimum_human_samples"`
	InsufficientHumanPolicy string             `json:"insufficient_human_policy" yaml:"insufficient_human_policy" toml:"insufficient_human_policy"`
	MinJudgmentScore        float64            `json:"min_judgment_score" yaml:"min_judgment_score" toml:"min_judgment_score"`
	PromptSampleSize        int                `json:"prompt_sample_size" yaml:"prompt_sample_size" toml:"prompt_sample_size"`
	Dimensions              []string           `json:"dimensions" yaml:"dimensions" toml:"dimensions"`
	EnsembleMode            string             `json:"ensemble_mode" yaml:"ensemble_mode" toml:"ensemble_mode"`
	Judges                  []JudgeConfig      `json:"judges" yaml:"judges" toml:"judges"`
	HumanCriteria           map[string]float64 `json:"human_criteria" yaml:"human_criteria" toml:"human_criteria"`
	Prompts                 []string           `json:"prompts" yaml:"prompts" toml:"prompts"`
	BaselineModel           string             `json:"baseline_model" yaml:"baseline_model" toml:"baseline_model"`
}

// DeploymentConfig tunes backup/validate/swap of the production slot.
type DeploymentConfig struct {
	ActiveDir              string  `json:"active_dir" yaml:"active_dir" toml:"active_dir"`
	BackupDir              string  `json:"backup_dir" yaml:"backup_dir" toml:"backup_dir"`
	MinSizeGB              float64 `json:"min_size_gb" yaml:"min_size_gb" toml:"min_size_gb"`
	MaxSizeGB              float64 `json:"max_size_gb" yaml:"max_size_gb" toml:"max_size_gb"`
	PreservationThreshold  float64 `json:"preservation_threshold" yaml:"preservation_threshold" toml:"preservation_threshold"`
	PreservationSampleSize int     `json:"preservation_sample_size" yaml:"preservation_sample_size" toml:"preservation_sample_size"`
	BackupRetention        int     `json:"backup_retention" yaml:"backup_retention" toml:"backup_retention"`
	AutoPromote            bool    `json:"auto_promote" yaml:"auto_promote" toml:"auto_promote"`
	// SmokeCommand, when set, starts a dedicated server on the deployed file
	// for the smoke check. Placeholders: {model} {host} {port}.
	SmokeCommand []string `json:"smoke_command" yaml:"smoke_command" toml:"smoke_command"`
}

// LLMConfig points at an OpenAI-compatible server used for generation,
// embeddings and smoke checks.
type LLMConfig struct {
	BaseURL               string `json:"base_url" yaml:"base_url" toml:"base_url"`
	APIKey                string `json:"api_key" yaml:"api_key" toml:"api_key"`
	RequestTimeoutSeconds int    `json:"request_timeout_seconds" yaml:"request_timeout_seconds" toml:"request_timeout_seconds"`
	EmbeddingModel        string `json:"embedding_model" yaml:"embedding_model" toml:"embedding_model"`
	MaxTokens             int    `json:"max_tokens" yaml:"max_tokens" toml:"max_tokens"`
}

// CORSConfig is opt-in; when disabled no CORS middleware is installed.
type CORSConfig struct {
	Enabled        bool     `json:"enabled" yaml:"enabled" toml:"enabled"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins" toml:"allowed_origins"`
}

// Insufficient-human-sample policies.
const (
	PolicyDegrade = "degrade"
	PolicyRefuse  = "refuse"
)

// Load reads a configuration file based on its extension, applies defaults and
// environment overrides, and validates the result.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".json":
		if err := json.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	case ".toml":
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return cfg, err
		}
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	cfg = Defaults(ApplyEnv(cfg))
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// FromEnv builds a configuration without a file: defaults plus environment
// overrides.
func FromEnv() (Config, error) {
	cfg := Defaults(ApplyEnv(Config{}))
	return cfg, cfg.Validate()
}

// ApplyEnv overlays QUANTPILOT_* environment variables.
func ApplyEnv(cfg Config) Config {
	if v := os.Getenv("QUANTPILOT_ADDR"); v != "" {
		cfg.Addr = v
	}
	if v := os.Getenv("QUANTPILOT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("QUANTPILOT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	return cfg
}

// Validate rejects configurations the autopilot cannot run safely with.
func (c Config) Validate() error {
	var errs []string
	add := func(format string, a ...any) { errs = append(errs, fmt.Sprintf(format, a...)) }

	if c.Idle.MinIdleMinutes < 0 {
		add("idle.min_idle_minutes must be >= 0")
	}
	if c.Idle.CheckIntervalSeconds <= 0 {
		add("idle.check_interval_seconds must be > 0")
	}
	if !inRange(c.Idle.CPUThresholdPercent, 0, 100) || !inRange(c.Idle.MemoryThresholdPercent, 0, 100) {
		add("idle thresholds must be within [0,100]")
	}
	if c.Safety.MaxConcurrentProcesses < 1 {
		add("safety.max_concurrent_processes must be >= 1")
	}
	if c.Safety.MaxActiveLoopsPerDay < 0 {
		add("safety.max_active_loops_per_day must be >= 0")
	}
	if c.Safety.TimeoutMinutes <= 0 {
		add("safety.timeout_minutes must be > 0")
	}
	ev := c.Evaluation
	if !inRange(ev.AIJudgeWeight, 0, 1) || !inRange(ev.HumanJudgeWeight, 0, 1) {
		add("evaluation judge weights must be within [0,1]")
	}
	if !sumsToOne(ev.AIJudgeWeight + ev.HumanJudgeWeight) {
		add("evaluation.ai_judge_weight + human_judge_weight must equal 1.0, got %.6f", ev.AIJudgeWeight+ev.HumanJudgeWeight)
	}
	if len(ev.HumanCriteria) > 0 {
		var s float64
		for name, w := range ev.HumanCriteria {
			if w < 0 {
				add("evaluation.human_criteria[%s] must be >= 0", name)
			}
			s += w
		}
		if !sumsToOne(s) {
			add("evaluation.human_criteria weights must sum to 1.0, got %.6f", s)
		}
	}
	if !inRange(ev.ConsensusThreshold, 0, 1) || !inRange(ev.MinJudgmentScore, 0, 1) {
		add("evaluation thresholds must be within [0,1]")
	}
	switch ev.InsufficientHumanPolicy {
	case PolicyDegrade, PolicyRefuse:
	default:
		add("evaluation.insufficient_human_policy must be %q or %q", PolicyDegrade, PolicyRefuse)
	}
	switch ev.EnsembleMode {
	case "simple", "weighted":
	default:
		add("evaluation.ensemble_mode must be simple or weighted")
	}
	for _, j := range ev.Judges {
		if j.Weight < 0 {
			add("judge %s weight must be >= 0", j.Name)
		}
	}
	d := c.Deployment
	if d.MaxSizeGB > 0 && d.MinSizeGB > d.MaxSizeGB {
		add("deployment.min_size_gb exceeds max_size_gb")
	}
	if d.PreservationThreshold < 0 {
		add("deployment.preservation_threshold must be >= 0")
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ExpandPaths resolves '~' in every path-valued field.
func (c Config) ExpandPaths() (Config, error) {
	for _, p := range []*string{
		&c.DataDir, &c.EmergencyStopFile, &c.Quantization.OutputDir, &c.Quantization.ModelsDir,
		&c.Deployment.ActiveDir, &c.Deployment.BackupDir,
	} {
		v, err := fsutil.ExpandHome(*p)
		if err != nil {
			return c, err
		}
		*p = v
	}
	return c, nil
}

// DBPath is the SQLite file holding queue and run history.
func (c Config) DBPath() string { return filepath.Join(c.DataDir, "quantpilot.db") }

func inRange(v, lo, hi float64) bool { return v >= lo && v <= hi }

func sumsToOne(v float64) bool { return math.Abs(v-1.0) <= 1e-6 }
