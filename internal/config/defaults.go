package config

import "path/filepath"

// Defaults applied when corresponding fields are unset.
const (
	defaultAddr                 = ":8088"
	defaultLogLevel             = "info"
	defaultDataDir              = "~/.quantpilot"
	defaultMinIdleMinutes       = 30
	defaultCheckIntervalSeconds = 60
	defaultCPUThreshold         = 15
	defaultMemoryThreshold      = 80
	defaultMaxLoopsPerDay       = 3
	defaultMaxConcurrent        = 1
	defaultTimeoutMinutes       = 240
	defaultAIWeight             = 0.4
	defaultHumanWeight          = 0.6
	defaultConsensusThreshold   = 0.7
	defaultMinHumanSamples      = 3
	defaultMinJudgmentScore     = 0.7
	defaultPromptSampleSize     = 8
	defaultPreservation         = 0.9
	defaultPreservationSamples  = 3
	defaultBackupRetention      = 5
	defaultRequestTimeout       = 120
	defaultMaxTokens            = 256
	defaultPriority             = 5
)

var (
	defaultDimensions = []string{"empathy", "creativity", "coherence", "appropriateness"}

	defaultHumanCriteria = map[string]float64{
		"believability":       0.3,
		"connection":          0.3,
		"expressive_strength": 0.2,
		"appropriateness":     0.2,
	}

	defaultJudges = []JudgeConfig{
		{Name: "strict", Kind: "persona", Bias: -0.1, Weight: 1},
		{Name: "balanced", Kind: "persona", Bias: 0, Weight: 2},
		{Name: "generous", Kind: "persona", Bias: 0.1, Weight: 1},
	}

	defaultPrompts = []string{
		"I had a rough day at work and just want to talk.",
		"Tell me a short story about a lighthouse keeper who befriends a storm.",
		"Explain why the sky is blue to a curious seven-year-old.",
		"My friend forgot my birthday. How should I bring it up?",
		"Write a four-line poem about the first snow of winter.",
		"What would you say to someone nervous before a job interview?",
		"Describe your ideal quiet Sunday morning.",
		"Help me apologize to my sister after an argument.",
		"Summarize the plot of a heist movie you invent on the spot.",
		"Give me three gentle reminders to take care of myself today.",
	}
)

// Defaults returns cfg with zero-valued fields replaced by package defaults.
func Defaults(cfg Config) Config {
	if cfg.Addr == "" {
		cfg.Addr = defaultAddr
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.EmergencyStopFile == "" {
		cfg.EmergencyStopFile = filepath.Join(cfg.DataDir, "EMERGENCY_STOP")
	}

	if cfg.Idle.MinIdleMinutes == 0 {
		cfg.Idle.MinIdleMinutes = defaultMinIdleMinutes
	}
	if cfg.Idle.CheckIntervalSeconds == 0 {
		cfg.Idle.CheckIntervalSeconds = defaultCheckIntervalSeconds
	}
	if cfg.Idle.CPUThresholdPercent == 0 {
		cfg.Idle.CPUThresholdPercent = defaultCPUThreshold
	}
	if cfg.Idle.MemoryThresholdPercent == 0 {
		cfg.Idle.MemoryThresholdPercent = defaultMemoryThreshold
	}
	if cfg.Idle.DetectUserInput && cfg.Idle.InputIdleCommand == "" {
		cfg.Idle.InputIdleCommand = "xprintidle"
	}

	if cfg.Safety.MaxActiveLoopsPerDay == 0 {
		cfg.Safety.MaxActiveLoopsPerDay = defaultMaxLoopsPerDay
	}
	if cfg.Safety.MaxConcurrentProcesses == 0 {
		cfg.Safety.MaxConcurrentProcesses = defaultMaxConcurrent
	}
	if cfg.Safety.TimeoutMinutes == 0 {
		cfg.Safety.TimeoutMinutes = defaultTimeoutMinutes
	}

	if cfg.Quantization.OutputDir == "" {
		cfg.Quantization.OutputDir = filepath.Join(cfg.DataDir, "artifacts")
	}
	if cfg.Quantization.DefaultPriority == 0 {
		cfg.Quantization.DefaultPriority = defaultPriority
	}

	ev := &cfg.Evaluation
	if ev.AIJudgeWeight == 0 && ev.HumanJudgeWeight == 0 {
		ev.AIJudgeWeight = defaultAIWeight
		ev.HumanJudgeWeight = defaultHumanWeight
	}
	if ev.ConsensusThreshold == 0 {
		ev.ConsensusThreshold = defaultConsensusThreshold
	}
	if ev.MinimumHumanSamples == 0 {
		ev.MinimumHumanSamples = defaultMinHumanSamples
	}
	if ev.InsufficientHumanPolicy == "" {
		ev.InsufficientHumanPolicy = PolicyDegrade
	}
	if ev.MinJudgmentScore == 0 {
		ev.MinJudgmentScore = defaultMinJudgmentScore
	}
	if ev.PromptSampleSize == 0 {
		ev.PromptSampleSize = defaultPromptSampleSize
	}
	if len(ev.Dimensions) == 0 {
		ev.Dimensions = append([]string(nil), defaultDimensions...)
	}
	if ev.EnsembleMode == "" {
		ev.EnsembleMode = "weighted"
	}
	if len(ev.Judges) == 0 {
		ev.Judges = append([]JudgeConfig(nil), defaultJudges...)
	}
	if len(ev.HumanCriteria) == 0 {
		ev.HumanCriteria = make(map[string]float64, len(defaultHumanCriteria))
		for k, v := range defaultHumanCriteria {
			ev.HumanCriteria[k] = v
		}
	}
	if len(ev.Prompts) == 0 {
		ev.Prompts = append([]string(nil), defaultPrompts...)
	}

	d := &cfg.Deployment
	if d.ActiveDir == "" {
		d.ActiveDir = filepath.Join(cfg.DataDir, "active")
	}
	if d.BackupDir == "" {
		d.BackupDir = filepath.Join(cfg.DataDir, "backups")
	}
	if d.PreservationThreshold == 0 {
		d.PreservationThreshold = defaultPreservation
	}
	if d.PreservationSampleSize == 0 {
		d.PreservationSampleSize = defaultPreservationSamples
	}
	if d.BackupRetention == 0 {
		d.BackupRetention = defaultBackupRetention
	}

	if cfg.LLM.RequestTimeoutSeconds == 0 {
		cfg.LLM.RequestTimeoutSeconds = defaultRequestTimeout
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = defaultMaxTokens
	}
	return cfg
}
