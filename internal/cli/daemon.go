package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"quantpilot/internal/autopilot"
	"quantpilot/internal/common/fsutil"
	"quantpilot/internal/config"
	"quantpilot/internal/deploy"
	"quantpilot/internal/evaluate"
	"quantpilot/internal/httpapi"
	"quantpilot/internal/llm"
	"quantpilot/internal/monitor"
	"quantpilot/internal/quantize"
	"quantpilot/internal/registry"
	"quantpilot/internal/safety"
	"quantpilot/internal/store"
)

// EstopEnv engages the emergency stop while set to 1 or true.
const EstopEnv = "QUANTPILOT_EMERGENCY_STOP"

// Daemon is the fully wired autopilot process.
type Daemon struct {
	cfg     config.Config
	log     zerolog.Logger
	store   *store.Store
	monitor *monitor.Monitor
	service *autopilot.Service
	handler http.Handler
}

// diskProbe measures free space where artifacts are written and the total
// footprint of artifacts, the active slot and backups.
type diskProbe struct {
	freePath string
	roots    []string
}

func (d diskProbe) FreeGB() (float64, error)       { return fsutil.FreeGB(d.freePath) }
func (d diskProbe) ModelUsageGB() (float64, error) { return fsutil.DirSizeGB(d.roots...) }

func discover(modelsDir string) func() ([]string, error) {
	if modelsDir == "" {
		return nil
	}
	return func() ([]string, error) { return registry.ScanGGUF(modelsDir) }
}

// NewDaemon opens the store and wires every component. ctx parents the
// control loop; cancel it to stop the daemon.
func NewDaemon(ctx context.Context, cfg config.Config, log zerolog.Logger) (*Daemon, error) {
	for _, dir := range []string{cfg.DataDir, cfg.Quantization.OutputDir, cfg.Deployment.ActiveDir, cfg.Deployment.BackupDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	st, err := store.Open(cfg.DBPath(), store.WithUTCDay(cfg.Safety.DayBoundaryUTC))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	monOpts := []monitor.Option{monitor.WithLogger(log)}
	if cfg.Idle.DetectUserInput {
		monOpts = append(monOpts, monitor.WithInputDetector(monitor.NewCommandInputDetector(cfg.Idle.InputIdleCommand)))
	}
	mon := monitor.New(monitor.NewHostSampler(cfg.DataDir), monitor.Thresholds{
		MinIdle:       time.Duration(cfg.Idle.MinIdleMinutes * float64(time.Minute)),
		CPUPercent:    cfg.Idle.CPUThresholdPercent,
		MemoryPercent: cfg.Idle.MemoryThresholdPercent,
		DiskSpaceGB:   cfg.Idle.DiskSpaceThresholdGB,
		CheckInterval: time.Duration(cfg.Idle.CheckIntervalSeconds) * time.Second,
	}, monOpts...)

	sentinel := safety.NewFileSignal(cfg.EmergencyStopFile)
	sentinel.Log = log.With().Str("component", "safety").Logger()
	estop := safety.Sentinel{FileSignal: sentinel, Extra: safety.Any{safety.EnvSignal{Name: EstopEnv}}}

	mgrOpts := []deploy.Option{deploy.WithLogger(log)}
	if len(cfg.Deployment.SmokeCommand) > 0 {
		mgrOpts = append(mgrOpts, deploy.WithProber(llm.NewSpawnProber(cfg.Deployment.SmokeCommand, log)))
	}
	deps := autopilot.Deps{
		Idle:     mon,
		Store:    st,
		Signal:   estop,
		Disk:     diskProbe{freePath: cfg.Quantization.OutputDir, roots: []string{cfg.Quantization.OutputDir, cfg.Deployment.ActiveDir, cfg.Deployment.BackupDir}},
		Executor: quantize.NewCommandExecutor(cfg.Quantization.Command, cfg.Quantization.OutputDir, log),
		Notifier: autopilot.LogNotifier{Log: log.With().Str("component", "events").Logger()},
		Logger:   log,
	}
	prompts := evaluate.PromptSet(cfg.Evaluation.Prompts)

	var mgr *deploy.Manager
	if cfg.LLM.BaseURL == "" {
		log.Warn().Msg("llm.base_url not set: evaluation and preservation checks are disabled")
		mgr = deploy.New(deploy.SettingsFrom(cfg.Deployment), mgrOpts...)
	} else {
		client := llm.New(llm.Options{
			BaseURL:        cfg.LLM.BaseURL,
			APIKey:         cfg.LLM.APIKey,
			RequestTimeout: time.Duration(cfg.LLM.RequestTimeoutSeconds) * time.Second,
			EmbeddingModel: cfg.LLM.EmbeddingModel,
			MaxTokens:      cfg.LLM.MaxTokens,
			Logger:         log,
		})
		judges, err := evaluate.JudgesFromConfig(cfg.Evaluation, client)
		if err != nil {
			st.Close()
			return nil, err
		}
		evOpts := []evaluate.Option{evaluate.WithHumanSource(st), evaluate.WithSampleSink(st), evaluate.WithLogger(log)}
		if cfg.LLM.EmbeddingModel != "" {
			evOpts = append(evOpts, evaluate.WithEmbedder(client))
		}
		ev, err := evaluate.New(evaluate.SettingsFrom(cfg.Evaluation), client, judges, evOpts...)
		if err != nil {
			st.Close()
			return nil, err
		}
		deps.Evaluator = ev

		var active func() string
		if len(cfg.Deployment.SmokeCommand) == 0 {
			mgrOpts = append(mgrOpts, deploy.WithProber(client))
		}
		mgrOpts = append(mgrOpts, deploy.WithPreserver(deploy.PreserverFunc(
			func(ctx context.Context, candidate string) (float64, error) {
				baseline := cfg.Evaluation.BaselineModel
				if baseline == "" {
					baseline = active()
				}
				if baseline == "" {
					return 1, nil
				}
				return ev.Preservation(ctx, baseline, candidate, prompts, cfg.Deployment.PreservationSampleSize)
			})))
		mgr = deploy.New(deploy.SettingsFrom(cfg.Deployment), mgrOpts...)
		active = mgr.ActivePath
	}
	deps.Promoter = mgr

	ctl, err := autopilot.New(autopilot.Settings{
		CheckInterval: time.Duration(cfg.Idle.CheckIntervalSeconds) * time.Second,
		Limits: safety.Limits{
			MaxActiveLoopsPerDay:   cfg.Safety.MaxActiveLoopsPerDay,
			MaxConcurrentProcesses: cfg.Safety.MaxConcurrentProcesses,
			DiskSpaceThresholdGB:   cfg.Safety.DiskSpaceThresholdGB,
			MaxDiskUsageGB:         cfg.Safety.MaxDiskUsageGB,
		},
		Timeout:          time.Duration(cfg.Safety.TimeoutMinutes * float64(time.Minute)),
		TargetSizeGB:     cfg.Quantization.TargetSizeGB,
		MinJudgmentScore: cfg.Evaluation.MinJudgmentScore,
		BaselineModel:    cfg.Evaluation.BaselineModel,
		Prompts:          prompts,
		AutoPromote:      cfg.Deployment.AutoPromote,
	}, deps)
	if err != nil {
		st.Close()
		return nil, err
	}

	svc, err := autopilot.NewService(autopilot.ServiceOptions{
		Controller: ctl,
		Store:      st,
		Deployer:   mgr,
		Evaluator:  deps.Evaluator,
		EStop:      estop,
		Plan: autopilot.PopulatePlan{
			BaseModels:   cfg.Quantization.BaseModels,
			Methods:      cfg.Quantization.Methods,
			Priority:     cfg.Quantization.DefaultPriority,
			TargetSizeGB: cfg.Quantization.TargetSizeGB,
			Discover:     discover(cfg.Quantization.ModelsDir),
		},
		HumanCriteria:   cfg.Evaluation.HumanCriteria,
		MinHumanSamples: cfg.Evaluation.MinimumHumanSamples,
		LoopContext:     ctx,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	httpapi.SetLogger(log)
	httpapi.SetBaseContext(ctx)
	httpapi.SetEvaluateTimeout(time.Duration(cfg.LLM.RequestTimeoutSeconds) * time.Second * time.Duration(max(1, cfg.Evaluation.PromptSampleSize)))
	httpapi.SetCORSOptions(cfg.CORS.Enabled, cfg.CORS.AllowedOrigins, nil, nil)

	return &Daemon{
		cfg:     cfg,
		log:     log,
		store:   st,
		monitor: mon,
		service: svc,
		handler: httpapi.NewMux(svc),
	}, nil
}

// Handler is the control API.
func (d *Daemon) Handler() http.Handler { return d.handler }

// Service is the facade behind the control API.
func (d *Daemon) Service() *autopilot.Service { return d.service }

// Run serves the API and samples the host until ctx is done, then stops
// the control loop and shuts the server down. With autostart the control
// loop starts immediately.
func (d *Daemon) Run(ctx context.Context, autostart bool) error {
	srv := &http.Server{
		Addr:              d.cfg.Addr,
		Handler:           d.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.monitor.Run(gctx) })
	g.Go(func() error {
		d.log.Info().Str("addr", d.cfg.Addr).Str("data_dir", d.cfg.DataDir).Msg("quantpilot listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), 5*time.Second)
		defer cancel()
		if err := d.service.Stop(shutdownCtx); err != nil {
			d.log.Warn().Err(err).Msg("autopilot stop")
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			d.log.Warn().Err(err).Msg("graceful shutdown error")
		}
		return nil
	})
	if autostart {
		if err := d.service.Start(ctx); err != nil {
			d.log.Error().Err(err).Msg("autopilot did not start")
		}
	}
	return g.Wait()
}

// Close releases the store.
func (d *Daemon) Close() error { return d.store.Close() }
