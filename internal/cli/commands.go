package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"quantpilot/internal/common/fsutil"
	"quantpilot/internal/safety"
	"quantpilot/pkg/types"
)

func newServeCmd(opts *Options) *cobra.Command {
	var (
		addr      string
		autostart bool
	)
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Run the autopilot daemon and its control API",
		Example: "  quantpilot serve -c quantpilot.yaml --autostart",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			log := NewLogger(cfg.LogLevel, os.Stderr)
			ctx, stop := signal.NotifyContext(cmdContext(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := NewDaemon(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer d.Close()
			return d.Run(ctx, autostart)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address (overrides config and QUANTPILOT_ADDR)")
	cmd.Flags().BoolVar(&autostart, "autostart", false, "Start the control loop immediately")
	return cmd
}

func newStatusCmd(opts *Options) *cobra.Command {
	return &cobra.Command{Use: "status", Short: "Show controller, queue and idle state", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := opts.client().Status(cmdContext(cmd))
		if err != nil {
			return err
		}
		return opts.print(cmd.OutOrStdout(), s, func(w io.Writer) { printStatus(w, s) })
	}}
}

func newStartCmd(opts *Options) *cobra.Command {
	return &cobra.Command{Use: "start", Short: "Start the control loop", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := opts.client().Start(cmdContext(cmd))
		if err != nil {
			return err
		}
		return opts.print(cmd.OutOrStdout(), s, func(w io.Writer) { printStatus(w, s) })
	}}
}

func newStopCmd(opts *Options) *cobra.Command {
	return &cobra.Command{Use: "stop", Short: "Stop admitting jobs; running jobs finish", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, _ []string) error {
		s, err := opts.client().Stop(cmdContext(cmd))
		if err != nil {
			return err
		}
		return opts.print(cmd.OutOrStdout(), s, func(w io.Writer) { printStatus(w, s) })
	}}
}

func newQueueCmd(opts *Options) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{Use: "queue", Short: "List jobs", Example: "  quantpilot queue --status pending", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, _ []string) error {
		jobs, err := opts.client().Queue(cmdContext(cmd), status, limit)
		if err != nil {
			return err
		}
		return opts.print(cmd.OutOrStdout(), types.QueueResponse{Jobs: jobs}, func(w io.Writer) { printJobs(w, jobs) })
	}}
	cmd.Flags().StringVar(&status, "status", "", "Filter: pending|running|completed|failed")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum jobs to list")
	return cmd
}

func newEnqueueCmd(opts *Options) *cobra.Command {
	var (
		priority int
		target   float64
		trigger  string
	)
	cmd := &cobra.Command{
		Use:     "enqueue <base-model> <method>",
		Short:   "Queue a quantization job",
		Example: "  quantpilot enqueue /models/companion-7b.f16.gguf q4_k_m --priority 8 --trigger manual",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.EnqueueRequest{BaseModel: args[0], QuantizationMethod: args[1], TargetSizeGB: target, Trigger: trigger}
			if cmd.Flags().Changed("priority") {
				req.Priority = &priority
			}
			id, err := opts.client().Enqueue(cmdContext(cmd), req)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), types.EnqueueResponse{JobID: id}, func(w io.Writer) { fmt.Fprintln(w, id) })
		},
	}
	cmd.Flags().IntVar(&priority, "priority", 0, "Job priority; higher runs first")
	cmd.Flags().Float64Var(&target, "target-size-gb", 0, "Target artifact size")
	cmd.Flags().StringVar(&trigger, "trigger", "", "idle|manual|scheduled (default idle)")
	return cmd
}

func newPopulateCmd(opts *Options) *cobra.Command {
	return &cobra.Command{Use: "populate", Short: "Queue every configured model/method pair not already open", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, _ []string) error {
		ids, err := opts.client().Populate(cmdContext(cmd))
		if err != nil {
			return err
		}
		return opts.print(cmd.OutOrStdout(), types.PopulateResponse{Enqueued: ids}, func(w io.Writer) {
			fmt.Fprintf(w, "enqueued %d job(s)\n", len(ids))
			for _, id := range ids {
				fmt.Fprintln(w, id)
			}
		})
	}}
}

func newJobCmd(opts *Options) *cobra.Command {
	return &cobra.Command{Use: "job <id>", Short: "Show one job", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		j, err := opts.client().Job(cmdContext(cmd), args[0])
		if err != nil {
			return err
		}
		return opts.print(cmd.OutOrStdout(), j, func(w io.Writer) { printJobs(w, []types.Job{j}) })
	}}
}

func newRunsCmd(opts *Options) *cobra.Command {
	var limit int
	cmd := &cobra.Command{Use: "runs", Short: "List run history, newest first", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, _ []string) error {
		runs, err := opts.client().Runs(cmdContext(cmd), limit)
		if err != nil {
			return err
		}
		return opts.print(cmd.OutOrStdout(), types.RunsResponse{Runs: runs}, func(w io.Writer) { printRuns(w, runs) })
	}}
	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum runs to list")
	return cmd
}

func newEstopCmd(opts *Options) *cobra.Command {
	var (
		reason string
		local  bool
	)
	cmd := &cobra.Command{
		Use:   "estop on|off",
		Short: "Engage or release the emergency stop",
		Long: "Engage or release the emergency stop. With --local the sentinel file named by the\n" +
			"configuration is written or removed directly, which works while the daemon is down.",
		Example:   "  quantpilot estop on --reason \"disk maintenance\"\n  quantpilot estop off --local",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch strings.ToLower(args[0]) {
			case "on":
				on = true
			case "off":
			default:
				return fmt.Errorf("estop expects on or off, got %q", args[0])
			}
			if local {
				cfg, err := opts.loadConfig()
				if err != nil {
					return err
				}
				sig := safety.NewFileSignal(cfg.EmergencyStopFile)
				if on {
					err = sig.Engage(reason)
				} else {
					err = sig.Release()
				}
				if err != nil {
					return err
				}
				return opts.print(cmd.OutOrStdout(), types.EstopResponse{Engaged: sig.Stopped()}, func(w io.Writer) {
					fmt.Fprintf(w, "emergency stop %s (%s)\n", onOff(sig.Stopped()), cfg.EmergencyStopFile)
				})
			}
			engaged, err := opts.client().Estop(cmdContext(cmd), on, reason)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), types.EstopResponse{Engaged: engaged}, func(w io.Writer) {
				fmt.Fprintf(w, "emergency stop %s\n", onOff(engaged))
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "operator", "Reason recorded in the sentinel")
	cmd.Flags().BoolVar(&local, "local", false, "Act on the sentinel file instead of the API")
	return cmd
}

func newDeployCmd(opts *Options) *cobra.Command {
	return &cobra.Command{Use: "deploy <candidate-path>", Short: "Validate and promote an artifact into the active slot", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		path, err := filepath.Abs(args[0])
		if err != nil {
			return err
		}
		res, err := opts.client().Deploy(cmdContext(cmd), path)
		if err != nil {
			return err
		}
		return opts.print(cmd.OutOrStdout(), res, func(w io.Writer) { printDeploy(w, res) })
	}}
}

func newRestoreCmd(opts *Options) *cobra.Command {
	return &cobra.Command{Use: "restore <backup-id>", Short: "Restore a backup into the active slot", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		res, err := opts.client().Restore(cmdContext(cmd), args[0])
		if err != nil {
			return err
		}
		return opts.print(cmd.OutOrStdout(), res, func(w io.Writer) { printDeploy(w, res) })
	}}
}

func newBackupsCmd(opts *Options) *cobra.Command {
	return &cobra.Command{Use: "backups", Short: "List backups and the active model", Args: cobra.NoArgs, RunE: func(cmd *cobra.Command, _ []string) error {
		res, err := opts.client().Backups(cmdContext(cmd))
		if err != nil {
			return err
		}
		return opts.print(cmd.OutOrStdout(), res, func(w io.Writer) {
			if res.Active != nil {
				fmt.Fprintf(w, "active: %s (%.2fGB, sha256 %s)\n", res.Active.ModelFile, res.Active.SizeGB, short(res.Active.SHA256))
			} else {
				fmt.Fprintln(w, "active: none")
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tCREATED\tMODEL\tSHA256")
			for _, b := range res.Backups {
				model := b.ModelFile
				if b.Empty {
					model = "(empty slot)"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", b.ID, b.CreatedAt.Local().Format(time.DateTime), model, short(b.SHA256))
			}
			tw.Flush()
		})
	}}
}

func newReviewCmd(opts *Options) *cobra.Command {
	return &cobra.Command{Use: "review <candidate-id>", Short: "Show stored samples awaiting human ratings", Args: cobra.ExactArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		res, err := opts.client().Review(cmdContext(cmd), args[0])
		if err != nil {
			return err
		}
		return opts.print(cmd.OutOrStdout(), res, func(w io.Writer) {
			fmt.Fprintf(w, "candidate %s: %d of %d ratings\n", res.CandidateID, res.Ratings, res.Required)
			for _, s := range res.Samples {
				fmt.Fprintf(w, "\n[%s] %s\n%s\n", s.PromptID, s.Prompt, s.Response)
			}
		})
	}}
}

func newRateCmd(opts *Options) *cobra.Command {
	var (
		rater  string
		prompt string
	)
	cmd := &cobra.Command{
		Use:     "rate <candidate-id> criterion=score...",
		Short:   "Record a human rating for a candidate",
		Example: "  quantpilot rate 1a2b3c believability=0.8 connection=0.7 expressive_strength=0.6 appropriateness=0.9 --rater alice",
		Args:    cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scores, err := parseScores(args[1:])
			if err != nil {
				return err
			}
			id, err := opts.client().Rate(cmdContext(cmd), types.RatingRequest{CandidateID: args[0], PromptID: prompt, Rater: rater, Scores: scores})
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), types.RatingResponse{ID: id}, func(w io.Writer) { fmt.Fprintf(w, "rating %d recorded\n", id) })
		},
	}
	cmd.Flags().StringVar(&rater, "rater", envStr("USER", ""), "Rater name")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Prompt id the rating refers to")
	return cmd
}

func newEvaluateCmd(opts *Options) *cobra.Command {
	var baseline string
	cmd := &cobra.Command{
		Use:     "evaluate <candidate-path>...",
		Short:   "Score and rank candidates against the baseline",
		Example: "  quantpilot evaluate out/a-q4.gguf out/a-q5.gguf --baseline /models/a.f16.gguf",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := types.EvaluateRequest{Baseline: baseline}
			for _, a := range args {
				p, err := filepath.Abs(a)
				if err != nil {
					return err
				}
				c := types.EvaluateCandidate{ID: filepath.Base(p), Path: p}
				if sz, err := fsutil.SizeGB(p); err == nil {
					c.SizeGB = sz
				}
				req.Candidates = append(req.Candidates, c)
			}
			results, err := opts.client().Evaluate(cmdContext(cmd), req)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), types.EvaluateResponse{Results: results}, func(w io.Writer) { printResults(w, results) })
		},
	}
	cmd.Flags().StringVar(&baseline, "baseline", "", "Baseline model (defaults to the configured one)")
	return cmd
}

func (o *Options) client() *Client { return NewClient(o.Server, o.Timeout) }

// print writes v as indented JSON under --json, else calls human.
func (o *Options) print(w io.Writer, v any, human func(io.Writer)) error {
	if o.JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w)
	return nil
}

func cmdContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// parseScores reads criterion=score pairs.
func parseScores(args []string) (map[string]float64, error) {
	out := make(map[string]float64, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("expected criterion=score, got %q", a)
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("score for %s: %w", k, err)
		}
		out[strings.TrimSpace(k)] = f
	}
	return out, nil
}

func printStatus(w io.Writer, s types.StatusResponse) {
	fmt.Fprintf(w, "state:      %s (running=%t)\n", s.State, s.Running)
	if s.Halted {
		fmt.Fprintf(w, "HALTED:     %s\n", s.HaltReason)
	}
	fmt.Fprintf(w, "idle:       %s for %s (cpu %.1f%%, mem %.1f%%, disk free %.1fGB)\n",
		s.IdleState.State, (time.Duration(s.IdleState.IdleForSeconds) * time.Second).String(),
		s.IdleState.CPUPercent, s.IdleState.MemPercent, s.IdleState.DiskFreeGB)
	fmt.Fprintf(w, "queue:      %d pending, %d running (max %d)\n", s.PendingCount, len(s.CurrentJobs), s.MaxConcurrent)
	fmt.Fprintf(w, "daily runs: %d of %d\n", s.DailyRuns, s.MaxDailyRuns)
	fmt.Fprintf(w, "estop:      %s\n", onOff(s.EmergencyStop))
	if s.LastDecision.Check != "" {
		fmt.Fprintf(w, "gate:       %s (%s)\n", s.LastDecision.Check, s.LastDecision.Reason)
	}
	if s.LastError != "" {
		fmt.Fprintf(w, "last error: %s\n", s.LastError)
	}
}

func printJobs(w io.Writer, jobs []types.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tPRIO\tTRIGGER\tMETHOD\tBASE MODEL\tCREATED")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\t%s\t%s\n", j.JobID, j.Status, j.Priority, j.Trigger,
			j.QuantizationMethod, j.BaseModel, j.CreatedAt.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func printRuns(w io.Writer, runs []types.Run) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tWHEN\tOK\tSCORE\tMINUTES\tSUMMARY")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%.3f\t%.1f\t%s\n", r.RunID, r.Timestamp.Local().Format(time.DateTime),
			r.Success, r.JudgmentScore, r.ExecutionTimeMinutes, r.ResultSummary)
	}
	tw.Flush()
}

func printResults(w io.Writer, results []types.EvaluationResult) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tCANDIDATE\tCOMBINED\tAI\tHUMAN\tCONFIDENCE\tNOTE")
	for _, r := range results {
		var notes []string
		if r.Degraded {
			notes = append(notes, "ai-only")
		}
		if r.RequiresReview {
			notes = append(notes, "needs review")
		}
		fmt.Fprintf(tw, "%d\t%s\t%.3f\t%.3f\t%.3f\t%.3f\t%s\n", r.Rank, r.CandidateID, r.CombinedScore,
			r.AIScore, r.HumanScore, r.Confidence, strings.Join(notes, ", "))
	}
	tw.Flush()
}

func printDeploy(w io.Writer, r types.DeployResponse) {
	if r.OK {
		fmt.Fprintf(w, "ok (backup %s)\n", r.BackupID)
		return
	}
	fmt.Fprintf(w, "not deployed (restored=%t)\n", r.Restored)
	for _, reason := range r.Reasons {
		fmt.Fprintf(w, "  - %s\n", reason)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func short(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}
