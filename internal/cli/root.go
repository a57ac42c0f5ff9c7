// Package cli builds the quantpilot command tree: the serve command that
// runs the autopilot daemon, and thin client commands that drive its
// control API.
package cli

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"quantpilot/internal/config"
)

// Options are the persistent flags shared by every command.
type Options struct {
	ConfigPath string
	Server     string
	LogLevel   string
	Timeout    time.Duration
	JSON       bool
}

// DefaultOptions reads QUANTPILOT_CONFIG and QUANTPILOT_SERVER.
func DefaultOptions() *Options {
	return &Options{
		ConfigPath: envStr("QUANTPILOT_CONFIG", ""),
		Server:     envStr("QUANTPILOT_SERVER", "http://127.0.0.1:8088"),
		Timeout:    30 * time.Second,
	}
}

// BuildRoot constructs the command tree wired to opts.
func BuildRoot(opts *Options) *cobra.Command {
	root := &cobra.Command{
		Use:           "quantpilot",
		Short:         "Autonomous quantization pipeline for local companion models",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&opts.ConfigPath, "config", "c", opts.ConfigPath, "Config file (.yaml|.json|.toml); defaults QUANTPILOT_CONFIG")
	pf.StringVar(&opts.Server, "server", opts.Server, "Control API base URL for client commands; defaults QUANTPILOT_SERVER")
	pf.StringVar(&opts.LogLevel, "log-level", opts.LogLevel, "Log level: debug|info|warn|error (overrides config)")
	pf.DurationVar(&opts.Timeout, "timeout", opts.Timeout, "Client request timeout")
	pf.BoolVar(&opts.JSON, "json", false, "Print raw JSON responses")

	root.AddCommand(
		newServeCmd(opts),
		newStatusCmd(opts),
		newQueueCmd(opts),
		newEnqueueCmd(opts),
		newPopulateCmd(opts),
		newJobCmd(opts),
		newRunsCmd(opts),
		newStartCmd(opts),
		newStopCmd(opts),
		newEstopCmd(opts),
		newDeployCmd(opts),
		newRestoreCmd(opts),
		newBackupsCmd(opts),
		newReviewCmd(opts),
		newRateCmd(opts),
		newEvaluateCmd(opts),
	)
	return root
}

// loadConfig reads the file named by --config, or builds one from defaults
// and the environment when no file is given. --log-level wins over both.
func (o *Options) loadConfig() (config.Config, error) {
	var (
		cfg config.Config
		err error
	)
	if o.ConfigPath != "" {
		cfg, err = config.Load(o.ConfigPath)
	} else {
		cfg, err = config.FromEnv()
	}
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if o.LogLevel != "" {
		cfg.LogLevel = o.LogLevel
	}
	return cfg.ExpandPaths()
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
