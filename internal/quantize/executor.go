// Package quantize runs the external quantization tool as a subprocess.
package quantize

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"quantpilot/internal/common/fsutil"
)

// Request describes one quantization run.
type Request struct {
	JobID        string
	RunID        string
	BaseModel    string
	Method       string
	TargetSizeGB float64
	Timeout      time.Duration
}

// Artifact is the produced model file.
type Artifact struct {
	Path     string
	SizeGB   float64
	Duration time.Duration
}

// Executor runs a quantization to completion.
type Executor interface {
	Run(ctx context.Context, req Request) (Artifact, error)
}

// CommandExecutor runs an argv template. Placeholders {input}, {output},
// {method} and {target_size_gb} are substituted per argument.
type CommandExecutor struct {
	Command   []string
	OutputDir string
	// WaitDelay bounds how long a terminated tool may take to exit before it
	// is killed.
	WaitDelay time.Duration
	Log       zerolog.Logger
}

// NewCommandExecutor builds an executor writing artifacts into outputDir.
func NewCommandExecutor(command []string, outputDir string, log zerolog.Logger) *CommandExecutor {
	return &CommandExecutor{
		Command:   command,
		OutputDir: outputDir,
		WaitDelay: 10 * time.Second,
		Log:       log.With().Str("component", "quantize").Logger(),
	}
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// OutputPath returns where the artifact for req is written.
func (e *CommandExecutor) OutputPath(req Request) string {
	base := strings.TrimSuffix(filepath.Base(req.BaseModel), filepath.Ext(req.BaseModel))
	base = unsafeName.ReplaceAllString(base, "_")
	run := req.RunID
	if len(run) > 8 {
		run = run[:8]
	}
	name := fmt.Sprintf("%s-%s-%s.gguf", base, unsafeName.ReplaceAllString(strings.ToLower(req.Method), "_"), run)
	return filepath.Join(e.OutputDir, name)
}

// Run executes the tool, bounded by req.Timeout. On timeout the tool gets
// SIGTERM, then SIGKILL after WaitDelay. A partial artifact is removed.
func (e *CommandExecutor) Run(ctx context.Context, req Request) (Artifact, error) {
	if len(e.Command) == 0 {
		return Artifact{}, &ExecutionError{Err: errors.New("no quantization command configured")}
	}
	if err := os.MkdirAll(e.OutputDir, 0o755); err != nil {
		return Artifact{}, &ExecutionError{Err: fmt.Errorf("create output dir: %w", err)}
	}
	out := e.OutputPath(req)
	input, _ := fsutil.ExpandHome(req.BaseModel)
	repl := strings.NewReplacer(
		"{input}", input,
		"{output}", out,
		"{method}", req.Method,
		"{target_size_gb}", strconv.FormatFloat(req.TargetSizeGB, 'f', -1, 64),
	)
	argv := make([]string, len(e.Command))
	for i, a := range e.Command {
		argv[i] = repl.Replace(a)
	}

	runCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}
	log := e.Log.With().Str("job_id", req.JobID).Str("run_id", req.RunID).Logger()
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = e.WaitDelay
	stderr := &tailWriter{log: log, max: 4096}
	cmd.Stderr = stderr
	cmd.Stdout = stderr

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Artifact{}, &ExecutionError{Err: fmt.Errorf("start %s: %w", argv[0], err)}
	}
	log.Info().Int("pid", cmd.Process.Pid).Str("output", out).Msg("quantization started")
	werr := cmd.Wait()
	elapsed := time.Since(start)

	if werr != nil || runCtx.Err() != nil {
		_ = os.Remove(out)
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			log.Warn().Dur("timeout", req.Timeout).Msg("quantization timed out")
			return Artifact{Duration: elapsed}, &ExecutionTimeoutError{Timeout: req.Timeout}
		}
		if werr == nil {
			werr = runCtx.Err()
		}
		log.Warn().Err(werr).Msg("quantization failed")
		return Artifact{Duration: elapsed}, &ExecutionError{Err: werr, Stderr: stderr.Tail()}
	}
	size, err := fsutil.SizeGB(out)
	if err != nil {
		return Artifact{Duration: elapsed}, &ExecutionError{Err: fmt.Errorf("tool exited cleanly but produced no artifact: %w", err), Stderr: stderr.Tail()}
	}
	log.Info().Float64("size_gb", size).Dur("elapsed", elapsed).Msg("quantization finished")
	return Artifact{Path: out, SizeGB: size, Duration: elapsed}, nil
}

// tailWriter logs each output line at debug and keeps the last max bytes.
type tailWriter struct {
	mu      sync.Mutex
	log     zerolog.Logger
	max     int
	partial []byte
	tail    []byte
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.tail = append(w.tail, p...)
	if len(w.tail) > w.max {
		w.tail = w.tail[len(w.tail)-w.max:]
	}
	w.partial = append(w.partial, p...)
	for {
		i := bytes.IndexByte(w.partial, '\n')
		if i < 0 {
			break
		}
		if line := strings.TrimSpace(string(w.partial[:i])); line != "" {
			w.log.Debug().Str("line", line).Msg("quantize output")
		}
		w.partial = w.partial[i+1:]
	}
	return len(p), nil
}

// Tail returns the retained output.
func (w *tailWriter) Tail() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return strings.TrimSpace(string(w.tail))
}
