package llm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// SpawnProber smoke-checks a model file by starting a dedicated inference
// server on it, waiting for readiness, asking for one completion and
// stopping the server again. Command is an argv template; {model}, {host}
// and {port} are substituted per argument.
type SpawnProber struct {
	Command        []string
	Host           string
	StartupTimeout time.Duration
	// StopGrace is how long the server may take to exit after SIGTERM.
	StopGrace time.Duration
	// Env is appended to the current environment of the server process.
	Env       []string
	MaxTokens int
	Log       zerolog.Logger
}

// NewSpawnProber returns a prober for argv with default timeouts.
func NewSpawnProber(argv []string, log zerolog.Logger) *SpawnProber {
	return &SpawnProber{
		Command:        argv,
		Host:           "127.0.0.1",
		StartupTimeout: 60 * time.Second,
		StopGrace:      2 * time.Second,
		MaxTokens:      16,
		Log:            log.With().Str("component", "smoke").Logger(),
	}
}

// Probe implements the deployment smoke check.
func (p *SpawnProber) Probe(ctx context.Context, modelPath string) error {
	if len(p.Command) == 0 {
		return errors.New("smoke check: no server command configured")
	}
	host := p.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := pickFreePort(host)
	if err != nil {
		return fmt.Errorf("smoke check: %w", err)
	}
	argv := make([]string, len(p.Command))
	r := strings.NewReplacer("{model}", modelPath, "{host}", host, "{port}", strconv.Itoa(port))
	for i, a := range p.Command {
		argv[i] = r.Replace(a)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	cmd := exec.CommandContext(runCtx, argv[0], argv[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = p.StopGrace
	cmd.Env = append(os.Environ(), p.Env...)
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("smoke check: start server: %w", err)
	}
	log := p.Log.With().Str("model", modelPath).Int("pid", cmd.Process.Pid).Int("port", port).Logger()
	log.Debug().Msg("smoke server started")

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()
	defer func() {
		cancel()
		<-exited
		log.Debug().Msg("smoke server stopped")
	}()

	baseURL := fmt.Sprintf("http://%s:%d", host, port)
	if err := p.waitReady(ctx, baseURL, exited, stderr); err != nil {
		return err
	}
	c := New(Options{BaseURL: baseURL, RequestTimeout: p.StartupTimeout, MaxTokens: p.MaxTokens, Logger: p.Log})
	// the server has exactly one model loaded, so no model id is sent
	return c.Probe(ctx, "")
}

// waitReady polls /v1/models until it answers 2xx, the process exits, or
// StartupTimeout passes.
func (p *SpawnProber) waitReady(ctx context.Context, baseURL string, exited chan error, stderr *tailBuffer) error {
	timeout := p.StartupTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	hc := &http.Client{}
	for {
		select {
		case err := <-exited:
			// put it back for the deferred reap; the buffer slot is free
			exited <- err
			if err != nil {
				return fmt.Errorf("smoke check: server exited early: %v; stderr tail: %s", err, stderr.String())
			}
			return errors.New("smoke check: server exited before ready")
		case <-deadline.C:
			return fmt.Errorf("smoke check: server not ready within %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		hctx, cancel := context.WithTimeout(ctx, time.Second)
		req, _ := http.NewRequestWithContext(hctx, http.MethodGet, baseURL+"/v1/models", nil)
		resp, err := hc.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode >= 200 && resp.StatusCode < 300 {
				cancel()
				return nil
			}
		}
		cancel()
		time.Sleep(100 * time.Millisecond)
	}
}

func pickFreePort(host string) (int, error) {
	l, err := net.Listen("tcp", net.JoinHostPort(host, "0"))
	if err != nil {
		return 0, err
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, b...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.buf))
}
