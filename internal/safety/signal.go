package safety

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"quantpilot/internal/common/fsutil"
)

// Signal is a polled boolean emergency-stop source.
type Signal interface {
	Stopped() bool
}

// Watcher is an optional extension: a Signal that can push change
// notifications so the controller wakes before its next tick.
type Watcher interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// FileSignal reports stopped while a sentinel file exists.
type FileSignal struct {
	Path string
	Log  zerolog.Logger
}

// NewFileSignal returns a sentinel-file signal.
func NewFileSignal(path string) *FileSignal {
	return &FileSignal{Path: path, Log: zerolog.Nop()}
}

func (f *FileSignal) Stopped() bool { return fsutil.PathExists(f.Path) }

// Engage creates the sentinel.
func (f *FileSignal) Engage(reason string) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o755); err != nil {
		return err
	}
	body := fmt.Sprintf("%s %s\n", time.Now().UTC().Format(time.RFC3339), reason)
	return os.WriteFile(f.Path, []byte(body), 0o644)
}

// Release removes the sentinel. Missing sentinels are not an error.
func (f *FileSignal) Release() error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Watch emits on every create/remove of the sentinel. The parent directory
// is watched so the file itself need not exist. The channel closes when ctx
// is done.
func (f *FileSignal) Watch(ctx context.Context) (<-chan struct{}, error) {
	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	out := make(chan struct{}, 1)
	name := filepath.Clean(f.Path)
	go func() {
		defer close(out)
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != name {
					continue
				}
				if ev.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.Log.Warn().Err(err).Msg("sentinel watcher error")
			}
		}
	}()
	return out, nil
}

// Flag is an in-process signal, e.g. driven by a control message.
type Flag struct{ v atomic.Bool }

func (f *Flag) Stopped() bool { return f.v.Load() }

// Set engages or releases the flag.
func (f *Flag) Set(stopped bool) { f.v.Store(stopped) }

// EnvSignal reports stopped while the named environment variable is "1" or "true".
type EnvSignal struct{ Name string }

func (e EnvSignal) Stopped() bool {
	v := os.Getenv(e.Name)
	return v == "1" || v == "true"
}

// Any is stopped when any member is stopped.
type Any []Signal

func (a Any) Stopped() bool {
	for _, s := range a {
		if s != nil && s.Stopped() {
			return true
		}
	}
	return false
}

// Sentinel is the operator switch: a sentinel file that can be engaged and
// released, plus read-only sources such as an environment variable.
type Sentinel struct {
	*FileSignal
	Extra Any
}

func (s Sentinel) Stopped() bool { return s.FileSignal.Stopped() || s.Extra.Stopped() }
