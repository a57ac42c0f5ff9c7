// Package deploy swaps a candidate model into the production slot with
// backup, validation, smoke check and automatic rollback.
//
// Layout: the active slot is a directory holding one model file and a
// manifest.json naming it. Each backup is its own directory under the backup
// root with a copy of the model file and backup.json.
package deploy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"quantpilot/internal/common/fsutil"
	"quantpilot/internal/config"
)

const (
	manifestName = "manifest.json"
	backupMeta   = "backup.json"
)

// Manifest describes the deployed model.
type Manifest struct {
	ModelFile  string    `json:"model_file"`
	SHA256     string    `json:"sha256"`
	SizeGB     float64   `json:"size_gb"`
	DeployedAt time.Time `json:"deployed_at"`
	BackupID   string    `json:"backup_id,omitempty"`
	Source     string    `json:"source"`
}

// Backup is an immutable snapshot of the active slot. Empty backups record
// that nothing was deployed.
type Backup struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	ModelFile string    `json:"model_file,omitempty"`
	SHA256    string    `json:"sha256,omitempty"`
	Empty     bool      `json:"empty"`
	Manifest  *Manifest `json:"manifest,omitempty"`
}

// Validation is the outcome of Validate.
type Validation struct {
	OK      bool     `json:"ok"`
	Reasons []string `json:"reasons,omitempty"`
}

// Result is the outcome of Replace.
type Result struct {
	OK       bool     `json:"ok"`
	BackupID string   `json:"backup_id"`
	Reasons  []string `json:"reasons,omitempty"`
	Restored bool     `json:"restored"`
}

// Preserver scores a candidate relative to the baseline, 1.0 meaning
// indistinguishable.
type Preserver interface {
	Preservation(ctx context.Context, candidatePath string) (float64, error)
}

// PreserverFunc adapts a function to Preserver.
type PreserverFunc func(ctx context.Context, candidatePath string) (float64, error)

func (f PreserverFunc) Preservation(ctx context.Context, p string) (float64, error) { return f(ctx, p) }

// Prober smoke-checks that a model file is servable.
type Prober interface {
	Probe(ctx context.Context, modelPath string) error
}

// Settings configure a Manager.
type Settings struct {
	ActiveDir             string
	BackupDir             string
	MinSizeGB             float64
	MaxSizeGB             float64
	PreservationThreshold float64
	Retention             int
}

// SettingsFrom copies the deployment section of the config.
func SettingsFrom(c config.DeploymentConfig) Settings {
	return Settings{
		ActiveDir:             c.ActiveDir,
		BackupDir:             c.BackupDir,
		MinSizeGB:             c.MinSizeGB,
		MaxSizeGB:             c.MaxSizeGB,
		PreservationThreshold: c.PreservationThreshold,
		Retention:             c.BackupRetention,
	}
}

// Manager serializes all operations on the active slot.
type Manager struct {
	mu        sync.Mutex
	set       Settings
	preserver Preserver
	prober    Prober
	log       zerolog.Logger
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

func WithPreserver(p Preserver) Option     { return func(m *Manager) { m.preserver = p } }
func WithProber(p Prober) Option           { return func(m *Manager) { m.prober = p } }
func WithLogger(l zerolog.Logger) Option   { return func(m *Manager) { m.log = l } }
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// New returns a Manager. Directories are created lazily.
func New(set Settings, opts ...Option) *Manager {
	m := &Manager{set: set, log: zerolog.Nop(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	m.log = m.log.With().Str("component", "deploy").Logger()
	return m
}

// Active returns the deployed manifest, if any.
func (m *Manager) Active() (Manifest, bool, error) {
	b, err := os.ReadFile(filepath.Join(m.set.ActiveDir, manifestName))
	if errors.Is(err, os.ErrNotExist) {
		return Manifest{}, false, nil
	}
	if err != nil {
		return Manifest{}, false, err
	}
	var mf Manifest
	if err := json.Unmarshal(b, &mf); err != nil {
		return Manifest{}, false, fmt.Errorf("decode manifest: %w", err)
	}
	return mf, true, nil
}

// ActivePath is the path of the deployed model file, or "" when empty.
func (m *Manager) ActivePath() string {
	mf, ok, err := m.Active()
	if err != nil || !ok {
		return ""
	}
	return filepath.Join(m.set.ActiveDir, mf.ModelFile)
}

// Backup snapshots the active slot and returns the backup id.
func (m *Manager) Backup() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backupLocked()
}

func (m *Manager) backupLocked() (string, error) {
	now := m.now().UTC()
	id := now.Format("20060102T150405.000000000Z") + "-" + uuid.New().String()[:8]
	if err := os.MkdirAll(m.set.BackupDir, 0o755); err != nil {
		return "", fmt.Errorf("backup dir: %w", err)
	}
	// Build in a temp dir and rename so a backup is either complete or absent.
	tmp, err := os.MkdirTemp(m.set.BackupDir, ".partial-")
	if err != nil {
		return "", fmt.Errorf("backup: %w", err)
	}
	defer os.RemoveAll(tmp)

	bk := Backup{ID: id, CreatedAt: now, Empty: true}
	mf, ok, err := m.Active()
	if err != nil {
		return "", err
	}
	if ok {
		src := filepath.Join(m.set.ActiveDir, mf.ModelFile)
		if err := fsutil.CopyFile(src, filepath.Join(tmp, mf.ModelFile)); err != nil {
			return "", fmt.Errorf("backup copy: %w", err)
		}
		sum, err := fsutil.HashFile(filepath.Join(tmp, mf.ModelFile))
		if err != nil {
			return "", err
		}
		bk.Empty = false
		bk.ModelFile = mf.ModelFile
		bk.SHA256 = sum
		bk.Manifest = &mf
	}
	meta, err := json.MarshalIndent(bk, "", "  ")
	if err != nil {
		return "", err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(tmp, backupMeta), meta, 0o444); err != nil {
		return "", err
	}
	if err := os.Rename(tmp, filepath.Join(m.set.BackupDir, id)); err != nil {
		return "", fmt.Errorf("commit backup: %w", err)
	}
	m.log.Info().Str("backup_id", id).Bool("empty", bk.Empty).Msg("backup created")
	return id, nil
}

// GetBackup reads one backup's metadata.
func (m *Manager) GetBackup(id string) (Backup, error) {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.HasPrefix(id, ".") {
		return Backup{}, &ValidationError{Reasons: []string{fmt.Sprintf("invalid backup id %q", id)}}
	}
	b, err := os.ReadFile(filepath.Join(m.set.BackupDir, id, backupMeta))
	if err != nil {
		return Backup{}, fmt.Errorf("backup %s: %w", id, err)
	}
	var bk Backup
	if err := json.Unmarshal(b, &bk); err != nil {
		return Backup{}, fmt.Errorf("decode backup %s: %w", id, err)
	}
	return bk, nil
}

// ListBackups returns backups newest first.
func (m *Manager) ListBackups() ([]Backup, error) {
	entries, err := os.ReadDir(m.set.BackupDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Backup
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		bk, err := m.GetBackup(e.Name())
		if err != nil {
			m.log.Warn().Err(err).Str("dir", e.Name()).Msg("skipping unreadable backup")
			continue
		}
		out = append(out, bk)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Validate runs the integrity, size and preservation checks in order,
// stopping at the first failing stage.
func (m *Manager) Validate(ctx context.Context, candidate string) Validation {
	if reasons := integrity(candidate); len(reasons) > 0 {
		return Validation{Reasons: reasons}
	}
	size, err := fsutil.SizeGB(candidate)
	if err != nil {
		return Validation{Reasons: []string{"size: " + err.Error()}}
	}
	if size < m.set.MinSizeGB {
		return Validation{Reasons: []string{fmt.Sprintf("size %.3fGB below minimum %.3fGB", size, m.set.MinSizeGB)}}
	}
	if m.set.MaxSizeGB > 0 && size > m.set.MaxSizeGB {
		return Validation{Reasons: []string{fmt.Sprintf("size %.3fGB above maximum %.3fGB", size, m.set.MaxSizeGB)}}
	}
	if m.preserver != nil {
		score, err := m.preserver.Preservation(ctx, candidate)
		if err != nil {
			return Validation{Reasons: []string{"preservation check: " + err.Error()}}
		}
		if score < m.set.PreservationThreshold {
			return Validation{Reasons: []string{fmt.Sprintf("preservation %.3f below threshold %.3f", score, m.set.PreservationThreshold)}}
		}
	}
	return Validation{OK: true}
}

var ggufMagic = []byte("GGUF")

func integrity(path string) []string {
	fi, err := os.Stat(path)
	if err != nil {
		return []string{"integrity: " + err.Error()}
	}
	if !fi.Mode().IsRegular() {
		return []string{"integrity: not a regular file"}
	}
	if fi.Size() == 0 {
		return []string{"integrity: empty file"}
	}
	f, err := os.Open(path)
	if err != nil {
		return []string{"integrity: " + err.Error()}
	}
	defer f.Close()
	r := bufio.NewReader(f)
	head := make([]byte, len(ggufMagic))
	n, err := io.ReadFull(r, head)
	if strings.EqualFold(filepath.Ext(path), ".gguf") {
		if err != nil || string(head[:n]) != string(ggufMagic) {
			return []string{"integrity: missing GGUF header"}
		}
	}
	// Read to the end to surface truncated or unreadable files.
	if _, err := io.Copy(io.Discard, r); err != nil {
		return []string{"integrity: read: " + err.Error()}
	}
	return nil
}

// Replace backs up the active slot, validates the candidate, swaps it in and
// smoke-checks it. Any failure after the backup restores it. If that restore
// fails the returned error matches ErrRestoreFailed.
func (m *Manager) Replace(ctx context.Context, candidate string) (Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	log := m.log.With().Str("candidate", candidate).Logger()

	bid, err := m.backupLocked()
	if err != nil {
		return Result{}, fmt.Errorf("backup before replace: %w", err)
	}
	res := Result{BackupID: bid}

	if v := m.Validate(ctx, candidate); !v.OK {
		res.Reasons = v.Reasons
		if rerr := m.restoreLocked(bid); rerr != nil {
			return res, m.restoreFailed(log, "validate", &ValidationError{Reasons: v.Reasons}, rerr)
		}
		res.Restored = true
		log.Info().Strs("reasons", v.Reasons).Msg("candidate rejected")
		return res, &ValidationError{Reasons: v.Reasons}
	}

	active, err := m.swapLocked(candidate, bid)
	if err != nil {
		return m.rollback(log, res, "swap", err)
	}
	if m.prober != nil {
		if err := m.prober.Probe(ctx, active); err != nil {
			return m.rollback(log, res, "smoke_check", err)
		}
	}

	res.OK = true
	log.Info().Str("backup_id", bid).Str("active", active).Msg("model deployed")
	if err := m.pruneLocked(bid); err != nil {
		log.Warn().Err(err).Msg("backup pruning failed")
	}
	return res, nil
}

func (m *Manager) rollback(log zerolog.Logger, res Result, stage string, cause error) (Result, error) {
	res.Reasons = append(res.Reasons, stage+": "+cause.Error())
	if rerr := m.restoreLocked(res.BackupID); rerr != nil {
		return res, m.restoreFailed(log, stage, cause, rerr)
	}
	res.Restored = true
	log.Warn().Err(cause).Str("stage", stage).Str("backup_id", res.BackupID).Msg("deployment rolled back")
	return res, &DeploymentError{Stage: stage, Err: cause, Restored: true}
}

func (m *Manager) restoreFailed(log zerolog.Logger, stage string, cause, rerr error) error {
	log.Error().Err(rerr).AnErr("cause", cause).Str("stage", stage).Bool("fatal", true).
		Msg("restore failed, active model state unknown")
	return &DeploymentError{Stage: stage, Err: fmt.Errorf("%v; restore: %w", cause, rerr), Restored: false}
}

func (m *Manager) swapLocked(candidate, backupID string) (string, error) {
	sum, err := fsutil.HashFile(candidate)
	if err != nil {
		return "", err
	}
	size, err := fsutil.SizeGB(candidate)
	if err != nil {
		return "", err
	}
	name := filepath.Base(candidate)
	dst := filepath.Join(m.set.ActiveDir, name)
	if err := fsutil.CopyFile(candidate, dst); err != nil {
		return "", err
	}
	if got, err := fsutil.HashFile(dst); err != nil || got != sum {
		return "", fmt.Errorf("copied model does not match candidate hash")
	}
	mf := Manifest{ModelFile: name, SHA256: sum, SizeGB: size, DeployedAt: m.now().UTC(), BackupID: backupID, Source: candidate}
	if err := m.writeManifest(&mf); err != nil {
		return "", err
	}
	m.sweepActive(name)
	return dst, nil
}

// Restore puts backup id back into the active slot.
func (m *Manager) Restore(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restoreLocked(id)
}

func (m *Manager) restoreLocked(id string) error {
	bk, err := m.GetBackup(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.set.ActiveDir, 0o755); err != nil {
		return err
	}
	if bk.Empty {
		if err := os.Remove(filepath.Join(m.set.ActiveDir, manifestName)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		m.sweepActive("")
		m.log.Info().Str("backup_id", id).Msg("restored empty slot")
		return nil
	}
	dst := filepath.Join(m.set.ActiveDir, bk.ModelFile)
	if err := fsutil.CopyFile(filepath.Join(m.set.BackupDir, id, bk.ModelFile), dst); err != nil {
		return fmt.Errorf("restore copy: %w", err)
	}
	got, err := fsutil.HashFile(dst)
	if err != nil {
		return err
	}
	if got != bk.SHA256 {
		return fmt.Errorf("restored model hash %s does not match backup %s", got, bk.SHA256)
	}
	mf := Manifest{ModelFile: bk.ModelFile, SHA256: bk.SHA256, DeployedAt: m.now().UTC(), Source: "backup:" + id}
	if bk.Manifest != nil {
		mf = *bk.Manifest
	}
	if err := m.writeManifest(&mf); err != nil {
		return err
	}
	m.sweepActive(bk.ModelFile)
	m.log.Info().Str("backup_id", id).Msg("backup restored")
	return nil
}

func (m *Manager) writeManifest(mf *Manifest) error {
	b, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(filepath.Join(m.set.ActiveDir, manifestName), b, 0o644)
}

// sweepActive removes every file in the active dir except the manifest and keep.
func (m *Manager) sweepActive(keep string) {
	entries, err := os.ReadDir(m.set.ActiveDir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || e.Name() == manifestName || e.Name() == keep {
			continue
		}
		if err := os.Remove(filepath.Join(m.set.ActiveDir, e.Name())); err != nil {
			m.log.Warn().Err(err).Str("file", e.Name()).Msg("could not remove stale file")
		}
	}
}

func (m *Manager) pruneLocked(keep string) error {
	if m.set.Retention <= 0 {
		return nil
	}
	all, err := m.ListBackups()
	if err != nil {
		return err
	}
	kept := 0
	for _, bk := range all {
		if bk.ID == keep || kept < m.set.Retention {
			kept++
			continue
		}
		if err := os.RemoveAll(filepath.Join(m.set.BackupDir, bk.ID)); err != nil {
			return err
		}
		m.log.Debug().Str("backup_id", bk.ID).Msg("pruned backup")
	}
	return nil
}
