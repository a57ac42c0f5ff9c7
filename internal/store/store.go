// Package store is the durable job queue and run history, kept in SQLite.
//
// Writes are serialized through a single connection and every multi-row
// change runs in one transaction, so the controller and an external CLI can
// share the file without corrupting it. Queue rows are never deleted and run
// rows are never updated; triggers in the schema enforce both.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS queue (
	seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id              TEXT NOT NULL UNIQUE,
	base_model          TEXT NOT NULL,
	quantization_method TEXT NOT NULL,
	priority            INTEGER NOT NULL,
	status              TEXT NOT NULL,
	trigger_type        TEXT NOT NULL,
	target_size_gb      REAL NOT NULL DEFAULT 0,
	created_at          INTEGER NOT NULL,
	started_at          INTEGER,
	completed_at        INTEGER,
	run_id              TEXT,
	last_error          TEXT NOT NULL DEFAULT '',
	artifact_path       TEXT NOT NULL DEFAULT '',
	promoted            INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_status ON queue(status, priority DESC, seq);

CREATE TABLE IF NOT EXISTS runs (
	run_id                 TEXT PRIMARY KEY,
	job_id                 TEXT NOT NULL,
	trigger_type           TEXT NOT NULL,
	timestamp              INTEGER NOT NULL,
	model_path             TEXT NOT NULL DEFAULT '',
	base_model             TEXT NOT NULL,
	quantization_method    TEXT NOT NULL,
	target_size_gb         REAL NOT NULL DEFAULT 0,
	result_summary         TEXT NOT NULL DEFAULT '',
	judgment_score         REAL NOT NULL DEFAULT 0,
	success                INTEGER NOT NULL,
	error_message          TEXT NOT NULL DEFAULT '',
	execution_time_minutes REAL NOT NULL DEFAULT 0
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_job ON runs(job_id);
CREATE INDEX IF NOT EXISTS idx_runs_ts ON runs(timestamp);

CREATE TABLE IF NOT EXISTS samples (
	candidate_id TEXT NOT NULL,
	prompt_id    TEXT NOT NULL,
	prompt       TEXT NOT NULL,
	response     TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	PRIMARY KEY (candidate_id, prompt_id)
);

CREATE TABLE IF NOT EXISTS ratings (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	candidate_id TEXT NOT NULL,
	prompt_id    TEXT NOT NULL,
	rater        TEXT NOT NULL,
	scores_json  TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ratings_candidate ON ratings(candidate_id);

CREATE TRIGGER IF NOT EXISTS runs_immutable BEFORE UPDATE ON runs
BEGIN SELECT RAISE(ABORT, 'runs are immutable'); END;
CREATE TRIGGER IF NOT EXISTS runs_no_delete BEFORE DELETE ON runs
BEGIN SELECT RAISE(ABORT, 'runs are append-only'); END;
CREATE TRIGGER IF NOT EXISTS queue_no_delete BEFORE DELETE ON queue
BEGIN SELECT RAISE(ABORT, 'queue rows are append-only'); END;
`

// Store manages the queue and run history in SQLite.
type Store struct {
	db     *sql.DB
	now    func() time.Time
	utcDay bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// WithUTCDay makes daily run counting use UTC calendar days instead of the
// clock's location.
func WithUTCDay(utc bool) Option { return func(s *Store) { s.utcDay = utc } }

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Single connection: every write in this process is serialized.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Enqueue inserts a PENDING job and returns its id.
func (s *Store) Enqueue(ctx context.Context, job Job) (string, error) {
	if strings.TrimSpace(job.BaseModel) == "" || strings.TrimSpace(job.QuantizationMethod) == "" {
		return "", fmt.Errorf("enqueue: base_model and quantization_method are required")
	}
	if job.JobID == "" {
		job.JobID = uuid.New().String()
	}
	if job.Trigger == "" {
		job.Trigger = TriggerIdle
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue (job_id, base_model, quantization_method, priority, status, trigger_type, target_size_gb, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		job.JobID, job.BaseModel, job.QuantizationMethod, job.Priority, StatusPending, job.Trigger, job.TargetSizeGB, s.now().UnixNano(),
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return job.JobID, nil
}

const jobColumns = `job_id, base_model, quantization_method, priority, status, trigger_type, target_size_gb,
	created_at, started_at, completed_at, run_id, last_error, artifact_path, promoted`

const nextPendingQuery = `SELECT ` + jobColumns + ` FROM queue
	WHERE status = 'PENDING' AND (? = 0 OR trigger_type = 'manual')
	ORDER BY priority DESC, seq ASC LIMIT 1`

// DequeueNext returns the highest-priority PENDING job (oldest first on ties)
// without changing it. manualOnly restricts the choice to manual submissions.
func (s *Store) DequeueNext(ctx context.Context, manualOnly bool) (Job, bool, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, nextPendingQuery, boolInt(manualOnly)))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("dequeue: %w", err)
	}
	return j, true, nil
}

// ClaimNext atomically picks the next PENDING job and marks it RUNNING under
// runID. A job can only be claimed once.
func (s *Store) ClaimNext(ctx context.Context, runID string, manualOnly bool) (Job, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	j, err := scanJob(tx.QueryRowContext(ctx, nextPendingQuery, boolInt(manualOnly)))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("claim select: %w", err)
	}
	now := s.now()
	if err := markRunningTx(ctx, tx, j.JobID, runID, now); err != nil {
		return Job{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Job{}, false, fmt.Errorf("commit: %w", err)
	}
	j.Status = StatusRunning
	j.RunID = runID
	j.StartedAt = &now
	return j, true, nil
}

// MarkRunning transitions a PENDING job to RUNNING.
func (s *Store) MarkRunning(ctx context.Context, jobID, runID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := markRunningTx(ctx, tx, jobID, runID, s.now()); err != nil {
		return err
	}
	return tx.Commit()
}

func markRunningTx(ctx context.Context, tx *sql.Tx, jobID, runID string, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE queue SET status = 'RUNNING', run_id = ?, started_at = ? WHERE job_id = ? AND status = 'PENDING'`,
		runID, now.UnixNano(), jobID)
	if err != nil {
		return fmt.Errorf("mark running: %w", err)
	}
	return transitionResult(ctx, tx, res, jobID)
}

// MarkCompleted transitions a RUNNING job to COMPLETED.
func (s *Store) MarkCompleted(ctx context.Context, jobID, runID string) error {
	return s.finishStatus(ctx, jobID, Outcome{Status: StatusCompleted, RunID: runID})
}

// MarkFailed transitions a RUNNING job to FAILED with errMsg.
func (s *Store) MarkFailed(ctx context.Context, jobID, runID, errMsg string) error {
	return s.finishStatus(ctx, jobID, Outcome{Status: StatusFailed, RunID: runID, Error: errMsg})
}

// MarkPromoted flags a COMPLETED job whose artifact was deployed.
func (s *Store) MarkPromoted(ctx context.Context, jobID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE queue SET promoted = 1 WHERE job_id = ? AND status = 'COMPLETED'`, jobID)
	if err != nil {
		return fmt.Errorf("mark promoted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark promoted %s: %w", jobID, ErrConflict)
	}
	return nil
}

// Outcome describes how a RUNNING job ended.
type Outcome struct {
	Status       JobStatus
	RunID        string
	Error        string
	ArtifactPath string
	Promoted     bool
}

func (s *Store) finishStatus(ctx context.Context, jobID string, o Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := finishTx(ctx, tx, jobID, o, s.now()); err != nil {
		return err
	}
	return tx.Commit()
}

func finishTx(ctx context.Context, tx *sql.Tx, jobID string, o Outcome, now time.Time) error {
	if o.Status != StatusCompleted && o.Status != StatusFailed {
		return fmt.Errorf("finish %s: %w: terminal status required, got %s", jobID, ErrConflict, o.Status)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE queue SET status = ?, completed_at = ?, run_id = COALESCE(NULLIF(?, ''), run_id),
			last_error = ?, artifact_path = ?, promoted = ?
		 WHERE job_id = ? AND status = 'RUNNING'`,
		o.Status, now.UnixNano(), o.RunID, o.Error, o.ArtifactPath, boolInt(o.Promoted), jobID)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	return transitionResult(ctx, tx, res, jobID)
}

// Finish records run and moves its job to a terminal status in one
// transaction, so every terminal job has exactly one run.
func (s *Store) Finish(ctx context.Context, run Run, o Outcome) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if err := insertRun(ctx, tx, run); err != nil {
		return err
	}
	o.RunID = run.RunID
	if err := finishTx(ctx, tx, run.JobID, o, s.now()); err != nil {
		return err
	}
	return tx.Commit()
}

// RecordRun inserts an immutable run record.
func (s *Store) RecordRun(ctx context.Context, run Run) error {
	return insertRun(ctx, s.db, run)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertRun(ctx context.Context, db execer, r Run) error {
	if r.RunID == "" || r.JobID == "" {
		return fmt.Errorf("record run: run_id and job_id are required")
	}
	if r.Trigger == "" {
		r.Trigger = TriggerIdle
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO runs (run_id, job_id, trigger_type, timestamp, model_path, base_model, quantization_method,
			target_size_gb, result_summary, judgment_score, success, error_message, execution_time_minutes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RunID, r.JobID, r.Trigger, r.Timestamp.UnixNano(), r.ModelPath, r.BaseModel, r.QuantizationMethod,
		r.TargetSizeGB, r.ResultSummary, r.JudgmentScore, boolInt(r.Success), r.ErrorMessage, r.ExecutionTimeMinutes)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

func transitionResult(ctx context.Context, tx *sql.Tx, res sql.Result, jobID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = tx.QueryRowContext(ctx, `SELECT status FROM queue WHERE job_id = ?`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", jobID, status, ErrConflict)
}

// GetJob returns one job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM queue WHERE job_id = ?`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	return j, err
}

// ListPending returns PENDING jobs in dequeue order.
func (s *Store) ListPending(ctx context.Context) ([]Job, error) {
	return s.queryJobs(ctx, `SELECT `+jobColumns+` FROM queue WHERE status = 'PENDING' ORDER BY priority DESC, seq ASC`)
}

// ListAll returns jobs matching f, newest first.
func (s *Store) ListAll(ctx context.Context, f Filter) ([]Job, error) {
	q := `SELECT ` + jobColumns + ` FROM queue WHERE 1=1`
	var args []any
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, f.Status)
	}
	if f.BaseModel != "" {
		q += ` AND base_model = ?`
		args = append(args, f.BaseModel)
	}
	q += ` ORDER BY seq DESC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.queryJobs(ctx, q, args...)
}

func (s *Store) queryJobs(ctx context.Context, q string, args ...any) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()
	var out []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (Job, error) {
	var (
		j                  Job
		created            int64
		started, completed sql.NullInt64
		runID              sql.NullString
		promoted           int
	)
	err := sc.Scan(&j.JobID, &j.BaseModel, &j.QuantizationMethod, &j.Priority, &j.Status, &j.Trigger, &j.TargetSizeGB,
		&created, &started, &completed, &runID, &j.LastError, &j.ArtifactPath, &promoted)
	if err != nil {
		return Job{}, err
	}
	j.CreatedAt = time.Unix(0, created).UTC()
	j.StartedAt = nullTime(started)
	j.CompletedAt = nullTime(completed)
	j.RunID = runID.String
	j.Promoted = promoted != 0
	return j, nil
}

const runColumns = `run_id, job_id, trigger_type, timestamp, model_path, base_model, quantization_method,
	target_size_gb, result_summary, judgment_score, success, error_message, execution_time_minutes`

// GetRun returns one run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return r, err
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY timestamp DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()
	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanRun(sc scanner) (Run, error) {
	var (
		r       Run
		ts      int64
		success int
	)
	err := sc.Scan(&r.RunID, &r.JobID, &r.Trigger, &ts, &r.ModelPath, &r.BaseModel, &r.QuantizationMethod,
		&r.TargetSizeGB, &r.ResultSummary, &r.JudgmentScore, &success, &r.ErrorMessage, &r.ExecutionTimeMinutes)
	if err != nil {
		return Run{}, err
	}
	r.Timestamp = time.Unix(0, ts).UTC()
	r.Success = success != 0
	return r, nil
}

// DailyRunCount counts runs whose timestamp falls in the calendar day of now,
// optionally restricted to the given triggers.
func (s *Store) DailyRunCount(ctx context.Context, now time.Time, triggers ...Trigger) (int, error) {
	return dailyRunCount(ctx, s.db, s.dayBounds(now), triggers)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func dailyRunCount(ctx context.Context, q queryer, day [2]time.Time, triggers []Trigger) (int, error) {
	query := `SELECT COUNT(*) FROM runs WHERE timestamp >= ? AND timestamp < ?`
	args := []any{day[0].UnixNano(), day[1].UnixNano()}
	if len(triggers) > 0 {
		query += ` AND trigger_type IN (` + strings.TrimSuffix(strings.Repeat("?,", len(triggers)), ",") + `)`
		for _, t := range triggers {
			args = append(args, string(t))
		}
	}
	var n int
	if err := q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("daily run count: %w", err)
	}
	return n, nil
}

func (s *Store) dayBounds(now time.Time) [2]time.Time {
	if s.utcDay {
		now = now.UTC()
	}
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return [2]time.Time{start, start.AddDate(0, 0, 1)}
}

// Snapshot reads running, pending and today's run counts in one transaction.
func (s *Store) Snapshot(ctx context.Context, now time.Time) (Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Snapshot{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	var snap Snapshot
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(status = 'RUNNING'), 0), COALESCE(SUM(status = 'PENDING'), 0) FROM queue`,
	).Scan(&snap.Running, &snap.Pending)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count jobs: %w", err)
	}
	snap.DailyRuns, err = dailyRunCount(ctx, tx, s.dayBounds(now), nil)
	if err != nil {
		return Snapshot{}, err
	}
	return snap, tx.Commit()
}

// RecoverInterrupted fails every job left RUNNING by a previous process. A
// job whose run was already recorded takes that run's outcome; otherwise an
// "interrupted" run is written for it. Jobs named in live are still executing
// in this process and are left RUNNING.
func (s *Store) RecoverInterrupted(ctx context.Context, live ...string) ([]Job, error) {
	skip := make(map[string]bool, len(live))
	for _, id := range live {
		skip[id] = true
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+jobColumns+` FROM queue WHERE status = 'RUNNING' ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("scan running: %w", err)
	}
	var stale []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		if skip[j.JobID] {
			continue
		}
		stale = append(stale, j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := s.now()
	var recovered []Job
	for _, j := range stale {
		existing, err := scanRun(tx.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE job_id = ?`, j.JobID))
		switch {
		case err == nil:
			o := Outcome{Status: StatusFailed, RunID: existing.RunID, Error: existing.ErrorMessage}
			if existing.Success {
				o = Outcome{Status: StatusCompleted, RunID: existing.RunID, ArtifactPath: existing.ModelPath}
			}
			if err := finishTx(ctx, tx, j.JobID, o, now); err != nil {
				return nil, err
			}
			continue
		case !errors.Is(err, sql.ErrNoRows):
			return nil, fmt.Errorf("lookup run for %s: %w", j.JobID, err)
		}
		runID := j.RunID
		if runID == "" {
			runID = uuid.New().String()
		}
		ts := now
		if j.StartedAt != nil {
			ts = *j.StartedAt
		}
		run := Run{
			RunID:              runID,
			JobID:              j.JobID,
			Trigger:            j.Trigger,
			Timestamp:          ts,
			BaseModel:          j.BaseModel,
			QuantizationMethod: j.QuantizationMethod,
			TargetSizeGB:       j.TargetSizeGB,
			ResultSummary:      "process exited before the job finished",
			Success:            false,
			ErrorMessage:       ErrInterrupted,
		}
		if err := insertRun(ctx, tx, run); err != nil {
			return nil, err
		}
		if err := finishTx(ctx, tx, j.JobID, Outcome{Status: StatusFailed, RunID: runID, Error: ErrInterrupted}, now); err != nil {
			return nil, err
		}
		j.Status = StatusFailed
		j.LastError = ErrInterrupted
		j.RunID = runID
		recovered = append(recovered, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return recovered, nil
}

func nullTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
