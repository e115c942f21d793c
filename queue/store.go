package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
)

// dbtx is the subset of database/sql shared by *sql.DB and *sql.Tx, so
// store helpers run standalone or inside the broker's transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store owns the SQLite schema and all SQL. Lifecycle decisions live in
// the Broker; the store only reads and writes rows.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the job store at path and applies the schema.
// The DSN puts the database in WAL mode, makes every transaction start as
// an immediate write transaction, and waits out writer contention up to
// the busy timeout instead of failing with SQLITE_BUSY.
func Open(path string, busyTimeoutMS int) (*Store, error) {
	if busyTimeoutMS <= 0 {
		busyTimeoutMS = 5000
	}
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d&_foreign_keys=on&_txlock=immediate",
		path, busyTimeoutMS,
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrapf(err, "opening job store at %s", path)
	}

	store, err := NewWithDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.DBInfow("Job store open", "path", path)
	return store, nil
}

// NewWithDB wraps an existing database handle and applies the schema.
// Tests use this with the shared in-memory helper.
func NewWithDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for the broker's transactions.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping verifies the database answers, for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	seq                INTEGER PRIMARY KEY AUTOINCREMENT,
	id                 TEXT NOT NULL UNIQUE,
	service_required   TEXT NOT NULL,
	priority           INTEGER NOT NULL DEFAULT 50,
	payload            TEXT,
	requirements       TEXT,
	customer_id        TEXT NOT NULL DEFAULT '',
	workflow_id        TEXT NOT NULL DEFAULT '',
	workflow_priority  INTEGER NOT NULL DEFAULT 0,
	workflow_datetime  INTEGER NOT NULL DEFAULT 0,
	step_number        INTEGER NOT NULL DEFAULT 0,
	max_retries        INTEGER NOT NULL DEFAULT 3,
	retry_count        INTEGER NOT NULL DEFAULT 0,
	created_at         INTEGER NOT NULL,
	assigned_at        INTEGER NOT NULL DEFAULT 0,
	started_at         INTEGER NOT NULL DEFAULT 0,
	completed_at       INTEGER NOT NULL DEFAULT 0,
	failed_at          INTEGER NOT NULL DEFAULT 0,
	last_progress_at   INTEGER NOT NULL DEFAULT 0,
	worker_id          TEXT NOT NULL DEFAULT '',
	last_failed_worker TEXT NOT NULL DEFAULT '',
	service_job_id     TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	result             TEXT,
	error              TEXT NOT NULL DEFAULT ''
);

-- The matcher's scan order: priority first, then age, then submission
-- sequence to break same-millisecond ties.
CREATE INDEX IF NOT EXISTS idx_jobs_pending
	ON jobs(status, priority DESC, created_at ASC, seq ASC);
CREATE INDEX IF NOT EXISTS idx_jobs_worker ON jobs(worker_id) WHERE worker_id != '';
CREATE INDEX IF NOT EXISTS idx_jobs_workflow ON jobs(workflow_id) WHERE workflow_id != '';

CREATE TABLE IF NOT EXISTS progress_frames (
	seq                     INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id                  TEXT NOT NULL,
	progress_pct            REAL NOT NULL DEFAULT 0,
	message                 TEXT NOT NULL DEFAULT '',
	current_step            INTEGER NOT NULL DEFAULT 0,
	total_steps             INTEGER NOT NULL DEFAULT 0,
	estimated_completion_ms INTEGER NOT NULL DEFAULT 0,
	worker_id               TEXT NOT NULL DEFAULT '',
	timestamp               INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_progress_job ON progress_frames(job_id, seq);

CREATE TABLE IF NOT EXISTS workers (
	id                  TEXT PRIMARY KEY,
	machine_id          TEXT NOT NULL DEFAULT '',
	name                TEXT NOT NULL DEFAULT '',
	version             TEXT NOT NULL DEFAULT '',
	capabilities        TEXT NOT NULL,
	status              TEXT NOT NULL DEFAULT 'idle',
	current_job_ids     TEXT NOT NULL DEFAULT '[]',
	connected_at        INTEGER NOT NULL,
	last_heartbeat      INTEGER NOT NULL,
	presence_expires_at INTEGER NOT NULL,
	jobs_completed      INTEGER NOT NULL DEFAULT 0,
	jobs_failed         INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS machines (
	id           TEXT PRIMARY KEY,
	snapshot     TEXT NOT NULL,
	status       TEXT NOT NULL,
	published_at INTEGER NOT NULL,
	expires_at   INTEGER NOT NULL
);
`

func (s *Store) migrate() error {
	if _, err := s.db.Exec(schema); err != nil {
		return errors.Wrap(err, "applying job store schema")
	}
	return nil
}

// jobColumns is the canonical SELECT list; scanJob must match it.
const jobColumns = `seq, id, service_required, priority, payload, requirements,
	customer_id, workflow_id, workflow_priority, workflow_datetime, step_number,
	max_retries, retry_count, created_at, assigned_at, started_at, completed_at,
	failed_at, last_progress_at, worker_id, last_failed_worker, service_job_id,
	status, result, error`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		job          Job
		payload      sql.NullString
		requirements sql.NullString
		result       sql.NullString
		status       string
	)
	err := row.Scan(
		&job.Seq, &job.ID, &job.ServiceRequired, &job.Priority, &payload, &requirements,
		&job.CustomerID, &job.WorkflowID, &job.WorkflowPriority, &job.WorkflowDatetime, &job.StepNumber,
		&job.MaxRetries, &job.RetryCount, &job.CreatedAt, &job.AssignedAt, &job.StartedAt, &job.CompletedAt,
		&job.FailedAt, &job.LastProgressAt, &job.WorkerID, &job.LastFailedWorker, &job.ServiceJobID,
		&status, &result, &job.Error,
	)
	if err != nil {
		return nil, err
	}

	job.Status = Status(status)
	if payload.Valid && payload.String != "" {
		job.Payload = json.RawMessage(payload.String)
	}
	if result.Valid && result.String != "" {
		job.Result = json.RawMessage(result.String)
	}
	if requirements.Valid && requirements.String != "" {
		var req Requirements
		if err := json.Unmarshal([]byte(requirements.String), &req); err != nil {
			return nil, errors.Wrapf(err, "corrupt requirements for job %s", job.ID)
		}
		job.Requirements = &req
	}
	return &job, nil
}

// InsertJob writes a new job row and fills in its submission sequence.
func (s *Store) InsertJob(ctx context.Context, q dbtx, job *Job) error {
	var requirements interface{}
	if job.Requirements != nil {
		raw, err := json.Marshal(job.Requirements)
		if err != nil {
			return errors.Wrap(err, "marshaling job requirements")
		}
		requirements = string(raw)
	}
	var payload interface{}
	if len(job.Payload) > 0 {
		payload = string(job.Payload)
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO jobs (id, service_required, priority, payload, requirements,
			customer_id, workflow_id, workflow_priority, workflow_datetime, step_number,
			max_retries, retry_count, created_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ServiceRequired, job.Priority, payload, requirements,
		job.CustomerID, job.WorkflowID, job.WorkflowPriority, job.WorkflowDatetime, job.StepNumber,
		job.MaxRetries, job.RetryCount, job.CreatedAt, string(job.Status),
	)
	if err != nil {
		return errors.Wrapf(err, "inserting job %s", job.ID)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "reading job sequence")
	}
	job.Seq = seq
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.getJob(ctx, s.db, id)
}

func (s *Store) getJob(ctx context.Context, q dbtx, id string) (*Job, error) {
	row := q.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetching job %s", id)
	}
	return job, nil
}

// JobFilter narrows ListJobs. Zero values mean no constraint.
type JobFilter struct {
	Status     []Status
	CustomerID string
	WorkflowID string
	WorkerID   string
	Limit      int
	Offset     int
}

// ListJobs returns jobs newest-first, filtered and paged.
func (s *Store) ListJobs(ctx context.Context, f JobFilter) ([]*Job, error) {
	var (
		where []string
		args  []interface{}
	)
	if len(f.Status) > 0 {
		marks := make([]string, len(f.Status))
		for i, st := range f.Status {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	if f.CustomerID != "" {
		where = append(where, "customer_id = ?")
		args = append(args, f.CustomerID)
	}
	if f.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.WorkerID != "" {
		where = append(where, "worker_id = ?")
		args = append(args, f.WorkerID)
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "listing jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning job row")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CandidateJobs returns the matcher's scan window: queued jobs in claim
// order, at most scanLimit of them (0 = unbounded).
func (s *Store) CandidateJobs(ctx context.Context, q dbtx, scanLimit int) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ?
		ORDER BY priority DESC, created_at ASC, seq ASC`
	args := []interface{}{string(StatusQueued)}
	if scanLimit > 0 {
		query += " LIMIT ?"
		args = append(args, scanLimit)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "scanning queued jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning candidate row")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimJob moves a queued job to assigned for the given worker. The status
// guard makes the claim atomic: if another transaction won the row first,
// zero rows change and the caller moves on.
func (s *Store) ClaimJob(ctx context.Context, q dbtx, jobID, workerID string, now int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE jobs SET status = ?, worker_id = ?, assigned_at = ?
		WHERE id = ? AND status = ?`,
		string(StatusAssigned), workerID, now, jobID, string(StatusQueued),
	)
	if err != nil {
		return false, errors.Wrapf(err, "claiming job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "reading claim result")
	}
	return n == 1, nil
}

// MarkAccepted confirms an assignment within the accept window.
func (s *Store) MarkAccepted(ctx context.Context, q dbtx, jobID, workerID string, now int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE jobs SET status = ?, last_progress_at = ?
		WHERE id = ? AND worker_id = ? AND status = ?`,
		string(StatusAccepted), now, jobID, workerID, string(StatusAssigned),
	)
	if err != nil {
		return false, errors.Wrapf(err, "accepting job %s", jobID)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// MarkStarted moves an assigned or accepted job into execution. Workers
// that skip the explicit accept are tolerated; their first progress frame
// lands here too.
func (s *Store) MarkStarted(ctx context.Context, q dbtx, jobID, workerID string, now int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE jobs SET status = ?, started_at = ?, last_progress_at = ?
		WHERE id = ? AND worker_id = ? AND status IN (?, ?)`,
		string(StatusInProgress), now, now, jobID, workerID,
		string(StatusAssigned), string(StatusAccepted),
	)
	if err != nil {
		return false, errors.Wrapf(err, "starting job %s", jobID)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompleteJob records terminal success. Only active jobs complete; a
// second completion or one after cancel changes nothing.
func (s *Store) CompleteJob(ctx context.Context, q dbtx, jobID string, result json.RawMessage, now int64) (bool, error) {
	var res interface{}
	if len(result) > 0 {
		res = string(result)
	}
	r, err := q.ExecContext(ctx, `
		UPDATE jobs SET status = ?, result = ?, completed_at = ?
		WHERE id = ? AND status IN (?, ?, ?)`,
		string(StatusCompleted), res, now, jobID,
		string(StatusAssigned), string(StatusAccepted), string(StatusInProgress),
	)
	if err != nil {
		return false, errors.Wrapf(err, "completing job %s", jobID)
	}
	n, _ := r.RowsAffected()
	return n == 1, nil
}

// TerminalFail records a terminal failure or timeout.
func (s *Store) TerminalFail(ctx context.Context, q dbtx, jobID, errMsg string, terminal Status, retryCount int, now int64) (bool, error) {
	if terminal != StatusFailed && terminal != StatusTimeout {
		return false, errors.AssertionFailedf("TerminalFail called with status %s", terminal)
	}
	r, err := q.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, retry_count = ?, failed_at = ?
		WHERE id = ? AND status IN (?, ?, ?, ?)`,
		string(terminal), errMsg, retryCount, now, jobID,
		string(StatusQueued), string(StatusAssigned), string(StatusAccepted), string(StatusInProgress),
	)
	if err != nil {
		return false, errors.Wrapf(err, "failing job %s", jobID)
	}
	n, _ := r.RowsAffected()
	return n == 1, nil
}

// RequeueJob puts an active job back in the queue. The releasing worker is
// remembered so the next claim round prefers anyone else.
func (s *Store) RequeueJob(ctx context.Context, q dbtx, jobID, lastWorker string, retryCount int, errMsg string) (bool, error) {
	r, err := q.ExecContext(ctx, `
		UPDATE jobs SET status = ?, worker_id = '', last_failed_worker = ?,
			retry_count = ?, error = ?, assigned_at = 0, started_at = 0, last_progress_at = 0
		WHERE id = ? AND status IN (?, ?, ?)`,
		string(StatusQueued), lastWorker, retryCount, errMsg, jobID,
		string(StatusAssigned), string(StatusAccepted), string(StatusInProgress),
	)
	if err != nil {
		return false, errors.Wrapf(err, "requeuing job %s", jobID)
	}
	n, _ := r.RowsAffected()
	return n == 1, nil
}

// CancelJobRow terminates any non-terminal job.
func (s *Store) CancelJobRow(ctx context.Context, q dbtx, jobID, reason string, now int64) (bool, error) {
	r, err := q.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, worker_id = '', failed_at = ?
		WHERE id = ? AND status IN (?, ?, ?, ?, ?)`,
		string(StatusCancelled), reason, now, jobID,
		string(StatusPending), string(StatusQueued), string(StatusAssigned),
		string(StatusAccepted), string(StatusInProgress),
	)
	if err != nil {
		return false, errors.Wrapf(err, "cancelling job %s", jobID)
	}
	n, _ := r.RowsAffected()
	return n == 1, nil
}

// SetServiceJobID stores the downstream service's own id for a proxied job.
func (s *Store) SetServiceJobID(ctx context.Context, jobID, serviceJobID string) error {
	r, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET service_job_id = ? WHERE id = ?`, serviceJobID, jobID)
	if err != nil {
		return errors.Wrapf(err, "recording service job id for %s", jobID)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	return nil
}

// TouchProgress bumps the job's progress clock for the watchdog.
func (s *Store) TouchProgress(ctx context.Context, q dbtx, jobID string, now int64) error {
	_, err := q.ExecContext(ctx,
		`UPDATE jobs SET last_progress_at = ? WHERE id = ?`, now, jobID)
	if err != nil {
		return errors.Wrapf(err, "touching progress for job %s", jobID)
	}
	return nil
}

// StaleAssigned returns assigned jobs whose accept window expired.
func (s *Store) StaleAssigned(ctx context.Context, cutoff int64) ([]*Job, error) {
	return s.jobsWhere(ctx, `status = ? AND assigned_at > 0 AND assigned_at < ?`,
		string(StatusAssigned), cutoff)
}

// StaleInProgress returns running jobs silent past the progress window.
// Jobs that never reported use their start time as the baseline.
func (s *Store) StaleInProgress(ctx context.Context, cutoff int64) ([]*Job, error) {
	return s.jobsWhere(ctx,
		`status IN (?, ?) AND MAX(last_progress_at, started_at, assigned_at) < ?`,
		string(StatusAccepted), string(StatusInProgress), cutoff)
}

// ActiveJobs returns every job a worker currently owns.
func (s *Store) ActiveJobs(ctx context.Context) ([]*Job, error) {
	return s.jobsWhere(ctx, `status IN (?, ?, ?)`,
		string(StatusAssigned), string(StatusAccepted), string(StatusInProgress))
}

// JobsOwnedBy returns the active jobs held by one worker.
func (s *Store) JobsOwnedBy(ctx context.Context, workerID string) ([]*Job, error) {
	return s.jobsWhere(ctx, `worker_id = ? AND status IN (?, ?, ?)`,
		workerID, string(StatusAssigned), string(StatusAccepted), string(StatusInProgress))
}

func (s *Store) jobsWhere(ctx context.Context, where string, args ...interface{}) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE `+where+` ORDER BY seq ASC`, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying jobs")
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning job row")
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// QueuePosition returns the job's 1-based rank among queued jobs, or 0
// when the job is not queued.
func (s *Store) QueuePosition(ctx context.Context, jobID string) (int, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if job.Status != StatusQueued {
		return 0, nil
	}

	var ahead int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM jobs WHERE status = ? AND (
			priority > ?
			OR (priority = ? AND created_at < ?)
			OR (priority = ? AND created_at = ? AND seq < ?)
		)`,
		string(StatusQueued),
		job.Priority,
		job.Priority, job.CreatedAt,
		job.Priority, job.CreatedAt, job.Seq,
	).Scan(&ahead)
	if err != nil {
		return 0, errors.Wrapf(err, "computing queue position for %s", jobID)
	}
	return ahead + 1, nil
}

// CountQueued counts queued jobs inside an open transaction, so a
// depth check and the insert it guards see the same queue.
func (s *Store) CountQueued(ctx context.Context, tx *sql.Tx) (int64, error) {
	var n int64
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ?`,
		string(StatusQueued)).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "counting queued jobs")
	}
	return n, nil
}

// CountByStatus returns job counts per lifecycle state.
func (s *Store) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "counting jobs by status")
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(err, "scanning status count")
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// OldestQueuedAt returns the created_at of the oldest queued job, or 0.
func (s *Store) OldestQueuedAt(ctx context.Context) (int64, error) {
	var oldest sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM jobs WHERE status = ?`,
		string(StatusQueued)).Scan(&oldest)
	if err != nil {
		return 0, errors.Wrap(err, "finding oldest queued job")
	}
	if !oldest.Valid {
		return 0, nil
	}
	return oldest.Int64, nil
}

// PurgeTerminalBefore deletes terminal jobs (and their progress frames)
// that finished before the cutoff. Returns how many jobs were removed.
func (s *Store) PurgeTerminalBefore(ctx context.Context, cutoff int64) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM progress_frames WHERE job_id IN (
			SELECT id FROM jobs WHERE status IN (?, ?, ?, ?)
				AND MAX(completed_at, failed_at) < ?
		)`,
		string(StatusCompleted), string(StatusFailed), string(StatusTimeout), string(StatusCancelled),
		cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "purging progress frames")
	}

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE status IN (?, ?, ?, ?)
			AND MAX(completed_at, failed_at) < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusTimeout), string(StatusCancelled),
		cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "purging terminal jobs")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.DBDebugw("Purged terminal jobs", "count", n)
	}
	return n, nil
}

// InsertProgress appends a frame to the job's progress stream and returns
// its stream sequence.
func (s *Store) InsertProgress(ctx context.Context, frame *ProgressFrame) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO progress_frames (job_id, progress_pct, message, current_step,
			total_steps, estimated_completion_ms, worker_id, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		frame.JobID, frame.ProgressPct, frame.Message, frame.CurrentStep,
		frame.TotalSteps, frame.EstimatedCompletionMS, frame.WorkerID, frame.Timestamp,
	)
	if err != nil {
		return 0, errors.Wrapf(err, "recording progress for job %s", frame.JobID)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "reading progress sequence")
	}
	frame.Seq = seq
	return seq, nil
}

// ProgressHistory returns a job's frames after the given stream sequence,
// oldest first. afterSeq 0 returns the whole stream.
func (s *Store) ProgressHistory(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*ProgressFrame, error) {
	query := `SELECT seq, job_id, progress_pct, message, current_step, total_steps,
		estimated_completion_ms, worker_id, timestamp
		FROM progress_frames WHERE job_id = ? AND seq > ? ORDER BY seq ASC`
	args := []interface{}{jobID, afterSeq}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrapf(err, "reading progress for job %s", jobID)
	}
	defer rows.Close()

	var frames []*ProgressFrame
	for rows.Next() {
		var f ProgressFrame
		if err := rows.Scan(&f.Seq, &f.JobID, &f.ProgressPct, &f.Message, &f.CurrentStep,
			&f.TotalSteps, &f.EstimatedCompletionMS, &f.WorkerID, &f.Timestamp); err != nil {
			return nil, errors.Wrap(err, "scanning progress frame")
		}
		frames = append(frames, &f)
	}
	return frames, rows.Err()
}

// LatestProgress returns the newest frame for a job, or nil when the job
// has never reported.
func (s *Store) LatestProgress(ctx context.Context, jobID string) (*ProgressFrame, error) {
	frames, err := s.ProgressHistory(ctx, jobID, 0, 0)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, nil
	}
	return frames[len(frames)-1], nil
}

func marshalJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", errors.Wrap(err, "marshaling")
	}
	return string(raw), nil
}

// UpsertWorker writes a worker registry row, replacing any previous
// registration under the same id.
func (s *Store) UpsertWorker(ctx context.Context, q dbtx, w *Worker) error {
	caps, err := marshalJSON(w.Capabilities)
	if err != nil {
		return errors.Wrapf(err, "worker %s capabilities", w.ID)
	}
	jobs, err := marshalJSON(jobIDsOrEmpty(w.CurrentJobIDs))
	if err != nil {
		return errors.Wrapf(err, "worker %s job list", w.ID)
	}

	_, err = q.ExecContext(ctx, `
		INSERT INTO workers (id, machine_id, name, version, capabilities, status,
			current_job_ids, connected_at, last_heartbeat, presence_expires_at,
			jobs_completed, jobs_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			machine_id = excluded.machine_id,
			name = excluded.name,
			version = excluded.version,
			capabilities = excluded.capabilities,
			status = excluded.status,
			current_job_ids = excluded.current_job_ids,
			connected_at = excluded.connected_at,
			last_heartbeat = excluded.last_heartbeat,
			presence_expires_at = excluded.presence_expires_at`,
		w.ID, w.MachineID, w.Name, w.Version, caps, string(w.Status),
		jobs, w.ConnectedAt, w.LastHeartbeat, w.PresenceExpiresAt,
		w.JobsCompleted, w.JobsFailed,
	)
	if err != nil {
		return errors.Wrapf(err, "registering worker %s", w.ID)
	}
	return nil
}

func jobIDsOrEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}

func scanWorker(row rowScanner) (*Worker, error) {
	var (
		w      Worker
		caps   string
		jobs   string
		status string
	)
	err := row.Scan(&w.ID, &w.MachineID, &w.Name, &w.Version, &caps, &status,
		&jobs, &w.ConnectedAt, &w.LastHeartbeat, &w.PresenceExpiresAt,
		&w.JobsCompleted, &w.JobsFailed)
	if err != nil {
		return nil, err
	}
	w.Status = WorkerState(status)
	if err := json.Unmarshal([]byte(caps), &w.Capabilities); err != nil {
		return nil, errors.Wrapf(err, "corrupt capabilities for worker %s", w.ID)
	}
	if err := json.Unmarshal([]byte(jobs), &w.CurrentJobIDs); err != nil {
		return nil, errors.Wrapf(err, "corrupt job list for worker %s", w.ID)
	}
	return &w, nil
}

const workerColumns = `id, machine_id, name, version, capabilities, status,
	current_job_ids, connected_at, last_heartbeat, presence_expires_at,
	jobs_completed, jobs_failed`

// GetWorker fetches one worker registry row.
func (s *Store) GetWorker(ctx context.Context, id string) (*Worker, error) {
	return s.getWorker(ctx, s.db, id)
}

func (s *Store) getWorker(ctx context.Context, q dbtx, id string) (*Worker, error) {
	row := q.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id = ?`, id)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, errors.Wrapf(errors.ErrNotFound, "worker %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "fetching worker %s", id)
	}
	return w, nil
}

// ListWorkers returns every registered worker, most recently heard first.
func (s *Store) ListWorkers(ctx context.Context) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY last_heartbeat DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "listing workers")
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning worker row")
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// UpdateWorkerPresence refreshes heartbeat bookkeeping.
func (s *Store) UpdateWorkerPresence(ctx context.Context, id string, status WorkerState, jobIDs []string, heartbeat, expires int64) error {
	jobs, err := marshalJSON(jobIDsOrEmpty(jobIDs))
	if err != nil {
		return errors.Wrapf(err, "worker %s job list", id)
	}
	r, err := s.db.ExecContext(ctx, `
		UPDATE workers SET status = ?, current_job_ids = ?, last_heartbeat = ?, presence_expires_at = ?
		WHERE id = ?`,
		string(status), jobs, heartbeat, expires, id,
	)
	if err != nil {
		return errors.Wrapf(err, "updating presence for worker %s", id)
	}
	if n, _ := r.RowsAffected(); n == 0 {
		return errors.Wrapf(errors.ErrNotFound, "worker %s", id)
	}
	return nil
}

// SetWorkerJobs rewrites a worker's running set and status inside a
// lifecycle transaction.
func (s *Store) SetWorkerJobs(ctx context.Context, q dbtx, id string, jobIDs []string, status WorkerState) error {
	jobs, err := marshalJSON(jobIDsOrEmpty(jobIDs))
	if err != nil {
		return errors.Wrapf(err, "worker %s job list", id)
	}
	_, err = q.ExecContext(ctx,
		`UPDATE workers SET current_job_ids = ?, status = ? WHERE id = ?`,
		jobs, string(status), id)
	if err != nil {
		return errors.Wrapf(err, "updating job set for worker %s", id)
	}
	return nil
}

// BumpWorkerCounters adds to a worker's lifetime completion counters.
func (s *Store) BumpWorkerCounters(ctx context.Context, q dbtx, id string, completed, failed int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE workers SET jobs_completed = jobs_completed + ?, jobs_failed = jobs_failed + ?
		WHERE id = ?`, completed, failed, id)
	if err != nil {
		return errors.Wrapf(err, "updating counters for worker %s", id)
	}
	return nil
}

// MarkWorkerOffline flips a worker's registry row to offline.
func (s *Store) MarkWorkerOffline(ctx context.Context, q dbtx, id string) error {
	_, err := q.ExecContext(ctx,
		`UPDATE workers SET status = ?, current_job_ids = '[]' WHERE id = ?`,
		string(WorkerOffline), id)
	if err != nil {
		return errors.Wrapf(err, "marking worker %s offline", id)
	}
	return nil
}

// ExpiredWorkers returns workers whose presence lapsed before now and are
// not already offline.
func (s *Store) ExpiredWorkers(ctx context.Context, now int64) ([]*Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+workerColumns+` FROM workers
		WHERE presence_expires_at > 0 AND presence_expires_at < ? AND status != ?`,
		now, string(WorkerOffline))
	if err != nil {
		return nil, errors.Wrap(err, "finding expired workers")
	}
	defer rows.Close()

	var workers []*Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scanning expired worker")
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

// UpsertMachine stores a machine status snapshot.
func (s *Store) UpsertMachine(ctx context.Context, m *Machine) error {
	snapshot, err := marshalJSON(m)
	if err != nil {
		return errors.Wrapf(err, "machine %s snapshot", m.ID)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO machines (id, snapshot, status, published_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			snapshot = excluded.snapshot,
			status = excluded.status,
			published_at = excluded.published_at,
			expires_at = excluded.expires_at`,
		m.ID, snapshot, string(m.Status), m.PublishedAt, m.ExpiresAt,
	)
	if err != nil {
		return errors.Wrapf(err, "storing machine %s", m.ID)
	}
	return nil
}

// ListMachines returns machine snapshots that have not expired.
func (s *Store) ListMachines(ctx context.Context, now int64) ([]*Machine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT snapshot FROM machines WHERE expires_at >= ? ORDER BY id ASC`, now)
	if err != nil {
		return nil, errors.Wrap(err, "listing machines")
	}
	defer rows.Close()

	var machines []*Machine
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, errors.Wrap(err, "scanning machine row")
		}
		var m Machine
		if err := json.Unmarshal([]byte(snapshot), &m); err != nil {
			return nil, errors.Wrap(err, "corrupt machine snapshot")
		}
		machines = append(machines, &m)
	}
	return machines, rows.Err()
}

// PurgeMachinesBefore drops snapshots that expired before the cutoff.
func (s *Store) PurgeMachinesBefore(ctx context.Context, cutoff int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM machines WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "purging expired machines")
	}
	n, _ := res.RowsAffected()
	return n, nil
}
