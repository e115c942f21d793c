package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"math/rand"
	"strings"
	"time"

	"github.com/teranos/weft/config"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/sym"
)

// DefaultPriority is assigned when a submission does not set one.
const DefaultPriority = 50

// claimRetries bounds how many times a claim restarts after losing a
// write-lock race. The busy timeout absorbs ordinary contention; this
// only catches the pathological case.
const claimRetries = 3

// Broker owns every job lifecycle transition. All writes that must be
// atomic with each other run inside a single immediate transaction;
// events are published only after the transaction commits, so a
// subscriber can always re-read what the event describes.
type Broker struct {
	store    *Store
	notifier *Notifier
	cfg      config.QueueConfig
}

// NewBroker wires the broker to its store and event hub.
func NewBroker(store *Store, notifier *Notifier, cfg config.QueueConfig) *Broker {
	return &Broker{store: store, notifier: notifier, cfg: cfg}
}

// Store exposes the underlying store for read-side consumers.
func (b *Broker) Store() *Store {
	return b.store
}

// Notifier exposes the event hub for subscribers.
func (b *Broker) Notifier() *Notifier {
	return b.notifier
}

// withTx runs fn inside an immediate write transaction. Events appended
// to the returned slice are published after commit, in order.
func (b *Broker) withTx(ctx context.Context, fn func(tx *sql.Tx, events *[]Event) error) error {
	var events []Event

	tx, err := b.store.DB().BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "opening queue transaction")
	}
	defer tx.Rollback()

	if err := fn(tx, &events); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "committing queue transaction")
	}

	for _, ev := range events {
		b.notifier.Publish(ev)
	}
	return nil
}

// isBusy recognizes SQLite lock contention that survived the busy
// timeout.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// Submit validates a request, assigns an id, and enqueues the job.
func (b *Broker) Submit(ctx context.Context, req *SubmitRequest) (*Job, error) {
	if req == nil || strings.TrimSpace(req.ServiceRequired) == "" {
		return nil, errors.Wrap(errors.ErrInvalidRequest, "service_required is required")
	}

	priority := DefaultPriority
	if req.Priority != nil {
		priority = *req.Priority
	}
	if priority < 0 || priority > 100 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "priority %d outside 0..100", priority)
	}

	maxRetries := b.cfg.MaxRetries
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}
	if maxRetries < 0 {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "max_retries %d is negative", maxRetries)
	}

	if req.Requirements != nil && !ValidIsolation(req.Requirements.CustomerIsolation) {
		return nil, errors.Wrapf(errors.ErrInvalidRequest,
			"unknown customer_isolation %q", req.Requirements.CustomerIsolation)
	}

	job := &Job{
		ID:               NewJobID(),
		ServiceRequired:  strings.TrimSpace(req.ServiceRequired),
		Priority:         priority,
		Payload:          req.Payload,
		Requirements:     req.Requirements,
		CustomerID:       req.CustomerID,
		WorkflowID:       req.WorkflowID,
		WorkflowPriority: req.WorkflowPriority,
		WorkflowDatetime: req.WorkflowDatetime,
		StepNumber:       req.StepNumber,
		MaxRetries:       maxRetries,
		CreatedAt:        nowMS(),
		Status:           StatusQueued,
	}

	err := b.withTx(ctx, func(tx *sql.Tx, events *[]Event) error {
		if max := b.cfg.MaxQueueDepth; max > 0 {
			depth, err := b.store.CountQueued(ctx, tx)
			if err != nil {
				return err
			}
			if depth >= int64(max) {
				return errors.Wrapf(errors.ErrQueueFull,
					"queue depth %d is at the configured maximum %d", depth, max)
			}
		}
		if err := b.store.InsertJob(ctx, tx, job); err != nil {
			return err
		}
		*events = append(*events, Event{Type: EventJobQueued, Job: job})
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.QueueInfow("Job queued",
		"job_id", job.ID,
		"service", job.ServiceRequired,
		"priority", job.Priority)
	return job, nil
}

// ClaimNext atomically hands the best eligible queued job to the worker.
// A nil job with a reason means nothing matched. Jobs skipped only
// because this worker failed them last get their marker cleared, so the
// next pull can retry them; that is the whole lifetime of the marker.
func (b *Broker) ClaimNext(ctx context.Context, workerID string) (*Job, string, error) {
	var (
		claimed *Job
		reason  string
	)

	for attempt := 0; ; attempt++ {
		claimed, reason = nil, ""
		err := b.withTx(ctx, func(tx *sql.Tx, events *[]Event) error {
			worker, err := b.store.getWorker(ctx, tx, workerID)
			if err != nil {
				return err
			}
			if !worker.HasCapacity() {
				reason = "worker at capacity"
				return nil
			}

			candidates, err := b.store.CandidateJobs(ctx, tx, b.cfg.MatchScanLimit)
			if err != nil {
				return err
			}
			if len(candidates) == 0 {
				reason = "queue empty"
				return nil
			}

			now := nowMS()
			var clearMarkers []string
			for _, job := range candidates {
				v := Eligible(job, worker)
				if !v.OK {
					if v.Reason == ReasonLastFailed {
						clearMarkers = append(clearMarkers, job.ID)
					}
					continue
				}

				ok, err := b.store.ClaimJob(ctx, tx, job.ID, workerID, now)
				if err != nil {
					return err
				}
				if !ok {
					// Row changed under the scan; treat like ineligible.
					continue
				}

				job.Status = StatusAssigned
				job.WorkerID = workerID
				job.AssignedAt = now
				claimed = job
				break
			}

			if claimed != nil {
				jobs := append(append([]string{}, worker.CurrentJobIDs...), claimed.ID)
				if err := b.store.SetWorkerJobs(ctx, tx, workerID, jobs, WorkerBusy); err != nil {
					return err
				}
				*events = append(*events, Event{Type: EventJobAssigned, Job: claimed})
			} else {
				reason = "no eligible job"
			}

			// The skip these markers bought has now happened.
			for _, id := range clearMarkers {
				if _, err := tx.ExecContext(ctx,
					`UPDATE jobs SET last_failed_worker = '' WHERE id = ? AND status = ?`,
					id, string(StatusQueued)); err != nil {
					return errors.Wrapf(err, "clearing retry marker for %s", id)
				}
			}
			return nil
		})

		if err == nil {
			break
		}
		if isBusy(err) && attempt < claimRetries {
			time.Sleep(time.Duration(10+rand.Intn(40)) * time.Millisecond)
			continue
		}
		return nil, "", err
	}

	if claimed != nil {
		logger.QueueInfow("Job assigned",
			"job_id", claimed.ID,
			"worker_id", workerID,
			"service", claimed.ServiceRequired)
	}
	return claimed, reason, nil
}

// Accept confirms an assignment inside the accept window.
func (b *Broker) Accept(ctx context.Context, jobID, workerID string) (*Job, error) {
	var job *Job
	err := b.withTx(ctx, func(tx *sql.Tx, events *[]Event) error {
		var err error
		job, err = b.store.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		ok, err := b.store.MarkAccepted(ctx, tx, jobID, workerID, nowMS())
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(errors.ErrConflict,
				"job %s is %s, not assigned to %s", jobID, job.Status, workerID)
		}
		job.Status = StatusAccepted
		*events = append(*events, Event{Type: EventJobAccepted, Job: job})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Progress records a frame. Frames for terminal jobs, or from a worker
// that no longer owns the job, are dropped: the stream is lossy by
// contract and a stale worker learns its fate from the next message
// exchange, not from here.
func (b *Broker) Progress(ctx context.Context, frame *ProgressFrame) (bool, error) {
	if frame == nil || frame.JobID == "" {
		return false, errors.Wrap(errors.ErrInvalidRequest, "progress frame missing job id")
	}
	if frame.Timestamp == 0 {
		frame.Timestamp = nowMS()
	}

	job, err := b.store.GetJob(ctx, frame.JobID)
	if err != nil {
		return false, err
	}
	if job.Terminal() {
		return false, nil
	}
	if frame.WorkerID != "" && job.WorkerID != "" && frame.WorkerID != job.WorkerID {
		logger.QueueDebugw("Dropping progress from stale worker",
			"job_id", frame.JobID,
			"frame_worker", frame.WorkerID,
			"owner", job.WorkerID)
		return false, nil
	}

	// A first frame from the owner doubles as the start signal.
	if job.Status == StatusAssigned || job.Status == StatusAccepted {
		started, err := b.store.MarkStarted(ctx, b.store.db, job.ID, job.WorkerID, frame.Timestamp)
		if err != nil {
			return false, err
		}
		if started {
			job.Status = StatusInProgress
			b.notifier.Publish(Event{Type: EventJobStarted, Job: job})
		}
	}

	if _, err := b.store.InsertProgress(ctx, frame); err != nil {
		return false, err
	}
	if err := b.store.TouchProgress(ctx, b.store.db, job.ID, frame.Timestamp); err != nil {
		return false, err
	}

	b.notifier.Publish(Event{Type: EventJobProgress, Job: job, Frame: frame})
	return true, nil
}

// Start moves an assigned or accepted job into execution explicitly.
func (b *Broker) Start(ctx context.Context, jobID, workerID string) (*Job, error) {
	var job *Job
	err := b.withTx(ctx, func(tx *sql.Tx, events *[]Event) error {
		var err error
		job, err = b.store.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		ok, err := b.store.MarkStarted(ctx, tx, jobID, workerID, nowMS())
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(errors.ErrConflict,
				"job %s is %s, cannot start", jobID, job.Status)
		}
		job.Status = StatusInProgress
		*events = append(*events, Event{Type: EventJobStarted, Job: job})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Complete records terminal success. Completing a job that is already
// terminal is a no-op and reports changed=false; a completion from a
// worker that lost ownership is refused.
func (b *Broker) Complete(ctx context.Context, jobID, workerID string, result json.RawMessage) (*Job, bool, error) {
	var (
		job     *Job
		changed bool
	)
	err := b.withTx(ctx, func(tx *sql.Tx, events *[]Event) error {
		var err error
		job, err = b.store.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Terminal() {
			return nil
		}
		if workerID != "" && job.WorkerID != workerID {
			return errors.Wrapf(errors.ErrConflict,
				"job %s is owned by %q, not %q", jobID, job.WorkerID, workerID)
		}

		ok, err := b.store.CompleteJob(ctx, tx, jobID, result, nowMS())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if err := b.dropFromWorkerTx(ctx, tx, job.WorkerID, jobID); err != nil {
			return err
		}
		if job.WorkerID != "" {
			if err := b.store.BumpWorkerCounters(ctx, tx, job.WorkerID, 1, 0); err != nil {
				return err
			}
		}

		changed = true
		job.Status = StatusCompleted
		job.Result = result
		job.CompletedAt = nowMS()
		*events = append(*events, Event{Type: EventJobCompleted, Job: job})
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	if changed {
		logger.QueueInfow("Job completed", "job_id", jobID, "worker_id", workerID)
	}
	return job, changed, nil
}

// Fail records a failure. With retry budget left and canRetry set, the
// job goes back in the queue and the failing worker is skipped on the
// next claim round; otherwise the failure is terminal. Failing a
// terminal job is a no-op.
func (b *Broker) Fail(ctx context.Context, jobID, workerID, errMsg string, canRetry bool) (*Job, bool, error) {
	var (
		job     *Job
		changed bool
	)
	err := b.withTx(ctx, func(tx *sql.Tx, events *[]Event) error {
		var err error
		job, err = b.store.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Terminal() {
			return nil
		}
		if workerID != "" && job.WorkerID != "" && job.WorkerID != workerID {
			return errors.Wrapf(errors.ErrConflict,
				"job %s is owned by %q, not %q", jobID, job.WorkerID, workerID)
		}

		changed = true
		return b.failTx(ctx, tx, events, job, workerID, errMsg, canRetry, StatusFailed)
	})
	if err != nil {
		return nil, false, err
	}
	return job, changed, nil
}

// failTx applies failure semantics to a loaded, non-terminal job: the
// attempt is counted, then the job is either requeued or finished under
// the given terminal status. Mutates job to the outcome state.
func (b *Broker) failTx(ctx context.Context, tx *sql.Tx, events *[]Event, job *Job, workerID, errMsg string, canRetry bool, terminal Status) error {
	retryCount := job.RetryCount + 1
	now := nowMS()

	if err := b.dropFromWorkerTx(ctx, tx, job.WorkerID, job.ID); err != nil {
		return err
	}
	if job.WorkerID != "" {
		if err := b.store.BumpWorkerCounters(ctx, tx, job.WorkerID, 0, 1); err != nil {
			return err
		}
	}

	if canRetry && retryCount <= job.MaxRetries {
		ok, err := b.store.RequeueJob(ctx, tx, job.ID, workerID, retryCount, errMsg)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Wrapf(errors.ErrConflict, "job %s left the active set", job.ID)
		}
		job.Status = StatusQueued
		job.WorkerID = ""
		job.LastFailedWorker = workerID
		job.RetryCount = retryCount
		job.Error = errMsg
		*events = append(*events, Event{Type: EventJobRequeued, Job: job})

		logger.QueueInfow("Job requeued after failure",
			"job_id", job.ID,
			"retry", retryCount,
			"max_retries", job.MaxRetries,
			"error", errMsg)
		return nil
	}

	ok, err := b.store.TerminalFail(ctx, tx, job.ID, errMsg, terminal, retryCount, now)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(errors.ErrConflict, "job %s left the active set", job.ID)
	}
	job.Status = terminal
	job.RetryCount = retryCount
	job.Error = errMsg
	job.FailedAt = now
	*events = append(*events, Event{Type: EventJobFailed, Job: job})

	logger.QueueWarnw("Job failed terminally",
		"job_id", job.ID,
		"status", string(terminal),
		"retries", retryCount,
		"error", errMsg)
	return nil
}

// Release hands an active job back to the queue. With failed=false (a
// graceful worker shutdown) the retry budget is untouched; the releasing
// worker is still skipped on the job's next claim round either way.
func (b *Broker) Release(ctx context.Context, jobID, workerID, reason string, failed bool) (*Job, error) {
	var job *Job
	err := b.withTx(ctx, func(tx *sql.Tx, events *[]Event) error {
		var err error
		job, err = b.store.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if !job.Status.Active() {
			return nil
		}
		if workerID != "" && job.WorkerID != "" && job.WorkerID != workerID {
			return errors.Wrapf(errors.ErrConflict,
				"job %s is owned by %q, not %q", jobID, job.WorkerID, workerID)
		}
		return b.releaseTx(ctx, tx, events, job, reason, failed, StatusFailed)
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

// releaseTx requeues a loaded active job, or fails it when failure
// semantics apply and the budget is gone.
func (b *Broker) releaseTx(ctx context.Context, tx *sql.Tx, events *[]Event, job *Job, reason string, failed bool, terminal Status) error {
	if failed {
		return b.failTx(ctx, tx, events, job, job.WorkerID, reason, true, terminal)
	}

	if err := b.dropFromWorkerTx(ctx, tx, job.WorkerID, job.ID); err != nil {
		return err
	}
	ok, err := b.store.RequeueJob(ctx, tx, job.ID, job.WorkerID, job.RetryCount, reason)
	if err != nil {
		return err
	}
	if !ok {
		return errors.Wrapf(errors.ErrConflict, "job %s left the active set", job.ID)
	}
	prev := job.WorkerID
	job.Status = StatusQueued
	job.LastFailedWorker = prev
	job.WorkerID = ""
	job.Error = reason
	*events = append(*events, Event{Type: EventJobRequeued, Job: job})

	logger.QueueInfow("Job released",
		"job_id", job.ID,
		"worker_id", prev,
		"reason", reason)
	return nil
}

// CancelOutcome reports what Cancel did.
type CancelOutcome struct {
	Job        *Job
	PrevWorker string
	Cancelled  bool
}

// Cancel terminates any non-terminal job. Cancelling a terminal job is a
// no-op that reports Cancelled=false, and later completions or failures
// of a cancelled job are themselves no-ops: cancel wins.
func (b *Broker) Cancel(ctx context.Context, jobID, reason string) (*CancelOutcome, error) {
	outcome := &CancelOutcome{}
	err := b.withTx(ctx, func(tx *sql.Tx, events *[]Event) error {
		job, err := b.store.getJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		outcome.Job = job
		if job.Terminal() {
			return nil
		}

		outcome.PrevWorker = job.WorkerID
		ok, err := b.store.CancelJobRow(ctx, tx, jobID, reason, nowMS())
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := b.dropFromWorkerTx(ctx, tx, outcome.PrevWorker, jobID); err != nil {
			return err
		}

		job.Status = StatusCancelled
		job.WorkerID = ""
		job.Error = reason
		outcome.Cancelled = true
		*events = append(*events, Event{Type: EventJobCancelled, Job: job})
		return nil
	})
	if err != nil {
		return nil, err
	}

	if outcome.Cancelled {
		logger.QueueInfow("Job cancelled",
			"job_id", jobID,
			"reason", reason,
			"was_running_on", outcome.PrevWorker)
	}
	return outcome, nil
}

// dropFromWorkerTx removes a job from a worker's running set, flipping
// the worker back to idle when the set empties. Missing workers are fine;
// the job may outlive its worker's registration.
func (b *Broker) dropFromWorkerTx(ctx context.Context, tx *sql.Tx, workerID, jobID string) error {
	if workerID == "" {
		return nil
	}
	worker, err := b.store.getWorker(ctx, tx, workerID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return nil
		}
		return err
	}

	jobs := make([]string, 0, len(worker.CurrentJobIDs))
	for _, id := range worker.CurrentJobIDs {
		if id != jobID {
			jobs = append(jobs, id)
		}
	}
	status := worker.Status
	if len(jobs) == 0 && status == WorkerBusy {
		status = WorkerIdle
	}
	return b.store.SetWorkerJobs(ctx, tx, workerID, jobs, status)
}

// RegisterWorker upserts a worker registry row and announces the change.
func (b *Broker) RegisterWorker(ctx context.Context, w *Worker) error {
	if w.ID == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "worker id is required")
	}
	if len(w.Capabilities.Services) == 0 {
		return errors.Wrapf(errors.ErrInvalidRequest,
			"worker %s advertises no services", w.ID)
	}

	now := nowMS()
	if w.ConnectedAt == 0 {
		w.ConnectedAt = now
	}
	w.LastHeartbeat = now
	if w.Status == "" {
		w.Status = WorkerIdle
	}

	err := b.withTx(ctx, func(tx *sql.Tx, events *[]Event) error {
		if err := b.store.UpsertWorker(ctx, tx, w); err != nil {
			return err
		}
		*events = append(*events, Event{Type: EventWorkerChange, Worker: w})
		return nil
	})
	if err != nil {
		return err
	}

	logger.SymbolInfow(sym.Worker, "Worker registered",
		"worker_id", w.ID,
		"services", strings.Join(w.Capabilities.Services, ","),
		"max_concurrent", w.Capabilities.MaxConcurrentJobs)
	return nil
}

// Heartbeat refreshes worker presence and publishes the change.
func (b *Broker) Heartbeat(ctx context.Context, workerID string, status WorkerState, jobIDs []string, ttl time.Duration) error {
	now := nowMS()
	expires := now + ttl.Milliseconds()
	if err := b.store.UpdateWorkerPresence(ctx, workerID, status, jobIDs, now, expires); err != nil {
		return err
	}
	return nil
}

// WorkerShutdown releases everything a departing worker holds, without
// charging the jobs' retry budgets, and marks the worker offline.
func (b *Broker) WorkerShutdown(ctx context.Context, workerID, reason string) ([]string, error) {
	if reason == "" {
		reason = "worker shutdown"
	}

	jobs, err := b.store.JobsOwnedBy(ctx, workerID)
	if err != nil {
		return nil, err
	}

	var released []string
	err = b.withTx(ctx, func(tx *sql.Tx, events *[]Event) error {
		for _, job := range jobs {
			if err := b.releaseTx(ctx, tx, events, job, reason, false, StatusFailed); err != nil {
				return err
			}
			released = append(released, job.ID)
		}
		if err := b.store.MarkWorkerOffline(ctx, tx, workerID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.SymbolInfow(sym.QueueClose, "Worker shut down",
		"worker_id", workerID,
		"released_jobs", len(released))
	return released, nil
}

// DetectOrphans finds workers whose presence lapsed, releases their jobs
// with failure semantics, and marks them offline. Returns the ids of the
// jobs it released or failed.
func (b *Broker) DetectOrphans(ctx context.Context) ([]string, error) {
	expired, err := b.store.ExpiredWorkers(ctx, nowMS())
	if err != nil {
		return nil, err
	}
	if len(expired) == 0 {
		return nil, nil
	}

	var orphaned []string
	for _, w := range expired {
		jobs, err := b.store.JobsOwnedBy(ctx, w.ID)
		if err != nil {
			return orphaned, err
		}

		err = b.withTx(ctx, func(tx *sql.Tx, events *[]Event) error {
			for _, job := range jobs {
				if err := b.releaseTx(ctx, tx, events, job, "worker presence expired", true, StatusFailed); err != nil {
					return err
				}
				orphaned = append(orphaned, job.ID)
			}
			return b.store.MarkWorkerOffline(ctx, tx, w.ID)
		})
		if err != nil {
			return orphaned, err
		}

		logger.QueueWarnw("Worker presence expired",
			"worker_id", w.ID,
			"orphaned_jobs", len(jobs))
		b.notifier.Publish(Event{Type: EventWorkerChange, Worker: w})
	}
	return orphaned, nil
}

// SweepTimeouts requeues assigned jobs whose accept window lapsed and
// times out running jobs that went silent. Both count against the retry
// budget: a worker that goes quiet looks exactly like one that failed.
func (b *Broker) SweepTimeouts(ctx context.Context) (int, error) {
	now := nowMS()
	swept := 0

	stale, err := b.store.StaleAssigned(ctx, now-b.cfg.AssignTimeout().Milliseconds())
	if err != nil {
		return 0, err
	}
	for _, job := range stale {
		err := b.withTx(ctx, func(tx *sql.Tx, events *[]Event) error {
			fresh, err := b.store.getJob(ctx, tx, job.ID)
			if err != nil {
				return err
			}
			if fresh.Status != StatusAssigned {
				return nil
			}
			swept++
			return b.releaseTx(ctx, tx, events, fresh, "assignment not accepted in time", true, StatusTimeout)
		})
		if err != nil {
			return swept, err
		}
	}

	silent, err := b.store.StaleInProgress(ctx, now-b.cfg.ProgressTimeout().Milliseconds())
	if err != nil {
		return swept, err
	}
	for _, job := range silent {
		err := b.withTx(ctx, func(tx *sql.Tx, events *[]Event) error {
			fresh, err := b.store.getJob(ctx, tx, job.ID)
			if err != nil {
				return err
			}
			if fresh.Status != StatusAccepted && fresh.Status != StatusInProgress {
				return nil
			}
			swept++
			return b.releaseTx(ctx, tx, events, fresh, "no progress within timeout", true, StatusTimeout)
		})
		if err != nil {
			return swept, err
		}
	}

	return swept, nil
}

// SetServiceJobID records the downstream id for a proxied job.
func (b *Broker) SetServiceJobID(ctx context.Context, jobID, serviceJobID string) error {
	return b.store.SetServiceJobID(ctx, jobID, serviceJobID)
}

// Get returns one job.
func (b *Broker) Get(ctx context.Context, jobID string) (*Job, error) {
	return b.store.GetJob(ctx, jobID)
}

// List returns jobs under a filter.
func (b *Broker) List(ctx context.Context, f JobFilter) ([]*Job, error) {
	return b.store.ListJobs(ctx, f)
}

// QueuePosition returns a queued job's 1-based rank, 0 if not queued.
func (b *Broker) QueuePosition(ctx context.Context, jobID string) (int, error) {
	return b.store.QueuePosition(ctx, jobID)
}

// ProgressHistory returns a job's progress stream after a sequence.
func (b *Broker) ProgressHistory(ctx context.Context, jobID string, afterSeq int64, limit int) ([]*ProgressFrame, error) {
	return b.store.ProgressHistory(ctx, jobID, afterSeq, limit)
}

// Workers returns the worker registry.
func (b *Broker) Workers(ctx context.Context) ([]*Worker, error) {
	return b.store.ListWorkers(ctx)
}

// Machines returns live machine snapshots.
func (b *Broker) Machines(ctx context.Context) ([]*Machine, error) {
	return b.store.ListMachines(ctx, nowMS())
}

// RecordMachine stores a machine snapshot and announces it.
func (b *Broker) RecordMachine(ctx context.Context, m *Machine) error {
	if m.ID == "" {
		return errors.Wrap(errors.ErrInvalidRequest, "machine id is required")
	}
	if m.PublishedAt == 0 {
		m.PublishedAt = nowMS()
	}
	if m.ExpiresAt == 0 {
		m.ExpiresAt = m.PublishedAt + (3 * time.Minute).Milliseconds()
	}
	if err := b.store.UpsertMachine(ctx, m); err != nil {
		return err
	}
	b.notifier.Publish(Event{Type: EventMachineChange, Machine: m})
	return nil
}

// Stats assembles the queue snapshot.
func (b *Broker) Stats(ctx context.Context) (*Stats, error) {
	counts, err := b.store.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	workers, err := b.store.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}

	now := nowMS()
	stats := &Stats{
		QueueDepth:  counts[string(StatusQueued)],
		ByStatus:    counts,
		GeneratedAt: now,
	}
	for _, w := range workers {
		if w.Status == WorkerOffline || w.PresenceExpired(now) {
			continue
		}
		stats.WorkersTotal++
		switch w.Status {
		case WorkerIdle:
			stats.WorkersIdle++
		case WorkerBusy:
			stats.WorkersBusy++
		}
	}

	if oldest, err := b.store.OldestQueuedAt(ctx); err == nil && oldest > 0 {
		stats.OldestQueuedMS = now - oldest
	}
	return stats, nil
}

// PurgeExpired applies retention: terminal jobs past the configured
// retention window and machine snapshots long expired.
func (b *Broker) PurgeExpired(ctx context.Context) (int64, error) {
	var purged int64
	if b.cfg.RetentionDays > 0 {
		cutoff := nowMS() - int64(b.cfg.RetentionDays)*24*time.Hour.Milliseconds()
		n, err := b.store.PurgeTerminalBefore(ctx, cutoff)
		if err != nil {
			return 0, err
		}
		purged = n
	}

	if _, err := b.store.PurgeMachinesBefore(ctx, nowMS()-(10*time.Minute).Milliseconds()); err != nil {
		return purged, err
	}
	return purged, nil
}
