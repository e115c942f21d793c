// Package queue implements the weft job queue: the SQLite-backed store,
// the capability matcher, the broker that owns every lifecycle transition,
// and the watchdog that reclaims stuck work.
//
// All state lives in one SQLite database in WAL mode, owned by the server
// process. Writes run inside immediate transactions, so a claim and its
// bookkeeping commit atomically and two workers can never claim the same
// job.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"     // accepted, not yet visible to the matcher
	StatusQueued     Status = "queued"      // waiting for a capable worker
	StatusAssigned   Status = "assigned"    // handed to a worker, accept window running
	StatusAccepted   Status = "accepted"    // worker confirmed, execution imminent
	StatusInProgress Status = "in_progress" // executing, progress frames expected
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether the status ends the lifecycle. Terminal jobs
// never transition again; later completions and failures are no-ops.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether a worker currently owns the job.
func (s Status) Active() bool {
	switch s {
	case StatusAssigned, StatusAccepted, StatusInProgress:
		return true
	}
	return false
}

// ValidStatus reports whether s names a known lifecycle state.
func ValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusQueued, StatusAssigned, StatusAccepted,
		StatusInProgress, StatusCompleted, StatusFailed, StatusTimeout,
		StatusCancelled:
		return true
	}
	return false
}

// IsolationMode controls which workers may serve a customer's jobs.
type IsolationMode string

const (
	IsolationNone   IsolationMode = "none"   // any worker
	IsolationLoose  IsolationMode = "loose"  // worker's own customer or its access list
	IsolationStrict IsolationMode = "strict" // worker's customer must match exactly
)

// ValidIsolation reports whether m is a known isolation mode. Empty is
// valid and means none.
func ValidIsolation(m IsolationMode) bool {
	switch m {
	case "", IsolationNone, IsolationLoose, IsolationStrict:
		return true
	}
	return false
}

// Hardware is the lower-bound resource demand of a job, or the advertised
// capacity of a worker. Zero fields mean no demand / not advertised.
type Hardware struct {
	GPUMemoryGB int `json:"gpu_memory_gb,omitempty"`
	GPUCount    int `json:"gpu_count,omitempty"`
	CPUCores    int `json:"cpu_cores,omitempty"`
	RAMGB       int `json:"ram_gb,omitempty"`
}

// Satisfies reports whether capacity `have` covers demand `want`. Every
// demand field is a lower bound.
func (have Hardware) Satisfies(want Hardware) bool {
	return have.GPUMemoryGB >= want.GPUMemoryGB &&
		have.GPUCount >= want.GPUCount &&
		have.CPUCores >= want.CPUCores &&
		have.RAMGB >= want.RAMGB
}

// Requirements narrows which workers a job will match beyond the service
// tag. All listed components, workflows, and models must be resident on
// the worker.
type Requirements struct {
	Hardware          *Hardware     `json:"hardware,omitempty"`
	Models            []string      `json:"models,omitempty"`
	Components        []string      `json:"components,omitempty"`
	Workflows         []string      `json:"workflows,omitempty"`
	CustomerIsolation IsolationMode `json:"customer_isolation,omitempty"`
}

// Job is the canonical job record. Timestamps are Unix milliseconds; zero
// means the event has not happened.
type Job struct {
	ID              string          `json:"id"`
	ServiceRequired string          `json:"service_required"`
	Priority        int             `json:"priority"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Requirements    *Requirements   `json:"requirements,omitempty"`
	CustomerID      string          `json:"customer_id,omitempty"`

	// Workflow coupling. Jobs born from the same workflow carry its id
	// and scheduling hints; step ordering is the submitter's concern.
	WorkflowID       string `json:"workflow_id,omitempty"`
	WorkflowPriority int    `json:"workflow_priority,omitempty"`
	WorkflowDatetime int64  `json:"workflow_datetime,omitempty"`
	StepNumber       int    `json:"step_number,omitempty"`

	MaxRetries int `json:"max_retries"`
	RetryCount int `json:"retry_count"`

	CreatedAt      int64 `json:"created_at"`
	AssignedAt     int64 `json:"assigned_at,omitempty"`
	StartedAt      int64 `json:"started_at,omitempty"`
	CompletedAt    int64 `json:"completed_at,omitempty"`
	FailedAt       int64 `json:"failed_at,omitempty"`
	LastProgressAt int64 `json:"last_progress_at,omitempty"`

	WorkerID         string `json:"worker_id,omitempty"`
	LastFailedWorker string `json:"last_failed_worker,omitempty"`
	ServiceJobID     string `json:"service_job_id,omitempty"`

	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Seq is the submission counter, assigned by the store. It breaks
	// ties between jobs created in the same millisecond.
	Seq int64 `json:"seq,omitempty"`
}

// Terminal reports whether the job reached a terminal state.
func (j *Job) Terminal() bool {
	return j.Status.Terminal()
}

// RetriesExhausted reports whether another retry would exceed the budget.
func (j *Job) RetriesExhausted() bool {
	return j.RetryCount > j.MaxRetries
}

// NewJobID mints a job id: "j_" followed by a base58-encoded UUID. Short
// enough for logs, unambiguous when double-clicked in a terminal.
func NewJobID() string {
	u := uuid.New()
	return "j_" + base58.Encode(u[:])
}

// SubmitRequest is the submission shape shared by the HTTP API and the
// submit_job message. Nil numeric fields take the configured defaults.
type SubmitRequest struct {
	ServiceRequired  string          `json:"service_required"`
	Priority         *int            `json:"priority,omitempty"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Requirements     *Requirements   `json:"requirements,omitempty"`
	CustomerID       string          `json:"customer_id,omitempty"`
	WorkflowID       string          `json:"workflow_id,omitempty"`
	WorkflowPriority int             `json:"workflow_priority,omitempty"`
	WorkflowDatetime int64           `json:"workflow_datetime,omitempty"`
	StepNumber       int             `json:"step_number,omitempty"`
	MaxRetries       *int            `json:"max_retries,omitempty"`
}

// ProgressFrame is one point on a job's progress stream. Seq is assigned
// by the store in arrival order.
type ProgressFrame struct {
	JobID                 string  `json:"job_id"`
	Seq                   int64   `json:"seq,omitempty"`
	ProgressPct           float64 `json:"progress_pct"`
	Message               string  `json:"message,omitempty"`
	CurrentStep           int     `json:"current_step,omitempty"`
	TotalSteps            int     `json:"total_steps,omitempty"`
	EstimatedCompletionMS int64   `json:"estimated_completion_ms,omitempty"`
	WorkerID              string  `json:"worker_id,omitempty"`
	Timestamp             int64   `json:"timestamp"`
}

// WorkerState is a worker's reported condition.
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerBusy    WorkerState = "busy"
	WorkerOffline WorkerState = "offline"
	WorkerError   WorkerState = "error"
)

// Capabilities is everything the matcher knows about a worker. Services
// holds the expanded tag set by the time it reaches the registry.
type Capabilities struct {
	Services          []string `json:"services"`
	Models            []string `json:"models,omitempty"`
	Components        []string `json:"components,omitempty"`
	Workflows         []string `json:"workflows,omitempty"`
	Hardware          Hardware `json:"hardware"`
	CustomerID        string   `json:"customer_id,omitempty"`
	CustomerAccess    []string `json:"customer_access,omitempty"`
	MaxConcurrentJobs int      `json:"max_concurrent_jobs"`
}

// Worker is a registry row: identity, capabilities, presence, counters.
type Worker struct {
	ID                string       `json:"id"`
	MachineID         string       `json:"machine_id,omitempty"`
	Name              string       `json:"name,omitempty"`
	Version           string       `json:"version,omitempty"`
	Capabilities      Capabilities `json:"capabilities"`
	Status            WorkerState  `json:"status"`
	CurrentJobIDs     []string     `json:"current_job_ids,omitempty"`
	ConnectedAt       int64        `json:"connected_at"`
	LastHeartbeat     int64        `json:"last_heartbeat"`
	PresenceExpiresAt int64        `json:"presence_expires_at"`
	JobsCompleted     int64        `json:"jobs_completed"`
	JobsFailed        int64        `json:"jobs_failed"`
}

// HasCapacity reports whether the worker can take another job.
func (w *Worker) HasCapacity() bool {
	max := w.Capabilities.MaxConcurrentJobs
	if max <= 0 {
		max = 1
	}
	return len(w.CurrentJobIDs) < max
}

// PresenceExpired reports whether the worker missed its heartbeat window.
func (w *Worker) PresenceExpired(now int64) bool {
	return w.PresenceExpiresAt > 0 && now > w.PresenceExpiresAt
}

// MachineState is the aggregate condition of a machine.
type MachineState string

const (
	MachineStarting MachineState = "starting"
	MachineReady    MachineState = "ready"
	MachineDegraded MachineState = "degraded"
	MachineShutdown MachineState = "shutdown"
)

// ServiceHealth is one probed local service on a machine.
type ServiceHealth struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Detail    string `json:"detail,omitempty"`
	CheckedAt int64  `json:"checked_at"`
}

// WorkerSummary is the per-worker slice of a machine snapshot.
type WorkerSummary struct {
	ID          string      `json:"id"`
	Status      WorkerState `json:"status"`
	CurrentJobs int         `json:"current_jobs"`
}

// Machine is a published machine status snapshot. Consumers treat
// snapshots past ExpiresAt as gone.
type Machine struct {
	ID             string          `json:"id"`
	Hostname       string          `json:"hostname,omitempty"`
	Status         MachineState    `json:"status"`
	Services       []ServiceHealth `json:"services,omitempty"`
	Workers        []WorkerSummary `json:"workers,omitempty"`
	CPUPercent     float64         `json:"cpu_percent"`
	MemoryPercent  float64         `json:"memory_percent"`
	MemoryTotalMB  uint64          `json:"memory_total_mb,omitempty"`
	LoadAverage    float64         `json:"load_average,omitempty"`
	StartedAt      int64           `json:"started_at,omitempty"`
	UptimeSeconds  uint64          `json:"uptime_seconds,omitempty"`
	PublishedAt    int64           `json:"published_at"`
	ExpiresAt      int64           `json:"expires_at"`
}

// Stats is the queue-level snapshot served by /api/stats and the stats
// broadcast.
type Stats struct {
	QueueDepth     int64            `json:"queue_depth"`
	ByStatus       map[string]int64 `json:"by_status"`
	WorkersTotal   int              `json:"workers_total"`
	WorkersIdle    int              `json:"workers_idle"`
	WorkersBusy    int              `json:"workers_busy"`
	OldestQueuedMS int64            `json:"oldest_queued_ms,omitempty"`
	GeneratedAt    int64            `json:"generated_at"`
}

// nowMS is the single clock for queue timestamps.
func nowMS() int64 {
	return time.Now().UnixMilli()
}
