package wire

import (
	"encoding/json"

	"github.com/teranos/weft/queue"
)

// Message type tags. The server dispatches on these; unknown tags get an
// error reply, never a dropped connection.
const (
	// Client → server
	TypeSubmitJob     = "submit_job"
	TypeCancelJob     = "cancel_job" // also server → worker
	TypeSubscribeJob  = "subscribe_job"
	TypeUnsubscribe   = "unsubscribe_job"
	TypeSyncJobState  = "sync_job_state"
	TypeMachineStatus = "machine_status"

	// Worker → server
	TypeRegisterWorker  = "register_worker"
	TypeRequestJob      = "request_job"
	TypeWorkerHeartbeat = "worker_heartbeat"
	TypeWorkerStatus    = "worker_status"
	TypeUpdateProgress  = "update_job_progress"
	TypeAcceptJob       = "accept_job"
	TypeCompleteJob     = "complete_job"
	TypeFailJob         = "fail_job"
	TypeReleaseJob      = "release_job"
	TypeServiceRequest  = "service_request"
	TypeWorkerShutdown  = "worker_shutdown"

	// Server → peer
	TypeWelcome       = "welcome"
	TypeRegisterAck   = "register_ack"
	TypeJobAssignment = "job_assignment"
	TypeNoJob         = "no_job"
	TypeJobAvailable  = "job_available"
	TypeJobSubmitted  = "job_submitted"
	TypeJobCompleted  = "job_completed"
	TypeJobFailed     = "job_failed"
	TypeJobCancelled  = "job_cancelled"
	TypeJobProgress   = "job_progress"
	TypeStats         = "stats_broadcast"
	TypeStateSnapshot = "full_state_snapshot"
	TypeError         = "error"

	// Both directions
	TypePing  = "ping"
	TypePong  = "pong"
	TypeChunk = "chunk"
)

// CancelJobPayload travels client → server to request cancellation, and
// server → worker to propagate it to the job's current owner.
type CancelJobPayload struct {
	JobID  string `json:"job_id"`
	Reason string `json:"reason,omitempty"`
}

// SubscribeJobPayload subscribes the sending client to a job's progress
// and completion events. The same shape serves unsubscribe_job.
type SubscribeJobPayload struct {
	JobID string `json:"job_id"`
}

// SyncJobStatePayload asks the server for the current state of the given
// jobs, typically after a client reconnect. An empty list means all jobs
// the client has subscribed to on this connection.
type SyncJobStatePayload struct {
	JobIDs []string `json:"job_ids,omitempty"`
}

// RegisterWorkerPayload announces a worker and its capabilities. Services
// are sent as advertised; the server expands type tags through the tag map
// before matching.
type RegisterWorkerPayload struct {
	WorkerID     string             `json:"worker_id"`
	MachineID    string             `json:"machine_id,omitempty"`
	Name         string             `json:"name,omitempty"`
	Version      string             `json:"version,omitempty"`
	Capabilities queue.Capabilities `json:"capabilities"`
}

// RequestJobPayload is a worker pulling for work. The server answers with
// job_assignment or no_job on the same connection.
type RequestJobPayload struct {
	WorkerID string `json:"worker_id"`
}

// SystemInfo is the hardware sample a worker attaches to heartbeats.
type SystemInfo struct {
	Hostname      string  `json:"hostname,omitempty"`
	Platform      string  `json:"platform,omitempty"`
	CPUCores      int     `json:"cpu_cores,omitempty"`
	CPUPercent    float64 `json:"cpu_percent,omitempty"`
	MemoryTotalMB uint64  `json:"memory_total_mb,omitempty"`
	MemoryPercent float64 `json:"memory_percent,omitempty"`
	UptimeSeconds uint64  `json:"uptime_seconds,omitempty"`
}

// WorkerHeartbeatPayload refreshes worker presence. CurrentJobIDs lets the
// server cross-check its own view of the worker's running set.
type WorkerHeartbeatPayload struct {
	WorkerID      string      `json:"worker_id"`
	Status        string      `json:"status"`
	CurrentJobIDs []string    `json:"current_job_ids,omitempty"`
	System        *SystemInfo `json:"system,omitempty"`
}

// WorkerStatusPayload reports a worker state change outside the heartbeat
// cadence, e.g. entering error state after a connector health check fails.
type WorkerStatusPayload struct {
	WorkerID string `json:"worker_id"`
	Status   string `json:"status"`
	Detail   string `json:"detail,omitempty"`
}

// AcceptJobPayload confirms an assignment. Until this arrives the job sits
// in assigned and the accept window is running.
type AcceptJobPayload struct {
	JobID    string `json:"job_id"`
	WorkerID string `json:"worker_id"`
}

// CompleteJobPayload carries a terminal success and its result document.
type CompleteJobPayload struct {
	JobID    string          `json:"job_id"`
	WorkerID string          `json:"worker_id"`
	Result   json.RawMessage `json:"result,omitempty"`
}

// FailJobPayload carries a failure. CanRetry distinguishes transient
// failures (requeue if budget remains) from terminal ones.
type FailJobPayload struct {
	JobID    string `json:"job_id"`
	WorkerID string `json:"worker_id"`
	Error    string `json:"error"`
	CanRetry bool   `json:"can_retry"`
}

// ReleaseJobPayload hands a job back without failing it, e.g. during
// graceful worker shutdown.
type ReleaseJobPayload struct {
	JobID    string `json:"job_id"`
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

// ServiceRequestPayload reports the downstream service's own job id for a
// proxied job, so status can be correlated across systems.
type ServiceRequestPayload struct {
	JobID        string `json:"job_id"`
	WorkerID     string `json:"worker_id"`
	ServiceJobID string `json:"service_job_id"`
}

// WorkerShutdownPayload announces a graceful worker exit. The server
// releases the worker's in-flight jobs back to the queue.
type WorkerShutdownPayload struct {
	WorkerID string `json:"worker_id"`
	Reason   string `json:"reason,omitempty"`
}

// WelcomePayload is the first message on every accepted connection.
type WelcomePayload struct {
	ConnectionID  string `json:"connection_id"`
	ServerVersion string `json:"server_version"`
	ServerTime    int64  `json:"server_time"`
}

// RegisterAckPayload confirms worker registration and echoes the expanded
// service list the matcher will use.
type RegisterAckPayload struct {
	WorkerID           string   `json:"worker_id"`
	ExpandedServices   []string `json:"expanded_services"`
	PresenceTTLSeconds int      `json:"presence_ttl_seconds"`
}

// JobAssignmentPayload hands a claimed job to the worker that requested it.
type JobAssignmentPayload struct {
	Job *queue.Job `json:"job"`
}

// NoJobPayload answers request_job when nothing eligible is queued.
type NoJobPayload struct {
	Reason string `json:"reason,omitempty"`
}

// JobAvailablePayload nudges idle workers that new work arrived. It names
// the service so workers can skip pulls they cannot serve.
type JobAvailablePayload struct {
	JobID           string `json:"job_id"`
	ServiceRequired string `json:"service_required"`
}

// JobEventPayload carries a job snapshot for job_submitted, job_completed,
// job_failed, and job_cancelled notifications.
type JobEventPayload struct {
	Job *queue.Job `json:"job"`
}

// ConnectionCounts breaks the fabric's connections down by kind.
type ConnectionCounts struct {
	Clients  int `json:"clients"`
	Workers  int `json:"workers"`
	Monitors int `json:"monitors"`
}

// StatsPayload is the periodic broadcast to monitor connections. It is a
// point-in-time snapshot and may lag the queue by up to one interval.
type StatsPayload struct {
	Queue       *queue.Stats     `json:"queue"`
	Workers     []*queue.Worker  `json:"workers,omitempty"`
	Machines    []*queue.Machine `json:"machines,omitempty"`
	Connections ConnectionCounts `json:"connections"`
	GeneratedAt int64            `json:"generated_at"`
}

// StateSnapshotPayload answers sync_job_state with current job records.
type StateSnapshotPayload struct {
	Jobs []*queue.Job `json:"jobs"`
}

// ErrorPayload reports a handler failure back to the sender. RefID is the
// envelope id of the message that caused it, when known.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	RefID   string `json:"ref_id,omitempty"`
}

// Error codes used in ErrorPayload.Code.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeConflict       = "conflict"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal"
	CodeRateLimited    = "rate_limited"
	CodeUnsupported    = "unsupported_type"
	CodeVersionTooOld  = "version_too_old"
)

// NewError builds an error envelope answering the message with refID.
func NewError(code, message, refID string) *Envelope {
	return MustNew(TypeError, ErrorPayload{Code: code, Message: message, RefID: refID})
}

// NewPong answers a ping.
func NewPong() *Envelope {
	return MustNew(TypePong, nil)
}
