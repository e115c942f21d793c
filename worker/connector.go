// Package worker runs jobs on behalf of a weft server. A Runtime holds a
// WebSocket session to the server, pulls work it has capacity for, and
// hands each job to the connector that serves its service tag. Connectors
// are the extension point: the sim connector ships for testing, the exec
// connector runs external commands, and the wasm connector runs WASI
// modules in-process.
package worker

import (
	"context"
	"encoding/json"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/queue"
)

// ProgressSink is handed to a connector for the duration of one job. A
// connector reports progress through it; frames are droppable and a
// missed one is superseded by the next.
type ProgressSink interface {
	// Report sends one progress frame. pct is 0-100; step/totalSteps and
	// etaMS are optional (zero means unknown).
	Report(pct float64, message string, step, totalSteps int, etaMS int64)

	// SetServiceJobID links the job to an id in the downstream system the
	// connector delegated to, so a caller can follow the work there.
	SetServiceJobID(id string)
}

// Connector executes jobs for one or more service tags.
//
// Process must honor ctx: cancellation means the server cancelled the job
// or the session died, and the connector should stop promptly. The error
// a connector returns decides the retry path: wrap transient failures
// with Retryable so the job goes back to the queue for another attempt.
type Connector interface {
	// Name identifies the connector in logs and health output.
	Name() string

	// Capabilities returns what this connector serves. Services must be
	// non-empty; models, components and workflows are optional extras.
	// The runtime merges all connector capabilities into the worker's
	// advertisement.
	Capabilities() queue.Capabilities

	// Initialize prepares the connector (fetch artifacts, compile
	// modules, spawn helpers). Called once before the runtime connects.
	Initialize(ctx context.Context) error

	// Cleanup releases whatever Initialize acquired.
	Cleanup() error

	// HealthCheck reports whether the connector can currently take work.
	HealthCheck(ctx context.Context) error

	// CanProcess reports whether this connector will take the job. The
	// server already matched on service tags; this is the connector's
	// veto on payload shape or local state.
	CanProcess(job *queue.Job) bool

	// Process runs the job and returns its result document.
	Process(ctx context.Context, job *queue.Job, sink ProgressSink) (json.RawMessage, error)

	// Cancel is the out-of-band cancellation hook, called alongside the
	// job context cancellation for connectors that must signal external
	// systems. Connectors with nothing to signal return nil.
	Cancel(jobID string) error
}

// errRetryable marks errors whose failure is transient. Classification
// survives wrapping via errors.Mark.
var errRetryable = errors.New("retryable")

// Retryable marks err as transient so the job is requeued for another
// attempt instead of failing terminally.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return errors.Mark(err, errRetryable)
}

// IsRetryable reports whether err was marked with Retryable.
func IsRetryable(err error) bool {
	return errors.Is(err, errRetryable)
}
