// Package sym defines canonical symbols for weft subsystems and lifecycle
// markers. These symbols are stable across log output, CLI, and documentation.
package sym

// Subsystem symbols.
const (
	Queue      = "꩜" // job queue, matching, retry management
	QueueOpen  = "✿" // graceful startup with orphaned job recovery
	QueueClose = "❀" // graceful shutdown with checkpoint preservation
	DB         = "⊔" // storage layer
	Wire       = "⇌" // websocket transport and chunked messages
	Worker     = "⌬" // worker runtime and connectors
	Machine    = "⍟" // machine status aggregation
)

// Names maps each glyph to the short subsystem name used in logs and docs.
var Names = map[string]string{
	Queue:      "queue",
	QueueOpen:  "queue-open",
	QueueClose: "queue-close",
	DB:         "db",
	Wire:       "wire",
	Worker:     "worker",
	Machine:    "machine",
}

// Descriptions provides human-readable explanations for tooltip and help text.
var Descriptions = map[string]string{
	Queue:      "Job queue — matching, retries, lifecycle",
	QueueOpen:  "Graceful startup with orphaned job recovery",
	QueueClose: "Graceful shutdown with checkpoint preservation",
	DB:         "Storage layer",
	Wire:       "WebSocket transport and chunked messages",
	Worker:     "Worker runtime and connectors",
	Machine:    "Machine status aggregation",
}

// Name returns the short subsystem name for a glyph, or "" if unknown.
func Name(glyph string) string {
	return Names[glyph]
}
