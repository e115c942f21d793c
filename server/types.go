package server

import "time"

const (
	// MaxClients limits concurrent WebSocket connections across all kinds.
	MaxClients = 100

	// MaxConnMessageQueueSize is the per-connection outbound queue depth.
	MaxConnMessageQueueSize = 256

	// ShutdownTimeout bounds how long Stop waits for goroutines.
	ShutdownTimeout = 30 * time.Second
)

// ServerState tracks the lifecycle of the server for graceful shutdown.
type ServerState int

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

// connKind distinguishes what a connection is for. Clients submit and
// follow jobs, workers execute them, monitors receive the stats
// broadcast. A client connection becomes a worker when it registers.
type connKind int32

const (
	kindClient connKind = iota
	kindWorker
	kindMonitor
)

// cachedStats is the change-detection snapshot for the stats broadcast.
type cachedStats struct {
	queueDepth int64
	active     int64
	workers    int
	machines   int
	conns      int
}
