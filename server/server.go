package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/teranos/weft/config"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/queue"
	"github.com/teranos/weft/sym"
)

// Server is the connection fabric: it owns every live WebSocket, routes
// wire messages to broker operations, fans queue events back out to
// subscribers, and serves the HTTP API on the same port.
type Server struct {
	broker *queue.Broker
	cfg    atomic.Pointer[config.Config]

	tags       atomic.Pointer[config.TagMap]
	tagWatcher *config.TagWatcher

	clients    map[*Conn]bool
	register   chan *Conn
	unregister chan *Conn
	mu         sync.RWMutex // guards clients, workers, jobSubs

	workers map[string]*Conn          // worker id -> live connection
	jobSubs map[string]map[*Conn]bool // job id -> connections following it

	handlers map[string]messageHandler

	watchdog *queue.Watchdog

	limiterMu sync.Mutex
	limiters  map[string]*submitLimiter

	httpServer *http.Server

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	state     atomic.Int32
	sendDrops atomic.Int64

	logger *zap.SugaredLogger
}

// NewServer builds a server over an already-open broker.
func NewServer(broker *queue.Broker, cfg *config.Config) (*Server, error) {
	if broker == nil {
		return nil, errors.New("broker cannot be nil")
	}
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	tags, err := config.ResolveTagMap(cfg)
	if err != nil {
		logger.Warnw("Failed to load service tag map, aliases disabled", "error", err)
		tags = &config.TagMap{Types: map[string][]string{}}
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		broker:     broker,
		clients:    make(map[*Conn]bool),
		register:   make(chan *Conn),
		unregister: make(chan *Conn),
		workers:    make(map[string]*Conn),
		jobSubs:    make(map[string]map[*Conn]bool),
		limiters:   make(map[string]*submitLimiter),
		watchdog:   queue.NewWatchdog(broker, cfg.GetQueueConfig()),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger.Logger.Named("server"),
	}
	s.cfg.Store(cfg)
	s.tags.Store(tags)
	s.state.Store(int32(ServerStateRunning))
	s.handlers = s.buildDispatch()
	return s, nil
}

// tagMap returns the tag map currently in force. The watcher swaps the
// pointer on reload, so callers must not hold the result across messages.
func (s *Server) tagMap() *config.TagMap {
	return s.tags.Load()
}

// config returns the configuration currently in force. A reload swaps the
// pointer, so callers must not hold the result across messages.
func (s *Server) config() *config.Config {
	return s.cfg.Load()
}

// ApplyConfig swaps in a reloaded configuration. Rate limits, heartbeat
// windows, the worker version gate, chunk sizing, origin checks, and the
// tag map pick up the new values on their next use. The listen port,
// queue settings, and the stats cadence keep their startup values until
// a restart.
func (s *Server) ApplyConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	old := s.cfg.Swap(cfg)

	if old.Server.SubmitRatePerMinute != cfg.Server.SubmitRatePerMinute {
		// Existing buckets were filled at the old rate; start over.
		s.limiterMu.Lock()
		s.limiters = make(map[string]*submitLimiter)
		s.limiterMu.Unlock()
	}

	if tags, err := config.ResolveTagMap(cfg); err != nil {
		s.logger.Warnw("Tag map reload failed, keeping the previous map", "error", err)
	} else {
		s.tags.Store(tags)
	}

	s.logger.Infow("Configuration applied",
		"submit_rate_per_minute", cfg.Server.SubmitRatePerMinute,
		"min_worker_version", cfg.Server.MinWorkerVersion,
		"heartbeat_interval", cfg.Server.HeartbeatInterval(),
	)
}

// Broker exposes the underlying queue broker.
func (s *Server) Broker() *queue.Broker {
	return s.broker
}

// getState returns the current server state
func (s *Server) getState() ServerState {
	return ServerState(s.state.Load())
}

// setState atomically updates the server state
func (s *Server) setState(newState ServerState) {
	s.state.Store(int32(newState))
	s.logger.Infow("Server state changed", "new_state", stateString(newState))
}

func stateString(state ServerState) string {
	switch state {
	case ServerStateRunning:
		return "running"
	case ServerStateDraining:
		return "draining"
	case ServerStateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// handleConnRegister admits a new connection into the fabric
func (s *Server) handleConnRegister(c *Conn) {
	s.mu.Lock()
	if len(s.clients) >= MaxClients {
		s.mu.Unlock()
		s.logger.Warnw("Max clients reached, rejecting connection",
			"conn_id", c.id,
			"max_clients", MaxClients,
		)
		c.close()
		c.ws.Close()
		return
	}
	s.clients[c] = true
	total := len(s.clients)
	s.mu.Unlock()

	s.logger.Infow("Connection established",
		"conn_id", c.id,
		"kind", c.kindName(),
		"remote", c.remote,
		"total_clients", total,
	)
}

// handleConnUnregister removes a departed connection and everything
// hanging off it: its worker binding and its job subscriptions.
func (s *Server) handleConnUnregister(c *Conn) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)

	workerID := c.workerID()
	if workerID != "" && s.workers[workerID] == c {
		delete(s.workers, workerID)
	}
	for jobID := range c.subs {
		if set := s.jobSubs[jobID]; set != nil {
			delete(set, c)
			if len(set) == 0 {
				delete(s.jobSubs, jobID)
			}
		}
	}
	total := len(s.clients)
	s.mu.Unlock()

	c.close()

	s.logger.Infow("Connection closed",
		"conn_id", c.id,
		"worker_id", workerID,
		"total_clients", total,
	)
}

// removeSlowConn drops a connection whose send queue stayed full for a
// message that may not be silently lost. The peer reconnects and syncs.
func (s *Server) removeSlowConn(c *Conn) {
	s.logger.Warnw("Connection cannot keep up, dropping it",
		"conn_id", c.id,
		"worker_id", c.workerID(),
		"total_drops", s.sendDrops.Load(),
	)
	s.handleConnUnregister(c)
}

// Run is the hub event loop. It owns the clients map's lifecycle events.
func (s *Server) Run() {
	for {
		select {
		case <-s.ctx.Done():
			s.logger.Debugw("Server hub stopping due to context cancellation")
			return
		case c := <-s.register:
			s.handleConnRegister(c)
		case c := <-s.unregister:
			s.handleConnUnregister(c)
		}
	}
}

// bindWorker records the connection as the live channel for a worker id.
// A reconnecting worker displaces its old connection.
func (s *Server) bindWorker(c *Conn, workerID string) {
	s.mu.Lock()
	old := s.workers[workerID]
	s.workers[workerID] = c
	s.mu.Unlock()

	c.promote(workerID)

	if old != nil && old != c {
		s.logger.Infow("Worker reconnected on a new connection, closing the old one",
			"worker_id", workerID,
			"old_conn", old.id,
			"new_conn", c.id,
		)
		s.handleConnUnregister(old)
	}
}

// workerConn returns the live connection for a worker, if any.
func (s *Server) workerConn(workerID string) *Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.workers[workerID]
}

// subscribeJob registers the connection for a job's event stream.
func (s *Server) subscribeJob(c *Conn, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.jobSubs[jobID]
	if set == nil {
		set = make(map[*Conn]bool)
		s.jobSubs[jobID] = set
	}
	set[c] = true
	c.subs[jobID] = true
}

// unsubscribeJob removes the connection from a job's event stream.
func (s *Server) unsubscribeJob(c *Conn, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if set := s.jobSubs[jobID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(s.jobSubs, jobID)
		}
	}
	delete(c.subs, jobID)
}

// jobSubscribers snapshots the connections following a job.
func (s *Server) jobSubscribers(jobID string) []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	set := s.jobSubs[jobID]
	if len(set) == 0 {
		return nil
	}
	conns := make([]*Conn, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	return conns
}

// connCounts reports the fabric's connection breakdown by kind.
func (s *Server) connCounts() (clients, workers, monitors int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for c := range s.clients {
		switch connKind(c.kind.Load()) {
		case kindWorker:
			workers++
		case kindMonitor:
			monitors++
		default:
			clients++
		}
	}
	return clients, workers, monitors
}

// submitLimiter is one client's rate-limit state. lastSeen lets the
// eviction pass drop entries for clients that stopped submitting.
type submitLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// limiterIdleTTL is how long a client's rate-limit entry survives without
// a submission before the eviction pass reclaims it.
const limiterIdleTTL = 10 * time.Minute

// allowSubmit applies the per-client submission rate limit. Zero config
// means unlimited.
func (s *Server) allowSubmit(key string) bool {
	perMinute := s.config().Server.SubmitRatePerMinute
	if perMinute <= 0 {
		return true
	}

	s.limiterMu.Lock()
	sl, ok := s.limiters[key]
	if !ok {
		sl = &submitLimiter{
			lim: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute),
		}
		s.limiters[key] = sl
	}
	sl.lastSeen = time.Now()
	s.limiterMu.Unlock()

	return sl.lim.Allow()
}

// evictIdleLimiters drops rate-limit entries not used since the cutoff.
// Without this the map keeps a bucket for every address and connection
// that ever submitted.
func (s *Server) evictIdleLimiters(cutoff time.Time) int {
	s.limiterMu.Lock()
	defer s.limiterMu.Unlock()

	evicted := 0
	for key, sl := range s.limiters {
		if sl.lastSeen.Before(cutoff) {
			delete(s.limiters, key)
			evicted++
		}
	}
	return evicted
}

// startBackgroundServices starts the fabric pump, the stats broadcaster,
// the tag map watcher, and the queue watchdog.
func (s *Server) startBackgroundServices() {
	s.watchdog.Start(s.ctx)

	tw, err := config.WatchTagMap(s.config(), func(tm *config.TagMap) {
		s.tags.Store(tm)
	})
	if err != nil {
		s.logger.Debugw("Tag map hot-reload disabled", "error", err)
	} else {
		s.tagWatcher = tw
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runEventPump()
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runStatsBroadcaster()
	}()
}

// Start runs the hub, the background services, and the HTTP server. It
// blocks until the HTTP server exits.
func (s *Server) Start(port int) error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.Run()
	}()

	s.startBackgroundServices()

	actualPort, err := findAvailablePort(port)
	if err != nil {
		return errors.Wrap(err, "failed to find available port")
	}
	if actualPort != port {
		s.logger.Infow("Port in use, using alternative",
			"requested_port", port,
			"actual_port", actualPort,
		)
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", actualPort),
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.SymbolInfow(sym.Queue, "Server ready",
		"url", fmt.Sprintf("http://localhost:%d", actualPort),
		"port", actualPort,
	)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the fabric: no new connections, release
// in-flight work back to the queue, stop the sweeps, close everything.
func (s *Server) Stop() error {
	s.logger.Infow("Initiating server shutdown")
	s.setState(ServerStateDraining)

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnw("HTTP server shutdown error", "error", err)
		}
		cancel()
	}

	s.watchdog.Stop()
	if s.tagWatcher != nil {
		s.tagWatcher.Stop()
	}

	// Close the raw sockets first so read pumps unblock before the
	// context falls.
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.clients))
	for c := range s.clients {
		conns = append(conns, c)
		delete(s.clients, c)
	}
	s.workers = make(map[string]*Conn)
	s.jobSubs = make(map[string]map[*Conn]bool)
	s.mu.Unlock()

	if len(conns) > 0 {
		s.logger.Infow("Closing connections", "count", len(conns))
		for _, c := range conns {
			c.ws.Close()
		}
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("All goroutines stopped cleanly")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Goroutine shutdown timed out, forcing exit",
			"timeout", ShutdownTimeout,
		)
	}

	s.setState(ServerStateStopped)
	s.logger.Infow("Server shutdown complete",
		"send_drops", s.sendDrops.Load(),
	)
	return nil
}
