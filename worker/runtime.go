package worker

import (
	"context"
	"math/rand"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/teranos/weft/config"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/queue"
	"github.com/teranos/weft/version"
	"github.com/teranos/weft/wire"
)

const (
	// Reconnect backoff between sessions.
	reconnectInitial = 1 * time.Second
	reconnectMax     = 60 * time.Second
	reconnectFactor  = 2.0
	jitterFraction   = 0.2

	// Idle pull backoff. A job_available nudge resets it.
	pullBackoffMin = 100 * time.Millisecond
	pullBackoffMax = 2 * time.Second

	// An unanswered request_job older than this is presumed lost and
	// asked again.
	pullStall = 10 * time.Second

	registerTimeout = 15 * time.Second

	// How long shutdown waits for connectors to notice cancellation.
	drainGrace = 5 * time.Second
)

// NewWorkerID mints a worker id: "w_" followed by a base58-encoded UUID,
// matching the job id shape.
func NewWorkerID() string {
	u := uuid.New()
	return "w_" + base58.Encode(u[:])
}

// runningJob is one in-flight job: its cancel handle and the connector
// working it.
type runningJob struct {
	job    *queue.Job
	cancel context.CancelFunc
	conn   Connector
}

// Runtime is the worker: it keeps a session to the server, pulls jobs it
// has capacity for, runs them on connectors, and reports the outcomes.
//
// Lifecycle per job: acquire a local slot, send accept_job, process,
// then exactly one of complete_job / fail_job / release_job — or nothing
// when the server cancelled the job, because cancellation is already
// terminal on the server side.
type Runtime struct {
	cfg       config.WorkerConfig
	id        string
	name      string
	machineID string
	caps      queue.Capabilities

	connectors []Connector
	byService  map[string]Connector

	budget   int32
	inFlight atomic.Int32

	// pullPending guards the single outstanding request_job.
	pullPending atomic.Bool
	lastPull    atomic.Int64 // unixnano of the outstanding pull
	nudge       chan struct{}

	// registered reports whether the current session got its
	// register_ack; a session that did resets the reconnect backoff.
	registered atomic.Bool

	mu       sync.Mutex
	running  map[string]*runningJob
	draining bool

	jobs sync.WaitGroup

	fatalMu sync.Mutex
	fatal   error

	log *zap.SugaredLogger
}

// NewRuntime builds a worker from its config and connector set. The
// worker's advertised capabilities are the union of the config and every
// connector's capabilities, with unset hardware figures detected from
// the host.
func NewRuntime(cfg config.WorkerConfig, connectors []Connector) (*Runtime, error) {
	if len(connectors) == 0 {
		return nil, errors.New("worker needs at least one connector")
	}

	id := cfg.ID
	if id == "" {
		id = NewWorkerID()
	}

	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	name := cfg.Name
	if name == "" {
		name = hostname
	}

	budget := cfg.Concurrency
	if budget <= 0 {
		budget = 1
	}

	// The worker type rides in the services list; the server's tag map
	// expands it into concrete service tags at registration.
	services := append([]string(nil), cfg.Services...)
	if cfg.Type != "" {
		services = appendUnique(services, cfg.Type)
	}

	caps := queue.Capabilities{
		Services:   services,
		Components: append([]string(nil), cfg.Components...),
		Workflows:  append([]string(nil), cfg.Workflows...),
		Hardware: queue.Hardware{
			GPUMemoryGB: cfg.GPUMemoryGB,
			GPUCount:    cfg.GPUCount,
			CPUCores:    cfg.CPUCores,
			RAMGB:       cfg.RAMGB,
		},
		CustomerID:        cfg.CustomerID,
		CustomerAccess:    cfg.CustomerAccess,
		MaxConcurrentJobs: budget,
	}

	byService := make(map[string]Connector)
	for _, c := range connectors {
		cc := c.Capabilities()
		caps.Services = appendUnique(caps.Services, cc.Services...)
		caps.Models = appendUnique(caps.Models, cc.Models...)
		caps.Components = appendUnique(caps.Components, cc.Components...)
		caps.Workflows = appendUnique(caps.Workflows, cc.Workflows...)
		for _, svc := range cc.Services {
			if _, taken := byService[svc]; !taken {
				byService[svc] = c
			}
		}
	}
	if len(caps.Services) == 0 {
		return nil, errors.New("worker advertises no services")
	}
	detectHardware(&caps.Hardware)

	return &Runtime{
		cfg:        cfg,
		id:         id,
		name:       name,
		machineID:  hostname,
		caps:       caps,
		connectors: connectors,
		byService:  byService,
		budget:     int32(budget),
		nudge:      make(chan struct{}, 1),
		running:    make(map[string]*runningJob),
		log:        logger.AddWorkerSymbol(logger.Logger).With("worker_id", id),
	}, nil
}

// ID returns the worker id.
func (r *Runtime) ID() string { return r.id }

// Capabilities returns the merged capability advertisement.
func (r *Runtime) Capabilities() queue.Capabilities { return r.caps }

// Run connects to the server and works jobs until ctx is cancelled.
// Connection loss is survived with exponential backoff; only connector
// initialization failure or a server rejection ends the run early.
func (r *Runtime) Run(ctx context.Context) error {
	for i, c := range r.connectors {
		if err := c.Initialize(ctx); err != nil {
			for _, done := range r.connectors[:i] {
				if cerr := done.Cleanup(); cerr != nil {
					r.log.Warnw("Connector cleanup failed", "connector", done.Name(), "error", cerr)
				}
			}
			return errors.Wrapf(err, "initializing connector %s", c.Name())
		}
		r.log.Infow("Connector ready",
			"connector", c.Name(),
			"services", c.Capabilities().Services,
		)
	}
	defer r.cleanupConnectors()

	r.log.Infow("Worker starting",
		"name", r.name,
		"machine_id", r.machineID,
		"services", r.caps.Services,
		"concurrency", r.budget,
		"version", version.Version,
	)

	backoff := reconnectInitial
	for {
		err := r.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if ferr := r.fatalErr(); ferr != nil {
			return ferr
		}

		if r.registered.Load() {
			backoff = reconnectInitial
		}
		wait := jitter(backoff)
		if err != nil {
			r.log.Warnw("Session ended", "error", err, "retry_in", wait)
		} else {
			r.log.Infow("Session closed, reconnecting", "retry_in", wait)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		backoff = nextBackoff(backoff)
	}
}

// connect runs one session: dial, register, then pump heartbeats and
// pulls until the socket dies or ctx ends. A nil return means graceful
// shutdown was completed.
func (r *Runtime) connect(ctx context.Context) error {
	wsURL, err := workerSocketURL(r.cfg.ServerURL, r.id)
	if err != nil {
		r.setFatal(err)
		return err
	}

	s, err := dialSession(wsURL, r.log)
	if err != nil {
		return err
	}

	sessCtx, cancelSess := context.WithCancel(ctx)
	defer cancelSess()

	r.registered.Store(false)
	r.pullPending.Store(false)
	r.mu.Lock()
	r.draining = false
	r.mu.Unlock()

	regAck := make(chan wire.RegisterAckPayload, 1)
	readErr := make(chan error, 1)
	go func() {
		readErr <- s.readLoop(func(env *wire.Envelope) {
			r.handle(sessCtx, s, env, regAck)
		})
	}()

	regEnv, err := wire.New(wire.TypeRegisterWorker, wire.RegisterWorkerPayload{
		WorkerID:     r.id,
		MachineID:    r.machineID,
		Name:         r.name,
		Version:      version.Version,
		Capabilities: r.caps,
	})
	if err != nil {
		s.teardown()
		return err
	}
	if !s.queue(regEnv) {
		s.teardown()
		return errors.New("session closed before registration")
	}

	var ack wire.RegisterAckPayload
	select {
	case <-ctx.Done():
		s.shutdown(nil)
		return nil
	case err := <-readErr:
		s.teardown()
		return errors.Wrap(err, "connection lost before register_ack")
	case <-time.After(registerTimeout):
		s.teardown()
		return errors.New("timed out waiting for register_ack")
	case ack = <-regAck:
	}

	r.registered.Store(true)
	r.log.Infow("Registered with server",
		"services", ack.ExpandedServices,
		"presence_ttl_s", ack.PresenceTTLSeconds,
	)

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		r.heartbeatLoop(sessCtx, s)
	}()
	go func() {
		defer loops.Done()
		r.pullLoop(sessCtx, s)
	}()

	var sessionErr error
	select {
	case <-ctx.Done():
	case sessionErr = <-readErr:
	}

	// Stop intake first so no new job lands mid-drain, then cancel the
	// session context, which the in-flight job contexts derive from.
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()
	cancelSess()
	loops.Wait()

	if sessionErr != nil {
		// The socket is dead: in-flight work cannot report, so the
		// server's orphan detection requeues it when presence lapses.
		s.teardown()
		r.waitJobs(drainGrace)
		r.drainRunning()
		return sessionErr
	}

	r.waitJobs(drainGrace)
	released := r.drainRunning()

	finals := make([]*wire.Envelope, 0, len(released)+1)
	for _, jobID := range released {
		finals = append(finals, wire.MustNew(wire.TypeReleaseJob, wire.ReleaseJobPayload{
			JobID:    jobID,
			WorkerID: r.id,
			Reason:   "worker shutting down",
		}))
	}
	finals = append(finals, wire.MustNew(wire.TypeWorkerShutdown, wire.WorkerShutdownPayload{
		WorkerID: r.id,
		Reason:   "shutdown signal",
	}))
	s.shutdown(finals)

	r.log.Infow("Worker shut down", "released_jobs", len(released))
	return nil
}

// handle dispatches one inbound envelope. It runs on the session's read
// goroutine, so anything slow is spun off.
func (r *Runtime) handle(ctx context.Context, s *session, env *wire.Envelope, regAck chan<- wire.RegisterAckPayload) {
	switch env.Type {
	case wire.TypeWelcome:
		r.log.Debugw("Server welcome")

	case wire.TypeRegisterAck:
		p, err := wire.DecodePayload[wire.RegisterAckPayload](env)
		if err != nil {
			r.log.Warnw("Bad register_ack", "error", err)
			return
		}
		select {
		case regAck <- p:
		default:
		}

	case wire.TypeJobAssignment:
		r.handleAssignment(ctx, s, env)

	case wire.TypeNoJob:
		r.pullPending.Store(false)
		if p, err := wire.DecodePayload[wire.NoJobPayload](env); err == nil && p.Reason != "" {
			r.log.Debugw("No job available", "reason", p.Reason)
		}

	case wire.TypeJobAvailable:
		p, err := wire.DecodePayload[wire.JobAvailablePayload](env)
		if err != nil {
			return
		}
		if p.ServiceRequired == "" || r.byService[p.ServiceRequired] != nil {
			r.wake()
		}

	case wire.TypeCancelJob:
		p, err := wire.DecodePayload[wire.CancelJobPayload](env)
		if err != nil {
			r.log.Warnw("Bad cancel_job", "error", err)
			return
		}
		r.cancelJob(p.JobID, p.Reason)

	case wire.TypePing:
		s.tryQueue(wire.NewPong())

	case wire.TypeError:
		p, err := wire.DecodePayload[wire.ErrorPayload](env)
		if err != nil {
			return
		}
		if p.Code == wire.CodeVersionTooOld {
			r.setFatal(errors.Newf("server rejected worker: %s", p.Message))
			s.teardown()
			return
		}
		r.log.Warnw("Server error",
			"code", p.Code,
			"message", p.Message,
			"ref_id", p.RefID,
		)

	default:
		r.log.Debugw("Unhandled message", "type", env.Type)
	}
}

// handleAssignment claims a local slot, acks the job, and spins off
// processing. The slot is taken before accept_job goes out, so the
// worker never acks work it cannot hold.
func (r *Runtime) handleAssignment(ctx context.Context, s *session, env *wire.Envelope) {
	p, err := wire.DecodePayload[wire.JobAssignmentPayload](env)
	if err != nil || p.Job == nil {
		r.log.Warnw("Bad job_assignment", "error", err)
		return
	}
	job := p.Job

	r.pullPending.Store(false)
	r.wake()

	release := func(reason string) {
		s.queue(wire.MustNew(wire.TypeReleaseJob, wire.ReleaseJobPayload{
			JobID:    job.ID,
			WorkerID: r.id,
			Reason:   reason,
		}))
	}

	conn := r.connectorFor(job)
	if conn == nil {
		r.log.Warnw("No connector for assigned job",
			"job_id", job.ID,
			"service", job.ServiceRequired,
		)
		release("no connector for service " + job.ServiceRequired)
		return
	}

	if !r.acquireSlot() {
		release("worker at capacity")
		return
	}

	jctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		cancel()
		r.freeSlot()
		release("worker shutting down")
		return
	}
	r.running[job.ID] = &runningJob{job: job, cancel: cancel, conn: conn}
	r.jobs.Add(1)
	r.mu.Unlock()

	if !s.queue(wire.MustNew(wire.TypeAcceptJob, wire.AcceptJobPayload{
		JobID:    job.ID,
		WorkerID: r.id,
	})) {
		cancel()
		r.untrack(job.ID)
		r.freeSlot()
		r.jobs.Done()
		return
	}

	r.log.Infow("Job accepted",
		"job_id", job.ID,
		"service", job.ServiceRequired,
		"connector", conn.Name(),
	)

	go func() {
		defer r.jobs.Done()
		defer r.freeSlot()
		r.process(jctx, s, job, conn)
	}()
}

// process runs one job to its outcome message.
func (r *Runtime) process(ctx context.Context, s *session, job *queue.Job, conn Connector) {
	started := time.Now()
	sink := &wireSink{s: s, jobID: job.ID, workerID: r.id}

	result, err := conn.Process(ctx, job, sink)

	if ctx.Err() != nil {
		// The server cancelled the job or the session died. Cancellation
		// is already terminal on the server, and a dead session cannot
		// carry a message; either way there is nothing to send.
		r.log.Infow("Job processing stopped",
			"job_id", job.ID,
			"elapsed", time.Since(started),
		)
		return
	}

	if err != nil {
		retry := IsRetryable(err)
		sent := s.queue(wire.MustNew(wire.TypeFailJob, wire.FailJobPayload{
			JobID:    job.ID,
			WorkerID: r.id,
			Error:    err.Error(),
			CanRetry: retry,
		}))
		if sent {
			r.untrack(job.ID)
		}
		r.log.Warnw("Job failed",
			"job_id", job.ID,
			"error", err,
			"can_retry", retry,
			"elapsed", time.Since(started),
		)
		return
	}

	sent := s.queue(wire.MustNew(wire.TypeCompleteJob, wire.CompleteJobPayload{
		JobID:    job.ID,
		WorkerID: r.id,
		Result:   result,
	}))
	if sent {
		r.untrack(job.ID)
	}
	r.log.Infow("Job completed",
		"job_id", job.ID,
		"elapsed", time.Since(started),
	)
}

// cancelJob stops an in-flight job on server order. No terminal message
// goes back: the cancellation already decided the job's fate.
func (r *Runtime) cancelJob(jobID, reason string) {
	r.mu.Lock()
	rj, ok := r.running[jobID]
	if ok {
		delete(r.running, jobID)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Debugw("Cancel for job not held here", "job_id", jobID)
		return
	}

	r.log.Infow("Cancelling job", "job_id", jobID, "reason", reason)
	rj.cancel()
	if err := rj.conn.Cancel(jobID); err != nil {
		r.log.Warnw("Connector cancel hook failed", "job_id", jobID, "error", err)
	}
}

// pullLoop asks for work whenever the worker has capacity, backing off
// while the queue is empty. At most one request_job is outstanding.
func (r *Runtime) pullLoop(ctx context.Context, s *session) {
	backoff := pullBackoffMin
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.nudge:
			backoff = pullBackoffMin
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
		}

		if r.inFlight.Load() >= r.budget {
			timer.Reset(pullBackoffMin)
			continue
		}

		if r.pullPending.Load() &&
			time.Since(time.Unix(0, r.lastPull.Load())) < pullStall {
			timer.Reset(backoff)
			continue
		}

		r.pullPending.Store(true)
		r.lastPull.Store(time.Now().UnixNano())
		if !s.queue(wire.MustNew(wire.TypeRequestJob, wire.RequestJobPayload{WorkerID: r.id})) {
			return
		}

		timer.Reset(jitter(backoff))
		backoff = nextPullBackoff(backoff)
	}
}

// heartbeatLoop refreshes presence on the configured cadence, carrying
// the running set and a host snapshot.
func (r *Runtime) heartbeatLoop(ctx context.Context, s *session) {
	interval := r.cfg.HeartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.sendHeartbeat(ctx, s)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sendHeartbeat(ctx, s)
		}
	}
}

func (r *Runtime) sendHeartbeat(ctx context.Context, s *session) {
	ids := r.runningIDs()
	status := queue.WorkerIdle
	if len(ids) > 0 {
		status = queue.WorkerBusy
	}

	env, err := wire.New(wire.TypeWorkerHeartbeat, wire.WorkerHeartbeatPayload{
		WorkerID:      r.id,
		Status:        string(status),
		CurrentJobIDs: ids,
		System:        sampleSystemInfo(ctx),
	})
	if err != nil {
		r.log.Warnw("Building heartbeat failed", "error", err)
		return
	}
	// Presence has slack for a missed beat; don't block job traffic.
	s.tryQueue(env)
}

// connectorFor picks the connector serving the job's service, honoring
// its CanProcess veto.
func (r *Runtime) connectorFor(job *queue.Job) Connector {
	c, ok := r.byService[job.ServiceRequired]
	if !ok || !c.CanProcess(job) {
		return nil
	}
	return c
}

// acquireSlot takes one unit of concurrency if any is free.
func (r *Runtime) acquireSlot() bool {
	for {
		cur := r.inFlight.Load()
		if cur >= r.budget {
			return false
		}
		if r.inFlight.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

func (r *Runtime) freeSlot() {
	r.inFlight.Add(-1)
	r.wake()
}

// wake nudges the pull loop to try immediately.
func (r *Runtime) wake() {
	select {
	case r.nudge <- struct{}{}:
	default:
	}
}

func (r *Runtime) untrack(jobID string) {
	r.mu.Lock()
	delete(r.running, jobID)
	r.mu.Unlock()
}

func (r *Runtime) runningIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.running))
	for id := range r.running {
		ids = append(ids, id)
	}
	return ids
}

// drainRunning empties the running set, cancelling anything still there,
// and returns the ids that never produced a terminal message.
func (r *Runtime) drainRunning() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.running))
	for id, rj := range r.running {
		rj.cancel()
		ids = append(ids, id)
		delete(r.running, id)
	}
	return ids
}

// waitJobs waits for process goroutines, giving up after grace so a
// stuck connector cannot wedge shutdown.
func (r *Runtime) waitJobs(grace time.Duration) {
	done := make(chan struct{})
	go func() {
		r.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
		r.log.Warnw("Timed out waiting for in-flight jobs to stop")
	}
}

func (r *Runtime) cleanupConnectors() {
	for _, c := range r.connectors {
		if err := c.Cleanup(); err != nil {
			r.log.Warnw("Connector cleanup failed", "connector", c.Name(), "error", err)
		}
	}
}

func (r *Runtime) setFatal(err error) {
	r.fatalMu.Lock()
	if r.fatal == nil {
		r.fatal = err
	}
	r.fatalMu.Unlock()
}

func (r *Runtime) fatalErr() error {
	r.fatalMu.Lock()
	defer r.fatalMu.Unlock()
	return r.fatal
}

// wireSink forwards connector progress onto the session. Frames are
// droppable; the service link is not.
type wireSink struct {
	s        *session
	jobID    string
	workerID string
}

func (w *wireSink) Report(pct float64, message string, step, totalSteps int, etaMS int64) {
	env, err := wire.New(wire.TypeUpdateProgress, &queue.ProgressFrame{
		JobID:                 w.jobID,
		WorkerID:              w.workerID,
		ProgressPct:           pct,
		Message:               message,
		CurrentStep:           step,
		TotalSteps:            totalSteps,
		EstimatedCompletionMS: etaMS,
		Timestamp:             time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	w.s.tryQueue(env)
}

func (w *wireSink) SetServiceJobID(id string) {
	w.s.queue(wire.MustNew(wire.TypeServiceRequest, wire.ServiceRequestPayload{
		JobID:        w.jobID,
		WorkerID:     w.workerID,
		ServiceJobID: id,
	}))
}

// workerSocketURL derives the worker socket endpoint from the configured
// server URL, accepting http(s) and ws(s) schemes.
func workerSocketURL(serverURL, workerID string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", errors.Wrapf(err, "parsing server url %q", serverURL)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Newf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/worker/" + workerID
	return u.String(), nil
}

func nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * reconnectFactor)
	if next > reconnectMax {
		next = reconnectMax
	}
	return next
}

func nextPullBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > pullBackoffMax {
		next = pullBackoffMax
	}
	return next
}

// jitter spreads a delay ±20% so a fleet of workers does not thunder.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	return d + time.Duration((rand.Float64()*2-1)*delta)
}

// appendUnique appends the values not already present, preserving order.
func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		seen := false
		for _, have := range dst {
			if have == v {
				seen = true
				break
			}
		}
		if !seen {
			dst = append(dst, v)
		}
	}
	return dst
}
