package server

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/queue"
	"github.com/teranos/weft/wire"
)

// messageHandler processes one inbound envelope on a connection. Handlers
// run on the connection's read pump goroutine, so per-connection messages
// are handled in arrival order.
type messageHandler func(c *Conn, env *wire.Envelope)

// buildDispatch wires every message type to its handler. Registering the
// same type twice is a programming error and panics at construction.
func (s *Server) buildDispatch() map[string]messageHandler {
	handlers := make(map[string]messageHandler)
	reg := func(msgType string, h messageHandler) {
		if _, dup := handlers[msgType]; dup {
			panic(fmt.Sprintf("handler already registered for message type: %s", msgType))
		}
		handlers[msgType] = h
	}

	reg(wire.TypePing, s.handlePing)
	reg(wire.TypePong, func(c *Conn, env *wire.Envelope) {})

	reg(wire.TypeSubmitJob, s.handleSubmitJob)
	reg(wire.TypeCancelJob, s.handleCancelJob)
	reg(wire.TypeSubscribeJob, s.handleSubscribeJob)
	reg(wire.TypeUnsubscribe, s.handleUnsubscribeJob)
	reg(wire.TypeSyncJobState, s.handleSyncJobState)
	reg(wire.TypeMachineStatus, s.handleMachineStatus)

	reg(wire.TypeRegisterWorker, s.handleRegisterWorker)
	reg(wire.TypeRequestJob, s.handleRequestJob)
	reg(wire.TypeWorkerHeartbeat, s.handleWorkerHeartbeat)
	reg(wire.TypeWorkerStatus, s.handleWorkerStatus)
	reg(wire.TypeUpdateProgress, s.handleUpdateProgress)
	reg(wire.TypeAcceptJob, s.handleAcceptJob)
	reg(wire.TypeCompleteJob, s.handleCompleteJob)
	reg(wire.TypeFailJob, s.handleFailJob)
	reg(wire.TypeReleaseJob, s.handleReleaseJob)
	reg(wire.TypeServiceRequest, s.handleServiceRequest)
	reg(wire.TypeWorkerShutdown, s.handleWorkerShutdown)

	return handlers
}

// dispatch routes one complete envelope. Unknown types get an error reply
// rather than a dropped connection, so protocol version skew degrades
// gracefully.
func (s *Server) dispatch(c *Conn, env *wire.Envelope) {
	wsMessagesTotal.WithLabelValues(env.Type, "in").Inc()
	c.inType = env.Type

	h, ok := s.handlers[env.Type]
	if !ok {
		s.logger.Warnw("Unsupported message type",
			"conn_id", c.id,
			"type", env.Type,
		)
		c.sendError(wire.CodeUnsupported, fmt.Sprintf("unsupported message type: %s", env.Type), env.ID)
		return
	}
	h(c, env)
}

// wireErrorCode maps broker errors onto wire error codes.
func wireErrorCode(err error) string {
	switch {
	case errors.IsNotFoundError(err):
		return wire.CodeNotFound
	case errors.IsInvalidRequestError(err):
		return wire.CodeInvalidRequest
	case errors.IsConflictError(err):
		return wire.CodeConflict
	case errors.IsQueueFullError(err):
		return wire.CodeRateLimited
	case errors.IsServiceUnavailableError(err):
		return wire.CodeUnavailable
	default:
		return wire.CodeInternal
	}
}

func (s *Server) handlePing(c *Conn, env *wire.Envelope) {
	c.tryQueue(wire.NewPong())
}

// handleRegisterWorker admits a worker into the registry: version gate,
// tag expansion, registry upsert, initial presence window, then the ack
// with the expanded service list.
func (s *Server) handleRegisterWorker(c *Conn, env *wire.Envelope) {
	p, err := wire.DecodePayload[wire.RegisterWorkerPayload](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}
	if p.WorkerID == "" {
		c.sendError(wire.CodeInvalidRequest, "worker_id is required", env.ID)
		return
	}

	if minVer := s.config().Server.MinWorkerVersion; minVer != "" {
		min, err := semver.NewVersion(minVer)
		if err != nil {
			s.logger.Errorw("Invalid min_worker_version in config, skipping version gate",
				"min_worker_version", minVer,
				"error", err,
			)
		} else {
			v, err := semver.NewVersion(p.Version)
			if err != nil || v.LessThan(min) {
				s.logger.Warnw("Rejecting worker below minimum version",
					"worker_id", p.WorkerID,
					"version", p.Version,
					"min_version", minVer,
				)
				c.sendError(wire.CodeVersionTooOld,
					fmt.Sprintf("worker version %q is below the minimum %q", p.Version, minVer),
					env.ID)
				return
			}
		}
	}

	caps := p.Capabilities
	caps.Services = s.tagMap().Expand(caps.Services)

	w := &queue.Worker{
		ID:           p.WorkerID,
		MachineID:    p.MachineID,
		Name:         p.Name,
		Version:      p.Version,
		Capabilities: caps,
		Status:       queue.WorkerIdle,
	}
	if err := s.broker.RegisterWorker(s.ctx, w); err != nil {
		c.sendError(wireErrorCode(err), err.Error(), env.ID)
		return
	}

	ttl := 2 * s.config().Server.HeartbeatInterval()
	if err := s.broker.Heartbeat(s.ctx, p.WorkerID, queue.WorkerIdle, nil, ttl); err != nil {
		s.logger.Warnw("Failed to set initial worker presence",
			"worker_id", p.WorkerID,
			"error", err,
		)
	}

	s.bindWorker(c, p.WorkerID)

	c.mustQueue(wire.MustNew(wire.TypeRegisterAck, wire.RegisterAckPayload{
		WorkerID:           p.WorkerID,
		ExpandedServices:   caps.Services,
		PresenceTTLSeconds: int(ttl.Seconds()),
	}))
}

// handleRequestJob answers a worker pull with job_assignment or no_job.
func (s *Server) handleRequestJob(c *Conn, env *wire.Envelope) {
	p, err := wire.DecodePayload[wire.RequestJobPayload](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}
	workerID := p.WorkerID
	if workerID == "" {
		workerID = c.workerID()
	}
	if workerID == "" {
		c.sendError(wire.CodeInvalidRequest, "connection is not a registered worker", env.ID)
		return
	}

	job, reason, err := s.broker.ClaimNext(s.ctx, workerID)
	if err != nil {
		c.sendError(wireErrorCode(err), err.Error(), env.ID)
		return
	}
	if job == nil {
		c.mustQueue(wire.MustNew(wire.TypeNoJob, wire.NoJobPayload{Reason: reason}))
		return
	}
	c.mustQueue(wire.MustNew(wire.TypeJobAssignment, wire.JobAssignmentPayload{Job: job}))
}

func (s *Server) handleAcceptJob(c *Conn, env *wire.Envelope) {
	p, err := wire.DecodePayload[wire.AcceptJobPayload](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}
	if _, err := s.broker.Accept(s.ctx, p.JobID, p.WorkerID); err != nil {
		c.sendError(wireErrorCode(err), err.Error(), env.ID)
	}
}

// handleUpdateProgress records a progress frame. Progress is
// fire-and-forget: a stale or late frame is dropped without an error
// reply, because the worker cannot act on one anyway.
func (s *Server) handleUpdateProgress(c *Conn, env *wire.Envelope) {
	frame, err := wire.DecodePayload[queue.ProgressFrame](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}
	if frame.WorkerID == "" {
		frame.WorkerID = c.workerID()
	}

	recorded, err := s.broker.Progress(s.ctx, &frame)
	if err != nil {
		s.logger.Debugw("Progress frame rejected",
			"job_id", frame.JobID,
			"worker_id", frame.WorkerID,
			"error", err,
		)
		return
	}
	if !recorded {
		s.logger.Debugw("Progress frame dropped",
			"job_id", frame.JobID,
			"worker_id", frame.WorkerID,
		)
	}
}

func (s *Server) handleCompleteJob(c *Conn, env *wire.Envelope) {
	p, err := wire.DecodePayload[wire.CompleteJobPayload](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}
	if _, _, err := s.broker.Complete(s.ctx, p.JobID, p.WorkerID, p.Result); err != nil {
		c.sendError(wireErrorCode(err), err.Error(), env.ID)
	}
}

func (s *Server) handleFailJob(c *Conn, env *wire.Envelope) {
	p, err := wire.DecodePayload[wire.FailJobPayload](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}
	if _, _, err := s.broker.Fail(s.ctx, p.JobID, p.WorkerID, p.Error, p.CanRetry); err != nil {
		c.sendError(wireErrorCode(err), err.Error(), env.ID)
	}
}

func (s *Server) handleReleaseJob(c *Conn, env *wire.Envelope) {
	p, err := wire.DecodePayload[wire.ReleaseJobPayload](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}
	if _, err := s.broker.Release(s.ctx, p.JobID, p.WorkerID, p.Reason, false); err != nil {
		c.sendError(wireErrorCode(err), err.Error(), env.ID)
	}
}

func (s *Server) handleServiceRequest(c *Conn, env *wire.Envelope) {
	p, err := wire.DecodePayload[wire.ServiceRequestPayload](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}
	if err := s.broker.SetServiceJobID(s.ctx, p.JobID, p.ServiceJobID); err != nil {
		c.sendError(wireErrorCode(err), err.Error(), env.ID)
	}
}

// handleWorkerHeartbeat refreshes presence. Fire-and-forget: a heartbeat
// the broker rejects is logged, and the next one is seconds away.
func (s *Server) handleWorkerHeartbeat(c *Conn, env *wire.Envelope) {
	p, err := wire.DecodePayload[wire.WorkerHeartbeatPayload](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}
	workerID := p.WorkerID
	if workerID == "" {
		workerID = c.workerID()
	}

	status := queue.WorkerState(p.Status)
	if status == "" {
		status = queue.WorkerIdle
	}

	ttl := 2 * s.config().Server.HeartbeatInterval()
	if err := s.broker.Heartbeat(s.ctx, workerID, status, p.CurrentJobIDs, ttl); err != nil {
		s.logger.Warnw("Heartbeat rejected",
			"worker_id", workerID,
			"error", err,
		)
	}
}

// handleWorkerStatus applies an out-of-cadence state change. The running
// set is carried over from the registry so a status flip does not wipe it.
func (s *Server) handleWorkerStatus(c *Conn, env *wire.Envelope) {
	p, err := wire.DecodePayload[wire.WorkerStatusPayload](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}
	workerID := p.WorkerID
	if workerID == "" {
		workerID = c.workerID()
	}

	w, err := s.broker.Store().GetWorker(s.ctx, workerID)
	if err != nil {
		c.sendError(wireErrorCode(err), err.Error(), env.ID)
		return
	}

	ttl := 2 * s.config().Server.HeartbeatInterval()
	if err := s.broker.Heartbeat(s.ctx, workerID, queue.WorkerState(p.Status), w.CurrentJobIDs, ttl); err != nil {
		c.sendError(wireErrorCode(err), err.Error(), env.ID)
		return
	}
	if p.Detail != "" {
		s.logger.Infow("Worker status change",
			"worker_id", workerID,
			"status", p.Status,
			"detail", p.Detail,
		)
	}
}

// handleWorkerShutdown releases everything the worker holds and lets the
// connection close on its own.
func (s *Server) handleWorkerShutdown(c *Conn, env *wire.Envelope) {
	p, err := wire.DecodePayload[wire.WorkerShutdownPayload](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}
	workerID := p.WorkerID
	if workerID == "" {
		workerID = c.workerID()
	}

	released, err := s.broker.WorkerShutdown(s.ctx, workerID, p.Reason)
	if err != nil {
		c.sendError(wireErrorCode(err), err.Error(), env.ID)
		return
	}
	s.logger.Infow("Worker shut down gracefully",
		"worker_id", workerID,
		"released_jobs", len(released),
		"reason", p.Reason,
	)
}

// handleSubmitJob accepts a job over the fabric and answers with the
// created record. Submissions share the HTTP rate limit bucket space,
// keyed by connection.
func (s *Server) handleSubmitJob(c *Conn, env *wire.Envelope) {
	if !s.allowSubmit("ws:" + c.id) {
		c.sendError(wire.CodeRateLimited, "submission rate limit exceeded", env.ID)
		return
	}

	req, err := wire.DecodePayload[queue.SubmitRequest](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}

	job, err := s.broker.Submit(s.ctx, &req)
	if err != nil {
		c.sendError(wireErrorCode(err), err.Error(), env.ID)
		return
	}
	jobsSubmittedTotal.Inc()

	c.mustQueue(wire.MustNew(wire.TypeJobSubmitted, wire.JobEventPayload{Job: job}))
}

// handleCancelJob cancels a job and propagates the cancellation to the
// worker that held it. The requester is subscribed first, so it receives
// the terminal event the cancellation publishes.
func (s *Server) handleCancelJob(c *Conn, env *wire.Envelope) {
	p, err := wire.DecodePayload[wire.CancelJobPayload](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}
	if p.JobID == "" {
		c.sendError(wire.CodeInvalidRequest, "job_id is required", env.ID)
		return
	}

	s.subscribeJob(c, p.JobID)

	outcome, err := s.broker.Cancel(s.ctx, p.JobID, p.Reason)
	if err != nil {
		c.sendError(wireErrorCode(err), err.Error(), env.ID)
		return
	}
	if outcome.Cancelled {
		s.propagateCancel(p.JobID, p.Reason, outcome.PrevWorker)
	}
}

// handleSubscribeJob follows a job's events on this connection. The reply
// is a one-job state snapshot so the subscriber has a baseline even if no
// further events arrive.
func (s *Server) handleSubscribeJob(c *Conn, env *wire.Envelope) {
	p, err := wire.DecodePayload[wire.SubscribeJobPayload](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}

	job, err := s.broker.Get(s.ctx, p.JobID)
	if err != nil {
		c.sendError(wireErrorCode(err), err.Error(), env.ID)
		return
	}

	s.subscribeJob(c, p.JobID)
	c.mustQueue(wire.MustNew(wire.TypeStateSnapshot, wire.StateSnapshotPayload{
		Jobs: []*queue.Job{job},
	}))
}

func (s *Server) handleUnsubscribeJob(c *Conn, env *wire.Envelope) {
	p, err := wire.DecodePayload[wire.SubscribeJobPayload](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}
	s.unsubscribeJob(c, p.JobID)
}

// handleSyncJobState answers a reconnect with the current state of the
// requested jobs, defaulting to everything the connection follows. A
// monitor with no subscriptions gets the recent job ledger instead.
func (s *Server) handleSyncJobState(c *Conn, env *wire.Envelope) {
	p, err := wire.DecodePayload[wire.SyncJobStatePayload](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}

	// A sync usually follows a reconnect, which is exactly when a job may
	// have been stranded on the other side of the gap. Sweep before
	// composing the snapshot so it reflects the requeue.
	if released, err := s.broker.DetectOrphans(s.ctx); err != nil {
		s.logger.Warnw("Orphan sweep during sync failed",
			"conn_id", c.id,
			"error", err,
		)
	} else if len(released) > 0 {
		s.logger.Infow("Orphan sweep during sync requeued jobs",
			"conn_id", c.id,
			"count", len(released),
		)
	}

	ids := p.JobIDs
	if len(ids) == 0 {
		ids = s.connSubIDs(c)
	}

	if len(ids) == 0 && c.kindIs(kindMonitor) {
		jobs, err := s.broker.List(s.ctx, queue.JobFilter{Limit: 200})
		if err != nil {
			c.sendError(wireErrorCode(err), err.Error(), env.ID)
			return
		}
		c.mustQueue(wire.MustNew(wire.TypeStateSnapshot, wire.StateSnapshotPayload{Jobs: jobs}))
		return
	}

	jobs := make([]*queue.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.broker.Get(s.ctx, id)
		if err != nil {
			continue // purged or never existed; the snapshot omits it
		}
		jobs = append(jobs, job)
	}

	c.mustQueue(wire.MustNew(wire.TypeStateSnapshot, wire.StateSnapshotPayload{Jobs: jobs}))
}

// handleMachineStatus records a machine snapshot.
func (s *Server) handleMachineStatus(c *Conn, env *wire.Envelope) {
	m, err := wire.DecodePayload[queue.Machine](env)
	if err != nil {
		c.sendError(wire.CodeInvalidRequest, err.Error(), env.ID)
		return
	}
	if err := s.broker.RecordMachine(s.ctx, &m); err != nil {
		c.sendError(wireErrorCode(err), err.Error(), env.ID)
	}
}

func (s *Server) connSubIDs(c *Conn) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(c.subs))
	for id := range c.subs {
		ids = append(ids, id)
	}
	return ids
}
