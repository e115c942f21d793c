package server

import (
	"github.com/teranos/weft/queue"
	"github.com/teranos/weft/wire"
)

// runEventPump subscribes to the queue and fans its events out to the
// fabric: job subscribers, idle workers, and the metrics. It is the only
// bridge between queue events and WebSocket traffic.
func (s *Server) runEventPump() {
	ch := s.broker.Notifier().Subscribe()
	defer s.broker.Notifier().Unsubscribe(ch)

	s.logger.Debugw("Event pump started")
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.routeEvent(ev)
		}
	}
}

// routeEvent translates one queue event into fabric traffic.
//
// Progress frames are droppable: a subscriber that misses one catches up
// on the next. Terminal events are not: a subscriber that cannot take a
// terminal event is dropped so its reconnect sync sees the truth.
func (s *Server) routeEvent(ev queue.Event) {
	switch ev.Type {
	case queue.EventJobQueued, queue.EventJobRequeued:
		s.deliverSnapshot(ev.Job)
		s.nudgeWorkers(ev.Job)

	case queue.EventJobAssigned, queue.EventJobAccepted, queue.EventJobStarted:
		s.deliverSnapshot(ev.Job)

	case queue.EventJobProgress:
		if ev.Frame == nil {
			return
		}
		env := wire.MustNew(wire.TypeJobProgress, ev.Frame)
		for _, c := range s.jobSubscribers(ev.Frame.JobID) {
			c.tryQueue(env)
		}

	case queue.EventJobCompleted:
		s.deliverTerminal(ev.Job, wire.TypeJobCompleted)

	case queue.EventJobFailed:
		s.deliverTerminal(ev.Job, wire.TypeJobFailed)

	case queue.EventJobCancelled:
		s.deliverTerminal(ev.Job, wire.TypeJobCancelled)

	case queue.EventWorkerChange, queue.EventMachineChange:
		// Covered by the stats broadcast; nothing to push per event.
	}
}

// deliverSnapshot pushes a one-job state snapshot to the job's
// subscribers. State changes may not be silently lost.
func (s *Server) deliverSnapshot(job *queue.Job) {
	if job == nil {
		return
	}
	subs := s.jobSubscribers(job.ID)
	if len(subs) == 0 {
		return
	}
	env := wire.MustNew(wire.TypeStateSnapshot, wire.StateSnapshotPayload{
		Jobs: []*queue.Job{job},
	})
	for _, c := range subs {
		c.mustQueue(env)
	}
}

// deliverTerminal pushes the final event for a job, records the metrics,
// and retires the job's subscription entry.
func (s *Server) deliverTerminal(job *queue.Job, msgType string) {
	if job == nil {
		return
	}

	jobsTerminalTotal.WithLabelValues(string(job.Status)).Inc()
	if job.Status == queue.StatusCompleted && job.CompletedAt > job.CreatedAt {
		jobDurationSeconds.Observe(float64(job.CompletedAt-job.CreatedAt) / 1000.0)
	}

	subs := s.jobSubscribers(job.ID)
	if len(subs) > 0 {
		env := wire.MustNew(msgType, wire.JobEventPayload{Job: job})
		for _, c := range subs {
			c.mustQueue(env)
		}
	}

	s.dropJobSubs(job.ID)
}

// dropJobSubs retires every subscription to a finished job.
func (s *Server) dropJobSubs(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.jobSubs[jobID] {
		delete(c.subs, jobID)
	}
	delete(s.jobSubs, jobID)
}

// nudgeWorkers tells connected workers with room and matching
// capabilities that work arrived, so idle workers pull immediately
// instead of waiting out their poll interval. The nudge is droppable;
// polling still finds the job.
func (s *Server) nudgeWorkers(job *queue.Job) {
	if job == nil {
		return
	}

	workers, err := s.broker.Workers(s.ctx)
	if err != nil {
		s.logger.Warnw("Failed to list workers for job nudge",
			"job_id", job.ID,
			"error", err,
		)
		return
	}

	env := wire.MustNew(wire.TypeJobAvailable, wire.JobAvailablePayload{
		JobID:           job.ID,
		ServiceRequired: job.ServiceRequired,
	})

	for _, w := range workers {
		if w.Status == queue.WorkerOffline || !w.HasCapacity() {
			continue
		}
		if !queue.Eligible(job, w).OK {
			continue
		}
		if c := s.workerConn(w.ID); c != nil {
			c.tryQueue(env)
		}
	}
}

// propagateCancel forwards a cancellation to the worker that held the
// job. A worker without a live connection learns the same thing when its
// next lifecycle call comes back stale.
func (s *Server) propagateCancel(jobID, reason, workerID string) {
	if workerID == "" {
		return
	}
	c := s.workerConn(workerID)
	if c == nil {
		s.logger.Debugw("No live connection for cancel propagation",
			"job_id", jobID,
			"worker_id", workerID,
		)
		return
	}
	c.mustQueue(wire.MustNew(wire.TypeCancelJob, wire.CancelJobPayload{
		JobID:  jobID,
		Reason: reason,
	}))
}
