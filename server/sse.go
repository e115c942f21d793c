package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/teranos/weft/queue"
)

// sseHeartbeat is the comment-ping cadence on progress streams. It keeps
// proxies from idling the connection out and doubles as a terminal-status
// check in case the terminal event was dropped by a full subscriber
// buffer.
const sseHeartbeat = 15 * time.Second

// HandleJobProgress streams a job's progress as Server-Sent Events.
//
// The stream opens with a `connected` event carrying the job record, then
// replays history after the client's Last-Event-ID (or ?after_seq=), then
// follows the live stream. On a terminal status it emits one final event
// named after the status and closes. Event ids are frame sequence
// numbers, so a reconnecting client resumes without gaps.
func (s *Server) HandleJobProgress(w http.ResponseWriter, r *http.Request, jobID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the first read so no frame lands between history
	// and the live stream.
	ch := s.broker.Notifier().Subscribe()
	defer s.broker.Notifier().Unsubscribe(ch)

	job, err := s.broker.Get(r.Context(), jobID)
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if err := writeSSE(w, flusher, "", "connected", job); err != nil {
		return
	}

	afterSeq := int64(0)
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			afterSeq = n
		}
	} else if raw := r.URL.Query().Get("after_seq"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			afterSeq = n
		}
	}

	lastSeq := afterSeq
	history, err := s.broker.ProgressHistory(r.Context(), jobID, afterSeq, 0)
	if err != nil {
		s.logger.Warnw("Failed to replay progress history",
			"job_id", jobID,
			"error", err,
		)
	}
	for _, frame := range history {
		if err := writeSSE(w, flusher, strconv.FormatInt(frame.Seq, 10), "progress", frame); err != nil {
			return
		}
		lastSeq = frame.Seq
	}

	if job.Terminal() {
		writeSSE(w, flusher, "", string(job.Status), job)
		return
	}

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.ctx.Done():
			return

		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()

			current, err := s.broker.Get(r.Context(), jobID)
			if err == nil && current.Terminal() {
				writeSSE(w, flusher, "", string(current.Status), current)
				return
			}

		case ev, ok := <-ch:
			if !ok {
				return
			}
			switch ev.Type {
			case queue.EventJobProgress:
				if ev.Frame == nil || ev.Frame.JobID != jobID || ev.Frame.Seq <= lastSeq {
					continue
				}
				if err := writeSSE(w, flusher, strconv.FormatInt(ev.Frame.Seq, 10), "progress", ev.Frame); err != nil {
					return
				}
				lastSeq = ev.Frame.Seq

			case queue.EventJobCompleted, queue.EventJobFailed, queue.EventJobCancelled:
				if ev.Job == nil || ev.Job.ID != jobID {
					continue
				}
				writeSSE(w, flusher, "", string(ev.Job.Status), ev.Job)
				return
			}
		}
	}
}

// writeSSE emits one Server-Sent Event with a JSON data line.
func writeSSE(w http.ResponseWriter, f http.Flusher, id, event string, data interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	if id != "" {
		fmt.Fprintf(w, "id: %s\n", id)
	}
	if event != "" {
		fmt.Fprintf(w, "event: %s\n", event)
	}
	fmt.Fprintf(w, "data: %s\n\n", raw)
	f.Flush()
	return nil
}
