package server

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/teranos/weft/queue"
	"github.com/teranos/weft/version"
	"github.com/teranos/weft/wire"
)

// routes builds the HTTP surface. Every server gets its own mux so tests
// can run several servers in one process.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", s.corsMiddleware(s.HandleWebSocket))               // In-band registration, any peer kind
	mux.HandleFunc("/ws/worker/", s.corsMiddleware(s.HandleWorkerSocket))    // Worker control channel
	mux.HandleFunc("/ws/client/", s.corsMiddleware(s.HandleClientSocket))    // Submissions and job subscriptions
	mux.HandleFunc("/ws/monitor/", s.corsMiddleware(s.HandleMonitorSocket))  // Stats broadcast and state snapshots
	mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))              // Liveness, backed by a store ping
	mux.Handle("/metrics", promhttp.Handler())                               // Prometheus
	mux.HandleFunc("/api/jobs", s.corsMiddleware(s.HandleJobs))              // List (GET) / submit (POST)
	mux.HandleFunc("/api/jobs/", s.corsMiddleware(s.HandleJob))              // Job record, cancel, progress stream
	mux.HandleFunc("/api/workers", s.corsMiddleware(s.HandleWorkers))        // Worker registry (GET)
	mux.HandleFunc("/api/machines", s.corsMiddleware(s.HandleMachines))      // Live machine snapshots (GET)
	mux.HandleFunc("/api/stats", s.corsMiddleware(s.HandleStats))            // Queue statistics (GET)

	return mux
}

// corsMiddleware adds CORS headers using the same origin validation as
// WebSocket upgrades.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.checkOrigin(r) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next(w, r)
	}
}

// HandleHealth reports liveness. Healthy means the store answers a ping.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.broker.Store().Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"state":   stateString(s.getState()),
		"version": version.Get().Version,
		"time":    time.Now().UnixMilli(),
	})
}

// HandleJobs lists jobs (GET) or submits one (POST).
func (s *Server) HandleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListJobs(w, r)
	case http.MethodPost:
		s.handleSubmitHTTP(w, r)
	default:
		writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := queue.JobFilter{
		CustomerID: q.Get("customer_id"),
		WorkflowID: q.Get("workflow_id"),
		WorkerID:   q.Get("worker_id"),
		Limit:      100,
	}

	if raw := q.Get("status"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			st = strings.TrimSpace(st)
			if !queue.ValidStatus(st) {
				writeError(w, http.StatusBadRequest, "unknown status: "+st)
				return
			}
			filter.Status = append(filter.Status, queue.Status(st))
		}
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = n
	}
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		filter.Offset = n
	}

	jobs, err := s.broker.List(r.Context(), filter)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

func (s *Server) handleSubmitHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.allowSubmit("http:" + clientIP(r)) {
		writeError(w, http.StatusTooManyRequests, "submission rate limit exceeded")
		return
	}

	var req queue.SubmitRequest
	if err := readJSON(w, r, &req); err != nil {
		return
	}

	job, err := s.broker.Submit(r.Context(), &req)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	jobsSubmittedTotal.Inc()

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"job_id": job.ID,
		"status": job.Status,
	})
}

// jobResponse is a job record with its live queue position attached.
type jobResponse struct {
	*queue.Job
	QueuePosition int `json:"queue_position,omitempty"`
}

// HandleJob serves one job's record and its sub-resources:
//
//	GET  /api/jobs/{id}           the record, with queue position
//	POST /api/jobs/{id}/cancel    cancel, propagated to the worker
//	GET  /api/jobs/{id}/progress  SSE progress stream
func (s *Server) HandleJob(w http.ResponseWriter, r *http.Request) {
	parts := extractPathParts(r.URL.Path, "/api/jobs/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusBadRequest, "job id required")
		return
	}
	jobID := parts[0]

	if len(parts) == 1 {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		s.handleGetJob(w, r, jobID)
		return
	}

	switch parts[1] {
	case "cancel":
		if !requireMethod(w, r, http.MethodPost) {
			return
		}
		s.handleCancelHTTP(w, r, jobID)
	case "progress":
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		s.HandleJobProgress(w, r, jobID)
	default:
		writeError(w, http.StatusNotFound, "unknown job resource: "+parts[1])
	}
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := s.broker.Get(r.Context(), jobID)
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	resp := jobResponse{Job: job}
	if job.Status == queue.StatusQueued {
		if pos, err := s.broker.QueuePosition(r.Context(), jobID); err == nil {
			resp.QueuePosition = pos
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCancelHTTP(w http.ResponseWriter, r *http.Request, jobID string) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	outcome, err := s.broker.Cancel(r.Context(), jobID, body.Reason)
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	if outcome.Cancelled {
		s.propagateCancel(jobID, body.Reason, outcome.PrevWorker)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"job":       outcome.Job,
		"cancelled": outcome.Cancelled,
	})
}

// HandleWorkers lists the worker registry.
func (s *Server) HandleWorkers(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	workers, err := s.broker.Workers(r.Context())
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"workers": workers,
		"count":   len(workers),
	})
}

// HandleMachines lists machines with a live status snapshot.
func (s *Server) HandleMachines(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	machines, err := s.broker.Machines(r.Context())
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"machines": machines,
		"count":    len(machines),
	})
}

// HandleStats serves the same snapshot the stats broadcast pushes.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}

	stats, err := s.broker.Stats(r.Context())
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	workers, err := s.broker.Workers(r.Context())
	if err != nil {
		writeBrokerError(w, err)
		return
	}
	machines, err := s.broker.Machines(r.Context())
	if err != nil {
		writeBrokerError(w, err)
		return
	}

	clients, workerConns, monitors := s.connCounts()
	writeJSON(w, http.StatusOK, wire.StatsPayload{
		Queue:    stats,
		Workers:  workers,
		Machines: machines,
		Connections: wire.ConnectionCounts{
			Clients:  clients,
			Workers:  workerConns,
			Monitors: monitors,
		},
		GeneratedAt: time.Now().UnixMilli(),
	})
}

// clientIP extracts the remote host for rate limit bucketing.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
