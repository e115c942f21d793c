package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/queue"
	"github.com/teranos/weft/wire"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	hs := httptest.NewServer(handler)
	t.Cleanup(hs.Close)
	return New(hs.URL)
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v interface{}) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf("encoding response: %v", err)
	}
}

func TestSubmitRoundTrip(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/jobs" {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req queue.SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("Decoding submit body: %v", err)
		}
		if req.ServiceRequired != "inference" {
			t.Errorf("Service = %q, want inference", req.ServiceRequired)
		}
		if req.Priority == nil || *req.Priority != 8 {
			t.Errorf("Priority = %v, want 8", req.Priority)
		}
		writeJSON(t, w, http.StatusCreated, map[string]interface{}{
			"job_id": "j_abc",
			"status": queue.StatusQueued,
		})
	}))

	p := 8
	res, err := c.Submit(context.Background(), &queue.SubmitRequest{
		ServiceRequired: "inference",
		Priority:        &p,
		Payload:         json.RawMessage(`{"prompt":"hi"}`),
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.JobID != "j_abc" || res.Status != queue.StatusQueued {
		t.Errorf("Submit result = %+v", res)
	}
}

func TestJobCarriesQueuePosition(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/jobs/j_pos" {
			t.Errorf("Path = %s", r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"id":               "j_pos",
			"service_required": "sim",
			"status":           queue.StatusQueued,
			"queue_position":   3,
		})
	}))

	rec, err := c.Job(context.Background(), "j_pos")
	if err != nil {
		t.Fatalf("Job: %v", err)
	}
	if rec.ID != "j_pos" || rec.Status != queue.StatusQueued {
		t.Errorf("Record = %+v", rec.Job)
	}
	if rec.QueuePosition != 3 {
		t.Errorf("QueuePosition = %d, want 3", rec.QueuePosition)
	}
}

func TestJobsBuildsFilterQuery(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if got := q.Get("status"); got != "queued,in_progress" {
			t.Errorf("status = %q", got)
		}
		if got := q.Get("customer_id"); got != "cust-1" {
			t.Errorf("customer_id = %q", got)
		}
		if got := q.Get("limit"); got != "5" {
			t.Errorf("limit = %q", got)
		}
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"jobs":  []*queue.Job{{ID: "j_1", Status: queue.StatusQueued}},
			"count": 1,
		})
	}))

	jobs, err := c.Jobs(context.Background(), ListOptions{
		Status:     []queue.Status{queue.StatusQueued, queue.StatusInProgress},
		CustomerID: "cust-1",
		Limit:      5,
	})
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "j_1" {
		t.Errorf("Jobs = %+v", jobs)
	}
}

func TestCancelReportsOutcome(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/jobs/j_c/cancel" {
			t.Errorf("Unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var body struct {
			Reason string `json:"reason"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		if body.Reason != "operator request" {
			t.Errorf("Reason = %q", body.Reason)
		}
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"job":       &queue.Job{ID: "j_c", Status: queue.StatusCancelled},
			"cancelled": true,
		})
	}))

	res, err := c.Cancel(context.Background(), "j_c", "operator request")
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if !res.Cancelled || res.Job.Status != queue.StatusCancelled {
		t.Errorf("Cancel result = %+v", res)
	}
}

func TestStatsWorkersMachines(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/stats":
			writeJSON(t, w, http.StatusOK, wire.StatsPayload{
				Queue: &queue.Stats{QueueDepth: 4},
			})
		case "/api/workers":
			writeJSON(t, w, http.StatusOK, map[string]interface{}{
				"workers": []*queue.Worker{{ID: "w_1", Status: queue.WorkerIdle}},
				"count":   1,
			})
		case "/api/machines":
			writeJSON(t, w, http.StatusOK, map[string]interface{}{
				"machines": []*queue.Machine{{ID: "host-a", Status: queue.MachineReady}},
				"count":    1,
			})
		default:
			t.Errorf("Unexpected path %s", r.URL.Path)
		}
	}))

	ctx := context.Background()

	stats, err := c.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Queue == nil || stats.Queue.QueueDepth != 4 {
		t.Errorf("Stats = %+v", stats)
	}

	workers, err := c.Workers(ctx)
	if err != nil {
		t.Fatalf("Workers: %v", err)
	}
	if len(workers) != 1 || workers[0].ID != "w_1" {
		t.Errorf("Workers = %+v", workers)
	}

	machines, err := c.Machines(ctx)
	if err != nil {
		t.Fatalf("Machines: %v", err)
	}
	if len(machines) != 1 || machines[0].ID != "host-a" {
		t.Errorf("Machines = %+v", machines)
	}
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("Path = %s", r.URL.Path)
		}
		writeJSON(t, w, http.StatusOK, map[string]interface{}{
			"status":  "ok",
			"state":   "running",
			"version": "1.2.3",
		})
	}))

	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.State != "running" || h.Version != "1.2.3" {
		t.Errorf("Health = %+v", h)
	}
}

func TestErrorsCarrySentinels(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		message string
		check   func(error) bool
	}{
		{"not found", http.StatusNotFound, "job j_x: not found", errors.IsNotFoundError},
		{"invalid", http.StatusBadRequest, "unknown status: bogus", errors.IsInvalidRequestError},
		{"conflict", http.StatusConflict, "job j_x: resource conflict", errors.IsConflictError},
		{"rate limited", http.StatusTooManyRequests, "submission rate limit exceeded", errors.IsServiceUnavailableError},
		{"server error", http.StatusInternalServerError, "store unreachable", errors.IsServiceUnavailableError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(t, w, tt.status, map[string]string{"error": tt.message})
			}))

			_, err := c.Job(context.Background(), "j_x")
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !tt.check(err) {
				t.Errorf("Sentinel check failed for %v", err)
			}
			if err.Error() != tt.message {
				t.Errorf("Message = %q, want %q", err.Error(), tt.message)
			}
		})
	}
}
