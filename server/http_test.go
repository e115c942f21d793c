package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/teranos/weft/queue"
	"github.com/teranos/weft/wire"
)

func getJSON(t *testing.T, hs *httptest.Server, path string, wantStatus int, out interface{}) {
	t.Helper()

	resp, err := http.Get(hs.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("GET %s = %d, want %d (body: %s)", path, resp.StatusCode, wantStatus, body)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode GET %s response: %v", path, err)
		}
	}
}

func postJSON(t *testing.T, hs *httptest.Server, path string, body interface{}, wantStatus int, out interface{}) {
	t.Helper()

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request body: %v", err)
	}
	resp, err := http.Post(hs.URL+path, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		respBody, _ := io.ReadAll(resp.Body)
		t.Fatalf("POST %s = %d, want %d (body: %s)", path, resp.StatusCode, wantStatus, respBody)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode POST %s response: %v", path, err)
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	_, hs := startTestServer(t, nil)

	var health struct {
		Status  string `json:"status"`
		State   string `json:"state"`
		Version string `json:"version"`
	}
	getJSON(t, hs, "/health", http.StatusOK, &health)

	if health.Status != "ok" {
		t.Errorf("Health status = %q, want ok", health.Status)
	}
	if health.State != "running" {
		t.Errorf("Health state = %q, want running", health.State)
	}
}

func TestSubmitJobHTTP(t *testing.T) {
	_, hs := startTestServer(t, nil)

	var created struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	postJSON(t, hs, "/api/jobs", queue.SubmitRequest{ServiceRequired: "weave"},
		http.StatusCreated, &created)

	if !strings.HasPrefix(created.JobID, "j_") {
		t.Errorf("Job id = %q, want j_ prefix", created.JobID)
	}
	if created.Status != string(queue.StatusQueued) {
		t.Errorf("Job status = %q, want queued", created.Status)
	}
}

func TestSubmitJobHTTPRejectsBadBody(t *testing.T) {
	_, hs := startTestServer(t, nil)

	resp, err := http.Post(hs.URL+"/api/jobs", "application/json",
		strings.NewReader("{not json"))
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Malformed submit = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitJobHTTPRejectsMissingService(t *testing.T) {
	_, hs := startTestServer(t, nil)
	postJSON(t, hs, "/api/jobs", queue.SubmitRequest{}, http.StatusBadRequest, nil)
}

func TestGetJob(t *testing.T) {
	srv, hs := startTestServer(t, nil)

	job, err := srv.broker.Submit(t.Context(), &queue.SubmitRequest{ServiceRequired: "weave"})
	if err != nil {
		t.Fatalf("Failed to submit job: %v", err)
	}

	var got struct {
		ID            string `json:"id"`
		Status        string `json:"status"`
		QueuePosition int    `json:"queue_position"`
	}
	getJSON(t, hs, "/api/jobs/"+job.ID, http.StatusOK, &got)

	if got.ID != job.ID {
		t.Errorf("Job id = %q, want %q", got.ID, job.ID)
	}
	if got.QueuePosition != 1 {
		t.Errorf("Queue position = %d, want 1", got.QueuePosition)
	}
}

func TestGetJobNotFound(t *testing.T) {
	_, hs := startTestServer(t, nil)
	getJSON(t, hs, "/api/jobs/j_missing", http.StatusNotFound, nil)
}

func TestListJobs(t *testing.T) {
	srv, hs := startTestServer(t, nil)
	ctx := t.Context()

	for i := 0; i < 3; i++ {
		req := &queue.SubmitRequest{ServiceRequired: "weave"}
		if i == 0 {
			req.CustomerID = "acme"
		}
		if _, err := srv.broker.Submit(ctx, req); err != nil {
			t.Fatalf("Failed to submit job %d: %v", i, err)
		}
	}

	var list struct {
		Jobs  []*queue.Job `json:"jobs"`
		Count int          `json:"count"`
	}

	getJSON(t, hs, "/api/jobs", http.StatusOK, &list)
	if list.Count != 3 {
		t.Errorf("Unfiltered list count = %d, want 3", list.Count)
	}

	getJSON(t, hs, "/api/jobs?status=queued", http.StatusOK, &list)
	if list.Count != 3 {
		t.Errorf("Queued list count = %d, want 3", list.Count)
	}

	getJSON(t, hs, "/api/jobs?status=completed", http.StatusOK, &list)
	if list.Count != 0 {
		t.Errorf("Completed list count = %d, want 0", list.Count)
	}

	getJSON(t, hs, "/api/jobs?customer_id=acme", http.StatusOK, &list)
	if list.Count != 1 {
		t.Errorf("Customer-filtered count = %d, want 1", list.Count)
	}

	getJSON(t, hs, "/api/jobs?limit=2", http.StatusOK, &list)
	if list.Count != 2 {
		t.Errorf("Limited list count = %d, want 2", list.Count)
	}

	getJSON(t, hs, "/api/jobs?status=daydreaming", http.StatusBadRequest, nil)
	getJSON(t, hs, "/api/jobs?limit=many", http.StatusBadRequest, nil)
}

func TestCancelJobHTTP(t *testing.T) {
	srv, hs := startTestServer(t, nil)

	job, err := srv.broker.Submit(t.Context(), &queue.SubmitRequest{ServiceRequired: "weave"})
	if err != nil {
		t.Fatalf("Failed to submit job: %v", err)
	}

	var result struct {
		Job       *queue.Job `json:"job"`
		Cancelled bool       `json:"cancelled"`
	}
	postJSON(t, hs, "/api/jobs/"+job.ID+"/cancel",
		map[string]string{"reason": "changed my mind"},
		http.StatusOK, &result)

	if !result.Cancelled {
		t.Error("Cancel reported cancelled=false for a queued job")
	}
	if result.Job.Status != queue.StatusCancelled {
		t.Errorf("Job status = %q, want cancelled", result.Job.Status)
	}

	// Cancelling again is a no-op, not an error.
	postJSON(t, hs, "/api/jobs/"+job.ID+"/cancel", nil, http.StatusOK, &result)
	if result.Cancelled {
		t.Error("Second cancel reported cancelled=true")
	}
}

func TestUnknownJobResource(t *testing.T) {
	srv, hs := startTestServer(t, nil)

	job, err := srv.broker.Submit(t.Context(), &queue.SubmitRequest{ServiceRequired: "weave"})
	if err != nil {
		t.Fatalf("Failed to submit job: %v", err)
	}
	getJSON(t, hs, "/api/jobs/"+job.ID+"/confetti", http.StatusNotFound, nil)
}

func TestMethodNotAllowed(t *testing.T) {
	srv, hs := startTestServer(t, nil)

	job, err := srv.broker.Submit(t.Context(), &queue.SubmitRequest{ServiceRequired: "weave"})
	if err != nil {
		t.Fatalf("Failed to submit job: %v", err)
	}

	cases := []struct {
		method string
		path   string
	}{
		{http.MethodDelete, "/api/jobs"},
		{http.MethodPost, "/api/jobs/" + job.ID},
		{http.MethodGet, "/api/jobs/" + job.ID + "/cancel"},
		{http.MethodPost, "/api/workers"},
		{http.MethodPost, "/api/stats"},
	}

	for _, tc := range cases {
		req, err := http.NewRequest(tc.method, hs.URL+tc.path, nil)
		if err != nil {
			t.Fatalf("Failed to build request: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s failed: %v", tc.method, tc.path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s %s = %d, want 405", tc.method, tc.path, resp.StatusCode)
		}
	}
}

func TestWorkersEndpoint(t *testing.T) {
	srv, hs := startTestServer(t, nil)

	w := &queue.Worker{
		ID: "w-list",
		Capabilities: queue.Capabilities{
			Services:          []string{"weave"},
			MaxConcurrentJobs: 2,
		},
		Status: queue.WorkerIdle,
	}
	if err := srv.broker.RegisterWorker(t.Context(), w); err != nil {
		t.Fatalf("Failed to register worker: %v", err)
	}

	var list struct {
		Workers []*queue.Worker `json:"workers"`
		Count   int             `json:"count"`
	}
	getJSON(t, hs, "/api/workers", http.StatusOK, &list)

	if list.Count != 1 || list.Workers[0].ID != "w-list" {
		t.Errorf("Worker list = %+v, want one entry for w-list", list.Workers)
	}
}

func TestMachinesEndpoint(t *testing.T) {
	srv, hs := startTestServer(t, nil)

	m := &queue.Machine{
		ID:         "m-1",
		Hostname:   "loom.local",
		Status:     queue.MachineReady,
		CPUPercent: 12.5,
	}
	if err := srv.broker.RecordMachine(t.Context(), m); err != nil {
		t.Fatalf("Failed to record machine: %v", err)
	}

	var list struct {
		Machines []*queue.Machine `json:"machines"`
		Count    int              `json:"count"`
	}
	getJSON(t, hs, "/api/machines", http.StatusOK, &list)

	if list.Count != 1 || list.Machines[0].ID != "m-1" {
		t.Errorf("Machine list = %+v, want one entry for m-1", list.Machines)
	}
}

func TestStatsEndpoint(t *testing.T) {
	srv, hs := startTestServer(t, nil)

	if _, err := srv.broker.Submit(t.Context(), &queue.SubmitRequest{ServiceRequired: "weave"}); err != nil {
		t.Fatalf("Failed to submit job: %v", err)
	}

	var stats wire.StatsPayload
	getJSON(t, hs, "/api/stats", http.StatusOK, &stats)

	if stats.Queue == nil {
		t.Fatal("Stats response carries no queue section")
	}
	if stats.Queue.QueueDepth != 1 {
		t.Errorf("Queue depth = %d, want 1", stats.Queue.QueueDepth)
	}
	if stats.GeneratedAt == 0 {
		t.Error("Stats response carries no timestamp")
	}
}

func TestSubmitRateLimit(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.Server.SubmitRatePerMinute = 1
	_, hs := startTestServer(t, cfg)

	postJSON(t, hs, "/api/jobs", queue.SubmitRequest{ServiceRequired: "weave"},
		http.StatusCreated, nil)
	postJSON(t, hs, "/api/jobs", queue.SubmitRequest{ServiceRequired: "weave"},
		http.StatusTooManyRequests, nil)
}

func TestSubmitQueueDepthBackPressure(t *testing.T) {
	cfg := testServerConfig(t)
	cfg.Queue.MaxQueueDepth = 1
	srv, hs := startTestServer(t, cfg)

	postJSON(t, hs, "/api/jobs", queue.SubmitRequest{ServiceRequired: "weave"},
		http.StatusCreated, nil)
	postJSON(t, hs, "/api/jobs", queue.SubmitRequest{ServiceRequired: "weave"},
		http.StatusTooManyRequests, nil)

	// Draining the queue makes room again.
	w := &queue.Worker{
		ID: "w-drain",
		Capabilities: queue.Capabilities{
			Services:          []string{"weave"},
			MaxConcurrentJobs: 1,
		},
		Status: queue.WorkerIdle,
	}
	if err := srv.broker.RegisterWorker(t.Context(), w); err != nil {
		t.Fatalf("Failed to register worker: %v", err)
	}
	if job, _, err := srv.broker.ClaimNext(t.Context(), "w-drain"); err != nil || job == nil {
		t.Fatalf("Failed to claim the queued job: %v (job %+v)", err, job)
	}

	postJSON(t, hs, "/api/jobs", queue.SubmitRequest{ServiceRequired: "weave"},
		http.StatusCreated, nil)
}

func TestCORSPreflightAllowsLocalhost(t *testing.T) {
	_, hs := startTestServer(t, nil)

	req, err := http.NewRequest(http.MethodOptions, hs.URL+"/api/jobs", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Origin", "http://localhost:3000")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("OPTIONS failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Preflight = %d, want 200", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Errorf("Allow-Origin = %q, want the origin echoed", got)
	}
}

// TestSSEStreamForFinishedJob drives a job to completion, then reads its
// progress stream. With the job already terminal the stream is fully
// deterministic: connected, the replayed frames, the terminal event, EOF.
func TestSSEStreamForFinishedJob(t *testing.T) {
	srv, hs := startTestServer(t, nil)
	ctx := t.Context()

	job, err := srv.broker.Submit(ctx, &queue.SubmitRequest{ServiceRequired: "weave"})
	if err != nil {
		t.Fatalf("Failed to submit job: %v", err)
	}

	w := &queue.Worker{
		ID: "w-sse",
		Capabilities: queue.Capabilities{
			Services:          []string{"weave"},
			MaxConcurrentJobs: 1,
		},
		Status: queue.WorkerIdle,
	}
	if err := srv.broker.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("Failed to register worker: %v", err)
	}
	if _, _, err := srv.broker.ClaimNext(ctx, "w-sse"); err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}
	if _, err := srv.broker.Accept(ctx, job.ID, "w-sse"); err != nil {
		t.Fatalf("Failed to accept: %v", err)
	}
	for i := 1; i <= 2; i++ {
		ok, err := srv.broker.Progress(ctx, &queue.ProgressFrame{
			JobID:       job.ID,
			WorkerID:    "w-sse",
			ProgressPct: float64(i) * 50,
			Message:     fmt.Sprintf("pass %d", i),
		})
		if err != nil || !ok {
			t.Fatalf("Progress frame %d not recorded: %v", i, err)
		}
	}
	if _, _, err := srv.broker.Complete(ctx, job.ID, "w-sse", json.RawMessage(`{"rows":42}`)); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}

	resp, err := http.Get(hs.URL + "/api/jobs/" + job.ID + "/progress")
	if err != nil {
		t.Fatalf("GET progress stream failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want text/event-stream", ct)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read stream: %v", err)
	}
	stream := string(body)

	for _, want := range []string{
		"event: connected",
		"event: progress",
		"pass 1",
		"pass 2",
		"event: completed",
	} {
		if !strings.Contains(stream, want) {
			t.Errorf("Stream missing %q:\n%s", want, stream)
		}
	}

	// Events arrive in stream order: connected, then replay, then terminal.
	if strings.Index(stream, "event: connected") > strings.Index(stream, "event: progress") {
		t.Error("connected event did not precede the progress replay")
	}
	if strings.Index(stream, "event: progress") > strings.Index(stream, "event: completed") {
		t.Error("Progress replay did not precede the terminal event")
	}
}

func TestSSEReplayHonorsLastEventID(t *testing.T) {
	srv, hs := startTestServer(t, nil)
	ctx := t.Context()

	job, err := srv.broker.Submit(ctx, &queue.SubmitRequest{ServiceRequired: "weave"})
	if err != nil {
		t.Fatalf("Failed to submit job: %v", err)
	}
	w := &queue.Worker{
		ID: "w-replay",
		Capabilities: queue.Capabilities{
			Services:          []string{"weave"},
			MaxConcurrentJobs: 1,
		},
		Status: queue.WorkerIdle,
	}
	if err := srv.broker.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("Failed to register worker: %v", err)
	}
	if _, _, err := srv.broker.ClaimNext(ctx, "w-replay"); err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}
	if _, err := srv.broker.Accept(ctx, job.ID, "w-replay"); err != nil {
		t.Fatalf("Failed to accept: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := srv.broker.Progress(ctx, &queue.ProgressFrame{
			JobID:       job.ID,
			WorkerID:    "w-replay",
			ProgressPct: float64(i) * 25,
			Message:     fmt.Sprintf("step %d", i),
		}); err != nil {
			t.Fatalf("Progress frame %d failed: %v", i, err)
		}
	}
	if _, _, err := srv.broker.Complete(ctx, job.ID, "w-replay", nil); err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}

	// Resume after the second frame: only step 3 should replay.
	req, err := http.NewRequest(http.MethodGet, hs.URL+"/api/jobs/"+job.ID+"/progress", nil)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Last-Event-ID", "2")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET progress stream failed: %v", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read stream: %v", err)
	}
	stream := string(body)

	if strings.Contains(stream, "step 1") || strings.Contains(stream, "step 2") {
		t.Errorf("Stream replayed frames before Last-Event-ID:\n%s", stream)
	}
	if !strings.Contains(stream, "step 3") {
		t.Errorf("Stream missing the frame after Last-Event-ID:\n%s", stream)
	}
}

func TestSSEUnknownJob(t *testing.T) {
	_, hs := startTestServer(t, nil)
	getJSON(t, hs, "/api/jobs/j_missing/progress", http.StatusNotFound, nil)
}
