package client

import (
	"context"
	"fmt"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/queue"
)

// sseWriter emits hand-built Server-Sent Events from a test handler.
type sseWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func newSSEWriter(t *testing.T, w http.ResponseWriter) *sseWriter {
	t.Helper()
	f, ok := w.(http.Flusher)
	if !ok {
		t.Fatal("Response writer does not flush")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	return &sseWriter{w: w, f: f}
}

func (s *sseWriter) event(id, name, data string) {
	if id != "" {
		fmt.Fprintf(s.w, "id: %s\n", id)
	}
	fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data)
	s.f.Flush()
}

func (s *sseWriter) comment(text string) {
	fmt.Fprintf(s.w, ": %s\n\n", text)
	s.f.Flush()
}

func TestStreamProgressDecodesEvents(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/jobs/j_s/progress" {
			t.Errorf("Path = %s", r.URL.Path)
		}
		sw := newSSEWriter(t, w)
		sw.event("", "connected", `{"id":"j_s","status":"in_progress"}`)
		sw.event("1", "progress", `{"job_id":"j_s","seq":1,"progress_pct":50,"message":"halfway"}`)
		sw.comment("ping")
		sw.event("2", "progress", `{"job_id":"j_s","seq":2,"progress_pct":100}`)
		sw.event("", "completed", `{"id":"j_s","status":"completed","result":{"ok":true}}`)
	}))

	var got []ProgressEvent
	err := c.StreamProgress(context.Background(), "j_s", 0, func(ev ProgressEvent) error {
		got = append(got, ev)
		return nil
	})
	if err != nil {
		t.Fatalf("StreamProgress: %v", err)
	}

	wantNames := []string{"connected", "progress", "progress", "completed"}
	if len(got) != len(wantNames) {
		t.Fatalf("Got %d events, want %d", len(got), len(wantNames))
	}
	for i, name := range wantNames {
		if got[i].Name != name {
			t.Errorf("Event %d = %q, want %q", i, got[i].Name, name)
		}
	}

	if got[0].Job == nil || got[0].Job.Status != queue.StatusInProgress {
		t.Errorf("Connected event job = %+v", got[0].Job)
	}
	if got[1].Frame == nil || got[1].Frame.ProgressPct != 50 || got[1].Frame.Message != "halfway" {
		t.Errorf("First frame = %+v", got[1].Frame)
	}
	last := got[len(got)-1]
	if !last.Terminal() || last.Job == nil || last.Job.Status != queue.StatusCompleted {
		t.Errorf("Terminal event = %+v", last)
	}
}

func TestStreamProgressSendsResumeHeader(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Last-Event-ID"); got != "7" {
			t.Errorf("Last-Event-ID = %q, want 7", got)
		}
		sw := newSSEWriter(t, w)
		sw.event("", "completed", `{"id":"j_r","status":"completed"}`)
	}))

	err := c.StreamProgress(context.Background(), "j_r", 7, func(ProgressEvent) error { return nil })
	if err != nil {
		t.Fatalf("StreamProgress: %v", err)
	}
}

func TestWatchResumesAfterStreamDrop(t *testing.T) {
	var requests atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := newSSEWriter(t, w)
		switch requests.Add(1) {
		case 1:
			sw.event("", "connected", `{"id":"j_w","status":"in_progress"}`)
			sw.event("3", "progress", `{"job_id":"j_w","seq":3,"progress_pct":30}`)
			// Drop the connection mid-stream.
		default:
			if got := r.Header.Get("Last-Event-ID"); got != "3" {
				t.Errorf("Resume Last-Event-ID = %q, want 3", got)
			}
			sw.event("", "connected", `{"id":"j_w","status":"in_progress"}`)
			sw.event("4", "progress", `{"job_id":"j_w","seq":4,"progress_pct":80}`)
			sw.event("", "completed", `{"id":"j_w","status":"completed"}`)
		}
	}))

	var pcts []float64
	err := c.Watch(context.Background(), "j_w", func(ev ProgressEvent) error {
		if ev.Frame != nil {
			pcts = append(pcts, ev.Frame.ProgressPct)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}

	if n := requests.Load(); n != 2 {
		t.Errorf("Requests = %d, want 2", n)
	}
	if len(pcts) != 2 || pcts[0] != 30 || pcts[1] != 80 {
		t.Errorf("Progress pcts = %v", pcts)
	}
}

func TestWatchStopsOnCallbackError(t *testing.T) {
	var requests atomic.Int64
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		sw := newSSEWriter(t, w)
		sw.event("", "connected", `{"id":"j_e","status":"in_progress"}`)
		sw.event("1", "progress", `{"job_id":"j_e","seq":1,"progress_pct":10}`)
		sw.event("", "completed", `{"id":"j_e","status":"completed"}`)
	}))

	boom := errors.New("enough")
	err := c.Watch(context.Background(), "j_e", func(ev ProgressEvent) error {
		if ev.Name == "progress" {
			return boom
		}
		return nil
	})
	if err == nil || err.Error() != "enough" {
		t.Fatalf("Watch error = %v, want callback error", err)
	}
	if n := requests.Load(); n != 1 {
		t.Errorf("Requests = %d, want 1 (no reconnect on callback error)", n)
	}
}

func TestWatchPropagatesUnknownJob(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, http.StatusNotFound, map[string]string{"error": "job j_gone: not found"})
	}))

	start := time.Now()
	err := c.Watch(context.Background(), "j_gone", func(ProgressEvent) error { return nil })
	if !errors.IsNotFoundError(err) {
		t.Fatalf("Watch error = %v, want not-found", err)
	}
	if elapsed := time.Since(start); elapsed > watchReconnectDelay {
		t.Errorf("Watch retried an unknown job (took %s)", elapsed)
	}
}
