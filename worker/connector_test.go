package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/queue"
)

// captureSink records everything a connector reports.
type captureSink struct {
	mu    sync.Mutex
	pcts  []float64
	msgs  []string
	svcID string
}

func (c *captureSink) Report(pct float64, message string, step, totalSteps int, etaMS int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pcts = append(c.pcts, pct)
	c.msgs = append(c.msgs, message)
}

func (c *captureSink) SetServiceJobID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.svcID = id
}

func (c *captureSink) reported() []float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]float64(nil), c.pcts...)
}

func simJob(id, payload string) *queue.Job {
	j := &queue.Job{ID: id, ServiceRequired: "sim"}
	if payload != "" {
		j.Payload = json.RawMessage(payload)
	}
	return j
}

func TestRetryableMarkSurvivesWrapping(t *testing.T) {
	base := Retryable(errors.New("flaky backend"))
	wrapped := errors.Wrap(base, "processing job")

	if !IsRetryable(wrapped) {
		t.Error("Wrapping should not strip the retryable mark")
	}
	if IsRetryable(errors.New("permanent")) {
		t.Error("Unmarked errors must not read as retryable")
	}
	if Retryable(nil) != nil {
		t.Error("Retryable(nil) should stay nil")
	}
}

func TestSimConnectorCompletes(t *testing.T) {
	c := NewSimConnector("sim", queue.Capabilities{Services: []string{"sim"}},
		SimOptions{DurationMS: 40, Steps: 4})
	sink := &captureSink{}

	result, err := c.Process(context.Background(), simJob("j_sim1", ""), sink)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	var doc struct {
		OK    bool `json:"ok"`
		Steps int  `json:"steps"`
	}
	if err := json.Unmarshal(result, &doc); err != nil {
		t.Fatalf("Result is not valid JSON: %v", err)
	}
	if !doc.OK || doc.Steps != 4 {
		t.Errorf("Result = %+v, want ok with 4 steps", doc)
	}

	pcts := sink.reported()
	if len(pcts) != 4 {
		t.Fatalf("Reported %d progress frames, want 4", len(pcts))
	}
	if pcts[len(pcts)-1] != 100 {
		t.Errorf("Final progress = %v, want 100", pcts[len(pcts)-1])
	}
}

func TestSimConnectorDeterministicFailure(t *testing.T) {
	c := NewSimConnector("sim", queue.Capabilities{Services: []string{"sim"}}, SimOptions{})

	_, err := c.Process(context.Background(),
		simJob("j_fail", `{"duration_ms":20,"steps":2,"fail":true}`), &captureSink{})
	if err == nil {
		t.Fatal("Expected a simulated failure")
	}
	if !IsRetryable(err) {
		t.Error("Simulated failures default to retryable")
	}

	_, err = c.Process(context.Background(),
		simJob("j_fail2", `{"duration_ms":20,"steps":2,"fail":true,"fail_retry":false}`), &captureSink{})
	if err == nil {
		t.Fatal("Expected a simulated failure")
	}
	if IsRetryable(err) {
		t.Error("fail_retry=false should make the failure terminal")
	}
}

func TestSimConnectorResultPassthrough(t *testing.T) {
	c := NewSimConnector("sim", queue.Capabilities{Services: []string{"sim"}}, SimOptions{})

	result, err := c.Process(context.Background(),
		simJob("j_echo", `{"duration_ms":10,"steps":1,"result":{"answer":42}}`), &captureSink{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(result, &doc); err != nil {
		t.Fatalf("Result is not valid JSON: %v", err)
	}
	if doc["answer"] != float64(42) {
		t.Errorf("Result = %v, want the payload's result document back", doc)
	}
}

func TestSimConnectorHonorsCancellation(t *testing.T) {
	c := NewSimConnector("sim", queue.Capabilities{Services: []string{"sim"}},
		SimOptions{DurationMS: 10_000, Steps: 10})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Process(ctx, simJob("j_cancel", ""), &captureSink{})
	if err == nil {
		t.Fatal("Expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Cancellation took %v, want prompt exit", elapsed)
	}
}
