package worker

import (
	"context"
	"encoding/json"
	"os/exec"
	"testing"
	"time"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/queue"
)

func newShConnector(t *testing.T, opts ExecOptions) *ExecConnector {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	c := NewExecConnector("sh-test", queue.Capabilities{Services: []string{"shell"}}, opts)
	if err := c.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Cleanup(); err != nil {
			t.Errorf("Cleanup failed: %v", err)
		}
	})
	return c
}

func TestExecConnectorEchoesPayload(t *testing.T) {
	c := newShConnector(t, ExecOptions{Command: "sh -c cat"})

	job := &queue.Job{ID: "j_echo", Payload: json.RawMessage(`{"x":1}`)}
	result, err := c.Process(context.Background(), job, &captureSink{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	var doc map[string]any
	if err := json.Unmarshal(result, &doc); err != nil {
		t.Fatalf("Result is not valid JSON: %v", err)
	}
	if doc["x"] != float64(1) {
		t.Errorf("Result = %v, want the payload echoed back", doc)
	}
}

func TestExecConnectorExitCodes(t *testing.T) {
	retry := newShConnector(t, ExecOptions{Command: `sh -c "exit 75"`})
	_, err := retry.Process(context.Background(), &queue.Job{ID: "j_75"}, &captureSink{})
	if err == nil {
		t.Fatal("Expected failure for exit 75")
	}
	if !IsRetryable(err) {
		t.Error("Exit code 75 (EX_TEMPFAIL) should be retryable")
	}

	fatal := newShConnector(t, ExecOptions{Command: `sh -c "exit 3"`})
	_, err = fatal.Process(context.Background(), &queue.Job{ID: "j_3"}, &captureSink{})
	if err == nil {
		t.Fatal("Expected failure for exit 3")
	}
	if IsRetryable(err) {
		t.Error("Exit code 3 should be terminal")
	}
}

func TestExecConnectorWrapsPlainOutput(t *testing.T) {
	c := newShConnector(t, ExecOptions{Command: `sh -c "echo done"`})

	result, err := c.Process(context.Background(), &queue.Job{ID: "j_plain"}, &captureSink{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	var doc map[string]string
	if err := json.Unmarshal(result, &doc); err != nil {
		t.Fatalf("Result is not valid JSON: %v", err)
	}
	if doc["output"] != "done" {
		t.Errorf("Result = %v, want plain output wrapped", doc)
	}
}

func TestExecConnectorPassesJobEnv(t *testing.T) {
	c := newShConnector(t, ExecOptions{
		Command: `sh -c 'printf "{\"id\": \"%s\"}" "$WEFT_JOB_ID"'`,
	})

	result, err := c.Process(context.Background(), &queue.Job{ID: "j_env"}, &captureSink{})
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	var doc map[string]string
	if err := json.Unmarshal(result, &doc); err != nil {
		t.Fatalf("Result is not valid JSON: %v", err)
	}
	if doc["id"] != "j_env" {
		t.Errorf("WEFT_JOB_ID seen by the command = %q, want j_env", doc["id"])
	}
}

func TestExecConnectorTimeoutIsRetryable(t *testing.T) {
	c := newShConnector(t, ExecOptions{Command: "sleep 5", TimeoutSeconds: 1})

	start := time.Now()
	_, err := c.Process(context.Background(), &queue.Job{ID: "j_slow"}, &captureSink{})
	if err == nil {
		t.Fatal("Expected timeout failure")
	}
	if !IsRetryable(err) {
		t.Error("Connector timeouts should be retryable")
	}
	if elapsed := time.Since(start); elapsed > 4*time.Second {
		t.Errorf("Timeout enforcement took %v", elapsed)
	}
}

func TestExecConnectorCancellation(t *testing.T) {
	c := newShConnector(t, ExecOptions{Command: "sleep 5"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := c.Process(ctx, &queue.Job{ID: "j_killed"}, &captureSink{})
	if err == nil {
		t.Fatal("Expected cancellation error")
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Cancellation took %v, want prompt exit", elapsed)
	}
}

func TestExecConnectorRejectsBadCommands(t *testing.T) {
	c := NewExecConnector("bad", queue.Capabilities{Services: []string{"x"}},
		ExecOptions{Command: ""})
	if err := c.Initialize(context.Background()); err == nil {
		t.Error("Initialize should reject an empty command")
	}

	c = NewExecConnector("missing", queue.Capabilities{Services: []string{"x"}},
		ExecOptions{Command: "weft-no-such-binary-anywhere"})
	if err := c.Initialize(context.Background()); err == nil {
		t.Error("Initialize should reject a command that is not on PATH")
	}
}
