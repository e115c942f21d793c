package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/queue"
)

const (
	simDefaultDuration = 2 * time.Second
	simDefaultSteps    = 5
)

// SimOptions configures a SimConnector. Zero values mean the defaults:
// 2s total, 5 steps, never fail.
type SimOptions struct {
	DurationMS  int64
	Steps       int
	FailureRate float64 // 0..1 chance a job fails at a random step
}

// SimConnector pretends to do work: it sleeps through a configurable
// number of steps, reports progress after each, and optionally fails.
// It backs development setups and the test suite, and is the connector a
// worker falls back to when no manifest is given.
type SimConnector struct {
	name string
	caps queue.Capabilities
	opts SimOptions
}

// simPayload lets an individual job override the connector defaults, so
// tests can drive exact timings and failures per submission.
type simPayload struct {
	DurationMS int64           `json:"duration_ms"`
	Steps      int             `json:"steps"`
	Fail       bool            `json:"fail"`       // fail deterministically at the last step
	FailRetry  *bool           `json:"fail_retry"` // whether the deterministic failure is retryable (default true)
	Result     json.RawMessage `json:"result"`     // returned verbatim on success
}

func NewSimConnector(name string, caps queue.Capabilities, opts SimOptions) *SimConnector {
	return &SimConnector{name: name, caps: caps, opts: opts}
}

func (c *SimConnector) Name() string { return c.name }

func (c *SimConnector) Capabilities() queue.Capabilities { return c.caps }

func (c *SimConnector) Initialize(ctx context.Context) error { return nil }

func (c *SimConnector) Cleanup() error { return nil }

func (c *SimConnector) HealthCheck(ctx context.Context) error { return nil }

func (c *SimConnector) CanProcess(job *queue.Job) bool { return job != nil }

func (c *SimConnector) Cancel(jobID string) error { return nil }

func (c *SimConnector) Process(ctx context.Context, job *queue.Job, sink ProgressSink) (json.RawMessage, error) {
	var p simPayload
	if len(job.Payload) > 0 {
		// Free-form payloads are fine; only the recognized keys matter.
		_ = json.Unmarshal(job.Payload, &p)
	}

	duration := simDefaultDuration
	if p.DurationMS > 0 {
		duration = time.Duration(p.DurationMS) * time.Millisecond
	} else if c.opts.DurationMS > 0 {
		duration = time.Duration(c.opts.DurationMS) * time.Millisecond
	}

	steps := simDefaultSteps
	if p.Steps > 0 {
		steps = p.Steps
	} else if c.opts.Steps > 0 {
		steps = c.opts.Steps
	}

	failAt := -1
	retryable := true
	if c.opts.FailureRate > 0 && rand.Float64() < c.opts.FailureRate {
		failAt = rand.Intn(steps)
	}
	if p.Fail {
		failAt = steps - 1
		if p.FailRetry != nil {
			retryable = *p.FailRetry
		}
	}

	stepDur := duration / time.Duration(steps)
	started := time.Now()

	for i := 0; i < steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(stepDur):
		}

		if i == failAt {
			err := errors.Newf("simulated failure at step %d/%d", i+1, steps)
			if retryable {
				return nil, Retryable(err)
			}
			return nil, err
		}

		pct := float64(i+1) / float64(steps) * 100
		eta := time.Duration(steps-i-1) * stepDur
		sink.Report(pct, fmt.Sprintf("step %d/%d", i+1, steps), i+1, steps, eta.Milliseconds())
	}

	if len(p.Result) > 0 {
		return p.Result, nil
	}
	return json.Marshal(map[string]any{
		"ok":         true,
		"job_id":     job.ID,
		"steps":      steps,
		"elapsed_ms": time.Since(started).Milliseconds(),
	})
}
