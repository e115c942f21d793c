package client

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/queue"
)

// maxSSELine bounds one event line. Progress frames are small; the job
// records on connected/terminal events carry payload and result blobs.
const maxSSELine = 4 * 1024 * 1024

// watchReconnectDelay paces reconnect attempts in Watch.
const watchReconnectDelay = 2 * time.Second

// ProgressEvent is one event off a job's progress stream.
type ProgressEvent struct {
	// Name is the SSE event name: "connected", "progress", or a
	// terminal job status.
	Name  string
	Frame *queue.ProgressFrame // set for progress events
	Job   *queue.Job           // set for connected and terminal events
}

// Terminal reports whether the event carries the job's final status.
func (ev ProgressEvent) Terminal() bool {
	return queue.Status(ev.Name).Terminal()
}

// errCallback marks errors returned by the caller's event function, so
// Watch can tell "caller said stop" from "stream died".
var errCallback = errors.New("event callback failed")

// StreamProgress follows one SSE connection to a job's progress stream,
// invoking fn for every event. It returns nil once a terminal event has
// been delivered. afterSeq > 0 resumes after that frame via Last-Event-ID.
// A stream that ends before the terminal event is an error; Watch wraps
// this with reconnect-and-resume.
func (c *Client) StreamProgress(ctx context.Context, jobID string, afterSeq int64, fn func(ProgressEvent) error) error {
	u := c.baseURL + "/api/jobs/" + url.PathEscape(jobID) + "/progress"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return errors.Wrap(err, "building progress request")
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if afterSeq > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(afterSeq, 10))
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return errors.Wrapf(err, "opening progress stream for %s", jobID)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(resp.StatusCode, readAPIError(resp.Body))
	}
	return decodeSSE(resp.Body, fn)
}

// Watch follows a job to its terminal event, reconnecting with resume
// when the stream drops. fn errors and API rejections (unknown job, bad
// request) propagate immediately; transport failures retry until ctx ends.
func (c *Client) Watch(ctx context.Context, jobID string, fn func(ProgressEvent) error) error {
	lastSeq := int64(0)
	track := func(ev ProgressEvent) error {
		if ev.Frame != nil && ev.Frame.Seq > lastSeq {
			lastSeq = ev.Frame.Seq
		}
		return fn(ev)
	}

	for {
		err := c.StreamProgress(ctx, jobID, lastSeq, track)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, errCallback):
			return err
		case errors.IsNotFoundError(err),
			errors.IsInvalidRequestError(err),
			errors.IsConflictError(err):
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(watchReconnectDelay):
		}
	}
}

// decodeSSE parses a text/event-stream body and dispatches complete
// events. Comment lines (the server's ": ping" heartbeats) are dropped;
// the id: field is redundant with the frame's own seq and ignored.
func decodeSSE(r io.Reader, fn func(ProgressEvent) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)

	var (
		name string
		data []byte
	)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if name == "" && len(data) == 0 {
				continue
			}
			ev, err := parseEvent(name, data)
			name, data = "", nil
			if err != nil {
				return err
			}
			if err := fn(ev); err != nil {
				return errors.Mark(err, errCallback)
			}
			if ev.Terminal() {
				return nil
			}

		case strings.HasPrefix(line, ":"):
			// heartbeat comment

		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))

		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(line, "data:")
			chunk = strings.TrimPrefix(chunk, " ")
			if len(data) > 0 {
				data = append(data, '\n')
			}
			data = append(data, chunk...)
		}
	}
	if err := sc.Err(); err != nil {
		return errors.Wrap(err, "reading progress stream")
	}
	return errors.New("progress stream ended before a terminal event")
}

// parseEvent decodes one event body. Progress events carry a frame;
// everything else carries the job record.
func parseEvent(name string, data []byte) (ProgressEvent, error) {
	ev := ProgressEvent{Name: name}
	if name == "progress" {
		var frame queue.ProgressFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return ev, errors.Wrap(err, "decoding progress frame")
		}
		ev.Frame = &frame
		return ev, nil
	}

	var job queue.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return ev, errors.Wrapf(err, "decoding %s event", name)
	}
	ev.Job = &job
	return ev, nil
}
