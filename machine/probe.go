// Package machine publishes machine status snapshots to a weft server:
// hardware samples, local service probes, and the machine's own workers,
// composed on a cadence and pushed over a client WebSocket whenever the
// picture changes.
package machine

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/teranos/weft/internal/httpclient"
	"github.com/teranos/weft/queue"
)

// probeTimeout bounds one service check. Probes run concurrently, so a
// hung service delays the sample by at most this long.
const probeTimeout = 3 * time.Second

// prober health-checks the machine's local services. Two URL forms are
// understood: "tcp://host:port" succeeds when the port accepts a
// connection, "http(s)://..." when a GET answers below 400.
type prober struct {
	probes map[string]string
	http   *httpclient.SaferClient
	dialer net.Dialer
}

func newProber(probes map[string]string) *prober {
	// Probed services live on this machine, so private addresses are
	// the normal case.
	blockPrivate := false
	return &prober{
		probes: probes,
		http: httpclient.NewSaferClientWithOptions(probeTimeout, httpclient.SaferClientOptions{
			BlockPrivateIP: &blockPrivate,
		}),
		dialer: net.Dialer{Timeout: probeTimeout},
	}
}

// checkAll probes every configured service concurrently and returns the
// results sorted by name.
func (p *prober) checkAll(ctx context.Context) []queue.ServiceHealth {
	if len(p.probes) == 0 {
		return nil
	}

	results := make([]queue.ServiceHealth, 0, len(p.probes))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for name, target := range p.probes {
		wg.Add(1)
		go func(name, target string) {
			defer wg.Done()
			h := p.check(ctx, name, target)
			mu.Lock()
			results = append(results, h)
			mu.Unlock()
		}(name, target)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// check probes one service.
func (p *prober) check(ctx context.Context, name, target string) queue.ServiceHealth {
	h := queue.ServiceHealth{Name: name, CheckedAt: time.Now().UnixMilli()}

	u, err := url.Parse(target)
	if err != nil {
		h.Detail = "invalid probe url: " + target
		return h
	}

	switch u.Scheme {
	case "tcp":
		conn, err := p.dialer.DialContext(ctx, "tcp", u.Host)
		if err != nil {
			h.Detail = err.Error()
			return h
		}
		conn.Close()
		h.Healthy = true

	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			h.Detail = err.Error()
			return h
		}
		resp, err := p.http.Do(req)
		if err != nil {
			h.Detail = err.Error()
			return h
		}
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			h.Detail = fmt.Sprintf("status %d", resp.StatusCode)
			return h
		}
		h.Healthy = true

	default:
		h.Detail = fmt.Sprintf("unsupported probe scheme %q", u.Scheme)
	}
	return h
}
