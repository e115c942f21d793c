package machine

import (
	"context"
	"math"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/teranos/weft/client"
	"github.com/teranos/weft/config"
	"github.com/teranos/weft/errors"
	"github.com/teranos/weft/logger"
	"github.com/teranos/weft/queue"
)

// shutdownGrace bounds the final snapshot publish.
const shutdownGrace = 5 * time.Second

// defaultDelta is the CPU/memory swing that forces a publish when the
// config leaves a threshold unset.
const defaultDelta = 10.0

// Aggregator composes and publishes this machine's status. Identity is
// the hostname, which is also what workers report as their machine id,
// so the server stitches both views onto the same record.
type Aggregator struct {
	machine config.MachineConfig
	id      string
	api     *client.Client
	pub     *publisher
	probe   *prober
	log     *zap.SugaredLogger

	startedAt time.Time
	last      *queue.Machine
	lastPub   time.Time
}

// NewAggregator wires an aggregator from the config. The API client and
// the status channel both point at the configured server.
func NewAggregator(cfg *config.Config) (*Aggregator, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, errors.Wrap(err, "resolving hostname")
	}

	serverURL := cfg.Client.ServerURL
	if serverURL == "" {
		serverURL = "http://localhost:7770"
	}
	wsURL, err := machineSocketURL(serverURL, hostname)
	if err != nil {
		return nil, err
	}

	log := logger.AddMachineSymbol(logger.Logger)
	return &Aggregator{
		machine:   cfg.Machine,
		id:        hostname,
		api:       client.New(serverURL),
		pub:       newPublisher(wsURL, log),
		probe:     newProber(cfg.Machine.Probes),
		log:       log,
		startedAt: time.Now(),
	}, nil
}

// Run samples and publishes until ctx ends, then pushes a final shutdown
// snapshot so the machine reads as shut down instead of silently
// expiring.
func (a *Aggregator) Run(ctx context.Context) error {
	a.log.Infow("Machine aggregator starting",
		"machine_id", a.id,
		"sample_interval", a.machine.SampleInterval(),
		"publish_interval", a.machine.PublishInterval(),
		"probes", len(a.machine.Probes),
	)

	first := a.snapshot(ctx)
	first.Status = queue.MachineStarting
	a.publishSnapshot(ctx, first, "starting")

	ticker := time.NewTicker(a.machine.SampleInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			return nil
		case <-ticker.C:
			next := a.snapshot(ctx)
			if ok, reason := a.shouldPublish(time.Now(), next); ok {
				a.publishSnapshot(ctx, next, reason)
			}
		}
	}
}

// snapshot composes the current machine picture. Sampling is best
// effort: a failing source leaves its fields zero rather than holding
// up the publish.
func (a *Aggregator) snapshot(ctx context.Context) *queue.Machine {
	m := &queue.Machine{
		ID:        a.id,
		Hostname:  a.id,
		Status:    queue.MachineReady,
		StartedAt: a.startedAt.UnixMilli(),
	}

	if pcts, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pcts) > 0 {
		m.CPUPercent = pcts[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.MemoryPercent = vm.UsedPercent
		m.MemoryTotalMB = vm.Total / (1024 * 1024)
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		m.LoadAverage = avg.Load1
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		m.UptimeSeconds = info.Uptime
	}

	m.Services = a.probe.checkAll(ctx)
	for _, svc := range m.Services {
		if !svc.Healthy {
			m.Status = queue.MachineDegraded
			break
		}
	}

	m.Workers = a.fetchWorkers(ctx)
	return m
}

// fetchWorkers pulls this machine's workers from the API. The registry
// is server-side truth; asking beats keeping a parallel one.
func (a *Aggregator) fetchWorkers(ctx context.Context) []queue.WorkerSummary {
	workers, err := a.api.Workers(ctx)
	if err != nil {
		a.log.Debugw("Worker registry unavailable, snapshot omits workers", "error", err)
		return nil
	}

	now := time.Now().UnixMilli()
	var out []queue.WorkerSummary
	for _, w := range workers {
		if w.MachineID != a.id || w.Status == queue.WorkerOffline || w.PresenceExpired(now) {
			continue
		}
		out = append(out, queue.WorkerSummary{
			ID:          w.ID,
			Status:      w.Status,
			CurrentJobs: len(w.CurrentJobIDs),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// shouldPublish decides whether next differs enough from the last
// published snapshot. The periodic floor keeps server-side presence
// fresh on a quiet machine.
func (a *Aggregator) shouldPublish(now time.Time, next *queue.Machine) (bool, string) {
	if a.last == nil {
		return true, "first sample"
	}
	if floor := a.machine.PublishInterval(); floor > 0 && now.Sub(a.lastPub) >= floor {
		return true, "interval"
	}
	if next.Status != a.last.Status {
		return true, "status change"
	}
	if workersChanged(a.last.Workers, next.Workers) {
		return true, "worker change"
	}
	if probesChanged(a.last.Services, next.Services) {
		return true, "service change"
	}
	if math.Abs(next.CPUPercent-a.last.CPUPercent) >= threshold(a.machine.CPUDeltaPercent) {
		return true, "cpu swing"
	}
	if math.Abs(next.MemoryPercent-a.last.MemoryPercent) >= threshold(a.machine.MemoryDeltaPercent) {
		return true, "memory swing"
	}
	return false, ""
}

func (a *Aggregator) publishSnapshot(ctx context.Context, m *queue.Machine, reason string) {
	// ExpiresAt stays zero; the server stamps its own retention window.
	m.PublishedAt = time.Now().UnixMilli()

	if err := a.pub.publish(ctx, m); err != nil {
		a.log.Warnw("Failed to publish machine status", "error", err)
		return
	}
	a.last = m
	a.lastPub = time.Now()
	a.log.Debugw("Published machine status",
		"status", m.Status,
		"reason", reason,
		"workers", len(m.Workers),
	)
}

func (a *Aggregator) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	final := &queue.Machine{
		ID:          a.id,
		Hostname:    a.id,
		Status:      queue.MachineShutdown,
		StartedAt:   a.startedAt.UnixMilli(),
		PublishedAt: time.Now().UnixMilli(),
	}
	if err := a.pub.publish(ctx, final); err != nil {
		a.log.Warnw("Failed to publish shutdown status", "error", err)
	}
	a.pub.close()

	a.log.Infow("Machine aggregator stopped", "machine_id", a.id)
}

func threshold(configured float64) float64 {
	if configured <= 0 {
		return defaultDelta
	}
	return configured
}

// workersChanged compares identity and state, not job counts: idle/busy
// flips matter, exact counts refresh on the periodic floor.
func workersChanged(prev, next []queue.WorkerSummary) bool {
	if len(prev) != len(next) {
		return true
	}
	for i := range prev {
		if prev[i].ID != next[i].ID || prev[i].Status != next[i].Status {
			return true
		}
	}
	return false
}

func probesChanged(prev, next []queue.ServiceHealth) bool {
	if len(prev) != len(next) {
		return true
	}
	for i := range prev {
		if prev[i].Name != next[i].Name || prev[i].Healthy != next[i].Healthy {
			return true
		}
	}
	return false
}

// machineSocketURL converts the configured server URL into the client
// socket endpoint the status channel dials.
func machineSocketURL(base, id string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", errors.Wrapf(err, "invalid server url %q", base)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.Newf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/client/" + id
	return u.String(), nil
}
