package server

import (
	"time"

	"github.com/teranos/weft/queue"
	"github.com/teranos/weft/wire"
)

// runStatsBroadcaster pushes queue statistics to monitor connections on
// the configured interval. Unchanged snapshots are not re-sent; the
// Prometheus gauges are refreshed every tick regardless.
func (s *Server) runStatsBroadcaster() {
	interval := s.config().Server.StatsInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last cachedStats
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.broadcastStats(&last)
			if n := s.evictIdleLimiters(time.Now().Add(-limiterIdleTTL)); n > 0 {
				s.logger.Debugw("Evicted idle rate-limit entries", "count", n)
			}
		}
	}
}

func (s *Server) broadcastStats(last *cachedStats) {
	stats, err := s.broker.Stats(s.ctx)
	if err != nil {
		s.logger.Warnw("Failed to collect queue stats", "error", err)
		return
	}

	clients, workerConns, monitors := s.connCounts()
	queueDepthGauge.Set(float64(stats.QueueDepth))
	clientsConnected.Set(float64(clients))
	workersConnected.Set(float64(workerConns))
	monitorsConnected.Set(float64(monitors))

	active := stats.ByStatus[string(queue.StatusAssigned)] +
		stats.ByStatus[string(queue.StatusAccepted)] +
		stats.ByStatus[string(queue.StatusInProgress)]

	machines, err := s.broker.Machines(s.ctx)
	if err != nil {
		s.logger.Warnw("Failed to list machines for stats", "error", err)
	}

	cur := cachedStats{
		queueDepth: stats.QueueDepth,
		active:     active,
		workers:    stats.WorkersTotal,
		machines:   len(machines),
		conns:      clients + workerConns + monitors,
	}
	if cur == *last {
		return
	}
	*last = cur

	if monitors == 0 {
		return
	}

	workers, err := s.broker.Workers(s.ctx)
	if err != nil {
		s.logger.Warnw("Failed to list workers for stats", "error", err)
	}

	env := wire.MustNew(wire.TypeStats, wire.StatsPayload{
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

	s.mu.RLock()
	targets := make([]*Conn, 0, len(s.clients))
	for c := range s.clients {
		if c.kindIs(kindMonitor) {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.tryQueue(env)
	}
}
