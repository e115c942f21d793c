package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors for the fabric and the queue behind it. All
// registered on the default registry and served from /metrics.
var (
	jobsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_jobs_submitted_total",
		Help: "Jobs accepted by the server, over HTTP and WebSocket.",
	})

	jobsTerminalTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_jobs_terminal_total",
		Help: "Jobs that reached a terminal status.",
	}, []string{"status"})

	jobDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "weft_job_duration_seconds",
		Help:    "Submission-to-completion time of completed jobs.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weft_queue_depth",
		Help: "Jobs currently waiting for a worker.",
	})

	clientsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weft_clients_connected",
		Help: "Live client WebSocket connections.",
	})

	workersConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weft_workers_connected",
		Help: "Live WebSocket connections bound to a registered worker.",
	})

	monitorsConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "weft_monitors_connected",
		Help: "Live monitor WebSocket connections.",
	})

	wsMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_ws_messages_total",
		Help: "WebSocket messages by type and direction.",
	}, []string{"type", "direction"})

	sendDropsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weft_send_drops_total",
		Help: "Messages dropped because a connection's send queue was full.",
	})

	wsHandlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "weft_ws_handler_errors_total",
		Help: "Inbound messages answered with an error reply, by message type.",
	}, []string{"type"})
)
