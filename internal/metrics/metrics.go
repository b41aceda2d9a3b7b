// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay metrics
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipebridge_messages_ingested_total",
			Help: "Inbound messages appended to the store",
		},
		[]string{"side"},
	)

	MessagesDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipebridge_messages_delivered_total",
			Help: "Messages relayed and marked delivered",
		},
		[]string{"side"},
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipebridge_send_failures_total",
			Help: "Failed outbound sends by classification",
		},
		[]string{"side", "kind"}, // transient, permanent, quota
	)

	EchoesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipebridge_echoes_dropped_total",
			Help: "Inbound messages discarded as echoes of our own sends",
		},
		[]string{"side"},
	)

	RateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipebridge_rate_limit_hits_total",
			Help: "Sends deferred because the destination was rate limited",
		},
		[]string{"side"},
	)

	InboundDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipebridge_inbound_dropped_total",
			Help: "Inbound messages dropped because the queue was full",
		},
		[]string{"side"},
	)

	// Pairing metrics
	PipeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipebridge_pipe_events_total",
			Help: "Pipe lifecycle transitions",
		},
		[]string{"event"}, // installed, conflict, activated, removed, expired
	)

	// Supervisor metrics
	WorkerRestarts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipebridge_worker_restarts_total",
			Help: "Worker restarts performed by the supervisor",
		},
		[]string{"worker"},
	)

	WorkerUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipebridge_worker_up",
			Help: "1 if the worker is running, 0 otherwise",
		},
		[]string{"worker"},
	)
)
