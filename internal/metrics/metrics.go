package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InboundMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "inbox",
			Name:      "inbound_messages_total",
			Help:      "Inbound messages accepted per channel",
		},
		[]string{"channel"},
	)

	DuplicateDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "inbox",
			Name:      "duplicate_deliveries_total",
			Help:      "Webhook redeliveries dropped by provider message id",
		},
		[]string{"channel"},
	)

	OutboundSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "dispatch",
			Name:      "outbound_sends_total",
			Help:      "Outbound channel sends by result",
		},
		[]string{"channel", "result"},
	)

	OutboundSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "supportdesk",
			Subsystem: "dispatch",
			Name:      "outbound_send_duration_seconds",
			Help:      "Outbound provider call latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"channel"},
	)

	LiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "supportdesk",
			Subsystem: "realtime",
			Name:      "live_connections",
			Help:      "Currently registered socket connections",
		},
	)

	EventsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "realtime",
			Name:      "events_emitted_total",
			Help:      "Realtime frames queued to connections, by event",
		},
		[]string{"event"},
	)

	SlowConsumersDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "realtime",
			Name:      "slow_consumers_dropped_total",
			Help:      "Connections dropped because their send buffer was full",
		},
	)

	AgentJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "ai_agent",
			Name:      "jobs_total",
			Help:      "AI agent jobs by status reached",
		},
		[]string{"status"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "supportdesk",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status",
		},
		[]string{"method", "status"},
	)
)
