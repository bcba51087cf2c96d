package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)

// Engine metrics
var (
	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_executions_total",
			Help: "Executions that reached a status, by trigger type",
		},
		[]string{"trigger_type", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_execution_duration_seconds",
			Help:    "Wall time of one coordinator pass over an execution",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"trigger_type"},
	)

	ActiveExecutions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "automation_active_executions",
			Help: "Executions currently held by a coordinator",
		},
	)

	StepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_steps_total",
			Help: "Action steps executed, by action type and outcome",
		},
		[]string{"action_type", "status"},
	)

	StepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "automation_step_duration_seconds",
			Help:    "Action step latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action_type"},
	)

	ConditionEvaluations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_condition_evaluations_total",
			Help: "Leaf condition evaluations, by type and outcome",
		},
		[]string{"condition_type", "outcome"},
	)

	RetriesScheduled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_retries_scheduled_total",
			Help: "Coordinator-level retries scheduled after a failure",
		},
	)

	RetriesExhausted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_retries_exhausted_total",
			Help: "Executions that failed permanently after exhausting retries",
		},
	)
)

// Dispatch metrics
var (
	EventsReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_events_received_total",
			Help: "Trigger events received by the dispatcher",
		},
		[]string{"trigger_type"},
	)

	DispatchEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_dispatch_enqueued_total",
			Help: "Rule runs handed to a dispatch pool",
		},
		[]string{"trigger_type"},
	)

	DispatchDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_dispatch_dropped_total",
			Help: "Rule runs rejected because the dispatch queue was full",
		},
		[]string{"trigger_type"},
	)

	DispatchQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "automation_dispatch_queue_depth",
			Help: "Runs waiting in each dispatch queue",
		},
		[]string{"trigger_type"},
	)

	SignatureRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_webhook_signature_rejections_total",
			Help: "Inbound webhooks rejected for a bad or missing signature",
		},
	)
)

// Outbound metrics
var (
	WebhookAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_outbound_webhook_attempts_total",
			Help: "Outbound call_webhook attempts, by outcome",
		},
		[]string{"outcome"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_notifications_sent_total",
			Help: "Messages handed to a delivery channel",
		},
		[]string{"channel", "status"},
	)

	WorkerJobsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "automation_worker_jobs_total",
			Help: "Jobs processed by background workers",
		},
		[]string{"worker", "status"},
	)
)

// API surface metrics
var (
	RateLimited = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "automation_http_rate_limited_total",
			Help: "Requests rejected by the API rate limiter",
		},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "automation_websocket_clients",
			Help: "Execution stream clients connected to this instance",
		},
	)
)
