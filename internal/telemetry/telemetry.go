package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Evaluation metrics
	EvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertflow_evaluations_total",
			Help: "Total number of rule evaluations",
		},
		[]string{"outcome"}, // outcome: triggered, ok, disabled, cooldown, metric_unavailable, error
	)

	EvaluationCycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "alertflow_evaluation_cycle_duration_seconds",
			Help:    "Duration of one full evaluate-and-process cycle",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// Alert lifecycle metrics
	AlertsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertflow_alerts_created_total",
			Help: "Total number of alerts raised",
		},
		[]string{"severity"},
	)

	AlertsResolvedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertflow_alerts_resolved_total",
			Help: "Total number of alerts resolved",
		},
		[]string{"resolved_by"}, // resolved_by: system, operator
	)

	AlertsEscalatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertflow_alerts_escalated_total",
			Help: "Total number of alert escalations",
		},
		[]string{"trigger"}, // trigger: auto, manual
	)

	AlertsPurgedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertflow_alerts_purged_total",
			Help: "Total number of closed alerts expired from the NATS alert bucket",
		},
	)

	ActiveAlerts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "alertflow_active_alerts",
			Help: "Number of active alerts in orchestrator cache",
		},
	)

	// Notification metrics
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertflow_notifications_total",
			Help: "Total number of notification delivery attempts",
		},
		[]string{"channel_type", "status"}, // status: sent, failed, rate_limited
	)

	NotificationDeliveryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "alertflow_notification_delivery_duration_seconds",
			Help:    "Notification delivery latency in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel_type"},
	)

	NotificationQueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "alertflow_notification_queue_depth",
			Help: "Pending notification requests per priority tier",
		},
		[]string{"priority"},
	)

	NotificationRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "alertflow_notification_retries_total",
			Help: "Total number of notification retries scheduled",
		},
	)

	NotificationDeadLetteredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertflow_notification_dead_lettered_total",
			Help: "Total number of notifications moved to permanently failed",
		},
		[]string{"channel_type"},
	)

	// Ingest metrics
	IngestSamplesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "alertflow_ingest_samples_total",
			Help: "Total number of metric samples received",
		},
		[]string{"transport", "status"}, // status: accepted, rejected
	)
)
