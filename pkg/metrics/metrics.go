package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
	ResultSkipped = "skipped"

	SourceWorkflow  = "workflow"
	SourceScheduled = "scheduled"
)

var (
	TriggersFired = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoflow_triggers_fired_total",
			Help: "Workflows activated by a trigger, by trigger type",
		},
		[]string{"trigger_type"},
	)

	StepsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoflow_steps_processed_total",
			Help: "Workflow steps executed by the advancer",
		},
		[]string{"action", "result"},
	)

	EmailsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoflow_emails_sent_total",
			Help: "Individual email deliveries, by source",
		},
		[]string{"source", "result"},
	)

	ScheduledEmails = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoflow_scheduled_emails_total",
			Help: "Scheduled email rows processed by the runner",
		},
		[]string{"result"},
	)

	PassDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autoflow_pass_duration_seconds",
			Help:    "Duration of advancer, scheduled email and invoice scan passes",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)
)
