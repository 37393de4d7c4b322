package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReportsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vera_reports_created_total",
			Help: "Total reports accepted, by status",
		},
		[]string{"status"},
	)

	ReportStatusChanges = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vera_report_status_changes_total",
			Help: "Total report status updates",
		},
	)

	ReconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vera_reconcile_total",
			Help: "Total event reconciliations, by mode (incremental, rebuild) and outcome",
		},
		[]string{"mode", "outcome"},
	)

	ReconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vera_reconcile_duration_seconds",
			Help:    "Time to reconcile one event",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	IdentityConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vera_identity_conflicts_total",
			Help: "Find-or-create attempts that lost a race and retried",
		},
		[]string{"entity"},
	)

	ImportLines = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vera_import_lines_total",
			Help: "Bulk import lines processed, by outcome",
		},
		[]string{"outcome"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vera_http_requests_total",
			Help: "HTTP requests served, by route and status code",
		},
		[]string{"route", "code"},
	)
)
