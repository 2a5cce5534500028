package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filing_status_transitions_total",
			Help: "Application status transitions by source and target status",
		},
		[]string{"from", "to"},
	)

	SectionSaves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filing_section_saves_total",
			Help: "Section field saves by outcome",
		},
		[]string{"outcome"},
	)

	MergeRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filing_section_merge_retries_total",
			Help: "Section merges re-applied after a version conflict",
		},
	)

	AutoSaveFlushes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filing_autosave_flushes_total",
			Help: "Auto-save flushes by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	AutoSavePending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "filing_autosave_pending",
			Help: "Field edits waiting for their debounce window",
		},
	)

	ReviewDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filing_review_decisions_total",
			Help: "Review decisions recorded by action",
		},
		[]string{"action"},
	)

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filing_events_published_total",
			Help: "Domain events handed to a sink by outcome",
		},
		[]string{"sink", "outcome"},
	)

	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filing_http_requests_total",
			Help: "HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filing_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)
)
