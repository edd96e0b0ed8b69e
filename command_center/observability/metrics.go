package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OpenIncidents tracks currently open incidents by severity tier.
	OpenIncidents = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aegis_open_incidents",
		Help: "Current number of open (non-terminal) incidents by severity",
	}, []string{"severity"})

	// IncidentsIngested counts alerts accepted into the incident store.
	IncidentsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_incidents_ingested_total",
		Help: "Total alerts ingested as incidents",
	}, []string{"threat_type", "severity"})

	// DispatchDecisions tracks the number of dispatch decisions made by type.
	DispatchDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_dispatch_decisions_total",
		Help: "Total number of dispatch decisions made",
	}, []string{"decision", "reason"})

	// QueuedIncidents tracks incidents waiting for an eligible unit.
	QueuedIncidents = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aegis_queued_incidents",
		Help: "Incidents currently queued with no eligible unit",
	})

	// AssignmentLatency tracks time from incident creation to first assignment.
	AssignmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "aegis_assignment_latency_seconds",
		Help:    "Time from incident creation to first unit assignment",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 12), // 500ms to ~17min
	})

	// SLABreaches counts incidents escalated on deadline breach.
	SLABreaches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_sla_breaches_total",
		Help: "Incidents escalated after breaching their SLA deadline",
	}, []string{"severity"})

	// SLAWarnings counts intermediate SLA budget warnings.
	SLAWarnings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_sla_warnings_total",
		Help: "Intermediate SLA budget warnings fired",
	}, []string{"fraction"})

	// ActiveUnits tracks units considered live by the registry.
	ActiveUnits = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "aegis_active_units",
		Help: "Units with a fresh heartbeat by kind",
	}, []string{"kind"})

	// StaleUnits counts liveness-window expirations.
	StaleUnits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aegis_stale_units_total",
		Help: "Units marked unavailable after a stale heartbeat",
	})

	// Reassignments counts incidents re-matched after losing their unit.
	Reassignments = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aegis_reassignments_total",
		Help: "Incident assignments re-matched after unit loss",
	})

	// CoverageGaps tracks routes currently flagged with a coverage gap.
	CoverageGaps = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aegis_coverage_gaps",
		Help: "Patrol routes currently flagged with a coverage gap",
	})

	// MultiIncidentMode is 1 while concurrent high-severity load is detected.
	MultiIncidentMode = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aegis_multi_incident_mode",
		Help: "Multi-incident mode flag (1 = active)",
	})

	// IngestRateLimited tracks alerts rejected by storm protection.
	IngestRateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_ingest_rate_limited_total",
		Help: "Alert ingestion requests rejected by rate limiter",
	}, []string{"scope"}) // global, source

	// EventPublishFailures tracks failed event publish attempts (non-blocking).
	EventPublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "aegis_event_publish_failures_total",
		Help: "Failed event publish attempts (best-effort)",
	}, []string{"topic", "reason"})

	// ArchiveFailures tracks failed incident archive writes.
	ArchiveFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aegis_archive_failures_total",
		Help: "Closed-incident archive write failures (retried)",
	})

	// ArchiveBacklog tracks closed incidents waiting to be archived.
	ArchiveBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "aegis_archive_backlog",
		Help: "Closed incidents not yet written to the archive",
	})

	// AdvisoryFallbacks counts advisory calls answered with the static fallback.
	AdvisoryFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "aegis_advisory_fallbacks_total",
		Help: "Advisory suggestions served from the static fallback",
	})
)
