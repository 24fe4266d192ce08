// Package metrics exposes Mimosa's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Ingestion
	OffensesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimosa_offenses_total",
		Help: "Offenses recorded, by plugin and severity",
	}, []string{"plugin", "severity"})

	IngestRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimosa_ingest_rejected_total",
		Help: "Ingestion requests rejected before recording",
	}, []string{"plugin", "reason"})

	// Blocks
	BlocksActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mimosa_blocks_active",
		Help: "Currently active blocks",
	})

	BlockTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimosa_block_transitions_total",
		Help: "Block lifecycle transitions",
	}, []string{"action"})

	// Firewall sync
	SyncCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimosa_sync_cycles_total",
		Help: "Successful sync cycles per firewall",
	}, []string{"firewall"})

	SyncFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimosa_sync_failures_total",
		Help: "Failed sync cycles per firewall",
	}, []string{"firewall"})

	SyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mimosa_sync_duration_seconds",
		Help:    "Wall time of one firewall reconcile",
		Buckets: prometheus.DefBuckets,
	}, []string{"firewall"})

	// Enrichment
	EnrichmentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimosa_enrichment_total",
		Help: "Profile enrichment attempts by outcome",
	}, []string{"outcome"})

	// Live feed
	WSClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mimosa_ws_clients",
		Help: "Connected websocket subscribers",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mimosa_events_dropped_total",
		Help: "Events dropped on slow subscriber queues",
	})

	// API
	APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mimosa_api_requests_total",
		Help: "API requests by method, path pattern and status",
	}, []string{"method", "path", "status"})
)
