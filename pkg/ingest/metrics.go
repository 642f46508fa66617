package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	killsIngested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatewatch_kills_ingested_total",
		Help: "Kills enriched, validated, and persisted.",
	})

	duplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatewatch_kills_duplicate_total",
		Help: "Kills observed again after having been persisted.",
	})

	refsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewatch_refs_dropped_total",
		Help: "Kill refs shed before reaching the store, by reason.",
	}, []string{"reason"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatewatch_fetch_retries_total",
		Help: "Transient enrichment failures that were retried.",
	})

	backlogGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gatewatch_enrichment_backlog",
		Help: "Refs waiting in the enrichment queue.",
	})

	pausesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatewatch_enrichment_pauses_total",
		Help: "Pool-wide pauses after API error-budget responses.",
	})
)
