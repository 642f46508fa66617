package backfill

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	killsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatewatch_backfill_kills_recovered_total",
		Help: "Kills inserted by backfill that live ingest had missed.",
	})
	runErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatewatch_backfill_region_errors_total",
		Help: "Region walks abandoned because a fetch failed.",
	})
)
