package notify

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	alertsRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewatch_alerts_routed_total",
		Help: "Alerts created and handed to the dispatcher, by trigger kind.",
	}, []string{"trigger"})

	alertsSuppressed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewatch_alerts_suppressed_total",
		Help: "Matches that did not become alerts, by reason.",
	}, []string{"reason"})

	rollupsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatewatch_alert_rollups_total",
		Help: "Rollup digests emitted after a throttle window closed.",
	})

	campUpgrades = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatewatch_camp_upgrades_total",
		Help: "Queued gatecamp alerts upgraded in place with higher confidence.",
	})
)
