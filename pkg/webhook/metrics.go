package webhook

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	sendsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewatch_webhook_sends_total",
		Help: "Webhook delivery attempts, by outcome.",
	}, []string{"result"})

	alertsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gatewatch_webhook_dropped_total",
		Help: "Alerts dropped before delivery, by reason.",
	}, []string{"reason"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "gatewatch_webhook_queue_depth",
		Help: "Alerts waiting in each profile's delivery queue.",
	}, []string{"profile"})

	pausesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gatewatch_webhook_pauses_total",
		Help: "Extended-outage pauses entered across all profiles.",
	})
)
