package detect

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var findingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatewatch_findings_total",
	Help: "Gatecamp findings emitted, by confidence grade.",
}, []string{"confidence"})
