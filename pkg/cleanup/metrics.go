package cleanup

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var rowsPurged = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatewatch_retention_purged_total",
	Help: "Rows removed by retention sweeps, by entity.",
}, []string{"entity"})
