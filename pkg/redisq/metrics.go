package redisq

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "gatewatch_source_polls_total",
	Help: "Upstream queue polls by outcome.",
}, []string{"result"})
