package lifecycle

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	creationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kosmoi_store_creations_total",
		Help: "Store creation attempts by outcome",
	}, []string{"outcome"})

	recoveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kosmoi_store_recoveries_total",
		Help: "Destructive recovery attempts",
	})

	fallbacksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kosmoi_store_fallbacks_total",
		Help: "Times the manager degraded to the fallback handle",
	})
)
