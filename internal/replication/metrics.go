package replication

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pulledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kosmoi_replication_pulled_total",
		Help: "Documents pulled from the remote and applied locally",
	}, []string{"collection"})

	pushedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kosmoi_replication_pushed_total",
		Help: "Local changes upserted to the remote",
	}, []string{"collection"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kosmoi_replication_errors_total",
		Help: "Failed replication cycles by phase",
	}, []string{"collection", "phase"})
)
