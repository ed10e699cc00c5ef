package tenant

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var cacheLookupsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "alarmrelay",
		Subsystem: "tenant_cache",
		Name:      "lookups_total",
		Help:      "Tenant config cache lookups by result",
	},
	[]string{"result"},
)
