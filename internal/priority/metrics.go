package priority

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var resolutionsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "alarmrelay",
		Subsystem: "priority",
		Name:      "resolutions_total",
		Help:      "Priority resolutions by cascade level",
	},
	[]string{"source"},
)
