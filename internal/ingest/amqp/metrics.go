package amqp

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesConsumed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "alarmrelay",
		Subsystem: "amqp",
		Name:      "messages_total",
		Help:      "Total AMQP deliveries by handling result",
	},
	[]string{"result"},
)
