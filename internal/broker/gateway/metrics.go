package gateway

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "botmaster",
		Subsystem: "gateway",
		Name:      "agent_connections",
		Help:      "Currently connected agents.",
	})
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botmaster",
		Subsystem: "gateway",
		Name:      "frames_received_total",
		Help:      "Inbound frames by type.",
	}, []string{"type"})
)
