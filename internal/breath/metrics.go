package breath

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	proposalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_breath_proposals_total",
		Help: "Breath proposals handled, by decision.",
	}, []string{"decision"})

	cyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fieldsync_breath_cycles_total",
		Help: "Breath cycles by outcome: committed, completed, expired or reset.",
	}, []string{"outcome"})

	liveParticipants = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fieldsync_breath_live_participants",
		Help: "Live participants seen at the last quorum computation.",
	})
)
