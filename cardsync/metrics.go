package cardsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var syncOps = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cardfed_sync_operations_total",
	Help: "Card sync operations by kind and outcome",
}, []string{"op", "outcome"})

var eventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cardfed_sync_events_published_total",
	Help: "Sync events forwarded to Kafka by result",
}, []string{"result"})
