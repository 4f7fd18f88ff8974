package activitypub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var inboxActivities = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cardfed_inbox_activities_total",
	Help: "Inbound activities by type and outcome",
}, []string{"type", "outcome"})

var signatureFailures = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cardfed_inbox_signature_failures_total",
	Help: "Inbound requests rejected during HTTP signature verification",
})

var actorFetches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cardfed_actor_fetches_total",
	Help: "Remote actor lookups by cache result",
}, []string{"result"})

var signatureRefetches = promauto.NewCounter(prometheus.CounterOpts{
	Name: "cardfed_signature_actor_refetches_total",
	Help: "Cached actors refetched because their key no longer matched a signature",
})
