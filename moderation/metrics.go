package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var policyDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cardfed_policy_decisions_total",
	Help: "Content policy evaluations by resulting action",
}, []string{"action"})

var rateLimitDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cardfed_rate_limit_decisions_total",
	Help: "Per-actor rate limit checks by result",
}, []string{"result"})

var reportsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "cardfed_moderation_reports_total",
	Help: "Moderation reports created by source",
}, []string{"source"})
