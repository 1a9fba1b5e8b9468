// Package metrics defines the gateway's Prometheus collectors in a
// standalone package to avoid import cycles between the policy, audit and
// HTTP layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	PromptEvaluations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_prompt_evaluations_total",
		Help: "Policy chain evaluations by resulting prompt (\"none\" when the chain passed)",
	}, []string{"prompt"})

	InteractionsFinished = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_interactions_finished_total",
		Help: "Interactions reported back to the protocol layer as complete",
	})

	ChainEvalDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_chain_eval_duration_seconds",
		Help:    "Policy chain evaluation latency",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
	})

	AuditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_audit_failures_total",
		Help: "Audit events that could not be recorded (best effort, flow unaffected)",
	})

	RateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_rate_limited_total",
		Help: "Requests rejected by the rate limiter, by endpoint key",
	}, []string{"endpoint"})
)

// Register installs the collectors on the given registry (default if nil).
// Double registration is tolerated so tests can call it freely.
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		PromptEvaluations, InteractionsFinished, ChainEvalDuration, AuditFailures, RateLimited,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
