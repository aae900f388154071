package observe

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PromMetrics implements Metrics on a prometheus Registerer.
type PromMetrics struct {
	rulesEvaluated *prometheus.CounterVec
	ruleDuration   *prometheus.HistogramVec
	eventsEmitted  *prometheus.CounterVec
	factsSet       prometheus.Counter
	timersFired    prometheus.Counter
	queueDepth     prometheus.Gauge
	reloads        *prometheus.CounterVec
}

// NewPromMetrics builds and registers the engine's metric set. Passing
// prometheus.DefaultRegisterer wires the process-global registry.
func NewPromMetrics(reg prometheus.Registerer) *PromMetrics {
	m := &PromMetrics{
		rulesEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reactor_rules_evaluated_total",
			Help: "Rule evaluations by outcome (executed, skipped, failed).",
		}, []string{"outcome"}),
		ruleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "reactor_rule_duration_seconds",
			Help:    "Wall time of rule executions.",
			Buckets: prometheus.DefBuckets,
		}, []string{"rule_id"}),
		eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reactor_events_emitted_total",
			Help: "Events emitted onto the bus by topic.",
		}, []string{"topic"}),
		factsSet: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reactor_facts_set_total",
			Help: "Fact writes.",
		}),
		timersFired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reactor_timers_fired_total",
			Help: "Timer expirations delivered.",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "reactor_queue_depth",
			Help: "Pending triggers in the ordered queue.",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reactor_hot_reloads_total",
			Help: "Hot reload attempts by result.",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.rulesEvaluated, m.ruleDuration, m.eventsEmitted,
		m.factsSet, m.timersFired, m.queueDepth, m.reloads,
	)
	return m
}

func (m *PromMetrics) RuleEvaluated(outcome string) {
	m.rulesEvaluated.WithLabelValues(outcome).Inc()
}

func (m *PromMetrics) RuleDuration(ruleID string, d time.Duration) {
	m.ruleDuration.WithLabelValues(ruleID).Observe(d.Seconds())
}

func (m *PromMetrics) EventEmitted(topic string) {
	m.eventsEmitted.WithLabelValues(topic).Inc()
}

func (m *PromMetrics) FactsSet() { m.factsSet.Inc() }

func (m *PromMetrics) TimersFired() { m.timersFired.Inc() }

func (m *PromMetrics) QueueDepth(n int) { m.queueDepth.Set(float64(n)) }

func (m *PromMetrics) ReloadCompleted(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.reloads.WithLabelValues(result).Inc()
}
