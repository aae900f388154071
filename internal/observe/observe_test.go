package observe

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultiTracer(t *testing.T) {
	var a, b []string
	mt := MultiTracer{
		TracerFunc(func(e TraceEvent) { a = append(a, e.Type) }),
		TracerFunc(func(e TraceEvent) { b = append(b, e.Type) }),
	}
	mt.Trace(TraceEvent{Type: TraceRuleExecuted})
	assert.Equal(t, []string{TraceRuleExecuted}, a)
	assert.Equal(t, []string{TraceRuleExecuted}, b)
}

func TestPromMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPromMetrics(reg)

	m.RuleEvaluated("executed")
	m.RuleEvaluated("executed")
	m.RuleEvaluated("skipped")
	m.EventEmitted("order.created")
	m.FactsSet()
	m.TimersFired()
	m.QueueDepth(7)
	m.ReloadCompleted(true)
	m.ReloadCompleted(false)
	m.RuleDuration("r1", 5*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.rulesEvaluated.WithLabelValues("executed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.rulesEvaluated.WithLabelValues("skipped")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsEmitted.WithLabelValues("order.created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.factsSet))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reloads.WithLabelValues("failed")))

	// Registering the same metric names twice on one registry must panic,
	// which is how duplicate wiring shows up early.
	require.Panics(t, func() { NewPromMetrics(reg) })
}
