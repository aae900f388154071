// Package observe defines the engine's observability surface: a trace
// stream with a closed event-type vocabulary, and a metrics sink.
package observe

import (
	"log/slog"
	"time"
)

// Trace event types. The vocabulary is closed: consumers may switch on
// these without a default arm for unknown engine behavior.
const (
	TraceRuleExecuted         = "rule_executed"
	TraceRuleSkipped          = "rule_skipped"
	TraceRuleFailed           = "rule_failed"
	TraceForwardChainingLimit = "forward_chaining_limit"
	TraceFactSet              = "fact_set"
	TraceFactDeleted          = "fact_deleted"
	TraceEventEmitted         = "event_emitted"
	TraceTimerSet             = "timer_set"
	TraceTimerFired           = "timer_fired"
	TraceTimerCancelled       = "timer_cancelled"
	TraceHotReloadStarted     = "hot_reload_started"
	TraceHotReloadCompleted   = "hot_reload_completed"
	TraceHotReloadFailed      = "hot_reload_failed"
	TraceBackwardQuery        = "backward_query"
)

// TraceEvent is one observation of engine activity.
type TraceEvent struct {
	Type          string         `json:"type"`
	RuleID        string         `json:"rule_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Depth         int            `json:"depth,omitempty"`
	Detail        map[string]any `json:"detail,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Tracer consumes trace events. Implementations must not block: the
// engine calls them on its hot path.
type Tracer interface {
	Trace(e TraceEvent)
}

// Metrics is the quantitative sink. A nil-safe no-op implementation is
// available as NopMetrics.
type Metrics interface {
	RuleEvaluated(outcome string) // executed | skipped | failed
	RuleDuration(ruleID string, d time.Duration)
	EventEmitted(topic string)
	FactsSet()
	TimersFired()
	QueueDepth(n int)
	ReloadCompleted(ok bool)
}

// TracerFunc adapts a function to Tracer.
type TracerFunc func(e TraceEvent)

// Trace implements Tracer.
func (f TracerFunc) Trace(e TraceEvent) { f(e) }

// MultiTracer fans a trace stream out to several consumers.
type MultiTracer []Tracer

// Trace implements Tracer.
func (m MultiTracer) Trace(e TraceEvent) {
	for _, t := range m {
		t.Trace(e)
	}
}

// SlogTracer writes trace events as structured debug logs.
type SlogTracer struct {
	Log *slog.Logger
}

// Trace implements Tracer.
func (s SlogTracer) Trace(e TraceEvent) {
	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log.Debug("trace",
		"type", e.Type,
		"rule_id", e.RuleID,
		"correlation_id", e.CorrelationID,
		"depth", e.Depth,
		"detail", e.Detail,
	)
}

// NopMetrics discards every observation.
type NopMetrics struct{}

func (NopMetrics) RuleEvaluated(string)                 {}
func (NopMetrics) RuleDuration(string, time.Duration)   {}
func (NopMetrics) EventEmitted(string)                  {}
func (NopMetrics) FactsSet()                            {}
func (NopMetrics) TimersFired()                         {}
func (NopMetrics) QueueDepth(int)                       {}
func (NopMetrics) ReloadCompleted(bool)                 {}
