package condition

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reactor/internal/baseline"
	"github.com/roach88/reactor/internal/facts"
	"github.com/roach88/reactor/internal/interp"
	"github.com/roach88/reactor/internal/rule"
)

func testContext(t *testing.T) *interp.Context {
	t.Helper()
	fs := facts.NewStore()
	fs.Set("customer:123:age", 30, "test")
	fs.Set("customer:123:status", "online", "test")
	fs.Set("customer:456:status", "offline", "test")
	return &interp.Context{
		Event: map[string]any{
			"total":  float64(120),
			"tier":   "gold",
			"tags":   []any{"eu", "priority"},
			"email":  "a@example.com",
			"absent": nil,
		},
		Trigger: map[string]any{"total": float64(120)},
		Facts:   fs,
		Vars:    map[string]any{"threshold": 100},
		Lookups: map[string]any{"cust": map[string]any{"score": float64(9)}},
	}
}

func eventCond(field string, op rule.Operator, value any) rule.Condition {
	return rule.Condition{
		Source:   rule.ConditionSource{Type: rule.SourceEvent, Field: field},
		Operator: op,
		Value:    value,
	}
}

func TestEvaluateAll_Operators(t *testing.T) {
	e := New(nil)
	ctx := testContext(t)

	tests := []struct {
		name string
		cond rule.Condition
		want bool
	}{
		{"eq match", eventCond("tier", rule.OpEq, "gold"), true},
		{"eq mismatch", eventCond("tier", rule.OpEq, "silver"), false},
		{"eq number cross-type", eventCond("total", rule.OpEq, 120), true},
		{"eq number vs string is strict", eventCond("total", rule.OpEq, "120"), false},
		{"neq", eventCond("tier", rule.OpNeq, "silver"), true},
		{"gt", eventCond("total", rule.OpGt, 100), true},
		{"gt equal is false", eventCond("total", rule.OpGt, 120), false},
		{"gte equal", eventCond("total", rule.OpGte, 120), true},
		{"lt", eventCond("total", rule.OpLt, 200), true},
		{"lte", eventCond("total", rule.OpLte, 120), true},
		{"gt non-numeric actual", eventCond("tier", rule.OpGt, 1), false},
		{"gt non-numeric expected", eventCond("total", rule.OpGt, "a lot"), false},
		{"in", eventCond("tier", rule.OpIn, []any{"gold", "platinum"}), true},
		{"in miss", eventCond("tier", rule.OpIn, []any{"silver"}), false},
		{"in non-sequence expected", eventCond("tier", rule.OpIn, "gold"), false},
		{"not_in", eventCond("tier", rule.OpNotIn, []any{"silver"}), true},
		{"not_in present", eventCond("tier", rule.OpNotIn, []any{"gold"}), false},
		{"contains string", eventCond("email", rule.OpContains, "@example"), true},
		{"contains sequence", eventCond("tags", rule.OpContains, "eu"), true},
		{"contains sequence miss", eventCond("tags", rule.OpContains, "us"), false},
		{"not_contains", eventCond("tags", rule.OpNotContains, "us"), true},
		{"not_contains on non-sequence", eventCond("total", rule.OpNotContains, 1), false},
		{"matches", eventCond("email", rule.OpMatches, `^[^@]+@example\.com$`), true},
		{"matches miss", eventCond("email", rule.OpMatches, `^nobody@`), false},
		{"matches bad regex is false", eventCond("email", rule.OpMatches, `([`), false},
		{"exists", eventCond("tier", rule.OpExists, nil), true},
		{"exists null value", eventCond("absent", rule.OpExists, nil), false},
		{"exists undefined", eventCond("missing", rule.OpExists, nil), false},
		{"not_exists", eventCond("missing", rule.OpNotExists, nil), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.EvaluateAll([]rule.Condition{tt.cond}, ctx, nil))
		})
	}
}

func TestEvaluateAll_Sources(t *testing.T) {
	e := New(nil)
	ctx := testContext(t)

	tests := []struct {
		name string
		cond rule.Condition
		want bool
	}{
		{"fact exact", rule.Condition{
			Source:   rule.ConditionSource{Type: rule.SourceFact, Pattern: "customer:123:age"},
			Operator: rule.OpGte, Value: 18,
		}, true},
		{"fact wildcard contains", rule.Condition{
			Source:   rule.ConditionSource{Type: rule.SourceFact, Pattern: "customer:*:status"},
			Operator: rule.OpContains, Value: "online",
		}, true},
		{"context var", rule.Condition{
			Source:   rule.ConditionSource{Type: rule.SourceContext, Key: "threshold"},
			Operator: rule.OpEq, Value: 100,
		}, true},
		{"lookup field", rule.Condition{
			Source:   rule.ConditionSource{Type: rule.SourceLookup, Name: "cust", Field: "score"},
			Operator: rule.OpGt, Value: 5,
		}, true},
		{"value as ref", rule.Condition{
			Source:   rule.ConditionSource{Type: rule.SourceEvent, Field: "total"},
			Operator: rule.OpGt, Value: map[string]any{"ref": "var.threshold"},
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, e.EvaluateAll([]rule.Condition{tt.cond}, ctx, nil))
		})
	}
}

func TestEvaluateAll_ShortCircuit(t *testing.T) {
	e := New(nil)
	ctx := testContext(t)
	conds := []rule.Condition{
		eventCond("tier", rule.OpEq, "gold"),    // passes
		eventCond("total", rule.OpGt, 1000),     // fails
		eventCond("tier", rule.OpEq, "ignored"), // must not be evaluated
	}

	var observed []int
	var results []bool
	ok := e.EvaluateAll(conds, ctx, func(i int, _ rule.Condition, passed bool) {
		observed = append(observed, i)
		results = append(results, passed)
	})

	assert.False(t, ok)
	assert.Equal(t, []int{0, 1}, observed, "prefix up to and including the first failure")
	assert.Equal(t, []bool{true, false}, results)
}

func TestEvaluateAll_EmptyListPasses(t *testing.T) {
	e := New(nil)
	assert.True(t, e.EvaluateAll(nil, testContext(t), nil))
}

func TestEvaluateAll_AllPassCallbackSeesAll(t *testing.T) {
	e := New(nil)
	ctx := testContext(t)
	conds := []rule.Condition{
		eventCond("tier", rule.OpEq, "gold"),
		eventCond("total", rule.OpGt, 100),
	}
	var observed []int
	ok := e.EvaluateAll(conds, ctx, func(i int, _ rule.Condition, _ bool) {
		observed = append(observed, i)
	})
	assert.True(t, ok)
	assert.Equal(t, []int{0, 1}, observed)
}

func TestEvaluate_Baseline(t *testing.T) {
	b := baseline.NewStore(0)
	for i := 0; i < 50; i++ {
		b.Record("latency", 100)
		b.Record("latency", 110)
	}
	e := New(b)
	ctx := testContext(t)

	cond := rule.Condition{
		Source: rule.ConditionSource{
			Type: rule.SourceBaseline, Metric: "latency",
			Comparison: "above", Sensitivity: 2, Method: "zscore",
		},
		Operator: rule.OpExists,
		Value:    float64(500),
	}
	assert.True(t, e.EvaluateAll([]rule.Condition{cond}, ctx, nil))

	cond.Value = float64(105)
	assert.False(t, e.EvaluateAll([]rule.Condition{cond}, ctx, nil))

	// Without a baseline store the probe never matches.
	cond.Value = float64(500)
	require.False(t, New(nil).EvaluateAll([]rule.Condition{cond}, ctx, nil))
}
