package engine

// End-to-end flows exercising the full trigger → lookup → condition →
// action pipeline, forward chaining, and the depth guard.

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reactor/internal/observe"
	"github.com/roach88/reactor/internal/rule"
)

func TestFlow_EventConditionAction(t *testing.T) {
	e := startEngine(t)
	ctx := context.Background()

	r := eventRule("flag-large-orders", "order.created",
		rule.Action{Type: rule.ActionSetFact, Key: "order:${event.id}:flagged", Value: true},
		rule.Action{Type: rule.ActionEmitEvent, Topic: "order.flagged", Data: map[string]any{
			"id": map[string]any{"ref": "event.id"},
		}},
	)
	r.Conditions = []rule.Condition{{
		Source:   rule.ConditionSource{Type: rule.SourceEvent, Field: "total"},
		Operator: rule.OpGt,
		Value:    100,
	}}
	_, err := e.Register(r)
	require.NoError(t, err)

	got := make(chan rule.Event, 1)
	e.Subscribe("order.flagged", func(ev rule.Event) { got <- ev })

	_, err = e.Emit(ctx, "order.created", map[string]any{"id": "A7", "total": 150})
	require.NoError(t, err)
	drain(t, e)

	f, err := e.GetFact("order:A7:flagged")
	require.NoError(t, err)
	assert.Equal(t, true, f.Value)

	select {
	case ev := <-got:
		assert.Equal(t, "A7", ev.Data["id"])
	case <-time.After(2 * time.Second):
		t.Fatal("flagged event not delivered")
	}

	// Below the threshold the rule is skipped.
	_, err = e.Emit(ctx, "order.created", map[string]any{"id": "B2", "total": 50})
	require.NoError(t, err)
	drain(t, e)

	_, err = e.GetFact("order:B2:flagged")
	assert.True(t, rule.IsNotFound(err))
	assert.Equal(t, int64(1), e.GetStats().RulesSkipped)
}

func TestFlow_PriorityOrderingAcrossChunks(t *testing.T) {
	e := startEngine(t)
	ctx := context.Background()

	prepare := eventRule("prepare", "job.submitted",
		rule.Action{Type: rule.ActionSetFact, Key: "pipeline:stage", Value: "ready"})
	prepare.Priority = 10
	_, err := e.Register(prepare)
	require.NoError(t, err)

	// Lower priority, same trigger: must observe the higher-priority
	// rule's fact write.
	confirm := eventRule("confirm", "job.submitted",
		rule.Action{Type: rule.ActionSetFact, Key: "pipeline:confirmed", Value: true})
	confirm.Priority = 5
	confirm.Conditions = []rule.Condition{{
		Source:   rule.ConditionSource{Type: rule.SourceFact, Pattern: "pipeline:stage"},
		Operator: rule.OpEq,
		Value:    "ready",
	}}
	_, err = e.Register(confirm)
	require.NoError(t, err)

	_, err = e.Emit(ctx, "job.submitted", nil)
	require.NoError(t, err)
	drain(t, e)

	f, err := e.GetFact("pipeline:confirmed")
	require.NoError(t, err)
	assert.Equal(t, true, f.Value)

	stats := e.GetStats()
	assert.Equal(t, int64(2), stats.RulesExecuted)
	assert.Equal(t, int64(0), stats.RulesSkipped)
}

func TestFlow_SamePriorityRulesAllRun(t *testing.T) {
	e := startEngine(t)
	ctx := context.Background()

	for _, id := range []string{"audit", "notify", "index"} {
		_, err := e.Register(eventRule(id, "doc.saved",
			rule.Action{Type: rule.ActionSetFact, Key: "done:" + id, Value: true}))
		require.NoError(t, err)
	}

	_, err := e.Emit(ctx, "doc.saved", nil)
	require.NoError(t, err)
	drain(t, e)

	for _, id := range []string{"audit", "notify", "index"} {
		_, err := e.GetFact("done:" + id)
		assert.NoError(t, err, id)
	}
}

func TestFlow_FactPatternTrigger(t *testing.T) {
	e := startEngine(t)
	ctx := context.Background()

	_, err := e.Register(rule.Rule{
		ID: "presence", Name: "Presence tracker", Enabled: true,
		Trigger: rule.Trigger{Kind: rule.TriggerFact, Pattern: "customer:*:status"},
		Actions: []rule.Action{{
			Type:  rule.ActionSetFact,
			Key:   "presence:${trigger.fact.value}",
			Value: map[string]any{"ref": "trigger.fact.key"},
		}},
	})
	require.NoError(t, err)

	_, err = e.SetFact(ctx, "customer:123:status", "online")
	require.NoError(t, err)
	drain(t, e)

	f, err := e.GetFact("presence:online")
	require.NoError(t, err)
	assert.Equal(t, "customer:123:status", f.Value)

	// Non-matching key: no rule fires.
	_, err = e.SetFact(ctx, "customer:123:name", "Ada")
	require.NoError(t, err)
	drain(t, e)
	assert.Equal(t, int64(1), e.GetStats().RulesEvaluated)
}

func TestFlow_FactChangeSeesPrevious(t *testing.T) {
	e := startEngine(t)
	ctx := context.Background()

	_, err := e.Register(rule.Rule{
		ID: "transition", Name: "Transition log", Enabled: true,
		Trigger: rule.Trigger{Kind: rule.TriggerFact, Pattern: "door:state"},
		Actions: []rule.Action{{
			Type:  rule.ActionSetFact,
			Key:   "door:transition",
			Value: "${trigger.fact.previous}->${trigger.fact.value}",
		}},
	})
	require.NoError(t, err)

	_, err = e.SetFact(ctx, "door:state", "closed")
	require.NoError(t, err)
	drain(t, e)
	_, err = e.SetFact(ctx, "door:state", "open")
	require.NoError(t, err)
	drain(t, e)

	f, err := e.GetFact("door:transition")
	require.NoError(t, err)
	assert.Equal(t, "closed->open", f.Value)
}

func TestFlow_ForEach(t *testing.T) {
	e := startEngine(t)
	ctx := context.Background()

	_, err := e.Register(eventRule("stock-lines", "cart.checkout",
		rule.Action{
			Type:       rule.ActionForEach,
			Collection: map[string]any{"ref": "event.items"},
			As:         "item",
			Actions: []rule.Action{{
				Type:  rule.ActionSetFact,
				Key:   "line:${var.item_index}",
				Value: map[string]any{"ref": "var.item.sku"},
			}},
		}))
	require.NoError(t, err)

	_, err = e.Emit(ctx, "cart.checkout", map[string]any{
		"items": []any{
			map[string]any{"sku": "a-1"},
			map[string]any{"sku": "b-2"},
			map[string]any{"sku": "c-3"},
		},
	})
	require.NoError(t, err)
	drain(t, e)

	for i, sku := range []string{"a-1", "b-2", "c-3"} {
		f, err := e.GetFact("line:" + string(rune('0'+i)))
		require.NoError(t, err)
		assert.Equal(t, sku, f.Value)
	}
}

func TestFlow_ForwardChainingAcrossFacts(t *testing.T) {
	e := startEngine(t)
	ctx := context.Background()

	_, err := e.Register(rule.Rule{
		ID: "average", Name: "Average", Enabled: true,
		Trigger: rule.Trigger{Kind: rule.TriggerFact, Pattern: "level:raw"},
		Actions: []rule.Action{{
			Type: rule.ActionSetFact, Key: "level:avg",
			Value: map[string]any{"ref": "trigger.fact.value"},
		}},
	})
	require.NoError(t, err)

	_, err = e.Register(rule.Rule{
		ID: "alert", Name: "Alert", Enabled: true,
		Trigger: rule.Trigger{Kind: rule.TriggerFact, Pattern: "level:avg"},
		Conditions: []rule.Condition{{
			Source:   rule.ConditionSource{Type: rule.SourceFact, Pattern: "level:avg"},
			Operator: rule.OpGte,
			Value:    90,
		}},
		Actions: []rule.Action{{Type: rule.ActionEmitEvent, Topic: "level.alert"}},
	})
	require.NoError(t, err)

	got := make(chan rule.Event, 1)
	e.Subscribe("level.alert", func(ev rule.Event) { got <- ev })

	_, err = e.SetFact(ctx, "level:raw", 95)
	require.NoError(t, err)
	drain(t, e)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("chained alert not delivered")
	}
	f, err := e.GetFact("level:avg")
	require.NoError(t, err)
	assert.Equal(t, 95, f.Value)
}

func TestFlow_ForwardChainingLimitOnEventLoop(t *testing.T) {
	rec := &traceRecorder{}
	e := startEngine(t, WithTracer(rec), WithMaxForwardDepth(4))
	ctx := context.Background()

	_, err := e.Register(eventRule("echo", "ping",
		rule.Action{Type: rule.ActionEmitEvent, Topic: "ping"}))
	require.NoError(t, err)

	_, err = e.Emit(ctx, "ping", nil)
	require.NoError(t, err)
	drain(t, e)

	limits := rec.byType(observe.TraceForwardChainingLimit)
	require.Len(t, limits, 1, "exactly one cut-off per runaway chain")
	assert.Equal(t, 4, limits[0].Depth)
	assert.Equal(t, int64(4), e.GetStats().RulesExecuted)
	assert.True(t, e.Running(), "engine survives the runaway chain")
}

func TestFlow_ForwardChainingLimitOnFactLoop(t *testing.T) {
	rec := &traceRecorder{}
	e := startEngine(t, WithTracer(rec), WithMaxForwardDepth(3))
	ctx := context.Background()

	_, err := e.Register(rule.Rule{
		ID: "self-feed", Name: "Self feed", Enabled: true,
		Trigger: rule.Trigger{Kind: rule.TriggerFact, Pattern: "loop:x"},
		Actions: []rule.Action{{Type: rule.ActionSetFact, Key: "loop:x", Value: 1}},
	})
	require.NoError(t, err)

	_, err = e.SetFact(ctx, "loop:x", 0)
	require.NoError(t, err)
	drain(t, e)

	require.Len(t, rec.byType(observe.TraceForwardChainingLimit), 1)
	assert.Equal(t, int64(3), e.GetStats().RulesExecuted)
}

func TestFlow_TryCatchKeepsRuleExecuted(t *testing.T) {
	e := startEngine(t)
	ctx := context.Background()

	_, err := e.Register(eventRule("guarded", "job.run",
		rule.Action{
			Type: rule.ActionTryCatch,
			Try: []rule.Action{{
				// Unknown service: the try aborts here.
				Type: rule.ActionCallService, Service: "nope", Method: "x",
			}, {
				Type: rule.ActionSetFact, Key: "after:failure", Value: true,
			}},
			Catch: &rule.CatchSpec{
				As: "err",
				Actions: []rule.Action{{
					Type: rule.ActionSetFact, Key: "caught", Value: "${var.err}",
				}},
			},
			Finally: []rule.Action{{
				Type: rule.ActionSetFact, Key: "cleaned", Value: true,
			}},
		}))
	require.NoError(t, err)

	_, err = e.Emit(ctx, "job.run", nil)
	require.NoError(t, err)
	drain(t, e)

	_, err = e.GetFact("after:failure")
	assert.True(t, rule.IsNotFound(err), "try aborted at the failing action")

	caught, err := e.GetFact("caught")
	require.NoError(t, err)
	assert.Contains(t, caught.Value, "Service not found")

	_, err = e.GetFact("cleaned")
	assert.NoError(t, err)

	assert.Equal(t, int64(1), e.GetStats().RulesExecuted, "handled failure is not a rule failure")
}
