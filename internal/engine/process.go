package engine

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/reactor/internal/interp"
	"github.com/roach88/reactor/internal/lookup"
	"github.com/roach88/reactor/internal/observe"
	"github.com/roach88/reactor/internal/rule"
)

// handle processes one dequeued trigger at depth 0. A timer expiration
// is two stimuli in order: the timer trigger itself, then its
// configured event, which cascades as a normal event trigger one depth
// deeper.
func (e *Engine) handle(ctx context.Context, trig *trigger) {
	e.processTrigger(ctx, trig, 0)

	if trig.kind == rule.TriggerTimer && trig.timer.OnExpire.Topic != "" {
		t := trig.timer
		ev := e.record(t.OnExpire.Topic, t.OnExpire.Data, "timer:"+t.Name, t.CorrelationID, t.ID)
		cp := ev
		e.processTrigger(ctx, &trigger{kind: rule.TriggerEvent, event: &cp}, 1)
	}
}

// processTrigger matches and executes rules for one trigger. depth 0 is
// an external stimulus; chained triggers from action effects arrive
// inline at depth+1 and are cut off at the forward-chaining limit.
func (e *Engine) processTrigger(ctx context.Context, trig *trigger, depth int) {
	if depth >= e.maxForwardDepth {
		e.trace(observe.TraceEvent{
			Type:          observe.TraceForwardChainingLimit,
			CorrelationID: trig.correlationID,
			Depth:         depth,
			Timestamp:     time.Now(),
			Detail:        map[string]any{"kind": string(trig.kind), "subject": trig.subject()},
		})
		e.log.Warn("forward chaining limit reached",
			"depth", depth, "kind", trig.kind, "subject", trig.subject())
		return
	}

	matched := e.match(trig)
	if len(matched) == 0 {
		return
	}

	// Rules execute in priority order. Rules sharing a priority form a
	// chunk and run in parallel (capped by maxConcurrency); each chunk's
	// side effects are visible to the chunks after it.
	for start := 0; start < len(matched); {
		end := start + 1
		for end < len(matched) &&
			matched[end].Priority == matched[start].Priority &&
			end-start < e.maxConcurrency {
			end++
		}
		chunk := matched[start:end]
		start = end

		if len(chunk) == 1 {
			e.executeRule(ctx, chunk[0], trig, depth)
			continue
		}
		var wg sync.WaitGroup
		for _, r := range chunk {
			wg.Add(1)
			go func(r *rule.Rule) {
				defer wg.Done()
				e.executeRule(ctx, r, trig, depth)
			}(r)
		}
		wg.Wait()
	}
}

// match selects the effectively-enabled rules for the trigger, ordered
// by priority (desc) then registration order.
func (e *Engine) match(trig *trigger) []*rule.Rule {
	switch trig.kind {
	case rule.TriggerFact:
		return e.registry.MatchFact(trig.fact.Key)
	case rule.TriggerEvent:
		return e.registry.MatchEvent(trig.event.Topic)
	case rule.TriggerTimer:
		return e.registry.MatchTimer(trig.timer.Name)
	case rule.TriggerTemporal:
		id := temporalRuleID(trig.timer.Name)
		on, err := e.registry.EffectiveEnabled(id)
		if err != nil || !on {
			return nil
		}
		r, err := e.registry.Get(id)
		if err != nil {
			return nil
		}
		return []*rule.Rule{&r}
	default:
		return nil
	}
}

// subject names what fired, for traces and logs.
func (t *trigger) subject() string {
	switch t.kind {
	case rule.TriggerFact:
		return t.fact.Key
	case rule.TriggerEvent:
		return t.event.Topic
	case rule.TriggerTimer, rule.TriggerTemporal:
		return t.timer.Name
	default:
		return ""
	}
}

// executeRule runs one rule against one trigger: lookups, conditions,
// actions. Failures are traced and logged; they never propagate to the
// caller or to sibling rules.
func (e *Engine) executeRule(ctx context.Context, r *rule.Rule, trig *trigger, depth int) {
	started := time.Now()
	e.stats.rulesEvaluated.Add(1)

	ictx := e.newInterpContext(trig)

	if len(r.Lookups) > 0 {
		results, err := e.lookups.ResolveAll(ctx, r.Lookups, ictx)
		if err != nil {
			if lookup.IsSkip(err) {
				e.finishRule(r, ictx, started, "skipped", map[string]any{"reason": "lookup_failed", "error": err.Error()})
				return
			}
			e.log.Warn("rule lookups failed", "rule_id", r.ID, "error", err)
			e.finishRule(r, ictx, started, "failed", map[string]any{"reason": "lookup_failed", "error": err.Error()})
			return
		}
		ictx.Lookups = results
	}

	if !e.conds.EvaluateAll(r.Conditions, ictx, nil) {
		e.finishRule(r, ictx, started, "skipped", map[string]any{"reason": "conditions_not_met"})
		return
	}

	eff := &effects{engine: e, ruleID: r.ID, depth: depth, ictx: ictx}
	errs := e.actions.ExecuteAll(ctx, r.Actions, ictx, eff)
	if len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		e.finishRule(r, ictx, started, "failed", map[string]any{"reason": "action_failed", "errors": msgs})
		return
	}
	e.finishRule(r, ictx, started, "executed", nil)
}

// finishRule records the outcome of one rule evaluation.
func (e *Engine) finishRule(r *rule.Rule, ictx *interp.Context, started time.Time, outcome string, detail map[string]any) {
	traceType := observe.TraceRuleExecuted
	switch outcome {
	case "executed":
		e.stats.rulesExecuted.Add(1)
	case "skipped":
		e.stats.rulesSkipped.Add(1)
		traceType = observe.TraceRuleSkipped
	case "failed":
		e.stats.rulesFailed.Add(1)
		traceType = observe.TraceRuleFailed
	}
	e.metrics.RuleEvaluated(outcome)
	e.metrics.RuleDuration(r.ID, time.Since(started))
	e.trace(observe.TraceEvent{
		Type:          traceType,
		RuleID:        r.ID,
		CorrelationID: ictx.CorrelationID,
		Timestamp:     time.Now(),
		Detail:        detail,
	})
}

// newInterpContext builds the evaluation context for one rule run. Each
// rule gets its own context so variable bindings never leak between
// parallel executions.
func (e *Engine) newInterpContext(trig *trigger) *interp.Context {
	ictx := &interp.Context{
		Facts:         e.facts,
		CorrelationID: trig.correlationID,
		CausationID:   trig.causationID,
	}
	switch trig.kind {
	case rule.TriggerEvent:
		ev := trig.event
		ictx.Event = ev.Data
		ictx.Trigger = ev.Data
		ictx.CausationID = ev.ID
		ictx.CorrelationID = ev.CorrelationID
		if ictx.CorrelationID == "" {
			// The root event of a chain correlates the whole cascade.
			ictx.CorrelationID = ev.ID
		}
	case rule.TriggerFact:
		f := trig.fact
		payload := map[string]any{
			"key":    f.Key,
			"value":  f.Value,
			"source": f.Source,
		}
		if trig.prev != nil {
			payload["previous"] = trig.prev.Value
		}
		ictx.Trigger = map[string]any{"fact": payload}
		ictx.Matched = []map[string]any{{"key": f.Key, "value": f.Value}}
	case rule.TriggerTimer, rule.TriggerTemporal:
		t := trig.timer
		ictx.Trigger = map[string]any{"timer": map[string]any{
			"name":       t.Name,
			"id":         t.ID,
			"fire_count": t.FireCount,
			"data":       t.OnExpire.Data,
		}}
		ictx.CausationID = t.ID
		if ictx.CorrelationID == "" {
			ictx.CorrelationID = t.CorrelationID
		}
	}
	return ictx
}

// writeFact performs one fact write with full bookkeeping and returns
// the stored fact plus the previous value.
func (e *Engine) writeFact(ctx context.Context, key string, value any, source string, depth int, correlationID string) (rule.Fact, *rule.Fact) {
	f, prev := e.facts.Set(key, value, source)
	e.persistFact(ctx, f)
	e.stats.factsSet.Add(1)
	e.metrics.FactsSet()
	e.trace(observe.TraceEvent{
		Type:          observe.TraceFactSet,
		CorrelationID: correlationID,
		Depth:         depth,
		Timestamp:     time.Now(),
		Detail:        map[string]any{"key": key, "source": source},
	})
	return f, prev
}

// effects binds action side effects to the executing rule and its
// depth so chained triggers carry correct provenance and hit the
// forward-chaining limit.
type effects struct {
	engine *Engine
	ruleID string
	depth  int
	ictx   *interp.Context
}

func (x *effects) source() string { return "rule:" + x.ruleID }

// SetFact writes the fact and chains its trigger inline at depth+1.
func (x *effects) SetFact(ctx context.Context, key string, value any) error {
	e := x.engine
	f, prev := e.writeFact(ctx, key, value, x.source(), x.depth, x.ictx.CorrelationID)
	e.processTrigger(ctx, &trigger{
		kind:          rule.TriggerFact,
		fact:          &f,
		prev:          prev,
		correlationID: x.ictx.CorrelationID,
		causationID:   x.ictx.CausationID,
	}, x.depth+1)
	return nil
}

// DeleteFact removes the fact. Deleting an unknown key is a no-op.
func (x *effects) DeleteFact(ctx context.Context, key string) error {
	e := x.engine
	f, ok := e.facts.Delete(key)
	if !ok {
		return nil
	}
	e.unpersistFact(ctx, key)
	e.stats.factsDeleted.Add(1)
	e.trace(observe.TraceEvent{
		Type:          observe.TraceFactDeleted,
		CorrelationID: x.ictx.CorrelationID,
		Depth:         x.depth,
		Timestamp:     time.Now(),
		Detail:        map[string]any{"key": f.Key, "source": x.source()},
	})
	return nil
}

// EmitEvent records the event and chains its trigger inline at depth+1.
// The emitted event is caused by whatever triggered this rule and joins
// its correlation chain.
func (x *effects) EmitEvent(ctx context.Context, topic string, data map[string]any) error {
	if topic == "" {
		return rule.NewBadRequest("event topic must not be empty")
	}
	e := x.engine
	ev := e.record(topic, data, x.source(), x.ictx.CorrelationID, x.ictx.CausationID)
	cp := ev
	e.processTrigger(ctx, &trigger{kind: rule.TriggerEvent, event: &cp}, x.depth+1)
	return nil
}

func (x *effects) SetTimer(ctx context.Context, name string, duration any, onExpire rule.TimerEvent, repeat *rule.RepeatSpec) error {
	e := x.engine
	t, err := e.timers.Set(ctx, name, duration, onExpire, repeat, x.ictx.CorrelationID)
	if err != nil {
		return err
	}
	e.trace(observe.TraceEvent{
		Type:          observe.TraceTimerSet,
		RuleID:        x.ruleID,
		CorrelationID: x.ictx.CorrelationID,
		Depth:         x.depth,
		Timestamp:     time.Now(),
		Detail:        map[string]any{"timer": name, "expires_at": t.ExpiresAt},
	})
	return nil
}

func (x *effects) CancelTimer(ctx context.Context, name string) error {
	if x.engine.timers.Cancel(ctx, name) {
		x.engine.trace(observe.TraceEvent{
			Type:          observe.TraceTimerCancelled,
			RuleID:        x.ruleID,
			CorrelationID: x.ictx.CorrelationID,
			Depth:         x.depth,
			Timestamp:     time.Now(),
			Detail:        map[string]any{"timer": name},
		})
	}
	return nil
}

func (x *effects) CallService(ctx context.Context, service, method string, args []any) (any, error) {
	return x.engine.lookups.Call(ctx, service, method, args)
}
