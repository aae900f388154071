package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/roach88/reactor/internal/chainer"
	"github.com/roach88/reactor/internal/observe"
	"github.com/roach88/reactor/internal/rule"
	"github.com/roach88/reactor/internal/versioning"
)

// Key prefixes namespacing persisted records in the storage adapter.
const (
	factPrefix  = "facts/"
	rulePrefix  = "rules/"
	groupPrefix = "groups/"
)

// SetFact writes a fact from outside the engine and processes its
// trigger asynchronously. Use Barrier to wait for the cascade.
func (e *Engine) SetFact(ctx context.Context, key string, value any) (rule.Fact, error) {
	if !e.running.Load() {
		return rule.Fact{}, notRunning()
	}
	f, prev := e.writeFact(ctx, key, value, "external", 0, "")
	if !e.enqueue(&trigger{kind: rule.TriggerFact, fact: &f, prev: prev}) {
		return f, notRunning()
	}
	return f, nil
}

// GetFact returns the fact under key.
func (e *Engine) GetFact(key string) (rule.Fact, error) {
	f, ok := e.facts.Get(key)
	if !ok {
		return rule.Fact{}, rule.NewNotFound("fact", key)
	}
	return f, nil
}

// DeleteFact removes the fact under key. Deletions do not trigger
// rules.
func (e *Engine) DeleteFact(ctx context.Context, key string) error {
	f, ok := e.facts.Delete(key)
	if !ok {
		return rule.NewNotFound("fact", key)
	}
	e.unpersistFact(ctx, key)
	e.stats.factsDeleted.Add(1)
	e.trace(observe.TraceEvent{
		Type:      observe.TraceFactDeleted,
		Timestamp: time.Now(),
		Detail:    map[string]any{"key": f.Key},
	})
	return nil
}

// QueryFacts returns facts whose keys match the colon-delimited glob
// pattern, sorted by key.
func (e *Engine) QueryFacts(pattern string) []rule.Fact {
	return e.facts.Query(pattern)
}

// Emit publishes an event from outside the engine. The trigger
// processes asynchronously.
func (e *Engine) Emit(ctx context.Context, topic string, data map[string]any) (rule.Event, error) {
	return e.EmitCorrelated(ctx, topic, data, "", "")
}

// EmitCorrelated publishes an event carrying explicit correlation and
// causation ids, joining an existing chain.
func (e *Engine) EmitCorrelated(ctx context.Context, topic string, data map[string]any, correlationID, causationID string) (rule.Event, error) {
	if !e.running.Load() {
		return rule.Event{}, notRunning()
	}
	if topic == "" {
		return rule.Event{}, rule.NewBadRequest("event topic must not be empty")
	}
	ev := e.record(topic, data, "external", correlationID, causationID)
	cp := ev
	if !e.enqueue(&trigger{kind: rule.TriggerEvent, event: &cp}) {
		return ev, notRunning()
	}
	return ev, nil
}

// record archives an event, notifies subscribers, and traces it. The
// caller decides how (and at what depth) the trigger processes.
func (e *Engine) record(topic string, data map[string]any, source, correlationID, causationID string) rule.Event {
	ev := rule.Event{
		ID:            e.newID(),
		Topic:         topic,
		Data:          data,
		Timestamp:     time.Now().UTC(),
		Source:        source,
		CorrelationID: correlationID,
		CausationID:   causationID,
	}
	e.events.Append(ev)
	e.stats.eventsEmitted.Add(1)
	e.metrics.EventEmitted(topic)
	e.trace(observe.TraceEvent{
		Type:          observe.TraceEventEmitted,
		CorrelationID: ev.CorrelationID,
		Timestamp:     ev.Timestamp,
		Detail:        map[string]any{"topic": topic, "event_id": ev.ID, "source": source},
	})
	e.notify(ev)
	return ev
}

// Subscribe registers a callback for events whose topic matches the
// glob pattern. Callbacks run concurrently with the engine and with
// each other; a panicking subscriber is isolated and logged. The
// returned function unsubscribes.
func (e *Engine) Subscribe(topicPattern string, fn func(rule.Event)) func() {
	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = subscriber{pattern: topicPattern, fn: fn}
	e.subMu.Unlock()

	return func() {
		e.subMu.Lock()
		delete(e.subs, id)
		e.subMu.Unlock()
	}
}

// notify fans an event out to matching subscribers.
func (e *Engine) notify(ev rule.Event) {
	e.subMu.RLock()
	var matched []func(rule.Event)
	for _, s := range e.subs {
		if s.pattern == ev.Topic || e.patterns.MatchTopic(s.pattern, ev.Topic) {
			matched = append(matched, s.fn)
		}
	}
	e.subMu.RUnlock()

	for _, fn := range matched {
		go func(fn func(rule.Event)) {
			defer func() {
				if r := recover(); r != nil {
					e.log.Error("subscriber panicked", "topic", ev.Topic, "panic", r)
				}
			}()
			fn(ev)
		}(fn)
	}
}

// GetEvent returns the archived event with the given id.
func (e *Engine) GetEvent(id string) (rule.Event, error) {
	ev, ok := e.events.Get(id)
	if !ok {
		return rule.Event{}, rule.NewNotFound("event", id)
	}
	return ev, nil
}

// EventsByTopic returns archived events matching the topic pattern,
// oldest first.
func (e *Engine) EventsByTopic(pattern string) []rule.Event {
	return e.events.ByTopic(pattern)
}

// EventsByCorrelation returns the archived chain sharing a correlation
// id, oldest first.
func (e *Engine) EventsByCorrelation(correlationID string) []rule.Event {
	return e.events.ByCorrelation(correlationID)
}

// SetTimer schedules (or replaces) a named timer from outside the
// engine. duration is a duration literal ("5m", 30000).
func (e *Engine) SetTimer(ctx context.Context, name string, duration any, onExpire rule.TimerEvent, repeat *rule.RepeatSpec, correlationID string) (rule.Timer, error) {
	if !e.running.Load() {
		return rule.Timer{}, notRunning()
	}
	if strings.HasPrefix(name, temporalPrefix) {
		return rule.Timer{}, rule.NewBadRequest("timer name %q is reserved", name)
	}
	t, err := e.timers.Set(ctx, name, duration, onExpire, repeat, correlationID)
	if err != nil {
		return rule.Timer{}, err
	}
	e.trace(observe.TraceEvent{
		Type:          observe.TraceTimerSet,
		CorrelationID: correlationID,
		Timestamp:     time.Now(),
		Detail:        map[string]any{"timer": name, "expires_at": t.ExpiresAt},
	})
	return t, nil
}

// CancelTimer removes a named timer. Cancelling an unknown name is a
// no-op and reports false.
func (e *Engine) CancelTimer(ctx context.Context, name string) bool {
	ok := e.timers.Cancel(ctx, name)
	if ok {
		e.trace(observe.TraceEvent{
			Type:      observe.TraceTimerCancelled,
			Timestamp: time.Now(),
			Detail:    map[string]any{"timer": name},
		})
	}
	return ok
}

// GetTimer returns the named timer's current state.
func (e *Engine) GetTimer(name string) (rule.Timer, error) {
	t, ok := e.timers.Get(name)
	if !ok {
		return rule.Timer{}, rule.NewNotFound("timer", name)
	}
	return t, nil
}

// ListTimers returns live timers ordered by expiration.
func (e *Engine) ListTimers() []rule.Timer {
	return e.timers.List()
}

// Register adds a rule, records version 1, and schedules its temporal
// timer if any. Satisfies the hot-reload applier contract.
func (e *Engine) Register(r rule.Rule) (*rule.Rule, error) {
	stored, err := e.registry.Register(r)
	if err != nil {
		return nil, err
	}
	e.versions.Record(context.Background(), versioning.ChangeCreated, stored)
	e.persistRule(context.Background(), stored)
	if stored.Trigger.Kind == rule.TriggerTemporal && e.running.Load() {
		e.scheduleTemporal(stored)
	}
	return stored, nil
}

// Update atomically replaces a rule, bumping its version.
func (e *Engine) Update(id string, r rule.Rule) (*rule.Rule, error) {
	stored, err := e.registry.Update(id, r)
	if err != nil {
		return nil, err
	}
	e.versions.Record(context.Background(), versioning.ChangeUpdated, stored)
	e.persistRule(context.Background(), stored)
	e.unscheduleTemporal(id)
	if stored.Trigger.Kind == rule.TriggerTemporal && e.running.Load() {
		e.scheduleTemporal(stored)
	}
	return stored, nil
}

// Unregister removes a rule and its temporal timer. Version history is
// retained.
func (e *Engine) Unregister(id string) error {
	r, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	if err := e.registry.Unregister(id); err != nil {
		return err
	}
	e.versions.Record(context.Background(), versioning.ChangeDeleted, &r)
	e.unpersistRule(context.Background(), id)
	e.unscheduleTemporal(id)
	return nil
}

// SetRuleEnabled flips a rule's enabled flag and records the change.
func (e *Engine) SetRuleEnabled(id string, enabled bool) error {
	if err := e.registry.SetEnabled(id, enabled); err != nil {
		return err
	}
	r, err := e.registry.Get(id)
	if err != nil {
		return err
	}
	change := versioning.ChangeEnabled
	if !enabled {
		change = versioning.ChangeDisabled
	}
	e.versions.Record(context.Background(), change, &r)
	e.persistRule(context.Background(), &r)
	return nil
}

// GetRule returns a copy of the registered rule.
func (e *Engine) GetRule(id string) (rule.Rule, error) {
	return e.registry.Get(id)
}

// Rules returns every registered rule ordered by priority.
func (e *Engine) Rules() []rule.Rule {
	return e.registry.All()
}

// RuleHistory returns a rule's recorded version entries, oldest first.
func (e *Engine) RuleHistory(id string) []versioning.Entry {
	return e.versions.History(id)
}

// DiffRuleVersions reports the top-level fields that changed between
// two recorded versions.
func (e *Engine) DiffRuleVersions(id string, from, to int) ([]versioning.FieldChange, error) {
	return e.versions.Diff(id, from, to)
}

// RollbackRule re-registers the snapshot recorded at version, producing
// a new version with the old definition.
func (e *Engine) RollbackRule(id string, version int) (*rule.Rule, error) {
	snap, err := e.versions.Rollback(id, version)
	if err != nil {
		return nil, err
	}
	return e.Update(id, snap)
}

// SetGroup creates or updates a rule group.
func (e *Engine) SetGroup(g rule.Group) error {
	if err := e.registry.SetGroup(g); err != nil {
		return err
	}
	if e.adapter != nil {
		if err := e.adapter.Save(context.Background(), groupPrefix+g.ID, g); err != nil {
			e.log.Warn("persist group failed", "group_id", g.ID, "error", err)
		}
	}
	return nil
}

// DeleteGroup removes a group. Member rules stay registered but are
// effectively disabled until the group is recreated.
func (e *Engine) DeleteGroup(id string) error {
	if err := e.registry.DeleteGroup(id); err != nil {
		return err
	}
	if e.adapter != nil {
		if err := e.adapter.Delete(context.Background(), groupPrefix+id); err != nil {
			e.log.Warn("delete persisted group failed", "group_id", id, "error", err)
		}
	}
	return nil
}

// GetGroup returns a group by id.
func (e *Engine) GetGroup(id string) (rule.Group, error) {
	return e.registry.GetGroup(id)
}

// Groups returns all groups sorted by id.
func (e *Engine) Groups() []rule.Group {
	return e.registry.Groups()
}

// Query runs a backward-chaining query: could the registered rules
// produce the goal, and by what proof. Read-only.
func (e *Engine) Query(goal chainer.Goal) chainer.Result {
	res := e.chain.Query(goal)
	e.stats.queries.Add(1)
	e.trace(observe.TraceEvent{
		Type:      observe.TraceBackwardQuery,
		Timestamp: time.Now(),
		Detail: map[string]any{
			"goal_type":      string(goal.Type),
			"achievable":     res.Achievable,
			"explored_rules": res.ExploredRules,
			"duration_ms":    res.DurationMs,
		},
	})
	return res
}

// persistFact writes the fact through the adapter. Persistence failures
// degrade durability, never correctness; they are logged.
func (e *Engine) persistFact(ctx context.Context, f rule.Fact) {
	if e.adapter == nil {
		return
	}
	if err := e.adapter.Save(ctx, factPrefix+f.Key, f); err != nil {
		e.log.Warn("persist fact failed", "key", f.Key, "error", err)
	}
}

func (e *Engine) unpersistFact(ctx context.Context, key string) {
	if e.adapter == nil {
		return
	}
	if err := e.adapter.Delete(ctx, factPrefix+key); err != nil {
		e.log.Warn("delete persisted fact failed", "key", key, "error", err)
	}
}

// persistRule writes the rule through the adapter so the registry can
// be rebuilt on the next start. Same failure policy as facts: logged,
// never fatal.
func (e *Engine) persistRule(ctx context.Context, r *rule.Rule) {
	if e.adapter == nil {
		return
	}
	if err := e.adapter.Save(ctx, rulePrefix+r.ID, r); err != nil {
		e.log.Warn("persist rule failed", "rule_id", r.ID, "error", err)
	}
}

func (e *Engine) unpersistRule(ctx context.Context, id string) {
	if e.adapter == nil {
		return
	}
	if err := e.adapter.Delete(ctx, rulePrefix+id); err != nil {
		e.log.Warn("delete persisted rule failed", "rule_id", id, "error", err)
	}
}

// rehydrateGroups restores persisted groups. Groups come back before
// rules so grouped rules restore effectively enabled.
func (e *Engine) rehydrateGroups(ctx context.Context) (int, error) {
	keys, err := e.adapter.ListKeys(ctx, groupPrefix)
	if err != nil {
		return 0, fmt.Errorf("list persisted groups: %w", err)
	}
	restored := 0
	for _, key := range keys {
		rec, err := e.adapter.Load(ctx, key)
		if err != nil {
			return restored, fmt.Errorf("load persisted group %s: %w", key, err)
		}
		if rec == nil {
			continue
		}
		var g rule.Group
		if err := rec.Decode(&g); err != nil {
			e.log.Warn("dropping undecodable persisted group", "key", key, "error", err)
			continue
		}
		if err := e.registry.SetGroup(g); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// rehydrateRules rebuilds the registry from persisted rules, keeping
// their versions and timestamps. No version entries are recorded.
func (e *Engine) rehydrateRules(ctx context.Context) (int, error) {
	keys, err := e.adapter.ListKeys(ctx, rulePrefix)
	if err != nil {
		return 0, fmt.Errorf("list persisted rules: %w", err)
	}
	var rules []rule.Rule
	for _, key := range keys {
		rec, err := e.adapter.Load(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("load persisted rule %s: %w", key, err)
		}
		if rec == nil {
			continue
		}
		var r rule.Rule
		if err := rec.Decode(&r); err != nil {
			e.log.Warn("dropping undecodable persisted rule", "key", key, "error", err)
			continue
		}
		rules = append(rules, r)
	}
	// Registration order breaks priority ties; creation order is the
	// closest surviving approximation of it.
	sort.SliceStable(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
	restored := 0
	for _, r := range rules {
		// A same-instance restart still holds its registry; only rules
		// missing from it are restored.
		if _, err := e.registry.Get(r.ID); err == nil {
			continue
		}
		if err := e.registry.Restore(r); err != nil {
			return restored, err
		}
		restored++
	}
	return restored, nil
}

// rehydrateFacts restores persisted facts without firing triggers.
func (e *Engine) rehydrateFacts(ctx context.Context) (int, error) {
	keys, err := e.adapter.ListKeys(ctx, factPrefix)
	if err != nil {
		return 0, fmt.Errorf("list persisted facts: %w", err)
	}
	restored := 0
	for _, key := range keys {
		rec, err := e.adapter.Load(ctx, key)
		if err != nil {
			return restored, fmt.Errorf("load persisted fact %s: %w", key, err)
		}
		if rec == nil {
			continue
		}
		var f rule.Fact
		if err := rec.Decode(&f); err != nil {
			e.log.Warn("dropping undecodable persisted fact", "key", key, "error", err)
			continue
		}
		e.facts.Set(f.Key, f.Value, "restore")
		restored++
	}
	return restored, nil
}
