// Package engine composes the stores, registry, evaluators, and timer
// wheel into the running rule engine.
//
// Concurrency model: a single run loop owns trigger processing. External
// stimuli (setFact, emit, timer expirations) enqueue tasks and return;
// the loop dequeues them and matches rules at depth 0. Triggers produced
// by actions chain inline within the executing goroutine at depth+1,
// bounded by the forward-chaining depth limit. Within one trigger,
// matched rules run in priority order; rules sharing a priority execute
// in parallel chunks capped by the concurrency limit, and a chunk's
// side effects are visible to every lower-priority chunk that follows.
package engine

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/reactor/internal/action"
	"github.com/roach88/reactor/internal/baseline"
	"github.com/roach88/reactor/internal/chainer"
	"github.com/roach88/reactor/internal/condition"
	"github.com/roach88/reactor/internal/events"
	"github.com/roach88/reactor/internal/facts"
	"github.com/roach88/reactor/internal/lookup"
	"github.com/roach88/reactor/internal/observe"
	"github.com/roach88/reactor/internal/pattern"
	"github.com/roach88/reactor/internal/registry"
	"github.com/roach88/reactor/internal/rule"
	"github.com/roach88/reactor/internal/storage"
	"github.com/roach88/reactor/internal/timers"
	"github.com/roach88/reactor/internal/versioning"
)

// Defaults for the engine's bounds.
const (
	DefaultMaxForwardDepth = 10
	DefaultMaxConcurrency  = 10
	defaultBaselineWindow  = 1000
)

// temporalPrefix namespaces the internal timers that drive temporal
// triggers. These timers never persist and never emit events.
const temporalPrefix = "temporal/"

// IDFunc generates event ids. The default produces UUIDv7 so ids sort
// by creation time.
type IDFunc func() string

func uuidV7() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithAdapter attaches a storage adapter. Facts, timers, and rule
// version history persist through it and rehydrate on Start.
func WithAdapter(a storage.Adapter) Option {
	return func(e *Engine) { e.adapter = a }
}

// WithService registers an external service for lookups and
// call_service actions.
func WithService(name string, svc lookup.Service) Option {
	return func(e *Engine) { e.services[name] = svc }
}

// WithTracer attaches a trace consumer.
func WithTracer(t observe.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithMaxForwardDepth bounds forward chaining. A trigger arriving at
// this depth is dropped with a forward_chaining_limit trace.
func WithMaxForwardDepth(n int) Option {
	return func(e *Engine) { e.maxForwardDepth = n }
}

// WithMaxConcurrency caps how many same-priority rules execute in
// parallel for one trigger.
func WithMaxConcurrency(n int) Option {
	return func(e *Engine) { e.maxConcurrency = n }
}

// WithEventBounds sizes the event archive.
func WithEventBounds(maxEvents int, maxAge time.Duration) Option {
	return func(e *Engine) { e.maxEvents, e.maxEventAge = maxEvents, maxAge }
}

// WithChainerLimits bounds backward-chaining queries.
func WithChainerLimits(maxDepth, maxExploredRules int) Option {
	return func(e *Engine) { e.chainDepth, e.chainExplored = maxDepth, maxExploredRules }
}

// WithBaselineWindow sizes the rolling window of the baseline store.
func WithBaselineWindow(n int) Option {
	return func(e *Engine) { e.baselineWindow = n }
}

// WithIDFunc overrides event id generation. Tests use this for
// deterministic ids.
func WithIDFunc(f IDFunc) Option {
	return func(e *Engine) { e.newID = f }
}

// subscriber is one registered event callback.
type subscriber struct {
	pattern string
	fn      func(rule.Event)
}

// counters aggregates the engine's monotonic totals.
type counters struct {
	factsSet       atomic.Int64
	factsDeleted   atomic.Int64
	eventsEmitted  atomic.Int64
	rulesEvaluated atomic.Int64
	rulesExecuted  atomic.Int64
	rulesSkipped   atomic.Int64
	rulesFailed    atomic.Int64
	timersFired    atomic.Int64
	queries        atomic.Int64
}

// Stats is a point-in-time snapshot of engine state and totals.
type Stats struct {
	Running        bool  `json:"running"`
	Rules          int   `json:"rules"`
	Facts          int   `json:"facts"`
	Timers         int   `json:"timers"`
	EventsArchived int   `json:"events_archived"`
	QueueDepth     int   `json:"queue_depth"`
	FactsSet       int64 `json:"facts_set"`
	FactsDeleted   int64 `json:"facts_deleted"`
	EventsEmitted  int64 `json:"events_emitted"`
	RulesEvaluated int64 `json:"rules_evaluated"`
	RulesExecuted  int64 `json:"rules_executed"`
	RulesSkipped   int64 `json:"rules_skipped"`
	RulesFailed    int64 `json:"rules_failed"`
	TimersFired    int64 `json:"timers_fired"`
	Queries        int64 `json:"queries"`
}

// Engine is the rule engine. Construct with New, then Start.
type Engine struct {
	log     *slog.Logger
	tracer  observe.Tracer
	metrics observe.Metrics
	adapter storage.Adapter
	newID   IDFunc

	maxForwardDepth int
	maxConcurrency  int
	maxEvents       int
	maxEventAge     time.Duration
	chainDepth      int
	chainExplored   int
	baselineWindow  int
	services        map[string]lookup.Service

	facts     *facts.Store
	events    *events.Store
	registry  *registry.Manager
	baselines *baseline.Store
	versions  *versioning.Store
	lookups   *lookup.Resolver
	conds     *condition.Evaluator
	actions   *action.Executor
	timers    *timers.Manager
	temporals *timers.Manager
	chain     *chainer.Chainer
	patterns  *pattern.Cache

	queue      *taskQueue
	running    atomic.Bool
	cancelLoop context.CancelFunc
	loopDone   chan struct{}

	subMu   sync.RWMutex
	subs    map[int]subscriber
	nextSub int

	stats counters
}

// New assembles an engine from the options. The engine does not process
// triggers until Start.
func New(opts ...Option) *Engine {
	e := &Engine{
		log:             slog.Default(),
		metrics:         observe.NopMetrics{},
		newID:           uuidV7,
		maxForwardDepth: DefaultMaxForwardDepth,
		maxConcurrency:  DefaultMaxConcurrency,
		baselineWindow:  defaultBaselineWindow,
		services:        make(map[string]lookup.Service),
		patterns:        pattern.NewCache(),
		queue:           newTaskQueue(),
		subs:            make(map[int]subscriber),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxForwardDepth <= 0 {
		e.maxForwardDepth = DefaultMaxForwardDepth
	}
	if e.maxConcurrency <= 0 {
		e.maxConcurrency = DefaultMaxConcurrency
	}

	e.facts = facts.NewStore()
	e.events = events.NewStore(e.maxEvents, e.maxEventAge)
	e.registry = registry.NewManager(e.log)
	e.baselines = baseline.NewStore(e.baselineWindow)
	e.versions = versioning.NewStore(e.adapter, e.log)
	e.lookups = lookup.NewResolver(e.services)
	e.conds = condition.New(e.baselines)
	e.actions = action.NewExecutor(e.conds, e.log, action.Hooks{})
	e.timers = timers.NewManager(e.onTimerFired, e.adapter, e.log)
	e.temporals = timers.NewManager(e.onTemporalFired, nil, e.log)
	e.chain = chainer.New(e.registry, e.facts, e.chainDepth, e.chainExplored)
	return e
}

// Start rehydrates persisted state and begins processing triggers. The
// context bounds rehydration only; the run loop lives until Stop.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return &rule.Error{Code: rule.CodeConflict, Status: 409, Message: "engine already started"}
	}

	// Fresh queue and timer wheels each start so a stopped engine can be
	// started again.
	e.queue = newTaskQueue()
	e.timers = timers.NewManager(e.onTimerFired, e.adapter, e.log)
	e.temporals = timers.NewManager(e.onTemporalFired, nil, e.log)

	// The loop's lifetime is owned by Stop, not the caller's ctx:
	// cancelling ctx must not kill the loop before Stop drains it.
	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancelLoop = cancel
	e.loopDone = make(chan struct{})
	go e.run(loopCtx)

	if e.adapter != nil {
		if n, err := e.rehydrateFacts(ctx); err != nil {
			e.log.Warn("fact rehydration failed", "error", err)
		} else if n > 0 {
			e.log.Info("facts rehydrated", "count", n)
		}
		if n, err := e.rehydrateGroups(ctx); err != nil {
			e.log.Warn("group rehydration failed", "error", err)
		} else if n > 0 {
			e.log.Info("groups rehydrated", "count", n)
		}
		// Rules come back before timers so past-due fires match them.
		if n, err := e.rehydrateRules(ctx); err != nil {
			e.log.Warn("rule rehydration failed", "error", err)
		} else if n > 0 {
			e.log.Info("rules rehydrated", "count", n)
		}
		if n, err := e.versions.Rehydrate(ctx); err != nil {
			e.log.Warn("version history rehydration failed", "error", err)
		} else if n > 0 {
			e.log.Info("version history rehydrated", "rules", n)
		}
		// Past-due timers fire during rehydration; their triggers queue
		// behind nothing and process first.
		if n, err := e.timers.Rehydrate(ctx); err != nil {
			e.log.Warn("timer rehydration failed", "error", err)
		} else if n > 0 {
			e.log.Info("timers rehydrated", "count", n)
		}
	}

	for _, r := range e.registry.Temporals() {
		e.scheduleTemporal(r)
	}

	e.log.Info("engine started",
		"max_forward_depth", e.maxForwardDepth,
		"max_concurrency", e.maxConcurrency,
		"rules", e.registry.Len())
	return nil
}

// Stop drains the queue, halts the run loop, and cancels timers.
// Stimuli arriving after Stop are rejected; timer fires racing the stop
// are dropped. Persisted state stays in the adapter for a later Start.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.running.CompareAndSwap(true, false) {
		return notRunning()
	}

	// Drain before the timer wheels stop so an expiration landing
	// mid-drain is processed, not dropped.
	if err := e.drain(ctx); err != nil {
		e.log.Warn("drain on stop incomplete", "error", err)
	}
	e.temporals.Stop()
	e.timers.Stop()
	// A wheel may have fired between the drain and its stop; flush those
	// triggers too.
	if err := e.drain(ctx); err != nil {
		e.log.Warn("final drain on stop incomplete", "error", err)
	}
	e.queue.Close()
	e.cancelLoop()
	<-e.loopDone

	e.subMu.Lock()
	e.subs = make(map[int]subscriber)
	e.subMu.Unlock()

	e.log.Info("engine stopped")
	return nil
}

// Running reports whether the engine is started.
func (e *Engine) Running() bool { return e.running.Load() }

// run is the single-writer loop: drain the queue, then park until the
// next enqueue or cancellation.
func (e *Engine) run(ctx context.Context) {
	defer close(e.loopDone)
	for {
		for {
			t, ok := e.queue.TryDequeue()
			if !ok {
				break
			}
			e.metrics.QueueDepth(e.queue.Len())
			if t.barrier != nil {
				close(t.barrier)
				continue
			}
			e.handle(ctx, t.trig)
		}
		select {
		case <-ctx.Done():
			return
		case <-e.queue.Wait():
		}
	}
}

// enqueue hands a trigger to the run loop. Returns false when the
// engine has stopped.
func (e *Engine) enqueue(trig *trigger) bool {
	ok := e.queue.Enqueue(task{trig: trig})
	if ok {
		e.metrics.QueueDepth(e.queue.Len())
	}
	return ok
}

// drain waits until every task enqueued before the call has finished,
// including triggers chained from those tasks.
func (e *Engine) drain(ctx context.Context) error {
	done := make(chan struct{})
	if !e.queue.Enqueue(task{barrier: done}) {
		return notRunning()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Barrier waits for the queue to drain. Satisfies the hot-reload
// applier contract: no rule swap happens mid-evaluation.
func (e *Engine) Barrier(ctx context.Context) error {
	if !e.running.Load() {
		return notRunning()
	}
	return e.drain(ctx)
}

// onTimerFired receives expirations from the timer manager and queues
// them as timer triggers.
func (e *Engine) onTimerFired(t rule.Timer) {
	e.stats.timersFired.Add(1)
	e.metrics.TimersFired()
	e.trace(observe.TraceEvent{
		Type:          observe.TraceTimerFired,
		CorrelationID: t.CorrelationID,
		Timestamp:     time.Now(),
		Detail:        map[string]any{"timer": t.Name, "fire_count": t.FireCount},
	})

	cp := t
	if !e.enqueue(&trigger{
		kind:          rule.TriggerTimer,
		timer:         &cp,
		correlationID: t.CorrelationID,
		causationID:   t.ID,
	}) {
		e.log.Debug("timer fire dropped after stop", "timer", t.Name)
	}
}

// onTemporalFired drives one interval tick of a temporal rule.
func (e *Engine) onTemporalFired(t rule.Timer) {
	cp := t
	e.enqueue(&trigger{kind: rule.TriggerTemporal, timer: &cp})
}

// scheduleTemporal installs the repeating internal timer behind a
// temporal rule. Replacing is idempotent: timer names are unique.
func (e *Engine) scheduleTemporal(r *rule.Rule) {
	if r.Trigger.Temporal == nil {
		return
	}
	interval := r.Trigger.Temporal.Interval
	_, err := e.temporals.Set(context.Background(), temporalPrefix+r.ID, interval,
		rule.TimerEvent{}, &rule.RepeatSpec{Interval: interval}, "")
	if err != nil {
		e.log.Warn("temporal schedule failed", "rule_id", r.ID, "error", err)
	}
}

func (e *Engine) unscheduleTemporal(id string) {
	e.temporals.Cancel(context.Background(), temporalPrefix+id)
}

// temporalRuleID recovers the rule id from an internal temporal timer.
func temporalRuleID(name string) string {
	return strings.TrimPrefix(name, temporalPrefix)
}

// GetStats snapshots the engine's state and totals.
func (e *Engine) GetStats() Stats {
	return Stats{
		Running:        e.running.Load(),
		Rules:          e.registry.Len(),
		Facts:          e.facts.Len(),
		Timers:         e.timers.Len(),
		EventsArchived: e.events.Len(),
		QueueDepth:     e.queue.Len(),
		FactsSet:       e.stats.factsSet.Load(),
		FactsDeleted:   e.stats.factsDeleted.Load(),
		EventsEmitted:  e.stats.eventsEmitted.Load(),
		RulesEvaluated: e.stats.rulesEvaluated.Load(),
		RulesExecuted:  e.stats.rulesExecuted.Load(),
		RulesSkipped:   e.stats.rulesSkipped.Load(),
		RulesFailed:    e.stats.rulesFailed.Load(),
		TimersFired:    e.stats.timersFired.Load(),
		Queries:        e.stats.queries.Load(),
	}
}

// RecordMetric feeds one sample into the baseline store backing
// baseline conditions.
func (e *Engine) RecordMetric(metric string, value float64) {
	e.baselines.Record(metric, value)
}

func (e *Engine) trace(ev observe.TraceEvent) {
	if e.tracer != nil {
		e.tracer.Trace(ev)
	}
}

func notRunning() error {
	return &rule.Error{
		Code:    rule.CodeUnavailable,
		Status:  503,
		Message: "engine is not running",
	}
}
