// Package reload watches rule sources and applies changes to the
// running engine as atomic diffs.
//
// Each cycle loads the full rule set from every source, hashes each
// rule's canonical form, and diffs against the hashes applied last
// time. Validation happens before any mutation when configured, so a
// bad file leaves the engine exactly as it was.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/roach88/reactor/internal/observe"
	"github.com/roach88/reactor/internal/rule"
)

// DefaultInterval is the poll cadence when none is configured.
const DefaultInterval = 30 * time.Second

// Applier is the engine surface the watcher mutates. Barrier must not
// return until every trigger queued before the call has finished
// processing; the watcher calls it before swapping rules so a rule is
// never replaced mid-evaluation.
type Applier interface {
	Register(r rule.Rule) (*rule.Rule, error)
	Update(id string, r rule.Rule) (*rule.Rule, error)
	Unregister(id string) error
	Barrier(ctx context.Context) error
}

// Config configures a Watcher.
type Config struct {
	Sources  []Source
	Interval time.Duration
	// ValidateBeforeApply with AtomicReload makes a cycle all-or-nothing:
	// one invalid rule rejects the whole diff.
	ValidateBeforeApply bool
	AtomicReload        bool
	Tracer              observe.Tracer
	Metrics             observe.Metrics
	Log                 *slog.Logger
}

// Watcher polls the sources and applies diffs.
type Watcher struct {
	cfg     Config
	applier Applier
	log     *slog.Logger

	mu       sync.Mutex // serializes PerformCheck
	baseline map[string]string

	reloadCount  atomic.Int64
	failureCount atomic.Int64

	stop chan struct{}
	done chan struct{}
}

// NewWatcher creates a watcher. It does not poll until Start.
func NewWatcher(cfg Config, applier Applier) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.NopMetrics{}
	}
	return &Watcher{
		cfg:      cfg,
		applier:  applier,
		log:      cfg.Log,
		baseline: make(map[string]string),
	}
}

// Start begins polling. The first check runs immediately.
func (w *Watcher) Start(ctx context.Context) {
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	go func() {
		defer close(w.done)
		if err := w.PerformCheck(ctx); err != nil {
			w.log.Warn("hot reload check failed", "error", err)
		}
		ticker := time.NewTicker(w.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.PerformCheck(ctx); err != nil {
					w.log.Warn("hot reload check failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts polling and waits for an in-flight check to finish.
func (w *Watcher) Stop() {
	if w.stop == nil {
		return
	}
	close(w.stop)
	<-w.done
	w.stop = nil
}

// ReloadCount reports successfully applied cycles (cycles with changes).
func (w *Watcher) ReloadCount() int64 { return w.reloadCount.Load() }

// FailureCount reports failed cycles.
func (w *Watcher) FailureCount() int64 { return w.failureCount.Load() }

// PerformCheck runs one reload cycle: load, hash, diff, validate,
// apply. Exported so callers can force an immediate reload.
func (w *Watcher) PerformCheck(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := time.Now()
	w.trace(observe.TraceEvent{Type: observe.TraceHotReloadStarted, Timestamp: start})

	loaded, err := w.loadAll(ctx)
	if err != nil {
		w.fail("unexpected_error", err)
		return err
	}

	added, modified, removed := w.diff(loaded)
	if len(added)+len(modified)+len(removed) == 0 {
		w.trace(observe.TraceEvent{
			Type:      observe.TraceHotReloadCompleted,
			Timestamp: time.Now(),
			Detail:    map[string]any{"added": 0, "modified": 0, "removed": 0, "duration_ms": ms(start)},
		})
		return nil
	}

	if w.cfg.ValidateBeforeApply && w.cfg.AtomicReload {
		if err := validateAll(loaded, added, modified); err != nil {
			w.fail("validation_failed", err)
			return err
		}
	}

	// A rule must never change under an evaluation in flight.
	if err := w.applier.Barrier(ctx); err != nil {
		w.fail("unexpected_error", err)
		return err
	}

	applied := w.apply(loaded, added, modified, removed)

	w.reloadCount.Add(1)
	w.cfg.Metrics.ReloadCompleted(true)
	w.trace(observe.TraceEvent{
		Type:      observe.TraceHotReloadCompleted,
		Timestamp: time.Now(),
		Detail: map[string]any{
			"added":       len(added),
			"modified":    len(modified),
			"removed":     len(removed),
			"applied":     applied,
			"duration_ms": ms(start),
		},
	})
	w.log.Info("hot reload applied",
		"added", len(added), "modified", len(modified), "removed", len(removed))
	return nil
}

// loadAll merges every source's rule set. A later source wins on
// duplicate ids.
func (w *Watcher) loadAll(ctx context.Context) (map[string]ruleWithHash, error) {
	out := make(map[string]ruleWithHash)
	for _, src := range w.cfg.Sources {
		rules, err := src.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name(), err)
		}
		for _, r := range rules {
			hash, err := rule.Hash(&r)
			if err != nil {
				return nil, fmt.Errorf("source %s: hash rule %s: %w", src.Name(), r.ID, err)
			}
			if _, dup := out[r.ID]; dup {
				w.log.Warn("duplicate rule id across sources", "rule_id", r.ID, "source", src.Name())
			}
			out[r.ID] = ruleWithHash{rule: r, hash: hash}
		}
	}
	return out, nil
}

type ruleWithHash struct {
	rule rule.Rule
	hash string
}

// diff compares the loaded set against the applied baseline.
func (w *Watcher) diff(loaded map[string]ruleWithHash) (added, modified, removed []string) {
	for id, rh := range loaded {
		prev, known := w.baseline[id]
		switch {
		case !known:
			added = append(added, id)
		case prev != rh.hash:
			modified = append(modified, id)
		}
	}
	for id := range w.baseline {
		if _, still := loaded[id]; !still {
			removed = append(removed, id)
		}
	}
	return added, modified, removed
}

// validateAll checks every incoming rule offline (group references are
// resolved at registration).
func validateAll(loaded map[string]ruleWithHash, added, modified []string) error {
	for _, id := range append(append([]string(nil), added...), modified...) {
		r := loaded[id].rule
		if issues := rule.Validate(&r, nil); rule.HasErrors(issues) {
			return fmt.Errorf("rule %s: %w", id, rule.NewValidationError(issues))
		}
	}
	return nil
}

// apply executes the diff. Per-rule failures are logged and that rule's
// baseline entry is left unchanged so the next cycle retries it.
func (w *Watcher) apply(loaded map[string]ruleWithHash, added, modified, removed []string) int {
	applied := 0
	for _, id := range removed {
		if err := w.applier.Unregister(id); err != nil {
			w.log.Warn("hot reload unregister failed", "rule_id", id, "error", err)
			continue
		}
		delete(w.baseline, id)
		applied++
	}
	for _, id := range modified {
		if _, err := w.applier.Update(id, loaded[id].rule); err != nil {
			w.log.Warn("hot reload update failed", "rule_id", id, "error", err)
			continue
		}
		w.baseline[id] = loaded[id].hash
		applied++
	}
	for _, id := range added {
		_, err := w.applier.Register(loaded[id].rule)
		if rule.IsConflict(err) {
			// Already registered, e.g. restored from storage on start.
			// Converge to the source's definition.
			_, err = w.applier.Update(id, loaded[id].rule)
		}
		if err != nil {
			w.log.Warn("hot reload register failed", "rule_id", id, "error", err)
			continue
		}
		w.baseline[id] = loaded[id].hash
		applied++
	}
	return applied
}

func (w *Watcher) fail(reason string, err error) {
	w.failureCount.Add(1)
	w.cfg.Metrics.ReloadCompleted(false)
	w.trace(observe.TraceEvent{
		Type:      observe.TraceHotReloadFailed,
		Timestamp: time.Now(),
		Detail:    map[string]any{"reason": reason, "error": err.Error()},
	})
}

func (w *Watcher) trace(e observe.TraceEvent) {
	if w.cfg.Tracer != nil {
		w.cfg.Tracer.Trace(e)
	}
}

func ms(start time.Time) float64 {
	return float64(time.Since(start)) / float64(time.Millisecond)
}
