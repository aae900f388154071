// Package action executes a rule's ordered action list.
//
// Execution is sequential. A failing atomic action is recorded and its
// siblings still run; the one construct that changes this is try_catch,
// where a failure inside try aborts the remaining try actions and
// transfers control to catch. finally always runs.
package action

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/reactor/internal/condition"
	"github.com/roach88/reactor/internal/interp"
	"github.com/roach88/reactor/internal/rule"
)

// Effects is the mutable engine surface atomic actions act on. The
// engine supplies an implementation bound to the current execution
// depth so that fact writes and event emissions chain correctly.
type Effects interface {
	SetFact(ctx context.Context, key string, value any) error
	DeleteFact(ctx context.Context, key string) error
	EmitEvent(ctx context.Context, topic string, data map[string]any) error
	SetTimer(ctx context.Context, name string, duration any, onExpire rule.TimerEvent, repeat *rule.RepeatSpec) error
	CancelTimer(ctx context.Context, name string) error
	CallService(ctx context.Context, service, method string, args []any) (any, error)
}

// Hooks observes action execution. Fields may be nil. path is the
// dotted position of the action within the rule ("actions[1].try[0]").
type Hooks struct {
	Started   func(path string, a *rule.Action)
	Completed func(path string, a *rule.Action)
	Failed    func(path string, a *rule.Action, err error)
}

// Executor runs action lists.
type Executor struct {
	conditions *condition.Evaluator
	log        *slog.Logger
	hooks      Hooks
}

// NewExecutor creates an executor. The condition evaluator handles
// conditional actions; hooks may be zero.
func NewExecutor(conditions *condition.Evaluator, log *slog.Logger, hooks Hooks) *Executor {
	if log == nil {
		log = slog.Default()
	}
	return &Executor{conditions: conditions, log: log, hooks: hooks}
}

// ExecuteAll runs the rule's top-level action list and returns the
// errors of failed actions. Failures do not stop later actions.
func (x *Executor) ExecuteAll(ctx context.Context, actions []rule.Action, ictx *interp.Context, eff Effects) []error {
	var errs []error
	x.runSeq(ctx, "actions", actions, ictx, eff, func(err error) {
		errs = append(errs, err)
	})
	return errs
}

// runSeq executes actions in order, reporting failures through record
// and continuing. Used everywhere except inside a try block.
func (x *Executor) runSeq(ctx context.Context, path string, actions []rule.Action, ictx *interp.Context, eff Effects, record func(error)) {
	for i := range actions {
		p := fmt.Sprintf("%s[%d]", path, i)
		if err := x.execute(ctx, p, &actions[i], ictx, eff); err != nil {
			record(err)
		}
	}
}

// runTry executes actions in order and stops at the first failure,
// returning it. Only try blocks get this abort-on-error semantics.
func (x *Executor) runTry(ctx context.Context, path string, actions []rule.Action, ictx *interp.Context, eff Effects) error {
	for i := range actions {
		p := fmt.Sprintf("%s[%d]", path, i)
		if err := x.execute(ctx, p, &actions[i], ictx, eff); err != nil {
			return err
		}
	}
	return nil
}

// execute dispatches one action. The returned error is the action's own
// failure; composed actions absorb their children's failures except
// within try.
func (x *Executor) execute(ctx context.Context, path string, a *rule.Action, ictx *interp.Context, eff Effects) error {
	if x.hooks.Started != nil {
		x.hooks.Started(path, a)
	}
	err := x.dispatch(ctx, path, a, ictx, eff)
	if err != nil {
		x.log.Warn("action failed", "path", path, "type", a.Type, "error", err)
		if x.hooks.Failed != nil {
			x.hooks.Failed(path, a, err)
		}
		return fmt.Errorf("%s (%s): %w", path, a.Type, err)
	}
	if x.hooks.Completed != nil {
		x.hooks.Completed(path, a)
	}
	return nil
}

func (x *Executor) dispatch(ctx context.Context, path string, a *rule.Action, ictx *interp.Context, eff Effects) error {
	switch a.Type {
	case rule.ActionSetFact:
		key := interp.Interpolate(a.Key, ictx)
		return eff.SetFact(ctx, key, interp.ResolveValue(a.Value, ictx))

	case rule.ActionDeleteFact:
		return eff.DeleteFact(ctx, interp.Interpolate(a.Key, ictx))

	case rule.ActionEmitEvent:
		topic := interp.Interpolate(a.Topic, ictx)
		data, _ := interp.ResolveValue(a.Data, ictx).(map[string]any)
		return eff.EmitEvent(ctx, topic, data)

	case rule.ActionSetTimer:
		name := interp.Interpolate(a.Name, ictx)
		duration := interp.ResolveValue(a.Duration, ictx)
		onExpire := rule.TimerEvent{}
		if a.OnExpire != nil {
			onExpire.Topic = interp.Interpolate(a.OnExpire.Topic, ictx)
			onExpire.Data, _ = interp.ResolveValue(a.OnExpire.Data, ictx).(map[string]any)
		}
		return eff.SetTimer(ctx, name, duration, onExpire, a.Repeat)

	case rule.ActionCancelTimer:
		return eff.CancelTimer(ctx, interp.Interpolate(a.Name, ictx))

	case rule.ActionCallService:
		result, err := eff.CallService(ctx, a.Service, a.Method, interp.ResolveArgs(a.Args, ictx))
		if err != nil {
			return err
		}
		x.log.Debug("service call completed", "service", a.Service, "method", a.Method, "result", result)
		return nil

	case rule.ActionLog:
		x.emitLog(a.Level, interp.Interpolate(a.Message, ictx))
		return nil

	case rule.ActionConditional:
		return x.conditional(ctx, path, a, ictx, eff)

	case rule.ActionForEach:
		return x.forEach(ctx, path, a, ictx, eff)

	case rule.ActionTryCatch:
		return x.tryCatch(ctx, path, a, ictx, eff)

	default:
		return fmt.Errorf("unknown action type %q", a.Type)
	}
}

func (x *Executor) emitLog(level, msg string) {
	switch level {
	case "debug":
		x.log.Debug(msg)
	case "warn":
		x.log.Warn(msg)
	case "error":
		x.log.Error(msg)
	default:
		x.log.Info(msg)
	}
}

// conditional runs then or else depending on the action's condition
// list. Branch failures are absorbed here: they are already recorded by
// execute and must not fail the conditional itself.
func (x *Executor) conditional(ctx context.Context, path string, a *rule.Action, ictx *interp.Context, eff Effects) error {
	var branchErr error
	record := func(err error) {
		if branchErr == nil {
			branchErr = err
		}
	}
	if x.conditions.EvaluateAll(a.Conditions, ictx, nil) {
		x.runSeq(ctx, path+".then", a.Then, ictx, eff, record)
	} else {
		x.runSeq(ctx, path+".else", a.Else, ictx, eff, record)
	}
	return branchErr
}

// forEach binds var.<as> and var.<as>_index for each element of the
// resolved collection. Prior bindings of the same names are restored
// afterwards so nested loops can shadow safely.
func (x *Executor) forEach(ctx context.Context, path string, a *rule.Action, ictx *interp.Context, eff Effects) error {
	collection, ok := interp.ResolveValue(a.Collection, ictx).([]any)
	if !ok {
		return fmt.Errorf("for_each collection is not a sequence")
	}

	// The loop is bounded only when the rule sets maxIterations; an
	// unset limit iterates the whole (already materialized) collection.
	if limit := a.MaxIterations; limit > 0 && len(collection) > limit {
		x.log.Warn("for_each collection truncated", "path", path, "size", len(collection), "limit", limit)
		collection = collection[:limit]
	}

	vars := ictx.Var()
	itemKey, indexKey := a.As, a.As+"_index"
	prevItem, hadItem := vars[itemKey]
	prevIndex, hadIndex := vars[indexKey]
	defer func() {
		restore(vars, itemKey, prevItem, hadItem)
		restore(vars, indexKey, prevIndex, hadIndex)
	}()

	var firstErr error
	record := func(err error) {
		if firstErr == nil {
			firstErr = err
		}
	}
	for i, item := range collection {
		vars[itemKey] = item
		vars[indexKey] = i
		x.runSeq(ctx, fmt.Sprintf("%s.actions(iteration %d)", path, i), a.Actions, ictx, eff, record)
	}
	return firstErr
}

func restore(vars map[string]any, key string, prev any, had bool) {
	if had {
		vars[key] = prev
	} else {
		delete(vars, key)
	}
}

// tryCatch runs try with abort-on-error semantics. On failure the error
// message is bound to var.<catch.as> and the catch actions run; finally
// always runs. An unhandled try error (no catch) propagates.
func (x *Executor) tryCatch(ctx context.Context, path string, a *rule.Action, ictx *interp.Context, eff Effects) error {
	tryErr := x.runTry(ctx, path+".try", a.Try, ictx, eff)

	var residual error
	if tryErr != nil {
		if a.Catch != nil {
			vars := ictx.Var()
			var prev any
			var had bool
			if a.Catch.As != "" {
				prev, had = vars[a.Catch.As]
				vars[a.Catch.As] = tryErr.Error()
			}
			x.runSeq(ctx, path+".catch.actions", a.Catch.Actions, ictx, eff, func(err error) {
				if residual == nil {
					residual = err
				}
			})
			if a.Catch.As != "" {
				restore(vars, a.Catch.As, prev, had)
			}
		} else {
			residual = tryErr
		}
	}

	x.runSeq(ctx, path+".finally", a.Finally, ictx, eff, func(err error) {
		if residual == nil {
			residual = err
		}
	})
	return residual
}
