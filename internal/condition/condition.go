// Package condition evaluates ordered condition lists against an
// evaluation context.
//
// Semantics are conjunction with short-circuit: conditions are scanned
// left to right and evaluation stops at the first false. The optional
// per-condition callback observes exactly the evaluated prefix.
package condition

import (
	"github.com/roach88/reactor/internal/baseline"
	"github.com/roach88/reactor/internal/interp"
	"github.com/roach88/reactor/internal/rule"
)

// FactQuerier is the optional pattern-query capability of a fact store.
// When the context's fact reader also implements this, wildcard fact
// sources resolve to the list of matching fact values.
type FactQuerier interface {
	Query(pattern string) []rule.Fact
}

// Evaluated is the observer callback invoked after each condition is
// evaluated, in order, up to and including the first failure.
type Evaluated func(index int, cond rule.Condition, passed bool)

// Evaluator evaluates conditions. The baseline store is optional;
// baseline-sourced conditions evaluate to false without one.
type Evaluator struct {
	baseline *baseline.Store
	regexps  *regexCache
}

// New creates an evaluator. b may be nil.
func New(b *baseline.Store) *Evaluator {
	return &Evaluator{
		baseline: b,
		regexps:  newRegexCache(),
	}
}

// EvaluateAll evaluates the ordered condition list with short-circuit
// AND. An empty list always passes.
func (e *Evaluator) EvaluateAll(conds []rule.Condition, ctx *interp.Context, on Evaluated) bool {
	for i, c := range conds {
		passed := e.evaluate(&c, ctx)
		if on != nil {
			on(i, c, passed)
		}
		if !passed {
			return false
		}
	}
	return true
}

// Apply evaluates one (operator, actual, expected) triple. defined
// reports whether the actual value's slot existed at all, which is what
// exists/not_exists inspect. Exposed for the backward chainer, which
// checks goal satisfaction against live facts without a full context.
func (e *Evaluator) Apply(op rule.Operator, actual, expected any, defined bool) bool {
	return e.apply(op, actual, expected, defined)
}

// evaluate resolves the condition's source and dispatches the operator.
func (e *Evaluator) evaluate(c *rule.Condition, ctx *interp.Context) bool {
	if c.Source.Type == rule.SourceBaseline {
		return e.evaluateBaseline(c, ctx)
	}

	actual, defined := resolveSource(&c.Source, ctx)
	expected := interp.ResolveValue(c.Value, ctx)
	return e.apply(c.Operator, actual, expected, defined)
}

// evaluateBaseline probes the resolved condition value against the
// metric's rolling statistics. The operator is not consulted: the probe
// configuration on the source decides the outcome.
func (e *Evaluator) evaluateBaseline(c *rule.Condition, ctx *interp.Context) bool {
	if e.baseline == nil {
		return false
	}
	probe, ok := toFloat(interp.ResolveValue(c.Value, ctx))
	if !ok {
		return false
	}
	return e.baseline.Check(baseline.Probe{
		Metric:      c.Source.Metric,
		Comparison:  c.Source.Comparison,
		Sensitivity: c.Source.Sensitivity,
		Method:      c.Source.Method,
		MinSamples:  c.Source.MinSamples,
	}, probe)
}

// resolveSource reads the actual value from the context slot named by
// the source. The second return reports whether the slot was defined.
func resolveSource(src *rule.ConditionSource, ctx *interp.Context) (any, bool) {
	switch src.Type {
	case rule.SourceFact:
		if ctx.Facts == nil {
			return nil, false
		}
		if q, ok := ctx.Facts.(FactQuerier); ok && hasWildcard(src.Pattern) {
			matches := q.Query(src.Pattern)
			if len(matches) == 0 {
				return nil, false
			}
			values := make([]any, len(matches))
			for i, f := range matches {
				values[i] = f.Value
			}
			return values, true
		}
		return ctx.Facts.Value(src.Pattern)
	case rule.SourceEvent:
		return interp.Resolve("event."+src.Field, ctx)
	case rule.SourceContext:
		return interp.Resolve("var."+src.Key, ctx)
	case rule.SourceLookup:
		path := "lookup." + src.Name
		if src.Field != "" {
			path += "." + src.Field
		}
		return interp.Resolve(path, ctx)
	default:
		return nil, false
	}
}

func hasWildcard(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == '*' {
			return true
		}
	}
	return false
}
