package condition

import (
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/roach88/reactor/internal/rule"
)

// apply dispatches a single (operator, actual, expected) triple.
//
// Numeric comparisons require both operands numeric; in/not_in require
// the expected value to be a sequence; contains/not_contains require
// the actual value to be a string or sequence. Violations evaluate to
// false rather than erroring: a rule with a type-confused condition
// simply does not fire.
func (e *Evaluator) apply(op rule.Operator, actual, expected any, defined bool) bool {
	switch op {
	case rule.OpExists:
		return defined && actual != nil
	case rule.OpNotExists:
		return !defined || actual == nil
	case rule.OpEq:
		return valueEqual(actual, expected)
	case rule.OpNeq:
		return !valueEqual(actual, expected)
	case rule.OpGt, rule.OpGte, rule.OpLt, rule.OpLte:
		a, aok := toFloat(actual)
		b, bok := toFloat(expected)
		if !aok || !bok {
			return false
		}
		switch op {
		case rule.OpGt:
			return a > b
		case rule.OpGte:
			return a >= b
		case rule.OpLt:
			return a < b
		default:
			return a <= b
		}
	case rule.OpIn:
		seq, ok := expected.([]any)
		if !ok {
			return false
		}
		return seqContains(seq, actual)
	case rule.OpNotIn:
		seq, ok := expected.([]any)
		if !ok {
			return false
		}
		return !seqContains(seq, actual)
	case rule.OpContains:
		return containsValue(actual, expected)
	case rule.OpNotContains:
		switch actual.(type) {
		case string, []any:
			return !containsValue(actual, expected)
		default:
			return false
		}
	case rule.OpMatches:
		s, ok := actual.(string)
		if !ok {
			return false
		}
		pat, ok := expected.(string)
		if !ok {
			return false
		}
		re, err := e.regexps.get(pat)
		if err != nil {
			return false
		}
		return re.MatchString(s)
	default:
		return false
	}
}

// valueEqual is strict equality with numeric normalization: 3, int64(3),
// and float64(3) compare equal, but "3" does not.
func valueEqual(a, b any) bool {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		return bok && af == bf
	}
	if _, bok := toFloat(b); bok {
		return false
	}
	return reflect.DeepEqual(a, b)
}

// toFloat normalizes the numeric types produced by JSON and YAML
// decoding. Booleans and numeric strings are not numbers.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func seqContains(seq []any, v any) bool {
	for _, elem := range seq {
		if valueEqual(elem, v) {
			return true
		}
	}
	return false
}

// containsValue implements the contains operator: substring match for
// strings, strict element equality for sequences.
func containsValue(actual, expected any) bool {
	switch a := actual.(type) {
	case string:
		sub, ok := expected.(string)
		if !ok {
			return false
		}
		return strings.Contains(a, sub)
	case []any:
		return seqContains(a, expected)
	default:
		return false
	}
}

// regexCache compiles each distinct matches-operator pattern once and
// retains it for the life of the evaluator.
type regexCache struct {
	mu       sync.RWMutex
	compiled map[string]*regexp.Regexp
	failed   map[string]bool
}

func newRegexCache() *regexCache {
	return &regexCache{
		compiled: make(map[string]*regexp.Regexp),
		failed:   make(map[string]bool),
	}
}

func (c *regexCache) get(pat string) (*regexp.Regexp, error) {
	c.mu.RLock()
	re, ok := c.compiled[pat]
	failed := c.failed[pat]
	c.mu.RUnlock()
	if ok {
		return re, nil
	}
	if failed {
		return nil, errCompileFailed
	}

	re, err := regexp.Compile(pat)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.failed[pat] = true
		return nil, err
	}
	c.compiled[pat] = re
	return re, nil
}

var errCompileFailed = regexError("regex pattern failed to compile")

type regexError string

func (e regexError) Error() string { return string(e) }
