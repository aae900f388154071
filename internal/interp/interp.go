// Package interp expands ${…} placeholders and {"ref": "path"} objects
// against an evaluation context.
//
// Reference path grammar (dot-delimited):
//
//	event.<field.path>        event data of the triggering event
//	trigger.<field.path>      alias of event; for fact and timer triggers
//	                          the payload lives under trigger.fact / trigger.timer
//	fact.<key>                live fact value (key taken verbatim, colons intact)
//	var.<name.path>           variable map (for_each bindings, catch bindings)
//	lookup.<name.field.path>  resolved lookup results
//	matched.<index>.<field>   per-match bindings of the trigger
//
// Undefined references interpolate as the empty string and resolve as nil.
package interp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// FactReader supplies live fact values to the resolver. Implemented by
// the fact store.
type FactReader interface {
	Value(key string) (any, bool)
}

// Context is the evaluation context shared by condition evaluation,
// action execution, and lookup argument resolution for one rule run.
type Context struct {
	// Event holds the triggering event's data (event triggers only).
	Event map[string]any
	// Trigger holds the full trigger payload. For event triggers it
	// equals Event; fact triggers populate {"fact": {...}}, timer
	// triggers {"timer": {...}}.
	Trigger map[string]any
	// Facts reads live fact values; may be nil.
	Facts FactReader
	// Vars holds rule-local variables (for_each and catch bindings).
	Vars map[string]any
	// Lookups holds resolved lookup results keyed by lookup name.
	Lookups map[string]any
	// Matched holds per-match bindings for pattern triggers.
	Matched []map[string]any

	// CorrelationID and CausationID propagate onto events emitted by
	// actions running under this context.
	CorrelationID string
	CausationID   string
}

// Var returns the variable map, allocating it on first use so callers
// can bind without nil checks.
func (c *Context) Var() map[string]any {
	if c.Vars == nil {
		c.Vars = make(map[string]any)
	}
	return c.Vars
}

// placeholderRE matches ${path} placeholders inside strings.
var placeholderRE = regexp.MustCompile(`\$\{([^}]+)\}`)

// Resolve evaluates a reference path against the context. The second
// return reports whether the path was defined; undefined paths resolve
// to (nil, false).
func Resolve(path string, ctx *Context) (any, bool) {
	if ctx == nil {
		return nil, false
	}
	prefix, rest, _ := strings.Cut(path, ".")

	switch prefix {
	case "event":
		return dig(ctx.Event, rest)
	case "trigger":
		return dig(ctx.Trigger, rest)
	case "fact":
		if ctx.Facts == nil || rest == "" {
			return nil, false
		}
		// The remainder is the fact key verbatim; fact keys are
		// colon-delimited and never split on dots.
		return ctx.Facts.Value(rest)
	case "var":
		return dig(ctx.Vars, rest)
	case "lookup":
		return dig(ctx.Lookups, rest)
	case "matched":
		idxStr, fieldPath, _ := strings.Cut(rest, ".")
		idx, err := strconv.Atoi(idxStr)
		if err != nil || idx < 0 || idx >= len(ctx.Matched) {
			return nil, false
		}
		if fieldPath == "" {
			return ctx.Matched[idx], true
		}
		return dig(ctx.Matched[idx], fieldPath)
	default:
		return nil, false
	}
}

// Interpolate replaces every ${path} placeholder in s with the string
// form of the resolved value. Undefined paths become the empty string.
func Interpolate(s string, ctx *Context) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderRE.ReplaceAllStringFunc(s, func(m string) string {
		path := m[2 : len(m)-1]
		v, ok := Resolve(path, ctx)
		if !ok || v == nil {
			return ""
		}
		return Stringify(v)
	})
}

// RefPath extracts the path of a {"ref": "path"} object. Returns
// ("", false) for anything else.
func RefPath(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return "", false
	}
	path, ok := m["ref"].(string)
	return path, ok
}

// ResolveValue expands a rule input value: {"ref": …} objects are
// replaced whole, strings are interpolated, and maps/slices are walked
// recursively. Scalars pass through untouched.
func ResolveValue(v any, ctx *Context) any {
	switch val := v.(type) {
	case string:
		return Interpolate(val, ctx)
	case map[string]any:
		if path, ok := RefPath(val); ok {
			resolved, _ := Resolve(path, ctx)
			return resolved
		}
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = ResolveValue(elem, ctx)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = ResolveValue(elem, ctx)
		}
		return out
	default:
		return v
	}
}

// ResolveArgs expands a lookup/call argument vector.
func ResolveArgs(args []any, ctx *Context) []any {
	if args == nil {
		return nil
	}
	out := make([]any, len(args))
	for i, a := range args {
		out[i] = ResolveValue(a, ctx)
	}
	return out
}

// Stringify renders a value for interpolation. Scalars render plainly;
// composites fall back to fmt.
func Stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		// Integral floats (the common JSON case) render without a
		// trailing ".0" so interpolated keys stay clean.
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'g', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// dig walks a dot-delimited field path through nested maps and slices.
// An empty path returns the root.
func dig(root any, path string) (any, bool) {
	if root == nil {
		return nil, false
	}
	if path == "" {
		return root, true
	}
	cur := root
	for _, seg := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}
