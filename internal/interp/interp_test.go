package interp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type mapFacts map[string]any

func (m mapFacts) Value(key string) (any, bool) {
	v, ok := m[key]
	return v, ok
}

func testContext() *Context {
	return &Context{
		Event: map[string]any{
			"order_id": "x-1",
			"total":    42.5,
			"customer": map[string]any{"id": "123", "tier": "gold"},
			"items":    []any{map[string]any{"id": "a"}, map[string]any{"id": "b"}},
		},
		Trigger: map[string]any{
			"order_id": "x-1",
			"fact":     map[string]any{"key": "customer:123:status", "value": "online"},
		},
		Facts: mapFacts{"customer:123:status": "online", "order:count": 3},
		Vars:  map[string]any{"item": map[string]any{"id": "a", "name": "A"}, "item_index": 0},
		Lookups: map[string]any{
			"cust": map[string]any{"tier": "vip", "score": 9},
		},
		Matched: []map[string]any{{"segment": "123"}},
	}
}

func TestResolve_Paths(t *testing.T) {
	ctx := testContext()
	tests := []struct {
		path string
		want any
		ok   bool
	}{
		{"event.order_id", "x-1", true},
		{"event.customer.tier", "gold", true},
		{"event.items.1.id", "b", true},
		{"trigger.order_id", "x-1", true},
		{"trigger.fact.value", "online", true},
		{"fact.customer:123:status", "online", true},
		{"fact.order:count", 3, true},
		{"var.item.name", "A", true},
		{"var.item_index", 0, true},
		{"lookup.cust.tier", "vip", true},
		{"matched.0.segment", "123", true},
		{"event.missing", nil, false},
		{"fact.no:such:key", nil, false},
		{"lookup.other.tier", nil, false},
		{"matched.5.segment", nil, false},
		{"bogus.path", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got, ok := Resolve(tt.path, ctx)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInterpolate(t *testing.T) {
	ctx := testContext()
	tests := []struct {
		in   string
		want string
	}{
		{"order ${event.order_id} from ${event.customer.id}", "order x-1 from 123"},
		{"no placeholders", "no placeholders"},
		{"missing: [${event.nope}]", "missing: []"},
		{"count=${fact.order:count}", "count=3"},
		{"item:${var.item.id}:name", "item:a:name"},
		{"total=${event.total}", "total=42.5"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Interpolate(tt.in, ctx))
	}
}

func TestResolveValue_RefReplacement(t *testing.T) {
	ctx := testContext()

	// Whole-value replacement preserves the underlying type.
	got := ResolveValue(map[string]any{"ref": "event.total"}, ctx)
	assert.Equal(t, 42.5, got)

	// Undefined ref resolves to nil.
	got = ResolveValue(map[string]any{"ref": "event.nope"}, ctx)
	assert.Nil(t, got)

	// A two-key map is data, not a ref.
	got = ResolveValue(map[string]any{"ref": "event.total", "other": 1}, ctx)
	assert.Equal(t, map[string]any{"ref": "event.total", "other": 1}, got)
}

func TestResolveValue_DeepWalk(t *testing.T) {
	ctx := testContext()
	in := map[string]any{
		"id":    map[string]any{"ref": "event.order_id"},
		"label": "tier ${lookup.cust.tier}",
		"list":  []any{"${event.order_id}", map[string]any{"ref": "event.total"}},
		"n":     7,
	}
	got := ResolveValue(in, ctx)
	assert.Equal(t, map[string]any{
		"id":    "x-1",
		"label": "tier vip",
		"list":  []any{"x-1", 42.5},
		"n":     7,
	}, got)
}

func TestResolveArgs(t *testing.T) {
	ctx := testContext()
	args := ResolveArgs([]any{map[string]any{"ref": "event.customer.id"}, "literal", 5}, ctx)
	assert.Equal(t, []any{"123", "literal", 5}, args)
	assert.Nil(t, ResolveArgs(nil, ctx))
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "plain", Stringify("plain"))
	assert.Equal(t, "10", Stringify(float64(10)))
	assert.Equal(t, "1.25", Stringify(1.25))
	assert.Equal(t, "true", Stringify(true))
	assert.Equal(t, "", Stringify(nil))
}
