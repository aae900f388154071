package lookup

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reactor/internal/interp"
	"github.com/roach88/reactor/internal/rule"
)

func testContext() *interp.Context {
	return &interp.Context{
		Event: map[string]any{"customerId": "c-1"},
	}
}

func TestResolveAll_MergesResults(t *testing.T) {
	r := NewResolver(map[string]Service{
		"crm": Func(func(_ context.Context, method string, args []any) (any, error) {
			require.Equal(t, "getCustomer", method)
			require.Equal(t, []any{"c-1"}, args)
			return map[string]any{"tier": "gold"}, nil
		}),
		"billing": Func(func(_ context.Context, method string, _ []any) (any, error) {
			return float64(42), nil
		}),
	})

	results, err := r.ResolveAll(context.Background(), []rule.Lookup{
		{Name: "cust", Service: "crm", Method: "getCustomer", Args: []any{map[string]any{"ref": "event.customerId"}}},
		{Name: "balance", Service: "billing", Method: "getBalance"},
	}, testContext())
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"tier": "gold"}, results["cust"])
	assert.Equal(t, float64(42), results["balance"])
}

func TestResolveAll_SkipStrategy(t *testing.T) {
	r := NewResolver(map[string]Service{
		"crm": Func(func(_ context.Context, _ string, _ []any) (any, error) {
			return nil, errors.New("boom")
		}),
	})

	_, err := r.ResolveAll(context.Background(), []rule.Lookup{
		{Name: "cust", Service: "crm", Method: "get", OnError: rule.OnErrorSkip},
	}, testContext())
	require.Error(t, err)
	assert.True(t, IsSkip(err))
}

func TestResolveAll_FailStrategy(t *testing.T) {
	r := NewResolver(map[string]Service{
		"crm": Func(func(_ context.Context, _ string, _ []any) (any, error) {
			return nil, errors.New("boom")
		}),
	})

	_, err := r.ResolveAll(context.Background(), []rule.Lookup{
		{Name: "cust", Service: "crm", Method: "get", OnError: rule.OnErrorFail},
	}, testContext())
	require.Error(t, err)
	assert.False(t, IsSkip(err))
	assert.Contains(t, err.Error(), "cust")
}

func TestResolveAll_UnknownService(t *testing.T) {
	r := NewResolver(nil)
	_, err := r.ResolveAll(context.Background(), []rule.Lookup{
		{Name: "x", Service: "nope", Method: "get", OnError: rule.OnErrorFail},
	}, testContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Service not found: nope")
}

func TestResolve_CacheHit(t *testing.T) {
	var calls atomic.Int64
	r := NewResolver(map[string]Service{
		"crm": Func(func(_ context.Context, _ string, _ []any) (any, error) {
			calls.Add(1)
			return "v", nil
		}),
	})

	lookups := []rule.Lookup{{
		Name: "cust", Service: "crm", Method: "get",
		Args:    []any{"c-1"},
		Cache:   &rule.LookupCache{TTL: "5m"},
		OnError: rule.OnErrorFail,
	}}

	for i := 0; i < 3; i++ {
		results, err := r.ResolveAll(context.Background(), lookups, testContext())
		require.NoError(t, err)
		assert.Equal(t, "v", results["cust"])
	}
	assert.Equal(t, int64(1), calls.Load(), "second and third calls served from cache")
	assert.Equal(t, 1, r.CacheLen())

	r.FlushCache()
	_, err := r.ResolveAll(context.Background(), lookups, testContext())
	require.NoError(t, err)
	assert.Equal(t, int64(2), calls.Load())
}

func TestResolve_CacheKeyVariesWithArgs(t *testing.T) {
	var calls atomic.Int64
	r := NewResolver(map[string]Service{
		"crm": Func(func(_ context.Context, _ string, args []any) (any, error) {
			calls.Add(1)
			return args[0], nil
		}),
	})

	ctx := testContext()
	for _, id := range []string{"a", "b", "a"} {
		_, err := r.ResolveAll(context.Background(), []rule.Lookup{{
			Name: "cust", Service: "crm", Method: "get",
			Args:    []any{id},
			Cache:   &rule.LookupCache{TTL: 60000},
			OnError: rule.OnErrorFail,
		}}, ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, int64(2), calls.Load())
}

func TestCall_Direct(t *testing.T) {
	r := NewResolver(map[string]Service{
		"mailer": Func(func(_ context.Context, method string, args []any) (any, error) {
			return map[string]any{"sent": true}, nil
		}),
	})
	out, err := r.Call(context.Background(), "mailer", "send", []any{"hi"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sent": true}, out)

	_, err = r.Call(context.Background(), "missing", "send", nil)
	assert.Error(t, err)
}
