// Package lookup resolves declarative external-service calls with TTL
// caching and per-lookup error strategy.
package lookup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/roach88/reactor/internal/interp"
	"github.com/roach88/reactor/internal/pattern"
	"github.com/roach88/reactor/internal/rule"
)

// Service is a named external collaborator. Methods receive the
// resolved argument vector.
type Service interface {
	Call(ctx context.Context, method string, args []any) (any, error)
}

// Func adapts a function to the Service interface.
type Func func(ctx context.Context, method string, args []any) (any, error)

// Call implements Service.
func (f Func) Call(ctx context.Context, method string, args []any) (any, error) {
	return f(ctx, method, args)
}

// cleanupInterval is how often expired cache entries are purged.
const cleanupInterval = time.Minute

// SkipError marks a lookup failure under the "skip" strategy: the rule
// as a whole is skipped, not failed.
type SkipError struct {
	Lookup string
	Err    error
}

// Error implements the error interface.
func (e *SkipError) Error() string {
	return fmt.Sprintf("lookup %s failed (skip): %v", e.Lookup, e.Err)
}

// Unwrap exposes the cause.
func (e *SkipError) Unwrap() error { return e.Err }

// IsSkip reports whether err marks a skip-strategy lookup failure.
func IsSkip(err error) bool {
	var se *SkipError
	return errors.As(err, &se)
}

// Resolver resolves lookup declarations against the service registry.
// Results are cached under hash(service, method, args) for the
// declaration's TTL; the cache is shared across rules so identical
// calls from different rules hit the same entry.
type Resolver struct {
	services map[string]Service
	cache    *gocache.Cache
}

// NewResolver creates a resolver over the given service registry.
func NewResolver(services map[string]Service) *Resolver {
	return &Resolver{
		services: services,
		cache:    gocache.New(gocache.NoExpiration, cleanupInterval),
	}
}

// Call invokes a registered service method directly (the call_service
// action path; no caching).
func (r *Resolver) Call(ctx context.Context, service, method string, args []any) (any, error) {
	svc, ok := r.services[service]
	if !ok {
		return nil, fmt.Errorf("Service not found: %s", service)
	}
	return svc.Call(ctx, method, args)
}

// ResolveAll resolves a rule's lookups concurrently and merges the
// results into a map keyed by lookup name.
//
// A failure under OnErrorSkip returns a *SkipError (the caller skips
// the rule); a failure under OnErrorFail returns a plain error (the
// caller records a rule execution failure). When both occur, skip wins:
// the rule would not have run regardless.
func (r *Resolver) ResolveAll(ctx context.Context, lookups []rule.Lookup, ictx *interp.Context) (map[string]any, error) {
	if len(lookups) == 0 {
		return nil, nil
	}

	results := make(map[string]any, len(lookups))
	errs := make([]error, len(lookups))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for i, l := range lookups {
		wg.Add(1)
		go func(i int, l rule.Lookup) {
			defer wg.Done()
			value, err := r.resolve(ctx, &l, ictx)
			if err != nil {
				errs[i] = err
				return
			}
			mu.Lock()
			results[l.Name] = value
			mu.Unlock()
		}(i, l)
	}
	wg.Wait()

	var failErr error
	for i, err := range errs {
		if err == nil {
			continue
		}
		if lookups[i].OnError == rule.OnErrorSkip {
			return nil, &SkipError{Lookup: lookups[i].Name, Err: err}
		}
		if failErr == nil {
			failErr = fmt.Errorf("lookup %s: %w", lookups[i].Name, err)
		}
	}
	if failErr != nil {
		return nil, failErr
	}
	return results, nil
}

// resolve performs one lookup: resolve args, probe the cache, invoke on
// miss, store under the declaration's TTL.
func (r *Resolver) resolve(ctx context.Context, l *rule.Lookup, ictx *interp.Context) (any, error) {
	args := interp.ResolveArgs(l.Args, ictx)

	var key string
	cached := l.Cache != nil
	if cached {
		var err error
		key, err = rule.LookupKey(l.Service, l.Method, args)
		if err != nil {
			return nil, fmt.Errorf("cache key: %w", err)
		}
		if value, ok := r.cache.Get(key); ok {
			return value, nil
		}
	}

	value, err := r.Call(ctx, l.Service, l.Method, args)
	if err != nil {
		return nil, err
	}

	if cached {
		ttl, err := pattern.ParseDurationValue(l.Cache.TTL)
		if err != nil {
			return nil, fmt.Errorf("cache ttl: %w", err)
		}
		r.cache.Set(key, value, ttl)
	}
	return value, nil
}

// CacheLen returns the number of live cache entries. Used by stats and
// tests.
func (r *Resolver) CacheLen() int {
	return r.cache.ItemCount()
}

// FlushCache drops every cached lookup result.
func (r *Resolver) FlushCache() {
	r.cache.Flush()
}
