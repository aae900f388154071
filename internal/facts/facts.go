// Package facts implements the keyed fact store with glob pattern
// queries and change-source tagging.
package facts

import (
	"sort"
	"sync"
	"time"

	"github.com/roach88/reactor/internal/pattern"
	"github.com/roach88/reactor/internal/rule"
)

// Store is a mapping from key to fact.
//
// Thread-safety: reads from subscribers and the backward chainer run
// concurrently with writes from action execution; all access goes
// through the mutex. A single Set is atomic: readers observe either the
// previous fact or the new one, never a partial write.
type Store struct {
	mu       sync.RWMutex
	facts    map[string]rule.Fact
	patterns *pattern.Cache
}

// NewStore creates an empty fact store.
func NewStore() *Store {
	return &Store{
		facts:    make(map[string]rule.Fact),
		patterns: pattern.NewCache(),
	}
}

// Set writes a fact and returns the stored fact plus the previous fact
// under the same key (nil if the key is new). Source tags who performed
// the write ("external", "action", "restore").
func (s *Store) Set(key string, value any, source string) (rule.Fact, *rule.Fact) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var prev *rule.Fact
	if old, ok := s.facts[key]; ok {
		cp := old
		prev = &cp
	}

	f := rule.Fact{
		Key:       key,
		Value:     value,
		Source:    source,
		UpdatedAt: time.Now().UTC(),
	}
	s.facts[key] = f
	return f, prev
}

// Get returns the fact under key.
func (s *Store) Get(key string) (rule.Fact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.facts[key]
	return f, ok
}

// Value returns just the fact's value. Satisfies the resolver's
// FactReader contract.
func (s *Store) Value(key string) (any, bool) {
	f, ok := s.Get(key)
	if !ok {
		return nil, false
	}
	return f.Value, true
}

// Delete removes the fact under key and returns the removed fact.
func (s *Store) Delete(key string) (rule.Fact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.facts[key]
	if ok {
		delete(s.facts, key)
	}
	return f, ok
}

// Query returns all facts whose key matches the colon-delimited glob
// pattern, sorted by key for deterministic iteration.
func (s *Store) Query(pat string) []rule.Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []rule.Fact
	if !pattern.HasWildcard(pat) {
		if f, ok := s.facts[pat]; ok {
			out = append(out, f)
		}
		return out
	}
	for key, f := range s.facts {
		if s.patterns.MatchKey(pat, key) {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of stored facts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.facts)
}

// Snapshot returns a copy of every fact, sorted by key. Used by
// persistence and stats.
func (s *Store) Snapshot() []rule.Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rule.Fact, 0, len(s.facts))
	for _, f := range s.facts {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Clear removes every fact.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts = make(map[string]rule.Fact)
}
