// Package events implements the bounded event archive with topic and
// correlation indexes.
package events

import (
	"sync"
	"time"

	"github.com/roach88/reactor/internal/pattern"
	"github.com/roach88/reactor/internal/rule"
)

// Default archive bounds.
const (
	DefaultMaxEvents = 10000
	DefaultMaxAge    = 24 * time.Hour
)

// Store archives events in arrival order, bounded by count and age.
// Eviction always removes the oldest entry first.
//
// Thread-safety: safe for concurrent use; subscribers and the backward
// chainer read while the orchestrator appends.
type Store struct {
	mu            sync.RWMutex
	events        []rule.Event
	byID          map[string]int   // id -> position in events (shifts on evict)
	byTopic       map[string][]int // topic -> positions
	byCorrelation map[string][]int // correlation id -> positions
	maxEvents     int
	maxAge        time.Duration
	patterns      *pattern.Cache
}

// NewStore creates an event store with the given bounds. Zero values
// select the defaults.
func NewStore(maxEvents int, maxAge time.Duration) *Store {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &Store{
		byID:          make(map[string]int),
		byTopic:       make(map[string][]int),
		byCorrelation: make(map[string][]int),
		maxEvents:     maxEvents,
		maxAge:        maxAge,
		patterns:      pattern.NewCache(),
	}
}

// Append archives an event, evicting the oldest entries if the count
// bound is exceeded or entries have aged out.
func (s *Store) Append(ev rule.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
	pos := len(s.events) - 1
	s.byID[ev.ID] = pos
	s.byTopic[ev.Topic] = append(s.byTopic[ev.Topic], pos)
	if ev.CorrelationID != "" {
		s.byCorrelation[ev.CorrelationID] = append(s.byCorrelation[ev.CorrelationID], pos)
	}

	cutoff := time.Now().Add(-s.maxAge)
	evict := 0
	for evict < len(s.events)-1 && s.events[evict].Timestamp.Before(cutoff) {
		evict++
	}
	if over := len(s.events) - s.maxEvents; over > evict {
		evict = over
	}
	if evict > 0 {
		s.evictOldest(evict)
	}
}

// evictOldest drops the first n events and rebuilds the indexes.
// Caller holds the write lock.
func (s *Store) evictOldest(n int) {
	s.events = s.events[n:]
	s.byID = make(map[string]int, len(s.events))
	s.byTopic = make(map[string][]int, len(s.byTopic))
	s.byCorrelation = make(map[string][]int, len(s.byCorrelation))
	for i, ev := range s.events {
		s.byID[ev.ID] = i
		s.byTopic[ev.Topic] = append(s.byTopic[ev.Topic], i)
		if ev.CorrelationID != "" {
			s.byCorrelation[ev.CorrelationID] = append(s.byCorrelation[ev.CorrelationID], i)
		}
	}
}

// Get returns the archived event with the given id.
func (s *Store) Get(id string) (rule.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.byID[id]
	if !ok {
		return rule.Event{}, false
	}
	return s.events[pos], true
}

// ByTopic returns archived events whose topic matches the glob pattern,
// oldest first.
func (s *Store) ByTopic(pat string) []rule.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !pattern.HasWildcard(pat) {
		return s.collect(s.byTopic[pat])
	}
	var out []rule.Event
	for _, ev := range s.events {
		if s.patterns.MatchTopic(pat, ev.Topic) {
			out = append(out, ev)
		}
	}
	return out
}

// ByCorrelation returns every archived event carrying the correlation
// id, oldest first.
func (s *Store) ByCorrelation(correlationID string) []rule.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collect(s.byCorrelation[correlationID])
}

// Recent returns up to n of the newest events, newest last.
func (s *Store) Recent(n int) []rule.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.events) {
		n = len(s.events)
	}
	out := make([]rule.Event, n)
	copy(out, s.events[len(s.events)-n:])
	return out
}

// Len returns the number of archived events.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// collect materializes events at the given positions. Caller holds a
// read lock.
func (s *Store) collect(positions []int) []rule.Event {
	if len(positions) == 0 {
		return nil
	}
	out := make([]rule.Event, len(positions))
	for i, pos := range positions {
		out[i] = s.events[pos]
	}
	return out
}
