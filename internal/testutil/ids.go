// Package testutil provides deterministic stand-ins for generated
// identities, so tests can assert on ids directly and keep recorded
// output stable across runs.
package testutil

import (
	"fmt"
	"sync"
)

// SeqIDs hands out sequential ids with a fixed prefix ("ev-000001",
// "ev-000002", ...). The zero-padded counter keeps lexical order equal
// to issue order. Safe for concurrent use.
type SeqIDs struct {
	mu     sync.Mutex
	prefix string
	n      int
}

// NewSeqIDs creates a generator. An empty prefix defaults to "id".
func NewSeqIDs(prefix string) *SeqIDs {
	if prefix == "" {
		prefix = "id"
	}
	return &SeqIDs{prefix: prefix}
}

// Next returns the next id in the sequence.
func (s *SeqIDs) Next() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("%s-%06d", s.prefix, s.n)
}

// Count reports how many ids have been issued.
func (s *SeqIDs) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// Reset rewinds the counter so a scenario can replay with identical ids.
func (s *SeqIDs) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n = 0
}
