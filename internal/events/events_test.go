package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reactor/internal/rule"
)

func ev(id, topic, correlation string) rule.Event {
	return rule.Event{
		ID:            id,
		Topic:         topic,
		Timestamp:     time.Now().UTC(),
		Source:        "test",
		CorrelationID: correlation,
	}
}

func TestStore_AppendAndGet(t *testing.T) {
	s := NewStore(0, 0)
	s.Append(ev("e1", "order.created", ""))

	got, ok := s.Get("e1")
	require.True(t, ok)
	assert.Equal(t, "order.created", got.Topic)

	_, ok = s.Get("nope")
	assert.False(t, ok)
}

func TestStore_ByTopic(t *testing.T) {
	s := NewStore(0, 0)
	s.Append(ev("e1", "order.created", ""))
	s.Append(ev("e2", "order.updated", ""))
	s.Append(ev("e3", "order.created", ""))
	s.Append(ev("e4", "payment.settled", ""))

	got := s.ByTopic("order.created")
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e3", got[1].ID)

	got = s.ByTopic("order.*")
	assert.Len(t, got, 3)

	got = s.ByTopic("**")
	assert.Len(t, got, 4)
}

func TestStore_ByCorrelation(t *testing.T) {
	s := NewStore(0, 0)
	s.Append(ev("e1", "order.created", "txn-1"))
	s.Append(ev("e2", "payment.settled", "txn-1"))
	s.Append(ev("e3", "order.created", "txn-2"))
	s.Append(ev("e4", "audit.note", ""))

	got := s.ByCorrelation("txn-1")
	require.Len(t, got, 2)
	assert.Equal(t, "e1", got[0].ID)
	assert.Equal(t, "e2", got[1].ID)

	assert.Len(t, s.ByCorrelation("txn-2"), 1)
	assert.Empty(t, s.ByCorrelation("txn-3"))
}

func TestStore_CountBoundEvictsOldest(t *testing.T) {
	s := NewStore(3, 0)
	for i := 1; i <= 5; i++ {
		s.Append(ev(fmt.Sprintf("e%d", i), "t.x", "c-1"))
	}

	assert.Equal(t, 3, s.Len())
	_, ok := s.Get("e1")
	assert.False(t, ok, "oldest evicted")
	_, ok = s.Get("e2")
	assert.False(t, ok)
	_, ok = s.Get("e5")
	assert.True(t, ok)

	// Indexes follow eviction.
	assert.Len(t, s.ByCorrelation("c-1"), 3)
	assert.Len(t, s.ByTopic("t.x"), 3)
}

func TestStore_AgeBoundEvictsOldEntries(t *testing.T) {
	s := NewStore(0, time.Minute)
	old := ev("old", "t.x", "")
	old.Timestamp = time.Now().Add(-time.Hour)
	s.Append(old)
	s.Append(ev("fresh", "t.x", ""))

	assert.Equal(t, 1, s.Len())
	_, ok := s.Get("old")
	assert.False(t, ok)
	_, ok = s.Get("fresh")
	assert.True(t, ok)
}

func TestStore_Recent(t *testing.T) {
	s := NewStore(0, 0)
	for i := 1; i <= 4; i++ {
		s.Append(ev(fmt.Sprintf("e%d", i), "t.x", ""))
	}

	got := s.Recent(2)
	require.Len(t, got, 2)
	assert.Equal(t, "e3", got[0].ID)
	assert.Equal(t, "e4", got[1].ID)

	assert.Len(t, s.Recent(0), 4, "zero means everything")
	assert.Len(t, s.Recent(100), 4)
}
