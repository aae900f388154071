package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Adapter. State survives for the life of the
// process only; useful for tests and for running without durability.
type Memory struct {
	mu       sync.RWMutex
	records  map[string]Record
	serverID string
}

// NewMemory creates an empty in-memory adapter.
func NewMemory(serverID string) *Memory {
	return &Memory{
		records:  make(map[string]Record),
		serverID: serverID,
	}
}

// Save implements Adapter.
func (m *Memory) Save(_ context.Context, key string, state any) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state for %q: %w", key, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = Record{
		State: raw,
		Metadata: Metadata{
			PersistedAt:   time.Now().UTC(),
			ServerID:      m.serverID,
			SchemaVersion: SchemaVersion,
		},
	}
	return nil
}

// Load implements Adapter.
func (m *Memory) Load(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[key]
	if !ok {
		return nil, nil
	}
	out := rec
	out.State = append(json.RawMessage(nil), rec.State...)
	return &out, nil
}

// ListKeys implements Adapter. Keys are returned sorted.
func (m *Memory) ListKeys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.records))
	for k := range m.records {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete implements Adapter. Deleting a missing key is a no-op.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

// Close implements Adapter.
func (m *Memory) Close() error { return nil }
