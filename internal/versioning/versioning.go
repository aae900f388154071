// Package versioning keeps an append-only per-rule change history with
// field-level diffs and rollback.
package versioning

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/roach88/reactor/internal/rule"
	"github.com/roach88/reactor/internal/storage"
)

// keyPrefix namespaces persisted histories in the storage adapter.
const keyPrefix = "versions/"

// ChangeType labels why a version entry was recorded.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeUpdated  ChangeType = "updated"
	ChangeEnabled  ChangeType = "enabled"
	ChangeDisabled ChangeType = "disabled"
	ChangeDeleted  ChangeType = "deleted"
)

// Entry is one point in a rule's history: a full snapshot plus the
// change that produced it.
type Entry struct {
	Version    int        `json:"version"`
	ChangeType ChangeType `json:"change_type"`
	Hash       string     `json:"hash"`
	Rule       rule.Rule  `json:"rule"`
	ChangedAt  time.Time  `json:"changed_at"`
}

// FieldChange is one top-level rule field that differs between two
// versions.
type FieldChange struct {
	Field string `json:"field"`
	From  any    `json:"from,omitempty"`
	To    any    `json:"to,omitempty"`
}

// Store holds per-rule histories. Histories are append-only: entries
// are never rewritten, and a rollback appends rather than truncates.
type Store struct {
	log     *slog.Logger
	adapter storage.Adapter // optional

	mu        sync.RWMutex
	histories map[string][]Entry
}

// NewStore creates a version store. adapter may be nil.
func NewStore(adapter storage.Adapter, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	return &Store{
		log:       log,
		adapter:   adapter,
		histories: make(map[string][]Entry),
	}
}

// Record appends a history entry snapshotting the rule as of the
// change. The entry's version is taken from the rule.
func (s *Store) Record(ctx context.Context, change ChangeType, r *rule.Rule) Entry {
	hash, err := rule.Hash(r)
	if err != nil {
		s.log.Warn("rule hash failed", "rule_id", r.ID, "error", err)
	}
	e := Entry{
		Version:    r.Version,
		ChangeType: change,
		Hash:       hash,
		Rule:       *r,
		ChangedAt:  time.Now().UTC(),
	}

	s.mu.Lock()
	s.histories[r.ID] = append(s.histories[r.ID], e)
	snapshot := append([]Entry(nil), s.histories[r.ID]...)
	s.mu.Unlock()

	s.persist(ctx, r.ID, snapshot)
	return e
}

// History returns a rule's entries oldest first.
func (s *Store) History(ruleID string) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Entry(nil), s.histories[ruleID]...)
}

// Get returns the latest entry recorded for the given version number.
func (s *Store) Get(ruleID string, version int) (Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history := s.histories[ruleID]
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Version == version {
			return history[i], nil
		}
	}
	return Entry{}, rule.NewNotFound("rule version", fmt.Sprintf("%s@%d", ruleID, version))
}

// Diff compares two versions of a rule field by field over their
// canonical top-level serialization. Engine-assigned bookkeeping fields
// (version, created_at, updated_at) are excluded.
func (s *Store) Diff(ruleID string, fromVersion, toVersion int) ([]FieldChange, error) {
	from, err := s.Get(ruleID, fromVersion)
	if err != nil {
		return nil, err
	}
	to, err := s.Get(ruleID, toVersion)
	if err != nil {
		return nil, err
	}

	fromFields, err := topLevelFields(&from.Rule)
	if err != nil {
		return nil, err
	}
	toFields, err := topLevelFields(&to.Rule)
	if err != nil {
		return nil, err
	}

	names := make(map[string]bool, len(fromFields)+len(toFields))
	for k := range fromFields {
		names[k] = true
	}
	for k := range toFields {
		names[k] = true
	}
	sorted := make([]string, 0, len(names))
	for k := range names {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var changes []FieldChange
	for _, name := range sorted {
		a, b := fromFields[name], toFields[name]
		if !reflect.DeepEqual(a, b) {
			changes = append(changes, FieldChange{Field: name, From: a, To: b})
		}
	}
	return changes, nil
}

// Rollback returns the snapshot stored for the given version. The
// caller re-registers it through the rule manager, which assigns the
// next version number; the resulting entry is recorded as "updated".
func (s *Store) Rollback(ruleID string, version int) (rule.Rule, error) {
	e, err := s.Get(ruleID, version)
	if err != nil {
		return rule.Rule{}, err
	}
	return e.Rule, nil
}

// Rehydrate restores persisted histories from the adapter.
func (s *Store) Rehydrate(ctx context.Context) (int, error) {
	if s.adapter == nil {
		return 0, nil
	}
	keys, err := s.adapter.ListKeys(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list persisted histories: %w", err)
	}
	restored := 0
	for _, key := range keys {
		rec, err := s.adapter.Load(ctx, key)
		if err != nil {
			return restored, fmt.Errorf("load history %s: %w", key, err)
		}
		if rec == nil {
			continue
		}
		var history []Entry
		if err := rec.Decode(&history); err != nil {
			s.log.Warn("dropping undecodable history", "key", key, "error", err)
			continue
		}
		if len(history) == 0 {
			continue
		}
		s.mu.Lock()
		s.histories[history[0].Rule.ID] = history
		s.mu.Unlock()
		restored++
	}
	return restored, nil
}

func (s *Store) persist(ctx context.Context, ruleID string, history []Entry) {
	if s.adapter == nil {
		return
	}
	if err := s.adapter.Save(ctx, keyPrefix+ruleID, history); err != nil {
		s.log.Warn("persist history failed", "rule_id", ruleID, "error", err)
	}
}

// topLevelFields serializes the rule to its JSON field map with the
// bookkeeping fields removed, mirroring what the content hash covers.
func topLevelFields(r *rule.Rule) (map[string]any, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("serialize rule %s: %w", r.ID, err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("reparse rule %s: %w", r.ID, err)
	}
	delete(fields, "version")
	delete(fields, "created_at")
	delete(fields, "updated_at")
	return fields, nil
}
