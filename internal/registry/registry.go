// Package registry is the rule manager: it owns registered rules and
// groups and answers trigger-match queries.
//
// Each trigger kind has an inverted index split into an exact bucket
// (pattern contains no wildcard, map lookup) and a wildcard bucket
// (scanned with compiled globs), so the common case of literal trigger
// patterns stays O(1) per stimulus.
package registry

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/reactor/internal/pattern"
	"github.com/roach88/reactor/internal/rule"
)

// matchKind selects which glob grammar an index uses.
type matchKind int

const (
	matchTopic matchKind = iota // dot-delimited, * and **
	matchName                   // colon-delimited, *
)

// entry wraps a registered rule with its insertion sequence, which
// breaks priority ties deterministically.
type entry struct {
	rule *rule.Rule
	seq  uint64
}

// index is one trigger-kind inverted index.
type index struct {
	kind      matchKind
	exact     map[string][]*entry
	wildcards []*entry
	patterns  *pattern.Cache
}

func newIndex(kind matchKind, pc *pattern.Cache) *index {
	return &index{kind: kind, exact: make(map[string][]*entry), patterns: pc}
}

func (ix *index) add(e *entry) {
	pat := e.rule.Trigger.Pattern
	if pattern.HasWildcard(pat) {
		ix.wildcards = append(ix.wildcards, e)
		return
	}
	ix.exact[pat] = append(ix.exact[pat], e)
}

func (ix *index) remove(id string) {
	for pat, entries := range ix.exact {
		ix.exact[pat] = removeEntry(entries, id)
		if len(ix.exact[pat]) == 0 {
			delete(ix.exact, pat)
		}
	}
	ix.wildcards = removeEntry(ix.wildcards, id)
}

func removeEntry(entries []*entry, id string) []*entry {
	for i, e := range entries {
		if e.rule.ID == id {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// match collects the entries whose trigger pattern matches the subject.
func (ix *index) match(subject string) []*entry {
	out := append([]*entry(nil), ix.exact[subject]...)
	for _, e := range ix.wildcards {
		var ok bool
		if ix.kind == matchTopic {
			ok = ix.patterns.MatchTopic(e.rule.Trigger.Pattern, subject)
		} else {
			ok = ix.patterns.MatchKey(e.rule.Trigger.Pattern, subject)
		}
		if ok {
			out = append(out, e)
		}
	}
	return out
}

// Manager is the rule registry. Safe for concurrent use.
type Manager struct {
	log *slog.Logger

	mu       sync.RWMutex
	rules    map[string]*entry
	groups   map[string]rule.Group
	byFact   *index
	byEvent  *index
	byTimer  *index
	temporal map[string]*entry
	nextSeq  uint64
	patterns *pattern.Cache
}

// NewManager creates an empty registry.
func NewManager(log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	pc := pattern.NewCache()
	return &Manager{
		log:      log,
		rules:    make(map[string]*entry),
		groups:   make(map[string]rule.Group),
		byFact:   newIndex(matchName, pc),
		byEvent:  newIndex(matchTopic, pc),
		byTimer:  newIndex(matchName, pc),
		temporal: make(map[string]*entry),
		patterns: pc,
	}
}

// GroupExists is the GroupChecker bound to this registry.
func (m *Manager) GroupExists(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.groups[id]
	return ok
}

// Register validates and registers a rule. A duplicate id is a
// CONFLICT; validation errors (not warnings) block registration.
// The stored rule gets version 1 and created/updated timestamps.
func (m *Manager) Register(r rule.Rule) (*rule.Rule, error) {
	issues := rule.Validate(&r, m.GroupExists)
	if rule.HasErrors(issues) {
		return nil, rule.NewValidationError(issues)
	}
	rule.Normalize(&r)

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[r.ID]; exists {
		return nil, rule.NewConflict("rule", r.ID)
	}

	now := time.Now().UTC()
	r.Version = 1
	r.CreatedAt = now
	r.UpdatedAt = now
	m.insertLocked(&r)

	m.log.Info("rule registered", "rule_id", r.ID, "trigger", r.Trigger.Kind, "priority", r.Priority)
	return &r, nil
}

// Restore re-inserts a previously registered rule, keeping its version
// and timestamps. Used when the registry is rebuilt from the storage
// adapter; the rule was validated and normalized at registration.
func (m *Manager) Restore(r rule.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.rules[r.ID]; exists {
		return rule.NewConflict("rule", r.ID)
	}
	m.insertLocked(&r)
	m.log.Info("rule restored", "rule_id", r.ID, "version", r.Version)
	return nil
}

// insertLocked places the rule into the id table and its trigger index.
func (m *Manager) insertLocked(r *rule.Rule) {
	m.nextSeq++
	e := &entry{rule: r, seq: m.nextSeq}
	m.rules[r.ID] = e
	switch r.Trigger.Kind {
	case rule.TriggerFact:
		m.byFact.add(e)
	case rule.TriggerEvent:
		m.byEvent.add(e)
	case rule.TriggerTimer:
		m.byTimer.add(e)
	case rule.TriggerTemporal:
		m.temporal[r.ID] = e
	}
}

// Unregister removes a rule. Unknown ids are NOT_FOUND.
func (m *Manager) Unregister(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.removeLocked(id); err != nil {
		return err
	}
	m.log.Info("rule unregistered", "rule_id", id)
	return nil
}

func (m *Manager) removeLocked(id string) error {
	e, ok := m.rules[id]
	if !ok {
		return rule.NewNotFound("rule", id)
	}
	delete(m.rules, id)
	switch e.rule.Trigger.Kind {
	case rule.TriggerFact:
		m.byFact.remove(id)
	case rule.TriggerEvent:
		m.byEvent.remove(id)
	case rule.TriggerTimer:
		m.byTimer.remove(id)
	case rule.TriggerTemporal:
		delete(m.temporal, id)
	}
	return nil
}

// Update atomically replaces a registered rule: readers observe either
// the old rule or the new one, never an absence. The id is taken from
// the existing registration; the replacement's version is bumped.
func (m *Manager) Update(id string, r rule.Rule) (*rule.Rule, error) {
	r.ID = id
	issues := rule.Validate(&r, m.GroupExists)
	if rule.HasErrors(issues) {
		return nil, rule.NewValidationError(issues)
	}
	rule.Normalize(&r)

	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.rules[id]
	if !ok {
		return nil, rule.NewNotFound("rule", id)
	}
	if err := m.removeLocked(id); err != nil {
		return nil, err
	}
	r.Version = prev.rule.Version + 1
	r.CreatedAt = prev.rule.CreatedAt
	r.UpdatedAt = time.Now().UTC()
	m.insertLocked(&r)

	m.log.Info("rule updated", "rule_id", id, "version", r.Version)
	return &r, nil
}

// SetEnabled flips a rule's enabled flag.
func (m *Manager) SetEnabled(id string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.rules[id]
	if !ok {
		return rule.NewNotFound("rule", id)
	}
	e.rule.Enabled = enabled
	e.rule.UpdatedAt = time.Now().UTC()
	return nil
}

// Get returns a copy of the registered rule.
func (m *Manager) Get(id string) (rule.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.rules[id]
	if !ok {
		return rule.Rule{}, rule.NewNotFound("rule", id)
	}
	return *e.rule, nil
}

// All returns copies of every registered rule, priority-ordered.
func (m *Manager) All() []rule.Rule {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.rules))
	for _, e := range m.rules {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	sortEntries(entries)
	out := make([]rule.Rule, len(entries))
	for i, e := range entries {
		out[i] = *e.rule
	}
	return out
}

// Len reports the number of registered rules.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}

// MatchFact returns the effectively-enabled rules whose fact trigger
// matches the changed key, priority-ordered.
func (m *Manager) MatchFact(key string) []*rule.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectLocked(m.byFact.match(key))
}

// MatchEvent returns the effectively-enabled rules whose event trigger
// matches the topic, priority-ordered.
func (m *Manager) MatchEvent(topic string) []*rule.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectLocked(m.byEvent.match(topic))
}

// MatchTimer returns the effectively-enabled rules whose timer trigger
// matches the expired timer's name, priority-ordered.
func (m *Manager) MatchTimer(name string) []*rule.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.selectLocked(m.byTimer.match(name))
}

// Temporals returns the effectively-enabled temporal rules.
func (m *Manager) Temporals() []*rule.Rule {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entries := make([]*entry, 0, len(m.temporal))
	for _, e := range m.temporal {
		entries = append(entries, e)
	}
	return m.selectLocked(entries)
}

// selectLocked filters by effective enablement and orders by priority
// descending, insertion order on ties. Caller holds at least RLock.
func (m *Manager) selectLocked(entries []*entry) []*rule.Rule {
	kept := entries[:0:0]
	for _, e := range entries {
		if m.effectiveEnabledLocked(e.rule) {
			kept = append(kept, e)
		}
	}
	sortEntries(kept)
	out := make([]*rule.Rule, len(kept))
	for i, e := range kept {
		out[i] = e.rule
	}
	return out
}

func (m *Manager) effectiveEnabledLocked(r *rule.Rule) bool {
	if !r.Enabled {
		return false
	}
	if r.Group == "" {
		return true
	}
	g, ok := m.groups[r.Group]
	return ok && g.Enabled
}

// EffectiveEnabled reports whether the rule would run: enabled and, when
// grouped, the group enabled too.
func (m *Manager) EffectiveEnabled(id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.rules[id]
	if !ok {
		return false, rule.NewNotFound("rule", id)
	}
	return m.effectiveEnabledLocked(e.rule), nil
}

func sortEntries(entries []*entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].rule.Priority != entries[j].rule.Priority {
			return entries[i].rule.Priority > entries[j].rule.Priority
		}
		return entries[i].seq < entries[j].seq
	})
}

// SetGroup creates or updates a group.
func (m *Manager) SetGroup(g rule.Group) error {
	if g.ID == "" {
		return rule.NewBadRequest("group id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[g.ID] = g
	return nil
}

// DeleteGroup removes a group. Member rules keep their group reference
// and become effectively disabled until the group is recreated.
func (m *Manager) DeleteGroup(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return rule.NewNotFound("group", id)
	}
	delete(m.groups, id)
	return nil
}

// GetGroup returns a group by id.
func (m *Manager) GetGroup(id string) (rule.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return rule.Group{}, rule.NewNotFound("group", id)
	}
	return g, nil
}

// Groups returns every group sorted by id.
func (m *Manager) Groups() []rule.Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]rule.Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
