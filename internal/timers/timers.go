// Package timers schedules named one-shot and repeating timers.
//
// Names are unique: setting a timer under an existing name atomically
// replaces the prior one, so "reset the debounce window" is a single
// set call. Expirations are delivered through a fire callback; with a
// storage adapter attached, timers survive restarts and past-due
// expirations fire on rehydration in timestamp order.
package timers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/reactor/internal/pattern"
	"github.com/roach88/reactor/internal/rule"
	"github.com/roach88/reactor/internal/storage"
)

// keyPrefix namespaces persisted timers in the storage adapter.
const keyPrefix = "timers/"

// FireFunc receives each expiration. The callback runs outside the
// manager lock; it may set or cancel timers.
type FireFunc func(t rule.Timer)

// entry pairs a live timer with its scheduled handle.
type entry struct {
	timer  rule.Timer
	handle *time.Timer
}

// Manager owns the name-keyed timer table.
type Manager struct {
	fire    FireFunc
	adapter storage.Adapter // optional
	log     *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	stopped bool
}

// NewManager creates a timer manager. adapter may be nil for purely
// in-memory operation.
func NewManager(fire FireFunc, adapter storage.Adapter, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		fire:    fire,
		adapter: adapter,
		log:     log,
		now:     time.Now,
		entries: make(map[string]*entry),
	}
}

// Set schedules (or replaces) the named timer. duration is a duration
// literal ("5m", 30000) counted from now. The returned timer carries
// the generated id and absolute expiration.
func (m *Manager) Set(ctx context.Context, name string, duration any, onExpire rule.TimerEvent, repeat *rule.RepeatSpec, correlationID string) (rule.Timer, error) {
	d, err := pattern.ParseDurationValue(duration)
	if err != nil {
		return rule.Timer{}, rule.NewBadRequest("timer %s: %v", name, err)
	}
	if repeat != nil {
		if _, err := pattern.ParseDurationValue(repeat.Interval); err != nil {
			return rule.Timer{}, rule.NewBadRequest("timer %s repeat interval: %v", name, err)
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return rule.Timer{}, fmt.Errorf("timer id: %w", err)
	}
	t := rule.Timer{
		ID:            id.String(),
		Name:          name,
		ExpiresAt:     m.now().Add(d),
		OnExpire:      onExpire,
		Repeat:        repeat,
		CorrelationID: correlationID,
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return rule.Timer{}, &rule.Error{
			Code:    rule.CodeUnavailable,
			Status:  503,
			Message: "timer manager is stopped",
		}
	}
	if prev, ok := m.entries[name]; ok && prev.handle != nil {
		prev.handle.Stop()
	}
	m.schedule(&t, d)
	m.mu.Unlock()

	m.persist(ctx, t)
	return t, nil
}

// schedule installs the entry and arms its handle. Caller holds the lock.
func (m *Manager) schedule(t *rule.Timer, d time.Duration) {
	id := t.ID
	name := t.Name
	m.entries[name] = &entry{
		timer: *t,
		handle: time.AfterFunc(d, func() {
			m.expire(name, id)
		}),
	}
}

// expire handles one firing of the named timer. The id guards against a
// stale handle racing a replacement: only the current incarnation fires.
func (m *Manager) expire(name, id string) {
	m.mu.Lock()
	e, ok := m.entries[name]
	if !ok || e.timer.ID != id || m.stopped {
		m.mu.Unlock()
		return
	}
	e.timer.FireCount++
	fired := e.timer

	rescheduled := false
	if r := e.timer.Repeat; r != nil && (r.MaxCount <= 0 || e.timer.FireCount < r.MaxCount) {
		if d, err := pattern.ParseDurationValue(r.Interval); err == nil {
			e.timer.ExpiresAt = m.now().Add(d)
			next := e.timer
			m.schedule(&next, d)
			rescheduled = true
		}
	}
	if !rescheduled {
		delete(m.entries, name)
	}
	m.mu.Unlock()

	ctx := context.Background()
	if rescheduled {
		m.persist(ctx, fired)
	} else {
		m.unpersist(ctx, name)
	}
	if m.fire != nil {
		m.fire(fired)
	}
}

// Cancel removes the named timer. Returns whether a timer existed;
// cancelling an unknown name is a no-op.
func (m *Manager) Cancel(ctx context.Context, name string) bool {
	m.mu.Lock()
	e, ok := m.entries[name]
	if ok {
		if e.handle != nil {
			e.handle.Stop()
		}
		delete(m.entries, name)
	}
	m.mu.Unlock()

	if ok {
		m.unpersist(ctx, name)
	}
	return ok
}

// Get returns the named timer's current state.
func (m *Manager) Get(name string) (rule.Timer, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[name]
	if !ok {
		return rule.Timer{}, false
	}
	return e.timer, true
}

// List returns all live timers ordered by expiration.
func (m *Manager) List() []rule.Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rule.Timer, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.timer)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Len reports the number of live timers.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Stop cancels every scheduled handle and clears the table. Persisted
// timers are left in the adapter so a later Rehydrate can restore them.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	for _, e := range m.entries {
		if e.handle != nil {
			e.handle.Stop()
		}
	}
	m.entries = make(map[string]*entry)
}

// Rehydrate restores persisted timers from the adapter. Past-due timers
// fire immediately in expiration order (oldest first); future timers
// are rescheduled for their remaining duration. Returns the number of
// timers restored.
func (m *Manager) Rehydrate(ctx context.Context) (int, error) {
	if m.adapter == nil {
		return 0, nil
	}
	keys, err := m.adapter.ListKeys(ctx, keyPrefix)
	if err != nil {
		return 0, fmt.Errorf("list persisted timers: %w", err)
	}

	var restored []rule.Timer
	for _, key := range keys {
		rec, err := m.adapter.Load(ctx, key)
		if err != nil {
			return 0, fmt.Errorf("load persisted timer %s: %w", key, err)
		}
		if rec == nil {
			continue
		}
		var t rule.Timer
		if err := rec.Decode(&t); err != nil {
			m.log.Warn("dropping undecodable persisted timer", "key", key, "error", err)
			m.unpersist(ctx, strings.TrimPrefix(key, keyPrefix))
			continue
		}
		restored = append(restored, t)
	}
	sort.Slice(restored, func(i, j int) bool {
		return restored[i].ExpiresAt.Before(restored[j].ExpiresAt)
	})

	now := m.now()
	for _, t := range restored {
		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			return len(restored), nil
		}
		if d := t.ExpiresAt.Sub(now); d > 0 {
			m.schedule(&t, d)
			m.mu.Unlock()
			continue
		}
		// Past due: install unarmed and fire synchronously so that
		// expired timers deliver in timestamp order.
		m.entries[t.Name] = &entry{timer: t}
		m.mu.Unlock()
		m.expire(t.Name, t.ID)
	}
	return len(restored), nil
}

// persist writes the timer through the adapter, if any. Persistence
// failures degrade durability but never block firing; they are logged.
func (m *Manager) persist(ctx context.Context, t rule.Timer) {
	if m.adapter == nil {
		return
	}
	if err := m.adapter.Save(ctx, keyPrefix+t.Name, t); err != nil {
		m.log.Warn("persist timer failed", "timer", t.Name, "error", err)
	}
}

func (m *Manager) unpersist(ctx context.Context, name string) {
	if m.adapter == nil {
		return
	}
	if err := m.adapter.Delete(ctx, keyPrefix+name); err != nil {
		m.log.Warn("delete persisted timer failed", "timer", name, "error", err)
	}
}
