package timers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/reactor/internal/rule"
	"github.com/roach88/reactor/internal/storage"
)

// recorder collects firings for assertions.
type recorder struct {
	mu    sync.Mutex
	fired []rule.Timer
	ch    chan rule.Timer
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan rule.Timer, 64)}
}

func (r *recorder) fire(t rule.Timer) {
	r.mu.Lock()
	r.fired = append(r.fired, t)
	r.mu.Unlock()
	r.ch <- t
}

func (r *recorder) waitOne(t *testing.T, timeout time.Duration) rule.Timer {
	t.Helper()
	select {
	case fired := <-r.ch:
		return fired
	case <-time.After(timeout):
		t.Fatal("timer did not fire in time")
		return rule.Timer{}
	}
}

func (r *recorder) snapshot() []rule.Timer {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]rule.Timer(nil), r.fired...)
}

func TestManager_SetAndFire(t *testing.T) {
	rec := newRecorder()
	m := NewManager(rec.fire, nil, nil)
	defer m.Stop()

	set, err := m.Set(context.Background(), "followup", "10ms",
		rule.TimerEvent{Topic: "timer.followup", Data: map[string]any{"k": "v"}}, nil, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "followup", set.Name)
	assert.NotEmpty(t, set.ID)
	assert.Equal(t, 1, m.Len())

	fired := rec.waitOne(t, time.Second)
	assert.Equal(t, "timer.followup", fired.OnExpire.Topic)
	assert.Equal(t, "corr-1", fired.CorrelationID)
	assert.Equal(t, 1, fired.FireCount)
	assert.Equal(t, 0, m.Len(), "one-shot removed after firing")
}

func TestManager_SetReplacesSameName(t *testing.T) {
	rec := newRecorder()
	m := NewManager(rec.fire, nil, nil)
	defer m.Stop()

	ctx := context.Background()
	first, err := m.Set(ctx, "debounce", "20ms", rule.TimerEvent{Topic: "a"}, nil, "")
	require.NoError(t, err)
	second, err := m.Set(ctx, "debounce", "20ms", rule.TimerEvent{Topic: "b"}, nil, "")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, m.Len(), "replacement does not grow the table")

	fired := rec.waitOne(t, time.Second)
	assert.Equal(t, "b", fired.OnExpire.Topic, "only the replacement fires")

	select {
	case extra := <-rec.ch:
		t.Fatalf("stale timer fired: %+v", extra)
	case <-time.After(60 * time.Millisecond):
	}
}

func TestManager_InvalidDuration(t *testing.T) {
	m := NewManager(nil, nil, nil)
	defer m.Stop()
	_, err := m.Set(context.Background(), "bad", "5parsecs", rule.TimerEvent{Topic: "x"}, nil, "")
	require.Error(t, err)
	assert.True(t, rule.IsBadRequest(err))
}

func TestManager_RepeatingHonorsMaxCount(t *testing.T) {
	rec := newRecorder()
	m := NewManager(rec.fire, nil, nil)
	defer m.Stop()

	_, err := m.Set(context.Background(), "poll", "10ms", rule.TimerEvent{Topic: "tick"},
		&rule.RepeatSpec{Interval: "10ms", MaxCount: 3}, "")
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		fired := rec.waitOne(t, time.Second)
		assert.Equal(t, i, fired.FireCount)
	}
	select {
	case extra := <-rec.ch:
		t.Fatalf("fired beyond maxCount: %+v", extra)
	case <-time.After(60 * time.Millisecond):
	}
	assert.Equal(t, 0, m.Len(), "exhausted repeater removed")
}

func TestManager_CancelIsIdempotent(t *testing.T) {
	rec := newRecorder()
	m := NewManager(rec.fire, nil, nil)
	defer m.Stop()

	_, err := m.Set(context.Background(), "followup", "50ms", rule.TimerEvent{Topic: "x"}, nil, "")
	require.NoError(t, err)

	assert.True(t, m.Cancel(context.Background(), "followup"))
	assert.False(t, m.Cancel(context.Background(), "followup"))
	assert.False(t, m.Cancel(context.Background(), "never-existed"))

	select {
	case fired := <-rec.ch:
		t.Fatalf("cancelled timer fired: %+v", fired)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestManager_StopClearsAll(t *testing.T) {
	rec := newRecorder()
	m := NewManager(rec.fire, nil, nil)

	ctx := context.Background()
	for _, name := range []string{"a", "b", "c"} {
		_, err := m.Set(ctx, name, "1h", rule.TimerEvent{Topic: name}, nil, "")
		require.NoError(t, err)
	}
	require.Equal(t, 3, m.Len())

	m.Stop()
	assert.Equal(t, 0, m.Len())

	_, err := m.Set(ctx, "after-stop", "1ms", rule.TimerEvent{Topic: "x"}, nil, "")
	assert.Error(t, err)
}

func TestManager_ListOrderedByExpiry(t *testing.T) {
	m := NewManager(nil, nil, nil)
	defer m.Stop()

	ctx := context.Background()
	_, err := m.Set(ctx, "later", "2h", rule.TimerEvent{Topic: "x"}, nil, "")
	require.NoError(t, err)
	_, err = m.Set(ctx, "sooner", "1h", rule.TimerEvent{Topic: "x"}, nil, "")
	require.NoError(t, err)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, "sooner", list[0].Name)
	assert.Equal(t, "later", list[1].Name)
}

func TestManager_RehydratePastDueFiresInTimestampOrder(t *testing.T) {
	adapter := storage.NewMemory("srv-1")
	ctx := context.Background()

	// Persist three already-expired timers out of order, as a prior
	// process would have left them.
	base := time.Now().Add(-time.Minute)
	for _, spec := range []struct {
		name string
		at   time.Time
	}{
		{"second", base.Add(2 * time.Second)},
		{"first", base.Add(1 * time.Second)},
		{"third", base.Add(3 * time.Second)},
	} {
		require.NoError(t, adapter.Save(ctx, "timers/"+spec.name, rule.Timer{
			ID: "id-" + spec.name, Name: spec.name, ExpiresAt: spec.at,
			OnExpire: rule.TimerEvent{Topic: "timer." + spec.name},
		}))
	}

	rec := newRecorder()
	m := NewManager(rec.fire, adapter, nil)
	defer m.Stop()

	n, err := m.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	fired := rec.snapshot()
	require.Len(t, fired, 3, "past-due timers fire synchronously during rehydrate")
	assert.Equal(t, "first", fired[0].Name)
	assert.Equal(t, "second", fired[1].Name)
	assert.Equal(t, "third", fired[2].Name)

	keys, err := adapter.ListKeys(ctx, "timers/")
	require.NoError(t, err)
	assert.Empty(t, keys, "fired one-shots removed from the adapter")
}

func TestManager_RehydrateFutureTimerKeepsRemaining(t *testing.T) {
	adapter := storage.NewMemory("srv-1")
	ctx := context.Background()
	require.NoError(t, adapter.Save(ctx, "timers/later", rule.Timer{
		ID: "id-later", Name: "later", ExpiresAt: time.Now().Add(time.Hour),
		OnExpire: rule.TimerEvent{Topic: "timer.later"},
	}))

	m := NewManager(nil, adapter, nil)
	defer m.Stop()

	n, err := m.Rehydrate(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, ok := m.Get("later")
	require.True(t, ok)
	assert.Equal(t, "id-later", got.ID)
}

func TestManager_PersistsThroughAdapter(t *testing.T) {
	adapter := storage.NewMemory("srv-1")
	m := NewManager(nil, adapter, nil)
	defer m.Stop()

	ctx := context.Background()
	_, err := m.Set(ctx, "followup", "1h", rule.TimerEvent{Topic: "x"}, nil, "")
	require.NoError(t, err)

	rec, err := adapter.Load(ctx, "timers/followup")
	require.NoError(t, err)
	require.NotNil(t, rec)

	m.Cancel(ctx, "followup")
	rec, err = adapter.Load(ctx, "timers/followup")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
