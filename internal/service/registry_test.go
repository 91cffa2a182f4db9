package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/factgraph/internal/models"
)

// memStore is an in-memory TaskStore.
type memStore struct {
	mu    sync.Mutex
	tasks map[string]map[string]models.IngestionTask
	saves int
	fail  error
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]map[string]models.IngestionTask)}
}

func (s *memStore) SaveTask(_ context.Context, ns string, task models.IngestionTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if s.tasks[ns] == nil {
		s.tasks[ns] = make(map[string]models.IngestionTask)
	}
	s.tasks[ns][task.TaskID] = task.Clone()
	s.saves++
	return nil
}

func (s *memStore) DeleteTask(_ context.Context, ns, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks[ns], id)
	return nil
}

func (s *memStore) ListTasks(_ context.Context, ns string) ([]models.IngestionTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.IngestionTask, 0, len(s.tasks[ns]))
	for _, t := range s.tasks[ns] {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out, nil
}

func (s *memStore) ClearTasks(_ context.Context, ns string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, ns)
	return nil
}

func (s *memStore) PruneTasks(_ context.Context, ns string, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, t := range s.tasks[ns] {
		if t.CreatedAt.Before(before) {
			delete(s.tasks[ns], id)
			n++
		}
	}
	return n, nil
}

func (s *memStore) get(ns, id string) (models.IngestionTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[ns][id]
	return t, ok
}

func (s *memStore) count(ns string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks[ns])
}

func newTask(id, key string) models.IngestionTask {
	return models.IngestionTask{
		TaskID:        id,
		SourceInput:   "https://" + key,
		NormalizedKey: key,
		State:         models.StateProcessing,
		Stage:         models.StagePreview,
		CreatedAt:     time.Now(),
	}
}

// drain returns the events currently buffered on ch.
func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestRegistryAddAndGet(t *testing.T) {
	r := NewRegistry(nil, "ns", nil, nil)

	require.NoError(t, r.Add(newTask("t1", "a.com/1")))
	err := r.Add(newTask("t1", "a.com/2"))
	assert.True(t, errors.Is(err, ErrDuplicateID))
	err = r.Add(newTask("t2", "a.com/1"))
	assert.True(t, errors.Is(err, ErrDuplicateID), "same key under another id")

	got, ok := r.Get("t1")
	require.True(t, ok)
	assert.Equal(t, "a.com/1", got.NormalizedKey)

	byKey, ok := r.FindByKey("a.com/1")
	require.True(t, ok)
	assert.Equal(t, "t1", byKey.TaskID)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistryAddIfAbsentConcurrent(t *testing.T) {
	r := NewRegistry(nil, "ns", nil, nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	added := 0
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok := r.AddIfAbsent(newTask(fmt.Sprintf("temp_%d", i), "a.com/same"))
			if ok {
				mu.Lock()
				added++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, added)
	assert.Equal(t, 1, r.Len())
}

func TestRegistryAddIfAbsentReplacesError(t *testing.T) {
	r := NewRegistry(nil, "ns", nil, nil)
	failed := newTask("t1", "a.com/x")
	failed.Fail(models.ReasonBlocked, "", time.Now())
	require.NoError(t, r.Add(failed))

	got, added := r.AddIfAbsent(newTask("temp_2", "a.com/x"))
	require.True(t, added)
	assert.Equal(t, "temp_2", got.TaskID)
	_, ok := r.Get("t1")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Len())

	done := newTask("t3", "a.com/y")
	done.Complete(2, time.Now())
	require.NoError(t, r.Add(done))
	got, added = r.AddIfAbsent(newTask("temp_4", "a.com/y"))
	assert.False(t, added)
	assert.Equal(t, "t3", got.TaskID)
}

func TestRegistryNoOpUpdateSuppressed(t *testing.T) {
	r := NewRegistry(nil, "ns", nil, nil)
	task := newTask("t1", "a.com/1")
	task.Preview = &models.Preview{Title: "Headline"}
	require.NoError(t, r.Add(task))

	events, cancel := r.Subscribe()
	defer cancel()

	_, changed, err := r.Update("t1", func(tk *models.IngestionTask) {
		tk.AdvanceStage(models.StagePreview)
		tk.MergePreview(models.Preview{Title: "Headline"})
	})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Empty(t, drain(events))

	updated, changed, err := r.Update("t1", func(tk *models.IngestionTask) {
		tk.AdvanceStage(models.StageExtraction)
	})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.StageExtraction, updated.Stage)

	evs := drain(events)
	require.Len(t, evs, 1)
	assert.Equal(t, EventUpdated, evs[0].Type)
	assert.Equal(t, models.StageExtraction, evs[0].Task.Stage)
}

func TestRegistryTerminalRejectsUpdates(t *testing.T) {
	r := NewRegistry(nil, "ns", nil, nil)
	require.NoError(t, r.Add(newTask("t1", "a.com/1")))

	_, _, err := r.Update("t1", func(tk *models.IngestionTask) {
		tk.Fail(models.ReasonTimeout, "", time.Now())
	})
	require.NoError(t, err)

	got, changed, err := r.Update("t1", func(tk *models.IngestionTask) {
		tk.Complete(3, time.Now())
	})
	assert.True(t, errors.Is(err, ErrTerminal))
	assert.False(t, changed)
	assert.Equal(t, models.StateError, got.State)
	assert.Equal(t, models.ReasonTimeout, got.ErrorReason)

	_, _, err = r.Update("missing", func(*models.IngestionTask) {})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRegistryUpdateDoesNotLeakPointers(t *testing.T) {
	r := NewRegistry(nil, "ns", nil, nil)
	task := newTask("t1", "a.com/1")
	task.Preview = &models.Preview{Title: "A"}
	require.NoError(t, r.Add(task))

	got, _ := r.Get("t1")
	got.Preview.Title = "mutated"

	again, _ := r.Get("t1")
	assert.Equal(t, "A", again.Preview.Title)
}

func TestRegistrySwapID(t *testing.T) {
	store := newMemStore()
	r := NewRegistry(store, "ns", nil, nil)
	require.NoError(t, r.Add(newTask("temp_1", "a.com/1")))
	require.NoError(t, r.Add(newTask("t2", "a.com/2")))

	events, cancel := r.Subscribe()
	defer cancel()

	swapped, err := r.SwapID("temp_1", "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", swapped.TaskID)

	_, ok := r.Get("temp_1")
	assert.False(t, ok)
	_, ok = store.get("ns", "temp_1")
	assert.False(t, ok)
	_, ok = store.get("ns", "t1")
	assert.True(t, ok)

	evs := drain(events)
	require.Len(t, evs, 1)
	assert.Equal(t, "temp_1", evs[0].PrevID)

	_, err = r.SwapID("t1", "t2")
	assert.True(t, errors.Is(err, ErrDuplicateID))
	_, err = r.SwapID("nope", "t3")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRegistryListOrder(t *testing.T) {
	r := NewRegistry(nil, "ns", nil, nil)
	base := time.Now()
	for i, id := range []string{"old", "mid", "new"} {
		task := newTask(id, "a.com/"+id)
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, r.Add(task))
	}

	list := r.List()
	require.Len(t, list, 3)
	assert.Equal(t, "new", list[0].TaskID)
	assert.Equal(t, "old", list[2].TaskID)
}

func TestRegistryWriteThrough(t *testing.T) {
	store := newMemStore()
	r := NewRegistry(store, "ns", nil, nil)

	require.NoError(t, r.Add(newTask("t1", "a.com/1")))
	require.NoError(t, r.Add(newTask("t2", "a.com/2")))
	assert.Equal(t, 2, store.count("ns"))

	_, _, err := r.Update("t1", func(tk *models.IngestionTask) { tk.AdvanceStage(models.StageCleaning) })
	require.NoError(t, err)
	stored, ok := store.get("ns", "t1")
	require.True(t, ok)
	assert.Equal(t, models.StageCleaning, stored.Stage)

	r.Remove("t2")
	assert.Equal(t, 1, store.count("ns"))

	removed := r.Clear()
	assert.Len(t, removed, 1)
	assert.Equal(t, 0, store.count("ns"))
	assert.Equal(t, 0, r.Len())
}

func TestRegistryStoreFailureIsNotFatal(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("disk full")
	r := NewRegistry(store, "ns", nil, nil)

	require.NoError(t, r.Add(newTask("t1", "a.com/1")))
	_, ok := r.Get("t1")
	assert.True(t, ok)
}

func TestRegistryUnsubscribe(t *testing.T) {
	r := NewRegistry(nil, "ns", nil, nil)
	events, cancel := r.Subscribe()
	cancel()
	cancel()

	_, open := <-events
	assert.False(t, open)
	require.NoError(t, r.Add(newTask("t1", "a.com/1")))
}

// slowStore delays every save.
type slowStore struct {
	*memStore
	delay time.Duration
}

func (s *slowStore) SaveTask(ctx context.Context, ns string, task models.IngestionTask) error {
	time.Sleep(s.delay)
	return s.memStore.SaveTask(ctx, ns, task)
}

func TestRegistrySlowStoreDoesNotBlockReads(t *testing.T) {
	store := &slowStore{memStore: newMemStore(), delay: 150 * time.Millisecond}
	r := NewRegistry(store, "ns", nil, nil)
	t.Cleanup(r.Close)
	require.NoError(t, r.Add(newTask("a", "a.com/a")))

	var wg sync.WaitGroup
	for _, stage := range []models.Stage{models.StageCleaning, models.StageResolution} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := r.Update("a", func(tk *models.IngestionTask) { tk.AdvanceStage(stage) })
			assert.NoError(t, err)
		}()
	}

	time.Sleep(20 * time.Millisecond)
	start := time.Now()
	_, ok := r.Get("a")
	assert.True(t, ok)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
	assert.Len(t, r.List(), 1)

	wg.Wait()
	cur, _ := r.Get("a")
	stored, ok := store.get("ns", "a")
	require.True(t, ok)
	assert.Equal(t, cur.Stage, stored.Stage, "store ends on the last mutation")
}

func TestRegistryWritesFollowMutationOrder(t *testing.T) {
	store := newMemStore()
	r := NewRegistry(store, "ns", nil, nil)
	require.NoError(t, r.Add(newTask("a", "a.com/a")))

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, _ = r.Update("a", func(tk *models.IngestionTask) {
				tk.SourceInput = fmt.Sprintf("input-%d", i)
			})
		}()
	}
	wg.Wait()
	r.Close()

	cur, _ := r.Get("a")
	stored, ok := store.get("ns", "a")
	require.True(t, ok)
	assert.Equal(t, cur.SourceInput, stored.SourceInput)
}
