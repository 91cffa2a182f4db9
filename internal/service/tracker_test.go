package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/factgraph/internal/client"
	"github.com/raphaelgruber/factgraph/internal/metrics"
	"github.com/raphaelgruber/factgraph/internal/models"
)

// fakeBackend scripts the extraction service.
type fakeBackend struct {
	mu          sync.Mutex
	nextID      int
	createErr   error
	createCalls int
	getCalls    map[string]int
	sources     []client.SourceEntry
	sourceCalls int
	cache       *client.CacheResult
	cacheCalls  int

	// get answers GET /task/{id}; call counts from zero per id.
	get func(id string, call int) (*client.TaskRecord, error)
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		getCalls: make(map[string]int),
		get: func(id string, call int) (*client.TaskRecord, error) {
			return &client.TaskRecord{TaskID: id, Status: client.StatusProcessing, CurrentStage: "extraction"}, nil
		},
	}
}

func (f *fakeBackend) CreateTask(ctx context.Context, input string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	return fmt.Sprintf("task-%d", f.nextID), nil
}

func (f *fakeBackend) GetTask(ctx context.Context, id string) (*client.TaskRecord, error) {
	f.mu.Lock()
	call := f.getCalls[id]
	f.getCalls[id]++
	get := f.get
	f.mu.Unlock()
	return get(id, call)
}

func (f *fakeBackend) CheckCache(ctx context.Context, key string) (*client.CacheResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cacheCalls++
	if f.cache == nil {
		return &client.CacheResult{}, nil
	}
	res := *f.cache
	return &res, nil
}

func (f *fakeBackend) ListSources(ctx context.Context) ([]client.SourceEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sourceCalls++
	out := make([]client.SourceEntry, len(f.sources))
	copy(out, f.sources)
	return out, nil
}

func (f *fakeBackend) setSources(entries ...client.SourceEntry) {
	f.mu.Lock()
	f.sources = entries
	f.mu.Unlock()
}

func (f *fakeBackend) calls(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.getCalls[id]
}

func (f *fakeBackend) creates() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.createCalls
}

func testOptions() Options {
	return Options{
		Namespace:    "test",
		Schedule:     fastSchedule(),
		VerifyGrace:  20 * time.Millisecond,
		DisplayGrace: 40 * time.Millisecond,
		Metrics:      metrics.NewCollector(),
	}
}

func newTestTracker(t *testing.T, backend Backend, opts Options) *Tracker {
	t.Helper()
	tr := NewTracker(backend, opts)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

// recorder collects registry events in the background.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func record(t *testing.T, tr *Tracker) *recorder {
	t.Helper()
	ch, cancel := tr.Subscribe()
	t.Cleanup(cancel)
	rec := &recorder{}
	go func() {
		for ev := range ch {
			rec.mu.Lock()
			rec.events = append(rec.events, ev)
			rec.mu.Unlock()
		}
	}()
	return rec
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func stateOf(tr *Tracker, id string) models.LifecycleState {
	task, err := tr.Task(id)
	if err != nil {
		return ""
	}
	return task.State
}

func TestSubmitHappyPath(t *testing.T) {
	backend := newFakeBackend()
	backend.get = func(id string, call int) (*client.TaskRecord, error) {
		if call < 3 {
			return &client.TaskRecord{
				TaskID:       id,
				Status:       client.StatusProcessing,
				CurrentStage: "extraction",
				PreviewMeta:  &client.PreviewMeta{Title: "Headline"},
			}, nil
		}
		backend.setSources(client.SourceEntry{IdentityURL: "https://news.example/a"})
		return &client.TaskRecord{
			TaskID:       id,
			URL:          "https://news.example/a",
			Status:       client.StatusCompleted,
			CurrentStage: "completed",
			SemanticData: items(3),
			TokenCosts:   &client.TokenCosts{Total: 1000, Semantization: 300},
		}, nil
	}

	opts := testOptions()
	tr := newTestTracker(t, backend, opts)
	events := record(t, tr)

	h, err := tr.Submit(context.Background(), "https://news.example/a")
	require.NoError(t, err)
	require.Equal(t, HandleCreated, h.Kind)
	require.NotNil(t, h.Task)
	assert.Equal(t, "task-1", h.Task.TaskID)
	assert.Equal(t, models.StateProcessing, h.Task.State)
	assert.Equal(t, models.StagePreview, h.Task.Stage)
	assert.Len(t, tr.Tasks(), 1)

	require.Eventually(t, func() bool {
		return stateOf(tr, "task-1") == models.StateCompleted
	}, time.Second, time.Millisecond)

	done, err := tr.Task("task-1")
	require.NoError(t, err)
	require.NotNil(t, done.Result)
	assert.Equal(t, 3, done.Result.ItemsExtracted)
	assert.Equal(t, "Headline", done.Preview.Title)

	require.Eventually(t, func() bool { return len(tr.Tasks()) == 0 }, time.Second, time.Millisecond,
		"completed task is removed after the display grace")

	var sawExtraction bool
	for _, ev := range events.snapshot() {
		if ev.Type == EventUpdated && ev.Task.State == models.StateProcessing && ev.Task.Stage == models.StageExtraction {
			sawExtraction = true
		}
	}
	assert.True(t, sawExtraction)
	assert.Equal(t, int64(1), opts.Metrics.Snapshot().Outcomes["completed"])
}

func TestSubmitAlreadyPresent(t *testing.T) {
	backend := newFakeBackend()
	backend.setSources(client.SourceEntry{IdentityURL: "https://news.example/a", Title: "A"})
	tr := newTestTracker(t, backend, testOptions())
	require.NoError(t, tr.RefreshSources(context.Background()))

	h, err := tr.Submit(context.Background(), "news.example/a/?utm_source=x")
	require.NoError(t, err)
	assert.Equal(t, HandleAlreadyPresent, h.Kind)
	require.NotNil(t, h.Source)
	assert.Equal(t, "A", h.Source.Title)
	assert.Equal(t, 0, backend.creates())
	assert.Empty(t, tr.Tasks())
}

func TestSubmitAlreadyTracked(t *testing.T) {
	backend := newFakeBackend()
	tr := newTestTracker(t, backend, testOptions())

	first, err := tr.Submit(context.Background(), "https://news.example/a")
	require.NoError(t, err)
	require.Equal(t, HandleCreated, first.Kind)

	second, err := tr.Submit(context.Background(), "https://www.news.example/a/?fbclid=123")
	require.NoError(t, err)
	assert.Equal(t, HandleAlreadyTracked, second.Kind)
	assert.Equal(t, first.Task.TaskID, second.Task.TaskID)
	assert.Len(t, tr.Tasks(), 1)
	assert.Equal(t, 1, backend.creates())
}

func TestSubmitConcurrentDuplicates(t *testing.T) {
	backend := newFakeBackend()
	tr := newTestTracker(t, backend, testOptions())

	var wg sync.WaitGroup
	kinds := make([]HandleKind, 10)
	for i := range kinds {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := tr.Submit(context.Background(), "https://news.example/a")
			assert.NoError(t, err)
			kinds[i] = h.Kind
		}()
	}
	wg.Wait()

	created := 0
	for _, k := range kinds {
		if k == HandleCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
	assert.Len(t, tr.Tasks(), 1)
	assert.Equal(t, 1, backend.creates())
}

func TestSubmitEmptyInput(t *testing.T) {
	tr := newTestTracker(t, newFakeBackend(), testOptions())
	_, err := tr.Submit(context.Background(), "   ")
	assert.True(t, errors.Is(err, ErrEmptyInput))
}

func TestSubmitFailureRemovesPlaceholder(t *testing.T) {
	backend := newFakeBackend()
	backend.createErr = &client.StatusError{Code: 502, Body: "bad gateway"}
	tr := newTestTracker(t, backend, testOptions())
	events := record(t, tr)

	h, err := tr.Submit(context.Background(), "  https://news.example/a  ")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSubmitFailed))
	var se *client.StatusError
	assert.True(t, errors.As(err, &se))
	assert.Equal(t, "  https://news.example/a  ", h.Input)
	assert.Empty(t, tr.Tasks())

	require.Eventually(t, func() bool { return len(events.snapshot()) == 2 }, time.Second, time.Millisecond)
	evs := events.snapshot()
	assert.Equal(t, EventAdded, evs[0].Type)
	assert.True(t, evs[0].Task.IsTemporary())
	assert.Equal(t, EventRemoved, evs[1].Type)
}

func TestBlockedContentStaysUntilDismissed(t *testing.T) {
	backend := newFakeBackend()
	backend.get = func(id string, call int) (*client.TaskRecord, error) {
		return &client.TaskRecord{
			TaskID:       id,
			Status:       client.StatusCompleted,
			SemanticData: items(0),
			Result:       &client.ExtractionResult{BlockDetection: true},
		}, nil
	}
	opts := testOptions()
	tr := newTestTracker(t, backend, opts)

	h, err := tr.Submit(context.Background(), "https://paywalled.example/story")
	require.NoError(t, err)
	id := h.Task.TaskID

	require.Eventually(t, func() bool { return stateOf(tr, id) == models.StateError }, time.Second, time.Millisecond)
	task, err := tr.Task(id)
	require.NoError(t, err)
	assert.Equal(t, models.ReasonBlocked, task.ErrorReason)
	assert.NotEmpty(t, task.ErrorMessage)

	time.Sleep(3 * opts.DisplayGrace)
	_, err = tr.Task(id)
	require.NoError(t, err, "errors never auto-remove")
	assert.False(t, tr.Polling(id))

	require.NoError(t, tr.Dismiss(id))
	assert.Empty(t, tr.Tasks())
	assert.True(t, errors.Is(tr.Dismiss(id), ErrNotFound))
}

func TestTransientBlipKeepsPolling(t *testing.T) {
	backend := newFakeBackend()
	backend.get = func(id string, call int) (*client.TaskRecord, error) {
		if call == 0 {
			return nil, errors.New("connection reset by peer")
		}
		return &client.TaskRecord{TaskID: id, Status: client.StatusProcessing, CurrentStage: "cleaning"}, nil
	}
	tr := newTestTracker(t, backend, testOptions())
	events := record(t, tr)

	h, err := tr.Submit(context.Background(), "https://news.example/a")
	require.NoError(t, err)
	id := h.Task.TaskID

	require.Eventually(t, func() bool { return backend.calls(id) >= 3 }, time.Second, time.Millisecond)
	task, err := tr.Task(id)
	require.NoError(t, err)
	assert.Equal(t, models.StateProcessing, task.State)
	assert.Equal(t, models.StageCleaning, task.Stage)
	assert.True(t, tr.Polling(id))

	for _, ev := range events.snapshot() {
		assert.NotEqual(t, models.StateError, ev.Task.State)
	}
}

func TestTimeoutExactlyOnce(t *testing.T) {
	backend := newFakeBackend()
	opts := testOptions()
	opts.Schedule.MaxAttempts = 4
	tr := newTestTracker(t, backend, opts)
	events := record(t, tr)

	h, err := tr.Submit(context.Background(), "https://slow.example/a")
	require.NoError(t, err)
	id := h.Task.TaskID

	require.Eventually(t, func() bool { return stateOf(tr, id) == models.StateError }, time.Second, time.Millisecond)
	task, _ := tr.Task(id)
	assert.Equal(t, models.ReasonTimeout, task.ErrorReason)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 4, backend.calls(id))

	errorEvents := 0
	for _, ev := range events.snapshot() {
		if ev.Task.State == models.StateError {
			errorEvents++
		}
	}
	assert.Equal(t, 1, errorEvents)
	assert.Equal(t, int64(1), opts.Metrics.Snapshot().Outcomes[string(models.ReasonTimeout)])
}

func TestAmbiguousCompletionUsesGraceWindow(t *testing.T) {
	backend := newFakeBackend()
	backend.get = func(id string, call int) (*client.TaskRecord, error) {
		return &client.TaskRecord{
			TaskID:       id,
			Status:       client.StatusCompleted,
			SemanticData: items(0),
			TokenCosts:   &client.TokenCosts{Total: 800, Semantization: 120},
		}, nil
	}
	tr := newTestTracker(t, backend, testOptions())

	h, err := tr.Submit(context.Background(), "https://news.example/ambiguous")
	require.NoError(t, err)
	id := h.Task.TaskID

	require.Eventually(t, func() bool {
		task, err := tr.Task(id)
		return err == nil && task.AmbiguousSince != nil
	}, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return stateOf(tr, id) == models.StateError }, time.Second, time.Millisecond)
	task, _ := tr.Task(id)
	assert.Equal(t, models.ReasonUnableToVerify, task.ErrorReason)
}

func TestGraceWindowRereadsSourceList(t *testing.T) {
	backend := newFakeBackend()
	completedAt := time.Now()
	backend.get = func(id string, call int) (*client.TaskRecord, error) {
		if call > 0 {
			backend.setSources(client.SourceEntry{IdentityURL: "https://news.example/lagging", ItemCount: intPtr(3)})
		}
		return &client.TaskRecord{
			TaskID:       id,
			Status:       client.StatusCompleted,
			CompletedAt:  stamp(completedAt),
			SemanticData: items(0),
			TokenCosts:   &client.TokenCosts{Total: 800, Semantization: 120},
		}, nil
	}
	opts := testOptions()
	opts.VerifyGrace = 200 * time.Millisecond
	tr := newTestTracker(t, backend, opts)

	h, err := tr.Submit(context.Background(), "https://news.example/lagging")
	require.NoError(t, err)
	id := h.Task.TaskID

	require.Eventually(t, func() bool { return stateOf(tr, id) == models.StateCompleted }, 2*time.Second, time.Millisecond)
	task, _ := tr.Task(id)
	assert.Equal(t, 3, task.Result.ItemsExtracted)
	assert.GreaterOrEqual(t, backend.calls(id), 2)
}

func TestLateItemsWithinGraceComplete(t *testing.T) {
	backend := newFakeBackend()
	backend.get = func(id string, call int) (*client.TaskRecord, error) {
		rec := &client.TaskRecord{
			TaskID:     id,
			Status:     client.StatusCompleted,
			TokenCosts: &client.TokenCosts{Total: 800, Semantization: 120},
		}
		if call > 0 {
			rec.SemanticData = items(2)
		}
		return rec, nil
	}
	opts := testOptions()
	opts.VerifyGrace = 200 * time.Millisecond
	opts.Schedule.Initial = time.Millisecond
	tr := newTestTracker(t, backend, opts)

	h, err := tr.Submit(context.Background(), "https://news.example/late")
	require.NoError(t, err)
	id := h.Task.TaskID

	require.Eventually(t, func() bool { return stateOf(tr, id) == models.StateCompleted }, time.Second, time.Millisecond)
	task, _ := tr.Task(id)
	assert.Equal(t, 2, task.Result.ItemsExtracted)
	assert.Nil(t, task.AmbiguousSince)
}

func TestCacheFastPath(t *testing.T) {
	backend := newFakeBackend()
	backend.cache = &client.CacheResult{
		CacheHit:     true,
		TaskID:       "cached-1",
		Result:       &client.ExtractionResult{Title: "Cached story", Domain: "news.example"},
		SemanticData: items(2),
	}
	opts := testOptions()
	opts.UseCache = true
	tr := newTestTracker(t, backend, opts)

	h, err := tr.Submit(context.Background(), "https://news.example/cached")
	require.NoError(t, err)
	assert.Equal(t, HandleCached, h.Kind)
	require.NotNil(t, h.Task)
	assert.Equal(t, "cached-1", h.Task.TaskID)
	assert.Equal(t, models.StateCompleted, h.Task.State)
	assert.Equal(t, 2, h.Task.Result.ItemsExtracted)
	assert.Equal(t, "Cached story", h.Task.Preview.Title)
	assert.Equal(t, 0, backend.creates())
	assert.False(t, tr.Polling("cached-1"))

	require.Eventually(t, func() bool { return len(tr.Tasks()) == 0 }, time.Second, time.Millisecond)
}

func TestCacheMissFallsThrough(t *testing.T) {
	backend := newFakeBackend()
	backend.cache = &client.CacheResult{CacheHit: true, SemanticData: items(0)}
	opts := testOptions()
	opts.UseCache = true
	tr := newTestTracker(t, backend, opts)

	h, err := tr.Submit(context.Background(), "https://news.example/empty-cache")
	require.NoError(t, err)
	assert.Equal(t, HandleCreated, h.Kind)
	assert.Equal(t, 1, backend.creates())
}

func TestDismissStopsPolling(t *testing.T) {
	backend := newFakeBackend()
	tr := newTestTracker(t, backend, testOptions())

	h, err := tr.Submit(context.Background(), "https://news.example/a")
	require.NoError(t, err)
	id := h.Task.TaskID
	require.Eventually(t, func() bool { return backend.calls(id) >= 1 }, time.Second, time.Millisecond)

	require.NoError(t, tr.Dismiss(id))
	assert.False(t, tr.Polling(id))

	settled := backend.calls(id)
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, backend.calls(id), settled+1, "at most the in-flight poll completes")
	_, err = tr.Task(id)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestClearAll(t *testing.T) {
	backend := newFakeBackend()
	store := newMemStore()
	opts := testOptions()
	opts.Store = store
	tr := newTestTracker(t, backend, opts)

	for _, in := range []string{"https://a.example/1", "https://a.example/2", "https://a.example/3"} {
		_, err := tr.Submit(context.Background(), in)
		require.NoError(t, err)
	}
	require.Len(t, tr.Tasks(), 3)
	assert.Equal(t, 3, store.count("test"))

	require.NoError(t, tr.ClearAll(context.Background()))
	assert.Empty(t, tr.Tasks())
	assert.Equal(t, 0, store.count("test"))
	for _, id := range []string{"task-1", "task-2", "task-3"} {
		assert.False(t, tr.Polling(id))
	}
}

func TestRefreshSourcesResolvesProcessing(t *testing.T) {
	backend := newFakeBackend()
	opts := testOptions()
	opts.Schedule.Initial = time.Hour
	opts.Schedule.Max = time.Hour
	tr := newTestTracker(t, backend, opts)

	h, err := tr.Submit(context.Background(), "https://news.example/a")
	require.NoError(t, err)
	id := h.Task.TaskID
	require.True(t, tr.Polling(id))

	backend.setSources(client.SourceEntry{IdentityURL: "https://news.example/a", ItemCount: intPtr(7)})
	require.NoError(t, tr.RefreshSources(context.Background()))

	task, err := tr.Task(id)
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, task.State)
	assert.Equal(t, 7, task.Result.ItemsExtracted)
	assert.False(t, tr.Polling(id))
}

func TestRestore(t *testing.T) {
	store := newMemStore()
	now := time.Now()
	ctx := context.Background()

	seed := func(task models.IngestionTask) {
		require.NoError(t, store.SaveTask(ctx, "test", task))
	}

	unconfirmed := newTask("temp_abc", "a.example/temp")
	seed(unconfirmed)

	stale := newTask("stale", "a.example/stale")
	stale.CreatedAt = now.Add(-time.Hour)
	seed(stale)

	failed := newTask("failed", "a.example/failed")
	failed.Fail(models.ReasonBlocked, "", now)
	seed(failed)

	finished := newTask("finished", "a.example/finished")
	seed(finished)

	running := newTask("running", "a.example/running")
	seed(running)

	backend := newFakeBackend()
	backend.setSources(client.SourceEntry{IdentityURL: "https://a.example/finished", ItemCount: intPtr(4)})

	opts := testOptions()
	opts.Store = store
	opts.DisplayGrace = time.Hour
	tr := newTestTracker(t, backend, opts)

	res, err := tr.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, RestoreResult{Restored: 3, Resumed: 1, Resolved: 1, Discarded: 2}, res)

	_, ok := store.get("test", "temp_abc")
	assert.False(t, ok)
	_, ok = store.get("test", "stale")
	assert.False(t, ok)

	got, err := tr.Task("failed")
	require.NoError(t, err)
	assert.Equal(t, models.StateError, got.State)

	got, err = tr.Task("finished")
	require.NoError(t, err)
	assert.Equal(t, models.StateCompleted, got.State)
	assert.Equal(t, 4, got.Result.ItemsExtracted)
	assert.False(t, tr.Polling("finished"))
	assert.Equal(t, int64(1), opts.Metrics.Snapshot().Outcomes[string(models.StateCompleted)])

	assert.True(t, tr.Polling("running"))
}

func TestPrune(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	old := newTask("old", "a.example/old")
	old.CreatedAt = time.Now().Add(-time.Hour)
	require.NoError(t, store.SaveTask(ctx, "test", old))
	require.NoError(t, store.SaveTask(ctx, "test", newTask("fresh", "a.example/fresh")))

	opts := testOptions()
	opts.Store = store
	tr := newTestTracker(t, newFakeBackend(), opts)

	n, err := tr.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, store.count("test"))
}

func TestCloseStopsEverything(t *testing.T) {
	backend := newFakeBackend()
	tr := NewTracker(backend, testOptions())

	h, err := tr.Submit(context.Background(), "https://news.example/a")
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	assert.False(t, tr.Polling(h.Task.TaskID))

	settled := backend.calls(h.Task.TaskID)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, settled, backend.calls(h.Task.TaskID))
}
