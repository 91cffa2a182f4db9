// Package service implements the ingestion task tracker: submission,
// polling, reconciliation against the source list, and the task registry.
package service

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/raphaelgruber/factgraph/internal/metrics"
	"github.com/raphaelgruber/factgraph/internal/models"
)

// TaskStore persists registry entries so they survive a restart.
type TaskStore interface {
	SaveTask(ctx context.Context, namespace string, task models.IngestionTask) error
	DeleteTask(ctx context.Context, namespace, taskID string) error
	ListTasks(ctx context.Context, namespace string) ([]models.IngestionTask, error)
	ClearTasks(ctx context.Context, namespace string) error
	PruneTasks(ctx context.Context, namespace string, before time.Time) (int, error)
}

// EventType names a registry change.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
	EventCleared EventType = "cleared"
)

// Event describes one observable registry change.
type Event struct {
	Type EventType
	Task models.IngestionTask

	// PrevID is set when an update replaced the task id.
	PrevID string
}

const (
	subscriberBuffer = 64
	storeTimeout     = 5 * time.Second
)

// Registry is the set of tracked tasks, keyed by task id.
type Registry struct {
	mu    sync.RWMutex
	tasks map[string]*models.IngestionTask
	subs  map[int]chan Event
	next  int

	store     TaskStore
	namespace string
	writes    *writeQueue

	metrics *metrics.Collector
	logger  *slog.Logger
}

// NewRegistry creates a registry. store may be nil.
func NewRegistry(store TaskStore, namespace string, collector *metrics.Collector, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tasks:     make(map[string]*models.IngestionTask),
		subs:      make(map[int]chan Event),
		store:     store,
		namespace: namespace,
		metrics:   collector,
		logger:    logger,
	}
	if store != nil {
		r.writes = newWriteQueue()
		go r.writes.run()
	}
	return r
}

// Close stops the store writer once every queued write has been applied.
func (r *Registry) Close() {
	if r.writes != nil {
		r.writes.close()
	}
}

// Add inserts task. It fails when the id or the normalized key is already tracked.
func (r *Registry) Add(task models.IngestionTask) error {
	r.mu.Lock()
	if _, ok := r.tasks[task.TaskID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateID, task.TaskID)
	}
	if existing := r.findByKeyLocked(task.NormalizedKey); existing != nil {
		r.mu.Unlock()
		return fmt.Errorf("%w: key %s tracked as %s", ErrDuplicateID, task.NormalizedKey, existing.TaskID)
	}
	stored := task.Clone()
	r.tasks[task.TaskID] = &stored
	r.publishLocked(Event{Type: EventAdded, Task: stored.Clone()})
	done := r.enqueueLocked(r.saveOp(stored))
	r.mu.Unlock()

	wait(done)
	return nil
}

// AddIfAbsent inserts task unless its normalized key is already tracked by a
// processing or completed task, in which case that task is returned with
// added=false. An errored task with the same key is replaced so the input can
// be resubmitted.
func (r *Registry) AddIfAbsent(task models.IngestionTask) (models.IngestionTask, bool) {
	r.mu.Lock()
	if cur, ok := r.tasks[task.TaskID]; ok {
		out := cur.Clone()
		r.mu.Unlock()
		return out, false
	}
	var replaced *models.IngestionTask
	if existing := r.findByKeyLocked(task.NormalizedKey); existing != nil {
		if existing.State != models.StateError {
			out := existing.Clone()
			r.mu.Unlock()
			return out, false
		}
		replaced = existing
		delete(r.tasks, existing.TaskID)
		r.publishLocked(Event{Type: EventRemoved, Task: existing.Clone()})
	}
	stored := task.Clone()
	r.tasks[task.TaskID] = &stored
	r.publishLocked(Event{Type: EventAdded, Task: stored.Clone()})
	if replaced != nil {
		r.enqueueLocked(r.deleteOp(replaced.TaskID))
	}
	done := r.enqueueLocked(r.saveOp(stored))
	r.mu.Unlock()

	wait(done)
	return stored.Clone(), true
}

// Update applies fn to a copy of the task and stores the result.
// It reports changed=false, and emits no event, when fn left the task equal
// by value. Terminal tasks are rejected with ErrTerminal.
func (r *Registry) Update(id string, fn func(*models.IngestionTask)) (models.IngestionTask, bool, error) {
	r.mu.Lock()
	cur, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return models.IngestionTask{}, false, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if cur.State.Terminal() {
		out := cur.Clone()
		r.mu.Unlock()
		return out, false, fmt.Errorf("%w: %s is %s", ErrTerminal, id, out.State)
	}

	next := cur.Clone()
	fn(&next)
	next.TaskID = id
	if next.Equal(*cur) {
		r.mu.Unlock()
		return next, false, nil
	}

	r.tasks[id] = &next
	r.publishLocked(Event{Type: EventUpdated, Task: next.Clone()})
	done := r.enqueueLocked(r.saveOp(next))
	r.mu.Unlock()

	wait(done)
	return next.Clone(), true, nil
}

// SwapID replaces a task's id, typically a placeholder by the server id.
func (r *Registry) SwapID(oldID, newID string) (models.IngestionTask, error) {
	r.mu.Lock()
	cur, ok := r.tasks[oldID]
	if !ok {
		r.mu.Unlock()
		return models.IngestionTask{}, fmt.Errorf("%w: %s", ErrNotFound, oldID)
	}
	if oldID == newID {
		out := cur.Clone()
		r.mu.Unlock()
		return out, nil
	}
	if _, taken := r.tasks[newID]; taken {
		r.mu.Unlock()
		return models.IngestionTask{}, fmt.Errorf("%w: %s", ErrDuplicateID, newID)
	}

	next := cur.Clone()
	next.TaskID = newID
	delete(r.tasks, oldID)
	r.tasks[newID] = &next
	r.publishLocked(Event{Type: EventUpdated, Task: next.Clone(), PrevID: oldID})
	r.enqueueLocked(r.deleteOp(oldID))
	done := r.enqueueLocked(r.saveOp(next))
	r.mu.Unlock()

	wait(done)
	return next.Clone(), nil
}

// Remove deletes a task and reports whether it existed.
func (r *Registry) Remove(id string) (models.IngestionTask, bool) {
	r.mu.Lock()
	cur, ok := r.tasks[id]
	if !ok {
		r.mu.Unlock()
		return models.IngestionTask{}, false
	}
	delete(r.tasks, id)
	out := cur.Clone()
	r.publishLocked(Event{Type: EventRemoved, Task: out.Clone()})
	done := r.enqueueLocked(r.deleteOp(id))
	r.mu.Unlock()

	wait(done)
	return out, true
}

// Get returns a copy of the task with the given id.
func (r *Registry) Get(id string) (models.IngestionTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return models.IngestionTask{}, false
	}
	return t.Clone(), true
}

// FindByKey returns the task tracking the given normalized key.
func (r *Registry) FindByKey(key string) (models.IngestionTask, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.findByKeyLocked(key)
	if t == nil {
		return models.IngestionTask{}, false
	}
	return t.Clone(), true
}

func (r *Registry) findByKeyLocked(key string) *models.IngestionTask {
	for _, t := range r.tasks {
		if t.NormalizedKey == key {
			return t
		}
	}
	return nil
}

// List returns all tasks, most recent first.
func (r *Registry) List() []models.IngestionTask {
	r.mu.RLock()
	tasks := make([]models.IngestionTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		tasks = append(tasks, t.Clone())
	}
	r.mu.RUnlock()

	slices.SortFunc(tasks, func(a, b models.IngestionTask) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.TaskID, b.TaskID)
	})
	return tasks
}

// Len returns the number of tracked tasks.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}

// Clear removes every task and returns what was removed.
func (r *Registry) Clear() []models.IngestionTask {
	r.mu.Lock()
	removed := make([]models.IngestionTask, 0, len(r.tasks))
	for _, t := range r.tasks {
		removed = append(removed, t.Clone())
	}
	r.tasks = make(map[string]*models.IngestionTask)
	r.publishLocked(Event{Type: EventCleared})
	done := r.enqueueLocked(r.clearOp())
	r.mu.Unlock()

	wait(done)
	return removed
}

// Subscribe returns a channel of registry events and a function that
// unsubscribes and closes it. Events are dropped for subscribers that fall
// more than a buffer behind.
func (r *Registry) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)
	r.mu.Lock()
	id := r.next
	r.next++
	r.subs[id] = ch
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
			close(ch)
		})
	}
}

// publishLocked fans out ev. Caller must hold write lock.
func (r *Registry) publishLocked(ev Event) {
	for id, ch := range r.subs {
		select {
		case ch <- ev:
		default:
			r.logger.Warn("dropping registry event for slow subscriber", "subscriber", id, "type", ev.Type, "task_id", ev.Task.TaskID)
		}
	}
}

// Load reads the persisted tasks of this registry's namespace without
// inserting them.
func (r *Registry) Load(ctx context.Context) ([]models.IngestionTask, error) {
	if r.store == nil {
		return nil, nil
	}
	tasks, err := r.store.ListTasks(ctx, r.namespace)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	return tasks, nil
}

// Prune deletes persisted tasks created before the cutoff.
func (r *Registry) Prune(ctx context.Context, before time.Time) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	n, err := r.store.PruneTasks(ctx, r.namespace, before)
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", err)
	}
	return n, nil
}

// Forget deletes a persisted task that is not tracked in memory.
func (r *Registry) Forget(id string) {
	r.mu.Lock()
	done := r.enqueueLocked(r.deleteOp(id))
	r.mu.Unlock()
	wait(done)
}

// enqueueLocked queues a store write behind every earlier one. Caller must
// hold the write lock so the queue follows mutation order. The returned
// channel is closed once the write was applied; it is nil without a store.
func (r *Registry) enqueueLocked(op func(context.Context)) <-chan struct{} {
	if r.writes == nil {
		return nil
	}
	return r.writes.push(op)
}

func wait(done <-chan struct{}) {
	if done != nil {
		<-done
	}
}

// saveOp persists task. Failures are logged.
func (r *Registry) saveOp(task models.IngestionTask) func(context.Context) {
	return func(ctx context.Context) {
		start := time.Now()
		err := r.store.SaveTask(ctx, r.namespace, task)
		r.metrics.Observe(metrics.OpStoreWrite, start, err)
		if err != nil {
			r.logger.Warn("failed to persist task", "task_id", task.TaskID, "error", err)
		}
	}
}

func (r *Registry) deleteOp(id string) func(context.Context) {
	return func(ctx context.Context) {
		start := time.Now()
		err := r.store.DeleteTask(ctx, r.namespace, id)
		r.metrics.Observe(metrics.OpStoreWrite, start, err)
		if err != nil {
			r.logger.Warn("failed to delete persisted task", "task_id", id, "error", err)
		}
	}
}

func (r *Registry) clearOp() func(context.Context) {
	return func(ctx context.Context) {
		start := time.Now()
		err := r.store.ClearTasks(ctx, r.namespace)
		r.metrics.Observe(metrics.OpStoreWrite, start, err)
		if err != nil {
			r.logger.Warn("failed to clear persisted tasks", "namespace", r.namespace, "error", err)
		}
	}
}

type storeWrite struct {
	apply func(context.Context)
	done  chan struct{}
}

// writeQueue applies store writes one at a time, in the order they were
// pushed, on a single goroutine.
type writeQueue struct {
	mu      sync.Mutex
	pending []storeWrite
	closed  bool
	wake    chan struct{}
	stopped chan struct{}
}

func newWriteQueue() *writeQueue {
	return &writeQueue{
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
}

func (q *writeQueue) push(op func(context.Context)) <-chan struct{} {
	w := storeWrite{apply: op, done: make(chan struct{})}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		close(w.done)
		return w.done
	}
	q.pending = append(q.pending, w)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return w.done
}

func (q *writeQueue) run() {
	defer close(q.stopped)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		closed := q.closed
		q.mu.Unlock()

		for _, w := range batch {
			ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
			w.apply(ctx)
			cancel()
			close(w.done)
		}
		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-q.wake
	}
}

// close stops accepting writes and waits for queued ones to finish.
func (q *writeQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.stopped
}
