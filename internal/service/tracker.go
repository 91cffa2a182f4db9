package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/factgraph/internal/client"
	"github.com/raphaelgruber/factgraph/internal/metrics"
	"github.com/raphaelgruber/factgraph/internal/models"
)

// Defaults for Options.
const (
	DefaultDisplayGrace = 3 * time.Second
	DefaultRetention    = 10 * time.Minute
	DefaultNamespace    = "default"
)

// Backend is the extraction service as the tracker uses it.
// *client.Client implements it.
type Backend interface {
	SourceFetcher
	CreateTask(ctx context.Context, input string) (string, error)
	GetTask(ctx context.Context, taskID string) (*client.TaskRecord, error)
	CheckCache(ctx context.Context, key string) (*client.CacheResult, error)
}

// Options configures a Tracker.
type Options struct {
	// Namespace scopes persisted tasks, e.g. per user or per page.
	Namespace string

	Schedule     Schedule
	VerifyGrace  time.Duration
	DisplayGrace time.Duration
	Retention    time.Duration

	// UseCache enables the checkCache fast path before submission.
	UseCache bool

	Store   TaskStore
	Metrics *metrics.Collector
	Logger  *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.Namespace == "" {
		o.Namespace = DefaultNamespace
	}
	if o.Schedule == (Schedule{}) {
		o.Schedule = DefaultSchedule()
	}
	if o.VerifyGrace <= 0 {
		o.VerifyGrace = DefaultVerifyGrace
	}
	if o.DisplayGrace <= 0 {
		o.DisplayGrace = DefaultDisplayGrace
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Tracker submits items, polls them and reconciles their state.
type Tracker struct {
	backend  Backend
	registry *Registry
	sources  *SourceList
	poller   *Poller
	judge    *Judge
	opts     Options
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewTracker wires a tracker around backend.
func NewTracker(backend Backend, opts Options) *Tracker {
	opts = opts.withDefaults()
	return &Tracker{
		backend:  backend,
		registry: NewRegistry(opts.Store, opts.Namespace, opts.Metrics, opts.Logger),
		sources:  NewSourceList(backend, opts.Metrics, opts.Logger),
		poller:   NewPoller(opts.Schedule, opts.Logger),
		judge:    NewJudge(opts.VerifyGrace),
		opts:     opts,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
		now:      time.Now,
		timers:   make(map[string]*time.Timer),
	}
}

// Tasks returns all tracked tasks, most recent first.
func (t *Tracker) Tasks() []models.IngestionTask {
	return t.registry.List()
}

// Task returns one tracked task.
func (t *Tracker) Task(id string) (models.IngestionTask, error) {
	task, ok := t.registry.Get(id)
	if !ok {
		return models.IngestionTask{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return task, nil
}

// Subscribe streams registry events. Call the returned function to stop.
func (t *Tracker) Subscribe() (<-chan Event, func()) {
	return t.registry.Subscribe()
}

// Sources returns the current source list snapshot.
func (t *Tracker) Sources() []client.SourceEntry {
	return t.sources.Entries()
}

// SourcesFetchedAt returns when the source list was last refreshed.
func (t *Tracker) SourcesFetchedAt() time.Time {
	return t.sources.FetchedAt()
}

// Polling reports whether id has an active poll loop.
func (t *Tracker) Polling(id string) bool {
	return t.poller.Active(id)
}

// RefreshSources fetches the source list and resolves processing tasks whose
// target now appears in it.
func (t *Tracker) RefreshSources(ctx context.Context) error {
	if err := t.sources.Refresh(ctx); err != nil {
		return err
	}
	t.reconcileSources()
	return nil
}

func (t *Tracker) reconcileSources() {
	for _, task := range t.registry.List() {
		if task.State != models.StateProcessing || task.IsTemporary() {
			continue
		}
		var verdict Verdict
		updated, _, err := t.registry.Update(task.TaskID, func(tk *models.IngestionTask) {
			verdict = t.judge.Decide(*tk, nil, t.sources)
			if verdict.State == models.StateCompleted {
				tk.Complete(verdict.ItemsExtracted, t.now())
			}
		})
		if err != nil || verdict.State != models.StateCompleted {
			continue
		}
		t.poller.Stop(task.TaskID)
		t.resolved(updated)
	}
}

// Dismiss removes a task of any state and stops its poller.
func (t *Tracker) Dismiss(id string) error {
	t.poller.Stop(id)
	t.cancelRemoval(id)
	if _, ok := t.registry.Remove(id); !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	t.logger.Info("task dismissed", "task_id", id)
	return nil
}

// ClearAll stops every poller and timer and empties the registry.
func (t *Tracker) ClearAll(ctx context.Context) error {
	t.poller.StopAll()
	t.mu.Lock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()

	removed := t.registry.Clear()
	t.logger.Info("tasks cleared", "count", len(removed))
	return ctx.Err()
}

func (t *Tracker) startPolling(task models.IngestionTask) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	id := task.TaskID
	t.poller.Start(id, task.CreatedAt, t.pollTick(id), t.expire(id))
}

// pollTick fetches the record for id and applies the Judge's verdict.
// Transport failures are logged and leave the task processing.
func (t *Tracker) pollTick(id string) TickFunc {
	return func(ctx context.Context, attempt int) TickResult {
		start := time.Now()
		rec, err := t.backend.GetTask(ctx, id)
		t.metrics.Observe(metrics.OpGetTask, start, err)
		if ctx.Err() != nil {
			return TickResult{Done: true}
		}
		if err != nil {
			t.logger.Warn("poll failed", "task_id", id, "attempt", attempt,
				"reason", models.ReasonTransport, "error", err)
			return TickResult{}
		}
		return t.apply(ctx, id, rec)
	}
}

func (t *Tracker) apply(ctx context.Context, id string, rec *client.TaskRecord) TickResult {
	var err error
	if cur, ok := t.registry.Get(id); ok && cur.AmbiguousSince != nil {
		// Re-checking inside the grace window: the source list may have
		// caught up since the last snapshot.
		err = t.sources.Refresh(ctx)
	} else if signal, ok := completionSignal(rec, t.now()); ok {
		err = t.sources.RefreshIfStale(ctx, signal)
	}
	if err != nil {
		t.logger.Warn("source list refresh failed", "task_id", id, "error", err)
	}

	var verdict Verdict
	task, changed, err := t.registry.Update(id, func(tk *models.IngestionTask) {
		if ctx.Err() != nil {
			return
		}
		mergeRecord(tk, rec)
		verdict = t.judge.Decide(*tk, rec, t.sources)
		applyVerdict(tk, verdict, t.now())
	})
	if err != nil {
		if !errors.Is(err, ErrTerminal) && !errors.Is(err, ErrNotFound) {
			t.logger.Warn("apply poll result", "task_id", id, "error", err)
		}
		return TickResult{Done: true}
	}
	if changed {
		t.logger.Debug("task updated", "task_id", id, "state", task.State, "stage", task.Stage)
	}
	if task.State.Terminal() {
		t.resolved(task)
		return TickResult{Done: true}
	}
	if ctx.Err() != nil {
		return TickResult{Done: true}
	}
	if verdict.Awaiting {
		return TickResult{Next: t.judge.VerifyGrace}
	}
	return TickResult{}
}

// expire forces a timeout on a task that is still processing.
func (t *Tracker) expire(id string) ExpireFunc {
	return func(ctx context.Context) {
		task, _, err := t.registry.Update(id, func(tk *models.IngestionTask) {
			if ctx.Err() != nil {
				return
			}
			tk.Fail(models.ReasonTimeout, "", t.now())
		})
		if err != nil || !task.State.Terminal() {
			return
		}
		t.resolved(task)
	}
}

// resolved runs the side effects of a task reaching a terminal state.
// Completed tasks are removed after DisplayGrace. Errors stay until dismissed.
func (t *Tracker) resolved(task models.IngestionTask) {
	if task.State == models.StateCompleted {
		t.metrics.RecordOutcome(string(models.StateCompleted))
		items := 0
		if task.Result != nil {
			items = task.Result.ItemsExtracted
		}
		t.logger.Info("task completed", "task_id", task.TaskID, "items", items)
		t.scheduleRemoval(task.TaskID, t.opts.DisplayGrace)
		return
	}

	t.metrics.RecordOutcome(string(task.ErrorReason))
	t.logger.Warn("task failed", "task_id", task.TaskID, "reason", task.ErrorReason, "message", task.ErrorMessage)
}

func (t *Tracker) scheduleRemoval(id string, after time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if old, ok := t.timers[id]; ok {
		old.Stop()
	}
	var timer *time.Timer
	timer = time.AfterFunc(after, func() {
		t.mu.Lock()
		if t.timers[id] == timer {
			delete(t.timers, id)
		}
		t.mu.Unlock()
		t.registry.Remove(id)
	})
	t.timers[id] = timer
}

func (t *Tracker) cancelRemoval(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
}

// RestoreResult summarizes a Restore.
type RestoreResult struct {
	Restored  int `json:"restored"`
	Resumed   int `json:"resumed"`
	Resolved  int `json:"resolved"`
	Discarded int `json:"discarded"`
}

// Restore reloads persisted tasks of the tracker's namespace. Tasks older
// than the retention window or never confirmed by the service are discarded.
// Processing tasks already present in a fresh source list are completed
// instead of resumed.
func (t *Tracker) Restore(ctx context.Context) (RestoreResult, error) {
	var res RestoreResult
	tasks, err := t.registry.Load(ctx)
	if err != nil {
		return res, err
	}
	if len(tasks) == 0 {
		return res, nil
	}

	if err := t.sources.Refresh(ctx); err != nil {
		t.logger.Warn("source list refresh before restore failed", "error", err)
	}

	cutoff := t.now().Add(-t.opts.Retention)
	for _, task := range tasks {
		if task.IsTemporary() || task.CreatedAt.Before(cutoff) {
			t.registry.Forget(task.TaskID)
			res.Discarded++
			continue
		}
		if _, ok := t.registry.Get(task.TaskID); ok {
			continue
		}

		resolvedNow := false
		if task.State == models.StateProcessing {
			if v := t.judge.Decide(task, nil, t.sources); v.State == models.StateCompleted {
				task.Complete(v.ItemsExtracted, t.now())
				resolvedNow = true
			}
		}
		if err := t.registry.Add(task); err != nil {
			t.logger.Warn("skipping restored task", "task_id", task.TaskID, "error", err)
			continue
		}
		res.Restored++

		switch {
		case resolvedNow:
			t.resolved(task)
			res.Resolved++
		case task.State == models.StateProcessing:
			t.startPolling(task)
			res.Resumed++
		case task.State == models.StateCompleted:
			t.scheduleRemoval(task.TaskID, t.opts.DisplayGrace)
		}
	}

	t.logger.Info("tasks restored",
		"namespace", t.opts.Namespace,
		"restored", res.Restored,
		"resumed", res.Resumed,
		"resolved", res.Resolved,
		"discarded", res.Discarded)
	return res, nil
}

// Prune deletes persisted tasks older than the retention window.
func (t *Tracker) Prune(ctx context.Context) (int, error) {
	n, err := t.registry.Prune(ctx, t.now().Add(-t.opts.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		t.logger.Info("pruned persisted tasks", "namespace", t.opts.Namespace, "count", n)
	}
	return n, nil
}

// Close stops every poll loop and removal timer, waits for the loops to exit
// and flushes pending store writes.
func (t *Tracker) Close() error {
	t.mu.Lock()
	t.closed = true
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()

	t.poller.StopAll()
	t.poller.Wait()
	t.registry.Close()
	return nil
}

// completionSignal returns the moment the record claims completion.
func completionSignal(rec *client.TaskRecord, now time.Time) (time.Time, bool) {
	if rec.HasCompletedAt() {
		return rec.CompletedAt.Time, true
	}
	if rec.Status == client.StatusCompleted {
		return now, true
	}
	return time.Time{}, false
}

// mergeRecord copies stage and preview from rec. Stage never regresses and
// populated preview fields are never cleared.
func mergeRecord(tk *models.IngestionTask, rec *client.TaskRecord) {
	if stage, ok := models.ParseStage(rec.CurrentStage); ok {
		tk.AdvanceStage(stage)
	}

	var p models.Preview
	if m := rec.PreviewMeta; m != nil {
		p.Title = m.Title
		p.Description = m.Description
		p.ImageURL = m.ThumbnailURL
	}
	if r := rec.Result; r != nil {
		if p.Title == "" {
			p.Title = r.Title
		}
		p.Domain = r.Domain
	}
	tk.MergePreview(p)
}

func applyVerdict(tk *models.IngestionTask, v Verdict, now time.Time) {
	switch v.State {
	case models.StateCompleted:
		tk.Complete(v.ItemsExtracted, now)
	case models.StateError:
		tk.Fail(v.Reason, v.Message, now)
	default:
		if v.Awaiting && tk.AmbiguousSince == nil {
			tk.AmbiguousSince = &now
		}
	}
}
