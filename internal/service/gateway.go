package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/factgraph/internal/client"
	"github.com/raphaelgruber/factgraph/internal/metrics"
	"github.com/raphaelgruber/factgraph/internal/models"
	"github.com/raphaelgruber/factgraph/internal/normalize"
)

// HandleKind is the outcome of a submission.
type HandleKind string

const (
	HandleAlreadyPresent HandleKind = "already_present"
	HandleAlreadyTracked HandleKind = "already_tracked"
	HandleCreated        HandleKind = "created"
	HandleCached         HandleKind = "cached"
)

// Handle describes what Submit did with an input.
type Handle struct {
	Kind HandleKind `json:"kind,omitempty"`

	// Input is the original input, kept so a failed submission can be retried.
	Input string `json:"input"`
	Key   string `json:"key,omitempty"`

	Task   *models.IngestionTask `json:"task,omitempty"`
	Source *client.SourceEntry   `json:"source,omitempty"`
}

// Submit normalizes raw and starts tracking it unless it is already known.
//
// Inputs already in the source list return HandleAlreadyPresent without any
// network call. Inputs already tracked return HandleAlreadyTracked. Otherwise
// a placeholder is inserted, the optional cache fast path is tried, and the
// task is created upstream. When creation fails the placeholder is removed
// and the returned error wraps ErrSubmitFailed.
func (t *Tracker) Submit(ctx context.Context, raw string) (Handle, error) {
	h := Handle{Input: raw}
	input := strings.TrimSpace(raw)
	if input == "" {
		return h, ErrEmptyInput
	}
	key := normalize.Key(input)
	h.Key = key

	if entry, ok := t.sources.Lookup(key); ok {
		h.Kind = HandleAlreadyPresent
		h.Source = &entry
		return h, nil
	}

	placeholder := models.IngestionTask{
		TaskID:        models.TempIDPrefix + uuid.NewString()[:8],
		SourceInput:   input,
		NormalizedKey: key,
		State:         models.StateProcessing,
		Stage:         models.StagePreview,
		CreatedAt:     t.now(),
	}
	if domain := normalize.Domain(input); domain != "" {
		placeholder.Preview = &models.Preview{Domain: domain}
	}

	existing, added := t.registry.AddIfAbsent(placeholder)
	if !added {
		h.Kind = HandleAlreadyTracked
		h.Task = &existing
		return h, nil
	}

	if t.opts.UseCache {
		if task, ok := t.tryCache(ctx, placeholder); ok {
			h.Kind = HandleCached
			h.Task = &task
			return h, nil
		}
	}

	start := time.Now()
	id, err := t.backend.CreateTask(ctx, input)
	t.metrics.Observe(metrics.OpCreateTask, start, err)
	if err != nil {
		t.registry.Remove(placeholder.TaskID)
		t.logger.Warn("submission failed", "input", input, "error", err)
		return h, fmt.Errorf("%w: %w", ErrSubmitFailed, err)
	}

	task, err := t.registry.SwapID(placeholder.TaskID, id)
	if err != nil {
		t.registry.Remove(placeholder.TaskID)
		if errors.Is(err, ErrDuplicateID) {
			if other, ok := t.registry.Get(id); ok {
				h.Kind = HandleAlreadyTracked
				h.Task = &other
				return h, nil
			}
		}
		return h, fmt.Errorf("track task %s: %w", id, err)
	}

	t.logger.Info("task submitted", "task_id", id, "key", key)
	t.startPolling(task)
	h.Kind = HandleCreated
	h.Task = &task
	return h, nil
}

// tryCache resolves the placeholder from a cached extraction. Any failure or
// an empty cached result falls through to a regular submission.
func (t *Tracker) tryCache(ctx context.Context, placeholder models.IngestionTask) (models.IngestionTask, bool) {
	start := time.Now()
	res, err := t.backend.CheckCache(ctx, placeholder.NormalizedKey)
	t.metrics.Observe(metrics.OpCheckCache, start, err)
	if err != nil {
		t.logger.Debug("cache check failed", "key", placeholder.NormalizedKey, "error", err)
		return models.IngestionTask{}, false
	}
	items := res.SemanticData.ItemCount()
	if !res.CacheHit || items == 0 {
		return models.IngestionTask{}, false
	}

	id := placeholder.TaskID
	if res.TaskID != "" {
		if swapped, err := t.registry.SwapID(id, res.TaskID); err == nil {
			id = swapped.TaskID
		}
	}

	task, _, err := t.registry.Update(id, func(tk *models.IngestionTask) {
		if res.Result != nil {
			tk.MergePreview(models.Preview{Title: res.Result.Title, Domain: res.Result.Domain})
		}
		tk.Complete(items, t.now())
	})
	if err != nil {
		t.logger.Debug("cache hit could not be applied", "task_id", id, "error", err)
		return models.IngestionTask{}, false
	}

	t.logger.Info("task served from cache", "task_id", id, "items", items)
	t.resolved(task)
	if err := t.sources.Refresh(ctx); err != nil {
		t.logger.Debug("source list refresh after cache hit failed", "error", err)
	}
	return task, true
}
