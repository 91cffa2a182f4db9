package db

import (
	"context"
	"fmt"
	"time"

	"github.com/surrealdb/surrealdb.go"

	"github.com/raphaelgruber/factgraph/internal/models"
)

// recordKey is the record id of a task within a namespace.
func recordKey(namespace, taskID string) string {
	return namespace + "/" + taskID
}

// SaveTask upserts the task under (namespace, task id).
func (c *Client) SaveTask(ctx context.Context, namespace string, task models.IngestionTask) error {
	vars := map[string]any{
		"rid":            recordKey(namespace, task.TaskID),
		"namespace":      namespace,
		"task_id":        task.TaskID,
		"normalized_key": task.NormalizedKey,
		"state":          string(task.State),
		"task":           task,
		"created_at":     task.CreatedAt,
	}
	err := withConflictRetry(ctx, func() error {
		_, err := surrealdb.Query[any](ctx, c.db, `
			UPSERT type::record("tracked_task", $rid) CONTENT {
				namespace: $namespace,
				task_id: $task_id,
				normalized_key: $normalized_key,
				state: $state,
				task: $task,
				created_at: $created_at,
				updated_at: time::now()
			}
		`, vars)
		return err
	})
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.TaskID, err)
	}
	return nil
}

// DeleteTask removes one task. Deleting a missing task is not an error.
func (c *Client) DeleteTask(ctx context.Context, namespace, taskID string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		DELETE type::record("tracked_task", $rid)
	`, map[string]any{"rid": recordKey(namespace, taskID)})
	if err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, wrapQueryError(err))
	}
	return nil
}

// GetTask returns one persisted task, or ErrNotFound.
func (c *Client) GetTask(ctx context.Context, namespace, taskID string) (*models.IngestionTask, error) {
	results, err := surrealdb.Query[[]models.TrackedTask](ctx, c.db, `
		SELECT * FROM type::record("tracked_task", $rid)
	`, map[string]any{"rid": recordKey(namespace, taskID)})
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, taskID)
	}
	task := (*results)[0].Result[0].Task
	return &task, nil
}

// ListTasks returns the tasks of a namespace, most recent first.
func (c *Client) ListTasks(ctx context.Context, namespace string) ([]models.IngestionTask, error) {
	results, err := surrealdb.Query[[]models.TrackedTask](ctx, c.db, `
		SELECT * FROM tracked_task
		WHERE namespace = $namespace
		ORDER BY created_at DESC
	`, map[string]any{"namespace": namespace})
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", wrapQueryError(err))
	}

	if results == nil || len(*results) == 0 {
		return []models.IngestionTask{}, nil
	}
	rows := (*results)[0].Result
	tasks := make([]models.IngestionTask, 0, len(rows))
	for _, row := range rows {
		task := row.Task
		if task.TaskID == "" {
			task.TaskID = row.TaskID
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// ClearTasks removes every task of a namespace.
func (c *Client) ClearTasks(ctx context.Context, namespace string) error {
	_, err := surrealdb.Query[any](ctx, c.db, `
		DELETE tracked_task WHERE namespace = $namespace
	`, map[string]any{"namespace": namespace})
	if err != nil {
		return fmt.Errorf("clear tasks: %w", wrapQueryError(err))
	}
	return nil
}

// PruneTasks removes tasks of a namespace created before the cutoff and
// returns how many were removed.
func (c *Client) PruneTasks(ctx context.Context, namespace string, before time.Time) (int, error) {
	results, err := surrealdb.Query[[]models.TrackedTask](ctx, c.db, `
		DELETE tracked_task
		WHERE namespace = $namespace AND created_at < $before
		RETURN BEFORE
	`, map[string]any{
		"namespace": namespace,
		"before":    before,
	})
	if err != nil {
		return 0, fmt.Errorf("prune tasks: %w", wrapQueryError(err))
	}
	if results == nil || len(*results) == 0 {
		return 0, nil
	}
	return len((*results)[0].Result), nil
}

// CountTasks returns the number of tasks per lifecycle state in a namespace.
func (c *Client) CountTasks(ctx context.Context, namespace string) (map[models.LifecycleState]int, error) {
	type stateCount struct {
		State models.LifecycleState `json:"state"`
		Count int                   `json:"count"`
	}
	results, err := surrealdb.Query[[]stateCount](ctx, c.db, `
		SELECT state, count() AS count FROM tracked_task
		WHERE namespace = $namespace
		GROUP BY state
	`, map[string]any{"namespace": namespace})
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", wrapQueryError(err))
	}

	counts := make(map[models.LifecycleState]int)
	if results == nil || len(*results) == 0 {
		return counts, nil
	}
	for _, row := range (*results)[0].Result {
		counts[row.State] = row.Count
	}
	return counts, nil
}
