package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// TrackedTask is the persisted form of an IngestionTask.
type TrackedTask struct {
	ID            surrealmodels.RecordID `json:"id"`
	Namespace     string                 `json:"namespace"`
	TaskID        string                 `json:"task_id"`
	NormalizedKey string                 `json:"normalized_key"`
	State         LifecycleState         `json:"state"`
	Task          IngestionTask          `json:"task"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
}
