package service

import (
	"time"

	"github.com/raphaelgruber/factgraph/internal/client"
	"github.com/raphaelgruber/factgraph/internal/models"
	"github.com/raphaelgruber/factgraph/internal/normalize"
)

// DefaultVerifyGrace is how long an ambiguous zero-item completion is
// re-checked before it is reported as unable_to_verify.
const DefaultVerifyGrace = 2 * time.Second

// Verdict is the Judge's decision for one observation of a task.
type Verdict struct {
	State          models.LifecycleState
	Reason         models.ErrorReason
	Message        string
	ItemsExtracted int

	// Awaiting marks a processing verdict that is waiting out the verification grace window.
	Awaiting bool

	// Source is the matching source-list entry, if any.
	Source *client.SourceEntry
}

// Terminal reports whether the verdict resolves the task.
func (v Verdict) Terminal() bool {
	return v.State.Terminal()
}

// Judge decides a task's lifecycle state from the remote record and the
// source list snapshot. It is pure apart from the clock.
type Judge struct {
	VerifyGrace time.Duration
	now         func() time.Time
}

// NewJudge creates a judge. A non-positive grace uses DefaultVerifyGrace.
func NewJudge(verifyGrace time.Duration) *Judge {
	if verifyGrace <= 0 {
		verifyGrace = DefaultVerifyGrace
	}
	return &Judge{VerifyGrace: verifyGrace, now: time.Now}
}

// Decide applies the decision order:
//  1. target already in the source list: completed
//  2. pending/processing with an active stage: processing
//  3. failed: error
//  4. completed with zero items: blocked, unreadable, no_content,
//     pipeline_produced_nothing, then a grace window, then unable_to_verify
//  5. completed with items: completed
//  6. otherwise processing
//
// A terminal task is returned as it is. rec may be nil when only the source
// list changed.
func (j *Judge) Decide(task models.IngestionTask, rec *client.TaskRecord, sources SourceIndex) Verdict {
	if task.State.Terminal() {
		return verdictOf(task)
	}

	if entry, ok := lookupSource(task, rec, sources); ok {
		items := 0
		if rec != nil {
			items = rec.ItemCount()
		}
		if entry.ItemCount != nil && *entry.ItemCount > items {
			items = *entry.ItemCount
		}
		return Verdict{State: models.StateCompleted, ItemsExtracted: items, Source: &entry}
	}

	if rec == nil {
		return processing()
	}

	_, activeStage := models.ParseStage(rec.CurrentStage)
	switch rec.Status {
	case client.StatusPending, client.StatusProcessing, "":
		if activeStage {
			return processing()
		}
	case client.StatusFailed:
		if rec.BlockReason != "" {
			return failure(models.ReasonBlocked, rec.BlockReason)
		}
		return failure(models.ReasonFailed, rec.ErrorMessage)
	}

	completed := rec.Status == client.StatusCompleted || (rec.HasCompletedAt() && !activeStage)
	if !completed {
		return processing()
	}

	if items := rec.ItemCount(); items > 0 {
		return Verdict{State: models.StateCompleted, ItemsExtracted: items}
	}
	return j.zeroItems(task, rec)
}

// zeroItems classifies a completion that produced nothing.
func (j *Judge) zeroItems(task models.IngestionTask, rec *client.TaskRecord) Verdict {
	res := rec.Result
	switch {
	case rec.BlockReason != "" || (res != nil && res.BlockDetection):
		return failure(models.ReasonBlocked, rec.BlockReason)
	case res != nil && res.IsReadable != nil && !*res.IsReadable:
		return failure(models.ReasonUnreadable, "")
	case rec.TokenCosts == nil || rec.TokenCosts.Total == 0:
		return failure(models.ReasonNoContent, "")
	case rec.TokenCosts.Semantization == 0:
		return failure(models.ReasonPipelineProducedNothing, "")
	}

	// Late pipeline output can lag the completion stamp; give it a grace window.
	if task.AmbiguousSince == nil || j.now().Sub(*task.AmbiguousSince) < j.VerifyGrace {
		return Verdict{State: models.StateProcessing, Awaiting: true}
	}
	return failure(models.ReasonUnableToVerify, "")
}

// lookupSource matches the task key and the record's own URLs.
func lookupSource(task models.IngestionTask, rec *client.TaskRecord, sources SourceIndex) (client.SourceEntry, bool) {
	if sources == nil {
		return client.SourceEntry{}, false
	}
	keys := []string{task.NormalizedKey}
	if rec != nil {
		for _, u := range []string{rec.URL, rec.CanonicalURL} {
			if u != "" {
				keys = append(keys, normalize.Key(u))
			}
		}
	}
	for _, k := range keys {
		if e, ok := sources.Lookup(k); ok {
			return e, true
		}
	}
	return client.SourceEntry{}, false
}

func processing() Verdict {
	return Verdict{State: models.StateProcessing}
}

func failure(reason models.ErrorReason, message string) Verdict {
	if message == "" {
		message = reason.Message()
	}
	return Verdict{State: models.StateError, Reason: reason, Message: message}
}

func verdictOf(task models.IngestionTask) Verdict {
	v := Verdict{State: task.State, Reason: task.ErrorReason, Message: task.ErrorMessage}
	if task.Result != nil {
		v.ItemsExtracted = task.Result.ItemsExtracted
	}
	return v
}
