// Package models defines the ingestion task tracked by factgraph.
package models

import (
	"strings"
	"time"
)

// TempIDPrefix marks a task whose submission has not been confirmed yet.
const TempIDPrefix = "temp_"

// LifecycleState is the externally visible state of a task.
type LifecycleState string

const (
	StateProcessing LifecycleState = "processing"
	StateCompleted  LifecycleState = "completed"
	StateError      LifecycleState = "error"
)

// Terminal reports whether no further transitions are allowed.
func (s LifecycleState) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Stage is a step of the extraction pipeline.
type Stage string

const (
	StagePreview       Stage = "preview"
	StageExtraction    Stage = "extraction"
	StageCleaning      Stage = "cleaning"
	StageResolution    Stage = "resolution"
	StageSemantization Stage = "semantization"
)

// Stages lists the pipeline in execution order.
var Stages = []Stage{StagePreview, StageExtraction, StageCleaning, StageResolution, StageSemantization}

// ParseStage maps an upstream stage name to a pipeline stage.
// Unknown names ("pending", "", "completed") return false.
func ParseStage(s string) (Stage, bool) {
	st := Stage(strings.ToLower(strings.TrimSpace(s)))
	if st.Index() < 0 {
		return "", false
	}
	return st, true
}

// Index returns the position of s in the pipeline, or -1.
func (s Stage) Index() int {
	for i, st := range Stages {
		if st == s {
			return i
		}
	}
	return -1
}

// Label returns a short human readable stage name.
func (s Stage) Label() string {
	switch s {
	case StagePreview:
		return "Fetching preview"
	case StageExtraction:
		return "Extracting content"
	case StageCleaning:
		return "Cleaning text"
	case StageResolution:
		return "Resolving entities"
	case StageSemantization:
		return "Extracting claims"
	default:
		return "Queued"
	}
}

// ErrorReason is the closed set of causes for a task ending in StateError.
type ErrorReason string

const (
	ReasonBlocked                 ErrorReason = "blocked"
	ReasonUnreadable              ErrorReason = "unreadable"
	ReasonNoContent               ErrorReason = "no_content"
	ReasonPipelineProducedNothing ErrorReason = "pipeline_produced_nothing"
	ReasonUnableToVerify          ErrorReason = "unable_to_verify"
	ReasonTimeout                 ErrorReason = "timeout"
	ReasonFailed                  ErrorReason = "failed"

	// ReasonTransport is recorded for transient poll failures. It never
	// becomes a task's terminal reason.
	ReasonTransport ErrorReason = "transport"
)

// Message returns the user facing explanation for r.
func (r ErrorReason) Message() string {
	switch r {
	case ReasonBlocked:
		return "The page is protected (paywall or bot detection) and could not be read."
	case ReasonUnreadable:
		return "The page was fetched but its content is not readable."
	case ReasonNoContent:
		return "No content could be extracted from this page."
	case ReasonPipelineProducedNothing:
		return "Extraction finished but produced no claims."
	case ReasonUnableToVerify:
		return "Extraction finished but the result could not be verified."
	case ReasonTimeout:
		return "Extraction took too long and was abandoned."
	case ReasonTransport:
		return "The extraction service could not be reached."
	case ReasonFailed:
		return "Extraction failed."
	default:
		return "Unknown error."
	}
}

// Preview is best-effort page metadata shown while a task runs.
type Preview struct {
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
	ImageURL    string `json:"image_url,omitempty"`
	Domain      string `json:"domain,omitempty"`
}

// IsZero reports whether no field is populated.
func (p Preview) IsZero() bool {
	return p == Preview{}
}

// Merge returns p with every non-empty field of next applied.
// Populated fields are never cleared.
func (p Preview) Merge(next Preview) Preview {
	if next.Title != "" {
		p.Title = next.Title
	}
	if next.Description != "" {
		p.Description = next.Description
	}
	if next.ImageURL != "" {
		p.ImageURL = next.ImageURL
	}
	if next.Domain != "" {
		p.Domain = next.Domain
	}
	return p
}

// ResultSummary describes a completed task.
type ResultSummary struct {
	ItemsExtracted int `json:"items_extracted"`
}

// IngestionTask is one submitted item and its processing state.
type IngestionTask struct {
	TaskID         string         `json:"task_id"`
	SourceInput    string         `json:"source_input"`
	NormalizedKey  string         `json:"normalized_key"`
	State          LifecycleState `json:"state"`
	Stage          Stage          `json:"stage,omitempty"`
	Preview        *Preview       `json:"preview,omitempty"`
	Result         *ResultSummary `json:"result,omitempty"`
	ErrorReason    ErrorReason    `json:"error_reason,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	ResolvedAt     *time.Time     `json:"resolved_at,omitempty"`
	AmbiguousSince *time.Time     `json:"ambiguous_since,omitempty"`
}

// IsTemporary reports whether the task still carries a placeholder id.
func (t IngestionTask) IsTemporary() bool {
	return strings.HasPrefix(t.TaskID, TempIDPrefix)
}

// AdvanceStage moves the task to s if s is later in the pipeline.
// It returns false when the stage would regress or the task is terminal.
func (t *IngestionTask) AdvanceStage(s Stage) bool {
	if t.State.Terminal() || s.Index() < 0 {
		return false
	}
	if s.Index() <= t.Stage.Index() {
		return false
	}
	t.Stage = s
	return true
}

// MergePreview applies the populated fields of p.
func (t *IngestionTask) MergePreview(p Preview) {
	if p.IsZero() {
		return
	}
	var cur Preview
	if t.Preview != nil {
		cur = *t.Preview
	}
	merged := cur.Merge(p)
	t.Preview = &merged
}

// Complete resolves the task as completed.
func (t *IngestionTask) Complete(items int, at time.Time) {
	t.State = StateCompleted
	t.Result = &ResultSummary{ItemsExtracted: items}
	t.ErrorReason = ""
	t.ErrorMessage = ""
	t.AmbiguousSince = nil
	t.ResolvedAt = &at
}

// Fail resolves the task as errored. An empty message uses reason's text.
func (t *IngestionTask) Fail(reason ErrorReason, message string, at time.Time) {
	if message == "" {
		message = reason.Message()
	}
	t.State = StateError
	t.ErrorReason = reason
	t.ErrorMessage = message
	t.Result = nil
	t.AmbiguousSince = nil
	t.ResolvedAt = &at
}

// Equal compares tasks by value.
func (t IngestionTask) Equal(o IngestionTask) bool {
	return t.TaskID == o.TaskID &&
		t.SourceInput == o.SourceInput &&
		t.NormalizedKey == o.NormalizedKey &&
		t.State == o.State &&
		t.Stage == o.Stage &&
		equalPtr(t.Preview, o.Preview) &&
		equalPtr(t.Result, o.Result) &&
		t.ErrorReason == o.ErrorReason &&
		t.ErrorMessage == o.ErrorMessage &&
		t.CreatedAt.Equal(o.CreatedAt) &&
		equalTime(t.ResolvedAt, o.ResolvedAt) &&
		equalTime(t.AmbiguousSince, o.AmbiguousSince)
}

// Clone returns a deep copy so callers cannot mutate shared pointers.
func (t IngestionTask) Clone() IngestionTask {
	c := t
	if t.Preview != nil {
		p := *t.Preview
		c.Preview = &p
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	if t.ResolvedAt != nil {
		at := *t.ResolvedAt
		c.ResolvedAt = &at
	}
	if t.AmbiguousSince != nil {
		at := *t.AmbiguousSince
		c.AmbiguousSince = &at
	}
	return c
}

func equalPtr[T comparable](a, b *T) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func equalTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
