package service

import "errors"

// Sentinel errors returned by the tracker.
// Use errors.Is() to check for these errors in calling code.
var (
	// ErrEmptyInput indicates a submission with nothing to submit.
	ErrEmptyInput = errors.New("empty input")

	// ErrNotFound indicates no tracked task has the given id.
	ErrNotFound = errors.New("task not found")

	// ErrTerminal indicates an update to a task that is already completed or errored.
	ErrTerminal = errors.New("task is terminal")

	// ErrSubmitFailed indicates the extraction service refused or failed the submission.
	// The placeholder is removed and the handle keeps the original input for a retry.
	ErrSubmitFailed = errors.New("submission failed")

	// ErrDuplicateID indicates an insert or id swap onto an id that is already tracked.
	ErrDuplicateID = errors.New("duplicate task id")
)
