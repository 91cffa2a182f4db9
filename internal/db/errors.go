package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/surrealdb/surrealdb.go"
)

var (
	// ErrTransactionConflict is returned when concurrent writes touch the same
	// task record. Writes retry it a few times before giving up.
	ErrTransactionConflict = errors.New("transaction conflict")

	// ErrNotFound indicates the task does not exist in the namespace.
	ErrNotFound = errors.New("task not found")
)

// wrapQueryError maps SurrealDB query errors onto the package sentinels.
func wrapQueryError(err error) error {
	if err == nil {
		return nil
	}

	var queryErr *surrealdb.QueryError
	if errors.As(err, &queryErr) && strings.Contains(queryErr.Message, "Transaction conflict") {
		return fmt.Errorf("%w: %s", ErrTransactionConflict, queryErr.Message)
	}
	return err
}

const conflictRetries = 3

// withConflictRetry runs fn until it succeeds, fails with something other
// than a transaction conflict, or runs out of attempts.
func withConflictRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := range conflictRetries {
		err = wrapQueryError(fn())
		if !errors.Is(err, ErrTransactionConflict) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 20 * time.Millisecond):
		}
	}
	return err
}
