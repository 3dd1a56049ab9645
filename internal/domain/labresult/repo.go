package labresult

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("test result not found")

type Repository interface {
	// Upsert inserts r, or when r.SourceRef matches a stored result of the
	// same lab, loads that stored row into r instead. r.ID is always set on
	// success.
	Upsert(ctx context.Context, r *TestResult) error
	GetByID(ctx context.Context, id int64) (*TestResult, error)
	ListUnprocessed(ctx context.Context, limit int) ([]*TestResult, error)
	// MarkProcessed clears needs_processing. It is idempotent.
	MarkProcessed(ctx context.Context, id int64) error
}
