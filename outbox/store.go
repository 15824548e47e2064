package outbox

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound   = errors.New("row not found")
	ErrNotClaimed = errors.New("row not claimed by this worker")
	ErrClosed     = errors.New("store closed")
	ErrInvalidRow = errors.New("invalid row")
)

// Store is the outbox table. Only the Router inserts and only the Worker
// mutates; rows are never deleted.
//
// Every mutation that follows a claim names the worker and fails with
// ErrNotClaimed unless that worker still holds the row. Mutations clear the
// claim; attempt-recording mutations also increment attempt_count.
type Store interface {
	// Insert adds new pending rows atomically.
	Insert(ctx context.Context, rows []Row) error

	// ClaimDue claims up to limit pending, unclaimed rows whose
	// next_attempt_at is not after now, oldest due first. Each row is
	// claimed by a conditional write; rows another worker won are skipped.
	ClaimDue(ctx context.Context, worker string, now time.Time, limit int) ([]Row, error)

	// MarkDelivered records a successful send.
	MarkDelivered(ctx context.Context, id, worker string, at time.Time) error

	// MarkUndeliverable records a send whose recipient could not be resolved.
	MarkUndeliverable(ctx context.Context, id, worker, reason string) error

	// ScheduleRetry records a transient failure and sets the next attempt.
	ScheduleRetry(ctx context.Context, id, worker string, next time.Time, lastErr string) error

	// MarkFailed records the final transient failure of an exhausted row.
	MarkFailed(ctx context.Context, id, worker, lastErr string) error

	// Release returns a claimed row to the queue without recording an attempt.
	Release(ctx context.Context, id, worker string) error

	// ReleaseClaims releases every non-terminal row held by worker and
	// returns how many were released. Used by operators after a crash.
	ReleaseClaims(ctx context.Context, worker string) (int, error)

	// Get returns one row.
	Get(ctx context.Context, id string) (Row, error)

	// List returns rows matching f, oldest first.
	List(ctx context.Context, f Filter) ([]Row, error)

	// CountByStatus returns the number of rows per status.
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// Close releases resources.
	Close() error
}

func validateRow(r *Row) error {
	if r.ID == "" || r.Channel == "" || r.Recipient == "" {
		return ErrInvalidRow
	}
	if r.Status != StatusPending {
		return ErrInvalidRow
	}
	return nil
}
