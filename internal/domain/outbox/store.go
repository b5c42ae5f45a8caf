package outbox

import (
	"context"
	"time"
)

// Store persists outbox items and owns their dispatch lifecycle. Items are
// never deleted; COMPLETED and FAILED items remain queryable for audit and
// manual replay.
type Store interface {
	// Enqueue records a unit of work. When a non-FAILED item already exists
	// for (kind, correlationKey) the existing item is returned and created
	// is false.
	Enqueue(ctx context.Context, kind Kind, correlationKey string, payload []byte) (item *Item, created bool, err error)

	// Claim atomically moves a specific PENDING, due item to PROCESSING.
	// Returns ErrNotClaimable when the item is not eligible.
	Claim(ctx context.Context, id string, now time.Time) (*Item, error)

	// ClaimDue atomically moves up to limit PENDING items whose
	// NextAttemptAt is not after now into PROCESSING and returns them. Two
	// workers never receive the same item.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]*Item, error)

	// ReleaseStale returns items stuck in PROCESSING since before olderThan
	// (crash during dispatch) to PENDING, making them eligible again.
	ReleaseStale(ctx context.Context, olderThan time.Time) (int, error)

	MarkCompleted(ctx context.Context, id string, attempts int, result []byte) error
	MarkRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error

	Get(ctx context.Context, id string) (*Item, error)
	Find(ctx context.Context, kind Kind, correlationKey string) (*Item, error)
	List(ctx context.Context, status Status, limit int) ([]*Item, error)
	CountPending(ctx context.Context) (int, error)

	// Requeue resets a FAILED item to PENDING for manual replay.
	Requeue(ctx context.Context, id string) (*Item, error)
}
