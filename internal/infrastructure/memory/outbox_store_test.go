package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ventalocal/fulfillment/internal/domain/outbox"
)

func TestEnqueueDeduplicatesActiveItems(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()

	first, created, err := store.Enqueue(ctx, outbox.KindInvoiceIssue, "ord-1", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.True(t, created)

	second, created, err := store.Enqueue(ctx, outbox.KindInvoiceIssue, "ord-1", []byte(`{"a":2}`))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	// A different kind for the same key is a separate item.
	other, created, err := store.Enqueue(ctx, outbox.KindPaymentPreference, "ord-1", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, other.ID)
}

func TestEnqueueAfterFailureCreatesFreshItem(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()

	first, _, err := store.Enqueue(ctx, outbox.KindInvoiceIssue, "ord-1", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, first.ID, 3, "provider down"))

	second, created, err := store.Enqueue(ctx, outbox.KindInvoiceIssue, "ord-1", []byte(`{}`))
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEqual(t, first.ID, second.ID)

	// The failed item stays retained for audit.
	failed, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusFailed, failed.Status)
	assert.Equal(t, "provider down", failed.LastError)
}

func TestClaimTransitionsToProcessingOnce(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()
	item, _, err := store.Enqueue(ctx, outbox.KindInvoiceIssue, "ord-1", []byte(`{}`))
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, item.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessing, claimed.Status)

	_, err = store.Claim(ctx, item.ID, time.Now().UTC())
	assert.ErrorIs(t, err, outbox.ErrNotClaimable)
}

func TestClaimRespectsNextAttemptAt(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()
	item, _, err := store.Enqueue(ctx, outbox.KindInvoiceIssue, "ord-1", []byte(`{}`))
	require.NoError(t, err)

	future := time.Now().UTC().Add(time.Minute)
	require.NoError(t, store.MarkRetry(ctx, item.ID, 1, future, "timeout"))

	_, err = store.Claim(ctx, item.ID, time.Now().UTC())
	assert.ErrorIs(t, err, outbox.ErrNotClaimable)

	claimed, err := store.Claim(ctx, item.ID, future.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 1, claimed.Attempts)
	assert.Equal(t, "timeout", claimed.LastError)
}

func TestClaimDueReturnsOldestFirst(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()

	a, _, err := store.Enqueue(ctx, outbox.KindInvoiceIssue, "ord-a", []byte(`{}`))
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	b, _, err := store.Enqueue(ctx, outbox.KindInvoiceIssue, "ord-b", []byte(`{}`))
	require.NoError(t, err)

	claimed, err := store.ClaimDue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, a.ID, claimed[0].ID)
	assert.Equal(t, b.ID, claimed[1].ID)

	// Everything is PROCESSING now; a second pass claims nothing.
	again, err := store.ClaimDue(ctx, time.Now().UTC(), 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestReleaseStaleReturnsStuckItems(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()
	item, _, err := store.Enqueue(ctx, outbox.KindInvoiceIssue, "ord-1", []byte(`{}`))
	require.NoError(t, err)

	_, err = store.Claim(ctx, item.ID, time.Now().UTC().Add(-5*time.Minute))
	require.NoError(t, err)

	released, err := store.ReleaseStale(ctx, time.Now().UTC().Add(-2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	claimed, err := store.Claim(ctx, item.ID, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessing, claimed.Status)
}

func TestMarkCompletedStoresResult(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()
	item, _, err := store.Enqueue(ctx, outbox.KindInvoiceIssue, "ord-1", []byte(`{}`))
	require.NoError(t, err)

	require.NoError(t, store.MarkCompleted(ctx, item.ID, 1, []byte(`{"cae":"123"}`)))

	done, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusCompleted, done.Status)
	assert.JSONEq(t, `{"cae":"123"}`, string(done.Result))
}

func TestRequeueResetsFailedItem(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()
	item, _, err := store.Enqueue(ctx, outbox.KindInvoiceIssue, "ord-1", []byte(`{}`))
	require.NoError(t, err)

	_, err = store.Requeue(ctx, item.ID)
	assert.ErrorIs(t, err, outbox.ErrNotFailed)

	require.NoError(t, store.MarkFailed(ctx, item.ID, 3, "provider down"))

	requeued, err := store.Requeue(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, requeued.Status)
	assert.Equal(t, 0, requeued.Attempts)
	assert.Empty(t, requeued.LastError)
}

func TestRequeueRefusedWhenReplacementIsLive(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()

	first, _, err := store.Enqueue(ctx, outbox.KindInvoiceIssue, "ord-1", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed(ctx, first.ID, 3, "provider down"))

	second, created, err := store.Enqueue(ctx, outbox.KindInvoiceIssue, "ord-1", []byte(`{}`))
	require.NoError(t, err)
	require.True(t, created)

	// Reviving the failed item would put two live items on the pair.
	_, err = store.Requeue(ctx, first.ID)
	assert.ErrorIs(t, err, outbox.ErrConflict)

	// The replacement stays the authoritative live item.
	live, err := store.Find(ctx, outbox.KindInvoiceIssue, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, live.ID)

	// Once the replacement fails too, the original becomes requeueable.
	require.NoError(t, store.MarkFailed(ctx, second.ID, 3, "provider down"))
	requeued, err := store.Requeue(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, requeued.Status)
}

func TestCountPending(t *testing.T) {
	ctx := context.Background()
	store := NewOutboxStore()

	_, _, err := store.Enqueue(ctx, outbox.KindInvoiceIssue, "ord-1", []byte(`{}`))
	require.NoError(t, err)
	item, _, err := store.Enqueue(ctx, outbox.KindInvoiceIssue, "ord-2", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, item.ID, 1, nil))

	count, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
