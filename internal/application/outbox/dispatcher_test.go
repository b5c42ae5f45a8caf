package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	domain "github.com/ventalocal/fulfillment/internal/domain/outbox"
	"github.com/ventalocal/fulfillment/internal/infrastructure/memory"
)

// stubHandler fails a configurable number of times before succeeding.
type stubHandler struct {
	kind domain.Kind

	mu        sync.Mutex
	failures  int
	permanent bool
	calls     int
}

func (h *stubHandler) Kind() domain.Kind { return h.kind }

func (h *stubHandler) Handle(_ context.Context, _ *domain.Item) ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.permanent {
		return nil, Permanent(errors.New("payload rejected"))
	}
	if h.calls <= h.failures {
		return nil, errors.New("provider unavailable")
	}
	return []byte(`{"ok":true}`), nil
}

func (h *stubHandler) callCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

func fastConfig() Config {
	return Config{
		PollInterval:  5 * time.Millisecond,
		StaleAfter:    time.Minute,
		MaxAttempts:   3,
		BaseBackoff:   time.Millisecond,
		BackoffFactor: 2,
		Workers:       2,
	}
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	handler := &stubHandler{kind: domain.KindInvoiceIssue, failures: 2}

	d := NewDispatcher(store, []Handler{handler}, fastConfig(), nil)
	d.Start(ctx)
	defer d.Stop()

	item, _, err := store.Enqueue(ctx, domain.KindInvoiceIssue, "ord-1", []byte(`{}`))
	require.NoError(t, err)
	d.Wake()

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, item.ID)
		return err == nil && got.Status == domain.StatusCompleted
	}, 2*time.Second, 5*time.Millisecond)

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	assert.Equal(t, 3, handler.callCount())
}

func TestDispatcherFailsAfterAttemptsExhausted(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	handler := &stubHandler{kind: domain.KindInvoiceIssue, failures: 100}

	d := NewDispatcher(store, []Handler{handler}, fastConfig(), nil)
	d.Start(ctx)
	defer d.Stop()

	item, _, err := store.Enqueue(ctx, domain.KindInvoiceIssue, "ord-1", []byte(`{}`))
	require.NoError(t, err)
	d.Wake()

	require.Eventually(t, func() bool {
		got, err := store.Get(ctx, item.ID)
		return err == nil && got.Status == domain.StatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "provider unavailable", got.LastError)
	assert.Equal(t, 3, handler.callCount())
}

func TestDispatcherPermanentFailureSkipsRetries(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	handler := &stubHandler{kind: domain.KindInvoiceIssue, permanent: true}

	d := NewDispatcher(store, []Handler{handler}, fastConfig(), nil)

	item, _, err := store.Enqueue(ctx, domain.KindInvoiceIssue, "ord-1", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, d.TryDispatch(ctx, item.ID))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, 1, handler.callCount())
}

func TestTryDispatchCompletesSynchronously(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	handler := &stubHandler{kind: domain.KindPaymentPreference}

	d := NewDispatcher(store, []Handler{handler}, fastConfig(), nil)

	item, _, err := store.Enqueue(ctx, domain.KindPaymentPreference, "ord-1", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, d.TryDispatch(ctx, item.ID))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestTryDispatchAlreadyClaimedIsNoop(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()
	handler := &stubHandler{kind: domain.KindInvoiceIssue}

	d := NewDispatcher(store, []Handler{handler}, fastConfig(), nil)

	item, _, err := store.Enqueue(ctx, domain.KindInvoiceIssue, "ord-1", []byte(`{}`))
	require.NoError(t, err)

	_, err = store.Claim(ctx, item.ID, time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, d.TryDispatch(ctx, item.ID))
	assert.Equal(t, 0, handler.callCount())
}

func TestDispatcherUnknownKindFails(t *testing.T) {
	ctx := context.Background()
	store := memory.NewOutboxStore()

	d := NewDispatcher(store, nil, fastConfig(), nil)

	item, _, err := store.Enqueue(ctx, domain.KindInvoiceCancel, "ord-1", []byte(`{}`))
	require.NoError(t, err)
	require.NoError(t, d.TryDispatch(ctx, item.ID))

	got, err := store.Get(ctx, item.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
}
