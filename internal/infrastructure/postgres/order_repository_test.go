package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	domorder "github.com/ventalocal/fulfillment/internal/domain/order"
)

func newTestOrder(t *testing.T) *domorder.Order {
	t.Helper()
	o, err := domorder.New("ord-"+uuid.NewString(), "tenant-1", "VL-1",
		domorder.Customer{Name: "Ana", Email: "ana@example.com", TaxID: "20-11111111-1", TaxCondition: "RI"},
		[]domorder.Item{{ProductID: "p1", Name: "Mate", UnitPrice: 1000, Quantity: 2}},
		"standard", 0, domorder.PaymentGateway,
	)
	require.NoError(t, err)
	return o
}

func TestOrderRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(getTestDB(t))
	o := newTestOrder(t)

	require.NoError(t, repo.Insert(ctx, o))
	assert.ErrorIs(t, repo.Insert(ctx, o), domorder.ErrConflict)

	got, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Total, got.Total)
	assert.Equal(t, "RI", got.Customer.TaxCondition)
	require.Len(t, got.Items, 1)
	assert.Equal(t, int64(2000), got.Items[0].Total)

	_, err = repo.Get(ctx, "ord-"+uuid.NewString())
	assert.ErrorIs(t, err, domorder.ErrNotFound)
}

func TestOrderUpdatePersistsState(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(getTestDB(t))
	o := newTestOrder(t)
	require.NoError(t, repo.Insert(ctx, o))

	require.NoError(t, o.MarkPaid("pref_"+uuid.NewString()))
	require.NoError(t, repo.Update(ctx, o))

	got, err := repo.Get(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusProcessing, got.Status)
	assert.Equal(t, domorder.PaymentPaid, got.PaymentStatus)
	assert.Equal(t, o.PaymentRef, got.PaymentRef)
}

func TestFindByPaymentRef(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(getTestDB(t))

	o := newTestOrder(t)
	o.PaymentRef = "pref_" + uuid.NewString()
	require.NoError(t, repo.Insert(ctx, o))

	got, err := repo.FindByPaymentRef(ctx, o.PaymentRef)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)

	// Without a provider reference the order id stands in.
	plain := newTestOrder(t)
	require.NoError(t, repo.Insert(ctx, plain))
	got, err = repo.FindByPaymentRef(ctx, plain.ID)
	require.NoError(t, err)
	assert.Equal(t, plain.ID, got.ID)

	_, err = repo.FindByPaymentRef(ctx, "pref_"+uuid.NewString())
	assert.ErrorIs(t, err, domorder.ErrNotFound)
}

func TestListPaidBetween(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepository(getTestDB(t))

	paid := newTestOrder(t)
	require.NoError(t, paid.MarkPaid("pref_"+uuid.NewString()))
	require.NoError(t, repo.Insert(ctx, paid))

	unpaid := newTestOrder(t)
	require.NoError(t, repo.Insert(ctx, unpaid))

	from := paid.CreatedAt.Add(-time.Minute)
	to := paid.CreatedAt.Add(time.Minute)
	got, err := repo.ListPaidBetween(ctx, from, to)
	require.NoError(t, err)

	ids := make(map[string]bool, len(got))
	for _, o := range got {
		assert.Equal(t, domorder.PaymentPaid, o.PaymentStatus)
		assert.False(t, o.CreatedAt.Before(from))
		assert.False(t, o.CreatedAt.After(to))
		ids[o.ID] = true
	}
	assert.True(t, ids[paid.ID])
	assert.False(t, ids[unpaid.ID])

	// An empty window matches nothing.
	none, err := repo.ListPaidBetween(ctx, paid.CreatedAt.Add(time.Hour), paid.CreatedAt.Add(2*time.Hour))
	require.NoError(t, err)
	for _, o := range none {
		assert.NotEqual(t, paid.ID, o.ID)
	}
}
