package report

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	domorder "github.com/ventalocal/fulfillment/internal/domain/order"
	"github.com/ventalocal/fulfillment/internal/infrastructure/memory"
)

func seedPaidOrder(t *testing.T, repo *memory.OrderRepository, email string, total int64, quantity int, createdAt time.Time) *domorder.Order {
	t.Helper()

	o, err := domorder.New(
		uuid.NewString(), "tenant-1", "VL-1",
		domorder.Customer{Name: "Ana Perez", Email: email},
		[]domorder.Item{{ProductID: "p1", Name: "Mate", UnitPrice: total / int64(quantity), Quantity: quantity}},
		"standard", 0, domorder.PaymentOnDelivery,
	)
	require.NoError(t, err)
	require.NoError(t, o.MarkPaid(""))
	o.CreatedAt = createdAt
	require.NoError(t, repo.Insert(context.Background(), o))
	return o
}

func seedUnpaidOrder(t *testing.T, repo *memory.OrderRepository, createdAt time.Time) {
	t.Helper()

	o, err := domorder.New(
		uuid.NewString(), "tenant-1", "VL-2",
		domorder.Customer{Name: "Juan Gomez", Email: "juan@example.com"},
		[]domorder.Item{{ProductID: "p1", Name: "Mate", UnitPrice: 1000, Quantity: 1}},
		"standard", 0, domorder.PaymentOnDelivery,
	)
	require.NoError(t, err)
	o.CreatedAt = createdAt
	require.NoError(t, repo.Insert(context.Background(), o))
}

func TestSalesGroupsByDay(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	svc := NewService(repo)

	day1 := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 2, 10, 0, 0, 0, time.UTC)

	seedPaidOrder(t, repo, "ana@example.com", 2000, 2, day1)
	seedPaidOrder(t, repo, "ana@example.com", 1000, 1, day1)
	seedPaidOrder(t, repo, "luis@example.com", 3000, 3, day2)
	// Unsettled orders never count as revenue.
	seedUnpaidOrder(t, repo, day1)

	got, err := svc.Sales(ctx, time.Time{}, time.Time{}, GroupDay)
	require.NoError(t, err)

	require.Len(t, got.Periods, 2)
	assert.Equal(t, "2026-08-01", got.Periods[0].Period)
	assert.Equal(t, 2, got.Periods[0].Orders)
	assert.Equal(t, int64(3000), got.Periods[0].Revenue)
	assert.Equal(t, 3, got.Periods[0].Units)
	assert.Equal(t, 1, got.Periods[0].Customers)

	assert.Equal(t, "2026-08-02", got.Periods[1].Period)
	assert.Equal(t, 1, got.Periods[1].Customers)

	assert.Equal(t, 3, got.Orders)
	assert.Equal(t, int64(6000), got.Revenue)
	assert.Equal(t, 6, got.Units)
}

func TestSalesRespectsRangeBounds(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	svc := NewService(repo)

	seedPaidOrder(t, repo, "ana@example.com", 1000, 1, time.Date(2026, 7, 31, 23, 0, 0, 0, time.UTC))
	seedPaidOrder(t, repo, "ana@example.com", 2000, 1, time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC))

	got, err := svc.Sales(ctx,
		time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
		GroupMonth,
	)
	require.NoError(t, err)
	require.Len(t, got.Periods, 1)
	assert.Equal(t, "2026-08", got.Periods[0].Period)
	assert.Equal(t, int64(2000), got.Revenue)
}

func TestSalesGroupKeys(t *testing.T) {
	at := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, "2026-01-05", periodKey(at, GroupDay))
	assert.Equal(t, "2026-W02", periodKey(at, GroupWeek))
	assert.Equal(t, "2026-01", periodKey(at, GroupMonth))
	assert.Equal(t, "2026", periodKey(at, GroupYear))
}

func TestSalesUnknownGroupRejected(t *testing.T) {
	svc := NewService(memory.NewOrderRepository())
	_, err := svc.Sales(context.Background(), time.Time{}, time.Time{}, "quarter")
	assert.ErrorIs(t, err, ErrInvalidGroup)
}
