package checkout

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ventalocal/fulfillment/internal/application/ledger"
	appoutbox "github.com/ventalocal/fulfillment/internal/application/outbox"
	"github.com/ventalocal/fulfillment/internal/domain/catalog"
	"github.com/ventalocal/fulfillment/internal/domain/inventory"
	domorder "github.com/ventalocal/fulfillment/internal/domain/order"
	domoutbox "github.com/ventalocal/fulfillment/internal/domain/outbox"
	billinginfra "github.com/ventalocal/fulfillment/internal/infrastructure/billing"
	"github.com/ventalocal/fulfillment/internal/infrastructure/id"
	"github.com/ventalocal/fulfillment/internal/infrastructure/memory"
	paymentinfra "github.com/ventalocal/fulfillment/internal/infrastructure/payment"
)

type fixture struct {
	inv        *memory.InventoryStore
	orders     *memory.OrderRepository
	outbox     *memory.OutboxStore
	ledger     *ledger.Service
	dispatcher *appoutbox.Dispatcher
	create     *CreateOrderUseCase
	cancel     *CancelOrderUseCase
	confirm    *ConfirmPaymentUseCase
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	inv := memory.NewInventoryStore()
	orders := memory.NewOrderRepository()
	outboxStore := memory.NewOutboxStore()
	ledgerSvc := ledger.NewService(inv, nil, nil)

	taxAdapter := billinginfra.NewMockTaxAdapter(0)
	payAdapter := paymentinfra.NewMockAdapter("")
	dispatcher := appoutbox.NewDispatcher(outboxStore, []appoutbox.Handler{
		appoutbox.NewInvoiceIssueHandler(taxAdapter, nil),
		appoutbox.NewInvoiceCancelHandler(taxAdapter, nil),
		appoutbox.NewPaymentPreferenceHandler(payAdapter, orders, "http://localhost:8080", "http://localhost:8080/webhooks/payment", nil),
	}, appoutbox.Config{
		PollInterval: 5 * time.Millisecond,
		BaseBackoff:  time.Millisecond,
	}, nil)

	return &fixture{
		inv:        inv,
		orders:     orders,
		outbox:     outboxStore,
		ledger:     ledgerSvc,
		dispatcher: dispatcher,
		create:     NewCreateOrderUseCase(inv, ledgerSvc, orders, outboxStore, dispatcher, id.NewUUIDGenerator(), nil),
		cancel:     NewCancelOrderUseCase(orders, ledgerSvc, outboxStore, dispatcher, nil),
		confirm:    NewConfirmPaymentUseCase(orders, outboxStore, dispatcher, 1, nil),
	}
}

func (f *fixture) seedProduct(t *testing.T, productID string, price, salePrice int64, stock int) {
	t.Helper()
	require.NoError(t, f.inv.Save(context.Background(), &catalog.Product{
		ID:        productID,
		Name:      "Producto " + productID,
		Price:     price,
		SalePrice: salePrice,
		Stock:     stock,
	}))
}

func validInput(items ...ItemInput) CreateOrderInput {
	return CreateOrderInput{
		TenantID: "tenant-1",
		Customer: CustomerInput{
			Name:  "Ana Perez",
			Email: "ana@example.com",
		},
		Items:          items,
		ShippingMethod: ShippingExpress,
		PaymentMethod:  domorder.PaymentOnDelivery,
	}
}

func TestCreateOrderSnapshotsPricesAndTotals(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProduct(t, "p1", 1000, 0, 3)
	f.seedProduct(t, "p2", 800, 500, 10)

	result, err := f.create.Execute(ctx, validInput(
		ItemInput{ProductID: "p1", Quantity: 1},
		ItemInput{ProductID: "p2", Quantity: 2},
	))
	require.NoError(t, err)

	o := result.Order
	require.Len(t, o.Items, 2)
	// Sale price wins when set.
	assert.Equal(t, int64(1000), o.Items[0].UnitPrice)
	assert.Equal(t, int64(500), o.Items[1].UnitPrice)
	assert.Equal(t, int64(2000), o.Subtotal)
	assert.Equal(t, int64(50000), o.Shipping)
	assert.Equal(t, int64(52000), o.Total)
	assert.Equal(t, domorder.StatusCreated, o.Status)
	assert.True(t, strings.HasPrefix(o.OrderNumber, "VL-"))

	// Stock was taken per line.
	stock, _ := f.inv.StockOf(ctx, "p1")
	assert.Equal(t, 2, stock)
	stock, _ = f.inv.StockOf(ctx, "p2")
	assert.Equal(t, 8, stock)
}

func TestCreateOrderOnDeliveryArmsNoSideEffects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProduct(t, "p1", 1000, 0, 3)

	result, err := f.create.Execute(ctx, validInput(ItemInput{ProductID: "p1", Quantity: 1}))
	require.NoError(t, err)

	// Invoice issuance waits for the payment confirmation; nothing is queued
	// at creation time.
	_, err = f.outbox.Find(ctx, domoutbox.KindInvoiceIssue, result.Order.ID)
	assert.ErrorIs(t, err, domoutbox.ErrNotFound)

	// No payment preference for out-of-band settlement either.
	_, err = f.outbox.Find(ctx, domoutbox.KindPaymentPreference, result.Order.ID)
	assert.ErrorIs(t, err, domoutbox.ErrNotFound)
}

func TestConfirmPaymentQueuesInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProduct(t, "p1", 1000, 0, 3)

	result, err := f.create.Execute(ctx, validInput(ItemInput{ProductID: "p1", Quantity: 1}))
	require.NoError(t, err)

	confirmed, err := f.confirm.Execute(ctx, result.Order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusProcessing, confirmed.Status)
	assert.Equal(t, domorder.PaymentPaid, confirmed.PaymentStatus)

	item, err := f.outbox.Find(ctx, domoutbox.KindInvoiceIssue, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domoutbox.StatusPending, item.Status)

	// A duplicate confirmation changes nothing and enqueues nothing new.
	again, err := f.confirm.Execute(ctx, result.Order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusProcessing, again.Status)

	items, err := f.outbox.List(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestConfirmPaymentCancelledOrderRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProduct(t, "p1", 1000, 0, 3)

	result, err := f.create.Execute(ctx, validInput(ItemInput{ProductID: "p1", Quantity: 1}))
	require.NoError(t, err)
	_, err = f.cancel.Execute(ctx, result.Order.ID, "changed mind")
	require.NoError(t, err)

	_, err = f.confirm.Execute(ctx, result.Order.ID, "")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestConfirmPaymentNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.confirm.Execute(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}

func TestCreateOrderGatewayReturnsPaymentLink(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProduct(t, "p1", 1000, 0, 3)

	input := validInput(ItemInput{ProductID: "p1", Quantity: 1})
	input.PaymentMethod = domorder.PaymentGateway

	result, err := f.create.Execute(ctx, input)
	require.NoError(t, err)

	assert.Equal(t, domorder.StatusAwaitingPayment, result.Order.Status)
	// Synchronous first attempt completed against the mock provider.
	assert.NotEmpty(t, result.PaymentURL)
	assert.True(t, strings.HasPrefix(result.Order.PaymentRef, "pref_"))

	item, err := f.outbox.Find(ctx, domoutbox.KindPaymentPreference, result.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, domoutbox.StatusCompleted, item.Status)
}

func TestCreateOrderRollsBackEarlierLines(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProduct(t, "p1", 1000, 0, 5)
	f.seedProduct(t, "p2", 500, 0, 1)

	_, err := f.create.Execute(ctx, validInput(
		ItemInput{ProductID: "p1", Quantity: 2},
		ItemInput{ProductID: "p2", Quantity: 3},
	))
	assert.ErrorIs(t, err, ErrInsufficientStock)

	// The first line's decrement was compensated.
	stock, _ := f.inv.StockOf(ctx, "p1")
	assert.Equal(t, 5, stock)
	stock, _ = f.inv.StockOf(ctx, "p2")
	assert.Equal(t, 1, stock)

	movements, err := f.inv.Movements(ctx, inventory.Filter{ProductID: "p1"})
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, inventory.MovementReturn, movements[0].Type)
	assert.Equal(t, inventory.MovementSale, movements[1].Type)
}

func TestCreateOrderConcurrentLastUnit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProduct(t, "p1", 1000, 0, 1)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.create.Execute(ctx, validInput(ItemInput{ProductID: "p1", Quantity: 1}))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded, rejected := 0, 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, ErrInsufficientStock)
			rejected++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, rejected)
}

func TestCreateOrderValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.create.Execute(ctx, CreateOrderInput{})
	assert.ErrorIs(t, err, ErrValidation)

	input := validInput(ItemInput{ProductID: "p1", Quantity: 0})
	_, err = f.create.Execute(ctx, input)
	assert.ErrorIs(t, err, ErrValidation)

	input = validInput(ItemInput{ProductID: "p1", Quantity: 1})
	input.PaymentMethod = "WIRE"
	_, err = f.create.Execute(ctx, input)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestCreateOrderUnknownProduct(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.create.Execute(ctx, validInput(ItemInput{ProductID: "ghost", Quantity: 1}))
	assert.ErrorIs(t, err, ErrProductNotFound)
}

func TestCancelOrderRestocksAndQueuesInvoiceCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProduct(t, "p1", 1000, 0, 3)

	result, err := f.create.Execute(ctx, validInput(ItemInput{ProductID: "p1", Quantity: 2}))
	require.NoError(t, err)
	orderID := result.Order.ID

	// Settle the order and complete the invoice issuance so cancellation has
	// something to void.
	_, err = f.confirm.Execute(ctx, orderID, "")
	require.NoError(t, err)
	issued, err := f.outbox.Find(ctx, domoutbox.KindInvoiceIssue, orderID)
	require.NoError(t, err)
	require.NoError(t, f.dispatcher.TryDispatch(ctx, issued.ID))

	cancelled, err := f.cancel.Execute(ctx, orderID, "customer request")
	require.NoError(t, err)
	assert.Equal(t, domorder.StatusCancelled, cancelled.Status)
	assert.Equal(t, "customer request", cancelled.FailureReason)

	stock, _ := f.inv.StockOf(ctx, "p1")
	assert.Equal(t, 3, stock)

	cancelItem, err := f.outbox.Find(ctx, domoutbox.KindInvoiceCancel, orderID)
	require.NoError(t, err)
	assert.Equal(t, domoutbox.StatusPending, cancelItem.Status)
}

func TestCancelOrderWithoutInvoiceSkipsCancelItem(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProduct(t, "p1", 1000, 0, 3)

	input := validInput(ItemInput{ProductID: "p1", Quantity: 1})
	input.PaymentMethod = domorder.PaymentGateway
	result, err := f.create.Execute(ctx, input)
	require.NoError(t, err)

	_, err = f.cancel.Execute(ctx, result.Order.ID, "changed mind")
	require.NoError(t, err)

	_, err = f.outbox.Find(ctx, domoutbox.KindInvoiceCancel, result.Order.ID)
	assert.ErrorIs(t, err, domoutbox.ErrNotFound)
}

func TestCancelOrderTerminalStateRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.seedProduct(t, "p1", 1000, 0, 3)

	result, err := f.create.Execute(ctx, validInput(ItemInput{ProductID: "p1", Quantity: 1}))
	require.NoError(t, err)

	_, err = f.cancel.Execute(ctx, result.Order.ID, "first")
	require.NoError(t, err)

	_, err = f.cancel.Execute(ctx, result.Order.ID, "second")
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelOrderNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.cancel.Execute(context.Background(), "ghost", "why not")
	assert.ErrorIs(t, err, ErrOrderNotFound)
}
