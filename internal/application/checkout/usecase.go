// Package checkout implements order creation and cancellation on top of the
// inventory ledger and the side-effect outbox.
package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ventalocal/fulfillment/internal/application/ledger"
	"github.com/ventalocal/fulfillment/internal/domain/catalog"
	domorder "github.com/ventalocal/fulfillment/internal/domain/order"
	domoutbox "github.com/ventalocal/fulfillment/internal/domain/outbox"
	"github.com/ventalocal/fulfillment/internal/observability"
	"github.com/ventalocal/fulfillment/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	checkoutService    = "checkout-service"
	useCaseOrderCreate = "checkout.create_order"
	spanPrefix         = "UC."
)

var (
	ErrProductNotFound   = errors.New("checkout: product not found")
	ErrInsufficientStock = errors.New("checkout: insufficient stock")
	ErrValidation        = errors.New("checkout: validation")
	ErrRepository        = errors.New("checkout: repository failure")
)

// IDGenerator produces order ids.
type IDGenerator interface {
	NewID() string
}

// DispatchTrigger lets checkout hand freshly enqueued items to the outbox
// dispatcher without waiting for the next poll tick.
type DispatchTrigger interface {
	TryDispatch(ctx context.Context, id string) error
	Wake()
}

type ItemInput struct {
	ProductID string
	Quantity  int
}

type CustomerInput struct {
	Name         string
	Email        string
	Phone        string
	TaxID        string
	TaxCondition string
}

type CreateOrderInput struct {
	TenantID       string
	Customer       CustomerInput
	Items          []ItemInput
	ShippingMethod string
	PaymentMethod  domorder.PaymentMethod
}

type CreateOrderResult struct {
	Order *domorder.Order
	// PaymentURL is set when the payment preference was already created by
	// the synchronous first dispatch attempt. Empty means the link is still
	// being prepared; callers poll the order.
	PaymentURL string
}

type CreateOrderUseCase struct {
	catalog     catalog.Repository
	ledger      *ledger.Service
	orders      domorder.Repository
	outbox      domoutbox.Store
	trigger     DispatchTrigger
	idGenerator IDGenerator

	tel          observability.Observability
	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewCreateOrderUseCase(
	catalogRepo catalog.Repository,
	ledgerSvc *ledger.Service,
	orders domorder.Repository,
	outboxStore domoutbox.Store,
	trigger DispatchTrigger,
	idGen IDGenerator,
	tel observability.Observability,
) *CreateOrderUseCase {
	baseLog := observability.NopLogger()
	metricsProvider := observability.NopMetrics()
	if tel != nil {
		baseLog = tel.Logger()
		metricsProvider = tel.Metrics()
	}

	return &CreateOrderUseCase{
		catalog:      catalogRepo,
		ledger:       ledgerSvc,
		orders:       orders,
		outbox:       outboxStore,
		trigger:      trigger,
		idGenerator:  idGen,
		tel:          tel,
		log:          baseLog.With(observability.F("service", checkoutService)),
		reqCounter:   metricsProvider.Counter(observability.MUsecaseRequests),
		durHistogram: metricsProvider.Histogram(observability.MUsecaseDuration),
	}
}

// Execute creates an order: snapshot prices, take stock atomically per line
// with rollback of earlier lines on failure, persist, and enqueue the side
// effects the payment method calls for.
func (uc *CreateOrderUseCase) Execute(ctx context.Context, cmd CreateOrderInput) (_ *CreateOrderResult, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(observability.F("use_case", useCaseOrderCreate))

	tracer := observability.NopTracer()
	if uc.tel != nil {
		tracer = uc.tel.Tracer()
	}
	ctx, span := tracer.Start(ctx, spanPrefix+"CreateOrder",
		attribute.String("use_case", useCaseOrderCreate),
		attribute.String("order.tenant_id", cmd.TenantID),
		attribute.Int("order.line_count", len(cmd.Items)),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	var orderID string

	defer func() {
		lat := time.Since(start).Seconds()

		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, statusText)
			} else {
				span.SetStatus(codes.Ok, statusText)
			}
			span.End()
		}

		uc.reqCounter.Add(1,
			observability.L("use_case", useCaseOrderCreate),
			observability.L("outcome", outcome),
		)
		uc.durHistogram.Observe(lat, observability.L("use_case", useCaseOrderCreate))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
		}
		if orderID != "" {
			fields = append(fields, observability.F("order_id", orderID))
		}
		if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
			fields = append(fields,
				observability.F("trace_id", sc.TraceID().String()),
				observability.F("span_id", sc.SpanID().String()),
			)
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}

		logger.Info("use_case_done", fields...)
	}()

	if verr := validateCreate(cmd); verr != nil {
		outcome, statusText = "error", "VALIDATION_FAILED"
		return nil, verr
	}
	if err := ctx.Err(); err != nil {
		outcome, statusText = "error", "CONTEXT_CANCELED"
		return nil, err
	}

	orderID = uc.idGenerator.NewID()
	span.SetAttributes(attribute.String("order.id", orderID))

	lines, decremented, err := uc.takeStock(ctx, orderID, cmd.Items)
	if err != nil {
		outcome, statusText = "error", takeStockStatus(err)
		uc.rollback(ctx, logger, orderID, decremented)
		return nil, err
	}

	entity, err := domorder.New(
		orderID,
		cmd.TenantID,
		newOrderNumber(),
		domorder.Customer{
			Name:         cmd.Customer.Name,
			Email:        cmd.Customer.Email,
			Phone:        cmd.Customer.Phone,
			TaxID:        cmd.Customer.TaxID,
			TaxCondition: cmd.Customer.TaxCondition,
		},
		lines,
		cmd.ShippingMethod,
		ShippingFee(cmd.ShippingMethod),
		cmd.PaymentMethod,
	)
	if err != nil {
		outcome, statusText = "error", "DOMAIN_CONSTRUCTION_FAILED"
		uc.rollback(ctx, logger, orderID, decremented)
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	if err := uc.orders.Insert(ctx, entity); err != nil {
		outcome, statusText = "error", "REPO_INSERT_FAILED"
		uc.rollback(ctx, logger, orderID, decremented)
		return nil, fmt.Errorf("%w: %w", ErrRepository, err)
	}

	result := &CreateOrderResult{Order: entity}

	// Invoice issuance waits for payment confirmation regardless of method:
	// gateway orders get it from the webhook reconciler, out-of-band orders
	// from the explicit payment confirmation.
	if cmd.PaymentMethod.RequiresExternalConfirmation() {
		result.PaymentURL = uc.enqueuePreference(ctx, logger, entity)
	}

	span.AddEvent("order.created",
		trace.WithAttributes(
			attribute.String("order.id", orderID),
			attribute.Int64("order.total", entity.Total),
		),
	)

	if refreshed, gerr := uc.orders.Get(ctx, orderID); gerr == nil {
		result.Order = refreshed
	}
	return result, nil
}

// takeStock decrements each line atomically and reports which product lines
// were taken so the caller can compensate on failure.
func (uc *CreateOrderUseCase) takeStock(ctx context.Context, orderID string, items []ItemInput) ([]domorder.Item, []ItemInput, error) {
	lines := make([]domorder.Item, 0, len(items))
	decremented := make([]ItemInput, 0, len(items))

	for _, item := range items {
		product, err := uc.catalog.Get(ctx, item.ProductID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return nil, decremented, fmt.Errorf("%w: %s", ErrProductNotFound, item.ProductID)
			}
			return nil, decremented, fmt.Errorf("%w: %w", ErrRepository, err)
		}

		if _, err := uc.ledger.ReserveAndDecrement(ctx, item.ProductID, item.Quantity, orderID); err != nil {
			switch {
			case errors.Is(err, ledger.ErrInsufficientStock):
				return nil, decremented, fmt.Errorf("%w: %s", ErrInsufficientStock, item.ProductID)
			case errors.Is(err, ledger.ErrNotFound):
				return nil, decremented, fmt.Errorf("%w: %s", ErrProductNotFound, item.ProductID)
			case errors.Is(err, ledger.ErrInvalidQuantity):
				return nil, decremented, fmt.Errorf("%w: quantity for %s", ErrValidation, item.ProductID)
			default:
				return nil, decremented, fmt.Errorf("%w: %w", ErrRepository, err)
			}
		}
		decremented = append(decremented, item)

		lines = append(lines, domorder.Item{
			ProductID: product.ID,
			Name:      product.Name,
			UnitPrice: product.UnitPrice(),
			Quantity:  item.Quantity,
		})
	}
	return lines, decremented, nil
}

// rollback returns stock taken for lines that preceded a failure. Best
// effort; a failed restock is logged and left to the movement report.
func (uc *CreateOrderUseCase) rollback(ctx context.Context, logger observability.Logger, orderID string, decremented []ItemInput) {
	for _, item := range decremented {
		if _, err := uc.ledger.Restock(ctx, item.ProductID, item.Quantity, orderID, "checkout rollback"); err != nil {
			logger.Error("checkout_rollback_failed",
				observability.F("order_id", orderID),
				observability.F("product_id", item.ProductID),
				observability.F("quantity", item.Quantity),
				observability.F("error", err.Error()),
			)
		}
	}
}

// enqueuePreference queues the payment preference side effect and attempts
// one synchronous dispatch so the happy path can return a redirect URL.
func (uc *CreateOrderUseCase) enqueuePreference(ctx context.Context, logger observability.Logger, entity *domorder.Order) string {
	payload, _ := json.Marshal(map[string]string{"order_id": entity.ID})
	item, _, err := uc.outbox.Enqueue(ctx, domoutbox.KindPaymentPreference, entity.ID, payload)
	if err != nil {
		logger.Error("payment_preference_enqueue_failed",
			observability.F("order_id", entity.ID),
			observability.F("error", err.Error()),
		)
		return ""
	}

	if uc.trigger == nil {
		return ""
	}
	if err := uc.trigger.TryDispatch(ctx, item.ID); err != nil {
		logger.Warn("payment_preference_dispatch_deferred",
			observability.F("order_id", entity.ID),
			observability.F("error", err.Error()),
		)
		uc.trigger.Wake()
		return ""
	}

	dispatched, err := uc.outbox.Get(ctx, item.ID)
	if err != nil || dispatched.Status != domoutbox.StatusCompleted {
		return ""
	}
	var result struct {
		RedirectURL string `json:"redirect_url"`
	}
	if err := json.Unmarshal(dispatched.Result, &result); err != nil {
		return ""
	}
	return result.RedirectURL
}

func validateCreate(cmd CreateOrderInput) error {
	if cmd.Customer.Name == "" {
		return fmt.Errorf("%w: customer name is required", ErrValidation)
	}
	if cmd.Customer.Email == "" {
		return fmt.Errorf("%w: customer email is required", ErrValidation)
	}
	if len(cmd.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrValidation)
	}
	for _, item := range cmd.Items {
		if item.ProductID == "" {
			return fmt.Errorf("%w: product id is required", ErrValidation)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: quantity must be greater than zero", ErrValidation)
		}
	}
	switch cmd.PaymentMethod {
	case domorder.PaymentGateway, domorder.PaymentOnDelivery:
	default:
		return fmt.Errorf("%w: unknown payment method %q", ErrValidation, cmd.PaymentMethod)
	}
	return nil
}

func takeStockStatus(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientStock):
		return "INSUFFICIENT_STOCK"
	case errors.Is(err, ErrProductNotFound):
		return "PRODUCT_NOT_FOUND"
	case errors.Is(err, ErrValidation):
		return "VALIDATION_FAILED"
	default:
		return "STOCK_DECREMENT_FAILED"
	}
}

func newOrderNumber() string {
	return fmt.Sprintf("VL-%d", time.Now().UnixMilli())
}
