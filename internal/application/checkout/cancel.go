package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ventalocal/fulfillment/internal/application/ledger"
	domorder "github.com/ventalocal/fulfillment/internal/domain/order"
	domoutbox "github.com/ventalocal/fulfillment/internal/domain/outbox"
	"github.com/ventalocal/fulfillment/internal/observability"
	"github.com/ventalocal/fulfillment/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const useCaseOrderCancel = "checkout.cancel_order"

var (
	ErrOrderNotFound     = errors.New("checkout: order not found")
	ErrInvalidTransition = domorder.ErrInvalidStateTransition
)

type CancelOrderUseCase struct {
	orders  domorder.Repository
	ledger  *ledger.Service
	outbox  domoutbox.Store
	trigger DispatchTrigger

	tel          observability.Observability
	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewCancelOrderUseCase(
	orders domorder.Repository,
	ledgerSvc *ledger.Service,
	outboxStore domoutbox.Store,
	trigger DispatchTrigger,
	tel observability.Observability,
) *CancelOrderUseCase {
	baseLog := observability.NopLogger()
	metricsProvider := observability.NopMetrics()
	if tel != nil {
		baseLog = tel.Logger()
		metricsProvider = tel.Metrics()
	}

	return &CancelOrderUseCase{
		orders:       orders,
		ledger:       ledgerSvc,
		outbox:       outboxStore,
		trigger:      trigger,
		tel:          tel,
		log:          baseLog.With(observability.F("service", checkoutService)),
		reqCounter:   metricsProvider.Counter(observability.MUsecaseRequests),
		durHistogram: metricsProvider.Histogram(observability.MUsecaseDuration),
	}
}

// Execute cancels an order: guard the transition, return held stock and, if
// an invoice was already issued, queue its cancellation.
func (uc *CancelOrderUseCase) Execute(ctx context.Context, orderID, reason string) (_ *domorder.Order, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCaseOrderCancel),
		observability.F("order_id", orderID),
	)

	tracer := observability.NopTracer()
	if uc.tel != nil {
		tracer = uc.tel.Tracer()
	}
	ctx, span := tracer.Start(ctx, spanPrefix+"CancelOrder",
		attribute.String("use_case", useCaseOrderCancel),
		attribute.String("order.id", orderID),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"

	defer func() {
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
			observability.L("use_case", useCaseOrderCancel),
			observability.L("outcome", outcome),
		)
		uc.durHistogram.Observe(time.Since(start).Seconds(),
			observability.L("use_case", useCaseOrderCancel),
		)

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	entity, err := uc.orders.Get(ctx, orderID)
	if err != nil {
		outcome, statusText = "error", "ORDER_NOT_FOUND"
		if errors.Is(err, domorder.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("%w: %w", ErrRepository, err)
	}

	// Failed-payment orders already had their stock returned by the webhook
	// reconciler; everything else still holds its lines.
	holdsStock := entity.PaymentStatus != domorder.PaymentFailed

	if err := entity.Cancel(reason); err != nil {
		outcome, statusText = "error", "INVALID_TRANSITION"
		return nil, err
	}
	if err := uc.orders.Update(ctx, entity); err != nil {
		outcome, statusText = "error", "REPO_UPDATE_FAILED"
		return nil, fmt.Errorf("%w: %w", ErrRepository, err)
	}

	if holdsStock {
		for _, line := range entity.Items {
			if _, rerr := uc.ledger.Restock(ctx, line.ProductID, line.Quantity, entity.ID, "order cancelled"); rerr != nil {
				logger.Error("cancel_restock_failed",
					observability.F("product_id", line.ProductID),
					observability.F("quantity", line.Quantity),
					observability.F("error", rerr.Error()),
				)
			}
		}
	}

	uc.enqueueInvoiceCancel(ctx, logger, entity, reason)

	return entity, nil
}

// enqueueInvoiceCancel queues an invoice cancellation when issuance already
// completed for this order.
func (uc *CancelOrderUseCase) enqueueInvoiceCancel(ctx context.Context, logger observability.Logger, entity *domorder.Order, reason string) {
	issued, err := uc.outbox.Find(ctx, domoutbox.KindInvoiceIssue, entity.ID)
	if err != nil || issued.Status != domoutbox.StatusCompleted {
		return
	}

	var result struct {
		InvoiceID string `json:"invoice_id"`
	}
	if err := json.Unmarshal(issued.Result, &result); err != nil || result.InvoiceID == "" {
		logger.Error("invoice_cancel_result_unreadable",
			observability.F("outbox_item_id", issued.ID),
		)
		return
	}

	payload, _ := json.Marshal(map[string]string{
		"invoice_id": result.InvoiceID,
		"reason":     reason,
	})
	if _, _, err := uc.outbox.Enqueue(ctx, domoutbox.KindInvoiceCancel, entity.ID, payload); err != nil {
		logger.Error("invoice_cancel_enqueue_failed",
			observability.F("invoice_id", result.InvoiceID),
			observability.F("error", err.Error()),
		)
		return
	}
	if uc.trigger != nil {
		uc.trigger.Wake()
	}
}
