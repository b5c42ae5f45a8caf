package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ventalocal/fulfillment/internal/application/billing"
	domorder "github.com/ventalocal/fulfillment/internal/domain/order"
	domoutbox "github.com/ventalocal/fulfillment/internal/domain/outbox"
	"github.com/ventalocal/fulfillment/internal/observability"
	"github.com/ventalocal/fulfillment/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const useCasePaymentConfirm = "checkout.confirm_payment"

// ConfirmPaymentUseCase records an out-of-band settlement, for example cash
// collected on delivery. Gateway orders are settled by the webhook reconciler
// instead; this is the operator-facing counterpart. Invoice issuance is armed
// here, never at order creation.
type ConfirmPaymentUseCase struct {
	orders      domorder.Repository
	outbox      domoutbox.Store
	trigger     DispatchTrigger
	pointOfSale int

	tel          observability.Observability
	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewConfirmPaymentUseCase(
	orders domorder.Repository,
	outboxStore domoutbox.Store,
	trigger DispatchTrigger,
	pointOfSale int,
	tel observability.Observability,
) *ConfirmPaymentUseCase {
	baseLog := observability.NopLogger()
	metricsProvider := observability.NopMetrics()
	if tel != nil {
		baseLog = tel.Logger()
		metricsProvider = tel.Metrics()
	}

	return &ConfirmPaymentUseCase{
		orders:       orders,
		outbox:       outboxStore,
		trigger:      trigger,
		pointOfSale:  pointOfSale,
		tel:          tel,
		log:          baseLog.With(observability.F("service", checkoutService)),
		reqCounter:   metricsProvider.Counter(observability.MUsecaseRequests),
		durHistogram: metricsProvider.Histogram(observability.MUsecaseDuration),
	}
}

// Execute marks the order paid and queues invoice issuance. Idempotent:
// confirming an already-paid order changes nothing and enqueues nothing new.
func (uc *ConfirmPaymentUseCase) Execute(ctx context.Context, orderID, reference string) (_ *domorder.Order, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCasePaymentConfirm),
		observability.F("order_id", orderID),
	)

	tracer := observability.NopTracer()
	if uc.tel != nil {
		tracer = uc.tel.Tracer()
	}
	ctx, span := tracer.Start(ctx, spanPrefix+"ConfirmPayment",
		attribute.String("use_case", useCasePaymentConfirm),
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
			observability.L("use_case", useCasePaymentConfirm),
			observability.L("outcome", outcome),
		)
		uc.durHistogram.Observe(time.Since(start).Seconds(),
			observability.L("use_case", useCasePaymentConfirm),
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

	if entity.PaymentStatus == domorder.PaymentPaid {
		statusText = "ALREADY_PAID"
		logger.Info("payment_confirmation_duplicate")
		return entity, nil
	}

	if err := entity.MarkPaid(reference); err != nil {
		outcome, statusText = "error", "INVALID_TRANSITION"
		return nil, err
	}
	if err := uc.orders.Update(ctx, entity); err != nil {
		outcome, statusText = "error", "REPO_UPDATE_FAILED"
		return nil, fmt.Errorf("%w: %w", ErrRepository, err)
	}

	uc.enqueueInvoice(ctx, logger, entity)

	return entity, nil
}

// enqueueInvoice queues invoice issuance for the now-settled order.
func (uc *ConfirmPaymentUseCase) enqueueInvoice(ctx context.Context, logger observability.Logger, entity *domorder.Order) {
	draft := billing.DraftFromOrder(entity, uc.pointOfSale)
	payload, err := json.Marshal(draft)
	if err != nil {
		logger.Error("invoice_enqueue_failed",
			observability.F("order_id", entity.ID),
			observability.F("error", err.Error()),
		)
		return
	}
	if _, _, err := uc.outbox.Enqueue(ctx, domoutbox.KindInvoiceIssue, entity.ID, payload); err != nil {
		logger.Error("invoice_enqueue_failed",
			observability.F("order_id", entity.ID),
			observability.F("error", err.Error()),
		)
		return
	}
	if uc.trigger != nil {
		uc.trigger.Wake()
	}
}
