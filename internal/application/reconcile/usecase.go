// Package reconcile applies asynchronous payment provider notifications to
// orders. Delivery is at least once; every path here must collapse duplicate
// notifications into a single effect.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	appbilling "github.com/ventalocal/fulfillment/internal/application/billing"
	"github.com/ventalocal/fulfillment/internal/application/ledger"
	domorder "github.com/ventalocal/fulfillment/internal/domain/order"
	domoutbox "github.com/ventalocal/fulfillment/internal/domain/outbox"
	"github.com/ventalocal/fulfillment/internal/domain/payment"
	"github.com/ventalocal/fulfillment/internal/observability"
	"github.com/ventalocal/fulfillment/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	reconcileService     = "reconcile-service"
	useCasePaymentNotify = "reconcile.payment_notification"
	spanPrefix           = "UC."
)

// Waker nudges the outbox dispatcher after an enqueue.
type Waker interface {
	Wake()
}

type Result struct {
	// Applied is false for duplicates, unknown references and non-terminal
	// provider states. The webhook is acked either way.
	Applied bool
	OrderID string
}

type UseCase struct {
	orders      domorder.Repository
	ledger      *ledger.Service
	outbox      domoutbox.Store
	waker       Waker
	pointOfSale int

	tel          observability.Observability
	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewUseCase(
	orders domorder.Repository,
	ledgerSvc *ledger.Service,
	outboxStore domoutbox.Store,
	waker Waker,
	pointOfSale int,
	tel observability.Observability,
) *UseCase {
	baseLog := observability.NopLogger()
	metricsProvider := observability.NopMetrics()
	if tel != nil {
		baseLog = tel.Logger()
		metricsProvider = tel.Metrics()
	}

	return &UseCase{
		orders:       orders,
		ledger:       ledgerSvc,
		outbox:       outboxStore,
		waker:        waker,
		pointOfSale:  pointOfSale,
		tel:          tel,
		log:          baseLog.With(observability.F("service", reconcileService)),
		reqCounter:   metricsProvider.Counter(observability.MUsecaseRequests),
		durHistogram: metricsProvider.Histogram(observability.MUsecaseDuration),
	}
}

// Execute reconciles one provider notification with the order it refers to.
// The caller acks the webhook regardless of the outcome here.
func (uc *UseCase) Execute(ctx context.Context, n payment.Notification) (_ *Result, err error) {
	logger := logctx.FromOr(ctx, uc.log).With(
		observability.F("use_case", useCasePaymentNotify),
		observability.F("external_ref", n.ExternalRef),
		observability.F("provider_status", string(n.Status)),
	)

	tracer := observability.NopTracer()
	if uc.tel != nil {
		tracer = uc.tel.Tracer()
	}
	ctx, span := tracer.Start(ctx, spanPrefix+"ReconcilePayment",
		attribute.String("use_case", useCasePaymentNotify),
		attribute.String("payment.external_ref", n.ExternalRef),
		attribute.String("payment.status", string(n.Status)),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"

	defer func() {
		if err != nil && outcome == "success" {
			outcome, statusText = "error", "RECONCILE_FAILED"
		}
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
			observability.L("use_case", useCasePaymentNotify),
			observability.L("outcome", outcome),
		)
		uc.durHistogram.Observe(time.Since(start).Seconds(),
			observability.L("use_case", useCasePaymentNotify),
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

	if n.ExternalRef == "" {
		statusText = "MISSING_EXTERNAL_REF"
		logger.Warn("payment_notification_without_reference")
		return &Result{}, nil
	}

	entity, err := uc.orders.FindByPaymentRef(ctx, n.ExternalRef)
	if err != nil {
		if errors.Is(err, domorder.ErrNotFound) {
			// Unknown reference. Ack so the provider stops redelivering;
			// nothing here can be reconciled.
			statusText = "ORDER_NOT_FOUND"
			logger.Warn("payment_notification_unmatched")
			return &Result{}, nil
		}
		outcome, statusText = "error", "LOOKUP_FAILED"
		return nil, fmt.Errorf("reconcile: lookup: %w", err)
	}

	switch n.Status {
	case payment.NotificationApproved:
		return uc.applyApproved(ctx, logger, entity, n)
	case payment.NotificationRejected:
		return uc.applyRejected(ctx, logger, entity, n)
	default:
		statusText = "PROVIDER_STATUS_IGNORED"
		return &Result{OrderID: entity.ID}, nil
	}
}

func (uc *UseCase) applyApproved(ctx context.Context, logger observability.Logger, entity *domorder.Order, n payment.Notification) (*Result, error) {
	if entity.PaymentStatus == domorder.PaymentPaid {
		logger.Info("payment_notification_duplicate")
		return &Result{OrderID: entity.ID}, nil
	}

	if err := entity.MarkPaid(n.ExternalRef); err != nil {
		// The order reached a state where payment can no longer apply, for
		// example it was cancelled while the webhook was in flight.
		logger.Warn("payment_confirmation_inapplicable",
			observability.F("order_status", string(entity.Status)),
			observability.F("error", err.Error()),
		)
		return &Result{OrderID: entity.ID}, nil
	}
	if err := uc.orders.Update(ctx, entity); err != nil {
		return nil, fmt.Errorf("reconcile: update order: %w", err)
	}

	draft := appbilling.DraftFromOrder(entity, uc.pointOfSale)
	payload, err := json.Marshal(draft)
	if err != nil {
		logger.Error("invoice_enqueue_failed", observability.F("error", err.Error()))
		return &Result{Applied: true, OrderID: entity.ID}, nil
	}
	if _, _, err := uc.outbox.Enqueue(ctx, domoutbox.KindInvoiceIssue, entity.ID, payload); err != nil {
		logger.Error("invoice_enqueue_failed", observability.F("error", err.Error()))
		return &Result{Applied: true, OrderID: entity.ID}, nil
	}
	if uc.waker != nil {
		uc.waker.Wake()
	}

	return &Result{Applied: true, OrderID: entity.ID}, nil
}

func (uc *UseCase) applyRejected(ctx context.Context, logger observability.Logger, entity *domorder.Order, n payment.Notification) (*Result, error) {
	if entity.PaymentStatus == domorder.PaymentFailed {
		logger.Info("payment_notification_duplicate")
		return &Result{OrderID: entity.ID}, nil
	}

	reason := n.Detail
	if reason == "" {
		reason = "payment rejected by provider"
	}
	if err := entity.MarkPaymentFailed(reason); err != nil {
		logger.Warn("payment_failure_inapplicable",
			observability.F("order_status", string(entity.Status)),
			observability.F("error", err.Error()),
		)
		return &Result{OrderID: entity.ID}, nil
	}
	if err := uc.orders.Update(ctx, entity); err != nil {
		return nil, fmt.Errorf("reconcile: update order: %w", err)
	}

	// Release the stock the order was holding.
	for _, line := range entity.Items {
		if _, err := uc.ledger.Restock(ctx, line.ProductID, line.Quantity, entity.ID, "payment rejected"); err != nil {
			logger.Error("reject_restock_failed",
				observability.F("product_id", line.ProductID),
				observability.F("quantity", line.Quantity),
				observability.F("error", err.Error()),
			)
		}
	}

	return &Result{Applied: true, OrderID: entity.ID}, nil
}
