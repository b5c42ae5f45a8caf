package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ventalocal/fulfillment/internal/domain/billing"
	domorder "github.com/ventalocal/fulfillment/internal/domain/order"
	domain "github.com/ventalocal/fulfillment/internal/domain/outbox"
	"github.com/ventalocal/fulfillment/internal/domain/payment"
	"github.com/ventalocal/fulfillment/internal/observability"
)

const (
	peerTaxAuthority    = "tax-authority"
	peerPaymentProvider = "payment-provider"

	endpointInvoiceIssue      = "invoice.issue"
	endpointInvoiceCancel     = "invoice.cancel"
	endpointPaymentPreference = "payment.preference"
)

// PaymentPreferencePayload asks the payment provider for a hosted checkout
// link for the given order.
type PaymentPreferencePayload struct {
	OrderID string `json:"order_id"`
}

// InvoiceCancelPayload voids a previously issued invoice.
type InvoiceCancelPayload struct {
	InvoiceID string `json:"invoice_id"`
	Reason    string `json:"reason"`
}

// externalCall wraps one provider call with the external-request metrics.
type externalCall struct {
	counter   observability.Counter
	histogram observability.Histogram
	peer      string
}

func newExternalCall(tel observability.Observability, peer string) externalCall {
	metricsProvider := observability.NopMetrics()
	if tel != nil {
		metricsProvider = tel.Metrics()
	}
	return externalCall{
		counter:   metricsProvider.Counter(observability.MExternalRequests),
		histogram: metricsProvider.Histogram(observability.MExternalRequestDuration),
		peer:      peer,
	}
}

func (c externalCall) do(endpoint string, fn func() error) error {
	start := time.Now()
	err := fn()
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	c.counter.Add(1,
		observability.L("peer", c.peer),
		observability.L("endpoint", endpoint),
		observability.L("outcome", outcome),
	)
	c.histogram.Observe(time.Since(start).Seconds(),
		observability.L("peer", c.peer),
		observability.L("endpoint", endpoint),
	)
	return err
}

// InvoiceIssueHandler sends an invoice draft to the tax adapter. The draft is
// validated before the external call so malformed payloads fail permanently
// without consuming retry attempts.
type InvoiceIssueHandler struct {
	adapter billing.TaxAdapter
	call    externalCall
}

func NewInvoiceIssueHandler(adapter billing.TaxAdapter, tel observability.Observability) *InvoiceIssueHandler {
	return &InvoiceIssueHandler{
		adapter: adapter,
		call:    newExternalCall(tel, peerTaxAuthority),
	}
}

func (h *InvoiceIssueHandler) Kind() domain.Kind { return domain.KindInvoiceIssue }

func (h *InvoiceIssueHandler) Handle(ctx context.Context, item *domain.Item) ([]byte, error) {
	var draft billing.InvoiceDraft
	if err := json.Unmarshal(item.Payload, &draft); err != nil {
		return nil, Permanent(fmt.Errorf("decode invoice draft: %w", err))
	}
	if err := draft.Validate(); err != nil {
		return nil, Permanent(err)
	}

	var invoice *billing.IssuedInvoice
	err := h.call.do(endpointInvoiceIssue, func() error {
		var issueErr error
		invoice, issueErr = h.adapter.Issue(ctx, draft)
		return issueErr
	})
	if err != nil {
		if billing.IsRetryable(err) {
			return nil, err
		}
		return nil, Permanent(err)
	}
	return json.Marshal(invoice)
}

// InvoiceCancelHandler voids an invoice after its order was cancelled.
type InvoiceCancelHandler struct {
	adapter billing.TaxAdapter
	call    externalCall
}

func NewInvoiceCancelHandler(adapter billing.TaxAdapter, tel observability.Observability) *InvoiceCancelHandler {
	return &InvoiceCancelHandler{
		adapter: adapter,
		call:    newExternalCall(tel, peerTaxAuthority),
	}
}

func (h *InvoiceCancelHandler) Kind() domain.Kind { return domain.KindInvoiceCancel }

func (h *InvoiceCancelHandler) Handle(ctx context.Context, item *domain.Item) ([]byte, error) {
	var payload InvoiceCancelPayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return nil, Permanent(fmt.Errorf("decode invoice cancel payload: %w", err))
	}
	if payload.InvoiceID == "" {
		return nil, Permanent(errors.New("invoice id is required"))
	}

	err := h.call.do(endpointInvoiceCancel, func() error {
		return h.adapter.Cancel(ctx, payload.InvoiceID, payload.Reason)
	})
	if err != nil {
		if billing.IsRetryable(err) {
			return nil, err
		}
		return nil, Permanent(err)
	}
	return json.Marshal(map[string]any{"cancelled": true, "invoice_id": payload.InvoiceID})
}

// PaymentPreferenceHandler creates the provider-hosted checkout link for an
// order and records the provider's external reference on the order, which is
// what webhook reconciliation later keys on.
type PaymentPreferenceHandler struct {
	adapter         payment.Adapter
	orders          domorder.Repository
	backURLBase     string
	notificationURL string
	call            externalCall
}

func NewPaymentPreferenceHandler(adapter payment.Adapter, orders domorder.Repository, backURLBase, notificationURL string, tel observability.Observability) *PaymentPreferenceHandler {
	return &PaymentPreferenceHandler{
		adapter:         adapter,
		orders:          orders,
		backURLBase:     backURLBase,
		notificationURL: notificationURL,
		call:            newExternalCall(tel, peerPaymentProvider),
	}
}

func (h *PaymentPreferenceHandler) Kind() domain.Kind { return domain.KindPaymentPreference }

func (h *PaymentPreferenceHandler) Handle(ctx context.Context, item *domain.Item) ([]byte, error) {
	var payload PaymentPreferencePayload
	if err := json.Unmarshal(item.Payload, &payload); err != nil {
		return nil, Permanent(fmt.Errorf("decode payment preference payload: %w", err))
	}

	o, err := h.orders.Get(ctx, payload.OrderID)
	if err != nil {
		if errors.Is(err, domorder.ErrNotFound) {
			return nil, Permanent(fmt.Errorf("order %s not found", payload.OrderID))
		}
		return nil, err
	}
	if o.Status.IsTerminal() {
		return nil, Permanent(fmt.Errorf("order %s is %s", o.ID, o.Status))
	}

	items := make([]payment.PreferenceItem, len(o.Items))
	for i, line := range o.Items {
		items[i] = payment.PreferenceItem{
			Title:     line.Name,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
		}
	}

	var pref *payment.Preference
	err = h.call.do(endpointPaymentPreference, func() error {
		var prefErr error
		pref, prefErr = h.adapter.CreatePreference(ctx, payment.PreferenceRequest{
			OrderID:         o.ID,
			ExternalRef:     o.ID,
			Items:           items,
			BackURLBase:     h.backURLBase,
			NotificationURL: h.notificationURL,
		})
		return prefErr
	})
	if err != nil {
		return nil, err
	}

	o.PaymentRef = pref.ExternalRef
	if err := h.orders.Update(ctx, o); err != nil {
		return nil, fmt.Errorf("record payment ref: %w", err)
	}

	return json.Marshal(map[string]string{
		"redirect_url": pref.RedirectURL,
		"external_ref": pref.ExternalRef,
	})
}
