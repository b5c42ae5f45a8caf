// Package billing exposes invoice support operations: draft construction,
// adapter health and document retrieval. Issuance itself always goes through
// the outbox dispatcher.
package billing

import (
	"context"

	domain "github.com/ventalocal/fulfillment/internal/domain/billing"
	"github.com/ventalocal/fulfillment/internal/domain/order"
	"github.com/ventalocal/fulfillment/internal/domain/outbox"
)

// DraftFromOrder builds the invoice draft for an order. Consumer-facing
// invoice type B unless the customer is a registered taxpayer, which gets an
// A invoice.
func DraftFromOrder(o *order.Order, pointOfSale int) domain.InvoiceDraft {
	items := make([]domain.DraftItem, len(o.Items))
	for i, line := range o.Items {
		items[i] = domain.DraftItem{
			Description: line.Name,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
		}
	}

	condition := domain.TaxCondition(o.Customer.TaxCondition)
	if condition == "" {
		condition = domain.TaxConditionConsumer
	}
	invoiceType := domain.InvoiceTypeB
	if condition == domain.TaxConditionRegistered {
		invoiceType = domain.InvoiceTypeA
	}

	return domain.InvoiceDraft{
		OrderID: o.ID,
		Customer: domain.DraftCustomer{
			Name:         o.Customer.Name,
			Email:        o.Customer.Email,
			TaxID:        o.Customer.TaxID,
			TaxCondition: condition,
		},
		Items:       items,
		InvoiceType: invoiceType,
		PointOfSale: pointOfSale,
	}
}

// HealthReport combines the adapter health check with the outbox queue depth.
type HealthReport struct {
	Adapter      domain.Health `json:"adapter"`
	QueuePending int           `json:"queue_pending"`
}

type Service struct {
	adapter domain.TaxAdapter
	store   outbox.Store
}

func NewService(adapter domain.TaxAdapter, store outbox.Store) *Service {
	return &Service{adapter: adapter, store: store}
}

func (s *Service) Health(ctx context.Context) (HealthReport, error) {
	report := HealthReport{}

	health, err := s.adapter.Health(ctx)
	report.Adapter = health
	if err != nil {
		report.Adapter = domain.Health{OK: false, LatencyMs: -1}
	}

	pending, err := s.store.CountPending(ctx)
	if err != nil {
		return report, err
	}
	report.QueuePending = pending
	return report, nil
}

func (s *Service) Document(ctx context.Context, invoiceID string) ([]byte, error) {
	return s.adapter.Document(ctx, invoiceID)
}
