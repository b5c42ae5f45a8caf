package billing

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	domain "github.com/ventalocal/fulfillment/internal/domain/billing"
)

// MockTaxAdapter simulates the tax authority for demo and test environments.
// It honors the full capability contract, including rendered documents and
// the health check, with configurable latency.
type MockTaxAdapter struct {
	mu      sync.Mutex
	rng     *rand.Rand
	latency time.Duration
	issued  map[string]domain.IssuedInvoice
}

func NewMockTaxAdapter(latency time.Duration) *MockTaxAdapter {
	return &MockTaxAdapter{
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		latency: latency,
		issued:  make(map[string]domain.IssuedInvoice),
	}
}

func (a *MockTaxAdapter) Issue(ctx context.Context, draft domain.InvoiceDraft) (*domain.IssuedInvoice, error) {
	if err := a.sleep(ctx); err != nil {
		return nil, domain.Remote("issue", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := time.Now().UTC()
	id := fmt.Sprintf("VL_%d_%06d", now.UnixMilli(), a.rng.Intn(1000000))
	invoice := domain.IssuedInvoice{
		InvoiceID:     id,
		CAE:           a.cae(),
		CAEDueDate:    now.Add(10 * 24 * time.Hour),
		InvoiceNumber: a.invoiceNumber(draft.PointOfSale),
		// Document lookups key on the invoice id.
		PDFURL:   fmt.Sprintf("/api/billing/invoices/%s/document", id),
		IssuedAt: now,
	}
	a.issued[invoice.InvoiceID] = invoice
	return &invoice, nil
}

func (a *MockTaxAdapter) Cancel(ctx context.Context, invoiceID, reason string) error {
	_ = reason
	if err := a.sleep(ctx); err != nil {
		return domain.Remote("cancel", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.issued, invoiceID)
	return nil
}

func (a *MockTaxAdapter) Document(ctx context.Context, invoiceID string) ([]byte, error) {
	if err := a.sleep(ctx); err != nil {
		return nil, domain.Remote("document", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	invoice, ok := a.issued[invoiceID]
	if !ok {
		return nil, domain.ErrDocumentNotFound
	}

	doc := fmt.Sprintf(
		"VentaLocal - Factura Electronica\n\nFactura: %s\nCAE: %s\nValido hasta: %s\n",
		invoice.InvoiceNumber,
		invoice.CAE,
		invoice.CAEDueDate.Format("2006-01-02"),
	)
	return []byte(doc), nil
}

func (a *MockTaxAdapter) Health(ctx context.Context) (domain.Health, error) {
	start := time.Now()
	if err := a.sleep(ctx); err != nil {
		return domain.Health{OK: false, LatencyMs: -1}, domain.Remote("health", err)
	}
	return domain.Health{OK: true, LatencyMs: time.Since(start).Milliseconds()}, nil
}

func (a *MockTaxAdapter) sleep(ctx context.Context) error {
	if a.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(a.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// cae produces a realistic-looking 14 digit approval code.
func (a *MockTaxAdapter) cae() string {
	return fmt.Sprintf("%014d", a.rng.Int63n(1e14))
}

func (a *MockTaxAdapter) invoiceNumber(pointOfSale int) string {
	return fmt.Sprintf("%04d-%08d", pointOfSale, a.rng.Intn(100000000))
}
