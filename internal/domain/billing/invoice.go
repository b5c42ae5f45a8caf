package billing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidDraft marks a structurally invalid draft. Local validation
	// failure: surfaced immediately, never retried.
	ErrInvalidDraft = errors.New("billing: invalid draft")
	// ErrDocumentNotFound is returned when no rendered document exists for
	// an invoice id.
	ErrDocumentNotFound = errors.New("billing: document not found")
)

type TaxCondition string

const (
	TaxConditionRegistered TaxCondition = "RI"
	TaxConditionMonotax    TaxCondition = "MONO"
	TaxConditionConsumer   TaxCondition = "CF"
	TaxConditionExempt     TaxCondition = "EX"
)

type InvoiceType string

const (
	InvoiceTypeA InvoiceType = "A"
	InvoiceTypeB InvoiceType = "B"
	InvoiceTypeC InvoiceType = "C"
)

type DraftCustomer struct {
	Name         string       `json:"name"`
	Email        string       `json:"email"`
	TaxID        string       `json:"tax_id,omitempty"`
	TaxCondition TaxCondition `json:"tax_condition"`
}

type DraftItem struct {
	Description string `json:"description"`
	Quantity    int    `json:"quantity"`
	UnitPrice   int64  `json:"unit_price"`
}

// InvoiceDraft is the document sent to the tax authority adapter.
type InvoiceDraft struct {
	OrderID     string        `json:"order_id"`
	Customer    DraftCustomer `json:"customer"`
	Items       []DraftItem   `json:"items"`
	InvoiceType InvoiceType   `json:"invoice_type"`
	PointOfSale int           `json:"point_of_sale"`
}

// Validate checks the draft is structurally sound before dispatch. A failure
// here must fail the outbox item fast without consuming a retry attempt.
func (d InvoiceDraft) Validate() error {
	if d.OrderID == "" {
		return fmt.Errorf("%w: order id is required", ErrInvalidDraft)
	}
	if d.Customer.Name == "" {
		return fmt.Errorf("%w: customer name is required", ErrInvalidDraft)
	}
	if d.Customer.Email == "" {
		return fmt.Errorf("%w: customer email is required", ErrInvalidDraft)
	}
	if len(d.Items) == 0 {
		return fmt.Errorf("%w: at least one item is required", ErrInvalidDraft)
	}
	for i, item := range d.Items {
		if item.Quantity <= 0 {
			return fmt.Errorf("%w: item %d: quantity must be greater than zero", ErrInvalidDraft, i+1)
		}
		if item.UnitPrice <= 0 {
			return fmt.Errorf("%w: item %d: unit price must be greater than zero", ErrInvalidDraft, i+1)
		}
	}
	return nil
}

// IssuedInvoice is the adapter's answer: a government-style approval code
// (CAE) with its due date plus references to the rendered documents.
type IssuedInvoice struct {
	InvoiceID     string    `json:"invoice_id"`
	CAE           string    `json:"cae"`
	CAEDueDate    time.Time `json:"cae_due_date"`
	InvoiceNumber string    `json:"invoice_number"`
	PDFURL        string    `json:"pdf_url"`
	IssuedAt      time.Time `json:"issued_at"`
}

type Health struct {
	OK        bool  `json:"ok"`
	LatencyMs int64 `json:"latency_ms"`
}

// TaxAdapter is the invoice-issuing capability contract. Backends are
// interchangeable (mock vs real provider) and stateless; they are invoked
// only through the outbox dispatcher.
type TaxAdapter interface {
	Issue(ctx context.Context, draft InvoiceDraft) (*IssuedInvoice, error)
	Cancel(ctx context.Context, invoiceID, reason string) error
	Document(ctx context.Context, invoiceID string) ([]byte, error)
	Health(ctx context.Context) (Health, error)
}
