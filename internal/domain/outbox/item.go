package outbox

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("outbox: item not found")
	// ErrNotClaimable is returned when an item cannot be moved to PROCESSING
	// because another worker holds it or it is not due.
	ErrNotClaimable = errors.New("outbox: item not claimable")
	// ErrNotFailed is returned when requeueing an item that is not FAILED.
	ErrNotFailed = errors.New("outbox: only failed items can be requeued")
	// ErrConflict is returned when requeueing a FAILED item whose
	// (kind, correlation key) pair already has a live replacement.
	ErrConflict = errors.New("outbox: a live item exists for this correlation key")
)

type Kind string

const (
	KindPaymentPreference Kind = "PAYMENT_PREFERENCE"
	KindInvoiceIssue      Kind = "INVOICE_ISSUE"
	KindInvoiceCancel     Kind = "INVOICE_CANCEL"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Item is one durable unit of side-effecting work. At most one non-FAILED
// item exists per (Kind, CorrelationKey); that pair is the idempotency
// boundary preventing duplicate invoices or payment links for an order.
type Item struct {
	ID             string
	Kind           Kind
	CorrelationKey string
	Payload        json.RawMessage
	Status         Status
	Attempts       int
	NextAttemptAt  time.Time
	LastError      string
	Result         json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (i *Item) Clone() *Item {
	clone := *i
	clone.Payload = append(json.RawMessage(nil), i.Payload...)
	clone.Result = append(json.RawMessage(nil), i.Result...)
	return &clone
}
