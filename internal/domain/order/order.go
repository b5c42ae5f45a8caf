package order

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound               = errors.New("order: not found")
	ErrConflict               = errors.New("order: conflict")
	ErrNoItems                = errors.New("order: at least one item is required")
	ErrInvalidQuantity        = errors.New("order: quantity must be greater than zero")
	ErrInvalidPrice           = errors.New("order: unit price must be greater than zero")
	ErrInvalidStateTransition = errors.New("order: invalid state transition")
)

type Status string

const (
	StatusCreated         Status = "CREATED"
	StatusAwaitingPayment Status = "AWAITING_PAYMENT"
	StatusProcessing      Status = "PROCESSING"
	StatusCancelled       Status = "CANCELLED"
	StatusFailed          Status = "FAILED"
	StatusShipped         Status = "SHIPPED"
	StatusDelivered       Status = "DELIVERED"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
)

type PaymentMethod string

const (
	// PaymentGateway settles through the external payment provider and needs
	// a payment preference plus an asynchronous confirmation webhook.
	PaymentGateway PaymentMethod = "GATEWAY"
	// PaymentOnDelivery settles out of band; no external side effects.
	PaymentOnDelivery PaymentMethod = "ON_DELIVERY"
)

// RequiresExternalConfirmation reports whether the method needs a payment
// preference and a provider webhook before the order can progress.
func (m PaymentMethod) RequiresExternalConfirmation() bool {
	return m == PaymentGateway
}

type Customer struct {
	Name  string
	Email string
	Phone string
	// Tax identity captured at checkout; invoice issuance may happen later,
	// after the provider confirms payment.
	TaxID        string
	TaxCondition string
}

// Item is the order's own snapshot of a product line. UnitPrice is captured
// at creation time and never recomputed from the live product.
type Item struct {
	ProductID string
	Name      string
	UnitPrice int64
	Quantity  int
	Total     int64
}

type Order struct {
	ID             string
	TenantID       string
	OrderNumber    string
	Customer       Customer
	Items          []Item
	Subtotal       int64
	Shipping       int64
	Total          int64
	ShippingMethod string
	PaymentMethod  PaymentMethod
	Status         Status
	PaymentStatus  PaymentStatus
	// PaymentRef is the provider-side external reference for this order,
	// set once the payment preference is created. Webhook reconciliation
	// keys its lookup on this value.
	PaymentRef    string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// New builds an order from snapshotted items. Subtotal and total are derived
// here and hold the invariant total = subtotal + shipping for the lifetime of
// the order.
func New(id, tenantID, orderNumber string, customer Customer, items []Item, shippingMethod string, shipping int64, paymentMethod PaymentMethod) (*Order, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}

	var subtotal int64
	snapshot := make([]Item, len(items))
	for i, item := range items {
		if item.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if item.UnitPrice <= 0 {
			return nil, ErrInvalidPrice
		}
		item.Total = item.UnitPrice * int64(item.Quantity)
		snapshot[i] = item
		subtotal += item.Total
	}

	status := StatusCreated
	if paymentMethod.RequiresExternalConfirmation() {
		status = StatusAwaitingPayment
	}

	now := time.Now().UTC()
	return &Order{
		ID:             id,
		TenantID:       tenantID,
		OrderNumber:    orderNumber,
		Customer:       customer,
		Items:          snapshot,
		Subtotal:       subtotal,
		Shipping:       shipping,
		Total:          subtotal + shipping,
		ShippingMethod: shippingMethod,
		PaymentMethod:  paymentMethod,
		Status:         status,
		PaymentStatus:  PaymentPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

func (o *Order) Clone() *Order {
	clone := *o
	clone.Items = append([]Item(nil), o.Items...)
	return &clone
}

func (o *Order) touch() {
	o.UpdatedAt = time.Now().UTC()
}

type Repository interface {
	Insert(ctx context.Context, order *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	Update(ctx context.Context, order *Order) error
	// FindByPaymentRef resolves the order a provider notification refers to.
	FindByPaymentRef(ctx context.Context, ref string) (*Order, error)
	// ListPaidBetween returns settled orders created inside the range, oldest
	// first, for read-only reporting. A zero bound is open-ended.
	ListPaidBetween(ctx context.Context, from, to time.Time) ([]*Order, error)
}
