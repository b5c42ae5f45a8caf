package inventory

import (
	"errors"
	"time"
)

var (
	ErrInvalidQuantity   = errors.New("inventory: quantity must be greater than zero")
	ErrInsufficientStock = errors.New("inventory: insufficient stock")
)

type MovementType string

const (
	MovementSale       MovementType = "SALE"
	MovementAdjustment MovementType = "ADJUSTMENT"
	MovementReturn     MovementType = "RETURN"
)

// Movement is an immutable ledger entry recording a stock change and its
// cause. The sum of QuantityDelta for a product always equals its current
// stock minus its initial stock.
type Movement struct {
	ID            string
	ProductID     string
	Type          MovementType
	QuantityDelta int
	Reference     string
	Reason        string
	CreatedBy     string
	CreatedAt     time.Time
}

// Filter narrows the read-only movements report.
type Filter struct {
	ProductID string
	Type      MovementType
	From      time.Time
	To        time.Time
	Limit     int
}

// Matches reports whether the movement passes the filter.
func (f Filter) Matches(m *Movement) bool {
	if f.ProductID != "" && m.ProductID != f.ProductID {
		return false
	}
	if f.Type != "" && m.Type != f.Type {
		return false
	}
	if !f.From.IsZero() && m.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && m.CreatedAt.After(f.To) {
		return false
	}
	return true
}
