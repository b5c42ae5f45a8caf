package catalog

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("catalog: product not found")

// Product is referenced by the fulfillment core but not owned by it. Stock is
// mutated exclusively through the inventory ledger; everything else is
// read-only here.
type Product struct {
	ID        string
	TenantID  string
	Name      string
	Price     int64
	SalePrice int64
	Stock     int
	UpdatedAt time.Time
}

// UnitPrice returns the effective price for a new order line: the sale price
// when one is set, otherwise the list price.
func (p *Product) UnitPrice() int64 {
	if p.SalePrice > 0 {
		return p.SalePrice
	}
	return p.Price
}

type Repository interface {
	Get(ctx context.Context, id string) (*Product, error)
	Save(ctx context.Context, product *Product) error
}
