package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/ventalocal/fulfillment/internal/domain/order"
)

type OrderRepository struct {
	mu          sync.RWMutex
	orders      map[string]*domain.Order
	paymentRefs map[string]string
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		orders:      make(map[string]*domain.Order),
		paymentRefs: make(map[string]string),
	}
}

func (r *OrderRepository) Insert(ctx context.Context, order *domain.Order) error {
	_ = ctx
	if order == nil || order.ID == "" {
		return fmt.Errorf("order repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; exists {
		return domain.ErrConflict
	}

	r.orders[order.ID] = order.Clone()
	if order.PaymentRef != "" {
		r.paymentRefs[order.PaymentRef] = order.ID
	}
	return nil
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*domain.Order, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	order, ok := r.orders[id]
	if !ok {
		return nil, domain.ErrNotFound
	}

	return order.Clone(), nil
}

func (r *OrderRepository) Update(ctx context.Context, order *domain.Order) error {
	_ = ctx
	if order == nil || order.ID == "" {
		return fmt.Errorf("order repository: id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orders[order.ID]; !exists {
		return domain.ErrNotFound
	}

	r.orders[order.ID] = order.Clone()
	if order.PaymentRef != "" {
		r.paymentRefs[order.PaymentRef] = order.ID
	}
	return nil
}

func (r *OrderRepository) FindByPaymentRef(ctx context.Context, ref string) (*domain.Order, error) {
	_ = ctx
	if ref == "" {
		return nil, domain.ErrNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	// The payment ref defaults to the order id until the preference dispatch
	// records the provider-side reference.
	if order, ok := r.orders[ref]; ok {
		return order.Clone(), nil
	}

	orderID, ok := r.paymentRefs[ref]
	if !ok {
		return nil, domain.ErrNotFound
	}
	order, found := r.orders[orderID]
	if !found {
		return nil, domain.ErrNotFound
	}
	return order.Clone(), nil
}

func (r *OrderRepository) ListPaidBetween(ctx context.Context, from, to time.Time) ([]*domain.Order, error) {
	_ = ctx

	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Order, 0)
	for _, order := range r.orders {
		if order.PaymentStatus != domain.PaymentPaid {
			continue
		}
		if !from.IsZero() && order.CreatedAt.Before(from) {
			continue
		}
		if !to.IsZero() && order.CreatedAt.After(to) {
			continue
		}
		out = append(out, order.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}
