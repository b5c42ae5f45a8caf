package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ventalocal/fulfillment/internal/domain/catalog"
	"github.com/ventalocal/fulfillment/internal/domain/inventory"
)

// InventoryStore keeps products and their movement ledger in memory. It
// implements both catalog.Repository and inventory.Store. The check-and-apply
// critical section is serialized per product; the store-wide mutex only
// guards map and slice access.
type InventoryStore struct {
	mu        sync.RWMutex
	products  map[string]*catalog.Product
	movements []*inventory.Movement

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewInventoryStore() *InventoryStore {
	return &InventoryStore{
		products: make(map[string]*catalog.Product),
		locks:    make(map[string]*sync.Mutex),
	}
}

// productLock returns the mutex serializing mutations for one product.
func (s *InventoryStore) productLock(productID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	lock, ok := s.locks[productID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[productID] = lock
	}
	return lock
}

func (s *InventoryStore) Get(ctx context.Context, id string) (*catalog.Product, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[id]
	if !ok {
		return nil, catalog.ErrNotFound
	}
	return cloneProduct(product), nil
}

func (s *InventoryStore) Save(ctx context.Context, product *catalog.Product) error {
	_ = ctx
	if product == nil {
		return nil
	}

	// Replacing the entry is a stock write; order it behind in-flight
	// decrements on the same product.
	lock := s.productLock(product.ID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.products[product.ID] = cloneProduct(product)
	return nil
}

func (s *InventoryStore) DecrementStock(ctx context.Context, productID string, quantity int, reference string) (*inventory.Movement, error) {
	_ = ctx
	if quantity <= 0 {
		return nil, inventory.ErrInvalidQuantity
	}

	// The product lock makes the check-and-decrement atomic per product
	// without stalling mutations on the rest of the catalog.
	lock := s.productLock(productID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	product, ok := s.products[productID]
	stock := 0
	if ok {
		stock = product.Stock
	}
	s.mu.RUnlock()

	if !ok {
		return nil, catalog.ErrNotFound
	}
	if stock < quantity {
		return nil, inventory.ErrInsufficientStock
	}

	// The stock read above cannot go stale here: the product lock is held
	// and every stock write path takes it first.
	s.mu.Lock()
	defer s.mu.Unlock()

	product.Stock -= quantity
	product.UpdatedAt = time.Now().UTC()

	movement := &inventory.Movement{
		ID:            uuid.NewString(),
		ProductID:     productID,
		Type:          inventory.MovementSale,
		QuantityDelta: -quantity,
		Reference:     reference,
		CreatedAt:     time.Now().UTC(),
	}
	s.movements = append(s.movements, movement)
	return cloneMovement(movement), nil
}

func (s *InventoryStore) AdjustStock(ctx context.Context, productID string, delta int, movementType inventory.MovementType, reference, reason, actor string) (*inventory.Movement, error) {
	_ = ctx

	lock := s.productLock(productID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Unconditional: no stock check, so the brief store lock is enough once
	// the product lock orders this against concurrent decrements.
	product, ok := s.products[productID]
	if !ok {
		return nil, catalog.ErrNotFound
	}

	product.Stock += delta
	product.UpdatedAt = time.Now().UTC()

	movement := &inventory.Movement{
		ID:            uuid.NewString(),
		ProductID:     productID,
		Type:          movementType,
		QuantityDelta: delta,
		Reference:     reference,
		Reason:        reason,
		CreatedBy:     actor,
		CreatedAt:     time.Now().UTC(),
	}
	s.movements = append(s.movements, movement)
	return cloneMovement(movement), nil
}

func (s *InventoryStore) Movements(ctx context.Context, filter inventory.Filter) ([]*inventory.Movement, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	// Newest first.
	out := make([]*inventory.Movement, 0)
	for i := len(s.movements) - 1; i >= 0 && len(out) < limit; i-- {
		if filter.Matches(s.movements[i]) {
			out = append(out, cloneMovement(s.movements[i]))
		}
	}
	return out, nil
}

func (s *InventoryStore) StockOf(ctx context.Context, productID string) (int, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[productID]
	if !ok {
		return 0, catalog.ErrNotFound
	}
	return product.Stock, nil
}

func (s *InventoryStore) SumDeltas(ctx context.Context, productID string) (int, error) {
	_ = ctx

	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := 0
	for _, m := range s.movements {
		if m.ProductID == productID {
			sum += m.QuantityDelta
		}
	}
	return sum, nil
}

func cloneProduct(p *catalog.Product) *catalog.Product {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

func cloneMovement(m *inventory.Movement) *inventory.Movement {
	if m == nil {
		return nil
	}
	clone := *m
	return &clone
}
