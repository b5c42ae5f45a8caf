package inventory

import "context"

// Store owns stock quantities and the append-only movement log.
//
// DecrementStock must perform the stock check and the decrement as one atomic
// unit per product: two concurrent calls for the same product must never both
// pass validation against the same stock value.
type Store interface {
	// DecrementStock atomically checks stock >= quantity and applies the
	// decrement, appending a SALE movement referencing the order. Returns
	// ErrInsufficientStock when the check fails.
	DecrementStock(ctx context.Context, productID string, quantity int, reference string) (*Movement, error)

	// AdjustStock applies an unconditional signed delta and appends a
	// movement of the given type (ADJUSTMENT or RETURN). Stock may go
	// negative; the ledger keeps it auditable.
	AdjustStock(ctx context.Context, productID string, delta int, movementType MovementType, reference, reason, actor string) (*Movement, error)

	// Movements is the read-only report over the ledger.
	Movements(ctx context.Context, filter Filter) ([]*Movement, error)

	// StockOf returns the current stock for a product.
	StockOf(ctx context.Context, productID string) (int, error)

	// SumDeltas returns the sum of movement deltas for a product, used for
	// ledger reconciliation against current stock.
	SumDeltas(ctx context.Context, productID string) (int, error)
}
