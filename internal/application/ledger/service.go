// Package ledger exposes inventory operations: reserve-and-decrement for
// checkout, restock for compensation, and manual adjustments.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/ventalocal/fulfillment/internal/domain/catalog"
	"github.com/ventalocal/fulfillment/internal/domain/inventory"
	"github.com/ventalocal/fulfillment/internal/observability"
	"github.com/ventalocal/fulfillment/internal/observability/logctx"
)

const ledgerService = "ledger-service"

var (
	ErrNotFound          = errors.New("ledger: product not found")
	ErrInsufficientStock = inventory.ErrInsufficientStock
	ErrInvalidQuantity   = inventory.ErrInvalidQuantity
)

// StockGate is an optional fast-fail admission check in front of the ledger,
// typically backed by Redis. The ledger's conditional decrement remains the
// authority; the gate only sheds doomed requests early.
type StockGate interface {
	TryDecrement(ctx context.Context, productID string, quantity int) (bool, error)
	Release(ctx context.Context, productID string, quantity int) error
}

type Service struct {
	store inventory.Store
	gate  StockGate
	log   observability.Logger
}

func NewService(store inventory.Store, gate StockGate, tel observability.Observability) *Service {
	baseLog := observability.NopLogger()
	if tel != nil {
		baseLog = tel.Logger()
	}
	return &Service{
		store: store,
		gate:  gate,
		log:   baseLog.With(observability.F("service", ledgerService)),
	}
}

// ReserveAndDecrement atomically takes quantity units of productID for the
// given order reference. Either the full quantity is taken and a SALE
// movement recorded, or nothing changes.
func (s *Service) ReserveAndDecrement(ctx context.Context, productID string, quantity int, reference string) (*inventory.Movement, error) {
	logger := logctx.FromOr(ctx, s.log)

	if s.gate != nil {
		ok, err := s.gate.TryDecrement(ctx, productID, quantity)
		if err != nil {
			// The gate is an optimization; on error fall through to the
			// authoritative store.
			logger.Warn("stock_gate_unavailable",
				observability.F("product_id", productID),
				observability.F("error", err.Error()),
			)
		} else if !ok {
			return nil, ErrInsufficientStock
		}
	}

	movement, err := s.store.DecrementStock(ctx, productID, quantity, reference)
	if err != nil {
		if s.gate != nil {
			if gerr := s.gate.Release(ctx, productID, quantity); gerr != nil {
				logger.Warn("stock_gate_release_failed",
					observability.F("product_id", productID),
					observability.F("error", gerr.Error()),
				)
			}
		}
		return nil, mapStoreError(err)
	}
	return movement, nil
}

// Restock returns quantity units to productID, recording a RETURN movement.
// Used by cancellation and checkout rollback.
func (s *Service) Restock(ctx context.Context, productID string, quantity int, reference, reason string) (*inventory.Movement, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	movement, err := s.store.AdjustStock(ctx, productID, quantity, inventory.MovementReturn, reference, reason, "")
	if err != nil {
		return nil, mapStoreError(err)
	}
	if s.gate != nil {
		if gerr := s.gate.Release(ctx, productID, quantity); gerr != nil {
			logctx.FromOr(ctx, s.log).Warn("stock_gate_release_failed",
				observability.F("product_id", productID),
				observability.F("error", gerr.Error()),
			)
		}
	}
	return movement, nil
}

// Adjust applies a signed manual correction. Delta may drive stock negative;
// an oversold position is visible in the ledger rather than silently clamped.
func (s *Service) Adjust(ctx context.Context, productID string, delta int, reason, actor string) (*inventory.Movement, error) {
	if delta == 0 {
		return nil, ErrInvalidQuantity
	}

	movement, err := s.store.AdjustStock(ctx, productID, delta, inventory.MovementAdjustment, "", reason, actor)
	if err != nil {
		return nil, mapStoreError(err)
	}
	if s.gate != nil && delta > 0 {
		if gerr := s.gate.Release(ctx, productID, delta); gerr != nil {
			logctx.FromOr(ctx, s.log).Warn("stock_gate_release_failed",
				observability.F("product_id", productID),
				observability.F("error", gerr.Error()),
			)
		}
	}
	return movement, nil
}

// Movements returns the movement history matching the filter, newest first.
func (s *Service) Movements(ctx context.Context, filter inventory.Filter) ([]*inventory.Movement, error) {
	return s.store.Movements(ctx, filter)
}

func mapStoreError(err error) error {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, inventory.ErrInsufficientStock):
		return ErrInsufficientStock
	case errors.Is(err, inventory.ErrInvalidQuantity):
		return ErrInvalidQuantity
	default:
		return fmt.Errorf("ledger: store: %w", err)
	}
}
