package postgres

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ventalocal/fulfillment/internal/domain/catalog"
	"github.com/ventalocal/fulfillment/internal/domain/inventory"
)

func seedTestProduct(t *testing.T, store *InventoryStore, stock int) string {
	t.Helper()
	id := "prod-" + uuid.NewString()
	require.NoError(t, store.Save(context.Background(), &catalog.Product{
		ID:    id,
		Name:  "Test " + id,
		Price: 1000,
		Stock: stock,
	}))
	return id
}

func TestDecrementStockConditional(t *testing.T) {
	ctx := context.Background()
	store := NewInventoryStore(getTestDB(t))
	productID := seedTestProduct(t, store, 3)

	movement, err := store.DecrementStock(ctx, productID, 2, "ord-1")
	require.NoError(t, err)
	assert.Equal(t, inventory.MovementSale, movement.Type)
	assert.Equal(t, -2, movement.QuantityDelta)

	_, err = store.DecrementStock(ctx, productID, 2, "ord-2")
	assert.ErrorIs(t, err, inventory.ErrInsufficientStock)

	stock, err := store.StockOf(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 1, stock)

	// The rejected attempt must leave no trace in the ledger.
	sum, err := store.SumDeltas(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, -2, sum)
}

func TestDecrementStockUnknownProduct(t *testing.T) {
	store := NewInventoryStore(getTestDB(t))

	_, err := store.DecrementStock(context.Background(), "prod-"+uuid.NewString(), 1, "ord-1")
	assert.ErrorIs(t, err, catalog.ErrNotFound)
}

func TestDecrementStockConcurrent(t *testing.T) {
	ctx := context.Background()
	store := NewInventoryStore(getTestDB(t))
	productID := seedTestProduct(t, store, 5)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.DecrementStock(ctx, productID, 1, "ord-conc")
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
		} else {
			assert.ErrorIs(t, err, inventory.ErrInsufficientStock)
		}
	}
	assert.Equal(t, 5, succeeded)

	stock, err := store.StockOf(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, 0, stock)
}

func TestAdjustStockRecordsActor(t *testing.T) {
	ctx := context.Background()
	store := NewInventoryStore(getTestDB(t))
	productID := seedTestProduct(t, store, 10)

	movement, err := store.AdjustStock(ctx, productID, -12, inventory.MovementAdjustment, "", "damaged batch", "ops")
	require.NoError(t, err)
	assert.Equal(t, "ops", movement.CreatedBy)

	// Manual corrections may drive stock negative.
	stock, err := store.StockOf(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, -2, stock)

	movements, err := store.Movements(ctx, inventory.Filter{ProductID: productID, Type: inventory.MovementAdjustment})
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, "damaged batch", movements[0].Reason)
}
