package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ventalocal/fulfillment/internal/domain/catalog"
	"github.com/ventalocal/fulfillment/internal/domain/inventory"
)

// InventoryStore backs the catalog and the movement ledger with Postgres.
// The no-oversell guarantee rests on a conditional UPDATE: the row only
// changes when stock covers the requested quantity, so concurrent decrements
// serialize on the row lock and losers see zero rows affected.
type InventoryStore struct {
	db *sql.DB
}

func NewInventoryStore(db *sql.DB) *InventoryStore {
	return &InventoryStore{db: db}
}

func (s *InventoryStore) Get(ctx context.Context, id string) (*catalog.Product, error) {
	var p catalog.Product
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, price, sale_price, stock, updated_at
		FROM products WHERE id = $1`, id).
		Scan(&p.ID, &p.TenantID, &p.Name, &p.Price, &p.SalePrice, &p.Stock, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, catalog.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *InventoryStore) Save(ctx context.Context, p *catalog.Product) error {
	if p == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO products (id, tenant_id, name, price, sale_price, stock, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())
		ON CONFLICT (id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			name = EXCLUDED.name,
			price = EXCLUDED.price,
			sale_price = EXCLUDED.sale_price,
			stock = EXCLUDED.stock,
			updated_at = now()`,
		p.ID, p.TenantID, p.Name, p.Price, p.SalePrice, p.Stock,
	)
	return err
}

func (s *InventoryStore) DecrementStock(ctx context.Context, productID string, quantity int, reference string) (*inventory.Movement, error) {
	if quantity <= 0 {
		return nil, inventory.ErrInvalidQuantity
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE products SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`,
		productID, quantity,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Distinguish a missing product from insufficient stock.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM products WHERE id = $1)`, productID).Scan(&exists); err != nil {
			return nil, err
		}
		if !exists {
			return nil, catalog.ErrNotFound
		}
		return nil, inventory.ErrInsufficientStock
	}

	movement := &inventory.Movement{
		ID:            uuid.NewString(),
		ProductID:     productID,
		Type:          inventory.MovementSale,
		QuantityDelta: -quantity,
		Reference:     reference,
		CreatedAt:     time.Now().UTC(),
	}
	if err := insertMovement(ctx, tx, movement); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return movement, nil
}

func (s *InventoryStore) AdjustStock(ctx context.Context, productID string, delta int, movementType inventory.MovementType, reference, reason, actor string) (*inventory.Movement, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1`,
		productID, delta,
	)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		return nil, catalog.ErrNotFound
	}

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
	if err := insertMovement(ctx, tx, movement); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return movement, nil
}

func insertMovement(ctx context.Context, tx *sql.Tx, m *inventory.Movement) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO inventory_movements (id, product_id, type, quantity_delta, reference, reason, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		m.ID, m.ProductID, m.Type, m.QuantityDelta, m.Reference, m.Reason, m.CreatedBy, m.CreatedAt,
	)
	return err
}

func (s *InventoryStore) Movements(ctx context.Context, filter inventory.Filter) ([]*inventory.Movement, error) {
	query := `
		SELECT id, product_id, type, quantity_delta, reference, reason, created_by, created_at
		FROM inventory_movements WHERE 1=1`
	args := make([]any, 0, 5)

	if filter.ProductID != "" {
		args = append(args, filter.ProductID)
		query += fmt.Sprintf(" AND product_id = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	if !filter.From.IsZero() {
		args = append(args, filter.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !filter.To.IsZero() {
		args = append(args, filter.To)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*inventory.Movement, 0)
	for rows.Next() {
		var m inventory.Movement
		if err := rows.Scan(&m.ID, &m.ProductID, &m.Type, &m.QuantityDelta, &m.Reference, &m.Reason, &m.CreatedBy, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

func (s *InventoryStore) StockOf(ctx context.Context, productID string) (int, error) {
	var stock int
	err := s.db.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = $1`, productID).Scan(&stock)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, catalog.ErrNotFound
	}
	return stock, err
}

func (s *InventoryStore) SumDeltas(ctx context.Context, productID string) (int, error) {
	var sum int
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(quantity_delta), 0)
		FROM inventory_movements WHERE product_id = $1`, productID).Scan(&sum)
	return sum, err
}
