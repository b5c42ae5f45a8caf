package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/ventalocal/fulfillment/internal/domain/order"
)

type OrderRepository struct {
	db *sql.DB
}

func NewOrderRepository(db *sql.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, tenant_id, order_number, customer_name, customer_email, customer_phone,
	customer_tax_id, customer_tax_condition,
	items, subtotal, shipping, total, shipping_method, payment_method,
	status, payment_status, payment_ref, failure_reason, created_at, updated_at`

func (r *OrderRepository) Insert(ctx context.Context, o *order.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal order items: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)`,
		o.ID, o.TenantID, o.OrderNumber,
		o.Customer.Name, o.Customer.Email, o.Customer.Phone,
		o.Customer.TaxID, o.Customer.TaxCondition,
		items, o.Subtotal, o.Shipping, o.Total, o.ShippingMethod, o.PaymentMethod,
		o.Status, o.PaymentStatus, o.PaymentRef, o.FailureReason, o.CreatedAt, o.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return order.ErrConflict
	}
	return err
}

func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	return scanOrder(row)
}

func (r *OrderRepository) Update(ctx context.Context, o *order.Order) error {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshal order items: %w", err)
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE orders SET
			items = $2, subtotal = $3, shipping = $4, total = $5,
			status = $6, payment_status = $7, payment_ref = $8,
			failure_reason = $9, updated_at = $10
		WHERE id = $1`,
		o.ID, items, o.Subtotal, o.Shipping, o.Total,
		o.Status, o.PaymentStatus, o.PaymentRef, o.FailureReason, o.UpdatedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return order.ErrNotFound
	}
	return nil
}

func (r *OrderRepository) FindByPaymentRef(ctx context.Context, ref string) (*order.Order, error) {
	// The order id doubles as the default external reference until the
	// provider assigns its own.
	row := r.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE payment_ref = $1 OR (payment_ref = '' AND id = $1)
		LIMIT 1`, ref)
	return scanOrder(row)
}

func (r *OrderRepository) ListPaidBetween(ctx context.Context, from, to time.Time) ([]*order.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE payment_status = 'PAID'`
	args := make([]any, 0, 2)
	if !from.IsZero() {
		args = append(args, from)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if !to.IsZero() {
		args = append(args, to)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	query += ` ORDER BY created_at`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*order.Order, 0)
	for rows.Next() {
		o, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(row *sql.Row) (*order.Order, error) {
	o, err := scanOrderRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, order.ErrNotFound
	}
	return o, err
}

func scanOrderRow(row rowScanner) (*order.Order, error) {
	var o order.Order
	var items []byte
	err := row.Scan(
		&o.ID, &o.TenantID, &o.OrderNumber,
		&o.Customer.Name, &o.Customer.Email, &o.Customer.Phone,
		&o.Customer.TaxID, &o.Customer.TaxCondition,
		&items, &o.Subtotal, &o.Shipping, &o.Total, &o.ShippingMethod, &o.PaymentMethod,
		&o.Status, &o.PaymentStatus, &o.PaymentRef, &o.FailureReason, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return nil, fmt.Errorf("unmarshal order items: %w", err)
	}
	return &o, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
