package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	domain "github.com/ventalocal/fulfillment/internal/domain/outbox"
)

// OutboxStore is the durable outbox. Claiming uses FOR UPDATE SKIP LOCKED so
// concurrent dispatchers never double-claim an item, and the partial unique
// index on (kind, correlation_key) enforces the one-live-item rule at the
// database rather than in application code.
type OutboxStore struct {
	db *sql.DB
}

func NewOutboxStore(db *sql.DB) *OutboxStore {
	return &OutboxStore{db: db}
}

const outboxColumns = `id, kind, correlation_key, payload, status, attempts, next_attempt_at, last_error, result, created_at, updated_at`

func (s *OutboxStore) Enqueue(ctx context.Context, kind domain.Kind, correlationKey string, payload []byte) (*domain.Item, bool, error) {
	now := time.Now().UTC()
	id := uuid.NewString()

	// ON CONFLICT against the partial unique index keeps this race-free: if a
	// live item already exists the insert is a no-op and we return it.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO outbox_items (id, kind, correlation_key, payload, status, next_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'PENDING', $5, $5, $5)
		ON CONFLICT (kind, correlation_key) WHERE status <> 'FAILED' DO NOTHING`,
		id, kind, correlationKey, payload, now,
	)
	if err != nil {
		return nil, false, err
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if inserted == 1 {
		item, err := s.Get(ctx, id)
		return item, true, err
	}

	existing, err := s.Find(ctx, kind, correlationKey)
	return existing, false, err
}

func (s *OutboxStore) Claim(ctx context.Context, id string, now time.Time) (*domain.Item, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox_items
		WHERE id = $1 AND status = 'PENDING' AND next_attempt_at <= $2
		FOR UPDATE SKIP LOCKED`, id, now)
	item, err := scanOutboxItem(row)
	if errors.Is(err, domain.ErrNotFound) {
		// Either missing or not claimable right now; disambiguate.
		var exists bool
		if qerr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM outbox_items WHERE id = $1)`, id).Scan(&exists); qerr != nil {
			return nil, qerr
		}
		if !exists {
			return nil, domain.ErrNotFound
		}
		return nil, domain.ErrNotClaimable
	}
	if err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE outbox_items SET status = 'PROCESSING', updated_at = $2 WHERE id = $1`, id, now); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	item.Status = domain.StatusProcessing
	item.UpdatedAt = now
	return item, nil
}

func (s *OutboxStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Item, error) {
	if limit <= 0 {
		limit = 50
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox_items
		WHERE status = 'PENDING' AND next_attempt_at <= $1
		ORDER BY created_at
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, err
	}

	claimed := make([]*domain.Item, 0)
	ids := make([]string, 0)
	for rows.Next() {
		item, err := scanOutboxRows(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		item.Status = domain.StatusProcessing
		item.UpdatedAt = now
		claimed = append(claimed, item)
		ids = append(ids, item.ID)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_items SET status = 'PROCESSING', updated_at = $2 WHERE id = $1`, id, now); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *OutboxStore) ReleaseStale(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_items SET status = 'PENDING', updated_at = now()
		WHERE status = 'PROCESSING' AND updated_at < $1`, olderThan)
	if err != nil {
		return 0, err
	}
	released, err := res.RowsAffected()
	return int(released), err
}

func (s *OutboxStore) MarkCompleted(ctx context.Context, id string, attempts int, result []byte) error {
	return s.exec(ctx, `
		UPDATE outbox_items SET status = 'COMPLETED', attempts = $2, result = $3, last_error = '', updated_at = now()
		WHERE id = $1`, id, attempts, nullableJSON(result))
}

func (s *OutboxStore) MarkRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	return s.exec(ctx, `
		UPDATE outbox_items SET status = 'PENDING', attempts = $2, next_attempt_at = $3, last_error = $4, updated_at = now()
		WHERE id = $1`, id, attempts, nextAttemptAt, lastError)
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	return s.exec(ctx, `
		UPDATE outbox_items SET status = 'FAILED', attempts = $2, last_error = $3, updated_at = now()
		WHERE id = $1`, id, attempts, lastError)
}

func (s *OutboxStore) Get(ctx context.Context, id string) (*domain.Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox_items WHERE id = $1`, id)
	return scanOutboxItem(row)
}

func (s *OutboxStore) Find(ctx context.Context, kind domain.Kind, correlationKey string) (*domain.Item, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+outboxColumns+` FROM outbox_items
		WHERE kind = $1 AND correlation_key = $2 AND status <> 'FAILED'
		LIMIT 1`, kind, correlationKey)
	return scanOutboxItem(row)
}

func (s *OutboxStore) List(ctx context.Context, status domain.Status, limit int) ([]*domain.Item, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + outboxColumns + ` FROM outbox_items`
	args := []any{limit}
	if status != "" {
		query += ` WHERE status = $2`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT $1`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*domain.Item, 0)
	for rows.Next() {
		item, err := scanOutboxRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *OutboxStore) CountPending(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox_items WHERE status = 'PENDING'`).Scan(&count)
	return count, err
}

func (s *OutboxStore) Requeue(ctx context.Context, id string) (*domain.Item, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_items SET status = 'PENDING', attempts = 0, next_attempt_at = now(), last_error = '', updated_at = now()
		WHERE id = $1 AND status = 'FAILED'`, id)
	if err != nil {
		// The partial unique index rejects the revival when a fresh enqueue
		// already replaced this item on the same correlation key.
		if isUniqueViolation(err) {
			return nil, domain.ErrConflict
		}
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, domain.ErrNotFailed
	}
	return s.Get(ctx, id)
}

func (s *OutboxStore) exec(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxItem(row *sql.Row) (*domain.Item, error) {
	item, err := scanOutboxRows(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return item, err
}

func scanOutboxRows(row rowScanner) (*domain.Item, error) {
	var item domain.Item
	var payload, result []byte
	err := row.Scan(
		&item.ID, &item.Kind, &item.CorrelationKey, &payload,
		&item.Status, &item.Attempts, &item.NextAttemptAt, &item.LastError,
		&result, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	item.Payload = json.RawMessage(payload)
	if result != nil {
		item.Result = json.RawMessage(result)
	}
	return &item, nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
