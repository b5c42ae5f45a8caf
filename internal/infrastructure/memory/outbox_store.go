package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	domain "github.com/ventalocal/fulfillment/internal/domain/outbox"
)

type dedupKey struct {
	kind domain.Kind
	key  string
}

// OutboxStore is the in-memory outbox used by tests and the demo wiring. It
// mirrors the durable store's claim semantics so the dispatcher behaves
// identically against either backend.
type OutboxStore struct {
	mu    sync.Mutex
	items map[string]*domain.Item
	// active indexes the single non-FAILED item per (kind, correlation key).
	active map[dedupKey]string
}

func NewOutboxStore() *OutboxStore {
	return &OutboxStore{
		items:  make(map[string]*domain.Item),
		active: make(map[dedupKey]string),
	}
}

func (s *OutboxStore) Enqueue(ctx context.Context, kind domain.Kind, correlationKey string, payload []byte) (*domain.Item, bool, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	key := dedupKey{kind: kind, key: correlationKey}
	if id, ok := s.active[key]; ok {
		if existing, found := s.items[id]; found && existing.Status != domain.StatusFailed {
			return existing.Clone(), false, nil
		}
	}

	now := time.Now().UTC()
	item := &domain.Item{
		ID:             uuid.NewString(),
		Kind:           kind,
		CorrelationKey: correlationKey,
		Payload:        append(json.RawMessage(nil), payload...),
		Status:         domain.StatusPending,
		NextAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	s.items[item.ID] = item
	s.active[key] = item.ID
	return item.Clone(), true, nil
}

func (s *OutboxStore) Claim(ctx context.Context, id string, now time.Time) (*domain.Item, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if item.Status != domain.StatusPending || item.NextAttemptAt.After(now) {
		return nil, domain.ErrNotClaimable
	}
	item.Status = domain.StatusProcessing
	item.UpdatedAt = now
	return item.Clone(), nil
}

func (s *OutboxStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*domain.Item, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	due := make([]*domain.Item, 0)
	for _, item := range s.items {
		if item.Status == domain.StatusPending && !item.NextAttemptAt.After(now) {
			due = append(due, item)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*domain.Item, 0, len(due))
	for _, item := range due {
		item.Status = domain.StatusProcessing
		item.UpdatedAt = now
		claimed = append(claimed, item.Clone())
	}
	return claimed, nil
}

func (s *OutboxStore) ReleaseStale(ctx context.Context, olderThan time.Time) (int, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for _, item := range s.items {
		if item.Status == domain.StatusProcessing && item.UpdatedAt.Before(olderThan) {
			item.Status = domain.StatusPending
			item.UpdatedAt = time.Now().UTC()
			released++
		}
	}
	return released, nil
}

func (s *OutboxStore) MarkCompleted(ctx context.Context, id string, attempts int, result []byte) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	item.Status = domain.StatusCompleted
	item.Attempts = attempts
	item.Result = append(json.RawMessage(nil), result...)
	item.LastError = ""
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *OutboxStore) MarkRetry(ctx context.Context, id string, attempts int, nextAttemptAt time.Time, lastError string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	item.Status = domain.StatusPending
	item.Attempts = attempts
	item.NextAttemptAt = nextAttemptAt
	item.LastError = lastError
	item.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, id string, attempts int, lastError string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	item.Status = domain.StatusFailed
	item.Attempts = attempts
	item.LastError = lastError
	item.UpdatedAt = time.Now().UTC()
	delete(s.active, dedupKey{kind: item.Kind, key: item.CorrelationKey})
	return nil
}

func (s *OutboxStore) Get(ctx context.Context, id string) (*domain.Item, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return item.Clone(), nil
}

func (s *OutboxStore) Find(ctx context.Context, kind domain.Kind, correlationKey string) (*domain.Item, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.active[dedupKey{kind: kind, key: correlationKey}]; ok {
		if item, found := s.items[id]; found {
			return item.Clone(), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *OutboxStore) List(ctx context.Context, status domain.Status, limit int) ([]*domain.Item, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Item, 0)
	for _, item := range s.items {
		if status != "" && item.Status != status {
			continue
		}
		out = append(out, item.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *OutboxStore) CountPending(ctx context.Context) (int, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, item := range s.items {
		if item.Status == domain.StatusPending {
			count++
		}
	}
	return count, nil
}

func (s *OutboxStore) Requeue(ctx context.Context, id string) (*domain.Item, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if item.Status != domain.StatusFailed {
		return nil, domain.ErrNotFailed
	}

	// A fresh enqueue may have replaced this item after it failed. Reviving
	// the old record would put two live items on the same correlation key.
	key := dedupKey{kind: item.Kind, key: item.CorrelationKey}
	if activeID, ok := s.active[key]; ok && activeID != item.ID {
		if live, found := s.items[activeID]; found && live.Status != domain.StatusFailed {
			return nil, domain.ErrConflict
		}
	}

	// The failed item stays retained; replay happens on a fresh attempt
	// window of the same record.
	item.Status = domain.StatusPending
	item.Attempts = 0
	item.NextAttemptAt = time.Now().UTC()
	item.LastError = ""
	item.UpdatedAt = time.Now().UTC()
	s.active[key] = item.ID
	return item.Clone(), nil
}
