// Package memory is an in-process implementation of every store contract.
// It backs tests and single-node development runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/store"
)

// Store holds transactions, webhook events, dedup claims and locks.
type Store struct {
	mu     sync.RWMutex
	txs    map[string]*domain.Transaction
	events map[string]*domain.WebhookEvent
	claims map[string]struct{}
	locks  map[string]time.Time
	now    func() time.Time
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.DedupStore = (*Store)(nil)
	_ store.Locker     = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		txs:    make(map[string]*domain.Transaction),
		events: make(map[string]*domain.WebhookEvent),
		claims: make(map[string]struct{}),
		locks:  make(map[string]time.Time),
		now:    time.Now,
	}
}

func (s *Store) Create(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.txs[tx.ID]; ok {
		return fmt.Errorf("%w: transaction %s", store.ErrDuplicate, tx.ID)
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now().UTC()
	}
	tx.UpdatedAt = tx.CreatedAt
	tx.Version = 1
	s.txs[tx.ID] = tx.Clone()
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tx, ok := s.txs[id]
	if !ok {
		return nil, fmt.Errorf("%w: transaction %s", domain.ErrNotFound, id)
	}
	return tx.Clone(), nil
}

func (s *Store) GetByProviderReference(ctx context.Context, provider, reference string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tx := range s.txs {
		if tx.ProviderReference == reference && (provider == "" || tx.Provider == provider) {
			return tx.Clone(), nil
		}
	}
	return nil, fmt.Errorf("%w: %s reference %s", domain.ErrNotFound, provider, reference)
}

func (s *Store) Update(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.txs[tx.ID]
	if !ok {
		return fmt.Errorf("%w: transaction %s", domain.ErrNotFound, tx.ID)
	}
	if cur.Version != tx.Version {
		return fmt.Errorf("%w: transaction %s at version %d, have %d", domain.ErrConcurrentUpdate, tx.ID, cur.Version, tx.Version)
	}
	tx.Version++
	tx.UpdatedAt = s.now().UTC()
	s.txs[tx.ID] = tx.Clone()
	return nil
}

func (s *Store) ListByState(ctx context.Context, states ...domain.State) ([]*domain.Transaction, error) {
	want := make(map[domain.State]bool, len(states))
	for _, st := range states {
		want[st] = true
	}
	return s.list(func(tx *domain.Transaction) bool { return want[tx.State] }), nil
}

func (s *Store) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*domain.Transaction, error) {
	return s.list(func(tx *domain.Transaction) bool {
		return !tx.CreatedAt.Before(from) && tx.CreatedAt.Before(to)
	}), nil
}

func (s *Store) list(match func(*domain.Transaction) bool) []*domain.Transaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Transaction, 0)
	for _, tx := range s.txs {
		if match(tx) {
			out = append(out, tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func cloneEvent(e *domain.WebhookEvent) *domain.WebhookEvent {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	if e.ProcessedAt != nil {
		at := *e.ProcessedAt
		c.ProcessedAt = &at
	}
	return &c
}

func (s *Store) SaveEvent(ctx context.Context, e *domain.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.ID] = cloneEvent(e)
	return nil
}

func (s *Store) MarkEventProcessed(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("%w: webhook event %s", domain.ErrNotFound, id)
	}
	at = at.UTC()
	e.ProcessedAt = &at
	e.LastError = ""
	return nil
}

func (s *Store) RecordEventFailure(ctx context.Context, id string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.events[id]
	if !ok {
		return fmt.Errorf("%w: webhook event %s", domain.ErrNotFound, id)
	}
	e.Attempts++
	e.LastError = cause
	return nil
}

func (s *Store) ListPendingEvents(ctx context.Context, limit int) ([]*domain.WebhookEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.WebhookEvent, 0)
	for _, e := range s.events {
		if e.ProcessedAt == nil {
			out = append(out, cloneEvent(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Event returns a stored webhook event.
func (s *Store) Event(id string) (*domain.WebhookEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.events[id]
	if !ok {
		return nil, false
	}
	return cloneEvent(e), true
}

func (s *Store) Claim(ctx context.Context, provider, eventID string) (bool, error) {
	key := domain.DedupKey(provider, eventID)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.claims[key]; ok {
		return false, nil
	}
	s.claims[key] = struct{}{}
	return true, nil
}

func (s *Store) Release(ctx context.Context, provider, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, domain.DedupKey(provider, eventID))
	return nil
}

func (s *Store) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if exp, ok := s.locks[name]; ok && now.Before(exp) {
		return nil, false, nil
	}
	exp := now.Add(ttl)
	s.locks[name] = exp
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.locks[name].Equal(exp) {
			delete(s.locks, name)
		}
	}, true, nil
}
