// Package store defines the persistence contracts of the settlement engine.
// Implementations live in the memory, gormstore and redisstore subpackages.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
)

// ErrDuplicate is returned by Create for an id that already exists.
var ErrDuplicate = errors.New("store: duplicate record")

// TransactionStore persists transactions with single-record compare-and-set.
type TransactionStore interface {
	Create(ctx context.Context, tx *domain.Transaction) error
	// Get returns domain.ErrNotFound for an unknown id.
	Get(ctx context.Context, id string) (*domain.Transaction, error)
	GetByProviderReference(ctx context.Context, provider, reference string) (*domain.Transaction, error)
	// Update writes tx if the stored version still equals tx.Version and bumps
	// tx.Version on success. A lost race returns domain.ErrConcurrentUpdate.
	Update(ctx context.Context, tx *domain.Transaction) error
	ListByState(ctx context.Context, states ...domain.State) ([]*domain.Transaction, error)
	ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*domain.Transaction, error)
}

// EventStore persists inbound webhook deliveries.
type EventStore interface {
	// SaveEvent inserts or replaces the event by ID.
	SaveEvent(ctx context.Context, e *domain.WebhookEvent) error
	MarkEventProcessed(ctx context.Context, id string, at time.Time) error
	// RecordEventFailure bumps the attempt counter and keeps the last error.
	RecordEventFailure(ctx context.Context, id string, cause string) error
	// ListPendingEvents returns unprocessed events, oldest first.
	ListPendingEvents(ctx context.Context, limit int) ([]*domain.WebhookEvent, error)
}

// DedupStore records (provider, event id) pairs with insert-if-absent semantics.
type DedupStore interface {
	// Claim returns true for the first caller only.
	Claim(ctx context.Context, provider, eventID string) (bool, error)
	// Release drops a claim whose event was never persisted, so a redelivery
	// can be accepted.
	Release(ctx context.Context, provider, eventID string) error
}

// Locker is a named, expiring mutual exclusion lock.
type Locker interface {
	// TryLock returns ok=false without error when someone else holds the lock.
	TryLock(ctx context.Context, name string, ttl time.Duration) (unlock func(), ok bool, err error)
}

// Store is what the orchestrator and webhook processor need.
type Store interface {
	TransactionStore
	EventStore
}

// ApplyFunc mutates tx in place. Returning an error aborts the update.
type ApplyFunc func(tx *domain.Transaction) error

// UpdateWithRetry reloads tx by id, applies fn and writes it back, retrying a
// bounded number of times when another writer wins the compare-and-set.
func UpdateWithRetry(ctx context.Context, s TransactionStore, id string, attempts int, fn ApplyFunc) (*domain.Transaction, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 0; i < attempts; i++ {
		tx, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(tx); err != nil {
			return tx, err
		}
		err = s.Update(ctx, tx)
		if err == nil {
			return tx, nil
		}
		if !errors.Is(err, domain.ErrConcurrentUpdate) {
			return nil, err
		}
		lastErr = err
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, lastErr
}
