// Package gormstore persists transactions, webhook events and dedup claims in
// PostgreSQL through gorm.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/store"
)

// Store implements store.Store and store.DedupStore.
type Store struct {
	db *gorm.DB
}

var (
	_ store.Store      = (*Store)(nil)
	_ store.DedupStore = (*Store)(nil)
)

// New wraps an open gorm handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL using dsn.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("gormstore: open: %w", err)
	}
	return New(db), nil
}

// Migrate creates or updates the tables.
func (s *Store) Migrate() error {
	return s.db.AutoMigrate(&transactionModel{}, &webhookEventModel{}, &dedupClaimModel{})
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, what)
	}
	return err
}

func (s *Store) Create(ctx context.Context, tx *domain.Transaction) error {
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	tx.UpdatedAt = tx.CreatedAt
	tx.Version = 1
	m := toModel(tx)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: transaction %s", store.ErrDuplicate, tx.ID)
		}
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	var m transactionModel
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, notFound(err, "transaction "+id)
	}
	return fromModel(&m)
}

func (s *Store) GetByProviderReference(ctx context.Context, provider, reference string) (*domain.Transaction, error) {
	q := s.db.WithContext(ctx).Where("provider_reference = ?", reference)
	if provider != "" {
		q = q.Where("provider = ?", provider)
	}
	var m transactionModel
	if err := q.First(&m).Error; err != nil {
		return nil, notFound(err, provider+" reference "+reference)
	}
	return fromModel(&m)
}

// Update is a conditional UPDATE on (id, version).
func (s *Store) Update(ctx context.Context, tx *domain.Transaction) error {
	m := toModel(tx)
	m.Version = tx.Version + 1
	m.UpdatedAt = time.Now().UTC()
	res := s.db.WithContext(ctx).
		Model(&transactionModel{}).
		Where("id = ? AND version = ?", tx.ID, tx.Version).
		Select("*").
		Omit("id", "created_at").
		Updates(&m)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: transaction %s at version %d", domain.ErrConcurrentUpdate, tx.ID, tx.Version)
	}
	tx.Version = m.Version
	tx.UpdatedAt = m.UpdatedAt
	return nil
}

func (s *Store) ListByState(ctx context.Context, states ...domain.State) ([]*domain.Transaction, error) {
	tokens := make([]string, len(states))
	for i, st := range states {
		tokens[i] = string(st)
	}
	var rows []transactionModel
	if err := s.db.WithContext(ctx).Where("state IN ?", tokens).Order("created_at").Find(&rows).Error; err != nil {
		return nil, err
	}
	return fromModels(rows)
}

func (s *Store) ListCreatedBetween(ctx context.Context, from, to time.Time) ([]*domain.Transaction, error) {
	var rows []transactionModel
	if err := s.db.WithContext(ctx).
		Where("created_at >= ? AND created_at < ?", from, to).
		Order("created_at").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	return fromModels(rows)
}

func fromModels(rows []transactionModel) ([]*domain.Transaction, error) {
	out := make([]*domain.Transaction, 0, len(rows))
	for i := range rows {
		tx, err := fromModel(&rows[i])
		if err != nil {
			return nil, fmt.Errorf("gormstore: decode transaction %s: %w", rows[i].ID, err)
		}
		out = append(out, tx)
	}
	return out, nil
}

func (s *Store) SaveEvent(ctx context.Context, e *domain.WebhookEvent) error {
	m := eventToModel(e)
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "processed_at", "attempts", "last_error"}),
	}).Create(&m).Error
}

func (s *Store) MarkEventProcessed(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&webhookEventModel{}).Where("id = ?", id).
		Updates(map[string]any{"processed_at": at.UTC(), "last_error": ""})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: webhook event %s", domain.ErrNotFound, id)
	}
	return nil
}

func (s *Store) RecordEventFailure(ctx context.Context, id string, cause string) error {
	res := s.db.WithContext(ctx).Model(&webhookEventModel{}).Where("id = ?", id).
		Updates(map[string]any{"attempts": gorm.Expr("attempts + 1"), "last_error": cause})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: webhook event %s", domain.ErrNotFound, id)
	}
	return nil
}

func (s *Store) ListPendingEvents(ctx context.Context, limit int) ([]*domain.WebhookEvent, error) {
	q := s.db.WithContext(ctx).Where("processed_at IS NULL").Order("received_at")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []webhookEventModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*domain.WebhookEvent, 0, len(rows))
	for i := range rows {
		out = append(out, eventFromModel(&rows[i]))
	}
	return out, nil
}

// Claim inserts the dedup key and ignores conflicts; one affected row means
// this caller won.
func (s *Store) Claim(ctx context.Context, provider, eventID string) (bool, error) {
	m := dedupClaimModel{Key: domain.DedupKey(provider, eventID), ClaimedAt: time.Now().UTC()}
	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&m)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *Store) Release(ctx context.Context, provider, eventID string) error {
	return s.db.WithContext(ctx).Where("key = ?", domain.DedupKey(provider, eventID)).Delete(&dedupClaimModel{}).Error
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
