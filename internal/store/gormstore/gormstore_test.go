package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	mockDb, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDb.Close() })
	dialector := postgres.New(postgres.Config{
		Conn:       mockDb,
		DriverName: "postgres",
	})
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return New(db), mock
}

func TestCreate(t *testing.T) {
	s, mock := newMockStore(t)
	tx, err := domain.NewTransaction(domain.KindPayment, decimal.NewFromInt(100), "NGN")
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "transactions" (.+) VALUES (.+)`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	require.NoError(t, s.Create(context.Background(), tx))
	assert.Equal(t, int64(1), tx.Version)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "transactions" (.+) VALUES (.+)`).
		WillReturnError(errors.New("create error"))
	mock.ExpectRollback()

	assert.Error(t, s.Create(context.Background(), tx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGet(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{"id", "kind", "amount", "currency", "state", "provider", "provider_reference", "metadata", "version", "created_at", "updated_at"}).
		AddRow("tx-1", "bill_payment", "5000.00", "NGN", "retry_scheduled", "biller", "B-1", `{"source":"api"}`, 3, now, now)
	mock.ExpectQuery(`SELECT \* FROM "transactions" WHERE id = \$1`).
		WithArgs("tx-1", 1).WillReturnRows(rows)

	tx, err := s.Get(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, domain.KindBillPayment, tx.Kind)
	assert.Equal(t, domain.StateRetryScheduled, tx.State)
	assert.True(t, tx.Amount.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, "B-1", tx.ProviderReference)
	assert.Equal(t, "api", tx.Metadata["source"])
	assert.Equal(t, int64(3), tx.Version)

	mock.ExpectQuery(`SELECT \* FROM "transactions" WHERE id = \$1`).
		WithArgs("missing", 1).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = s.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestGet_UnknownStateTokenFails(t *testing.T) {
	s, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"id", "kind", "amount", "currency", "state", "version"}).
		AddRow("tx-1", "bill_payment", "1", "NGN", "processing", 1)
	mock.ExpectQuery(`SELECT \* FROM "transactions"`).WillReturnRows(rows)

	_, err := s.Get(context.Background(), "tx-1")
	assert.ErrorIs(t, err, domain.ErrUnknownState)
}

func TestUpdate_CompareAndSet(t *testing.T) {
	s, mock := newMockStore(t)
	tx := &domain.Transaction{ID: "tx-1", Kind: domain.KindPayment, State: domain.StateCompleted, Amount: decimal.NewFromInt(1), Currency: "NGN", Version: 4}

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "transactions" SET .+ WHERE .*id = .+ AND version = .+`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	require.NoError(t, s.Update(context.Background(), tx))
	assert.Equal(t, int64(5), tx.Version)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "transactions" SET .+ WHERE .*id = .+ AND version = .+`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	err := s.Update(context.Background(), tx)
	assert.ErrorIs(t, err, domain.ErrConcurrentUpdate)
	assert.Equal(t, int64(5), tx.Version, "version is untouched on a lost race")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "webhook_dedup" (.+) ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	ok, err := s.Claim(context.Background(), "paystack", "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO "webhook_dedup" (.+) ON CONFLICT DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	ok, err = s.Claim(context.Background(), "paystack", "evt-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkEventProcessed_Missing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "webhook_events" SET .+ WHERE id = .+`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.MarkEventProcessed(context.Background(), "nope", time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}
