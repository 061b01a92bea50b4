package gormstore

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
)

// transactionModel is the persisted form of domain.Transaction.
type transactionModel struct {
	ID                string          `gorm:"type:varchar(64);primaryKey"`
	Kind              string          `gorm:"type:varchar(16);not null;index"`
	Amount            decimal.Decimal `gorm:"type:numeric(30,8);not null"`
	Currency          string          `gorm:"type:varchar(8);not null"`
	Country           string          `gorm:"type:varchar(2)"`
	State             string          `gorm:"type:varchar(32);not null;index"`
	Provider          string          `gorm:"type:varchar(32);index:idx_provider_reference"`
	ProviderReference *string         `gorm:"type:varchar(128);index:idx_provider_reference"`
	RetryCount        int
	LastRetryAt       *time.Time
	ErrorMessage      string          `gorm:"type:text"`
	RefundTxHash      *string         `gorm:"type:varchar(128)"`
	SettlementTxHash  *string         `gorm:"type:varchar(128)"`
	WalletAddress     string          `gorm:"type:varchar(128)"`
	ReceivedAmount    decimal.Decimal `gorm:"type:numeric(30,8)"`
	BillType          string          `gorm:"type:varchar(16)"`
	AccountNumber     string          `gorm:"type:varchar(32)"`
	ProviderCode      string          `gorm:"type:varchar(32)"`
	AccountType       string          `gorm:"type:varchar(32)"`
	CustomerName      string          `gorm:"type:varchar(128)"`
	CustomerEmail     string          `gorm:"type:varchar(128)"`
	CustomerPhone     string          `gorm:"type:varchar(32)"`
	Token             string          `gorm:"type:varchar(64)"`
	Metadata          string          `gorm:"type:text"`
	Version           int64           `gorm:"not null"`
	CreatedAt         time.Time       `gorm:"index"`
	UpdatedAt         time.Time
}

func (transactionModel) TableName() string { return "transactions" }

type webhookEventModel struct {
	ID                string `gorm:"type:varchar(64);primaryKey"`
	Provider          string `gorm:"type:varchar(32);not null;uniqueIndex:idx_provider_event"`
	EventID           string `gorm:"type:varchar(128);not null;uniqueIndex:idx_provider_event"`
	EventType         string `gorm:"type:varchar(64)"`
	TransactionRef    string `gorm:"type:varchar(64)"`
	ProviderReference string `gorm:"type:varchar(128)"`
	Status            string `gorm:"type:varchar(32)"`
	Payload           []byte
	ReceivedAt        time.Time `gorm:"index"`
	ProcessedAt       *time.Time
	Attempts          int
	LastError         string `gorm:"type:text"`
}

func (webhookEventModel) TableName() string { return "webhook_events" }

type dedupClaimModel struct {
	Key       string `gorm:"type:varchar(200);primaryKey"`
	ClaimedAt time.Time
}

func (dedupClaimModel) TableName() string { return "webhook_dedup" }

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func toModel(tx *domain.Transaction) transactionModel {
	meta := ""
	if len(tx.Metadata) > 0 {
		b, _ := json.Marshal(tx.Metadata)
		meta = string(b)
	}
	return transactionModel{
		ID:                tx.ID,
		Kind:              string(tx.Kind),
		Amount:            tx.Amount,
		Currency:          tx.Currency,
		Country:           tx.Country,
		State:             string(tx.State),
		Provider:          tx.Provider,
		ProviderReference: optional(tx.ProviderReference),
		RetryCount:        tx.RetryCount,
		LastRetryAt:       tx.LastRetryAt,
		ErrorMessage:      tx.ErrorMessage,
		RefundTxHash:      optional(tx.RefundTxHash),
		SettlementTxHash:  optional(tx.SettlementTxHash),
		WalletAddress:     tx.WalletAddress,
		ReceivedAmount:    tx.ReceivedAmount,
		BillType:          string(tx.BillType),
		AccountNumber:     tx.AccountNumber,
		ProviderCode:      tx.ProviderCode,
		AccountType:       tx.AccountType,
		CustomerName:      tx.CustomerName,
		CustomerEmail:     tx.CustomerEmail,
		CustomerPhone:     tx.CustomerPhone,
		Token:             tx.Token,
		Metadata:          meta,
		Version:           tx.Version,
		CreatedAt:         tx.CreatedAt,
		UpdatedAt:         tx.UpdatedAt,
	}
}

func fromModel(m *transactionModel) (*domain.Transaction, error) {
	kind, err := domain.ParseKind(m.Kind)
	if err != nil {
		return nil, err
	}
	state, err := domain.ParseState(kind, m.State)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string)
	if m.Metadata != "" {
		if err := json.Unmarshal([]byte(m.Metadata), &meta); err != nil {
			return nil, err
		}
	}
	return &domain.Transaction{
		ID:                m.ID,
		Kind:              kind,
		Amount:            m.Amount,
		Currency:          m.Currency,
		Country:           m.Country,
		State:             state,
		Provider:          m.Provider,
		ProviderReference: deref(m.ProviderReference),
		RetryCount:        m.RetryCount,
		LastRetryAt:       m.LastRetryAt,
		ErrorMessage:      m.ErrorMessage,
		RefundTxHash:      deref(m.RefundTxHash),
		SettlementTxHash:  deref(m.SettlementTxHash),
		WalletAddress:     m.WalletAddress,
		ReceivedAmount:    m.ReceivedAmount,
		BillType:          domain.BillType(m.BillType),
		AccountNumber:     m.AccountNumber,
		ProviderCode:      m.ProviderCode,
		AccountType:       m.AccountType,
		CustomerName:      m.CustomerName,
		CustomerEmail:     m.CustomerEmail,
		CustomerPhone:     m.CustomerPhone,
		Token:             m.Token,
		Metadata:          meta,
		Version:           m.Version,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}, nil
}

func eventToModel(e *domain.WebhookEvent) webhookEventModel {
	return webhookEventModel{
		ID:                e.ID,
		Provider:          e.Provider,
		EventID:           e.EventID,
		EventType:         e.EventType,
		TransactionRef:    e.TransactionRef,
		ProviderReference: e.ProviderReference,
		Status:            string(e.Status),
		Payload:           e.Payload,
		ReceivedAt:        e.ReceivedAt,
		ProcessedAt:       e.ProcessedAt,
		Attempts:          e.Attempts,
		LastError:         e.LastError,
	}
}

func eventFromModel(m *webhookEventModel) *domain.WebhookEvent {
	return &domain.WebhookEvent{
		ID:                m.ID,
		Provider:          m.Provider,
		EventID:           m.EventID,
		EventType:         m.EventType,
		TransactionRef:    m.TransactionRef,
		ProviderReference: m.ProviderReference,
		Status:            domain.Action(m.Status),
		Payload:           m.Payload,
		ReceivedAt:        m.ReceivedAt,
		ProcessedAt:       m.ProcessedAt,
		Attempts:          m.Attempts,
		LastError:         m.LastError,
	}
}
