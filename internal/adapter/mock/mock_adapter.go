package mock

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the payload.
const SignatureHeader = "X-Mock-Signature"

// MockAdapter is a configurable adapter.Biller for tests and local development.
// Every operation calls its func field when set and succeeds otherwise.
type MockAdapter struct {
	Name       string
	Currencies []string
	Countries  []string
	FeeBps     *int
	Secret     string

	InitiateFunc      func(ctx context.Context, req adapter.PaymentRequest) (adapter.Result, error)
	VerifyFunc        func(ctx context.Context, reference string) (adapter.Result, error)
	WithdrawFunc      func(ctx context.Context, req adapter.WithdrawalRequest) (adapter.Result, error)
	QueryStatusFunc   func(ctx context.Context, reference string) (adapter.Result, error)
	LookupAccountFunc func(ctx context.Context, billType domain.BillType, accountNumber, providerCode string) (domain.AccountInfo, error)
	PayBillFunc       func(ctx context.Context, req adapter.BillRequest) (adapter.Result, error)

	mu    sync.Mutex
	calls map[string]int
}

var _ adapter.Biller = (*MockAdapter)(nil)

// NewMockAdapter creates a new MockAdapter supporting NGN in NG.
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{
		Name:       name,
		Currencies: []string{"NGN"},
		Countries:  []string{"NG"},
		Secret:     "mock-secret",
		calls:      make(map[string]int),
	}
}

// Calls returns how many times op was invoked.
func (m *MockAdapter) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

func (m *MockAdapter) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[op]++
}

func (m *MockAdapter) Descriptor() adapter.Descriptor {
	return adapter.Descriptor{Name: m.Name, Currencies: m.Currencies, Countries: m.Countries, FeeBps: m.FeeBps}
}

func (m *MockAdapter) SignatureHeader() string { return SignatureHeader }

func (m *MockAdapter) success(reference string) adapter.Result {
	return adapter.Result{
		Provider:          m.Name,
		Reference:         reference,
		ProviderReference: "mock-" + uuid.NewString(),
		Status:            adapter.StatusSuccess,
		Details:           map[string]string{"mock_processed": "true"},
	}
}

func (m *MockAdapter) Initiate(ctx context.Context, req adapter.PaymentRequest) (adapter.Result, error) {
	m.record("initiate")
	if m.InitiateFunc != nil {
		return m.InitiateFunc(ctx, req)
	}
	return m.success(req.Reference), nil
}

func (m *MockAdapter) Verify(ctx context.Context, reference string) (adapter.Result, error) {
	m.record("verify")
	if m.VerifyFunc != nil {
		return m.VerifyFunc(ctx, reference)
	}
	return m.success(reference), nil
}

func (m *MockAdapter) Withdraw(ctx context.Context, req adapter.WithdrawalRequest) (adapter.Result, error) {
	m.record("withdraw")
	if m.WithdrawFunc != nil {
		return m.WithdrawFunc(ctx, req)
	}
	return m.success(req.Reference), nil
}

func (m *MockAdapter) QueryStatus(ctx context.Context, reference string) (adapter.Result, error) {
	m.record("query_status")
	if m.QueryStatusFunc != nil {
		return m.QueryStatusFunc(ctx, reference)
	}
	return m.success(reference), nil
}

func (m *MockAdapter) LookupAccount(ctx context.Context, billType domain.BillType, accountNumber, providerCode string) (domain.AccountInfo, error) {
	m.record("lookup_account")
	if m.LookupAccountFunc != nil {
		return m.LookupAccountFunc(ctx, billType, accountNumber, providerCode)
	}
	return domain.AccountInfo{AccountID: accountNumber, CustomerName: "Mock Customer", Status: "active"}, nil
}

func (m *MockAdapter) PayBill(ctx context.Context, req adapter.BillRequest) (adapter.Result, error) {
	m.record("pay_bill")
	if m.PayBillFunc != nil {
		return m.PayBillFunc(ctx, req)
	}
	res := m.success(req.Reference)
	if req.BillType == domain.BillElectricity {
		res.Token = "12345678901234567890"
	}
	return res, nil
}

// Sign returns the signature the adapter expects for payload.
func (m *MockAdapter) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, []byte(m.Secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (m *MockAdapter) VerifyWebhook(signature string, payload []byte) bool {
	if signature == "" || m.Secret == "" {
		return false
	}
	return hmac.Equal([]byte(signature), []byte(m.Sign(payload)))
}

// Event is the mock webhook body.
type Event struct {
	ID                string `json:"id,omitempty"`
	Event             string `json:"event"`
	Reference         string `json:"reference,omitempty"`
	ProviderReference string `json:"provider_reference,omitempty"`
	Status            string `json:"status,omitempty"`
	Amount            string `json:"amount,omitempty"`
	Currency          string `json:"currency,omitempty"`
	Token             string `json:"token,omitempty"`
	Message           string `json:"message,omitempty"`
}

func (m *MockAdapter) ParseWebhookEvent(payload []byte) (domain.Notification, error) {
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.Notification{}, fmt.Errorf("mock: decode webhook: %w", err)
	}
	n := domain.Notification{
		Provider:          m.Name,
		EventID:           ev.ID,
		EventType:         ev.Event,
		TransactionRef:    ev.Reference,
		ProviderReference: ev.ProviderReference,
		Status:            ev.Status,
		Currency:          ev.Currency,
		Token:             ev.Token,
		Message:           ev.Message,
	}
	if ev.Amount != "" {
		amt, err := decimal.NewFromString(ev.Amount)
		if err != nil {
			return domain.Notification{}, domain.NewValidationError("amount", err.Error())
		}
		n.Amount = amt
	}
	return n, nil
}
