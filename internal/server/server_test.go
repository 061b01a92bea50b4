package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	adaptermock "github.com/yourorg/settlement-orchestrator/internal/adapter/mock"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/lookup"
	"github.com/yourorg/settlement-orchestrator/internal/orchestrator"
	"github.com/yourorg/settlement-orchestrator/internal/registry"
	"github.com/yourorg/settlement-orchestrator/internal/reporting"
	"github.com/yourorg/settlement-orchestrator/internal/router"
	"github.com/yourorg/settlement-orchestrator/internal/server"
	"github.com/yourorg/settlement-orchestrator/internal/store/memory"
	"github.com/yourorg/settlement-orchestrator/internal/webhook"
)

type MockOrchestrator struct {
	mock.Mock
}

func (m *MockOrchestrator) tx(args mock.Arguments) (*domain.Transaction, error) {
	tx, _ := args.Get(0).(*domain.Transaction)
	return tx, args.Error(1)
}

func (m *MockOrchestrator) CreatePayment(ctx context.Context, in orchestrator.PaymentInput) (*domain.Transaction, error) {
	return m.tx(m.Called(in))
}

func (m *MockOrchestrator) CreateWithdrawal(ctx context.Context, in orchestrator.WithdrawalInput) (*domain.Transaction, error) {
	return m.tx(m.Called(in))
}

func (m *MockOrchestrator) CreateBillPayment(ctx context.Context, in orchestrator.BillInput) (*domain.Transaction, error) {
	return m.tx(m.Called(in))
}

func (m *MockOrchestrator) ConfirmSettlement(ctx context.Context, id string, received decimal.Decimal, depositRef string) (*domain.Transaction, error) {
	return m.tx(m.Called(id, received.String(), depositRef))
}

func (m *MockOrchestrator) Get(ctx context.Context, id string) (*domain.Transaction, error) {
	return m.tx(m.Called(id))
}

type recordingApplier struct {
	actions []domain.Action
	err     error
}

func (a *recordingApplier) ApplyNotification(ctx context.Context, n domain.Notification, action domain.Action) error {
	a.actions = append(a.actions, action)
	return a.err
}

type stubReporter struct {
	from, to time.Time
}

func (r *stubReporter) Generate(ctx context.Context, from, to time.Time) (*reporting.RetrospectiveReport, error) {
	r.from, r.to = from, to
	return &reporting.RetrospectiveReport{TotalTransactions: 2, Completed: 1, Failed: 1}, nil
}

type harness struct {
	engine   http.Handler
	orch     *MockOrchestrator
	applier  *recordingApplier
	rail     *adaptermock.MockAdapter
	reporter *stubReporter
}

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	rail := adaptermock.NewMockAdapter("rail")
	reg, err := registry.New(registry.Config{Default: "rail"}, lookup.Default(), rail)
	require.NoError(t, err)

	s := memory.New()
	applier := &recordingApplier{}
	wh := webhook.NewProcessor(webhook.Config{Providers: reg, Events: s, Dedup: s, Applier: applier}, nil)

	h := &harness{orch: &MockOrchestrator{}, applier: applier, rail: rail, reporter: &stubReporter{}}
	h.engine = server.New(server.Config{
		Orchestrator: h.orch,
		Webhooks:     wh,
		Providers:    reg,
		Reporter:     h.reporter,
		Metrics:      http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("metrics")) }),
		Health:       func(context.Context) error { return nil },
		Now:          func() time.Time { return now },
	}, nil).Handler()
	return h
}

func (h *harness) do(method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.engine.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func sampleTx(kind domain.Kind, state domain.State) *domain.Transaction {
	return &domain.Transaction{
		ID:       "tx-1",
		Kind:     kind,
		State:    state,
		Amount:   decimal.NewFromInt(5000),
		Currency: "NGN",
		Provider: "rail",
	}
}

func TestWebhook_StatusCodes(t *testing.T) {
	h := newHarness(t)
	payload := []byte(`{"id":"evt-1","event":"charge.success","reference":"tx-1","status":"success"}`)

	w := h.do(http.MethodPost, "/webhooks/rail", payload, map[string]string{adaptermock.SignatureHeader: h.rail.Sign(payload)})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "processed", decode(t, w)["status"])
	assert.Equal(t, []domain.Action{domain.ActionPaymentSuccess}, h.applier.actions)

	w = h.do(http.MethodPost, "/webhooks/rail", payload, map[string]string{adaptermock.SignatureHeader: h.rail.Sign(payload)})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "already_processed", decode(t, w)["status"])
	assert.Len(t, h.applier.actions, 1)

	w = h.do(http.MethodPost, "/webhooks/rail", payload, map[string]string{adaptermock.SignatureHeader: "forged"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(http.MethodPost, "/webhooks/nobody", payload, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rejected", decode(t, w)["status"])
	assert.Len(t, h.applier.actions, 1)
}

func TestWebhook_OversizedPayloadIsRejectedWith200(t *testing.T) {
	h := newHarness(t)
	payload := bytes.Repeat([]byte("a"), 1<<20+1)

	w := h.do(http.MethodPost, "/webhooks/rail", payload, map[string]string{adaptermock.SignatureHeader: h.rail.Sign(payload)})
	assert.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "rejected", out["status"])
	assert.Equal(t, "unreadable or oversized payload", out["reason"])
	assert.Empty(t, h.applier.actions)
}

func TestWebhook_ApplyFailureIsAcknowledged(t *testing.T) {
	h := newHarness(t)
	h.applier.err = errors.New("store unavailable")
	payload := []byte(`{"id":"evt-2","event":"bill.success","reference":"tx-9","token":"12345678901234567890"}`)

	w := h.do(http.MethodPost, "/webhooks/rail", payload, map[string]string{adaptermock.SignatureHeader: h.rail.Sign(payload)})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "accepted", decode(t, w)["status"])
}

func TestCreatePayment(t *testing.T) {
	h := newHarness(t)
	h.orch.On("CreatePayment", mock.MatchedBy(func(in orchestrator.PaymentInput) bool {
		return in.Amount.Equal(decimal.NewFromInt(5000)) && in.Currency == "NGN" && in.Customer.Email == "ada@example.com"
	})).Return(sampleTx(domain.KindPayment, domain.StateCompleted), nil)

	body := []byte(`{"amount":"5000","currency":"NGN","customer":{"email":"ada@example.com"},"wallet_address":"GABC"}`)
	w := h.do(http.MethodPost, "/v1/payments", body, nil)

	require.Equal(t, http.StatusCreated, w.Code)
	out := decode(t, w)
	assert.Equal(t, "tx-1", out["id"])
	assert.Equal(t, "completed", out["state"])
	assert.Equal(t, "5000", out["amount"])
	h.orch.AssertExpectations(t)
}

func TestCreatePayment_Errors(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/v1/payments", []byte(`{"amount":"10"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.orch.On("CreatePayment", mock.MatchedBy(func(in orchestrator.PaymentInput) bool { return in.Currency == "XYZ" })).
		Return(nil, domain.NewValidationError("currency", "unsupported"))
	w = h.do(http.MethodPost, "/v1/payments", []byte(`{"amount":"10","currency":"XYZ"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.orch.On("CreatePayment", mock.MatchedBy(func(in orchestrator.PaymentInput) bool { return in.Currency == "NGN" })).
		Return(nil, router.ErrNoHealthyProvider)
	w = h.do(http.MethodPost, "/v1/payments", []byte(`{"amount":"10","currency":"NGN"}`), nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCreateWithdrawal_RequiresDestination(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodPost, "/v1/withdrawals", []byte(`{"amount":"10","currency":"NGN","wallet_address":"GABC"}`), nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	h.orch.On("CreateWithdrawal", mock.MatchedBy(func(in orchestrator.WithdrawalInput) bool {
		return in.Destination.AccountNumber == "0123456789" && in.Destination.BankCode == "058"
	})).Return(sampleTx(domain.KindWithdrawal, domain.StateProcessing), nil)

	body := []byte(`{"amount":"10","currency":"NGN","wallet_address":"GABC","destination":{"account_number":"0123456789","bank_code":"058"}}`)
	w = h.do(http.MethodPost, "/v1/withdrawals", body, nil)
	assert.Equal(t, http.StatusCreated, w.Code)
	h.orch.AssertExpectations(t)
}

func TestBillLifecycleEndpoints(t *testing.T) {
	h := newHarness(t)
	h.orch.On("CreateBillPayment", mock.MatchedBy(func(in orchestrator.BillInput) bool {
		return in.BillType == "electricity" && in.Currency == "NGN" && in.CustomerPhone == "08031234567"
	})).Return(sampleTx(domain.KindBillPayment, domain.StatePendingPayment), nil)

	body := []byte(`{"amount":"5000","bill_type":"electricity","account_number":"45012345678","wallet_address":"GABC","customer":{"phone":"08031234567"}}`)
	w := h.do(http.MethodPost, "/v1/bills", body, nil)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "pending_payment", decode(t, w)["state"])

	settled := sampleTx(domain.KindBillPayment, domain.StateCompleted)
	settled.ReceivedAmount = decimal.NewFromInt(5000)
	h.orch.On("ConfirmSettlement", "tx-1", "5000", "dep-7").Return(settled, nil)

	w = h.do(http.MethodPost, "/v1/bills/tx-1/settlement", []byte(`{"received_amount":"5000","deposit_reference":"dep-7"}`), nil)
	require.Equal(t, http.StatusOK, w.Code)
	out := decode(t, w)
	assert.Equal(t, "completed", out["state"])
	assert.Equal(t, "5000", out["received_amount"])
	h.orch.AssertExpectations(t)
}

func TestGetTransaction(t *testing.T) {
	h := newHarness(t)
	h.orch.On("Get", "tx-1").Return(sampleTx(domain.KindPayment, domain.StatePending), nil)
	h.orch.On("Get", "missing").Return(nil, domain.ErrNotFound)

	w := h.do(http.MethodGet, "/v1/transactions/tx-1", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/v1/transactions/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetrospective(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/v1/reports/retrospective", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, now.Add(-24*time.Hour), h.reporter.from)
	assert.Equal(t, now, h.reporter.to)
	out := decode(t, w)
	assert.InDelta(t, 0.5, out["success_rate"], 1e-9)

	w = h.do(http.MethodGet, "/v1/reports/retrospective?from=2024-05-01T00:00:00Z&to=2024-05-02T00:00:00Z", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), h.reporter.from)

	w = h.do(http.MethodGet, "/v1/reports/retrospective?from=yesterday", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t)

	w := h.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "metrics", w.Body.String())
}

func TestNew_PanicsWithoutCollaborators(t *testing.T) {
	assert.Panics(t, func() { server.New(server.Config{}, nil) })
}
