package orchestrator_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	adaptermock "github.com/yourorg/settlement-orchestrator/internal/adapter/mock"
	"github.com/yourorg/settlement-orchestrator/internal/bill/verifier"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/events"
	"github.com/yourorg/settlement-orchestrator/internal/ledger"
	"github.com/yourorg/settlement-orchestrator/internal/lookup"
	"github.com/yourorg/settlement-orchestrator/internal/orchestrator"
	"github.com/yourorg/settlement-orchestrator/internal/processor"
	"github.com/yourorg/settlement-orchestrator/internal/refund"
	"github.com/yourorg/settlement-orchestrator/internal/registry"
	"github.com/yourorg/settlement-orchestrator/internal/router"
	"github.com/yourorg/settlement-orchestrator/internal/router/circuitbreaker"
	"github.com/yourorg/settlement-orchestrator/internal/store/memory"
)

var wallet = "G" + strings.Repeat("A", 55)

// MockObserver is a mock for orchestrator.Observer.
type MockObserver struct {
	mock.Mock
}

func (m *MockObserver) ObserveTransition(kind, from, to string) {
	m.Called(kind, from, to)
}

func (m *MockObserver) ObserveRefund(outcome string) {
	m.Called(outcome)
}

type harness struct {
	o      *orchestrator.Orchestrator
	store  *memory.Store
	ledger *ledger.Memory
	events *events.Memory
	rail   *adaptermock.MockAdapter
	biller *adaptermock.MockAdapter
}

func newHarness(t *testing.T, observer orchestrator.Observer) *harness {
	t.Helper()
	h := &harness{
		store:  memory.New(),
		ledger: ledger.NewMemory(decimal.NewFromInt(1_000_000)),
		events: &events.Memory{},
		rail:   adaptermock.NewMockAdapter("rail"),
		biller: adaptermock.NewMockAdapter("biller"),
	}
	reg, err := registry.New(registry.Config{Default: "rail"}, lookup.Default(), h.rail, h.biller)
	require.NoError(t, err)
	cb := circuitbreaker.NewCircuitBreaker(circuitbreaker.Config{FailureThreshold: 10})
	proc := processor.NewProcessor(nil,
		processor.WithHealthRecorder(cb),
		processor.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	h.o = orchestrator.New(orchestrator.Deps{
		Store:     h.store,
		Registry:  reg,
		Router:    router.NewRouter(reg, cb, router.RouterConfig{}, nil),
		Processor: proc,
		Verifier:  verifier.New(lookup.Default(), nil),
		Refunds:   refund.New(h.ledger, 3, nil),
		Ledger:    h.ledger,
		Events:    h.events,
		Observer:  observer,
	}, orchestrator.Config{Biller: "biller"}, nil)
	return h
}

func (h *harness) states() []string {
	var out []string
	for _, e := range h.events.Events() {
		out = append(out, e.To)
	}
	return out
}

func (h *harness) bill(t *testing.T, billType, account string) *domain.Transaction {
	t.Helper()
	tx, err := h.o.CreateBillPayment(context.Background(), orchestrator.BillInput{
		Amount:        decimal.NewFromInt(5000),
		Currency:      "NGN",
		BillType:      billType,
		AccountNumber: account,
		CustomerPhone: "08031234567",
		WalletAddress: wallet,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatePendingPayment, tx.State)
	assert.Equal(t, "biller", tx.Provider)
	return tx
}

func unavailable(provider string) error {
	return domain.NewProviderError(provider, 503, "", "service unavailable")
}

func TestNew_PanicsOnMissingDeps(t *testing.T) {
	assert.Panics(t, func() { orchestrator.New(orchestrator.Deps{}, orchestrator.Config{}, nil) })
}

func TestCreatePayment_CompletesAndSettles(t *testing.T) {
	obs := new(MockObserver)
	obs.On("ObserveTransition", "payment", "pending", "completed").Once()
	h := newHarness(t, obs)

	tx, err := h.o.CreatePayment(context.Background(), orchestrator.PaymentInput{
		Amount:        decimal.NewFromInt(5000),
		Currency:      "NGN",
		Country:       "NG",
		Customer:      adapter.Customer{Email: "ada@example.com"},
		WalletAddress: wallet,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StateCompleted, tx.State)
	assert.Equal(t, "rail", tx.Provider)
	assert.NotEmpty(t, tx.ProviderReference)
	assert.NotEmpty(t, tx.SettlementTxHash)

	transfers := h.ledger.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, "settle:"+tx.ID, transfers[0].Memo)
	assert.True(t, transfers[0].Amount.Equal(decimal.NewFromInt(5000)))
	assert.Equal(t, []string{"completed"}, h.states())
	obs.AssertExpectations(t)
}

func TestCreatePayment_ExhaustedRetriesFail(t *testing.T) {
	h := newHarness(t, nil)
	h.rail.InitiateFunc = func(context.Context, adapter.PaymentRequest) (adapter.Result, error) {
		return adapter.Result{}, domain.NewProviderError("rail", 500, "", "boom")
	}

	tx, err := h.o.CreatePayment(context.Background(), orchestrator.PaymentInput{
		Amount: decimal.NewFromInt(100), Currency: "NGN", Country: "NG",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StateFailed, tx.State)
	assert.Equal(t, 3, tx.RetryCount)
	assert.Contains(t, tx.ErrorMessage, "retry limit exceeded after 3 attempts")
	assert.Equal(t, 3, h.rail.Calls("initiate"))
	assert.Equal(t, 0, h.biller.Calls("initiate"), "an uncertain failure is never sent elsewhere")
}

func TestCreatePayment_RejectsBadInput(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.o.CreatePayment(context.Background(), orchestrator.PaymentInput{Amount: decimal.Zero, Currency: "NGN"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.o.CreatePayment(context.Background(), orchestrator.PaymentInput{
		Amount: decimal.NewFromInt(1), Currency: "NGN", WalletAddress: "not-a-wallet",
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 0, h.rail.Calls("initiate"))
}

func TestPendingPayment_WebhookCompletesOnce(t *testing.T) {
	h := newHarness(t, nil)
	h.rail.InitiateFunc = func(_ context.Context, req adapter.PaymentRequest) (adapter.Result, error) {
		return adapter.Result{Provider: "rail", Reference: req.Reference, ProviderReference: "ch_1", Status: adapter.StatusPending}, nil
	}
	ctx := context.Background()
	tx, err := h.o.CreatePayment(ctx, orchestrator.PaymentInput{
		Amount: decimal.NewFromInt(700), Currency: "NGN", Country: "NG", WalletAddress: wallet,
	})
	require.NoError(t, err)
	require.Equal(t, domain.StateProcessing, tx.State)

	n := domain.Notification{Provider: "rail", EventID: "evt-1", ProviderReference: "ch_1"}
	require.NoError(t, h.o.ApplyNotification(ctx, n, domain.ActionPaymentSuccess))
	done, err := h.o.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.NotEmpty(t, done.SettlementTxHash)

	// Replays, including a contradicting one, change nothing.
	require.NoError(t, h.o.ApplyNotification(ctx, n, domain.ActionPaymentSuccess))
	require.NoError(t, h.o.ApplyNotification(ctx, n, domain.ActionPaymentFailure))
	again, err := h.o.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, again.State)
	assert.Equal(t, done.Version, again.Version)
	assert.Len(t, h.ledger.Transfers(), 1)
}

func TestPendingPayment_SettlesOnlyWhatWasCollected(t *testing.T) {
	h := newHarness(t, nil)
	h.rail.InitiateFunc = func(_ context.Context, req adapter.PaymentRequest) (adapter.Result, error) {
		return adapter.Result{Provider: "rail", Reference: req.Reference, ProviderReference: "ch_5", Status: adapter.StatusPending}, nil
	}
	ctx := context.Background()
	tx, err := h.o.CreatePayment(ctx, orchestrator.PaymentInput{
		Amount: decimal.NewFromInt(5000), Currency: "NGN", Country: "NG", WalletAddress: wallet,
	})
	require.NoError(t, err)

	n := domain.Notification{Provider: "rail", TransactionRef: tx.ID, ProviderReference: "ch_5", Amount: decimal.NewFromInt(50)}
	require.NoError(t, h.o.ApplyNotification(ctx, n, domain.ActionPaymentSuccess))

	done, err := h.o.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.True(t, decimal.NewFromInt(50).Equal(done.ReceivedAmount))
	assert.Equal(t, "50", done.Metadata["notified_amount"])

	transfers := h.ledger.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, "settle:"+tx.ID, transfers[0].Memo)
	assert.True(t, transfers[0].Amount.Equal(decimal.NewFromInt(50)), "got %s", transfers[0].Amount)
}

func TestReconcile_PaymentSettlesVerifiedAmount(t *testing.T) {
	h := newHarness(t, nil)
	h.rail.InitiateFunc = func(_ context.Context, req adapter.PaymentRequest) (adapter.Result, error) {
		return adapter.Result{Provider: "rail", Reference: req.Reference, ProviderReference: "ch_6", Status: adapter.StatusPending}, nil
	}
	h.rail.QueryStatusFunc = func(_ context.Context, ref string) (adapter.Result, error) {
		return adapter.Result{Provider: "rail", ProviderReference: ref, Status: adapter.StatusSuccess, Amount: decimal.NewFromInt(4000)}, nil
	}
	ctx := context.Background()
	tx, err := h.o.CreatePayment(ctx, orchestrator.PaymentInput{
		Amount: decimal.NewFromInt(5000), Currency: "NGN", Country: "NG", WalletAddress: wallet,
	})
	require.NoError(t, err)

	done, err := h.o.Reconcile(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.NotEmpty(t, done.SettlementTxHash)

	transfers := h.ledger.Transfers()
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].Amount.Equal(decimal.NewFromInt(4000)), "got %s", transfers[0].Amount)
}

func TestCreateWithdrawal_FailureIsRefunded(t *testing.T) {
	obs := new(MockObserver)
	obs.On("ObserveTransition", mock.Anything, mock.Anything, mock.Anything)
	obs.On("ObserveRefund", "refunded").Once()
	h := newHarness(t, obs)
	h.rail.WithdrawFunc = func(context.Context, adapter.WithdrawalRequest) (adapter.Result, error) {
		return adapter.Result{}, domain.NewProviderError("rail", 400, "invalid_account", "account closed")
	}

	tx, err := h.o.CreateWithdrawal(context.Background(), orchestrator.WithdrawalInput{
		Amount:        decimal.NewFromInt(2000),
		Currency:      "NGN",
		Country:       "NG",
		Destination:   adapter.BankAccount{AccountNumber: "0123456785", BankCode: "058"},
		WalletAddress: wallet,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.StateRefunded, tx.State)
	assert.NotEmpty(t, tx.RefundTxHash)
	assert.Equal(t, 1, h.rail.Calls("withdraw"))
	assert.Equal(t, []string{"failed", "refund_initiated", "refund_processing", "refunded"}, h.states())

	transfers := h.ledger.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, wallet, transfers[0].Destination)
	assert.Equal(t, "refund:"+tx.ID, transfers[0].Memo)
	assert.True(t, transfers[0].Amount.Equal(decimal.NewFromInt(2000)))
	obs.AssertExpectations(t)
}

func withdraw(t *testing.T, h *harness) *domain.Transaction {
	t.Helper()
	tx, err := h.o.CreateWithdrawal(context.Background(), orchestrator.WithdrawalInput{
		Amount:        decimal.NewFromInt(2000),
		Currency:      "NGN",
		Country:       "NG",
		Destination:   adapter.BankAccount{AccountNumber: "0123456785", BankCode: "058"},
		WalletAddress: wallet,
	})
	require.NoError(t, err)
	return tx
}

func TestCreateWithdrawal_UnknownOutcomeWaitsForProvider(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.rail.WithdrawFunc = func(context.Context, adapter.WithdrawalRequest) (adapter.Result, error) {
		return adapter.Result{}, domain.NewProviderError("rail", 500, "", "upstream timeout")
	}

	tx := withdraw(t, h)
	assert.Equal(t, domain.StateProcessing, tx.State)
	assert.Equal(t, 3, tx.RetryCount)
	assert.Contains(t, tx.Metadata["outcome_unknown"], "upstream timeout")
	assert.Empty(t, h.ledger.Transfers(), "no refund while the payout may have gone through")

	n := domain.Notification{Provider: "rail", TransactionRef: tx.ID, ProviderReference: "TRF_1"}
	require.NoError(t, h.o.ApplyNotification(ctx, n, domain.ActionWithdrawalSuccess))
	done, err := h.o.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.Empty(t, done.RefundTxHash)
	assert.Empty(t, h.ledger.Transfers())
}

func TestReconcile_UnknownPayoutOutcomeIsResolved(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.rail.WithdrawFunc = func(context.Context, adapter.WithdrawalRequest) (adapter.Result, error) {
		return adapter.Result{}, domain.NewProviderError("rail", 502, "", "bad gateway")
	}
	tx := withdraw(t, h)
	require.Equal(t, domain.StateProcessing, tx.State)

	h.rail.VerifyFunc = func(_ context.Context, ref string) (adapter.Result, error) {
		return adapter.Result{Provider: "rail", Reference: ref, ProviderReference: "TRF_2", Status: adapter.StatusFailed, Message: "account closed"}, nil
	}
	done, err := h.o.Reconcile(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRefunded, done.State)
	assert.Equal(t, 1, h.rail.Calls("verify"))
	require.Len(t, h.ledger.Transfers(), 1)
}

func TestWithdrawal_LateSuccessAfterRefundIsRecorded(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.rail.WithdrawFunc = func(context.Context, adapter.WithdrawalRequest) (adapter.Result, error) {
		return adapter.Result{}, domain.NewProviderError("rail", 400, "invalid_account", "account closed")
	}
	tx := withdraw(t, h)
	require.Equal(t, domain.StateRefunded, tx.State)

	n := domain.Notification{Provider: "rail", TransactionRef: tx.ID, ProviderReference: "TRF_3"}
	require.NoError(t, h.o.ApplyNotification(ctx, n, domain.ActionWithdrawalSuccess))
	require.NoError(t, h.o.ApplyNotification(ctx, n, domain.ActionWithdrawalSuccess))

	got, err := h.o.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRefunded, got.State)
	assert.Equal(t, "true", got.Metadata["late_provider_success"])
	assert.Equal(t, "TRF_3", got.Metadata["late_provider_reference"])
	assert.Equal(t, tx.Version+1, got.Version, "a replayed confirmation writes nothing")
	assert.Len(t, h.ledger.Transfers(), 1)
}

func TestWithdrawal_LateSuccessHoldsRefund(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tx, err := domain.NewTransaction(domain.KindWithdrawal, decimal.NewFromInt(2000), "NGN")
	require.NoError(t, err)
	tx.State = domain.StateFailed
	tx.Provider = "rail"
	tx.WalletAddress = wallet
	tx.ErrorMessage = "provider failed"
	require.NoError(t, h.store.Create(ctx, tx))

	n := domain.Notification{Provider: "rail", TransactionRef: tx.ID, ProviderReference: "TRF_4"}
	require.NoError(t, h.o.ApplyNotification(ctx, n, domain.ActionWithdrawalSuccess))

	got, err := h.o.ResumeRefund(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, got.State)
	assert.Equal(t, "true", got.Metadata["late_provider_success"])
	assert.Empty(t, h.ledger.Transfers(), "the payout was made; no refund goes out")
}

func TestCreateWithdrawal_RejectsBadAccountNumber(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.o.CreateWithdrawal(context.Background(), orchestrator.WithdrawalInput{
		Amount:        decimal.NewFromInt(2000),
		Currency:      "NGN",
		Destination:   adapter.BankAccount{AccountNumber: "0123456789", BankCode: "058"},
		WalletAddress: wallet,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 0, h.rail.Calls("withdraw"))
}

func TestBill_HappyPathStoresToken(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tx := h.bill(t, "electricity", "12345678901")

	done, err := h.o.ConfirmSettlement(ctx, tx.ID, decimal.NewFromInt(5000), "deposit-1")
	require.NoError(t, err)

	assert.Equal(t, domain.StateCompleted, done.State)
	assert.Equal(t, "12345678901234567890", done.Token)
	assert.Equal(t, "123456-789012-345678-90", done.Metadata["token_display"])
	assert.Equal(t, "deposit-1", done.Metadata["deposit_reference"])
	assert.Contains(t, done.Metadata["customer_message"], "123456-789012-345678-90")
	assert.Equal(t, []string{"cngn_received", "verifying_account", "processing_bill", "provider_processing", "completed"}, h.states())

	// A second confirmation is a no-op.
	again, err := h.o.ConfirmSettlement(ctx, tx.ID, decimal.NewFromInt(5000), "deposit-1")
	require.NoError(t, err)
	assert.Equal(t, done.Version, again.Version)
	assert.Equal(t, 1, h.biller.Calls("pay_bill"))
	assert.Empty(t, h.ledger.Transfers())
}

func TestBill_AirtimeUsesInferredNetwork(t *testing.T) {
	h := newHarness(t, nil)
	var got adapter.BillRequest
	h.biller.PayBillFunc = func(_ context.Context, req adapter.BillRequest) (adapter.Result, error) {
		got = req
		return adapter.Result{Provider: "biller", ProviderReference: "air-1", Status: adapter.StatusSuccess}, nil
	}
	tx := h.bill(t, "airtime", "+2348031234567")

	done, err := h.o.ConfirmSettlement(context.Background(), tx.ID, decimal.NewFromInt(5000), "")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.Equal(t, "mtn", got.ProviderCode)
	assert.Equal(t, "2348031234567", got.AccountNumber)
	assert.Equal(t, 0, h.biller.Calls("lookup_account"))
}

func TestBill_AmountMismatchIsRefunded(t *testing.T) {
	h := newHarness(t, nil)
	tx := h.bill(t, "electricity", "12345678901")

	done, err := h.o.ConfirmSettlement(context.Background(), tx.ID, decimal.NewFromInt(4000), "")
	require.NoError(t, err)

	assert.Equal(t, domain.StateRefunded, done.State)
	assert.Contains(t, done.ErrorMessage, "amount mismatch")
	assert.Equal(t, 0, h.biller.Calls("pay_bill"))
	transfers := h.ledger.Transfers()
	require.Len(t, transfers, 1)
	assert.True(t, transfers[0].Amount.Equal(decimal.NewFromInt(4000)), "the received amount goes back")
	assert.Equal(t, []string{"cngn_received", "refund_initiated", "refund_processing", "refunded"}, h.states())
}

func TestBill_InvalidAccountIsRefunded(t *testing.T) {
	h := newHarness(t, nil)
	h.biller.LookupAccountFunc = func(_ context.Context, _ domain.BillType, account, _ string) (domain.AccountInfo, error) {
		return domain.AccountInfo{AccountID: account, Status: "suspended"}, nil
	}
	tx := h.bill(t, "cable", "1234567890")

	done, err := h.o.ConfirmSettlement(context.Background(), tx.ID, decimal.NewFromInt(5000), "")
	require.NoError(t, err)

	assert.Equal(t, domain.StateRefunded, done.State)
	assert.Equal(t, `Account status is "suspended"`, done.ErrorMessage)
	assert.Equal(t, 0, h.biller.Calls("pay_bill"))
	assert.Contains(t, h.states(), "account_invalid")
}

func TestBill_TransientVerificationFailureIsResumed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.biller.LookupAccountFunc = func(context.Context, domain.BillType, string, string) (domain.AccountInfo, error) {
		return domain.AccountInfo{}, unavailable("biller")
	}
	tx := h.bill(t, "water", "WTR-0000123456")

	_, err := h.o.ConfirmSettlement(ctx, tx.ID, decimal.NewFromInt(5000), "")
	require.Error(t, err)
	assert.True(t, domain.IsRetryable(err))
	stuck, err := h.o.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateVerifyingAccount, stuck.State)

	h.biller.LookupAccountFunc = nil
	done, err := h.o.ProcessBill(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
}

func TestBill_ProviderFailuresRetryThenRefund(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.biller.PayBillFunc = func(context.Context, adapter.BillRequest) (adapter.Result, error) {
		return adapter.Result{}, unavailable("biller")
	}
	tx := h.bill(t, "electricity", "12345678901")

	got, err := h.o.ConfirmSettlement(ctx, tx.ID, decimal.NewFromInt(5000), "")
	require.NoError(t, err)
	assert.Equal(t, domain.StateRetryScheduled, got.State)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastRetryAt)

	got, err = h.o.ResumeBill(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRetryScheduled, got.State)
	assert.Equal(t, 2, got.RetryCount)

	got, err = h.o.ResumeBill(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRefunded, got.State)
	assert.Equal(t, 3, got.RetryCount)
	assert.Equal(t, "retry limit exceeded (3/3)", got.Metadata["refund_reason"])
	assert.Equal(t, 3, h.biller.Calls("pay_bill"))
	assert.Len(t, h.ledger.Transfers(), 1)
}

func TestBill_LateSuccessAfterFailureCompletes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.biller.PayBillFunc = func(context.Context, adapter.BillRequest) (adapter.Result, error) {
		return adapter.Result{}, unavailable("biller")
	}
	tx := h.bill(t, "electricity", "12345678901")
	got, err := h.o.ConfirmSettlement(ctx, tx.ID, decimal.NewFromInt(5000), "")
	require.NoError(t, err)
	require.Equal(t, domain.StateRetryScheduled, got.State)

	n := domain.Notification{Provider: "biller", TransactionRef: tx.ID, ProviderReference: "bp-9", Token: "1234 5678 9012 3456"}
	require.NoError(t, h.o.ApplyNotification(ctx, n, domain.ActionBillSuccess))

	done, err := h.o.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.Equal(t, "bp-9", done.ProviderReference)
	assert.Equal(t, "1234567890123456", done.Token)
	assert.Equal(t, "1234-5678-9012-3456", done.Metadata["token_display"])

	// Nothing left for the retry worker.
	assert.False(t, h.o.RetryDue(done, time.Now().Add(time.Hour)))
}

func TestBill_TerminalIgnoresReplayedNotifications(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	tx := h.bill(t, "electricity", "12345678901")
	done, err := h.o.ConfirmSettlement(ctx, tx.ID, decimal.NewFromInt(5000), "")
	require.NoError(t, err)
	require.Equal(t, domain.StateCompleted, done.State)

	n := domain.Notification{Provider: "biller", TransactionRef: tx.ID}
	for i := 0; i < 3; i++ {
		require.NoError(t, h.o.ApplyNotification(ctx, n, domain.ActionBillFailure))
		require.NoError(t, h.o.ApplyNotification(ctx, n, domain.ActionBillSuccess))
	}
	again, err := h.o.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, again.State)
	assert.Equal(t, done.Version, again.Version)
	assert.Equal(t, 0, again.RetryCount)
}

func TestReconcile_PendingBillCompletes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.biller.PayBillFunc = func(_ context.Context, req adapter.BillRequest) (adapter.Result, error) {
		return adapter.Result{Provider: "biller", Reference: req.Reference, ProviderReference: "bp-1", Status: adapter.StatusPending}, nil
	}
	h.biller.QueryStatusFunc = func(_ context.Context, ref string) (adapter.Result, error) {
		return adapter.Result{Provider: "biller", ProviderReference: ref, Status: adapter.StatusSuccess, Token: "1234567890123456"}, nil
	}
	tx := h.bill(t, "electricity", "12345678901")
	got, err := h.o.ConfirmSettlement(ctx, tx.ID, decimal.NewFromInt(5000), "")
	require.NoError(t, err)
	require.Equal(t, domain.StateProviderProcessing, got.State)
	require.Equal(t, "bp-1", got.ProviderReference)

	done, err := h.o.Reconcile(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, done.State)
	assert.Equal(t, "1234567890123456", done.Token)
	assert.Equal(t, 1, h.biller.Calls("query_status"))

	// A second pass has nothing to ask.
	_, err = h.o.Reconcile(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, h.biller.Calls("query_status"))
}

func TestApplyNotification_UnknownTransaction(t *testing.T) {
	h := newHarness(t, nil)
	err := h.o.ApplyNotification(context.Background(), domain.Notification{Provider: "rail", TransactionRef: "missing"}, domain.ActionPaymentSuccess)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	err = h.o.ApplyNotification(context.Background(), domain.Notification{Provider: "rail"}, domain.ActionPaymentSuccess)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.NoError(t, h.o.ApplyNotification(context.Background(), domain.Notification{Provider: "rail"}, domain.ActionUnknown))
}

func TestApplyNotification_IgnoresOtherProviderAndKind(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.rail.InitiateFunc = func(_ context.Context, req adapter.PaymentRequest) (adapter.Result, error) {
		return adapter.Result{Provider: "rail", ProviderReference: "ch_2", Status: adapter.StatusPending}, nil
	}
	tx, err := h.o.CreatePayment(ctx, orchestrator.PaymentInput{Amount: decimal.NewFromInt(10), Currency: "NGN", Country: "NG"})
	require.NoError(t, err)

	require.NoError(t, h.o.ApplyNotification(ctx, domain.Notification{Provider: "biller", TransactionRef: tx.ID}, domain.ActionPaymentSuccess))
	require.NoError(t, h.o.ApplyNotification(ctx, domain.Notification{Provider: "rail", TransactionRef: tx.ID}, domain.ActionWithdrawalSuccess))

	got, err := h.o.Get(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateProcessing, got.State)
}

func TestRetryDue(t *testing.T) {
	h := newHarness(t, nil)
	t0 := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	tx := &domain.Transaction{Kind: domain.KindBillPayment, State: domain.StateRetryScheduled, RetryCount: 1, LastRetryAt: &t0}

	assert.False(t, h.o.RetryDue(tx, t0.Add(29*time.Second)))
	assert.True(t, h.o.RetryDue(tx, t0.Add(30*time.Second)))

	tx.RetryCount = 2
	assert.False(t, h.o.RetryDue(tx, t0.Add(59*time.Second)))
	assert.True(t, h.o.RetryDue(tx, t0.Add(time.Minute)))

	tx.State = domain.StateProviderProcessing
	assert.False(t, h.o.RetryDue(tx, t0.Add(time.Hour)))
}

func TestSettle_WithoutRateLeavesPaymentUnsettled(t *testing.T) {
	h := newHarness(t, nil)
	h.rail.Currencies = []string{"NGN", "USD"}
	tx, err := h.o.CreatePayment(context.Background(), orchestrator.PaymentInput{
		Amount: decimal.NewFromInt(10), Currency: "USD", Country: "NG", WalletAddress: wallet,
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, tx.State)
	assert.Empty(t, tx.SettlementTxHash)
	assert.True(t, orchestrator.NeedsSettlement(tx))

	_, err = h.o.Settle(context.Background(), tx.ID)
	assert.ErrorIs(t, err, orchestrator.ErrNoRate)
	assert.Empty(t, h.ledger.Transfers())
}
