package processor_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	adaptermock "github.com/yourorg/settlement-orchestrator/internal/adapter/mock"
	"github.com/yourorg/settlement-orchestrator/internal/attempt"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/processor"
)

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (s *recordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.waits = append(s.waits, d)
	s.mu.Unlock()
	return ctx.Err()
}

type healthSpy struct {
	successes, failures int
}

func (h *healthSpy) RecordSuccess(string) { h.successes++ }
func (h *healthSpy) RecordFailure(string) { h.failures++ }

type observerSpy struct {
	outcomes []string
}

func (o *observerSpy) ObserveProviderCall(provider, op, outcome string, d time.Duration) {
	o.outcomes = append(o.outcomes, op+":"+outcome)
}

func paymentRequest(ref string) processor.Request {
	return processor.Request{
		Operation: processor.OpInitiate,
		Payment:   adapter.PaymentRequest{Reference: ref, Amount: decimal.NewFromInt(100), Currency: "NGN"},
	}
}

func TestProcessor_Execute(t *testing.T) {
	t.Run("Successful payment processing", func(t *testing.T) {
		m := adaptermock.NewMockAdapter("test-provider")
		var seen attempt.Context
		m.InitiateFunc = func(ctx context.Context, req adapter.PaymentRequest) (adapter.Result, error) {
			var ok bool
			seen, ok = attempt.From(ctx)
			require.True(t, ok)
			return adapter.Result{Provider: "test-provider", ProviderReference: "prov123", Status: adapter.StatusSuccess}, nil
		}
		health := &healthSpy{}
		obs := &observerSpy{}
		proc := processor.NewProcessor(nil, processor.WithHealthRecorder(health), processor.WithObserver(obs))

		res, err := proc.Execute(context.Background(), m, paymentRequest("tx-1"))
		require.NoError(t, err)
		assert.Equal(t, "prov123", res.ProviderReference)
		assert.Equal(t, "1", res.Details["attempts"])
		assert.Equal(t, "tx-1", seen.IdempotencyKey)
		assert.Equal(t, 1, seen.Number)
		assert.Equal(t, 1, health.successes)
		assert.Equal(t, []string{"initiate:success"}, obs.outcomes)
	})

	t.Run("Adapter error is returned", func(t *testing.T) {
		m := adaptermock.NewMockAdapter("p")
		m.WithdrawFunc = func(ctx context.Context, req adapter.WithdrawalRequest) (adapter.Result, error) {
			return adapter.Result{}, domain.NewProviderError("p", 503, "", "down")
		}
		health := &healthSpy{}
		proc := processor.NewProcessor(nil, processor.WithHealthRecorder(health))
		_, err := proc.Execute(context.Background(), m, processor.Request{
			Operation: processor.OpWithdraw, Withdrawal: adapter.WithdrawalRequest{Reference: "tx"},
		})
		require.Error(t, err)
		assert.Equal(t, 1, health.failures)
	})

	t.Run("Client errors do not count against provider health", func(t *testing.T) {
		m := adaptermock.NewMockAdapter("p")
		m.InitiateFunc = func(ctx context.Context, req adapter.PaymentRequest) (adapter.Result, error) {
			return adapter.Result{}, domain.NewProviderError("p", 400, "", "bad card")
		}
		health := &healthSpy{}
		proc := processor.NewProcessor(nil, processor.WithHealthRecorder(health))
		_, err := proc.Execute(context.Background(), m, paymentRequest("tx"))
		require.Error(t, err)
		assert.Equal(t, 0, health.failures)
		assert.Equal(t, 1, health.successes)
	})

	t.Run("Pay bill requires a biller", func(t *testing.T) {
		proc := processor.NewProcessor(nil)
		_, err := proc.Execute(context.Background(), nonBiller{adaptermock.NewMockAdapter("p")}, processor.Request{
			Operation: processor.OpPayBill, Bill: adapter.BillRequest{Reference: "tx"},
		})
		assert.ErrorIs(t, err, domain.ErrValidation)
	})

	t.Run("Missing reference", func(t *testing.T) {
		proc := processor.NewProcessor(nil)
		_, err := proc.Execute(context.Background(), adaptermock.NewMockAdapter("p"), paymentRequest(""))
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

// nonBiller hides the Biller methods of the mock.
type nonBiller struct{ adapter.ProviderAdapter }

func TestExecuteWithRetry_ExhaustsAfterThreeAttempts(t *testing.T) {
	m := adaptermock.NewMockAdapter("flaky")
	m.PayBillFunc = func(ctx context.Context, req adapter.BillRequest) (adapter.Result, error) {
		return adapter.Result{}, errors.New("connection reset by peer")
	}
	sleeper := &recordingSleeper{}
	proc := processor.NewProcessor(nil, processor.WithSleep(sleeper.Sleep))

	_, err := proc.ExecuteWithRetry(context.Background(), m, processor.Request{
		Operation: processor.OpPayBill,
		Bill:      adapter.BillRequest{Reference: "tx-1", BillType: domain.BillAirtime},
	}, domain.RetryPolicy{MaxAttempts: 3, BackoffSeconds: []int{30, 60, 120}})

	var rle *domain.RetryLimitExceededError
	require.True(t, errors.As(err, &rle), "got %v", err)
	assert.Equal(t, 3, rle.Attempts)
	assert.Equal(t, 3, m.Calls("pay_bill"))
	assert.Equal(t, []time.Duration{30 * time.Second, 60 * time.Second}, sleeper.waits)
}

func TestExecuteWithRetry_SucceedsOnSecondAttempt(t *testing.T) {
	m := adaptermock.NewMockAdapter("p")
	calls := 0
	m.InitiateFunc = func(ctx context.Context, req adapter.PaymentRequest) (adapter.Result, error) {
		calls++
		if calls == 1 {
			return adapter.Result{}, domain.NewProviderError("p", 502, "", "bad gateway")
		}
		return adapter.Result{Status: adapter.StatusSuccess}, nil
	}
	sleeper := &recordingSleeper{}
	proc := processor.NewProcessor(nil, processor.WithSleep(sleeper.Sleep))

	res, err := proc.ExecuteWithRetry(context.Background(), m, paymentRequest("tx"), domain.RetryPolicy{MaxAttempts: 3, BackoffSeconds: []int{1}})
	require.NoError(t, err)
	assert.Equal(t, "2", res.Details["attempts"])
	assert.Equal(t, []time.Duration{time.Second}, sleeper.waits)
}

func TestExecuteWithRetry_NonRetryableStopsImmediately(t *testing.T) {
	m := adaptermock.NewMockAdapter("p")
	m.InitiateFunc = func(ctx context.Context, req adapter.PaymentRequest) (adapter.Result, error) {
		return adapter.Result{}, domain.NewValidationError("amount", "too small")
	}
	sleeper := &recordingSleeper{}
	proc := processor.NewProcessor(nil, processor.WithSleep(sleeper.Sleep))

	_, err := proc.ExecuteWithRetry(context.Background(), m, paymentRequest("tx"), domain.DefaultRetryPolicy())
	assert.ErrorIs(t, err, domain.ErrValidation)
	assert.Equal(t, 1, m.Calls("initiate"))
	assert.Empty(t, sleeper.waits)
}

func TestExecuteWithRetry_ResumesFromPriorAttempts(t *testing.T) {
	m := adaptermock.NewMockAdapter("p")
	var numbers []int
	m.InitiateFunc = func(ctx context.Context, req adapter.PaymentRequest) (adapter.Result, error) {
		a, _ := attempt.From(ctx)
		numbers = append(numbers, a.Number)
		return adapter.Result{}, errors.New("timeout")
	}
	sleeper := &recordingSleeper{}
	proc := processor.NewProcessor(nil, processor.WithSleep(sleeper.Sleep))

	req := paymentRequest("tx")
	req.PriorAttempts = 2
	_, err := proc.ExecuteWithRetry(context.Background(), m, req, domain.RetryPolicy{MaxAttempts: 3, BackoffSeconds: []int{30, 60, 120}})

	var rle *domain.RetryLimitExceededError
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 3, rle.Attempts)
	assert.Equal(t, []int{3}, numbers)
	assert.Empty(t, sleeper.waits)

	req.PriorAttempts = 3
	_, err = proc.ExecuteWithRetry(context.Background(), m, req, domain.RetryPolicy{MaxAttempts: 3})
	require.ErrorAs(t, err, &rle)
	assert.Equal(t, 1, m.Calls("initiate"), "no attempt once the budget is spent")
}

func TestExecuteWithRetry_RetryAfterOverridesShorterBackoff(t *testing.T) {
	m := adaptermock.NewMockAdapter("p")
	m.InitiateFunc = func(ctx context.Context, req adapter.PaymentRequest) (adapter.Result, error) {
		perr := domain.NewProviderError("p", 429, "", "slow down")
		perr.RetryAfter = 5 * time.Second
		return adapter.Result{}, perr
	}
	sleeper := &recordingSleeper{}
	proc := processor.NewProcessor(nil, processor.WithSleep(sleeper.Sleep))
	_, _ = proc.ExecuteWithRetry(context.Background(), m, paymentRequest("tx"), domain.RetryPolicy{MaxAttempts: 2, BackoffSeconds: []int{1}})
	assert.Equal(t, []time.Duration{5 * time.Second}, sleeper.waits)
}

func TestExecuteWithRetry_CancelledContext(t *testing.T) {
	m := adaptermock.NewMockAdapter("p")
	m.InitiateFunc = func(ctx context.Context, req adapter.PaymentRequest) (adapter.Result, error) {
		return adapter.Result{}, errors.New("timeout")
	}
	ctx, cancel := context.WithCancel(context.Background())
	proc := processor.NewProcessor(nil, processor.WithSleep(func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}))

	_, err := proc.ExecuteWithRetry(ctx, m, paymentRequest("tx"), domain.DefaultRetryPolicy())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, m.Calls("initiate"))
}
