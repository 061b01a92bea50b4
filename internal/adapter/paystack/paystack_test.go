package paystack

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
)

func TestInitiate_AmountInKobo(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/initialize", r.URL.Path)
		assert.Equal(t, "Bearer sk_test", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 1050050, body["amount"])
		assert.Equal(t, "tx-1", body["reference"])
		_, _ = w.Write([]byte(`{"status":true,"message":"Authorization URL created","data":{"authorization_url":"https://checkout.paystack.com/x","access_code":"x","reference":"tx-1"}}`))
	}))
	defer server.Close()

	a := New(Config{SecretKey: "sk_test", BaseURL: server.URL}, server.Client(), nil)
	res, err := a.Initiate(context.Background(), adapter.PaymentRequest{
		Reference: "tx-1", Amount: decimal.RequireFromString("10500.50"), Currency: "NGN",
		Customer: adapter.Customer{Email: "a@b.c"},
	})
	require.NoError(t, err)
	assert.Equal(t, adapter.StatusPending, res.Status)
	assert.Equal(t, "https://checkout.paystack.com/x", res.CheckoutURL)
	assert.Equal(t, "x", res.Details["access_code"])
}

func TestWithdraw_CreatesRecipientThenTransfer(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		switch r.URL.Path {
		case "/transferrecipient":
			_, _ = w.Write([]byte(`{"status":true,"data":{"recipient_code":"RCP_1"}}`))
		case "/transfer":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "RCP_1", body["recipient"])
			assert.Equal(t, "tx-2", body["reference"])
			_, _ = w.Write([]byte(`{"status":true,"data":{"transfer_code":"TRF_1","status":"pending","reference":"tx-2"}}`))
		}
	}))
	defer server.Close()

	a := New(Config{SecretKey: "sk_test", BaseURL: server.URL}, server.Client(), nil)
	res, err := a.Withdraw(context.Background(), adapter.WithdrawalRequest{
		Reference: "tx-2", Amount: decimal.NewFromInt(100), Currency: "NGN",
		Destination: adapter.BankAccount{AccountNumber: "0123456789", BankCode: "058"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"/transferrecipient", "/transfer"}, paths)
	assert.Equal(t, "TRF_1", res.ProviderReference)
	assert.Equal(t, adapter.StatusPending, res.Status)
}

func TestVerify_ReportsAmountInNaira(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/transaction/verify/tx-7", r.URL.Path)
		_, _ = w.Write([]byte(`{"status":true,"message":"Verification successful","data":{"id":88,"reference":"tx-7","status":"success","amount":250050,"currency":"NGN"}}`))
	}))
	defer server.Close()

	a := New(Config{SecretKey: "sk_test", BaseURL: server.URL}, server.Client(), nil)
	res, err := a.Verify(context.Background(), "tx-7")
	require.NoError(t, err)
	assert.Equal(t, adapter.StatusSuccess, res.Status)
	assert.Equal(t, "88", res.ProviderReference)
	assert.True(t, decimal.RequireFromString("2500.50").Equal(res.Amount))
}

func TestVerify_StatusFalseIsProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":false,"message":"Transaction reference not found"}`))
	}))
	defer server.Close()

	a := New(Config{SecretKey: "sk_test", BaseURL: server.URL}, server.Client(), nil)
	_, err := a.Verify(context.Background(), "nope")
	var perr *domain.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "Transaction reference not found", perr.Message)
}

func TestVerifyWebhook_HMACSHA512(t *testing.T) {
	a := New(Config{SecretKey: "sk_test"}, nil, nil)
	payload := []byte(`{"event":"charge.success"}`)
	assert.True(t, a.VerifyWebhook(Sign("sk_test", payload), payload))
	assert.False(t, a.VerifyWebhook(Sign("other", payload), payload))
	assert.False(t, a.VerifyWebhook("", payload))
}

func TestParseWebhookEvent(t *testing.T) {
	a := New(Config{}, nil, nil)
	n, err := a.ParseWebhookEvent([]byte(`{"event":"charge.success","data":{"id":302961,"reference":"tx-1","status":"success","amount":500000,"currency":"NGN","gateway_response":"Approved"}}`))
	require.NoError(t, err)
	assert.Equal(t, "charge.success:302961", n.EventID)
	assert.Equal(t, "tx-1", n.TransactionRef)
	assert.True(t, decimal.NewFromInt(5000).Equal(n.Amount))
	assert.Equal(t, "Approved", n.Message)

	tr, err := a.ParseWebhookEvent([]byte(`{"event":"transfer.failed","data":{"transfer_code":"TRF_9","reference":"tx-9","status":"failed","amount":100}}`))
	require.NoError(t, err)
	assert.Equal(t, "TRF_9", tr.ProviderReference)
	assert.Equal(t, "transfer.failed:TRF_9", tr.EventID)
}
