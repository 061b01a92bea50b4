// Package paystack integrates the Paystack API for card and bank collections and
// for transfers to bank accounts.
package paystack

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/httpretry"
)

const (
	defaultBaseURL  = "https://api.paystack.co"
	providerName    = "paystack"
	signatureHeader = "x-paystack-signature"
)

// Config holds Paystack credentials and selection metadata. Webhooks are signed
// with the secret key.
type Config struct {
	SecretKey  string
	BaseURL    string
	Currencies []string
	Countries  []string
	FeeBps     *int
}

// Adapter implements adapter.ProviderAdapter for Paystack.
type Adapter struct {
	cfg     Config
	client  *httpretry.Client
	baseURL string
	logger  *slog.Logger
}

var _ adapter.ProviderAdapter = (*Adapter)(nil)

// New creates a Paystack adapter.
func New(cfg Config, client *http.Client, logger *slog.Logger, opts ...httpretry.Option) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if len(cfg.Currencies) == 0 {
		cfg.Currencies = []string{"NGN", "GHS", "ZAR", "USD"}
	}
	if len(cfg.Countries) == 0 {
		cfg.Countries = []string{"NG", "GH", "ZA"}
	}
	opts = append([]httpretry.Option{httpretry.WithErrorDecoder(decodeError), httpretry.WithLogger(logger)}, opts...)
	return &Adapter{
		cfg:     cfg,
		client:  httpretry.New(providerName, client, opts...),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logger.With("component", "adapter", "provider", providerName),
	}
}

func (a *Adapter) Descriptor() adapter.Descriptor {
	return adapter.Descriptor{Name: providerName, Currencies: a.cfg.Currencies, Countries: a.cfg.Countries, FeeBps: a.cfg.FeeBps}
}

func (a *Adapter) SignatureHeader() string { return signatureHeader }

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeError(body []byte) (string, string) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", ""
	}
	return "", env.Message
}

type data struct {
	ID               json.Number `json:"id"`
	Reference        string      `json:"reference"`
	Status           string      `json:"status"`
	Amount           int64       `json:"amount"`
	Currency         string      `json:"currency"`
	GatewayResponse  string      `json:"gateway_response"`
	Reason           string      `json:"reason"`
	AuthorizationURL string      `json:"authorization_url"`
	AccessCode       string      `json:"access_code"`
	TransferCode     string      `json:"transfer_code"`
	RecipientCode    string      `json:"recipient_code"`
}

func (d data) providerReference() string {
	if d.TransferCode != "" {
		return d.TransferCode
	}
	return d.ID.String()
}

func (d data) message() string {
	if d.GatewayResponse != "" {
		return d.GatewayResponse
	}
	return d.Reason
}

func mapStatus(s string) adapter.Status {
	switch strings.ToLower(s) {
	case "success":
		return adapter.StatusSuccess
	case "failed", "reversed", "abandoned":
		return adapter.StatusFailed
	default:
		return adapter.StatusPending
	}
}

// subunits converts naira/cedi/rand to kobo/pesewa/cents.
func subunits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func (a *Adapter) do(ctx context.Context, method, path string, in any, reference string) (data, adapter.Result, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.cfg.SecretKey)
	var env envelope
	resp, err := a.client.DoJSON(ctx, method, a.baseURL+path, in, h, &env)
	res := adapter.Result{Provider: providerName, Reference: reference, Details: map[string]string{}}
	if resp != nil {
		res.HTTPStatus = resp.StatusCode
		res.RawResponse = resp.Body
		res.LatencyMs = resp.Latency.Milliseconds()
	}
	if err != nil {
		res.Status = adapter.StatusFailed
		return data{}, res, fmt.Errorf("paystack: %s %s: %w", method, path, err)
	}
	if !env.Status {
		res.Status = adapter.StatusFailed
		return data{}, res, &domain.ProviderError{Provider: providerName, StatusCode: resp.StatusCode, Message: env.Message}
	}
	var d data
	if len(env.Data) > 0 && env.Data[0] == '{' {
		if err := json.Unmarshal(env.Data, &d); err != nil {
			return data{}, res, fmt.Errorf("paystack: decode data: %w", err)
		}
	}
	res.ProviderReference = d.providerReference()
	res.Status = mapStatus(d.Status)
	res.Message = d.message()
	if d.Amount > 0 {
		res.Amount = decimal.New(d.Amount, -2)
	}
	if res.Reference == "" {
		res.Reference = d.Reference
	}
	return d, res, nil
}

// Initiate initializes a transaction; the customer completes it on the
// authorization URL and the outcome arrives by webhook.
func (a *Adapter) Initiate(ctx context.Context, req adapter.PaymentRequest) (adapter.Result, error) {
	body := map[string]any{
		"email":     req.Customer.Email,
		"amount":    subunits(req.Amount),
		"currency":  req.Currency,
		"reference": req.Reference,
		"metadata":  req.Metadata,
	}
	d, res, err := a.do(ctx, http.MethodPost, "/transaction/initialize", body, req.Reference)
	if err != nil {
		return res, err
	}
	res.Status = adapter.StatusPending
	res.CheckoutURL = d.AuthorizationURL
	res.Details["access_code"] = d.AccessCode
	return res, nil
}

// Verify confirms a transaction by our reference.
func (a *Adapter) Verify(ctx context.Context, reference string) (adapter.Result, error) {
	_, res, err := a.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, reference)
	return res, err
}

// Withdraw creates a NUBAN transfer recipient and sends a transfer to it. The
// transfer reference is our transaction id so Paystack rejects duplicates.
func (a *Adapter) Withdraw(ctx context.Context, req adapter.WithdrawalRequest) (adapter.Result, error) {
	recipient := map[string]any{
		"type":           "nuban",
		"name":           req.Destination.AccountName,
		"account_number": req.Destination.AccountNumber,
		"bank_code":      req.Destination.BankCode,
		"currency":       req.Currency,
	}
	rcp, res, err := a.do(ctx, http.MethodPost, "/transferrecipient", recipient, req.Reference)
	if err != nil {
		return res, err
	}
	transfer := map[string]any{
		"source":    "balance",
		"amount":    subunits(req.Amount),
		"recipient": rcp.RecipientCode,
		"reason":    req.Narration,
		"reference": req.Reference,
	}
	d, res, err := a.do(ctx, http.MethodPost, "/transfer", transfer, req.Reference)
	if err != nil {
		return res, err
	}
	a.logger.Info("transfer queued", "reference", req.Reference, "transfer_code", d.TransferCode, "status", d.Status)
	return res, nil
}

// QueryStatus fetches a transfer (TRF_ codes) or a transaction by id.
func (a *Adapter) QueryStatus(ctx context.Context, providerReference string) (adapter.Result, error) {
	path := "/transaction/"
	if strings.HasPrefix(providerReference, "TRF_") {
		path = "/transfer/"
	}
	_, res, err := a.do(ctx, http.MethodGet, path+url.PathEscape(providerReference), nil, "")
	return res, err
}

// Sign returns the hex HMAC-SHA512 of payload under the secret key.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha512.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook checks x-paystack-signature.
func (a *Adapter) VerifyWebhook(signature string, payload []byte) bool {
	if signature == "" || a.cfg.SecretKey == "" {
		return false
	}
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(Sign(a.cfg.SecretKey, payload)))
}

type event struct {
	Event string `json:"event"`
	Data  data   `json:"data"`
}

// ParseWebhookEvent decodes charge.* and transfer.* events.
func (a *Adapter) ParseWebhookEvent(payload []byte) (domain.Notification, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.Notification{}, fmt.Errorf("paystack: decode event: %w", err)
	}
	n := domain.Notification{
		Provider:          providerName,
		EventType:         ev.Event,
		TransactionRef:    ev.Data.Reference,
		ProviderReference: ev.Data.providerReference(),
		Status:            ev.Data.Status,
		Amount:            decimal.New(ev.Data.Amount, -2),
		Currency:          ev.Data.Currency,
		Message:           ev.Data.message(),
	}
	if n.ProviderReference != "" {
		n.EventID = ev.Event + ":" + n.ProviderReference
	}
	return n, nil
}
