// Package flutterwave integrates the Flutterwave v3 API for card, bank transfer
// and mobile money collections and for bank payouts.
package flutterwave

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/httpretry"
)

const (
	defaultBaseURL  = "https://api.flutterwave.com"
	providerName    = "flutterwave"
	signatureHeader = "verif-hash"
)

// Config holds Flutterwave credentials and selection metadata.
type Config struct {
	SecretKey   string
	WebhookHash string
	BaseURL     string
	RedirectURL string
	Currencies  []string
	Countries   []string
	FeeBps      *int
}

// Adapter implements adapter.ProviderAdapter for Flutterwave.
type Adapter struct {
	cfg     Config
	client  *httpretry.Client
	baseURL string
	logger  *slog.Logger
}

var _ adapter.ProviderAdapter = (*Adapter)(nil)

// New creates a Flutterwave adapter.
func New(cfg Config, client *http.Client, logger *slog.Logger, opts ...httpretry.Option) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if len(cfg.Currencies) == 0 {
		cfg.Currencies = []string{"NGN", "KES", "GHS", "UGX", "USD"}
	}
	if len(cfg.Countries) == 0 {
		cfg.Countries = []string{"NG", "KE", "GH", "UG"}
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
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeError(body []byte) (string, string) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", ""
	}
	return env.Status, env.Message
}

type transaction struct {
	ID        json.Number     `json:"id"`
	TxRef     string          `json:"tx_ref"`
	Reference string          `json:"reference"`
	FlwRef    string          `json:"flw_ref"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Status    string          `json:"status"`
	Message   string          `json:"complete_message"`
	Link      string          `json:"link"`
}

func (t transaction) reference() string {
	if t.TxRef != "" {
		return t.TxRef
	}
	return t.Reference
}

func mapStatus(s string) adapter.Status {
	switch strings.ToLower(s) {
	case "successful", "success", "completed":
		return adapter.StatusSuccess
	case "failed", "cancelled":
		return adapter.StatusFailed
	default:
		return adapter.StatusPending
	}
}

func (a *Adapter) header(idempotencyKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.cfg.SecretKey)
	if idempotencyKey != "" {
		h.Set("X-Idempotency-Key", idempotencyKey)
	}
	return h
}

func (a *Adapter) do(ctx context.Context, method, path string, in any, reference string) (transaction, adapter.Result, error) {
	var env envelope
	resp, err := a.client.DoJSON(ctx, method, a.baseURL+path, in, a.header(reference), &env)
	res := adapter.Result{Provider: providerName, Reference: reference, Details: map[string]string{}}
	if resp != nil {
		res.HTTPStatus = resp.StatusCode
		res.RawResponse = resp.Body
		res.LatencyMs = resp.Latency.Milliseconds()
	}
	if err != nil {
		res.Status = adapter.StatusFailed
		return transaction{}, res, fmt.Errorf("flutterwave: %s %s: %w", method, path, err)
	}
	if env.Status != "success" {
		res.Status = adapter.StatusFailed
		res.Message = env.Message
		return transaction{}, res, &domain.ProviderError{Provider: providerName, StatusCode: resp.StatusCode, Message: env.Message}
	}
	var tx transaction
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &tx); err != nil {
			return transaction{}, res, fmt.Errorf("flutterwave: decode data: %w", err)
		}
	}
	res.Message = env.Message
	res.ProviderReference = tx.ID.String()
	res.Status = mapStatus(tx.Status)
	res.Amount = tx.Amount
	if tx.FlwRef != "" {
		res.Details["flw_ref"] = tx.FlwRef
	}
	if res.Reference == "" {
		res.Reference = tx.reference()
	}
	return tx, res, nil
}

// Initiate creates a hosted payment link; the outcome arrives by webhook.
func (a *Adapter) Initiate(ctx context.Context, req adapter.PaymentRequest) (adapter.Result, error) {
	body := map[string]any{
		"tx_ref":       req.Reference,
		"amount":       json.Number(req.Amount.String()),
		"currency":     req.Currency,
		"redirect_url": a.cfg.RedirectURL,
		"customer": map[string]string{
			"email":       req.Customer.Email,
			"phonenumber": req.Customer.Phone,
			"name":        req.Customer.Name,
		},
		"meta": req.Metadata,
	}
	tx, res, err := a.do(ctx, http.MethodPost, "/v3/payments", body, req.Reference)
	if err != nil {
		return res, err
	}
	res.Status = adapter.StatusPending
	res.CheckoutURL = tx.Link
	a.logger.Info("payment link created", "reference", req.Reference)
	return res, nil
}

// Verify confirms a collection by our tx_ref.
func (a *Adapter) Verify(ctx context.Context, reference string) (adapter.Result, error) {
	_, res, err := a.do(ctx, http.MethodGet, "/v3/transactions/verify_by_reference?tx_ref="+url.QueryEscape(reference), nil, "")
	res.Reference = reference
	return res, err
}

// Withdraw starts a bank transfer.
func (a *Adapter) Withdraw(ctx context.Context, req adapter.WithdrawalRequest) (adapter.Result, error) {
	body := map[string]any{
		"account_bank":   req.Destination.BankCode,
		"account_number": req.Destination.AccountNumber,
		"amount":         json.Number(req.Amount.String()),
		"currency":       req.Currency,
		"narration":      req.Narration,
		"reference":      req.Reference,
	}
	tx, res, err := a.do(ctx, http.MethodPost, "/v3/transfers", body, req.Reference)
	if err != nil {
		return res, err
	}
	a.logger.Info("transfer queued", "reference", req.Reference, "transfer_id", tx.ID.String(), "status", tx.Status)
	return res, nil
}

// QueryStatus fetches a transaction by Flutterwave's numeric id.
func (a *Adapter) QueryStatus(ctx context.Context, providerReference string) (adapter.Result, error) {
	if _, err := strconv.ParseInt(providerReference, 10, 64); err != nil {
		return adapter.Result{}, domain.NewValidationError("provider_reference", "flutterwave ids are numeric")
	}
	_, res, err := a.do(ctx, http.MethodGet, "/v3/transactions/"+providerReference+"/verify", nil, "")
	return res, err
}

// VerifyWebhook compares the verif-hash header to the configured secret hash.
func (a *Adapter) VerifyWebhook(signature string, payload []byte) bool {
	if signature == "" || a.cfg.WebhookHash == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(signature), []byte(a.cfg.WebhookHash)) == 1
}

type event struct {
	Event string      `json:"event"`
	Data  transaction `json:"data"`
}

// ParseWebhookEvent decodes charge.completed and transfer.completed events.
// Flutterwave sends no event id, so the event name and transaction id stand in.
func (a *Adapter) ParseWebhookEvent(payload []byte) (domain.Notification, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.Notification{}, fmt.Errorf("flutterwave: decode event: %w", err)
	}
	eventType := ev.Event
	// A failed charge is still delivered as charge.completed with a failed status.
	if mapStatus(ev.Data.Status) == adapter.StatusFailed {
		eventType = strings.TrimSuffix(strings.TrimSuffix(eventType, ".completed"), ".success") + ".failed"
	}
	n := domain.Notification{
		Provider:          providerName,
		EventType:         eventType,
		TransactionRef:    ev.Data.reference(),
		ProviderReference: ev.Data.ID.String(),
		Status:            ev.Data.Status,
		Amount:            ev.Data.Amount,
		Currency:          ev.Data.Currency,
		Message:           ev.Data.Message,
	}
	if n.ProviderReference != "" {
		n.EventID = ev.Event + ":" + n.ProviderReference + ":" + strings.ToLower(ev.Data.Status)
	}
	return n, nil
}
