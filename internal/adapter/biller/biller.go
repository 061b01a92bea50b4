// Package biller integrates a bill payment aggregator: account lookup for
// meters, smartcards and water accounts, and purchase of electricity, airtime,
// data, cable and water bills.
package biller

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
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

const signatureHeader = "X-Biller-Signature"

// Config holds the aggregator credentials.
type Config struct {
	Name          string
	APIKey        string
	WebhookSecret string
	BaseURL       string
	Currencies    []string
	Countries     []string
	FeeBps        *int
}

// Adapter implements adapter.Biller.
type Adapter struct {
	cfg     Config
	client  *httpretry.Client
	baseURL string
	logger  *slog.Logger
}

var _ adapter.Biller = (*Adapter)(nil)

// New creates a biller adapter. The name defaults to "biller".
func New(cfg Config, client *http.Client, logger *slog.Logger, opts ...httpretry.Option) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Name == "" {
		cfg.Name = "biller"
	}
	if len(cfg.Currencies) == 0 {
		cfg.Currencies = []string{"NGN"}
	}
	if len(cfg.Countries) == 0 {
		cfg.Countries = []string{"NG"}
	}
	opts = append([]httpretry.Option{httpretry.WithErrorDecoder(decodeError), httpretry.WithLogger(logger)}, opts...)
	return &Adapter{
		cfg:     cfg,
		client:  httpretry.New(cfg.Name, client, opts...),
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		logger:  logger.With("component", "adapter", "provider", cfg.Name),
	}
}

func (a *Adapter) Descriptor() adapter.Descriptor {
	return adapter.Descriptor{Name: a.cfg.Name, Currencies: a.cfg.Currencies, Countries: a.cfg.Countries, FeeBps: a.cfg.FeeBps}
}

func (a *Adapter) SignatureHeader() string { return signatureHeader }

type envelope struct {
	Status  string          `json:"status"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func decodeError(body []byte) (string, string) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", ""
	}
	return env.Code, env.Message
}

type purchase struct {
	RequestID     string          `json:"request_id"`
	TransactionID string          `json:"transaction_id"`
	Status        string          `json:"status"`
	Amount        decimal.Decimal `json:"amount"`
	Token         string          `json:"token"`
	Message       string          `json:"message"`
}

type account struct {
	AccountID          string            `json:"account_id"`
	CustomerName       string            `json:"customer_name"`
	AccountType        string            `json:"account_type"`
	Status             string            `json:"status"`
	OutstandingBalance decimal.Decimal   `json:"outstanding_balance"`
	Details            map[string]string `json:"details"`
}

func mapStatus(s string) adapter.Status {
	switch strings.ToLower(s) {
	case "success", "successful", "delivered", "completed":
		return adapter.StatusSuccess
	case "failed", "reversed":
		return adapter.StatusFailed
	default:
		return adapter.StatusPending
	}
}

func (a *Adapter) call(ctx context.Context, method, path string, in any, reference string, out any) (adapter.Result, error) {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+a.cfg.APIKey)
	if reference != "" {
		h.Set("Idempotency-Key", reference)
	}
	var env envelope
	resp, err := a.client.DoJSON(ctx, method, a.baseURL+path, in, h, &env)
	res := adapter.Result{Provider: a.cfg.Name, Reference: reference, Details: map[string]string{}}
	if resp != nil {
		res.HTTPStatus = resp.StatusCode
		res.RawResponse = resp.Body
		res.LatencyMs = resp.Latency.Milliseconds()
	}
	if err != nil {
		res.Status = adapter.StatusFailed
		return res, fmt.Errorf("%s: %s %s: %w", a.cfg.Name, method, path, err)
	}
	if strings.EqualFold(env.Status, "error") {
		res.Status = adapter.StatusFailed
		res.Message = env.Message
		return res, domain.NewProviderError(a.cfg.Name, resp.StatusCode, env.Code, env.Message)
	}
	res.Message = env.Message
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return res, fmt.Errorf("%s: decode data: %w", a.cfg.Name, err)
		}
	}
	return res, nil
}

// serviceID picks the aggregator product: an explicit provider code (e.g. a
// DisCo or network) wins over the generic bill type.
func serviceID(billType domain.BillType, providerCode string) string {
	if providerCode != "" {
		return strings.ToLower(providerCode)
	}
	return string(billType)
}

// LookupAccount verifies a meter, smartcard or water account with the biller.
func (a *Adapter) LookupAccount(ctx context.Context, billType domain.BillType, accountNumber, providerCode string) (domain.AccountInfo, error) {
	body := map[string]string{
		"service_id":   serviceID(billType, providerCode),
		"bill_type":    string(billType),
		"billers_code": accountNumber,
	}
	var acc account
	if _, err := a.call(ctx, http.MethodPost, "/merchant-verify", body, "", &acc); err != nil {
		return domain.AccountInfo{}, err
	}
	if acc.AccountID == "" {
		acc.AccountID = accountNumber
	}
	return domain.AccountInfo{
		AccountID:          acc.AccountID,
		CustomerName:       acc.CustomerName,
		AccountType:        acc.AccountType,
		Status:             strings.ToLower(acc.Status),
		OutstandingBalance: acc.OutstandingBalance,
		AdditionalInfo:     acc.Details,
	}, nil
}

// PayBill purchases a bill. The request id is our transaction id, so a resent
// purchase after a timeout is recognized by the aggregator.
func (a *Adapter) PayBill(ctx context.Context, req adapter.BillRequest) (adapter.Result, error) {
	body := map[string]any{
		"request_id":   req.Reference,
		"service_id":   serviceID(req.BillType, req.ProviderCode),
		"bill_type":    string(req.BillType),
		"billers_code": req.AccountNumber,
		"amount":       json.Number(req.Amount.String()),
		"phone":        req.Phone,
	}
	var p purchase
	res, err := a.call(ctx, http.MethodPost, "/pay", body, req.Reference, &p)
	if err != nil {
		return res, err
	}
	a.fill(&res, p)
	a.logger.Info("bill purchase submitted", "reference", req.Reference, "bill_type", req.BillType, "status", res.Status)
	if res.Status == adapter.StatusFailed {
		return res, &domain.ProviderError{Provider: a.cfg.Name, Message: "purchase failed: " + p.Message, Retryable: true}
	}
	return res, nil
}

func (a *Adapter) fill(res *adapter.Result, p purchase) {
	res.ProviderReference = p.TransactionID
	res.Status = mapStatus(p.Status)
	res.Token = p.Token
	if p.Message != "" {
		res.Message = p.Message
	}
}

// Verify requeries a purchase by our request id.
func (a *Adapter) Verify(ctx context.Context, reference string) (adapter.Result, error) {
	var p purchase
	res, err := a.call(ctx, http.MethodGet, "/requery?request_id="+url.QueryEscape(reference), nil, "", &p)
	if err != nil {
		return res, err
	}
	res.Reference = reference
	a.fill(&res, p)
	return res, nil
}

// QueryStatus fetches a purchase by the aggregator's transaction id.
func (a *Adapter) QueryStatus(ctx context.Context, providerReference string) (adapter.Result, error) {
	var p purchase
	res, err := a.call(ctx, http.MethodGet, "/transactions/"+url.PathEscape(providerReference), nil, "", &p)
	if err != nil {
		return res, err
	}
	res.Reference = p.RequestID
	a.fill(&res, p)
	return res, nil
}

// Initiate is not offered by bill aggregators.
func (a *Adapter) Initiate(context.Context, adapter.PaymentRequest) (adapter.Result, error) {
	return adapter.Result{}, domain.NewValidationError("operation", a.cfg.Name+" does not collect payments")
}

// Withdraw is not offered by bill aggregators.
func (a *Adapter) Withdraw(context.Context, adapter.WithdrawalRequest) (adapter.Result, error) {
	return adapter.Result{}, domain.NewValidationError("operation", a.cfg.Name+" does not pay out")
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) VerifyWebhook(signature string, payload []byte) bool {
	if signature == "" || a.cfg.WebhookSecret == "" {
		return false
	}
	return hmac.Equal([]byte(strings.ToLower(signature)), []byte(Sign(a.cfg.WebhookSecret, payload)))
}

type event struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Data purchase `json:"data"`
}

// ParseWebhookEvent decodes bill.success, bill.completed and bill.failed events.
func (a *Adapter) ParseWebhookEvent(payload []byte) (domain.Notification, error) {
	var ev event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return domain.Notification{}, fmt.Errorf("%s: decode event: %w", a.cfg.Name, err)
	}
	return domain.Notification{
		Provider:          a.cfg.Name,
		EventID:           ev.ID,
		EventType:         ev.Type,
		TransactionRef:    ev.Data.RequestID,
		ProviderReference: ev.Data.TransactionID,
		Status:            ev.Data.Status,
		Amount:            ev.Data.Amount,
		Token:             ev.Data.Token,
		Message:           ev.Data.Message,
	}, nil
}
