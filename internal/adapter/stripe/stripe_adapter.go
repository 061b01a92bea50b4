package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	stripego "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/httpretry"
)

const (
	stripeAPIBaseURL = "https://api.stripe.com/v1"
	providerName     = "stripe"
	signatureHeader  = "Stripe-Signature"
	maxKeyLength     = 255
)

// Config holds the Stripe credentials and selection metadata.
type Config struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	Currencies    []string
	Countries     []string
	FeeBps        *int
}

// StripeAdapter implements adapter.ProviderAdapter for card collections and payouts.
type StripeAdapter struct {
	cfg        Config
	client     *httpretry.Client
	apiBaseURL string
	logger     *slog.Logger
}

var _ adapter.ProviderAdapter = (*StripeAdapter)(nil)

// NewStripeAdapter creates a new StripeAdapter. A nil http client gets a default one.
func NewStripeAdapter(cfg Config, client *http.Client, logger *slog.Logger, opts ...httpretry.Option) *StripeAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	base := cfg.BaseURL
	if base == "" {
		base = stripeAPIBaseURL
	}
	if len(cfg.Currencies) == 0 {
		cfg.Currencies = []string{"USD", "EUR", "GBP", "NGN"}
	}
	opts = append([]httpretry.Option{httpretry.WithErrorDecoder(decodeError), httpretry.WithLogger(logger)}, opts...)
	return &StripeAdapter{
		cfg:        cfg,
		client:     httpretry.New(providerName, client, opts...),
		apiBaseURL: strings.TrimRight(base, "/"),
		logger:     logger.With("component", "adapter", "provider", providerName),
	}
}

func (s *StripeAdapter) Descriptor() adapter.Descriptor {
	return adapter.Descriptor{
		Name:       providerName,
		Currencies: s.cfg.Currencies,
		Countries:  s.cfg.Countries,
		FeeBps:     s.cfg.FeeBps,
	}
}

func (s *StripeAdapter) SignatureHeader() string { return signatureHeader }

// idempotencyKey derives the Stripe key from the stable transaction reference so
// that every retry of the same operation collapses into one charge.
func idempotencyKey(op, reference string) string {
	key := op + "-" + reference
	if len(key) > maxKeyLength {
		return key[:maxKeyLength]
	}
	return key
}

// minorUnits converts a major-unit amount to Stripe's integer minor units.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

func majorUnits(minor int64) decimal.Decimal {
	return decimal.New(minor, -2)
}

// StripeErrorResponse represents the error structure from Stripe API
type StripeErrorResponse struct {
	Error struct {
		Type        string `json:"type"`
		Code        string `json:"code"`
		Message     string `json:"message"`
		DeclineCode string `json:"decline_code"`
	} `json:"error"`
}

func decodeError(body []byte) (string, string) {
	var er StripeErrorResponse
	if err := json.Unmarshal(body, &er); err != nil {
		return "", ""
	}
	code := er.Error.Code
	if er.Error.DeclineCode != "" {
		code = er.Error.DeclineCode
	}
	return code, er.Error.Message
}

// object is the subset of payment intent and payout fields the adapter reads.
type object struct {
	ID           string            `json:"id"`
	Object       string            `json:"object"`
	Status       string            `json:"status"`
	Amount       int64             `json:"amount"`
	Received     int64             `json:"amount_received"`
	Currency     string            `json:"currency"`
	ClientSecret string            `json:"client_secret"`
	Metadata     map[string]string `json:"metadata"`
	LastError    *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
	FailureMessage string `json:"failure_message"`
}

// collected is the amount moved: amount_received for a payment intent, the
// payout amount once it is paid.
func (o object) collected() decimal.Decimal {
	if o.Received > 0 {
		return majorUnits(o.Received)
	}
	if o.Object == "payout" && o.Status == "paid" {
		return majorUnits(o.Amount)
	}
	return decimal.Zero
}

func mapStatus(status string) adapter.Status {
	switch status {
	case "succeeded", "paid":
		return adapter.StatusSuccess
	case "canceled", "failed":
		return adapter.StatusFailed
	default:
		return adapter.StatusPending
	}
}

func (s *StripeAdapter) header(op, reference string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+s.cfg.APIKey)
	h.Set("Content-Type", "application/x-www-form-urlencoded")
	if reference != "" {
		h.Set("Idempotency-Key", idempotencyKey(op, reference))
	}
	return h
}

func (s *StripeAdapter) call(ctx context.Context, method, path string, form url.Values, op, reference string) (object, adapter.Result, error) {
	var body []byte
	if form != nil {
		body = []byte(form.Encode())
	}
	resp, err := s.client.Do(ctx, method, s.apiBaseURL+path, body, s.header(op, reference))
	result := adapter.Result{Provider: providerName, Reference: reference, Details: make(map[string]string)}
	if resp != nil {
		result.HTTPStatus = resp.StatusCode
		result.RawResponse = resp.Body
		result.LatencyMs = resp.Latency.Milliseconds()
	}
	if err != nil {
		result.Status = adapter.StatusFailed
		s.logger.Warn("stripe call failed", "op", op, "reference", reference, "error", err)
		return object{}, result, fmt.Errorf("stripe: %s: %w", op, err)
	}

	var obj object
	if err := json.Unmarshal(resp.Body, &obj); err != nil {
		return object{}, result, fmt.Errorf("stripe: %s: decode response: %w", op, err)
	}
	result.ProviderReference = obj.ID
	result.Status = mapStatus(obj.Status)
	result.Amount = obj.collected()
	result.Details["stripe_status"] = obj.Status
	if obj.LastError != nil {
		result.Message = obj.LastError.Message
	} else if obj.FailureMessage != "" {
		result.Message = obj.FailureMessage
	}
	if result.Reference == "" {
		result.Reference = obj.Metadata["reference"]
	}
	return obj, result, nil
}

// Initiate creates a PaymentIntent keyed by the transaction reference.
func (s *StripeAdapter) Initiate(ctx context.Context, req adapter.PaymentRequest) (adapter.Result, error) {
	form := url.Values{}
	form.Set("amount", fmt.Sprint(minorUnits(req.Amount)))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("metadata[reference]", req.Reference)
	if req.Customer.Email != "" {
		form.Set("receipt_email", req.Customer.Email)
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}
	obj, res, err := s.call(ctx, http.MethodPost, "/payment_intents", form, "pi", req.Reference)
	if err != nil {
		return res, err
	}
	if obj.ClientSecret != "" {
		res.Details["client_secret"] = obj.ClientSecret
	}
	s.logger.Info("payment intent created", "reference", req.Reference, "payment_intent", obj.ID, "status", obj.Status)
	return res, nil
}

// Verify looks up the PaymentIntent carrying our reference in its metadata.
func (s *StripeAdapter) Verify(ctx context.Context, reference string) (adapter.Result, error) {
	q := url.Values{}
	q.Set("query", fmt.Sprintf("metadata['reference']:'%s'", reference))
	resp, err := s.client.Do(ctx, http.MethodGet, s.apiBaseURL+"/payment_intents/search?"+q.Encode(), nil, s.header("", ""))
	if err != nil {
		return adapter.Result{Provider: providerName, Reference: reference, Status: adapter.StatusFailed}, fmt.Errorf("stripe: verify: %w", err)
	}
	var list struct {
		Data []object `json:"data"`
	}
	if err := json.Unmarshal(resp.Body, &list); err != nil {
		return adapter.Result{}, fmt.Errorf("stripe: verify: decode response: %w", err)
	}
	if len(list.Data) == 0 {
		return adapter.Result{}, fmt.Errorf("stripe: verify %s: %w", reference, domain.ErrNotFound)
	}
	obj := list.Data[0]
	return adapter.Result{
		Provider:          providerName,
		Reference:         reference,
		ProviderReference: obj.ID,
		Status:            mapStatus(obj.Status),
		Amount:            obj.collected(),
		RawResponse:       resp.Body,
		HTTPStatus:        resp.StatusCode,
		Details:           map[string]string{"stripe_status": obj.Status},
	}, nil
}

// Withdraw creates a payout to the connected bank account.
func (s *StripeAdapter) Withdraw(ctx context.Context, req adapter.WithdrawalRequest) (adapter.Result, error) {
	form := url.Values{}
	form.Set("amount", fmt.Sprint(minorUnits(req.Amount)))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("metadata[reference]", req.Reference)
	if req.Narration != "" {
		form.Set("description", req.Narration)
	}
	if req.Destination.AccountNumber != "" {
		form.Set("destination", req.Destination.AccountNumber)
	}
	obj, res, err := s.call(ctx, http.MethodPost, "/payouts", form, "po", req.Reference)
	if err != nil {
		return res, err
	}
	s.logger.Info("payout created", "reference", req.Reference, "payout", obj.ID, "status", obj.Status)
	return res, nil
}

// QueryStatus fetches a PaymentIntent (pi_) or payout (po_) by id.
func (s *StripeAdapter) QueryStatus(ctx context.Context, providerReference string) (adapter.Result, error) {
	path := "/payment_intents/"
	if strings.HasPrefix(providerReference, "po_") {
		path = "/payouts/"
	}
	_, res, err := s.call(ctx, http.MethodGet, path+url.PathEscape(providerReference), nil, "query", "")
	return res, err
}

// VerifyWebhook validates the Stripe-Signature header against the endpoint secret.
func (s *StripeAdapter) VerifyWebhook(signature string, payload []byte) bool {
	if signature == "" || s.cfg.WebhookSecret == "" {
		return false
	}
	if err := webhook.ValidatePayload(payload, signature, s.cfg.WebhookSecret); err != nil {
		s.logger.Warn("stripe signature rejected", "error", err)
		return false
	}
	return true
}

// ParseWebhookEvent decodes a payment_intent.* or payout.* event.
func (s *StripeAdapter) ParseWebhookEvent(payload []byte) (domain.Notification, error) {
	var event stripego.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return domain.Notification{}, fmt.Errorf("stripe: decode event: %w", err)
	}
	n := domain.Notification{
		Provider:  providerName,
		EventID:   event.ID,
		EventType: string(event.Type),
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return n, nil
	}
	var obj object
	if err := json.Unmarshal(event.Data.Raw, &obj); err != nil {
		return domain.Notification{}, fmt.Errorf("stripe: decode event object: %w", err)
	}
	n.ProviderReference = obj.ID
	n.TransactionRef = obj.Metadata["reference"]
	n.Status = obj.Status
	n.Amount = majorUnits(obj.Amount)
	n.Currency = strings.ToUpper(obj.Currency)
	if obj.LastError != nil {
		n.Message = obj.LastError.Message
	} else {
		n.Message = obj.FailureMessage
	}
	return n, nil
}
