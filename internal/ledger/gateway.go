package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/httpretry"
)

// GatewayConfig points at the signing gateway that holds the treasury key.
type GatewayConfig struct {
	BaseURL string
	APIKey  string
	Asset   string
}

// Gateway submits transfers through an HTTP signing gateway.
type Gateway struct {
	cfg    GatewayConfig
	client *httpretry.Client
	logger *slog.Logger
}

type gatewayError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decodeGatewayError(body []byte) (string, string) {
	var ge gatewayError
	if err := json.Unmarshal(body, &ge); err != nil {
		return "", ""
	}
	return ge.Error.Code, ge.Error.Message
}

// NewGateway creates a gateway client.
func NewGateway(cfg GatewayConfig, httpClient *http.Client, logger *slog.Logger, opts ...httpretry.Option) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Asset == "" {
		cfg.Asset = DefaultAsset
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	opts = append([]httpretry.Option{httpretry.WithErrorDecoder(decodeGatewayError), httpretry.WithLogger(logger)}, opts...)
	return &Gateway{
		cfg:    cfg,
		client: httpretry.New("ledger", httpClient, opts...),
		logger: logger.With("component", "ledger_gateway"),
	}
}

type transferBody struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
	Asset       string `json:"asset"`
	Memo        string `json:"memo"`
}

type transferResponse struct {
	Hash   string `json:"hash"`
	Status string `json:"status"`
}

func (g *Gateway) header(idempotencyKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+g.cfg.APIKey)
	if idempotencyKey != "" {
		h.Set("Idempotency-Key", idempotencyKey)
	}
	return h
}

// SubmitTransfer posts the transfer. The memo doubles as idempotency key.
func (g *Gateway) SubmitTransfer(ctx context.Context, t Transfer) (string, error) {
	if err := Validate(t); err != nil {
		return "", err
	}
	if t.Asset == "" {
		t.Asset = g.cfg.Asset
	}
	var out transferResponse
	_, err := g.client.DoJSON(ctx, http.MethodPost, g.cfg.BaseURL+"/v1/transfers", transferBody{
		Destination: t.Destination,
		Amount:      t.Amount.String(),
		Asset:       t.Asset,
		Memo:        t.Memo,
	}, g.header(t.Memo), &out)
	if err != nil {
		return "", classify(err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("%w: gateway returned no hash", ErrNetwork)
	}
	g.logger.Info("transfer submitted", "memo", t.Memo, "hash", out.Hash, "amount", t.Amount.String())
	return out.Hash, nil
}

// FindTransferByMemo looks up a settled transfer. 404 means not found.
func (g *Gateway) FindTransferByMemo(ctx context.Context, memo string) (string, bool, error) {
	var out transferResponse
	_, err := g.client.DoJSON(ctx, http.MethodGet, g.cfg.BaseURL+"/v1/transfers?memo="+url.QueryEscape(memo), nil, g.header(""), &out)
	if err != nil {
		var perr *domain.ProviderError
		if errors.As(err, &perr) && perr.StatusCode == http.StatusNotFound {
			return "", false, nil
		}
		return "", false, classify(err)
	}
	return out.Hash, out.Hash != "", nil
}

func classify(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var perr *domain.ProviderError
	if !errors.As(err, &perr) {
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	switch perr.Code {
	case "invalid_destination":
		return fmt.Errorf("%w: %s", ErrInvalidDestination, perr.Message)
	case "invalid_amount":
		return fmt.Errorf("%w: %s", ErrInvalidAmount, perr.Message)
	case "insufficient_funds":
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, perr.Message)
	case "signing_failed":
		return fmt.Errorf("%w: %s", ErrSigning, perr.Message)
	}
	if perr.Retryable {
		return fmt.Errorf("%w: %v", ErrNetwork, perr)
	}
	return err
}
