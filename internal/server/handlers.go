package server

import (
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/yourorg/settlement-orchestrator/internal/adapter"
	"github.com/yourorg/settlement-orchestrator/internal/domain"
	"github.com/yourorg/settlement-orchestrator/internal/orchestrator"
	"github.com/yourorg/settlement-orchestrator/internal/router"
	"github.com/yourorg/settlement-orchestrator/internal/webhook"
)

// handleWebhook answers 401 only for a bad signature. Everything else is
// acknowledged with 200 so providers stop redelivering: rejected deliveries
// are logged, failed applications are replayed from the event store.
func (s *Server) handleWebhook(c *gin.Context) {
	provider := c.Param("provider")
	a, err := s.cfg.Providers.Get(provider)
	if err != nil {
		s.rejectWebhook(c, provider, "unknown provider", err)
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		s.rejectWebhook(c, provider, "unreadable or oversized payload", err)
		return
	}
	signature := c.GetHeader(a.SignatureHeader())

	action, err := s.cfg.Webhooks.Process(c.Request.Context(), provider, signature, payload)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"status": "processed", "action": action})
	case errors.Is(err, domain.ErrInvalidSignature):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
	case errors.Is(err, webhook.ErrUnknownProvider):
		s.rejectWebhook(c, provider, "unknown provider", err)
	case errors.Is(err, domain.ErrAlreadyProcessed):
		c.JSON(http.StatusOK, gin.H{"status": "already_processed"})
	default:
		s.logger.Error("webhook accepted with processing error", "provider", provider, "error", err)
		c.JSON(http.StatusOK, gin.H{"status": "accepted"})
	}
}

func (s *Server) rejectWebhook(c *gin.Context, provider, reason string, err error) {
	s.logger.Warn("webhook rejected", "provider", provider, "reason", reason, "error", err)
	c.JSON(http.StatusOK, gin.H{"status": "rejected", "reason": reason})
}

type customerBody struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
	Name  string `json:"name"`
}

type paymentRequest struct {
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency" binding:"required"`
	Country       string            `json:"country"`
	Provider      string            `json:"provider"`
	Customer      customerBody      `json:"customer"`
	WalletAddress string            `json:"wallet_address"`
	Metadata      map[string]string `json:"metadata"`
}

type destinationBody struct {
	AccountNumber string `json:"account_number" binding:"required"`
	BankCode      string `json:"bank_code" binding:"required"`
	AccountName   string `json:"account_name"`
}

type withdrawalRequest struct {
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency" binding:"required"`
	Country       string            `json:"country"`
	Provider      string            `json:"provider"`
	Destination   destinationBody   `json:"destination"`
	Narration     string            `json:"narration"`
	WalletAddress string            `json:"wallet_address" binding:"required"`
	Metadata      map[string]string `json:"metadata"`
}

type billRequest struct {
	Amount        decimal.Decimal   `json:"amount"`
	Currency      string            `json:"currency"`
	BillType      string            `json:"bill_type" binding:"required"`
	AccountNumber string            `json:"account_number" binding:"required"`
	ProviderCode  string            `json:"provider_code"`
	AccountType   string            `json:"account_type"`
	Provider      string            `json:"provider"`
	Customer      customerBody      `json:"customer"`
	WalletAddress string            `json:"wallet_address" binding:"required"`
	Metadata      map[string]string `json:"metadata"`
}

type settlementRequest struct {
	ReceivedAmount   decimal.Decimal `json:"received_amount"`
	DepositReference string          `json:"deposit_reference"`
}

type transactionResponse struct {
	ID                string            `json:"id"`
	Kind              domain.Kind       `json:"kind"`
	State             domain.State      `json:"state"`
	Amount            decimal.Decimal   `json:"amount"`
	Currency          string            `json:"currency"`
	Country           string            `json:"country,omitempty"`
	Provider          string            `json:"provider,omitempty"`
	ProviderReference string            `json:"provider_reference,omitempty"`
	RetryCount        int               `json:"retry_count"`
	LastRetryAt       *time.Time        `json:"last_retry_at,omitempty"`
	ErrorMessage      string            `json:"error_message,omitempty"`
	RefundTxHash      string            `json:"refund_tx_hash,omitempty"`
	SettlementTxHash  string            `json:"settlement_tx_hash,omitempty"`
	WalletAddress     string            `json:"wallet_address,omitempty"`
	ReceivedAmount    *decimal.Decimal  `json:"received_amount,omitempty"`
	BillType          domain.BillType   `json:"bill_type,omitempty"`
	AccountNumber     string            `json:"account_number,omitempty"`
	CustomerName      string            `json:"customer_name,omitempty"`
	Token             string            `json:"token,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

func toResponse(tx *domain.Transaction) transactionResponse {
	r := transactionResponse{
		ID:                tx.ID,
		Kind:              tx.Kind,
		State:             tx.State,
		Amount:            tx.Amount,
		Currency:          tx.Currency,
		Country:           tx.Country,
		Provider:          tx.Provider,
		ProviderReference: tx.ProviderReference,
		RetryCount:        tx.RetryCount,
		LastRetryAt:       tx.LastRetryAt,
		ErrorMessage:      tx.ErrorMessage,
		RefundTxHash:      tx.RefundTxHash,
		SettlementTxHash:  tx.SettlementTxHash,
		WalletAddress:     tx.WalletAddress,
		BillType:          tx.BillType,
		AccountNumber:     tx.AccountNumber,
		CustomerName:      tx.CustomerName,
		Token:             tx.Token,
		Metadata:          tx.Metadata,
		CreatedAt:         tx.CreatedAt,
		UpdatedAt:         tx.UpdatedAt,
	}
	if !tx.ReceivedAmount.IsZero() {
		received := tx.ReceivedAmount
		r.ReceivedAmount = &received
	}
	return r
}

// statusFor maps orchestrator errors onto HTTP statuses.
func statusFor(err error) int {
	var disabled *domain.ProviderDisabledError
	switch {
	case errors.Is(err, domain.ErrValidation), errors.As(err, &disabled):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrentUpdate):
		return http.StatusConflict
	case errors.Is(err, router.ErrNoHealthyProvider):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTerminalState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) createPayment(c *gin.Context) {
	var req paymentRequest
	if !s.bind(c, &req) {
		return
	}
	tx, err := s.cfg.Orchestrator.CreatePayment(c.Request.Context(), orchestrator.PaymentInput{
		Amount:        req.Amount,
		Currency:      req.Currency,
		Country:       req.Country,
		Provider:      req.Provider,
		Customer:      adapter.Customer{Email: req.Customer.Email, Phone: req.Customer.Phone, Name: req.Customer.Name},
		WalletAddress: req.WalletAddress,
		Metadata:      req.Metadata,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toResponse(tx))
}

func (s *Server) createWithdrawal(c *gin.Context) {
	var req withdrawalRequest
	if !s.bind(c, &req) {
		return
	}
	tx, err := s.cfg.Orchestrator.CreateWithdrawal(c.Request.Context(), orchestrator.WithdrawalInput{
		Amount:   req.Amount,
		Currency: req.Currency,
		Country:  req.Country,
		Provider: req.Provider,
		Destination: adapter.BankAccount{
			AccountNumber: req.Destination.AccountNumber,
			BankCode:      req.Destination.BankCode,
			AccountName:   req.Destination.AccountName,
		},
		Narration:     req.Narration,
		WalletAddress: req.WalletAddress,
		Metadata:      req.Metadata,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toResponse(tx))
}

func (s *Server) createBill(c *gin.Context) {
	var req billRequest
	if !s.bind(c, &req) {
		return
	}
	currency := req.Currency
	if currency == "" {
		currency = "NGN"
	}
	tx, err := s.cfg.Orchestrator.CreateBillPayment(c.Request.Context(), orchestrator.BillInput{
		Amount:        req.Amount,
		Currency:      currency,
		BillType:      req.BillType,
		AccountNumber: req.AccountNumber,
		ProviderCode:  req.ProviderCode,
		AccountType:   req.AccountType,
		Provider:      req.Provider,
		CustomerName:  req.Customer.Name,
		CustomerEmail: req.Customer.Email,
		CustomerPhone: req.Customer.Phone,
		WalletAddress: req.WalletAddress,
		Metadata:      req.Metadata,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, toResponse(tx))
}

func (s *Server) confirmSettlement(c *gin.Context) {
	var req settlementRequest
	if !s.bind(c, &req) {
		return
	}
	tx, err := s.cfg.Orchestrator.ConfirmSettlement(c.Request.Context(), c.Param("id"), req.ReceivedAmount, req.DepositReference)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(tx))
}

func (s *Server) getTransaction(c *gin.Context) {
	tx, err := s.cfg.Orchestrator.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, toResponse(tx))
}

// retrospective reads from and to as RFC 3339; the default window is the last 24h.
func (s *Server) retrospective(c *gin.Context) {
	if s.cfg.Reporter == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "reporting is not configured"})
		return
	}
	to := s.cfg.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC 3339"})
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC 3339"})
			return
		}
	}
	report, err := s.cfg.Reporter.Generate(c.Request.Context(), from, to)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report, "success_rate": report.SuccessRate()})
}
