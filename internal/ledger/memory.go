package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// Memory is an in-process ledger backed by a single funded account.
type Memory struct {
	mu        sync.Mutex
	balance   decimal.Decimal
	transfers []Transfer
	hashes    map[string]string
	failNext  error
}

// NewMemory creates a ledger holding balance.
func NewMemory(balance decimal.Decimal) *Memory {
	return &Memory{balance: balance, hashes: make(map[string]string)}
}

// FailNext makes the next SubmitTransfer return err.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *Memory) SubmitTransfer(ctx context.Context, t Transfer) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if err := Validate(t); err != nil {
		return "", err
	}
	if t.Asset == "" {
		t.Asset = DefaultAsset
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext; err != nil {
		m.failNext = nil
		return "", err
	}
	// Same memo, same transfer: the gateway's Idempotency-Key behaves alike.
	if h, ok := m.hashes[t.Memo]; ok {
		return h, nil
	}
	if m.balance.LessThan(t.Amount) {
		return "", ErrInsufficientFunds
	}
	m.balance = m.balance.Sub(t.Amount)
	m.transfers = append(m.transfers, t)

	sum := sha256.Sum256([]byte(fmt.Sprintf("%d|%s|%s|%s|%s", len(m.transfers), t.Destination, t.Amount, t.Asset, t.Memo)))
	hash := hex.EncodeToString(sum[:])
	m.hashes[t.Memo] = hash
	return hash, nil
}

func (m *Memory) FindTransferByMemo(ctx context.Context, memo string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hashes[memo]
	return h, ok, nil
}

// Balance is the remaining funded balance.
func (m *Memory) Balance() decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance
}

// Transfers returns a copy of every submitted transfer.
func (m *Memory) Transfers() []Transfer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Transfer(nil), m.transfers...)
}
