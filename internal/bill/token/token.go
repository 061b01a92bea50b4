// Package token validates, formats and records the delivery tokens billers
// return for a completed bill payment.
package token

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
)

const (
	electricityMin = 16
	electricityMax = 20
	cableMin       = 5
	cableMax       = 20
)

// Normalize strips the separators billers use when printing tokens.
func Normalize(token string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '\t', '\n', '\r':
			return -1
		}
		return r
	}, strings.TrimSpace(token))
}

// Validate checks a token for the bill type. Bill types without a token
// format accept anything.
func Validate(billType domain.BillType, token string) error {
	switch billType {
	case domain.BillElectricity:
		t := Normalize(token)
		if t == "" {
			return &domain.TokenValidationError{BillType: billType, Reason: "empty token"}
		}
		for _, r := range t {
			if r < '0' || r > '9' {
				return &domain.TokenValidationError{BillType: billType, Reason: "token must be numeric"}
			}
		}
		if len(t) < electricityMin || len(t) > electricityMax {
			return &domain.TokenValidationError{
				BillType: billType,
				Reason:   fmt.Sprintf("expected %d-%d digits, got %d", electricityMin, electricityMax, len(t)),
			}
		}
	case domain.BillCable:
		n := utf8.RuneCountInString(strings.TrimSpace(token))
		if n < cableMin || n > cableMax {
			return &domain.TokenValidationError{
				BillType: billType,
				Reason:   fmt.Sprintf("expected %d-%d characters, got %d", cableMin, cableMax, n),
			}
		}
	}
	return nil
}

// Format renders a token for display. Electricity tokens of exactly 16 digits
// are grouped in fours, other lengths in sixes. Cable tokens keep only their
// first and last 4 characters.
func Format(billType domain.BillType, token string) string {
	switch billType {
	case domain.BillElectricity:
		t := Normalize(token)
		size := 6
		if len(t) == 16 {
			size = 4
		}
		return group(t, size)
	case domain.BillCable:
		return mask(strings.TrimSpace(token))
	}
	return token
}

func group(s string, size int) string {
	if len(s) <= size {
		return s
	}
	parts := make([]string, 0, len(s)/size+1)
	for len(s) > size {
		parts = append(parts, s[:size])
		s = s[size:]
	}
	parts = append(parts, s)
	return strings.Join(parts, "-")
}

func mask(s string) string {
	r := []rune(s)
	if len(r) <= 8 {
		return s
	}
	return string(r[:4]) + strings.Repeat("*", len(r)-8) + string(r[len(r)-4:])
}

// Notification is the customer-facing message for a bill payment.
func Notification(tx *domain.Transaction) string {
	if tx.Token == "" {
		switch tx.BillType {
		case domain.BillElectricity:
			return fmt.Sprintf("Your electricity payment of %s %s for meter %s is being processed. Your token will be sent shortly.",
				tx.Currency, tx.Amount.StringFixed(2), tx.AccountNumber)
		default:
			return fmt.Sprintf("Your %s payment of %s %s for %s is being processed.",
				billLabel(tx.BillType), tx.Currency, tx.Amount.StringFixed(2), tx.AccountNumber)
		}
	}

	switch tx.BillType {
	case domain.BillElectricity:
		return fmt.Sprintf("Electricity token for meter %s: %s (%s %s)",
			tx.AccountNumber, Format(tx.BillType, tx.Token), tx.Currency, tx.Amount.StringFixed(2))
	case domain.BillAirtime:
		return fmt.Sprintf("%s %s airtime sent to %s.", tx.Currency, tx.Amount.StringFixed(2), tx.AccountNumber)
	case domain.BillData:
		return fmt.Sprintf("Data bundle of %s %s activated on %s.", tx.Currency, tx.Amount.StringFixed(2), tx.AccountNumber)
	case domain.BillCable:
		return fmt.Sprintf("Cable subscription renewed for smartcard %s. Reference: %s",
			tx.AccountNumber, Format(tx.BillType, tx.Token))
	case domain.BillWater:
		return fmt.Sprintf("Water bill of %s %s paid for account %s. Reference: %s",
			tx.Currency, tx.Amount.StringFixed(2), tx.AccountNumber, tx.Token)
	}
	return fmt.Sprintf("Payment of %s %s completed. Reference: %s", tx.Currency, tx.Amount.StringFixed(2), tx.Token)
}

func billLabel(bt domain.BillType) string {
	if bt == "" {
		return "bill"
	}
	return string(bt)
}

// Store validates token and records it on tx. Electricity tokens are stored
// without separators; the display form goes to Metadata["token_display"].
// An empty token is not an error: some billers deliver it later by webhook.
func Store(tx *domain.Transaction, token string) error {
	if strings.TrimSpace(token) == "" {
		return nil
	}
	if err := Validate(tx.BillType, token); err != nil {
		return err
	}
	stored := strings.TrimSpace(token)
	if tx.BillType == domain.BillElectricity {
		stored = Normalize(token)
	}
	tx.Token = stored
	if tx.Metadata == nil {
		tx.Metadata = make(map[string]string)
	}
	tx.Metadata["token_display"] = Format(tx.BillType, stored)
	return nil
}
