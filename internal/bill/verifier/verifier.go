// Package verifier checks a bill target (bank account, meter, phone number,
// smartcard or water account) before any money moves.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
)

// AccountLookup asks a biller to confirm an account. adapter.Biller implements it.
type AccountLookup interface {
	LookupAccount(ctx context.Context, billType domain.BillType, accountNumber, providerCode string) (domain.AccountInfo, error)
}

// NetworkTable maps 4-digit local prefixes to mobile network operators.
type NetworkTable interface {
	Network(prefix string) (string, bool)
}

// Request identifies the account to verify.
type Request struct {
	BillType      domain.BillType
	AccountNumber string
	ProviderCode  string
	AccountType   string
}

// Verifier dispatches on bill type.
type Verifier struct {
	networks NetworkTable
	logger   *slog.Logger
}

// New creates a Verifier. The network table is required for airtime and data.
func New(networks NetworkTable, logger *slog.Logger) *Verifier {
	if networks == nil {
		panic("network table cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Verifier{networks: networks, logger: logger.With("component", "verifier")}
}

var (
	phonePattern = regexp.MustCompile(`^0[789][01]\d{8}$|^234[789][01]\d{8}$`)
	digits       = regexp.MustCompile(`^\d+$`)
)

func fail(reason string) error {
	return &domain.AccountVerificationFailedError{Reason: reason}
}

// Verify validates req and, where the bill type needs it, confirms the account
// with the biller. Invalid accounts fail with *domain.AccountVerificationFailedError;
// a transient biller failure is returned as is so the caller can retry.
func (v *Verifier) Verify(ctx context.Context, biller AccountLookup, req Request) (domain.AccountInfo, error) {
	account := strings.TrimSpace(req.AccountNumber)

	if isBankStyle(account, req.ProviderCode, req.AccountType) {
		if !ValidNUBAN(req.ProviderCode, account) {
			return domain.AccountInfo{}, fail("Invalid account number checksum")
		}
		return domain.AccountInfo{AccountID: account, AccountType: "bank", Status: "active"}, nil
	}

	switch req.BillType {
	case domain.BillElectricity:
		if !digits.MatchString(account) || len(account) < 10 || len(account) > 12 {
			return domain.AccountInfo{}, fail("Meter number must be 10-12 digits")
		}
		return v.confirm(ctx, biller, req, account)

	case domain.BillAirtime, domain.BillData:
		phone := NormalizePhone(account)
		if !IsValidPhone(phone) {
			return domain.AccountInfo{}, fail("Invalid phone number")
		}
		network, ok := InferNetwork(v.networks, phone)
		if !ok {
			if req.ProviderCode == "" {
				return domain.AccountInfo{}, fail("Unable to determine network for phone number")
			}
			network = strings.ToLower(req.ProviderCode)
		}
		return domain.AccountInfo{
			AccountID:      phone,
			AccountType:    "mobile",
			Status:         "active",
			AdditionalInfo: map[string]string{"network": network},
		}, nil

	case domain.BillCable:
		if !digits.MatchString(account) || len(account) < 9 || len(account) > 12 {
			return domain.AccountInfo{}, fail("Smart card number must be 9-12 digits")
		}
		return v.confirm(ctx, biller, req, account)

	case domain.BillWater:
		if len(account) < 10 {
			return domain.AccountInfo{}, fail("Water account must be at least 10 characters")
		}
		return v.confirm(ctx, biller, req, account)
	}
	return domain.AccountInfo{}, fail("Unknown bill type")
}

func (v *Verifier) confirm(ctx context.Context, biller AccountLookup, req Request, account string) (domain.AccountInfo, error) {
	if biller == nil {
		return domain.AccountInfo{}, errors.New("verifier: no biller to confirm account")
	}
	info, err := biller.LookupAccount(ctx, req.BillType, account, req.ProviderCode)
	if err != nil {
		if domain.IsRetryable(err) {
			return domain.AccountInfo{}, fmt.Errorf("verifier: lookup %s: %w", req.BillType, err)
		}
		v.logger.Info("biller rejected account", "bill_type", req.BillType, "error", err)
		return domain.AccountInfo{}, fail(err.Error())
	}
	if !info.IsActive() {
		return info, fail(fmt.Sprintf("Account status is %q", info.Status))
	}
	return info, nil
}

func isBankStyle(account, providerCode, accountType string) bool {
	if strings.Contains(strings.ToLower(accountType), "bank") {
		return true
	}
	return len(account) == 10 && digits.MatchString(account) &&
		len(providerCode) == 3 && digits.MatchString(providerCode)
}

var nubanWeights = [12]int{3, 7, 3, 3, 7, 3, 3, 7, 3, 3, 7, 3}

// ValidNUBAN checks a 10-digit account number against its 3-digit bank code
// using the CBN NUBAN check digit.
func ValidNUBAN(bankCode, account string) bool {
	if len(bankCode) != 3 || len(account) != 10 || !digits.MatchString(bankCode) || !digits.MatchString(account) {
		return false
	}
	serial := bankCode + account[:9]
	sum := 0
	for i := 0; i < 12; i++ {
		sum += int(serial[i]-'0') * nubanWeights[i]
	}
	check := (10 - sum%10) % 10
	return check == int(account[9]-'0')
}

// NormalizePhone drops spaces, dashes and a leading plus sign.
func NormalizePhone(s string) string {
	return strings.NewReplacer(" ", "", "-", "", "+", "").Replace(strings.TrimSpace(s))
}

// IsValidPhone accepts 11-digit local numbers (0803...) and 13-digit numbers with
// the 234 country code.
func IsValidPhone(s string) bool {
	return phonePattern.MatchString(s)
}

// InferNetwork resolves the operator from the number's local 4-digit prefix.
func InferNetwork(table NetworkTable, phone string) (string, bool) {
	if !IsValidPhone(phone) {
		return "", false
	}
	if strings.HasPrefix(phone, "234") {
		phone = "0" + phone[3:]
	}
	return table.Network(phone[:4])
}
