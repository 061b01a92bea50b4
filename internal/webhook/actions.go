package webhook

import (
	"strings"

	"github.com/yourorg/settlement-orchestrator/internal/domain"
)

var actions = map[string]domain.Action{
	"charge.completed": domain.ActionPaymentSuccess,
	"charge.success":   domain.ActionPaymentSuccess,
	"charge.failed":    domain.ActionPaymentFailure,

	"transfer.completed": domain.ActionWithdrawalSuccess,
	"transfer.success":   domain.ActionWithdrawalSuccess,
	"transfer.failed":    domain.ActionWithdrawalFailure,
	"transfer.reversed":  domain.ActionWithdrawalFailure,

	"bill.success":   domain.ActionBillSuccess,
	"bill.completed": domain.ActionBillSuccess,
	"bill.failed":    domain.ActionBillFailure,

	// stripe
	"payment_intent.succeeded":      domain.ActionPaymentSuccess,
	"payment_intent.payment_failed": domain.ActionPaymentFailure,
	"payment_intent.canceled":       domain.ActionPaymentFailure,
	"payout.paid":                   domain.ActionWithdrawalSuccess,
	"payout.failed":                 domain.ActionWithdrawalFailure,
	"payout.canceled":               domain.ActionWithdrawalFailure,
}

// MapEventType translates a provider event type into an action. Unrecognized
// types map to domain.ActionUnknown.
func MapEventType(eventType string) domain.Action {
	if a, ok := actions[strings.ToLower(strings.TrimSpace(eventType))]; ok {
		return a
	}
	return domain.ActionUnknown
}
