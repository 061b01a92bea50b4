package domain

import (
	"fmt"
	"slices"
)

// State is the persisted lifecycle token of a transaction. The same token set is
// shared by all transaction kinds; which tokens and edges are legal depends on the
// kind (see Graph).
type State string

// Bill payment lifecycle. This is the closed set returned by BillStates.
const (
	StatePendingPayment     State = "pending_payment"
	StateCngnReceived       State = "cngn_received"
	StateVerifyingAccount   State = "verifying_account"
	StateProcessingBill     State = "processing_bill"
	StateProviderProcessing State = "provider_processing"
	StateCompleted          State = "completed"
	StateProviderFailed     State = "provider_failed"
	StateRetryScheduled     State = "retry_scheduled"
	StateAccountInvalid     State = "account_invalid"
	StateRefundInitiated    State = "refund_initiated"
	StateRefundProcessing   State = "refund_processing"
	StateRefunded           State = "refunded"
)

// Fiat payment and withdrawal lifecycle tokens that are not part of the bill set.
const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateFailed     State = "failed"
)

// Kind distinguishes the three kinds of money movement.
type Kind string

const (
	KindPayment     Kind = "payment"
	KindWithdrawal  Kind = "withdrawal"
	KindBillPayment Kind = "bill_payment"
)

// Graph is an adjacency list of legal forward transitions.
type Graph map[State][]State

var billStates = []State{
	StatePendingPayment,
	StateCngnReceived,
	StateVerifyingAccount,
	StateProcessingBill,
	StateProviderProcessing,
	StateCompleted,
	StateProviderFailed,
	StateRetryScheduled,
	StateAccountInvalid,
	StateRefundInitiated,
	StateRefundProcessing,
	StateRefunded,
}

// cngn_received -> refund_initiated covers a deposit whose amount does not match
// the bill; every other edge is the documented bill lifecycle.
var billGraph = Graph{
	StatePendingPayment:     {StateCngnReceived},
	StateCngnReceived:       {StateVerifyingAccount, StateRefundInitiated},
	StateVerifyingAccount:   {StateProcessingBill, StateAccountInvalid},
	StateProcessingBill:     {StateProviderProcessing},
	StateProviderProcessing: {StateCompleted, StateProviderFailed},
	StateProviderFailed:     {StateRetryScheduled, StateRefundInitiated},
	StateRetryScheduled:     {StateProcessingBill},
	StateAccountInvalid:     {StateRefundInitiated},
	StateRefundInitiated:    {StateRefundProcessing},
	StateRefundProcessing:   {StateRefunded},
}

var paymentGraph = Graph{
	StatePending:    {StateProcessing, StateCompleted, StateFailed},
	StateProcessing: {StateCompleted, StateFailed},
}

var withdrawalGraph = Graph{
	StatePending:          {StateProcessing, StateCompleted, StateFailed},
	StateProcessing:       {StateCompleted, StateFailed},
	StateFailed:           {StateRefundInitiated},
	StateRefundInitiated:  {StateRefundProcessing},
	StateRefundProcessing: {StateRefunded},
}

// BillStates returns the twelve bill lifecycle states in lifecycle order.
func BillStates() []State {
	return slices.Clone(billStates)
}

// Graph returns the transition graph for the kind.
func (k Kind) Graph() Graph {
	switch k {
	case KindBillPayment:
		return billGraph
	case KindWithdrawal:
		return withdrawalGraph
	default:
		return paymentGraph
	}
}

// InitialState is the state a freshly created transaction of this kind starts in.
func (k Kind) InitialState() State {
	if k == KindBillPayment {
		return StatePendingPayment
	}
	return StatePending
}

// IsTerminal reports whether s has no outgoing edges for this kind.
func (k Kind) IsTerminal(s State) bool {
	switch s {
	case StateCompleted, StateRefunded:
		return true
	case StateFailed:
		return k == KindPayment
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the kind's graph.
func (k Kind) CanTransition(from, to State) bool {
	return slices.Contains(k.Graph()[from], to)
}

// States lists every token legal for the kind.
func (k Kind) States() []State {
	if k == KindBillPayment {
		return BillStates()
	}
	seen := map[State]bool{}
	var out []State
	for from, tos := range k.Graph() {
		for _, s := range append([]State{from}, tos...) {
			if !seen[s] {
				seen[s] = true
				out = append(out, s)
			}
		}
	}
	slices.Sort(out)
	return out
}

// ParseBillState decodes a persisted bill token. Unknown tokens are an error.
func ParseBillState(token string) (State, error) {
	s := State(token)
	if !slices.Contains(billStates, s) {
		return "", fmt.Errorf("%w: %q is not a bill processing state", ErrUnknownState, token)
	}
	return s, nil
}

// ParseState decodes a persisted token for the given kind.
func ParseState(kind Kind, token string) (State, error) {
	if kind == KindBillPayment {
		return ParseBillState(token)
	}
	s := State(token)
	if !slices.Contains(kind.States(), s) {
		return "", fmt.Errorf("%w: %q is not a %s state", ErrUnknownState, token, kind)
	}
	return s, nil
}

// ParseKind decodes a persisted kind token.
func ParseKind(token string) (Kind, error) {
	switch k := Kind(token); k {
	case KindPayment, KindWithdrawal, KindBillPayment:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown transaction kind %q", ErrValidation, token)
}

func (s State) String() string { return string(s) }
