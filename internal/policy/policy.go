// Package policy evaluates refund rules written as govaluate expressions.
package policy

import (
	"fmt"
	"sort"

	"github.com/Knetic/govaluate"
)

// Decision is the outcome of a matching rule.
type Decision struct {
	Refund bool
	Reason string
}

// Rule is a single refund policy. Rules are evaluated by ascending Priority,
// then declaration order; the first expression that evaluates to true wins.
type Rule struct {
	ID         string `yaml:"id"`
	Expression string `yaml:"expression"`
	Priority   int    `yaml:"priority"`
	Decision   Decision
}

// Facts are the parameters exposed to rule expressions:
//
//	amountMismatch, accountValid, providerUnavailable (bool)
//	retryCount, maxRetries (number)
type Facts struct {
	AmountMismatch      bool
	RetryCount          int
	MaxRetries          int
	AccountValid        bool
	ProviderUnavailable bool
}

func (f Facts) parameters() map[string]interface{} {
	return map[string]interface{}{
		"amountMismatch":      f.AmountMismatch,
		"retryCount":          float64(f.RetryCount),
		"maxRetries":          float64(f.MaxRetries),
		"accountValid":        f.AccountValid,
		"providerUnavailable": f.ProviderUnavailable,
	}
}

type compiledRule struct {
	Rule
	expr *govaluate.EvaluableExpression
}

// RefundPolicy holds compiled rules.
type RefundPolicy struct {
	rules []compiledRule
}

// DefaultRules refund on amount mismatch, on an invalid account and once
// retries are exhausted. A provider outage alone is retried, not refunded.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "amount_mismatch", Expression: "amountMismatch", Priority: 1,
			Decision: Decision{Refund: true, Reason: "amount mismatch between expected and received funds"}},
		{ID: "account_invalid", Expression: "!accountValid", Priority: 2,
			Decision: Decision{Refund: true, Reason: "account validation failed"}},
		{ID: "retries_exhausted", Expression: "maxRetries > 0 && retryCount >= maxRetries", Priority: 3,
			Decision: Decision{Refund: true, Reason: "retry limit exceeded"}},
	}
}

// New compiles rules. A nil or empty slice yields a policy that never refunds.
func New(rules []Rule) (*RefundPolicy, error) {
	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Expression == "" {
			return nil, fmt.Errorf("policy rule ID '%s' has an empty expression", r.ID)
		}
		expr, err := govaluate.NewEvaluableExpression(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("failed to compile rule ID '%s': %w", r.ID, err)
		}
		compiled = append(compiled, compiledRule{Rule: r, expr: expr})
	}
	sort.SliceStable(compiled, func(i, j int) bool { return compiled[i].Priority < compiled[j].Priority })
	return &RefundPolicy{rules: compiled}, nil
}

// Evaluate returns the decision of the first matching rule and its ID. When
// nothing matches the transaction is not eligible and the ID is empty.
func (p *RefundPolicy) Evaluate(f Facts) (Decision, string, error) {
	params := f.parameters()
	for _, r := range p.rules {
		out, err := r.expr.Evaluate(params)
		if err != nil {
			return Decision{}, "", fmt.Errorf("evaluating rule ID '%s': %w", r.ID, err)
		}
		matched, ok := out.(bool)
		if !ok {
			return Decision{}, "", fmt.Errorf("rule ID '%s' returned %T, want bool", r.ID, out)
		}
		if matched {
			return r.Decision, r.ID, nil
		}
	}
	return Decision{Refund: false, Reason: "no refund condition met"}, "", nil
}
