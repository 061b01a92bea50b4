package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_EmptyAndNilRules(t *testing.T) {
	p, err := New(nil)
	require.NoError(t, err)
	assert.Empty(t, p.rules)

	d, id, err := p.Evaluate(Facts{AmountMismatch: true})
	require.NoError(t, err)
	assert.False(t, d.Refund)
	assert.Empty(t, id)
}

func TestNew_CompilationError(t *testing.T) {
	rules := []Rule{
		{ID: "rule1", Expression: "retryCount > 1"},
		{ID: "rule2", Expression: "retryCount >="},
	}
	_, err := New(rules)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to compile rule ID 'rule2'")
}

func TestNew_EmptyExpression(t *testing.T) {
	_, err := New([]Rule{{ID: "empty_expr_rule"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "policy rule ID 'empty_expr_rule' has an empty expression")
}

func TestEvaluate_DefaultRules(t *testing.T) {
	p, err := New(DefaultRules())
	require.NoError(t, err)

	tests := []struct {
		name   string
		facts  Facts
		refund bool
		ruleID string
	}{
		{"mismatch", Facts{AmountMismatch: true, RetryCount: 0, MaxRetries: 3, AccountValid: true}, true, "amount_mismatch"},
		{"retries exhausted", Facts{RetryCount: 3, MaxRetries: 3, AccountValid: true}, true, "retries_exhausted"},
		{"still retrying", Facts{RetryCount: 1, MaxRetries: 3, AccountValid: true}, false, ""},
		{"invalid account", Facts{MaxRetries: 3, AccountValid: false}, true, "account_invalid"},
		{"provider outage alone", Facts{MaxRetries: 3, AccountValid: true, ProviderUnavailable: true}, false, ""},
		{"mismatch wins over invalid account", Facts{AmountMismatch: true, MaxRetries: 3}, true, "amount_mismatch"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, id, err := p.Evaluate(tt.facts)
			require.NoError(t, err)
			assert.Equal(t, tt.refund, d.Refund)
			assert.Equal(t, tt.ruleID, id)
		})
	}
}

func TestEvaluate_PriorityOrder(t *testing.T) {
	p, err := New([]Rule{
		{ID: "late", Expression: "retryCount >= 1", Priority: 5, Decision: Decision{Refund: true, Reason: "late"}},
		{ID: "early", Expression: "retryCount >= 1", Priority: 1, Decision: Decision{Refund: false, Reason: "early"}},
	})
	require.NoError(t, err)
	d, id, err := p.Evaluate(Facts{RetryCount: 2})
	require.NoError(t, err)
	assert.Equal(t, "early", id)
	assert.False(t, d.Refund)
}

func TestEvaluate_UnknownParameter(t *testing.T) {
	p, err := New([]Rule{{ID: "missing_param_rule", Expression: "undefinedParam > 10"}})
	require.NoError(t, err)
	_, _, err = p.Evaluate(Facts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "No parameter 'undefinedParam' found.")
}

func TestEvaluate_NonBooleanResult(t *testing.T) {
	p, err := New([]Rule{{ID: "numeric", Expression: "retryCount + 1"}})
	require.NoError(t, err)
	_, _, err = p.Evaluate(Facts{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want bool")
}
