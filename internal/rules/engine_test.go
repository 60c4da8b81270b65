package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ledgermill.io/ledgermill/internal/domain"
)

func date(s string) domain.DateOnly {
	d, err := domain.ParseDateOnly(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestEvaluateCondition_Operators(t *testing.T) {
	data := domain.Payload{
		"name":   "Acme",
		"amount": 150.0,
		"count":  3,
		"empty":  "",
		"tags":   []interface{}{"net30", "preferred"},
		"vendor": map[string]interface{}{"status": "active"},
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string", Condition{Field: "name", Operator: OpEq, Value: "Acme"}, true},
		{"eq mismatch", Condition{Field: "name", Operator: OpEq, Value: "Other"}, false},
		{"eq numeric coercion", Condition{Field: "count", Operator: OpEq, Value: 3.0}, true},
		{"neq", Condition{Field: "name", Operator: OpNeq, Value: "Other"}, true},
		{"neq absent field", Condition{Field: "missing", Operator: OpNeq, Value: "x"}, true},
		{"not_empty", Condition{Field: "name", Operator: OpNotEmpty}, true},
		{"not_empty on empty string", Condition{Field: "empty", Operator: OpNotEmpty}, false},
		{"exists", Condition{Field: "empty", Operator: OpExists}, true},
		{"exists absent", Condition{Field: "missing", Operator: OpExists}, false},
		{"in", Condition{Field: "name", Operator: OpIn, Value: []interface{}{"Acme", "Other"}}, true},
		{"not_in", Condition{Field: "name", Operator: OpNotIn, Value: []interface{}{"Other"}}, true},
		{"gt", Condition{Field: "amount", Operator: OpGt, Value: 100}, true},
		{"gt equal is false", Condition{Field: "amount", Operator: OpGt, Value: 150}, false},
		{"gte equal", Condition{Field: "amount", Operator: OpGte, Value: 150}, true},
		{"lt", Condition{Field: "amount", Operator: OpLt, Value: 200}, true},
		{"lte", Condition{Field: "amount", Operator: OpLte, Value: 150}, true},
		{"gt non-numeric", Condition{Field: "name", Operator: OpGt, Value: 1}, false},
		{"matches", Condition{Field: "name", Operator: OpMatches, Value: "^Ac"}, true},
		{"matches bad pattern", Condition{Field: "name", Operator: OpMatches, Value: "("}, false},
		{"dotted path", Condition{Field: "vendor.status", Operator: OpEq, Value: "active"}, true},
		{"dotted path absent", Condition{Field: "vendor.missing", Operator: OpExists}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evaluateCondition(tt.cond, data))
		})
	}
}

// Rule authors can point eq/neq/in at list or map fields; those comparisons
// must evaluate false (or true for the negations) instead of panicking on an
// uncomparable dynamic type.
func TestEvaluateCondition_NonComparableOperands(t *testing.T) {
	data := domain.Payload{
		"tags":   []interface{}{"net30", "preferred"},
		"vendor": map[string]interface{}{"status": "active"},
		"name":   "Acme",
	}

	tests := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq list vs list", Condition{Field: "tags", Operator: OpEq, Value: []interface{}{"net30", "preferred"}}, false},
		{"eq list vs scalar", Condition{Field: "tags", Operator: OpEq, Value: "net30"}, false},
		{"eq scalar vs list", Condition{Field: "name", Operator: OpEq, Value: []interface{}{"Acme"}}, false},
		{"eq map vs map", Condition{Field: "vendor", Operator: OpEq, Value: map[string]interface{}{"status": "active"}}, false},
		{"neq list vs list", Condition{Field: "tags", Operator: OpNeq, Value: []interface{}{"net30", "preferred"}}, true},
		{"in with list field value", Condition{Field: "tags", Operator: OpIn, Value: []interface{}{[]interface{}{"net30"}, "x"}}, false},
		{"not_in with map field value", Condition{Field: "vendor", Operator: OpNotIn, Value: []interface{}{map[string]interface{}{"status": "active"}}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.NotPanics(t, func() {
				assert.Equal(t, tt.want, evaluateCondition(tt.cond, data))
			})
		})
	}
}

func TestEvaluate_RejectShortCircuits(t *testing.T) {
	ruleSet := []Rule{
		{
			ID: "late-rule", IntentType: "mdm.vendor.create", Priority: 20,
			Action: ActionRouteForApproval, ApproverRole: "mdm_manager",
		},
		{
			ID: "reject-first", IntentType: "mdm.vendor.create", Priority: 10,
			Action: ActionReject, RejectionMessage: "no",
			Conditions: []Condition{{Field: "bad", Operator: OpEq, Value: true}},
		},
	}

	result := Evaluate(ruleSet, Context{
		IntentType: "mdm.vendor.create",
		Data:       domain.Payload{"bad": true},
	}, domain.DateOnly{})

	require.True(t, result.Rejected())
	assert.Equal(t, "no", result.RejectionMessage)
	// Priority sorts reject-first ahead; the short circuit leaves one trace.
	require.Len(t, result.Traces, 1)
	assert.Equal(t, "reject-first", result.Traces[0].RuleID)
	assert.Equal(t, TraceFired, result.Traces[0].Result)
}

func TestEvaluate_RouteDoesNotShortCircuit(t *testing.T) {
	ruleSet := []Rule{
		{
			ID: "route", IntentType: "ap.invoice.approve", Priority: 10,
			Action: ActionRouteForApproval, ApproverRole: "ap_manager",
		},
		{
			ID: "later-reject", IntentType: "ap.invoice.approve", Priority: 20,
			Action: ActionReject, RejectionMessage: "blocked",
		},
	}

	result := Evaluate(ruleSet, Context{IntentType: "ap.invoice.approve", Data: domain.Payload{}}, domain.DateOnly{})

	require.True(t, result.Rejected(), "a later reject overrides an earlier route")
	assert.Equal(t, "blocked", result.RejectionMessage)
	assert.Len(t, result.Traces, 2)
}

func TestEvaluate_DefaultRejectionMessage(t *testing.T) {
	ruleSet := []Rule{{ID: "r1", IntentType: "t", Action: ActionReject}}
	result := Evaluate(ruleSet, Context{IntentType: "t", Data: domain.Payload{}}, domain.DateOnly{})
	require.True(t, result.Rejected())
	assert.Equal(t, "rejected by rule r1", result.RejectionMessage)
}

func TestEvaluate_IgnoresOtherIntentTypes(t *testing.T) {
	ruleSet := []Rule{{ID: "r1", IntentType: "other", Action: ActionReject}}
	result := Evaluate(ruleSet, Context{IntentType: "t", Data: domain.Payload{}}, domain.DateOnly{})
	assert.Equal(t, ActionApprove, result.Decision)
	assert.Empty(t, result.Traces)
}

func TestEvaluate_EffectiveWindow(t *testing.T) {
	from := date("2026-01-01")
	to := date("2026-12-31")
	ruleSet := []Rule{{
		ID: "windowed", IntentType: "t", Action: ActionReject,
		EffectiveFrom: &from, EffectiveTo: &to,
	}}

	inWindow := Evaluate(ruleSet, Context{IntentType: "t", Data: domain.Payload{}}, date("2026-06-15"))
	require.True(t, inWindow.Rejected())

	before := Evaluate(ruleSet, Context{IntentType: "t", Data: domain.Payload{}}, date("2025-06-15"))
	assert.Equal(t, ActionApprove, before.Decision)
	require.Len(t, before.Traces, 1)
	assert.Equal(t, TraceSkippedInactive, before.Traces[0].Result)

	// A zero date disables window filtering entirely.
	zero := Evaluate(ruleSet, Context{IntentType: "t", Data: domain.Payload{}}, domain.DateOnly{})
	assert.True(t, zero.Rejected())
}

func TestEvaluatePhased_PhaseOrderAndEnrichment(t *testing.T) {
	ruleSet := []Rule{
		{
			ID: "decide-on-enriched", IntentType: "t", Phase: PhaseDecide, Priority: 10,
			Action: ActionRouteForApproval, ApproverRole: "manager",
			Conditions: []Condition{{Field: "risk", Operator: OpEq, Value: "high"}},
		},
		{
			ID: "enrich-risk", IntentType: "t", Phase: PhaseEnrich, Priority: 10,
			Action:       ActionEnrich,
			EnrichFields: map[string]interface{}{"risk": "high"},
		},
	}

	result := EvaluatePhased(ruleSet, Context{IntentType: "t", Data: domain.Payload{}}, domain.DateOnly{})

	require.True(t, result.RoutedForApproval(), "decide phase must see enrich phase output")
	assert.Equal(t, "manager", result.RequiredApproverRole)
	assert.Equal(t, "high", result.EnrichedContext.GetString("risk"))
}

func TestEvaluatePhased_ValidateRejectHaltsLaterPhases(t *testing.T) {
	ruleSet := []Rule{
		{
			ID: "reject-early", IntentType: "t", Phase: PhaseValidate,
			Action: ActionReject, RejectionMessage: "invalid",
		},
		{
			ID: "enrich-later", IntentType: "t", Phase: PhaseEnrich,
			Action: ActionEnrich, EnrichFields: map[string]interface{}{"x": 1},
		},
	}

	result := EvaluatePhased(ruleSet, Context{IntentType: "t", Data: domain.Payload{}}, domain.DateOnly{})

	require.True(t, result.Rejected())
	assert.False(t, result.EnrichedContext.Has("x"))
}

func TestEvaluatePhased_ActionsBlockedOutsideTheirPhase(t *testing.T) {
	ruleSet := []Rule{
		{
			ID: "enrich-in-validate", IntentType: "t", Phase: PhaseValidate,
			Action: ActionEnrich, EnrichFields: map[string]interface{}{"x": 1},
		},
		{
			ID: "reject-in-enrich", IntentType: "t", Phase: PhaseEnrich,
			Action: ActionReject,
		},
	}

	result := EvaluatePhased(ruleSet, Context{IntentType: "t", Data: domain.Payload{}}, domain.DateOnly{})

	assert.Equal(t, ActionApprove, result.Decision)
	assert.False(t, result.EnrichedContext.Has("x"))
	require.Len(t, result.Traces, 2)
	for _, trace := range result.Traces {
		assert.Equal(t, TraceNotApplicable, trace.Result)
	}
}

func TestEvaluatePhased_UnlabeledRuleDefaultsToValidate(t *testing.T) {
	ruleSet := []Rule{{ID: "r1", IntentType: "t", Action: ActionReject}}
	result := EvaluatePhased(ruleSet, Context{IntentType: "t", Data: domain.Payload{}}, domain.DateOnly{})
	require.True(t, result.Rejected())
	assert.Equal(t, string(PhaseValidate), result.Traces[0].Phase)
}

func TestEvaluate_DoesNotMutateInput(t *testing.T) {
	ruleSet := []Rule{{
		ID: "enrich", IntentType: "t", Action: ActionEnrich,
		EnrichFields: map[string]interface{}{"added": true},
	}}
	input := domain.Payload{"original": 1}

	result := Evaluate(ruleSet, Context{IntentType: "t", Data: input}, domain.DateOnly{})

	assert.True(t, result.EnrichedContext.GetBool("added"))
	assert.False(t, input.Has("added"))
}
