// Package rules implements the declarative rules engine: condition evaluation
// over dotted-path data, flat and phased evaluators, and rule file loading.
//
// The engine is a pure function over (rules, context); it holds no state and
// touches no storage.
package rules

import (
	"ledgermill.io/ledgermill/internal/domain"
)

// Operator is a condition comparison operator.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNeq      Operator = "neq"
	OpNotEmpty Operator = "not_empty"
	OpIn       Operator = "in"
	OpNotIn    Operator = "not_in"
	OpExists   Operator = "exists"
	OpGt       Operator = "gt"
	OpLt       Operator = "lt"
	OpGte      Operator = "gte"
	OpLte      Operator = "lte"
	OpMatches  Operator = "matches"
)

// Action is what a fired rule does.
type Action string

const (
	ActionApprove          Action = "approve"
	ActionReject           Action = "reject"
	ActionRouteForApproval Action = "route_for_approval"
	ActionEnrich           Action = "enrich"
)

// Phase orders rule evaluation. Unlabeled rules default to validate.
type Phase string

const (
	PhaseValidate Phase = "validate"
	PhaseEnrich   Phase = "enrich"
	PhaseDecide   Phase = "decide"
)

// phaseOrder is the fixed execution order of the phased evaluator.
var phaseOrder = []Phase{PhaseValidate, PhaseEnrich, PhaseDecide}

// Condition is one conjunct: a dotted field path, an operator and an
// optional comparison value.
type Condition struct {
	Field    string      `json:"field"`
	Operator Operator    `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
}

// Rule is a declarative validation fragment. Lower priority runs earlier.
type Rule struct {
	ID          string `json:"id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	Priority    int    `json:"priority"`

	IntentType string `json:"intent_type"`
	Phase      Phase  `json:"phase,omitempty"`

	Conditions []Condition `json:"conditions"`
	Action     Action      `json:"action"`

	RejectionMessage string                 `json:"rejection_message,omitempty"`
	ApproverRole     string                 `json:"approver_role,omitempty"`
	EnrichFields     map[string]interface{} `json:"enrich_fields,omitempty"`

	EffectiveFrom *domain.DateOnly `json:"effective_from,omitempty"`
	EffectiveTo   *domain.DateOnly `json:"effective_to,omitempty"`
}

// phase returns the rule's phase, defaulting to validate.
func (r *Rule) phase() Phase {
	if r.Phase == "" {
		return PhaseValidate
	}
	return r.Phase
}

// activeOn reports whether the rule's effective window includes the date.
// A zero date disables window filtering.
func (r *Rule) activeOn(date domain.DateOnly) bool {
	if date.IsZero() {
		return true
	}
	if r.EffectiveFrom != nil && date.Before(*r.EffectiveFrom) {
		return false
	}
	if r.EffectiveTo != nil && date.After(*r.EffectiveTo) {
		return false
	}
	return true
}

// Context is the evaluation input: the intent type plus a shallow merge of
// the intent payload and handler-computed flags.
type Context struct {
	IntentType string
	Data       domain.Payload
}

// Result is the evaluation outcome.
type Result struct {
	Decision             Action             `json:"decision"`
	Traces               []domain.RuleTrace `json:"traces"`
	RejectionMessage     string             `json:"rejection_message,omitempty"`
	RequiredApproverRole string             `json:"required_approver_role,omitempty"`

	// EnrichedContext is the progressively-enriched data after phased
	// evaluation. Flat evaluation returns the input data with any enrich
	// merges applied.
	EnrichedContext domain.Payload `json:"-"`
}

// Rejected reports whether the decision is a rejection.
func (r *Result) Rejected() bool { return r.Decision == ActionReject }

// RoutedForApproval reports whether the decision routes for approval.
func (r *Result) RoutedForApproval() bool { return r.Decision == ActionRouteForApproval }
