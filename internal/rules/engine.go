package rules

import (
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"time"

	"ledgermill.io/ledgermill/internal/domain"
)

// Trace result values.
const (
	TraceFired           = "fired"
	TraceNoMatch         = "no_match"
	TraceSkippedInactive = "skipped_inactive"
	TraceNotApplicable   = "not_applicable"
)

// Evaluate runs the flat evaluator: rules matching the intent type (and the
// effective window, when a date is given), priority-ascending. A reject
// short-circuits; route_for_approval persists as the decision but later
// rules still run (a later reject wins).
func Evaluate(ruleSet []Rule, ctx Context, effectiveDate domain.DateOnly) *Result {
	result := &Result{Decision: ActionApprove}
	data := ctx.Data.Clone()

	for _, rule := range selectRules(ruleSet, ctx.IntentType) {
		if !rule.activeOn(effectiveDate) {
			result.Traces = append(result.Traces, skippedTrace(rule))
			continue
		}

		trace, fired := evaluateRule(rule, data)
		result.Traces = append(result.Traces, trace)
		if !fired {
			continue
		}
		if stop := applyAction(rule, result, data); stop {
			break
		}
	}

	result.EnrichedContext = data
	return result
}

// EvaluatePhased runs validate → enrich → decide in fixed order. In the
// enrich phase only enrich actions execute; elsewhere enrich actions are
// blocked. A reject in any phase halts all remaining phases;
// route_for_approval persists without short-circuiting.
func EvaluatePhased(ruleSet []Rule, ctx Context, effectiveDate domain.DateOnly) *Result {
	result := &Result{Decision: ActionApprove}
	data := ctx.Data.Clone()

	matching := selectRules(ruleSet, ctx.IntentType)

phases:
	for _, phase := range phaseOrder {
		for i := range matching {
			rule := matching[i]
			if rule.phase() != phase {
				continue
			}
			if !rule.activeOn(effectiveDate) {
				result.Traces = append(result.Traces, skippedTrace(rule))
				continue
			}

			if blocked, reason := actionBlockedInPhase(rule.Action, phase); blocked {
				result.Traces = append(result.Traces, blockedTrace(rule, reason))
				continue
			}

			trace, fired := evaluateRule(rule, data)
			result.Traces = append(result.Traces, trace)
			if !fired {
				continue
			}
			if stop := applyAction(rule, result, data); stop {
				break phases
			}
		}
	}

	result.EnrichedContext = data
	return result
}

// selectRules filters to the intent type and sorts by priority ascending.
// The sort is stable so equal priorities keep file order.
func selectRules(ruleSet []Rule, intentType string) []Rule {
	matching := make([]Rule, 0, len(ruleSet))
	for _, r := range ruleSet {
		if r.IntentType == intentType {
			matching = append(matching, r)
		}
	}
	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].Priority < matching[j].Priority
	})
	return matching
}

// applyAction mutates result/data for a fired rule. Returns true when
// evaluation must stop (reject).
func applyAction(rule Rule, result *Result, data domain.Payload) bool {
	switch rule.Action {
	case ActionReject:
		result.Decision = ActionReject
		result.RejectionMessage = rule.RejectionMessage
		if result.RejectionMessage == "" {
			result.RejectionMessage = fmt.Sprintf("rejected by rule %s", rule.ID)
		}
		return true
	case ActionRouteForApproval:
		result.Decision = ActionRouteForApproval
		result.RequiredApproverRole = rule.ApproverRole
		return false
	case ActionEnrich:
		for k, v := range rule.EnrichFields {
			data[k] = v
		}
		return false
	default:
		return false
	}
}

// actionBlockedInPhase reports whether an action may not execute in a phase.
func actionBlockedInPhase(action Action, phase Phase) (bool, string) {
	if phase == PhaseEnrich && action != ActionEnrich {
		return true, string(action) + "_blocked_in_enrich_phase"
	}
	if phase != PhaseEnrich && action == ActionEnrich {
		return true, string(ActionEnrich) + "_blocked_in_" + string(phase) + "_phase"
	}
	return false, ""
}

// evaluateRule checks the conjunction of conditions against data.
func evaluateRule(rule Rule, data domain.Payload) (domain.RuleTrace, bool) {
	start := time.Now()
	fired := true
	for _, cond := range rule.Conditions {
		if !evaluateCondition(cond, data) {
			fired = false
			break
		}
	}

	trace := domain.RuleTrace{
		RuleID:    rule.ID,
		RuleName:  rule.Name,
		Phase:     string(rule.phase()),
		Priority:  rule.Priority,
		ElapsedUS: time.Since(start).Microseconds(),
	}
	if fired {
		trace.Result = TraceFired
		trace.ActionsTaken = []string{string(rule.Action)}
	} else {
		trace.Result = TraceNoMatch
	}
	return trace, fired
}

func skippedTrace(rule Rule) domain.RuleTrace {
	return domain.RuleTrace{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Phase:    string(rule.phase()),
		Priority: rule.Priority,
		Result:   TraceSkippedInactive,
		Reason:   "outside_effective_window",
	}
}

func blockedTrace(rule Rule, reason string) domain.RuleTrace {
	return domain.RuleTrace{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Phase:    string(rule.phase()),
		Priority: rule.Priority,
		Result:   TraceNotApplicable,
		Reason:   reason,
	}
}

// evaluateCondition resolves the dotted path and applies the operator.
// Type-unsafe comparisons and invalid regex patterns evaluate false.
func evaluateCondition(cond Condition, data domain.Payload) bool {
	value, present := lookupPath(data, cond.Field)

	switch cond.Operator {
	case OpExists:
		return present
	case OpNotEmpty:
		return present && !isEmpty(value)
	case OpEq:
		return present && looseEqual(value, cond.Value)
	case OpNeq:
		return !present || !looseEqual(value, cond.Value)
	case OpIn:
		return present && containsValue(cond.Value, value)
	case OpNotIn:
		return !present || !containsValue(cond.Value, value)
	case OpGt, OpLt, OpGte, OpLte:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		if !present || !aok || !bok {
			return false
		}
		switch cond.Operator {
		case OpGt:
			return a > b
		case OpLt:
			return a < b
		case OpGte:
			return a >= b
		default:
			return a <= b
		}
	case OpMatches:
		pattern, ok := cond.Value.(string)
		if !present || !ok {
			return false
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		s, ok := value.(string)
		return ok && re.MatchString(s)
	default:
		return false
	}
}

// lookupPath walks a dotted path through nested JSON objects.
func lookupPath(data domain.Payload, path string) (interface{}, bool) {
	if path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current interface{} = map[string]interface{}(data)
	for _, part := range parts {
		m, ok := asMap(current)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

func asMap(v interface{}) (map[string]interface{}, bool) {
	switch m := v.(type) {
	case map[string]interface{}:
		return m, true
	case domain.Payload:
		return m, true
	default:
		return nil, false
	}
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	default:
		return false
	}
}

// looseEqual compares with numeric coercion so YAML ints match JSON floats.
// Operands whose dynamic type is not comparable (lists, maps) never match.
func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	if !isComparable(a) || !isComparable(b) {
		return false
	}
	return a == b
}

func isComparable(v interface{}) bool {
	if v == nil {
		return true
	}
	return reflect.TypeOf(v).Comparable()
}

func containsValue(list, v interface{}) bool {
	items, ok := list.([]interface{})
	if !ok {
		return false
	}
	for _, item := range items {
		if looseEqual(v, item) {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
