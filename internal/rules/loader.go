package rules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"ledgermill.io/ledgermill/internal/domain"
)

// ruleDoc is the file representation of a rule. Dates are strings in files;
// conversion to domain.DateOnly happens on load.
type ruleDoc struct {
	ID          string `yaml:"id" json:"id"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`
	Priority    int    `yaml:"priority" json:"priority"`

	IntentType string `yaml:"intent_type" json:"intent_type"`
	Phase      string `yaml:"phase" json:"phase"`

	Conditions []conditionDoc `yaml:"conditions" json:"conditions"`
	Action     string         `yaml:"action" json:"action"`

	RejectionMessage string                 `yaml:"rejection_message" json:"rejection_message"`
	ApproverRole     string                 `yaml:"approver_role" json:"approver_role"`
	EnrichFields     map[string]interface{} `yaml:"enrich_fields" json:"enrich_fields"`

	EffectiveFrom string `yaml:"effective_from" json:"effective_from"`
	EffectiveTo   string `yaml:"effective_to" json:"effective_to"`
}

type conditionDoc struct {
	Field    string      `yaml:"field" json:"field"`
	Operator string      `yaml:"operator" json:"operator"`
	Value    interface{} `yaml:"value" json:"value"`
}

type ruleFile struct {
	Rules []ruleDoc `yaml:"rules" json:"rules"`
}

// LoadFile parses one YAML or JSON rule file.
func LoadFile(path string) ([]Rule, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rule file %s: %w", path, err)
	}

	var doc ruleFile
	if strings.EqualFold(filepath.Ext(path), ".json") {
		err = json.Unmarshal(raw, &doc)
	} else {
		err = yaml.Unmarshal(raw, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse rule file %s: %w", path, err)
	}

	out := make([]Rule, 0, len(doc.Rules))
	for i, rd := range doc.Rules {
		rule, err := rd.toRule()
		if err != nil {
			return nil, fmt.Errorf("rule file %s, entry %d (%s): %w", path, i, rd.ID, err)
		}
		out = append(out, rule)
	}
	return out, nil
}

// LoadDir loads every .yaml/.yml/.json file in dir, concatenating rules in
// sorted filename order so loading is deterministic.
func LoadDir(dir string) ([]Rule, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read rules dir %s: %w", dir, err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var out []Rule
	for _, name := range names {
		loaded, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		out = append(out, loaded...)
	}
	return out, nil
}

func (rd ruleDoc) toRule() (Rule, error) {
	if rd.ID == "" {
		return Rule{}, fmt.Errorf("rule id is required")
	}
	if rd.IntentType == "" {
		return Rule{}, fmt.Errorf("intent_type is required")
	}

	action := Action(rd.Action)
	switch action {
	case ActionApprove, ActionReject, ActionRouteForApproval, ActionEnrich:
	default:
		return Rule{}, fmt.Errorf("unknown action %q", rd.Action)
	}

	phase := Phase(rd.Phase)
	switch phase {
	case "", PhaseValidate, PhaseEnrich, PhaseDecide:
	default:
		return Rule{}, fmt.Errorf("unknown phase %q", rd.Phase)
	}

	rule := Rule{
		ID:               rd.ID,
		Name:             rd.Name,
		Description:      rd.Description,
		Priority:         rd.Priority,
		IntentType:       rd.IntentType,
		Phase:            phase,
		Action:           action,
		RejectionMessage: rd.RejectionMessage,
		ApproverRole:     rd.ApproverRole,
		EnrichFields:     rd.EnrichFields,
	}

	for _, cd := range rd.Conditions {
		op := Operator(cd.Operator)
		switch op {
		case OpEq, OpNeq, OpNotEmpty, OpIn, OpNotIn, OpExists, OpGt, OpLt, OpGte, OpLte, OpMatches:
		default:
			return Rule{}, fmt.Errorf("unknown operator %q", cd.Operator)
		}
		rule.Conditions = append(rule.Conditions, Condition{
			Field:    cd.Field,
			Operator: op,
			Value:    cd.Value,
		})
	}

	if rd.EffectiveFrom != "" {
		d, err := domain.ParseDateOnly(rd.EffectiveFrom)
		if err != nil {
			return Rule{}, err
		}
		rule.EffectiveFrom = &d
	}
	if rd.EffectiveTo != "" {
		d, err := domain.ParseDateOnly(rd.EffectiveTo)
		if err != nil {
			return Rule{}, err
		}
		rule.EffectiveTo = &d
	}

	return rule, nil
}
