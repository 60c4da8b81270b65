package rules

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFile_YAML(t *testing.T) {
	path := writeFile(t, t.TempDir(), "vendor.yaml", `
rules:
  - id: vendor-name-unique
    name: Vendor name must be unique
    priority: 20
    intent_type: mdm.vendor.create
    phase: validate
    action: reject
    rejection_message: duplicate vendor
    conditions:
      - field: _duplicate_exists
        operator: eq
        value: true
    effective_from: "2026-01-01"
`)

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	rule := loaded[0]
	assert.Equal(t, "vendor-name-unique", rule.ID)
	assert.Equal(t, PhaseValidate, rule.Phase)
	assert.Equal(t, ActionReject, rule.Action)
	assert.Equal(t, "duplicate vendor", rule.RejectionMessage)
	require.Len(t, rule.Conditions, 1)
	assert.Equal(t, OpEq, rule.Conditions[0].Operator)
	assert.Equal(t, true, rule.Conditions[0].Value)
	require.NotNil(t, rule.EffectiveFrom)
	assert.Equal(t, "2026-01-01", rule.EffectiveFrom.String())
	assert.Nil(t, rule.EffectiveTo)
}

func TestLoadFile_JSON(t *testing.T) {
	path := writeFile(t, t.TempDir(), "routing.json", `{
		"rules": [{
			"id": "ap-amount-routing",
			"intent_type": "ap.invoice.approve",
			"phase": "decide",
			"action": "route_for_approval",
			"approver_role": "ap_manager",
			"conditions": [{"field": "amount", "operator": "gt", "value": 10000}]
		}]
	}`)

	loaded, err := LoadFile(path)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, ActionRouteForApproval, loaded[0].Action)
	assert.Equal(t, "ap_manager", loaded[0].ApproverRole)
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing id", "rules:\n  - intent_type: t\n    action: reject\n"},
		{"missing intent_type", "rules:\n  - id: r1\n    action: reject\n"},
		{"unknown action", "rules:\n  - id: r1\n    intent_type: t\n    action: explode\n"},
		{"unknown phase", "rules:\n  - id: r1\n    intent_type: t\n    action: reject\n    phase: later\n"},
		{"unknown operator", "rules:\n  - id: r1\n    intent_type: t\n    action: reject\n    conditions:\n      - field: x\n        operator: resembles\n"},
		{"bad date", "rules:\n  - id: r1\n    intent_type: t\n    action: reject\n    effective_from: not-a-date\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), "bad.yaml", tt.content)
			_, err := LoadFile(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadDir_SortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "20-second.yaml", "rules:\n  - id: second\n    intent_type: t\n    action: approve\n")
	writeFile(t, dir, "10-first.yml", "rules:\n  - id: first\n    intent_type: t\n    action: approve\n")
	writeFile(t, dir, "README.md", "not a rule file")

	loaded, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "first", loaded[0].ID)
	assert.Equal(t, "second", loaded[1].ID)
}

func TestLoadDir_Missing(t *testing.T) {
	_, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestShippedRuleFiles(t *testing.T) {
	loaded, err := LoadDir(filepath.Join("..", "..", "rules"))
	require.NoError(t, err)
	require.NotEmpty(t, loaded)

	byID := make(map[string]Rule, len(loaded))
	for _, r := range loaded {
		byID[r.ID] = r
	}
	require.Contains(t, byID, "vendor-name-unique")
	require.Contains(t, byID, "ap-sod-enforcement")
	assert.Equal(t, "mdm_manager", byID["vendor-credit-limit-routing"].ApproverRole)
	assert.Equal(t, "ap_manager", byID["ap-amount-routing"].ApproverRole)
}
