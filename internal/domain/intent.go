package domain

import "time"

// Intent type names. Each maps to one registered intent handler.
const (
	IntentVendorCreate     = "mdm.vendor.create"
	IntentVendorUpdate     = "mdm.vendor.update"
	IntentVendorAddContact = "mdm.vendor.add_contact"
	IntentItemCreate       = "mdm.item.create"
	IntentPOCreate         = "ap.po.create"
	IntentInvoiceSubmit    = "ap.invoice.submit"
	IntentInvoiceApprove   = "ap.invoice.approve"
	IntentInvoiceReject    = "ap.invoice.reject"
	IntentInvoicePost      = "ap.invoice.post"
	IntentInvoicePay       = "ap.invoice.pay"
)

// IntentStatus is the lifecycle state of a persisted (deferred) intent.
type IntentStatus string

const (
	IntentStatusPendingApproval IntentStatus = "pending_approval"
	IntentStatusApproved        IntentStatus = "approved"
	IntentStatusRejected        IntentStatus = "rejected"
	IntentStatusExecuted        IntentStatus = "executed"
	IntentStatusFailed          IntentStatus = "failed"
)

// Intent is a request to mutate state, authored by a human, system, or agent.
type Intent struct {
	Type  string `json:"type"`
	Actor Actor  `json:"actor"`
	Scope Scope  `json:"scope"`

	Data Payload `json:"data"`

	IdempotencyKey string     `json:"idempotency_key,omitempty"`
	CorrelationID  string     `json:"correlation_id,omitempty"`
	OccurredAt     *time.Time `json:"occurred_at,omitempty"`
	EffectiveDate  *DateOnly  `json:"effective_date,omitempty"`

	// ExpectedEntityVersion is the OCC hint for update intents.
	ExpectedEntityVersion *int64 `json:"expected_entity_version,omitempty"`
}

// IntentResult is the terminal outcome of executing an intent. Exactly one of
// three shapes is produced: success with an event, failure with an error (and
// optionally rule traces), or an approval-routed pending state.
type IntentResult struct {
	Success  bool   `json:"success"`
	IntentID string `json:"intent_id"`

	EventID string `json:"event_id,omitempty"`
	Event   *Event `json:"event,omitempty"`

	Error  string      `json:"error,omitempty"`
	Traces []RuleTrace `json:"traces,omitempty"`

	Status               IntentStatus `json:"status,omitempty"`
	RequiredApproverRole string       `json:"required_approver_role,omitempty"`
}

// PendingApproval reports whether the result is an approval-routed suspension.
func (r *IntentResult) PendingApproval() bool {
	return !r.Success && r.Status == IntentStatusPendingApproval
}
