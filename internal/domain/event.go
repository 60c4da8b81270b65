package domain

import (
	"strconv"
	"time"
)

// Event type names. Dotted names group by capability; the registry may hold a
// JSON Schema per (type, schema_version).
const (
	// Master data events
	EventVendorCreated      = "mdm.vendor.created"
	EventVendorUpdated      = "mdm.vendor.updated"
	EventVendorContactAdded = "mdm.vendor.contact_added"
	EventItemCreated        = "mdm.item.created"

	// Purchasing events
	EventPOCreated = "ap.po.created"

	// AP invoice lifecycle events
	EventInvoiceSubmitted      = "ap.invoice.submitted"
	EventInvoiceMatched        = "ap.invoice.matched"
	EventInvoiceMatchException = "ap.invoice.match_exception"
	EventInvoiceApproved       = "ap.invoice.approved"
	EventInvoiceRejected       = "ap.invoice.rejected"
	EventInvoicePosted         = "ap.invoice.posted"
	EventInvoicePaid           = "ap.invoice.paid"
	EventInvoiceCancelled      = "ap.invoice.cancelled"
)

// ActorType classifies who authored an intent or event.
type ActorType string

const (
	ActorHuman    ActorType = "human"
	ActorAgent    ActorType = "agent"
	ActorSystem   ActorType = "system"
	ActorExternal ActorType = "external"
	ActorImport   ActorType = "import"
)

// Actor identifies the author of an intent or event.
type Actor struct {
	Type ActorType `json:"type"`
	ID   string    `json:"id"`
	Name string    `json:"name,omitempty"`
}

// Scope is the partition key pair for multi-tenant isolation.
type Scope struct {
	Tenant      string `json:"tenant"`
	LegalEntity string `json:"legal_entity"`
}

// Entity reference roles.
const (
	RoleSubject = "subject"
	RoleRelated = "related"
)

// EntityRef links an event to an entity it touches. Exactly one ref with role
// "subject" is the canonical OCC target.
type EntityRef struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id"`
	Role       string `json:"role"`
}

// Source records where an event entered the system.
type Source struct {
	System    string `json:"system,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Reference string `json:"reference,omitempty"`
}

// Sequence is the store-assigned global order. It serializes as a JSON string
// to avoid 53-bit precision loss in JavaScript consumers.
type Sequence int64

// MarshalJSON encodes the sequence as a decimal string.
func (s Sequence) MarshalJSON() ([]byte, error) {
	return []byte(strconv.Quote(strconv.FormatInt(int64(s), 10))), nil
}

// UnmarshalJSON accepts both string and bare-number encodings.
func (s *Sequence) UnmarshalJSON(data []byte) error {
	str := string(data)
	if unquoted, err := strconv.Unquote(str); err == nil {
		str = unquoted
	}
	n, err := strconv.ParseInt(str, 10, 64)
	if err != nil {
		return err
	}
	*s = Sequence(n)
	return nil
}

// RuleTrace records the outcome of evaluating one rule against an intent.
type RuleTrace struct {
	RuleID       string   `json:"rule_id"`
	RuleName     string   `json:"rule_name,omitempty"`
	Phase        string   `json:"phase,omitempty"`
	Priority     int      `json:"priority"`
	Result       string   `json:"result"` // fired | no_match | skipped_inactive | not_applicable
	ActionsTaken []string `json:"actions_taken,omitempty"`
	Reason       string   `json:"reason,omitempty"`
	ElapsedUS    int64    `json:"elapsed_us"`
}

// Event is an immutable record of a business fact, the only source of truth.
type Event struct {
	ID            string    `json:"id"`
	Sequence      Sequence  `json:"sequence"`
	Type          string    `json:"type"`
	SchemaVersion int       `json:"schema_version"`
	OccurredAt    time.Time `json:"occurred_at"`
	RecordedAt    time.Time `json:"recorded_at"`
	EffectiveDate DateOnly  `json:"effective_date"`

	Scope Scope `json:"scope"`
	Actor Actor `json:"actor"`

	CorrelationID string `json:"correlation_id"`
	CausedBy      string `json:"caused_by,omitempty"`
	IntentID      string `json:"intent_id,omitempty"`

	Data       Payload           `json:"data"`
	Dimensions map[string]string `json:"dimensions,omitempty"`
	Entities   []EntityRef       `json:"entities,omitempty"`

	RulesEvaluated []RuleTrace `json:"rules_evaluated,omitempty"`
	Tags           []string    `json:"tags,omitempty"`
	Source         Source      `json:"source"`

	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// SubjectEntity returns the ref with role "subject", or nil.
func (e *Event) SubjectEntity() *EntityRef {
	for i := range e.Entities {
		if e.Entities[i].Role == RoleSubject {
			return &e.Entities[i]
		}
	}
	return nil
}

// AppendInput is the caller-supplied portion of an event. The store assigns
// id, sequence and recorded_at, and defaults occurred_at/effective_date.
type AppendInput struct {
	Type          string
	SchemaVersion int
	OccurredAt    *time.Time
	EffectiveDate *DateOnly

	Scope Scope
	Actor Actor

	CorrelationID string
	CausedBy      string
	IntentID      string

	Data       Payload
	Dimensions map[string]string
	Entities   []EntityRef

	RulesEvaluated []RuleTrace
	Tags           []string
	Source         Source

	IdempotencyKey string

	// ExpectedEntityVersion enables OCC against the subject entity's version
	// at append time.
	ExpectedEntityVersion *int64
}

// SubjectEntity returns the input ref with role "subject", or nil.
func (in *AppendInput) SubjectEntity() *EntityRef {
	for i := range in.Entities {
		if in.Entities[i].Role == RoleSubject {
			return &in.Entities[i]
		}
	}
	return nil
}

// EventPage is the shape returned by stream reads.
type EventPage struct {
	Events       []*Event  `json:"events"`
	HasMore      bool      `json:"has_more"`
	NextSequence *Sequence `json:"next_sequence,omitempty"`
}
