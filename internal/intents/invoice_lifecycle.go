package intents

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/entitygraph"
	apperrors "ledgermill.io/ledgermill/internal/pkg/errors"
)

// loadInvoice fetches the intent's invoice, scoped to the actor's legal
// entity. A missing invoice_id or unknown invoice is a business failure.
func (b *base) loadInvoice(ctx context.Context, tx pgx.Tx, intent *domain.Intent) (*entitygraph.Entity, *domain.IntentResult, error) {
	invoiceID, err := requireString(intent.Data, "invoice_id")
	if err != nil {
		r, e := failure(err, nil)
		return nil, r, e
	}
	invoice, err := b.deps.Graph.GetEntity(ctx, tx, EntityInvoice, invoiceID, intent.Scope.LegalEntity)
	if err != nil {
		return nil, nil, err
	}
	if invoice == nil {
		r, e := failure(apperrors.ErrEntityNotFoundf(EntityInvoice, invoiceID), nil)
		return nil, r, e
	}
	return invoice, nil, nil
}

// statusAllowed reports whether the invoice's current status is one of the
// allowed predecessors for a transition.
func statusAllowed(invoice *entitygraph.Entity, allowed ...string) (string, bool) {
	current := invoice.Attributes.GetString("status")
	for _, s := range allowed {
		if current == s {
			return current, true
		}
	}
	return current, false
}

func statusFailure(invoice *entitygraph.Entity, current, verb string) (*domain.IntentResult, error) {
	return failure(apperrors.Conflict(apperrors.CodeValidationFailed,
		fmt.Sprintf("invoice %s cannot be %s from status %s", invoice.EntityID, verb, current)), nil)
}

// transition updates the invoice status under OCC and appends the lifecycle
// event carrying the rule trace.
func (b *base) transition(ctx context.Context, tx pgx.Tx, intent *domain.Intent, intentID string, invoice *entitygraph.Entity, newStatus, eventType string, extra domain.Payload, traces []domain.RuleTrace) (*domain.Event, error) {
	attrs := invoice.Attributes.Clone()
	attrs["status"] = newStatus
	for k, v := range extra {
		attrs[k] = v
	}
	if _, err := b.deps.Graph.UpdateEntity(ctx, tx, EntityInvoice, invoice.EntityID, attrs, invoice.Version, intent.Scope.LegalEntity); err != nil {
		return nil, err
	}

	data := domain.Payload{
		"invoice_id": invoice.EntityID,
		"vendor_id":  invoice.Attributes.GetString("vendor_id"),
		"status":     newStatus,
	}
	if amount, ok := invoice.Attributes.GetFloat("amount"); ok {
		data["amount"] = amount
	}
	data = data.Merge(extra)

	return b.appendAndProject(ctx, tx, appendInput(intent, intentID, eventType, data, traces,
		[]domain.EntityRef{
			{EntityType: EntityInvoice, EntityID: invoice.EntityID, Role: domain.RoleSubject},
			{EntityType: EntityVendor, EntityID: invoice.Attributes.GetString("vendor_id"), Role: domain.RoleRelated},
		},
	))
}

// InvoiceApprove approves a matched or submitted invoice. The SoD rule
// rejects an approver who also submitted the invoice; high amounts route for
// approval by a manager.
type InvoiceApprove struct{ base }

func (h *InvoiceApprove) IntentType() string { return domain.IntentInvoiceApprove }

func (h *InvoiceApprove) Execute(ctx context.Context, intent *domain.Intent, intentID string) (*domain.IntentResult, error) {
	tx, err := h.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if prior, err := h.shortCircuit(ctx, tx, intent); prior != nil || err != nil {
		return prior, err
	}

	invoice, terminal, err := h.loadInvoice(ctx, tx, intent)
	if terminal != nil || err != nil {
		return terminal, err
	}
	if current, ok := statusAllowed(invoice, "matched", "submitted"); !ok {
		return statusFailure(invoice, current, "approved")
	}

	flags := domain.Payload{
		"_submitter_is_approver": invoice.Attributes.GetString("submitted_by") == intent.Actor.ID,
	}
	if amount, ok := invoice.Attributes.GetFloat("amount"); ok {
		flags["amount"] = amount
	}

	evaluated := h.evaluate(intent, flags)
	if terminal := h.decide(intent, evaluated); terminal != nil {
		return terminal, nil
	}

	extra := domain.Payload{"approved_by": intent.Actor.ID}
	ev, err := h.transition(ctx, tx, intent, intentID, invoice, "approved", domain.EventInvoiceApproved, extra, evaluated.Traces)
	if err != nil {
		return failure(err, evaluated.Traces)
	}
	return h.success(ctx, tx, intentID, ev)
}

// InvoiceReject rejects an invoice that is not yet paid or cancelled.
type InvoiceReject struct{ base }

func (h *InvoiceReject) IntentType() string { return domain.IntentInvoiceReject }

func (h *InvoiceReject) Execute(ctx context.Context, intent *domain.Intent, intentID string) (*domain.IntentResult, error) {
	tx, err := h.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if prior, err := h.shortCircuit(ctx, tx, intent); prior != nil || err != nil {
		return prior, err
	}

	invoice, terminal, err := h.loadInvoice(ctx, tx, intent)
	if terminal != nil || err != nil {
		return terminal, err
	}
	if current := invoice.Attributes.GetString("status"); current == "paid" || current == "cancelled" {
		return statusFailure(invoice, current, "rejected")
	}

	evaluated := h.evaluate(intent, nil)
	if terminal := h.decide(intent, evaluated); terminal != nil {
		return terminal, nil
	}

	extra := domain.Payload{
		"rejected_by": intent.Actor.ID,
		"reason":      intent.Data.GetString("reason"),
	}
	ev, err := h.transition(ctx, tx, intent, intentID, invoice, "rejected", domain.EventInvoiceRejected, extra, evaluated.Traces)
	if err != nil {
		return failure(err, evaluated.Traces)
	}
	return h.success(ctx, tx, intentID, ev)
}

// InvoicePost posts an approved invoice to the GL. The event carries the
// posting legs: caller-provided gl_entries or the default two-leg shape.
type InvoicePost struct{ base }

func (h *InvoicePost) IntentType() string { return domain.IntentInvoicePost }

func (h *InvoicePost) Execute(ctx context.Context, intent *domain.Intent, intentID string) (*domain.IntentResult, error) {
	tx, err := h.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if prior, err := h.shortCircuit(ctx, tx, intent); prior != nil || err != nil {
		return prior, err
	}

	invoice, terminal, err := h.loadInvoice(ctx, tx, intent)
	if terminal != nil || err != nil {
		return terminal, err
	}
	if current, ok := statusAllowed(invoice, "approved"); !ok {
		return statusFailure(invoice, current, "posted")
	}

	evaluated := h.evaluate(intent, nil)
	if terminal := h.decide(intent, evaluated); terminal != nil {
		return terminal, nil
	}

	amount, _ := invoice.Attributes.GetFloat("amount")
	expenseAccount := intent.Data.GetString("expense_account")
	if expenseAccount == "" {
		expenseAccount = h.deps.AP.DefaultExpenseAccount
	}
	glEntries := intent.Data.GetSlice("gl_entries")
	if len(glEntries) == 0 {
		glEntries = []interface{}{
			map[string]interface{}{"account": expenseAccount, "debit": amount, "credit": 0.0},
			map[string]interface{}{"account": h.deps.AP.APControlAccount, "debit": 0.0, "credit": amount},
		}
	}

	extra := domain.Payload{
		"expense_account": expenseAccount,
		"gl_entries":      glEntries,
		"posted_by":       intent.Actor.ID,
	}
	ev, err := h.transition(ctx, tx, intent, intentID, invoice, "posted", domain.EventInvoicePosted, extra, evaluated.Traces)
	if err != nil {
		return failure(err, evaluated.Traces)
	}
	return h.success(ctx, tx, intentID, ev)
}

// InvoicePay pays a posted invoice.
type InvoicePay struct{ base }

func (h *InvoicePay) IntentType() string { return domain.IntentInvoicePay }

func (h *InvoicePay) Execute(ctx context.Context, intent *domain.Intent, intentID string) (*domain.IntentResult, error) {
	tx, err := h.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if prior, err := h.shortCircuit(ctx, tx, intent); prior != nil || err != nil {
		return prior, err
	}

	invoice, terminal, err := h.loadInvoice(ctx, tx, intent)
	if terminal != nil || err != nil {
		return terminal, err
	}
	if current, ok := statusAllowed(invoice, "posted"); !ok {
		return statusFailure(invoice, current, "paid")
	}

	paymentReference, err := requireString(intent.Data, "payment_reference")
	if err != nil {
		return failure(err, nil)
	}
	paymentDate := intent.Data.GetString("payment_date")
	if paymentDate == "" {
		paymentDate = h.effectiveDate(intent).String()
	}

	evaluated := h.evaluate(intent, nil)
	if terminal := h.decide(intent, evaluated); terminal != nil {
		return terminal, nil
	}

	extra := domain.Payload{
		"payment_reference": paymentReference,
		"payment_date":      paymentDate,
		"paid_by":           intent.Actor.ID,
	}
	ev, err := h.transition(ctx, tx, intent, intentID, invoice, "paid", domain.EventInvoicePaid, extra, evaluated.Traces)
	if err != nil {
		return failure(err, evaluated.Traces)
	}
	return h.success(ctx, tx, intentID, ev)
}
