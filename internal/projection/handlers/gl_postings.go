package handlers

import (
	"context"
	"fmt"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/infrastructure"
)

// GLAccounts are the default posting accounts. Event data overrides the
// expense account per invoice.
type GLAccounts struct {
	DefaultExpense string
	APControl      string
	Cash           string
}

// GLEntry is one posting leg.
type GLEntry struct {
	Account string
	Debit   float64
	Credit  float64
}

// GLPostings writes double-entry legs for posted and paid invoices.
// The unique (event_id, line_no) key makes re-delivery a no-op.
type GLPostings struct {
	accounts GLAccounts
}

func NewGLPostings(accounts GLAccounts) *GLPostings {
	if accounts.DefaultExpense == "" {
		accounts.DefaultExpense = "5000-00"
	}
	if accounts.APControl == "" {
		accounts.APControl = "2100-00"
	}
	if accounts.Cash == "" {
		accounts.Cash = "1000-00"
	}
	return &GLPostings{accounts: accounts}
}

func (h *GLPostings) ProjectionType() string { return TypeGLPostings }

func (h *GLPostings) EventTypes() []string {
	return []string{domain.EventInvoicePosted, domain.EventInvoicePaid}
}

func (h *GLPostings) Handle(ctx context.Context, db infrastructure.DBTX, ev *domain.Event) error {
	invoiceID := subjectID(ev, "invoice_id")
	if invoiceID == "" {
		return fmt.Errorf("invoice event %s has no subject invoice", ev.ID)
	}
	entries := h.Entries(ev)
	for i, entry := range entries {
		_, err := db.Exec(ctx, `
			INSERT INTO gl_postings (event_id, line_no, invoice_id, legal_entity, account, debit, credit, effective_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8::date)
			ON CONFLICT (event_id, line_no) DO NOTHING`,
			ev.ID, i+1, invoiceID, ev.Scope.LegalEntity,
			entry.Account, entry.Debit, entry.Credit, ev.EffectiveDate.String(),
		)
		if err != nil {
			return err
		}
	}
	return nil
}

// Entries derives the posting legs for an event: the event's gl_entries when
// provided, otherwise the default two-leg shape.
func (h *GLPostings) Entries(ev *domain.Event) []GLEntry {
	if provided := ev.Data.GetSlice("gl_entries"); len(provided) > 0 {
		var out []GLEntry
		for _, raw := range provided {
			m, ok := raw.(map[string]interface{})
			if !ok {
				continue
			}
			p := domain.Payload(m)
			debit, _ := p.GetFloat("debit")
			credit, _ := p.GetFloat("credit")
			out = append(out, GLEntry{Account: p.GetString("account"), Debit: debit, Credit: credit})
		}
		if len(out) > 0 {
			return out
		}
	}

	amount, _ := ev.Data.GetFloat("amount")
	switch ev.Type {
	case domain.EventInvoicePosted:
		expense := ev.Data.GetString("expense_account")
		if expense == "" {
			expense = h.accounts.DefaultExpense
		}
		return []GLEntry{
			{Account: expense, Debit: amount},
			{Account: h.accounts.APControl, Credit: amount},
		}
	case domain.EventInvoicePaid:
		return []GLEntry{
			{Account: h.accounts.APControl, Debit: amount},
			{Account: h.accounts.Cash, Credit: amount},
		}
	}
	return nil
}

func (h *GLPostings) Reset(ctx context.Context, db infrastructure.DBTX) error {
	_, err := db.Exec(ctx, `TRUNCATE gl_postings`)
	return err
}
