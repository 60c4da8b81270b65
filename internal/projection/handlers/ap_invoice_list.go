package handlers

import (
	"context"
	"fmt"

	"ledgermill.io/ledgermill/internal/domain"
	"ledgermill.io/ledgermill/internal/infrastructure"
)

// invoiceStatusByEvent maps lifecycle events to the list status they set.
var invoiceStatusByEvent = map[string]string{
	domain.EventInvoiceMatched:        "matched",
	domain.EventInvoiceMatchException: "match_exception",
	domain.EventInvoiceApproved:       "approved",
	domain.EventInvoiceRejected:       "rejected",
	domain.EventInvoicePosted:         "posted",
	domain.EventInvoicePaid:           "paid",
	domain.EventInvoiceCancelled:      "cancelled",
}

// APInvoiceList maintains one row per invoice, tracking lifecycle status.
type APInvoiceList struct{}

func NewAPInvoiceList() *APInvoiceList { return &APInvoiceList{} }

func (h *APInvoiceList) ProjectionType() string { return TypeAPInvoiceList }

func (h *APInvoiceList) EventTypes() []string {
	return []string{
		domain.EventInvoiceSubmitted,
		domain.EventInvoiceMatched,
		domain.EventInvoiceMatchException,
		domain.EventInvoiceApproved,
		domain.EventInvoiceRejected,
		domain.EventInvoicePosted,
		domain.EventInvoicePaid,
		domain.EventInvoiceCancelled,
	}
}

func (h *APInvoiceList) Handle(ctx context.Context, db infrastructure.DBTX, ev *domain.Event) error {
	invoiceID := subjectID(ev, "invoice_id")
	if invoiceID == "" {
		return fmt.Errorf("invoice event %s has no subject invoice", ev.ID)
	}

	if ev.Type == domain.EventInvoiceSubmitted {
		amount, _ := ev.Data.GetFloat("amount")
		currency := ev.Data.GetString("currency")
		if currency == "" {
			currency = "USD"
		}
		var dueDate interface{}
		if d := ev.Data.GetString("due_date"); d != "" {
			dueDate = d
		}
		_, err := db.Exec(ctx, `
			INSERT INTO ap_invoice_list (
				invoice_id, legal_entity, vendor_id, vendor_name, invoice_number,
				amount, currency, status, po_id, due_date, submitted_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, 'submitted', $8, $9::date, $10, $10)
			ON CONFLICT (invoice_id) DO UPDATE SET
				vendor_name = EXCLUDED.vendor_name,
				amount = EXCLUDED.amount,
				currency = EXCLUDED.currency,
				po_id = EXCLUDED.po_id,
				due_date = EXCLUDED.due_date,
				updated_at = EXCLUDED.updated_at`,
			invoiceID, ev.Scope.LegalEntity, ev.Data.GetString("vendor_id"),
			ev.Data.GetString("vendor_name"), ev.Data.GetString("invoice_number"),
			amount, currency, ev.Data.GetString("po_id"), dueDate, ev.OccurredAt,
		)
		return err
	}

	status, ok := invoiceStatusByEvent[ev.Type]
	if !ok {
		return nil
	}
	_, err := db.Exec(ctx, `
		UPDATE ap_invoice_list SET status = $2, updated_at = $3 WHERE invoice_id = $1`,
		invoiceID, status, ev.OccurredAt,
	)
	return err
}

func (h *APInvoiceList) Reset(ctx context.Context, db infrastructure.DBTX) error {
	_, err := db.Exec(ctx, `TRUNCATE ap_invoice_list`)
	return err
}
