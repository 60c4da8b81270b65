// Package handlers contains the built-in projection handlers: master-data
// lists, AP invoice read models, aging, vendor balances and GL postings.
//
// Every handler is idempotent under re-delivery: rows are upserted by
// natural key, and counter updates only reach the database inside a
// transaction whose cursor advance commits with them.
package handlers

import (
	"ledgermill.io/ledgermill/internal/domain"
)

// Projection type names.
const (
	TypeVendorList      = "vendor_list"
	TypeItemList        = "item_list"
	TypeAPInvoiceList   = "ap_invoice_list"
	TypeAPAging         = "ap_aging"
	TypeAPVendorBalance = "ap_vendor_balance"
	TypeGLPostings      = "gl_postings"
)

// subjectID resolves the event's subject entity id, falling back to a data
// key for events recorded without entity refs.
func subjectID(ev *domain.Event, dataKey string) string {
	if subject := ev.SubjectEntity(); subject != nil {
		return subject.EntityID
	}
	return ev.Data.GetString(dataKey)
}
