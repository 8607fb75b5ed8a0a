package auditor

import (
	"cmp"
	"encoding/json"
	"io"
	"slices"
	"time"

	"github.com/gocarina/gocsv"
)

// Finding is one disagreement between stored and recomputed ledger state.
// Stored and Recomputed are minor-unit amounts, or counts for audit checks.
type Finding struct {
	OrgID      string `json:"org_id" csv:"org_id"`
	InvoiceID  string `json:"invoice_id" csv:"invoice_id"`
	PaymentID  string `json:"payment_id,omitempty" csv:"payment_id"`
	RefundID   string `json:"refund_id,omitempty" csv:"refund_id"`
	Check      string `json:"check" csv:"check"`
	Stored     int64  `json:"stored" csv:"stored"`
	Recomputed int64  `json:"recomputed" csv:"recomputed"`
	Detail     string `json:"detail,omitempty" csv:"detail"`
}

// Report is the result of one consistency run.
type Report struct {
	OrgID           string    `json:"org_id,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	InvoicesChecked int       `json:"invoices_checked"`
	PaymentsChecked int       `json:"payments_checked"`
	RefundsChecked  int       `json:"refunds_checked"`
	Findings        []Finding `json:"findings"`
}

// OK reports whether the run found nothing.
func (r *Report) OK() bool { return len(r.Findings) == 0 }

// ForInvoice returns the findings for one invoice.
func (r *Report) ForInvoice(invoiceID string) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.InvoiceID == invoiceID {
			out = append(out, f)
		}
	}
	return out
}

// WriteJSON writes the report as indented JSON.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

// WriteCSV writes the findings, one row each, with a header row.
func (r *Report) WriteCSV(w io.Writer) error {
	rows := r.Findings
	if rows == nil {
		rows = []Finding{}
	}
	return gocsv.Marshal(&rows, w)
}

func (r *Report) sort() {
	if r.Findings == nil {
		r.Findings = []Finding{}
	}
	slices.SortStableFunc(r.Findings, func(a, b Finding) int {
		return cmp.Or(
			cmp.Compare(a.OrgID, b.OrgID),
			cmp.Compare(a.InvoiceID, b.InvoiceID),
			cmp.Compare(a.PaymentID, b.PaymentID),
			cmp.Compare(a.Check, b.Check),
		)
	})
}
