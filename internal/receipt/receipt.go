// Package receipt builds the customer's proof of payment for a confirmed booking.
package receipt

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"mpesa-service/internal/booking"
	"mpesa-service/internal/payload"
	"mpesa-service/internal/transaction"
)

const (
	CompanyName = "Starkville Adventures"
	dateLayout  = "02/01/2006"
)

type Receipt struct {
	Reference     string
	MpesaReceipt  string
	DatePaid      string
	PaidBy        string
	Phone         string
	Event         string
	EventDate     string
	AdultsNames   []string
	ChildrenNames []string
	Adults        int
	Children      int
	Total         decimal.Decimal
}

// New combines a booking with its settled transaction. The gateway receipt number is the reference when present.
func New(b booking.Booking, rec transaction.Record) Receipt {
	mpesaReceipt := payload.ReceiptNumber(rec.Callback)
	reference := mpesaReceipt
	if reference == "" {
		reference = b.ID
	}

	paid := rec.UpdatedAt
	if paid.IsZero() {
		paid = time.Now()
	}

	adults := b.Adults
	if adults == 0 {
		adults = len(b.AdultsNames)
	}
	children := b.Children
	if children == 0 {
		children = len(b.ChildrenNames)
	}

	return Receipt{
		Reference:     reference,
		MpesaReceipt:  mpesaReceipt,
		DatePaid:      paid.Format(dateLayout),
		PaidBy:        b.CustomerName,
		Phone:         b.Phone,
		Event:         b.EventTitle,
		EventDate:     FormatDate(b.EventDate),
		AdultsNames:   b.AdultsNames,
		ChildrenNames: b.ChildrenNames,
		Adults:        adults,
		Children:      children,
		Total:         b.Amount,
	}
}

// FormatDate renders an ISO date as dd/mm/yyyy. Unparseable input is returned unchanged.
func FormatDate(raw string) string {
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.Format(dateLayout)
		}
	}
	if raw == "" {
		return "-"
	}
	return raw
}

// FormatAmount renders a shilling amount with thousands separators, e.g. "KSh 3,500".
func FormatAmount(d decimal.Decimal) string {
	whole := d.Truncate(0)
	digits := whole.Abs().String()

	var b strings.Builder
	for i, r := range digits {
		if i > 0 && (len(digits)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}

	out := "KSh "
	if d.IsNegative() {
		out += "-"
	}
	out += b.String()
	if frac := d.Sub(whole).Abs(); !frac.IsZero() {
		out += strings.TrimPrefix(frac.StringFixed(2), "0")
	}
	return out
}

// TextRenderer writes a receipt as aligned plain text.
type TextRenderer struct{}

func (TextRenderer) Render(w io.Writer, r Receipt) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	fmt.Fprintf(tw, "%s\nBooking Receipt\n\n", CompanyName)
	fmt.Fprintf(tw, "Reference:\t%s\n", r.Reference)
	fmt.Fprintf(tw, "Date Paid:\t%s\n", r.DatePaid)
	fmt.Fprintf(tw, "Paid by:\t%s\n", orDash(r.PaidBy))
	fmt.Fprintf(tw, "Phone:\t%s\n", orDash(r.Phone))
	fmt.Fprintf(tw, "\nEvent Details\n")
	fmt.Fprintf(tw, "Event:\t%s\n", orDash(r.Event))
	fmt.Fprintf(tw, "Event Date:\t%s\n", r.EventDate)
	fmt.Fprintf(tw, "Adults (%d):\t%s\n", r.Adults, orDash(strings.Join(r.AdultsNames, ", ")))
	if r.Children > 0 {
		fmt.Fprintf(tw, "Children (%d):\t%s\n", r.Children, orDash(strings.Join(r.ChildrenNames, ", ")))
	}
	fmt.Fprintf(tw, "\nTotal Amount:\t%s\n", FormatAmount(r.Total))
	fmt.Fprintf(tw, "\nThank you for choosing %s!\n", CompanyName)

	return tw.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
