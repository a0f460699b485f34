package sales

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var amountPrinter = message.NewPrinter(language.English)

// FormatAmount renders a monetary amount with thousands separators for
// receipts and history summaries.
func FormatAmount(v float64) string {
	return amountPrinter.Sprintf("%.2f", v)
}

// Summary renders a one-line description of a transaction for the change
// trail.
func Summary(t Transaction) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s total=%s paid=%s", t.Kind, t.InvoiceNumber, FormatAmount(t.TotalAmount), FormatAmount(t.TotalPaid))
	if t.ChangeGiven > 0 {
		fmt.Fprintf(&b, " change=%s", FormatAmount(t.ChangeGiven))
	}
	if t.IsCreditSale {
		b.WriteString(" credit")
	}
	if t.Kind == KindReturn {
		if t.RestockOnReturn {
			b.WriteString(" restock")
		} else {
			b.WriteString(" refund-only")
		}
	}
	fmt.Fprintf(&b, " items=%d", len(t.LineItems))
	return b.String()
}

// ReceiptLines renders a plain-text receipt body.
func ReceiptLines(t Transaction) []string {
	lines := make([]string, 0, len(t.LineItems)+len(t.Payments)+4)
	lines = append(lines, fmt.Sprintf("%s  %s", t.InvoiceNumber, t.CreatedAt.Format("2006-01-02 15:04")))
	for _, item := range t.LineItems {
		line := fmt.Sprintf("  %d x product %d @ %s", item.QuantitySold, item.ProductID, FormatAmount(item.UnitPrice))
		if item.Discount != 0 {
			line += fmt.Sprintf(" -%s", FormatAmount(item.Discount))
		}
		lines = append(lines, line)
	}
	if t.ServiceCharge != 0 {
		lines = append(lines, fmt.Sprintf("  service charge %s", FormatAmount(t.ServiceCharge)))
	}
	lines = append(lines, fmt.Sprintf("  total %s", FormatAmount(t.TotalAmount)))
	for _, p := range t.Payments {
		lines = append(lines, fmt.Sprintf("  %s %s", p.Method, FormatAmount(p.Amount)))
	}
	if t.ChangeGiven > 0 {
		lines = append(lines, fmt.Sprintf("  change %s", FormatAmount(t.ChangeGiven)))
	}
	return lines
}
