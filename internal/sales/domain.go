// Package sales creates and amends sale and repair-job transactions: it
// validates carts against the stock ledger, reconciles split payments and
// drives the ledger transfers for returns, deliveries and refunds.
package sales

import (
	"errors"
	"fmt"
	"time"
)

// Kind distinguishes the document families sharing the transaction model.
type Kind string

const (
	KindSale   Kind = "sale"
	KindRepair Kind = "repair"
	KindReturn Kind = "return"
)

// Invoice prefixes per document family, each backed by its own counter.
const (
	counterInvoice = "invoice"
	counterJob     = "job"
	counterReturn  = "return"
)

// LineItem is one product entry in a transaction cart. Sold, returned and
// delivered quantities move independently; ledger transfers are always driven
// from their deltas, never from absolute values.
type LineItem struct {
	ID                int64   `json:"id"`
	ProductID         int64   `json:"product_id"`
	UnitPrice         float64 `json:"unit_price"`
	Discount          float64 `json:"discount"`
	QuantitySold      int64   `json:"quantity_sold"`
	QuantityReturned  int64   `json:"quantity_returned"`
	QuantityDelivered int64   `json:"quantity_delivered"`
	DeliverLater      bool    `json:"deliver_later"`
	AssignedTo        string  `json:"assigned_to,omitempty"`
}

// outstanding reports how many units of the line have physically left stock
// and have not come back yet.
func (l LineItem) outstanding() int64 {
	out := l.QuantitySold
	if l.DeliverLater {
		out = l.QuantityDelivered
	}
	return out - l.QuantityReturned
}

// Payment is one method/amount pair of a split payment.
type Payment struct {
	Method string  `json:"method"`
	Amount float64 `json:"amount"`
}

// Transaction is the unified sale / repair-job / refund-counterpart record.
type Transaction struct {
	ID            string     `json:"id"`
	InvoiceNumber string     `json:"invoice_number"`
	Kind          Kind       `json:"kind"`
	LineItems     []LineItem `json:"line_items"`
	Payments      []Payment  `json:"payments"`
	ServiceCharge float64    `json:"service_charge"`
	TotalAmount   float64    `json:"total_amount"`
	TotalPaid     float64    `json:"total_paid"`
	ChangeGiven   float64    `json:"change_given"`
	IsCreditSale  bool       `json:"is_credit_sale"`
	CreditedDate  *time.Time `json:"credited_date,omitempty"`
	// StockApplied marks whether the ledger transfers for this record have
	// been durably committed. A record persisted with false is picked up by
	// the reconciliation pass and replayed exactly once.
	StockApplied bool `json:"stock_applied"`
	// Voided marks a record whose stock application was rejected outright
	// (for example a late insufficient-stock race); voided records are
	// excluded from reporting and from reconciliation.
	Voided          bool      `json:"voided"`
	RestockOnReturn bool      `json:"restock_on_return,omitempty"`
	CounterpartOf   string    `json:"counterpart_of,omitempty"`
	CreatedBy       string    `json:"created_by"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// EntityID keys the transaction's change-history trail.
func (t Transaction) EntityID() string {
	return "transaction:" + t.ID
}

// ReturnType selects what happens to the goods of a whole-transaction refund.
type ReturnType string

const (
	// ReturnRestock puts the goods straight back into the sellable pool.
	ReturnRestock ReturnType = "restock"
	// ReturnRefundOnly refunds the money and leaves stock untouched.
	ReturnRefundOnly ReturnType = "refund"
	// ReturnExchange refunds against a replacement sale; the returned goods
	// restock like ReturnRestock.
	ReturnExchange ReturnType = "exchange"
)

// restocks reports whether the return type routes goods back to sellable
// stock.
func (rt ReturnType) restocks() bool {
	return rt == ReturnRestock || rt == ReturnExchange
}

// paymentEpsilon is the tolerance for comparing currency amounts.
const paymentEpsilon = 0.01

// ErrorKind classifies sales rejections.
type ErrorKind string

const (
	KindPaymentMismatch ErrorKind = "payment_mismatch"
	KindInvalidQuantity ErrorKind = "invalid_quantity"
	KindNotFound        ErrorKind = "not_found"
	KindConflict        ErrorKind = "conflict"
)

// Error is a structured sales rejection carrying enough detail to render a
// user message.
type Error struct {
	Kind          ErrorKind
	Field         string
	Amount        float64
	TransactionID string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindPaymentMismatch:
		return fmt.Sprintf("sales: payment mismatch on %s (amount %.2f)", e.Field, e.Amount)
	case KindInvalidQuantity:
		return fmt.Sprintf("sales: invalid quantity on %s", e.Field)
	case KindNotFound:
		if e.Field != "" {
			return fmt.Sprintf("sales: %s not found", e.Field)
		}
		return fmt.Sprintf("sales: transaction %s not found", e.TransactionID)
	case KindConflict:
		return fmt.Sprintf("sales: transaction %s left unapplied, retry reconciliation", e.TransactionID)
	}
	return fmt.Sprintf("sales: %s", e.Kind)
}

// IsKind reports whether err is a sales Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var serr *Error
	return errors.As(err, &serr) && serr.Kind == kind
}
