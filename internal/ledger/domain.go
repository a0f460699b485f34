// Package ledger owns each product's stock counters and the pool-transfer
// rules between them.
package ledger

import (
	"errors"
	"fmt"
	"time"
)

// Product carries the three pools plus the release provenance counter.
//
// Stock, ReturnStock and DamagedStock are physical pools and never go
// negative. ReturnRelease is not a pool: it counts how many units currently
// in Stock came out of the return pool via a release, so that returning one
// of those units again does not credit the return pool twice.
type Product struct {
	ID            int64     `json:"id"`
	ItemCode      string    `json:"item_code"`
	Name          string    `json:"name"`
	BuyingPrice   float64   `json:"buying_price"`
	SellingPrice  float64   `json:"selling_price"`
	Stock         int64     `json:"stock"`
	ReturnStock   int64     `json:"return_stock"`
	ReturnRelease int64     `json:"return_release"`
	DamagedStock  int64     `json:"damaged_stock"`
	Deleted       bool      `json:"deleted"`
	Visible       bool      `json:"visible"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EntityID keys the product's change-history trail.
func (p Product) EntityID() string {
	return fmt.Sprintf("product:%d", p.ID)
}

// ErrorKind classifies ledger rejections.
type ErrorKind string

const (
	KindInsufficientStock ErrorKind = "insufficient_stock"
	KindInvalidQuantity   ErrorKind = "invalid_quantity"
	KindNotFound          ErrorKind = "not_found"
	KindConflict          ErrorKind = "conflict"
)

// Error is a structured ledger rejection. A rejected operation mutates
// nothing.
type Error struct {
	Kind      ErrorKind
	ProductID int64
	Pool      string
	Requested int64
	Available int64
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInsufficientStock:
		return fmt.Sprintf("ledger: product %d: %s has %d, requested %d", e.ProductID, e.Pool, e.Available, e.Requested)
	case KindInvalidQuantity:
		return fmt.Sprintf("ledger: product %d: quantity %d must be positive", e.ProductID, e.Requested)
	case KindNotFound:
		return fmt.Sprintf("ledger: product %d not found", e.ProductID)
	case KindConflict:
		return fmt.Sprintf("ledger: product %d: concurrent update retries exhausted", e.ProductID)
	}
	return fmt.Sprintf("ledger: product %d: %s", e.ProductID, e.Kind)
}

// IsKind reports whether err is a ledger Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var lerr *Error
	return errors.As(err, &lerr) && lerr.Kind == kind
}

// CreateProductInput describes a new catalog record.
type CreateProductInput struct {
	ItemCode     string  `json:"item_code" validate:"required,max=50"`
	Name         string  `json:"name" validate:"required,max=200"`
	BuyingPrice  float64 `json:"buying_price" validate:"gte=0"`
	SellingPrice float64 `json:"selling_price" validate:"gte=0"`
	Stock        int64   `json:"stock" validate:"gte=0"`
}
