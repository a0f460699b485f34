package sales

// CreateSaleInput carries a new sale or repair-job cart.
type CreateSaleInput struct {
	Kind           Kind            `json:"kind" validate:"omitempty,oneof=sale repair"`
	LineItems      []LineItemInput `json:"line_items" validate:"required,min=1,dive"`
	Payments       []PaymentInput  `json:"payments" validate:"omitempty,dive"`
	ServiceCharge  float64         `json:"service_charge" validate:"gte=0"`
	TotalPaid      float64         `json:"total_paid" validate:"gte=0"`
	IsCreditSale   bool            `json:"is_credit_sale"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// LineItemInput is one cart line. UnitPrice zero means "use the product's
// selling price".
type LineItemInput struct {
	ProductID    int64   `json:"product_id" validate:"required,gt=0"`
	Quantity     int64   `json:"quantity" validate:"required,gt=0"`
	UnitPrice    float64 `json:"unit_price" validate:"gte=0"`
	Discount     float64 `json:"discount" validate:"gte=0"`
	DeliverLater bool    `json:"deliver_later"`
	AssignedTo   string  `json:"assigned_to,omitempty" validate:"omitempty,max=100"`
}

// PaymentInput is one split-payment method.
type PaymentInput struct {
	Method string  `json:"method" validate:"required,max=30"`
	Amount float64 `json:"amount" validate:"required,gt=0"`
}

// AdjustLineItemInput changes one adjustable line-item counter.
type AdjustLineItemInput struct {
	Field    string `json:"field" validate:"required,oneof=quantityReturned quantityDelivered"`
	NewValue int64  `json:"new_value" validate:"gte=0"`
}

// ProcessReturnInput drives a whole-transaction refund.
type ProcessReturnInput struct {
	ReturnType ReturnType `json:"return_type" validate:"required,oneof=restock refund exchange"`
}
