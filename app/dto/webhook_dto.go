package dto

import "encoding/json"

// Processor payment statuses carried by the IPN callback.
const (
	PaymentStatusWaiting       = "waiting"
	PaymentStatusConfirming    = "confirming"
	PaymentStatusConfirmed     = "confirmed"
	PaymentStatusSending       = "sending"
	PaymentStatusPartiallyPaid = "partially_paid"
	PaymentStatusFinished      = "finished"
	PaymentStatusFailed        = "failed"
	PaymentStatusExpired       = "expired"
	PaymentStatusRefunded      = "refunded"
)

// IPNCallback is the processor's payment notification. Numeric fields are
// kept as json.Number so amounts survive decoding without float rounding.
type IPNCallback struct {
	PaymentID        json.Number `json:"payment_id"`
	ParentPaymentID  json.Number `json:"parent_payment_id,omitempty"`
	InvoiceID        json.Number `json:"invoice_id,omitempty"`
	PaymentStatus    string      `json:"payment_status"`
	PayAddress       string      `json:"pay_address,omitempty"`
	PayCurrency      string      `json:"pay_currency"`
	PayAmount        json.Number `json:"pay_amount"`
	ActuallyPaid     json.Number `json:"actually_paid"`
	PriceAmount      json.Number `json:"price_amount,omitempty"`
	PriceCurrency    string      `json:"price_currency,omitempty"`
	OrderID          string      `json:"order_id,omitempty"`
	OrderDescription string      `json:"order_description,omitempty"`
	PurchaseID       json.Number `json:"purchase_id,omitempty"`
	OutcomeAmount    json.Number `json:"outcome_amount,omitempty"`
	OutcomeCurrency  string      `json:"outcome_currency,omitempty"`
	CreatedAt        string      `json:"created_at,omitempty"`
	UpdatedAt        string      `json:"updated_at,omitempty"`
}

// IsChild reports whether this callback describes a child of a split or
// redirected payment. Only parent-level notifications drive the ledger.
func (c *IPNCallback) IsChild() bool {
	return c.ParentPaymentID.String() != ""
}
