package dto

// CheckoutRequest opens a deposit that, once paid, finalizes the open basket
type CheckoutRequest struct {
	ChatID       int64  `json:"chat_id" validate:"required"`
	PayCurrency  string `json:"pay_currency" validate:"required,min=2,max=16"`
	DiscountCode string `json:"discount_code,omitempty" validate:"omitempty,min=1,max=64"`
}

// RefillRequest opens a deposit that, once paid, credits the wallet
type RefillRequest struct {
	ChatID      int64  `json:"chat_id" validate:"required"`
	Amount      string `json:"amount" validate:"required"`
	PayCurrency string `json:"pay_currency" validate:"required,min=2,max=16"`
}

// CreateDepositResponse is the invoice handed back to the customer
type CreateDepositResponse struct {
	PaymentID    string `json:"payment_id"`
	PayAddress   string `json:"pay_address"`
	PayAmount    string `json:"pay_amount"`
	PayCurrency  string `json:"pay_currency"`
	FiatAmount   string `json:"fiat_amount"`
	FiatCurrency string `json:"fiat_currency"`
	ExpiresAt    string `json:"expires_at"`
	IsPurchase   bool   `json:"is_purchase"`
}

// PurchaseDTO is one finalized, immutable purchase record
type PurchaseDTO struct {
	ID          uint   `json:"id"`
	City        string `json:"city"`
	District    string `json:"district"`
	ProductType string `json:"product_type"`
	Size        string `json:"size"`
	PricePaid   string `json:"price_paid"`
	PaymentID   string `json:"payment_id"`
	CreatedAt   string `json:"created_at"`
}

// WalletDTO reports the current wallet state
type WalletDTO struct {
	Balance  string `json:"balance"`
	Currency string `json:"currency"`
}
