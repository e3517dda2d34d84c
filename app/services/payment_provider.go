// Package services provides external service integrations and technical concerns like payments, notifications and tokens
package services

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// CreatePaymentInput asks the processor to open a payment for a fiat amount
type CreatePaymentInput struct {
	FiatAmount   decimal.Decimal
	FiatCurrency string
	PayCurrency  string
	OrderID      string
	CallbackURL  string
	Description  string
}

// CreatePaymentResult carries the processor-assigned identity and the
// crypto amount quoted at the locked exchange rate
type CreatePaymentResult struct {
	PaymentID      string
	PayAddress     string
	PayAmount      decimal.Decimal
	PayCurrency    string
	ExpiresAt      *time.Time
}

// EstimateResult is a crypto estimate for a fiat amount
type EstimateResult struct {
	EstimatedAmount decimal.Decimal
	PayCurrency     string
}

// PaymentProvider is the off-chain payment processor used at checkout time.
// Settlement later arrives over the webhook, not over this interface.
type PaymentProvider interface {
	Name() string
	CreatePayment(ctx context.Context, in CreatePaymentInput) (*CreatePaymentResult, error)
	GetEstimate(ctx context.Context, fiatAmount decimal.Decimal, fiatCurrency, payCurrency string) (*EstimateResult, error)
}
