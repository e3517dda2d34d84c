// Package businessflow contains the core business logic and use cases for checkout and settlement workflows
package businessflow

import (
	"errors"
	"fmt"
)

// Business flow error constants
var (
	// Customer-related errors
	ErrCustomerNotFound = errors.New("customer not found")
	ErrWalletNotFound   = errors.New("wallet not found")

	// Basket-related errors
	ErrBasketEmpty         = errors.New("basket is empty")
	ErrBasketNotFound      = errors.New("basket not found")
	ErrBasketItemNotFound  = errors.New("basket item not found")
	ErrProductNotFound     = errors.New("product not found")
	ErrProductNotSellable  = errors.New("product is not sellable")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrQuantityInvalid     = errors.New("quantity must be positive")
	ErrDepositAlreadyOpen  = errors.New("an open deposit already exists for this basket")
	ErrDiscountCodeInvalid = errors.New("discount code is invalid or exhausted")
	ErrAmountTooLow        = errors.New("amount is too low")
	ErrZeroExpectedCrypto  = errors.New("expected crypto amount is zero")

	// Webhook-related errors
	ErrSignatureMissing   = errors.New("signature header is missing")
	ErrSignatureInvalid   = errors.New("signature verification failed")
	ErrMalformedPayload   = errors.New("webhook payload is malformed")
	ErrPaymentIDMissing   = errors.New("payment_id is missing from payload")
	ErrCurrencyMismatch   = errors.New("pay currency does not match the deposit")
	ErrUnpriceablePayment = errors.New("payment cannot be priced against the locked rate")
	ErrDepositNotOpen     = errors.New("no open deposit for this payment")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func IsSignatureInvalid(err error) bool {
	return errors.Is(err, ErrSignatureInvalid) || errors.Is(err, ErrSignatureMissing)
}

func IsMalformedPayload(err error) bool {
	return errors.Is(err, ErrMalformedPayload) || errors.Is(err, ErrPaymentIDMissing)
}

func IsDepositNotOpen(err error) bool {
	return errors.Is(err, ErrDepositNotOpen)
}

func IsInsufficientStock(err error) bool {
	return errors.Is(err, ErrInsufficientStock)
}
