// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/oryxmarket/oryx/app/dto"
	businessflow "github.com/oryxmarket/oryx/business_flow"
	"github.com/oryxmarket/oryx/utils"
)

// PaymentHandlerInterface defines the contract for payment handlers
type PaymentHandlerInterface interface {
	Checkout(c fiber.Ctx) error
	Refill(c fiber.Ctx) error
}

// PaymentHandler handles deposit-opening HTTP requests
type PaymentHandler struct {
	checkoutFlow businessflow.CheckoutFlow
	validator    *validator.Validate
}

// NewPaymentHandler creates a new payment handler
func NewPaymentHandler(checkoutFlow businessflow.CheckoutFlow) *PaymentHandler {
	return &PaymentHandler{
		checkoutFlow: checkoutFlow,
		validator:    validator.New(),
	}
}

func (h *PaymentHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: &dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *PaymentHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// Checkout opens a purchase deposit for the caller's basket
func (h *PaymentHandler) Checkout(c fiber.Ctx) error {
	var req dto.CheckoutRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		var validationErrors []string
		for _, err := range err.(validator.ValidationErrors) {
			validationErrors = append(validationErrors, getValidationErrorMessage(err))
		}
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors)
	}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))

	result, err := h.checkoutFlow.Checkout(h.createRequestContext(c, "/api/v1/payments/checkout"), &req, metadata)
	if err != nil {
		switch {
		case errors.Is(err, businessflow.ErrCustomerNotFound):
			return h.ErrorResponse(c, fiber.StatusNotFound, "Customer not found", "CUSTOMER_NOT_FOUND", nil)
		case errors.Is(err, businessflow.ErrBasketEmpty):
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Basket is empty", "BASKET_EMPTY", nil)
		case errors.Is(err, businessflow.ErrDepositAlreadyOpen):
			return h.ErrorResponse(c, fiber.StatusConflict, "A payment is already in flight for this basket", "DEPOSIT_OPEN", nil)
		case errors.Is(err, businessflow.ErrDiscountCodeInvalid):
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Discount code is invalid or exhausted", "DISCOUNT_INVALID", nil)
		case errors.Is(err, businessflow.ErrAmountTooLow):
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Amount is too low", "AMOUNT_TOO_LOW", nil)
		case errors.Is(err, businessflow.ErrZeroExpectedCrypto):
			return h.ErrorResponse(c, fiber.StatusBadGateway, "Processor quoted a zero crypto amount", "ZERO_EXPECTED_CRYPTO", nil)
		}
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Checkout failed", "INTERNAL_ERROR", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Deposit opened", result)
}

// Refill opens a wallet top-up deposit
func (h *PaymentHandler) Refill(c fiber.Ctx) error {
	var req dto.RefillRequest
	if err := c.Bind().JSON(&req); err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid request body", "INVALID_REQUEST", err.Error())
	}
	if err := h.validator.Struct(&req); err != nil {
		var validationErrors []string
		for _, err := range err.(validator.ValidationErrors) {
			validationErrors = append(validationErrors, getValidationErrorMessage(err))
		}
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Validation failed", "VALIDATION_ERROR", validationErrors)
	}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))

	result, err := h.checkoutFlow.Refill(h.createRequestContext(c, "/api/v1/payments/refill"), &req, metadata)
	if err != nil {
		switch {
		case errors.Is(err, businessflow.ErrCustomerNotFound):
			return h.ErrorResponse(c, fiber.StatusNotFound, "Customer not found", "CUSTOMER_NOT_FOUND", nil)
		case errors.Is(err, businessflow.ErrAmountTooLow):
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Amount is too low", "AMOUNT_TOO_LOW", nil)
		case errors.Is(err, businessflow.ErrZeroExpectedCrypto):
			return h.ErrorResponse(c, fiber.StatusBadGateway, "Processor quoted a zero crypto amount", "ZERO_EXPECTED_CRYPTO", nil)
		}
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Refill failed", "INTERNAL_ERROR", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Deposit opened", result)
}

// createRequestContext mirrors other handlers for request-scoped values
func (h *PaymentHandler) createRequestContext(c fiber.Ctx, endpoint string) context.Context {
	ctx := context.WithValue(context.Background(), utils.RequestIDKey, c.Get(businessflow.RequestIDKey))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)
	return ctx
}
