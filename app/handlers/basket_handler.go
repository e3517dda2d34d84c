// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/oryxmarket/oryx/app/dto"
	businessflow "github.com/oryxmarket/oryx/business_flow"
	"github.com/oryxmarket/oryx/utils"
)

// BasketHandlerInterface defines the contract for basket handlers
type BasketHandlerInterface interface {
	GetBasket(c fiber.Ctx) error
	AddItem(c fiber.Ctx) error
	RemoveItem(c fiber.Ctx) error
	ClearBasket(c fiber.Ctx) error
}

// BasketHandler handles basket-related HTTP requests
type BasketHandler struct {
	checkoutFlow businessflow.CheckoutFlow
	validator    *validator.Validate
}

// NewBasketHandler creates a new basket handler
func NewBasketHandler(checkoutFlow businessflow.CheckoutFlow) *BasketHandler {
	return &BasketHandler{
		checkoutFlow: checkoutFlow,
		validator:    validator.New(),
	}
}

func (h *BasketHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string, details any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error: &dto.ErrorDetail{
			Code:    errorCode,
			Details: details,
		},
	})
}

func (h *BasketHandler) SuccessResponse(c fiber.Ctx, statusCode int, message string, data any) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: true,
		Message: message,
		Data:    data,
	})
}

// GetBasket returns the caller's open basket
func (h *BasketHandler) GetBasket(c fiber.Ctx) error {
	chatID, err := strconv.ParseInt(c.Params("chat_id"), 10, 64)
	if err != nil {
		return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid chat id", "INVALID_CHAT_ID", nil)
	}

	result, err := h.checkoutFlow.GetBasket(h.createRequestContext(c, "/api/v1/baskets"), chatID)
	if err != nil {
		if errors.Is(err, businessflow.ErrCustomerNotFound) {
			return h.ErrorResponse(c, fiber.StatusNotFound, "Customer not found", "CUSTOMER_NOT_FOUND", nil)
		}
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to load basket", "INTERNAL_ERROR", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Basket retrieved", result)
}

// AddItem reserves stock and adds a priced line to the basket
func (h *BasketHandler) AddItem(c fiber.Ctx) error {
	var req dto.AddBasketItemRequest
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

	result, err := h.checkoutFlow.AddItem(h.createRequestContext(c, "/api/v1/baskets/items"), &req, metadata)
	if err != nil {
		switch {
		case errors.Is(err, businessflow.ErrCustomerNotFound):
			return h.ErrorResponse(c, fiber.StatusNotFound, "Customer not found", "CUSTOMER_NOT_FOUND", nil)
		case errors.Is(err, businessflow.ErrProductNotFound):
			return h.ErrorResponse(c, fiber.StatusNotFound, "Product not found", "PRODUCT_NOT_FOUND", nil)
		case errors.Is(err, businessflow.ErrProductNotSellable), businessflow.IsInsufficientStock(err):
			return h.ErrorResponse(c, fiber.StatusConflict, "Not enough stock", "INSUFFICIENT_STOCK", nil)
		case errors.Is(err, businessflow.ErrQuantityInvalid):
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Quantity must be positive", "INVALID_QUANTITY", nil)
		}
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to add item", "INTERNAL_ERROR", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Item added", result)
}

// RemoveItem drops a line and releases its reservation
func (h *BasketHandler) RemoveItem(c fiber.Ctx) error {
	var req dto.RemoveBasketItemRequest
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

	result, err := h.checkoutFlow.RemoveItem(h.createRequestContext(c, "/api/v1/baskets/items/remove"), &req, metadata)
	if err != nil {
		switch {
		case errors.Is(err, businessflow.ErrCustomerNotFound):
			return h.ErrorResponse(c, fiber.StatusNotFound, "Customer not found", "CUSTOMER_NOT_FOUND", nil)
		case errors.Is(err, businessflow.ErrBasketNotFound):
			return h.ErrorResponse(c, fiber.StatusNotFound, "Basket not found", "BASKET_NOT_FOUND", nil)
		case errors.Is(err, businessflow.ErrBasketItemNotFound):
			return h.ErrorResponse(c, fiber.StatusNotFound, "Basket item not found", "BASKET_ITEM_NOT_FOUND", nil)
		}
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to remove item", "INTERNAL_ERROR", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Item removed", result)
}

// ClearBasket empties the basket and releases every reservation
func (h *BasketHandler) ClearBasket(c fiber.Ctx) error {
	var req dto.ClearBasketRequest
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

	err := h.checkoutFlow.ClearBasket(h.createRequestContext(c, "/api/v1/baskets/clear"), &req, metadata)
	if err != nil {
		switch {
		case errors.Is(err, businessflow.ErrCustomerNotFound):
			return h.ErrorResponse(c, fiber.StatusNotFound, "Customer not found", "CUSTOMER_NOT_FOUND", nil)
		case errors.Is(err, businessflow.ErrDepositAlreadyOpen):
			return h.ErrorResponse(c, fiber.StatusConflict, "A payment is in flight for this basket", "DEPOSIT_OPEN", nil)
		}
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Failed to clear basket", "INTERNAL_ERROR", nil)
	}
	return h.SuccessResponse(c, fiber.StatusOK, "Basket cleared", nil)
}

// createRequestContext mirrors other handlers for request-scoped values
func (h *BasketHandler) createRequestContext(c fiber.Ctx, endpoint string) context.Context {
	ctx := context.WithValue(context.Background(), utils.RequestIDKey, c.Get(businessflow.RequestIDKey))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)
	return ctx
}
