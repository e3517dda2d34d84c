// Package handlers contains HTTP request handlers and presentation layer logic for the API endpoints
package handlers

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/oryxmarket/oryx/app/dispatch"
	"github.com/oryxmarket/oryx/app/dto"
	businessflow "github.com/oryxmarket/oryx/business_flow"
	"github.com/oryxmarket/oryx/config"
	"github.com/oryxmarket/oryx/utils"
)

// WebhookHandlerInterface defines the contract for payment webhook handlers
type WebhookHandlerInterface interface {
	PaymentCallback(c fiber.Ctx) error
}

// WebhookHandler receives processor IPN callbacks, authenticates them on the
// listener goroutine and hands the settlement to the owning worker through
// the dispatch bridge. The HTTP status is the redelivery contract: 200 means
// settled or permanently dismissed, 5xx means try again.
type WebhookHandler struct {
	reconcileFlow businessflow.ReconciliationFlow
	bridge        *dispatch.Bridge
	paymentsCfg   config.PaymentsConfig
}

// NewWebhookHandler creates a new webhook handler
func NewWebhookHandler(reconcileFlow businessflow.ReconciliationFlow, bridge *dispatch.Bridge, paymentsCfg config.PaymentsConfig) *WebhookHandler {
	return &WebhookHandler{
		reconcileFlow: reconcileFlow,
		bridge:        bridge,
		paymentsCfg:   paymentsCfg,
	}
}

func (h *WebhookHandler) ErrorResponse(c fiber.Ctx, statusCode int, message, errorCode string) error {
	return c.Status(statusCode).JSON(dto.APIResponse{
		Success: false,
		Message: message,
		Error:   &dto.ErrorDetail{Code: errorCode},
	})
}

// PaymentCallback handles the processor IPN callback
func (h *WebhookHandler) PaymentCallback(c fiber.Ctx) error {
	raw := c.Body()
	signature := c.Get(h.paymentsCfg.SignatureHeader)

	cb, err := h.reconcileFlow.VerifyAndParse(raw, signature)
	if err != nil {
		switch {
		case businessflow.IsSignatureInvalid(err):
			log.Printf("webhook: rejected callback from %s: %v", c.IP(), err)
			return h.ErrorResponse(c, fiber.StatusForbidden, "Signature verification failed", "SIGNATURE_INVALID")
		case businessflow.IsMalformedPayload(err):
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Malformed payload", "MALFORMED_PAYLOAD")
		default:
			return h.ErrorResponse(c, fiber.StatusBadRequest, "Invalid callback", "INVALID_CALLBACK")
		}
	}

	metadata := businessflow.NewClientMetadata(c.IP(), c.Get("User-Agent"))
	metadata.SetRequestID(c.Get(businessflow.RequestIDKey))

	reqCtx, cancel := h.createRequestContext(c, "/api/v1/payments/webhook")
	defer cancel()
	err = h.bridge.Do(reqCtx, "reconcile:"+cb.PaymentID.String(), func(jobCtx context.Context) error {
		return h.reconcileFlow.Reconcile(jobCtx, cb, metadata)
	})
	if err != nil {
		if errors.Is(err, dispatch.ErrNotRunning) || errors.Is(err, dispatch.ErrTimeout) {
			return h.ErrorResponse(c, fiber.StatusServiceUnavailable, "Settlement worker unavailable", "WORKER_UNAVAILABLE")
		}
		// Reconciliation failed mid-transaction; the ledger row is intact
		// and the processor must redeliver.
		log.Printf("webhook: reconcile failed for payment %s: %v", cb.PaymentID.String(), err)
		return h.ErrorResponse(c, fiber.StatusInternalServerError, "Settlement failed", "SETTLEMENT_FAILED")
	}

	return c.Status(fiber.StatusOK).JSON(dto.APIResponse{
		Success: true,
		Message: "Callback processed",
	})
}

// createRequestContext mirrors other handlers for request-scoped values
func (h *WebhookHandler) createRequestContext(c fiber.Ctx, endpoint string) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	ctx = context.WithValue(ctx, utils.RequestIDKey, c.Get(businessflow.RequestIDKey))
	ctx = context.WithValue(ctx, utils.UserAgentKey, c.Get("User-Agent"))
	ctx = context.WithValue(ctx, utils.IPAddressKey, c.IP())
	ctx = context.WithValue(ctx, utils.EndpointKey, endpoint)
	return ctx, cancel
}
