package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"payswap-backend/internal/middleware"
	"payswap-backend/internal/models"
	"payswap-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// PaymentLookup is the read side served over HTTP.
type PaymentLookup interface {
	GetPaymentsByHandle(ctx context.Context, handle string) ([]*models.Payment, error)
	GetReceiptByPublicID(ctx context.Context, publicID string) (*services.ReceiptView, error)
}

// PaymentHandler serves payment history and public receipts.
type PaymentHandler struct {
	lookup PaymentLookup
	logger *logrus.Logger
}

func NewPaymentHandler(lookup PaymentLookup, logger *logrus.Logger) *PaymentHandler {
	return &PaymentHandler{lookup: lookup, logger: logger}
}

// GetPaymentsByHandleHandler GET /api/payments/handle/:handle
// Only the handle named in the bearer token may list its payments.
func (h *PaymentHandler) GetPaymentsByHandleHandler(c *gin.Context) {
	handle := strings.ToLower(strings.TrimSpace(c.Param("handle")))
	owner, ok := middleware.AuthenticatedHandle(c)
	if !ok || owner != handle {
		respondWithError(c, http.StatusForbidden, "forbidden", "token does not own this handle")
		return
	}

	payments, err := h.lookup.GetPaymentsByHandle(c.Request.Context(), handle)
	if err != nil {
		if errors.Is(err, services.ErrHandleNotFound) {
			respondWithError(c, http.StatusNotFound, "not_found", "handle not found")
			return
		}
		h.logger.WithError(err).WithField("handle", handle).Error("❌ Failed to list payments")
		respondWithError(c, http.StatusInternalServerError, "internal_error", "failed to list payments")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"handle":   handle,
		"payments": payments,
		"count":    len(payments),
	})
}

// GetReceiptHandler GET /api/receipts/:publicId
func (h *PaymentHandler) GetReceiptHandler(c *gin.Context) {
	publicID := strings.TrimSpace(c.Param("publicId"))
	if publicID == "" {
		respondWithError(c, http.StatusBadRequest, "invalid_request", "receipt id is required")
		return
	}

	receipt, err := h.lookup.GetReceiptByPublicID(c.Request.Context(), publicID)
	if err != nil {
		if errors.Is(err, services.ErrReceiptNotFound) {
			respondWithError(c, http.StatusNotFound, "not_found", "receipt not found")
			return
		}
		h.logger.WithError(err).WithField("receipt_id", publicID).Error("❌ Failed to load receipt")
		respondWithError(c, http.StatusInternalServerError, "internal_error", "failed to load receipt")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"receipt": receipt,
	})
}
