package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"payswap-backend/internal/config"
	"payswap-backend/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// DepositIngestor is the ingestion entry point behind the webhook.
type DepositIngestor interface {
	Ingest(ctx context.Context, raw []byte, signatureB64, keyID string) (services.IngestResult, error)
}

// WebhookHandler receives custody deposit notifications.
type WebhookHandler struct {
	ingestor        DepositIngestor
	signatureHeader string
	keyIDHeader     string
	maxBodyBytes    int64
	logger          *logrus.Logger
}

func NewWebhookHandler(ingestor DepositIngestor, cfg config.WebhookConfig, logger *logrus.Logger) *WebhookHandler {
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &WebhookHandler{
		ingestor:        ingestor,
		signatureHeader: cfg.SignatureHeader,
		keyIDHeader:     cfg.KeyIDHeader,
		maxBodyBytes:    maxBody,
		logger:          logger,
	}
}

// StatusFor maps an ingest outcome to the response code. Drops are 200 so
// the sender does not redeliver them.
func StatusFor(result services.IngestResult, err error) int {
	if err != nil {
		return http.StatusInternalServerError
	}
	switch result.Reason {
	case services.ReasonInvalidSignature:
		return http.StatusUnauthorized
	case services.ReasonMalformedPayload:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

// EndpointCheckHandler HEAD /webhooks/custody, used by the vendor to validate the endpoint.
func (h *WebhookHandler) EndpointCheckHandler(c *gin.Context) {
	c.Status(http.StatusOK)
}

// NotificationHandler POST /webhooks/custody
func (h *WebhookHandler) NotificationHandler(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondWithError(c, http.StatusRequestEntityTooLarge, "payload_too_large", "notification body exceeds limit")
			return
		}
		respondWithError(c, http.StatusBadRequest, services.ReasonMalformedPayload, "failed to read body")
		return
	}

	signature := c.GetHeader(h.signatureHeader)
	keyID := c.GetHeader(h.keyIDHeader)
	if signature == "" || keyID == "" {
		h.logger.WithField("client_ip", c.ClientIP()).Warn("⚠️ [Webhook] Missing signature headers")
		c.JSON(http.StatusUnauthorized, services.IngestResult{Reason: services.ReasonInvalidSignature})
		return
	}

	result, err := h.ingestor.Ingest(c.Request.Context(), body, signature, keyID)
	status := StatusFor(result, err)
	if err != nil {
		h.logger.WithError(err).Error("❌ [Webhook] Ingestion failed, sender will redeliver")
		respondWithError(c, status, "internal_error", "notification could not be processed")
		return
	}
	c.JSON(status, result)
}
