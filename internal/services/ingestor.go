package services

import (
	"context"
	"errors"
	"time"

	"payswap-backend/internal/metrics"
	"payswap-backend/internal/models"
	"payswap-backend/internal/webhook"

	"github.com/sirupsen/logrus"
)

// Ingest result reasons.
const (
	ReasonInvalidSignature  = "invalid_signature"
	ReasonMalformedPayload  = "malformed_payload"
	ReasonTestNotification  = "test_notification"
	ReasonNotADeposit       = "not_a_deposit"
	ReasonMalformedEvent    = "malformed_event"
	ReasonUnsupportedChain  = "unsupported_chain"
	ReasonRecipientNotFound = "recipient_not_found"
	ReasonRecorded          = "recorded"
	ReasonDuplicate         = "duplicate"
)

// IngestResult is Accepted, or not accepted with a Reason. Only
// invalid_signature and malformed_payload are rejections; other
// non-accepted results are deliberate drops.
type IngestResult struct {
	Accepted  bool   `json:"accepted"`
	Reason    string `json:"reason"`
	PaymentID string `json:"payment_id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Rejected reports whether the sender should see an error status.
func (r IngestResult) Rejected() bool {
	return r.Reason == ReasonInvalidSignature || r.Reason == ReasonMalformedPayload
}

// SignatureVerifier checks a notification signature over raw bytes.
type SignatureVerifier interface {
	Verify(ctx context.Context, payload []byte, signatureB64, keyID string) bool
}

// Ingestor runs one deposit notification through verify, normalize,
// record, receipt and enqueue. Each stage commits on its own; later stage
// failures never undo an earlier one.
type Ingestor struct {
	verifier   SignatureVerifier
	normalizer *webhook.Normalizer
	ledger     *PaymentLedger
	receipts   *ReceiptWriter
	scheduler  *AutoSwapScheduler
	log        *logrus.Entry
}

func NewIngestor(verifier SignatureVerifier, normalizer *webhook.Normalizer, ledger *PaymentLedger, receipts *ReceiptWriter, scheduler *AutoSwapScheduler, log *logrus.Logger) *Ingestor {
	return &Ingestor{
		verifier:   verifier,
		normalizer: normalizer,
		ledger:     ledger,
		receipts:   receipts,
		scheduler:  scheduler,
		log:        log.WithField("component", "ingestor"),
	}
}

// Ingest handles one notification. A non-nil error means a transient
// internal failure and the sender should redeliver.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte, signatureB64, keyID string) (result IngestResult, err error) {
	start := time.Now()
	defer func() {
		metrics.IngestDuration.Observe(time.Since(start).Seconds())
		outcome := result.Reason
		if err != nil {
			outcome = "error"
		}
		metrics.WebhookNotifications.WithLabelValues(outcome).Inc()
	}()

	if !i.verifier.Verify(ctx, raw, signatureB64, keyID) {
		i.log.WithField("key_id", keyID).Warn("🚫 [Ingest] Signature verification failed")
		return IngestResult{Reason: ReasonInvalidSignature}, nil
	}

	notification, err := webhook.ParseNotification(raw)
	if err != nil {
		i.log.WithError(err).Warn("🚫 [Ingest] Malformed notification payload")
		return IngestResult{Reason: ReasonMalformedPayload}, nil
	}

	if notification.Kind == webhook.KindTestPing {
		i.log.WithField("notification_id", notification.NotificationID).Info("🏓 [Ingest] Test notification received")
		return IngestResult{Accepted: true, Reason: ReasonTestNotification}, nil
	}

	event := i.normalizer.Normalize(notification)
	if event == nil {
		i.log.WithFields(logrus.Fields{
			"type": notification.Type,
			"kind": notification.Kind.String(),
		}).Debug("[Ingest] Ignoring non-deposit notification")
		return IngestResult{Reason: ReasonNotADeposit}, nil
	}
	logger := i.log.WithFields(logrus.Fields{"external_tx_id": event.ExternalTransactionID, "chain": event.Chain})
	if event.Asset == models.AssetUnknown && event.AssetID != "" {
		logger.WithField("token_id", event.AssetID).Warn("⚠️ [Ingest] Unmapped token id, recording asset as UNKNOWN")
	}

	recorded, err := i.ledger.RecordPayment(ctx, event, raw)
	switch {
	case err == nil:
	case errors.Is(err, ErrMalformedEvent):
		logger.WithError(err).Warn("🗑️ [Ingest] Dropping malformed deposit event")
		return IngestResult{Reason: ReasonMalformedEvent}, nil
	case errors.Is(err, ErrUnsupportedChain):
		logger.Info("🗑️ [Ingest] Dropping deposit on unsupported chain")
		return IngestResult{Reason: ReasonUnsupportedChain}, nil
	case errors.Is(err, ErrRecipientNotFound):
		logger.WithField("destination", event.DestinationAddress).Info("🗑️ [Ingest] No identity owns destination address")
		return IngestResult{Reason: ReasonRecipientNotFound}, nil
	default:
		logger.WithError(err).Error("❌ [Ingest] Failed to record payment")
		return IngestResult{}, err
	}

	payment := recorded.Payment
	logger = logger.WithField("payment_id", payment.ID)

	// Receipt and enqueue are rerun for duplicates; both are idempotent and
	// this repairs a delivery that crashed between stages.
	if _, err := i.receipts.IssueReceipt(ctx, payment, recorded.Identity); err != nil {
		logger.WithError(err).Warn("⚠️ [Ingest] Receipt issuance failed, payment kept")
	}
	if recorded.Identity != nil {
		res, err := i.scheduler.MaybeEnqueue(ctx, payment, recorded.Identity.Policy())
		if err != nil {
			logger.WithError(err).Warn("⚠️ [Ingest] AutoSwap enqueue failed, payment kept")
		} else if !res.Enqueued {
			logger.WithField("reason", res.Reason).Debug("[Ingest] AutoSwap skipped")
		}
	}

	reason := ReasonRecorded
	if recorded.AlreadyRecorded {
		reason = ReasonDuplicate
	}
	return IngestResult{
		Accepted:  true,
		Reason:    reason,
		PaymentID: payment.ID,
		Duplicate: recorded.AlreadyRecorded,
	}, nil
}
