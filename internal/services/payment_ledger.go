package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"payswap-backend/internal/clients"
	"payswap-backend/internal/metrics"
	"payswap-backend/internal/models"
	"payswap-backend/internal/repository"
	"payswap-backend/internal/webhook"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

// RecordResult is what RecordPayment hands to the later ingestion stages.
type RecordResult struct {
	Payment         *models.Payment
	Identity        *models.Identity
	AlreadyRecorded bool
}

// PaymentLedger persists exactly one Payment per external transaction id.
type PaymentLedger struct {
	payments   repository.PaymentRepository
	identities IdentityResolver
	supported  func(chain string) bool
	publisher  clients.EventPublisher
	notifier   UpdateNotifier
	log        *logrus.Entry
	now        func() time.Time
}

func NewPaymentLedger(
	payments repository.PaymentRepository,
	identities IdentityResolver,
	supported func(chain string) bool,
	publisher clients.EventPublisher,
	notifier UpdateNotifier,
	log *logrus.Logger,
) *PaymentLedger {
	if publisher == nil {
		publisher = clients.NoopPublisher{}
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	return &PaymentLedger{
		payments:   payments,
		identities: identities,
		supported:  supported,
		publisher:  publisher,
		notifier:   notifier,
		log:        log.WithField("component", "payment_ledger"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func validateEvent(event *webhook.DepositEvent) error {
	if event == nil {
		return fmt.Errorf("%w: nil event", ErrMalformedEvent)
	}
	if event.DestinationAddress == "" {
		return fmt.Errorf("%w: missing destination address", ErrMalformedEvent)
	}
	if event.ExternalTransactionID == "" {
		return fmt.Errorf("%w: missing external transaction id", ErrMalformedEvent)
	}
	amount, err := decimal.NewFromString(event.Amount)
	if err != nil {
		return fmt.Errorf("%w: amount %q is not a decimal", ErrMalformedEvent, event.Amount)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount %q must be positive", ErrMalformedEvent, event.Amount)
	}
	return nil
}

// RecordPayment writes a Payment for event, or returns the one already
// recorded under the same external transaction id without writing.
// raw is the original notification body kept for audit.
func (l *PaymentLedger) RecordPayment(ctx context.Context, event *webhook.DepositEvent, raw []byte) (*RecordResult, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}
	fields := logrus.Fields{
		"external_tx_id": event.ExternalTransactionID,
		"chain":          event.Chain,
		"asset":          event.Asset,
	}
	if !l.supported(event.Chain) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedChain, event.Chain)
	}

	existing, err := l.payments.FindByExternalTransactionID(ctx, event.ExternalTransactionID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up payment: %w", err)
	}
	if existing != nil {
		return l.alreadyRecorded(ctx, existing)
	}

	identity, err := l.identities.FindByWalletAddress(ctx, event.DestinationAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipient: %w", err)
	}
	if identity == nil {
		return nil, fmt.Errorf("%w: %s", ErrRecipientNotFound, event.DestinationAddress)
	}

	txHash := event.TxHash
	if txHash == "" {
		txHash = event.ExternalTransactionID
	}

	payment := &models.Payment{
		ID:                    uuid.NewString(),
		HandleID:              identity.ID,
		Chain:                 event.Chain,
		Asset:                 event.Asset,
		Amount:                event.Amount,
		ToAddress:             event.DestinationAddress,
		TxHash:                txHash,
		ExternalTransactionID: event.ExternalTransactionID,
		RawEvent:              rawEvent(raw),
		Status:                models.PaymentStatusDetected,
		SwapStatus:            models.SwapStatusNotApplicable,
		CreatedAt:             l.now(),
	}
	if event.FromAddress != "" {
		from := event.FromAddress
		payment.FromAddress = &from
	}

	if err := l.payments.Create(ctx, payment); err != nil {
		if !repository.IsUniqueViolation(err) {
			return nil, fmt.Errorf("failed to record payment: %w", err)
		}
		// Lost a race with a concurrent delivery, or the chain tx was
		// already recorded under another vendor id.
		winner, findErr := l.payments.FindByExternalTransactionID(ctx, event.ExternalTransactionID)
		if findErr == nil && winner == nil {
			winner, findErr = l.payments.FindByTxHash(ctx, txHash)
		}
		if findErr != nil || winner == nil {
			return nil, fmt.Errorf("failed to record payment: %w", err)
		}
		l.log.WithFields(fields).WithField("payment_id", winner.ID).Info("🔁 [Ledger] Concurrent delivery already recorded this payment")
		return &RecordResult{Payment: winner, Identity: identity, AlreadyRecorded: true}, nil
	}

	metrics.PaymentsRecorded.WithLabelValues(payment.Chain, string(payment.Asset)).Inc()
	l.log.WithFields(fields).WithFields(logrus.Fields{
		"payment_id": payment.ID,
		"handle":     identity.Handle,
		"amount":     payment.Amount,
	}).Info("✅ [Ledger] Payment recorded")

	evt := PaymentRecordedEvent{
		PaymentID:             payment.ID,
		Handle:                identity.Handle,
		Chain:                 payment.Chain,
		Asset:                 payment.Asset,
		Amount:                payment.Amount,
		TxHash:                payment.TxHash,
		ExternalTransactionID: payment.ExternalTransactionID,
	}
	if err := l.publisher.Publish(ctx, clients.SubjectPaymentRecorded, evt); err != nil {
		l.log.WithError(err).WithField("payment_id", payment.ID).Warn("⚠️ [Ledger] Failed to publish payment event")
	}
	l.notifier.NotifyHandle(identity.Handle, PushPaymentRecorded, payment)

	return &RecordResult{Payment: payment, Identity: identity}, nil
}

func (l *PaymentLedger) alreadyRecorded(ctx context.Context, existing *models.Payment) (*RecordResult, error) {
	identity, err := l.identities.FindByWalletAddress(ctx, existing.ToAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recipient: %w", err)
	}
	l.log.WithFields(logrus.Fields{
		"payment_id":     existing.ID,
		"external_tx_id": existing.ExternalTransactionID,
	}).Info("🔁 [Ledger] Duplicate notification, payment already recorded")
	return &RecordResult{Payment: existing, Identity: identity, AlreadyRecorded: true}, nil
}

// rawEvent keeps the body as JSON when it is JSON, quoted otherwise.
func rawEvent(raw []byte) datatypes.JSON {
	if len(raw) == 0 {
		return nil
	}
	if json.Valid(raw) {
		return datatypes.JSON(append([]byte(nil), raw...))
	}
	quoted, _ := json.Marshal(strings.ToValidUTF8(string(raw), "�"))
	return datatypes.JSON(quoted)
}
