package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"payswap-backend/internal/clients"
	"payswap-backend/internal/metrics"
	"payswap-backend/internal/models"
	"payswap-backend/internal/repository"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	receiptDocumentVersion = 1
	publicIDBytes          = 16
	maxPublicIDAttempts    = 5
	mirrorGracePeriod      = time.Minute
)

// ReceiptDocument is the canonical document mirrored to blob storage.
type ReceiptDocument struct {
	Version          int          `json:"version"`
	ReceiptID        string       `json:"receipt_id"`
	PaymentID        string       `json:"payment_id"`
	Handle           string       `json:"handle"`
	DisplayName      string       `json:"display_name,omitempty"`
	Receiver         string       `json:"receiver"`
	Chain            string       `json:"chain"`
	Asset            models.Asset `json:"asset"`
	Amount           string       `json:"amount"`
	NormalizedAmount string       `json:"normalized_amount"`
	TxHash           string       `json:"tx_hash"`
	ExplorerURL      string       `json:"explorer_url,omitempty"`
	Source           string       `json:"source"`
	IssuedAt         time.Time    `json:"issued_at"`
}

// ReceiptWriter issues one public Receipt per Payment and mirrors it to the
// blob store when that is available.
type ReceiptWriter struct {
	receipts  repository.ReceiptRepository
	payments  repository.PaymentRepository
	blobs     BlobStore
	explorers map[string]string
	log       *logrus.Entry
	now       func() time.Time
	newID     func() (string, error)
}

func NewReceiptWriter(receipts repository.ReceiptRepository, payments repository.PaymentRepository, blobs BlobStore, explorers map[string]string, log *logrus.Logger) *ReceiptWriter {
	normalized := make(map[string]string, len(explorers))
	for chain, prefix := range explorers {
		normalized[strings.ToUpper(chain)] = prefix
	}
	return &ReceiptWriter{
		receipts:  receipts,
		payments:  payments,
		blobs:     blobs,
		explorers: normalized,
		log:       log.WithField("component", "receipt_writer"),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     NewPublicID,
	}
}

// NewPublicID returns a 32 character random hex token.
func NewPublicID() (string, error) {
	buf := make([]byte, publicIDBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

func (w *ReceiptWriter) explorerURL(chain, txHash string) *string {
	prefix, ok := w.explorers[strings.ToUpper(chain)]
	if !ok || prefix == "" || txHash == "" {
		return nil
	}
	url := prefix + txHash
	return &url
}

// IssueReceipt returns the payment's receipt, creating it on first call.
// The blob mirror never decides whether the receipt exists.
func (w *ReceiptWriter) IssueReceipt(ctx context.Context, payment *models.Payment, identity *models.Identity) (*models.Receipt, error) {
	existing, err := w.receipts.FindByPaymentID(ctx, payment.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to look up receipt: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	normalized := payment.Amount
	if d, err := decimal.NewFromString(payment.Amount); err == nil {
		normalized = d.String()
	}

	receipt := &models.Receipt{
		ID:               uuid.NewString(),
		PaymentID:        payment.ID,
		ReceiverAddress:  payment.ToAddress,
		Chain:            payment.Chain,
		AssetIn:          payment.Asset,
		AmountIn:         payment.Amount,
		NormalizedAmount: normalized,
		TxHash:           payment.TxHash,
		Status:           models.ReceiptStatusConfirmed,
		ExplorerURL:      w.explorerURL(payment.Chain, payment.TxHash),
		CreatedAt:        w.now(),
	}
	if identity != nil {
		receipt.Handle = identity.Handle
		receipt.DisplayName = identity.DisplayName
	}

	if err := w.insert(ctx, receipt); err != nil {
		if errors.Is(err, errReceiptExists) {
			return w.receipts.FindByPaymentID(ctx, payment.ID)
		}
		return nil, err
	}

	logger := w.log.WithFields(logrus.Fields{"payment_id": payment.ID, "receipt_id": receipt.ReceiptPublicID})
	logger.Info("🧾 [Receipt] Receipt issued")

	w.mirror(ctx, receipt, payment.ExternalTransactionID)
	return receipt, nil
}

var errReceiptExists = errors.New("receipt already exists for payment")

// insert retries with a fresh public id when the id collides. A collision
// on payment_id means another delivery issued the receipt first.
func (w *ReceiptWriter) insert(ctx context.Context, receipt *models.Receipt) error {
	var lastErr error
	for attempt := 0; attempt < maxPublicIDAttempts; attempt++ {
		id, err := w.newID()
		if err != nil {
			return fmt.Errorf("failed to generate receipt id: %w", err)
		}
		receipt.ReceiptPublicID = id

		err = w.receipts.Create(ctx, receipt)
		if err == nil {
			return nil
		}
		if !repository.IsUniqueViolation(err) {
			return fmt.Errorf("failed to create receipt: %w", err)
		}
		winner, findErr := w.receipts.FindByPaymentID(ctx, receipt.PaymentID)
		if findErr != nil {
			return fmt.Errorf("failed to create receipt: %w", findErr)
		}
		if winner != nil {
			return errReceiptExists
		}
		lastErr = err
		w.log.WithField("payment_id", receipt.PaymentID).Warn("⚠️ [Receipt] Public id collision, regenerating")
	}
	return fmt.Errorf("failed to allocate a unique receipt id: %w", lastErr)
}

func (w *ReceiptWriter) document(receipt *models.Receipt, externalTxID string) ([]byte, error) {
	doc := ReceiptDocument{
		Version:          receiptDocumentVersion,
		ReceiptID:        receipt.ReceiptPublicID,
		PaymentID:        receipt.PaymentID,
		Handle:           receipt.Handle,
		DisplayName:      receipt.DisplayName,
		Receiver:         receipt.ReceiverAddress,
		Chain:            receipt.Chain,
		Asset:            receipt.AssetIn,
		Amount:           receipt.AmountIn,
		NormalizedAmount: receipt.NormalizedAmount,
		TxHash:           receipt.TxHash,
		Source:           "custody:" + externalTxID,
		IssuedAt:         receipt.CreatedAt.UTC(),
	}
	if receipt.ExplorerURL != nil {
		doc.ExplorerURL = *receipt.ExplorerURL
	}
	return json.Marshal(doc)
}

// mirror stores the receipt document and records the blob reference. Every
// failure is logged and swallowed.
func (w *ReceiptWriter) mirror(ctx context.Context, receipt *models.Receipt, externalTxID string) bool {
	if w.blobs == nil || !w.blobs.Enabled() {
		return false
	}
	logger := w.log.WithFields(logrus.Fields{"payment_id": receipt.PaymentID, "receipt_id": receipt.ReceiptPublicID})

	doc, err := w.document(receipt, externalTxID)
	if err != nil {
		logger.WithError(err).Warn("⚠️ [Receipt] Failed to build receipt document")
		metrics.ReceiptMirror.WithLabelValues("error").Inc()
		return false
	}
	ref, err := w.blobs.Put(ctx, doc, 0)
	if err != nil {
		logger.WithError(err).Warn("⚠️ [Receipt] Blob mirror failed, receipt kept without blob reference")
		if !errors.Is(err, clients.ErrBlobStoreDisabled) {
			metrics.ReceiptMirror.WithLabelValues("error").Inc()
		}
		return false
	}
	if err := w.receipts.UpdateBlobRef(ctx, receipt.ID, ref.BlobID, ref.ContentHash); err != nil {
		logger.WithError(err).Warn("⚠️ [Receipt] Failed to save blob reference")
		metrics.ReceiptMirror.WithLabelValues("error").Inc()
		return false
	}
	receipt.BlobID = &ref.BlobID
	receipt.Hash = &ref.ContentHash
	metrics.ReceiptMirror.WithLabelValues("ok").Inc()
	logger.WithField("blob_id", ref.BlobID).Info("📦 [Receipt] Receipt mirrored")
	return true
}

// RetryMirror re-attempts the mirror for receipts that never got a blob
// reference and returns how many succeeded.
func (w *ReceiptWriter) RetryMirror(ctx context.Context, limit int) (int, error) {
	if w.blobs == nil || !w.blobs.Enabled() {
		return 0, nil
	}
	if limit <= 0 {
		limit = 20
	}
	pending, err := w.receipts.ListUnmirrored(ctx, w.now().Add(-mirrorGracePeriod), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list unmirrored receipts: %w", err)
	}
	mirrored := 0
	for _, receipt := range pending {
		if ctx.Err() != nil {
			break
		}
		payment, err := w.payments.GetByID(ctx, receipt.PaymentID)
		if err != nil {
			w.log.WithError(err).WithField("payment_id", receipt.PaymentID).Warn("⚠️ [Receipt] Payment missing for unmirrored receipt")
			continue
		}
		if w.mirror(ctx, receipt, payment.ExternalTransactionID) {
			mirrored++
		}
	}
	return mirrored, nil
}
