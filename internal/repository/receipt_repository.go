package repository

import (
	"context"
	"time"

	"payswap-backend/internal/models"

	"gorm.io/gorm"
)

// ReceiptRepository defines the interface for receipt data access
type ReceiptRepository interface {
	Create(ctx context.Context, receipt *models.Receipt) error
	FindByPaymentID(ctx context.Context, paymentID string) (*models.Receipt, error)
	FindByPublicID(ctx context.Context, publicID string) (*models.Receipt, error)
	ListUnmirrored(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Receipt, error)
	UpdateBlobRef(ctx context.Context, id, blobID, hash string) error
}

type receiptRepository struct {
	db *gorm.DB
}

// NewReceiptRepository creates a new ReceiptRepository instance
func NewReceiptRepository(db *gorm.DB) ReceiptRepository {
	return &receiptRepository{db: db}
}

func (r *receiptRepository) Create(ctx context.Context, receipt *models.Receipt) error {
	return r.db.WithContext(ctx).Create(receipt).Error
}

// FindByPaymentID returns (nil, nil) when the payment has no receipt yet.
func (r *receiptRepository) FindByPaymentID(ctx context.Context, paymentID string) (*models.Receipt, error) {
	var receipts []models.Receipt
	if err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).Limit(1).Find(&receipts).Error; err != nil {
		return nil, err
	}
	if len(receipts) == 0 {
		return nil, nil
	}
	return &receipts[0], nil
}

func (r *receiptRepository) FindByPublicID(ctx context.Context, publicID string) (*models.Receipt, error) {
	var receipt models.Receipt
	if err := r.db.WithContext(ctx).Where("receipt_public_id = ?", publicID).First(&receipt).Error; err != nil {
		return nil, err
	}
	return &receipt, nil
}

// ListUnmirrored returns receipts whose blob mirror never succeeded.
func (r *receiptRepository) ListUnmirrored(ctx context.Context, createdBefore time.Time, limit int) ([]*models.Receipt, error) {
	var receipts []*models.Receipt
	err := r.db.WithContext(ctx).
		Where("blob_id IS NULL AND created_at < ?", createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&receipts).Error
	if err != nil {
		return nil, err
	}
	return receipts, nil
}

func (r *receiptRepository) UpdateBlobRef(ctx context.Context, id, blobID, hash string) error {
	return r.db.WithContext(ctx).Model(&models.Receipt{}).
		Where("id = ? AND blob_id IS NULL", id).
		Updates(map[string]interface{}{
			"blob_id":    blobID,
			"hash":       hash,
			"updated_at": time.Now().UTC(),
		}).Error
}
