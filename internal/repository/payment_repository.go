package repository

import (
	"context"

	"payswap-backend/internal/models"

	"gorm.io/gorm"
)

// PaymentRepository defines the interface for payment data access
type PaymentRepository interface {
	Create(ctx context.Context, payment *models.Payment) error
	GetByID(ctx context.Context, id string) (*models.Payment, error)
	FindByExternalTransactionID(ctx context.Context, externalTxID string) (*models.Payment, error)
	FindByTxHash(ctx context.Context, txHash string) (*models.Payment, error)
	ListByHandleID(ctx context.Context, handleID string, limit int) ([]*models.Payment, error)
	UpdateSwapStatus(ctx context.Context, id string, status models.SwapStatus) error
}

type paymentRepository struct {
	db *gorm.DB
}

// NewPaymentRepository creates a new PaymentRepository instance
func NewPaymentRepository(db *gorm.DB) PaymentRepository {
	return &paymentRepository{db: db}
}

func (r *paymentRepository) Create(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *paymentRepository) GetByID(ctx context.Context, id string) (*models.Payment, error) {
	var payment models.Payment
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&payment).Error; err != nil {
		return nil, err
	}
	return &payment, nil
}

// FindByExternalTransactionID returns (nil, nil) when no payment exists.
func (r *paymentRepository) FindByExternalTransactionID(ctx context.Context, externalTxID string) (*models.Payment, error) {
	var payments []models.Payment
	if err := r.db.WithContext(ctx).Where("external_transaction_id = ?", externalTxID).Limit(1).Find(&payments).Error; err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, nil
	}
	return &payments[0], nil
}

// FindByTxHash returns (nil, nil) when no payment exists.
func (r *paymentRepository) FindByTxHash(ctx context.Context, txHash string) (*models.Payment, error) {
	var payments []models.Payment
	if err := r.db.WithContext(ctx).Where("tx_hash = ?", txHash).Limit(1).Find(&payments).Error; err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, nil
	}
	return &payments[0], nil
}

func (r *paymentRepository) ListByHandleID(ctx context.Context, handleID string, limit int) ([]*models.Payment, error) {
	var payments []*models.Payment
	query := r.db.WithContext(ctx).Where("handle_id = ?", handleID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

// UpdateSwapStatus only touches the denormalized swap flag.
func (r *paymentRepository) UpdateSwapStatus(ctx context.Context, id string, status models.SwapStatus) error {
	return r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("id = ?", id).
		Update("swap_status", status).Error
}
