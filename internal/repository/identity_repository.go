package repository

import (
	"context"
	"strings"

	"payswap-backend/internal/models"

	"gorm.io/gorm"
)

// IdentityRepository reads the externally managed identity table.
type IdentityRepository interface {
	FindByWalletAddress(ctx context.Context, address string) (*models.Identity, error)
	FindByHandle(ctx context.Context, handle string) (*models.Identity, error)
	GetByID(ctx context.Context, id string) (*models.Identity, error)
}

type identityRepository struct {
	db *gorm.DB
}

func NewIdentityRepository(db *gorm.DB) IdentityRepository {
	return &identityRepository{db: db}
}

// FindByWalletAddress matches case-insensitively; EVM addresses arrive both
// checksummed and lowercased. Returns (nil, nil) when nobody owns the address.
func (r *identityRepository) FindByWalletAddress(ctx context.Context, address string) (*models.Identity, error) {
	var identities []models.Identity
	err := r.db.WithContext(ctx).
		Where("LOWER(wallet_address) = ?", strings.ToLower(strings.TrimSpace(address))).
		Limit(1).
		Find(&identities).Error
	if err != nil {
		return nil, err
	}
	if len(identities) == 0 {
		return nil, nil
	}
	return &identities[0], nil
}

// FindByHandle returns (nil, nil) for an unknown handle.
func (r *identityRepository) FindByHandle(ctx context.Context, handle string) (*models.Identity, error) {
	var identities []models.Identity
	err := r.db.WithContext(ctx).
		Where("handle = ?", strings.ToLower(strings.TrimSpace(handle))).
		Limit(1).
		Find(&identities).Error
	if err != nil {
		return nil, err
	}
	if len(identities) == 0 {
		return nil, nil
	}
	return &identities[0], nil
}

func (r *identityRepository) GetByID(ctx context.Context, id string) (*models.Identity, error) {
	var identity models.Identity
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&identity).Error; err != nil {
		return nil, err
	}
	return &identity, nil
}
