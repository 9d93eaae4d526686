package services

import (
	"context"
	"fmt"

	"payswap-backend/internal/models"
	"payswap-backend/internal/repository"
)

const defaultPaymentListLimit = 100

// ReceiptView is a receipt plus the live swap state of its payment.
type ReceiptView struct {
	*models.Receipt
	SwapStatus      models.SwapStatus `json:"swap_status"`
	SwapTxHash      *string           `json:"swap_tx_hash,omitempty"`
	SwapError       *string           `json:"swap_error,omitempty"`
	AmountOutTarget *string           `json:"amount_out_target,omitempty"`
	RouterUsed      *string           `json:"router_used,omitempty"`
	BlobURL         string            `json:"blob_url,omitempty"`
}

// LookupService serves the read side of the ledger.
type LookupService struct {
	identities repository.IdentityRepository
	payments   repository.PaymentRepository
	receipts   repository.ReceiptRepository
	blobURL    func(blobID string) string
}

func NewLookupService(identities repository.IdentityRepository, payments repository.PaymentRepository, receipts repository.ReceiptRepository, blobURL func(string) string) *LookupService {
	if blobURL == nil {
		blobURL = func(string) string { return "" }
	}
	return &LookupService{identities: identities, payments: payments, receipts: receipts, blobURL: blobURL}
}

// GetPaymentsByHandle lists a handle's payments, newest first.
func (s *LookupService) GetPaymentsByHandle(ctx context.Context, handle string) ([]*models.Payment, error) {
	identity, err := s.identities.FindByHandle(ctx, handle)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve handle: %w", err)
	}
	if identity == nil {
		return nil, ErrHandleNotFound
	}
	return s.payments.ListByHandleID(ctx, identity.ID, defaultPaymentListLimit)
}

func (s *LookupService) GetReceiptByPublicID(ctx context.Context, publicID string) (*ReceiptView, error) {
	receipt, err := s.receipts.FindByPublicID(ctx, publicID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, ErrReceiptNotFound
		}
		return nil, fmt.Errorf("failed to load receipt: %w", err)
	}
	view := &ReceiptView{Receipt: receipt}
	if receipt.BlobID != nil {
		view.BlobURL = s.blobURL(*receipt.BlobID)
	}

	payment, err := s.payments.GetByID(ctx, receipt.PaymentID)
	if err != nil {
		return nil, fmt.Errorf("failed to load payment: %w", err)
	}
	view.SwapStatus = payment.SwapStatus
	view.SwapTxHash = payment.SwapTxHash
	view.SwapError = payment.SwapError
	view.AmountOutTarget = payment.AmountOutTarget
	view.RouterUsed = payment.RouterUsed
	return view, nil
}
