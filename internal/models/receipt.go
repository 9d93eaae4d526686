package models

import (
	"time"

	"gorm.io/datatypes"
)

type ReceiptStatus string

const (
	ReceiptStatusConfirmed ReceiptStatus = "confirmed"
	ReceiptStatusPending   ReceiptStatus = "pending"
	ReceiptStatusFailed    ReceiptStatus = "failed"
)

// Receipt is the public, shareable record of a Payment (1:1).
type Receipt struct {
	ID               string         `json:"id" gorm:"primaryKey;size:36"`
	PaymentID        string         `json:"payment_id" gorm:"not null;uniqueIndex:idx_receipts_payment;size:36"`
	ReceiptPublicID  string         `json:"receipt_public_id" gorm:"not null;uniqueIndex:idx_receipts_public_id;size:32"`
	Handle           string         `json:"handle" gorm:"not null;size:64"`
	DisplayName      string         `json:"display_name" gorm:"size:128"`
	ReceiverAddress  string         `json:"receiver_address" gorm:"not null;size:128"`
	Chain            string         `json:"chain" gorm:"not null;size:32"`
	AssetIn          Asset          `json:"asset_in" gorm:"not null;size:16"`
	AmountIn         string         `json:"amount_in" gorm:"not null;size:80"`
	NormalizedAmount string         `json:"normalized_amount" gorm:"size:80"`
	TxHash           string         `json:"tx_hash" gorm:"not null;size:128"`
	Status           ReceiptStatus  `json:"status" gorm:"not null;default:confirmed;size:16"`
	ExplorerURL      *string        `json:"explorer_url,omitempty" gorm:"type:text"`
	BlobID           *string        `json:"blob_id,omitempty" gorm:"size:128;index"`
	Hash             *string        `json:"hash,omitempty" gorm:"size:128"`
	SwapDetails      datatypes.JSON `json:"swap_details,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

func (Receipt) TableName() string {
	return "receipts"
}

// SwapDetails is written into Receipt.SwapDetails after settlement.
type SwapDetails struct {
	Status          SwapStatus `json:"status"`
	TxHash          string     `json:"tx_hash,omitempty"`
	Router          string     `json:"router,omitempty"`
	TargetToken     string     `json:"target_token,omitempty"`
	AmountOutTarget string     `json:"amount_out_target,omitempty"`
	Error           string     `json:"error,omitempty"`
	SettledAt       time.Time  `json:"settled_at"`
}
