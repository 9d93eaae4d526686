package models

import (
	"time"

	"gorm.io/datatypes"
)

// Asset is the closed set of assets a payment can carry.
type Asset string

const (
	AssetUSDC    Asset = "USDC"
	AssetEURC    Asset = "EURC"
	AssetETH     Asset = "ETH"
	AssetUnknown Asset = "UNKNOWN"
)

// Decimals returns the on-chain precision of the asset. UNKNOWN has none.
func (a Asset) Decimals() (int32, bool) {
	switch a {
	case AssetETH:
		return 18, true
	case AssetUSDC, AssetEURC:
		return 6, true
	default:
		return 0, false
	}
}

// ParseAsset maps a symbol onto the closed enum, UNKNOWN otherwise.
func ParseAsset(symbol string) Asset {
	switch Asset(symbol) {
	case AssetUSDC, AssetEURC, AssetETH:
		return Asset(symbol)
	default:
		return AssetUnknown
	}
}

type PaymentStatus string

const (
	PaymentStatusDetected  PaymentStatus = "detected"
	PaymentStatusProcessed PaymentStatus = "processed"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
)

// SwapStatus mirrors the SwapJob state on the payment row for display.
type SwapStatus string

const (
	SwapStatusNotApplicable SwapStatus = "not_applicable"
	SwapStatusQueued        SwapStatus = "queued"
	SwapStatusSwapping      SwapStatus = "swapping"
	SwapStatusSwapped       SwapStatus = "swapped"
	SwapStatusSwapFailed    SwapStatus = "swap_failed"
)

// Payment is one detected inbound transfer. Rows are never deleted; after
// creation only the swap_* columns change.
type Payment struct {
	ID                    string         `json:"id" gorm:"primaryKey;size:36"`
	HandleID              string         `json:"handle_id" gorm:"not null;index;size:36"`
	Chain                 string         `json:"chain" gorm:"not null;size:32"`
	Asset                 Asset          `json:"asset" gorm:"not null;size:16"`
	Amount                string         `json:"amount" gorm:"not null;size:80"`
	FromAddress           *string        `json:"from_address,omitempty" gorm:"size:128"`
	ToAddress             string         `json:"to_address" gorm:"not null;index;size:128"`
	TxHash                string         `json:"tx_hash" gorm:"not null;uniqueIndex:idx_payments_tx_hash;size:128"`
	ExternalTransactionID string         `json:"external_transaction_id" gorm:"column:external_transaction_id;not null;uniqueIndex:idx_payments_external_tx;size:128"`
	RawEvent              datatypes.JSON `json:"-"`
	Status                PaymentStatus  `json:"status" gorm:"not null;default:detected;size:16"`
	SwapStatus            SwapStatus     `json:"swap_status" gorm:"not null;default:not_applicable;size:16"`
	SwapTxHash            *string        `json:"swap_tx_hash,omitempty" gorm:"size:128"`
	SwapError             *string        `json:"swap_error,omitempty" gorm:"type:text"`
	AmountOutTarget       *string        `json:"amount_out_target,omitempty" gorm:"size:80"`
	RouterUsed            *string        `json:"router_used,omitempty" gorm:"size:64"`
	CreatedAt             time.Time      `json:"created_at"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

func (Payment) TableName() string {
	return "payments"
}
