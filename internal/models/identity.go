package models

import "time"

// Identity is the owner of a payable handle. Registration lives elsewhere;
// this service only reads it, including the embedded autoswap policy columns.
type Identity struct {
	ID                   string    `json:"id" gorm:"primaryKey;size:36"`
	Handle               string    `json:"handle" gorm:"not null;uniqueIndex;size:64"`
	DisplayName          string    `json:"display_name" gorm:"size:128"`
	WalletID             string    `json:"wallet_id" gorm:"not null;size:64"`
	WalletAddress        string    `json:"wallet_address" gorm:"not null;index;size:128"`
	Chain                string    `json:"chain" gorm:"not null;size:32"`
	AutoswapEnabled      bool      `json:"autoswap_enabled" gorm:"not null;default:false"`
	AutoswapSlippageBps  int       `json:"autoswap_slippage_bps" gorm:"not null;default:50"`
	AutoswapMaxGasGwei   *string   `json:"autoswap_max_gas_gwei,omitempty" gorm:"size:32"`
	AutoswapMinAmountWei *string   `json:"autoswap_min_amount_wei,omitempty" gorm:"size:80"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

func (Identity) TableName() string {
	return "users"
}

// AutoswapPolicy is the read-only view of the policy columns.
type AutoswapPolicy struct {
	Enabled      bool
	SlippageBps  int
	MaxGasGwei   *string
	MinAmountWei *string
}

func (i *Identity) Policy() AutoswapPolicy {
	return AutoswapPolicy{
		Enabled:      i.AutoswapEnabled,
		SlippageBps:  i.AutoswapSlippageBps,
		MaxGasGwei:   i.AutoswapMaxGasGwei,
		MinAmountWei: i.AutoswapMinAmountWei,
	}
}
