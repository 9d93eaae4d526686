package webhook

import (
	"strings"
	"time"

	"payswap-backend/internal/models"
)

// TokenTableVersion identifies the built-in vendor token id table below.
// Bump it whenever an entry changes so logs show which table resolved an asset.
const TokenTableVersion = "2025-06"

// defaultTokenIDs is the authoritative vendor token id -> asset table.
// Config entries override it; config "ambiguous" ids always map to UNKNOWN.
var defaultTokenIDs = map[string]models.Asset{
	// ETH-SEPOLIA; other chains come from config
	"979869da-9115-5f7d-917d-12d434e56ae7": models.AssetETH,
	"5797fbd6-3795-519d-84ca-ec4c5f80c3b1": models.AssetUSDC,
}

// DepositEvent is the canonical, vendor-neutral deposit notification.
type DepositEvent struct {
	SourceType            string
	DestinationAddress    string
	FromAddress           string
	ExternalTransactionID string
	TxHash                string
	Amount                string
	AssetID               string
	Asset                 models.Asset
	Chain                 string
	WalletID              string
	Timestamp             time.Time
}

// Normalizer is the single translation point from vendor notifications to
// DepositEvent.
type Normalizer struct {
	tokens    map[string]models.Asset
	ambiguous map[string]struct{}
}

// NewNormalizer layers overrides (vendor id -> symbol) on the built-in table.
func NewNormalizer(overrides map[string]string, ambiguous []string) *Normalizer {
	tokens := make(map[string]models.Asset, len(defaultTokenIDs)+len(overrides))
	for id, asset := range defaultTokenIDs {
		tokens[id] = asset
	}
	for id, symbol := range overrides {
		tokens[strings.ToLower(strings.TrimSpace(id))] = models.ParseAsset(strings.ToUpper(strings.TrimSpace(symbol)))
	}
	amb := make(map[string]struct{}, len(ambiguous))
	for _, id := range ambiguous {
		amb[strings.ToLower(strings.TrimSpace(id))] = struct{}{}
	}
	return &Normalizer{tokens: tokens, ambiguous: amb}
}

// ResolveAsset maps a vendor token id onto the asset enum. Unmapped and
// ambiguous ids resolve to UNKNOWN; the second result is false for those.
func (n *Normalizer) ResolveAsset(tokenID string) (models.Asset, bool) {
	key := strings.ToLower(strings.TrimSpace(tokenID))
	if _, ok := n.ambiguous[key]; ok {
		return models.AssetUnknown, false
	}
	asset, ok := n.tokens[key]
	if !ok || asset == models.AssetUnknown {
		return models.AssetUnknown, false
	}
	return asset, true
}

// Normalize returns nil for anything that is not a completed inbound
// transfer. Missing optional fields come through as empty strings; the
// ledger decides whether the event is complete enough to record.
func (n *Normalizer) Normalize(notification *Notification) *DepositEvent {
	if notification == nil || !notification.IsInbound() {
		return nil
	}
	tx := notification.Transaction
	if !strings.EqualFold(tx.State, StateComplete) {
		return nil
	}

	asset, _ := n.ResolveAsset(tx.TokenID)

	var amount string
	if len(tx.Amounts) > 0 {
		amount = strings.TrimSpace(tx.Amounts[0])
	}

	ts := parseTime(tx.UpdateDate)
	if ts.IsZero() {
		ts = parseTime(tx.CreateDate)
	}
	if ts.IsZero() {
		ts = notification.Timestamp
	}

	return &DepositEvent{
		SourceType:            notification.Type + ":" + strings.ToUpper(tx.State),
		DestinationAddress:    strings.TrimSpace(tx.DestinationAddress),
		FromAddress:           strings.TrimSpace(tx.SourceAddress),
		ExternalTransactionID: strings.TrimSpace(tx.ID),
		TxHash:                strings.TrimSpace(tx.TxHash),
		Amount:                amount,
		AssetID:               tx.TokenID,
		Asset:                 asset,
		Chain:                 strings.TrimSpace(tx.Blockchain),
		WalletID:              tx.WalletID,
		Timestamp:             ts,
	}
}
