package services

import (
	"context"
	"math/big"

	"payswap-backend/internal/clients"
	"payswap-backend/internal/models"

	"github.com/ethereum/go-ethereum/common"
)

// IdentityResolver maps a custodial wallet address to its owner.
type IdentityResolver interface {
	FindByWalletAddress(ctx context.Context, address string) (*models.Identity, error)
}

// CustodyExecutor submits contract calls through the custodial signer.
type CustodyExecutor interface {
	SubmitContractCall(ctx context.Context, call clients.ContractCall) (*clients.Execution, error)
	GetExecutionStatus(ctx context.Context, executionID string) (*clients.Execution, error)
}

// BlobStore mirrors receipt documents. Always best effort.
type BlobStore interface {
	Enabled() bool
	Put(ctx context.Context, document []byte, epochs int) (*clients.BlobRef, error)
}

// SwapOutcomeReader reports how much of token a settled transaction
// delivered to recipient.
type SwapOutcomeReader interface {
	AmountReceived(ctx context.Context, chain, txHash string, token, recipient common.Address) (*big.Int, error)
}

// UpdateNotifier pushes live updates to clients watching a handle.
type UpdateNotifier interface {
	NotifyHandle(handle, event string, data interface{})
}

type noopNotifier struct{}

func (noopNotifier) NotifyHandle(handle, event string, data interface{}) {}

// Push event names.
const (
	PushPaymentRecorded = "payment.recorded"
	PushSwapUpdated     = "swap.updated"
)

// PaymentRecordedEvent is published on payments.recorded.
type PaymentRecordedEvent struct {
	PaymentID             string       `json:"payment_id"`
	Handle                string       `json:"handle"`
	Chain                 string       `json:"chain"`
	Asset                 models.Asset `json:"asset"`
	Amount                string       `json:"amount"`
	TxHash                string       `json:"tx_hash"`
	ExternalTransactionID string       `json:"external_transaction_id"`
}

// SwapSettledEvent is published on swaps.completed and swaps.failed.
type SwapSettledEvent struct {
	PaymentID       string            `json:"payment_id"`
	JobID           string            `json:"job_id"`
	Handle          string            `json:"handle"`
	Status          models.SwapStatus `json:"status"`
	SwapTxHash      string            `json:"swap_tx_hash,omitempty"`
	AmountOutTarget string            `json:"amount_out_target,omitempty"`
	Router          string            `json:"router,omitempty"`
	Error           string            `json:"error,omitempty"`
	Attempts        int               `json:"attempts"`
}
