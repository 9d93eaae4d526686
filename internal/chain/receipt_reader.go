package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// ErrNoRPC is returned for chains without a configured endpoint.
var ErrNoRPC = errors.New("no RPC endpoint configured for chain")

// ErrTxReverted is returned when the receipt has status 0.
var ErrTxReverted = errors.New("transaction reverted")

var transferTopic = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))

// ReceiptReader reads settled swap transactions from chain RPC endpoints.
type ReceiptReader struct {
	endpoints map[string]string

	mu      sync.Mutex
	clients map[string]*ethclient.Client
}

func NewReceiptReader(endpoints map[string]string) *ReceiptReader {
	normalized := make(map[string]string, len(endpoints))
	for chain, url := range endpoints {
		if url != "" {
			normalized[strings.ToUpper(chain)] = url
		}
	}
	return &ReceiptReader{endpoints: normalized, clients: map[string]*ethclient.Client{}}
}

func (r *ReceiptReader) client(ctx context.Context, chain string) (*ethclient.Client, error) {
	key := strings.ToUpper(chain)
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.clients[key]; ok {
		return c, nil
	}
	url, ok := r.endpoints[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRPC, chain)
	}
	c, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s RPC: %w", chain, err)
	}
	r.clients[key] = c
	return c, nil
}

// AmountReceived sums the ERC20 Transfer amounts of token credited to
// recipient by txHash.
func (r *ReceiptReader) AmountReceived(ctx context.Context, chain, txHash string, token, recipient common.Address) (*big.Int, error) {
	c, err := r.client(ctx, chain)
	if err != nil {
		return nil, err
	}
	receipt, err := c.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch receipt %s: %w", txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, ErrTxReverted
	}
	return SumTransfers(receipt.Logs, token, recipient), nil
}

func (r *ReceiptReader) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.clients {
		c.Close()
	}
	r.clients = map[string]*ethclient.Client{}
}

// SumTransfers adds up Transfer(_, recipient, value) events emitted by token.
func SumTransfers(logs []*types.Log, token, recipient common.Address) *big.Int {
	total := new(big.Int)
	for _, l := range logs {
		if l == nil || l.Address != token || len(l.Topics) != 3 || l.Topics[0] != transferTopic {
			continue
		}
		if common.BytesToAddress(l.Topics[2].Bytes()) != recipient {
			continue
		}
		total.Add(total, new(big.Int).SetBytes(l.Data))
	}
	return total
}
