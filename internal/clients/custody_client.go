package clients

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"payswap-backend/internal/config"
	"payswap-backend/internal/retry"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

// Execution states reported by the custodial execution service.
const (
	ExecutionStateInitiated = "INITIATED"
	ExecutionStateQueued    = "QUEUED"
	ExecutionStateSent      = "SENT"
	ExecutionStateConfirmed = "CONFIRMED"
	ExecutionStateComplete  = "COMPLETE"
	ExecutionStateFailed    = "FAILED"
	ExecutionStateCancelled = "CANCELLED"
	ExecutionStateDenied    = "DENIED"
)

// ContractCall is one contract execution request signed by a custodial wallet.
type ContractCall struct {
	IdempotencyKey  string
	WalletID        string
	ContractAddress string
	CallData        []byte
	ValueWei        *big.Int
	FeeLevel        string
}

// Execution is the service's view of a submitted transaction.
type Execution struct {
	ID          string
	State       string
	ChainTxHash string
	ErrorReason string
}

// IsTerminal reports whether the state will not change again.
func (e *Execution) IsTerminal() bool {
	switch e.State {
	case ExecutionStateComplete, ExecutionStateFailed, ExecutionStateCancelled, ExecutionStateDenied:
		return true
	}
	return false
}

func (e *Execution) Succeeded() bool {
	return e.State == ExecutionStateComplete
}

// CustodyClient talks to the custodial execution service. Requests are
// rate limited and carry a freshly encrypted entity secret.
type CustodyClient struct {
	baseURL      string
	apiKey       string
	entitySecret []byte
	httpClient   *http.Client
	limiter      *rate.Limiter

	mu        sync.Mutex
	entityKey *rsa.PublicKey
}

type contractExecutionRequest struct {
	IdempotencyKey         string `json:"idempotencyKey"`
	WalletID               string `json:"walletId"`
	ContractAddress        string `json:"contractAddress"`
	CallData               string `json:"callData"`
	Amount                 string `json:"amount,omitempty"`
	FeeLevel               string `json:"feeLevel"`
	EntitySecretCiphertext string `json:"entitySecretCiphertext"`
}

type contractExecutionResponse struct {
	Data struct {
		ID    string `json:"id"`
		State string `json:"state"`
	} `json:"data"`
}

type transactionResponse struct {
	Data struct {
		Transaction struct {
			ID          string `json:"id"`
			State       string `json:"state"`
			TxHash      string `json:"txHash"`
			ErrorReason string `json:"errorReason"`
		} `json:"transaction"`
	} `json:"data"`
}

type entityPublicKeyResponse struct {
	Data struct {
		PublicKey string `json:"publicKey"`
	} `json:"data"`
}

func NewCustodyClient(cfg config.CustodyConfig) (*CustodyClient, error) {
	var secret []byte
	if cfg.EntitySecret != "" {
		decoded, err := hex.DecodeString(strings.TrimPrefix(cfg.EntitySecret, "0x"))
		if err != nil {
			return nil, fmt.Errorf("custody.entitySecret must be hex: %w", err)
		}
		secret = decoded
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}

	return &CustodyClient{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		entitySecret: secret,
		httpClient: &http.Client{
			Timeout: timeoutOrDefault(cfg.Timeout, 30*time.Second),
		},
		limiter: rate.NewLimiter(limit, 1),
	}, nil
}

func (c *CustodyClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.apiKey}
}

func (c *CustodyClient) call(ctx context.Context, method, path string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return retry.Transient(fmt.Errorf("custody rate limiter: %w", err))
	}
	return doJSON(ctx, c.httpClient, method, c.baseURL+path, c.headers(), body, out)
}

// SubmitContractCall asks the service to sign and broadcast call. The
// idempotency key makes a resubmission of the same attempt a no-op upstream.
func (c *CustodyClient) SubmitContractCall(ctx context.Context, call ContractCall) (*Execution, error) {
	ciphertext, err := c.entitySecretCiphertext(ctx)
	if err != nil {
		return nil, err
	}

	req := contractExecutionRequest{
		IdempotencyKey:         call.IdempotencyKey,
		WalletID:               call.WalletID,
		ContractAddress:        call.ContractAddress,
		CallData:               "0x" + hex.EncodeToString(call.CallData),
		FeeLevel:               call.FeeLevel,
		EntitySecretCiphertext: ciphertext,
	}
	if call.ValueWei != nil && call.ValueWei.Sign() > 0 {
		req.Amount = decimal.NewFromBigInt(call.ValueWei, -18).String()
	}

	var resp contractExecutionResponse
	if err := c.call(ctx, http.MethodPost, "/v1/w3s/developer/transactions/contractExecution", req, &resp); err != nil {
		return nil, fmt.Errorf("contract execution submit failed: %w", err)
	}
	if resp.Data.ID == "" {
		return nil, retry.Transient(errors.New("contract execution submit returned no id"))
	}
	return &Execution{ID: resp.Data.ID, State: resp.Data.State}, nil
}

// GetExecutionStatus returns the current state of a submitted execution.
func (c *CustodyClient) GetExecutionStatus(ctx context.Context, executionID string) (*Execution, error) {
	var resp transactionResponse
	if err := c.call(ctx, http.MethodGet, "/v1/w3s/transactions/"+url.PathEscape(executionID), nil, &resp); err != nil {
		return nil, fmt.Errorf("execution status %s: %w", executionID, err)
	}
	tx := resp.Data.Transaction
	return &Execution{
		ID:          tx.ID,
		State:       tx.State,
		ChainTxHash: tx.TxHash,
		ErrorReason: tx.ErrorReason,
	}, nil
}

// entitySecretCiphertext encrypts the entity secret with RSA-OAEP/SHA-256.
// The service rejects reused ciphertexts, so every call encrypts again.
func (c *CustodyClient) entitySecretCiphertext(ctx context.Context) (string, error) {
	if len(c.entitySecret) == 0 {
		return "", retry.Terminal(errors.New("custody entity secret is not configured"))
	}
	key, err := c.entityPublicKey(ctx)
	if err != nil {
		return "", err
	}
	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, key, c.entitySecret, nil)
	if err != nil {
		return "", retry.Terminal(fmt.Errorf("failed to encrypt entity secret: %w", err))
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (c *CustodyClient) entityPublicKey(ctx context.Context) (*rsa.PublicKey, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entityKey != nil {
		return c.entityKey, nil
	}

	var resp entityPublicKeyResponse
	if err := c.call(ctx, http.MethodGet, "/v1/w3s/config/entity/publicKey", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch entity public key: %w", err)
	}
	key, err := parseRSAPublicKey(resp.Data.PublicKey)
	if err != nil {
		return nil, retry.Terminal(err)
	}
	c.entityKey = key
	return key, nil
}

func parseRSAPublicKey(pemText string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil {
		return nil, errors.New("entity public key is not PEM")
	}
	if key, err := x509.ParsePKCS1PublicKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entity public key: %w", err)
	}
	key, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("entity public key is %T, want RSA", parsed)
	}
	return key, nil
}
