package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"payswap-backend/internal/chain"
	"payswap-backend/internal/clients"
	"payswap-backend/internal/config"
	"payswap-backend/internal/db"
	"payswap-backend/internal/models"
	"payswap-backend/internal/repository"
	"payswap-backend/internal/webhook"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const (
	testChain   = "ETH-SEPOLIA"
	ethTokenID  = "979869da-9115-5f7d-917d-12d434e56ae7"
	usdcTokenID = "5797fbd6-3795-519d-84ca-ec4c5f80c3b1"
	aliceWallet = "0x00000000000000000000000000000000000000C1"
)

var startTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type staticFetcher struct{ der []byte }

func (f staticFetcher) GetPublicKey(ctx context.Context, keyID string) ([]byte, error) {
	return f.der, nil
}

type fakeCustody struct {
	mu          sync.Mutex
	submits     []clients.ContractCall
	submitErrs  []error
	statuses    []*clients.Execution
	statusCalls int
	onSubmit    func()
}

func (f *fakeCustody) SubmitContractCall(ctx context.Context, call clients.ContractCall) (*clients.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits = append(f.submits, call)
	if f.onSubmit != nil {
		f.onSubmit()
	}
	if len(f.submitErrs) > 0 {
		err := f.submitErrs[0]
		f.submitErrs = f.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &clients.Execution{ID: fmt.Sprintf("exec-%d", len(f.submits)), State: clients.ExecutionStateInitiated}, nil
}

func (f *fakeCustody) GetExecutionStatus(ctx context.Context, executionID string) (*clients.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if len(f.statuses) == 0 {
		return &clients.Execution{ID: executionID, State: clients.ExecutionStateComplete, ChainTxHash: "0xswap-" + executionID}, nil
	}
	next := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	copied := *next
	copied.ID = executionID
	return &copied, nil
}

func (f *fakeCustody) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submits)
}

func (f *fakeCustody) lastSubmit() clients.ContractCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits[len(f.submits)-1]
}

type fakeOutcomes struct{ amount *big.Int }

func (f fakeOutcomes) AmountReceived(ctx context.Context, chainName, txHash string, token, recipient common.Address) (*big.Int, error) {
	if f.amount == nil {
		return nil, errors.New("no receipt")
	}
	return f.amount, nil
}

// blockingOutcomes never answers until its context ends.
type blockingOutcomes struct{}

func (blockingOutcomes) AmountReceived(ctx context.Context, chainName, txHash string, token, recipient common.Address) (*big.Int, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

type fakeBlobs struct {
	mu      sync.Mutex
	enabled bool
	fail    bool
	docs    [][]byte
}

func (f *fakeBlobs) Enabled() bool { return f.enabled }

func (f *fakeBlobs) Put(ctx context.Context, document []byte, epochs int) (*clients.BlobRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return nil, errors.New("blob store unreachable")
	}
	f.docs = append(f.docs, document)
	sum := sha256.Sum256(document)
	return &clients.BlobRef{BlobID: fmt.Sprintf("blob-%d", len(f.docs)), ContentHash: fmt.Sprintf("%x", sum)}, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(ctx context.Context, subject string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *recordingNotifier) NotifyHandle(handle, event string, data interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, handle+":"+event)
}

type harness struct {
	t          *testing.T
	conn       *gorm.DB
	clock      *fakeClock
	signer     *ecdsa.PrivateKey
	cfg        *config.Config
	payments   repository.PaymentRepository
	receipts   repository.ReceiptRepository
	jobs       repository.SwapJobRepository
	identities repository.IdentityRepository
	custody    *fakeCustody
	blobs      *fakeBlobs
	publisher  *recordingPublisher
	notifier   *recordingNotifier
	ledger     *PaymentLedger
	writer     *ReceiptWriter
	scheduler  *AutoSwapScheduler
	pool       *AutoSwapWorkerPool
	ingestor   *Ingestor
	lookup     *LookupService
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Database.DSN = "memory"
	cfg.Chains.Supported = []string{testChain}
	cfg.AutoSwap = config.AutoSwapConfig{
		Enabled:              true,
		Workers:              1,
		BatchSize:            10,
		Concurrency:          2,
		LeaseDuration:        300,
		MaxAttempts:          3,
		BackoffBase:          30,
		BackoffCap:           900,
		ConfirmAttempts:      3,
		ConfirmInterval:      1,
		Deadline:             600,
		MaxNotionalWei:       "250000000000000000",
		MinSlippageBps:       5,
		MaxSlippageBps:       300,
		RouterAddress:        "0x0000000000000000000000000000000000000001",
		TargetToken:          "0x0000000000000000000000000000000000000002",
		WrappedNative:        "0x0000000000000000000000000000000000000003",
		TargetTokenDecimals:  6,
		QuoteRate:            "2000",
		Eligible:             []config.SwapPair{{Chain: testChain, Asset: "ETH"}},
		ReceiptMirrorBatch:   10,
		ReceiptMirrorEnabled: true,
	}
	return cfg
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := conn.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	signer, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&signer.PublicKey)
	require.NoError(t, err)

	log := quietLogger()
	cfg := testConfig()
	clock := &fakeClock{t: startTime}

	h := &harness{
		t:          t,
		conn:       conn,
		clock:      clock,
		signer:     signer,
		cfg:        cfg,
		payments:   repository.NewPaymentRepository(conn),
		receipts:   repository.NewReceiptRepository(conn),
		jobs:       repository.NewSwapJobRepository(conn),
		identities: repository.NewIdentityRepository(conn),
		custody:    &fakeCustody{},
		blobs:      &fakeBlobs{enabled: true},
		publisher:  &recordingPublisher{},
		notifier:   &recordingNotifier{},
	}

	h.ledger = NewPaymentLedger(h.payments, h.identities, cfg.IsChainSupported, h.publisher, h.notifier, log)
	h.ledger.now = clock.Now
	h.writer = NewReceiptWriter(h.receipts, h.payments, h.blobs, map[string]string{testChain: "https://sepolia.etherscan.io/tx/"}, log)
	h.writer.now = clock.Now
	h.scheduler = NewAutoSwapScheduler(h.jobs, cfg.AutoSwap, log)
	h.scheduler.now = clock.Now

	quoter, err := chain.NewFixedRateQuoter(cfg.AutoSwap.QuoteRate, 18, cfg.AutoSwap.TargetTokenDecimals)
	require.NoError(t, err)
	h.pool, err = NewAutoSwapWorkerPool(AutoSwapDeps{
		Jobs:       h.jobs,
		Payments:   h.payments,
		Identities: h.identities,
		Custody:    h.custody,
		Quoter:     quoter,
		Outcomes:   fakeOutcomes{amount: big.NewInt(199950000)},
		Receipts:   h.writer,
		Publisher:  h.publisher,
		Notifier:   h.notifier,
	}, cfg.AutoSwap, "MEDIUM", log)
	require.NoError(t, err)
	h.pool.now = clock.Now
	h.pool.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	verifier := webhook.NewVerifier(staticFetcher{der: der}, webhook.NewKeyCache(), log)
	h.ingestor = NewIngestor(verifier, webhook.NewNormalizer(nil, nil), h.ledger, h.writer, h.scheduler, log)
	h.lookup = NewLookupService(h.identities, h.payments, h.receipts, func(id string) string { return "https://agg/v1/blobs/" + id })
	return h
}

func (h *harness) addIdentity(handle, wallet string, enabled bool, slippage int) *models.Identity {
	h.t.Helper()
	identity := &models.Identity{
		ID:                  uuid.NewString(),
		Handle:              handle,
		DisplayName:         handle + " display",
		WalletID:            "wallet-" + handle,
		WalletAddress:       wallet,
		Chain:               testChain,
		AutoswapEnabled:     enabled,
		AutoswapSlippageBps: slippage,
	}
	require.NoError(h.t, h.conn.Create(identity).Error)
	return identity
}

func depositBody(externalID, amount, dest, chainName, tokenID string) []byte {
	return []byte(fmt.Sprintf(`{"subscriptionId":"sub","notificationId":"n-%s","notificationType":"transactions.inbound","notification":{"id":%q,"blockchain":%q,"tokenId":%q,"walletId":"w","sourceAddress":"0x00000000000000000000000000000000000000f0","destinationAddress":%q,"transactionType":"INBOUND","state":"COMPLETE","amounts":[%q],"txHash":"0xchain-%s","updateDate":"2026-03-01T12:00:00Z"},"timestamp":"2026-03-01T12:00:01Z","version":2}`,
		externalID, externalID, chainName, tokenID, dest, amount, externalID))
}

func (h *harness) sign(body []byte) string {
	h.t.Helper()
	digest := sha256.Sum256(body)
	sig, err := ecdsa.SignASN1(rand.Reader, h.signer, digest[:])
	require.NoError(h.t, err)
	return base64.StdEncoding.EncodeToString(sig)
}

func (h *harness) ingest(body []byte) IngestResult {
	h.t.Helper()
	res, err := h.ingestor.Ingest(context.Background(), body, h.sign(body), "key-1")
	require.NoError(h.t, err)
	return res
}

func (h *harness) count(model interface{}) int64 {
	h.t.Helper()
	var n int64
	require.NoError(h.t, h.conn.Model(model).Count(&n).Error)
	return n
}
