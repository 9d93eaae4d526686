package services

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"payswap-backend/internal/chain"
	"payswap-backend/internal/clients"
	"payswap-backend/internal/models"
	"payswap-backend/internal/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// queuedPayment ingests a deposit for an autoswap-enabled identity and
// returns the payment id of the queued job.
func queuedPayment(t *testing.T, h *harness, externalID, amount string, slippage int) string {
	t.Helper()
	wallet := walletFor(externalID)
	h.addIdentity("user-"+externalID, wallet, true, slippage)
	res := h.ingest(depositBody(externalID, amount, wallet, testChain, ethTokenID))
	require.True(t, res.Accepted)
	job, err := h.jobs.GetByPaymentID(context.Background(), res.PaymentID)
	require.NoError(t, err)
	require.Equal(t, models.SwapJobStatusQueued, job.Status)
	return res.PaymentID
}

func walletFor(seed string) string {
	sum := sha256.Sum256([]byte(seed))
	return fmt.Sprintf("0x%x", sum[:20])
}

func TestScheduler_EligibilityOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	minWei := "200000000000000000"

	payment := &models.Payment{ID: "p-1", Chain: testChain, Asset: models.AssetUSDC, Amount: "1"}
	res, err := h.scheduler.MaybeEnqueue(ctx, payment, models.AutoswapPolicy{Enabled: false})
	require.NoError(t, err)
	assert.Equal(t, SkipUnsupported, res.Reason, "pair check runs before the policy switch")

	payment.Asset = models.AssetETH
	res, err = h.scheduler.MaybeEnqueue(ctx, payment, models.AutoswapPolicy{Enabled: false})
	require.NoError(t, err)
	assert.Equal(t, SkipDisabled, res.Reason)

	payment.Amount = "0.1"
	res, err = h.scheduler.MaybeEnqueue(ctx, payment, models.AutoswapPolicy{Enabled: true, MinAmountWei: &minWei})
	require.NoError(t, err)
	assert.Equal(t, SkipBelowMinimum, res.Reason)

	payment.Amount = "0.2"
	res, err = h.scheduler.MaybeEnqueue(ctx, payment, models.AutoswapPolicy{Enabled: true, MinAmountWei: &minWei})
	require.NoError(t, err)
	require.True(t, res.Enqueued)
	assert.Equal(t, 0, res.Job.Attempts)
	assert.Equal(t, 3, res.Job.MaxAttempts)
	assert.True(t, res.Job.NextRunAt.Equal(startTime))

	res, err = h.scheduler.MaybeEnqueue(ctx, payment, models.AutoswapPolicy{Enabled: true})
	require.NoError(t, err)
	assert.False(t, res.Enqueued)
	assert.Equal(t, SkipAlreadyQueued, res.Reason)
}

func TestScheduler_GlobalSwitchDisables(t *testing.T) {
	h := newHarness(t)
	h.scheduler.enabled = false
	res, err := h.scheduler.MaybeEnqueue(context.Background(), &models.Payment{ID: "p", Chain: testChain, Asset: models.AssetETH, Amount: "0.1"}, models.AutoswapPolicy{Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, SkipDisabled, res.Reason)
}

func TestWorker_SuccessSettlesPaymentAndReceipt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paymentID := queuedPayment(t, h, "tx-ok", "0.10", 50)
	h.custody.statuses = []*clients.Execution{
		{State: clients.ExecutionStateSent},
		{State: clients.ExecutionStateComplete, ChainTxHash: "0xswapped"},
	}

	claimed, err := h.pool.RunOnce(ctx, "worker-1")
	require.NoError(t, err)
	assert.Equal(t, 1, claimed)

	job, err := h.jobs.GetByPaymentID(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapJobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)

	payment, err := h.payments.GetByID(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapStatusSwapped, payment.SwapStatus)
	require.NotNil(t, payment.SwapTxHash)
	assert.Equal(t, "0xswapped", *payment.SwapTxHash)
	require.NotNil(t, payment.AmountOutTarget)
	assert.Equal(t, "199.95", *payment.AmountOutTarget)
	require.NotNil(t, payment.RouterUsed)
	assert.Equal(t, chain.RouterName, *payment.RouterUsed)

	receipt, err := h.receipts.FindByPaymentID(ctx, paymentID)
	require.NoError(t, err)
	var details models.SwapDetails
	require.NoError(t, json.Unmarshal(receipt.SwapDetails, &details))
	assert.Equal(t, models.SwapStatusSwapped, details.Status)
	assert.Equal(t, "0xswapped", details.TxHash)

	call := h.custody.lastSubmit()
	assert.Equal(t, "wallet-user-tx-ok", call.WalletID)
	assert.Equal(t, "100000000000000000", call.ValueWei.String())
	assert.Equal(t, IdempotencyKey(&models.SwapJob{ID: job.ID, Attempts: 0}), call.IdempotencyKey)

	decoded, err := chain.DecodeSwapExactETHForTokens(call.CallData)
	require.NoError(t, err)
	assert.Equal(t, startTime.Add(10*time.Minute).Unix(), decoded.Deadline)
	assert.Equal(t, "199000000", decoded.AmountOutMin.String()) // 200 USDC less 50 bps

	assert.Contains(t, h.publisher.published(), clients.SubjectSwapCompleted)
}

func TestWorker_SlippageIsClamped(t *testing.T) {
	cases := []struct {
		policy int
		minOut string
	}{
		{1, "199900000"},   // clamped to 5 bps
		{400, "194000000"}, // clamped to 300 bps
		{120, "197600000"},
	}
	for _, tc := range cases {
		h := newHarness(t)
		queuedPayment(t, h, "tx-slip", "0.10", tc.policy)

		_, err := h.pool.RunOnce(context.Background(), "w")
		require.NoError(t, err)
		require.Equal(t, 1, h.custody.submitCount())

		decoded, err := chain.DecodeSwapExactETHForTokens(h.custody.lastSubmit().CallData)
		require.NoError(t, err)
		assert.Equal(t, tc.minOut, decoded.AmountOutMin.String(), "policy %d bps", tc.policy)
	}
	assert.Equal(t, 5, ClampSlippage(1, 5, 300))
	assert.Equal(t, 300, ClampSlippage(400, 5, 300))
}

func TestWorker_AmountAboveCapFailsWithoutSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paymentID := queuedPayment(t, h, "tx-big", "0.26", 50)

	_, err := h.pool.RunOnce(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, 0, h.custody.submitCount())

	job, err := h.jobs.GetByPaymentID(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapJobStatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempts)

	payment, err := h.payments.GetByID(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapStatusSwapFailed, payment.SwapStatus)
	require.NotNil(t, payment.SwapError)
	assert.Contains(t, *payment.SwapError, ErrPolicyViolation.Error())

	h.clock.Advance(24 * time.Hour)
	claimed, err := h.pool.RunOnce(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, 0, claimed)
}

func TestWorker_RetriesThenSucceeds(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paymentID := queuedPayment(t, h, "tx-retry", "0.10", 50)
	h.custody.submitErrs = []error{errors.New("custody unavailable"), errors.New("custody unavailable"), nil}

	var lastRun time.Time
	for attempt := 1; attempt <= 2; attempt++ {
		claimed, err := h.pool.RunOnce(ctx, "w")
		require.NoError(t, err)
		require.Equal(t, 1, claimed)

		job, err := h.jobs.GetByPaymentID(ctx, paymentID)
		require.NoError(t, err)
		assert.Equal(t, models.SwapJobStatusQueued, job.Status)
		assert.Equal(t, attempt, job.Attempts)
		assert.True(t, job.NextRunAt.After(lastRun))
		lastRun = job.NextRunAt

		payment, err := h.payments.GetByID(ctx, paymentID)
		require.NoError(t, err)
		assert.Equal(t, models.SwapStatusQueued, payment.SwapStatus)

		none, err := h.pool.RunOnce(ctx, "w")
		require.NoError(t, err)
		assert.Equal(t, 0, none, "not due before backoff elapses")

		h.clock.Advance(job.NextRunAt.Sub(h.clock.Now()))
	}

	claimed, err := h.pool.RunOnce(ctx, "w")
	require.NoError(t, err)
	require.Equal(t, 1, claimed)

	job, err := h.jobs.GetByPaymentID(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapJobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Attempts)

	payment, err := h.payments.GetByID(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapStatusSwapped, payment.SwapStatus)
	assert.Equal(t, 3, h.custody.submitCount())
}

func TestWorker_ExhaustsAttempts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paymentID := queuedPayment(t, h, "tx-fail", "0.10", 50)
	h.custody.statuses = []*clients.Execution{{State: clients.ExecutionStateFailed, ErrorReason: "INSUFFICIENT_OUTPUT_AMOUNT"}}

	var runs []time.Time
	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := h.pool.RunOnce(ctx, "w")
		require.NoError(t, err)
		require.Equal(t, 1, claimed)

		job, err := h.jobs.GetByPaymentID(ctx, paymentID)
		require.NoError(t, err)
		assert.Equal(t, attempt, job.Attempts)
		if attempt < 3 {
			require.Equal(t, models.SwapJobStatusQueued, job.Status)
			runs = append(runs, job.NextRunAt)
			h.clock.Advance(job.NextRunAt.Sub(h.clock.Now()))
		} else {
			assert.Equal(t, models.SwapJobStatusFailed, job.Status)
		}
	}
	require.Len(t, runs, 2)
	assert.True(t, runs[1].After(runs[0]))
	assert.Equal(t, 60*time.Second, runs[0].Sub(startTime))

	payment, err := h.payments.GetByID(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapStatusSwapFailed, payment.SwapStatus)
	require.NotNil(t, payment.SwapError)
	assert.Contains(t, *payment.SwapError, "INSUFFICIENT_OUTPUT_AMOUNT")

	h.clock.Advance(time.Hour)
	claimed, err := h.pool.RunOnce(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, 0, claimed)
	assert.Contains(t, h.publisher.published(), clients.SubjectSwapFailed)
}

func TestWorker_ConfirmationTimeoutCountsAsAttempt(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paymentID := queuedPayment(t, h, "tx-slow", "0.10", 50)
	h.custody.statuses = []*clients.Execution{{State: clients.ExecutionStateSent}}

	_, err := h.pool.RunOnce(ctx, "w")
	require.NoError(t, err)

	job, err := h.jobs.GetByPaymentID(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapJobStatusQueued, job.Status)
	require.NotNil(t, job.Error)
	assert.Contains(t, *job.Error, ErrSwapTimeout.Error())
	assert.Equal(t, 3, h.custody.statusCalls)
}

func TestWorker_TerminalSubmissionErrorFailsImmediately(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paymentID := queuedPayment(t, h, "tx-denied", "0.10", 50)
	h.custody.submitErrs = []error{retry.Terminal(errors.New("wallet not found"))}

	_, err := h.pool.RunOnce(ctx, "w")
	require.NoError(t, err)

	job, err := h.jobs.GetByPaymentID(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapJobStatusFailed, job.Status)
}

func TestWorker_DisabledAfterEnqueueIsPolicyViolation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paymentID := queuedPayment(t, h, "tx-off", "0.10", 50)
	require.NoError(t, h.conn.Model(&models.Identity{}).Where("handle = ?", "user-tx-off").Update("autoswap_enabled", false).Error)

	_, err := h.pool.RunOnce(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, 0, h.custody.submitCount())

	job, err := h.jobs.GetByPaymentID(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapJobStatusFailed, job.Status)
}

func TestWorker_StartStop(t *testing.T) {
	h := newHarness(t)
	paymentID := queuedPayment(t, h, "tx-loop", "0.10", 50)

	h.pool.Start(context.Background())
	require.Eventually(t, func() bool {
		job, err := h.jobs.GetByPaymentID(context.Background(), paymentID)
		return err == nil && job.Status == models.SwapJobStatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
	h.pool.Stop()
	h.pool.Stop()
}

func TestIdempotencyKeyVariesByAttempt(t *testing.T) {
	a := IdempotencyKey(&models.SwapJob{ID: "job", Attempts: 0})
	b := IdempotencyKey(&models.SwapJob{ID: "job", Attempts: 0})
	c := IdempotencyKey(&models.SwapJob{ID: "job", Attempts: 1})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestWorker_ZeroQuoteFailsWithoutSubmission(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paymentID := queuedPayment(t, h, "tx-noquote", "0.10", 50)
	zero, err := chain.NewFixedRateQuoter("0", 18, 6)
	require.NoError(t, err)
	h.pool.deps.Quoter = zero

	_, err = h.pool.RunOnce(ctx, "w")
	require.NoError(t, err)
	assert.Equal(t, 0, h.custody.submitCount(), "amountOutMin of zero must never reach the router")

	job, err := h.jobs.GetByPaymentID(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapJobStatusFailed, job.Status)

	payment, err := h.payments.GetByID(ctx, paymentID)
	require.NoError(t, err)
	require.NotNil(t, payment.SwapError)
	assert.Contains(t, *payment.SwapError, ErrPolicyViolation.Error())
}

func TestWorker_ReclaimedJobResumesRecordedExecution(t *testing.T) {
	h := newHarness(t)
	paymentID := queuedPayment(t, h, "tx-resume", "0.10", 50)

	// Shutdown lands right after the custodian accepted the call.
	ctx, cancel := context.WithCancel(context.Background())
	h.custody.onSubmit = cancel
	claimed, err := h.pool.RunOnce(ctx, "w1")
	require.NoError(t, err)
	require.Equal(t, 1, claimed)
	require.Equal(t, 1, h.custody.submitCount())

	job, err := h.jobs.GetByPaymentID(context.Background(), paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapJobStatusLocked, job.Status)
	require.NotNil(t, job.ExecutionID)
	assert.Equal(t, "exec-1", *job.ExecutionID)

	h.custody.onSubmit = nil
	h.clock.Advance(h.cfg.AutoSwap.Lease() + time.Second)
	claimed, err = h.pool.RunOnce(context.Background(), "w2")
	require.NoError(t, err)
	require.Equal(t, 1, claimed)
	assert.Equal(t, 1, h.custody.submitCount(), "the reclaimed attempt must not submit again")

	job, err = h.jobs.GetByPaymentID(context.Background(), paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapJobStatusCompleted, job.Status)
	assert.Equal(t, 0, job.Attempts)

	payment, err := h.payments.GetByID(context.Background(), paymentID)
	require.NoError(t, err)
	require.NotNil(t, payment.SwapTxHash)
	assert.Equal(t, "0xswap-exec-1", *payment.SwapTxHash)
}

func TestWorker_SlowOutcomeReadIsBounded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	paymentID := queuedPayment(t, h, "tx-slowrpc", "0.10", 50)
	h.pool.deps.Outcomes = blockingOutcomes{}
	h.pool.readTimeout = 50 * time.Millisecond

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.pool.RunOnce(ctx, "w")
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker stayed blocked on the chain read")
	}

	payment, err := h.payments.GetByID(ctx, paymentID)
	require.NoError(t, err)
	assert.Equal(t, models.SwapStatusSwapped, payment.SwapStatus)
	assert.Nil(t, payment.AmountOutTarget)
}
