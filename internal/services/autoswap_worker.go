package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"sync"
	"time"

	"payswap-backend/internal/chain"
	"payswap-backend/internal/clients"
	"payswap-backend/internal/config"
	"payswap-backend/internal/metrics"
	"payswap-backend/internal/models"
	"payswap-backend/internal/repository"
	"payswap-backend/internal/retry"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"
)

// writeTimeout bounds settlement writes, which run on a context detached
// from shutdown so a finished swap is always recorded.
const writeTimeout = 15 * time.Second

// outcomeReadTimeout bounds the on-chain read of the delivered amount.
const outcomeReadTimeout = 20 * time.Second

// AutoSwapDeps groups the collaborators of the worker pool.
type AutoSwapDeps struct {
	Jobs       repository.SwapJobRepository
	Payments   repository.PaymentRepository
	Identities repository.IdentityRepository
	Custody    CustodyExecutor
	Quoter     chain.Quoter
	Outcomes   SwapOutcomeReader // optional
	Receipts   *ReceiptWriter    // optional, drives RetryMirror
	Publisher  clients.EventPublisher
	Notifier   UpdateNotifier
}

// AutoSwapWorkerPool claims due swap jobs, executes them through the
// custodial signer and settles the result.
type AutoSwapWorkerPool struct {
	deps     AutoSwapDeps
	cfg      config.AutoSwapConfig
	feeLevel string

	router        common.Address
	targetToken   common.Address
	wrappedNative common.Address
	maxNotional   *big.Int

	log         *logrus.Entry
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
	readTimeout time.Duration

	stopChan chan struct{}
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewAutoSwapWorkerPool(deps AutoSwapDeps, cfg config.AutoSwapConfig, feeLevel string, log *logrus.Logger) (*AutoSwapWorkerPool, error) {
	router, err := chain.ParseAddress(cfg.RouterAddress)
	if err != nil {
		return nil, fmt.Errorf("autoswap.routerAddress: %w", err)
	}
	target, err := chain.ParseAddress(cfg.TargetToken)
	if err != nil {
		return nil, fmt.Errorf("autoswap.targetToken: %w", err)
	}
	wrapped, err := chain.ParseAddress(cfg.WrappedNative)
	if err != nil {
		return nil, fmt.Errorf("autoswap.wrappedNative: %w", err)
	}
	maxNotional, ok := new(big.Int).SetString(cfg.MaxNotionalWei, 10)
	if !ok || maxNotional.Sign() <= 0 {
		return nil, fmt.Errorf("autoswap.maxNotionalWei %q must be a positive integer", cfg.MaxNotionalWei)
	}
	if deps.Publisher == nil {
		deps.Publisher = clients.NoopPublisher{}
	}
	if deps.Notifier == nil {
		deps.Notifier = noopNotifier{}
	}
	if feeLevel == "" {
		feeLevel = "MEDIUM"
	}

	return &AutoSwapWorkerPool{
		deps:          deps,
		cfg:           cfg,
		feeLevel:      feeLevel,
		router:        router,
		targetToken:   target,
		wrappedNative: wrapped,
		maxNotional:   maxNotional,
		log:           log.WithField("component", "autoswap_worker"),
		now:           func() time.Time { return time.Now().UTC() },
		sleep:         sleepContext,
		readTimeout:   outcomeReadTimeout,
		stopChan:      make(chan struct{}),
	}, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// ClampSlippage forces bps into [min, max].
func ClampSlippage(bps, min, max int) int {
	if bps < min {
		return min
	}
	if bps > max {
		return max
	}
	return bps
}

// WorkerID builds a stable-per-process owner token for claimed jobs.
func WorkerID(index int) string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%s-%d", host, uuid.NewString()[:8], index)
}

// Start launches cfg.Workers polling loops. Stop cancels in-flight work
// and waits for the loops to exit.
func (p *AutoSwapWorkerPool) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	p.log.WithFields(logrus.Fields{
		"workers":  workers,
		"interval": p.cfg.Interval().String(),
		"batch":    p.cfg.BatchSize,
	}).Info("🚀 [AutoSwap] Starting worker pool")

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.loop(ctx, WorkerID(i), i == 0)
	}
}

func (p *AutoSwapWorkerPool) Stop() {
	p.stopOnce.Do(func() {
		p.log.Info("🛑 [AutoSwap] Stopping worker pool...")
		close(p.stopChan)
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		p.log.Info("✅ [AutoSwap] Worker pool stopped")
	})
}

func (p *AutoSwapWorkerPool) loop(ctx context.Context, workerID string, primary bool) {
	defer p.wg.Done()

	interval := p.cfg.Interval()
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		p.tick(ctx, workerID, primary)
		select {
		case <-p.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (p *AutoSwapWorkerPool) tick(ctx context.Context, workerID string, primary bool) {
	if _, err := p.RunOnce(ctx, workerID); err != nil && ctx.Err() == nil {
		p.log.WithError(err).WithField("worker", workerID).Error("❌ [AutoSwap] Poll failed")
	}
	if primary && p.cfg.ReceiptMirrorEnabled && p.deps.Receipts != nil {
		if n, err := p.deps.Receipts.RetryMirror(ctx, p.cfg.ReceiptMirrorBatch); err != nil {
			p.log.WithError(err).Warn("⚠️ [AutoSwap] Receipt re-mirror failed")
		} else if n > 0 {
			p.log.WithField("count", n).Info("📦 [AutoSwap] Re-mirrored receipts")
		}
	}
}

// RunOnce claims one batch for workerID and processes it with bounded
// parallelism. It returns the number of jobs claimed.
func (p *AutoSwapWorkerPool) RunOnce(ctx context.Context, workerID string) (int, error) {
	batch := p.cfg.BatchSize
	if batch <= 0 {
		batch = 10
	}
	jobs, claimErr := p.deps.Jobs.ClaimBatch(ctx, workerID, p.now(), p.cfg.Lease(), batch)
	if len(jobs) == 0 {
		return 0, claimErr
	}
	metrics.SwapJobsClaimed.WithLabelValues(workerID).Add(float64(len(jobs)))
	p.log.WithFields(logrus.Fields{"worker": workerID, "count": len(jobs)}).Info("🔒 [AutoSwap] Claimed swap jobs")

	concurrency := p.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, job := range jobs {
		job := job
		g.Go(func() error {
			p.processJob(ctx, workerID, job)
			return nil
		})
	}
	_ = g.Wait()
	return len(jobs), claimErr
}

type swapOutcome struct {
	settlement repository.SwapSettlement
	details    models.SwapDetails
}

func (p *AutoSwapWorkerPool) processJob(ctx context.Context, workerID string, job *models.SwapJob) {
	logger := p.log.WithFields(logrus.Fields{
		"job_id":     job.ID,
		"payment_id": job.PaymentID,
		"worker":     workerID,
		"attempt":    job.Attempts + 1,
	})
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	payment, identity, loadErr := p.load(ctx, job)
	if loadErr == nil {
		if err := p.deps.Payments.UpdateSwapStatus(writeCtx, payment.ID, models.SwapStatusSwapping); err != nil {
			logger.WithError(err).Warn("⚠️ [AutoSwap] Failed to flag payment as swapping")
		}
	}

	start := time.Now()
	var outcome *swapOutcome
	execErr := loadErr
	if execErr == nil {
		outcome, execErr = p.execute(ctx, workerID, job, payment, identity)
	}
	metrics.SwapExecutionDuration.Observe(time.Since(start).Seconds())

	if execErr != nil && ctx.Err() != nil {
		// Shutting down: leave the lease to expire so the job is reclaimed
		// with the same attempt count and idempotency key.
		logger.WithError(execErr).Warn("⏸️ [AutoSwap] Interrupted, job left for lease reclamation")
		metrics.SwapJobOutcomes.WithLabelValues("interrupted").Inc()
		return
	}

	handle := ""
	if identity != nil {
		handle = identity.Handle
	}
	if execErr == nil {
		p.complete(writeCtx, logger, workerID, job, handle, outcome)
		return
	}
	p.fail(writeCtx, logger, workerID, job, handle, execErr)
}

func (p *AutoSwapWorkerPool) load(ctx context.Context, job *models.SwapJob) (*models.Payment, *models.Identity, error) {
	payment, err := p.deps.Payments.GetByID(ctx, job.PaymentID)
	if err != nil {
		if repository.IsNotFound(err) {
			return nil, nil, retry.Terminal(fmt.Errorf("payment %s not found", job.PaymentID))
		}
		return nil, nil, fmt.Errorf("failed to load payment: %w", err)
	}
	identity, err := p.deps.Identities.GetByID(ctx, payment.HandleID)
	if err != nil {
		if repository.IsNotFound(err) {
			return payment, nil, retry.Terminal(fmt.Errorf("%w: identity %s", ErrRecipientNotFound, payment.HandleID))
		}
		return payment, nil, fmt.Errorf("failed to load identity: %w", err)
	}
	return payment, identity, nil
}

func policyViolation(format string, args ...interface{}) error {
	return retry.Terminal(fmt.Errorf("%w: %s", ErrPolicyViolation, fmt.Sprintf(format, args...)))
}

// IdempotencyKey is derived from the job and its attempt number. A
// reclaimed attempt that already submitted resumes its recorded execution
// instead of submitting again under this key.
func IdempotencyKey(job *models.SwapJob) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(job.ID+":"+strconv.Itoa(job.Attempts))).String()
}

// execute submits the swap, or resumes the execution a previous owner of
// this attempt recorded, and waits for a terminal execution state.
func (p *AutoSwapWorkerPool) execute(ctx context.Context, workerID string, job *models.SwapJob, payment *models.Payment, identity *models.Identity) (*swapOutcome, error) {
	recipient, err := chain.ParseAddress(identity.WalletAddress)
	if err != nil {
		return nil, retry.Terminal(err)
	}

	var exec *clients.Execution
	if job.ExecutionID != nil && *job.ExecutionID != "" {
		exec, err = p.resume(ctx, job)
	} else {
		exec, err = p.submit(ctx, workerID, job, payment, identity, recipient)
	}
	if err != nil {
		return nil, err
	}

	final, err := p.confirm(ctx, exec)
	if err != nil {
		return nil, err
	}

	now := p.now()
	outcome := &swapOutcome{
		settlement: repository.SwapSettlement{
			TxHash: final.ChainTxHash,
			Router: chain.RouterName,
		},
		details: models.SwapDetails{
			Status:      models.SwapStatusSwapped,
			TxHash:      final.ChainTxHash,
			Router:      chain.RouterName,
			TargetToken: p.targetToken.Hex(),
			SettledAt:   now,
		},
	}
	if out := p.amountOut(ctx, payment.Chain, final.ChainTxHash, recipient); out != "" {
		outcome.settlement.AmountOutTarget = &out
		outcome.details.AmountOutTarget = out
	}
	return outcome, nil
}

// submit enforces the hard bounds and hands the swap to the custodian.
// Nothing is submitted when a bound fails.
func (p *AutoSwapWorkerPool) submit(ctx context.Context, workerID string, job *models.SwapJob, payment *models.Payment, identity *models.Identity, recipient common.Address) (*clients.Execution, error) {
	policy := identity.Policy()
	if !policy.Enabled {
		return nil, policyViolation("autoswap disabled by owner")
	}
	if payment.Asset != models.AssetETH {
		return nil, policyViolation("asset %s cannot be swapped from native value", payment.Asset)
	}
	decimals, _ := payment.Asset.Decimals()
	amountIn, err := chain.ToBaseUnits(payment.Amount, decimals)
	if err != nil {
		return nil, policyViolation("unreadable amount: %v", err)
	}
	if amountIn.Sign() <= 0 {
		return nil, policyViolation("amount must be positive")
	}
	if amountIn.Cmp(p.maxNotional) > 0 {
		return nil, policyViolation("amount %s wei exceeds cap %s wei", amountIn, p.maxNotional)
	}

	slippage := ClampSlippage(policy.SlippageBps, p.cfg.MinSlippageBps, p.cfg.MaxSlippageBps)
	estimate, err := p.deps.Quoter.Quote(ctx, amountIn)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("quote failed: %w", err))
	}
	amountOutMin := chain.ApplySlippage(estimate, slippage)
	if amountOutMin.Sign() <= 0 {
		return nil, policyViolation("quote of %s for %s wei leaves no minimum output", estimate, amountIn)
	}
	deadline := p.now().Add(p.cfg.SwapDeadline())

	callData, err := chain.EncodeSwapExactETHForTokens(chain.SwapCall{
		AmountOutMin:  amountOutMin,
		WrappedNative: p.wrappedNative,
		TargetToken:   p.targetToken,
		Recipient:     recipient,
		Deadline:      deadline.Unix(),
	})
	if err != nil {
		return nil, retry.Terminal(err)
	}

	exec, err := p.deps.Custody.SubmitContractCall(ctx, clients.ContractCall{
		IdempotencyKey:  IdempotencyKey(job),
		WalletID:        identity.WalletID,
		ContractAddress: p.router.Hex(),
		CallData:        callData,
		ValueWei:        amountIn,
		FeeLevel:        p.feeLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("swap submission failed: %w", err)
	}
	logger := p.log.WithFields(logrus.Fields{
		"job_id":         job.ID,
		"execution_id":   exec.ID,
		"slippage_bps":   slippage,
		"amount_in_wei":  amountIn.String(),
		"amount_out_min": amountOutMin.String(),
	})
	logger.Info("📤 [AutoSwap] Swap submitted")

	// The id must survive a shutdown that lands right after submission.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := p.deps.Jobs.RecordExecution(recordCtx, job, workerID, exec.ID, p.now()); err != nil {
		logger.WithError(err).Warn("⚠️ [AutoSwap] Failed to record execution id")
	} else {
		id := exec.ID
		job.ExecutionID = &id
	}
	return exec, nil
}

// resume picks up the execution recorded for this attempt by a worker whose
// lease expired.
func (p *AutoSwapWorkerPool) resume(ctx context.Context, job *models.SwapJob) (*clients.Execution, error) {
	id := *job.ExecutionID
	p.log.WithFields(logrus.Fields{"job_id": job.ID, "execution_id": id}).Info("🔁 [AutoSwap] Resuming recorded execution")
	exec, err := p.deps.Custody.GetExecutionStatus(ctx, id)
	if err != nil {
		return nil, retry.Transient(fmt.Errorf("failed to resume execution %s: %w", id, err))
	}
	return exec, nil
}

// confirm polls the execution until it is terminal or the budget runs out.
// Both a failed execution and an exhausted budget are retryable.
func (p *AutoSwapWorkerPool) confirm(ctx context.Context, exec *clients.Execution) (*clients.Execution, error) {
	current := exec
	interval := time.Duration(p.cfg.ConfirmInterval) * time.Second
	for poll := 0; ; poll++ {
		if current.IsTerminal() {
			if current.Succeeded() {
				return current, nil
			}
			reason := current.ErrorReason
			if reason == "" {
				reason = "no reason given"
			}
			return nil, retry.Transient(fmt.Errorf("%w: %s (%s)", ErrSwapReverted, current.State, reason))
		}
		if poll >= p.cfg.ConfirmAttempts {
			return nil, retry.Transient(fmt.Errorf("%w: execution %s still %s after %d polls", ErrSwapTimeout, exec.ID, current.State, poll))
		}
		if err := p.sleep(ctx, interval); err != nil {
			return nil, err
		}
		status, err := p.deps.Custody.GetExecutionStatus(ctx, exec.ID)
		if err != nil {
			p.log.WithError(err).WithField("execution_id", exec.ID).Debug("[AutoSwap] Status poll failed")
			continue
		}
		current = status
	}
}

// amountOut reads the delivered target amount from the chain. It returns
// "" when no reader is configured or the read fails.
func (p *AutoSwapWorkerPool) amountOut(ctx context.Context, chainName, txHash string, recipient common.Address) string {
	if p.deps.Outcomes == nil || txHash == "" {
		return ""
	}
	readCtx, cancel := context.WithTimeout(ctx, p.readTimeout)
	defer cancel()
	out, err := p.deps.Outcomes.AmountReceived(readCtx, chainName, txHash, p.targetToken, recipient)
	if err != nil {
		p.log.WithError(err).WithField("tx_hash", txHash).Warn("⚠️ [AutoSwap] Could not read swap output")
		return ""
	}
	return chain.FromBaseUnits(out, p.cfg.TargetTokenDecimals)
}

func (p *AutoSwapWorkerPool) complete(ctx context.Context, logger *logrus.Entry, workerID string, job *models.SwapJob, handle string, outcome *swapOutcome) {
	details, _ := json.Marshal(outcome.details)
	outcome.settlement.Details = datatypes.JSON(details)

	if err := p.deps.Jobs.MarkCompleted(ctx, job, workerID, p.now(), outcome.settlement); err != nil {
		p.logSettleError(logger, err, "completed")
		return
	}
	metrics.SwapJobOutcomes.WithLabelValues("completed").Inc()
	logger.WithField("swap_tx_hash", outcome.settlement.TxHash).Info("✅ [AutoSwap] Swap completed")

	evt := SwapSettledEvent{
		PaymentID:       job.PaymentID,
		JobID:           job.ID,
		Handle:          handle,
		Status:          models.SwapStatusSwapped,
		SwapTxHash:      outcome.settlement.TxHash,
		AmountOutTarget: outcome.details.AmountOutTarget,
		Router:          outcome.settlement.Router,
		Attempts:        job.Attempts + 1,
	}
	p.announce(ctx, logger, clients.SubjectSwapCompleted, handle, evt)
}

func (p *AutoSwapWorkerPool) fail(ctx context.Context, logger *logrus.Entry, workerID string, job *models.SwapJob, handle string, execErr error) {
	attempts := job.Attempts + 1
	reason := execErr.Error()
	decision := retry.Classify(execErr)
	now := p.now()

	if decision.IsTransient() && job.HasAttemptsLeft(attempts) {
		base, ceiling := p.cfg.Backoff()
		next := models.NextRunAfterFailure(now, attempts, base, ceiling)
		if err := p.deps.Jobs.MarkRetry(ctx, job, workerID, attempts, next, reason, now); err != nil {
			p.logSettleError(logger, err, "retry")
			return
		}
		metrics.SwapJobOutcomes.WithLabelValues("retried").Inc()
		logger.WithError(execErr).WithFields(logrus.Fields{
			"next_run_at": next.Format(time.RFC3339),
			"reason":      decision.Reason,
		}).Warn("🔄 [AutoSwap] Swap attempt failed, scheduled retry")
		p.deps.Notifier.NotifyHandle(handle, PushSwapUpdated, SwapSettledEvent{
			PaymentID: job.PaymentID, JobID: job.ID, Handle: handle,
			Status: models.SwapStatusQueued, Error: reason, Attempts: attempts,
		})
		return
	}

	details, _ := json.Marshal(models.SwapDetails{
		Status:      models.SwapStatusSwapFailed,
		Router:      chain.RouterName,
		TargetToken: p.targetToken.Hex(),
		Error:       reason,
		SettledAt:   now,
	})
	if err := p.deps.Jobs.MarkFailed(ctx, job, workerID, attempts, reason, now, datatypes.JSON(details)); err != nil {
		p.logSettleError(logger, err, "failed")
		return
	}
	metrics.SwapJobOutcomes.WithLabelValues("failed").Inc()
	logger.WithError(execErr).WithField("terminal", !decision.IsTransient()).Error("❌ [AutoSwap] Swap job failed permanently")

	evt := SwapSettledEvent{
		PaymentID: job.PaymentID,
		JobID:     job.ID,
		Handle:    handle,
		Status:    models.SwapStatusSwapFailed,
		Error:     reason,
		Attempts:  attempts,
	}
	p.announce(ctx, logger, clients.SubjectSwapFailed, handle, evt)
}

func (p *AutoSwapWorkerPool) announce(ctx context.Context, logger *logrus.Entry, subject, handle string, evt SwapSettledEvent) {
	if err := p.deps.Publisher.Publish(ctx, subject, evt); err != nil {
		logger.WithError(err).Warn("⚠️ [AutoSwap] Failed to publish swap event")
	}
	p.deps.Notifier.NotifyHandle(handle, PushSwapUpdated, evt)
}

func (p *AutoSwapWorkerPool) logSettleError(logger *logrus.Entry, err error, transition string) {
	if errors.Is(err, repository.ErrLeaseLost) {
		metrics.SwapJobOutcomes.WithLabelValues("lease_lost").Inc()
		logger.WithField("transition", transition).Warn("⚠️ [AutoSwap] Lease lost before settlement, another worker owns the job")
		return
	}
	logger.WithError(err).WithField("transition", transition).Error("❌ [AutoSwap] Failed to persist swap outcome")
}
