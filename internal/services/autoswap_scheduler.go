package services

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"payswap-backend/internal/chain"
	"payswap-backend/internal/config"
	"payswap-backend/internal/metrics"
	"payswap-backend/internal/models"
	"payswap-backend/internal/repository"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// SkipReason explains why a payment was not enqueued.
type SkipReason string

const (
	SkipUnsupported   SkipReason = "unsupported"
	SkipDisabled      SkipReason = "disabled"
	SkipBelowMinimum  SkipReason = "below-minimum"
	SkipAlreadyQueued SkipReason = "already-queued"
)

// EnqueueResult is Enqueued (Job set) or Skipped (Reason set).
type EnqueueResult struct {
	Enqueued bool
	Reason   SkipReason
	Job      *models.SwapJob
}

func skipped(reason SkipReason) EnqueueResult {
	metrics.SwapJobsSkipped.WithLabelValues(string(reason)).Inc()
	return EnqueueResult{Reason: reason}
}

// AutoSwapScheduler creates at most one SwapJob per eligible payment.
type AutoSwapScheduler struct {
	jobs        repository.SwapJobRepository
	enabled     bool
	eligible    []config.SwapPair
	maxAttempts int
	log         *logrus.Entry
	now         func() time.Time
}

func NewAutoSwapScheduler(jobs repository.SwapJobRepository, cfg config.AutoSwapConfig, log *logrus.Logger) *AutoSwapScheduler {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = models.DefaultSwapMaxAttempts
	}
	return &AutoSwapScheduler{
		jobs:        jobs,
		enabled:     cfg.Enabled,
		eligible:    cfg.Eligible,
		maxAttempts: maxAttempts,
		log:         log.WithField("component", "autoswap_scheduler"),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (s *AutoSwapScheduler) isEligiblePair(chainName string, asset models.Asset) bool {
	for _, pair := range s.eligible {
		if strings.EqualFold(pair.Chain, chainName) && strings.EqualFold(pair.Asset, string(asset)) {
			return true
		}
	}
	return false
}

// MaybeEnqueue runs the eligibility checks in order and stops at the first
// failing one. Losing an insert race to another delivery counts as
// already-queued, not as an error.
func (s *AutoSwapScheduler) MaybeEnqueue(ctx context.Context, payment *models.Payment, policy models.AutoswapPolicy) (EnqueueResult, error) {
	logger := s.log.WithFields(logrus.Fields{"payment_id": payment.ID, "chain": payment.Chain, "asset": payment.Asset})

	if !s.isEligiblePair(payment.Chain, payment.Asset) {
		return skipped(SkipUnsupported), nil
	}
	if !s.enabled || !policy.Enabled {
		return skipped(SkipDisabled), nil
	}
	if below, err := belowMinimum(payment, policy.MinAmountWei); err != nil {
		logger.WithError(err).Warn("⚠️ [AutoSwap] Ignoring unreadable minimum amount")
	} else if below {
		return skipped(SkipBelowMinimum), nil
	}

	exists, err := s.jobs.ExistsForPayment(ctx, payment.ID)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("failed to check existing swap job: %w", err)
	}
	if exists {
		return skipped(SkipAlreadyQueued), nil
	}

	now := s.now()
	job := &models.SwapJob{
		ID:          uuid.NewString(),
		PaymentID:   payment.ID,
		Status:      models.SwapJobStatusQueued,
		Attempts:    0,
		MaxAttempts: s.maxAttempts,
		NextRunAt:   now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.jobs.CreateForPayment(ctx, job); err != nil {
		if repository.IsUniqueViolation(err) {
			return skipped(SkipAlreadyQueued), nil
		}
		return EnqueueResult{}, fmt.Errorf("failed to enqueue swap job: %w", err)
	}

	payment.SwapStatus = models.SwapStatusQueued
	metrics.SwapJobsEnqueued.Inc()
	logger.WithField("job_id", job.ID).Info("📥 [AutoSwap] Swap job enqueued")
	return EnqueueResult{Enqueued: true, Job: job}, nil
}

// belowMinimum compares the payment amount in base units with the policy
// threshold. An unset threshold never skips.
func belowMinimum(payment *models.Payment, minAmountWei *string) (bool, error) {
	if minAmountWei == nil || strings.TrimSpace(*minAmountWei) == "" {
		return false, nil
	}
	threshold, ok := new(big.Int).SetString(strings.TrimSpace(*minAmountWei), 10)
	if !ok {
		return false, fmt.Errorf("invalid minAmountWei %q", *minAmountWei)
	}
	decimals, ok := payment.Asset.Decimals()
	if !ok {
		return false, fmt.Errorf("asset %s has no known precision", payment.Asset)
	}
	amount, err := chain.ToBaseUnits(payment.Amount, decimals)
	if err != nil {
		return false, err
	}
	return amount.Cmp(threshold) < 0, nil
}
