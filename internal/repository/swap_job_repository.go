package repository

import (
	"context"
	"fmt"
	"time"

	"payswap-backend/internal/models"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// SwapSettlement carries what a worker learned about a finished swap.
type SwapSettlement struct {
	TxHash          string
	AmountOutTarget *string
	Router          string
	Details         datatypes.JSON
}

// SwapJobRepository owns the swap_jobs table. Every transition made by a
// worker is guarded by status=locked AND locked_by=<worker>, so a worker that
// lost its lease cannot overwrite the new owner's progress.
type SwapJobRepository interface {
	CreateForPayment(ctx context.Context, job *models.SwapJob) error
	ExistsForPayment(ctx context.Context, paymentID string) (bool, error)
	GetByID(ctx context.Context, id string) (*models.SwapJob, error)
	GetByPaymentID(ctx context.Context, paymentID string) (*models.SwapJob, error)
	ClaimBatch(ctx context.Context, worker string, now time.Time, lease time.Duration, limit int) ([]*models.SwapJob, error)
	RecordExecution(ctx context.Context, job *models.SwapJob, worker, executionID string, now time.Time) error
	MarkCompleted(ctx context.Context, job *models.SwapJob, worker string, now time.Time, settlement SwapSettlement) error
	MarkRetry(ctx context.Context, job *models.SwapJob, worker string, attempts int, nextRunAt time.Time, reason string, now time.Time) error
	MarkFailed(ctx context.Context, job *models.SwapJob, worker string, attempts int, reason string, now time.Time, details datatypes.JSON) error
}

type swapJobRepository struct {
	db *gorm.DB
}

// NewSwapJobRepository creates a new SwapJobRepository instance
func NewSwapJobRepository(db *gorm.DB) SwapJobRepository {
	return &swapJobRepository{db: db}
}

// CreateForPayment inserts the job and flips payments.swap_status to queued
// in one transaction. A duplicate job surfaces as a unique violation.
func (r *swapJobRepository) CreateForPayment(ctx context.Context, job *models.SwapJob) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(job).Error; err != nil {
			return err
		}
		return tx.Model(&models.Payment{}).
			Where("id = ?", job.PaymentID).
			Update("swap_status", models.SwapStatusQueued).Error
	})
}

func (r *swapJobRepository) ExistsForPayment(ctx context.Context, paymentID string) (bool, error) {
	var count int64
	if err := r.db.WithContext(ctx).Model(&models.SwapJob{}).Where("payment_id = ?", paymentID).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *swapJobRepository) GetByID(ctx context.Context, id string) (*models.SwapJob, error) {
	var job models.SwapJob
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *swapJobRepository) GetByPaymentID(ctx context.Context, paymentID string) (*models.SwapJob, error) {
	var job models.SwapJob
	if err := r.db.WithContext(ctx).Where("payment_id = ?", paymentID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// claimable is the predicate both the candidate scan and the conditional
// update use: due queued jobs, or locked jobs whose lease expired.
func claimable(db *gorm.DB, now time.Time, lease time.Duration) *gorm.DB {
	return db.Where(
		"(status = ? AND next_run_at <= ?) OR (status = ? AND locked_at < ?)",
		models.SwapJobStatusQueued, now,
		models.SwapJobStatusLocked, now.Add(-lease),
	)
}

// ClaimBatch picks up to limit claimable jobs and locks each one with a
// single conditional UPDATE. A candidate another worker locked first
// updates zero rows and is skipped.
func (r *swapJobRepository) ClaimBatch(ctx context.Context, worker string, now time.Time, lease time.Duration, limit int) ([]*models.SwapJob, error) {
	var candidates []string
	err := claimable(r.db.WithContext(ctx).Model(&models.SwapJob{}), now, lease).
		Order("next_run_at ASC").
		Limit(limit).
		Pluck("id", &candidates).Error
	if err != nil {
		return nil, fmt.Errorf("failed to scan claimable swap jobs: %w", err)
	}

	claimed := make([]*models.SwapJob, 0, len(candidates))
	for _, id := range candidates {
		res := claimable(r.db.WithContext(ctx).Model(&models.SwapJob{}).Where("id = ?", id), now, lease).
			Updates(map[string]interface{}{
				"status":     models.SwapJobStatusLocked,
				"locked_by":  worker,
				"locked_at":  now,
				"updated_at": now,
			})
		if res.Error != nil {
			return claimed, fmt.Errorf("failed to claim swap job %s: %w", id, res.Error)
		}
		if res.RowsAffected != 1 {
			continue
		}
		job, err := r.GetByID(ctx, id)
		if err != nil {
			return claimed, fmt.Errorf("failed to load claimed swap job %s: %w", id, err)
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

func (r *swapJobRepository) owned(tx *gorm.DB, job *models.SwapJob, worker string) *gorm.DB {
	return tx.Model(&models.SwapJob{}).
		Where("id = ? AND status = ? AND locked_by = ?", job.ID, models.SwapJobStatusLocked, worker)
}

// RecordExecution stores the custodian execution id of the current attempt
// so a worker reclaiming the job resumes it instead of submitting again.
func (r *swapJobRepository) RecordExecution(ctx context.Context, job *models.SwapJob, worker, executionID string, now time.Time) error {
	res := r.owned(r.db.WithContext(ctx), job, worker).Updates(map[string]interface{}{
		"execution_id": executionID,
		"updated_at":   now,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected != 1 {
		return ErrLeaseLost
	}
	return nil
}

func (r *swapJobRepository) MarkCompleted(ctx context.Context, job *models.SwapJob, worker string, now time.Time, s SwapSettlement) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := r.owned(tx, job, worker).Updates(map[string]interface{}{
			"status":       models.SwapJobStatusCompleted,
			"completed_at": now,
			"error":        nil,
			"updated_at":   now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrLeaseLost
		}

		if err := tx.Model(&models.Payment{}).Where("id = ?", job.PaymentID).Updates(map[string]interface{}{
			"swap_status":       models.SwapStatusSwapped,
			"swap_tx_hash":      s.TxHash,
			"amount_out_target": s.AmountOutTarget,
			"router_used":       s.Router,
			"swap_error":        nil,
			"updated_at":        now,
		}).Error; err != nil {
			return err
		}

		return tx.Model(&models.Receipt{}).Where("payment_id = ?", job.PaymentID).Updates(map[string]interface{}{
			"swap_details": s.Details,
			"updated_at":   now,
		}).Error
	})
}

// MarkRetry releases the lock and puts the job back in the queue.
func (r *swapJobRepository) MarkRetry(ctx context.Context, job *models.SwapJob, worker string, attempts int, nextRunAt time.Time, reason string, now time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := r.owned(tx, job, worker).Updates(map[string]interface{}{
			"status":       models.SwapJobStatusQueued,
			"attempts":     attempts,
			"next_run_at":  nextRunAt,
			"locked_by":    nil,
			"locked_at":    nil,
			"execution_id": nil,
			"error":        reason,
			"updated_at":   now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrLeaseLost
		}
		return tx.Model(&models.Payment{}).Where("id = ?", job.PaymentID).Updates(map[string]interface{}{
			"swap_status": models.SwapStatusQueued,
			"updated_at":  now,
		}).Error
	})
}

// MarkFailed is terminal: the job is never claimed again.
func (r *swapJobRepository) MarkFailed(ctx context.Context, job *models.SwapJob, worker string, attempts int, reason string, now time.Time, details datatypes.JSON) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := r.owned(tx, job, worker).Updates(map[string]interface{}{
			"status":       models.SwapJobStatusFailed,
			"attempts":     attempts,
			"locked_by":    nil,
			"locked_at":    nil,
			"execution_id": nil,
			"error":        reason,
			"updated_at":   now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return ErrLeaseLost
		}

		if err := tx.Model(&models.Payment{}).Where("id = ?", job.PaymentID).Updates(map[string]interface{}{
			"swap_status": models.SwapStatusSwapFailed,
			"swap_error":  reason,
			"updated_at":  now,
		}).Error; err != nil {
			return err
		}

		return tx.Model(&models.Receipt{}).Where("payment_id = ?", job.PaymentID).Updates(map[string]interface{}{
			"swap_details": details,
			"updated_at":   now,
		}).Error
	})
}
