package models

import "time"

type SwapJobStatus string

const (
	SwapJobStatusQueued    SwapJobStatus = "queued"
	SwapJobStatusLocked    SwapJobStatus = "locked"
	SwapJobStatusCompleted SwapJobStatus = "completed"
	SwapJobStatusFailed    SwapJobStatus = "failed"
)

const DefaultSwapMaxAttempts = 3

// SwapJob is the unit of deferred "convert this payment" work. The unique
// index on payment_id caps it at one job per payment no matter how often
// enqueue runs.
type SwapJob struct {
	ID          string        `json:"id" gorm:"primaryKey;size:36"`
	PaymentID   string        `json:"payment_id" gorm:"not null;uniqueIndex:idx_swap_jobs_payment;size:36"`
	Status      SwapJobStatus `json:"status" gorm:"not null;default:queued;index:idx_swap_jobs_due,priority:1;size:16"`
	Attempts    int           `json:"attempts" gorm:"not null;default:0"`
	MaxAttempts int           `json:"max_attempts" gorm:"not null;default:3"`
	NextRunAt   time.Time     `json:"next_run_at" gorm:"not null;index:idx_swap_jobs_due,priority:2"`
	LockedAt    *time.Time    `json:"locked_at,omitempty"`
	LockedBy    *string       `json:"locked_by,omitempty" gorm:"size:128"`
	ExecutionID *string       `json:"execution_id,omitempty" gorm:"size:128"` // custodian execution of the current attempt
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Error       *string       `json:"error,omitempty" gorm:"type:text"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

func (SwapJob) TableName() string {
	return "swap_jobs"
}

// IsTerminal reports whether no worker will touch the job again.
func (j *SwapJob) IsTerminal() bool {
	return j.Status == SwapJobStatusCompleted || j.Status == SwapJobStatusFailed
}

// HasAttemptsLeft reports whether a failure after `attempts` tries goes back to the queue.
func (j *SwapJob) HasAttemptsLeft(attempts int) bool {
	max := j.MaxAttempts
	if max <= 0 {
		max = DefaultSwapMaxAttempts
	}
	return attempts < max
}

// BackoffDelay is base * 2^attempts, capped.
func BackoffDelay(attempts int, base, cap time.Duration) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 30 {
		return cap
	}
	delay := base * time.Duration(1<<uint(attempts))
	if delay > cap || delay <= 0 {
		delay = cap
	}
	return delay
}

// NextRunAfterFailure computes when a job that has now failed `attempts` times runs again.
func NextRunAfterFailure(now time.Time, attempts int, base, cap time.Duration) time.Time {
	return now.Add(BackoffDelay(attempts, base, cap))
}
