package repository

import (
	"context"
	"time"

	"finetune-api/internal/domain/model"
)

// JobAggregate bundles everything the scheduler needs to submit a job.
type JobAggregate struct {
	Job       *model.FineTuningJob
	Detail    *model.JobDetail
	Dataset   *model.Dataset
	BaseModel *model.BaseModel
}

type JobRepository interface {
	Create(ctx context.Context, tx Tx, job *model.FineTuningJob, detail *model.JobDetail) error
	FindByID(ctx context.Context, tx Tx, jobID, userID string) (*model.FineTuningJob, error)
	FindByName(ctx context.Context, tx Tx, userID, name string) (*model.FineTuningJob, error)
	FindDetail(ctx context.Context, tx Tx, jobID string) (*model.JobDetail, error)
	// FindAggregate loads the job with its detail, dataset and base model rows.
	FindAggregate(ctx context.Context, tx Tx, jobID, userID string) (*JobAggregate, error)
	// FindForReconciliation returns all non-terminal jobs, plus COMPLETED jobs
	// updated within the trailing window (late artifact/metric events).
	FindForReconciliation(ctx context.Context, tx Tx, completedWithin time.Duration) ([]*model.FineTuningJob, error)
	UpdateStatus(ctx context.Context, tx Tx, jobID string, status model.JobStatus) error
	// UpdateProgress applies counters only when current_step strictly
	// increases; stale snapshots are ignored at the SQL level.
	UpdateProgress(ctx context.Context, tx Tx, jobID string, p model.Progress) error
	UpdateNumTokens(ctx context.Context, tx Tx, jobID string, numTokens int64) error
	UpdateDetailTimestamps(ctx context.Context, tx Tx, jobID string, timestamps map[string]string) error
	UpdateDetailMetrics(ctx context.Context, tx Tx, jobID string, metrics map[string]any) error
	// FindForCredits returns the job and its base model name for pricing.
	FindForCredits(ctx context.Context, tx Tx, jobID, userID string) (*model.FineTuningJob, string, error)
}
