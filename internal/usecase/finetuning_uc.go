// File: internal/usecase/finetuning_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"finetune-api/internal/domain"
	"finetune-api/internal/domain/model"
	"finetune-api/internal/domain/ports/adapter"
	"finetune-api/internal/domain/ports/repository"
	"finetune-api/internal/infra/metrics"
)

// Compile-time check
var _ FineTuningUseCase = (*fineTuningUC)(nil)

type JobType string

const (
	JobTypeLoRA  JobType = "lora"
	JobTypeQLoRA JobType = "qlora"
	JobTypeFull  JobType = "full"
)

type CreateJobRequest struct {
	Name          string
	BaseModelName string
	DatasetName   string
	Type          JobType
	Parameters    map[string]any // batch_size, shuffle, num_epochs, ...
}

type FineTuningUseCase interface {
	// CreateJob persists a NEW job and submits it to the scheduler. A failed
	// submission transitions the job to FAILED before the error is returned.
	CreateJob(ctx context.Context, userID string, req CreateJobRequest) (*model.FineTuningJob, error)
	// CancelJob optimistically moves a RUNNING job to STOPPING and issues the
	// stop request fire-and-forget; the reconciliation loop applies the final
	// terminal status once the scheduler confirms.
	CancelJob(ctx context.Context, userID, jobName string) (*model.FineTuningJob, error)
	// DeleteJob marks a terminal job (and its model, if any) as DELETED.
	DeleteJob(ctx context.Context, userID, jobName string) error
	// GetJob loads the job together with its detail, dataset and base model.
	GetJob(ctx context.Context, userID, jobName string) (*repository.JobAggregate, error)
}

type fineTuningUC struct {
	users   repository.UserRepository
	jobs    repository.JobRepository
	models  repository.FineTunedModelRepository
	dsets   repository.DatasetRepository
	bases   repository.BaseModelRepository
	gateway adapter.SchedulerGateway
	tm      repository.TransactionManager
	log     *zerolog.Logger

	minJobCredits float64
}

func NewFineTuningUseCase(
	users repository.UserRepository,
	jobs repository.JobRepository,
	models repository.FineTunedModelRepository,
	dsets repository.DatasetRepository,
	bases repository.BaseModelRepository,
	gateway adapter.SchedulerGateway,
	tm repository.TransactionManager,
	minJobCredits float64,
	logger *zerolog.Logger,
) *fineTuningUC {
	l := logger.With().Str("component", "FineTuningUC").Logger()
	return &fineTuningUC{
		users:         users,
		jobs:          jobs,
		models:        models,
		dsets:         dsets,
		bases:         bases,
		gateway:       gateway,
		tm:            tm,
		log:           &l,
		minJobCredits: minJobCredits,
	}
}

func (u *fineTuningUC) CreateJob(ctx context.Context, userID string, req CreateJobRequest) (*model.FineTuningJob, error) {
	user, err := u.users.FindByID(ctx, nil, userID)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	if !user.EmailVerified {
		return nil, domain.ErrEmailNotVerified
	}
	if user.CreditsBalance < u.minJobCredits {
		return nil, fmt.Errorf("%w: required %.1f", domain.ErrInsufficientCredits, u.minJobCredits)
	}

	baseModel, err := u.bases.FindByName(ctx, nil, req.BaseModelName)
	if err != nil {
		return nil, fmt.Errorf("base model %q: %w", req.BaseModelName, err)
	}
	dataset, err := u.dsets.FindByName(ctx, nil, userID, req.DatasetName)
	if err != nil {
		return nil, fmt.Errorf("dataset %q: %w", req.DatasetName, err)
	}

	if existing, err := u.jobs.FindByName(ctx, nil, userID, req.Name); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	} else if existing != nil {
		return nil, fmt.Errorf("%w: job name %q", domain.ErrAlreadyExists, req.Name)
	}

	params := make(map[string]any, len(req.Parameters)+2)
	for k, v := range req.Parameters {
		params[k] = v
	}
	params["use_lora"] = req.Type == JobTypeLoRA || req.Type == JobTypeQLoRA
	params["use_qlora"] = req.Type == JobTypeQLoRA

	job, detail := model.NewFineTuningJob(userID, req.Name, baseModel.ID, dataset.ID, params)
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		return u.jobs.Create(ctx, tx, job, detail)
	})
	if err != nil {
		return nil, err
	}

	if err := u.gateway.Submit(ctx, job, detail, dataset, baseModel); err != nil {
		// The only gateway failure that mutates state: the job is dead on
		// arrival and must be visible as FAILED.
		if uerr := u.jobs.UpdateStatus(ctx, nil, job.ID, model.JobStatusFailed); uerr != nil {
			u.log.Error().Err(uerr).Str("job_id", job.ID).Msg("failed to mark unsubmitted job as failed")
		}
		job.Status = model.JobStatusFailed
		metrics.IncJobTransition(string(model.JobStatusFailed))
		return job, fmt.Errorf("%w: %v", domain.ErrJobSubmission, err)
	}

	u.log.Info().Str("job_id", job.ID).Str("user_id", userID).Str("name", req.Name).Msg("created fine-tuning job")
	return job, nil
}

func (u *fineTuningUC) CancelJob(ctx context.Context, userID, jobName string) (*model.FineTuningJob, error) {
	job, err := u.jobs.FindByName(ctx, nil, userID, jobName)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", jobName, err)
	}
	if job.Status != model.JobStatusRunning {
		return job, fmt.Errorf("%w: cannot cancel job in state %s", domain.ErrInvalidJobState, job.Status)
	}

	if err := u.jobs.UpdateStatus(ctx, nil, job.ID, model.JobStatusStopping); err != nil {
		return job, err
	}
	job.Status = model.JobStatusStopping
	metrics.IncJobTransition(string(model.JobStatusStopping))

	// Fire-and-forget: the reconciliation loop observes the scheduler's
	// terminal status and applies the final STOPPED/FAILED transition.
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := u.gateway.Stop(stopCtx, job.ID, userID); err != nil {
			if errors.Is(err, domain.ErrJobNotRunning) {
				u.log.Info().Str("job_id", job.ID).Msg("stop request: job already gone")
				return
			}
			u.log.Error().Err(err).Str("job_id", job.ID).Msg("stop request failed")
		}
	}()

	u.log.Info().Str("job_id", job.ID).Str("user_id", userID).Msg("requested job cancelation")
	return job, nil
}

func (u *fineTuningUC) GetJob(ctx context.Context, userID, jobName string) (*repository.JobAggregate, error) {
	job, err := u.jobs.FindByName(ctx, nil, userID, jobName)
	if err != nil {
		return nil, fmt.Errorf("job %q: %w", jobName, err)
	}
	return u.jobs.FindAggregate(ctx, nil, job.ID, userID)
}

func (u *fineTuningUC) DeleteJob(ctx context.Context, userID, jobName string) error {
	job, err := u.jobs.FindByName(ctx, nil, userID, jobName)
	if err != nil {
		return fmt.Errorf("job %q: %w", jobName, err)
	}
	if !job.Status.Terminal() {
		return fmt.Errorf("%w: cannot delete job in state %s", domain.ErrInvalidJobState, job.Status)
	}

	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.jobs.UpdateStatus(ctx, tx, job.ID, model.JobStatusDeleted); err != nil {
			return err
		}
		m, err := u.models.FindByJob(ctx, tx, job.ID, userID)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return nil
			}
			return err
		}
		return u.models.UpdateStatus(ctx, tx, m.ID, model.FineTunedModelStatusDeleted)
	})
	if err != nil {
		return err
	}

	metrics.IncJobTransition(string(model.JobStatusDeleted))
	u.log.Info().Str("job_id", job.ID).Str("user_id", userID).Msg("marked job as deleted")
	return nil
}
