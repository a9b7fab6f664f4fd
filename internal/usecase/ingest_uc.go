// File: internal/usecase/ingest_uc.go
package usecase

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"finetune-api/internal/domain"
	"finetune-api/internal/domain/model"
	"finetune-api/internal/domain/ports/repository"
	"finetune-api/internal/infra/metrics"
)

// Compile-time check
var _ IngestionUseCase = (*ingestionUC)(nil)

// IngestionUseCase is the single funnel for job events arriving from both the
// polling loop and the push channel. Both operations are idempotent so that
// duplicate or out-of-order delivery from either source is harmless. The
// returned bool is the ack decision for the caller's delivery channel.
type IngestionUseCase interface {
	// ApplyProgress applies a progress snapshot under the monotonic rule:
	// snapshots that do not advance current_step are acked no-ops.
	ApplyProgress(ctx context.Context, tx repository.Tx, jobID, userID string, p model.Progress) (bool, error)
	// IngestArtifacts creates the job's fine-tuned model at most once. A job
	// that does not exist or belongs to another user rejects the event; an
	// already existing model acks without creating a second row.
	IngestArtifacts(ctx context.Context, tx repository.Tx, jobID, userID string, artifacts model.Artifacts) (bool, error)
}

type ingestionUC struct {
	jobs   repository.JobRepository
	models repository.FineTunedModelRepository
	tm     repository.TransactionManager
	log    *zerolog.Logger
}

func NewIngestionUseCase(
	jobs repository.JobRepository,
	models repository.FineTunedModelRepository,
	tm repository.TransactionManager,
	logger *zerolog.Logger,
) *ingestionUC {
	l := logger.With().Str("component", "IngestionUC").Logger()
	return &ingestionUC{jobs: jobs, models: models, tm: tm, log: &l}
}

func (u *ingestionUC) ApplyProgress(ctx context.Context, tx repository.Tx, jobID, userID string, p model.Progress) (bool, error) {
	job, err := u.jobs.FindByID(ctx, tx, jobID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			u.log.Warn().Str("job_id", jobID).Str("user_id", userID).Msg("progress event for unknown job")
			return false, nil
		}
		return false, err
	}

	if !p.Supersedes(job) {
		// Stale or duplicate snapshot; already applied state wins.
		return true, nil
	}

	if err := u.jobs.UpdateProgress(ctx, tx, job.ID, p); err != nil {
		return false, err
	}
	metrics.IncJobEvent("progress")
	u.log.Info().Str("job_id", jobID).Int("current_step", p.CurrentStep).Int("total_steps", p.TotalSteps).Msg("updated job progress")
	return true, nil
}

func (u *ingestionUC) IngestArtifacts(ctx context.Context, tx repository.Tx, jobID, userID string, artifacts model.Artifacts) (bool, error) {
	if tx == nil {
		// Push-channel path: wrap the check-then-create in its own transaction.
		var ack bool
		err := u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
			var err error
			ack, err = u.ingestArtifacts(ctx, tx, jobID, userID, artifacts)
			return err
		})
		return ack, err
	}
	return u.ingestArtifacts(ctx, tx, jobID, userID, artifacts)
}

func (u *ingestionUC) ingestArtifacts(ctx context.Context, tx repository.Tx, jobID, userID string, artifacts model.Artifacts) (bool, error) {
	job, err := u.jobs.FindByID(ctx, tx, jobID, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			u.log.Warn().Str("job_id", jobID).Str("user_id", userID).Msg("cannot create model: job not found for user")
			return false, nil
		}
		return false, err
	}

	existing, err := u.models.FindByJob(ctx, tx, job.ID, userID)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	if existing != nil {
		u.log.Warn().Str("job_id", jobID).Str("model_id", existing.ID).Msg("model already exists for job")
		return true, nil
	}

	m := model.NewFineTunedModel(userID, job.ID, job.Name, artifacts)
	if err := u.models.Create(ctx, tx, m); err != nil {
		return false, err
	}
	metrics.IncJobEvent("artifacts")
	u.log.Info().Str("job_id", jobID).Str("model_id", m.ID).Msg("created fine-tuned model")
	return true, nil
}
