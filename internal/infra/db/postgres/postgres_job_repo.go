package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"finetune-api/internal/domain"
	"finetune-api/internal/domain/model"
	"finetune-api/internal/domain/ports/repository"
)

var _ repository.JobRepository = (*jobRepo)(nil)

type jobRepo struct{ pool *pgxpool.Pool }

func NewJobRepo(pool *pgxpool.Pool) *jobRepo {
	return &jobRepo{pool: pool}
}

const jobColumns = `id, user_id, base_model_id, dataset_id, name, status,
       current_step, total_steps, current_epoch, total_epochs, num_tokens,
       created_at, updated_at`

func scanJob(row pgx.Row) (*model.FineTuningJob, error) {
	var j model.FineTuningJob
	err := row.Scan(&j.ID, &j.UserID, &j.BaseModelID, &j.DatasetID, &j.Name, &j.Status,
		&j.CurrentStep, &j.TotalSteps, &j.CurrentEpoch, &j.TotalEpochs, &j.NumTokens,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

func (r *jobRepo) Create(ctx context.Context, tx repository.Tx, job *model.FineTuningJob, detail *model.JobDetail) error {
	const qJob = `
INSERT INTO fine_tuning_jobs (
  id, user_id, base_model_id, dataset_id, name, status, num_tokens, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9);`
	if _, err := execSQL(ctx, r.pool, tx, qJob,
		job.ID, job.UserID, job.BaseModelID, job.DatasetID, job.Name, job.Status,
		job.NumTokens, job.CreatedAt, job.UpdatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return err
	}

	const qDetail = `
INSERT INTO fine_tuning_job_details (job_id, parameters, metrics, timestamps)
VALUES ($1,$2,$3,$4);`
	_, err := execSQL(ctx, r.pool, tx, qDetail,
		detail.JobID, detail.Parameters, detail.Metrics, detail.Timestamps)
	return err
}

func (r *jobRepo) FindByID(ctx context.Context, tx repository.Tx, jobID, userID string) (*model.FineTuningJob, error) {
	row, err := pickRow(ctx, r.pool, tx,
		`SELECT `+jobColumns+` FROM fine_tuning_jobs WHERE id=$1 AND user_id=$2;`, jobID, userID)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (r *jobRepo) FindByName(ctx context.Context, tx repository.Tx, userID, name string) (*model.FineTuningJob, error) {
	row, err := pickRow(ctx, r.pool, tx,
		`SELECT `+jobColumns+` FROM fine_tuning_jobs WHERE user_id=$1 AND name=$2 AND status <> $3;`,
		userID, name, model.JobStatusDeleted)
	if err != nil {
		return nil, err
	}
	return scanJob(row)
}

func (r *jobRepo) FindDetail(ctx context.Context, tx repository.Tx, jobID string) (*model.JobDetail, error) {
	row, err := pickRow(ctx, r.pool, tx,
		`SELECT job_id, parameters, metrics, timestamps FROM fine_tuning_job_details WHERE job_id=$1;`, jobID)
	if err != nil {
		return nil, err
	}
	var d model.JobDetail
	if err := row.Scan(&d.JobID, &d.Parameters, &d.Metrics, &d.Timestamps); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if d.Parameters == nil {
		d.Parameters = map[string]any{}
	}
	if d.Metrics == nil {
		d.Metrics = map[string]any{}
	}
	if d.Timestamps == nil {
		d.Timestamps = map[string]string{}
	}
	return &d, nil
}

func (r *jobRepo) FindAggregate(ctx context.Context, tx repository.Tx, jobID, userID string) (*repository.JobAggregate, error) {
	job, err := r.FindByID(ctx, tx, jobID, userID)
	if err != nil {
		return nil, err
	}
	detail, err := r.FindDetail(ctx, tx, jobID)
	if err != nil {
		return nil, err
	}

	row, err := pickRow(ctx, r.pool, tx,
		`SELECT id, user_id, name, file_name, status, created_at FROM datasets WHERE id=$1;`, job.DatasetID)
	if err != nil {
		return nil, err
	}
	var ds model.Dataset
	if err := row.Scan(&ds.ID, &ds.UserID, &ds.Name, &ds.FileName, &ds.Status, &ds.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	row, err = pickRow(ctx, r.pool, tx,
		`SELECT id, name, status, cluster_config, created_at FROM base_models WHERE id=$1;`, job.BaseModelID)
	if err != nil {
		return nil, err
	}
	var bm model.BaseModel
	if err := row.Scan(&bm.ID, &bm.Name, &bm.Status, &bm.ClusterConfig, &bm.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}

	return &repository.JobAggregate{Job: job, Detail: detail, Dataset: &ds, BaseModel: &bm}, nil
}

func (r *jobRepo) FindForReconciliation(ctx context.Context, tx repository.Tx, completedWithin time.Duration) ([]*model.FineTuningJob, error) {
	nonTerminal := make([]string, 0, 4)
	for _, s := range model.NonTerminalStatuses() {
		nonTerminal = append(nonTerminal, string(s))
	}
	cutoff := time.Now().UTC().Add(-completedWithin)

	rows, err := queryRows(ctx, r.pool, tx, `
SELECT `+jobColumns+`
  FROM fine_tuning_jobs
 WHERE status = ANY($1)
    OR (status = $2 AND updated_at >= $3)
 ORDER BY user_id, created_at;`,
		nonTerminal, model.JobStatusCompleted, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*model.FineTuningJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *jobRepo) UpdateStatus(ctx context.Context, tx repository.Tx, jobID string, status model.JobStatus) error {
	tag, err := execSQL(ctx, r.pool, tx,
		`UPDATE fine_tuning_jobs SET status=$2, updated_at=now() WHERE id=$1;`, jobID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateProgress is a no-op unless the snapshot strictly advances current_step.
// The guard lives in SQL so concurrent writers cannot interleave a regression.
func (r *jobRepo) UpdateProgress(ctx context.Context, tx repository.Tx, jobID string, p model.Progress) error {
	_, err := execSQL(ctx, r.pool, tx, `
UPDATE fine_tuning_jobs
   SET current_step=$2, total_steps=$3, current_epoch=$4, total_epochs=$5, updated_at=now()
 WHERE id=$1 AND (current_step IS NULL OR current_step < $2);`,
		jobID, p.CurrentStep, p.TotalSteps, p.CurrentEpoch, p.TotalEpochs)
	return err
}

func (r *jobRepo) UpdateNumTokens(ctx context.Context, tx repository.Tx, jobID string, numTokens int64) error {
	tag, err := execSQL(ctx, r.pool, tx,
		`UPDATE fine_tuning_jobs SET num_tokens=$2, updated_at=now() WHERE id=$1;`, jobID, numTokens)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *jobRepo) UpdateDetailTimestamps(ctx context.Context, tx repository.Tx, jobID string, timestamps map[string]string) error {
	_, err := execSQL(ctx, r.pool, tx,
		`UPDATE fine_tuning_job_details SET timestamps=$2 WHERE job_id=$1;`, jobID, timestamps)
	return err
}

func (r *jobRepo) UpdateDetailMetrics(ctx context.Context, tx repository.Tx, jobID string, metrics map[string]any) error {
	_, err := execSQL(ctx, r.pool, tx,
		`UPDATE fine_tuning_job_details SET metrics=$2 WHERE job_id=$1;`, jobID, metrics)
	return err
}

func (r *jobRepo) FindForCredits(ctx context.Context, tx repository.Tx, jobID, userID string) (*model.FineTuningJob, string, error) {
	row, err := pickRow(ctx, r.pool, tx, `
SELECT j.id, j.user_id, j.base_model_id, j.dataset_id, j.name, j.status,
       j.current_step, j.total_steps, j.current_epoch, j.total_epochs, j.num_tokens,
       j.created_at, j.updated_at, b.name
  FROM fine_tuning_jobs j
  JOIN base_models b ON b.id = j.base_model_id
 WHERE j.id=$1 AND j.user_id=$2;`, jobID, userID)
	if err != nil {
		return nil, "", err
	}
	var j model.FineTuningJob
	var baseModelName string
	err = row.Scan(&j.ID, &j.UserID, &j.BaseModelID, &j.DatasetID, &j.Name, &j.Status,
		&j.CurrentStep, &j.TotalSteps, &j.CurrentEpoch, &j.TotalEpochs, &j.NumTokens,
		&j.CreatedAt, &j.UpdatedAt, &baseModelName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", domain.ErrNotFound
		}
		return nil, "", err
	}
	return &j, baseModelName, nil
}
