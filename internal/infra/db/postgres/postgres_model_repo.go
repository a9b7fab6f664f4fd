package postgres

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"finetune-api/internal/domain"
	"finetune-api/internal/domain/model"
	"finetune-api/internal/domain/ports/repository"
)

var _ repository.FineTunedModelRepository = (*fineTunedModelRepo)(nil)

type fineTunedModelRepo struct{ pool *pgxpool.Pool }

func NewFineTunedModelRepo(pool *pgxpool.Pool) *fineTunedModelRepo {
	return &fineTunedModelRepo{pool: pool}
}

func (r *fineTunedModelRepo) Create(ctx context.Context, tx repository.Tx, m *model.FineTunedModel) error {
	artifacts, err := json.Marshal(m.Artifacts)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO fine_tuned_models (id, user_id, job_id, name, status, artifacts, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7);`
	if _, err := execSQL(ctx, r.pool, tx, q,
		m.ID, m.UserID, m.JobID, m.Name, m.Status, artifacts, m.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return err
	}
	return nil
}

func (r *fineTunedModelRepo) FindByJob(ctx context.Context, tx repository.Tx, jobID, userID string) (*model.FineTunedModel, error) {
	row, err := pickRow(ctx, r.pool, tx, `
SELECT id, user_id, job_id, name, status, artifacts, created_at
  FROM fine_tuned_models WHERE job_id=$1 AND user_id=$2;`, jobID, userID)
	if err != nil {
		return nil, err
	}
	var m model.FineTunedModel
	var artifacts []byte
	if err := row.Scan(&m.ID, &m.UserID, &m.JobID, &m.Name, &m.Status, &artifacts, &m.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	if len(artifacts) > 0 {
		if err := json.Unmarshal(artifacts, &m.Artifacts); err != nil {
			return nil, domain.ErrReadDatabaseRow
		}
	}
	return &m, nil
}

func (r *fineTunedModelRepo) UpdateStatus(ctx context.Context, tx repository.Tx, modelID string, status model.FineTunedModelStatus) error {
	tag, err := execSQL(ctx, r.pool, tx,
		`UPDATE fine_tuned_models SET status=$2 WHERE id=$1;`, modelID, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
