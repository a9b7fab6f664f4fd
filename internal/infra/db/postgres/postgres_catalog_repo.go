package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"finetune-api/internal/domain"
	"finetune-api/internal/domain/model"
	"finetune-api/internal/domain/ports/repository"
)

var (
	_ repository.DatasetRepository   = (*datasetRepo)(nil)
	_ repository.BaseModelRepository = (*baseModelRepo)(nil)
)

type datasetRepo struct{ pool *pgxpool.Pool }

func NewDatasetRepo(pool *pgxpool.Pool) *datasetRepo {
	return &datasetRepo{pool: pool}
}

func (r *datasetRepo) FindByName(ctx context.Context, tx repository.Tx, userID, name string) (*model.Dataset, error) {
	row, err := pickRow(ctx, r.pool, tx, `
SELECT id, user_id, name, file_name, status, created_at
  FROM datasets WHERE user_id=$1 AND name=$2 AND status <> $3;`,
		userID, name, model.DatasetStatusDeleted)
	if err != nil {
		return nil, err
	}
	var d model.Dataset
	if err := row.Scan(&d.ID, &d.UserID, &d.Name, &d.FileName, &d.Status, &d.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &d, nil
}

type baseModelRepo struct{ pool *pgxpool.Pool }

func NewBaseModelRepo(pool *pgxpool.Pool) *baseModelRepo {
	return &baseModelRepo{pool: pool}
}

func (r *baseModelRepo) FindByName(ctx context.Context, tx repository.Tx, name string) (*model.BaseModel, error) {
	row, err := pickRow(ctx, r.pool, tx, `
SELECT id, name, status, cluster_config, created_at
  FROM base_models WHERE name=$1 AND status=$2;`,
		name, model.BaseModelStatusActive)
	if err != nil {
		return nil, err
	}
	var b model.BaseModel
	if err := row.Scan(&b.ID, &b.Name, &b.Status, &b.ClusterConfig, &b.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}
