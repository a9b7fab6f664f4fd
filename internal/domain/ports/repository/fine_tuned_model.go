package repository

import (
	"context"

	"finetune-api/internal/domain/model"
)

type FineTunedModelRepository interface {
	Create(ctx context.Context, tx Tx, m *model.FineTunedModel) error
	// FindByJob returns the model created for a job, or domain.ErrNotFound.
	FindByJob(ctx context.Context, tx Tx, jobID, userID string) (*model.FineTunedModel, error)
	UpdateStatus(ctx context.Context, tx Tx, modelID string, status model.FineTunedModelStatus) error
}
