package repository

import (
	"context"

	"finetune-api/internal/domain/model"
)

type DatasetRepository interface {
	FindByName(ctx context.Context, tx Tx, userID, name string) (*model.Dataset, error)
}

type BaseModelRepository interface {
	FindByName(ctx context.Context, tx Tx, name string) (*model.BaseModel, error)
}
