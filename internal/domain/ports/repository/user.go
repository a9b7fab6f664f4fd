package repository

import (
	"context"

	"finetune-api/internal/domain/model"
)

type UserRepository interface {
	FindByID(ctx context.Context, tx Tx, id string) (*model.User, error)
	FindByStripeCustomerID(ctx context.Context, tx Tx, customerID string) (*model.User, error)
	// AdjustBalance applies a signed delta to the user's credit balance.
	AdjustBalance(ctx context.Context, tx Tx, userID string, delta float64) error
}
