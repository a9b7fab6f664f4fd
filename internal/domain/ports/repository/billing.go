package repository

import (
	"context"
	"time"

	"finetune-api/internal/domain/model"
)

type BillingRepository interface {
	// FindCredit looks up a ledger entry by its idempotency key.
	FindCredit(ctx context.Context, tx Tx, userID, transactionID string, txType model.TransactionType) (*model.BillingCredit, error)
	SaveCredit(ctx context.Context, tx Tx, c *model.BillingCredit) error
	SaveUsage(ctx context.Context, tx Tx, u *model.Usage) error
	ListCredits(ctx context.Context, tx Tx, userID string, from, to time.Time, offset, limit int) ([]*model.BillingCredit, error)
}
