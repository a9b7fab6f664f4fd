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

var _ repository.BillingRepository = (*billingRepo)(nil)

type billingRepo struct{ pool *pgxpool.Pool }

func NewBillingRepo(pool *pgxpool.Pool) *billingRepo {
	return &billingRepo{pool: pool}
}

func (r *billingRepo) FindCredit(ctx context.Context, tx repository.Tx, userID, transactionID string, txType model.TransactionType) (*model.BillingCredit, error) {
	row, err := pickRow(ctx, r.pool, tx, `
SELECT id, user_id, credits, transaction_id, transaction_type, created_at
  FROM billing_credits
 WHERE user_id=$1 AND transaction_id=$2 AND transaction_type=$3;`,
		userID, transactionID, txType)
	if err != nil {
		return nil, err
	}
	var c model.BillingCredit
	if err := row.Scan(&c.ID, &c.UserID, &c.Credits, &c.TransactionID, &c.TransactionType, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (r *billingRepo) SaveCredit(ctx context.Context, tx repository.Tx, c *model.BillingCredit) error {
	// The unique key on (user_id, transaction_id, transaction_type) is the
	// last line of defense against a double-post racing the pre-check.
	const q = `
INSERT INTO billing_credits (id, user_id, credits, transaction_id, transaction_type, created_at)
VALUES ($1,$2,$3,$4,$5,$6);`
	if _, err := execSQL(ctx, r.pool, tx, q,
		c.ID, c.UserID, c.Credits, c.TransactionID, c.TransactionType, c.CreatedAt); err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateTransaction
		}
		return err
	}
	return nil
}

func (r *billingRepo) SaveUsage(ctx context.Context, tx repository.Tx, u *model.Usage) error {
	const q = `
INSERT INTO usage_records (id, user_id, usage_amount, usage_unit, cost, service_name, job_id, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8);`
	_, err := execSQL(ctx, r.pool, tx, q,
		u.ID, u.UserID, u.UsageAmount, u.UsageUnit, u.Cost, u.ServiceName, u.JobID, u.CreatedAt)
	return err
}

func (r *billingRepo) ListCredits(ctx context.Context, tx repository.Tx, userID string, from, to time.Time, offset, limit int) ([]*model.BillingCredit, error) {
	q := `
SELECT id, user_id, credits, transaction_id, transaction_type, created_at
  FROM billing_credits
 WHERE user_id=$1`
	args := []interface{}{userID}
	if !from.IsZero() {
		args = append(args, from)
		q += ` AND created_at >= $2`
	}
	if !to.IsZero() {
		args = append(args, to)
		if len(args) == 3 {
			q += ` AND created_at <= $3`
		} else {
			q += ` AND created_at <= $2`
		}
	}
	switch len(args) {
	case 1:
		q += ` ORDER BY created_at DESC OFFSET $2 LIMIT $3;`
	case 2:
		q += ` ORDER BY created_at DESC OFFSET $3 LIMIT $4;`
	default:
		q += ` ORDER BY created_at DESC OFFSET $4 LIMIT $5;`
	}
	args = append(args, offset, limit)

	rows, err := queryRows(ctx, r.pool, tx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.BillingCredit
	for rows.Next() {
		var c model.BillingCredit
		if err := rows.Scan(&c.ID, &c.UserID, &c.Credits, &c.TransactionID, &c.TransactionType, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}
