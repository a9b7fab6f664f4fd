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

var _ repository.UserRepository = (*userRepo)(nil)

type userRepo struct{ pool *pgxpool.Pool }

func NewUserRepo(pool *pgxpool.Pool) *userRepo {
	return &userRepo{pool: pool}
}

const userColumns = `id, email, name, email_verified, credits_balance, stripe_customer_id, created_at, updated_at`

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	err := row.Scan(&u.ID, &u.Email, &u.Name, &u.EmailVerified, &u.CreditsBalance,
		&u.StripeCustomerID, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

func (r *userRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.User, error) {
	row, err := pickRow(ctx, r.pool, tx,
		`SELECT `+userColumns+` FROM users WHERE id=$1;`, id)
	if err != nil {
		return nil, err
	}
	return scanUser(row)
}

func (r *userRepo) FindByStripeCustomerID(ctx context.Context, tx repository.Tx, customerID string) (*model.User, error) {
	row, err := pickRow(ctx, r.pool, tx,
		`SELECT `+userColumns+` FROM users WHERE stripe_customer_id=$1;`, customerID)
	if err != nil {
		return nil, err
	}
	return scanUser(row)
}

func (r *userRepo) AdjustBalance(ctx context.Context, tx repository.Tx, userID string, delta float64) error {
	tag, err := execSQL(ctx, r.pool, tx,
		`UPDATE users SET credits_balance = credits_balance + $2, updated_at=now() WHERE id=$1;`,
		userID, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
