package repository

import (
	"context"

	"github.com/jackc/pgx/v4"
)

type Tx interface{}

// TransactionManager executes a function within a database transaction,
// passing the transaction handle to the callback.
//
// Keeps use-case interfaces clean (no transaction types leaking out), while
// letting repository methods that accept a Tx run against the tx-bound
// executor. The concrete type of Tx is infra-defined (pgx.Tx for Postgres).
// Repositories MUST gracefully accept a nil Tx (non-transactional path).
type TransactionManager interface {
	WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx Tx) error) error
}
