package model

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

type TransactionType string

const (
	TransactionTypeFineTuningJob    TransactionType = "FINE_TUNING_JOB"
	TransactionTypeManualAdjustment TransactionType = "MANUAL_ADJUSTMENT"
	TransactionTypeStripeCheckout   TransactionType = "STRIPE_CHECKOUT"
)

type UsageUnit string

const UsageUnitToken UsageUnit = "token"

type ServiceName string

const ServiceNameFineTuningJob ServiceName = "fine_tuning_job"

// BillingCredit is an immutable signed ledger entry. The tuple
// (user_id, transaction_id, transaction_type) is unique and serves as the
// idempotency key for every credit operation.
type BillingCredit struct {
	ID              string
	UserID          string
	Credits         float64 // positive for additions, negative for deductions
	TransactionID   string
	TransactionType TransactionType
	CreatedAt       time.Time
}

// Usage records the final metered consumption of a fine-tuning job. Created
// exactly once, in the same transaction as the credit deduction.
type Usage struct {
	ID          string
	UserID      string
	UsageAmount int64
	UsageUnit   UsageUnit
	Cost        float64
	ServiceName ServiceName
	JobID       string
	CreatedAt   time.Time
}

// NewLedgerID mints a lexicographically sortable id for ledger and usage rows.
func NewLedgerID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}
