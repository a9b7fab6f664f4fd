// File: internal/usecase/billing_uc.go
package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"finetune-api/internal/domain"
	"finetune-api/internal/domain/model"
	"finetune-api/internal/domain/ports/adapter"
	"finetune-api/internal/domain/ports/repository"
	"finetune-api/internal/infra/metrics"
)

// Compile-time check
var _ BillingUseCase = (*billingUC)(nil)

// creditPricing maps base model name to credits per one million tokens.
var creditPricing = map[string]float64{
	"llm_llama3_1_8b":  2.0,
	"llm_llama3_1_70b": 10.0,
}

type DeductRequest struct {
	UserID      string
	JobID       string
	UsageAmount int64
	UsageUnit   model.UsageUnit
	ServiceName model.ServiceName
}

type BillingUseCase interface {
	// DeductCredits charges a user for a finished job's usage. Idempotent on
	// (user_id, job_id, FINE_TUNING_JOB): a retry returns the existing ledger
	// entry without debiting again. When the balance falls short, a single
	// offline auto-recharge for exactly the shortfall is attempted before
	// failing with domain.ErrPaymentRequired.
	DeductCredits(ctx context.Context, req DeductRequest) (*model.BillingCredit, error)
	// AddManualCredits posts a trusted manual adjustment. A duplicate
	// (user_id, transaction_id, MANUAL_ADJUSTMENT) key is a client error.
	AddManualCredits(ctx context.Context, userID string, amount float64, transactionID string) (*model.BillingCredit, error)
	// AddStripeCredits returns a hosted checkout URL for a top-up.
	AddStripeCredits(ctx context.Context, userID string, amountDollars float64, baseURL string) (string, error)
	// HandleChargeSucceeded posts credits for a settled provider charge,
	// keyed by the charge id so webhook redelivery is a no-op.
	HandleChargeSucceeded(ctx context.Context, customerID, chargeID string, amountCaptured int64) error
	CreditHistory(ctx context.Context, userID string, from, to time.Time, page, perPage int) ([]*model.BillingCredit, error)
}

type billingUC struct {
	users   repository.UserRepository
	jobs    repository.JobRepository
	billing repository.BillingRepository
	payment adapter.PaymentProcessor
	tm      repository.TransactionManager
	log     *zerolog.Logger

	settleDelay time.Duration
	// settleWait is injectable so tests do not sleep. It must be called
	// outside any open transaction.
	settleWait func(ctx context.Context, d time.Duration)
}

func NewBillingUseCase(
	users repository.UserRepository,
	jobs repository.JobRepository,
	billing repository.BillingRepository,
	payment adapter.PaymentProcessor,
	tm repository.TransactionManager,
	settleDelay time.Duration,
	logger *zerolog.Logger,
) *billingUC {
	l := logger.With().Str("component", "BillingUC").Logger()
	return &billingUC{
		users:       users,
		jobs:        jobs,
		billing:     billing,
		payment:     payment,
		tm:          tm,
		log:         &l,
		settleDelay: settleDelay,
		settleWait: func(ctx context.Context, d time.Duration) {
			select {
			case <-ctx.Done():
			case <-time.After(d):
			}
		},
	}
}

// calculateRequiredCredits prices a usage amount for a base model. Unknown
// units, services or models are hard client errors and must not be retried.
func calculateRequiredCredits(amount int64, unit model.UsageUnit, service model.ServiceName, baseModelName string) (float64, error) {
	if service != model.ServiceNameFineTuningJob || unit != model.UsageUnitToken {
		return 0, fmt.Errorf("%w: no pricing for service %q unit %q", domain.ErrInvalidArgument, service, unit)
	}
	perMillion, ok := creditPricing[baseModelName]
	if !ok {
		return 0, fmt.Errorf("%w: no pricing for base model %q", domain.ErrInvalidArgument, baseModelName)
	}
	return perMillion * float64(amount) / 1_000_000, nil
}

func (u *billingUC) DeductCredits(ctx context.Context, req DeductRequest) (*model.BillingCredit, error) {
	return u.deduct(ctx, req, true)
}

func (u *billingUC) deduct(ctx context.Context, req DeductRequest, allowRecharge bool) (*model.BillingCredit, error) {
	user, err := u.users.FindByID(ctx, nil, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", req.UserID, err)
	}

	// Retry-safe: a prior successful deduction short-circuits here.
	existing, err := u.billing.FindCredit(ctx, nil, req.UserID, req.JobID, model.TransactionTypeFineTuningJob)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	job, baseModelName, err := u.jobs.FindForCredits(ctx, nil, req.JobID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", req.JobID, err)
	}

	required, err := calculateRequiredCredits(req.UsageAmount, req.UsageUnit, req.ServiceName, baseModelName)
	if err != nil {
		return nil, err
	}

	if user.CreditsBalance < required {
		if !allowRecharge {
			return nil, fmt.Errorf("%w: required %.3f, available %.3f", domain.ErrPaymentRequired, required, user.CreditsBalance)
		}
		shortfall := required - user.CreditsBalance
		invoiceID, chargeErr := u.payment.ChargeOffline(ctx, user, shortfall)
		if chargeErr != nil {
			u.log.Warn().Err(chargeErr).Str("user_id", user.ID).Float64("shortfall", shortfall).Msg("offline charge failed")
			return nil, fmt.Errorf("%w: auto-recharge failed", domain.ErrPaymentRequired)
		}
		u.log.Info().Str("user_id", user.ID).Str("invoice_id", invoiceID).Float64("shortfall", shortfall).Msg("offline charge issued, waiting for settlement")
		// Bounded wait for the charge to post, then re-check with the
		// recharge path disabled so a charge that silently fails to post
		// cannot recurse forever.
		u.settleWait(ctx, u.settleDelay)
		return u.deduct(ctx, req, false)
	}

	credit := &model.BillingCredit{
		ID:              model.NewLedgerID(),
		UserID:          user.ID,
		Credits:         -required,
		TransactionID:   req.JobID,
		TransactionType: model.TransactionTypeFineTuningJob,
		CreatedAt:       time.Now().UTC(),
	}
	usage := &model.Usage{
		ID:          model.NewLedgerID(),
		UserID:      user.ID,
		UsageAmount: req.UsageAmount,
		UsageUnit:   req.UsageUnit,
		Cost:        required,
		ServiceName: req.ServiceName,
		JobID:       job.ID,
		CreatedAt:   time.Now().UTC(),
	}

	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.users.AdjustBalance(ctx, tx, user.ID, -required); err != nil {
			return err
		}
		if err := u.jobs.UpdateNumTokens(ctx, tx, job.ID, req.UsageAmount); err != nil {
			return err
		}
		if err := u.billing.SaveCredit(ctx, tx, credit); err != nil {
			return err
		}
		return u.billing.SaveUsage(ctx, tx, usage)
	})
	if err != nil {
		return nil, err
	}

	metrics.ObserveCredits("deduct", required)
	u.log.Info().Str("user_id", user.ID).Str("job_id", job.ID).Float64("credits", required).Msg("deducted credits")
	return credit, nil
}

func (u *billingUC) AddManualCredits(ctx context.Context, userID string, amount float64, transactionID string) (*model.BillingCredit, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidArgument)
	}
	user, err := u.users.FindByID(ctx, nil, userID)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	return u.addCredits(ctx, user, amount, transactionID, model.TransactionTypeManualAdjustment, false)
}

func (u *billingUC) AddStripeCredits(ctx context.Context, userID string, amountDollars float64, baseURL string) (string, error) {
	user, err := u.users.FindByID(ctx, nil, userID)
	if err != nil {
		return "", fmt.Errorf("user %s: %w", userID, err)
	}
	return u.payment.CreateCheckoutSession(ctx, user, amountDollars,
		baseURL+"/billing/success", baseURL+"/billing/cancel")
}

func (u *billingUC) HandleChargeSucceeded(ctx context.Context, customerID, chargeID string, amountCaptured int64) error {
	user, err := u.users.FindByStripeCustomerID(ctx, nil, customerID)
	if err != nil {
		return fmt.Errorf("stripe customer %s: %w", customerID, err)
	}
	amount := float64(amountCaptured) / 100 // cents to credits
	_, err = u.addCredits(ctx, user, amount, chargeID, model.TransactionTypeStripeCheckout, true)
	if errors.Is(err, domain.ErrDuplicateTransaction) {
		// Webhook redelivery; the charge is already posted.
		return nil
	}
	return err
}

// addCredits posts a positive ledger entry and raises the user's balance in
// one transaction. tolerateDuplicate only affects who reports the conflict;
// the duplicate key never creates a second row either way.
func (u *billingUC) addCredits(ctx context.Context, user *model.User, amount float64, transactionID string, txType model.TransactionType, tolerateDuplicate bool) (*model.BillingCredit, error) {
	existing, err := u.billing.FindCredit(ctx, nil, user.ID, transactionID, txType)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if tolerateDuplicate {
			return existing, domain.ErrDuplicateTransaction
		}
		return nil, fmt.Errorf("%w: transaction %s already recorded", domain.ErrDuplicateTransaction, transactionID)
	}

	credit := &model.BillingCredit{
		ID:              model.NewLedgerID(),
		UserID:          user.ID,
		Credits:         amount,
		TransactionID:   transactionID,
		TransactionType: txType,
		CreatedAt:       time.Now().UTC(),
	}
	err = u.tm.WithTx(ctx, pgx.TxOptions{}, func(ctx context.Context, tx repository.Tx) error {
		if err := u.users.AdjustBalance(ctx, tx, user.ID, amount); err != nil {
			return err
		}
		return u.billing.SaveCredit(ctx, tx, credit)
	})
	if err != nil {
		return nil, err
	}

	metrics.ObserveCredits("add", amount)
	u.log.Info().Str("user_id", user.ID).Str("transaction_id", transactionID).Float64("credits", amount).Msg("added credits")
	return credit, nil
}

func (u *billingUC) CreditHistory(ctx context.Context, userID string, from, to time.Time, page, perPage int) ([]*model.BillingCredit, error) {
	if !from.IsZero() && !to.IsZero() && to.Before(from) {
		return nil, fmt.Errorf("%w: end date before start date", domain.ErrInvalidArgument)
	}
	if page < 1 {
		page = 1
	}
	if perPage <= 0 {
		perPage = 20
	}
	return u.billing.ListCredits(ctx, nil, userID, from, to, (page-1)*perPage, perPage)
}
