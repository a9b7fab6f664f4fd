package domain

import "errors"

var (
	// Common domain errors
	ErrNotFound             = errors.New("entity not found")
	ErrAlreadyExists        = errors.New("entity already exists")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrInsufficientCredits  = errors.New("insufficient credits")
	ErrPaymentRequired      = errors.New("payment required")
	ErrDuplicateTransaction = errors.New("duplicate billing transaction")
	ErrEmailNotVerified     = errors.New("email verification required")

	// Job lifecycle errors
	ErrInvalidJobState        = errors.New("operation not allowed in current job state")
	ErrFullFineTuningDisabled = errors.New("full fine-tuning is currently disabled")

	// Scheduler gateway errors
	ErrJobSubmission  = errors.New("fine-tuning job submission failed")
	ErrJobRefresh     = errors.New("fine-tuning job refresh failed")
	ErrJobCancelation = errors.New("fine-tuning job cancelation failed")
	ErrJobNotRunning  = errors.New("job not found or not running")

	// Persistence errors
	ErrOperationFailed    = errors.New("database operation failed")
	ErrReadDatabaseRow    = errors.New("failed to read database row")
	ErrInvalidExecContext = errors.New("invalid executor context")

	// Lock errors
	ErrLockHeld = errors.New("lock already held")
)
