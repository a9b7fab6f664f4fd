package adapter

import (
	"context"

	"finetune-api/internal/domain/model"
)

// PaymentProcessor is the slice of the payment provider the credit ledger
// needs: an offline auto-charge against the customer's default payment
// method, and a hosted checkout session for user-initiated top-ups.
type PaymentProcessor interface {
	// ChargeOffline invoices the customer for amountDollars and pays the
	// invoice immediately. Returns the provider invoice id.
	ChargeOffline(ctx context.Context, user *model.User, amountDollars float64) (string, error)
	CreateCheckoutSession(ctx context.Context, user *model.User, amountDollars float64, successURL, cancelURL string) (string, error)
}
