// File: internal/infra/payment/stripe_gateway.go
package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"finetune-api/internal/config"
	"finetune-api/internal/domain/model"
	"finetune-api/internal/domain/ports/adapter"
)

var _ adapter.PaymentProcessor = (*StripeGateway)(nil)

// StripeGateway implements PaymentProcessor against Stripe's REST API using
// form-encoded requests. The base URL is configurable so tests can point it at
// a local server.
type StripeGateway struct {
	secretKey string
	baseURL   string
	client    *http.Client
	log       *zerolog.Logger
}

func NewStripeGateway(cfg config.StripeConfig, logger *zerolog.Logger) *StripeGateway {
	l := logger.With().Str("component", "StripeGateway").Logger()
	return &StripeGateway{
		secretKey: cfg.SecretKey,
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		client:    &http.Client{Timeout: 30 * time.Second},
		log:       &l,
	}
}

func cents(dollars float64) int64 {
	return int64(math.Ceil(dollars * 100))
}

// ChargeOffline invoices the customer's default payment method immediately:
// draft invoice, attach a one-off item, finalize, pay.
func (g *StripeGateway) ChargeOffline(ctx context.Context, user *model.User, amountDollars float64) (string, error) {
	if user.StripeCustomerID == "" {
		return "", fmt.Errorf("user %s has no stripe customer", user.ID)
	}

	var invoice struct {
		ID string `json:"id"`
	}
	err := g.postForm(ctx, "/v1/invoices", url.Values{
		"customer":     {user.StripeCustomerID},
		"auto_advance": {"true"},
	}, &invoice)
	if err != nil {
		return "", fmt.Errorf("create invoice: %w", err)
	}

	err = g.postForm(ctx, "/v1/invoiceitems", url.Values{
		"customer":    {user.StripeCustomerID},
		"amount":      {strconv.FormatInt(cents(amountDollars), 10)},
		"currency":    {"usd"},
		"description": {"Credits (auto-charge)"},
		"invoice":     {invoice.ID},
	}, nil)
	if err != nil {
		return "", fmt.Errorf("create invoice item: %w", err)
	}

	if err := g.postForm(ctx, "/v1/invoices/"+invoice.ID+"/finalize", nil, nil); err != nil {
		return "", fmt.Errorf("finalize invoice: %w", err)
	}
	if err := g.postForm(ctx, "/v1/invoices/"+invoice.ID+"/pay", nil, nil); err != nil {
		return "", fmt.Errorf("pay invoice: %w", err)
	}

	g.log.Info().Str("user_id", user.ID).Str("invoice_id", invoice.ID).Float64("amount", amountDollars).Msg("charged customer offline")
	return invoice.ID, nil
}

func (g *StripeGateway) CreateCheckoutSession(ctx context.Context, user *model.User, amountDollars float64, successURL, cancelURL string) (string, error) {
	form := url.Values{
		"payment_method_types[]":                      {"card"},
		"mode":                                        {"payment"},
		"success_url":                                 {successURL},
		"cancel_url":                                  {cancelURL},
		"client_reference_id":                         {user.ID},
		"line_items[0][quantity]":                     {"1"},
		"line_items[0][price_data][currency]":         {"usd"},
		"line_items[0][price_data][unit_amount]":      {strconv.FormatInt(cents(amountDollars), 10)},
		"line_items[0][price_data][product_data][name]": {"Credits"},
	}
	if user.StripeCustomerID != "" {
		form.Set("customer", user.StripeCustomerID)
	}

	var session struct {
		ID  string `json:"id"`
		URL string `json:"url"`
	}
	if err := g.postForm(ctx, "/v1/checkout/sessions", form, &session); err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return session.URL, nil
}

func (g *StripeGateway) postForm(ctx context.Context, path string, form url.Values, out any) error {
	var body io.Reader
	if len(form) > 0 {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		raw, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("stripe %s: %s", path, apiErr.Error.Message)
		}
		return fmt.Errorf("stripe %s: status %d", path, resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
