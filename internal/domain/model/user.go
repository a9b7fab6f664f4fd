package model

import "time"

type User struct {
	ID               string
	Email            string
	Name             string
	EmailVerified    bool
	CreditsBalance   float64
	StripeCustomerID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
