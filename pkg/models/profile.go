package models

import "time"

// SubscriptionActive is the subscription status of a paying profile.
const SubscriptionActive = "active"

// Profile is the billing-relevant part of a user account.
type Profile struct {
	ID                  string    `json:"id" db:"id"`
	Email               string    `json:"email" db:"email"`
	Tier                string    `json:"tier" db:"tier"`
	SubscriptionStatus  string    `json:"subscription_status" db:"subscription_status"`
	FastSpringAccountID string    `json:"fastspring_account_id,omitempty" db:"fastspring_account_id"`
	CreatedAt           time.Time `json:"created_at" db:"created_at"`
}
