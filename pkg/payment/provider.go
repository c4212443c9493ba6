// Package payment integrates the external hosted-checkout provider.
package payment

import (
	"context"
	"errors"
)

// ErrUnavailable indicates the provider could not be reached or answered
// with a server error. The caller should fail the purchase, not retry inline.
var ErrUnavailable = errors.New("payment provider unavailable")

// Status is the provider-side payment status.
type Status string

const (
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusPending   Status = "pending"
	StatusCancelled Status = "cancelled"
)

// Item describes one line in a checkout preference.
type Item struct {
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"` // decimal string, e.g. "12.50"
}

// Preference is the checkout intent sent to the provider.
type Preference struct {
	Items             []Item `json:"items"`
	ExternalReference string `json:"external_reference"`
	CurrencyID        string `json:"currency_id"`
	SuccessURL        string `json:"success_url"`
	FailureURL        string `json:"failure_url"`
	PendingURL        string `json:"pending_url"`
	NotificationURL   string `json:"notification_url,omitempty"`
}

// CheckoutSession is the provider's answer to a created preference.
type CheckoutSession struct {
	ID          string
	RedirectURL string
}

// Payment is the provider's record of a payment attempt.
type Payment struct {
	ID                string
	Status            Status
	ExternalReference string
	AmountCents       int64
}

// Provider creates hosted-checkout sessions and reports payment outcomes.
type Provider interface {
	// CreatePreference registers a checkout intent and returns the hosted
	// page the buyer must be redirected to.
	CreatePreference(ctx context.Context, pref Preference) (CheckoutSession, error)
	// GetPayment fetches the authoritative state of a payment by its
	// provider-side ID. Used to verify webhook notifications.
	GetPayment(ctx context.Context, paymentID string) (Payment, error)
}
