package purchase

import (
	"context"
	"fmt"

	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
)

// Status defines the purchase-intent lifecycle. Terminal states are final.
type Status string

const (
	StatusCreated   Status = "created"
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// String returns the status label.
func (status Status) String() string {
	return string(status)
}

// Terminal reports whether the status can never change again.
func (status Status) Terminal() bool {
	return status == StatusConfirmed || status == StatusFailed || status == StatusExpired
}

// ParseStatus validates a stored status label.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusCreated, StatusConfirmed, StatusFailed, StatusExpired:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidIntentStatus, raw)
	}
}

// Outcome is the payment provider's verdict delivered via webhook.
type Outcome string

const (
	OutcomePaid   Outcome = "paid"
	OutcomeFailed Outcome = "failed"
)

// ParseOutcome validates a webhook outcome label.
func ParseOutcome(raw string) (Outcome, error) {
	switch Outcome(raw) {
	case OutcomePaid, OutcomeFailed:
		return Outcome(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, raw)
	}
}

// Intent tracks one checkout attempt from session creation to its terminal
// state. The provider session id doubles as the grant idempotency key.
type Intent struct {
	IntentID          string
	AccountID         entitlement.AccountID
	PlanType          string
	ProviderSessionID string
	Status            Status
	CreatedUnixUTC    int64
}

// CheckoutSession is the provider's redirect target for a new intent.
type CheckoutSession struct {
	ProviderSessionID string
	URL               string
}

// Provider creates hosted checkout sessions with the payment provider.
type Provider interface {
	CreateCheckoutSession(ctx context.Context, intentID string, accountID entitlement.AccountID, plan Plan) (CheckoutSession, error)
}

// Store is the persistence contract for purchase intents.
type Store interface {
	CreateIntent(ctx context.Context, intent Intent) error
	GetIntentByProviderSession(ctx context.Context, providerSessionID string) (Intent, error)
	UpdateIntentStatus(ctx context.Context, intentID string, from, to Status) error
	ExpireStaleIntents(ctx context.Context, cutoffUnixUTC int64) (int64, error)
}

// LedgerWriter is the slice of the entitlement service the orchestrator
// needs: the only path that turns money into credits.
type LedgerWriter interface {
	Grant(ctx context.Context, accountID entitlement.AccountID, amount entitlement.Credits, reason entitlement.Reason, idempotencyKey entitlement.IdempotencyKey) (entitlement.Ledger, error)
	ActivateUnlimited(ctx context.Context, accountID entitlement.AccountID, expiresAtUnixUTC int64, reason entitlement.Reason, idempotencyKey entitlement.IdempotencyKey) (entitlement.Ledger, error)
}
