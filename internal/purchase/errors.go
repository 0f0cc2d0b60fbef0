package purchase

import "errors"

// Domain-level error values returned by the purchase flow.
var (
	ErrInvalidPlan          = errors.New("invalid plan")
	ErrInvalidIntentStatus  = errors.New("invalid intent status")
	ErrInvalidOutcome       = errors.New("invalid outcome")
	ErrInvalidOrchestrator  = errors.New("invalid orchestrator config")
	ErrProviderUnavailable  = errors.New("provider unavailable")
	ErrIgnoredWebhookEvent  = errors.New("ignored webhook event")
	ErrUnknownSession       = errors.New("unknown provider session")
	ErrIntentExists         = errors.New("intent already exists")
	ErrIntentClosed         = errors.New("intent closed")
)
