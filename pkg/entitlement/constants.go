package entitlement

const (
	operationDebit             = "debit"
	operationGrant             = "grant"
	operationActivateUnlimited = "activate_unlimited"
	operationExpireUnlimited   = "expire_unlimited"
	operationEnsureAccount     = "ensure_account"
	operationInitialGrant      = "initial_grant"

	operationStatusOK       = "ok"
	operationStatusError    = "error"
	operationStatusReplayed = "replayed"

	defaultMetadataJSON = "{}"

	guestSessionPrefix       = "guest:"
	bootstrapIdempotencyStem = "bootstrap:"
	debitIdempotencyStem     = "debit:"
	reasonInitialGrantValue  = "initial_grant"
)

// DefaultInitialGrant is the starting balance for freshly bootstrapped accounts.
const DefaultInitialGrant Credits = 3

// DefaultEventListLimit bounds audit-trail reads for the wallet view.
const DefaultEventListLimit = 50
