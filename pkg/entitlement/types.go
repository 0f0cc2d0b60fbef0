package entitlement

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Credits is a count of consumable credit units.
type Credits int64

// AccountID identifies a ledger account.
type AccountID struct {
	value string
}

// SessionKey identifies the browser session or claimed identity owning an account.
type SessionKey struct {
	value string
}

// IdempotencyKey scopes duplicate detection for balance mutations.
type IdempotencyKey struct {
	value string
}

// Reason names the feature or purchase that caused a ledger mutation.
type Reason struct {
	value string
}

// NewCredits validates an amount and ensures it is strictly positive.
func NewCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidCredits)
	}
	return Credits(raw), nil
}

// Int64 returns the raw credit count.
func (credits Credits) Int64() int64 {
	return int64(credits)
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// NewSessionKey validates and normalizes a session key.
func NewSessionKey(raw string) (SessionKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SessionKey{}, fmt.Errorf("%w: empty value", ErrInvalidSessionKey)
	}
	return SessionKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key SessionKey) String() string {
	return key.value
}

// NewIdempotencyKey validates and normalizes an idempotency key.
func NewIdempotencyKey(raw string) (IdempotencyKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return IdempotencyKey{}, fmt.Errorf("%w: empty value", ErrInvalidIdempotencyKey)
	}
	return IdempotencyKey{value: trimmed}, nil
}

// String returns the normalized key.
func (key IdempotencyKey) String() string {
	return key.value
}

// NewReason validates and normalizes a mutation reason.
func NewReason(raw string) (Reason, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Reason{}, fmt.Errorf("%w: empty value", ErrInvalidReason)
	}
	return Reason{value: trimmed}, nil
}

// String returns the normalized reason.
func (reason Reason) String() string {
	return reason.value
}

// MetadataJSON stores arbitrary request metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = defaultMetadataJSON
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return defaultMetadataJSON
	}
	return metadata.value
}

// EventKind enumerates ledger event kinds.
type EventKind string

const (
	EventGrant EventKind = "grant"
	EventDebit EventKind = "debit"
)

// String returns the kind label.
func (kind EventKind) String() string {
	return string(kind)
}

// ParseEventKind validates a stored kind label.
func ParseEventKind(raw string) (EventKind, error) {
	switch EventKind(raw) {
	case EventGrant, EventDebit:
		return EventKind(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidEventKind, raw)
	}
}

// Account is a visitor's durable identity.
type Account struct {
	AccountID      AccountID
	SessionKey     SessionKey
	IsGuest        bool
	CreatedUnixUTC int64
}

// Ledger is the per-account entitlement row.
type Ledger struct {
	AccountID                 AccountID
	CreditsRemaining          int64
	TotalCreditsUsed          int64
	TotalCreditsGranted       int64
	UnlimitedActive           bool
	UnlimitedExpiresAtUnixUTC int64
	CreatedUnixUTC            int64
}

// Consistent reports whether the counter invariant holds.
func (ledger Ledger) Consistent() bool {
	return ledger.TotalCreditsGranted-ledger.TotalCreditsUsed == ledger.CreditsRemaining &&
		ledger.CreditsRemaining >= 0 &&
		ledger.TotalCreditsUsed >= 0 &&
		ledger.TotalCreditsGranted >= 0
}

// unlimitedExpired reports whether a subscription-based unlimited flag has lapsed.
func (ledger Ledger) unlimitedExpired(nowUnixUTC int64) bool {
	return ledger.UnlimitedActive &&
		ledger.UnlimitedExpiresAtUnixUTC != 0 &&
		nowUnixUTC > ledger.UnlimitedExpiresAtUnixUTC
}

// LedgerEvent is a single immutable line in the audit trail.
type LedgerEvent struct {
	EventID          string
	AccountID        AccountID
	Kind             EventKind
	Amount           int64
	Reason           Reason
	IdempotencyKey   IdempotencyKey
	ResultingBalance int64
	MetadataJSON     MetadataJSON
	CreatedUnixUTC   int64
}

// ReplayBalance folds events in chronological order into the balance they
// produce. It is the reconciliation anchor: the result must equal the
// ledger row's CreditsRemaining.
func ReplayBalance(events []LedgerEvent) int64 {
	var balance int64
	for _, event := range events {
		switch event.Kind {
		case EventGrant:
			balance += event.Amount
		case EventDebit:
			balance -= event.Amount
		}
	}
	return balance
}

// Store is the persistence contract used by Service, Bootstrapper, and Gate.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	UpsertAccount(ctx context.Context, account Account) (Account, error)
	GetAccount(ctx context.Context, accountID AccountID) (Account, error)
	CreateLedger(ctx context.Context, ledger Ledger) error
	GetLedger(ctx context.Context, accountID AccountID) (Ledger, error)
	GetLedgerForUpdate(ctx context.Context, accountID AccountID) (Ledger, error)
	SaveLedger(ctx context.Context, ledger Ledger) error
	AppendEvent(ctx context.Context, event LedgerEvent) error
	GetEventByIdempotencyKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (LedgerEvent, error)
	ListEvents(ctx context.Context, accountID AccountID, limit int) ([]LedgerEvent, error)
}
