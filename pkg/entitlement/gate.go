package entitlement

import (
	"context"
	"fmt"
)

// DecisionReason explains a gate decision to the caller.
type DecisionReason string

const (
	ReasonUnlimited           DecisionReason = "unlimited"
	ReasonSufficientCredits   DecisionReason = "sufficient_credits"
	ReasonGraceWindow         DecisionReason = "grace_window"
	ReasonInsufficientCredits DecisionReason = "insufficient_credits"
)

// Decision is the gate's advisory answer. Enforcement happens in Debit.
type Decision struct {
	Allowed bool
	Reason  DecisionReason
}

// BalanceReader is the read-side dependency of the gate.
type BalanceReader interface {
	GetBalance(ctx context.Context, accountID AccountID) (Ledger, error)
}

// Gate is the stateless allow/deny decision consumed immediately before a
// premium action executes. It never mutates the ledger and never blocks on
// bootstrap or purchase completion.
type Gate struct {
	reader BalanceReader
}

// NewGate wires a Gate.
func NewGate(reader BalanceReader) (*Gate, error) {
	if reader == nil {
		return nil, fmt.Errorf("%w: balance reader is nil", ErrInvalidServiceConfig)
	}
	return &Gate{reader: reader}, nil
}

// Check decides whether a premium action costing requiredCredits may
// proceed. An account that has never been debited passes for any cost (the
// one-time grace window). Read failures fail open the same way: a new user
// must not see a paywall because the store was slow, and the authoritative
// re-check happens inside Debit anyway.
func (gate *Gate) Check(ctx context.Context, accountID AccountID, requiredCredits Credits) Decision {
	ledger, err := gate.reader.GetBalance(ctx, accountID)
	if err != nil {
		return Decision{Allowed: true, Reason: ReasonGraceWindow}
	}
	if ledger.UnlimitedActive {
		return Decision{Allowed: true, Reason: ReasonUnlimited}
	}
	if ledger.TotalCreditsUsed == 0 {
		return Decision{Allowed: true, Reason: ReasonGraceWindow}
	}
	if ledger.CreditsRemaining >= requiredCredits.Int64() {
		return Decision{Allowed: true, Reason: ReasonSufficientCredits}
	}
	return Decision{Allowed: false, Reason: ReasonInsufficientCredits}
}
