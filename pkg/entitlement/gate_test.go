package entitlement

import (
	"context"
	"errors"
	"testing"
)

const (
	caseUnlimitedAccount    = "unlimited account"
	caseFreshAccount        = "fresh account passes any cost"
	caseSufficientBalance   = "sufficient balance"
	caseInsufficientBalance = "insufficient balance"
	caseExpiredUnlimited    = "expired unlimited falls through to balance"
)

func TestCheckDecisions(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name        string
		ledger      Ledger
		required    int64
		wantAllowed bool
		wantReason  DecisionReason
	}{
		{
			name:        caseUnlimitedAccount,
			ledger:      Ledger{CreditsRemaining: 0, TotalCreditsUsed: 9, TotalCreditsGranted: 9, UnlimitedActive: true, UnlimitedExpiresAtUnixUTC: 500},
			required:    5,
			wantAllowed: true,
			wantReason:  ReasonUnlimited,
		},
		{
			name:        caseFreshAccount,
			ledger:      Ledger{CreditsRemaining: 3, TotalCreditsGranted: 3},
			required:    100,
			wantAllowed: true,
			wantReason:  ReasonGraceWindow,
		},
		{
			name:        caseSufficientBalance,
			ledger:      Ledger{CreditsRemaining: 2, TotalCreditsUsed: 1, TotalCreditsGranted: 3},
			required:    2,
			wantAllowed: true,
			wantReason:  ReasonSufficientCredits,
		},
		{
			name:        caseInsufficientBalance,
			ledger:      Ledger{CreditsRemaining: 1, TotalCreditsUsed: 2, TotalCreditsGranted: 3},
			required:    2,
			wantAllowed: false,
			wantReason:  ReasonInsufficientCredits,
		},
		{
			name:        caseExpiredUnlimited,
			ledger:      Ledger{CreditsRemaining: 0, TotalCreditsUsed: 3, TotalCreditsGranted: 3, UnlimitedActive: true, UnlimitedExpiresAtUnixUTC: 50},
			required:    1,
			wantAllowed: false,
			wantReason:  ReasonInsufficientCredits,
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			accountID := mustAccountID(test, accountIDValue)
			ledger := testCase.ledger
			ledger.AccountID = accountID
			store.seedLedger(ledger)
			service := mustNewService(test, store)
			gate, err := NewGate(service)
			if err != nil {
				test.Fatalf("new gate: %v", err)
			}

			decision := gate.Check(context.Background(), accountID, mustCredits(test, testCase.required))
			if decision.Allowed != testCase.wantAllowed {
				test.Fatalf("expected allowed=%v, got %v", testCase.wantAllowed, decision.Allowed)
			}
			if decision.Reason != testCase.wantReason {
				test.Fatalf("expected reason %s, got %s", testCase.wantReason, decision.Reason)
			}
		})
	}
}

func TestCheckFailsOpenOnReadError(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.getLedgerError = errors.New("store down")
	service := mustNewService(test, store)
	gate, err := NewGate(service)
	if err != nil {
		test.Fatalf("new gate: %v", err)
	}

	decision := gate.Check(context.Background(), mustAccountID(test, accountIDValue), mustCredits(test, 1))
	if !decision.Allowed {
		test.Fatalf("expected fail-open decision on read error")
	}
	if decision.Reason != ReasonGraceWindow {
		test.Fatalf("expected grace_window reason, got %s", decision.Reason)
	}
}

func TestCheckFailsOpenOnMissingLedger(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	gate, err := NewGate(service)
	if err != nil {
		test.Fatalf("new gate: %v", err)
	}

	decision := gate.Check(context.Background(), mustAccountID(test, accountIDValue), mustCredits(test, 1))
	if !decision.Allowed || decision.Reason != ReasonGraceWindow {
		test.Fatalf("expected grace allowance before bootstrap, got %+v", decision)
	}
}
