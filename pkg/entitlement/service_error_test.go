package entitlement

import (
	"context"
	"errors"
	"testing"
)

const (
	errStoreMessage      = "store error"
	caseLedgerReadError  = "ledger read error"
	caseLedgerSaveError  = "ledger save error"
	caseEventAppendError = "event append error"
	caseEventLookupError = "event lookup error"
	errorMismatchMessage = "expected %v, got %v"
)

var errStoreFailure = errors.New(errStoreMessage)

func TestDebitReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
	}{
		{
			name: caseLedgerReadError,
			configure: func(store *stubStore) {
				store.getLedgerError = errStoreFailure
			},
		},
		{
			name: caseLedgerSaveError,
			configure: func(store *stubStore) {
				store.saveLedgerError = errStoreFailure
			},
		},
		{
			name: caseEventAppendError,
			configure: func(store *stubStore) {
				store.appendEventError = errStoreFailure
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			accountID := mustAccountID(test, accountIDValue)
			store.seedLedger(Ledger{AccountID: accountID, CreditsRemaining: 5, TotalCreditsGranted: 5})
			testCase.configure(store)
			service := mustNewService(test, store)

			_, err := service.Debit(context.Background(), accountID, mustCredits(test, 1), mustReason(test, debitReasonValue))
			if !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatchMessage, errStoreFailure, err)
			}
		})
	}
}

func TestGrantReturnsStoreErrors(test *testing.T) {
	test.Parallel()
	testCases := []struct {
		name      string
		configure func(store *stubStore)
	}{
		{
			name: caseLedgerSaveError,
			configure: func(store *stubStore) {
				store.saveLedgerError = errStoreFailure
			},
		},
		{
			name: caseEventLookupError,
			configure: func(store *stubStore) {
				store.getEventError = errStoreFailure
			},
		},
		{
			name: caseEventAppendError,
			configure: func(store *stubStore) {
				store.appendEventError = errStoreFailure
			},
		},
	}

	for _, testCase := range testCases {
		testCase := testCase
		test.Run(testCase.name, func(test *testing.T) {
			test.Parallel()
			store := newStubStore(test)
			accountID := mustAccountID(test, accountIDValue)
			store.seedLedger(Ledger{AccountID: accountID, CreditsRemaining: 5, TotalCreditsGranted: 5})
			testCase.configure(store)
			service := mustNewService(test, store)

			_, err := service.Grant(context.Background(), accountID, mustCredits(test, 1), mustReason(test, grantReasonValue), mustIdempotencyKey(test, "err-grant"))
			if !errors.Is(err, errStoreFailure) {
				test.Fatalf(errorMismatchMessage, errStoreFailure, err)
			}
		})
	}
}

func TestNewServiceRejectsNilDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewService(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewService(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}

func TestNewBootstrapperRejectsNilDependencies(test *testing.T) {
	test.Parallel()
	if _, err := NewBootstrapper(nil, func() int64 { return 0 }); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil store, got %v", err)
	}
	if _, err := NewBootstrapper(newStubStore(test), nil); !errors.Is(err, ErrInvalidServiceConfig) {
		test.Fatalf("expected ErrInvalidServiceConfig for nil clock, got %v", err)
	}
}
