package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Bootstrapper guarantees every visitor has exactly one account and, for new
// accounts, exactly one initial grant. Both operations are idempotent under
// concurrent first-load races (two tabs opened simultaneously).
type Bootstrapper struct {
	store        Store
	nowFn        func() int64
	initialGrant Credits
	logger       OperationLogger
}

// BootstrapOption configures a Bootstrapper instance.
type BootstrapOption func(*Bootstrapper)

// WithInitialGrant overrides the starting balance for new accounts.
func WithInitialGrant(amount Credits) BootstrapOption {
	return func(bootstrapper *Bootstrapper) {
		bootstrapper.initialGrant = amount
	}
}

// WithBootstrapLogger wires an operation logger.
func WithBootstrapLogger(logger OperationLogger) BootstrapOption {
	return func(bootstrapper *Bootstrapper) {
		bootstrapper.logger = logger
	}
}

// NewBootstrapper wires a Bootstrapper.
func NewBootstrapper(store Store, now func() int64, options ...BootstrapOption) (*Bootstrapper, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	bootstrapper := &Bootstrapper{store: store, nowFn: now, initialGrant: DefaultInitialGrant}
	for _, option := range options {
		if option != nil {
			option(bootstrapper)
		}
	}
	return bootstrapper, nil
}

// EnsureAccount resolves a session to its account, creating a guest account
// with a generated credential when the session is anonymous. The write is an
// upsert keyed on the session key, never a read-then-insert pair.
func (bootstrapper *Bootstrapper) EnsureAccount(ctx context.Context, sessionKey SessionKey, guest bool) (Account, error) {
	if sessionKey.String() == "" {
		generated, err := NewSessionKey(guestSessionPrefix + uuid.NewString())
		if err != nil {
			return Account{}, err
		}
		sessionKey = generated
		guest = true
	}
	accountID, err := NewAccountID(uuid.NewString())
	if err != nil {
		return Account{}, err
	}
	account, operationError := bootstrapper.store.UpsertAccount(ctx, Account{
		AccountID:      accountID,
		SessionKey:     sessionKey,
		IsGuest:        guest,
		CreatedUnixUTC: bootstrapper.nowFn(),
	})
	bootstrapper.logOperation(ctx, OperationLog{
		Operation: operationEnsureAccount,
		AccountID: account.AccountID,
		Error:     operationError,
	})
	return account, operationError
}

// EnsureInitialGrant materializes the ledger row with the starting balance.
// A row that already exists is returned unchanged: the create and its GRANT
// event commit together, so concurrent callers can never double-initialize.
func (bootstrapper *Bootstrapper) EnsureInitialGrant(ctx context.Context, accountID AccountID) (Ledger, error) {
	var result Ledger
	operationError := bootstrapper.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		existing, err := transactionStore.GetLedger(ctx, accountID)
		if err == nil {
			result = existing
			return nil
		}
		if !errors.Is(err, ErrLedgerNotFound) {
			return err
		}
		nowUnixUTC := bootstrapper.nowFn()
		ledger := Ledger{
			AccountID:           accountID,
			CreditsRemaining:    bootstrapper.initialGrant.Int64(),
			TotalCreditsGranted: bootstrapper.initialGrant.Int64(),
			CreatedUnixUTC:      nowUnixUTC,
		}
		if createErr := transactionStore.CreateLedger(ctx, ledger); createErr != nil {
			if errors.Is(createErr, ErrLedgerExists) {
				result, err = transactionStore.GetLedger(ctx, accountID)
				return err
			}
			return createErr
		}
		reason, err := NewReason(reasonInitialGrantValue)
		if err != nil {
			return err
		}
		idempotencyKey, err := NewIdempotencyKey(bootstrapIdempotencyStem + accountID.String())
		if err != nil {
			return err
		}
		event := LedgerEvent{
			AccountID:        accountID,
			Kind:             EventGrant,
			Amount:           bootstrapper.initialGrant.Int64(),
			Reason:           reason,
			IdempotencyKey:   idempotencyKey,
			ResultingBalance: ledger.CreditsRemaining,
			CreatedUnixUTC:   nowUnixUTC,
		}
		if err := transactionStore.AppendEvent(ctx, event); err != nil {
			return err
		}
		result = ledger
		return nil
	})
	bootstrapper.logOperation(ctx, OperationLog{
		Operation:        operationInitialGrant,
		AccountID:        accountID,
		Amount:           bootstrapper.initialGrant.Int64(),
		ResultingBalance: result.CreditsRemaining,
		Error:            operationError,
	})
	return result, operationError
}

func (bootstrapper *Bootstrapper) logOperation(ctx context.Context, entry OperationLog) {
	if bootstrapper.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	bootstrapper.logger.LogOperation(ctx, entry)
}
