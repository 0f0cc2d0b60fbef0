package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Service is the sole writer of entitlement ledgers. Every balance mutation
// runs as a single transaction against the Store so concurrent debits for
// the same account never both act on a stale balance.
type Service struct {
	store  Store
	nowFn  func() int64
	logger OperationLogger
}

// NewService wires a Service.
func NewService(store Store, now func() int64, options ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{store: store, nowFn: now}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetBalance returns a read-only ledger snapshot. A lapsed unlimited flag is
// cleared lazily here rather than by a background sweep.
func (service *Service) GetBalance(ctx context.Context, accountID AccountID) (Ledger, error) {
	ledger, err := service.store.GetLedger(ctx, accountID)
	if err != nil {
		return Ledger{}, err
	}
	if ledger.unlimitedExpired(service.nowFn()) {
		return service.clearExpiredUnlimited(ctx, accountID)
	}
	return ledger, nil
}

// ListEvents returns the most recent audit-trail events for an account.
func (service *Service) ListEvents(ctx context.Context, accountID AccountID, limit int) ([]LedgerEvent, error) {
	if limit <= 0 {
		limit = DefaultEventListLimit
	}
	return service.store.ListEvents(ctx, accountID, limit)
}

// Debit atomically consumes credits. Either the full check-decrement-append
// sequence commits, or nothing does and ErrInsufficientCredits is returned.
// Under an active unlimited flag the counters stay untouched and a
// zero-amount event records the usage.
func (service *Service) Debit(ctx context.Context, accountID AccountID, amount Credits, reason Reason) (Ledger, error) {
	var result Ledger
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		ledger, err := transactionStore.GetLedgerForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		nowUnixUTC := service.nowFn()
		if ledger.unlimitedExpired(nowUnixUTC) {
			ledger.UnlimitedActive = false
			ledger.UnlimitedExpiresAtUnixUTC = 0
			if err := transactionStore.SaveLedger(ctx, ledger); err != nil {
				return err
			}
		}
		if ledger.UnlimitedActive {
			event := LedgerEvent{
				AccountID:        accountID,
				Kind:             EventDebit,
				Amount:           0,
				Reason:           reason,
				IdempotencyKey:   generatedIdempotencyKey(debitIdempotencyStem),
				ResultingBalance: ledger.CreditsRemaining,
				CreatedUnixUTC:   nowUnixUTC,
			}
			if err := transactionStore.AppendEvent(ctx, event); err != nil {
				return err
			}
			result = ledger
			return nil
		}
		if ledger.CreditsRemaining < amount.Int64() {
			return ErrInsufficientCredits
		}
		ledger.CreditsRemaining -= amount.Int64()
		ledger.TotalCreditsUsed += amount.Int64()
		if err := transactionStore.SaveLedger(ctx, ledger); err != nil {
			return err
		}
		event := LedgerEvent{
			AccountID:        accountID,
			Kind:             EventDebit,
			Amount:           amount.Int64(),
			Reason:           reason,
			IdempotencyKey:   generatedIdempotencyKey(debitIdempotencyStem),
			ResultingBalance: ledger.CreditsRemaining,
			CreatedUnixUTC:   nowUnixUTC,
		}
		if err := transactionStore.AppendEvent(ctx, event); err != nil {
			return err
		}
		result = ledger
		return nil
	})
	service.logOperation(ctx, OperationLog{
		Operation:        operationDebit,
		AccountID:        accountID,
		Amount:           amount.Int64(),
		Reason:           reason,
		ResultingBalance: result.CreditsRemaining,
		Error:            operationError,
	})
	return result, operationError
}

// Grant atomically adds credits, keyed so that replays (duplicated webhook
// deliveries) return the already-recorded result instead of granting twice.
func (service *Service) Grant(ctx context.Context, accountID AccountID, amount Credits, reason Reason, idempotencyKey IdempotencyKey) (Ledger, error) {
	var result Ledger
	replayed := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		ledger, err := service.ledgerForMutation(ctx, transactionStore, accountID)
		if err != nil {
			return err
		}
		_, err = transactionStore.GetEventByIdempotencyKey(ctx, accountID, idempotencyKey)
		if err == nil {
			replayed = true
			result = ledger
			return nil
		}
		if !errors.Is(err, ErrEventNotFound) {
			return err
		}
		ledger.CreditsRemaining += amount.Int64()
		ledger.TotalCreditsGranted += amount.Int64()
		if err := transactionStore.SaveLedger(ctx, ledger); err != nil {
			return err
		}
		event := LedgerEvent{
			AccountID:        accountID,
			Kind:             EventGrant,
			Amount:           amount.Int64(),
			Reason:           reason,
			IdempotencyKey:   idempotencyKey,
			ResultingBalance: ledger.CreditsRemaining,
			CreatedUnixUTC:   service.nowFn(),
		}
		if err := transactionStore.AppendEvent(ctx, event); err != nil {
			return err
		}
		result = ledger
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		// Lost a race against an identical grant; the recorded result stands.
		ledger, err := service.store.GetLedger(ctx, accountID)
		if err != nil {
			return Ledger{}, err
		}
		result = ledger
		replayed = true
		operationError = nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:        operationGrant,
		AccountID:        accountID,
		Amount:           amount.Int64(),
		Reason:           reason,
		IdempotencyKey:   idempotencyKey,
		ResultingBalance: result.CreditsRemaining,
		Status:           replayStatus(replayed, operationError),
		Error:            operationError,
	})
	return result, operationError
}

// ActivateUnlimited flips the unlimited flag with the same idempotency-key
// discipline as Grant. A zero-amount grant event records the activation.
func (service *Service) ActivateUnlimited(ctx context.Context, accountID AccountID, expiresAtUnixUTC int64, reason Reason, idempotencyKey IdempotencyKey) (Ledger, error) {
	var result Ledger
	replayed := false
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		ledger, err := service.ledgerForMutation(ctx, transactionStore, accountID)
		if err != nil {
			return err
		}
		_, err = transactionStore.GetEventByIdempotencyKey(ctx, accountID, idempotencyKey)
		if err == nil {
			replayed = true
			result = ledger
			return nil
		}
		if !errors.Is(err, ErrEventNotFound) {
			return err
		}
		ledger.UnlimitedActive = true
		ledger.UnlimitedExpiresAtUnixUTC = expiresAtUnixUTC
		if err := transactionStore.SaveLedger(ctx, ledger); err != nil {
			return err
		}
		event := LedgerEvent{
			AccountID:        accountID,
			Kind:             EventGrant,
			Amount:           0,
			Reason:           reason,
			IdempotencyKey:   idempotencyKey,
			ResultingBalance: ledger.CreditsRemaining,
			CreatedUnixUTC:   service.nowFn(),
		}
		if err := transactionStore.AppendEvent(ctx, event); err != nil {
			return err
		}
		result = ledger
		return nil
	})
	if errors.Is(operationError, ErrDuplicateIdempotencyKey) {
		ledger, err := service.store.GetLedger(ctx, accountID)
		if err != nil {
			return Ledger{}, err
		}
		result = ledger
		replayed = true
		operationError = nil
	}
	service.logOperation(ctx, OperationLog{
		Operation:      operationActivateUnlimited,
		AccountID:      accountID,
		Reason:         reason,
		IdempotencyKey: idempotencyKey,
		Status:         replayStatus(replayed, operationError),
		Error:          operationError,
	})
	return result, operationError
}

// ledgerForMutation row-locks the ledger, materializing an empty row first
// when a grant lands before bootstrap finished.
func (service *Service) ledgerForMutation(ctx context.Context, transactionStore Store, accountID AccountID) (Ledger, error) {
	ledger, err := transactionStore.GetLedgerForUpdate(ctx, accountID)
	if err == nil {
		return ledger, nil
	}
	if !errors.Is(err, ErrLedgerNotFound) {
		return Ledger{}, err
	}
	ledger = Ledger{AccountID: accountID, CreatedUnixUTC: service.nowFn()}
	if createErr := transactionStore.CreateLedger(ctx, ledger); createErr != nil {
		if errors.Is(createErr, ErrLedgerExists) {
			return transactionStore.GetLedgerForUpdate(ctx, accountID)
		}
		return Ledger{}, createErr
	}
	return ledger, nil
}

func (service *Service) clearExpiredUnlimited(ctx context.Context, accountID AccountID) (Ledger, error) {
	var result Ledger
	operationError := service.store.WithTx(ctx, func(ctx context.Context, transactionStore Store) error {
		ledger, err := transactionStore.GetLedgerForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		if ledger.unlimitedExpired(service.nowFn()) {
			ledger.UnlimitedActive = false
			ledger.UnlimitedExpiresAtUnixUTC = 0
			if err := transactionStore.SaveLedger(ctx, ledger); err != nil {
				return err
			}
		}
		result = ledger
		return nil
	})
	if operationError != nil {
		return Ledger{}, operationError
	}
	service.logOperation(ctx, OperationLog{
		Operation:        operationExpireUnlimited,
		AccountID:        accountID,
		ResultingBalance: result.CreditsRemaining,
	})
	return result, nil
}

func (service *Service) logOperation(ctx context.Context, entry OperationLog) {
	if service.logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	service.logger.LogOperation(ctx, entry)
}

func replayStatus(replayed bool, operationError error) string {
	if operationError != nil {
		return operationStatusError
	}
	if replayed {
		return operationStatusReplayed
	}
	return operationStatusOK
}

func generatedIdempotencyKey(stem string) IdempotencyKey {
	key, _ := NewIdempotencyKey(stem + uuid.NewString())
	return key
}
