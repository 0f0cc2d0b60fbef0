package entitlement

import (
	"context"
	"sync"
	"testing"
)

// stubStore keeps everything in maps. WithTx holds the mutex for the whole
// callback so concurrent mutations interleave the same way row locks would.
type stubStore struct {
	mu       sync.Mutex
	accounts map[string]Account
	byID     map[string]Account
	ledgers  map[string]Ledger
	events   []LedgerEvent
	byIdem   map[string]LedgerEvent

	upsertAccountError error
	getAccountError    error
	createLedgerError  error
	getLedgerError     error
	saveLedgerError    error
	appendEventError   error
	getEventError      error
	listEventsError    error
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts: make(map[string]Account),
		byID:     make(map[string]Account),
		ledgers:  make(map[string]Ledger),
		byIdem:   make(map[string]LedgerEvent),
	}
}

func (store *stubStore) seedLedger(ledger Ledger) {
	store.ledgers[ledger.AccountID.String()] = ledger
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	snapshot := store.snapshot()
	if err := fn(ctx, store); err != nil {
		store.restore(snapshot)
		return err
	}
	return nil
}

type stubSnapshot struct {
	ledgers map[string]Ledger
	events  []LedgerEvent
	byIdem  map[string]LedgerEvent
}

func (store *stubStore) snapshot() stubSnapshot {
	ledgers := make(map[string]Ledger, len(store.ledgers))
	for key, value := range store.ledgers {
		ledgers[key] = value
	}
	byIdem := make(map[string]LedgerEvent, len(store.byIdem))
	for key, value := range store.byIdem {
		byIdem[key] = value
	}
	return stubSnapshot{
		ledgers: ledgers,
		events:  append([]LedgerEvent(nil), store.events...),
		byIdem:  byIdem,
	}
}

func (store *stubStore) restore(snapshot stubSnapshot) {
	store.ledgers = snapshot.ledgers
	store.events = snapshot.events
	store.byIdem = snapshot.byIdem
}

func (store *stubStore) UpsertAccount(ctx context.Context, account Account) (Account, error) {
	if store.upsertAccountError != nil {
		return Account{}, store.upsertAccountError
	}
	if existing, ok := store.accounts[account.SessionKey.String()]; ok {
		return existing, nil
	}
	store.accounts[account.SessionKey.String()] = account
	store.byID[account.AccountID.String()] = account
	return account, nil
}

func (store *stubStore) GetAccount(ctx context.Context, accountID AccountID) (Account, error) {
	if store.getAccountError != nil {
		return Account{}, store.getAccountError
	}
	account, ok := store.byID[accountID.String()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (store *stubStore) CreateLedger(ctx context.Context, ledger Ledger) error {
	if store.createLedgerError != nil {
		return store.createLedgerError
	}
	if _, ok := store.ledgers[ledger.AccountID.String()]; ok {
		return ErrLedgerExists
	}
	store.ledgers[ledger.AccountID.String()] = ledger
	return nil
}

func (store *stubStore) GetLedger(ctx context.Context, accountID AccountID) (Ledger, error) {
	if store.getLedgerError != nil {
		return Ledger{}, store.getLedgerError
	}
	ledger, ok := store.ledgers[accountID.String()]
	if !ok {
		return Ledger{}, ErrLedgerNotFound
	}
	return ledger, nil
}

func (store *stubStore) GetLedgerForUpdate(ctx context.Context, accountID AccountID) (Ledger, error) {
	return store.GetLedger(ctx, accountID)
}

func (store *stubStore) SaveLedger(ctx context.Context, ledger Ledger) error {
	if store.saveLedgerError != nil {
		return store.saveLedgerError
	}
	if _, ok := store.ledgers[ledger.AccountID.String()]; !ok {
		return ErrLedgerNotFound
	}
	store.ledgers[ledger.AccountID.String()] = ledger
	return nil
}

func (store *stubStore) AppendEvent(ctx context.Context, event LedgerEvent) error {
	if store.appendEventError != nil {
		return store.appendEventError
	}
	idemKey := event.AccountID.String() + "/" + event.IdempotencyKey.String()
	if _, exists := store.byIdem[idemKey]; exists {
		return ErrDuplicateIdempotencyKey
	}
	store.byIdem[idemKey] = event
	store.events = append(store.events, event)
	return nil
}

func (store *stubStore) GetEventByIdempotencyKey(ctx context.Context, accountID AccountID, key IdempotencyKey) (LedgerEvent, error) {
	if store.getEventError != nil {
		return LedgerEvent{}, store.getEventError
	}
	event, ok := store.byIdem[accountID.String()+"/"+key.String()]
	if !ok {
		return LedgerEvent{}, ErrEventNotFound
	}
	return event, nil
}

func (store *stubStore) ListEvents(ctx context.Context, accountID AccountID, limit int) ([]LedgerEvent, error) {
	if store.listEventsError != nil {
		return nil, store.listEventsError
	}
	matched := make([]LedgerEvent, 0, len(store.events))
	for index := len(store.events) - 1; index >= 0 && len(matched) < limit; index-- {
		if store.events[index].AccountID == accountID {
			matched = append(matched, store.events[index])
		}
	}
	return matched, nil
}

func (store *stubStore) accountEvents(accountID AccountID) []LedgerEvent {
	matched := make([]LedgerEvent, 0, len(store.events))
	for _, event := range store.events {
		if event.AccountID == accountID {
			matched = append(matched, event)
		}
	}
	return matched
}

func mustNewService(test *testing.T, store Store) *Service {
	test.Helper()
	service, err := NewService(store, func() int64 { return 100 })
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustNewBootstrapper(test *testing.T, store Store, options ...BootstrapOption) *Bootstrapper {
	test.Helper()
	bootstrapper, err := NewBootstrapper(store, func() int64 { return 100 }, options...)
	if err != nil {
		test.Fatalf("new bootstrapper: %v", err)
	}
	return bootstrapper
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	value, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return value
}

func mustSessionKey(test *testing.T, raw string) SessionKey {
	test.Helper()
	value, err := NewSessionKey(raw)
	if err != nil {
		test.Fatalf("session key: %v", err)
	}
	return value
}

func mustCredits(test *testing.T, raw int64) Credits {
	test.Helper()
	value, err := NewCredits(raw)
	if err != nil {
		test.Fatalf("credits: %v", err)
	}
	return value
}

func mustReason(test *testing.T, raw string) Reason {
	test.Helper()
	value, err := NewReason(raw)
	if err != nil {
		test.Fatalf("reason: %v", err)
	}
	return value
}

func mustIdempotencyKey(test *testing.T, raw string) IdempotencyKey {
	test.Helper()
	value, err := NewIdempotencyKey(raw)
	if err != nil {
		test.Fatalf("idempotency key: %v", err)
	}
	return value
}
