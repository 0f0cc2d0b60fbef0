// Package pgstore implements the persistence contracts directly on a pgx
// connection pool. It targets PostgreSQL only; SQLite deployments use the
// gormstore package instead.
package pgstore

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MarkoPoloResearchLab/entitlement/internal/purchase"
	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
)

const (
	constraintEventIdempotencyKey = "uniq_events_account_idem"
	constraintLedgerPrimary       = "entitlement_ledgers_pkey"
	constraintIntentSession       = "uniq_purchase_intents_provider_session"
	pgUniqueViolationCode         = "23505"
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectLedger            = "ledger"
	errorSubjectEvent             = "event"
	errorSubjectIntent            = "intent"
	errorSubjectTransaction       = "transaction"
	errorCodeBegin                = "begin"
	errorCodeCommit               = "commit"
	errorCodeCreate               = "create"
	errorCodeDuplicate            = "duplicate"
	errorCodeExpire               = "expire"
	errorCodeGet                  = "get"
	errorCodeInsert               = "insert"
	errorCodeInvalid              = "invalid"
	errorCodeList                 = "list"
	errorCodeUpdate               = "update"
	errorCodeUpdateStatus         = "update_status"
	errorCodeUpsert               = "upsert"

	sqlUpsertAccount = `
		insert into accounts(account_id, session_key, is_guest, created_at)
		values($1::uuid, $2, $3, to_timestamp($4))
		on conflict (session_key) do update set session_key = excluded.session_key
		returning account_id::text, session_key, is_guest, extract(epoch from created_at)::bigint
	`

	sqlSelectAccount = `
		select account_id::text, session_key, is_guest, extract(epoch from created_at)::bigint
		from accounts
		where account_id = $1::uuid
	`

	sqlInsertLedger = `
		insert into entitlement_ledgers(
			account_id, credits_remaining, total_credits_used, total_credits_granted,
			unlimited_active, unlimited_expires_at, created_at, updated_at
		)
		values(
			$1::uuid, $2, $3, $4, $5,
			to_timestamp(nullif($6::bigint, 0)),
			coalesce(to_timestamp(nullif($7::bigint, 0)), now()),
			now()
		)
	`

	sqlSelectLedger = `
		select
			account_id::text,
			credits_remaining,
			total_credits_used,
			total_credits_granted,
			unlimited_active,
			coalesce(extract(epoch from unlimited_expires_at)::bigint, 0),
			extract(epoch from created_at)::bigint
		from entitlement_ledgers
		where account_id = $1::uuid
	`

	sqlSelectLedgerForUpdate = sqlSelectLedger + ` for update`

	sqlUpdateLedger = `
		update entitlement_ledgers
		set credits_remaining = $2,
			total_credits_used = $3,
			total_credits_granted = $4,
			unlimited_active = $5,
			unlimited_expires_at = to_timestamp(nullif($6::bigint, 0)),
			updated_at = now()
		where account_id = $1::uuid
	`

	sqlInsertEvent = `
		insert into ledger_events(
			event_id, account_id, kind, amount, reason, idempotency_key,
			resulting_balance, metadata, created_at
		)
		values(
			coalesce(nullif($1, '')::uuid, gen_random_uuid()),
			$2::uuid, $3, $4, $5, $6, $7,
			coalesce(nullif($8, ''), '{}')::jsonb,
			coalesce(to_timestamp(nullif($9::bigint, 0)), now())
		)
	`

	sqlSelectEventByIdempotencyKey = `
		select
			event_id::text,
			account_id::text,
			kind,
			amount,
			reason,
			idempotency_key,
			resulting_balance,
			coalesce(metadata::text, '{}'),
			extract(epoch from created_at)::bigint
		from ledger_events
		where account_id = $1::uuid and idempotency_key = $2
	`

	sqlListEvents = `
		select
			event_id::text,
			account_id::text,
			kind,
			amount,
			reason,
			idempotency_key,
			resulting_balance,
			coalesce(metadata::text, '{}'),
			extract(epoch from created_at)::bigint
		from ledger_events
		where account_id = $1::uuid
		order by created_at desc
		limit $2
	`

	sqlInsertIntent = `
		insert into purchase_intents(
			intent_id, account_id, plan_type, provider_session_id, status, created_at, updated_at
		)
		values($1::uuid, $2::uuid, $3, $4, $5, coalesce(to_timestamp(nullif($6::bigint, 0)), now()), now())
	`

	sqlSelectIntentBySession = `
		select intent_id::text, account_id::text, plan_type, provider_session_id, status,
			extract(epoch from created_at)::bigint
		from purchase_intents
		where provider_session_id = $1
	`

	sqlUpdateIntentStatus = `
		update purchase_intents
		set status = $3, updated_at = now()
		where intent_id = $1::uuid and status = $2
	`

	sqlExpireStaleIntents = `
		update purchase_intents
		set status = $1, updated_at = now()
		where status = $2 and created_at < to_timestamp($3)
	`
)

// querier is the pgx surface shared by pools and open transactions.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements entitlement.Store and purchase.Store on a pgx pool.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// New returns a Store backed by a pgx pool (autocommit outside WithTx).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// WithTx executes fn within a transaction. Nested calls reuse the open
// transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore entitlement.Store) error) error {
	if store.pool == nil {
		return fn(ctx, store)
	}
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeBegin, err)
	}
	if err := fn(ctx, &Store{q: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreError(errorSubjectTransaction, errorCodeCommit, err)
	}
	return nil
}

func (store *Store) UpsertAccount(ctx context.Context, account entitlement.Account) (entitlement.Account, error) {
	var (
		accountIDValue  string
		sessionKeyValue string
		isGuest         bool
		createdUnixUTC  int64
	)
	err := store.q.QueryRow(ctx, sqlUpsertAccount,
		account.AccountID.String(),
		account.SessionKey.String(),
		account.IsGuest,
		account.CreatedUnixUTC,
	).Scan(&accountIDValue, &sessionKeyValue, &isGuest, &createdUnixUTC)
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeUpsert, err)
	}
	return buildAccount(accountIDValue, sessionKeyValue, isGuest, createdUnixUTC)
}

func (store *Store) GetAccount(ctx context.Context, accountID entitlement.AccountID) (entitlement.Account, error) {
	var (
		accountIDValue  string
		sessionKeyValue string
		isGuest         bool
		createdUnixUTC  int64
	)
	err := store.q.QueryRow(ctx, sqlSelectAccount, accountID.String()).
		Scan(&accountIDValue, &sessionKeyValue, &isGuest, &createdUnixUTC)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, entitlement.ErrAccountNotFound)
		}
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return buildAccount(accountIDValue, sessionKeyValue, isGuest, createdUnixUTC)
}

func (store *Store) CreateLedger(ctx context.Context, ledger entitlement.Ledger) error {
	_, err := store.q.Exec(ctx, sqlInsertLedger,
		ledger.AccountID.String(),
		ledger.CreditsRemaining,
		ledger.TotalCreditsUsed,
		ledger.TotalCreditsGranted,
		ledger.UnlimitedActive,
		ledger.UnlimitedExpiresAtUnixUTC,
		ledger.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintLedgerPrimary) {
		return wrapStoreError(errorSubjectLedger, errorCodeDuplicate, entitlement.ErrLedgerExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetLedger(ctx context.Context, accountID entitlement.AccountID) (entitlement.Ledger, error) {
	return store.getLedger(ctx, accountID, sqlSelectLedger)
}

func (store *Store) GetLedgerForUpdate(ctx context.Context, accountID entitlement.AccountID) (entitlement.Ledger, error) {
	return store.getLedger(ctx, accountID, sqlSelectLedgerForUpdate)
}

func (store *Store) getLedger(ctx context.Context, accountID entitlement.AccountID, query string) (entitlement.Ledger, error) {
	var (
		accountIDValue      string
		creditsRemaining    int64
		totalCreditsUsed    int64
		totalCreditsGranted int64
		unlimitedActive     bool
		unlimitedExpiresAt  int64
		createdUnixUTC      int64
	)
	err := store.q.QueryRow(ctx, query, accountID.String()).Scan(
		&accountIDValue,
		&creditsRemaining,
		&totalCreditsUsed,
		&totalCreditsGranted,
		&unlimitedActive,
		&unlimitedExpiresAt,
		&createdUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return entitlement.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeGet, entitlement.ErrLedgerNotFound)
		}
		return entitlement.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeGet, err)
	}
	parsedAccountID, err := entitlement.NewAccountID(accountIDValue)
	if err != nil {
		return entitlement.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
	}
	return entitlement.Ledger{
		AccountID:                 parsedAccountID,
		CreditsRemaining:          creditsRemaining,
		TotalCreditsUsed:          totalCreditsUsed,
		TotalCreditsGranted:       totalCreditsGranted,
		UnlimitedActive:           unlimitedActive,
		UnlimitedExpiresAtUnixUTC: unlimitedExpiresAt,
		CreatedUnixUTC:            createdUnixUTC,
	}, nil
}

func (store *Store) SaveLedger(ctx context.Context, ledger entitlement.Ledger) error {
	tag, err := store.q.Exec(ctx, sqlUpdateLedger,
		ledger.AccountID.String(),
		ledger.CreditsRemaining,
		ledger.TotalCreditsUsed,
		ledger.TotalCreditsGranted,
		ledger.UnlimitedActive,
		ledger.UnlimitedExpiresAtUnixUTC,
	)
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectLedger, errorCodeUpdate, entitlement.ErrLedgerNotFound)
	}
	return nil
}

func (store *Store) AppendEvent(ctx context.Context, event entitlement.LedgerEvent) error {
	_, err := store.q.Exec(ctx, sqlInsertEvent,
		event.EventID,
		event.AccountID.String(),
		event.Kind.String(),
		event.Amount,
		event.Reason.String(),
		event.IdempotencyKey.String(),
		event.ResultingBalance,
		event.MetadataJSON.String(),
		event.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintEventIdempotencyKey) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, entitlement.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetEventByIdempotencyKey(ctx context.Context, accountID entitlement.AccountID, key entitlement.IdempotencyKey) (entitlement.LedgerEvent, error) {
	rows, err := store.q.Query(ctx, sqlSelectEventByIdempotencyKey, accountID.String(), key.String())
	if err != nil {
		return entitlement.LedgerEvent{}, wrapStoreError(errorSubjectEvent, errorCodeGet, err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return entitlement.LedgerEvent{}, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
	}
	if len(events) == 0 {
		return entitlement.LedgerEvent{}, wrapStoreError(errorSubjectEvent, errorCodeGet, entitlement.ErrEventNotFound)
	}
	return events[0], nil
}

func (store *Store) ListEvents(ctx context.Context, accountID entitlement.AccountID, limit int) ([]entitlement.LedgerEvent, error) {
	rows, err := store.q.Query(ctx, sqlListEvents, accountID.String(), limit)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
	}
	return events, nil
}

func (store *Store) CreateIntent(ctx context.Context, intent purchase.Intent) error {
	_, err := store.q.Exec(ctx, sqlInsertIntent,
		intent.IntentID,
		intent.AccountID.String(),
		intent.PlanType,
		intent.ProviderSessionID,
		intent.Status.String(),
		intent.CreatedUnixUTC,
	)
	if isUniqueViolation(err, constraintIntentSession) {
		return wrapStoreError(errorSubjectIntent, errorCodeDuplicate, purchase.ErrIntentExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetIntentByProviderSession(ctx context.Context, providerSessionID string) (purchase.Intent, error) {
	var (
		intentIDValue  string
		accountIDValue string
		planType       string
		sessionValue   string
		statusValue    string
		createdUnixUTC int64
	)
	err := store.q.QueryRow(ctx, sqlSelectIntentBySession, providerSessionID).Scan(
		&intentIDValue,
		&accountIDValue,
		&planType,
		&sessionValue,
		&statusValue,
		&createdUnixUTC,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return purchase.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, purchase.ErrUnknownSession)
		}
		return purchase.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, err)
	}
	accountID, err := entitlement.NewAccountID(accountIDValue)
	if err != nil {
		return purchase.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	status, err := purchase.ParseStatus(statusValue)
	if err != nil {
		return purchase.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	return purchase.Intent{
		IntentID:          intentIDValue,
		AccountID:         accountID,
		PlanType:          planType,
		ProviderSessionID: sessionValue,
		Status:            status,
		CreatedUnixUTC:    createdUnixUTC,
	}, nil
}

func (store *Store) UpdateIntentStatus(ctx context.Context, intentID string, from, to purchase.Status) error {
	tag, err := store.q.Exec(ctx, sqlUpdateIntentStatus, intentID, from.String(), to.String())
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, purchase.ErrIntentClosed)
	}
	return nil
}

func (store *Store) ExpireStaleIntents(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	tag, err := store.q.Exec(ctx, sqlExpireStaleIntents,
		purchase.StatusExpired.String(),
		purchase.StatusCreated.String(),
		cutoffUnixUTC,
	)
	if err != nil {
		return 0, wrapStoreError(errorSubjectIntent, errorCodeExpire, err)
	}
	return tag.RowsAffected(), nil
}

func buildAccount(accountIDValue, sessionKeyValue string, isGuest bool, createdUnixUTC int64) (entitlement.Account, error) {
	accountID, err := entitlement.NewAccountID(accountIDValue)
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	sessionKey, err := entitlement.NewSessionKey(sessionKeyValue)
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return entitlement.Account{
		AccountID:      accountID,
		SessionKey:     sessionKey,
		IsGuest:        isGuest,
		CreatedUnixUTC: createdUnixUTC,
	}, nil
}

func scanEvents(rows pgx.Rows) ([]entitlement.LedgerEvent, error) {
	events := make([]entitlement.LedgerEvent, 0, 8)
	for rows.Next() {
		var (
			eventIDValue     string
			accountIDValue   string
			kindValue        string
			amountValue      int64
			reasonValue      string
			idempotencyValue string
			resultingBalance int64
			metadataValue    string
			createdUnixUTC   int64
		)
		if err := rows.Scan(
			&eventIDValue,
			&accountIDValue,
			&kindValue,
			&amountValue,
			&reasonValue,
			&idempotencyValue,
			&resultingBalance,
			&metadataValue,
			&createdUnixUTC,
		); err != nil {
			return nil, err
		}
		accountID, err := entitlement.NewAccountID(accountIDValue)
		if err != nil {
			return nil, err
		}
		kind, err := entitlement.ParseEventKind(kindValue)
		if err != nil {
			return nil, err
		}
		reason, err := entitlement.NewReason(reasonValue)
		if err != nil {
			return nil, err
		}
		idempotencyKey, err := entitlement.NewIdempotencyKey(idempotencyValue)
		if err != nil {
			return nil, err
		}
		metadata, err := entitlement.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		events = append(events, entitlement.LedgerEvent{
			EventID:          eventIDValue,
			AccountID:        accountID,
			Kind:             kind,
			Amount:           amountValue,
			Reason:           reason,
			IdempotencyKey:   idempotencyKey,
			ResultingBalance: resultingBalance,
			MetadataJSON:     metadata,
			CreatedUnixUTC:   createdUnixUTC,
		})
	}
	return events, rows.Err()
}

func wrapStoreError(subject string, code string, err error) error {
	return entitlement.WrapError(errorOperationStore, subject, code, err)
}

func isUniqueViolation(err error, constraintName string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	return false
}
