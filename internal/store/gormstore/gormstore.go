package gormstore

import (
	"context"
	"errors"
	"time"

	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/MarkoPoloResearchLab/entitlement/internal/purchase"
	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
)

const (
	constraintEventIdempotencyKey = "uniq_events_account_idem"
	constraintLedgerPrimary       = "entitlement_ledgers_pkey"
	constraintIntentSession       = "uniq_purchase_intents_provider_session"
	defaultMetadataJSON           = "{}"
	pgUniqueViolationCode         = "23505"
	sqliteConstraintCode          = 19
	errorOperationStore           = "store"
	errorSubjectAccount           = "account"
	errorSubjectLedger            = "ledger"
	errorSubjectEvent             = "event"
	errorSubjectIntent            = "intent"
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
)

// Store implements entitlement.Store and purchase.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx executes fn within a transaction.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore entitlement.Store) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
}

// UpsertAccount inserts the account unless its session key already owns one,
// and returns the row that ended up in the table either way.
func (store *Store) UpsertAccount(ctx context.Context, account entitlement.Account) (entitlement.Account, error) {
	model := Account{
		AccountID:  account.AccountID.String(),
		SessionKey: account.SessionKey.String(),
		IsGuest:    account.IsGuest,
		CreatedAt:  time.Unix(account.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_key"}},
			DoNothing: true,
		}).
		Create(&model).Error
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeUpsert, err)
	}
	var row Account
	err = store.db.WithContext(ctx).
		Where("session_key = ?", account.SessionKey.String()).
		Take(&row).Error
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(row)
}

func (store *Store) GetAccount(ctx context.Context, accountID entitlement.AccountID) (entitlement.Account, error) {
	var row Account
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, entitlement.ErrAccountNotFound)
		}
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	return mapAccount(row)
}

func (store *Store) CreateLedger(ctx context.Context, ledger entitlement.Ledger) error {
	model := ledgerModel(ledger)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isLedgerConflict(err) {
		return wrapStoreError(errorSubjectLedger, errorCodeDuplicate, entitlement.ErrLedgerExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetLedger(ctx context.Context, accountID entitlement.AccountID) (entitlement.Ledger, error) {
	return store.getLedger(ctx, accountID, false)
}

func (store *Store) GetLedgerForUpdate(ctx context.Context, accountID entitlement.AccountID) (entitlement.Ledger, error) {
	return store.getLedger(ctx, accountID, true)
}

func (store *Store) getLedger(ctx context.Context, accountID entitlement.AccountID, forUpdate bool) (entitlement.Ledger, error) {
	query := store.db.WithContext(ctx)
	if forUpdate {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var row EntitlementLedger
	err := query.Where("account_id = ?", accountID.String()).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlement.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeGet, entitlement.ErrLedgerNotFound)
		}
		return entitlement.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeGet, err)
	}
	return mapLedger(row)
}

func (store *Store) SaveLedger(ctx context.Context, ledger entitlement.Ledger) error {
	var expiresAt *time.Time
	if ledger.UnlimitedExpiresAtUnixUTC != 0 {
		value := time.Unix(ledger.UnlimitedExpiresAtUnixUTC, 0).UTC()
		expiresAt = &value
	}
	result := store.db.WithContext(ctx).
		Model(&EntitlementLedger{}).
		Where("account_id = ?", ledger.AccountID.String()).
		Updates(map[string]interface{}{
			"credits_remaining":     ledger.CreditsRemaining,
			"total_credits_used":    ledger.TotalCreditsUsed,
			"total_credits_granted": ledger.TotalCreditsGranted,
			"unlimited_active":      ledger.UnlimitedActive,
			"unlimited_expires_at":  expiresAt,
			"updated_at":            time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectLedger, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectLedger, errorCodeUpdate, entitlement.ErrLedgerNotFound)
	}
	return nil
}

func (store *Store) AppendEvent(ctx context.Context, event entitlement.LedgerEvent) error {
	model := LedgerEvent{
		EventID:          event.EventID,
		AccountID:        event.AccountID.String(),
		Kind:             event.Kind.String(),
		Amount:           event.Amount,
		Reason:           event.Reason.String(),
		IdempotencyKey:   event.IdempotencyKey.String(),
		ResultingBalance: event.ResultingBalance,
		Metadata:         datatypesJSON(event.MetadataJSON.String()),
		CreatedAt:        time.Unix(event.CreatedUnixUTC, 0).UTC(),
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = time.Now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isIdempotencyConflict(err) {
		return wrapStoreError(errorSubjectEvent, errorCodeDuplicate, entitlement.ErrDuplicateIdempotencyKey)
	}
	if err != nil {
		return wrapStoreError(errorSubjectEvent, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) GetEventByIdempotencyKey(ctx context.Context, accountID entitlement.AccountID, key entitlement.IdempotencyKey) (entitlement.LedgerEvent, error) {
	var row LedgerEvent
	err := store.db.WithContext(ctx).
		Where("account_id = ? AND idempotency_key = ?", accountID.String(), key.String()).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return entitlement.LedgerEvent{}, wrapStoreError(errorSubjectEvent, errorCodeGet, entitlement.ErrEventNotFound)
		}
		return entitlement.LedgerEvent{}, wrapStoreError(errorSubjectEvent, errorCodeGet, err)
	}
	return mapLedgerEvent(row)
}

func (store *Store) ListEvents(ctx context.Context, accountID entitlement.AccountID, limit int) ([]entitlement.LedgerEvent, error) {
	var rows []LedgerEvent
	err := store.db.WithContext(ctx).
		Where("account_id = ?", accountID.String()).
		Order("created_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectEvent, errorCodeList, err)
	}
	events := make([]entitlement.LedgerEvent, 0, len(rows))
	for _, row := range rows {
		event, err := mapLedgerEvent(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectEvent, errorCodeInvalid, err)
		}
		events = append(events, event)
	}
	return events, nil
}

func (store *Store) CreateIntent(ctx context.Context, intent purchase.Intent) error {
	model := PurchaseIntent{
		IntentID:          intent.IntentID,
		AccountID:         intent.AccountID.String(),
		PlanType:          intent.PlanType,
		ProviderSessionID: intent.ProviderSessionID,
		Status:            intent.Status.String(),
		CreatedAt:         time.Unix(intent.CreatedUnixUTC, 0).UTC(),
		UpdatedAt:         time.Now().UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isIntentConflict(err) {
		return wrapStoreError(errorSubjectIntent, errorCodeDuplicate, purchase.ErrIntentExists)
	}
	if err != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetIntentByProviderSession(ctx context.Context, providerSessionID string) (purchase.Intent, error) {
	var row PurchaseIntent
	err := store.db.WithContext(ctx).
		Where("provider_session_id = ?", providerSessionID).
		Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return purchase.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, purchase.ErrUnknownSession)
		}
		return purchase.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeGet, err)
	}
	return mapIntent(row)
}

func (store *Store) UpdateIntentStatus(ctx context.Context, intentID string, from, to purchase.Status) error {
	result := store.db.WithContext(ctx).
		Model(&PurchaseIntent{}).
		Where("intent_id = ? AND status = ?", intentID, from.String()).
		Updates(map[string]interface{}{
			"status":     to.String(),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectIntent, errorCodeUpdateStatus, purchase.ErrIntentClosed)
	}
	return nil
}

func (store *Store) ExpireStaleIntents(ctx context.Context, cutoffUnixUTC int64) (int64, error) {
	cutoff := time.Unix(cutoffUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&PurchaseIntent{}).
		Where("status = ? AND created_at < ?", purchase.StatusCreated.String(), cutoff).
		Updates(map[string]interface{}{
			"status":     purchase.StatusExpired.String(),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectIntent, errorCodeExpire, result.Error)
	}
	return result.RowsAffected, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return entitlement.WrapError(errorOperationStore, subject, code, err)
}

func ledgerModel(ledger entitlement.Ledger) EntitlementLedger {
	var expiresAt *time.Time
	if ledger.UnlimitedExpiresAtUnixUTC != 0 {
		value := time.Unix(ledger.UnlimitedExpiresAtUnixUTC, 0).UTC()
		expiresAt = &value
	}
	createdAt := time.Unix(ledger.CreatedUnixUTC, 0).UTC()
	if ledger.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	return EntitlementLedger{
		AccountID:           ledger.AccountID.String(),
		CreditsRemaining:    ledger.CreditsRemaining,
		TotalCreditsUsed:    ledger.TotalCreditsUsed,
		TotalCreditsGranted: ledger.TotalCreditsGranted,
		UnlimitedActive:     ledger.UnlimitedActive,
		UnlimitedExpiresAt:  expiresAt,
		CreatedAt:           createdAt,
		UpdatedAt:           time.Now().UTC(),
	}
}

func mapAccount(row Account) (entitlement.Account, error) {
	accountID, err := entitlement.NewAccountID(row.AccountID)
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	sessionKey, err := entitlement.NewSessionKey(row.SessionKey)
	if err != nil {
		return entitlement.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return entitlement.Account{
		AccountID:      accountID,
		SessionKey:     sessionKey,
		IsGuest:        row.IsGuest,
		CreatedUnixUTC: row.CreatedAt.Unix(),
	}, nil
}

func mapLedger(row EntitlementLedger) (entitlement.Ledger, error) {
	accountID, err := entitlement.NewAccountID(row.AccountID)
	if err != nil {
		return entitlement.Ledger{}, wrapStoreError(errorSubjectLedger, errorCodeInvalid, err)
	}
	return entitlement.Ledger{
		AccountID:                 accountID,
		CreditsRemaining:          row.CreditsRemaining,
		TotalCreditsUsed:          row.TotalCreditsUsed,
		TotalCreditsGranted:       row.TotalCreditsGranted,
		UnlimitedActive:           row.UnlimitedActive,
		UnlimitedExpiresAtUnixUTC: timeOrZero(row.UnlimitedExpiresAt),
		CreatedUnixUTC:            row.CreatedAt.Unix(),
	}, nil
}

func mapLedgerEvent(row LedgerEvent) (entitlement.LedgerEvent, error) {
	accountID, err := entitlement.NewAccountID(row.AccountID)
	if err != nil {
		return entitlement.LedgerEvent{}, err
	}
	kind, err := entitlement.ParseEventKind(row.Kind)
	if err != nil {
		return entitlement.LedgerEvent{}, err
	}
	reason, err := entitlement.NewReason(row.Reason)
	if err != nil {
		return entitlement.LedgerEvent{}, err
	}
	idempotencyKey, err := entitlement.NewIdempotencyKey(row.IdempotencyKey)
	if err != nil {
		return entitlement.LedgerEvent{}, err
	}
	metadata, err := entitlement.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return entitlement.LedgerEvent{}, err
	}
	return entitlement.LedgerEvent{
		EventID:          row.EventID,
		AccountID:        accountID,
		Kind:             kind,
		Amount:           row.Amount,
		Reason:           reason,
		IdempotencyKey:   idempotencyKey,
		ResultingBalance: row.ResultingBalance,
		MetadataJSON:     metadata,
		CreatedUnixUTC:   row.CreatedAt.Unix(),
	}, nil
}

func mapIntent(row PurchaseIntent) (purchase.Intent, error) {
	accountID, err := entitlement.NewAccountID(row.AccountID)
	if err != nil {
		return purchase.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	status, err := purchase.ParseStatus(row.Status)
	if err != nil {
		return purchase.Intent{}, wrapStoreError(errorSubjectIntent, errorCodeInvalid, err)
	}
	return purchase.Intent{
		IntentID:          row.IntentID,
		AccountID:         accountID,
		PlanType:          row.PlanType,
		ProviderSessionID: row.ProviderSessionID,
		Status:            status,
		CreatedUnixUTC:    row.CreatedAt.Unix(),
	}, nil
}

func timeOrZero(value *time.Time) int64 {
	if value == nil {
		return 0
	}
	return value.Unix()
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isIdempotencyConflict(err error) bool {
	return isUniqueViolation(err, constraintEventIdempotencyKey)
}

func isLedgerConflict(err error) bool {
	return isUniqueViolation(err, constraintLedgerPrimary)
}

func isIntentConflict(err error) bool {
	return isUniqueViolation(err, constraintIntentSession)
}

func isUniqueViolation(err error, constraintName string) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode && pgErr.ConstraintName == constraintName
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}
