package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Account represents the accounts table.
type Account struct {
	AccountID  string    `gorm:"type:uuid;primaryKey"`
	SessionKey string    `gorm:"not null;uniqueIndex:uniq_accounts_session_key"`
	IsGuest    bool      `gorm:"not null"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (account *Account) BeforeCreate(tx *gorm.DB) error {
	if account.AccountID == "" {
		account.AccountID = uuid.NewString()
	}
	return nil
}

// EntitlementLedger mirrors the entitlement_ledgers table, one row per account.
type EntitlementLedger struct {
	AccountID           string     `gorm:"type:uuid;primaryKey"`
	CreditsRemaining    int64      `gorm:"not null"`
	TotalCreditsUsed    int64      `gorm:"not null"`
	TotalCreditsGranted int64      `gorm:"not null"`
	UnlimitedActive     bool       `gorm:"not null"`
	UnlimitedExpiresAt  *time.Time `gorm:""`
	CreatedAt           time.Time  `gorm:"not null"`
	UpdatedAt           time.Time  `gorm:"not null"`
}

func (EntitlementLedger) TableName() string { return "entitlement_ledgers" }

// LedgerEvent mirrors the append-only ledger_events table.
type LedgerEvent struct {
	EventID          string         `gorm:"type:uuid;primaryKey"`
	AccountID        string         `gorm:"type:uuid;not null;index:idx_events_account_created,priority:1;uniqueIndex:uniq_events_account_idem,priority:1"`
	Kind             string         `gorm:"not null"`
	Amount           int64          `gorm:"not null"`
	Reason           string         `gorm:"not null"`
	IdempotencyKey   string         `gorm:"not null;uniqueIndex:uniq_events_account_idem,priority:2"`
	ResultingBalance int64          `gorm:"not null"`
	Metadata         datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt        time.Time      `gorm:"not null;index:idx_events_account_created,priority:2"`
}

func (LedgerEvent) TableName() string { return "ledger_events" }

func (event *LedgerEvent) BeforeCreate(tx *gorm.DB) error {
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	return nil
}

// PurchaseIntent mirrors the purchase_intents table.
type PurchaseIntent struct {
	IntentID          string    `gorm:"type:uuid;primaryKey"`
	AccountID         string    `gorm:"type:uuid;not null;index:idx_purchase_intents_account"`
	PlanType          string    `gorm:"not null"`
	ProviderSessionID string    `gorm:"not null;uniqueIndex:uniq_purchase_intents_provider_session"`
	Status            string    `gorm:"not null;index:idx_purchase_intents_status"`
	CreatedAt         time.Time `gorm:"not null;index:idx_purchase_intents_created"`
	UpdatedAt         time.Time `gorm:"not null"`
}

func (PurchaseIntent) TableName() string { return "purchase_intents" }

func (intent *PurchaseIntent) BeforeCreate(tx *gorm.DB) error {
	if intent.IntentID == "" {
		intent.IntentID = uuid.NewString()
	}
	return nil
}
