// Package balancecache caches advisory ledger snapshots in Redis for the
// check endpoint. The gate re-validates inside Debit, so a slightly stale
// snapshot here is safe; misses and Redis failures just fall through to the
// store.
package balancecache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
)

const (
	keyPrefix  = "entitlement:balance:"
	defaultTTL = 10 * time.Second
)

// Cache is a read-through snapshot cache. A nil Cache is a no-op.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New returns a Cache over the given client. A non-positive ttl uses the
// default.
func New(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Get returns a cached snapshot, reporting whether one was found.
func (cache *Cache) Get(ctx context.Context, accountID entitlement.AccountID) (entitlement.Ledger, bool) {
	if cache == nil || cache.client == nil {
		return entitlement.Ledger{}, false
	}
	raw, err := cache.client.Get(ctx, cacheKey(accountID)).Bytes()
	if err != nil {
		return entitlement.Ledger{}, false
	}
	ledger, err := decodeLedger(raw)
	if err != nil {
		return entitlement.Ledger{}, false
	}
	return ledger, true
}

// Put stores a snapshot with the configured TTL. Failures are ignored.
func (cache *Cache) Put(ctx context.Context, ledger entitlement.Ledger) {
	if cache == nil || cache.client == nil {
		return
	}
	raw, err := encodeLedger(ledger)
	if err != nil {
		return
	}
	cache.client.Set(ctx, cacheKey(ledger.AccountID), raw, cache.ttl)
}

// Invalidate drops the snapshot after a mutation.
func (cache *Cache) Invalidate(ctx context.Context, accountID entitlement.AccountID) {
	if cache == nil || cache.client == nil {
		return
	}
	cache.client.Del(ctx, cacheKey(accountID))
}

func cacheKey(accountID entitlement.AccountID) string {
	return keyPrefix + accountID.String()
}

type snapshot struct {
	AccountID                 string `json:"account_id"`
	CreditsRemaining          int64  `json:"credits_remaining"`
	TotalCreditsUsed          int64  `json:"total_credits_used"`
	TotalCreditsGranted       int64  `json:"total_credits_granted"`
	UnlimitedActive           bool   `json:"unlimited_active"`
	UnlimitedExpiresAtUnixUTC int64  `json:"unlimited_expires_at_unix_utc"`
	CreatedUnixUTC            int64  `json:"created_unix_utc"`
}

func encodeLedger(ledger entitlement.Ledger) ([]byte, error) {
	return json.Marshal(snapshot{
		AccountID:                 ledger.AccountID.String(),
		CreditsRemaining:          ledger.CreditsRemaining,
		TotalCreditsUsed:          ledger.TotalCreditsUsed,
		TotalCreditsGranted:       ledger.TotalCreditsGranted,
		UnlimitedActive:           ledger.UnlimitedActive,
		UnlimitedExpiresAtUnixUTC: ledger.UnlimitedExpiresAtUnixUTC,
		CreatedUnixUTC:            ledger.CreatedUnixUTC,
	})
}

func decodeLedger(raw []byte) (entitlement.Ledger, error) {
	var snap snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return entitlement.Ledger{}, err
	}
	accountID, err := entitlement.NewAccountID(snap.AccountID)
	if err != nil {
		return entitlement.Ledger{}, fmt.Errorf("decode cached balance: %w", err)
	}
	return entitlement.Ledger{
		AccountID:                 accountID,
		CreditsRemaining:          snap.CreditsRemaining,
		TotalCreditsUsed:          snap.TotalCreditsUsed,
		TotalCreditsGranted:       snap.TotalCreditsGranted,
		UnlimitedActive:           snap.UnlimitedActive,
		UnlimitedExpiresAtUnixUTC: snap.UnlimitedExpiresAtUnixUTC,
		CreatedUnixUTC:            snap.CreatedUnixUTC,
	}, nil
}
