package purchase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
)

const (
	defaultExpiryWindow = 24 * time.Hour

	purchaseReasonStem = "purchase:"
)

// Orchestrator drives the buy flow: checkout session creation and
// webhook-driven reconciliation. Reconcile is the only path that grants
// paid credits; client redirects are advisory UI and never reach it.
type Orchestrator struct {
	store        Store
	ledger       LedgerWriter
	provider     Provider
	nowFn        func() int64
	logger       *zap.Logger
	expiryWindow time.Duration
}

// OrchestratorOption configures an Orchestrator instance.
type OrchestratorOption func(*Orchestrator)

// WithLogger wires a zap logger.
func WithLogger(logger *zap.Logger) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		orchestrator.logger = logger
	}
}

// WithExpiryWindow overrides how long a CREATED intent may wait for its
// webhook before the sweep expires it.
func WithExpiryWindow(window time.Duration) OrchestratorOption {
	return func(orchestrator *Orchestrator) {
		if window > 0 {
			orchestrator.expiryWindow = window
		}
	}
}

// NewOrchestrator wires an Orchestrator.
func NewOrchestrator(store Store, ledger LedgerWriter, provider Provider, now func() int64, options ...OrchestratorOption) (*Orchestrator, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidOrchestrator)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidOrchestrator)
	}
	if provider == nil {
		return nil, fmt.Errorf("%w: provider dependency is nil", ErrInvalidOrchestrator)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidOrchestrator)
	}
	orchestrator := &Orchestrator{
		store:        store,
		ledger:       ledger,
		provider:     provider,
		nowFn:        now,
		logger:       zap.NewNop(),
		expiryWindow: defaultExpiryWindow,
	}
	for _, option := range options {
		if option != nil {
			option(orchestrator)
		}
	}
	return orchestrator, nil
}

// CreateSession validates the plan, obtains a provider checkout URL, and
// persists a CREATED intent. Provider failures surface as
// ErrProviderUnavailable without any ledger mutation.
func (orchestrator *Orchestrator) CreateSession(ctx context.Context, accountID entitlement.AccountID, planType string) (string, error) {
	plan, err := LookupPlan(planType)
	if err != nil {
		return "", err
	}
	intent := Intent{
		IntentID:       newIntentID(),
		AccountID:      accountID,
		PlanType:       plan.Type,
		Status:         StatusCreated,
		CreatedUnixUTC: orchestrator.nowFn(),
	}
	session, err := orchestrator.provider.CreateCheckoutSession(ctx, intent.IntentID, accountID, plan)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	intent.ProviderSessionID = session.ProviderSessionID
	if err := orchestrator.store.CreateIntent(ctx, intent); err != nil {
		return "", err
	}
	orchestrator.logger.Info("checkout session created",
		zap.String("intent_id", intent.IntentID),
		zap.String("account_id", accountID.String()),
		zap.String("plan_type", plan.Type),
		zap.String("provider_session_id", session.ProviderSessionID),
	)
	return session.URL, nil
}

// Reconcile applies the provider's asynchronous verdict exactly once. The
// grant runs before the status transition: the grant is idempotent on the
// provider session id and the transition is a created-to-terminal
// compare-and-set, so a crash between the two heals on the provider retry.
func (orchestrator *Orchestrator) Reconcile(ctx context.Context, providerSessionID string, outcome Outcome) error {
	intent, err := orchestrator.store.GetIntentByProviderSession(ctx, providerSessionID)
	if err != nil {
		return err
	}
	if intent.Status == StatusExpired {
		orchestrator.logger.Warn("late reconciliation for expired intent dropped",
			zap.String("intent_id", intent.IntentID),
			zap.String("provider_session_id", providerSessionID),
		)
		return nil
	}
	if intent.Status.Terminal() {
		// Duplicate delivery; the recorded outcome stands.
		return nil
	}
	switch outcome {
	case OutcomePaid:
		if err := orchestrator.applyPaidOutcome(ctx, intent); err != nil {
			return err
		}
		return orchestrator.transition(ctx, intent, StatusConfirmed)
	case OutcomeFailed:
		return orchestrator.transition(ctx, intent, StatusFailed)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
}

// SweepExpired moves CREATED intents older than the expiry window to
// EXPIRED. Driven by a periodic job, never by request handling.
func (orchestrator *Orchestrator) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := orchestrator.nowFn() - int64(orchestrator.expiryWindow/time.Second)
	expired, err := orchestrator.store.ExpireStaleIntents(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if expired > 0 {
		orchestrator.logger.Info("purchase intents expired", zap.Int64("count", expired))
	}
	return expired, nil
}

func (orchestrator *Orchestrator) applyPaidOutcome(ctx context.Context, intent Intent) error {
	plan, err := LookupPlan(intent.PlanType)
	if err != nil {
		return err
	}
	reason, err := entitlement.NewReason(purchaseReasonStem + plan.Type)
	if err != nil {
		return err
	}
	idempotencyKey, err := entitlement.NewIdempotencyKey(intent.ProviderSessionID)
	if err != nil {
		return err
	}
	if plan.Unlimited() {
		expiresAt := orchestrator.nowFn() + int64(plan.UnlimitedDuration/time.Second)
		_, err = orchestrator.ledger.ActivateUnlimited(ctx, intent.AccountID, expiresAt, reason, idempotencyKey)
		return err
	}
	amount, err := entitlement.NewCredits(plan.Credits)
	if err != nil {
		return err
	}
	_, err = orchestrator.ledger.Grant(ctx, intent.AccountID, amount, reason, idempotencyKey)
	return err
}

func newIntentID() string {
	return uuid.NewString()
}

func (orchestrator *Orchestrator) transition(ctx context.Context, intent Intent, to Status) error {
	err := orchestrator.store.UpdateIntentStatus(ctx, intent.IntentID, StatusCreated, to)
	if errors.Is(err, ErrIntentClosed) {
		// A concurrent reconcile won the compare-and-set.
		return nil
	}
	if err != nil {
		return err
	}
	orchestrator.logger.Info("purchase intent reconciled",
		zap.String("intent_id", intent.IntentID),
		zap.String("account_id", intent.AccountID.String()),
		zap.String("plan_type", intent.PlanType),
		zap.String("status", to.String()),
	)
	return nil
}
