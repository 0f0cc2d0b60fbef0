// Package httpserver exposes the entitlement core to the UI layer: account
// bootstrap, entitlement check/debit, wallet, checkout, and the payment
// provider webhook. The client renders on these answers only; it never
// computes entitlement on its own.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/entitlement/internal/balancecache"
	"github.com/MarkoPoloResearchLab/entitlement/internal/purchase"
	"github.com/MarkoPoloResearchLab/entitlement/internal/session"
	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
)

const (
	maxWebhookBodyBytes = 65536

	errorCodeInvalidPayload      = "INVALID_PAYLOAD"
	errorCodeInvalidAccount      = "INVALID_ACCOUNT"
	errorCodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	errorCodeInvalidPlan         = "INVALID_PLAN"
	errorCodeProviderUnavailable = "PROVIDER_UNAVAILABLE"
	errorCodeStoreUnavailable    = "STORE_UNAVAILABLE"
	errorCodeLedgerNotFound      = "LEDGER_NOT_FOUND"
	errorCodeInvalidSignature    = "INVALID_SIGNATURE"
)

// WebhookDecoder turns a raw provider notification into a reconciliation
// input. Implemented by stripecheckout.Client.
type WebhookDecoder interface {
	DecodeWebhook(payload []byte, signatureHeader string) (string, purchase.Outcome, error)
}

// Deps collects the collaborators the facade serves.
type Deps struct {
	Logger       *zap.Logger
	Bootstrapper *entitlement.Bootstrapper
	Ledger       *entitlement.Service
	Orchestrator *purchase.Orchestrator
	Sessions     *session.Manager
	Webhooks     WebhookDecoder
	Cache        *balancecache.Cache
}

// Server is the HTTP facade over the entitlement core.
type Server struct {
	cfg    Config
	logger *zap.Logger
	deps   Deps
	gate   *entitlement.Gate
	router *gin.Engine
}

// New validates the config, builds the gate over the cached balance reader,
// and wires the router.
func New(cfg Config, deps Deps) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Bootstrapper == nil || deps.Ledger == nil || deps.Orchestrator == nil || deps.Sessions == nil {
		return nil, fmt.Errorf("httpserver: missing dependency")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	gate, err := entitlement.NewGate(&cachingReader{ledger: deps.Ledger, cache: deps.Cache})
	if err != nil {
		return nil, err
	}
	server := &Server{
		cfg:    cfg,
		logger: deps.Logger,
		deps:   deps,
		gate:   gate,
	}
	server.router = server.setupRouter()
	return server, nil
}

// Router exposes the gin engine (used directly by tests).
func (server *Server) Router() *gin.Engine {
	return server.router
}

// Run serves until the context is cancelled, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:    server.cfg.ListenAddr,
		Handler: server.router,
	}
	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("entitlement api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (server *Server) setupRouter() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins:     server.cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	api.POST("/bootstrap", server.handleBootstrap)
	api.POST("/entitlement/check", server.handleCheck)
	api.POST("/entitlement/debit", server.handleDebit)
	api.GET("/wallet", server.handleWallet)
	api.GET("/plans", server.handlePlans)
	api.POST("/checkout", server.handleCheckout)

	router.POST("/payment-callback", server.handlePaymentCallback)

	return router
}

type bootstrapRequest struct {
	SessionToken string `json:"session_token"`
}

// handleBootstrap implements ensureAccountAndGrant: resolve or mint the
// session, upsert the account, materialize the initial grant, and return
// the ledger snapshot. Safe to call from every tab on every page load.
func (server *Server) handleBootstrap(ctx *gin.Context) {
	var request bootstrapRequest
	if err := ctx.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	token := server.incomingToken(ctx, request.SessionToken)

	var sessionKey entitlement.SessionKey
	guest := true
	if token != "" {
		claims, err := server.deps.Sessions.Resolve(token)
		if err == nil {
			resolvedKey, keyErr := entitlement.NewSessionKey(claims.SessionKey)
			if keyErr == nil {
				sessionKey = resolvedKey
				guest = claims.Guest
			}
		}
	}

	requestCtx, cancel := server.storeContext(ctx)
	defer cancel()
	account, err := server.deps.Bootstrapper.EnsureAccount(requestCtx, sessionKey, guest)
	if err != nil {
		server.logger.Error("ensure account failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeStoreUnavailable, "account bootstrap failed"))
		return
	}
	ledger, err := server.deps.Bootstrapper.EnsureInitialGrant(requestCtx, account.AccountID)
	if err != nil {
		server.logger.Error("initial grant failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeStoreUnavailable, "initial grant failed"))
		return
	}
	minted, err := server.deps.Sessions.Mint(account.SessionKey.String(), account.AccountID.String(), account.IsGuest)
	if err != nil {
		server.logger.Error("session mint failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(errorCodeStoreUnavailable, "session mint failed"))
		return
	}
	ctx.SetCookie(server.cfg.SessionCookieName, minted, int((30 * 24 * time.Hour).Seconds()), "/", "", false, true)
	ctx.JSON(http.StatusOK, gin.H{
		"account_id":    account.AccountID.String(),
		"is_guest":      account.IsGuest,
		"session_token": minted,
		"ledger":        ledgerPayloadFrom(ledger),
	})
}

type checkRequest struct {
	AccountID       string `json:"account_id"`
	RequiredCredits int64  `json:"required_credits"`
}

func (server *Server) handleCheck(ctx *gin.Context) {
	var request checkRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	accountID, err := entitlement.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidAccount, "account id is required"))
		return
	}
	requiredCredits, err := entitlement.NewCredits(request.RequiredCredits)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "required_credits must be positive"))
		return
	}
	requestCtx, cancel := server.storeContext(ctx)
	defer cancel()
	decision := server.gate.Check(requestCtx, accountID, requiredCredits)
	ctx.JSON(http.StatusOK, gin.H{
		"allowed": decision.Allowed,
		"reason":  string(decision.Reason),
	})
}

type debitRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
}

func (server *Server) handleDebit(ctx *gin.Context) {
	var request debitRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	accountID, err := entitlement.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidAccount, "account id is required"))
		return
	}
	amount, err := entitlement.NewCredits(request.Amount)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "amount must be positive"))
		return
	}
	reason, err := entitlement.NewReason(request.Reason)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "reason is required"))
		return
	}
	requestCtx, cancel := server.storeContext(ctx)
	defer cancel()
	ledger, err := server.deps.Ledger.Debit(requestCtx, accountID, amount, reason)
	if err != nil {
		if errors.Is(err, entitlement.ErrInsufficientCredits) {
			ctx.JSON(http.StatusPaymentRequired, errorResponse(errorCodeInsufficientCredits, "not enough credits"))
			return
		}
		server.logger.Error("debit failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeStoreUnavailable, "debit failed"))
		return
	}
	server.deps.Cache.Invalidate(requestCtx, accountID)
	ctx.JSON(http.StatusOK, gin.H{
		"success": true,
		"balance": ledgerPayloadFrom(ledger),
	})
}

func (server *Server) handleWallet(ctx *gin.Context) {
	accountID, err := entitlement.NewAccountID(ctx.Query("account_id"))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidAccount, "account_id query parameter is required"))
		return
	}
	requestCtx, cancel := server.storeContext(ctx)
	defer cancel()
	ledger, err := server.deps.Ledger.GetBalance(requestCtx, accountID)
	if err != nil {
		if errors.Is(err, entitlement.ErrLedgerNotFound) {
			ctx.JSON(http.StatusNotFound, errorResponse(errorCodeLedgerNotFound, "no ledger for account"))
			return
		}
		server.logger.Error("wallet fetch failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeStoreUnavailable, "wallet unavailable"))
		return
	}
	events, err := server.deps.Ledger.ListEvents(requestCtx, accountID, entitlement.DefaultEventListLimit)
	if err != nil {
		server.logger.Error("event list failed", zap.Error(err))
		ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeStoreUnavailable, "wallet unavailable"))
		return
	}
	payloads := make([]eventPayload, 0, len(events))
	for _, event := range events {
		payloads = append(payloads, eventPayloadFrom(event))
	}
	ctx.JSON(http.StatusOK, gin.H{
		"ledger": ledgerPayloadFrom(ledger),
		"events": payloads,
	})
}

func (server *Server) handlePlans(ctx *gin.Context) {
	plans := purchase.Plans()
	payloads := make([]gin.H, 0, len(plans))
	for _, plan := range plans {
		payloads = append(payloads, gin.H{
			"plan_type":   plan.Type,
			"name":        plan.Name,
			"credits":     plan.Credits,
			"unlimited":   plan.Unlimited(),
			"price_cents": plan.PriceCents,
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"plans": payloads})
}

type checkoutRequest struct {
	AccountID string `json:"account_id"`
	PlanType  string `json:"plan_type"`
}

func (server *Server) handleCheckout(ctx *gin.Context) {
	var request checkoutRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
		return
	}
	accountID, err := entitlement.NewAccountID(request.AccountID)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidAccount, "account id is required"))
		return
	}
	requestCtx, cancel := server.storeContext(ctx)
	defer cancel()
	checkoutURL, err := server.deps.Orchestrator.CreateSession(requestCtx, accountID, request.PlanType)
	if err != nil {
		switch {
		case errors.Is(err, purchase.ErrInvalidPlan):
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPlan, "unknown plan type"))
		case errors.Is(err, purchase.ErrProviderUnavailable):
			server.logger.Error("checkout session failed", zap.Error(err))
			ctx.JSON(http.StatusBadGateway, errorResponse(errorCodeProviderUnavailable, "payment provider unavailable, try again"))
		default:
			server.logger.Error("checkout session failed", zap.Error(err))
			ctx.JSON(http.StatusServiceUnavailable, errorResponse(errorCodeStoreUnavailable, "checkout failed"))
		}
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"checkout_url": checkoutURL})
}

type webhookPayload struct {
	ProviderSessionID string `json:"provider_session_id"`
	Outcome           string `json:"outcome"`
}

// handlePaymentCallback is the only path that turns provider notifications
// into ledger grants. It answers 2xx once the outcome is durably recorded,
// duplicates included, so the provider stops retrying.
func (server *Server) handlePaymentCallback(ctx *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(ctx.Request.Body, maxWebhookBodyBytes))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "unreadable body"))
		return
	}
	signature := ctx.GetHeader("Stripe-Signature")

	var providerSessionID string
	var outcome purchase.Outcome
	if signature == "" && server.cfg.AllowUnsignedWebhooks {
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "expected JSON body"))
			return
		}
		parsedOutcome, err := purchase.ParseOutcome(payload.Outcome)
		if err != nil || payload.ProviderSessionID == "" {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload, "provider_session_id and outcome are required"))
			return
		}
		providerSessionID = payload.ProviderSessionID
		outcome = parsedOutcome
	} else {
		if server.deps.Webhooks == nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidSignature, "no webhook decoder configured"))
			return
		}
		providerSessionID, outcome, err = server.deps.Webhooks.DecodeWebhook(body, signature)
		if errors.Is(err, purchase.ErrIgnoredWebhookEvent) {
			ctx.JSON(http.StatusOK, gin.H{"received": true})
			return
		}
		if err != nil {
			server.logger.Warn("webhook rejected", zap.Error(err))
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidSignature, "invalid webhook"))
			return
		}
	}

	requestCtx, cancel := server.storeContext(ctx)
	defer cancel()
	err = server.deps.Orchestrator.Reconcile(requestCtx, providerSessionID, outcome)
	if errors.Is(err, purchase.ErrUnknownSession) {
		server.logger.Warn("webhook for unknown session dropped", zap.String("provider_session_id", providerSessionID))
		ctx.JSON(http.StatusOK, gin.H{"received": true})
		return
	}
	if err != nil {
		// Not durably recorded; a non-2xx keeps the provider retrying.
		server.logger.Error("reconciliation failed", zap.Error(err))
		ctx.JSON(http.StatusInternalServerError, errorResponse(errorCodeStoreUnavailable, "reconciliation failed"))
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"received": true})
}

func (server *Server) incomingToken(ctx *gin.Context, bodyToken string) string {
	if bodyToken != "" {
		return bodyToken
	}
	if cookie, err := ctx.Cookie(server.cfg.SessionCookieName); err == nil && cookie != "" {
		return cookie
	}
	authorization := ctx.GetHeader("Authorization")
	const bearerPrefix = "Bearer "
	if len(authorization) > len(bearerPrefix) && authorization[:len(bearerPrefix)] == bearerPrefix {
		return authorization[len(bearerPrefix):]
	}
	return ""
}

func (server *Server) storeContext(ctx *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx.Request.Context(), server.cfg.StoreTimeout)
}

// cachingReader serves gate reads through the snapshot cache when one is
// configured, falling back to the authoritative store.
type cachingReader struct {
	ledger *entitlement.Service
	cache  *balancecache.Cache
}

func (reader *cachingReader) GetBalance(ctx context.Context, accountID entitlement.AccountID) (entitlement.Ledger, error) {
	if ledger, ok := reader.cache.Get(ctx, accountID); ok {
		return ledger, nil
	}
	ledger, err := reader.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return entitlement.Ledger{}, err
	}
	reader.cache.Put(ctx, ledger)
	return ledger, nil
}

type ledgerPayload struct {
	AccountID                 string `json:"account_id"`
	CreditsRemaining          int64  `json:"credits_remaining"`
	TotalCreditsUsed          int64  `json:"total_credits_used"`
	TotalCreditsGranted       int64  `json:"total_credits_granted"`
	UnlimitedActive           bool   `json:"unlimited_active"`
	UnlimitedExpiresAtUnixUTC int64  `json:"unlimited_expires_at_unix_utc,omitempty"`
}

func ledgerPayloadFrom(ledger entitlement.Ledger) ledgerPayload {
	return ledgerPayload{
		AccountID:                 ledger.AccountID.String(),
		CreditsRemaining:          ledger.CreditsRemaining,
		TotalCreditsUsed:          ledger.TotalCreditsUsed,
		TotalCreditsGranted:       ledger.TotalCreditsGranted,
		UnlimitedActive:           ledger.UnlimitedActive,
		UnlimitedExpiresAtUnixUTC: ledger.UnlimitedExpiresAtUnixUTC,
	}
}

type eventPayload struct {
	EventID          string `json:"event_id"`
	Kind             string `json:"kind"`
	Amount           int64  `json:"amount"`
	Reason           string `json:"reason"`
	ResultingBalance int64  `json:"resulting_balance"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
}

func eventPayloadFrom(event entitlement.LedgerEvent) eventPayload {
	return eventPayload{
		EventID:          event.EventID,
		Kind:             event.Kind.String(),
		Amount:           event.Amount,
		Reason:           event.Reason.String(),
		ResultingBalance: event.ResultingBalance,
		CreatedUnixUTC:   event.CreatedUnixUTC,
	}
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
