package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarkoPoloResearchLab/entitlement/internal/purchase"
	"github.com/MarkoPoloResearchLab/entitlement/internal/session"
	"github.com/MarkoPoloResearchLab/entitlement/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
)

const (
	testSigningKey     = "server-test-signing-key-123456"
	testProviderURL    = "https://checkout.example/session"
	debitReasonPayload = "image_generation"
)

type scriptedProvider struct {
	nextSessionID int
	lastSessionID string
}

func (provider *scriptedProvider) CreateCheckoutSession(ctx context.Context, intentID string, accountID entitlement.AccountID, plan purchase.Plan) (purchase.CheckoutSession, error) {
	provider.nextSessionID++
	provider.lastSessionID = fmt.Sprintf("cs_test_%d", provider.nextSessionID)
	return purchase.CheckoutSession{
		ProviderSessionID: provider.lastSessionID,
		URL:               testProviderURL,
	}, nil
}

func newTestServer(test *testing.T) (*Server, *scriptedProvider) {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/entitlement.db"), &gorm.Config{})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&gormstore.Account{}, &gormstore.EntitlementLedger{}, &gormstore.LedgerEvent{}, &gormstore.PurchaseIntent{}); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	store := gormstore.New(db)
	clock := func() int64 { return time.Now().UTC().Unix() }

	ledgerService, err := entitlement.NewService(store, clock)
	if err != nil {
		test.Fatalf("service: %v", err)
	}
	bootstrapper, err := entitlement.NewBootstrapper(store, clock)
	if err != nil {
		test.Fatalf("bootstrapper: %v", err)
	}
	provider := &scriptedProvider{}
	orchestrator, err := purchase.NewOrchestrator(store, ledgerService, provider, clock)
	if err != nil {
		test.Fatalf("orchestrator: %v", err)
	}
	sessions, err := session.NewManager(session.Config{SigningKey: []byte(testSigningKey)})
	if err != nil {
		test.Fatalf("sessions: %v", err)
	}

	server, err := New(Config{AllowUnsignedWebhooks: true}, Deps{
		Bootstrapper: bootstrapper,
		Ledger:       ledgerService,
		Orchestrator: orchestrator,
		Sessions:     sessions,
	})
	if err != nil {
		test.Fatalf("server: %v", err)
	}
	return server, provider
}

func performJSON(test *testing.T, server *Server, method string, path string, payload any) (*httptest.ResponseRecorder, map[string]any) {
	test.Helper()
	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			test.Fatalf("encode payload: %v", err)
		}
	}
	request := httptest.NewRequest(method, path, &body)
	request.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, request)

	decoded := map[string]any{}
	if recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			test.Fatalf("decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, decoded
}

func errorCodeOf(response map[string]any) string {
	wrapped, ok := response["error"].(map[string]any)
	if !ok {
		return ""
	}
	code, _ := wrapped["code"].(string)
	return code
}

func remainingOf(test *testing.T, response map[string]any, field string) int64 {
	test.Helper()
	ledger, ok := response[field].(map[string]any)
	if !ok {
		test.Fatalf("missing %q in response: %v", field, response)
	}
	remaining, ok := ledger["credits_remaining"].(float64)
	if !ok {
		test.Fatalf("missing credits_remaining in %v", ledger)
	}
	return int64(remaining)
}

func TestGuestJourneyFromBootstrapToPurchase(test *testing.T) {
	test.Parallel()
	server, provider := newTestServer(test)

	// First load: account minted with the initial grant.
	recorder, response := performJSON(test, server, http.MethodPost, "/api/bootstrap", map[string]any{})
	if recorder.Code != http.StatusOK {
		test.Fatalf("bootstrap: %d %s", recorder.Code, recorder.Body.String())
	}
	accountID, _ := response["account_id"].(string)
	sessionToken, _ := response["session_token"].(string)
	if accountID == "" || sessionToken == "" {
		test.Fatalf("missing identifiers in bootstrap response: %v", response)
	}
	if got := remainingOf(test, response, "ledger"); got != 3 {
		test.Fatalf("expected 3 starting credits, got %d", got)
	}

	// Second load with the token: same account, balance untouched.
	recorder, response = performJSON(test, server, http.MethodPost, "/api/bootstrap", map[string]any{"session_token": sessionToken})
	if recorder.Code != http.StatusOK {
		test.Fatalf("re-bootstrap: %d", recorder.Code)
	}
	if got, _ := response["account_id"].(string); got != accountID {
		test.Fatalf("expected stable account across loads, got %q then %q", accountID, got)
	}
	if got := remainingOf(test, response, "ledger"); got != 3 {
		test.Fatalf("re-bootstrap changed the balance to %d", got)
	}

	// Fresh account passes the gate for any cost.
	recorder, response = performJSON(test, server, http.MethodPost, "/api/entitlement/check", map[string]any{"account_id": accountID, "required_credits": 100})
	if recorder.Code != http.StatusOK {
		test.Fatalf("check: %d", recorder.Code)
	}
	if allowed, _ := response["allowed"].(bool); !allowed {
		test.Fatalf("expected grace allowance, got %v", response)
	}

	// Spend all three starting credits.
	for debit := 1; debit <= 3; debit++ {
		recorder, response = performJSON(test, server, http.MethodPost, "/api/entitlement/debit", map[string]any{
			"account_id": accountID,
			"amount":     1,
			"reason":     debitReasonPayload,
		})
		if recorder.Code != http.StatusOK {
			test.Fatalf("debit %d: %d %s", debit, recorder.Code, recorder.Body.String())
		}
	}
	if got := remainingOf(test, response, "balance"); got != 0 {
		test.Fatalf("expected drained balance, got %d", got)
	}

	// Fourth attempt is denied without mutating the ledger.
	recorder, response = performJSON(test, server, http.MethodPost, "/api/entitlement/debit", map[string]any{
		"account_id": accountID,
		"amount":     1,
		"reason":     debitReasonPayload,
	})
	if recorder.Code != http.StatusPaymentRequired {
		test.Fatalf("expected 402, got %d", recorder.Code)
	}
	if errorCodeOf(response) != errorCodeInsufficientCredits {
		test.Fatalf("expected INSUFFICIENT_CREDITS, got %v", response)
	}

	// The gate now denies as well.
	recorder, response = performJSON(test, server, http.MethodPost, "/api/entitlement/check", map[string]any{"account_id": accountID, "required_credits": 1})
	if recorder.Code != http.StatusOK {
		test.Fatalf("check after drain: %d", recorder.Code)
	}
	if allowed, _ := response["allowed"].(bool); allowed {
		test.Fatalf("expected denial after drain, got %v", response)
	}

	// Buy the ten-credit pack.
	recorder, response = performJSON(test, server, http.MethodPost, "/api/checkout", map[string]any{"account_id": accountID, "plan_type": purchase.PlanTenCredits})
	if recorder.Code != http.StatusOK {
		test.Fatalf("checkout: %d %s", recorder.Code, recorder.Body.String())
	}
	if url, _ := response["checkout_url"].(string); url != testProviderURL {
		test.Fatalf("unexpected checkout url: %v", response)
	}

	// The provider retries its webhook five times; all must be acknowledged
	// and exactly one grant may land.
	for delivery := 0; delivery < 5; delivery++ {
		recorder, _ = performJSON(test, server, http.MethodPost, "/payment-callback", map[string]any{
			"provider_session_id": provider.lastSessionID,
			"outcome":             "paid",
		})
		if recorder.Code != http.StatusOK {
			test.Fatalf("webhook delivery %d: %d %s", delivery, recorder.Code, recorder.Body.String())
		}
	}

	request := httptest.NewRequest(http.MethodGet, "/api/wallet?account_id="+accountID, nil)
	walletRecorder := httptest.NewRecorder()
	server.Router().ServeHTTP(walletRecorder, request)
	if walletRecorder.Code != http.StatusOK {
		test.Fatalf("wallet: %d %s", walletRecorder.Code, walletRecorder.Body.String())
	}
	var wallet map[string]any
	if err := json.Unmarshal(walletRecorder.Body.Bytes(), &wallet); err != nil {
		test.Fatalf("decode wallet: %v", err)
	}
	if got := remainingOf(test, wallet, "ledger"); got != 10 {
		test.Fatalf("expected 10 credits after purchase, got %d", got)
	}
	events, ok := wallet["events"].([]any)
	if !ok {
		test.Fatalf("missing events in wallet: %v", wallet)
	}
	var purchaseGrants int
	for _, raw := range events {
		event, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if event["kind"] == "grant" && event["amount"] == float64(10) {
			purchaseGrants++
		}
	}
	if purchaseGrants != 1 {
		test.Fatalf("expected exactly one purchase grant event, got %d", purchaseGrants)
	}
}

func TestPaymentCallbackAcknowledgesUnknownSession(test *testing.T) {
	test.Parallel()
	server, _ := newTestServer(test)

	recorder, _ := performJSON(test, server, http.MethodPost, "/payment-callback", map[string]any{
		"provider_session_id": "cs_never_created",
		"outcome":             "paid",
	})
	if recorder.Code != http.StatusOK {
		test.Fatalf("unknown session must still be acknowledged, got %d", recorder.Code)
	}
}

func TestPaymentCallbackRejectsMalformedPayload(test *testing.T) {
	test.Parallel()
	server, _ := newTestServer(test)

	recorder, response := performJSON(test, server, http.MethodPost, "/payment-callback", map[string]any{
		"provider_session_id": "cs_x",
		"outcome":             "maybe",
	})
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
	if errorCodeOf(response) != errorCodeInvalidPayload {
		test.Fatalf("expected INVALID_PAYLOAD, got %v", response)
	}
}

func TestCheckoutRejectsUnknownPlan(test *testing.T) {
	test.Parallel()
	server, _ := newTestServer(test)
	recorder, bootstrap := performJSON(test, server, http.MethodPost, "/api/bootstrap", map[string]any{})
	if recorder.Code != http.StatusOK {
		test.Fatalf("bootstrap: %d", recorder.Code)
	}
	accountID, _ := bootstrap["account_id"].(string)

	recorder, response := performJSON(test, server, http.MethodPost, "/api/checkout", map[string]any{"account_id": accountID, "plan_type": "lifetime"})
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
	if errorCodeOf(response) != errorCodeInvalidPlan {
		test.Fatalf("expected INVALID_PLAN, got %v", response)
	}
}

func TestDebitRejectsNonPositiveAmount(test *testing.T) {
	test.Parallel()
	server, _ := newTestServer(test)

	recorder, response := performJSON(test, server, http.MethodPost, "/api/entitlement/debit", map[string]any{
		"account_id": "acct-1",
		"amount":     0,
		"reason":     debitReasonPayload,
	})
	if recorder.Code != http.StatusBadRequest {
		test.Fatalf("expected 400, got %d", recorder.Code)
	}
	if errorCodeOf(response) != errorCodeInvalidPayload {
		test.Fatalf("expected INVALID_PAYLOAD, got %v", response)
	}
}

func TestWalletRequiresExistingLedger(test *testing.T) {
	test.Parallel()
	server, _ := newTestServer(test)

	request := httptest.NewRequest(http.MethodGet, "/api/wallet?account_id=missing-account", nil)
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, request)
	if recorder.Code != http.StatusNotFound {
		test.Fatalf("expected 404, got %d", recorder.Code)
	}
}

func TestPlansEndpointListsCatalog(test *testing.T) {
	test.Parallel()
	server, _ := newTestServer(test)

	request := httptest.NewRequest(http.MethodGet, "/api/plans", nil)
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		test.Fatalf("plans: %d", recorder.Code)
	}
	var response map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &response); err != nil {
		test.Fatalf("decode: %v", err)
	}
	plans, ok := response["plans"].([]any)
	if !ok || len(plans) != 3 {
		test.Fatalf("expected 3 plans, got %v", response)
	}
}

func TestHealthz(test *testing.T) {
	test.Parallel()
	server, _ := newTestServer(test)

	request := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	recorder := httptest.NewRecorder()
	server.Router().ServeHTTP(recorder, request)
	if recorder.Code != http.StatusOK {
		test.Fatalf("healthz: %d", recorder.Code)
	}
}
