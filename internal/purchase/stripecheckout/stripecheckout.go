// Package stripecheckout implements the purchase provider on Stripe hosted
// checkout. Plans are priced inline; the webhook signature check is the
// trust boundary for reconciliation.
package stripecheckout

import (
	"context"
	"encoding/json"
	"fmt"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/MarkoPoloResearchLab/entitlement/internal/purchase"
	"github.com/MarkoPoloResearchLab/entitlement/pkg/entitlement"
)

const (
	eventCheckoutCompleted     = "checkout.session.completed"
	eventCheckoutExpired       = "checkout.session.expired"
	eventAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	metadataKeyIntentID        = "intent_id"
	metadataKeyAccountID       = "account_id"
	metadataKeyPlanType        = "plan_type"
	checkoutSessionCurrencyUSD = "usd"
)

// Config aggregates Stripe settings.
type Config struct {
	SecretKey     string
	WebhookSecret string
	SuccessURL    string
	CancelURL     string
}

// Client wraps the Stripe SDK for checkout sessions and webhooks.
type Client struct {
	cfg Config
}

// NewClient configures the global Stripe key and returns a Client.
func NewClient(cfg Config) *Client {
	stripe.Key = cfg.SecretKey
	return &Client{cfg: cfg}
}

// CreateCheckoutSession creates a hosted checkout session for the plan and
// returns the provider session id plus redirect URL.
func (client *Client) CreateCheckoutSession(ctx context.Context, intentID string, accountID entitlement.AccountID, plan purchase.Plan) (purchase.CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModePayment)),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(checkoutSessionCurrencyUSD),
					UnitAmount: stripe.Int64(plan.PriceCents),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(plan.Name),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(intentID),
		SuccessURL:        stripe.String(client.cfg.SuccessURL),
		CancelURL:         stripe.String(client.cfg.CancelURL),
	}
	params.Context = ctx
	params.AddMetadata(metadataKeyIntentID, intentID)
	params.AddMetadata(metadataKeyAccountID, accountID.String())
	params.AddMetadata(metadataKeyPlanType, plan.Type)
	sess, err := checksession.New(params)
	if err != nil {
		return purchase.CheckoutSession{}, fmt.Errorf("create checkout session: %w", err)
	}
	return purchase.CheckoutSession{
		ProviderSessionID: sess.ID,
		URL:               sess.URL,
	}, nil
}

// DecodeWebhook verifies the signature and maps the event to a provider
// session id and reconciliation outcome. Events without an outcome return
// ErrIgnoredEvent.
func (client *Client) DecodeWebhook(payload []byte, signatureHeader string) (string, purchase.Outcome, error) {
	event, err := webhook.ConstructEvent(payload, signatureHeader, client.cfg.WebhookSecret)
	if err != nil {
		return "", "", fmt.Errorf("verify webhook signature: %w", err)
	}
	var outcome purchase.Outcome
	switch string(event.Type) {
	case eventCheckoutCompleted:
		outcome = purchase.OutcomePaid
	case eventCheckoutExpired, eventAsyncPaymentFailed:
		outcome = purchase.OutcomeFailed
	default:
		return "", "", fmt.Errorf("%w: %s", purchase.ErrIgnoredWebhookEvent, event.Type)
	}
	var sess stripe.CheckoutSession
	if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
		return "", "", fmt.Errorf("unmarshal checkout session: %w", err)
	}
	if sess.ID == "" {
		return "", "", fmt.Errorf("webhook event %s missing session id", event.Type)
	}
	return sess.ID, outcome, nil
}
