// internal/payment/stripe.go
package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/checkout/session"
	"github.com/stripe/stripe-go/v72/webhook"

	"plant-doctor/internal/apierr"
	"plant-doctor/internal/models"
)

type Config struct {
	SecretKey  string
	PublicKey  string
	WebhookKey string
	ProductID  string
	PriceID    string
}

type StripeClient struct {
	secretKey     string
	publicKey     string
	webhookSecret string
	priceID       string
	productID     string
}

func NewStripeClient(cfg Config) *StripeClient {
	// Set the secret key for backend operations
	stripe.Key = cfg.SecretKey

	return &StripeClient{
		secretKey:     cfg.SecretKey,
		publicKey:     cfg.PublicKey,
		webhookSecret: cfg.WebhookKey,
		priceID:       cfg.PriceID,
		productID:     cfg.ProductID,
	}
}

func (s *StripeClient) GetWebhookSecret() string {
	return s.webhookSecret
}

// CreateCheckoutSession starts a hosted checkout for plan. clientRef comes
// back on the webhook and names who bought it. Returns session id and URL.
func (s *StripeClient) CreateCheckoutSession(clientRef string, plan models.Plan, successURL, cancelURL string) (string, string, error) {
	if stripe.Key != s.secretKey {
		stripe.Key = s.secretKey
	}

	params := &stripe.CheckoutSessionParams{
		PaymentMethodTypes: stripe.StringSlice([]string{
			"card",
		}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				Price:    stripe.String(s.priceID),
				Quantity: stripe.Int64(1),
			},
		},
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(clientRef),
	}
	params.AddMetadata("plan", string(plan))
	if s.productID != "" {
		params.AddMetadata("product_id", s.productID)
	}

	sess, err := session.New(params)
	if err != nil {
		return "", "", fmt.Errorf("failed to create checkout session: %w", err)
	}

	return sess.ID, sess.URL, nil
}

func (s *StripeClient) VerifyWebhookSignature(payload []byte, sig string) (stripe.Event, error) {
	if s.webhookSecret == "" {
		return stripe.Event{}, errors.New("webhook secret is not configured")
	}
	return webhook.ConstructEvent(payload, sig, s.webhookSecret)
}

type Status string

const (
	PurchaseConfirmed Status = "confirmed"
	PurchaseCancelled Status = "cancelled"
	// PurchaseIgnored is any event that does not settle a checkout.
	PurchaseIgnored Status = "ignored"
)

// Purchase is the settled state of one checkout.
type Purchase struct {
	Status          Status
	SessionID       string
	ClientReference string
	Plan            models.Plan
}

// ParseEvent maps a verified webhook event onto a purchase.
func ParseEvent(evt stripe.Event) (Purchase, error) {
	var status Status
	switch evt.Type {
	case "checkout.session.completed", "checkout.session.async_payment_succeeded":
		status = PurchaseConfirmed
	case "checkout.session.expired", "checkout.session.async_payment_failed":
		status = PurchaseCancelled
	default:
		return Purchase{Status: PurchaseIgnored}, nil
	}
	if evt.Data == nil {
		return Purchase{}, errors.New("event has no data")
	}

	var cs stripe.CheckoutSession
	if err := json.Unmarshal(evt.Data.Raw, &cs); err != nil {
		return Purchase{}, fmt.Errorf("failed to decode checkout session: %w", err)
	}
	// completed but unpaid (delayed methods) settles later
	if evt.Type == "checkout.session.completed" && cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusUnpaid {
		status = PurchaseIgnored
	}

	plan := models.Plan(cs.Metadata["plan"])
	if plan == "" {
		plan = models.PlanPro
	}
	return Purchase{
		Status:          status,
		SessionID:       cs.ID,
		ClientReference: cs.ClientReferenceID,
		Plan:            plan,
	}, nil
}

// Upgrader is the account operation a confirmed purchase triggers.
type Upgrader interface {
	Upgrade(ctx context.Context, plan models.Plan) (models.Outcome, error)
	// ConfirmPro turns pro on locally without the backend.
	ConfirmPro(ctx context.Context)
}

// Complete upgrades the account for a confirmed purchase. Cancelled or
// ignored purchases are an unsuccessful outcome, not an error. A paid
// purchase whose upgrade call cannot reach the backend still unlocks pro
// locally; the next reconciliation settles it.
func Complete(ctx context.Context, up Upgrader, p Purchase) (models.Outcome, error) {
	switch p.Status {
	case PurchaseConfirmed:
		out, err := up.Upgrade(ctx, p.Plan)
		if err != nil && apierr.IsTransient(err) {
			up.ConfirmPro(ctx)
			return models.Outcome{
				Success: true,
				Message: "Payment received. Pro is active and will sync with your account shortly.",
			}, nil
		}
		return out, err
	case PurchaseCancelled:
		return models.Outcome{Message: "Payment was cancelled."}, nil
	default:
		return models.Outcome{}, nil
	}
}
