// Package card provides the card processor adapter, backed by the
// Stripe API.
package card

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"billingcore/internal/common/money"
	"billingcore/internal/payment"
)

// Config holds card adapter configuration.
type Config struct {
	Enabled       bool   `envconfig:"CARD_ENABLED" default:"true"`
	SecretKey     string `envconfig:"CARD_SECRET_KEY"`
	WebhookSecret string `envconfig:"CARD_WEBHOOK_SECRET"`
}

// Adapter implements payment.Provider for card payments.
type Adapter struct {
	config Config
	api    *client.API
	logger *slog.Logger
}

// NewAdapter creates a card adapter.
func NewAdapter(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("card adapter: secret key is required")
	}
	api := &client.API{}
	api.Init(cfg.SecretKey, nil)
	return &Adapter{
		config: cfg,
		api:    api,
		logger: logger,
	}, nil
}

var _ payment.Provider = (*Adapter)(nil)

// Name implements payment.Provider.
func (a *Adapter) Name() payment.ProviderName {
	return payment.ProviderCard
}

// Charge creates a payment intent. Card charges are two-phase: the
// returned client secret finishes the payment client-side, and the
// local intent stays pending until confirmed or notified.
func (a *Adapter) Charge(ctx context.Context, req payment.ChargeRequest) (*payment.PaymentResult, error) {
	params := &stripe.PaymentIntentParams{
		Params:   stripe.Params{Context: ctx},
		Amount:   stripe.Int64(req.Amount.AmountMinor),
		Currency: stripe.String(strings.ToLower(string(req.Amount.Currency))),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	if req.Description != "" {
		params.Description = stripe.String(req.Description)
	}
	if req.CustomerEmail != "" {
		params.ReceiptEmail = stripe.String(req.CustomerEmail)
	}
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := a.api.PaymentIntents.New(params)
	if err != nil {
		if result, ok := declineResult(err); ok {
			return result, nil
		}
		return nil, fmt.Errorf("creating card payment: %w", err)
	}

	a.logger.Info("card payment intent created",
		"external_ref", pi.ID,
		"status", pi.Status,
		"amount_minor", req.Amount.AmountMinor,
	)

	return &payment.PaymentResult{
		Success:      true,
		ExternalRef:  pi.ID,
		Status:       mapIntentStatus(pi.Status),
		ClientSecret: pi.ClientSecret,
	}, nil
}

// Confirm finalizes a two-phase card payment.
func (a *Adapter) Confirm(ctx context.Context, externalRef string) (*payment.PaymentResult, error) {
	pi, err := a.api.PaymentIntents.Confirm(externalRef, &stripe.PaymentIntentConfirmParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		if result, ok := declineResult(err); ok {
			return result, nil
		}
		return nil, fmt.Errorf("confirming card payment %s: %w", externalRef, err)
	}

	return &payment.PaymentResult{
		Success:      true,
		ExternalRef:  pi.ID,
		Status:       mapIntentStatus(pi.Status),
		ClientSecret: pi.ClientSecret,
	}, nil
}

// Refund refunds part or all of a card payment.
func (a *Adapter) Refund(ctx context.Context, externalRef string, amount money.Money) (*payment.PaymentResult, error) {
	refund, err := a.api.Refunds.New(&stripe.RefundParams{
		Params:        stripe.Params{Context: ctx},
		PaymentIntent: stripe.String(externalRef),
		Amount:        stripe.Int64(amount.AmountMinor),
	})
	if err != nil {
		if result, ok := declineResult(err); ok {
			return result, nil
		}
		return nil, fmt.Errorf("refunding card payment %s: %w", externalRef, err)
	}

	a.logger.Info("card refund created",
		"external_ref", externalRef,
		"refund_ref", refund.ID,
		"amount_minor", amount.AmountMinor,
	)

	return &payment.PaymentResult{
		Success:     refund.Status != stripe.RefundStatusFailed,
		ExternalRef: refund.ID,
		Status:      payment.StatusCompleted,
	}, nil
}

// ParseWebhook verifies the signature header and maps the event to
// canonical form.
func (a *Adapter) ParseWebhook(payload []byte, signature string) (*payment.WebhookEvent, error) {
	event, err := webhook.ConstructEvent(payload, signature, a.config.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", payment.ErrSignatureInvalid, err)
	}

	out := &payment.WebhookEvent{
		ID:         event.ID,
		Provider:   payment.ProviderCard,
		RawPayload: payload,
		ReceivedAt: time.Now().UTC(),
	}

	switch string(event.Type) {
	case "payment_intent.succeeded":
		out.Kind = payment.EventChargeSucceeded
	case "payment_intent.payment_failed":
		out.Kind = payment.EventChargeFailed
	case "charge.refunded":
		out.Kind = payment.EventRefundCompleted
	case "invoice.payment_succeeded":
		out.Kind = payment.EventInvoicePaid
	case "invoice.payment_failed":
		out.Kind = payment.EventInvoiceFailed
	case "customer.subscription.created":
		out.Kind = payment.EventSubscriptionCreated
	case "customer.subscription.updated":
		out.Kind = payment.EventSubscriptionUpdated
	case "customer.subscription.deleted":
		out.Kind = payment.EventSubscriptionCancelled
	default:
		return nil, fmt.Errorf("%w: %s", payment.ErrUnrecognizedEventKind, event.Type)
	}

	if err := extractRefs(out, event.Data.Raw); err != nil {
		return nil, fmt.Errorf("parsing webhook object: %w", err)
	}
	return out, nil
}

// extractRefs pulls the identifying references from the event object.
func extractRefs(out *payment.WebhookEvent, raw json.RawMessage) error {
	var obj struct {
		ID             string `json:"id"`
		PaymentIntent  string `json:"payment_intent"`
		Subscription   string `json:"subscription"`
		AmountPaid     int64  `json:"amount_paid"`
		AmountRefunded int64  `json:"amount_refunded"`
		Currency       string `json:"currency"`
	}
	if err := json.Unmarshal(raw, &obj); err != nil {
		return err
	}

	switch out.Kind {
	case payment.EventChargeSucceeded, payment.EventChargeFailed:
		out.ExternalRef = obj.ID
	case payment.EventRefundCompleted:
		// Charge object; the local intent is keyed on the payment
		// intent reference.
		out.ExternalRef = obj.PaymentIntent
		if obj.AmountRefunded > 0 {
			amt := money.New(obj.AmountRefunded, money.Currency(strings.ToUpper(obj.Currency)))
			out.Amount = &amt
		}
	case payment.EventInvoicePaid, payment.EventInvoiceFailed:
		out.ExternalRef = obj.ID
		out.SubscriptionRef = obj.Subscription
		if obj.AmountPaid > 0 {
			amt := money.New(obj.AmountPaid, money.Currency(strings.ToUpper(obj.Currency)))
			out.Amount = &amt
		}
	default:
		out.SubscriptionRef = obj.ID
	}
	return nil
}

// declineResult converts a card decline into a failed result. Other
// errors (transport, auth) stay errors for the manager to normalize.
func declineResult(err error) (*payment.PaymentResult, bool) {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return nil, false
	}
	switch stripeErr.Type {
	case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
		reason := string(stripeErr.Code)
		if reason == "" {
			reason = "card_declined"
		}
		return &payment.PaymentResult{
			Success: false,
			Status:  payment.StatusFailed,
			Reason:  reason,
		}, true
	default:
		return nil, false
	}
}

func mapIntentStatus(s stripe.PaymentIntentStatus) payment.IntentStatus {
	switch s {
	case stripe.PaymentIntentStatusSucceeded:
		return payment.StatusCompleted
	case stripe.PaymentIntentStatusProcessing:
		return payment.StatusProcessing
	default:
		// requires_confirmation, requires_action, requires_payment_method
		return payment.StatusPending
	}
}
