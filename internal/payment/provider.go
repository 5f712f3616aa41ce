package payment

import (
	"context"
	"encoding/json"
	"time"

	"billingcore/internal/common/money"
)

// ProviderName identifies a payment backend.
type ProviderName string

const (
	ProviderCard         ProviderName = "card"
	ProviderWallet       ProviderName = "wallet"
	ProviderBankTransfer ProviderName = "bank_transfer"
	ProviderAppleIAP     ProviderName = "apple_iap"
	ProviderGooglePlay   ProviderName = "google_play"
)

// ChargeRequest carries everything an adapter needs to create a charge.
type ChargeRequest struct {
	Amount        money.Money
	Description   string
	CustomerEmail string
	Metadata      map[string]string
}

// PaymentResult is the normalized outcome of an adapter call. Declines
// and timeouts come back as Success=false with a Reason; transport and
// configuration problems are returned as errors by the adapter and
// normalized by the manager.
type PaymentResult struct {
	Success      bool              `json:"success"`
	ExternalRef  string            `json:"external_ref,omitempty"`
	Status       IntentStatus      `json:"status,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	ClientSecret string            `json:"client_secret,omitempty"`
	ProviderData map[string]string `json:"provider_data,omitempty"`
}

// EventKind is a canonical webhook event kind. Adapters translate
// provider-specific event types into these.
type EventKind string

const (
	EventChargeSucceeded       EventKind = "charge.succeeded"
	EventChargeFailed          EventKind = "charge.failed"
	EventInvoicePaid           EventKind = "invoice.paid"
	EventInvoiceFailed         EventKind = "invoice.failed"
	EventSubscriptionCreated   EventKind = "subscription.created"
	EventSubscriptionUpdated   EventKind = "subscription.updated"
	EventSubscriptionCancelled EventKind = "subscription.cancelled"
	EventRefundCompleted       EventKind = "refund.completed"
	EventRefundFailed          EventKind = "refund.failed"
)

// WebhookEvent is a provider notification translated to canonical form.
type WebhookEvent struct {
	ID              string          `json:"id"`
	Provider        ProviderName    `json:"provider"`
	Kind            EventKind       `json:"kind"`
	ExternalRef     string          `json:"external_ref,omitempty"`
	SubscriptionRef string          `json:"subscription_ref,omitempty"`
	Amount          *money.Money    `json:"amount,omitempty"`
	RawPayload      json.RawMessage `json:"raw_payload,omitempty"`
	ReceivedAt      time.Time       `json:"received_at"`
}

// Provider is the adapter contract every payment backend implements.
// Charge creates the external charge; Confirm finalizes two-phase flows
// and is a no-op success for providers that settle synchronously;
// Refund returns ErrUnsupportedOperation where the backend offers no
// programmatic refunds; ParseWebhook verifies authenticity and maps the
// payload to a canonical event.
type Provider interface {
	Name() ProviderName
	Charge(ctx context.Context, req ChargeRequest) (*PaymentResult, error)
	Confirm(ctx context.Context, externalRef string) (*PaymentResult, error)
	Refund(ctx context.Context, externalRef string, amount money.Money) (*PaymentResult, error)
	ParseWebhook(payload []byte, signature string) (*WebhookEvent, error)
}
