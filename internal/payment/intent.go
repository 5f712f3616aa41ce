// Package payment provides provider-agnostic payment orchestration:
// charging through any configured provider, webhook-driven lifecycle
// transitions, and refund coordination.
package payment

import (
	"errors"
	"time"

	"billingcore/internal/common/money"
)

// IntentStatus represents the status of a payment intent.
type IntentStatus string

const (
	StatusPending    IntentStatus = "pending"
	StatusProcessing IntentStatus = "processing"
	StatusCompleted  IntentStatus = "completed"
	StatusFailed     IntentStatus = "failed"
	StatusRefunded   IntentStatus = "refunded"
)

// PaymentIntent is the local record of a charge. ExternalRef ties it to
// the provider's object; webhook deliveries are matched against it.
type PaymentIntent struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	Amount         money.Money       `json:"amount"`
	OriginalAmount money.Money       `json:"original_amount"`
	RefundedMinor  int64             `json:"refunded_minor"`
	Provider       ProviderName      `json:"provider"`
	Status         IntentStatus      `json:"status"`
	ExternalRef    string            `json:"external_ref,omitempty"`
	Description    string            `json:"description,omitempty"`
	CouponCode     string            `json:"coupon_code,omitempty"`
	FailureReason  string            `json:"failure_reason,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`

	CompletedAt *time.Time `json:"completed_at,omitempty"`
	RefundedAt  *time.Time `json:"refunded_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewPaymentIntent creates a pending intent.
func NewPaymentIntent(id, userID string, amount, original money.Money, provider ProviderName) (*PaymentIntent, error) {
	if id == "" {
		return nil, errors.New("id is required")
	}
	if userID == "" {
		return nil, errors.New("user_id is required")
	}
	if amount.AmountMinor < 0 {
		return nil, errors.New("amount must not be negative")
	}
	if provider == "" {
		return nil, errors.New("provider is required")
	}

	now := time.Now().UTC()
	return &PaymentIntent{
		ID:             id,
		UserID:         userID,
		Amount:         amount,
		OriginalAmount: original,
		Provider:       provider,
		Status:         StatusPending,
		Metadata:       make(map[string]string),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// MarkProcessing transitions a pending intent to processing.
func (i *PaymentIntent) MarkProcessing() error {
	if i.Status != StatusPending {
		return errors.New("can only mark pending intents as processing")
	}
	i.Status = StatusProcessing
	i.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkCompleted transitions a pending or processing intent to completed.
func (i *PaymentIntent) MarkCompleted() error {
	if i.Status != StatusPending && i.Status != StatusProcessing {
		return errors.New("can only complete pending or processing intents")
	}
	now := time.Now().UTC()
	i.Status = StatusCompleted
	i.CompletedAt = &now
	i.UpdatedAt = now
	return nil
}

// MarkFailed transitions a pending or processing intent to failed.
func (i *PaymentIntent) MarkFailed(reason string) error {
	if i.Status == StatusCompleted || i.Status == StatusRefunded {
		return errors.New("cannot fail completed or refunded intent")
	}
	i.Status = StatusFailed
	i.FailureReason = reason
	i.UpdatedAt = time.Now().UTC()
	return nil
}

// ApplyRefund records a refunded amount. The intent moves to refunded
// once the full charged amount has been returned; partial refunds leave
// it completed.
func (i *PaymentIntent) ApplyRefund(amount money.Money) error {
	if i.Status != StatusCompleted {
		return errors.New("can only refund completed intents")
	}
	if amount.Currency != i.Amount.Currency {
		return errors.New("refund currency mismatch")
	}
	if amount.AmountMinor <= 0 {
		return errors.New("refund amount must be positive")
	}
	if i.RefundedMinor+amount.AmountMinor > i.Amount.AmountMinor {
		return errors.New("refund exceeds charged amount")
	}

	now := time.Now().UTC()
	i.RefundedMinor += amount.AmountMinor
	if i.RefundedMinor == i.Amount.AmountMinor {
		i.Status = StatusRefunded
		i.RefundedAt = &now
	}
	i.UpdatedAt = now
	return nil
}

// RefundRef returns the reference refunds are issued against. Most
// providers refund by the charge reference; adapters that refund a
// different object record it under "refund_ref" at charge time.
func (i *PaymentIntent) RefundRef() string {
	if ref := i.Metadata["refund_ref"]; ref != "" {
		return ref
	}
	return i.ExternalRef
}

// RemainingRefundable returns the amount still eligible for refund.
func (i *PaymentIntent) RemainingRefundable() money.Money {
	return money.New(i.Amount.AmountMinor-i.RefundedMinor, i.Amount.Currency)
}

// IsTerminal returns true if the intent is in a terminal state.
func (i *PaymentIntent) IsTerminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusFailed || i.Status == StatusRefunded
}
