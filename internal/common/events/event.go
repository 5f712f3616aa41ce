package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// Event represents a domain event envelope
type Event struct {
	ID            string          `json:"event_id"`
	Type          string          `json:"type"`
	Version       int             `json:"version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	CorrelationID string          `json:"correlation_id"`
	CausationID   string          `json:"causation_id,omitempty"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType, aggregateType, aggregateID string, data interface{}) (*Event, error) {
	dataBytes, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Event{
		ID:            ulid.Make().String(),
		Type:          eventType,
		Version:       1,
		OccurredAt:    time.Now().UTC(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Data:          dataBytes,
	}, nil
}

// WithCorrelation adds correlation and causation IDs
func (e *Event) WithCorrelation(correlationID, causationID string) *Event {
	e.CorrelationID = correlationID
	e.CausationID = causationID
	return e
}

// DecodeData decodes the event data into a struct
func (e *Event) DecodeData(v interface{}) error {
	return json.Unmarshal(e.Data, v)
}

// Common event types
const (
	// Payment events
	EventPaymentIntentCreated = "payment.intent.created"
	EventPaymentCompleted     = "payment.completed"
	EventPaymentFailed        = "payment.failed"
	EventPaymentRefunded      = "payment.refunded"

	// Reconciliation events (operator alerts)
	EventReconciliationRequired = "payment.reconciliation.required"

	// Webhook events
	EventWebhookReceived = "payment.webhook.received"

	// Coupon and referral events
	EventCouponRedeemed        = "coupon.redeemed"
	EventReferralRewardGranted = "referral.reward.granted"

	// Subscription events
	EventSubscriptionRenewalDue = "subscription.renewal.due"
	EventSubscriptionRenewed    = "subscription.renewed"
	EventSubscriptionSuspended  = "subscription.suspended"
	EventSubscriptionCancelled  = "subscription.cancelled"
)

// Event data structures

// PaymentCompletedData is the data for payment.completed events
type PaymentCompletedData struct {
	IntentID    string    `json:"intent_id"`
	UserID      string    `json:"user_id"`
	Provider    string    `json:"provider"`
	Amount      int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	ExternalRef string    `json:"external_ref"`
	CompletedAt time.Time `json:"completed_at"`
}

// PaymentFailedData is the data for payment.failed events
type PaymentFailedData struct {
	IntentID string `json:"intent_id"`
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// PaymentRefundedData is the data for payment.refunded events
type PaymentRefundedData struct {
	IntentID      string `json:"intent_id"`
	Provider      string `json:"provider"`
	AmountMinor   int64  `json:"amount_minor"`
	RefundedMinor int64  `json:"refunded_minor"`
	Currency      string `json:"currency"`
	Full          bool   `json:"full"`
}

// ReconciliationRequiredData is the data for payment.reconciliation.required
// events. These alert operators; they are never retried automatically.
type ReconciliationRequiredData struct {
	QueueID     string `json:"queue_id"`
	IntentID    string `json:"intent_id"`
	Provider    string `json:"provider"`
	ExternalRef string `json:"external_ref"`
	Reason      string `json:"reason"`
}

// WebhookReceivedData is the data for payment.webhook.received events
type WebhookReceivedData struct {
	Provider    string `json:"provider"`
	Kind        string `json:"kind"`
	ExternalRef string `json:"external_ref"`
	Outcome     string `json:"outcome"`
}

// CouponRedeemedData is the data for coupon.redeemed events
type CouponRedeemedData struct {
	CouponID      string `json:"coupon_id"`
	Code          string `json:"code"`
	UserID        string `json:"user_id"`
	IntentID      string `json:"intent_id"`
	DiscountMinor int64  `json:"discount_minor"`
}

// ReferralRewardGrantedData is the data for referral.reward.granted events
type ReferralRewardGrantedData struct {
	RewardID       string `json:"reward_id"`
	ReferrerUserID string `json:"referrer_user_id"`
	ReferredUserID string `json:"referred_user_id"`
	Kind           string `json:"kind"`
	AmountMinor    int64  `json:"amount_minor,omitempty"`
}

// SubscriptionRenewedData is the data for subscription.renewed events
type SubscriptionRenewedData struct {
	SubscriptionID string    `json:"subscription_id"`
	IntentID       string    `json:"intent_id"`
	PeriodEnd      time.Time `json:"period_end"`
}
