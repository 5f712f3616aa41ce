// Package subscription tracks recurring plans and drives renewals,
// both webhook-driven (provider-billed) and scheduler-driven
// (locally billed).
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"billingcore/internal/common/database"
	"billingcore/internal/common/events"
	"billingcore/internal/common/money"
	"billingcore/internal/payment"
)

// Status represents the subscription lifecycle.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusCancelled Status = "cancelled"
)

// BillingPeriod is the renewal interval.
type BillingPeriod string

const (
	PeriodMonthly BillingPeriod = "monthly"
	PeriodYearly  BillingPeriod = "yearly"
)

// Subscription is a user's recurring plan.
type Subscription struct {
	ID               string               `json:"id"`
	UserID           string               `json:"user_id"`
	PlanID           string               `json:"plan_id"`
	Provider         payment.ProviderName `json:"provider"`
	ProviderRef      string               `json:"provider_ref,omitempty"`
	Status           Status               `json:"status"`
	Amount           money.Money          `json:"amount"`
	BillingPeriod    BillingPeriod        `json:"billing_period"`
	CurrentPeriodEnd time.Time            `json:"current_period_end"`
	AutoRenew        bool                 `json:"auto_renew"`
	SuspendReason    string               `json:"suspend_reason,omitempty"`
	CreatedAt        time.Time            `json:"created_at"`
	UpdatedAt        time.Time            `json:"updated_at"`
}

// NextPeriodEnd extends the period by one billing interval, anchored
// on whichever is later: the current period end or now.
func (s *Subscription) NextPeriodEnd(now time.Time) time.Time {
	anchor := s.CurrentPeriodEnd
	if now.After(anchor) {
		anchor = now
	}
	switch s.BillingPeriod {
	case PeriodYearly:
		return anchor.AddDate(1, 0, 0)
	default:
		return anchor.AddDate(0, 1, 0)
	}
}

// Store persists subscriptions and renewal records.
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	GetByID(ctx context.Context, id string) (*Subscription, error)
	GetByProviderRef(ctx context.Context, providerRef string) (*Subscription, error)
	// Save persists status, period and suspend reason, conditional on
	// the stored updated_at matching; database.ErrConflict otherwise.
	Save(ctx context.Context, sub *Subscription, prevUpdatedAt time.Time) error
	ListDueForRenewal(ctx context.Context, before time.Time, limit int) ([]*Subscription, error)
	RecordRenewal(ctx context.Context, subscriptionID, intentID string, periodEnd time.Time) error
}

// Charger runs an orchestrated charge and answers renewal dedup
// lookups. Implemented by the payment service.
type Charger interface {
	Charge(ctx context.Context, cmd payment.ChargeCommand) (*payment.ChargeOutcome, error)
	LatestIntentForSubscription(ctx context.Context, subscriptionID string) (*payment.PaymentIntent, error)
}

// Publisher emits domain events.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Service manages subscription lifecycle. It implements
// payment.SubscriptionHooks for the webhook dispatcher.
type Service struct {
	store     Store
	charger   Charger
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates a subscription service.
func NewService(store Store, charger Charger, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		charger:   charger,
		publisher: publisher,
		logger:    logger,
	}
}

var _ payment.SubscriptionHooks = (*Service)(nil)

// MarkRenewed extends the period of the subscription identified by
// the provider's reference. Driven by invoice-paid webhooks.
func (s *Service) MarkRenewed(ctx context.Context, subscriptionRef, intentID string) error {
	if subscriptionRef == "" {
		return nil
	}
	sub, err := s.store.GetByProviderRef(ctx, subscriptionRef)
	if err != nil {
		if database.IsNotFound(err) {
			s.logger.Warn("renewal for unknown subscription", "provider_ref", subscriptionRef)
			return nil
		}
		return err
	}
	return s.renewLocal(ctx, sub, intentID)
}

// MarkSuspended suspends the subscription identified by the provider's
// reference. Driven by invoice-failed webhooks.
func (s *Service) MarkSuspended(ctx context.Context, subscriptionRef, reason string) error {
	if subscriptionRef == "" {
		return nil
	}
	sub, err := s.store.GetByProviderRef(ctx, subscriptionRef)
	if err != nil {
		if database.IsNotFound(err) {
			s.logger.Warn("suspension for unknown subscription", "provider_ref", subscriptionRef)
			return nil
		}
		return err
	}
	return s.suspend(ctx, sub, reason)
}

func (s *Service) suspend(ctx context.Context, sub *Subscription, reason string) error {
	if sub.Status == StatusSuspended || sub.Status == StatusCancelled {
		return nil
	}

	prev := sub.UpdatedAt
	sub.Status = StatusSuspended
	sub.SuspendReason = reason
	sub.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(ctx, sub, prev); err != nil {
		return err
	}

	s.publish(ctx, events.EventSubscriptionSuspended, sub.ID, map[string]string{
		"subscription_id": sub.ID,
		"reason":          reason,
	})
	return nil
}

// MarkCancelled cancels the subscription identified by the provider's
// reference.
func (s *Service) MarkCancelled(ctx context.Context, subscriptionRef string) error {
	if subscriptionRef == "" {
		return nil
	}
	sub, err := s.store.GetByProviderRef(ctx, subscriptionRef)
	if err != nil {
		if database.IsNotFound(err) {
			s.logger.Warn("cancellation for unknown subscription", "provider_ref", subscriptionRef)
			return nil
		}
		return err
	}
	if sub.Status == StatusCancelled {
		return nil
	}

	prev := sub.UpdatedAt
	sub.Status = StatusCancelled
	sub.AutoRenew = false
	sub.UpdatedAt = time.Now().UTC()
	if err := s.store.Save(ctx, sub, prev); err != nil {
		return err
	}

	s.publish(ctx, events.EventSubscriptionCancelled, sub.ID, map[string]string{
		"subscription_id": sub.ID,
	})
	return nil
}

// RenewSubscription charges one locally-billed subscription that is
// due. Invoked per subscription by the external scheduler. The
// operation is idempotent: subscriptions that are not due, not
// auto-renewing or not active are left alone.
func (s *Service) RenewSubscription(ctx context.Context, subscriptionID string) error {
	sub, err := s.store.GetByID(ctx, subscriptionID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	if sub.Status != StatusActive && sub.Status != StatusSuspended {
		return nil
	}
	if !sub.AutoRenew {
		return nil
	}
	if sub.CurrentPeriodEnd.After(now) {
		return nil
	}

	// An earlier delivery can charge successfully and still fail to
	// extend the period locally. Reuse that charge instead of billing
	// the user again.
	prior, err := s.charger.LatestIntentForSubscription(ctx, sub.ID)
	if err != nil && !database.IsNotFound(err) {
		return err
	}
	if prior != nil && prior.CreatedAt.After(sub.CurrentPeriodEnd) {
		switch prior.Status {
		case payment.StatusCompleted:
			return s.renewLocal(ctx, sub, prior.ID)
		case payment.StatusPending, payment.StatusProcessing:
			// Settlement in flight; the webhook finishes the renewal.
			return nil
		}
	}

	outcome, err := s.charger.Charge(ctx, payment.ChargeCommand{
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Amount:         sub.Amount,
		Provider:       sub.Provider,
		Description:    fmt.Sprintf("renewal of plan %s", sub.PlanID),
	})
	if err != nil {
		return fmt.Errorf("charging renewal for subscription %s: %w", sub.ID, err)
	}

	switch outcome.Status {
	case payment.StatusCompleted:
		return s.renewLocal(ctx, sub, outcome.IntentID)
	case payment.StatusFailed:
		return s.suspend(ctx, sub, "renewal payment failed: "+outcome.FailureReason)
	default:
		// Asynchronous settlement; the webhook will finish the renewal.
		return nil
	}
}

// ListDueForRenewal exposes the scheduler query.
func (s *Service) ListDueForRenewal(ctx context.Context, before time.Time, limit int) ([]*Subscription, error) {
	return s.store.ListDueForRenewal(ctx, before, limit)
}

func (s *Service) renewLocal(ctx context.Context, sub *Subscription, intentID string) error {
	now := time.Now().UTC()
	err := database.Retry(ctx, 3, func() error {
		fresh, err := s.store.GetByID(ctx, sub.ID)
		if err != nil {
			return err
		}
		prev := fresh.UpdatedAt
		fresh.CurrentPeriodEnd = fresh.NextPeriodEnd(now)
		fresh.Status = StatusActive
		fresh.SuspendReason = ""
		fresh.UpdatedAt = now
		if err := s.store.Save(ctx, fresh, prev); err != nil {
			return err
		}
		*sub = *fresh
		return nil
	})
	if err != nil {
		return err
	}
	if err := s.store.RecordRenewal(ctx, sub.ID, intentID, sub.CurrentPeriodEnd); err != nil {
		s.logger.Error("failed to record renewal",
			"subscription_id", sub.ID,
			"intent_id", intentID,
			"error", err,
		)
	}

	s.publish(ctx, events.EventSubscriptionRenewed, sub.ID, events.SubscriptionRenewedData{
		SubscriptionID: sub.ID,
		IntentID:       intentID,
		PeriodEnd:      sub.CurrentPeriodEnd,
	})
	return nil
}

func (s *Service) publish(ctx context.Context, eventType, aggregateID string, data interface{}) {
	event, err := events.NewEvent(eventType, "subscription", aggregateID, data)
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}
