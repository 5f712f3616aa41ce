package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"billingcore/internal/common/database"
	"billingcore/internal/common/events"
)

// Webhook processing outcomes, recorded in the event log.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeQueued    = "queued"
)

// SubscriptionHooks receives subscription lifecycle notifications
// derived from webhooks. References are the provider's subscription
// identifiers; the implementation resolves them to local records.
type SubscriptionHooks interface {
	MarkRenewed(ctx context.Context, subscriptionRef, intentID string) error
	MarkSuspended(ctx context.Context, subscriptionRef, reason string) error
	MarkCancelled(ctx context.Context, subscriptionRef string) error
}

// DispatchResult reports what a webhook delivery did.
type DispatchResult struct {
	Kind        EventKind `json:"kind,omitempty"`
	ExternalRef string    `json:"external_ref,omitempty"`
	Outcome     string    `json:"outcome"`
}

// Dispatcher routes provider webhooks through the intent state machine.
// Redeliveries are no-ops: a transition that already happened leaves
// the intent untouched and reports a duplicate.
type Dispatcher struct {
	store     Store
	manager   *Manager
	subs      SubscriptionHooks
	publisher Publisher
	logger    *slog.Logger
}

// NewDispatcher creates a webhook dispatcher. subs may be nil when no
// subscription program is configured; subscription events are then
// logged and ignored.
func NewDispatcher(store Store, manager *Manager, subs SubscriptionHooks, publisher Publisher, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		manager:   manager,
		subs:      subs,
		publisher: publisher,
		logger:    logger,
	}
}

// HandleWebhook verifies, translates and applies one delivery. Only
// signature failures and unconfigured providers return errors; every
// other outcome (duplicate, unknown kind, unknown reference) is
// acknowledged so the provider stops redelivering.
func (d *Dispatcher) HandleWebhook(ctx context.Context, provider ProviderName, payload []byte, signature string) (*DispatchResult, error) {
	event, err := d.manager.ParseWebhook(provider, payload, signature)
	if err != nil {
		if errors.Is(err, ErrUnrecognizedEventKind) {
			d.logger.Info("ignoring unrecognized webhook event",
				"provider", provider,
				"error", err,
			)
			return &DispatchResult{Outcome: OutcomeIgnored}, nil
		}
		return nil, err
	}

	outcome, err := d.apply(ctx, event)
	if err != nil {
		// Unknown references are parked for manual review and the
		// delivery acknowledged so the provider stops retrying.
		if errors.Is(err, ErrUnknownPaymentReference) {
			outcome = OutcomeQueued
		} else {
			return nil, err
		}
	}

	if recErr := d.store.RecordWebhook(ctx, event, outcome); recErr != nil {
		d.logger.Error("failed to record webhook event",
			"provider", provider,
			"kind", event.Kind,
			"error", recErr,
		)
	}
	d.publishReceived(ctx, event, outcome)

	return &DispatchResult{
		Kind:        event.Kind,
		ExternalRef: event.ExternalRef,
		Outcome:     outcome,
	}, nil
}

func (d *Dispatcher) apply(ctx context.Context, event *WebhookEvent) (string, error) {
	switch event.Kind {
	case EventChargeSucceeded, EventChargeFailed, EventRefundCompleted, EventRefundFailed:
		return d.applyChargeEvent(ctx, event)
	case EventInvoicePaid:
		return d.applyInvoicePaid(ctx, event)
	case EventInvoiceFailed:
		if d.subs == nil {
			return OutcomeIgnored, nil
		}
		if err := d.subs.MarkSuspended(ctx, event.SubscriptionRef, "renewal payment failed"); err != nil {
			return "", fmt.Errorf("suspending subscription %s: %w", event.SubscriptionRef, err)
		}
		return OutcomeApplied, nil
	case EventSubscriptionCancelled:
		if d.subs == nil {
			return OutcomeIgnored, nil
		}
		if err := d.subs.MarkCancelled(ctx, event.SubscriptionRef); err != nil {
			return "", fmt.Errorf("cancelling subscription %s: %w", event.SubscriptionRef, err)
		}
		return OutcomeApplied, nil
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		// Informational; the provider is the source of truth until the
		// next invoice event.
		return OutcomeIgnored, nil
	default:
		return OutcomeIgnored, nil
	}
}

// applyChargeEvent drives the intent state machine for charge and
// refund events. Lost races with concurrent writers are retried with a
// fresh read.
func (d *Dispatcher) applyChargeEvent(ctx context.Context, event *WebhookEvent) (string, error) {
	var outcome string
	err := database.Retry(ctx, 3, func() error {
		intent, err := d.store.GetIntentByExternalRef(ctx, event.Provider, event.ExternalRef)
		if err != nil {
			if database.IsNotFound(err) {
				if qErr := d.queueUnknownReference(ctx, event); qErr != nil {
					return qErr
				}
				return fmt.Errorf("%w: %s %s", ErrUnknownPaymentReference, event.Provider, event.ExternalRef)
			}
			return err
		}

		o, err := d.transition(ctx, intent, event)
		if err != nil {
			return err
		}
		outcome = o
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

func (d *Dispatcher) transition(ctx context.Context, intent *PaymentIntent, event *WebhookEvent) (string, error) {
	from := intent.Status

	switch event.Kind {
	case EventChargeSucceeded:
		switch intent.Status {
		case StatusCompleted, StatusRefunded:
			return OutcomeDuplicate, nil
		case StatusFailed:
			// The provider says the money moved after we recorded a
			// failure. An operator has to look at this.
			return OutcomeQueued, d.queueDivergence(ctx, intent, event)
		}
		if err := intent.MarkCompleted(); err != nil {
			return "", err
		}

	case EventChargeFailed:
		switch intent.Status {
		case StatusFailed:
			return OutcomeDuplicate, nil
		case StatusCompleted, StatusRefunded:
			return OutcomeQueued, d.queueDivergence(ctx, intent, event)
		}
		reason := "provider reported failure"
		if err := intent.MarkFailed(reason); err != nil {
			return "", err
		}

	case EventRefundCompleted:
		if intent.Status == StatusRefunded {
			return OutcomeDuplicate, nil
		}
		amount := intent.RemainingRefundable()
		if event.Amount != nil {
			amount = *event.Amount
		}
		if err := intent.ApplyRefund(amount); err != nil {
			return OutcomeQueued, d.queueDivergence(ctx, intent, event)
		}

	case EventRefundFailed:
		// No state change; the refund coordinator reported the sync
		// failure already. Keep the audit trail.
		d.logger.Warn("provider reported refund failure",
			"intent_id", intent.ID,
			"external_ref", event.ExternalRef,
		)
		return OutcomeApplied, nil
	}

	if err := d.store.SaveTransition(ctx, intent, from); err != nil {
		return "", err
	}

	switch {
	case event.Kind == EventRefundCompleted:
		d.publishIntentEvent(ctx, events.EventPaymentRefunded, intent)
	case intent.Status == StatusCompleted:
		d.publishIntentEvent(ctx, events.EventPaymentCompleted, intent)
	case intent.Status == StatusFailed:
		d.publishIntentEvent(ctx, events.EventPaymentFailed, intent)
	}
	return OutcomeApplied, nil
}

// applyInvoicePaid records a renewal payment and extends the
// subscription. Redelivery is detected by the invoice reference.
func (d *Dispatcher) applyInvoicePaid(ctx context.Context, event *WebhookEvent) (string, error) {
	if existing, err := d.store.GetIntentByExternalRef(ctx, event.Provider, event.ExternalRef); err == nil && existing != nil {
		return OutcomeDuplicate, nil
	} else if err != nil && !database.IsNotFound(err) {
		return "", err
	}

	if d.subs == nil {
		return OutcomeIgnored, nil
	}

	intentID := ""
	if event.Amount != nil && event.Amount.IsPositive() {
		intent, err := NewPaymentIntent(ulid.Make().String(), "system", *event.Amount, *event.Amount, event.Provider)
		if err != nil {
			return "", err
		}
		intent.ExternalRef = event.ExternalRef
		intent.Description = "subscription renewal"
		if err := intent.MarkCompleted(); err != nil {
			return "", err
		}
		if err := d.store.CreateIntent(ctx, intent); err != nil {
			if database.IsUniqueViolation(err) {
				return OutcomeDuplicate, nil
			}
			return "", fmt.Errorf("recording renewal payment: %w", err)
		}
		intentID = intent.ID
	}

	if err := d.subs.MarkRenewed(ctx, event.SubscriptionRef, intentID); err != nil {
		return "", fmt.Errorf("renewing subscription %s: %w", event.SubscriptionRef, err)
	}
	return OutcomeApplied, nil
}

func (d *Dispatcher) queueUnknownReference(ctx context.Context, event *WebhookEvent) error {
	d.logger.Warn("webhook references unknown payment",
		"provider", event.Provider,
		"kind", event.Kind,
		"external_ref", event.ExternalRef,
	)
	item := &ReconciliationItem{
		ID:          ulid.Make().String(),
		Provider:    event.Provider,
		ExternalRef: event.ExternalRef,
		Reason:      ReconcileUnknownReference,
		Detail:      fmt.Sprintf("%s event for unknown reference", event.Kind),
		CreatedAt:   event.ReceivedAt,
	}
	if err := d.store.EnqueueReconciliation(ctx, item); err != nil {
		return fmt.Errorf("queueing unknown reference: %w", err)
	}
	return nil
}

func (d *Dispatcher) queueDivergence(ctx context.Context, intent *PaymentIntent, event *WebhookEvent) error {
	d.logger.Warn("webhook conflicts with local payment status",
		"intent_id", intent.ID,
		"status", intent.Status,
		"kind", event.Kind,
	)
	item := &ReconciliationItem{
		ID:          ulid.Make().String(),
		IntentID:    intent.ID,
		Provider:    event.Provider,
		ExternalRef: event.ExternalRef,
		Reason:      ReconcileStatusDivergence,
		Detail:      fmt.Sprintf("%s event while intent is %s", event.Kind, intent.Status),
		CreatedAt:   event.ReceivedAt,
	}
	if err := d.store.EnqueueReconciliation(ctx, item); err != nil {
		return fmt.Errorf("queueing status divergence: %w", err)
	}
	return nil
}

func (d *Dispatcher) publishReceived(ctx context.Context, event *WebhookEvent, outcome string) {
	evt, err := events.NewEvent(events.EventWebhookReceived, "webhook", event.ID, events.WebhookReceivedData{
		Provider:    string(event.Provider),
		Kind:        string(event.Kind),
		ExternalRef: event.ExternalRef,
		Outcome:     outcome,
	})
	if err != nil {
		return
	}
	if err := d.publisher.Publish(ctx, evt); err != nil {
		d.logger.Error("failed to publish webhook event", "error", err)
	}
}

func (d *Dispatcher) publishIntentEvent(ctx context.Context, eventType string, intent *PaymentIntent) {
	var data interface{}
	switch eventType {
	case events.EventPaymentCompleted:
		d2 := events.PaymentCompletedData{
			IntentID:    intent.ID,
			UserID:      intent.UserID,
			Provider:    string(intent.Provider),
			Amount:      intent.Amount.AmountMinor,
			Currency:    string(intent.Amount.Currency),
			ExternalRef: intent.ExternalRef,
		}
		if intent.CompletedAt != nil {
			d2.CompletedAt = *intent.CompletedAt
		}
		data = d2
	case events.EventPaymentFailed:
		data = events.PaymentFailedData{
			IntentID: intent.ID,
			UserID:   intent.UserID,
			Provider: string(intent.Provider),
			Reason:   intent.FailureReason,
		}
	case events.EventPaymentRefunded:
		data = events.PaymentRefundedData{
			IntentID:      intent.ID,
			Provider:      string(intent.Provider),
			AmountMinor:   intent.Amount.AmountMinor,
			RefundedMinor: intent.RefundedMinor,
			Currency:      string(intent.Amount.Currency),
			Full:          intent.Status == StatusRefunded,
		}
	}

	evt, err := events.NewEvent(eventType, "payment", intent.ID, data)
	if err != nil {
		return
	}
	if err := d.publisher.Publish(ctx, evt); err != nil {
		d.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}
