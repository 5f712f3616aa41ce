package payment

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"billingcore/internal/common/database"
	"billingcore/internal/common/events"
	"billingcore/internal/common/money"
)

// RefundOutcome reports a completed refund request.
type RefundOutcome struct {
	IntentID            string       `json:"intent_id"`
	Provider            ProviderName `json:"provider"`
	Status              IntentStatus `json:"status"`
	AmountRefunded      money.Money  `json:"amount_refunded"`
	RemainingRefundable money.Money  `json:"remaining_refundable"`
	ProviderRefundRef   string       `json:"provider_refund_ref,omitempty"`
	FailureReason       string       `json:"failure_reason,omitempty"`
}

// RefundCoordinator validates refund requests, calls the provider and
// updates the intent's refund accounting. A full refund moves the
// intent to refunded; partial refunds leave it completed.
type RefundCoordinator struct {
	store     Store
	manager   *Manager
	publisher Publisher
	logger    *slog.Logger
}

// NewRefundCoordinator creates a refund coordinator.
func NewRefundCoordinator(store Store, manager *Manager, publisher Publisher, logger *slog.Logger) *RefundCoordinator {
	return &RefundCoordinator{
		store:     store,
		manager:   manager,
		publisher: publisher,
		logger:    logger,
	}
}

// Refund refunds part or all of a completed payment. A nil amount
// refunds everything still refundable. The provider is taken from the
// stored intent, never guessed from the reference.
func (c *RefundCoordinator) Refund(ctx context.Context, intentID string, amount *money.Money) (*RefundOutcome, error) {
	intent, err := c.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}

	if intent.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: intent %s is %s", ErrNotRefundable, intentID, intent.Status)
	}

	remaining := intent.RemainingRefundable()
	refundAmount := remaining
	if amount != nil {
		if amount.Currency != intent.Amount.Currency {
			return nil, fmt.Errorf("%w: currency mismatch", ErrRefundExceedsCharge)
		}
		if !amount.IsPositive() {
			return nil, fmt.Errorf("refund amount must be positive")
		}
		if amount.GreaterThan(remaining) {
			return nil, fmt.Errorf("%w: requested %s, refundable %s", ErrRefundExceedsCharge, amount, remaining)
		}
		refundAmount = *amount
	}
	if !refundAmount.IsPositive() {
		return nil, fmt.Errorf("%w: nothing left to refund", ErrNotRefundable)
	}

	result, err := c.manager.RefundPayment(ctx, intent.Provider, intent.RefundRef(), refundAmount)
	if err != nil {
		// ErrUnsupportedOperation and registry errors pass through.
		return nil, err
	}

	if !result.Success {
		c.logger.Warn("provider declined refund",
			"intent_id", intent.ID,
			"provider", intent.Provider,
			"reason", result.Reason,
		)
		return &RefundOutcome{
			IntentID:            intent.ID,
			Provider:            intent.Provider,
			Status:              intent.Status,
			RemainingRefundable: remaining,
			FailureReason:       result.Reason,
		}, nil
	}

	err = database.Retry(ctx, 3, func() error {
		fresh, err := c.store.GetIntent(ctx, intent.ID)
		if err != nil {
			return err
		}
		from := fresh.Status
		if err := fresh.ApplyRefund(refundAmount); err != nil {
			return fmt.Errorf("%w: %v", ErrNotRefundable, err)
		}
		if err := c.store.SaveTransition(ctx, fresh, from); err != nil {
			return err
		}
		intent = fresh
		return nil
	})
	if err != nil {
		// The provider already refunded; the divergence goes to an
		// operator, never a plain error.
		return nil, c.parkForReconciliation(ctx, intent, result, refundAmount, err)
	}

	c.publishRefunded(ctx, intent)

	return &RefundOutcome{
		IntentID:            intent.ID,
		Provider:            intent.Provider,
		Status:              intent.Status,
		AmountRefunded:      refundAmount,
		RemainingRefundable: intent.RemainingRefundable(),
		ProviderRefundRef:   result.ExternalRef,
	}, nil
}

// parkForReconciliation records a refund that succeeded at the
// provider but could not be accounted locally. The queue row and
// operator alert are best effort; the typed error goes back to the
// caller either way.
func (c *RefundCoordinator) parkForReconciliation(ctx context.Context, intent *PaymentIntent, result *PaymentResult, amount money.Money, cause error) error {
	item := &ReconciliationItem{
		ID:          ulid.Make().String(),
		IntentID:    intent.ID,
		Provider:    intent.Provider,
		ExternalRef: intent.ExternalRef,
		Reason:      ReconcileLocalWriteFailed,
		Detail:      fmt.Sprintf("refund of %s (provider refund ref %s): %v", amount, result.ExternalRef, cause),
		CreatedAt:   time.Now().UTC(),
	}
	if err := c.store.EnqueueReconciliation(ctx, item); err != nil {
		c.logger.Error("failed to enqueue reconciliation item",
			"intent_id", intent.ID,
			"external_ref", intent.ExternalRef,
			"error", err,
		)
	}

	c.logger.Error("provider refund succeeded but local accounting failed",
		"intent_id", intent.ID,
		"provider", intent.Provider,
		"refund_ref", result.ExternalRef,
		"error", cause,
	)

	if event, err := events.NewEvent(events.EventReconciliationRequired, "payment", intent.ID, events.ReconciliationRequiredData{
		QueueID:     item.ID,
		IntentID:    intent.ID,
		Provider:    string(intent.Provider),
		ExternalRef: intent.ExternalRef,
		Reason:      item.Reason,
	}); err == nil {
		if pubErr := c.publisher.Publish(ctx, event); pubErr != nil {
			c.logger.Error("failed to publish reconciliation alert", "error", pubErr)
		}
	}

	return fmt.Errorf("%w: refund accounting for intent %s: %v", ErrReconciliationRequired, intent.ID, cause)
}

func (c *RefundCoordinator) publishRefunded(ctx context.Context, intent *PaymentIntent) {
	event, err := events.NewEvent(events.EventPaymentRefunded, "payment", intent.ID, events.PaymentRefundedData{
		IntentID:      intent.ID,
		Provider:      string(intent.Provider),
		AmountMinor:   intent.Amount.AmountMinor,
		RefundedMinor: intent.RefundedMinor,
		Currency:      string(intent.Amount.Currency),
		Full:          intent.Status == StatusRefunded,
	})
	if err != nil {
		return
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Error("failed to publish refund event", "error", err)
	}
}
