package payment

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"billingcore/internal/common/events"
	"billingcore/internal/common/money"
)

// Store persists payment intents and their satellites.
type Store interface {
	// CreateIntent inserts a new intent row.
	CreateIntent(ctx context.Context, intent *PaymentIntent) error

	// GetIntent loads an intent by ID. database.ErrNotFound when absent.
	GetIntent(ctx context.Context, id string) (*PaymentIntent, error)

	// GetIntentByExternalRef loads an intent by provider reference.
	GetIntentByExternalRef(ctx context.Context, provider ProviderName, externalRef string) (*PaymentIntent, error)

	// ListIntentsByUser returns a page of intents plus the total count.
	ListIntentsByUser(ctx context.Context, userID string, limit, offset int) ([]*PaymentIntent, int64, error)

	// LatestIntentForSubscription returns the newest intent created for
	// the subscription. database.ErrNotFound when none exist.
	LatestIntentForSubscription(ctx context.Context, subscriptionID string) (*PaymentIntent, error)

	// SaveTransition persists an intent after an in-memory transition.
	// The update is conditional on the row still holding the given
	// prior status; database.ErrConflict reports a lost race.
	SaveTransition(ctx context.Context, intent *PaymentIntent, from IntentStatus) error

	// FinalizeCharge writes the post-charge state in one transaction:
	// the intent row, the coupon usage (with a guarded usage-count
	// increment), and the referral reward. Returns whether the reward
	// was actually granted (false when the pair was already rewarded).
	FinalizeCharge(ctx context.Context, intent *PaymentIntent, discount *DiscountApplication, reward *ReferralReward) (bool, error)

	// RecordWebhook appends a webhook event to the audit log.
	RecordWebhook(ctx context.Context, event *WebhookEvent, outcome string) error

	// EnqueueReconciliation parks a payment for manual review.
	EnqueueReconciliation(ctx context.Context, item *ReconciliationItem) error
}

// DiscountValidator validates a coupon against a charge and computes
// the discount. Implemented by the discount service.
type DiscountValidator interface {
	ValidateCoupon(ctx context.Context, code, userID string, amount money.Money) (*DiscountApplication, error)
}

// ReferralProgram resolves a referral code into a pending reward for
// the payer's first successful payment. Implemented by the referral
// service.
type ReferralProgram interface {
	FirstPaymentReward(ctx context.Context, code, payerUserID string) (*ReferralReward, error)
}

// Publisher emits domain events. Implemented by the NATS publisher.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// ChargeCommand is a request to charge a user.
type ChargeCommand struct {
	UserID         string            `json:"user_id" validate:"required"`
	SubscriptionID string            `json:"subscription_id,omitempty"`
	Amount         money.Money       `json:"amount"`
	Provider       ProviderName      `json:"provider" validate:"required"`
	Description    string            `json:"description,omitempty"`
	CustomerEmail  string            `json:"customer_email,omitempty" validate:"omitempty,email"`
	CouponCode     string            `json:"coupon_code,omitempty"`
	ReferralCode   string            `json:"referral_code,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// ChargeOutcome is the result of an orchestrated charge.
type ChargeOutcome struct {
	IntentID      string               `json:"intent_id"`
	Status        IntentStatus         `json:"status"`
	Provider      ProviderName         `json:"provider"`
	AmountCharged money.Money          `json:"amount_charged"`
	ExternalRef   string               `json:"external_ref,omitempty"`
	ClientSecret  string               `json:"client_secret,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	Discount      *DiscountApplication `json:"discount,omitempty"`
	RewardGranted bool                 `json:"reward_granted"`
}

// Service orchestrates charges: coupon validation, discount
// computation, the provider call, and the local atomic write of intent
// plus coupon usage plus referral reward.
type Service struct {
	store     Store
	manager   *Manager
	discounts DiscountValidator
	referrals ReferralProgram
	publisher Publisher
	logger    *slog.Logger
}

// NewService creates the charge orchestrator. discounts and referrals
// may be nil when those programs are disabled.
func NewService(store Store, manager *Manager, discounts DiscountValidator, referrals ReferralProgram, publisher Publisher, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		manager:   manager,
		discounts: discounts,
		referrals: referrals,
		publisher: publisher,
		logger:    logger,
	}
}

// Charge runs the full charge flow. Coupon errors are typed and abort
// before any money moves. Referral problems never block the charge.
// When the provider charge succeeded but the local write failed, the
// payment is parked for reconciliation and ErrReconciliationRequired
// is returned.
func (s *Service) Charge(ctx context.Context, cmd ChargeCommand) (*ChargeOutcome, error) {
	if !cmd.Amount.IsPositive() {
		return nil, fmt.Errorf("charge amount must be positive")
	}
	if !money.IsSupported(cmd.Amount.Currency) {
		return nil, fmt.Errorf("unsupported currency %q", cmd.Amount.Currency)
	}

	var discount *DiscountApplication
	final := cmd.Amount
	if cmd.CouponCode != "" {
		if s.discounts == nil {
			return nil, fmt.Errorf("%w: no discount program configured", ErrCouponInvalid)
		}
		var err error
		discount, err = s.discounts.ValidateCoupon(ctx, cmd.CouponCode, cmd.UserID, cmd.Amount)
		if err != nil {
			return nil, err
		}
		final = money.New(discount.FinalMinor, cmd.Amount.Currency)
	}

	// Referral problems are logged and swallowed: a bad code must not
	// block the payment itself.
	var reward *ReferralReward
	if cmd.ReferralCode != "" && s.referrals != nil {
		var err error
		reward, err = s.referrals.FirstPaymentReward(ctx, cmd.ReferralCode, cmd.UserID)
		if err != nil {
			s.logger.Warn("referral code not applied",
				"code", cmd.ReferralCode,
				"user_id", cmd.UserID,
				"error", err,
			)
			reward = nil
		}
	}

	intent, err := NewPaymentIntent(ulid.Make().String(), cmd.UserID, final, cmd.Amount, cmd.Provider)
	if err != nil {
		return nil, err
	}
	intent.SubscriptionID = cmd.SubscriptionID
	intent.Description = cmd.Description
	intent.CouponCode = cmd.CouponCode
	for k, v := range cmd.Metadata {
		intent.Metadata[k] = v
	}

	// Fully discounted charges skip the provider entirely.
	if final.IsZero() {
		intent.ExternalRef = "free_" + intent.ID
		if err := intent.MarkCompleted(); err != nil {
			return nil, err
		}
		granted, err := s.store.FinalizeCharge(ctx, intent, discount, reward)
		if err != nil {
			return nil, fmt.Errorf("persisting zero-amount payment: %w", err)
		}
		s.publishCompleted(ctx, intent)
		s.publishRedemptions(ctx, intent, discount, reward, granted)
		return s.outcome(intent, nil, discount, granted), nil
	}

	result, err := s.manager.CreatePayment(ctx, cmd.Provider, ChargeRequest{
		Amount:        final,
		Description:   cmd.Description,
		CustomerEmail: cmd.CustomerEmail,
		Metadata:      cmd.Metadata,
	})
	if err != nil {
		return nil, err
	}

	if !result.Success {
		intent.ExternalRef = result.ExternalRef
		if err := intent.MarkFailed(result.Reason); err != nil {
			return nil, err
		}
		if err := s.store.CreateIntent(ctx, intent); err != nil {
			// Nothing moved externally; a plain error is fine here.
			return nil, fmt.Errorf("persisting failed payment: %w", err)
		}
		s.publishFailed(ctx, intent)
		return s.outcome(intent, result, discount, false), nil
	}

	intent.ExternalRef = result.ExternalRef
	for k, v := range result.ProviderData {
		intent.Metadata[k] = v
	}
	switch result.Status {
	case StatusCompleted:
		if err := intent.MarkCompleted(); err != nil {
			return nil, err
		}
	case StatusProcessing:
		if err := intent.MarkProcessing(); err != nil {
			return nil, err
		}
	default:
		// Two-phase flows stay pending until confirmed.
	}

	granted, err := s.store.FinalizeCharge(ctx, intent, discount, reward)
	if err != nil {
		return nil, s.parkForReconciliation(ctx, intent, err)
	}

	if intent.Status == StatusCompleted {
		s.publishCompleted(ctx, intent)
	} else {
		s.publishCreated(ctx, intent)
	}
	s.publishRedemptions(ctx, intent, discount, reward, granted)
	return s.outcome(intent, result, discount, granted), nil
}

// Confirm finalizes a two-phase charge (e.g. a card payment that
// required client-side action).
func (s *Service) Confirm(ctx context.Context, intentID string) (*ChargeOutcome, error) {
	intent, err := s.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != StatusPending {
		return nil, fmt.Errorf("intent %s is %s, only pending intents can be confirmed", intentID, intent.Status)
	}

	result, err := s.manager.ConfirmPayment(ctx, intent.Provider, intent.ExternalRef)
	if err != nil {
		return nil, err
	}

	from := intent.Status
	if !result.Success {
		if err := intent.MarkFailed(result.Reason); err != nil {
			return nil, err
		}
	} else {
		if err := intent.MarkProcessing(); err != nil {
			return nil, err
		}
		if result.Status == StatusCompleted {
			if err := intent.MarkCompleted(); err != nil {
				return nil, err
			}
		}
	}

	if err := s.store.SaveTransition(ctx, intent, from); err != nil {
		return nil, fmt.Errorf("persisting confirmation: %w", err)
	}

	switch intent.Status {
	case StatusCompleted:
		s.publishCompleted(ctx, intent)
	case StatusFailed:
		s.publishFailed(ctx, intent)
	}
	return s.outcome(intent, result, nil, false), nil
}

// GetPayment loads a single intent.
func (s *Service) GetPayment(ctx context.Context, id string) (*PaymentIntent, error) {
	return s.store.GetIntent(ctx, id)
}

// LatestIntentForSubscription returns the newest intent created for a
// subscription. The renewal scheduler uses it to detect a charge from
// an earlier delivery that never extended the period.
func (s *Service) LatestIntentForSubscription(ctx context.Context, subscriptionID string) (*PaymentIntent, error) {
	return s.store.LatestIntentForSubscription(ctx, subscriptionID)
}

// ListPayments returns a page of a user's intents plus the total.
func (s *Service) ListPayments(ctx context.Context, userID string, limit, offset int) ([]*PaymentIntent, int64, error) {
	return s.store.ListIntentsByUser(ctx, userID, limit, offset)
}

// ListProviders returns the enabled provider names in registration
// order.
func (s *Service) ListProviders() []ProviderName {
	return s.manager.Registry().ListEnabled()
}

// parkForReconciliation records an externally-charged payment whose
// local write failed. The queue row and operator alert are best
// effort; the typed error goes back to the caller either way.
func (s *Service) parkForReconciliation(ctx context.Context, intent *PaymentIntent, cause error) error {
	item := &ReconciliationItem{
		ID:          ulid.Make().String(),
		IntentID:    intent.ID,
		Provider:    intent.Provider,
		ExternalRef: intent.ExternalRef,
		Reason:      ReconcileLocalWriteFailed,
		Detail:      cause.Error(),
		CreatedAt:   intent.UpdatedAt,
	}
	if err := s.store.EnqueueReconciliation(ctx, item); err != nil {
		s.logger.Error("failed to enqueue reconciliation item",
			"intent_id", intent.ID,
			"external_ref", intent.ExternalRef,
			"error", err,
		)
	}

	s.logger.Error("external charge succeeded but local write failed",
		"intent_id", intent.ID,
		"provider", intent.Provider,
		"external_ref", intent.ExternalRef,
		"error", cause,
	)

	if event, err := events.NewEvent(events.EventReconciliationRequired, "payment", intent.ID, events.ReconciliationRequiredData{
		QueueID:     item.ID,
		IntentID:    intent.ID,
		Provider:    string(intent.Provider),
		ExternalRef: intent.ExternalRef,
		Reason:      item.Reason,
	}); err == nil {
		if pubErr := s.publisher.Publish(ctx, event); pubErr != nil {
			s.logger.Error("failed to publish reconciliation alert", "error", pubErr)
		}
	}

	return fmt.Errorf("%w: intent %s external ref %s: %v", ErrReconciliationRequired, intent.ID, intent.ExternalRef, cause)
}

func (s *Service) outcome(intent *PaymentIntent, result *PaymentResult, discount *DiscountApplication, granted bool) *ChargeOutcome {
	out := &ChargeOutcome{
		IntentID:      intent.ID,
		Status:        intent.Status,
		Provider:      intent.Provider,
		AmountCharged: intent.Amount,
		ExternalRef:   intent.ExternalRef,
		FailureReason: intent.FailureReason,
		Discount:      discount,
		RewardGranted: granted,
	}
	if result != nil {
		out.ClientSecret = result.ClientSecret
	}
	return out
}

func (s *Service) publishCreated(ctx context.Context, intent *PaymentIntent) {
	s.publish(ctx, events.EventPaymentIntentCreated, intent.ID, events.PaymentCompletedData{
		IntentID:    intent.ID,
		UserID:      intent.UserID,
		Provider:    string(intent.Provider),
		Amount:      intent.Amount.AmountMinor,
		Currency:    string(intent.Amount.Currency),
		ExternalRef: intent.ExternalRef,
	})
}

func (s *Service) publishCompleted(ctx context.Context, intent *PaymentIntent) {
	data := events.PaymentCompletedData{
		IntentID:    intent.ID,
		UserID:      intent.UserID,
		Provider:    string(intent.Provider),
		Amount:      intent.Amount.AmountMinor,
		Currency:    string(intent.Amount.Currency),
		ExternalRef: intent.ExternalRef,
	}
	if intent.CompletedAt != nil {
		data.CompletedAt = *intent.CompletedAt
	}
	s.publish(ctx, events.EventPaymentCompleted, intent.ID, data)
}

// publishRedemptions emits the coupon and referral events that ride
// along with a persisted charge.
func (s *Service) publishRedemptions(ctx context.Context, intent *PaymentIntent, discount *DiscountApplication, reward *ReferralReward, granted bool) {
	if discount != nil {
		s.publish(ctx, events.EventCouponRedeemed, intent.ID, events.CouponRedeemedData{
			CouponID:      discount.CouponID,
			Code:          discount.Code,
			UserID:        intent.UserID,
			IntentID:      intent.ID,
			DiscountMinor: discount.DiscountMinor,
		})
	}
	if granted && reward != nil {
		s.publish(ctx, events.EventReferralRewardGranted, intent.ID, events.ReferralRewardGrantedData{
			RewardID:       reward.ID,
			ReferrerUserID: reward.ReferrerUserID,
			ReferredUserID: reward.ReferredUserID,
			Kind:           string(reward.Kind),
			AmountMinor:    reward.AmountMinor,
		})
	}
}

func (s *Service) publishFailed(ctx context.Context, intent *PaymentIntent) {
	s.publish(ctx, events.EventPaymentFailed, intent.ID, events.PaymentFailedData{
		IntentID: intent.ID,
		UserID:   intent.UserID,
		Provider: string(intent.Provider),
		Reason:   intent.FailureReason,
	})
}

func (s *Service) publish(ctx context.Context, eventType, aggregateID string, data interface{}) {
	event, err := events.NewEvent(eventType, "payment", aggregateID, data)
	if err != nil {
		s.logger.Error("failed to build event", "type", eventType, "error", err)
		return
	}
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Error("failed to publish event", "type", eventType, "error", err)
	}
}
