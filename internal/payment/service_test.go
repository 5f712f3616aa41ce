package payment

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingcore/internal/common/events"
	"billingcore/internal/common/money"
)

type fakeDiscounts struct {
	application *DiscountApplication
	err         error
}

func (f *fakeDiscounts) ValidateCoupon(ctx context.Context, code, userID string, amount money.Money) (*DiscountApplication, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.application, nil
}

type fakeReferrals struct {
	reward *ReferralReward
	err    error
}

func (f *fakeReferrals) FirstPaymentReward(ctx context.Context, code, payerUserID string) (*ReferralReward, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.reward, nil
}

func newChargeService(t *testing.T, provider *fakeProvider, store *memStore, discounts DiscountValidator, referrals ReferralProgram) (*Service, *nopPublisher) {
	t.Helper()
	publisher := &nopPublisher{}
	manager := NewManager(NewRegistry(provider), time.Second, testLogger())
	return NewService(store, manager, discounts, referrals, publisher, testLogger()), publisher
}

func TestChargeSuccess(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{
		name: ProviderWallet,
		chargeFn: func(ctx context.Context, req ChargeRequest) (*PaymentResult, error) {
			return &PaymentResult{Success: true, ExternalRef: "wlt_1", Status: StatusCompleted}, nil
		},
	}
	service, publisher := newChargeService(t, provider, store, nil, nil)

	outcome, err := service.Charge(context.Background(), ChargeCommand{
		UserID:   "user-1",
		Amount:   money.New(2000, money.USD),
		Provider: ProviderWallet,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "wlt_1", outcome.ExternalRef)
	assert.Equal(t, int64(2000), outcome.AmountCharged.AmountMinor)

	stored, err := store.GetIntent(context.Background(), outcome.IntentID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Contains(t, publisher.published(), events.EventPaymentCompleted)
}

func TestChargeWithDiscount(t *testing.T) {
	store := newMemStore()
	var charged money.Money
	provider := &fakeProvider{
		name: ProviderWallet,
		chargeFn: func(ctx context.Context, req ChargeRequest) (*PaymentResult, error) {
			charged = req.Amount
			return &PaymentResult{Success: true, ExternalRef: "wlt_2", Status: StatusCompleted}, nil
		},
	}
	discounts := &fakeDiscounts{application: &DiscountApplication{
		CouponID:      "c1",
		Code:          "SAVE25",
		Kind:          DiscountPercentage,
		UserID:        "user-1",
		OriginalMinor: 2000,
		DiscountMinor: 500,
		FinalMinor:    1500,
	}}
	service, _ := newChargeService(t, provider, store, discounts, nil)

	outcome, err := service.Charge(context.Background(), ChargeCommand{
		UserID:     "user-1",
		Amount:     money.New(2000, money.USD),
		Provider:   ProviderWallet,
		CouponCode: "SAVE25",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1500), charged.AmountMinor)
	assert.Equal(t, int64(1500), outcome.AmountCharged.AmountMinor)
	require.NotNil(t, outcome.Discount)
	assert.Equal(t, int64(500), outcome.Discount.DiscountMinor)

	stored, err := store.GetIntent(context.Background(), outcome.IntentID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), stored.OriginalAmount.AmountMinor)
}

func TestChargePublishesCouponRedeemed(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{name: ProviderWallet}
	discounts := &fakeDiscounts{application: &DiscountApplication{
		CouponID:      "c1",
		Code:          "SAVE25",
		Kind:          DiscountPercentage,
		UserID:        "user-1",
		OriginalMinor: 2000,
		DiscountMinor: 500,
		FinalMinor:    1500,
		PerUserLimit:  1,
	}}
	service, publisher := newChargeService(t, provider, store, discounts, nil)

	_, err := service.Charge(context.Background(), ChargeCommand{
		UserID:     "user-1",
		Amount:     money.New(2000, money.USD),
		Provider:   ProviderWallet,
		CouponCode: "SAVE25",
	})
	require.NoError(t, err)
	assert.Contains(t, publisher.published(), events.EventCouponRedeemed)
}

func TestChargePerUserCouponLimitHeldAtFinalize(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{name: ProviderWallet}
	// Validation passed for both charges; the write is where the cap
	// must hold.
	discounts := &fakeDiscounts{application: &DiscountApplication{
		CouponID:      "c1",
		Code:          "ONCE",
		Kind:          DiscountFixed,
		UserID:        "user-1",
		OriginalMinor: 2000,
		DiscountMinor: 500,
		FinalMinor:    1500,
		PerUserLimit:  1,
	}}
	service, _ := newChargeService(t, provider, store, discounts, nil)

	cmd := ChargeCommand{
		UserID:     "user-1",
		Amount:     money.New(2000, money.USD),
		Provider:   ProviderWallet,
		CouponCode: "ONCE",
	}
	_, err := service.Charge(context.Background(), cmd)
	require.NoError(t, err)

	_, err = service.Charge(context.Background(), cmd)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconciliationRequired)
	assert.Equal(t, 1, store.couponUses["c1|user-1"])
	require.Len(t, store.reconItems, 1)
}

func TestChargeGrantedRewardPublishesEvent(t *testing.T) {
	store := newMemStore()
	store.granted = true
	provider := &fakeProvider{name: ProviderWallet}
	referrals := &fakeReferrals{reward: &ReferralReward{
		ID:             "rw_1",
		ReferrerUserID: "user-9",
		ReferredUserID: "user-1",
		Kind:           RewardCredit,
		AmountMinor:    500,
	}}
	service, publisher := newChargeService(t, provider, store, nil, referrals)

	outcome, err := service.Charge(context.Background(), ChargeCommand{
		UserID:       "user-1",
		Amount:       money.New(2000, money.USD),
		Provider:     ProviderWallet,
		ReferralCode: "FRIEND9",
	})
	require.NoError(t, err)
	assert.True(t, outcome.RewardGranted)
	assert.Contains(t, publisher.published(), events.EventReferralRewardGranted)
}

func TestChargeKeepsProviderData(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{
		name: ProviderWallet,
		chargeFn: func(ctx context.Context, req ChargeRequest) (*PaymentResult, error) {
			return &PaymentResult{
				Success:      true,
				ExternalRef:  "tok_1",
				Status:       StatusCompleted,
				ProviderData: map[string]string{"refund_ref": "ord_1"},
			}, nil
		},
	}
	service, _ := newChargeService(t, provider, store, nil, nil)

	outcome, err := service.Charge(context.Background(), ChargeCommand{
		UserID:   "user-1",
		Amount:   money.New(2000, money.USD),
		Provider: ProviderWallet,
	})
	require.NoError(t, err)

	stored, err := store.GetIntent(context.Background(), outcome.IntentID)
	require.NoError(t, err)
	assert.Equal(t, "ord_1", stored.Metadata["refund_ref"])
	assert.Equal(t, "ord_1", stored.RefundRef())
}

func TestChargeCouponErrorAbortsBeforeProvider(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{name: ProviderWallet}
	discounts := &fakeDiscounts{err: ErrCouponExpired}
	service, _ := newChargeService(t, provider, store, discounts, nil)

	_, err := service.Charge(context.Background(), ChargeCommand{
		UserID:     "user-1",
		Amount:     money.New(2000, money.USD),
		Provider:   ProviderWallet,
		CouponCode: "OLD",
	})
	assert.ErrorIs(t, err, ErrCouponExpired)
	assert.Zero(t, provider.chargeCalls)
}

func TestChargeZeroAmountSkipsProvider(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{name: ProviderWallet}
	discounts := &fakeDiscounts{application: &DiscountApplication{
		CouponID:      "c1",
		Code:          "FREE100",
		Kind:          DiscountPercentage,
		UserID:        "user-1",
		OriginalMinor: 2000,
		DiscountMinor: 2000,
		FinalMinor:    0,
	}}
	service, publisher := newChargeService(t, provider, store, discounts, nil)

	outcome, err := service.Charge(context.Background(), ChargeCommand{
		UserID:     "user-1",
		Amount:     money.New(2000, money.USD),
		Provider:   ProviderWallet,
		CouponCode: "FREE100",
	})
	require.NoError(t, err)
	assert.Zero(t, provider.chargeCalls)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, "free_"+outcome.IntentID, outcome.ExternalRef)
	assert.Contains(t, publisher.published(), events.EventPaymentCompleted)
}

func TestChargeDeclineRecordsFailedIntent(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{
		name: ProviderCard,
		chargeFn: func(ctx context.Context, req ChargeRequest) (*PaymentResult, error) {
			return &PaymentResult{Success: false, Status: StatusFailed, Reason: "card_declined"}, nil
		},
	}
	service, publisher := newChargeService(t, provider, store, nil, nil)

	outcome, err := service.Charge(context.Background(), ChargeCommand{
		UserID:   "user-1",
		Amount:   money.New(2000, money.USD),
		Provider: ProviderCard,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Equal(t, "card_declined", outcome.FailureReason)

	stored, err := store.GetIntent(context.Background(), outcome.IntentID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Contains(t, publisher.published(), events.EventPaymentFailed)
}

func TestChargeLocalWriteFailureParksForReconciliation(t *testing.T) {
	store := newMemStore()
	store.finalizeErr = errors.New("connection lost")
	provider := &fakeProvider{
		name: ProviderWallet,
		chargeFn: func(ctx context.Context, req ChargeRequest) (*PaymentResult, error) {
			return &PaymentResult{Success: true, ExternalRef: "wlt_3", Status: StatusCompleted}, nil
		},
	}
	service, publisher := newChargeService(t, provider, store, nil, nil)

	_, err := service.Charge(context.Background(), ChargeCommand{
		UserID:   "user-1",
		Amount:   money.New(2000, money.USD),
		Provider: ProviderWallet,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReconciliationRequired)

	require.Len(t, store.reconItems, 1)
	assert.Equal(t, ReconcileLocalWriteFailed, store.reconItems[0].Reason)
	assert.Equal(t, "wlt_3", store.reconItems[0].ExternalRef)
	assert.Contains(t, publisher.published(), events.EventReconciliationRequired)
}

func TestChargeReferralFailureDoesNotBlock(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{
		name: ProviderWallet,
		chargeFn: func(ctx context.Context, req ChargeRequest) (*PaymentResult, error) {
			return &PaymentResult{Success: true, ExternalRef: "wlt_4", Status: StatusCompleted}, nil
		},
	}
	referrals := &fakeReferrals{err: errors.New("code not found")}
	service, _ := newChargeService(t, provider, store, nil, referrals)

	outcome, err := service.Charge(context.Background(), ChargeCommand{
		UserID:       "user-1",
		Amount:       money.New(2000, money.USD),
		Provider:     ProviderWallet,
		ReferralCode: "BADCODE",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.False(t, outcome.RewardGranted)
}

func TestChargeValidation(t *testing.T) {
	store := newMemStore()
	service, _ := newChargeService(t, &fakeProvider{name: ProviderWallet}, store, nil, nil)

	_, err := service.Charge(context.Background(), ChargeCommand{
		UserID:   "user-1",
		Amount:   money.New(0, money.USD),
		Provider: ProviderWallet,
	})
	assert.Error(t, err)

	_, err = service.Charge(context.Background(), ChargeCommand{
		UserID:   "user-1",
		Amount:   money.New(100, money.Currency("XXX")),
		Provider: ProviderWallet,
	})
	assert.Error(t, err)
}

func TestConfirmCompletesPendingIntent(t *testing.T) {
	store := newMemStore()
	provider := &fakeProvider{
		name: ProviderCard,
		chargeFn: func(ctx context.Context, req ChargeRequest) (*PaymentResult, error) {
			return &PaymentResult{Success: true, ExternalRef: "pi_1", Status: StatusPending, ClientSecret: "cs_1"}, nil
		},
		confirmFn: func(ctx context.Context, externalRef string) (*PaymentResult, error) {
			return &PaymentResult{Success: true, ExternalRef: externalRef, Status: StatusCompleted}, nil
		},
	}
	service, _ := newChargeService(t, provider, store, nil, nil)

	created, err := service.Charge(context.Background(), ChargeCommand{
		UserID:   "user-1",
		Amount:   money.New(2000, money.USD),
		Provider: ProviderCard,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, created.Status)
	assert.Equal(t, "cs_1", created.ClientSecret)

	confirmed, err := service.Confirm(context.Background(), created.IntentID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, confirmed.Status)

	// A second confirmation is rejected: the intent is no longer pending.
	_, err = service.Confirm(context.Background(), created.IntentID)
	assert.Error(t, err)
}
