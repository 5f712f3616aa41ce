package payment

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingcore/internal/common/database"
	"billingcore/internal/common/events"
	"billingcore/internal/common/money"
)

func newRefundCoordinator(t *testing.T, store *memStore, provider *fakeProvider) *RefundCoordinator {
	t.Helper()
	manager := NewManager(NewRegistry(provider), time.Second, testLogger())
	return NewRefundCoordinator(store, manager, &nopPublisher{}, testLogger())
}

func TestRefundFull(t *testing.T) {
	store := newMemStore()
	intent := seedIntent(t, store, StatusCompleted, "wlt_r1")
	provider := &fakeProvider{name: ProviderWallet}
	coordinator := newRefundCoordinator(t, store, provider)

	outcome, err := coordinator.Refund(context.Background(), intent.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, outcome.Status)
	assert.Equal(t, int64(1000), outcome.AmountRefunded.AmountMinor)
	assert.Equal(t, int64(0), outcome.RemainingRefundable.AmountMinor)
	assert.Equal(t, 1, provider.refundCalls)

	stored, err := store.GetIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, stored.Status)
}

func TestRefundPartial(t *testing.T) {
	store := newMemStore()
	intent := seedIntent(t, store, StatusCompleted, "wlt_r2")
	provider := &fakeProvider{name: ProviderWallet}
	coordinator := newRefundCoordinator(t, store, provider)

	amount := money.New(300, money.USD)
	outcome, err := coordinator.Refund(context.Background(), intent.ID, &amount)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, outcome.Status)
	assert.Equal(t, int64(300), outcome.AmountRefunded.AmountMinor)
	assert.Equal(t, int64(700), outcome.RemainingRefundable.AmountMinor)

	// Second partial refund up to the full amount.
	rest := money.New(700, money.USD)
	outcome, err = coordinator.Refund(context.Background(), intent.ID, &rest)
	require.NoError(t, err)
	assert.Equal(t, StatusRefunded, outcome.Status)
}

func TestRefundRejectsNonCompleted(t *testing.T) {
	store := newMemStore()
	intent := seedIntent(t, store, StatusPending, "wlt_r3")
	coordinator := newRefundCoordinator(t, store, &fakeProvider{name: ProviderWallet})

	_, err := coordinator.Refund(context.Background(), intent.ID, nil)
	assert.ErrorIs(t, err, ErrNotRefundable)
}

func TestRefundRejectsExcessAmount(t *testing.T) {
	store := newMemStore()
	intent := seedIntent(t, store, StatusCompleted, "wlt_r4")
	provider := &fakeProvider{name: ProviderWallet}
	coordinator := newRefundCoordinator(t, store, provider)

	amount := money.New(1500, money.USD)
	_, err := coordinator.Refund(context.Background(), intent.ID, &amount)
	assert.ErrorIs(t, err, ErrRefundExceedsCharge)
	assert.Zero(t, provider.refundCalls)

	mismatched := money.New(100, money.EUR)
	_, err = coordinator.Refund(context.Background(), intent.ID, &mismatched)
	assert.ErrorIs(t, err, ErrRefundExceedsCharge)
}

func TestRefundUnsupportedOperationPassesThrough(t *testing.T) {
	store := newMemStore()
	intent, err := NewPaymentIntent("01BANK", "user-1", money.New(1000, money.USD), money.New(1000, money.USD), ProviderBankTransfer)
	require.NoError(t, err)
	intent.ExternalRef = "BT-1"
	require.NoError(t, intent.MarkCompleted())
	require.NoError(t, store.CreateIntent(context.Background(), intent))

	provider := &fakeProvider{
		name: ProviderBankTransfer,
		refundFn: func(ctx context.Context, externalRef string, amount money.Money) (*PaymentResult, error) {
			return nil, ErrUnsupportedOperation
		},
	}
	coordinator := newRefundCoordinator(t, store, provider)

	_, err = coordinator.Refund(context.Background(), intent.ID, nil)
	assert.ErrorIs(t, err, ErrUnsupportedOperation)

	stored, err := store.GetIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, stored.Status)
	assert.Zero(t, stored.RefundedMinor)
}

func TestRefundUsesRecordedRefundRef(t *testing.T) {
	store := newMemStore()
	intent := seedIntent(t, store, StatusCompleted, "tok_1")
	intent.Metadata = map[string]string{"refund_ref": "GPA.1234"}
	require.NoError(t, store.SaveTransition(context.Background(), intent, StatusCompleted))

	var refundedRef string
	provider := &fakeProvider{
		name: ProviderWallet,
		refundFn: func(ctx context.Context, externalRef string, amount money.Money) (*PaymentResult, error) {
			refundedRef = externalRef
			return &PaymentResult{Success: true, ExternalRef: "re_1", Status: StatusCompleted}, nil
		},
	}
	coordinator := newRefundCoordinator(t, store, provider)

	_, err := coordinator.Refund(context.Background(), intent.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "GPA.1234", refundedRef)
}

func TestRefundAccountingFailureParksForReconciliation(t *testing.T) {
	store := newMemStore()
	intent := seedIntent(t, store, StatusCompleted, "wlt_r6")
	store.saveTransitionErr = database.ErrConflict
	provider := &fakeProvider{name: ProviderWallet}
	publisher := &nopPublisher{}
	manager := NewManager(NewRegistry(provider), time.Second, testLogger())
	coordinator := NewRefundCoordinator(store, manager, publisher, testLogger())

	_, err := coordinator.Refund(context.Background(), intent.ID, nil)
	assert.ErrorIs(t, err, ErrReconciliationRequired)
	assert.Equal(t, 1, provider.refundCalls)

	require.Len(t, store.reconItems, 1)
	assert.Equal(t, ReconcileLocalWriteFailed, store.reconItems[0].Reason)
	assert.Equal(t, intent.ID, store.reconItems[0].IntentID)
	assert.Contains(t, publisher.published(), events.EventReconciliationRequired)
}

func TestRefundProviderDeclineLeavesIntentUntouched(t *testing.T) {
	store := newMemStore()
	intent := seedIntent(t, store, StatusCompleted, "wlt_r5")
	provider := &fakeProvider{
		name: ProviderWallet,
		refundFn: func(ctx context.Context, externalRef string, amount money.Money) (*PaymentResult, error) {
			return &PaymentResult{Success: false, Status: StatusFailed, Reason: "insufficient_balance"}, nil
		},
	}
	coordinator := newRefundCoordinator(t, store, provider)

	outcome, err := coordinator.Refund(context.Background(), intent.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, "insufficient_balance", outcome.FailureReason)
	assert.Equal(t, StatusCompleted, outcome.Status)

	stored, err := store.GetIntent(context.Background(), intent.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.RefundedMinor)
}
