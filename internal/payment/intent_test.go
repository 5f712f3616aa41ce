package payment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingcore/internal/common/money"
)

func newTestIntent(t *testing.T) *PaymentIntent {
	t.Helper()
	intent, err := NewPaymentIntent("01TEST", "user-1", money.New(1000, money.USD), money.New(1000, money.USD), ProviderCard)
	require.NoError(t, err)
	return intent
}

func TestNewPaymentIntentValidation(t *testing.T) {
	_, err := NewPaymentIntent("", "user-1", money.New(100, money.USD), money.New(100, money.USD), ProviderCard)
	assert.Error(t, err)

	_, err = NewPaymentIntent("id", "", money.New(100, money.USD), money.New(100, money.USD), ProviderCard)
	assert.Error(t, err)

	_, err = NewPaymentIntent("id", "user-1", money.New(-1, money.USD), money.New(100, money.USD), ProviderCard)
	assert.Error(t, err)

	_, err = NewPaymentIntent("id", "user-1", money.New(100, money.USD), money.New(100, money.USD), "")
	assert.Error(t, err)

	intent := newTestIntent(t)
	assert.Equal(t, StatusPending, intent.Status)
	assert.False(t, intent.IsTerminal())
}

func TestIntentTransitions(t *testing.T) {
	t.Run("pending to processing to completed", func(t *testing.T) {
		intent := newTestIntent(t)
		require.NoError(t, intent.MarkProcessing())
		assert.Equal(t, StatusProcessing, intent.Status)
		require.NoError(t, intent.MarkCompleted())
		assert.Equal(t, StatusCompleted, intent.Status)
		require.NotNil(t, intent.CompletedAt)
	})

	t.Run("pending straight to completed", func(t *testing.T) {
		intent := newTestIntent(t)
		require.NoError(t, intent.MarkCompleted())
	})

	t.Run("cannot process twice", func(t *testing.T) {
		intent := newTestIntent(t)
		require.NoError(t, intent.MarkProcessing())
		assert.Error(t, intent.MarkProcessing())
	})

	t.Run("cannot complete a failed intent", func(t *testing.T) {
		intent := newTestIntent(t)
		require.NoError(t, intent.MarkFailed("declined"))
		assert.Error(t, intent.MarkCompleted())
	})

	t.Run("cannot fail a completed intent", func(t *testing.T) {
		intent := newTestIntent(t)
		require.NoError(t, intent.MarkCompleted())
		assert.Error(t, intent.MarkFailed("too late"))
		assert.Equal(t, StatusCompleted, intent.Status)
	})
}

func TestApplyRefund(t *testing.T) {
	t.Run("partial then full", func(t *testing.T) {
		intent := newTestIntent(t)
		require.NoError(t, intent.MarkCompleted())

		require.NoError(t, intent.ApplyRefund(money.New(400, money.USD)))
		assert.Equal(t, StatusCompleted, intent.Status)
		assert.Equal(t, int64(600), intent.RemainingRefundable().AmountMinor)

		require.NoError(t, intent.ApplyRefund(money.New(600, money.USD)))
		assert.Equal(t, StatusRefunded, intent.Status)
		require.NotNil(t, intent.RefundedAt)
		assert.Equal(t, int64(0), intent.RemainingRefundable().AmountMinor)
	})

	t.Run("rejects overrefund", func(t *testing.T) {
		intent := newTestIntent(t)
		require.NoError(t, intent.MarkCompleted())
		assert.Error(t, intent.ApplyRefund(money.New(1001, money.USD)))
	})

	t.Run("rejects currency mismatch", func(t *testing.T) {
		intent := newTestIntent(t)
		require.NoError(t, intent.MarkCompleted())
		assert.Error(t, intent.ApplyRefund(money.New(100, money.EUR)))
	})

	t.Run("rejects refund of pending intent", func(t *testing.T) {
		intent := newTestIntent(t)
		assert.Error(t, intent.ApplyRefund(money.New(100, money.USD)))
	})
}
