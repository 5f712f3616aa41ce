package banktransfer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingcore/internal/common/money"
	"billingcore/internal/payment"
)

func newTestAdapter() *Adapter {
	return NewAdapter(Config{
		AccountName:   "Acme Ltd",
		IBAN:          "GB29NWBK60161331926819",
		SortCode:      "60-16-13",
		AccountNumber: "31926819",
		WebhookSecret: "btsec",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestChargeIssuesInstructions(t *testing.T) {
	adapter := newTestAdapter()

	result, err := adapter.Charge(context.Background(), payment.ChargeRequest{
		Amount: money.New(5000, money.GBP),
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, payment.StatusProcessing, result.Status)
	assert.True(t, strings.HasPrefix(result.ExternalRef, "BT-"))
	assert.Equal(t, "GB29NWBK60161331926819", result.ProviderData["iban"])
	assert.Equal(t, result.ExternalRef, result.ProviderData["reference"])
}

func TestRefundUnsupported(t *testing.T) {
	adapter := newTestAdapter()
	_, err := adapter.Refund(context.Background(), "BT-X", money.New(100, money.GBP))
	assert.ErrorIs(t, err, payment.ErrUnsupportedOperation)
}

func TestParseWebhook(t *testing.T) {
	adapter := newTestAdapter()

	t.Run("received", func(t *testing.T) {
		payload := []byte(`{"event_id":"n1","reference":"BT-1","status":"RECEIVED","amount_minor":5000,"currency":"GBP"}`)
		event, err := adapter.ParseWebhook(payload, sign("btsec", payload))
		require.NoError(t, err)
		assert.Equal(t, payment.EventChargeSucceeded, event.Kind)
		assert.Equal(t, "BT-1", event.ExternalRef)
		require.NotNil(t, event.Amount)
		assert.Equal(t, int64(5000), event.Amount.AmountMinor)
	})

	t.Run("rejected", func(t *testing.T) {
		payload := []byte(`{"event_id":"n2","reference":"BT-1","status":"REJECTED","reason":"name mismatch"}`)
		event, err := adapter.ParseWebhook(payload, sign("btsec", payload))
		require.NoError(t, err)
		assert.Equal(t, payment.EventChargeFailed, event.Kind)
	})

	t.Run("bad signature", func(t *testing.T) {
		payload := []byte(`{"event_id":"n3","reference":"BT-1","status":"RECEIVED"}`)
		_, err := adapter.ParseWebhook(payload, "deadbeef")
		assert.ErrorIs(t, err, payment.ErrSignatureInvalid)
	})

	t.Run("unknown status", func(t *testing.T) {
		payload := []byte(`{"event_id":"n4","reference":"BT-1","status":"PENDING"}`)
		_, err := adapter.ParseWebhook(payload, sign("btsec", payload))
		assert.ErrorIs(t, err, payment.ErrUnrecognizedEventKind)
	})
}
