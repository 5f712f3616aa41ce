package googleplay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"billingcore/internal/common/money"
	"billingcore/internal/payment"
)

func newTestAdapter(t *testing.T, baseURL string) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(Config{
		BaseURL:           baseURL,
		PackageName:       "com.acme.app",
		AccessToken:       "gp-token",
		VerificationToken: "push-token",
		Timeout:           5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return adapter
}

func TestNewAdapterRequiresPackageName(t *testing.T) {
	_, err := NewAdapter(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestChargeVerifiesPurchase(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer gp-token", r.Header.Get("Authorization"))
		assert.Equal(t, "/applications/com.acme.app/purchases/products/sku_pro/tokens/tok_1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"orderId":       "GPA.1234",
			"purchaseState": 0,
		})
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	result, err := adapter.Charge(context.Background(), payment.ChargeRequest{
		Amount: money.New(499, money.USD),
		Metadata: map[string]string{
			"product_id":     "sku_pro",
			"purchase_token": "tok_1",
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, payment.StatusCompleted, result.Status)
	assert.Equal(t, "tok_1", result.ExternalRef)
	assert.Equal(t, "GPA.1234", result.ProviderData["refund_ref"])
	assert.Equal(t, "sku_pro", result.ProviderData["product_id"])
}

// Webhook deliveries carry the purchase token, so charges must be
// keyed on it too or no notification ever matches a stored intent.
func TestChargeAndWebhookAgreeOnReference(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"orderId":       "GPA.1234-5678",
			"purchaseState": 0,
		})
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	result, err := adapter.Charge(context.Background(), payment.ChargeRequest{
		Amount: money.New(499, money.USD),
		Metadata: map[string]string{
			"product_id":     "sku_pro",
			"purchase_token": "token-abc",
		},
	})
	require.NoError(t, err)

	payload := rtdnPayload(t, map[string]interface{}{
		"oneTimeProductNotification": map[string]interface{}{
			"notificationType": 1,
			"purchaseToken":    "token-abc",
			"sku":              "sku_pro",
		},
	})
	event, err := adapter.ParseWebhook(payload, "push-token")
	require.NoError(t, err)
	assert.Equal(t, result.ExternalRef, event.ExternalRef)
}

func TestChargePendingPurchase(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"orderId":       "GPA.5678",
			"purchaseState": 2,
		})
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	result, err := adapter.Charge(context.Background(), payment.ChargeRequest{
		Amount: money.New(499, money.USD),
		Metadata: map[string]string{
			"product_id":     "sku_pro",
			"purchase_token": "tok_1",
		},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, payment.StatusProcessing, result.Status)
	assert.Equal(t, "tok_1", result.ExternalRef)
}

func TestChargeMissingToken(t *testing.T) {
	adapter := newTestAdapter(t, "http://unused")
	result, err := adapter.Charge(context.Background(), payment.ChargeRequest{
		Amount: money.New(499, money.USD),
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "missing_purchase_token", result.Reason)
}

func TestConfirmAcknowledges(t *testing.T) {
	var acked bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, ":acknowledge")
		acked = true
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	result, err := adapter.Confirm(context.Background(), "sku_pro:tok_1")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, acked)
}

func TestRefundOrder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/applications/com.acme.app/orders/GPA.1234:refund", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	adapter := newTestAdapter(t, server.URL)
	result, err := adapter.Refund(context.Background(), "GPA.1234", money.New(499, money.USD))
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, payment.StatusCompleted, result.Status)
}

func rtdnPayload(t *testing.T, notification map[string]interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(notification)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]interface{}{
		"message": map[string]string{
			"data":      base64.StdEncoding.EncodeToString(data),
			"messageId": "msg-1",
		},
	})
	require.NoError(t, err)
	return payload
}

func TestParseWebhookVerificationToken(t *testing.T) {
	adapter := newTestAdapter(t, "http://unused")
	payload := rtdnPayload(t, map[string]interface{}{
		"packageName": "com.acme.app",
		"subscriptionNotification": map[string]interface{}{
			"notificationType": 2,
			"purchaseToken":    "tok_sub",
			"subscriptionId":   "plan_pro",
		},
	})

	event, err := adapter.ParseWebhook(payload, "push-token")
	require.NoError(t, err)
	assert.Equal(t, payment.EventInvoicePaid, event.Kind)
	assert.Equal(t, "tok_sub", event.SubscriptionRef)
	assert.Equal(t, "msg-1", event.ID)

	_, err = adapter.ParseWebhook(payload, "wrong")
	assert.ErrorIs(t, err, payment.ErrSignatureInvalid)
}

func TestParseWebhookKinds(t *testing.T) {
	adapter := newTestAdapter(t, "http://unused")

	subTests := []struct {
		notificationType int
		want             payment.EventKind
	}{
		{2, payment.EventInvoicePaid},
		{3, payment.EventSubscriptionCancelled},
		{4, payment.EventSubscriptionCreated},
		{5, payment.EventInvoiceFailed},
		{12, payment.EventRefundCompleted},
	}
	for _, tt := range subTests {
		payload := rtdnPayload(t, map[string]interface{}{
			"subscriptionNotification": map[string]interface{}{
				"notificationType": tt.notificationType,
				"purchaseToken":    "tok_sub",
			},
		})
		event, err := adapter.ParseWebhook(payload, "push-token")
		require.NoError(t, err)
		assert.Equal(t, tt.want, event.Kind)
	}

	t.Run("one-time purchase", func(t *testing.T) {
		payload := rtdnPayload(t, map[string]interface{}{
			"oneTimeProductNotification": map[string]interface{}{
				"notificationType": 1,
				"purchaseToken":    "tok_otp",
				"sku":              "sku_pro",
			},
		})
		event, err := adapter.ParseWebhook(payload, "push-token")
		require.NoError(t, err)
		assert.Equal(t, payment.EventChargeSucceeded, event.Kind)
		assert.Equal(t, "tok_otp", event.ExternalRef)
	})

	t.Run("empty notification", func(t *testing.T) {
		payload := rtdnPayload(t, map[string]interface{}{"packageName": "com.acme.app"})
		_, err := adapter.ParseWebhook(payload, "push-token")
		assert.ErrorIs(t, err, payment.ErrUnrecognizedEventKind)
	})
}
