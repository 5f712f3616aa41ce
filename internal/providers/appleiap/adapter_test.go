package appleiap

import (
	"context"
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

func newTestAdapter(t *testing.T, verifyURL, sandboxURL string) *Adapter {
	t.Helper()
	adapter, err := NewAdapter(Config{
		VerifyURL:    verifyURL,
		SandboxURL:   sandboxURL,
		SharedSecret: "iap-secret",
		Timeout:      5 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return adapter
}

func verifyServer(t *testing.T, status int, txID string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "iap-secret", req["password"])

		resp := map[string]interface{}{"status": status}
		if txID != "" {
			resp["receipt"] = map[string]interface{}{
				"in_app": []map[string]string{{
					"transaction_id":          txID,
					"original_transaction_id": "orig_" + txID,
					"product_id":              "com.acme.pro",
				}},
			}
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestNewAdapterRequiresSecret(t *testing.T) {
	_, err := NewAdapter(Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Error(t, err)
}

func TestChargeValidReceipt(t *testing.T) {
	server := verifyServer(t, 0, "tx_1")
	defer server.Close()

	adapter := newTestAdapter(t, server.URL, server.URL)
	result, err := adapter.Charge(context.Background(), payment.ChargeRequest{
		Amount:   money.New(999, money.USD),
		Metadata: map[string]string{"receipt_data": "base64receipt"},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, payment.StatusCompleted, result.Status)
	assert.Equal(t, "tx_1", result.ExternalRef)
}

func TestChargeMissingReceipt(t *testing.T) {
	adapter := newTestAdapter(t, "http://unused", "http://unused")
	result, err := adapter.Charge(context.Background(), payment.ChargeRequest{
		Amount: money.New(999, money.USD),
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "missing_receipt", result.Reason)
}

func TestChargeInvalidReceipt(t *testing.T) {
	server := verifyServer(t, 21003, "")
	defer server.Close()

	adapter := newTestAdapter(t, server.URL, server.URL)
	result, err := adapter.Charge(context.Background(), payment.ChargeRequest{
		Amount:   money.New(999, money.USD),
		Metadata: map[string]string{"receipt_data": "bad"},
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, "receipt_invalid_21003", result.Reason)
}

func TestChargeSandboxReceiptRetries(t *testing.T) {
	sandbox := verifyServer(t, 0, "tx_sandbox")
	defer sandbox.Close()
	production := verifyServer(t, 21007, "")
	defer production.Close()

	adapter := newTestAdapter(t, production.URL, sandbox.URL)
	result, err := adapter.Charge(context.Background(), payment.ChargeRequest{
		Amount:   money.New(999, money.USD),
		Metadata: map[string]string{"receipt_data": "testflight"},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "tx_sandbox", result.ExternalRef)
}

func TestRefundUnsupported(t *testing.T) {
	adapter := newTestAdapter(t, "http://unused", "http://unused")
	_, err := adapter.Refund(context.Background(), "tx_1", money.New(999, money.USD))
	assert.ErrorIs(t, err, payment.ErrUnsupportedOperation)
}

func notificationPayload(notificationType, password string) []byte {
	payload, _ := json.Marshal(map[string]interface{}{
		"notification_type": notificationType,
		"password":          password,
		"unified_receipt": map[string]interface{}{
			"latest_receipt_info": []map[string]string{{
				"transaction_id":          "tx_9",
				"original_transaction_id": "tx_1",
			}},
		},
	})
	return payload
}

func TestParseWebhookSharedSecret(t *testing.T) {
	adapter := newTestAdapter(t, "http://unused", "http://unused")

	event, err := adapter.ParseWebhook(notificationPayload("DID_RENEW", "iap-secret"), "")
	require.NoError(t, err)
	assert.Equal(t, payment.EventInvoicePaid, event.Kind)
	assert.Equal(t, "tx_9", event.ExternalRef)
	assert.Equal(t, "tx_1", event.SubscriptionRef)

	_, err = adapter.ParseWebhook(notificationPayload("DID_RENEW", "wrong"), "")
	assert.ErrorIs(t, err, payment.ErrSignatureInvalid)
}

func TestParseWebhookKinds(t *testing.T) {
	adapter := newTestAdapter(t, "http://unused", "http://unused")

	tests := []struct {
		notificationType string
		want             payment.EventKind
	}{
		{"INITIAL_BUY", payment.EventChargeSucceeded},
		{"DID_RENEW", payment.EventInvoicePaid},
		{"INTERACTIVE_RENEWAL", payment.EventInvoicePaid},
		{"DID_FAIL_TO_RENEW", payment.EventInvoiceFailed},
		{"CANCEL", payment.EventSubscriptionCancelled},
		{"REFUND", payment.EventRefundCompleted},
		{"DID_CHANGE_RENEWAL_STATUS", payment.EventSubscriptionUpdated},
	}
	for _, tt := range tests {
		event, err := adapter.ParseWebhook(notificationPayload(tt.notificationType, "iap-secret"), "")
		require.NoError(t, err, tt.notificationType)
		assert.Equal(t, tt.want, event.Kind, tt.notificationType)
	}

	_, err := adapter.ParseWebhook(notificationPayload("CONSUMPTION_REQUEST", "iap-secret"), "")
	assert.ErrorIs(t, err, payment.ErrUnrecognizedEventKind)
}
