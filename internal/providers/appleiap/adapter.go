// Package appleiap provides the Apple in-app purchase adapter. A
// charge validates the client-supplied receipt against Apple's
// verification endpoint; refunds are customer-initiated through Apple
// and therefore unsupported here.
package appleiap

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"billingcore/internal/common/money"
	"billingcore/internal/payment"
)

// Config holds Apple IAP adapter configuration.
type Config struct {
	Enabled      bool          `envconfig:"APPLE_IAP_ENABLED" default:"false"`
	VerifyURL    string        `envconfig:"APPLE_IAP_VERIFY_URL" default:"https://buy.itunes.apple.com/verifyReceipt"`
	SandboxURL   string        `envconfig:"APPLE_IAP_SANDBOX_URL" default:"https://sandbox.itunes.apple.com/verifyReceipt"`
	SharedSecret string        `envconfig:"APPLE_IAP_SHARED_SECRET"`
	Timeout      time.Duration `envconfig:"APPLE_IAP_TIMEOUT" default:"30s"`
}

// Receipt statuses from the verification endpoint.
const (
	statusOK             = 0
	statusSandboxReceipt = 21007
)

// Adapter implements payment.Provider for Apple in-app purchases.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates an Apple IAP adapter.
func NewAdapter(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.SharedSecret == "" {
		return nil, fmt.Errorf("apple iap adapter: shared secret is required")
	}
	return &Adapter{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}, nil
}

var _ payment.Provider = (*Adapter)(nil)

// Name implements payment.Provider.
func (a *Adapter) Name() payment.ProviderName {
	return payment.ProviderAppleIAP
}

type verifyRequest struct {
	ReceiptData string `json:"receipt-data"`
	Password    string `json:"password"`
}

type verifyResponse struct {
	Status  int `json:"status"`
	Receipt struct {
		InApp []struct {
			TransactionID         string `json:"transaction_id"`
			OriginalTransactionID string `json:"original_transaction_id"`
			ProductID             string `json:"product_id"`
		} `json:"in_app"`
	} `json:"receipt"`
}

// Charge validates the receipt passed in metadata["receipt_data"].
// The money already moved on Apple's side; validation either accepts
// it as a completed charge or rejects the receipt.
func (a *Adapter) Charge(ctx context.Context, req payment.ChargeRequest) (*payment.PaymentResult, error) {
	receiptData := req.Metadata["receipt_data"]
	if receiptData == "" {
		return &payment.PaymentResult{
			Success: false,
			Status:  payment.StatusFailed,
			Reason:  "missing_receipt",
		}, nil
	}

	resp, err := a.verify(ctx, a.config.VerifyURL, receiptData)
	if err != nil {
		return nil, err
	}
	// Receipts from TestFlight builds land on production first.
	if resp.Status == statusSandboxReceipt {
		resp, err = a.verify(ctx, a.config.SandboxURL, receiptData)
		if err != nil {
			return nil, err
		}
	}

	if resp.Status != statusOK {
		return &payment.PaymentResult{
			Success: false,
			Status:  payment.StatusFailed,
			Reason:  fmt.Sprintf("receipt_invalid_%d", resp.Status),
		}, nil
	}
	if len(resp.Receipt.InApp) == 0 {
		return &payment.PaymentResult{
			Success: false,
			Status:  payment.StatusFailed,
			Reason:  "receipt_empty",
		}, nil
	}

	txID := resp.Receipt.InApp[0].TransactionID
	a.logger.Info("apple receipt validated",
		"transaction_id", txID,
		"product_id", resp.Receipt.InApp[0].ProductID,
	)

	return &payment.PaymentResult{
		Success:     true,
		ExternalRef: txID,
		Status:      payment.StatusCompleted,
	}, nil
}

// Confirm is a no-op; receipt validation settles synchronously.
func (a *Adapter) Confirm(ctx context.Context, externalRef string) (*payment.PaymentResult, error) {
	return &payment.PaymentResult{
		Success:     true,
		ExternalRef: externalRef,
		Status:      payment.StatusCompleted,
	}, nil
}

// Refund is not supported; Apple handles refunds directly with the
// customer.
func (a *Adapter) Refund(ctx context.Context, externalRef string, amount money.Money) (*payment.PaymentResult, error) {
	return nil, fmt.Errorf("apple iap refunds are handled by Apple: %w", payment.ErrUnsupportedOperation)
}

type serverNotification struct {
	NotificationType string `json:"notification_type"`
	Password         string `json:"password"`
	AutoRenewProduct string `json:"auto_renew_product_id"`
	UnifiedReceipt   struct {
		LatestReceiptInfo []struct {
			TransactionID         string `json:"transaction_id"`
			OriginalTransactionID string `json:"original_transaction_id"`
		} `json:"latest_receipt_info"`
	} `json:"unified_receipt"`
}

// ParseWebhook handles App Store server notifications. Authenticity
// is the shared secret carried in the payload.
func (a *Adapter) ParseWebhook(payload []byte, signature string) (*payment.WebhookEvent, error) {
	var n serverNotification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("parsing apple notification: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(n.Password), []byte(a.config.SharedSecret)) != 1 {
		return nil, fmt.Errorf("%w: apple shared secret mismatch", payment.ErrSignatureInvalid)
	}

	var kind payment.EventKind
	switch n.NotificationType {
	case "INITIAL_BUY":
		kind = payment.EventChargeSucceeded
	case "DID_RENEW", "INTERACTIVE_RENEWAL":
		kind = payment.EventInvoicePaid
	case "DID_FAIL_TO_RENEW":
		kind = payment.EventInvoiceFailed
	case "CANCEL":
		kind = payment.EventSubscriptionCancelled
	case "REFUND":
		kind = payment.EventRefundCompleted
	case "DID_CHANGE_RENEWAL_STATUS", "DID_CHANGE_RENEWAL_PREF":
		kind = payment.EventSubscriptionUpdated
	default:
		return nil, fmt.Errorf("%w: %s", payment.ErrUnrecognizedEventKind, n.NotificationType)
	}

	event := &payment.WebhookEvent{
		Provider:   payment.ProviderAppleIAP,
		Kind:       kind,
		RawPayload: payload,
		ReceivedAt: time.Now().UTC(),
	}
	if len(n.UnifiedReceipt.LatestReceiptInfo) > 0 {
		info := n.UnifiedReceipt.LatestReceiptInfo[0]
		event.ID = info.TransactionID
		event.ExternalRef = info.TransactionID
		event.SubscriptionRef = info.OriginalTransactionID
	}
	return event, nil
}

func (a *Adapter) verify(ctx context.Context, url, receiptData string) (*verifyResponse, error) {
	body, err := json.Marshal(verifyRequest{
		ReceiptData: receiptData,
		Password:    a.config.SharedSecret,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal verify request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, fmt.Errorf("apple verify error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	var resp verifyResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	return &resp, nil
}
