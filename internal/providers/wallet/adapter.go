// Package wallet provides the wallet processor adapter, an HTTP
// integration with HMAC-signed webhooks.
package wallet

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"billingcore/internal/common/money"
	"billingcore/internal/payment"
)

// Config holds wallet adapter configuration.
type Config struct {
	Enabled       bool          `envconfig:"WALLET_ENABLED" default:"true"`
	BaseURL       string        `envconfig:"WALLET_BASE_URL"`
	APIKey        string        `envconfig:"WALLET_API_KEY"`
	WebhookSecret string        `envconfig:"WALLET_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"WALLET_TIMEOUT" default:"30s"`
}

// Adapter implements payment.Provider for wallet payments.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a wallet adapter.
func NewAdapter(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.BaseURL == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("wallet adapter: base URL and API key are required")
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
	return payment.ProviderWallet
}

type chargeRequest struct {
	AmountMinor int64             `json:"amount_minor"`
	Currency    string            `json:"currency"`
	Description string            `json:"description,omitempty"`
	Email       string            `json:"email,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type chargeResponse struct {
	ChargeID      string `json:"charge_id"`
	Status        string `json:"status"` // COMPLETED, PENDING, DECLINED
	DeclineReason string `json:"decline_reason,omitempty"`
}

// Charge debits the customer's wallet balance.
func (a *Adapter) Charge(ctx context.Context, req payment.ChargeRequest) (*payment.PaymentResult, error) {
	var resp chargeResponse
	err := a.post(ctx, "/v1/charges", chargeRequest{
		AmountMinor: req.Amount.AmountMinor,
		Currency:    string(req.Amount.Currency),
		Description: req.Description,
		Email:       req.CustomerEmail,
		Metadata:    req.Metadata,
	}, &resp)
	if err != nil {
		return nil, err
	}

	a.logger.Info("wallet charge created",
		"external_ref", resp.ChargeID,
		"status", resp.Status,
	)
	return mapResult(&resp), nil
}

// Confirm captures a pending wallet charge.
func (a *Adapter) Confirm(ctx context.Context, externalRef string) (*payment.PaymentResult, error) {
	var resp chargeResponse
	err := a.post(ctx, fmt.Sprintf("/v1/charges/%s/capture", externalRef), struct{}{}, &resp)
	if err != nil {
		return nil, err
	}
	return mapResult(&resp), nil
}

// Refund credits the amount back to the wallet.
func (a *Adapter) Refund(ctx context.Context, externalRef string, amount money.Money) (*payment.PaymentResult, error) {
	var resp struct {
		RefundID string `json:"refund_id"`
		Status   string `json:"status"`
		Reason   string `json:"decline_reason,omitempty"`
	}
	err := a.post(ctx, fmt.Sprintf("/v1/charges/%s/refunds", externalRef), map[string]int64{
		"amount_minor": amount.AmountMinor,
	}, &resp)
	if err != nil {
		return nil, err
	}

	if resp.Status == "DECLINED" {
		return &payment.PaymentResult{
			Success: false,
			Status:  payment.StatusFailed,
			Reason:  resp.Reason,
		}, nil
	}
	return &payment.PaymentResult{
		Success:     true,
		ExternalRef: resp.RefundID,
		Status:      payment.StatusCompleted,
	}, nil
}

type webhookPayload struct {
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	ChargeID    string `json:"charge_id"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Reason      string `json:"reason,omitempty"`
}

// ParseWebhook verifies the hex HMAC-SHA256 signature over the raw
// body and maps the event to canonical form.
func (a *Adapter) ParseWebhook(payload []byte, signature string) (*payment.WebhookEvent, error) {
	if !a.verifySignature(payload, signature) {
		return nil, fmt.Errorf("%w: wallet signature mismatch", payment.ErrSignatureInvalid)
	}

	var p webhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parsing wallet webhook: %w", err)
	}

	var kind payment.EventKind
	switch p.EventType {
	case "charge.completed":
		kind = payment.EventChargeSucceeded
	case "charge.declined":
		kind = payment.EventChargeFailed
	case "refund.completed":
		kind = payment.EventRefundCompleted
	case "refund.failed":
		kind = payment.EventRefundFailed
	default:
		return nil, fmt.Errorf("%w: %s", payment.ErrUnrecognizedEventKind, p.EventType)
	}

	event := &payment.WebhookEvent{
		ID:          p.EventID,
		Provider:    payment.ProviderWallet,
		Kind:        kind,
		ExternalRef: p.ChargeID,
		RawPayload:  payload,
		ReceivedAt:  time.Now().UTC(),
	}
	if p.AmountMinor > 0 {
		amt := money.New(p.AmountMinor, money.Currency(p.Currency))
		event.Amount = &amt
	}
	return event, nil
}

func (a *Adapter) verifySignature(payload []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(a.config.WebhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (a *Adapter) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.config.BaseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if httpResp.StatusCode >= 400 {
		return fmt.Errorf("wallet api error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}

func mapResult(resp *chargeResponse) *payment.PaymentResult {
	switch resp.Status {
	case "COMPLETED":
		return &payment.PaymentResult{
			Success:     true,
			ExternalRef: resp.ChargeID,
			Status:      payment.StatusCompleted,
		}
	case "PENDING":
		return &payment.PaymentResult{
			Success:     true,
			ExternalRef: resp.ChargeID,
			Status:      payment.StatusProcessing,
		}
	default:
		reason := resp.DeclineReason
		if reason == "" {
			reason = "wallet_declined"
		}
		return &payment.PaymentResult{
			Success:     false,
			ExternalRef: resp.ChargeID,
			Status:      payment.StatusFailed,
			Reason:      reason,
		}
	}
}
