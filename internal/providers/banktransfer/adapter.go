// Package banktransfer provides the manual bank transfer adapter.
// Charges hand out payment instructions and settle when the back
// office confirms receipt; refunds are not supported programmatically.
package banktransfer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"billingcore/internal/common/money"
	"billingcore/internal/payment"
)

// Config holds bank transfer adapter configuration.
type Config struct {
	Enabled       bool   `envconfig:"BANK_TRANSFER_ENABLED" default:"true"`
	AccountName   string `envconfig:"BANK_TRANSFER_ACCOUNT_NAME"`
	IBAN          string `envconfig:"BANK_TRANSFER_IBAN"`
	SortCode      string `envconfig:"BANK_TRANSFER_SORT_CODE"`
	AccountNumber string `envconfig:"BANK_TRANSFER_ACCOUNT_NUMBER"`
	WebhookSecret string `envconfig:"BANK_TRANSFER_WEBHOOK_SECRET"`
}

// Adapter implements payment.Provider for manual bank transfers.
type Adapter struct {
	config Config
	logger *slog.Logger
}

// NewAdapter creates a bank transfer adapter.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{config: cfg, logger: logger}
}

var _ payment.Provider = (*Adapter)(nil)

// Name implements payment.Provider.
func (a *Adapter) Name() payment.ProviderName {
	return payment.ProviderBankTransfer
}

// Charge issues a unique transfer reference and the account details
// the customer pays into. The charge stays in processing until the
// back office confirms the credit.
func (a *Adapter) Charge(ctx context.Context, req payment.ChargeRequest) (*payment.PaymentResult, error) {
	reference := "BT-" + ulid.Make().String()

	a.logger.Info("bank transfer instructions issued",
		"reference", reference,
		"amount_minor", req.Amount.AmountMinor,
	)

	return &payment.PaymentResult{
		Success:     true,
		ExternalRef: reference,
		Status:      payment.StatusProcessing,
		ProviderData: map[string]string{
			"account_name":   a.config.AccountName,
			"iban":           a.config.IBAN,
			"sort_code":      a.config.SortCode,
			"account_number": a.config.AccountNumber,
			"reference":      reference,
		},
	}, nil
}

// Confirm is a no-op; bank transfers settle via back-office
// notification.
func (a *Adapter) Confirm(ctx context.Context, externalRef string) (*payment.PaymentResult, error) {
	return &payment.PaymentResult{
		Success:     true,
		ExternalRef: externalRef,
		Status:      payment.StatusProcessing,
	}, nil
}

// Refund is not supported; returning money requires a manual outbound
// transfer by an operator.
func (a *Adapter) Refund(ctx context.Context, externalRef string, amount money.Money) (*payment.PaymentResult, error) {
	return nil, fmt.Errorf("bank transfer refunds are manual: %w", payment.ErrUnsupportedOperation)
}

type notification struct {
	EventID     string `json:"event_id"`
	Reference   string `json:"reference"`
	Status      string `json:"status"` // RECEIVED, REJECTED
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	Reason      string `json:"reason,omitempty"`
}

// ParseWebhook handles back-office settlement notifications signed
// with HMAC-SHA256.
func (a *Adapter) ParseWebhook(payload []byte, signature string) (*payment.WebhookEvent, error) {
	mac := hmac.New(sha256.New, []byte(a.config.WebhookSecret))
	mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return nil, fmt.Errorf("%w: bank transfer signature mismatch", payment.ErrSignatureInvalid)
	}

	var n notification
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("parsing bank transfer notification: %w", err)
	}

	var kind payment.EventKind
	switch n.Status {
	case "RECEIVED":
		kind = payment.EventChargeSucceeded
	case "REJECTED":
		kind = payment.EventChargeFailed
	default:
		return nil, fmt.Errorf("%w: bank transfer status %s", payment.ErrUnrecognizedEventKind, n.Status)
	}

	event := &payment.WebhookEvent{
		ID:          n.EventID,
		Provider:    payment.ProviderBankTransfer,
		Kind:        kind,
		ExternalRef: n.Reference,
		RawPayload:  payload,
		ReceivedAt:  time.Now().UTC(),
	}
	if n.AmountMinor > 0 {
		amt := money.New(n.AmountMinor, money.Currency(n.Currency))
		event.Amount = &amt
	}
	return event, nil
}
