// Package googleplay provides the Google Play billing adapter. A
// charge validates the client-supplied purchase token against the
// Play Developer API; webhooks arrive as real-time developer
// notifications pushed over HTTP.
package googleplay

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"billingcore/internal/common/money"
	"billingcore/internal/payment"
)

// Config holds Google Play adapter configuration.
type Config struct {
	Enabled           bool          `envconfig:"GOOGLE_PLAY_ENABLED" default:"false"`
	BaseURL           string        `envconfig:"GOOGLE_PLAY_BASE_URL" default:"https://androidpublisher.googleapis.com/androidpublisher/v3"`
	PackageName       string        `envconfig:"GOOGLE_PLAY_PACKAGE_NAME"`
	AccessToken       string        `envconfig:"GOOGLE_PLAY_ACCESS_TOKEN"`
	VerificationToken string        `envconfig:"GOOGLE_PLAY_VERIFICATION_TOKEN"`
	Timeout           time.Duration `envconfig:"GOOGLE_PLAY_TIMEOUT" default:"30s"`
}

// Adapter implements payment.Provider for Google Play purchases.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAdapter creates a Google Play adapter.
func NewAdapter(cfg Config, logger *slog.Logger) (*Adapter, error) {
	if cfg.PackageName == "" {
		return nil, fmt.Errorf("google play adapter: package name is required")
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
	return payment.ProviderGooglePlay
}

// Purchase states from the Play Developer API.
const (
	purchaseStatePurchased = 0
	purchaseStatePending   = 2
)

type productPurchase struct {
	OrderID              string `json:"orderId"`
	PurchaseState        int    `json:"purchaseState"`
	AcknowledgementState int    `json:"acknowledgementState"`
}

// Charge validates the purchase token passed in metadata. The money
// already moved on Google's side; validation either accepts the
// purchase or rejects the token. The purchase token is the external
// reference, matching the references carried by developer
// notifications; the Play order id is kept in the provider data for
// refunds.
func (a *Adapter) Charge(ctx context.Context, req payment.ChargeRequest) (*payment.PaymentResult, error) {
	productID := req.Metadata["product_id"]
	token := req.Metadata["purchase_token"]
	if productID == "" || token == "" {
		return &payment.PaymentResult{
			Success: false,
			Status:  payment.StatusFailed,
			Reason:  "missing_purchase_token",
		}, nil
	}

	path := fmt.Sprintf("/applications/%s/purchases/products/%s/tokens/%s",
		url.PathEscape(a.config.PackageName), url.PathEscape(productID), url.PathEscape(token))

	var purchase productPurchase
	if err := a.do(ctx, http.MethodGet, path, &purchase); err != nil {
		return nil, err
	}

	switch purchase.PurchaseState {
	case purchaseStatePurchased:
	case purchaseStatePending:
		return &payment.PaymentResult{
			Success:     true,
			ExternalRef: token,
			Status:      payment.StatusProcessing,
			ProviderData: map[string]string{
				"product_id": productID,
			},
		}, nil
	default:
		return &payment.PaymentResult{
			Success: false,
			Status:  payment.StatusFailed,
			Reason:  fmt.Sprintf("purchase_state_%d", purchase.PurchaseState),
		}, nil
	}

	a.logger.Info("google play purchase verified",
		"order_id", purchase.OrderID,
		"product_id", productID,
	)

	return &payment.PaymentResult{
		Success:     true,
		ExternalRef: token,
		Status:      payment.StatusCompleted,
		ProviderData: map[string]string{
			"product_id": productID,
			"refund_ref": purchase.OrderID,
		},
	}, nil
}

// Confirm acknowledges a purchase so Google does not auto-refund it.
// The acknowledge call is keyed by purchase token, which the caller
// passes as the external reference in "productID:token" form.
func (a *Adapter) Confirm(ctx context.Context, externalRef string) (*payment.PaymentResult, error) {
	productID, token, ok := strings.Cut(externalRef, ":")
	if !ok {
		return &payment.PaymentResult{
			Success:     true,
			ExternalRef: externalRef,
			Status:      payment.StatusCompleted,
		}, nil
	}

	path := fmt.Sprintf("/applications/%s/purchases/products/%s/tokens/%s:acknowledge",
		url.PathEscape(a.config.PackageName), url.PathEscape(productID), url.PathEscape(token))
	if err := a.do(ctx, http.MethodPost, path, nil); err != nil {
		return nil, err
	}
	return &payment.PaymentResult{
		Success:     true,
		ExternalRef: externalRef,
		Status:      payment.StatusCompleted,
	}, nil
}

// Refund refunds an order. The reference is the Play order id recorded
// at charge time. Google Play only supports full refunds of an order
// through this API; the amount is accepted for interface symmetry but
// not sent.
func (a *Adapter) Refund(ctx context.Context, externalRef string, amount money.Money) (*payment.PaymentResult, error) {
	path := fmt.Sprintf("/applications/%s/orders/%s:refund",
		url.PathEscape(a.config.PackageName), url.PathEscape(externalRef))
	if err := a.do(ctx, http.MethodPost, path, nil); err != nil {
		return nil, err
	}

	a.logger.Info("google play order refunded", "order_id", externalRef)
	return &payment.PaymentResult{
		Success:     true,
		ExternalRef: externalRef,
		Status:      payment.StatusCompleted,
	}, nil
}

// Real-time developer notification types.
const (
	subRenewed       = 2
	subCanceled      = 3
	subPurchased     = 4
	subOnHold        = 5
	subRevoked       = 12
	oneTimePurchased = 1
	oneTimeCanceled  = 2
)

type pushMessage struct {
	Message struct {
		Data      string `json:"data"`
		MessageID string `json:"messageId"`
	} `json:"message"`
}

type developerNotification struct {
	PackageName              string `json:"packageName"`
	SubscriptionNotification *struct {
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SubscriptionID   string `json:"subscriptionId"`
	} `json:"subscriptionNotification"`
	OneTimeProductNotification *struct {
		NotificationType int    `json:"notificationType"`
		PurchaseToken    string `json:"purchaseToken"`
		SKU              string `json:"sku"`
	} `json:"oneTimeProductNotification"`
}

// ParseWebhook handles real-time developer notifications delivered as
// pub/sub push messages. The signature parameter carries the push
// endpoint's verification token.
func (a *Adapter) ParseWebhook(payload []byte, signature string) (*payment.WebhookEvent, error) {
	if subtle.ConstantTimeCompare([]byte(signature), []byte(a.config.VerificationToken)) != 1 {
		return nil, fmt.Errorf("%w: google play verification token mismatch", payment.ErrSignatureInvalid)
	}

	var msg pushMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("parsing push message: %w", err)
	}
	data, err := base64.StdEncoding.DecodeString(msg.Message.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding push message data: %w", err)
	}

	var n developerNotification
	if err := json.Unmarshal(data, &n); err != nil {
		return nil, fmt.Errorf("parsing developer notification: %w", err)
	}

	event := &payment.WebhookEvent{
		ID:         msg.Message.MessageID,
		Provider:   payment.ProviderGooglePlay,
		RawPayload: payload,
		ReceivedAt: time.Now().UTC(),
	}

	switch {
	case n.SubscriptionNotification != nil:
		sn := n.SubscriptionNotification
		event.SubscriptionRef = sn.PurchaseToken
		event.ExternalRef = sn.PurchaseToken
		switch sn.NotificationType {
		case subRenewed:
			event.Kind = payment.EventInvoicePaid
		case subCanceled:
			event.Kind = payment.EventSubscriptionCancelled
		case subPurchased:
			event.Kind = payment.EventSubscriptionCreated
		case subOnHold:
			event.Kind = payment.EventInvoiceFailed
		case subRevoked:
			event.Kind = payment.EventRefundCompleted
		default:
			return nil, fmt.Errorf("%w: subscription notification %d",
				payment.ErrUnrecognizedEventKind, sn.NotificationType)
		}
	case n.OneTimeProductNotification != nil:
		on := n.OneTimeProductNotification
		event.ExternalRef = on.PurchaseToken
		switch on.NotificationType {
		case oneTimePurchased:
			event.Kind = payment.EventChargeSucceeded
		case oneTimeCanceled:
			event.Kind = payment.EventChargeFailed
		default:
			return nil, fmt.Errorf("%w: one-time notification %d",
				payment.ErrUnrecognizedEventKind, on.NotificationType)
		}
	default:
		return nil, fmt.Errorf("%w: empty developer notification", payment.ErrUnrecognizedEventKind)
	}

	return event, nil
}

func (a *Adapter) do(ctx context.Context, method, path string, out interface{}) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.config.AccessToken)

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
		return fmt.Errorf("play api error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
