package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"billingcore/internal/common/api"
	"billingcore/internal/common/database"
	"billingcore/internal/common/metrics"
	"billingcore/internal/common/money"
	"billingcore/internal/payment"
)

// Error codes specific to payment operations.
const (
	errCodeCouponInvalid   = "COUPON_INVALID"
	errCodeCouponExpired   = "COUPON_EXPIRED"
	errCodeCouponExhausted = "COUPON_USAGE_LIMIT_EXCEEDED"
	errCodeNotRefundable   = "NOT_REFUNDABLE"
	errCodeRefundExceeds   = "REFUND_EXCEEDS_CHARGE"
	errCodeUnsupported     = "OPERATION_NOT_SUPPORTED"
	errCodeReconciliation  = "RECONCILIATION_REQUIRED"
	errCodeUnknownProvider = "PROVIDER_NOT_CONFIGURED"
)

// Maximum webhook body we are willing to read.
const maxWebhookBody = 1 << 20

// Handler handles payment HTTP requests
type Handler struct {
	service    *payment.Service
	refunds    *payment.RefundCoordinator
	dispatcher *payment.Dispatcher
	metrics    *metrics.Metrics
}

// NewHandler creates a new payment handler
func NewHandler(service *payment.Service, refunds *payment.RefundCoordinator, dispatcher *payment.Dispatcher, m *metrics.Metrics) *Handler {
	return &Handler{
		service:    service,
		refunds:    refunds,
		dispatcher: dispatcher,
		metrics:    m,
	}
}

// Routes returns the payment routes
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/charges", h.CreateCharge)
	r.Post("/{id}/confirm", h.ConfirmCharge)
	r.Post("/{id}/refunds", h.CreateRefund)
	r.Get("/{id}", h.GetPayment)
	r.Get("/", h.ListPayments)
	r.Get("/providers", h.ListProviders)
	r.Post("/webhooks/{provider}", h.Webhook)

	return r
}

// ChargeRequest is the API request for creating a charge
type ChargeRequest struct {
	UserID         string            `json:"user_id" validate:"required"`
	SubscriptionID string            `json:"subscription_id"`
	AmountMinor    int64             `json:"amount_minor" validate:"gte=0"`
	Currency       string            `json:"currency" validate:"required,len=3"`
	Provider       string            `json:"provider" validate:"required"`
	Description    string            `json:"description,omitempty"`
	CustomerEmail  string            `json:"customer_email" validate:"omitempty,email"`
	CouponCode     string            `json:"coupon_code"`
	ReferralCode   string            `json:"referral_code"`
	Metadata       map[string]string `json:"metadata"`
}

// CreateCharge handles POST /charges
func (h *Handler) CreateCharge(w http.ResponseWriter, r *http.Request) {
	var req ChargeRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	outcome, err := h.service.Charge(r.Context(), payment.ChargeCommand{
		UserID:         req.UserID,
		SubscriptionID: req.SubscriptionID,
		Amount:         money.New(req.AmountMinor, money.Currency(req.Currency)),
		Provider:       payment.ProviderName(req.Provider),
		Description:    req.Description,
		CustomerEmail:  req.CustomerEmail,
		CouponCode:     req.CouponCode,
		ReferralCode:   req.ReferralCode,
		Metadata:       req.Metadata,
	})
	if err != nil {
		h.metrics.ChargesTotal.WithLabelValues(req.Provider, "error").Inc()
		h.writeChargeError(w, err)
		return
	}

	h.metrics.ChargesTotal.WithLabelValues(req.Provider, string(outcome.Status)).Inc()
	api.WriteData(w, http.StatusCreated, outcome)
}

// ConfirmCharge handles POST /{id}/confirm
func (h *Handler) ConfirmCharge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "payment ID required")
		return
	}

	outcome, err := h.service.Confirm(r.Context(), id)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payment not found")
			return
		}
		if errors.Is(err, payment.ErrReconciliationRequired) {
			api.WriteError(w, http.StatusInternalServerError, errCodeReconciliation,
				"payment charged but not recorded; queued for reconciliation")
			return
		}
		api.Conflict(w, err.Error())
		return
	}

	api.WriteData(w, http.StatusOK, outcome)
}

// RefundRequest is the API request for refunding a payment. A missing
// amount refunds everything still refundable.
type RefundRequest struct {
	AmountMinor *int64 `json:"amount_minor,omitempty" validate:"omitempty,gt=0"`
	Currency    string `json:"currency,omitempty" validate:"omitempty,len=3"`
}

// CreateRefund handles POST /{id}/refunds
func (h *Handler) CreateRefund(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "payment ID required")
		return
	}

	var req RefundRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	var amount *money.Money
	if req.AmountMinor != nil {
		if req.Currency == "" {
			api.BadRequest(w, "currency required with amount_minor")
			return
		}
		amt := money.New(*req.AmountMinor, money.Currency(req.Currency))
		amount = &amt
	}

	outcome, err := h.refunds.Refund(r.Context(), id, amount)
	if err != nil {
		h.metrics.RefundsTotal.WithLabelValues("", "error").Inc()
		h.writeRefundError(w, err)
		return
	}

	h.metrics.RefundsTotal.WithLabelValues(string(outcome.Provider), string(outcome.Status)).Inc()
	api.WriteData(w, http.StatusOK, outcome)
}

// GetPayment handles GET /{id}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		api.BadRequest(w, "payment ID required")
		return
	}

	intent, err := h.service.GetPayment(r.Context(), id)
	if err != nil {
		if database.IsNotFound(err) {
			api.NotFound(w, "payment not found")
			return
		}
		api.InternalError(w, "failed to get payment")
		return
	}

	api.WriteData(w, http.StatusOK, intent)
}

// ListPayments handles GET /?user_id=
func (h *Handler) ListPayments(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		api.BadRequest(w, "user_id query parameter required")
		return
	}

	params := api.GetPaginationParams(r, 50, 200)
	intents, total, err := h.service.ListPayments(r.Context(), userID, params.Limit, params.Offset)
	if err != nil {
		api.InternalError(w, "failed to list payments")
		return
	}

	api.WritePaginated(w, intents, &api.Pagination{
		Limit:   params.Limit,
		Offset:  params.Offset,
		Total:   total,
		HasMore: int64(params.Offset+len(intents)) < total,
	})
}

// ListProviders handles GET /providers
func (h *Handler) ListProviders(w http.ResponseWriter, r *http.Request) {
	api.WriteData(w, http.StatusOK, h.service.ListProviders())
}

// Webhook handles POST /webhooks/{provider}. Deliveries are always
// acknowledged with 2xx except for signature failures (401) and
// malformed bodies (400), so providers only retry what re-processing
// can fix.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	provider := payment.ProviderName(chi.URLParam(r, "provider"))

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil || len(payload) == 0 {
		api.BadRequest(w, "empty or unreadable body")
		return
	}

	result, err := h.dispatcher.HandleWebhook(r.Context(), provider, payload, signatureFrom(provider, r))
	if err != nil {
		switch {
		case errors.Is(err, payment.ErrSignatureInvalid):
			h.metrics.WebhookEventsTotal.WithLabelValues(string(provider), "", "rejected").Inc()
			api.Unauthorized(w, "webhook signature verification failed")
		case errors.Is(err, payment.ErrProviderNotConfigured):
			api.NotFound(w, "unknown provider")
		default:
			// Transient local failure; a retry may succeed.
			h.metrics.WebhookEventsTotal.WithLabelValues(string(provider), "", "error").Inc()
			api.InternalError(w, "webhook processing failed")
		}
		return
	}

	h.metrics.WebhookEventsTotal.WithLabelValues(string(provider), string(result.Kind), result.Outcome).Inc()
	api.WriteData(w, http.StatusOK, result)
}

// signatureFrom extracts the provider's authenticity credential from
// the request.
func signatureFrom(provider payment.ProviderName, r *http.Request) string {
	switch provider {
	case payment.ProviderCard:
		return r.Header.Get("Stripe-Signature")
	case payment.ProviderGooglePlay:
		// Pub/sub push endpoints authenticate with a token query
		// parameter.
		return r.URL.Query().Get("token")
	case payment.ProviderAppleIAP:
		// Apple carries the shared secret inside the payload.
		return ""
	default:
		return r.Header.Get("X-Signature")
	}
}

func (h *Handler) writeChargeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, payment.ErrCouponInvalid):
		api.Unprocessable(w, errCodeCouponInvalid, err.Error())
	case errors.Is(err, payment.ErrCouponExpired):
		api.Unprocessable(w, errCodeCouponExpired, err.Error())
	case errors.Is(err, payment.ErrCouponUsageLimitExceeded):
		api.Unprocessable(w, errCodeCouponExhausted, err.Error())
	case errors.Is(err, payment.ErrProviderNotConfigured):
		api.Unprocessable(w, errCodeUnknownProvider, err.Error())
	case errors.Is(err, payment.ErrReconciliationRequired):
		h.metrics.ReconciliationsTotal.Inc()
		api.WriteError(w, http.StatusInternalServerError, errCodeReconciliation,
			"payment charged but not recorded; queued for reconciliation")
	case database.IsUniqueViolation(err) || errors.Is(err, database.ErrAlreadyExists):
		api.Conflict(w, "duplicate payment")
	default:
		api.BadRequest(w, err.Error())
	}
}

func (h *Handler) writeRefundError(w http.ResponseWriter, err error) {
	switch {
	case database.IsNotFound(err):
		api.NotFound(w, "payment not found")
	case errors.Is(err, payment.ErrNotRefundable):
		api.WriteError(w, http.StatusConflict, errCodeNotRefundable, err.Error())
	case errors.Is(err, payment.ErrRefundExceedsCharge):
		api.Unprocessable(w, errCodeRefundExceeds, err.Error())
	case errors.Is(err, payment.ErrUnsupportedOperation):
		api.Unprocessable(w, errCodeUnsupported, err.Error())
	case errors.Is(err, database.ErrConflict):
		api.Conflict(w, "payment was modified concurrently")
	default:
		api.InternalError(w, "refund failed")
	}
}
