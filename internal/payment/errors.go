package payment

import "errors"

// Typed failures surfaced by the orchestration layer. Callers branch on
// these with errors.Is; everything else is an internal error.
var (
	// ErrProviderNotConfigured is returned by the registry for unknown
	// or disabled providers.
	ErrProviderNotConfigured = errors.New("provider not configured")

	// ErrProviderTimeout reports an adapter call that exceeded the
	// manager's deadline. Surfaced as a failed result, not an error,
	// on the charge path.
	ErrProviderTimeout = errors.New("provider timeout")

	// ErrSignatureInvalid reports a webhook whose signature failed
	// verification. The delivery must be rejected.
	ErrSignatureInvalid = errors.New("webhook signature invalid")

	// ErrUnrecognizedEventKind reports a webhook event type with no
	// canonical mapping. The delivery is acknowledged and ignored.
	ErrUnrecognizedEventKind = errors.New("unrecognized webhook event kind")

	// ErrUnknownPaymentReference reports a webhook referencing a charge
	// that has no local intent. The event is queued for manual review.
	ErrUnknownPaymentReference = errors.New("unknown payment reference")

	// Coupon validation failures.
	ErrCouponInvalid            = errors.New("coupon invalid")
	ErrCouponExpired            = errors.New("coupon expired")
	ErrCouponUsageLimitExceeded = errors.New("coupon usage limit exceeded")

	// Refund guards.
	ErrNotRefundable       = errors.New("payment not refundable")
	ErrRefundExceedsCharge = errors.New("refund exceeds remaining charge")

	// ErrUnsupportedOperation reports an operation the provider cannot
	// perform (e.g. bank transfer refunds).
	ErrUnsupportedOperation = errors.New("operation not supported by provider")

	// ErrReconciliationRequired reports that money moved externally but
	// the local records could not be written. The payment is parked in
	// the reconciliation queue for an operator; it is never retried
	// automatically.
	ErrReconciliationRequired = errors.New("reconciliation required")

	// ErrRewardAlreadyGranted reports a referral reward that was
	// already granted for this referrer/referred pair.
	ErrRewardAlreadyGranted = errors.New("referral reward already granted")
)
