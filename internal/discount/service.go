// Package discount validates coupons and computes charge discounts.
package discount

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"billingcore/internal/common/database"
	"billingcore/internal/common/money"
	"billingcore/internal/payment"
)

// Coupon is a redeemable discount code.
type Coupon struct {
	ID                string               `json:"id"`
	Code              string               `json:"code"`
	Description       string               `json:"description,omitempty"`
	Kind              payment.DiscountKind `json:"kind"`
	// Value is a percentage (0-100) for percentage coupons, minor
	// units for fixed coupons.
	Value             int64     `json:"value"`
	MinPurchaseMinor  int64     `json:"min_purchase_minor"`
	MaxUses           int       `json:"max_uses"`
	CurrentUses       int       `json:"current_uses"`
	PerUserLimit      int       `json:"per_user_limit"`
	FirstPurchaseOnly bool      `json:"first_purchase_only"`
	ValidFrom         time.Time `json:"valid_from"`
	// ValidUntil zero means no expiry.
	ValidUntil        time.Time `json:"valid_until,omitempty"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Store loads coupons and usage counts.
type Store interface {
	GetCouponByCode(ctx context.Context, code string) (*Coupon, error)
	CountUserUsage(ctx context.Context, couponID, userID string) (int, error)
}

// PaymentLookup answers first-purchase checks.
type PaymentLookup interface {
	HasCompletedPayment(ctx context.Context, userID string) (bool, error)
}

// Service validates coupons for the charge orchestrator.
type Service struct {
	store    Store
	payments PaymentLookup
	logger   *slog.Logger
}

// NewService creates a discount service.
func NewService(store Store, payments PaymentLookup, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		payments: payments,
		logger:   logger,
	}
}

var _ payment.DiscountValidator = (*Service)(nil)

// ValidateCoupon checks every redemption rule and returns the computed
// discount. All failures are typed so callers can report precise
// reasons. The global usage cap is re-checked atomically when the
// usage is recorded; this check only rejects early.
func (s *Service) ValidateCoupon(ctx context.Context, code, userID string, amount money.Money) (*payment.DiscountApplication, error) {
	coupon, err := s.store.GetCouponByCode(ctx, code)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: code %q", payment.ErrCouponInvalid, code)
		}
		return nil, fmt.Errorf("loading coupon: %w", err)
	}

	if !coupon.Active {
		return nil, fmt.Errorf("%w: code %q is inactive", payment.ErrCouponInvalid, code)
	}

	now := time.Now().UTC()
	if now.Before(coupon.ValidFrom) {
		return nil, fmt.Errorf("%w: code %q is not active yet", payment.ErrCouponInvalid, code)
	}
	if !coupon.ValidUntil.IsZero() && now.After(coupon.ValidUntil) {
		return nil, fmt.Errorf("%w: code %q", payment.ErrCouponExpired, code)
	}

	if coupon.MaxUses > 0 && coupon.CurrentUses >= coupon.MaxUses {
		return nil, fmt.Errorf("%w: code %q exhausted", payment.ErrCouponUsageLimitExceeded, code)
	}

	perUserLimit := coupon.PerUserLimit
	if perUserLimit <= 0 {
		perUserLimit = 1
	}
	used, err := s.store.CountUserUsage(ctx, coupon.ID, userID)
	if err != nil {
		return nil, fmt.Errorf("counting coupon usage: %w", err)
	}
	if used >= perUserLimit {
		return nil, fmt.Errorf("%w: code %q already used by user", payment.ErrCouponUsageLimitExceeded, code)
	}

	if coupon.MinPurchaseMinor > 0 && amount.AmountMinor < coupon.MinPurchaseMinor {
		return nil, fmt.Errorf("%w: code %q requires a minimum purchase of %d", payment.ErrCouponInvalid, code, coupon.MinPurchaseMinor)
	}

	if coupon.FirstPurchaseOnly {
		has, err := s.payments.HasCompletedPayment(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("checking purchase history: %w", err)
		}
		if has {
			return nil, fmt.Errorf("%w: code %q is first-purchase only", payment.ErrCouponInvalid, code)
		}
	}

	discounted := Apply(coupon.Kind, coupon.Value, amount)

	s.logger.Debug("coupon validated",
		"code", coupon.Code,
		"kind", coupon.Kind,
		"original_minor", amount.AmountMinor,
		"discount_minor", discounted.AmountMinor,
	)

	return &payment.DiscountApplication{
		CouponID:      coupon.ID,
		Code:          coupon.Code,
		Kind:          coupon.Kind,
		UserID:        userID,
		OriginalMinor: amount.AmountMinor,
		DiscountMinor: discounted.AmountMinor,
		FinalMinor:    amount.AmountMinor - discounted.AmountMinor,
		PerUserLimit:  perUserLimit,
	}, nil
}

// Apply computes the discount amount for a coupon against a charge.
// The result never exceeds the charge, so the final amount never goes
// negative.
func Apply(kind payment.DiscountKind, value int64, amount money.Money) money.Money {
	var discount money.Money
	switch kind {
	case payment.DiscountPercentage:
		if value > 100 {
			value = 100
		}
		discount = amount.Percentage(value * 100)
	case payment.DiscountFixed:
		discount = money.New(value, amount.Currency)
	default:
		return money.Zero(amount.Currency)
	}

	if discount.AmountMinor > amount.AmountMinor {
		discount.AmountMinor = amount.AmountMinor
	}
	if discount.AmountMinor < 0 {
		discount.AmountMinor = 0
	}
	return discount
}
