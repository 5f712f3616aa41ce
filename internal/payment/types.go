package payment

import (
	"time"
)

// DiscountKind distinguishes coupon discount calculations.
type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
)

// DiscountApplication is a validated coupon applied to a charge.
// PerUserLimit travels with the application so the usage write can
// re-check the cap atomically.
type DiscountApplication struct {
	CouponID      string       `json:"coupon_id"`
	Code          string       `json:"code"`
	Kind          DiscountKind `json:"kind"`
	UserID        string       `json:"user_id"`
	OriginalMinor int64        `json:"original_minor"`
	DiscountMinor int64        `json:"discount_minor"`
	FinalMinor    int64        `json:"final_minor"`
	PerUserLimit  int          `json:"per_user_limit,omitempty"`
}

// RewardKind distinguishes referral reward types.
type RewardKind string

const (
	RewardCredit        RewardKind = "credit"
	RewardDiscount      RewardKind = "discount"
	RewardFreeMonth     RewardKind = "free_month"
	RewardFeatureUnlock RewardKind = "feature_unlock"
)

// ReferralReward is a pending reward for a referrer, granted at most
// once per (referrer, referred) pair.
type ReferralReward struct {
	ID             string     `json:"id"`
	ReferralCodeID string     `json:"referral_code_id"`
	ReferrerUserID string     `json:"referrer_user_id"`
	ReferredUserID string     `json:"referred_user_id"`
	Kind           RewardKind `json:"kind"`
	AmountMinor    int64      `json:"amount_minor,omitempty"`
	GrantedAt      time.Time  `json:"granted_at"`
}

// ReconciliationItem is a payment parked for manual review: either
// money moved externally without local records, or a webhook arrived
// for a charge we do not know.
type ReconciliationItem struct {
	ID          string       `json:"id"`
	IntentID    string       `json:"intent_id,omitempty"`
	Provider    ProviderName `json:"provider"`
	ExternalRef string       `json:"external_ref,omitempty"`
	Reason      string       `json:"reason"`
	Detail      string       `json:"detail,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Reconciliation reasons.
const (
	ReconcileLocalWriteFailed = "local_write_failed"
	ReconcileUnknownReference = "unknown_reference"
	ReconcileStatusDivergence = "status_divergence"
)
