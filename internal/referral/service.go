// Package referral manages referral codes and first-payment rewards.
package referral

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"billingcore/internal/common/database"
	"billingcore/internal/payment"
)

// Typed referral failures. The orchestrator treats all of them as
// non-fatal: a bad referral code never blocks a payment.
var (
	ErrCodeInvalid     = fmt.Errorf("referral code invalid")
	ErrSelfReferral    = fmt.Errorf("cannot refer yourself")
	ErrNotFirstPayment = fmt.Errorf("referral rewards apply to the first payment only")
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 8
	codeAttempts = 10
)

// ReferralCode is a user's shareable code.
type ReferralCode struct {
	ID          string             `json:"id"`
	UserID      string             `json:"user_id"`
	Code        string             `json:"code"`
	RewardKind  payment.RewardKind `json:"reward_kind"`
	RewardMinor int64              `json:"reward_minor,omitempty"`
	MaxUses     int                `json:"max_uses"`
	CurrentUses int                `json:"current_uses"`
	Active      bool               `json:"active"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Store persists referral codes and rewards.
type Store interface {
	GetCodeByCode(ctx context.Context, code string) (*ReferralCode, error)
	GetCodeByUser(ctx context.Context, userID string) (*ReferralCode, error)
	CreateCode(ctx context.Context, code *ReferralCode) error
	HasReward(ctx context.Context, referrerUserID, referredUserID string) (bool, error)
}

// PaymentLookup answers first-payment checks.
type PaymentLookup interface {
	HasCompletedPayment(ctx context.Context, userID string) (bool, error)
}

// Service implements the referral program.
type Service struct {
	store    Store
	payments PaymentLookup
	logger   *slog.Logger
}

// NewService creates a referral service.
func NewService(store Store, payments PaymentLookup, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		payments: payments,
		logger:   logger,
	}
}

var _ payment.ReferralProgram = (*Service)(nil)

// GenerateCode returns the user's existing code or mints a new unique
// one. Collisions are retried with fresh random codes.
func (s *Service) GenerateCode(ctx context.Context, userID string, kind payment.RewardKind, rewardMinor int64) (*ReferralCode, error) {
	if existing, err := s.store.GetCodeByUser(ctx, userID); err == nil {
		return existing, nil
	} else if !database.IsNotFound(err) {
		return nil, err
	}

	for attempt := 0; attempt < codeAttempts; attempt++ {
		code, err := randomCode()
		if err != nil {
			return nil, err
		}
		rc := &ReferralCode{
			ID:          ulid.Make().String(),
			UserID:      userID,
			Code:        code,
			RewardKind:  kind,
			RewardMinor: rewardMinor,
			Active:      true,
			CreatedAt:   time.Now().UTC(),
		}
		err = s.store.CreateCode(ctx, rc)
		if err == nil {
			return rc, nil
		}
		if !database.IsUniqueViolation(err) && err != database.ErrAlreadyExists {
			return nil, err
		}
	}
	return nil, fmt.Errorf("could not generate a unique referral code after %d attempts", codeAttempts)
}

// FirstPaymentReward resolves a referral code into a pending reward
// for the payer's first successful payment. The reward is persisted
// (and deduplicated) by the payment store alongside the intent.
func (s *Service) FirstPaymentReward(ctx context.Context, code, payerUserID string) (*payment.ReferralReward, error) {
	rc, err := s.store.GetCodeByCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		if database.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %q", ErrCodeInvalid, code)
		}
		return nil, err
	}

	if !rc.Active {
		return nil, fmt.Errorf("%w: %q is inactive", ErrCodeInvalid, code)
	}
	if rc.MaxUses > 0 && rc.CurrentUses >= rc.MaxUses {
		return nil, fmt.Errorf("%w: %q exhausted", ErrCodeInvalid, code)
	}
	if rc.UserID == payerUserID {
		return nil, ErrSelfReferral
	}

	hasPaid, err := s.payments.HasCompletedPayment(ctx, payerUserID)
	if err != nil {
		return nil, err
	}
	if hasPaid {
		return nil, ErrNotFirstPayment
	}

	rewarded, err := s.store.HasReward(ctx, rc.UserID, payerUserID)
	if err != nil {
		return nil, err
	}
	if rewarded {
		return nil, payment.ErrRewardAlreadyGranted
	}

	return &payment.ReferralReward{
		ID:             ulid.Make().String(),
		ReferralCodeID: rc.ID,
		ReferrerUserID: rc.UserID,
		ReferredUserID: payerUserID,
		Kind:           rc.RewardKind,
		AmountMinor:    rc.RewardMinor,
		GrantedAt:      time.Now().UTC(),
	}, nil
}

func randomCode() (string, error) {
	var b strings.Builder
	for i := 0; i < codeLength; i++ {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(codeAlphabet))))
		if err != nil {
			return "", fmt.Errorf("generating referral code: %w", err)
		}
		b.WriteByte(codeAlphabet[n.Int64()])
	}
	return b.String(), nil
}
