// Package store provides the PostgreSQL persistence for payment
// intents, webhook event logs and the reconciliation queue.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"billingcore/internal/common/database"
	"billingcore/internal/payment"
)

// PostgresStore implements payment.Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ payment.Store = (*PostgresStore)(nil)

const intentColumns = `
	id, user_id, subscription_id,
	amount_minor, original_minor, refunded_minor, currency,
	provider, status, external_ref, description, coupon_code,
	failure_reason, metadata, completed_at, refunded_at,
	created_at, updated_at`

// CreateIntent inserts a new payment intent.
func (s *PostgresStore) CreateIntent(ctx context.Context, intent *payment.PaymentIntent) error {
	return s.insertIntent(ctx, s.db, intent)
}

func (s *PostgresStore) insertIntent(ctx context.Context, q database.Querier, intent *payment.PaymentIntent) error {
	query := `
		INSERT INTO payment_intents (` + intentColumns + `
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11, $12, $13, $14, $15, $16, $17, $18
		)
	`

	metadata, _ := json.Marshal(intent.Metadata)

	_, err := q.Exec(ctx, query,
		intent.ID, intent.UserID, nullStr(intent.SubscriptionID),
		intent.Amount.AmountMinor, intent.OriginalAmount.AmountMinor, intent.RefundedMinor, intent.Amount.Currency,
		intent.Provider, intent.Status, nullStr(intent.ExternalRef), nullStr(intent.Description), nullStr(intent.CouponCode),
		nullStr(intent.FailureReason), metadata, intent.CompletedAt, intent.RefundedAt,
		intent.CreatedAt, intent.UpdatedAt,
	)
	if err != nil && database.IsUniqueViolation(err) {
		return fmt.Errorf("intent %s: %w", intent.ID, database.ErrAlreadyExists)
	}
	return err
}

// GetIntent retrieves a payment intent by ID.
func (s *PostgresStore) GetIntent(ctx context.Context, id string) (*payment.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1`
	return s.scanIntent(s.db.QueryRow(ctx, query, id))
}

// GetIntentByExternalRef retrieves a payment intent by provider
// reference.
func (s *PostgresStore) GetIntentByExternalRef(ctx context.Context, provider payment.ProviderName, externalRef string) (*payment.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE provider = $1 AND external_ref = $2`
	return s.scanIntent(s.db.QueryRow(ctx, query, provider, externalRef))
}

// ListIntentsByUser returns a page of a user's intents, newest first,
// plus the total count.
func (s *PostgresStore) ListIntentsByUser(ctx context.Context, userID string, limit, offset int) ([]*payment.PaymentIntent, int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM payment_intents WHERE user_id = $1`, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT ` + intentColumns + `
		FROM payment_intents
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`
	rows, err := s.db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var intents []*payment.PaymentIntent
	for rows.Next() {
		intent, err := s.scanIntentRow(rows)
		if err != nil {
			return nil, 0, err
		}
		intents = append(intents, intent)
	}
	return intents, total, rows.Err()
}

// LatestIntentForSubscription returns the newest intent for a
// subscription.
func (s *PostgresStore) LatestIntentForSubscription(ctx context.Context, subscriptionID string) (*payment.PaymentIntent, error) {
	query := `
		SELECT ` + intentColumns + `
		FROM payment_intents
		WHERE subscription_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	return s.scanIntent(s.db.QueryRow(ctx, query, subscriptionID))
}

// SaveTransition persists an intent after an in-memory transition. The
// update only lands when the row still holds the prior status, so
// concurrent writers on the same intent serialize; the loser gets
// database.ErrConflict and retries against a fresh read.
func (s *PostgresStore) SaveTransition(ctx context.Context, intent *payment.PaymentIntent, from payment.IntentStatus) error {
	query := `
		UPDATE payment_intents SET
			status = $3, external_ref = $4, failure_reason = $5,
			refunded_minor = $6, completed_at = $7, refunded_at = $8,
			updated_at = $9
		WHERE id = $1 AND status = $2
	`

	intent.UpdatedAt = time.Now().UTC()

	tag, err := s.db.Exec(ctx, query,
		intent.ID, from,
		intent.Status, nullStr(intent.ExternalRef), nullStr(intent.FailureReason),
		intent.RefundedMinor, intent.CompletedAt, intent.RefundedAt,
		intent.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("intent %s no longer %s: %w", intent.ID, from, database.ErrConflict)
	}
	return nil
}

// FinalizeCharge writes the post-charge state atomically: the intent,
// the coupon usage with its guarded counter increment, and the
// referral reward. Reward inserts hit a unique (referrer, referred)
// constraint; a conflict means the pair was already rewarded and the
// reward is silently skipped.
func (s *PostgresStore) FinalizeCharge(ctx context.Context, intent *payment.PaymentIntent, discount *payment.DiscountApplication, reward *payment.ReferralReward) (bool, error) {
	granted := false
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.insertIntent(ctx, tx, intent); err != nil {
			return err
		}

		if discount != nil {
			tag, err := tx.Exec(ctx, `
				UPDATE coupons
				SET current_uses = current_uses + 1, updated_at = now()
				WHERE id = $1 AND active AND (max_uses = 0 OR current_uses < max_uses)
			`, discount.CouponID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("coupon %s: %w", discount.Code, payment.ErrCouponUsageLimitExceeded)
			}

			perUser := discount.PerUserLimit
			if perUser <= 0 {
				perUser = 1
			}
			// The counter update above row-locks the coupon, so
			// concurrent redemptions serialize and the count below
			// is stable.
			tag, err = tx.Exec(ctx, `
				INSERT INTO coupon_usages (coupon_id, user_id, intent_id, discount_minor, used_at)
				SELECT $1, $2, $3, $4, now()
				WHERE (
					SELECT COUNT(*) FROM coupon_usages
					WHERE coupon_id = $1 AND user_id = $2
				) < $5
			`, discount.CouponID, discount.UserID, intent.ID, discount.DiscountMinor, perUser)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("coupon %s: user limit reached: %w", discount.Code, payment.ErrCouponUsageLimitExceeded)
			}
		}

		if reward != nil {
			tag, err := tx.Exec(ctx, `
				INSERT INTO referral_rewards (
					id, referral_code_id, referrer_user_id, referred_user_id,
					kind, amount_minor, intent_id, granted_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (referrer_user_id, referred_user_id) DO NOTHING
			`, reward.ID, reward.ReferralCodeID, reward.ReferrerUserID, reward.ReferredUserID,
				reward.Kind, reward.AmountMinor, intent.ID, reward.GrantedAt)
			if err != nil {
				return err
			}
			granted = tag.RowsAffected() == 1
			if granted {
				if _, err := tx.Exec(ctx, `
					UPDATE referral_codes SET current_uses = current_uses + 1 WHERE id = $1
				`, reward.ReferralCodeID); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return granted, nil
}

// HasCompletedPayment reports whether the user has at least one
// completed or refunded payment. Used by the first-purchase checks.
func (s *PostgresStore) HasCompletedPayment(ctx context.Context, userID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM payment_intents
			WHERE user_id = $1 AND status IN ('completed', 'refunded')
		)
	`, userID).Scan(&exists)
	return exists, err
}

// RecordWebhook appends a webhook event to the audit log.
func (s *PostgresStore) RecordWebhook(ctx context.Context, event *payment.WebhookEvent, outcome string) error {
	var amountMinor *int64
	var currency *string
	if event.Amount != nil {
		amountMinor = &event.Amount.AmountMinor
		c := string(event.Amount.Currency)
		currency = &c
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO webhook_events (
			id, provider, kind, external_ref, subscription_ref,
			amount_minor, currency, payload, outcome, received_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, event.ID, event.Provider, event.Kind, nullStr(event.ExternalRef), nullStr(event.SubscriptionRef),
		amountMinor, currency, []byte(event.RawPayload), outcome, event.ReceivedAt,
	)
	return err
}

// EnqueueReconciliation parks a payment for manual review. Queue rows
// are only ever resolved by operators.
func (s *PostgresStore) EnqueueReconciliation(ctx context.Context, item *payment.ReconciliationItem) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO reconciliation_queue (
			id, intent_id, provider, external_ref, reason, detail, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, item.ID, nullStr(item.IntentID), item.Provider, nullStr(item.ExternalRef),
		item.Reason, nullStr(item.Detail), item.CreatedAt,
	)
	return err
}

func (s *PostgresStore) scanIntent(row pgx.Row) (*payment.PaymentIntent, error) {
	intent, err := scanIntentFrom(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	return intent, nil
}

func (s *PostgresStore) scanIntentRow(rows pgx.Rows) (*payment.PaymentIntent, error) {
	return scanIntentFrom(rows)
}

func scanIntentFrom(row pgx.Row) (*payment.PaymentIntent, error) {
	var i payment.PaymentIntent
	var subscriptionID, externalRef, description, couponCode, failureReason *string
	var metadata []byte

	err := row.Scan(
		&i.ID, &i.UserID, &subscriptionID,
		&i.Amount.AmountMinor, &i.OriginalAmount.AmountMinor, &i.RefundedMinor, &i.Amount.Currency,
		&i.Provider, &i.Status, &externalRef, &description, &couponCode,
		&failureReason, &metadata, &i.CompletedAt, &i.RefundedAt,
		&i.CreatedAt, &i.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	i.OriginalAmount.Currency = i.Amount.Currency
	if subscriptionID != nil {
		i.SubscriptionID = *subscriptionID
	}
	if externalRef != nil {
		i.ExternalRef = *externalRef
	}
	if description != nil {
		i.Description = *description
	}
	if couponCode != nil {
		i.CouponCode = *couponCode
	}
	if failureReason != nil {
		i.FailureReason = *failureReason
	}
	_ = json.Unmarshal(metadata, &i.Metadata)

	return &i, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
