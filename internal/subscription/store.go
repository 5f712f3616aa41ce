package subscription

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"

	"billingcore/internal/common/database"
)

// PostgresStore implements Store using PostgreSQL.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new PostgreSQL store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

const subColumns = `
	id, user_id, plan_id, provider, provider_ref, status,
	amount_minor, currency, billing_period, current_period_end,
	auto_renew, suspend_reason, created_at, updated_at`

// Create inserts a subscription.
func (s *PostgresStore) Create(ctx context.Context, sub *Subscription) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO subscriptions (`+subColumns+`
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, sub.ID, sub.UserID, sub.PlanID, sub.Provider, nullStr(sub.ProviderRef), sub.Status,
		sub.Amount.AmountMinor, sub.Amount.Currency, sub.BillingPeriod, sub.CurrentPeriodEnd,
		sub.AutoRenew, nullStr(sub.SuspendReason), sub.CreatedAt, sub.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	return err
}

// GetByID loads a subscription by ID.
func (s *PostgresStore) GetByID(ctx context.Context, id string) (*Subscription, error) {
	query := `SELECT ` + subColumns + ` FROM subscriptions WHERE id = $1`
	return s.scan(s.db.QueryRow(ctx, query, id))
}

// GetByProviderRef loads a subscription by the provider's reference.
func (s *PostgresStore) GetByProviderRef(ctx context.Context, providerRef string) (*Subscription, error) {
	query := `SELECT ` + subColumns + ` FROM subscriptions WHERE provider_ref = $1`
	return s.scan(s.db.QueryRow(ctx, query, providerRef))
}

// Save persists the mutable fields, conditional on updated_at still
// matching the copy the caller read.
func (s *PostgresStore) Save(ctx context.Context, sub *Subscription, prevUpdatedAt time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE subscriptions SET
			status = $3, provider_ref = $4, current_period_end = $5,
			auto_renew = $6, suspend_reason = $7, updated_at = $8
		WHERE id = $1 AND updated_at = $2
	`, sub.ID, prevUpdatedAt,
		sub.Status, nullStr(sub.ProviderRef), sub.CurrentPeriodEnd,
		sub.AutoRenew, nullStr(sub.SuspendReason), sub.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("subscription %s was modified concurrently: %w", sub.ID, database.ErrConflict)
	}
	return nil
}

// ListDueForRenewal returns auto-renewing subscriptions whose period
// ends before the cutoff, oldest first.
func (s *PostgresStore) ListDueForRenewal(ctx context.Context, before time.Time, limit int) ([]*Subscription, error) {
	query := `
		SELECT ` + subColumns + `
		FROM subscriptions
		WHERE auto_renew AND status IN ('active', 'suspended') AND current_period_end < $1
		ORDER BY current_period_end ASC
		LIMIT $2
	`
	rows, err := s.db.Query(ctx, query, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		sub, err := scanFrom(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

// RecordRenewal appends a renewal record.
func (s *PostgresStore) RecordRenewal(ctx context.Context, subscriptionID, intentID string, periodEnd time.Time) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO subscription_renewals (id, subscription_id, intent_id, period_end, renewed_at)
		VALUES ($1, $2, $3, $4, now())
	`, ulid.Make().String(), subscriptionID, nullStr(intentID), periodEnd)
	return err
}

func (s *PostgresStore) scan(row pgx.Row) (*Subscription, error) {
	sub, err := scanFrom(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	return sub, nil
}

func scanFrom(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	var providerRef, suspendReason *string

	err := row.Scan(
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.Provider, &providerRef, &sub.Status,
		&sub.Amount.AmountMinor, &sub.Amount.Currency, &sub.BillingPeriod, &sub.CurrentPeriodEnd,
		&sub.AutoRenew, &suspendReason, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if providerRef != nil {
		sub.ProviderRef = *providerRef
	}
	if suspendReason != nil {
		sub.SuspendReason = *suspendReason
	}
	return &sub, nil
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
