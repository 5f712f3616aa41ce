package discount

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

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

// GetCouponByCode loads a coupon by its code, case-insensitively.
func (s *PostgresStore) GetCouponByCode(ctx context.Context, code string) (*Coupon, error) {
	query := `
		SELECT id, code, description, kind, value,
			   min_purchase_minor, max_uses, current_uses, per_user_limit,
			   first_purchase_only, valid_from, valid_until, active,
			   created_at, updated_at
		FROM coupons
		WHERE upper(code) = upper($1)
	`

	var c Coupon
	var description *string
	var validUntil *time.Time
	err := s.db.QueryRow(ctx, query, code).Scan(
		&c.ID, &c.Code, &description, &c.Kind, &c.Value,
		&c.MinPurchaseMinor, &c.MaxUses, &c.CurrentUses, &c.PerUserLimit,
		&c.FirstPurchaseOnly, &c.ValidFrom, &validUntil, &c.Active,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	if description != nil {
		c.Description = *description
	}
	if validUntil != nil {
		c.ValidUntil = *validUntil
	}
	return &c, nil
}

// CountUserUsage counts how often a user has redeemed a coupon.
func (s *PostgresStore) CountUserUsage(ctx context.Context, couponID, userID string) (int, error) {
	var count int
	err := s.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2`,
		couponID, userID,
	).Scan(&count)
	return count, err
}

// CreateCoupon inserts a coupon. Used by operator tooling and seeds.
func (s *PostgresStore) CreateCoupon(ctx context.Context, c *Coupon) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO coupons (
			id, code, description, kind, value,
			min_purchase_minor, max_uses, current_uses, per_user_limit,
			first_purchase_only, valid_from, valid_until, active,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`, c.ID, c.Code, c.Description, c.Kind, c.Value,
		c.MinPurchaseMinor, c.MaxUses, c.CurrentUses, c.PerUserLimit,
		c.FirstPurchaseOnly, c.ValidFrom, nullTime(c.ValidUntil), c.Active,
		c.CreatedAt, c.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	return err
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
