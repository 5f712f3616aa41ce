package referral

import (
	"context"

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

const codeColumns = `
	id, user_id, code, reward_kind, reward_minor,
	max_uses, current_uses, active, created_at`

// GetCodeByCode loads a referral code by its code.
func (s *PostgresStore) GetCodeByCode(ctx context.Context, code string) (*ReferralCode, error) {
	query := `SELECT ` + codeColumns + ` FROM referral_codes WHERE code = $1`
	return s.scanCode(s.db.QueryRow(ctx, query, code))
}

// GetCodeByUser loads the referral code owned by a user.
func (s *PostgresStore) GetCodeByUser(ctx context.Context, userID string) (*ReferralCode, error) {
	query := `SELECT ` + codeColumns + ` FROM referral_codes WHERE user_id = $1`
	return s.scanCode(s.db.QueryRow(ctx, query, userID))
}

// CreateCode inserts a referral code. database.ErrAlreadyExists on a
// code or owner collision.
func (s *PostgresStore) CreateCode(ctx context.Context, rc *ReferralCode) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO referral_codes (
			id, user_id, code, reward_kind, reward_minor,
			max_uses, current_uses, active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, rc.ID, rc.UserID, rc.Code, rc.RewardKind, rc.RewardMinor,
		rc.MaxUses, rc.CurrentUses, rc.Active, rc.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return database.ErrAlreadyExists
	}
	return err
}

// HasReward reports whether a reward already exists for the pair.
func (s *PostgresStore) HasReward(ctx context.Context, referrerUserID, referredUserID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM referral_rewards
			WHERE referrer_user_id = $1 AND referred_user_id = $2
		)
	`, referrerUserID, referredUserID).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) scanCode(row pgx.Row) (*ReferralCode, error) {
	var rc ReferralCode
	err := row.Scan(
		&rc.ID, &rc.UserID, &rc.Code, &rc.RewardKind, &rc.RewardMinor,
		&rc.MaxUses, &rc.CurrentUses, &rc.Active, &rc.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, database.ErrNotFound
		}
		return nil, err
	}
	return &rc, nil
}
