package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/sportify/backend/internal/models"
)

// Sentinel errors returned by Store methods. Callers match them with errors.Is.
var (
	ErrUserNotFound          = errors.New("user not found")
	ErrCoachNotFound         = errors.New("coach not found")
	ErrAdminNotFound         = errors.New("admin not found")
	ErrNoCurrentSubscription = errors.New("user has no current subscription")
)

const uniqueViolation = "23505"

// Store provides database-backed accessors for accounts and subscriptions.
type Store struct {
	db *sql.DB
}

// New creates a Store using the provided sql.DB connection.
func New(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &Store{db: db}, nil
}

// UserByID loads a subscriber account.
func (s *Store) UserByID(ctx context.Context, id string) (*models.User, error) {
	var (
		u     models.User
		subID sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, subscription_id, created_at FROM users WHERE id = $1`,
		id,
	).Scan(&u.ID, &u.Email, &u.Name, &subID, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("store: get user: %w", err)
	}
	u.SubscriptionID = nullStringPtr(subID)
	return &u, nil
}

// CoachByID loads a coach account.
func (s *Store) CoachByID(ctx context.Context, id string) (*models.Coach, error) {
	var c models.Coach
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, nickname, is_verified, created_at FROM coaches WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Email, &c.Nickname, &c.IsVerified, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCoachNotFound
		}
		return nil, fmt.Errorf("store: get coach: %w", err)
	}
	return &c, nil
}

// AdminByID loads a back-office account.
func (s *Store) AdminByID(ctx context.Context, id string) (*models.Admin, error) {
	var a models.Admin
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at FROM admins WHERE id = $1`,
		id,
	).Scan(&a.ID, &a.Email, &a.Name, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAdminNotFound
		}
		return nil, fmt.Errorf("store: get admin: %w", err)
	}
	return &a, nil
}

// ClearCurrentSubscription detaches the user's current-subscription pointer.
// Access granted by the subscription itself is untouched.
func (s *Store) ClearCurrentSubscription(ctx context.Context, userID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET subscription_id = NULL, updated_at = now()
		 WHERE id = $1 AND subscription_id IS NOT NULL`,
		userID,
	)
	if err != nil {
		return fmt.Errorf("store: clear current subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: clear current subscription rows: %w", err)
	}
	if affected == 0 {
		return ErrNoCurrentSubscription
	}
	return nil
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	v := value.String
	return &v
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	v := value.Time
	return &v
}

// translate maps Postgres unique violations on subscription guards to
// sentinel errors. Other errors are returned unchanged.
func translate(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || pqErr.Code != uniqueViolation {
		return err
	}
	switch pqErr.Constraint {
	case "subscriptions_order_number_key":
		return ErrOrderNumberTaken
	case "subscriptions_one_renewal_per_user":
		return ErrRenewalExists
	case "subscriptions_trade_payment_key":
		return ErrDuplicatePayment
	}
	return err
}
