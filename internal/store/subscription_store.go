package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sportify/backend/internal/models"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	// ErrOrderNumberTaken means another writer inserted the same order number first.
	ErrOrderNumberTaken = errors.New("order number already taken")
	// ErrRenewalExists means the user already holds a renewing subscription.
	ErrRenewalExists = errors.New("user already has a renewing subscription")
	// ErrDuplicatePayment means this charge of the agreement was already recorded.
	ErrDuplicatePayment = errors.New("payment already recorded")
	ErrAlreadyPaid      = errors.New("subscription already paid")
	ErrNotCancellable   = errors.New("subscription billing is not active")
)

const subscriptionColumns = `id, user_id, plan_id, order_number, price, is_paid, is_renewal,
	billing_status, merchant_trade_no, payment_method, purchased_at, start_at, end_at,
	created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }, extra ...any) (*models.Subscription, error) {
	var (
		sub           models.Subscription
		tradeNo       sql.NullString
		paymentMethod sql.NullString
		purchasedAt   sql.NullTime
		startAt       sql.NullTime
		endAt         sql.NullTime
	)
	dest := []any{
		&sub.ID, &sub.UserID, &sub.PlanID, &sub.OrderNumber, &sub.Price,
		&sub.IsPaid, &sub.IsRenewal, &sub.BillingStatus, &tradeNo, &paymentMethod,
		&purchasedAt, &startAt, &endAt, &sub.CreatedAt, &sub.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	sub.MerchantTradeNo = nullStringPtr(tradeNo)
	sub.PaymentMethod = nullStringPtr(paymentMethod)
	sub.PurchasedAt = nullTimePtr(purchasedAt)
	sub.StartAt = nullTimePtr(startAt)
	sub.EndAt = nullTimePtr(endAt)
	return &sub, nil
}

func (s *Store) querySubscription(ctx context.Context, op, query string, args ...any) (*models.Subscription, error) {
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, fmt.Errorf("store: %s: %w", op, err)
	}
	return sub, nil
}

// LatestSubscription returns the user's subscription with the latest end_at.
// Undated (unpaid) rows sort last.
func (s *Store) LatestSubscription(ctx context.Context, userID string) (*models.Subscription, error) {
	return s.querySubscription(ctx, "latest subscription",
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE user_id = $1
		 ORDER BY end_at DESC NULLS LAST, created_at DESC
		 LIMIT 1`,
		userID,
	)
}

// SubscriptionByOrderNumber looks a subscription up by its order number.
func (s *Store) SubscriptionByOrderNumber(ctx context.Context, orderNumber string) (*models.Subscription, error) {
	return s.querySubscription(ctx, "subscription by order number",
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE order_number = $1`,
		orderNumber,
	)
}

// LatestSubscriptionByTradeNo returns the newest row of a recurring agreement.
// A row that has not been charged yet sorts first.
func (s *Store) LatestSubscriptionByTradeNo(ctx context.Context, merchantTradeNo string) (*models.Subscription, error) {
	return s.querySubscription(ctx, "subscription by trade no",
		`SELECT `+subscriptionColumns+` FROM subscriptions
		 WHERE merchant_trade_no = $1
		 ORDER BY purchased_at DESC NULLS FIRST, created_at DESC
		 LIMIT 1`,
		merchantTradeNo,
	)
}

// HasRenewingSubscription reports whether the user has a subscription with
// auto-renew enabled.
func (s *Store) HasRenewingSubscription(ctx context.Context, userID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE user_id = $1 AND is_renewal)`,
		userID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: check renewing subscription: %w", err)
	}
	return exists, nil
}

// HasSubscribedToPlan reports whether the user ever held a subscription to
// the plan with the given name.
func (s *Store) HasSubscribedToPlan(ctx context.Context, userID, planName string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM subscriptions s JOIN plans p ON p.id = s.plan_id
		   WHERE s.user_id = $1 AND p.name = $2
		 )`,
		userID, planName,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: check plan history: %w", err)
	}
	return exists, nil
}

// SubscriptionHasSkill reports whether the subscription covers the skill.
func (s *Store) SubscriptionHasSkill(ctx context.Context, subscriptionID, skillID string) (bool, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM subscription_skills WHERE subscription_id = $1 AND skill_id = $2
		 )`,
		subscriptionID, skillID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: check subscription skill: %w", err)
	}
	return exists, nil
}

// LastOrderNumber returns the greatest order number starting with prefix,
// or "" when there is none.
func (s *Store) LastOrderNumber(ctx context.Context, prefix string) (string, error) {
	var last string
	err := s.db.QueryRowContext(ctx,
		`SELECT order_number FROM subscriptions
		 WHERE order_number LIKE $1
		 ORDER BY order_number DESC
		 LIMIT 1`,
		prefix+"%",
	).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: last order number: %w", err)
	}
	return last, nil
}

// NewSubscription describes an unpaid subscription created at checkout.
type NewSubscription struct {
	UserID      string
	PlanID      string
	OrderNumber string
	Price       int
	SkillIDs    []string
	// Now ends any still-valid earlier subscription of the user.
	Now time.Time
}

// CreatePendingSubscription inserts an unpaid subscription with its skill
// rows, ends the user's earlier cancelled-but-valid subscription and points
// the user at the new row, all in one transaction. The user row is locked so
// concurrent checkouts for the same user serialize.
func (s *Store) CreatePendingSubscription(ctx context.Context, in NewSubscription) (*models.Subscription, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin create subscription tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := lockNonRenewingUser(ctx, tx, in.UserID); err != nil {
		return nil, err
	}

	sub := &models.Subscription{
		ID:            uuid.NewString(),
		UserID:        in.UserID,
		PlanID:        in.PlanID,
		OrderNumber:   in.OrderNumber,
		Price:         in.Price,
		BillingStatus: models.BillingPending,
	}
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO subscriptions (id, user_id, plan_id, order_number, price, is_paid, is_renewal, billing_status)
		 VALUES ($1, $2, $3, $4, $5, FALSE, FALSE, $6)
		 RETURNING created_at, updated_at`,
		sub.ID, sub.UserID, sub.PlanID, sub.OrderNumber, sub.Price, sub.BillingStatus,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt); err != nil {
		if mapped := translate(err); mapped != err {
			return nil, mapped
		}
		return nil, fmt.Errorf("store: insert subscription: %w", err)
	}

	for _, skillID := range in.SkillIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO subscription_skills (subscription_id, skill_id) VALUES ($1, $2)`,
			sub.ID, skillID,
		); err != nil {
			return nil, fmt.Errorf("store: insert subscription skill: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET end_at = $2, updated_at = now()
		 WHERE user_id = $1 AND id <> $3 AND is_paid AND end_at > $2`,
		in.UserID, in.Now, sub.ID,
	); err != nil {
		return nil, fmt.Errorf("store: end earlier subscription: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET subscription_id = $2, updated_at = now() WHERE id = $1`,
		in.UserID, sub.ID,
	); err != nil {
		return nil, fmt.Errorf("store: point user at subscription: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit create subscription: %w", err)
	}
	return sub, nil
}

// lockNonRenewingUser locks the user row for the rest of tx and returns
// ErrRenewalExists when the user already holds a renewing subscription.
func lockNonRenewingUser(ctx context.Context, tx *sql.Tx, userID string) error {
	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrUserNotFound
		}
		return fmt.Errorf("store: lock user: %w", err)
	}

	var renewing bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE user_id = $1 AND is_renewal)`,
		userID,
	).Scan(&renewing); err != nil {
		return fmt.Errorf("store: check renewing subscription: %w", err)
	}
	if renewing {
		return ErrRenewalExists
	}
	return nil
}

// AssignMerchantTradeNo records the gateway trade number of a checkout on an
// unpaid subscription. A user who already holds a renewing subscription gets
// ErrRenewalExists and the row is left untouched.
func (s *Store) AssignMerchantTradeNo(ctx context.Context, subscriptionID, merchantTradeNo string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin assign trade no tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var userID string
	if err := tx.QueryRowContext(ctx,
		`SELECT user_id FROM subscriptions WHERE id = $1`,
		subscriptionID,
	).Scan(&userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrSubscriptionNotFound
		}
		return fmt.Errorf("store: load subscription owner: %w", err)
	}

	if err := lockNonRenewingUser(ctx, tx, userID); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET merchant_trade_no = $2, billing_status = $3, updated_at = now()
		 WHERE id = $1 AND NOT is_paid`,
		subscriptionID, merchantTradeNo, models.BillingPending,
	)
	if err != nil {
		return fmt.Errorf("store: assign merchant trade no: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: assign merchant trade no rows: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyPaid
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit assign trade no: %w", err)
	}
	return nil
}

// Charge is one successful periodic payment.
type Charge struct {
	PaidAt        time.Time
	EndAt         time.Time
	PaymentMethod string
}

// ActivateSubscription records the first charge of an agreement on the
// pending subscription and turns auto-renew on. Other still-valid
// subscriptions of the user end at the payment time.
func (s *Store) ActivateSubscription(ctx context.Context, sub models.Subscription, c Charge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin activate tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET end_at = $2, updated_at = now()
		 WHERE user_id = $1 AND id <> $3 AND is_paid AND end_at > $2`,
		sub.UserID, c.PaidAt, sub.ID,
	); err != nil {
		return fmt.Errorf("store: end earlier subscription: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE subscriptions
		 SET is_paid = TRUE, is_renewal = TRUE, billing_status = $2, payment_method = $3,
		     purchased_at = $4, start_at = $4, end_at = $5, updated_at = now()
		 WHERE id = $1 AND NOT is_paid`,
		sub.ID, models.BillingActive, c.PaymentMethod, c.PaidAt, c.EndAt,
	)
	if err != nil {
		if mapped := translate(err); mapped != err {
			return mapped
		}
		return fmt.Errorf("store: activate subscription: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: activate subscription rows: %w", err)
	}
	if affected == 0 {
		return ErrAlreadyPaid
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit activate: %w", err)
	}
	return nil
}

// Renewal is a second or later charge of an agreement.
type Renewal struct {
	Previous      models.Subscription
	OrderNumber   string
	BillingStatus models.BillingStatus
	Charge
}

// RecordRenewal opens a new subscription row for a periodic charge. The
// previous renewing row is superseded, every still-valid row of the user ends
// at the payment time, and the previous row's skills carry over. A charge
// already recorded for the agreement returns ErrDuplicatePayment.
func (s *Store) RecordRenewal(ctx context.Context, r Renewal) (*models.Subscription, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin renewal tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	prev := r.Previous
	var locked string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, prev.UserID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("store: lock user: %w", err)
	}

	var seen bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE merchant_trade_no = $1 AND purchased_at = $2)`,
		prev.MerchantTradeNo, r.PaidAt,
	).Scan(&seen); err != nil {
		return nil, fmt.Errorf("store: check duplicate payment: %w", err)
	}
	if seen {
		return nil, ErrDuplicatePayment
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET is_renewal = FALSE, billing_status = $2, updated_at = now()
		 WHERE user_id = $1 AND is_renewal`,
		prev.UserID, models.BillingSuperseded,
	); err != nil {
		return nil, fmt.Errorf("store: supersede renewing subscription: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET end_at = $2, updated_at = now()
		 WHERE user_id = $1 AND is_paid AND end_at > $2`,
		prev.UserID, r.PaidAt,
	); err != nil {
		return nil, fmt.Errorf("store: end earlier subscription: %w", err)
	}

	paidAt, endAt, method := r.PaidAt, r.EndAt, r.PaymentMethod
	next := &models.Subscription{
		ID:              uuid.NewString(),
		UserID:          prev.UserID,
		PlanID:          prev.PlanID,
		OrderNumber:     r.OrderNumber,
		Price:           prev.Price,
		IsPaid:          true,
		IsRenewal:       true,
		BillingStatus:   r.BillingStatus,
		MerchantTradeNo: prev.MerchantTradeNo,
		PaymentMethod:   &method,
		PurchasedAt:     &paidAt,
		StartAt:         &paidAt,
		EndAt:           &endAt,
	}
	if err := tx.QueryRowContext(ctx,
		`INSERT INTO subscriptions (
		   id, user_id, plan_id, order_number, price, is_paid, is_renewal, billing_status,
		   merchant_trade_no, payment_method, purchased_at, start_at, end_at
		 ) VALUES ($1, $2, $3, $4, $5, TRUE, TRUE, $6, $7, $8, $9, $9, $10)
		 RETURNING created_at, updated_at`,
		next.ID, next.UserID, next.PlanID, next.OrderNumber, next.Price, next.BillingStatus,
		next.MerchantTradeNo, method, paidAt, endAt,
	).Scan(&next.CreatedAt, &next.UpdatedAt); err != nil {
		if mapped := translate(err); mapped != err {
			return nil, mapped
		}
		return nil, fmt.Errorf("store: insert renewal: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO subscription_skills (subscription_id, skill_id)
		 SELECT $1, skill_id FROM subscription_skills WHERE subscription_id = $2`,
		next.ID, prev.ID,
	); err != nil {
		return nil, fmt.Errorf("store: copy subscription skills: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET subscription_id = $2, updated_at = now()
		 WHERE id = $1 AND subscription_id = $3`,
		prev.UserID, next.ID, prev.ID,
	); err != nil {
		return nil, fmt.Errorf("store: move user pointer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit renewal: %w", err)
	}
	return next, nil
}

// RequestCancellation marks the renewing subscription as waiting for the
// gateway to confirm a stop request.
func (s *Store) RequestCancellation(ctx context.Context, subscriptionID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET billing_status = $2, updated_at = now()
		 WHERE id = $1 AND is_renewal AND billing_status IN ($3, $2)`,
		subscriptionID, models.BillingCancellationRequested, models.BillingActive,
	)
	if err != nil {
		return fmt.Errorf("store: request cancellation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: request cancellation rows: %w", err)
	}
	if affected == 0 {
		return ErrNotCancellable
	}
	return nil
}

// ConfirmCancellation turns auto-renew off for every row of the agreement
// and clears any user pointer referencing one of them. It is idempotent.
func (s *Store) ConfirmCancellation(ctx context.Context, merchantTradeNo string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin confirm cancellation tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions SET is_renewal = FALSE, billing_status = $2, updated_at = now()
		 WHERE merchant_trade_no = $1 AND (is_renewal OR billing_status IN ($3, $4))`,
		merchantTradeNo, models.BillingCancelled, models.BillingActive, models.BillingCancellationRequested,
	); err != nil {
		return fmt.Errorf("store: cancel agreement: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET subscription_id = NULL, updated_at = now()
		 WHERE subscription_id IN (SELECT id FROM subscriptions WHERE merchant_trade_no = $1)`,
		merchantTradeNo,
	); err != nil {
		return fmt.Errorf("store: clear user pointer: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit confirm cancellation: %w", err)
	}
	return nil
}

// SubscriptionHistory returns one page of the user's subscriptions, newest
// order number first, with the total row count.
func (s *Store) SubscriptionHistory(ctx context.Context, userID string, limit, offset int) (models.SubscriptionPage, error) {
	var page models.SubscriptionPage
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subscriptions WHERE user_id = $1`,
		userID,
	).Scan(&page.Total); err != nil {
		return page, fmt.Errorf("store: count subscriptions: %w", err)
	}
	if page.Total == 0 || offset >= page.Total {
		return page, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT s.id, s.user_id, s.plan_id, s.order_number, s.price, s.is_paid, s.is_renewal,
		        s.billing_status, s.merchant_trade_no, s.payment_method, s.purchased_at,
		        s.start_at, s.end_at, s.created_at, s.updated_at, p.name
		 FROM subscriptions s JOIN plans p ON p.id = s.plan_id
		 WHERE s.user_id = $1
		 ORDER BY s.order_number DESC
		 LIMIT $2 OFFSET $3`,
		userID, limit, offset,
	)
	if err != nil {
		return page, fmt.Errorf("store: list subscriptions: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var planName string
		sub, err := scanSubscription(rows, &planName)
		if err != nil {
			return page, fmt.Errorf("store: scan subscription: %w", err)
		}
		page.Records = append(page.Records, models.SubscriptionRecord{Subscription: *sub, PlanName: planName})
	}
	if err := rows.Err(); err != nil {
		return page, fmt.Errorf("store: iterate subscriptions: %w", err)
	}
	return page, nil
}
