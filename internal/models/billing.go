package models

import "time"

// BillingStatus tracks the recurring agreement behind a subscription.
type BillingStatus string

const (
	// BillingPending: created, waiting for the first charge.
	BillingPending BillingStatus = "pending"
	// BillingActive: charged, and the gateway keeps billing monthly.
	BillingActive BillingStatus = "active"
	// BillingCancellationRequested: a stop request was sent to the gateway.
	BillingCancellationRequested BillingStatus = "cancellation_requested"
	// BillingCancelled: the gateway confirmed no further charges.
	BillingCancelled BillingStatus = "cancelled"
	// BillingSuperseded: a later charge of the same agreement opened a new row.
	BillingSuperseded BillingStatus = "superseded"
)

// Subscription is one purchase cycle for one user.
type Subscription struct {
	ID              string        `json:"id"`
	UserID          string        `json:"user_id"`
	PlanID          string        `json:"plan_id"`
	OrderNumber     string        `json:"order_number"`
	Price           int           `json:"price"`
	IsPaid          bool          `json:"is_paid"`
	IsRenewal       bool          `json:"is_renewal"`
	BillingStatus   BillingStatus `json:"billing_status"`
	MerchantTradeNo *string       `json:"merchant_trade_no,omitempty"`
	PaymentMethod   *string       `json:"payment_method,omitempty"`
	PurchasedAt     *time.Time    `json:"purchased_at,omitempty"`
	StartAt         *time.Time    `json:"start_at,omitempty"`
	EndAt           *time.Time    `json:"end_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// ValidAt reports whether the subscription is paid and has not expired at now.
func (s Subscription) ValidAt(now time.Time) bool {
	return s.IsPaid && s.EndAt != nil && s.EndAt.After(now)
}

// SubscriptionSkill links a category-limited subscription to a chosen skill.
type SubscriptionSkill struct {
	SubscriptionID string `json:"subscription_id"`
	SkillID        string `json:"skill_id"`
}

// SubscriptionRecord is a history row joined with its plan name.
type SubscriptionRecord struct {
	Subscription
	PlanName string `json:"plan"`
}

// SubscriptionPage is one page of a user's subscription history.
type SubscriptionPage struct {
	Records []SubscriptionRecord `json:"records"`
	Total   int                  `json:"total"`
}
