// Package subscription holds the subscription lifecycle (checkout, first
// charge, renewals, cancellation) and the entitlement checks derived from it.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"time"

	"github.com/sportify/backend/internal/apperror"
	"github.com/sportify/backend/internal/ecpay"
	"github.com/sportify/backend/internal/models"
	"github.com/sportify/backend/internal/ordernum"
	"github.com/sportify/backend/internal/store"
)

// maxOrderAttempts bounds the re-read and regenerate loop run when a
// concurrent writer takes the order number first.
const maxOrderAttempts = 5

const creditCardLabel = "信用卡"

// Store is the persistence the lifecycle manager depends on.
type Store interface {
	PlanByName(ctx context.Context, name string) (*models.Plan, error)
	PlanByID(ctx context.Context, id string) (*models.Plan, error)
	SkillsByNames(ctx context.Context, names []string) ([]models.Skill, error)
	HasRenewingSubscription(ctx context.Context, userID string) (bool, error)
	LastOrderNumber(ctx context.Context, prefix string) (string, error)
	CreatePendingSubscription(ctx context.Context, in store.NewSubscription) (*models.Subscription, error)
	SubscriptionByOrderNumber(ctx context.Context, orderNumber string) (*models.Subscription, error)
	AssignMerchantTradeNo(ctx context.Context, subscriptionID, merchantTradeNo string) error
	LatestSubscriptionByTradeNo(ctx context.Context, merchantTradeNo string) (*models.Subscription, error)
	ActivateSubscription(ctx context.Context, sub models.Subscription, c store.Charge) error
	RecordRenewal(ctx context.Context, r store.Renewal) (*models.Subscription, error)
	RequestCancellation(ctx context.Context, subscriptionID string) error
	ConfirmCancellation(ctx context.Context, merchantTradeNo string) error
	ClearCurrentSubscription(ctx context.Context, userID string) error
}

// Gateway builds outbound payment forms and authenticates notifications.
type Gateway interface {
	PeriodicCheckoutForm(req ecpay.PeriodicCheckout) *ecpay.Form
	CancelPeriodicForm(merchantTradeNo string) *ecpay.Form
	ParsePaymentNotification(values url.Values) (*ecpay.PaymentNotification, error)
	ParseCancelNotification(values url.Values) (*ecpay.CancelNotification, error)
}

// Outcome describes what a payment notification did.
type Outcome string

const (
	OutcomeActivated Outcome = "activated"
	OutcomeRenewed   Outcome = "renewed"
	OutcomeDuplicate Outcome = "duplicate"
)

// Manager runs the subscription lifecycle.
type Manager struct {
	store      Store
	gateway    Gateway
	loc        *time.Location
	now        func() time.Time
	newTradeNo func() string
}

// NewManager creates a Manager. loc scopes order-number days.
func NewManager(s Store, gateway Gateway, loc *time.Location) *Manager {
	if loc == nil {
		loc = time.Local
	}
	return &Manager{
		store:      s,
		gateway:    gateway,
		loc:        loc,
		now:        time.Now,
		newTradeNo: ecpay.NewMerchantTradeNo,
	}
}

// CreateRequest asks for a new subscription to a plan.
type CreateRequest struct {
	UserID     string
	PlanName   string
	SkillNames []string
}

// Created is the unpaid subscription produced by Create.
type Created struct {
	Subscription *models.Subscription
	Plan         *models.Plan
	Skills       []models.Skill
}

// Create validates the request and stores an unpaid subscription with its
// skill selection. Checks run in order: no renewing subscription, plan
// exists, skill count fits the plan, every skill exists.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Created, error) {
	renewing, err := m.store.HasRenewingSubscription(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("subscription: check renewing: %w", err)
	}
	if renewing {
		return nil, apperror.Conflict("an auto-renewing subscription already exists; cancel it first")
	}

	if req.PlanName == "" {
		return nil, apperror.Validation("subscription_name is required")
	}
	plan, err := m.store.PlanByName(ctx, req.PlanName)
	if err != nil {
		if errors.Is(err, store.ErrPlanNotFound) {
			return nil, apperror.Wrap(err, apperror.KindNotFound, fmt.Sprintf("plan %q does not exist", req.PlanName))
		}
		return nil, fmt.Errorf("subscription: load plan: %w", err)
	}

	n := len(req.SkillNames)
	if n != 0 && n != 1 && n != 3 {
		return nil, apperror.Validation("course_type must list 0, 1 or 3 skills, got %d", n)
	}
	if n != plan.SportsChoice {
		return nil, apperror.Validation("plan %q requires %d skills, got %d", plan.Name, plan.SportsChoice, n)
	}

	skills, err := m.resolveSkills(ctx, req.SkillNames)
	if err != nil {
		return nil, err
	}
	skillIDs := make([]string, 0, len(skills))
	for _, sk := range skills {
		skillIDs = append(skillIDs, sk.ID)
	}

	now := m.now().In(m.loc)
	sub, err := m.withOrderNumber(ctx, now, func(orderNumber string) (*models.Subscription, error) {
		return m.store.CreatePendingSubscription(ctx, store.NewSubscription{
			UserID:      req.UserID,
			PlanID:      plan.ID,
			OrderNumber: orderNumber,
			Price:       plan.Price,
			SkillIDs:    skillIDs,
			Now:         now,
		})
	})
	switch {
	case errors.Is(err, store.ErrRenewalExists):
		return nil, apperror.Wrap(err, apperror.KindConflict, "an auto-renewing subscription already exists; cancel it first")
	case errors.Is(err, store.ErrUserNotFound):
		return nil, apperror.Wrap(err, apperror.KindNotFound, "user not found")
	case err != nil:
		return nil, err
	}

	log.Printf("[subscription] created order %s for user %s on plan %q", sub.OrderNumber, sub.UserID, plan.Name)
	return &Created{Subscription: sub, Plan: plan, Skills: skills}, nil
}

func (m *Manager) resolveSkills(ctx context.Context, names []string) ([]models.Skill, error) {
	if len(names) == 0 {
		return nil, nil
	}

	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if name == "" {
			return nil, apperror.Validation("course_type contains an empty skill name")
		}
		if seen[name] {
			return nil, apperror.Validation("course_type lists %q more than once", name)
		}
		seen[name] = true
	}

	skills, err := m.store.SkillsByNames(ctx, names)
	if err != nil {
		return nil, fmt.Errorf("subscription: load skills: %w", err)
	}
	if len(skills) != len(names) {
		for _, sk := range skills {
			delete(seen, sk.Name)
		}
		missing := make([]string, 0, len(seen))
		for _, name := range names {
			if seen[name] {
				missing = append(missing, name)
			}
		}
		return nil, apperror.Validation("unknown skills: %v", missing)
	}
	return skills, nil
}

// withOrderNumber allocates the next order number for day and hands it to
// insert, re-reading and regenerating when another writer took it first.
func (m *Manager) withOrderNumber(ctx context.Context, day time.Time, insert func(string) (*models.Subscription, error)) (*models.Subscription, error) {
	for attempt := 1; attempt <= maxOrderAttempts; attempt++ {
		last, err := m.store.LastOrderNumber(ctx, ordernum.DayPrefix(day))
		if err != nil {
			return nil, fmt.Errorf("subscription: read last order number: %w", err)
		}
		if last == "" {
			last = ordernum.Sentinel(day)
		}

		orderNumber, err := ordernum.Next(last)
		if err != nil {
			if errors.Is(err, ordernum.ErrSequenceExhausted) {
				return nil, apperror.Wrap(err, apperror.KindConflict, "no order numbers left for today")
			}
			return nil, fmt.Errorf("subscription: next order number: %w", err)
		}

		sub, err := insert(orderNumber)
		if errors.Is(err, store.ErrOrderNumberTaken) {
			log.Printf("[subscription] order number %s taken, retrying (attempt %d/%d)", orderNumber, attempt, maxOrderAttempts)
			continue
		}
		return sub, err
	}
	return nil, fmt.Errorf("subscription: allocate order number after %d attempts: %w", maxOrderAttempts, store.ErrOrderNumberTaken)
}

// Cancel is the local soft cancel: it clears the user's current-subscription
// pointer and leaves end_at alone so access lasts until natural expiry.
func (m *Manager) Cancel(ctx context.Context, userID string) error {
	if err := m.store.ClearCurrentSubscription(ctx, userID); err != nil {
		if errors.Is(err, store.ErrNoCurrentSubscription) {
			return apperror.Wrap(err, apperror.KindValidation, "no subscription found or already cancelled")
		}
		return fmt.Errorf("subscription: clear current subscription: %w", err)
	}
	return nil
}

// StartCheckout assigns a fresh merchant trade number to the user's unpaid
// order and returns the gateway form that authorizes monthly billing. The
// amount and item come from the stored order. It is refused while the user
// holds an auto-renewing subscription.
func (m *Manager) StartCheckout(ctx context.Context, userID, orderNumber string) (*ecpay.Form, error) {
	if orderNumber == "" {
		return nil, apperror.Validation("order_number is required")
	}

	sub, err := m.store.SubscriptionByOrderNumber(ctx, orderNumber)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, apperror.Wrap(err, apperror.KindNotFound, "order not found")
		}
		return nil, fmt.Errorf("subscription: load order: %w", err)
	}
	if sub.UserID != userID {
		return nil, apperror.NotFound("order not found")
	}
	if sub.IsPaid {
		return nil, apperror.Validation("order %s is already paid", orderNumber)
	}

	plan, err := m.store.PlanByID(ctx, sub.PlanID)
	if err != nil {
		return nil, fmt.Errorf("subscription: load plan: %w", err)
	}

	tradeNo := m.newTradeNo()
	err = m.store.AssignMerchantTradeNo(ctx, sub.ID, tradeNo)
	switch {
	case errors.Is(err, store.ErrRenewalExists):
		log.Printf("[checkout] order %s refused: user %s already has a renewing subscription", orderNumber, userID)
		return nil, apperror.Wrap(err, apperror.KindConflict, "an auto-renewing subscription already exists; cancel it first")
	case errors.Is(err, store.ErrAlreadyPaid):
		return nil, apperror.Wrap(err, apperror.KindValidation, fmt.Sprintf("order %s is already paid", orderNumber))
	case err != nil:
		return nil, fmt.Errorf("subscription: assign trade number: %w", err)
	}

	log.Printf("[checkout] order %s -> trade %s (%d)", orderNumber, tradeNo, sub.Price)
	return m.gateway.PeriodicCheckoutForm(ecpay.PeriodicCheckout{
		MerchantTradeNo: tradeNo,
		Amount:          sub.Price,
		ItemName:        plan.Name,
	}), nil
}

// RequestCancellation moves the user's recurring agreement to
// cancellation_requested and returns the gateway form that stops billing.
// Asking again while the request is outstanding returns a fresh form.
func (m *Manager) RequestCancellation(ctx context.Context, userID, merchantTradeNo string) (*ecpay.Form, error) {
	if merchantTradeNo == "" {
		return nil, apperror.Validation("merchant_trade_no is required")
	}

	sub, err := m.store.LatestSubscriptionByTradeNo(ctx, merchantTradeNo)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, apperror.Wrap(err, apperror.KindNotFound, "subscription not found")
		}
		return nil, fmt.Errorf("subscription: load agreement: %w", err)
	}
	if sub.UserID != userID {
		return nil, apperror.NotFound("subscription not found")
	}

	if err := m.store.RequestCancellation(ctx, sub.ID); err != nil {
		if errors.Is(err, store.ErrNotCancellable) {
			return nil, apperror.Wrap(err, apperror.KindConflict, "recurring billing is not active")
		}
		return nil, fmt.Errorf("subscription: request cancellation: %w", err)
	}

	log.Printf("[checkout] cancellation requested for trade %s", merchantTradeNo)
	return m.gateway.CancelPeriodicForm(merchantTradeNo), nil
}

// HandlePaymentNotification applies a first-charge or renewal notification.
// Repeated deliveries of a recorded charge return OutcomeDuplicate and
// change nothing.
func (m *Manager) HandlePaymentNotification(ctx context.Context, values url.Values) (Outcome, error) {
	n, err := m.gateway.ParsePaymentNotification(values)
	if err != nil {
		return "", notificationError(values, err)
	}
	if !n.Succeeded() {
		log.Printf("[webhook] trade %s payment failed: %s (%s)", n.MerchantTradeNo, n.RtnMsg, n.RtnCode)
		return "", apperror.Validation("payment failed: %s", n.RtnMsg)
	}

	sub, err := m.store.LatestSubscriptionByTradeNo(ctx, n.MerchantTradeNo)
	if err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			log.Printf("[webhook] trade %s: no matching order", n.MerchantTradeNo)
			return "", apperror.Wrap(err, apperror.KindNotFound, "no order for this trade number")
		}
		return "", fmt.Errorf("subscription: load agreement: %w", err)
	}

	if !n.AmountEquals(sub.Price) {
		log.Printf("[webhook] trade %s amount mismatch: paid %s, order %s expects %d", n.MerchantTradeNo, n.TradeAmt, sub.OrderNumber, sub.Price)
		return "", apperror.Conflict("paid amount %s does not match order amount %d", n.TradeAmt, sub.Price)
	}

	charge := store.Charge{
		PaidAt:        n.PaymentDate,
		EndAt:         AddMonth(n.PaymentDate),
		PaymentMethod: paymentMethodLabel(n.PaymentType),
	}

	switch {
	case !sub.IsPaid:
		if n.IsRenewal() {
			log.Printf("[webhook] trade %s: charge #%d arrived before the first charge was recorded", n.MerchantTradeNo, n.TotalSuccessTimes)
		}
		return m.activate(ctx, *sub, charge)
	case !n.IsRenewal():
		log.Printf("[webhook] trade %s: first charge already recorded", n.MerchantTradeNo)
		return OutcomeDuplicate, nil
	default:
		return m.renew(ctx, *sub, charge)
	}
}

func (m *Manager) activate(ctx context.Context, sub models.Subscription, charge store.Charge) (Outcome, error) {
	err := m.store.ActivateSubscription(ctx, sub, charge)
	switch {
	case errors.Is(err, store.ErrAlreadyPaid):
		return OutcomeDuplicate, nil
	case errors.Is(err, store.ErrRenewalExists):
		log.Printf("[webhook] order %s: user %s already has a renewing subscription", sub.OrderNumber, sub.UserID)
		return "", apperror.Wrap(err, apperror.KindConflict, "user already has an auto-renewing subscription")
	case err != nil:
		return "", fmt.Errorf("subscription: activate: %w", err)
	}

	log.Printf("[webhook] order %s paid; valid until %s", sub.OrderNumber, charge.EndAt.Format(time.RFC3339))
	return OutcomeActivated, nil
}

func (m *Manager) renew(ctx context.Context, prev models.Subscription, charge store.Charge) (Outcome, error) {
	if prev.PurchasedAt != nil && prev.PurchasedAt.Equal(charge.PaidAt) {
		return OutcomeDuplicate, nil
	}
	if !prev.IsRenewal {
		log.Printf("[webhook] order %s: renewal charge on a subscription with auto-renew off", prev.OrderNumber)
	}

	status := models.BillingActive
	if prev.BillingStatus == models.BillingCancellationRequested {
		status = models.BillingCancellationRequested
	}

	next, err := m.withOrderNumber(ctx, charge.PaidAt.In(m.loc), func(orderNumber string) (*models.Subscription, error) {
		return m.store.RecordRenewal(ctx, store.Renewal{
			Previous:      prev,
			OrderNumber:   orderNumber,
			BillingStatus: status,
			Charge:        charge,
		})
	})
	switch {
	case errors.Is(err, store.ErrDuplicatePayment):
		return OutcomeDuplicate, nil
	case err != nil:
		return "", fmt.Errorf("subscription: record renewal: %w", err)
	}

	log.Printf("[webhook] trade %s renewed as order %s", *prev.MerchantTradeNo, next.OrderNumber)
	return OutcomeRenewed, nil
}

// HandleCancelNotification applies the gateway's answer to a stop request.
// A failed cancellation changes nothing and surfaces the gateway message.
func (m *Manager) HandleCancelNotification(ctx context.Context, values url.Values) error {
	n, err := m.gateway.ParseCancelNotification(values)
	if err != nil {
		return notificationError(values, err)
	}

	if _, err := m.store.LatestSubscriptionByTradeNo(ctx, n.MerchantTradeNo); err != nil {
		if errors.Is(err, store.ErrSubscriptionNotFound) {
			log.Printf("[webhook] cancel for unknown trade %s", n.MerchantTradeNo)
			return apperror.Wrap(err, apperror.KindNotFound, "no order for this trade number")
		}
		return fmt.Errorf("subscription: load agreement: %w", err)
	}

	if !n.Succeeded() {
		log.Printf("[webhook] trade %s cancellation failed: %s", n.MerchantTradeNo, n.RtnMsg)
		return apperror.Validation("cancellation failed: %s", n.RtnMsg)
	}

	if err := m.store.ConfirmCancellation(ctx, n.MerchantTradeNo); err != nil {
		return fmt.Errorf("subscription: confirm cancellation: %w", err)
	}
	log.Printf("[webhook] trade %s cancelled", n.MerchantTradeNo)
	return nil
}

func notificationError(values url.Values, err error) error {
	tradeNo := values.Get("MerchantTradeNo")
	switch {
	case errors.Is(err, ecpay.ErrInvalidCheckMac):
		log.Printf("[webhook] trade %s: CheckMacValue mismatch", tradeNo)
		return apperror.Authentication(err)
	case errors.Is(err, ecpay.ErrMalformedNotification):
		log.Printf("[webhook] trade %s: %v", tradeNo, err)
		return apperror.Wrap(err, apperror.KindValidation, err.Error())
	default:
		return fmt.Errorf("subscription: parse notification: %w", err)
	}
}

func paymentMethodLabel(paymentType string) string {
	if paymentType == "Credit_CreditCard" {
		return creditCardLabel
	}
	return paymentType
}
