package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sportify/backend/internal/apperror"
	"github.com/sportify/backend/internal/models"
	"github.com/sportify/backend/internal/store"
)

// EntitlementStore is the read side the Evaluator depends on.
type EntitlementStore interface {
	LatestSubscription(ctx context.Context, userID string) (*models.Subscription, error)
	PlanByID(ctx context.Context, id string) (*models.Plan, error)
	CourseByID(ctx context.Context, id string) (*models.Course, error)
	SkillByID(ctx context.Context, id string) (*models.Skill, error)
	SubscriptionHasSkill(ctx context.Context, subscriptionID, skillID string) (bool, error)
	HasSubscribedToPlan(ctx context.Context, userID, planName string) (bool, error)
}

// Evaluator decides what a user's subscription grants.
type Evaluator struct {
	store     EntitlementStore
	trialPlan string
	now       func() time.Time
}

// NewEvaluator creates an Evaluator. trialPlanName is the exact name of the
// plan each user may hold only once.
func NewEvaluator(s EntitlementStore, trialPlanName string) *Evaluator {
	return &Evaluator{store: s, trialPlan: trialPlanName, now: time.Now}
}

func (e *Evaluator) latest(ctx context.Context, userID string) (*models.Subscription, error) {
	sub, err := e.store.LatestSubscription(ctx, userID)
	if errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entitlement: latest subscription: %w", err)
	}
	return sub, nil
}

// HasActiveSubscription reports whether the user's latest subscription is
// paid and not yet expired.
func (e *Evaluator) HasActiveSubscription(ctx context.Context, userID string) (bool, error) {
	sub, err := e.latest(ctx, userID)
	if err != nil || sub == nil {
		return false, err
	}
	return sub.ValidAt(e.now()), nil
}

// CanAccessCourse reports whether the user's latest subscription covers the
// course's skill category. It does not check payment or expiry; callers
// check HasActiveSubscription first.
func (e *Evaluator) CanAccessCourse(ctx context.Context, userID, courseID string) (bool, error) {
	course, err := e.store.CourseByID(ctx, courseID)
	if err != nil {
		if errors.Is(err, store.ErrCourseNotFound) {
			return false, apperror.Wrap(err, apperror.KindNotFound, "course not found")
		}
		return false, fmt.Errorf("entitlement: load course: %w", err)
	}
	return e.covers(ctx, userID, course.SkillID)
}

// CanAccessSkill is CanAccessCourse keyed by skill id. An unknown skill is a
// NotFound error.
func (e *Evaluator) CanAccessSkill(ctx context.Context, userID, skillID string) (bool, error) {
	if _, err := e.store.SkillByID(ctx, skillID); err != nil {
		if errors.Is(err, store.ErrSkillNotFound) {
			return false, apperror.Wrap(err, apperror.KindNotFound, "skill not found")
		}
		return false, fmt.Errorf("entitlement: load skill: %w", err)
	}
	return e.covers(ctx, userID, skillID)
}

func (e *Evaluator) covers(ctx context.Context, userID, skillID string) (bool, error) {
	sub, err := e.latest(ctx, userID)
	if err != nil || sub == nil {
		return false, err
	}

	plan, err := e.store.PlanByID(ctx, sub.PlanID)
	if err != nil {
		return false, fmt.Errorf("entitlement: load plan: %w", err)
	}
	if plan.Unlimited() {
		return true, nil
	}

	ok, err := e.store.SubscriptionHasSkill(ctx, sub.ID, skillID)
	if err != nil {
		return false, fmt.Errorf("entitlement: check skill: %w", err)
	}
	return ok, nil
}

// HasTrialEligibility reports whether the user never held the trial plan.
func (e *Evaluator) HasTrialEligibility(ctx context.Context, userID string) (bool, error) {
	held, err := e.store.HasSubscribedToPlan(ctx, userID, e.trialPlan)
	if err != nil {
		return false, fmt.Errorf("entitlement: trial history: %w", err)
	}
	return !held, nil
}
