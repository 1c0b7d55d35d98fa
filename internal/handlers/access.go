package handlers

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/sportify/backend/internal/apperror"
	"github.com/sportify/backend/internal/models"
)

// EntitlementService answers what a user's subscription grants.
type EntitlementService interface {
	HasActiveSubscription(ctx context.Context, userID string) (bool, error)
	HasTrialEligibility(ctx context.Context, userID string) (bool, error)
	CanAccessCourse(ctx context.Context, userID, courseID string) (bool, error)
	CanAccessSkill(ctx context.Context, userID, skillID string) (bool, error)
}

// AccessHandler serves the principal and entitlement endpoints.
type AccessHandler struct {
	entitlements EntitlementService
}

// NewAccessHandler creates an AccessHandler.
func NewAccessHandler(entitlements EntitlementService) *AccessHandler {
	return &AccessHandler{entitlements: entitlements}
}

type meView struct {
	ID                    string      `json:"id"`
	Role                  models.Role `json:"role"`
	DisplayName           string      `json:"display_name"`
	HasTrial              *bool       `json:"has_trial,omitempty"`
	HasActiveSubscription *bool       `json:"has_active_subscription,omitempty"`
}

// Me returns the authenticated principal. Subscribers also get their trial
// eligibility and whether their latest subscription is active.
func (h *AccessHandler) Me() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := currentPrincipal(r)
		if err != nil {
			writeError(w, err)
			return
		}

		view := meView{ID: p.ID, Role: p.Role(), DisplayName: p.DisplayName()}
		if _, isUser := p.User(); isUser {
			trial, err := h.entitlements.HasTrialEligibility(r.Context(), p.ID)
			if err != nil {
				writeError(w, err)
				return
			}
			active, err := h.entitlements.HasActiveSubscription(r.Context(), p.ID)
			if err != nil {
				writeError(w, err)
				return
			}
			view.HasTrial = &trial
			view.HasActiveSubscription = &active
		}
		writeJSON(w, http.StatusOK, envelope{Data: view})
	}
}

// CourseAccess reports whether the caller may watch the course in the URL.
func (h *AccessHandler) CourseAccess() http.HandlerFunc {
	return h.access("courseID", "course not found", h.entitlements.CanAccessCourse)
}

// SkillAccess reports whether the caller's plan covers the skill in the URL.
func (h *AccessHandler) SkillAccess() http.HandlerFunc {
	return h.access("skillID", "skill not found", h.entitlements.CanAccessSkill)
}

func (h *AccessHandler) access(param, notFound string, check func(ctx context.Context, userID, id string) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := currentPrincipal(r)
		if err != nil {
			writeError(w, err)
			return
		}

		id := chi.URLParam(r, param)
		if _, err := uuid.Parse(id); err != nil {
			writeError(w, apperror.NotFound(notFound))
			return
		}

		// check runs first so an unknown course or skill is a 404 for everyone.
		ok, err := check(r.Context(), p.ID, id)
		if err != nil {
			writeError(w, err)
			return
		}
		active, err := h.entitlements.HasActiveSubscription(r.Context(), p.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		if !active {
			writeError(w, apperror.Forbidden("an active subscription is required"))
			return
		}
		if !ok {
			writeError(w, apperror.Forbidden("your plan does not include this category"))
			return
		}
		writeJSON(w, http.StatusOK, envelope{Data: map[string]bool{"can_access": true}})
	}
}
