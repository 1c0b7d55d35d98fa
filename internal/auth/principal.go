// Package auth resolves bearer tokens into a Principal: one identity plus
// exactly one role-specific profile.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sportify/backend/internal/models"
	"github.com/sportify/backend/internal/store"
)

var (
	// ErrUnknownRole is returned for a token whose role claim names no account table.
	ErrUnknownRole = errors.New("auth: unknown role")
	// ErrAccountNotFound is returned when the token subject no longer exists.
	ErrAccountNotFound = errors.New("auth: account not found")
)

// Profile is the role-specific half of a Principal. It is implemented only
// by UserProfile, CoachProfile and AdminProfile.
type Profile interface {
	Role() models.Role
	DisplayName() string
	isProfile()
}

// UserProfile is a subscriber.
type UserProfile struct {
	User models.User
}

func (p UserProfile) Role() models.Role   { return models.RoleUser }
func (p UserProfile) DisplayName() string { return p.User.Name }
func (UserProfile) isProfile()            {}

// CoachProfile is a course author.
type CoachProfile struct {
	Coach models.Coach
}

func (p CoachProfile) Role() models.Role   { return models.RoleCoach }
func (p CoachProfile) DisplayName() string { return p.Coach.Nickname }
func (CoachProfile) isProfile()            {}

// AdminProfile is a back-office operator.
type AdminProfile struct {
	Admin models.Admin
}

func (p AdminProfile) Role() models.Role { return models.RoleAdmin }

// DisplayName is the local part of the admin's email address.
func (p AdminProfile) DisplayName() string {
	local, _, _ := strings.Cut(p.Admin.Email, "@")
	return local
}

func (AdminProfile) isProfile() {}

// Principal is the authenticated caller, resolved once per request.
type Principal struct {
	ID      string
	Email   string
	Profile Profile
}

// Role returns the role of the principal's profile.
func (p *Principal) Role() models.Role {
	return p.Profile.Role()
}

// DisplayName returns the name shown for the principal.
func (p *Principal) DisplayName() string {
	return p.Profile.DisplayName()
}

// User returns the subscriber profile, if the principal is one.
func (p *Principal) User() (*models.User, bool) {
	up, ok := p.Profile.(UserProfile)
	if !ok {
		return nil, false
	}
	return &up.User, true
}

// Loader fetches account rows by id.
type Loader interface {
	UserByID(ctx context.Context, id string) (*models.User, error)
	CoachByID(ctx context.Context, id string) (*models.Coach, error)
	AdminByID(ctx context.Context, id string) (*models.Admin, error)
}

// Resolve loads the account named by claims and returns its Principal.
func Resolve(ctx context.Context, loader Loader, claims *Claims) (*Principal, error) {
	id := claims.Subject

	switch claims.Role {
	case models.RoleUser:
		u, err := loader.UserByID(ctx, id)
		if err != nil {
			return nil, loadError(err, store.ErrUserNotFound)
		}
		return &Principal{ID: u.ID, Email: u.Email, Profile: UserProfile{User: *u}}, nil
	case models.RoleCoach:
		c, err := loader.CoachByID(ctx, id)
		if err != nil {
			return nil, loadError(err, store.ErrCoachNotFound)
		}
		return &Principal{ID: c.ID, Email: c.Email, Profile: CoachProfile{Coach: *c}}, nil
	case models.RoleAdmin:
		a, err := loader.AdminByID(ctx, id)
		if err != nil {
			return nil, loadError(err, store.ErrAdminNotFound)
		}
		return &Principal{ID: a.ID, Email: a.Email, Profile: AdminProfile{Admin: *a}}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRole, claims.Role)
	}
}

func loadError(err, notFound error) error {
	if errors.Is(err, notFound) {
		return fmt.Errorf("%w: %v", ErrAccountNotFound, err)
	}
	return fmt.Errorf("auth: load account: %w", err)
}

type principalKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by WithPrincipal.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}
