package models

import "time"

// Role names the account table a principal was loaded from.
type Role string

const (
	RoleUser  Role = "USER"
	RoleCoach Role = "COACH"
	RoleAdmin Role = "ADMIN"
)

// User is a subscriber account.
type User struct {
	ID             string    `json:"id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	SubscriptionID *string   `json:"subscription_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Coach is a course author account.
type Coach struct {
	ID         string    `json:"id"`
	Email      string    `json:"email"`
	Nickname   string    `json:"nickname"`
	IsVerified bool      `json:"is_verified"`
	CreatedAt  time.Time `json:"created_at"`
}

// Admin is a back-office account.
type Admin struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}
