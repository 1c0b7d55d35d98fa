package models

import "time"

// Plan is a subscription tier.
type Plan struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Price         int       `json:"price"`
	MaxResolution int       `json:"max_resolution"`
	Livestream    bool      `json:"livestream"`
	SportsChoice  int       `json:"sports_choice"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Unlimited reports whether the plan covers every skill category.
func (p Plan) Unlimited() bool {
	return p.SportsChoice == 0
}

// ActivityType tags a skill as practised indoors or outdoors.
type ActivityType string

const (
	ActivityIndoor  ActivityType = "indoor"
	ActivityOutdoor ActivityType = "outdoor"
)

// Skill is a course category such as a sport.
type Skill struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	ActivityType ActivityType `json:"activity_type"`
}

// Course is the minimal course shape entitlement checks need.
type Course struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	SkillID string `json:"skill_id"`
	CoachID string `json:"coach_id"`
}
