package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/sportify/backend/internal/models"
)

// ErrPlanNotFound is returned when a plan is not found
var ErrPlanNotFound = errors.New("plan not found")

// ErrCourseNotFound is returned when a course is not found
var ErrCourseNotFound = errors.New("course not found")

// ErrSkillNotFound is returned when a skill lookup misses.
var ErrSkillNotFound = errors.New("skill not found")

// PlanStore provides read access to the catalogue: plans, skills and courses.
type PlanStore struct {
	db *sql.DB
}

// NewPlanStore creates a new PlanStore instance
func NewPlanStore(db *sql.DB) (*PlanStore, error) {
	if db == nil {
		return nil, errors.New("db cannot be nil")
	}
	return &PlanStore{db: db}, nil
}

const planColumns = `id, name, price, max_resolution, livestream, sports_choice, created_at, updated_at`

func scanPlan(row interface{ Scan(...any) error }) (*models.Plan, error) {
	var p models.Plan
	if err := row.Scan(
		&p.ID, &p.Name, &p.Price, &p.MaxResolution,
		&p.Livestream, &p.SportsChoice, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPlans returns every plan ordered by price.
func (s *PlanStore) ListPlans(ctx context.Context) ([]models.Plan, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+planColumns+` FROM plans ORDER BY price ASC, name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var plans []models.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		plans = append(plans, *p)
	}

	return plans, rows.Err()
}

// PlanByID returns a plan by its ID
func (s *PlanStore) PlanByID(ctx context.Context, id string) (*models.Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("get plan by id: %w", err)
	}
	return p, nil
}

// PlanByName returns the plan whose name matches exactly.
func (s *PlanStore) PlanByName(ctx context.Context, name string) (*models.Plan, error) {
	p, err := scanPlan(s.db.QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, fmt.Errorf("get plan by name: %w", err)
	}
	return p, nil
}

// SkillsByNames returns the skills whose names appear in names. Unknown names
// are simply absent from the result.
func (s *PlanStore) SkillsByNames(ctx context.Context, names []string) ([]models.Skill, error) {
	if len(names) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, activity_type FROM skills WHERE name = ANY($1) ORDER BY name`,
		pq.Array(names),
	)
	if err != nil {
		return nil, fmt.Errorf("list skills by name: %w", err)
	}
	defer rows.Close()

	var skills []models.Skill
	for rows.Next() {
		var sk models.Skill
		if err := rows.Scan(&sk.ID, &sk.Name, &sk.ActivityType); err != nil {
			return nil, fmt.Errorf("scan skill: %w", err)
		}
		skills = append(skills, sk)
	}

	return skills, rows.Err()
}

// SkillByID returns a single skill category.
func (s *PlanStore) SkillByID(ctx context.Context, id string) (*models.Skill, error) {
	var sk models.Skill
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, activity_type FROM skills WHERE id = $1`,
		id,
	).Scan(&sk.ID, &sk.Name, &sk.ActivityType)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSkillNotFound
		}
		return nil, fmt.Errorf("get skill by id: %w", err)
	}
	return &sk, nil
}

// CourseByID returns the course with its skill category.
func (s *PlanStore) CourseByID(ctx context.Context, id string) (*models.Course, error) {
	var c models.Course
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, skill_id, coach_id FROM courses WHERE id = $1`,
		id,
	).Scan(&c.ID, &c.Name, &c.SkillID, &c.CoachID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrCourseNotFound
		}
		return nil, fmt.Errorf("get course by id: %w", err)
	}
	return &c, nil
}
