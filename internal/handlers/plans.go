package handlers

import (
	"context"
	"net/http"

	"github.com/sportify/backend/internal/models"
)

// PlanLister defines the behaviour required from the storage client backing
// the plan catalogue.
type PlanLister interface {
	ListPlans(ctx context.Context) ([]models.Plan, error)
}

type planView struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Price         int    `json:"price"`
	MaxResolution int    `json:"max_resolution"`
	Livestream    bool   `json:"livestream"`
	SportsChoice  int    `json:"sports_choice"`
}

// ListPlans returns every plan for the checkout page.
func ListPlans(store PlanLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		plans, err := store.ListPlans(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}

		views := make([]planView, 0, len(plans))
		for _, p := range plans {
			views = append(views, planView{
				ID:            p.ID,
				Name:          p.Name,
				Price:         p.Price,
				MaxResolution: p.MaxResolution,
				Livestream:    p.Livestream,
				SportsChoice:  p.SportsChoice,
			})
		}
		writeJSON(w, http.StatusOK, envelope{Data: views})
	}
}
