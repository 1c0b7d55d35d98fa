package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/sportify/backend/internal/apperror"
	"github.com/sportify/backend/internal/metrics"
	"github.com/sportify/backend/internal/models"
	"github.com/sportify/backend/internal/subscription"
)

const historyPageSize = 20

// SubscriptionService creates and soft-cancels subscriptions.
type SubscriptionService interface {
	Create(ctx context.Context, req subscription.CreateRequest) (*subscription.Created, error)
	Cancel(ctx context.Context, userID string) error
}

// HistoryStore pages through a user's subscriptions.
type HistoryStore interface {
	SubscriptionHistory(ctx context.Context, userID string, limit, offset int) (models.SubscriptionPage, error)
}

// SubscriptionHandler serves the subscriber's own subscription endpoints.
type SubscriptionHandler struct {
	service SubscriptionService
	history HistoryStore
	metrics *metrics.Metrics
	loc     *time.Location
}

// NewSubscriptionHandler creates a SubscriptionHandler. loc formats dates.
func NewSubscriptionHandler(service SubscriptionService, history HistoryStore, m *metrics.Metrics, loc *time.Location) *SubscriptionHandler {
	if loc == nil {
		loc = time.Local
	}
	return &SubscriptionHandler{service: service, history: history, metrics: m, loc: loc}
}

type createSubscriptionPayload struct {
	SubscriptionName string   `json:"subscription_name"`
	CourseType       []string `json:"course_type"`
}

type createdSubscriptionView struct {
	ID          string   `json:"id"`
	UserID      string   `json:"user_id"`
	Plan        string   `json:"plan"`
	CourseType  []string `json:"course_type"`
	OrderNumber string   `json:"order_number"`
	Price       int      `json:"price"`
	IsPaid      bool     `json:"is_paid"`
	CreatedAt   string   `json:"created_at"`
}

// Create stores an unpaid subscription for the caller.
func (h *SubscriptionHandler) Create() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := currentPrincipal(r)
		if err != nil {
			writeError(w, err)
			return
		}

		var payload createSubscriptionPayload
		if err := decodeJSON(w, r, &payload); err != nil {
			writeError(w, err)
			return
		}

		created, err := h.service.Create(r.Context(), subscription.CreateRequest{
			UserID:     p.ID,
			PlanName:   payload.SubscriptionName,
			SkillNames: payload.CourseType,
		})
		if err != nil {
			writeError(w, err)
			return
		}
		h.metrics.SubscriptionCreated(created.Plan.Name)

		skills := make([]string, 0, len(created.Skills))
		for _, sk := range created.Skills {
			skills = append(skills, sk.Name)
		}
		sub := created.Subscription
		writeJSON(w, http.StatusCreated, envelope{
			Message: "subscription created",
			Data: map[string]any{"subscription": createdSubscriptionView{
				ID:          sub.ID,
				UserID:      sub.UserID,
				Plan:        created.Plan.Name,
				CourseType:  skills,
				OrderNumber: sub.OrderNumber,
				Price:       sub.Price,
				IsPaid:      sub.IsPaid,
				CreatedAt:   sub.CreatedAt.In(h.loc).Format(displayLayout),
			}},
		})
	}
}

// Cancel clears the caller's current-subscription pointer. Access continues
// until the subscription expires.
func (h *SubscriptionHandler) Cancel() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := currentPrincipal(r)
		if err != nil {
			writeError(w, err)
			return
		}
		if err := h.service.Cancel(r.Context(), p.ID); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, envelope{Message: "subscription cancelled"})
	}
}

type historyRow struct {
	ID            string  `json:"id"`
	OrderNumber   string  `json:"order_number"`
	Plan          string  `json:"plan"`
	Price         int     `json:"price"`
	PurchasedAt   *string `json:"purchased_at"`
	EndAt         *string `json:"end_at"`
	Period        *string `json:"period"`
	PaymentMethod *string `json:"payment_method"`
	IsPaid        bool    `json:"is_paid"`
	IsRenewal     bool    `json:"is_renewal"`
	BillingStatus string  `json:"billing_status"`
	NextPayment   *string `json:"next_payment"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

type pageMeta struct {
	Page        int  `json:"page"`
	Limit       int  `json:"limit"`
	Total       int  `json:"total"`
	TotalPages  int  `json:"total_pages"`
	HasNext     bool `json:"has_next"`
	HasPrevious bool `json:"has_previous"`
}

// History lists the caller's subscriptions, newest order number first.
func (h *SubscriptionHandler) History() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := currentPrincipal(r)
		if err != nil {
			writeError(w, err)
			return
		}

		page := 1
		if raw := r.URL.Query().Get("page"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed < 1 {
				writeError(w, apperror.Validation("page must be a positive integer"))
				return
			}
			page = parsed
		}

		result, err := h.history.SubscriptionHistory(r.Context(), p.ID, historyPageSize, (page-1)*historyPageSize)
		if err != nil {
			writeError(w, err)
			return
		}

		totalPages := (result.Total + historyPageSize - 1) / historyPageSize
		if result.Total > 0 && page > totalPages {
			writeError(w, apperror.Validation("page %d is out of range", page))
			return
		}

		rows := make([]historyRow, 0, len(result.Records))
		for _, rec := range result.Records {
			rows = append(rows, h.historyRow(rec))
		}

		writeJSON(w, http.StatusOK, envelope{
			Data: rows,
			Meta: pageMeta{
				Page:        page,
				Limit:       historyPageSize,
				Total:       result.Total,
				TotalPages:  totalPages,
				HasNext:     page < totalPages,
				HasPrevious: page > 1,
			},
		})
	}
}

func (h *SubscriptionHandler) historyRow(rec models.SubscriptionRecord) historyRow {
	row := historyRow{
		ID:            rec.ID,
		OrderNumber:   rec.OrderNumber,
		Plan:          rec.PlanName,
		Price:         rec.Price,
		PurchasedAt:   h.formatTime(rec.PurchasedAt),
		EndAt:         h.formatTime(rec.EndAt),
		PaymentMethod: rec.PaymentMethod,
		IsPaid:        rec.IsPaid,
		IsRenewal:     rec.IsRenewal,
		BillingStatus: string(rec.BillingStatus),
		CreatedAt:     rec.CreatedAt.In(h.loc).Format(displayLayout),
		UpdatedAt:     rec.UpdatedAt.In(h.loc).Format(displayLayout),
	}
	if rec.StartAt != nil && rec.EndAt != nil {
		period := *h.formatTime(rec.StartAt) + " - " + *row.EndAt
		row.Period = &period
	}
	if rec.IsRenewal && rec.EndAt != nil {
		next := rec.EndAt.AddDate(0, 0, 1)
		row.NextPayment = h.formatTime(&next)
	}
	return row
}

func (h *SubscriptionHandler) formatTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.In(h.loc).Format(displayLayout)
	return &s
}
