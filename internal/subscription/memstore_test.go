package subscription

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sportify/backend/internal/models"
	"github.com/sportify/backend/internal/store"
)

// memStore mirrors the Postgres store, including its unique guards, so
// lifecycle rules can be exercised without a database.
type memStore struct {
	mu        sync.Mutex
	seq       int
	plans     map[string]models.Plan
	skills    map[string]models.Skill
	courses   map[string]models.Course
	users     map[string]*models.User
	subs      []*subRow
	subSkills map[string][]string

	// staleOrderReads is returned by LastOrderNumber before the real value,
	// simulating a concurrent writer between read and insert.
	staleOrderReads []string
}

type subRow struct {
	models.Subscription
	seq int
}

func newMemStore() *memStore {
	return &memStore{
		plans:     map[string]models.Plan{},
		skills:    map[string]models.Skill{},
		courses:   map[string]models.Course{},
		users:     map[string]*models.User{},
		subSkills: map[string][]string{},
	}
}

func (m *memStore) addPlan(p models.Plan) models.Plan {
	m.plans[p.ID] = p
	return p
}

func (m *memStore) addSkill(id, name string) models.Skill {
	sk := models.Skill{ID: id, Name: name, ActivityType: models.ActivityIndoor}
	m.skills[id] = sk
	return sk
}

func (m *memStore) addUser(id string) {
	m.users[id] = &models.User{ID: id, Email: id + "@example.com", Name: id}
}

func (m *memStore) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memStore) userSubs(userID string) []*subRow {
	var out []*subRow
	for _, s := range m.subs {
		if s.UserID == userID {
			out = append(out, s)
		}
	}
	return out
}

// snapshot returns copies of every row of the user, oldest first.
func (m *memStore) snapshot(userID string) []models.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Subscription
	for _, s := range m.userSubs(userID) {
		out = append(out, s.Subscription)
	}
	return out
}

func (m *memStore) skillsOf(subscriptionID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.subSkills[subscriptionID]...)
}

func (m *memStore) pointer(userID string) *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID].SubscriptionID
}

func (m *memStore) PlanByName(_ context.Context, name string) (*models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.plans {
		if p.Name == name {
			p := p
			return &p, nil
		}
	}
	return nil, store.ErrPlanNotFound
}

func (m *memStore) PlanByID(_ context.Context, id string) (*models.Plan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.plans[id]
	if !ok {
		return nil, store.ErrPlanNotFound
	}
	return &p, nil
}

func (m *memStore) SkillsByNames(_ context.Context, names []string) ([]models.Skill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Skill
	for _, sk := range m.skills {
		for _, n := range names {
			if sk.Name == n {
				out = append(out, sk)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) SkillByID(_ context.Context, id string) (*models.Skill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sk, ok := m.skills[id]
	if !ok {
		return nil, store.ErrSkillNotFound
	}
	return &sk, nil
}

func (m *memStore) CourseByID(_ context.Context, id string) (*models.Course, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.courses[id]
	if !ok {
		return nil, store.ErrCourseNotFound
	}
	return &c, nil
}

func (m *memStore) HasRenewingSubscription(_ context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.renewing(userID, ""), nil
}

func (m *memStore) renewing(userID, exceptID string) bool {
	for _, s := range m.userSubs(userID) {
		if s.IsRenewal && s.ID != exceptID {
			return true
		}
	}
	return false
}

func (m *memStore) LastOrderNumber(_ context.Context, prefix string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.staleOrderReads) > 0 {
		v := m.staleOrderReads[0]
		m.staleOrderReads = m.staleOrderReads[1:]
		return v, nil
	}
	last := ""
	for _, s := range m.subs {
		if strings.HasPrefix(s.OrderNumber, prefix) && s.OrderNumber > last {
			last = s.OrderNumber
		}
	}
	return last, nil
}

func (m *memStore) orderTaken(orderNumber string) bool {
	for _, s := range m.subs {
		if s.OrderNumber == orderNumber {
			return true
		}
	}
	return false
}

func (m *memStore) CreatePendingSubscription(_ context.Context, in store.NewSubscription) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	user, ok := m.users[in.UserID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	if m.renewing(in.UserID, "") {
		return nil, store.ErrRenewalExists
	}
	if m.orderTaken(in.OrderNumber) {
		return nil, store.ErrOrderNumberTaken
	}

	id := m.nextID("sub")
	row := &subRow{Subscription: models.Subscription{
		ID:            id,
		UserID:        in.UserID,
		PlanID:        in.PlanID,
		OrderNumber:   in.OrderNumber,
		Price:         in.Price,
		BillingStatus: models.BillingPending,
		CreatedAt:     in.Now,
	}, seq: m.seq}
	m.subs = append(m.subs, row)
	m.subSkills[row.ID] = append([]string(nil), in.SkillIDs...)

	m.endValid(in.UserID, row.ID, in.Now)

	user.SubscriptionID = &id
	out := row.Subscription
	return &out, nil
}

// endValid ends every still-valid paid row of the user at at.
func (m *memStore) endValid(userID, exceptID string, at time.Time) {
	for _, s := range m.userSubs(userID) {
		if s.ID != exceptID && s.IsPaid && s.EndAt != nil && s.EndAt.After(at) {
			t := at
			s.EndAt = &t
		}
	}
}

func (m *memStore) find(pred func(*subRow) bool) *subRow {
	for _, s := range m.subs {
		if pred(s) {
			return s
		}
	}
	return nil
}

func (m *memStore) SubscriptionByOrderNumber(_ context.Context, orderNumber string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.find(func(s *subRow) bool { return s.OrderNumber == orderNumber })
	if row == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	out := row.Subscription
	return &out, nil
}

func (m *memStore) AssignMerchantTradeNo(_ context.Context, subscriptionID, merchantTradeNo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.find(func(s *subRow) bool { return s.ID == subscriptionID })
	switch {
	case row == nil:
		return store.ErrSubscriptionNotFound
	case m.renewing(row.UserID, ""):
		return store.ErrRenewalExists
	case row.IsPaid:
		return store.ErrAlreadyPaid
	}
	tradeNo := merchantTradeNo
	row.MerchantTradeNo = &tradeNo
	row.BillingStatus = models.BillingPending
	return nil
}

func (m *memStore) LatestSubscriptionByTradeNo(_ context.Context, merchantTradeNo string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *subRow
	for _, s := range m.subs {
		if s.MerchantTradeNo == nil || *s.MerchantTradeNo != merchantTradeNo {
			continue
		}
		if best == nil || laterPurchase(s, best) {
			best = s
		}
	}
	if best == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	out := best.Subscription
	return &out, nil
}

// laterPurchase orders by purchased_at DESC NULLS FIRST, then newest row.
func laterPurchase(a, b *subRow) bool {
	switch {
	case a.PurchasedAt == nil && b.PurchasedAt == nil:
		return a.seq > b.seq
	case a.PurchasedAt == nil:
		return true
	case b.PurchasedAt == nil:
		return false
	case a.PurchasedAt.Equal(*b.PurchasedAt):
		return a.seq > b.seq
	default:
		return a.PurchasedAt.After(*b.PurchasedAt)
	}
}

func (m *memStore) ActivateSubscription(_ context.Context, sub models.Subscription, c store.Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.find(func(s *subRow) bool { return s.ID == sub.ID })
	if row == nil || row.IsPaid {
		return store.ErrAlreadyPaid
	}
	if m.renewing(row.UserID, row.ID) {
		return store.ErrRenewalExists
	}

	m.endValid(row.UserID, row.ID, c.PaidAt)

	paid, end, method := c.PaidAt, c.EndAt, c.PaymentMethod
	row.IsPaid = true
	row.IsRenewal = true
	row.BillingStatus = models.BillingActive
	row.PaymentMethod = &method
	row.PurchasedAt = &paid
	row.StartAt = &paid
	row.EndAt = &end
	return nil
}

func (m *memStore) RecordRenewal(_ context.Context, r store.Renewal) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := r.Previous

	if m.find(func(s *subRow) bool {
		return s.MerchantTradeNo != nil && *s.MerchantTradeNo == *prev.MerchantTradeNo &&
			s.PurchasedAt != nil && s.PurchasedAt.Equal(r.PaidAt)
	}) != nil {
		return nil, store.ErrDuplicatePayment
	}
	if m.orderTaken(r.OrderNumber) {
		return nil, store.ErrOrderNumberTaken
	}

	for _, s := range m.userSubs(prev.UserID) {
		if s.IsRenewal {
			s.IsRenewal = false
			s.BillingStatus = models.BillingSuperseded
		}
	}
	m.endValid(prev.UserID, "", r.PaidAt)

	paid, end, method := r.PaidAt, r.EndAt, r.PaymentMethod
	tradeNo := *prev.MerchantTradeNo
	id := m.nextID("sub")
	row := &subRow{Subscription: models.Subscription{
		ID:              id,
		UserID:          prev.UserID,
		PlanID:          prev.PlanID,
		OrderNumber:     r.OrderNumber,
		Price:           prev.Price,
		IsPaid:          true,
		IsRenewal:       true,
		BillingStatus:   r.BillingStatus,
		MerchantTradeNo: &tradeNo,
		PaymentMethod:   &method,
		PurchasedAt:     &paid,
		StartAt:         &paid,
		EndAt:           &end,
	}, seq: m.seq}
	m.subs = append(m.subs, row)
	m.subSkills[row.ID] = append([]string(nil), m.subSkills[prev.ID]...)

	if u := m.users[prev.UserID]; u.SubscriptionID != nil && *u.SubscriptionID == prev.ID {
		u.SubscriptionID = &id
	}

	out := row.Subscription
	return &out, nil
}

func (m *memStore) RequestCancellation(_ context.Context, subscriptionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row := m.find(func(s *subRow) bool {
		return s.ID == subscriptionID && s.IsRenewal &&
			(s.BillingStatus == models.BillingActive || s.BillingStatus == models.BillingCancellationRequested)
	})
	if row == nil {
		return store.ErrNotCancellable
	}
	row.BillingStatus = models.BillingCancellationRequested
	return nil
}

func (m *memStore) ConfirmCancellation(_ context.Context, merchantTradeNo string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := map[string]bool{}
	for _, s := range m.subs {
		if s.MerchantTradeNo == nil || *s.MerchantTradeNo != merchantTradeNo {
			continue
		}
		ids[s.ID] = true
		if s.IsRenewal || s.BillingStatus == models.BillingActive || s.BillingStatus == models.BillingCancellationRequested {
			s.IsRenewal = false
			s.BillingStatus = models.BillingCancelled
		}
	}
	for _, u := range m.users {
		if u.SubscriptionID != nil && ids[*u.SubscriptionID] {
			u.SubscriptionID = nil
		}
	}
	return nil
}

func (m *memStore) ClearCurrentSubscription(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok || u.SubscriptionID == nil {
		return store.ErrNoCurrentSubscription
	}
	u.SubscriptionID = nil
	return nil
}

func (m *memStore) LatestSubscription(_ context.Context, userID string) (*models.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *subRow
	for _, s := range m.userSubs(userID) {
		if best == nil || laterEnd(s, best) {
			best = s
		}
	}
	if best == nil {
		return nil, store.ErrSubscriptionNotFound
	}
	out := best.Subscription
	return &out, nil
}

// laterEnd orders by end_at DESC NULLS LAST, then newest row.
func laterEnd(a, b *subRow) bool {
	switch {
	case a.EndAt == nil && b.EndAt == nil:
		return a.seq > b.seq
	case a.EndAt == nil:
		return false
	case b.EndAt == nil:
		return true
	case a.EndAt.Equal(*b.EndAt):
		return a.seq > b.seq
	default:
		return a.EndAt.After(*b.EndAt)
	}
}

func (m *memStore) SubscriptionHasSkill(_ context.Context, subscriptionID, skillID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.subSkills[subscriptionID] {
		if id == skillID {
			return true, nil
		}
	}
	return false, nil
}

func (m *memStore) HasSubscribedToPlan(_ context.Context, userID, planName string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.userSubs(userID) {
		if m.plans[s.PlanID].Name == planName {
			return true, nil
		}
	}
	return false, nil
}

var (
	_ Store            = (*memStore)(nil)
	_ EntitlementStore = (*memStore)(nil)
)
