package database

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"pricealert/internal/models"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. State is lost on restart; it is meant
// for local runs and tests.
type MemoryStore struct {
	mu     sync.Mutex
	alerts map[string]models.PriceAlert
	prefs  map[string]models.NotificationPreferences
	now    func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		alerts: make(map[string]models.PriceAlert),
		prefs:  make(map[string]models.NotificationPreferences),
		now:    time.Now,
	}
}

func (m *MemoryStore) ListActiveAlerts(_ context.Context) ([]models.PriceAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PriceAlert
	for _, a := range m.alerts {
		if a.Evaluable() {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) GetPreferences(_ context.Context, userIDs []string) (map[string]models.NotificationPreferences, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]models.NotificationPreferences, len(userIDs))
	for _, id := range userIDs {
		p, ok := m.prefs[id]
		if !ok {
			p = models.DefaultPreferences(id)
			p.UpdatedAt = m.now().UTC()
			m.prefs[id] = p
		}
		out[id] = p
	}
	return out, nil
}

func (m *MemoryStore) MarkTriggered(_ context.Context, alertID string, price decimal.Decimal, at time.Time) (MarkResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok || !a.Evaluable() {
		return MarkConflict, nil
	}
	at = at.UTC()
	a.IsActive = false
	a.IsTriggered = true
	a.TriggeredAt = &at
	a.TriggeredPrice = &price
	a.UpdatedAt = m.now().UTC()
	m.alerts[alertID] = a
	return MarkApplied, nil
}

func (m *MemoryStore) CreateAlert(_ context.Context, alert *models.PriceAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[alert.ID]; ok {
		return ErrDuplicate
	}
	now := m.now().UTC()
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = now
	}
	alert.UpdatedAt = now
	m.alerts[alert.ID] = *alert
	return nil
}

func (m *MemoryStore) GetAlert(_ context.Context, id string) (*models.PriceAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *MemoryStore) ListAlertsByUser(_ context.Context, userID string) ([]models.PriceAlert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PriceAlert
	for _, a := range m.alerts {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) PauseAlert(_ context.Context, id string) error {
	return m.setActive(id, false)
}

func (m *MemoryStore) ActivateAlert(_ context.Context, id string) error {
	return m.setActive(id, true)
}

func (m *MemoryStore) setActive(id string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[id]
	if !ok {
		return ErrNotFound
	}
	if a.IsTriggered {
		return ErrAlreadyTriggered
	}
	a.IsActive = active
	a.UpdatedAt = m.now().UTC()
	m.alerts[id] = a
	return nil
}

func (m *MemoryStore) DeleteAlert(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.alerts[id]; !ok {
		return ErrNotFound
	}
	delete(m.alerts, id)
	return nil
}

func (m *MemoryStore) UpsertPreferences(_ context.Context, prefs models.NotificationPreferences) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefs.UpdatedAt = m.now().UTC()
	m.prefs[prefs.UserID] = prefs
	return nil
}

func (m *MemoryStore) Close() error { return nil }
