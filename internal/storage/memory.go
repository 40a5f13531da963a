package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Gateway used by tests and dry runs.
type MemoryStore struct {
	mu            sync.RWMutex
	current       map[RateKey]RateObservation
	history       []RateHistoryEntry
	alerts        map[string]Alert
	notifications []Notification
}

// NewMemoryStore creates an empty in-memory gateway.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		current: make(map[RateKey]RateObservation),
		alerts:  make(map[string]Alert),
	}
}

// FindCurrent returns the current row for key.
func (s *MemoryStore) FindCurrent(_ context.Context, key RateKey) (RateObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	obs, ok := s.current[key]
	if !ok {
		return RateObservation{}, ErrNotFound
	}
	return obs, nil
}

// UpsertCurrent replaces the current row for the observation's key.
func (s *MemoryStore) UpsertCurrent(_ context.Context, obs RateObservation) error {
	if obs.Asset == "" || obs.Platform == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.current[obs.Key()] = obs
	return nil
}

// AppendHistory records a prior value.
func (s *MemoryStore) AppendHistory(_ context.Context, entry RateHistoryEntry) error {
	if entry.Asset == "" || entry.Platform == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, entry)
	return nil
}

// ListCurrent returns every current row ordered by asset, platform, lock period.
func (s *MemoryStore) ListCurrent(_ context.Context) ([]RateObservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RateObservation, 0, len(s.current))
	for _, obs := range s.current {
		out = append(out, obs)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Asset != b.Asset {
			return a.Asset < b.Asset
		}
		if a.Platform != b.Platform {
			return a.Platform < b.Platform
		}
		if a.Chain != b.Chain {
			return a.Chain < b.Chain
		}
		return a.LockPeriod < b.LockPeriod
	})
	return out, nil
}

// ListHistory returns entries for key recorded within [from, to).
func (s *MemoryStore) ListHistory(_ context.Context, key RateKey, from, to time.Time) ([]RateHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]RateHistoryEntry, 0)
	for _, entry := range s.history {
		if entry.RateKey != key {
			continue
		}
		if entry.RecordedAt.Before(from) || !entry.RecordedAt.Before(to) {
			continue
		}
		out = append(out, entry)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out, nil
}

// FindActiveAlerts returns active alerts ordered by id.
func (s *MemoryStore) FindActiveAlerts(_ context.Context) ([]Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Alert, 0, len(s.alerts))
	for _, alert := range s.alerts {
		if alert.IsActive {
			out = append(out, copyAlert(alert))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// SetAlertLastTriggered stamps the alert's last trigger time.
func (s *MemoryStore) SetAlertLastTriggered(_ context.Context, alertID string, when time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	alert, ok := s.alerts[alertID]
	if !ok {
		return ErrNotFound
	}
	stamp := when
	alert.LastTriggered = &stamp
	s.alerts[alertID] = alert
	return nil
}

// InsertNotification stores n, assigning an id and creation time when missing.
func (s *MemoryStore) InsertNotification(_ context.Context, n Notification) (Notification, error) {
	if n.UserID == "" || n.AlertID == "" {
		return Notification{}, ErrInvalidInput
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return n, nil
}

// DeleteNotificationsOlderThan drops notifications created before cutoff.
func (s *MemoryStore) DeleteNotificationsOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.notifications[:0]
	var removed int64
	for _, n := range s.notifications {
		if n.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, n)
	}
	s.notifications = kept
	return removed, nil
}

// PutAlert seeds or replaces an alert. Alert CRUD lives outside this module,
// so this exists for tests and local runs.
func (s *MemoryStore) PutAlert(alert Alert) Alert {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.ID] = copyAlert(alert)
	return alert
}

// Alert returns a stored alert by id.
func (s *MemoryStore) Alert(id string) (Alert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	alert, ok := s.alerts[id]
	return copyAlert(alert), ok
}

// History returns a copy of every history entry in append order.
func (s *MemoryStore) History() []RateHistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RateHistoryEntry(nil), s.history...)
}

// Notifications returns a copy of every stored notification.
func (s *MemoryStore) Notifications() []Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Notification(nil), s.notifications...)
}

func copyAlert(a Alert) Alert {
	if a.LastTriggered != nil {
		stamp := *a.LastTriggered
		a.LastTriggered = &stamp
	}
	return a
}

var _ Gateway = (*MemoryStore)(nil)
