package notifications

import (
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"opsdesk/backend/opsdeskd/internal/fsatomic"
)

const maxKept = 1000

// Notification is one delivered message about a change lifecycle
// event. Delivery is at-least-once, best-effort; the workflow never
// depends on these records.
type Notification struct {
	ID        string    `json:"id"`
	Recipient string    `json:"recipient"`
	Level     string    `json:"level"`    // info, warning, error
	Category  string    `json:"category"` // approval, automation, completion
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	ChangeID  string    `json:"changeId,omitempty"`
	Read      bool      `json:"read"`
	Timestamp time.Time `json:"timestamp"`
}

// Manager stores notifications in a JSON file under the state
// directory, newest kept up to a fixed cap.
type Manager struct {
	logger zerolog.Logger
	path   string

	mu    sync.RWMutex
	items map[string]*Notification
}

// NewManager loads (or starts) the notification store in stateDir.
func NewManager(logger zerolog.Logger, stateDir string) (*Manager, error) {
	m := &Manager{
		logger: logger.With().Str("component", "notifications").Logger(),
		path:   filepath.Join(stateDir, "notifications.json"),
		items:  make(map[string]*Notification),
	}

	var list []*Notification
	if ok, err := fsatomic.LoadJSON(m.path, &list); err != nil {
		return nil, err
	} else if ok {
		for _, n := range list {
			m.items[n.ID] = n
		}
	}
	return m, nil
}

// Notify appends a notification and persists the store.
func (m *Manager) Notify(n Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	if n.Level == "" {
		n.Level = "info"
	}
	m.items[n.ID] = &n

	m.logger.Debug().
		Str("recipient", n.Recipient).
		Str("category", n.Category).
		Str("change", n.ChangeID).
		Msg("notification recorded")
	return m.save()
}

// List returns notifications newest first, capped at limit.
func (m *Manager) List(limit int) []*Notification {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Notification, 0, len(m.items))
	for _, n := range m.items {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// MarkRead flags a notification as read.
func (m *Manager) MarkRead(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, ok := m.items[id]
	if !ok {
		return false
	}
	n.Read = true
	if err := m.save(); err != nil {
		m.logger.Warn().Err(err).Msg("failed to persist read flag")
	}
	return true
}

// save persists the newest maxKept notifications. Caller holds mu.
func (m *Manager) save() error {
	list := make([]*Notification, 0, len(m.items))
	for _, n := range m.items {
		list = append(list, n)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Timestamp.Before(list[j].Timestamp) })
	if len(list) > maxKept {
		drop := list[:len(list)-maxKept]
		for _, n := range drop {
			delete(m.items, n.ID)
		}
		list = list[len(list)-maxKept:]
	}
	return fsatomic.SaveJSON(m.path, list, 0o600)
}
