// Package registry keeps the list of monitored dashboards and mirrors it
// into the session store under a single key.
package registry

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"fortio.org/log"
	"github.com/google/uuid"
	"github.com/klt/dashboard/internal/app"
	"github.com/klt/dashboard/internal/sessionstore"
	"github.com/pkg/errors"
)

var (
	ErrNotFound = errors.New("dashboard not found")
	ErrExists   = errors.New("dashboard already exists")
)

type Manager struct {
	dashboards map[string]app.DashboardTarget
	mu         sync.RWMutex

	store sessionstore.Store
	now   func() time.Time
}

var _ app.Directory = (*Manager)(nil)

// NewManager loads the persisted dashboard list. A missing or unreadable
// list starts an empty registry.
func NewManager(ctx context.Context, store sessionstore.Store) *Manager {
	m := &Manager{
		dashboards: make(map[string]app.DashboardTarget),
		store:      store,
		now:        time.Now,
	}
	m.load(ctx)
	return m
}

// WithClock replaces the creation time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

func (m *Manager) load(ctx context.Context) {
	data, ok, err := m.store.Get(ctx, sessionstore.RegistryKey)
	if err != nil {
		log.Warnf("Failed to read dashboard list: %v", err)
		return
	}
	if !ok {
		return
	}
	var list []app.DashboardTarget
	if err := json.Unmarshal(data, &list); err != nil {
		log.Warnf("Ignoring malformed dashboard list: %v", err)
		return
	}
	for _, d := range list {
		if d.ID == "" {
			continue
		}
		m.dashboards[d.ID] = d
	}
	log.Infof("Loaded %d dashboards", len(m.dashboards))
}

// persist must be called with m.mu held.
func (m *Manager) persist(ctx context.Context) {
	data, err := json.Marshal(m.sortedLocked())
	if err != nil {
		log.Errf("Failed to encode dashboard list: %v", err)
		return
	}
	if err := m.store.Set(ctx, sessionstore.RegistryKey, data); err != nil {
		log.Warnf("Failed to persist dashboard list: %v", err)
	}
}

func validate(req CreateDashboardRequest) error {
	if strings.TrimSpace(req.Title) == "" {
		return errors.New("title is required")
	}
	u, err := url.Parse(req.URL)
	if err != nil {
		return errors.Wrapf(err, "invalid url %q", req.URL)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Errorf("url must be an absolute http(s) url: %q", req.URL)
	}
	if strings.ContainsAny(req.ID, "/ ") {
		return errors.Errorf("invalid id %q", req.ID)
	}
	if req.SecurityReport != nil {
		if err := req.SecurityReport.Validate(); err != nil {
			return errors.Wrap(err, "invalid security report")
		}
	}
	return nil
}

func (m *Manager) Create(ctx context.Context, req CreateDashboardRequest) (app.DashboardTarget, error) {
	if err := validate(req); err != nil {
		return app.DashboardTarget{}, err
	}
	id := req.ID
	if id == "" {
		id = uuid.NewString()
	}
	created := req.CreatedAt
	if created.IsZero() {
		created = m.now()
	}

	d := app.DashboardTarget{
		ID:          id,
		URL:         req.URL,
		Title:       strings.TrimSpace(req.Title),
		Description: req.Description,
		CreatedAt:   created,
		LoadOptions: req.LoadOptions,
		EndAt:       req.EndAt,

		SecurityReport: req.SecurityReport,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.dashboards[id]; ok {
		return app.DashboardTarget{}, errors.Wrapf(ErrExists, "id %s", id)
	}
	m.dashboards[id] = d
	m.persist(ctx)

	log.Infof("Registered dashboard %s (%s) polling %s", d.Title, d.ID, d.URL)
	return d, nil
}

func (m *Manager) Get(id string) (app.DashboardTarget, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.dashboards[id]
	if !ok {
		return app.DashboardTarget{}, errors.Wrapf(ErrNotFound, "id %s", id)
	}
	return d, nil
}

// List returns every dashboard, oldest first.
func (m *Manager) List() []app.DashboardTarget {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedLocked()
}

func (m *Manager) sortedLocked() []app.DashboardTarget {
	result := make([]app.DashboardTarget, 0, len(m.dashboards))
	for _, d := range m.dashboards {
		result = append(result, d)
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.Before(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

// Delete removes the dashboard from the list. The dashboard's own session
// keys are removed by the lifecycle engine.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.dashboards[id]; !ok {
		return errors.Wrapf(ErrNotFound, "id %s", id)
	}
	delete(m.dashboards, id)
	m.persist(ctx)
	log.Infof("Removed dashboard %s", id)
	return nil
}
