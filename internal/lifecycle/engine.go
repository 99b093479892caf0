// Package lifecycle tracks whether each dashboard's load test is still
// running and freezes its final elapsed time exactly once. Each dashboard is
// driven by one goroutine consuming an event queue; poll results, health
// verdicts and view changes are all events on that queue.
package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fortio.org/log"
	"github.com/klt/dashboard/internal/aggregator"
	"github.com/klt/dashboard/internal/app"
	"github.com/klt/dashboard/internal/health"
	"github.com/klt/dashboard/internal/poller"
	"github.com/klt/dashboard/internal/reporter"
	"github.com/klt/dashboard/internal/sessionstore"
	"github.com/pkg/errors"
)

// Registry is the dashboard directory the engine works against.
type Registry interface {
	app.Directory
	Delete(ctx context.Context, id string) error
}

type Config struct {
	Poll             poller.Config
	LivenessInterval time.Duration
	// HistoryLimit > 0 keeps only the newest points of every chart series.
	HistoryLimit int
}

// Status is the header line of a dashboard view.
type Status struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	URL              string    `json:"url"`
	CreatedAt        time.Time `json:"created_at"`
	Status           string    `json:"status"`
	Stopped          bool      `json:"stopped"`
	Elapsed          string    `json:"elapsed"`
	PendingCloseTime string    `json:"pending_close_time,omitempty"`
	Active           bool      `json:"active"`
	ActiveVUs        int       `json:"active_vus"`
	ConfiguredVUs    int       `json:"configured_vus"`

	Security *app.SecuritySummary `json:"security,omitempty"`
}

const (
	StatusRunning   = "Running"
	StatusCompleted = "Completed"
)

type Engine struct {
	dir     Registry
	store   sessionstore.Store
	client  reporter.Client
	checker health.Checker
	cfg     Config
	now     func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// nav serializes changes of the active dashboard.
	nav      sync.Mutex
	mu       sync.Mutex
	sessions map[string]*session
	active   string
}

func NewEngine(dir Registry, store sessionstore.Store, client reporter.Client, checker health.Checker, cfg Config) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		dir:      dir,
		store:    store,
		client:   client,
		checker:  checker,
		cfg:      cfg,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// WithClock replaces the clock used for elapsed durations and batch timestamps.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// session returns the running session of id, starting it from the persisted
// state when needed.
func (e *Engine) session(id string) (*session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s, ok := e.sessions[id]; ok {
		return s, nil
	}
	if e.ctx.Err() != nil {
		return nil, errors.New("lifecycle engine closed")
	}
	target, err := e.dir.Get(id)
	if err != nil {
		return nil, err
	}
	s := newSession(e.ctx, e, target)
	e.sessions[id] = s
	go s.loop()
	return s, nil
}

func (e *Engine) lookup(id string) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessions[id]
}

// Active returns the id of the active dashboard, or "".
func (e *Engine) Active() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active
}

// Activate makes id the active dashboard. The previously active dashboard
// gets a close-time snapshot and its timers are canceled.
func (e *Engine) Activate(id string) error {
	e.nav.Lock()
	defer e.nav.Unlock()

	s, err := e.session(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	prev := e.active
	e.active = id
	e.mu.Unlock()

	if prev != "" && prev != id {
		if p := e.lookup(prev); p != nil {
			done := make(chan struct{})
			p.call(deactivateEvent{done: done}, done)
		}
	}
	done := make(chan struct{})
	s.call(activateEvent{done: done}, done)
	return nil
}

// Deactivate leaves id, as navigating to no dashboard does.
func (e *Engine) Deactivate(id string) error {
	e.nav.Lock()
	defer e.nav.Unlock()

	if _, err := e.dir.Get(id); err != nil {
		return err
	}
	e.mu.Lock()
	if e.active == id {
		e.active = ""
	}
	e.mu.Unlock()

	if s := e.lookup(id); s != nil {
		done := make(chan struct{})
		s.call(deactivateEvent{done: done}, done)
	}
	return nil
}

// Hide persists the current elapsed time of id as its pending close time.
// It returns once the store write completed.
func (e *Engine) Hide(id string) error {
	s, err := e.session(id)
	if err != nil {
		return err
	}
	done := make(chan struct{})
	s.call(hideEvent{done: done}, done)
	return nil
}

// Delete stops id and removes it with all its persisted keys.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.nav.Lock()
	defer e.nav.Unlock()

	if _, err := e.dir.Get(id); err != nil {
		return err
	}

	e.mu.Lock()
	s := e.sessions[id]
	delete(e.sessions, id)
	if e.active == id {
		e.active = ""
	}
	e.mu.Unlock()
	if s != nil {
		s.close()
	}

	for _, key := range sessionstore.DashboardKeys(id) {
		if err := e.store.Delete(ctx, key); err != nil {
			log.Warnf("Dashboard %s: failed to delete %s: %v", id, key, err)
		}
	}
	return e.dir.Delete(ctx, id)
}

// Sweep queues a health check for every inactive dashboard that was opened
// and still carries a pending close time. Dashboards confirmed dead are
// finalized at their pending close time.
func (e *Engine) Sweep(ctx context.Context) int {
	queued := 0
	active := e.Active()
	for _, target := range e.dir.List() {
		if ctx.Err() != nil {
			break
		}
		if target.ID == active {
			continue
		}
		if e.lookup(target.ID) == nil && !e.needsSweep(ctx, target.ID) {
			continue
		}
		s, err := e.session(target.ID)
		if err != nil {
			log.Warnf("Sweep: skipping dashboard %s: %v", target.ID, err)
			continue
		}
		if s.post(sweepEvent{}) {
			queued++
		}
	}
	if queued > 0 {
		log.Debugf("Sweep: queued %d dashboards", queued)
	}
	return queued
}

// needsSweep peeks at the persisted record of a dashboard not loaded yet.
func (e *Engine) needsSweep(ctx context.Context, id string) bool {
	data, ok, err := e.store.Get(ctx, sessionstore.LifecycleKey(id))
	if err != nil || !ok {
		return false
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return false
	}
	return st.Opened && st.PendingCloseTime != "" && !st.Stopped()
}

// Close snapshots the active dashboard, as closing the view does, and stops
// every session.
func (e *Engine) Close() {
	e.nav.Lock()
	defer e.nav.Unlock()

	e.mu.Lock()
	active := e.active
	e.active = ""
	e.mu.Unlock()
	if s := e.lookup(active); s != nil {
		done := make(chan struct{})
		s.call(deactivateEvent{done: done}, done)
	}

	e.cancel()
	e.mu.Lock()
	sessions := e.sessions
	e.sessions = make(map[string]*session)
	e.mu.Unlock()
	for _, s := range sessions {
		<-s.done
	}
	log.Infof("Lifecycle engine closed (%d sessions)", len(sessions))
}

func (e *Engine) State(id string) (State, error) {
	s, err := e.session(id)
	if err != nil {
		return State{}, err
	}
	return s.State(), nil
}

func (e *Engine) IsStopped(id string) (bool, error) {
	st, err := e.State(id)
	return st.Stopped(), err
}

// ElapsedOrFinal is the frozen duration of a stopped dashboard, otherwise the
// time since it was created.
func (e *Engine) ElapsedOrFinal(id string) (string, error) {
	s, err := e.session(id)
	if err != nil {
		return "", err
	}
	return s.elapsedOrFinal(), nil
}

func (s *session) elapsedOrFinal() string {
	if st := s.State(); st.Stopped() {
		return st.StoppedAt
	}
	return s.elapsed()
}

// ChartHistory returns a copy of the chart series of id.
func (e *Engine) ChartHistory(id string) (*aggregator.ChartHistory, error) {
	s, err := e.session(id)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agg.History().Clone(), nil
}

// Totals groups the latest batch of id by step and VU.
func (e *Engine) Totals(id string) (aggregator.Totals, error) {
	s, err := e.session(id)
	if err != nil {
		return aggregator.Totals{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agg.Totals(), nil
}

func (e *Engine) Table(id string) (aggregator.Table, error) {
	t, err := e.Totals(id)
	if err != nil {
		return aggregator.Table{}, err
	}
	return t.Table(), nil
}

func (e *Engine) Status(id string) (Status, error) {
	s, err := e.session(id)
	if err != nil {
		return Status{}, err
	}
	s.mu.RLock()
	st := s.state
	active := s.active
	vus := len(s.agg.Latest())
	s.mu.RUnlock()

	out := Status{
		ID:               s.target.ID,
		Title:            s.target.Title,
		URL:              s.target.URL,
		CreatedAt:        s.target.CreatedAt,
		Status:           StatusRunning,
		Stopped:          st.Stopped(),
		Elapsed:          s.elapsed(),
		PendingCloseTime: st.PendingCloseTime,
		Active:           active,
		ActiveVUs:        vus,
		ConfiguredVUs:    s.target.LoadOptions.VUs,
	}
	if r := s.target.SecurityReport; r != nil {
		sum := r.Summarize()
		out.Security = &sum
	}
	if st.Stopped() {
		out.Status = StatusCompleted
		out.Elapsed = st.StoppedAt
	}
	return out, nil
}
