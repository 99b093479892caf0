package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"fortio.org/log"
	"github.com/klt/dashboard/internal/aggregator"
	"github.com/klt/dashboard/internal/app"
	"github.com/klt/dashboard/internal/duration"
	"github.com/klt/dashboard/internal/health"
	"github.com/klt/dashboard/internal/poller"
	"github.com/klt/dashboard/internal/reporter"
	"github.com/klt/dashboard/internal/sessionstore"
)

const (
	eventQueueSize = 64
	storeTimeout   = 5 * time.Second
)

type probeReason int

const (
	probeActivation probeReason = iota
	probePending
	probePeriodic
	probeSweep
)

func (r probeReason) String() string {
	switch r {
	case probeActivation:
		return "activation check"
	case probePending:
		return "pending close check"
	case probePeriodic:
		return "liveness check"
	default:
		return "background sweep"
	}
}

type (
	activateEvent   struct{ done chan struct{} }
	deactivateEvent struct{ done chan struct{} }
	hideEvent       struct{ done chan struct{} }
	sweepEvent      struct{}

	batchEvent struct {
		gen   uint64
		batch reporter.Batch
		at    time.Time
	}
	exhaustedEvent struct {
		gen      uint64
		failures int
	}
	healthEvent struct {
		gen     uint64
		reason  probeReason
		verdict health.Verdict
		// pending is the pending close time the probe was started for.
		pending string
	}
)

// session is the state machine of one dashboard. All mutations happen on the
// goroutine running loop; mu only guards the fields readers look at.
type session struct {
	engine *Engine
	target app.DashboardTarget

	events chan any
	done   chan struct{}
	ctx    context.Context
	quit   context.CancelFunc

	mu     sync.RWMutex
	state  State
	agg    *aggregator.Aggregator
	active bool

	// owned by loop
	gen       uint64
	runCtx    context.Context
	cancelRun context.CancelFunc
	sweeping  bool
	// confirming is set while the first activation probe is in flight and
	// nothing has shown the test alive yet. Poll exhaustion seen meanwhile
	// is held in deferred until the probe answers.
	confirming bool
	deferred   int
}

func newSession(parent context.Context, e *Engine, target app.DashboardTarget) *session {
	ctx, quit := context.WithCancel(parent)
	s := &session{
		engine: e,
		target: target,
		events: make(chan any, eventQueueSize),
		done:   make(chan struct{}),
		ctx:    ctx,
		quit:   quit,
	}
	s.state, _ = s.loadState()
	s.agg = aggregator.New(s.loadHistory(), e.cfg.HistoryLimit)
	s.agg.Restore(s.loadLatest())
	return s
}

func (s *session) loop() {
	defer close(s.done)
	defer s.stopRun()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// post queues ev unless the session has shut down.
func (s *session) post(ev any) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// call posts an event carrying done and waits for the loop to handle it.
func (s *session) call(ev any, done chan struct{}) {
	if !s.post(ev) {
		return
	}
	select {
	case <-done:
	case <-s.done:
	}
}

func (s *session) close() {
	s.quit()
	<-s.done
}

func (s *session) handle(ev any) {
	switch ev := ev.(type) {
	case activateEvent:
		s.activate()
		close(ev.done)
	case deactivateEvent:
		s.deactivate()
		close(ev.done)
	case hideEvent:
		s.snapshot("hidden")
		close(ev.done)
	case sweepEvent:
		s.sweep()
	case batchEvent:
		if ev.gen == s.gen {
			s.confirming = false
			s.fold(ev.batch, ev.at)
		}
	case exhaustedEvent:
		if ev.gen == s.gen {
			s.exhausted(ev.failures)
		}
	case healthEvent:
		s.onHealth(ev)
	default:
		log.Errf("Dashboard %s: unexpected event %T", s.target.ID, ev)
	}
}

func (s *session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *session) isActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

func (s *session) update(fn func(st *State)) State {
	s.mu.Lock()
	fn(&s.state)
	st := s.state
	s.mu.Unlock()
	s.saveState(st)
	return st
}

func (s *session) elapsed() string {
	return duration.Elapsed(s.target.CreatedAt, s.engine.now())
}

// refresh merges the persisted record into memory.
func (s *session) refresh() {
	persisted, ok := s.loadState()
	if !ok {
		return
	}
	s.mu.Lock()
	s.state = merge(s.state, persisted, s.active)
	s.mu.Unlock()
}

func (s *session) activate() {
	if s.isActive() {
		return
	}
	s.refresh()
	s.mu.Lock()
	s.active = true
	st := s.state
	s.mu.Unlock()

	if st.Stopped() {
		log.Infof("Dashboard %s already stopped at %s, not polling", s.target.ID, st.StoppedAt)
		return
	}

	s.startRun()
	switch {
	case !st.Opened:
		s.update(func(st *State) {
			st.Opened = true
			st.PendingCloseTime = ""
		})
		log.Infof("Dashboard %s opened", s.target.ID)
		s.confirming = true
		s.probe(s.runCtx, s.gen, probeActivation, st.PendingCloseTime)
	case st.PendingCloseTime != "":
		log.Infof("Dashboard %s reopened with pending close time %s", s.target.ID, st.PendingCloseTime)
		s.probe(s.runCtx, s.gen, probePending, st.PendingCloseTime)
	default:
		s.startLiveness()
	}
}

func (s *session) deactivate() {
	if !s.isActive() {
		return
	}
	s.snapshot("navigation")
	s.stopRun()
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	log.Debugf("Dashboard %s deactivated", s.target.ID)
}

// snapshot records the current elapsed time as the pending close time.
func (s *session) snapshot(why string) {
	if !s.isActive() {
		s.refresh()
	}
	if s.State().Stopped() {
		return
	}
	elapsed := s.elapsed()
	s.update(func(st *State) {
		st.Opened = true
		st.PendingCloseTime = elapsed
	})
	log.Infof("Dashboard %s pending close time %s (%s)", s.target.ID, elapsed, why)
}

func (s *session) startRun() {
	s.stopRun()
	s.runCtx, s.cancelRun = context.WithCancel(s.ctx)
	gen := s.gen
	loop := poller.New(s.engine.client, s.target.URL, s.engine.cfg.Poll, &pollHandler{s: s, gen: gen}).
		WithClock(s.engine.now)
	ctx := s.runCtx
	go func() {
		outcome := loop.Run(ctx)
		log.Debugf("Dashboard %s poll loop ended: %v", s.target.ID, outcome)
	}()
}

// stopRun cancels the poll loop and liveness timer of the current run.
// Results still in flight from it are dropped by generation.
func (s *session) stopRun() {
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	s.gen++
	s.confirming = false
	s.deferred = 0
}

func (s *session) startLiveness() {
	ctx, gen, interval := s.runCtx, s.gen, s.engine.cfg.LivenessInterval
	if ctx == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			pending := s.State().PendingCloseTime
			verdict := s.engine.checker.Probe(ctx, s.target.URL)
			if ctx.Err() != nil {
				return
			}
			s.post(healthEvent{gen: gen, reason: probePeriodic, verdict: verdict, pending: pending})
		}
	}()
}

func (s *session) probe(ctx context.Context, gen uint64, reason probeReason, pending string) {
	go func() {
		verdict := s.engine.checker.Probe(ctx, s.target.URL)
		if ctx.Err() != nil {
			return
		}
		s.post(healthEvent{gen: gen, reason: reason, verdict: verdict, pending: pending})
	}()
}

func (s *session) onHealth(ev healthEvent) {
	log.Debugf("Dashboard %s %v: %v", s.target.ID, ev.reason, ev.verdict)
	if ev.reason == probeSweep {
		s.sweeping = false
		s.onSweep(ev)
		return
	}
	st := s.State()
	if ev.gen != s.gen || st.Stopped() {
		return
	}
	dead := ev.verdict == health.Dead

	switch ev.reason {
	case probeActivation:
		deferred := s.deferred
		s.confirming, s.deferred = false, 0
		// The pending close time was already cleared when the probe started.
		if dead {
			value := ev.pending
			if value == "" {
				value = duration.Zero
			}
			s.finalize(value, ev.reason.String())
			return
		}
		if deferred > 0 {
			s.exhausted(deferred)
			return
		}
		s.startLiveness()
	case probePending:
		if dead {
			s.finalize(ev.pending, ev.reason.String())
			return
		}
		s.clearPending(ev.pending)
		s.startLiveness()
	case probePeriodic:
		switch {
		case dead && ev.pending != "":
			s.finalize(ev.pending, ev.reason.String())
		case dead:
			s.finalize(s.elapsed(), ev.reason.String())
		case ev.pending != "":
			s.clearPending(ev.pending)
		}
	}
}

// clearPending drops the pending close time if it is still value. A newer
// snapshot taken while the probe was in flight is kept.
func (s *session) clearPending(value string) {
	if st := s.State(); st.PendingCloseTime == "" || st.PendingCloseTime != value {
		return
	}
	s.update(func(st *State) { st.PendingCloseTime = "" })
	log.Infof("Dashboard %s is alive, pending close time %s cleared", s.target.ID, value)
}

func (s *session) exhausted(failures int) {
	st := s.State()
	if st.Stopped() {
		return
	}
	if s.confirming {
		log.Infof("Dashboard %s: %d consecutive poll failures, waiting for the activation check", s.target.ID, failures)
		s.deferred = failures
		return
	}
	var value string
	switch {
	case st.Opened && st.PendingCloseTime != "":
		value = st.PendingCloseTime
	case st.Opened:
		value = s.elapsed()
	default:
		value = duration.Zero
	}
	log.Warnf("Dashboard %s: %d consecutive poll failures", s.target.ID, failures)
	s.finalize(value, "poll exhausted")
}

func (s *session) sweep() {
	if s.isActive() || s.sweeping {
		return
	}
	s.refresh()
	st := s.State()
	if !st.Opened || st.PendingCloseTime == "" || st.Stopped() {
		return
	}
	s.sweeping = true
	s.probe(s.ctx, 0, probeSweep, st.PendingCloseTime)
}

func (s *session) onSweep(ev healthEvent) {
	st := s.State()
	if s.isActive() || st.Stopped() || st.PendingCloseTime == "" {
		return
	}
	if ev.verdict == health.Dead {
		s.finalize(st.PendingCloseTime, ev.reason.String())
	}
}

// finalize sets stopped_at unless some path already did, and ends the run.
// A terminal value already persisted by another session wins.
func (s *session) finalize(value, path string) bool {
	if persisted, ok := s.loadState(); ok && persisted.Stopped() {
		value, path = persisted.StoppedAt, "session store"
	}

	s.mu.Lock()
	if s.state.Stopped() {
		s.mu.Unlock()
		return false
	}
	s.state.StoppedAt = value
	s.state.PendingCloseTime = ""
	st := s.state
	s.mu.Unlock()

	s.saveState(st)
	s.stopRun()
	log.Infof("Dashboard %s stopped at %s (%s)", s.target.ID, value, path)
	return true
}

func (s *session) fold(batch reporter.Batch, at time.Time) {
	s.mu.Lock()
	appended := s.agg.Fold(batch.Reports, at)
	var history, latest []byte
	var err error
	if appended {
		history, err = json.Marshal(s.agg.History())
		if err == nil {
			latest, err = json.Marshal(s.agg.Latest())
		}
	}
	s.mu.Unlock()

	if !appended {
		return
	}
	if err != nil {
		log.Errf("Dashboard %s: failed to encode history: %v", s.target.ID, err)
		return
	}
	s.set(sessionstore.HistoryKey(s.target.ID), history)
	s.set(sessionstore.LatestKey(s.target.ID), latest)
}

func (s *session) set(key string, value []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := s.engine.store.Set(ctx, key, value); err != nil {
		log.Warnf("Dashboard %s: failed to persist %s: %v", s.target.ID, key, err)
	}
}

func (s *session) get(key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	data, ok, err := s.engine.store.Get(ctx, key)
	if err != nil {
		log.Warnf("Dashboard %s: failed to read %s: %v", s.target.ID, key, err)
		return nil, false
	}
	return data, ok
}

func (s *session) saveState(st State) {
	data, err := json.Marshal(st)
	if err != nil {
		log.Errf("Dashboard %s: failed to encode state: %v", s.target.ID, err)
		return
	}
	s.set(sessionstore.LifecycleKey(s.target.ID), data)
}

func (s *session) loadState() (State, bool) {
	var st State
	data, ok := s.get(sessionstore.LifecycleKey(s.target.ID))
	if !ok {
		return st, false
	}
	if err := json.Unmarshal(data, &st); err != nil {
		log.Warnf("Dashboard %s: ignoring malformed lifecycle record: %v", s.target.ID, err)
		return State{}, false
	}
	return st, true
}

func (s *session) loadHistory() *aggregator.ChartHistory {
	data, ok := s.get(sessionstore.HistoryKey(s.target.ID))
	if !ok {
		return nil
	}
	h := aggregator.NewChartHistory()
	if err := json.Unmarshal(data, h); err != nil {
		log.Warnf("Dashboard %s: ignoring malformed chart history: %v", s.target.ID, err)
		return nil
	}
	return h
}

func (s *session) loadLatest() []app.VUReport {
	data, ok := s.get(sessionstore.LatestKey(s.target.ID))
	if !ok {
		return nil
	}
	var reports []app.VUReport
	if err := json.Unmarshal(data, &reports); err != nil {
		log.Warnf("Dashboard %s: ignoring persisted latest batch: %v", s.target.ID, err)
		return nil
	}
	return reports
}

// pollHandler feeds poll loop results into the session queue.
type pollHandler struct {
	s   *session
	gen uint64
}

func (h *pollHandler) Stopped() bool { return h.s.State().Stopped() }

func (h *pollHandler) HandleBatch(batch reporter.Batch, at time.Time) {
	h.s.post(batchEvent{gen: h.gen, batch: batch, at: at})
}

func (h *pollHandler) HandleExhausted(failures int) {
	h.s.post(exhaustedEvent{gen: h.gen, failures: failures})
}
