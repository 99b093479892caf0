package lifecycle

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klt/dashboard/internal/app"
	"github.com/klt/dashboard/internal/health"
	"github.com/klt/dashboard/internal/poller"
	"github.com/klt/dashboard/internal/registry"
	"github.com/klt/dashboard/internal/reporter"
	"github.com/klt/dashboard/internal/retry"
	"github.com/klt/dashboard/internal/sessionstore"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

const (
	waitFor = 2 * time.Second
	tick    = time.Millisecond
)

var testConfig = Config{
	Poll: poller.Config{
		Interval:    2 * time.Millisecond,
		MaxFailures: 3,
		Timeouts:    retry.Policy{TimeoutBase: time.Second, TimeoutStep: time.Second},
	},
	LivenessInterval: time.Hour,
}

var probePolicy = retry.Policy{
	MaxRetries:  2,
	TimeoutBase: time.Second,
	BackoffBase: time.Millisecond,
	BackoffMax:  time.Millisecond,
}

type fixture struct {
	store  *sessionstore.MemoryStore
	reg    *registry.Manager
	client *reporter.MockClient
}

func newFixture(t *testing.T) *fixture {
	store := sessionstore.NewMemoryStore()
	return &fixture{
		store:  store,
		reg:    registry.NewManager(context.Background(), store),
		client: reporter.NewMockClient(2),
	}
}

func (f *fixture) dashboard(t *testing.T, id string) app.DashboardTarget {
	d, err := f.reg.Create(context.Background(), registry.CreateDashboardRequest{
		ID:          id,
		URL:         "http://reporter/" + id,
		Title:       "load test " + id,
		CreatedAt:   t0,
		LoadOptions: app.LoadOptions{VUs: 2},
	})
	require.NoError(t, err)
	return d
}

func (f *fixture) engine(cfg Config, now func() time.Time) *Engine {
	return NewEngine(f.reg, f.store, f.client, health.NewProber(f.client, probePolicy), cfg).WithClock(now)
}

func (f *fixture) persisted(t *testing.T, id string) State {
	data, ok, err := f.store.Get(context.Background(), sessionstore.LifecycleKey(id))
	require.NoError(t, err)
	require.True(t, ok, "no lifecycle record for %s", id)
	var st State
	require.NoError(t, json.Unmarshal(data, &st))
	return st
}

func (f *fixture) persist(t *testing.T, id string, st State) {
	data, err := json.Marshal(st)
	require.NoError(t, err)
	require.NoError(t, f.store.Set(context.Background(), sessionstore.LifecycleKey(id), data))
}

func fixed(t time.Time) func() time.Time { return func() time.Time { return t } }

func stopped(e *Engine, id string) func() bool {
	return func() bool {
		ok, _ := e.IsStopped(id)
		return ok
	}
}

// batchWithSteps builds a batch whose fingerprint changes with steps.
func batchWithSteps(steps int64) reporter.Response {
	var reports []app.VUReport
	for id := int64(0); id < 2; id++ {
		reports = append(reports, app.VUReport{
			VUID:      id,
			ExecCount: steps,
			ExecTimes: []float64{float64(steps) * 1e6},
			Steps: []app.StepReport{{
				Name:          "login",
				Count:         steps,
				ResponseTimes: []float64{float64(10+id) * 1e6},
				BytesIn:       1024,
			}},
		})
	}
	return reporter.Response{Batch: reporter.Batch{Reports: reports}}
}

func serverError() reporter.Response {
	return reporter.Response{Err: errors.New("reporter returned 500")}
}

func TestStopsAfterPollFailuresAndStaysStoppedOnReload(t *testing.T) {
	f := newFixture(t)
	d := f.dashboard(t, "a")
	for i := int64(1); i <= 5; i++ {
		f.client.Enqueue(d.URL, batchWithSteps(i))
	}
	f.client.Enqueue(d.URL, serverError(), serverError(), serverError())
	// Fetch n happens n seconds after creation.
	clock := func() time.Time { return t0.Add(time.Duration(f.client.Fetches(d.URL)) * time.Second) }

	e := f.engine(testConfig, clock)
	require.NoError(t, e.Activate(d.ID))
	require.Eventually(t, stopped(e, d.ID), waitFor, tick)

	final, err := e.ElapsedOrFinal(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "8s", final)
	assert.Equal(t, 8, f.client.Fetches(d.URL))
	assert.Equal(t, "8s", f.persisted(t, d.ID).StoppedAt)

	h, err := e.ChartHistory(d.ID)
	require.NoError(t, err)
	require.Len(t, h.Overall, 5)
	for i := 1; i < len(h.Overall); i++ {
		assert.Greater(t, h.Overall[i].Timestamp, h.Overall[i-1].Timestamp)
	}
	assert.Len(t, h.PerStep["login"], 5)
	assert.Len(t, h.PerVU[1], 5)
	e.Close()

	reload := f.engine(testConfig, fixed(t0.Add(time.Hour)))
	defer reload.Close()
	require.NoError(t, reload.Activate(d.ID))

	status, err := reload.Status(d.ID)
	require.NoError(t, err)
	assert.True(t, status.Stopped)
	assert.Equal(t, StatusCompleted, status.Status)
	assert.Equal(t, "8s", status.Elapsed)
	assert.Equal(t, 2, status.ActiveVUs)

	h, err = reload.ChartHistory(d.ID)
	require.NoError(t, err)
	assert.Len(t, h.Overall, 5)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 8, f.client.Fetches(d.URL), "a stopped dashboard is never polled again")
}

func TestHiddenDashboardFinalizedAtPendingCloseTime(t *testing.T) {
	f := newFixture(t)
	d := f.dashboard(t, "b")

	e := f.engine(testConfig, fixed(t0.Add(45*time.Second)))
	require.NoError(t, e.Activate(d.ID))
	require.Eventually(t, func() bool { return f.client.Fetches(d.URL) >= 2 }, waitFor, tick)
	require.NoError(t, e.Hide(d.ID))

	st := f.persisted(t, d.ID)
	assert.True(t, st.Opened)
	assert.Equal(t, "45s", st.PendingCloseTime)
	assert.Empty(t, st.StoppedAt)
	e.Close()

	f.client.SetDown(d.URL, true)
	reload := f.engine(testConfig, fixed(t0.Add(10*time.Minute)))
	defer reload.Close()
	require.NoError(t, reload.Activate(d.ID))
	require.Eventually(t, stopped(reload, d.ID), waitFor, tick)

	final, err := reload.ElapsedOrFinal(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "45s", final)
	st = f.persisted(t, d.ID)
	assert.Equal(t, "45s", st.StoppedAt)
	assert.Empty(t, st.PendingCloseTime)
}

func TestHiddenDashboardStillAliveResumes(t *testing.T) {
	f := newFixture(t)
	d := f.dashboard(t, "b")
	f.persist(t, d.ID, State{Opened: true, PendingCloseTime: "45s"})

	e := f.engine(testConfig, fixed(t0.Add(2*time.Minute+5*time.Second)))
	defer e.Close()
	require.NoError(t, e.Activate(d.ID))

	require.Eventually(t, func() bool {
		st, _ := e.State(d.ID)
		return st.PendingCloseTime == ""
	}, waitFor, tick)
	require.Eventually(t, func() bool { return f.client.Fetches(d.URL) >= 3 }, waitFor, tick)

	assert.Empty(t, f.persisted(t, d.ID).PendingCloseTime)
	isStopped, err := e.IsStopped(d.ID)
	require.NoError(t, err)
	assert.False(t, isStopped)
	elapsed, err := e.ElapsedOrFinal(d.ID)
	require.NoError(t, err)
	assert.Equal(t, "2m 5s", elapsed)
}

func TestFirstActivationOfDeadTestStopsAtZero(t *testing.T) {
	f := newFixture(t)
	d := f.dashboard(t, "c")
	f.client.SetPingStatus(d.URL, 404)
	f.client.SetDown(d.URL, true)

	e := f.engine(testConfig, fixed(t0.Add(time.Minute)))
	defer e.Close()
	require.NoError(t, e.Activate(d.ID))
	require.Eventually(t, stopped(e, d.ID), waitFor, tick)

	final, _ := e.ElapsedOrFinal(d.ID)
	assert.Equal(t, "0s", final)
}

func TestFirstActivationPollFailuresWaitForSlowHealthCheck(t *testing.T) {
	f := newFixture(t)
	d := f.dashboard(t, "c2")
	f.client.SetDown(d.URL, true)
	slow := probePolicy
	slow.BackoffBase = 50 * time.Millisecond
	slow.BackoffMax = 50 * time.Millisecond

	e := NewEngine(f.reg, f.store, f.client, health.NewProber(f.client, slow), testConfig).
		WithClock(fixed(t0.Add(2 * time.Hour)))
	defer e.Close()
	require.NoError(t, e.Activate(d.ID))
	require.Eventually(t, stopped(e, d.ID), waitFor, tick)

	final, _ := e.ElapsedOrFinal(d.ID)
	assert.Equal(t, "0s", final)
	assert.Equal(t, "0s", f.persisted(t, d.ID).StoppedAt)
}

// gatedChecker answers every probe with verdict once release is closed.
type gatedChecker struct {
	release chan struct{}
	verdict health.Verdict
}

func (c *gatedChecker) Probe(ctx context.Context, url string) health.Verdict {
	select {
	case <-c.release:
		return c.verdict
	case <-ctx.Done():
		return health.Dead
	}
}

func TestFirstActivationPollFailuresThenAliveStopsAtElapsed(t *testing.T) {
	f := newFixture(t)
	d := f.dashboard(t, "c3")
	f.client.SetDown(d.URL, true)
	checker := &gatedChecker{release: make(chan struct{}), verdict: health.Alive}

	e := NewEngine(f.reg, f.store, f.client, checker, testConfig).WithClock(fixed(t0.Add(2 * time.Hour)))
	defer e.Close()
	require.NoError(t, e.Activate(d.ID))

	require.Eventually(t, func() bool { return f.client.Fetches(d.URL) >= 3 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	isStopped, err := e.IsStopped(d.ID)
	require.NoError(t, err)
	assert.False(t, isStopped, "poll exhaustion must wait for the activation check")

	close(checker.release)
	require.Eventually(t, stopped(e, d.ID), waitFor, tick)
	final, _ := e.ElapsedOrFinal(d.ID)
	assert.Equal(t, "2h 0m 0s", final)
}

func TestFirstActivationPollFailuresThenDeadStopsAtZero(t *testing.T) {
	f := newFixture(t)
	d := f.dashboard(t, "c4")
	f.client.SetDown(d.URL, true)
	checker := &gatedChecker{release: make(chan struct{}), verdict: health.Dead}

	e := NewEngine(f.reg, f.store, f.client, checker, testConfig).WithClock(fixed(t0.Add(2 * time.Hour)))
	defer e.Close()
	require.NoError(t, e.Activate(d.ID))

	require.Eventually(t, func() bool { return f.client.Fetches(d.URL) >= 3 }, waitFor, tick)
	time.Sleep(20 * time.Millisecond)
	close(checker.release)

	require.Eventually(t, stopped(e, d.ID), waitFor, tick)
	final, _ := e.ElapsedOrFinal(d.ID)
	assert.Equal(t, "0s", final)
}

func TestPeriodicLivenessCheckFinalizesAtElapsed(t *testing.T) {
	f := newFixture(t)
	d := f.dashboard(t, "d")
	cfg := testConfig
	cfg.Poll.Interval = time.Hour
	cfg.LivenessInterval = 5 * time.Millisecond

	e := f.engine(cfg, fixed(t0.Add(90*time.Second)))
	defer e.Close()
	require.NoError(t, e.Activate(d.ID))
	require.Eventually(t, func() bool { return f.client.Pings(d.URL) >= 2 }, waitFor, tick)
	f.client.SetPingStatus(d.URL, 410)

	require.Eventually(t, stopped(e, d.ID), waitFor, tick)
	final, _ := e.ElapsedOrFinal(d.ID)
	assert.Equal(t, "1m 30s", final)
}

func TestFinalizeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	d := f.dashboard(t, "e")
	var calls int64
	clock := func() time.Time {
		return t0.Add(time.Duration(atomic.AddInt64(&calls, 1)) * time.Second)
	}
	cfg := testConfig
	cfg.LivenessInterval = time.Millisecond

	e := f.engine(cfg, clock)
	defer e.Close()
	require.NoError(t, e.Activate(d.ID))
	f.client.SetDown(d.URL, true)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.Hide(d.ID)
		}()
	}
	wg.Wait()

	require.Eventually(t, stopped(e, d.ID), waitFor, tick)
	first, _ := e.ElapsedOrFinal(d.ID)
	require.NotEmpty(t, first)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, e.Hide(d.ID))
	later, _ := e.ElapsedOrFinal(d.ID)
	assert.Equal(t, first, later)
	assert.Equal(t, first, f.persisted(t, d.ID).StoppedAt)
	assert.Empty(t, f.persisted(t, d.ID).PendingCloseTime)
}

func TestFinalizeDirect(t *testing.T) {
	f := newFixture(t)
	d := f.dashboard(t, "f")
	e := f.engine(testConfig, fixed(t0))
	defer e.Close()
	s := newSession(context.Background(), e, d)

	assert.True(t, s.finalize("8s", "first"))
	assert.False(t, s.finalize("12s", "second"))
	assert.Equal(t, "8s", s.State().StoppedAt)
	assert.Equal(t, "8s", f.persisted(t, d.ID).StoppedAt)
}

func TestTerminalValueFromAnotherSessionWins(t *testing.T) {
	f := newFixture(t)
	d := f.dashboard(t, "g")
	e := f.engine(testConfig, fixed(t0.Add(time.Minute)))
	defer e.Close()

	require.NoError(t, e.Activate(d.ID))
	require.Eventually(t, func() bool { return f.client.Fetches(d.URL) >= 2 }, waitFor, tick)
	f.persist(t, d.ID, State{Opened: true, StoppedAt: "20s"})
	f.client.SetDown(d.URL, true)

	require.Eventually(t, stopped(e, d.ID), waitFor, tick)
	final, _ := e.ElapsedOrFinal(d.ID)
	assert.Equal(t, "20s", final)
}

func TestNavigationSnapshotsPreviousDashboard(t *testing.T) {
	f := newFixture(t)
	a := f.dashboard(t, "a")
	b := f.dashboard(t, "b")

	e := f.engine(testConfig, fixed(t0.Add(30*time.Second)))
	defer e.Close()
	require.NoError(t, e.Activate(a.ID))
	require.Eventually(t, func() bool { return f.client.Fetches(a.URL) >= 2 }, waitFor, tick)

	require.NoError(t, e.Activate(b.ID))
	assert.Equal(t, b.ID, e.Active())

	st, err := e.State(a.ID)
	require.NoError(t, err)
	assert.True(t, st.Opened)
	assert.Equal(t, "30s", st.PendingCloseTime)
	assert.Equal(t, "30s", f.persisted(t, a.ID).PendingCloseTime)

	time.Sleep(10 * time.Millisecond)
	fetches := f.client.Fetches(a.URL)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, fetches, f.client.Fetches(a.URL), "previous dashboard stops polling")
	assert.Greater(t, f.client.Fetches(b.URL), 0)

	require.NoError(t, e.Deactivate(b.ID))
	assert.Equal(t, "", e.Active())
	assert.Equal(t, "30s", f.persisted(t, b.ID).PendingCloseTime)
}

func TestSweepFinalizesDeadInactiveDashboards(t *testing.T) {
	f := newFixture(t)
	dead := f.dashboard(t, "dead")
	alive := f.dashboard(t, "alive")
	unopened := f.dashboard(t, "unopened")
	done := f.dashboard(t, "done")
	active := f.dashboard(t, "active")

	f.persist(t, dead.ID, State{Opened: true, PendingCloseTime: "30s"})
	f.persist(t, alive.ID, State{Opened: true, PendingCloseTime: "40s"})
	f.persist(t, unopened.ID, State{PendingCloseTime: "50s"})
	f.persist(t, done.ID, State{Opened: true, StoppedAt: "10s"})
	f.client.SetDown(dead.URL, true)
	f.client.SetDown(unopened.URL, true)

	e := f.engine(testConfig, fixed(t0.Add(5*time.Minute)))
	defer e.Close()
	require.NoError(t, e.Activate(active.ID))
	require.Eventually(t, func() bool { return f.client.Pings(active.URL) >= 1 }, waitFor, tick)
	pingsBefore := f.client.Pings(active.URL)

	assert.Equal(t, 2, e.Sweep(context.Background()))
	require.Eventually(t, stopped(e, dead.ID), waitFor, tick)
	require.Eventually(t, func() bool { return f.client.Pings(alive.URL) >= 1 }, waitFor, tick)

	final, _ := e.ElapsedOrFinal(dead.ID)
	assert.Equal(t, "30s", final)
	assert.Equal(t, "30s", f.persisted(t, dead.ID).StoppedAt)

	time.Sleep(10 * time.Millisecond)
	st, _ := e.State(alive.ID)
	assert.Equal(t, "40s", st.PendingCloseTime)
	assert.False(t, st.Stopped())
	assert.Equal(t, 0, f.client.Pings(unopened.URL))
	assert.Equal(t, 0, f.client.Pings(done.URL))
	assert.Equal(t, pingsBefore, f.client.Pings(active.URL))
}

func TestDeleteCascades(t *testing.T) {
	f := newFixture(t)
	d := f.dashboard(t, "a")
	e := f.engine(testConfig, fixed(t0.Add(time.Minute)))
	defer e.Close()

	require.NoError(t, e.Activate(d.ID))
	require.Eventually(t, func() bool {
		h, _ := e.ChartHistory(d.ID)
		return !h.Empty()
	}, waitFor, tick)

	require.NoError(t, e.Delete(context.Background(), d.ID))
	for _, key := range sessionstore.DashboardKeys(d.ID) {
		_, ok, err := f.store.Get(context.Background(), key)
		require.NoError(t, err)
		assert.False(t, ok, key)
	}
	_, err := f.reg.Get(d.ID)
	assert.True(t, errors.Is(err, registry.ErrNotFound))
	_, err = e.ChartHistory(d.ID)
	assert.Error(t, err)
	assert.Equal(t, "", e.Active())

	time.Sleep(10 * time.Millisecond)
	fetches := f.client.Fetches(d.URL)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, fetches, f.client.Fetches(d.URL))
	assert.Error(t, e.Delete(context.Background(), d.ID))
}

func TestStoreFailuresDoNotStopTracking(t *testing.T) {
	f := newFixture(t)
	d := f.dashboard(t, "a")
	f.store.SetUnavailable(true)

	e := f.engine(testConfig, fixed(t0.Add(12*time.Second)))
	defer e.Close()
	require.NoError(t, e.Activate(d.ID))
	require.Eventually(t, func() bool {
		h, _ := e.ChartHistory(d.ID)
		return len(h.Overall) >= 2
	}, waitFor, tick)
	require.NoError(t, e.Hide(d.ID))

	f.client.SetDown(d.URL, true)
	require.Eventually(t, stopped(e, d.ID), waitFor, tick)
	final, _ := e.ElapsedOrFinal(d.ID)
	assert.Equal(t, "12s", final)

	table, err := e.Table(d.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, table.ActiveVUs)
	assert.Len(t, table.Steps, 3)
}

func TestUnknownDashboard(t *testing.T) {
	f := newFixture(t)
	e := f.engine(testConfig, fixed(t0))
	defer e.Close()

	assert.Error(t, e.Activate("nope"))
	assert.Error(t, e.Deactivate("nope"))
	assert.Error(t, e.Hide("nope"))
	_, err := e.Status("nope")
	assert.True(t, errors.Is(err, registry.ErrNotFound))
}
