package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/cadence/internal/admission"
	"github.com/fentz26/cadence/internal/audit"
	"github.com/fentz26/cadence/internal/connectors"
	"github.com/fentz26/cadence/internal/lifecycle"
	"github.com/fentz26/cadence/internal/models"
	"github.com/fentz26/cadence/internal/session"
	"github.com/fentz26/cadence/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Wednesday, inside the default 10:00-18:00 window.
var t0 = time.Date(2026, time.October, 21, 11, 0, 0, 0, time.UTC)

type fakeSnapshots struct {
	mu       sync.Mutex
	initial  *models.Snapshot
	saved    *models.Snapshot
	saves    int
	failSave bool
}

func (f *fakeSnapshots) Load(ctx context.Context) (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initial == nil {
		return &models.Snapshot{}, nil
	}
	return f.initial, nil
}

func (f *fakeSnapshots) Save(ctx context.Context, snap *models.Snapshot) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave {
		return errors.New("disk full")
	}
	f.saved = snap
	f.saves++
	return nil
}

func (f *fakeSnapshots) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSave = v
}

func (f *fakeSnapshots) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saves
}

func (f *fakeSnapshots) last() *models.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.saved
}

type fakeSessions struct {
	mu     sync.Mutex
	err    error
	calls  int
	clears int
}

func (f *fakeSessions) Acquire(ctx context.Context, pattern string) (models.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return models.SessionHandle{}, f.err
	}
	return models.SessionHandle{Locator: "tab-1", Pattern: pattern, Generation: 1}, nil
}

func (f *fakeSessions) Clear() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clears++
}

func (f *fakeSessions) counts() (calls, clears int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls, f.clears
}

type fakeExecutor struct {
	mu          sync.Mutex
	found       []models.EntityDescriptor
	discoverErr error
	results     map[models.ActionClass]*connectors.ActionResult
	requests    []connectors.ActionRequest
	ctxErrs     []error
	started     chan struct{}
	block       chan struct{}
}

func (f *fakeExecutor) Name() string { return "fake" }

func (f *fakeExecutor) Discover(ctx context.Context, c models.TargetCriteria) ([]models.EntityDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.found, f.discoverErr
}

func (f *fakeExecutor) Perform(ctx context.Context, req connectors.ActionRequest) (*connectors.ActionResult, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	res := f.results[req.Class]
	started, block := f.started, f.block
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	f.mu.Lock()
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	f.mu.Unlock()
	if res == nil {
		return &connectors.ActionResult{Success: true, Detail: "ok"}, nil
	}
	return res, nil
}

func (f *fakeExecutor) setResult(class models.ActionClass, res *connectors.ActionResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[class] = res
}

// contextErrors returns ctx.Err() as each Perform saw it on return.
func (f *fakeExecutor) contextErrors() []error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]error(nil), f.ctxErrs...)
}

func (f *fakeExecutor) performed() []connectors.ActionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]connectors.ActionRequest(nil), f.requests...)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

type harness struct {
	sch      *Scheduler
	snaps    *fakeSnapshots
	sessions *fakeSessions
	exec     *fakeExecutor
	clock    *fakeClock
}

func testPolicy() models.AdmissionPolicy {
	p := admission.DefaultPolicy()
	p.MinInterval = 0
	return p
}

func enabledPolicy() models.AdmissionPolicy {
	p := testPolicy()
	p.Enabled = true
	return p
}

func newHarness(t *testing.T, initial *models.Snapshot, mods ...func(*Deps)) *harness {
	t.Helper()
	h := &harness{
		snaps:    &fakeSnapshots{initial: initial},
		sessions: &fakeSessions{},
		exec:     &fakeExecutor{results: make(map[models.ActionClass]*connectors.ActionResult)},
		clock:    &fakeClock{t: t0},
	}
	deps := Deps{
		Snapshots:     h.snaps,
		Sessions:      h.sessions,
		Executor:      h.exec,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		Location:      time.UTC,
		DefaultPolicy: testPolicy(),
		Delays:        lifecycle.DefaultDelays(),
	}
	for _, m := range mods {
		m(&deps)
	}
	h.sch = New(deps, &Config{PollInterval: time.Hour})
	h.sch.now = h.clock.Now
	require.NoError(t, h.sch.Load(context.Background()))
	t.Cleanup(h.sch.Stop)
	return h
}

// newCampaign creates and arms a campaign.
func (h *harness) newCampaign(t *testing.T, c models.Campaign) models.Campaign {
	t.Helper()
	ctx := context.Background()
	if c.Name == "" {
		c.Name = "Founders"
	}
	if c.ContextPattern == "" {
		c.ContextPattern = "example.com/messaging"
	}
	created, err := h.sch.CreateCampaign(ctx, c)
	require.NoError(t, err)
	_, err = h.sch.Enable(ctx, created.ID)
	require.NoError(t, err)
	return created
}

func seeded(campaigns []models.Campaign, prospects []models.Prospect) *models.Snapshot {
	snap := &models.Snapshot{Campaigns: campaigns, Prospects: prospects}
	for _, c := range campaigns {
		snap.Admission = append(snap.Admission, models.AdmissionRecord{Scope: c.ID, Policy: enabledPolicy()})
	}
	return snap
}

func prospectAt(campaignID, key string, stage models.Stage, due time.Time) models.Prospect {
	return models.Prospect{
		IdentityKey:           key,
		CampaignID:            campaignID,
		Stage:                 stage,
		ScheduledNextActionAt: &due,
		CreatedAt:             due,
		UpdatedAt:             due,
	}
}

func descriptors(keys ...string) []models.EntityDescriptor {
	out := make([]models.EntityDescriptor, len(keys))
	for i, k := range keys {
		out[i] = models.EntityDescriptor{IdentityKey: k, Name: k}
	}
	return out
}

func TestRun_FollowUpCadence(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	camp := h.newCampaign(t, models.Campaign{
		TemplatesByStage: map[models.Stage]string{models.StageFirstDMSent: "Hi {{name}}"},
		DelayOverride:    &models.StageDelays{ConnectionRecheck: 10 * time.Minute},
	})
	h.exec.found = descriptors("jane")

	// Connection request goes out and is rechecked ten minutes later.
	run, err := h.sch.Run(ctx, camp.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Outcome)
	assert.Equal(t, 1, run.Counts.Discovered)
	assert.Equal(t, 1, run.Counts.ActionsSent[models.ActionConnect])
	p, err := h.sch.Prospect(camp.ID, "jane")
	require.NoError(t, err)
	assert.Equal(t, models.StageConnectionSent, p.Stage)
	assert.True(t, p.ScheduledNextActionAt.Equal(t0.Add(10*time.Minute)))

	// The check reports the connection as accepted.
	h.exec.setResult(models.ActionCheckConnection, &connectors.ActionResult{Success: true, Signal: models.SignalAccepted})
	h.clock.Set(t0.Add(10 * time.Minute))
	run, err = h.sch.Run(ctx, camp.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 0, run.Counts.Discovered)
	assert.Equal(t, 1, run.Counts.ActionsSent[models.ActionCheckConnection])
	p, _ = h.sch.Prospect(camp.ID, "jane")
	assert.Equal(t, models.StageConnected, p.Stage)
	assert.True(t, p.ScheduledNextActionAt.Equal(t0.Add(10*time.Minute+2*time.Hour)))

	// Nothing is due an hour in.
	h.clock.Set(t0.Add(time.Hour))
	run, err = h.sch.Run(ctx, camp.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Outcome)
	assert.Empty(t, run.Counts.ActionsSent)

	// First message once the delay has passed.
	h.clock.Set(t0.Add(3 * time.Hour))
	run, err = h.sch.Run(ctx, camp.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts.ActionsSent[models.ActionFirstMessage])
	p, _ = h.sch.Prospect(camp.ID, "jane")
	assert.Equal(t, models.StageFirstDMSent, p.Stage)
	assert.True(t, p.ScheduledNextActionAt.Equal(t0.Add(3*time.Hour+72*time.Hour)))

	reqs := h.exec.performed()
	require.Len(t, reqs, 3)
	assert.Equal(t, "Hi {{name}}", reqs[2].Template)
	assert.Equal(t, "example.com/messaging", reqs[2].Handle.Pattern)
	assert.Equal(t, "jane", reqs[2].Entity.IdentityKey)

	snap := h.snaps.last()
	require.NotNil(t, snap)
	assert.Len(t, snap.History, 3)
	assert.Len(t, snap.Runs, 4)
	assert.Len(t, h.sch.Runs(camp.ID, 2), 2)
}

func TestRun_DisabledPolicyHalts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	camp, err := h.sch.CreateCampaign(ctx, models.Campaign{Name: "Cold", ContextPattern: "example.com"})
	require.NoError(t, err)
	h.exec.found = descriptors("jane")

	run, err := h.sch.Run(ctx, camp.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunHalted, run.Outcome)
	assert.Equal(t, admission.ReasonDisabled, run.HaltReason)
	assert.Equal(t, 1, run.Counts.Deferred)
	assert.Empty(t, h.exec.performed())
	assert.Equal(t, 0, h.sessions.calls)
}

func TestRun_DailyCapHaltsUntilTomorrow(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	camp := h.newCampaign(t, models.Campaign{})
	p := testPolicy()
	p.MaxPerDay = 2
	status, err := h.sch.UpdatePolicy(ctx, camp.ID, p)
	require.NoError(t, err)
	assert.True(t, status.Policy.Enabled)

	h.exec.found = descriptors("a", "b", "c", "d")
	run, err := h.sch.Run(ctx, camp.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunHalted, run.Outcome)
	assert.Equal(t, admission.ReasonDailyCap, run.HaltReason)
	assert.Equal(t, 2, run.Counts.ActionsSent[models.ActionConnect])
	assert.Equal(t, 2, run.Counts.Deferred)
	require.NotNil(t, run.NextAllowedAt)
	assert.True(t, run.NextAllowedAt.Equal(time.Date(2026, time.October, 22, 10, 0, 0, 0, time.UTC)))
}

func TestRun_ResourceNotFoundAborts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	camp := h.newCampaign(t, models.Campaign{})
	h.exec.found = descriptors("jane")
	h.sessions.err = session.ErrResourceNotFound

	run, err := h.sch.Run(ctx, camp.ID, RunOptions{})
	require.ErrorIs(t, err, session.ErrResourceNotFound)
	require.NotNil(t, run)
	assert.Equal(t, models.RunAborted, run.Outcome)
	assert.Equal(t, 1, run.Counts.Deferred)
	assert.Empty(t, h.exec.performed())

	// Discovery and the aborted run are still committed.
	p, err := h.sch.Prospect(camp.ID, "jane")
	require.NoError(t, err)
	assert.Equal(t, models.StageDiscovered, p.Stage)
	runs := h.snaps.last().Runs
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunAborted, runs[0].Outcome)

	_, clears := h.sessions.counts()
	assert.Equal(t, 1, clears)
}

func TestRun_FailedActionsPauseAfterThreshold(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	camp := h.newCampaign(t, models.Campaign{})
	h.exec.found = descriptors("a", "b", "c", "d")
	h.exec.setResult(models.ActionConnect, &connectors.ActionResult{Success: false, Detail: "button missing"})

	run, err := h.sch.Run(ctx, camp.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, run.Counts.Errors)
	assert.Equal(t, models.RunHalted, run.Outcome)
	assert.Equal(t, admission.ReasonConsecutiveErrors, run.HaltReason)
	assert.Equal(t, 1, run.Counts.Deferred)

	for _, p := range h.sch.ListProspects(lifecycle.Filter{CampaignID: camp.ID}) {
		assert.Equal(t, models.StageDiscovered, p.Stage, p.IdentityKey)
	}
	status, err := h.sch.AdmissionStatus(camp.ID)
	require.NoError(t, err)
	assert.True(t, status.State.Paused)
	assert.Equal(t, 3, status.State.ConsecutiveFailures)
	assert.False(t, status.Decision.Allowed)

	status, err = h.sch.Resume(ctx, camp.ID)
	require.NoError(t, err)
	assert.False(t, status.State.Paused)
	assert.Equal(t, 0, status.State.ConsecutiveFailures)
	assert.True(t, status.Decision.Allowed)
}

func TestRun_PersistenceFailureDiscardsCycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	camp := h.newCampaign(t, models.Campaign{})
	h.exec.found = descriptors("jane")
	h.snaps.setFail(true)

	run, err := h.sch.Run(ctx, camp.ID, RunOptions{})
	require.ErrorIs(t, err, ErrPersistence)
	require.NotNil(t, run)
	assert.Empty(t, h.sch.ListProspects(lifecycle.Filter{CampaignID: camp.ID}))
	assert.Empty(t, h.sch.Runs(camp.ID, 0))

	status, err := h.sch.AdmissionStatus(camp.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.CompletedToday)

	_, err = h.sch.Override(ctx, camp.ID, "jane", models.StageConverted)
	require.ErrorIs(t, err, lifecycle.ErrProspectNotFound)
}

func TestRun_RejectsConcurrentWork(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	camp := h.newCampaign(t, models.Campaign{})
	h.exec.found = descriptors("jane")
	h.exec.started = make(chan struct{}, 1)
	h.exec.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.sch.Run(ctx, camp.ID, RunOptions{})
		done <- err
	}()
	<-h.exec.started

	_, err := h.sch.Run(ctx, camp.ID, RunOptions{})
	assert.ErrorIs(t, err, ErrCycleInProgress)
	_, err = h.sch.CreateCampaign(ctx, models.Campaign{Name: "Other", ContextPattern: "example.com"})
	assert.ErrorIs(t, err, ErrCycleInProgress)
	_, err = h.sch.Pause(ctx, camp.ID, "operator")
	assert.ErrorIs(t, err, ErrCycleInProgress)
	assert.Equal(t, true, h.sch.GetStats()["running"])

	close(h.exec.block)
	require.NoError(t, <-done)
	assert.Len(t, h.sch.Campaigns(), 1)
}

func TestRun_DryRunPlansWithoutSideEffects(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	camp := h.newCampaign(t, models.Campaign{DelayOverride: &models.StageDelays{ConnectionRecheck: 10 * time.Minute}})
	h.exec.found = descriptors("jane")
	_, err := h.sch.Run(ctx, camp.ID, RunOptions{})
	require.NoError(t, err)
	saves := h.snaps.count()

	h.clock.Set(t0.Add(time.Hour))
	run, err := h.sch.Run(ctx, camp.ID, RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.True(t, run.DryRun)
	assert.Equal(t, []string{"check_connection jane -> connected"}, run.Planned)
	assert.Equal(t, saves, h.snaps.count())
	assert.Len(t, h.exec.performed(), 1)
	assert.Len(t, h.sch.Runs(camp.ID, 0), 1)

	p, _ := h.sch.Prospect(camp.ID, "jane")
	assert.Equal(t, models.StageConnectionSent, p.Stage)
}

func TestRun_DryRunStopsAtMinInterval(t *testing.T) {
	camp := models.Campaign{ID: "c1", Name: "Founders", ContextPattern: "example.com", CreatedAt: t0}
	snap := seeded([]models.Campaign{camp}, []models.Prospect{
		prospectAt("c1", "a", models.StageDiscovered, t0),
		prospectAt("c1", "b", models.StageDiscovered, t0),
	})
	snap.Admission[0].Policy.MinInterval = 90 * time.Second
	h := newHarness(t, snap)

	run, err := h.sch.Run(context.Background(), "c1", RunOptions{DryRun: true})
	require.NoError(t, err)
	assert.Len(t, run.Planned, 1)
	assert.Equal(t, models.RunHalted, run.Outcome)
	assert.Equal(t, admission.ReasonMinInterval, run.HaltReason)
	require.NotNil(t, run.NextAllowedAt)
	assert.Equal(t, t0.Add(90*time.Second), *run.NextAllowedAt)
	assert.Equal(t, 1, run.Counts.Deferred)

	// The simulated completion never reaches committed state.
	status, err := h.sch.AdmissionStatus("c1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.CompletedToday)
	assert.True(t, status.Decision.Allowed)
	assert.Empty(t, h.exec.performed())
}

func TestRun_SkipFollowUps(t *testing.T) {
	camp := models.Campaign{ID: "c1", Name: "Founders", ContextPattern: "example.com", CreatedAt: t0}
	h := newHarness(t, seeded([]models.Campaign{camp}, []models.Prospect{
		prospectAt("c1", "a", models.StageFirstDMSent, t0.Add(-time.Hour)),
		prospectAt("c1", "b", models.StageDiscovered, t0),
	}))

	run, err := h.sch.Run(context.Background(), "c1", RunOptions{SkipDiscovery: true, SkipFollowUps: true})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts.Skipped)
	assert.Equal(t, 1, run.Counts.ActionsSent[models.ActionConnect])
	assert.Zero(t, run.Counts.ActionsSent[models.ActionFollowUp])

	p, _ := h.sch.Prospect("c1", "a")
	assert.Equal(t, models.StageFirstDMSent, p.Stage)
}

func TestRun_MaxEntitiesPerRunDefersTheRest(t *testing.T) {
	camp := models.Campaign{ID: "c1", Name: "Founders", ContextPattern: "example.com", MaxEntitiesPerRun: 2, CreatedAt: t0}
	h := newHarness(t, seeded([]models.Campaign{camp}, []models.Prospect{
		prospectAt("c1", "a", models.StageDiscovered, t0.Add(-3*time.Minute)),
		prospectAt("c1", "b", models.StageDiscovered, t0.Add(-2*time.Minute)),
		prospectAt("c1", "c", models.StageDiscovered, t0.Add(-time.Minute)),
	}))

	run, err := h.sch.Run(context.Background(), "c1", RunOptions{SkipDiscovery: true})
	require.NoError(t, err)
	assert.Equal(t, 2, run.Counts.ActionsSent[models.ActionConnect])
	assert.Equal(t, 1, run.Counts.Deferred)

	p, _ := h.sch.Prospect("c1", "c")
	assert.Equal(t, models.StageDiscovered, p.Stage)
}

func TestRun_ExpiresStalePendingConnections(t *testing.T) {
	camp := models.Campaign{ID: "c1", Name: "Founders", ContextPattern: "example.com", CreatedAt: t0}
	sent := t0.Add(-600 * time.Hour)
	p := prospectAt("c1", "a", models.StageConnectionSent, t0.Add(-time.Hour))
	p.StageHistory = []models.StageTransition{{From: models.StageDiscovered, To: models.StageConnectionSent, At: sent}}
	h := newHarness(t, seeded([]models.Campaign{camp}, []models.Prospect{p}))

	run, err := h.sch.Run(context.Background(), "c1", RunOptions{SkipDiscovery: true})
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts.Expired)
	assert.Empty(t, h.exec.performed())

	got, _ := h.sch.Prospect("c1", "a")
	assert.Equal(t, models.StageCold, got.Stage)
	assert.Nil(t, got.ScheduledNextActionAt)
}

func TestRun_CanceledContextHalts(t *testing.T) {
	camp := models.Campaign{ID: "c1", Name: "Founders", ContextPattern: "example.com", CreatedAt: t0}
	h := newHarness(t, seeded([]models.Campaign{camp}, []models.Prospect{
		prospectAt("c1", "a", models.StageDiscovered, t0),
		prospectAt("c1", "b", models.StageDiscovered, t0),
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := h.sch.Run(ctx, "c1", RunOptions{SkipDiscovery: true})
	require.NoError(t, err)
	assert.Equal(t, models.RunHalted, run.Outcome)
	assert.Equal(t, "canceled", run.HaltReason)
	assert.Equal(t, 2, run.Counts.Deferred)
	assert.Len(t, h.snaps.last().Runs, 1)
}

func TestRun_DiscoveryErrorIsCounted(t *testing.T) {
	h := newHarness(t, nil)
	camp := h.newCampaign(t, models.Campaign{})
	h.exec.discoverErr = errors.New("search page changed")

	run, err := h.sch.Run(context.Background(), camp.ID, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, models.RunCompleted, run.Outcome)
	assert.Equal(t, 1, run.Counts.Errors)
}

func TestRun_UnknownCampaign(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.sch.Run(context.Background(), "missing", RunOptions{})
	require.ErrorIs(t, err, lifecycle.ErrCampaignNotFound)
}

func TestRun_StoreLockAndAudit(t *testing.T) {
	st, err := store.New(filepath.Join(t.TempDir(), "cadence.db"))
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	h := newHarness(t, nil, func(d *Deps) {
		d.Locker = st
		d.Audit = audit.NewPDRWriter(st)
	})
	camp := h.newCampaign(t, models.Campaign{})

	// Another process holds the cycle lock.
	lock, err := st.AcquireLock(ctx, cycleLockResource, "other-process", "exclusive", time.Minute)
	require.NoError(t, err)
	_, err = h.sch.Run(ctx, camp.ID, RunOptions{})
	require.ErrorIs(t, err, ErrCycleInProgress)
	require.NoError(t, st.ReleaseLock(ctx, lock.ID))

	h.exec.found = descriptors("jane")
	_, err = h.sch.Run(ctx, camp.ID, RunOptions{})
	require.NoError(t, err)

	held, err := st.GetLock(ctx, cycleLockResource)
	require.NoError(t, err)
	assert.Nil(t, held)

	entries, err := st.ListPDR(ctx, camp.ID, 0)
	require.NoError(t, err)
	actions := make(map[string]bool)
	for _, e := range entries {
		actions[e.Action] = true
	}
	assert.True(t, actions[audit.ActionCampaignCreate])
	assert.True(t, actions[audit.ActionAdmissionChange])
	assert.True(t, actions[audit.ActionPerform])
	assert.True(t, actions[audit.ActionCycleRun])
}

func TestRunAndWait_TimeoutLeavesCycleRunning(t *testing.T) {
	h := newHarness(t, nil)
	camp := h.newCampaign(t, models.Campaign{})
	h.exec.found = descriptors("jane")
	h.exec.started = make(chan struct{}, 1)
	h.exec.block = make(chan struct{})

	_, err := h.sch.RunAndWait(context.Background(), camp.ID, RunOptions{}, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrWaitTimeout)

	<-h.exec.started
	close(h.exec.block)
	require.Eventually(t, func() bool {
		return len(h.sch.Runs(camp.ID, 0)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	p, _ := h.sch.Prospect(camp.ID, "jane")
	assert.Equal(t, models.StageConnectionSent, p.Stage)
}

func TestRunAndWait_ReturnsResult(t *testing.T) {
	h := newHarness(t, nil)
	camp := h.newCampaign(t, models.Campaign{})
	h.exec.found = descriptors("jane")

	run, err := h.sch.RunAndWait(context.Background(), camp.ID, RunOptions{}, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, run.Counts.ActionsSent[models.ActionConnect])
}

func TestStop_LetsInFlightActionFinish(t *testing.T) {
	h := newHarness(t, nil)
	camp := h.newCampaign(t, models.Campaign{})
	h.exec.found = descriptors("a", "b")
	h.exec.started = make(chan struct{}, 1)
	h.exec.block = make(chan struct{})

	type result struct {
		run *models.CycleRun
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := h.sch.RunAndWait(context.Background(), camp.ID, RunOptions{}, 5*time.Second)
		done <- result{run, err}
	}()
	<-h.exec.started

	stopped := make(chan struct{})
	go func() {
		h.sch.Stop()
		close(stopped)
	}()
	require.Eventually(t, func() bool { return h.sch.ctx.Err() != nil }, time.Second, 5*time.Millisecond)
	select {
	case <-stopped:
		t.Fatal("Stop returned while an action was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(h.exec.block)
	<-stopped
	r := <-done
	require.NoError(t, r.err)

	assert.Equal(t, []error{nil}, h.exec.contextErrors())
	assert.Equal(t, models.RunHalted, r.run.Outcome)
	assert.Equal(t, "canceled", r.run.HaltReason)
	assert.Equal(t, 1, r.run.Counts.ActionsSent[models.ActionConnect])
	assert.Equal(t, 0, r.run.Counts.Errors)
	assert.Equal(t, 1, r.run.Counts.Deferred)

	sent := h.sch.ListProspects(lifecycle.Filter{CampaignID: camp.ID, Stage: models.StageConnectionSent})
	assert.Len(t, sent, 1)
	status, err := h.sch.AdmissionStatus(camp.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.State.ConsecutiveFailures)
}

func TestCheckSession_WaitsForCycle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	camp := h.newCampaign(t, models.Campaign{})
	h.exec.found = descriptors("jane")
	h.exec.started = make(chan struct{}, 1)
	h.exec.block = make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := h.sch.Run(ctx, camp.ID, RunOptions{})
		done <- err
	}()
	<-h.exec.started

	_, err := h.sch.CheckSession(ctx, camp.ID)
	require.ErrorIs(t, err, ErrCycleInProgress)
	calls, _ := h.sessions.counts()
	assert.Equal(t, 1, calls)

	close(h.exec.block)
	require.NoError(t, <-done)

	handle, err := h.sch.CheckSession(ctx, camp.ID)
	require.NoError(t, err)
	assert.Equal(t, "example.com/messaging", handle.Pattern)
	calls, _ = h.sessions.counts()
	assert.Equal(t, 2, calls)

	_, err = h.sch.CheckSession(ctx, "missing")
	require.ErrorIs(t, err, lifecycle.ErrCampaignNotFound)

	h.sessions.err = session.ErrResourceNotFound
	_, err = h.sch.CheckSession(ctx, camp.ID)
	require.ErrorIs(t, err, session.ErrResourceNotFound)
	_, clears := h.sessions.counts()
	assert.Equal(t, 1, clears)
}

func TestTick_DiscoversForCampaignWithoutProspects(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	camp := h.newCampaign(t, models.Campaign{})
	h.exec.found = descriptors("a", "b")

	h.sch.tick(ctx)
	require.Len(t, h.sch.Runs(camp.ID, 0), 1)
	assert.Len(t, h.sch.ListProspects(lifecycle.Filter{CampaignID: camp.ID}), 2)

	// Nothing is due and discovery ran an hour ago.
	h.clock.Set(t0.Add(time.Hour))
	h.sch.tick(ctx)
	assert.Len(t, h.sch.Runs(camp.ID, 0), 1)

	h.exec.found = descriptors("c")
	h.clock.Set(t0.Add(DefaultConfig().DiscoveryInterval))
	h.sch.tick(ctx)
	assert.Len(t, h.sch.Runs(camp.ID, 0), 2)
	assert.Len(t, h.sch.ListProspects(lifecycle.Filter{CampaignID: camp.ID}), 3)
}

func TestTick_RoundRobinAcrossCampaigns(t *testing.T) {
	a := models.Campaign{ID: "a", Name: "A", ContextPattern: "example.com", MaxEntitiesPerRun: 1, CreatedAt: t0.Add(-2 * time.Hour)}
	b := models.Campaign{ID: "b", Name: "B", ContextPattern: "example.com", MaxEntitiesPerRun: 1, CreatedAt: t0.Add(-time.Hour)}
	off := models.Campaign{ID: "off", Name: "Off", ContextPattern: "example.com", CreatedAt: t0.Add(-3 * time.Hour)}
	snap := seeded([]models.Campaign{a, b}, []models.Prospect{
		prospectAt("a", "a1", models.StageDiscovered, t0),
		prospectAt("a", "a2", models.StageDiscovered, t0),
		prospectAt("b", "b1", models.StageDiscovered, t0),
		prospectAt("b", "b2", models.StageDiscovered, t0),
		prospectAt("off", "o1", models.StageDiscovered, t0),
	})
	snap.Campaigns = append(snap.Campaigns, off)
	snap.Admission = append(snap.Admission, models.AdmissionRecord{Scope: "off", Policy: testPolicy()})
	h := newHarness(t, snap)
	ctx := context.Background()

	h.sch.tick(ctx)
	assert.Len(t, h.sch.Runs("a", 0), 1)
	assert.Empty(t, h.sch.Runs("b", 0))

	h.sch.tick(ctx)
	assert.Len(t, h.sch.Runs("b", 0), 1)

	h.sch.tick(ctx)
	assert.Len(t, h.sch.Runs("a", 0), 2)
	assert.Empty(t, h.sch.Runs("off", 0))
	assert.Equal(t, 3, h.sch.GetStats()["cycles_run"])
}

func TestTick_WaitsForNextAllowedTime(t *testing.T) {
	camp := models.Campaign{ID: "c1", Name: "Founders", ContextPattern: "example.com", CreatedAt: t0}
	h := newHarness(t, seeded([]models.Campaign{camp}, []models.Prospect{
		prospectAt("c1", "a", models.StageDiscovered, t0),
	}))
	ctx := context.Background()

	// After hours: the cycle halts and the loop backs off until 10:00.
	h.clock.Set(time.Date(2026, time.October, 21, 19, 0, 0, 0, time.UTC))
	h.sch.tick(ctx)
	runs := h.sch.Runs("c1", 0)
	require.Len(t, runs, 1)
	assert.Equal(t, admission.ReasonHours, runs[0].HaltReason)

	h.clock.Set(time.Date(2026, time.October, 21, 23, 0, 0, 0, time.UTC))
	h.sch.tick(ctx)
	assert.Len(t, h.sch.Runs("c1", 0), 1)

	h.clock.Set(time.Date(2026, time.October, 22, 10, 0, 0, 0, time.UTC))
	h.sch.tick(ctx)
	runs = h.sch.Runs("c1", 0)
	require.Len(t, runs, 2)
	assert.Equal(t, models.RunCompleted, runs[0].Outcome)
}

func TestOverride(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	camp := h.newCampaign(t, models.Campaign{})
	h.exec.found = descriptors("jane")
	_, err := h.sch.Run(ctx, camp.ID, RunOptions{})
	require.NoError(t, err)

	_, err = h.sch.Override(ctx, camp.ID, "jane", models.StageFollowUp1)
	require.ErrorIs(t, err, lifecycle.ErrInvalidTransition)

	p, err := h.sch.Override(ctx, camp.ID, "jane", models.StageOptedOut)
	require.NoError(t, err)
	assert.Equal(t, models.StageOptedOut, p.Stage)

	summary, err := h.sch.Campaign(camp.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Stages[models.StageOptedOut])
}

func TestCreateCampaign_StartsDisabledAndValidatesPolicy(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	override := enabledPolicy()
	c, err := h.sch.CreateCampaign(ctx, models.Campaign{Name: "A", ContextPattern: "example.com", PolicyOverride: &override})
	require.NoError(t, err)
	status, err := h.sch.AdmissionStatus(c.ID)
	require.NoError(t, err)
	assert.False(t, status.Policy.Enabled)
	assert.Equal(t, admission.ReasonDisabled, status.Decision.Reason)

	bad := testPolicy()
	bad.AllowedStartHour = 20
	_, err = h.sch.CreateCampaign(ctx, models.Campaign{Name: "B", ContextPattern: "example.com", PolicyOverride: &bad})
	require.ErrorIs(t, err, lifecycle.ErrInvalidCampaign)

	_, err = h.sch.UpdatePolicy(ctx, c.ID, bad)
	require.ErrorIs(t, err, admission.ErrInvalidPolicy)
}

func TestLoad_RestoresCommittedState(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	camp := h.newCampaign(t, models.Campaign{})
	h.exec.found = descriptors("jane")
	_, err := h.sch.Run(ctx, camp.ID, RunOptions{})
	require.NoError(t, err)

	restarted := newHarness(t, h.snaps.last())
	p, err := restarted.sch.Prospect(camp.ID, "jane")
	require.NoError(t, err)
	assert.Equal(t, models.StageConnectionSent, p.Stage)
	status, err := restarted.sch.AdmissionStatus(camp.ID)
	require.NoError(t, err)
	assert.True(t, status.Policy.Enabled)
	assert.Equal(t, 1, status.CompletedToday)
}
