package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/cadence/internal/admission"
	"github.com/fentz26/cadence/internal/audit"
	"github.com/fentz26/cadence/internal/connectors"
	"github.com/fentz26/cadence/internal/lifecycle"
	"github.com/fentz26/cadence/internal/models"
	"github.com/fentz26/cadence/internal/store"
	"github.com/fentz26/cadence/internal/telemetry"
	"github.com/google/uuid"
)

var (
	// ErrCycleInProgress is returned when another cycle or state change
	// holds the cycle lock.
	ErrCycleInProgress = errors.New("a cycle is already in progress")
	// ErrPersistence means the snapshot could not be saved; nothing from
	// the attempted change was committed.
	ErrPersistence = errors.New("snapshot persistence failed")
	// ErrWaitTimeout is returned by RunAndWait when the caller stops
	// waiting. The cycle itself keeps running.
	ErrWaitTimeout = errors.New("timed out waiting for cycle")
)

// cycleLockResource is the advisory lock row shared by every process using
// the same database.
const cycleLockResource = "cycle"

// SnapshotStore persists the full state all-or-nothing.
type SnapshotStore interface {
	Load(ctx context.Context) (*models.Snapshot, error)
	Save(ctx context.Context, snap *models.Snapshot) error
}

// Locker is a cross-process advisory lock.
type Locker interface {
	AcquireLock(ctx context.Context, resourceID, holderID, lockType string, ttl time.Duration) (*models.Lock, error)
	ReleaseLock(ctx context.Context, lockID string) error
}

// Sessions leases the browser context.
type Sessions interface {
	Acquire(ctx context.Context, pattern string) (models.SessionHandle, error)
	Clear()
}

// RunOptions tweak a single cycle.
type RunOptions struct {
	// DryRun evaluates admission and reports planned actions without
	// touching the browser, the executor or the snapshot.
	DryRun        bool `json:"dry_run"`
	SkipDiscovery bool `json:"skip_discovery"`
	SkipFollowUps bool `json:"skip_follow_ups"`
}

// Deps wires the scheduler to its collaborators. Locker, Audit, Metrics and
// Logger are optional.
type Deps struct {
	Snapshots     SnapshotStore
	Locker        Locker
	Sessions      Sessions
	Executor      connectors.Executor
	Audit         *audit.PDRWriter
	Metrics       *telemetry.Metrics
	Logger        *slog.Logger
	Location      *time.Location
	DefaultPolicy models.AdmissionPolicy
	Delays        models.StageDelays
}

// state is the committed lifecycle and admission state. It is replaced as
// a whole, never mutated in place.
type state struct {
	book      *lifecycle.Book
	admission *admission.Registry
}

func (st *state) clone() *state {
	return &state{book: st.book.Clone(), admission: st.admission.Clone()}
}

func (st *state) snapshot(at time.Time) *models.Snapshot {
	snap := &models.Snapshot{SavedAt: at}
	st.book.Export(snap)
	snap.History = st.admission.History().Records()
	snap.Admission = st.admission.Records()
	return snap
}

// Scheduler owns the committed state and runs cycles against it.
type Scheduler struct {
	deps     Deps
	config   *Config
	logger   *slog.Logger
	holderID string

	// cycleMu is held for the whole of a cycle or operator mutation.
	cycleMu sync.Mutex

	stateMu   sync.RWMutex
	committed *state

	// Stats
	mu              sync.Mutex
	running         string
	cyclesRun       int
	lastRun         *models.CycleRun
	notBefore       map[string]time.Time
	nextCampaignIdx int

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates a new scheduler with empty state. Call Load to restore the
// last snapshot.
func New(deps Deps, cfg *Config) *Scheduler {
	if deps.Location == nil {
		deps.Location = time.Local
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		deps:     deps,
		config:   cfg.withDefaults(),
		logger:   logger.With("component", "scheduler"),
		holderID: uuid.New().String(),
		committed: &state{
			book:      lifecycle.NewBook(deps.Delays),
			admission: admission.NewRegistry(deps.DefaultPolicy, nil, nil, deps.Location),
		},
		notBefore: make(map[string]time.Time),
		ctx:       ctx,
		cancel:    cancel,
		now:       time.Now,
	}
}

// Load replaces the committed state with the stored snapshot.
func (sch *Scheduler) Load(ctx context.Context) error {
	snap, err := sch.deps.Snapshots.Load(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	st := &state{
		book: lifecycle.FromSnapshot(sch.deps.Delays, snap),
		admission: admission.NewRegistry(sch.deps.DefaultPolicy,
			admission.NewHistory(snap.History), snap.Admission, sch.deps.Location),
	}
	sch.stateMu.Lock()
	sch.committed = st
	sch.stateMu.Unlock()
	sch.logger.Info("state loaded", "campaigns", len(snap.Campaigns), "prospects", len(snap.Prospects), "history", len(snap.History))
	return nil
}

// Run executes one cycle for a campaign. A non-nil run is returned whenever
// the cycle started; err reports a resource or persistence failure.
func (sch *Scheduler) Run(ctx context.Context, campaignID string, opts RunOptions) (*models.CycleRun, error) {
	if !sch.cycleMu.TryLock() {
		return nil, ErrCycleInProgress
	}
	defer sch.cycleMu.Unlock()

	if !opts.DryRun {
		release, err := sch.acquireCycleLock(ctx)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	sch.setRunning(campaignID)
	defer sch.setRunning("")

	work := sch.current().clone()
	camp, err := work.book.Campaign(campaignID)
	if err != nil {
		return nil, err
	}

	started := sch.now()
	run := &models.CycleRun{
		ID:         uuid.New().String(),
		CampaignID: camp.ID,
		StartedAt:  started,
		DryRun:     opts.DryRun,
		Outcome:    models.RunCompleted,
		Counts:     models.RunCounts{ActionsSent: make(map[models.ActionClass]int)},
	}
	log := sch.logger.With("campaign", camp.ID, "run", run.ID)
	log.InfoContext(ctx, "cycle started", "dry_run", opts.DryRun)

	cycleErr := sch.cycle(ctx, work, &camp, run, opts, log)

	done := sch.now()
	run.CompletedAt = &done
	sch.deps.Metrics.CycleFinished(ctx, camp.ID, string(run.Outcome), done.Sub(started))

	if opts.DryRun {
		sch.finished(run)
		return run, cycleErr
	}

	work.book.AppendRun(*run)
	pruned := work.admission.History().Prune(work.admission.Lookback(done))
	if err := sch.deps.Snapshots.Save(context.WithoutCancel(ctx), work.snapshot(done)); err != nil {
		log.ErrorContext(ctx, "snapshot save failed, discarding cycle", "error", err)
		return run, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	sch.commit(work)
	sch.finished(run)

	sch.record(ctx, audit.ActionCycleRun, map[string]interface{}{
		"run_id":  run.ID,
		"options": opts,
	}, string(run.Outcome), camp.ID, run.HaltReason)
	log.InfoContext(ctx, "cycle finished",
		"outcome", run.Outcome,
		"halt_reason", run.HaltReason,
		"discovered", run.Counts.Discovered,
		"sent", run.Counts.ActionsSent,
		"expired", run.Counts.Expired,
		"deferred", run.Counts.Deferred,
		"errors", run.Counts.Errors,
		"history_pruned", pruned,
	)
	return run, cycleErr
}

// cycle performs discovery and the due actions on work. It returns a
// non-nil error only when the cycle was aborted by a resource failure.
func (sch *Scheduler) cycle(ctx context.Context, work *state, camp *models.Campaign, run *models.CycleRun, opts RunOptions, log *slog.Logger) error {
	ctrl := work.admission.For(camp.ID, camp.PolicyOverride)
	delays := work.book.Delays(camp.ID)

	// External calls run to completion once started; cancellation is only
	// observed between entities.
	actx := context.WithoutCancel(ctx)

	if !opts.SkipDiscovery && !opts.DryRun {
		found, err := sch.deps.Executor.Discover(actx, camp.TargetCriteria)
		if err != nil {
			run.Counts.Errors++
			log.WarnContext(ctx, "discovery failed", "error", err)
		} else {
			added, err := work.book.Discover(camp.ID, found, sch.now())
			if err != nil {
				return err
			}
			run.Counts.Discovered = added
		}
	}

	due := work.book.Due(camp.ID, sch.now())
	actions := 0
	for i := range due {
		p := &due[i]
		if ctx.Err() != nil {
			run.Outcome = models.RunHalted
			run.HaltReason = "canceled"
			run.Counts.Deferred += len(due) - i
			return nil
		}

		now := sch.now()
		step, ok := lifecycle.NextStep(p, delays, now)
		if !ok {
			continue
		}

		if step.Expire {
			if opts.DryRun {
				run.Planned = append(run.Planned, fmt.Sprintf("expire %s", p.IdentityKey))
				continue
			}
			if _, err := work.book.Expire(camp.ID, p.IdentityKey, run.ID, now); err != nil {
				run.Counts.Errors++
				log.WarnContext(ctx, "expire failed", "prospect", p.IdentityKey, "error", err)
				continue
			}
			run.Counts.Expired++
			continue
		}

		if opts.SkipFollowUps && step.Class == models.ActionFollowUp {
			run.Counts.Skipped++
			continue
		}
		if camp.MaxEntitiesPerRun > 0 && actions >= camp.MaxEntitiesPerRun {
			run.Counts.Deferred++
			continue
		}

		decision := ctrl.Check(now)
		if !decision.Allowed {
			run.Outcome = models.RunHalted
			run.HaltReason = decision.Reason
			run.NextAllowedAt = decision.NextAllowedAt
			run.Counts.Deferred += len(due) - i
			sch.deps.Metrics.AdmissionDenied(ctx, camp.ID, decision.Reason)
			if !opts.DryRun {
				sch.record(ctx, audit.ActionAdmissionDenied, map[string]interface{}{
					"run_id": run.ID, "prospect": p.IdentityKey, "class": step.Class,
				}, decision.Reason, camp.ID, "")
			}
			log.InfoContext(ctx, "admission denied, halting", "reason", decision.Reason, "next_allowed_at", decision.NextAllowedAt)
			return nil
		}

		actions++
		if opts.DryRun {
			run.Planned = append(run.Planned, fmt.Sprintf("%s %s -> %s", step.Class, p.IdentityKey, step.Target))
			// work is discarded after a dry run.
			ctrl.RecordCompleted(step.Class, now, "dry run")
			continue
		}

		handle, err := sch.deps.Sessions.Acquire(actx, camp.ContextPattern)
		if err != nil {
			sch.deps.Sessions.Clear()
			sch.deps.Metrics.SessionAcquired(ctx, false)
			run.Outcome = models.RunAborted
			run.HaltReason = err.Error()
			run.Counts.Deferred += len(due) - i
			log.ErrorContext(ctx, "browser context unavailable, aborting cycle", "error", err)
			return err
		}
		sch.deps.Metrics.SessionAcquired(ctx, true)

		sch.perform(actx, work, ctrl, camp, p, step, handle, run, log)
	}
	return nil
}

// perform runs one admitted action and folds its result into work.
func (sch *Scheduler) perform(ctx context.Context, work *state, ctrl *admission.Controller, camp *models.Campaign, p *models.Prospect, step lifecycle.Step, handle models.SessionHandle, run *models.CycleRun, log *slog.Logger) {
	req := connectors.ActionRequest{
		Class:    step.Class,
		Handle:   handle,
		Entity:   p.Descriptor(),
		Template: camp.TemplatesByStage[step.Target],
	}

	ctrl.Begin()
	res, err := sch.deps.Executor.Perform(ctx, req)
	ctrl.End()
	at := sch.now()

	if err == nil && res != nil && res.Success {
		ctrl.RecordCompleted(step.Class, at, res.Detail)
		if _, err := work.book.Apply(camp.ID, p.IdentityKey, step, res.Signal, run.ID, at); err != nil {
			run.Counts.Errors++
			log.WarnContext(ctx, "apply failed", "prospect", p.IdentityKey, "error", err)
			return
		}
		run.Counts.ActionsSent[step.Class]++
		sch.deps.Metrics.ActionPerformed(ctx, string(step.Class), string(models.OutcomeCompleted))
		sch.record(ctx, audit.ActionPerform, req, string(models.OutcomeCompleted), camp.ID, p.IdentityKey)
		log.InfoContext(ctx, "action completed", "prospect", p.IdentityKey, "class", step.Class, "signal", res.Signal)
		return
	}

	detail := "no result"
	switch {
	case err != nil:
		detail = err.Error()
	case res != nil:
		detail = res.Detail
	}
	ctrl.RecordFailed(step.Class, at, detail)
	run.Counts.Errors++
	sch.deps.Metrics.ActionPerformed(ctx, string(step.Class), string(models.OutcomeFailed))
	sch.record(ctx, audit.ActionPerform, req, string(models.OutcomeFailed), camp.ID, detail)
	log.WarnContext(ctx, "action failed", "prospect", p.IdentityKey, "class", step.Class, "detail", detail)
}

// RunAndWait runs a cycle in the background and waits up to timeout for it.
// Giving up on the wait does not interrupt the cycle: an external action in
// flight always runs to completion, and the cycle commits as usual.
func (sch *Scheduler) RunAndWait(ctx context.Context, campaignID string, opts RunOptions, timeout time.Duration) (*models.CycleRun, error) {
	if timeout <= 0 {
		timeout = sch.config.WaitTimeout
	}
	type result struct {
		run *models.CycleRun
		err error
	}
	ch := make(chan result, 1)

	sch.wg.Add(1)
	go func() {
		defer sch.wg.Done()
		run, err := sch.Run(sch.ctx, campaignID, opts)
		ch <- result{run, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return r.run, r.err
	case <-timer.C:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Start begins the daemon loop.
func (sch *Scheduler) Start() {
	sch.wg.Add(1)
	go sch.schedulerLoop()
	sch.logger.Info("scheduler started", "poll_interval", sch.config.PollInterval)
}

// Stop cancels the loop and waits for any cycle to finish. An action in
// flight runs to completion and the cycle halts before its next entity.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

func (sch *Scheduler) schedulerLoop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			sch.tick(sch.ctx)
		}
	}
}

// tick runs at most one cycle. Campaigns are visited round-robin starting
// after the one that ran last, so a busy campaign cannot starve the others.
func (sch *Scheduler) tick(ctx context.Context) {
	st := sch.current()
	campaigns := st.book.Campaigns()
	if len(campaigns) == 0 {
		return
	}
	now := sch.now()

	sch.mu.Lock()
	start := sch.nextCampaignIdx % len(campaigns)
	sch.mu.Unlock()

	for i := 0; i < len(campaigns); i++ {
		idx := (start + i) % len(campaigns)
		c := campaigns[idx]
		if !sch.wantsCycle(st, &c, now) {
			continue
		}

		sch.mu.Lock()
		sch.nextCampaignIdx = idx + 1
		sch.mu.Unlock()

		run, err := sch.Run(ctx, c.ID, RunOptions{})
		switch {
		case errors.Is(err, ErrCycleInProgress):
			sch.logger.Debug("cycle already running, skipping tick")
		case err != nil:
			sch.logger.Error("scheduled cycle failed", "campaign", c.ID, "error", err)
		}
		if run != nil && run.NextAllowedAt != nil {
			sch.mu.Lock()
			sch.notBefore[c.ID] = *run.NextAllowedAt
			sch.mu.Unlock()
		}
		return
	}
}

// wantsCycle reports whether a campaign has an armed, unpaused policy that
// has not asked to wait, and either due work or a discovery pass owed.
func (sch *Scheduler) wantsCycle(st *state, c *models.Campaign, now time.Time) bool {
	ctrl, ok := st.admission.Lookup(c.ID)
	if !ok || !ctrl.Policy().Enabled || ctrl.State().Paused {
		return false
	}
	sch.mu.Lock()
	nb, waiting := sch.notBefore[c.ID]
	sch.mu.Unlock()
	if waiting && now.Before(nb) {
		return false
	}
	if next, ok := st.book.NextDue(c.ID); ok && !now.Before(next) {
		return true
	}
	return discoveryDue(st.book, c.ID, now, sch.config.DiscoveryInterval)
}

// discoveryDue is true when a campaign has never run or its last run
// started at least interval ago.
func discoveryDue(book *lifecycle.Book, campaignID string, now time.Time, interval time.Duration) bool {
	last := book.Runs(campaignID, 1)
	if len(last) == 0 {
		return true
	}
	return now.Sub(last[0].StartedAt) >= interval
}

// CheckSession leases the browser context for a campaign's pattern under
// the cycle lock. It fails with ErrCycleInProgress while a cycle owns the
// session.
func (sch *Scheduler) CheckSession(ctx context.Context, campaignID string) (models.SessionHandle, error) {
	if !sch.cycleMu.TryLock() {
		return models.SessionHandle{}, ErrCycleInProgress
	}
	defer sch.cycleMu.Unlock()

	release, err := sch.acquireCycleLock(ctx)
	if err != nil {
		return models.SessionHandle{}, err
	}
	defer release()

	camp, err := sch.current().book.Campaign(campaignID)
	if err != nil {
		return models.SessionHandle{}, err
	}
	handle, err := sch.deps.Sessions.Acquire(ctx, camp.ContextPattern)
	if err != nil {
		sch.deps.Sessions.Clear()
		return models.SessionHandle{}, err
	}
	return handle, nil
}

// GetStats returns current scheduler statistics.
func (sch *Scheduler) GetStats() map[string]interface{} {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	stats := map[string]interface{}{
		"running":       sch.running != "",
		"running_for":   sch.running,
		"cycles_run":    sch.cyclesRun,
		"poll_interval": sch.config.PollInterval.String(),
	}
	if sch.lastRun != nil {
		stats["last_run_id"] = sch.lastRun.ID
		stats["last_outcome"] = sch.lastRun.Outcome
		stats["last_campaign"] = sch.lastRun.CampaignID
	}
	return stats
}

func (sch *Scheduler) acquireCycleLock(ctx context.Context) (func(), error) {
	if sch.deps.Locker == nil {
		return func() {}, nil
	}
	lock, err := sch.deps.Locker.AcquireLock(ctx, cycleLockResource, sch.holderID, "exclusive", sch.config.LockTTL)
	if errors.Is(err, store.ErrResourceLocked) {
		return nil, ErrCycleInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("acquire cycle lock: %w", err)
	}
	return func() {
		if err := sch.deps.Locker.ReleaseLock(context.Background(), lock.ID); err != nil {
			sch.logger.Error("release cycle lock", "error", err)
		}
	}, nil
}

// mutate applies an operator change under the cycle lock and commits it
// only if the snapshot save succeeds.
func (sch *Scheduler) mutate(ctx context.Context, fn func(work *state, now time.Time) error) error {
	if !sch.cycleMu.TryLock() {
		return ErrCycleInProgress
	}
	defer sch.cycleMu.Unlock()

	work := sch.current().clone()
	now := sch.now()
	if err := fn(work, now); err != nil {
		return err
	}
	if err := sch.deps.Snapshots.Save(ctx, work.snapshot(now)); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	sch.commit(work)
	return nil
}

func (sch *Scheduler) current() *state {
	sch.stateMu.RLock()
	defer sch.stateMu.RUnlock()
	return sch.committed
}

func (sch *Scheduler) commit(st *state) {
	sch.stateMu.Lock()
	sch.committed = st
	sch.stateMu.Unlock()
}

func (sch *Scheduler) setRunning(campaignID string) {
	sch.mu.Lock()
	sch.running = campaignID
	sch.mu.Unlock()
}

func (sch *Scheduler) finished(run *models.CycleRun) {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	sch.cyclesRun++
	r := *run
	sch.lastRun = &r
}

func (sch *Scheduler) record(ctx context.Context, action string, inputs interface{}, outcome, campaignID, details string) {
	if _, err := sch.deps.Audit.Record(ctx, action, inputs, outcome, campaignID, details); err != nil {
		sch.logger.WarnContext(ctx, "audit write failed", "action", action, "error", err)
	}
}
