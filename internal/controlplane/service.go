// Package controlplane provides the HTTP API and service layer for cadence.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/cadence/internal/lifecycle"
	"github.com/fentz26/cadence/internal/models"
	"github.com/fentz26/cadence/internal/scheduler"
)

// Store is the part of the database the API reads directly.
type Store interface {
	Ping(ctx context.Context) error
	ListPDR(ctx context.Context, campaignID string, limit int) ([]models.PDREntry, error)
}

// Sessions exposes read-only browser context diagnostics. Leasing goes
// through the scheduler so it never races a running cycle.
type Sessions interface {
	Current() (models.SessionHandle, bool)
	Verify(ctx context.Context, h models.SessionHandle) bool
	Valid(h models.SessionHandle) bool
}

// Service provides the control plane business logic.
type Service struct {
	sched    *scheduler.Scheduler
	store    Store
	sessions Sessions
}

// NewService creates a new control plane service. sessions may be nil.
func NewService(sched *scheduler.Scheduler, st Store, sessions Sessions) *Service {
	return &Service{
		sched:    sched,
		store:    st,
		sessions: sessions,
	}
}

// --- Campaign Operations ---

// CreateCampaign registers a campaign.
func (s *Service) CreateCampaign(ctx context.Context, c models.Campaign) (models.Campaign, error) {
	return s.sched.CreateCampaign(ctx, c)
}

// ListCampaigns returns every campaign with stage counts.
func (s *Service) ListCampaigns() []scheduler.CampaignSummary {
	return s.sched.Campaigns()
}

// GetCampaign returns one campaign with stage counts.
func (s *Service) GetCampaign(id string) (scheduler.CampaignSummary, error) {
	return s.sched.Campaign(id)
}

// --- Cycle Operations ---

// RunCycle starts a cycle and waits up to wait for it. A run that outlives
// the wait keeps going and ErrWaitTimeout is returned.
func (s *Service) RunCycle(ctx context.Context, campaignID string, opts scheduler.RunOptions, wait time.Duration) (*models.CycleRun, error) {
	if _, err := s.sched.Campaign(campaignID); err != nil {
		return nil, err
	}
	return s.sched.RunAndWait(ctx, campaignID, opts, wait)
}

// ListRuns returns recent runs, newest first.
func (s *Service) ListRuns(campaignID string, limit int) []models.CycleRun {
	return s.sched.Runs(campaignID, limit)
}

// Stats returns scheduler statistics.
func (s *Service) Stats() map[string]interface{} {
	return s.sched.GetStats()
}

// --- Prospect Operations ---

// ListProspects returns prospects filtered by campaign and stage.
func (s *Service) ListProspects(campaignID string, stage models.Stage) ([]models.Prospect, error) {
	if stage != "" && !lifecycle.Valid(stage) {
		return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidRequest, stage)
	}
	return s.sched.ListProspects(lifecycle.Filter{CampaignID: campaignID, Stage: stage}), nil
}

// MarkProspect records a conversion or opt-out.
func (s *Service) MarkProspect(ctx context.Context, campaignID, key string, stage models.Stage) (models.Prospect, error) {
	return s.sched.Override(ctx, campaignID, key, stage)
}

// --- Admission Operations ---

// AdmissionStatus returns the admission gate for a campaign.
func (s *Service) AdmissionStatus(campaignID string) (scheduler.AdmissionStatus, error) {
	return s.sched.AdmissionStatus(campaignID)
}

// ChangeAdmission applies enable, disable, pause or resume.
func (s *Service) ChangeAdmission(ctx context.Context, campaignID, op, reason string) (scheduler.AdmissionStatus, error) {
	switch op {
	case "enable":
		return s.sched.Enable(ctx, campaignID)
	case "disable":
		return s.sched.Disable(ctx, campaignID)
	case "pause":
		return s.sched.Pause(ctx, campaignID, reason)
	case "resume":
		return s.sched.Resume(ctx, campaignID)
	}
	return scheduler.AdmissionStatus{}, fmt.Errorf("%w: unknown admission operation %q", ErrInvalidRequest, op)
}

// UpdatePolicy replaces a campaign's admission policy.
func (s *Service) UpdatePolicy(ctx context.Context, campaignID string, p models.AdmissionPolicy) (scheduler.AdmissionStatus, error) {
	return s.sched.UpdatePolicy(ctx, campaignID, p)
}

// --- Session Operations ---

// SessionReport describes the browser context as seen by the API.
type SessionReport struct {
	Pattern string                `json:"pattern"`
	OK      bool                  `json:"ok"`
	Busy    bool                  `json:"busy,omitempty"`
	Error   string                `json:"error,omitempty"`
	Handle  *models.SessionHandle `json:"handle,omitempty"`
}

// CheckSession acquires the campaign's browser context without running
// any action. While a cycle holds the session it only verifies the current
// lease and never rebinds.
func (s *Service) CheckSession(ctx context.Context, campaignID string) (SessionReport, error) {
	if s.sessions == nil {
		return SessionReport{}, ErrNoSessions
	}
	c, err := s.sched.Campaign(campaignID)
	if err != nil {
		return SessionReport{}, err
	}
	report := SessionReport{Pattern: c.ContextPattern}

	h, err := s.sched.CheckSession(ctx, campaignID)
	switch {
	case errors.Is(err, scheduler.ErrCycleInProgress):
		report.Busy = true
		return s.inspectLease(ctx, report), nil
	case err != nil:
		report.Error = err.Error()
		return report, nil
	}
	report.OK = true
	report.Handle = &h
	return report, nil
}

func (s *Service) inspectLease(ctx context.Context, report SessionReport) SessionReport {
	h, ok := s.sessions.Current()
	if !ok {
		report.Error = "cycle in progress, no lease held"
		return report
	}
	report.Handle = &h
	if !s.sessions.Valid(h) || !s.sessions.Verify(ctx, h) {
		report.Error = "cycle in progress, current lease failed verification"
		return report
	}
	report.OK = true
	return report
}

// CurrentSession returns the cached handle, if any.
func (s *Service) CurrentSession() (models.SessionHandle, bool) {
	if s.sessions == nil {
		return models.SessionHandle{}, false
	}
	return s.sessions.Current()
}

// --- Audit Operations ---

// ListAudit returns decision records, newest first.
func (s *Service) ListAudit(ctx context.Context, campaignID string, limit int) ([]models.PDREntry, error) {
	return s.store.ListPDR(ctx, campaignID, limit)
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
