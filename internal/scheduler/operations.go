package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/fentz26/cadence/internal/admission"
	"github.com/fentz26/cadence/internal/audit"
	"github.com/fentz26/cadence/internal/lifecycle"
	"github.com/fentz26/cadence/internal/models"
)

// AdmissionStatus is the operator view of one campaign's admission gate.
type AdmissionStatus struct {
	CampaignID     string                 `json:"campaign_id"`
	Policy         models.AdmissionPolicy `json:"policy"`
	State          models.AdmissionState  `json:"state"`
	Decision       admission.Decision     `json:"decision"`
	CompletedToday int                    `json:"completed_today"`
}

// CampaignSummary pairs a campaign with its per-stage counts.
type CampaignSummary struct {
	models.Campaign
	Stages map[models.Stage]int `json:"stages"`
}

// CreateCampaign registers a campaign and its admission gate. The gate
// starts disabled.
func (sch *Scheduler) CreateCampaign(ctx context.Context, c models.Campaign) (models.Campaign, error) {
	if c.PolicyOverride != nil {
		if err := admission.ValidatePolicy(*c.PolicyOverride); err != nil {
			return models.Campaign{}, fmt.Errorf("%w: %v", lifecycle.ErrInvalidCampaign, err)
		}
	}
	var created models.Campaign
	err := sch.mutate(ctx, func(work *state, now time.Time) error {
		var err error
		created, err = work.book.CreateCampaign(c, now)
		if err != nil {
			return err
		}
		work.admission.For(created.ID, created.PolicyOverride)
		return nil
	})
	if err != nil {
		return models.Campaign{}, err
	}
	sch.record(ctx, audit.ActionCampaignCreate, created, "created", created.ID, created.Name)
	sch.logger.InfoContext(ctx, "campaign created", "campaign", created.ID, "name", created.Name)
	return created, nil
}

// Campaigns lists every campaign with its stage counts.
func (sch *Scheduler) Campaigns() []CampaignSummary {
	st := sch.current()
	var out []CampaignSummary
	for _, c := range st.book.Campaigns() {
		out = append(out, CampaignSummary{Campaign: c, Stages: st.book.StageCounts(c.ID)})
	}
	return out
}

// Campaign returns one campaign with its stage counts.
func (sch *Scheduler) Campaign(id string) (CampaignSummary, error) {
	st := sch.current()
	c, err := st.book.Campaign(id)
	if err != nil {
		return CampaignSummary{}, err
	}
	return CampaignSummary{Campaign: c, Stages: st.book.StageCounts(id)}, nil
}

// ListProspects returns prospects matching f.
func (sch *Scheduler) ListProspects(f lifecycle.Filter) []models.Prospect {
	return sch.current().book.List(f)
}

// Prospect returns one prospect.
func (sch *Scheduler) Prospect(campaignID, key string) (models.Prospect, error) {
	return sch.current().book.Prospect(campaignID, key)
}

// Override records an operator's conversion or opt-out decision.
func (sch *Scheduler) Override(ctx context.Context, campaignID, key string, to models.Stage) (models.Prospect, error) {
	var p models.Prospect
	err := sch.mutate(ctx, func(work *state, now time.Time) error {
		var err error
		p, err = work.book.Override(campaignID, key, to, now)
		return err
	})
	if err != nil {
		return models.Prospect{}, err
	}
	sch.record(ctx, audit.ActionProspectOverride, map[string]string{"prospect": key, "stage": string(to)}, string(to), campaignID, key)
	return p, nil
}

// Runs returns the newest cycle runs first.
func (sch *Scheduler) Runs(campaignID string, limit int) []models.CycleRun {
	return sch.current().book.Runs(campaignID, limit)
}

// AdmissionStatus reports the gate for a campaign as of now.
func (sch *Scheduler) AdmissionStatus(campaignID string) (AdmissionStatus, error) {
	st := sch.current()
	c, err := st.book.Campaign(campaignID)
	if err != nil {
		return AdmissionStatus{}, err
	}
	// Work on a copy so a campaign without a stored gate is not registered
	// by a read.
	reg := st.admission.Clone()
	ctrl := reg.For(c.ID, c.PolicyOverride)
	now := sch.now().In(sch.deps.Location)
	y, m, d := now.Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, now.Location())
	return AdmissionStatus{
		CampaignID:     c.ID,
		Policy:         ctrl.Policy(),
		State:          ctrl.State(),
		Decision:       ctrl.Check(now),
		CompletedToday: reg.History().CompletedSince(c.ID, midnight),
	}, nil
}

// Enable arms automation for a campaign.
func (sch *Scheduler) Enable(ctx context.Context, campaignID string) (AdmissionStatus, error) {
	return sch.changeAdmission(ctx, campaignID, "enable", func(c *admission.Controller) error {
		c.Enable()
		return nil
	})
}

// Disable disarms automation for a campaign.
func (sch *Scheduler) Disable(ctx context.Context, campaignID string) (AdmissionStatus, error) {
	return sch.changeAdmission(ctx, campaignID, "disable", func(c *admission.Controller) error {
		c.Disable()
		return nil
	})
}

// Pause blocks admission for a campaign until Resume.
func (sch *Scheduler) Pause(ctx context.Context, campaignID, reason string) (AdmissionStatus, error) {
	return sch.changeAdmission(ctx, campaignID, "pause", func(c *admission.Controller) error {
		c.Pause(reason)
		return nil
	})
}

// Resume lifts a pause and clears the consecutive-failure counter.
func (sch *Scheduler) Resume(ctx context.Context, campaignID string) (AdmissionStatus, error) {
	return sch.changeAdmission(ctx, campaignID, "resume", func(c *admission.Controller) error {
		c.Resume()
		return nil
	})
}

// UpdatePolicy replaces a campaign's policy, keeping its armed flag.
func (sch *Scheduler) UpdatePolicy(ctx context.Context, campaignID string, p models.AdmissionPolicy) (AdmissionStatus, error) {
	return sch.changeAdmission(ctx, campaignID, "policy", func(c *admission.Controller) error {
		return c.UpdatePolicy(p)
	})
}

func (sch *Scheduler) changeAdmission(ctx context.Context, campaignID, op string, fn func(*admission.Controller) error) (AdmissionStatus, error) {
	err := sch.mutate(ctx, func(work *state, _ time.Time) error {
		c, err := work.book.Campaign(campaignID)
		if err != nil {
			return err
		}
		return fn(work.admission.For(c.ID, c.PolicyOverride))
	})
	if err != nil {
		return AdmissionStatus{}, err
	}
	sch.mu.Lock()
	delete(sch.notBefore, campaignID)
	sch.mu.Unlock()

	status, err := sch.AdmissionStatus(campaignID)
	if err != nil {
		return AdmissionStatus{}, err
	}
	sch.record(ctx, audit.ActionAdmissionChange, status.Policy, op, campaignID, status.State.PauseReason)
	sch.logger.InfoContext(ctx, "admission changed", "campaign", campaignID, "op", op,
		"enabled", status.Policy.Enabled, "paused", status.State.Paused)
	return status, nil
}
