package lifecycle

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/fentz26/cadence/internal/models"
	"github.com/google/uuid"
)

// Book is the in-memory lifecycle state: campaigns, their prospects and the
// cycle run history. It is not safe for concurrent use; the scheduler owns
// one copy per cycle and swaps it in on commit.
type Book struct {
	defaults  models.StageDelays
	campaigns map[string]*models.Campaign
	prospects map[string]map[string]*models.Prospect // campaign -> identity key
	runs      []models.CycleRun
}

// NewBook creates an empty book using defaults for campaigns without a
// delay override.
func NewBook(defaults models.StageDelays) *Book {
	return &Book{
		defaults:  defaults,
		campaigns: make(map[string]*models.Campaign),
		prospects: make(map[string]map[string]*models.Prospect),
	}
}

// FromSnapshot rebuilds a book from persisted state.
func FromSnapshot(defaults models.StageDelays, snap *models.Snapshot) *Book {
	b := NewBook(defaults)
	if snap == nil {
		return b
	}
	for i := range snap.Campaigns {
		c := cloneCampaign(&snap.Campaigns[i])
		b.campaigns[c.ID] = c
	}
	for i := range snap.Prospects {
		p := cloneProspect(&snap.Prospects[i])
		b.bucket(p.CampaignID)[p.IdentityKey] = p
	}
	b.runs = append(b.runs, snap.Runs...)
	return b
}

// Export writes campaigns, prospects and runs into snap in a stable order.
func (b *Book) Export(snap *models.Snapshot) {
	snap.Campaigns = b.Campaigns()
	snap.Prospects = b.List(Filter{})
	snap.Runs = make([]models.CycleRun, len(b.runs))
	copy(snap.Runs, b.runs)
}

// Clone returns a deep copy.
func (b *Book) Clone() *Book {
	c := NewBook(b.defaults)
	for id, camp := range b.campaigns {
		c.campaigns[id] = cloneCampaign(camp)
	}
	for id, ps := range b.prospects {
		dst := c.bucket(id)
		for k, p := range ps {
			dst[k] = cloneProspect(p)
		}
	}
	c.runs = make([]models.CycleRun, len(b.runs))
	copy(c.runs, b.runs)
	return c
}

// CreateCampaign registers a new campaign. An empty ID gets a generated one.
func (b *Book) CreateCampaign(c models.Campaign, now time.Time) (models.Campaign, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.ContextPattern = strings.TrimSpace(c.ContextPattern)
	if c.Name == "" {
		return models.Campaign{}, fmt.Errorf("%w: name is required", ErrInvalidCampaign)
	}
	if c.ContextPattern == "" {
		return models.Campaign{}, fmt.Errorf("%w: context pattern is required", ErrInvalidCampaign)
	}
	if c.MaxEntitiesPerRun < 0 {
		return models.Campaign{}, fmt.Errorf("%w: max entities per run must not be negative", ErrInvalidCampaign)
	}
	for stage := range c.TemplatesByStage {
		if !Valid(stage) {
			return models.Campaign{}, fmt.Errorf("%w: unknown template stage %q", ErrInvalidCampaign, stage)
		}
	}
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	if _, ok := b.campaigns[c.ID]; ok {
		return models.Campaign{}, fmt.Errorf("%w: %s", ErrCampaignExists, c.ID)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	b.campaigns[c.ID] = cloneCampaign(&c)
	return *cloneCampaign(&c), nil
}

// Campaign returns a copy of the campaign with id.
func (b *Book) Campaign(id string) (models.Campaign, error) {
	c, ok := b.campaigns[id]
	if !ok {
		return models.Campaign{}, fmt.Errorf("%w: %s", ErrCampaignNotFound, id)
	}
	return *cloneCampaign(c), nil
}

// Campaigns returns all campaigns, oldest first.
func (b *Book) Campaigns() []models.Campaign {
	out := make([]models.Campaign, 0, len(b.campaigns))
	for _, c := range b.campaigns {
		out = append(out, *cloneCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Delays returns the effective delay table for a campaign.
func (b *Book) Delays(campaignID string) models.StageDelays {
	if c, ok := b.campaigns[campaignID]; ok {
		return MergeDelays(b.defaults, c.DelayOverride)
	}
	return b.defaults
}

// Discover inserts the descriptors that are not tracked yet as new
// prospects at stage discovered, due immediately. Identity keys are trimmed;
// empty keys and duplicates (within the batch or against the book) are
// ignored. It returns the number of prospects added.
func (b *Book) Discover(campaignID string, found []models.EntityDescriptor, now time.Time) (int, error) {
	if _, ok := b.campaigns[campaignID]; !ok {
		return 0, fmt.Errorf("%w: %s", ErrCampaignNotFound, campaignID)
	}
	bucket := b.bucket(campaignID)
	added := 0
	for _, d := range found {
		key := strings.TrimSpace(d.IdentityKey)
		if key == "" {
			continue
		}
		if _, ok := bucket[key]; ok {
			continue
		}
		next := now
		bucket[key] = &models.Prospect{
			IdentityKey:           key,
			CampaignID:            campaignID,
			Name:                  d.Name,
			URL:                   d.URL,
			Attributes:            cloneAttrs(d.Attributes),
			Stage:                 models.StageDiscovered,
			ScheduledNextActionAt: &next,
			CreatedAt:             now,
			UpdatedAt:             now,
		}
		added++
	}
	return added, nil
}

// Due returns copies of the campaign's prospects whose next action time has
// passed, oldest scheduled first.
func (b *Book) Due(campaignID string, now time.Time) []models.Prospect {
	var out []models.Prospect
	for _, p := range b.prospects[campaignID] {
		if p.Stage.Terminal() || p.ScheduledNextActionAt == nil || now.Before(*p.ScheduledNextActionAt) {
			continue
		}
		out = append(out, *cloneProspect(p))
	}
	sort.Slice(out, func(i, j int) bool {
		a, c := out[i], out[j]
		if !a.ScheduledNextActionAt.Equal(*c.ScheduledNextActionAt) {
			return a.ScheduledNextActionAt.Before(*c.ScheduledNextActionAt)
		}
		if !a.CreatedAt.Equal(c.CreatedAt) {
			return a.CreatedAt.Before(c.CreatedAt)
		}
		return a.IdentityKey < c.IdentityKey
	})
	return out
}

// NextDue returns the earliest scheduled action time in a campaign.
func (b *Book) NextDue(campaignID string) (time.Time, bool) {
	var best time.Time
	found := false
	for _, p := range b.prospects[campaignID] {
		if p.Stage.Terminal() || p.ScheduledNextActionAt == nil {
			continue
		}
		if !found || p.ScheduledNextActionAt.Before(best) {
			best = *p.ScheduledNextActionAt
			found = true
		}
	}
	return best, found
}

// Prospect returns a copy of one prospect.
func (b *Book) Prospect(campaignID, key string) (models.Prospect, error) {
	p, err := b.lookup(campaignID, key)
	if err != nil {
		return models.Prospect{}, err
	}
	return *cloneProspect(p), nil
}

// Apply records a successful action for step. The signal decides the
// outcome of a connection check and whether the prospect replied.
func (b *Book) Apply(campaignID, key string, step Step, signal models.Signal, runID string, now time.Time) (models.Prospect, error) {
	p, err := b.lookup(campaignID, key)
	if err != nil {
		return models.Prospect{}, err
	}
	d := b.Delays(campaignID)

	to := step.Target
	switch {
	case signal == models.SignalReplied && CanTransition(p.Stage, models.StageReplied):
		to = models.StageReplied
	case step.Class == models.ActionCheckConnection && signal == models.SignalNone:
		// Still pending: recheck later, never past the pending expiry.
		p.ScheduledNextActionAt = schedule(p, models.StageConnectionSent, d, now)
		p.UpdatedAt = now
		return *cloneProspect(p), nil
	}

	if err := b.transition(p, to, runID, now); err != nil {
		return models.Prospect{}, err
	}
	if to == models.StageConnected {
		at := now
		p.ConnectedAt = &at
	}
	p.ScheduledNextActionAt = schedule(p, to, d, now)
	return *cloneProspect(p), nil
}

// Expire moves a prospect to cold.
func (b *Book) Expire(campaignID, key, runID string, now time.Time) (models.Prospect, error) {
	p, err := b.lookup(campaignID, key)
	if err != nil {
		return models.Prospect{}, err
	}
	if err := b.transition(p, models.StageCold, runID, now); err != nil {
		return models.Prospect{}, err
	}
	p.ScheduledNextActionAt = nil
	return *cloneProspect(p), nil
}

// Override applies an operator decision. Only converted and opted_out are
// accepted.
func (b *Book) Override(campaignID, key string, to models.Stage, now time.Time) (models.Prospect, error) {
	if to != models.StageConverted && to != models.StageOptedOut {
		return models.Prospect{}, fmt.Errorf("%w: operators may only mark %s or %s", ErrInvalidTransition, models.StageConverted, models.StageOptedOut)
	}
	p, err := b.lookup(campaignID, key)
	if err != nil {
		return models.Prospect{}, err
	}
	if err := b.transition(p, to, "", now); err != nil {
		return models.Prospect{}, err
	}
	p.ScheduledNextActionAt = nil
	return *cloneProspect(p), nil
}

func (b *Book) transition(p *models.Prospect, to models.Stage, runID string, now time.Time) error {
	if !CanTransition(p.Stage, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, p.Stage, to)
	}
	p.StageHistory = append(p.StageHistory, models.StageTransition{From: p.Stage, To: to, At: now, RunID: runID})
	p.Stage = to
	p.UpdatedAt = now
	return nil
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	CampaignID string
	Stage      models.Stage
}

// List returns prospects matching f ordered by campaign, creation time and key.
func (b *Book) List(f Filter) []models.Prospect {
	var out []models.Prospect
	for id, ps := range b.prospects {
		if f.CampaignID != "" && id != f.CampaignID {
			continue
		}
		for _, p := range ps {
			if f.Stage != "" && p.Stage != f.Stage {
				continue
			}
			out = append(out, *cloneProspect(p))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, c := out[i], out[j]
		if a.CampaignID != c.CampaignID {
			return a.CampaignID < c.CampaignID
		}
		if !a.CreatedAt.Equal(c.CreatedAt) {
			return a.CreatedAt.Before(c.CreatedAt)
		}
		return a.IdentityKey < c.IdentityKey
	})
	return out
}

// StageCounts tallies a campaign's prospects per stage.
func (b *Book) StageCounts(campaignID string) map[models.Stage]int {
	counts := make(map[models.Stage]int)
	for _, p := range b.prospects[campaignID] {
		counts[p.Stage]++
	}
	return counts
}

// AppendRun adds a finished cycle run to the history.
func (b *Book) AppendRun(run models.CycleRun) {
	b.runs = append(b.runs, run)
}

// Runs returns up to limit runs, newest first. An empty campaignID matches
// all campaigns; limit <= 0 means no limit.
func (b *Book) Runs(campaignID string, limit int) []models.CycleRun {
	var out []models.CycleRun
	for i := len(b.runs) - 1; i >= 0; i-- {
		if campaignID != "" && b.runs[i].CampaignID != campaignID {
			continue
		}
		out = append(out, b.runs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (b *Book) lookup(campaignID, key string) (*models.Prospect, error) {
	if _, ok := b.campaigns[campaignID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrCampaignNotFound, campaignID)
	}
	p, ok := b.prospects[campaignID][key]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrProspectNotFound, campaignID, key)
	}
	return p, nil
}

func (b *Book) bucket(campaignID string) map[string]*models.Prospect {
	m, ok := b.prospects[campaignID]
	if !ok {
		m = make(map[string]*models.Prospect)
		b.prospects[campaignID] = m
	}
	return m
}

func cloneCampaign(c *models.Campaign) *models.Campaign {
	out := *c
	if c.TargetCriteria.Filters != nil {
		out.TargetCriteria.Filters = make(map[string]string, len(c.TargetCriteria.Filters))
		for k, v := range c.TargetCriteria.Filters {
			out.TargetCriteria.Filters[k] = v
		}
	}
	if c.TemplatesByStage != nil {
		out.TemplatesByStage = make(map[models.Stage]string, len(c.TemplatesByStage))
		for k, v := range c.TemplatesByStage {
			out.TemplatesByStage[k] = v
		}
	}
	if c.PolicyOverride != nil {
		p := *c.PolicyOverride
		p.AllowedWeekdays = append([]time.Weekday(nil), c.PolicyOverride.AllowedWeekdays...)
		out.PolicyOverride = &p
	}
	if c.DelayOverride != nil {
		d := *c.DelayOverride
		out.DelayOverride = &d
	}
	return &out
}

func cloneProspect(p *models.Prospect) *models.Prospect {
	out := *p
	out.Attributes = cloneAttrs(p.Attributes)
	out.StageHistory = append([]models.StageTransition(nil), p.StageHistory...)
	out.Tags = append([]string(nil), p.Tags...)
	if p.ScheduledNextActionAt != nil {
		t := *p.ScheduledNextActionAt
		out.ScheduledNextActionAt = &t
	}
	if p.ConnectedAt != nil {
		t := *p.ConnectedAt
		out.ConnectedAt = &t
	}
	return &out
}

func cloneAttrs(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
