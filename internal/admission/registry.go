package admission

import (
	"sort"
	"time"

	"github.com/fentz26/cadence/internal/models"
)

// Registry holds one controller per scope over a shared history.
type Registry struct {
	defaults    models.AdmissionPolicy
	history     *History
	loc         *time.Location
	controllers map[string]*Controller
}

// NewRegistry rebuilds a registry from persisted records.
func NewRegistry(defaults models.AdmissionPolicy, history *History, records []models.AdmissionRecord, loc *time.Location) *Registry {
	if history == nil {
		history = NewHistory(nil)
	}
	r := &Registry{
		defaults:    defaults,
		history:     history,
		loc:         loc,
		controllers: make(map[string]*Controller),
	}
	for _, rec := range records {
		c := NewController(rec.Scope, rec.Policy, history, loc)
		c.state = rec.State
		c.state.Active = 0
		r.controllers[rec.Scope] = c
	}
	return r
}

// History returns the shared history.
func (r *Registry) History() *History { return r.history }

// Lookup returns the controller for scope, if one exists.
func (r *Registry) Lookup(scope string) (*Controller, bool) {
	c, ok := r.controllers[scope]
	return c, ok
}

// For returns the controller for scope, creating it from override (or the
// defaults) when missing. New controllers always start disarmed.
func (r *Registry) For(scope string, override *models.AdmissionPolicy) *Controller {
	if c, ok := r.controllers[scope]; ok {
		return c
	}
	p := r.defaults
	if override != nil {
		p = *override
	}
	p.AllowedWeekdays = append([]time.Weekday(nil), p.AllowedWeekdays...)
	p.Enabled = false
	c := NewController(scope, p, r.history, r.loc)
	r.controllers[scope] = c
	return c
}

// Lookback is the oldest instant any controller still needs history for.
func (r *Registry) Lookback(now time.Time) time.Time {
	window := 24 * time.Hour
	for _, c := range r.controllers {
		if c.policy.MinInterval > window {
			window = c.policy.MinInterval
		}
	}
	return now.Add(-window - time.Hour)
}

// Records exports every controller, sorted by scope.
func (r *Registry) Records() []models.AdmissionRecord {
	out := make([]models.AdmissionRecord, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, c.Record())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	return out
}

// Clone returns a registry over a cloned history with copied controllers.
func (r *Registry) Clone() *Registry {
	return NewRegistry(r.defaults, r.history.Clone(), r.Records(), r.loc)
}
