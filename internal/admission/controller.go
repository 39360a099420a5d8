package admission

import (
	"time"

	"github.com/fentz26/cadence/internal/models"
)

// Controller owns one policy/state pair over a shared history.
//
// It is not safe for concurrent use; the scheduler guarantees a single
// in-flight cycle touches it at a time.
type Controller struct {
	scope   string
	policy  models.AdmissionPolicy
	state   models.AdmissionState
	history *History
	loc     *time.Location
}

// NewController creates a controller for scope.
func NewController(scope string, policy models.AdmissionPolicy, history *History, loc *time.Location) *Controller {
	if history == nil {
		history = NewHistory(nil)
	}
	if loc == nil {
		loc = time.Local
	}
	return &Controller{
		scope:   scope,
		policy:  policy,
		history: history,
		loc:     loc,
	}
}

// Scope returns the key under which actions are recorded.
func (c *Controller) Scope() string { return c.scope }

// Policy returns a copy of the current policy.
func (c *Controller) Policy() models.AdmissionPolicy {
	p := c.policy
	p.AllowedWeekdays = append([]time.Weekday(nil), c.policy.AllowedWeekdays...)
	return p
}

// State returns the current state.
func (c *Controller) State() models.AdmissionState { return c.state }

// Check evaluates the admission rules at now, in the controller's location.
func (c *Controller) Check(now time.Time) Decision {
	return Check(c.policy, c.state, c.history, c.scope, now.In(c.loc))
}

// Enable arms the policy.
func (c *Controller) Enable() { c.policy.Enabled = true }

// Disable disarms the policy.
func (c *Controller) Disable() { c.policy.Enabled = false }

// Pause blocks admission until Resume.
func (c *Controller) Pause(reason string) {
	if reason == "" {
		reason = "paused"
	}
	c.state.Paused = true
	c.state.PauseReason = reason
}

// Resume clears the pause flag and the consecutive-failure counter.
func (c *Controller) Resume() {
	c.state.Paused = false
	c.state.PauseReason = ""
	c.state.ConsecutiveFailures = 0
}

// UpdatePolicy replaces the policy. The armed flag is kept as-is so that a
// config change can never arm automation on its own.
func (c *Controller) UpdatePolicy(p models.AdmissionPolicy) error {
	if err := ValidatePolicy(p); err != nil {
		return err
	}
	p.Enabled = c.policy.Enabled
	c.policy = p
	return nil
}

// Begin marks an action as in flight.
func (c *Controller) Begin() { c.state.Active++ }

// End marks an in-flight action as finished.
func (c *Controller) End() {
	if c.state.Active > 0 {
		c.state.Active--
	}
}

// RecordCompleted appends a completed record and resets the failure
// counter. Single-shot policies disarm themselves.
func (c *Controller) RecordCompleted(class models.ActionClass, at time.Time, detail string) models.ActionRecord {
	rec := c.history.Append(models.ActionRecord{
		Scope:       c.scope,
		ActionClass: class,
		At:          at,
		Outcome:     models.OutcomeCompleted,
		Detail:      detail,
	})
	c.state.ConsecutiveFailures = 0
	if c.policy.SingleShot {
		c.Disable()
	}
	return rec
}

// RecordFailed appends a failed record, bumps the failure counter and
// pauses once the configured threshold is reached.
func (c *Controller) RecordFailed(class models.ActionClass, at time.Time, detail string) models.ActionRecord {
	rec := c.history.Append(models.ActionRecord{
		Scope:       c.scope,
		ActionClass: class,
		At:          at,
		Outcome:     models.OutcomeFailed,
		Detail:      detail,
	})
	c.state.ConsecutiveFailures++
	if n := c.policy.PauseOnConsecutiveErrors; n > 0 && c.state.ConsecutiveFailures >= n {
		c.Pause(ReasonConsecutiveErrors)
	}
	return rec
}

// Record exports the persisted form.
func (c *Controller) Record() models.AdmissionRecord {
	st := c.state
	st.Active = 0
	return models.AdmissionRecord{Scope: c.scope, Policy: c.Policy(), State: st}
}
