// Package admission decides whether a rate-, time- or failure-gated action
// may start now.
//
// Check is a pure function over a policy, its state, the action history and
// a caller-supplied clock. Controller wraps a policy/state pair and exposes
// the only operations that mutate it.
package admission

import (
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/cadence/internal/models"
)

// Denial reasons that callers may match on.
const (
	ReasonDisabled          = "disabled"
	ReasonWeekday           = "outside allowed weekdays"
	ReasonHours             = "outside allowed hours"
	ReasonDailyCap          = "daily limit reached"
	ReasonConcurrency       = "too many concurrent actions"
	ReasonMinInterval       = "minimum interval not elapsed"
	ReasonConsecutiveErrors = "too many consecutive errors"
)

// Decision is the result of an admission check.
type Decision struct {
	Allowed       bool       `json:"allowed"`
	Reason        string     `json:"reason,omitempty"`
	NextAllowedAt *time.Time `json:"next_allowed_at,omitempty"`
}

func deny(reason string, next *time.Time) Decision {
	return Decision{Allowed: false, Reason: reason, NextAllowedAt: next}
}

// DefaultPolicy returns the default policy: disabled, weekdays 10:00-18:00.
func DefaultPolicy() models.AdmissionPolicy {
	return models.AdmissionPolicy{
		Enabled:          false,
		MaxPerDay:        25,
		MaxConcurrent:    1,
		MinInterval:      90 * time.Second,
		AllowedStartHour: 10,
		AllowedEndHour:   18,
		AllowedWeekdays: []time.Weekday{
			time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday,
		},
		PauseOnConsecutiveErrors: 3,
	}
}

// ErrInvalidPolicy wraps every ValidatePolicy failure.
var ErrInvalidPolicy = errors.New("invalid admission policy")

// ValidatePolicy checks hour bounds and weekday values.
func ValidatePolicy(p models.AdmissionPolicy) error {
	if p.AllowedStartHour < 0 || p.AllowedStartHour > 23 {
		return fmt.Errorf("%w: allowed_start_hour must be in [0,23], got %d", ErrInvalidPolicy, p.AllowedStartHour)
	}
	if p.AllowedEndHour < 1 || p.AllowedEndHour > 24 {
		return fmt.Errorf("%w: allowed_end_hour must be in [1,24], got %d", ErrInvalidPolicy, p.AllowedEndHour)
	}
	if p.AllowedStartHour >= p.AllowedEndHour {
		return fmt.Errorf("%w: allowed_start_hour (%d) must be before allowed_end_hour (%d)", ErrInvalidPolicy, p.AllowedStartHour, p.AllowedEndHour)
	}
	for _, d := range p.AllowedWeekdays {
		if d < time.Sunday || d > time.Saturday {
			return fmt.Errorf("%w: invalid weekday %d", ErrInvalidPolicy, d)
		}
	}
	if p.MaxPerDay < 0 || p.MaxConcurrent < 0 || p.MinInterval < 0 || p.PauseOnConsecutiveErrors < 0 {
		return fmt.Errorf("%w: limits must not be negative", ErrInvalidPolicy)
	}
	return nil
}

// Check evaluates the admission rules in order and returns the first
// failing one. Hour and weekday arithmetic happens in now's location.
func Check(p models.AdmissionPolicy, s models.AdmissionState, h *History, scope string, now time.Time) Decision {
	if !p.Enabled {
		return deny(ReasonDisabled, nil)
	}
	if s.Paused {
		reason := s.PauseReason
		if reason == "" {
			reason = "paused"
		}
		return deny(reason, nil)
	}

	if !weekdayAllowed(p.AllowedWeekdays, now.Weekday()) {
		next := nextAllowedWeekday(p, now)
		return deny(ReasonWeekday, next)
	}

	if now.Hour() < p.AllowedStartHour {
		next := atHour(now, 0, p.AllowedStartHour)
		return deny(ReasonHours, &next)
	}
	if now.Hour() >= p.AllowedEndHour {
		next := atHour(now, 1, p.AllowedStartHour)
		return deny(ReasonHours, &next)
	}

	if p.MaxPerDay > 0 && h != nil {
		midnight := atHour(now, 0, 0)
		if h.CompletedSince(scope, midnight) >= p.MaxPerDay {
			next := atHour(now, 1, p.AllowedStartHour)
			return deny(ReasonDailyCap, &next)
		}
	}

	if p.MaxConcurrent > 0 && s.Active >= p.MaxConcurrent {
		return deny(ReasonConcurrency, nil)
	}

	if p.MinInterval > 0 && h != nil {
		if last, ok := h.LastCompleted(scope); ok {
			next := last.Add(p.MinInterval)
			if now.Before(next) {
				return deny(ReasonMinInterval, &next)
			}
		}
	}

	if p.PauseOnConsecutiveErrors > 0 && s.ConsecutiveFailures >= p.PauseOnConsecutiveErrors {
		return deny(ReasonConsecutiveErrors, nil)
	}

	return Decision{Allowed: true}
}

func weekdayAllowed(days []time.Weekday, d time.Weekday) bool {
	for _, w := range days {
		if w == d {
			return true
		}
	}
	return false
}

// nextAllowedWeekday returns the start of the window on the next allowed
// weekday, or nil when no weekday is allowed at all.
func nextAllowedWeekday(p models.AdmissionPolicy, now time.Time) *time.Time {
	for i := 1; i <= 7; i++ {
		t := atHour(now, i, p.AllowedStartHour)
		if weekdayAllowed(p.AllowedWeekdays, t.Weekday()) {
			return &t
		}
	}
	return nil
}

// atHour returns the given hour, days after now's calendar day, in now's location.
func atHour(now time.Time, days, hour int) time.Time {
	y, m, d := now.Date()
	return time.Date(y, m, d+days, hour, 0, 0, 0, now.Location())
}
