// Package lifecycle tracks prospects through the outreach stages and decides
// what the next action for each one is.
package lifecycle

import (
	"errors"
	"time"

	"github.com/fentz26/cadence/internal/models"
)

var (
	ErrCampaignNotFound  = errors.New("campaign not found")
	ErrCampaignExists    = errors.New("campaign already exists")
	ErrProspectNotFound  = errors.New("prospect not found")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrInvalidCampaign   = errors.New("invalid campaign")
)

// forward lists the non-absorbing edges of the stage graph.
var forward = map[models.Stage][]models.Stage{
	models.StageDiscovered:     {models.StageConnectionSent},
	models.StageConnectionSent: {models.StageConnected},
	models.StageConnected:      {models.StageFirstDMSent, models.StageReplied},
	models.StageFirstDMSent:    {models.StageFollowUp1, models.StageReplied},
	models.StageFollowUp1:      {models.StageFollowUp2, models.StageReplied},
	models.StageFollowUp2:      {models.StageFollowUp3, models.StageReplied},
	models.StageFollowUp3:      {models.StageReplied},
}

var rank = map[models.Stage]int{
	models.StageDiscovered:     0,
	models.StageConnectionSent: 1,
	models.StageConnected:      2,
	models.StageFirstDMSent:    3,
	models.StageFollowUp1:      4,
	models.StageFollowUp2:      5,
	models.StageFollowUp3:      6,
	models.StageReplied:        7,
	models.StageCold:           8,
	models.StageOptedOut:       8,
	models.StageConverted:      8,
}

// Rank orders stages so that every legal transition strictly increases it.
// Unknown stages rank -1.
func Rank(s models.Stage) int {
	if r, ok := rank[s]; ok {
		return r
	}
	return -1
}

// Valid reports whether s is a known stage.
func Valid(s models.Stage) bool {
	_, ok := rank[s]
	return ok
}

// CanTransition reports whether from -> to is an edge of the stage graph.
// cold, opted_out and converted are reachable from any non-terminal stage.
func CanTransition(from, to models.Stage) bool {
	if !Valid(from) || !Valid(to) || from.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	for _, next := range forward[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Step is the next piece of work for a due prospect.
type Step struct {
	Class  models.ActionClass `json:"class,omitempty"`
	Target models.Stage       `json:"target,omitempty"`
	// Expire means the prospect ran out of time and moves to cold without
	// any external action.
	Expire bool `json:"expire,omitempty"`
}

// DefaultDelays returns the standard follow-up cadence.
func DefaultDelays() models.StageDelays {
	return models.StageDelays{
		ConnectionRecheck: 24 * time.Hour,
		ConnectionExpiry:  504 * time.Hour,
		FirstMessage:      2 * time.Hour,
		FollowUp1:         72 * time.Hour,
		FollowUp2:         168 * time.Hour,
		FollowUp3:         336 * time.Hour,
		NoReplyBudget:     504 * time.Hour,
	}
}

// MergeDelays overlays the non-zero fields of override onto base.
func MergeDelays(base models.StageDelays, override *models.StageDelays) models.StageDelays {
	if override == nil {
		return base
	}
	set := func(dst *time.Duration, v time.Duration) {
		if v > 0 {
			*dst = v
		}
	}
	set(&base.ConnectionRecheck, override.ConnectionRecheck)
	set(&base.ConnectionExpiry, override.ConnectionExpiry)
	set(&base.FirstMessage, override.FirstMessage)
	set(&base.FollowUp1, override.FollowUp1)
	set(&base.FollowUp2, override.FollowUp2)
	set(&base.FollowUp3, override.FollowUp3)
	set(&base.NoReplyBudget, override.NoReplyBudget)
	return base
}

// NextStep returns what a due prospect should do now. ok is false for
// stages that never act (replied and the terminal stages).
func NextStep(p *models.Prospect, d models.StageDelays, now time.Time) (Step, bool) {
	switch p.Stage {
	case models.StageDiscovered:
		return Step{Class: models.ActionConnect, Target: models.StageConnectionSent}, true
	case models.StageConnectionSent:
		if sent, ok := enteredAt(p, models.StageConnectionSent); ok && d.ConnectionExpiry > 0 && !now.Before(sent.Add(d.ConnectionExpiry)) {
			return Step{Expire: true, Target: models.StageCold}, true
		}
		return Step{Class: models.ActionCheckConnection, Target: models.StageConnected}, true
	case models.StageConnected:
		return Step{Class: models.ActionFirstMessage, Target: models.StageFirstDMSent}, true
	case models.StageFirstDMSent, models.StageFollowUp1, models.StageFollowUp2, models.StageFollowUp3:
		if budgetSpent(p, d, now) || p.Stage == models.StageFollowUp3 {
			return Step{Expire: true, Target: models.StageCold}, true
		}
		return Step{Class: models.ActionFollowUp, Target: forward[p.Stage][0]}, true
	}
	return Step{}, false
}

// schedule returns when a prospect that just entered stage at now is next
// due, or nil when it has nothing further to do.
func schedule(p *models.Prospect, stage models.Stage, d models.StageDelays, now time.Time) *time.Time {
	var next time.Time
	switch stage {
	case models.StageDiscovered:
		next = now
	case models.StageConnectionSent:
		next = now.Add(d.ConnectionRecheck)
		if sent, ok := enteredAt(p, models.StageConnectionSent); ok && d.ConnectionExpiry > 0 {
			if limit := sent.Add(d.ConnectionExpiry); next.After(limit) {
				next = limit
			}
		}
	case models.StageConnected:
		next = now.Add(d.FirstMessage)
	case models.StageFirstDMSent:
		next = capToBudget(p, d, now.Add(d.FollowUp1))
	case models.StageFollowUp1:
		next = capToBudget(p, d, now.Add(d.FollowUp2))
	case models.StageFollowUp2:
		next = capToBudget(p, d, now.Add(d.FollowUp3))
	case models.StageFollowUp3:
		if p.ConnectedAt == nil || d.NoReplyBudget <= 0 {
			return nil
		}
		next = p.ConnectedAt.Add(d.NoReplyBudget)
		if next.Before(now) {
			next = now
		}
	default:
		return nil
	}
	return &next
}

func capToBudget(p *models.Prospect, d models.StageDelays, t time.Time) time.Time {
	if p.ConnectedAt == nil || d.NoReplyBudget <= 0 {
		return t
	}
	if limit := p.ConnectedAt.Add(d.NoReplyBudget); t.After(limit) {
		return limit
	}
	return t
}

func budgetSpent(p *models.Prospect, d models.StageDelays, now time.Time) bool {
	if p.ConnectedAt == nil || d.NoReplyBudget <= 0 {
		return false
	}
	return !now.Before(p.ConnectedAt.Add(d.NoReplyBudget))
}

// enteredAt returns when p last moved into stage.
func enteredAt(p *models.Prospect, stage models.Stage) (time.Time, bool) {
	for i := len(p.StageHistory) - 1; i >= 0; i-- {
		if p.StageHistory[i].To == stage {
			return p.StageHistory[i].At, true
		}
	}
	return time.Time{}, false
}
