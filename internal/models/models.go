// Package models defines the core domain types for cadence.
package models

import "time"

// Stage is a prospect's position in the outreach lifecycle.
type Stage string

const (
	StageDiscovered     Stage = "discovered"
	StageConnectionSent Stage = "connection_sent"
	StageConnected      Stage = "connected"
	StageFirstDMSent    Stage = "first_dm_sent"
	StageReplied        Stage = "replied"
	StageFollowUp1      Stage = "follow_up_1"
	StageFollowUp2      Stage = "follow_up_2"
	StageFollowUp3      Stage = "follow_up_3"
	StageCold           Stage = "cold"
	StageOptedOut       Stage = "opted_out"
	StageConverted      Stage = "converted"
)

// Terminal reports whether no further transition is possible from s.
func (s Stage) Terminal() bool {
	return s == StageCold || s == StageOptedOut || s == StageConverted
}

// ActionClass names a kind of external action. Admission history and
// executor dispatch are keyed by it.
type ActionClass string

const (
	ActionConnect         ActionClass = "connect"
	ActionCheckConnection ActionClass = "check_connection"
	ActionFirstMessage    ActionClass = "first_message"
	ActionFollowUp        ActionClass = "follow_up"
)

// Outcome is the result of a recorded action.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// Signal is extra information an executor can report alongside a
// successful action.
type Signal string

const (
	SignalNone     Signal = ""
	SignalAccepted Signal = "accepted"
	SignalReplied  Signal = "replied"
)

// ActionRecord is one entry of the append-only action history.
type ActionRecord struct {
	ID          string      `json:"id"`
	Scope       string      `json:"scope"`
	ActionClass ActionClass `json:"action_class"`
	At          time.Time   `json:"at"`
	Outcome     Outcome     `json:"outcome"`
	Detail      string      `json:"detail,omitempty"`
}

// AdmissionPolicy gates when actions may start. A zero limit disables the
// corresponding rule.
type AdmissionPolicy struct {
	Enabled                  bool           `json:"enabled" yaml:"enabled"`
	SingleShot               bool           `json:"single_shot" yaml:"single_shot"`
	MaxPerDay                int            `json:"max_per_day" yaml:"max_per_day"`
	MaxConcurrent            int            `json:"max_concurrent" yaml:"max_concurrent"`
	MinInterval              time.Duration  `json:"min_interval" yaml:"min_interval"`
	AllowedStartHour         int            `json:"allowed_start_hour" yaml:"allowed_start_hour"`
	AllowedEndHour           int            `json:"allowed_end_hour" yaml:"allowed_end_hour"`
	AllowedWeekdays          []time.Weekday `json:"allowed_weekdays" yaml:"allowed_weekdays"` // 0 = Sunday
	PauseOnConsecutiveErrors int            `json:"pause_on_consecutive_errors" yaml:"pause_on_consecutive_errors"`
}

// AdmissionState is the mutable counterpart of an AdmissionPolicy.
type AdmissionState struct {
	Paused              bool   `json:"paused"`
	PauseReason         string `json:"pause_reason,omitempty"`
	ConsecutiveFailures int    `json:"consecutive_failures"`
	Active              int    `json:"active"`
}

// AdmissionRecord is the persisted policy/state pair for one scope.
type AdmissionRecord struct {
	Scope  string          `json:"scope"`
	Policy AdmissionPolicy `json:"policy"`
	State  AdmissionState  `json:"state"`
}

// SessionHandle is a lease on the one shared browser context.
type SessionHandle struct {
	Locator        string    `json:"locator"`
	Pattern        string    `json:"pattern"`
	LastVerifiedAt time.Time `json:"last_verified_at"`
	Generation     uint64    `json:"generation"`
}

// StageDelays controls how far apart lifecycle actions are scheduled.
type StageDelays struct {
	ConnectionRecheck time.Duration `json:"connection_recheck" yaml:"connection_recheck"`
	ConnectionExpiry  time.Duration `json:"connection_expiry" yaml:"connection_expiry"`
	FirstMessage      time.Duration `json:"first_message" yaml:"first_message"`
	FollowUp1         time.Duration `json:"follow_up_1" yaml:"follow_up_1"`
	FollowUp2         time.Duration `json:"follow_up_2" yaml:"follow_up_2"`
	FollowUp3         time.Duration `json:"follow_up_3" yaml:"follow_up_3"`
	NoReplyBudget     time.Duration `json:"no_reply_budget" yaml:"no_reply_budget"`
}

// TargetCriteria is handed to the executor's discovery step as-is.
type TargetCriteria struct {
	Query   string            `json:"query,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
	Limit   int               `json:"limit,omitempty"`
}

// Campaign groups prospects under one target, template set and policy.
type Campaign struct {
	ID                string           `json:"id"`
	Name              string           `json:"name"`
	ContextPattern    string           `json:"context_pattern"`
	TargetCriteria    TargetCriteria   `json:"target_criteria"`
	TemplatesByStage  map[Stage]string `json:"templates_by_stage,omitempty"` // keyed by the stage the action enters
	PolicyOverride    *AdmissionPolicy `json:"policy_override,omitempty"`
	DelayOverride     *StageDelays     `json:"delay_override,omitempty"`
	MaxEntitiesPerRun int              `json:"max_entities_per_run"`
	CreatedAt         time.Time        `json:"created_at"`
}

// EntityDescriptor is what discovery returns for one external entity.
type EntityDescriptor struct {
	IdentityKey string            `json:"identity_key"`
	Name        string            `json:"name,omitempty"`
	URL         string            `json:"url,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// StageTransition is one entry of a prospect's stage history.
type StageTransition struct {
	From  Stage     `json:"from"`
	To    Stage     `json:"to"`
	At    time.Time `json:"at"`
	RunID string    `json:"run_id,omitempty"`
}

// Prospect is a tracked external entity.
type Prospect struct {
	IdentityKey           string            `json:"identity_key"`
	CampaignID            string            `json:"campaign_id"`
	Name                  string            `json:"name,omitempty"`
	URL                   string            `json:"url,omitempty"`
	Attributes            map[string]string `json:"attributes,omitempty"`
	Stage                 Stage             `json:"stage"`
	StageHistory          []StageTransition `json:"stage_history"`
	ScheduledNextActionAt *time.Time        `json:"scheduled_next_action_at,omitempty"`
	ConnectedAt           *time.Time        `json:"connected_at,omitempty"`
	Tags                  []string          `json:"tags,omitempty"`
	Notes                 string            `json:"notes,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	UpdatedAt             time.Time         `json:"updated_at"`
}

// Descriptor returns the entity descriptor handed to the executor.
func (p *Prospect) Descriptor() EntityDescriptor {
	return EntityDescriptor{
		IdentityKey: p.IdentityKey,
		Name:        p.Name,
		URL:         p.URL,
		Attributes:  p.Attributes,
	}
}

// RunOutcome summarises how a cycle ended.
type RunOutcome string

const (
	RunCompleted RunOutcome = "completed"
	RunHalted    RunOutcome = "halted"
	RunAborted   RunOutcome = "aborted"
)

// RunCounts holds the per-cycle counters.
type RunCounts struct {
	Discovered  int                 `json:"discovered"`
	ActionsSent map[ActionClass]int `json:"actions_sent"`
	Expired     int                 `json:"expired"`
	Skipped     int                 `json:"skipped"`
	Deferred    int                 `json:"deferred"`
	Errors      int                 `json:"errors"`
}

// CycleRun is the record of one scheduler cycle.
type CycleRun struct {
	ID            string     `json:"id"`
	CampaignID    string     `json:"campaign_id"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DryRun        bool       `json:"dry_run"`
	Outcome       RunOutcome `json:"outcome"`
	HaltReason    string     `json:"halt_reason,omitempty"`
	NextAllowedAt *time.Time `json:"next_allowed_at,omitempty"`
	Counts        RunCounts  `json:"counts"`
	Planned       []string   `json:"planned,omitempty"`
}

// Snapshot is the full persisted state.
type Snapshot struct {
	Campaigns []Campaign        `json:"campaigns"`
	Prospects []Prospect        `json:"prospects"`
	History   []ActionRecord    `json:"history"`
	Admission []AdmissionRecord `json:"admission"`
	Runs      []CycleRun        `json:"runs"`
	SavedAt   time.Time         `json:"saved_at"`
}

// Lock represents an advisory resource lock.
type Lock struct {
	ID         string    `json:"id"`
	ResourceID string    `json:"resource_id"`
	HolderID   string    `json:"holder_id"`
	LockType   string    `json:"lock_type"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
