package model

import (
	"fmt"
	"time"
)

// SubjectKey identifies one (org, user, action_type) confidence subject.
type SubjectKey struct {
	OrgID      string `json:"org_id"`
	UserID     string `json:"user_id"`
	ActionType string `json:"action_type"`
}

func (k SubjectKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.OrgID, k.UserID, k.ActionType)
}

// Validate checks that all key components are present.
func (k SubjectKey) Validate() error {
	if k.OrgID == "" || k.UserID == "" || k.ActionType == "" {
		return fmt.Errorf("model: subject key requires org_id, user_id and action_type")
	}
	return nil
}

// ConfidenceRecord is the engine's per-subject state. It is created lazily on
// the first Signal and mutated only by signal ingestion and the tier state
// machine. Everything except cooldown_until and never_promote can be rebuilt
// from the signal log.
type ConfidenceRecord struct {
	SubjectKey

	// Tier is the computed (non-overridden) tier. It changes only through a
	// recorded Event.
	Tier Tier `json:"tier"`

	// Score is the long-run exponentially-weighted confidence blend in [0,1].
	// Nil until the first sweep produces a windowed score.
	Score       *float64 `json:"score"`
	Last30Score *float64 `json:"last_30_score"`

	ApprovalRate      *float64 `json:"approval_rate"`
	CleanApprovalRate *float64 `json:"clean_approval_rate"`
	EditRate          *float64 `json:"edit_rate"`
	RejectionRate     *float64 `json:"rejection_rate"`
	UndoRate          *float64 `json:"undo_rate"`

	TotalSignals      int `json:"total_signals"`
	TotalApproved     int `json:"total_approved"`
	TotalRejected     int `json:"total_rejected"`
	TotalUndone       int `json:"total_undone"`
	TotalEdited       int `json:"total_edited"`
	TotalAutoExecuted int `json:"total_auto_executed"`
	TotalExpired      int `json:"total_expired"`

	// DaysActive is the number of distinct UTC calendar days with at least
	// one signal.
	DaysActive int `json:"days_active"`

	PromotionEligible bool `json:"promotion_eligible"`

	// CooldownUntil blocks promotion while now < CooldownUntil.
	CooldownUntil *time.Time `json:"cooldown_until"`

	// NeverPromote is a sticky manual lock, cleared only by explicit admin
	// action.
	NeverPromote bool `json:"never_promote"`

	// ExtraRequiredSignals is additional evidence demanded after a demotion
	// before re-promotion is considered.
	ExtraRequiredSignals int `json:"extra_required_signals"`

	FirstSignalAt *time.Time `json:"first_signal_at"`
	LastSignalAt  *time.Time `json:"last_signal_at"`

	// SweptAt is when the windowed fields were last recomputed. Dashboards
	// use it as a staleness indicator.
	SweptAt   *time.Time `json:"swept_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// NewConfidenceRecord returns the zero-signal record for a subject:
// disabled, nil score.
func NewConfidenceRecord(key SubjectKey) *ConfidenceRecord {
	return &ConfidenceRecord{SubjectKey: key, Tier: TierDisabled}
}

// ReviewedCount is the denominator of approval and rejection rates.
func (r *ConfidenceRecord) ReviewedCount() int {
	return r.TotalApproved + r.TotalRejected
}

// Signal is one immutable behavioral outcome. Signals are never mutated or
// deleted; they are the sole source of truth for re-deriving a
// ConfidenceRecord.
type Signal struct {
	ID         string     `json:"id"`
	OrgID      string     `json:"org_id"`
	UserID     string     `json:"user_id"`
	ActionType string     `json:"action_type"`
	Kind       SignalKind `json:"kind"`

	// TierAtTime is the tier in force when the action was taken. Outcomes
	// are attributed to the policy that authorized them, not the current
	// policy.
	TierAtTime Tier      `json:"tier_at_time"`
	OccurredAt time.Time `json:"occurred_at"`
	CreatedAt  time.Time `json:"created_at"`
}

// Subject returns the signal's subject key.
func (s Signal) Subject() SubjectKey {
	return SubjectKey{OrgID: s.OrgID, UserID: s.UserID, ActionType: s.ActionType}
}

// Event is one immutable tier-transition record. Events drive both the audit
// trail and the nudge queue.
type Event struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	UserID     string    `json:"user_id"`
	ActionType string    `json:"action_type"`
	EventType  EventType `json:"event_type"`
	FromTier   Tier      `json:"from_tier"`
	ToTier     Tier      `json:"to_tier"`

	// ConfidenceScoreAtTime captures the score that justified the
	// transition; nil when no score existed yet.
	ConfidenceScoreAtTime *float64 `json:"confidence_score_at_time"`
	TriggerReason         string   `json:"trigger_reason"`
	CreatedAt             time.Time `json:"created_at"`
}

// Subject returns the event's subject key.
func (e Event) Subject() SubjectKey {
	return SubjectKey{OrgID: e.OrgID, UserID: e.UserID, ActionType: e.ActionType}
}

// PolicyCeiling is an org-wide maximum tier per action_type.
type PolicyCeiling struct {
	OrgID                string       `json:"org_id"`
	ActionType           string       `json:"action_type"`
	MaxCeiling           CeilingLevel `json:"max_ceiling"`
	AutoPromotionEligible bool        `json:"auto_promotion_eligible"`
	UpdatedAt            time.Time    `json:"updated_at"`
}

// DefaultCeiling is the policy in force when an org has set none: no cap,
// auto-promotion allowed.
func DefaultCeiling(orgID, actionType string) PolicyCeiling {
	return PolicyCeiling{
		OrgID:                 orgID,
		ActionType:            actionType,
		MaxCeiling:            CeilingNoLimit,
		AutoPromotionEligible: true,
	}
}

// Override is a per-user explicit policy pin for an action_type.
type Override struct {
	OrgID      string         `json:"org_id"`
	UserID     string         `json:"user_id"`
	ActionType string         `json:"action_type"`
	Policy     OverridePolicy `json:"policy"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Nudge is a one-time notification surfaced to a user when their tier rises,
// cleared on first delivery. The (user, action_type, to_tier) triple is the
// milestone identity used for at-most-once delivery.
type Nudge struct {
	ID         string    `json:"id"`
	OrgID      string    `json:"org_id"`
	UserID     string    `json:"user_id"`
	ActionType string    `json:"action_type"`
	ToTier     Tier      `json:"to_tier"`
	Message    string    `json:"message"`
	CreatedAt  time.Time `json:"created_at"`
}

// WindowCounts aggregates signals by kind over a trailing time window.
type WindowCounts struct {
	Approved     int `json:"approved"`
	Edited       int `json:"edited"`
	Rejected     int `json:"rejected"`
	Undone       int `json:"undone"`
	AutoExecuted int `json:"auto_executed"`
	Expired      int `json:"expired"`
}

// Total returns the number of signals in the window.
func (w WindowCounts) Total() int {
	return w.Approved + w.Edited + w.Rejected + w.Undone + w.AutoExecuted + w.Expired
}
