// Package model defines the domain types of the autonomy confidence engine.
// All string enums are closed: unknown values are rejected at the boundary
// rather than coerced.
package model

import (
	"github.com/rotisserie/eris"
)

// Tier is the trust level granted to a (user, action_type) pair. It controls
// whether an automated action executes without review.
type Tier string

const (
	TierDisabled Tier = "disabled"
	TierSuggest  Tier = "suggest"
	TierApprove  Tier = "approve"
	TierAuto     Tier = "auto"
)

var tierRanks = map[Tier]int{
	TierDisabled: 0,
	TierSuggest:  1,
	TierApprove:  2,
	TierAuto:     3,
}

var ranksToTier = []Tier{TierDisabled, TierSuggest, TierApprove, TierAuto}

// ParseTier validates a tier string.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierRanks[t]; !ok {
		return "", eris.Errorf("model: unknown tier %q", s)
	}
	return t, nil
}

// Rank returns the ordinal position of the tier (disabled=0 .. auto=3).
func (t Tier) Rank() int {
	return tierRanks[t]
}

// Next returns the tier one step up, or the same tier if already at auto.
func (t Tier) Next() Tier {
	r := t.Rank()
	if r >= len(ranksToTier)-1 {
		return t
	}
	return ranksToTier[r+1]
}

// Prev returns the tier one step down, or disabled if already there.
func (t Tier) Prev() Tier {
	r := t.Rank()
	if r <= 0 {
		return TierDisabled
	}
	return ranksToTier[r-1]
}

// MinTier returns the lower of two tiers.
func MinTier(a, b Tier) Tier {
	if a.Rank() <= b.Rank() {
		return a
	}
	return b
}

// CeilingLevel is an org-wide cap on how high a tier may rise for an
// action_type. "no_limit" ranks above every tier.
type CeilingLevel string

const (
	CeilingDisabled CeilingLevel = "disabled"
	CeilingSuggest  CeilingLevel = "suggest"
	CeilingApprove  CeilingLevel = "approve"
	CeilingAuto     CeilingLevel = "auto"
	CeilingNoLimit  CeilingLevel = "no_limit"
)

// ParseCeilingLevel validates a ceiling string.
func ParseCeilingLevel(s string) (CeilingLevel, error) {
	c := CeilingLevel(s)
	switch c {
	case CeilingDisabled, CeilingSuggest, CeilingApprove, CeilingAuto, CeilingNoLimit:
		return c, nil
	}
	return "", eris.Errorf("model: unknown ceiling level %q", s)
}

// Rank returns the ordinal position of the ceiling (no_limit ranks above auto).
func (c CeilingLevel) Rank() int {
	if c == CeilingNoLimit {
		return len(ranksToTier)
	}
	return Tier(c).Rank()
}

// Clamp returns the tier capped at the ceiling.
func (c CeilingLevel) Clamp(t Tier) Tier {
	if c == CeilingNoLimit || t.Rank() <= c.Rank() {
		return t
	}
	return Tier(c)
}

// Allows reports whether the ceiling permits the given tier.
func (c CeilingLevel) Allows(t Tier) bool {
	return c.Rank() >= t.Rank()
}

// SignalKind classifies the observed outcome of a previously-taken action.
type SignalKind string

const (
	SignalAutoExecuted   SignalKind = "auto_executed"
	SignalApproved       SignalKind = "approved"
	SignalApprovedEdited SignalKind = "approved_edited"
	SignalRejected       SignalKind = "rejected"
	SignalUndone         SignalKind = "undone"
	SignalExpired        SignalKind = "expired"
)

// ParseSignalKind validates a signal kind string.
func ParseSignalKind(s string) (SignalKind, error) {
	k := SignalKind(s)
	switch k {
	case SignalAutoExecuted, SignalApproved, SignalApprovedEdited,
		SignalRejected, SignalUndone, SignalExpired:
		return k, nil
	}
	return "", eris.Errorf("model: unknown signal kind %q", s)
}

// Reviewed reports whether the signal counts as a human review outcome
// (the denominator of approval and rejection rates).
func (k SignalKind) Reviewed() bool {
	switch k {
	case SignalApproved, SignalApprovedEdited, SignalRejected:
		return true
	}
	return false
}

// EventType classifies a tier transition record.
type EventType string

const (
	EventPromotionProposed EventType = "promotion_proposed"
	EventPromotionAccepted EventType = "promotion_accepted"
	EventDemotion          EventType = "demotion"
	EventOverrideApplied   EventType = "override_applied"
	EventCeilingApplied    EventType = "ceiling_applied"
)

// ParseEventType validates an event type string.
func ParseEventType(s string) (EventType, error) {
	e := EventType(s)
	switch e {
	case EventPromotionProposed, EventPromotionAccepted, EventDemotion,
		EventOverrideApplied, EventCeilingApplied:
		return e, nil
	}
	return "", eris.Errorf("model: unknown event type %q", s)
}

// OverridePolicy pins a user's effective tier for an action_type, or
// "inherit" to defer to the computed tier.
type OverridePolicy string

const OverrideInherit OverridePolicy = "inherit"

// ParseOverridePolicy validates an override policy string.
func ParseOverridePolicy(s string) (OverridePolicy, error) {
	if OverridePolicy(s) == OverrideInherit {
		return OverrideInherit, nil
	}
	if _, err := ParseTier(s); err != nil {
		return "", eris.Errorf("model: unknown override policy %q", s)
	}
	return OverridePolicy(s), nil
}

// Pinned returns the pinned tier and true when the policy is not "inherit".
func (p OverridePolicy) Pinned() (Tier, bool) {
	if p == OverrideInherit || p == "" {
		return "", false
	}
	return Tier(p), true
}

// Trigger reasons recorded on transition events.
const (
	ReasonScoreThresholdMet       = "score_threshold_met"
	ReasonRejectionRateExceeded   = "rejection_rate_exceeded_threshold"
	ReasonUndoAtAuto              = "undo_at_auto_tier"
	ReasonManualDemotion          = "manual_demotion"
	ReasonOverrideChanged         = "override_changed"
	ReasonCeilingChanged          = "ceiling_changed"
)
