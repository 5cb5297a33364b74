package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/autonomy-engine/internal/config"
	"github.com/sells-group/autonomy-engine/internal/model"
)

// newEvent stamps a transition event for a record.
func newEvent(rec *model.ConfidenceRecord, et model.EventType, from, to model.Tier, reason string, now time.Time) model.Event {
	var score *float64
	if rec.Score != nil {
		v := *rec.Score
		score = &v
	}
	return model.Event{
		ID:                    uuid.New().String(),
		OrgID:                 rec.OrgID,
		UserID:                rec.UserID,
		ActionType:            rec.ActionType,
		EventType:             et,
		FromTier:              from,
		ToTier:                to,
		ConfidenceScoreAtTime: score,
		TriggerReason:         reason,
		CreatedAt:             now.UTC(),
	}
}

// EvaluateDemotion applies the inline demotion rules after a signal has been
// folded into the record. It runs on every signal, inside the same atomic
// unit as the counter update, so a bad auto-executed action disables
// automation before the next one fires.
//
// recentKinds holds the kinds of the most recent signals for this subject
// (the just-ingested signal included), at most cfg.DemotionWindow of them.
// Returns the demotion events, empty when no rule fired.
func EvaluateDemotion(rec *model.ConfidenceRecord, sig model.Signal, recentKinds []model.SignalKind, cfg config.EngineConfig, now time.Time) []model.Event {
	if rec.Tier == model.TierDisabled {
		return nil
	}

	// An undo of a fully-automated action is a hard signal: straight to
	// disabled, regardless of score.
	if sig.Kind == model.SignalUndone && sig.TierAtTime == model.TierAuto {
		return demote(rec, model.TierDisabled, model.ReasonUndoAtAuto, cfg, now)
	}

	// The trailing window is evaluated on every arrival, not just on
	// rejections: any signal can push an old approval out of the window and
	// tip the reviewed mix past the threshold.
	if len(recentKinds) > cfg.DemotionWindow {
		recentKinds = recentKinds[:cfg.DemotionWindow]
	}
	var reviewed, rejected int
	for _, k := range recentKinds {
		if k.Reviewed() {
			reviewed++
			if k == model.SignalRejected {
				rejected++
			}
		}
	}
	if reviewed < cfg.MinWindowReviewed {
		return nil
	}
	if float64(rejected)/float64(reviewed) > cfg.DemotionRejectionThreshold {
		return demote(rec, rec.Tier.Prev(), model.ReasonRejectionRateExceeded, cfg, now)
	}
	return nil
}

// ManualDemotion demotes on explicit administrator action. target must be
// strictly below the current tier.
func ManualDemotion(rec *model.ConfidenceRecord, target model.Tier, reason string, cfg config.EngineConfig, now time.Time) ([]model.Event, error) {
	if target.Rank() >= rec.Tier.Rank() {
		return nil, eris.Errorf("engine: manual demotion target %s is not below current tier %s", target, rec.Tier)
	}
	if reason == "" {
		reason = model.ReasonManualDemotion
	}
	return demote(rec, target, reason, cfg, now), nil
}

// demote drops the tier, starts the cooldown for the tier demoted from, and
// raises the evidence bar for re-promotion.
func demote(rec *model.ConfidenceRecord, to model.Tier, reason string, cfg config.EngineConfig, now time.Time) []model.Event {
	from := rec.Tier
	rec.Tier = to
	until := now.UTC().Add(cooldownFor(cfg, from))
	rec.CooldownUntil = &until
	rec.ExtraRequiredSignals += cfg.EvidenceIncrement
	rec.PromotionEligible = false
	return []model.Event{newEvent(rec, model.EventDemotion, from, to, reason, now)}
}

// PromotionEligible reports whether the record currently satisfies every
// promotion guard for the next tier up. The same checks drive
// EvaluatePromotion; this read-only form feeds the promotion_eligible field
// shown to dashboards.
func PromotionEligible(rec *model.ConfidenceRecord, ceiling model.PolicyCeiling, ov *model.Override, cfg config.EngineConfig, now time.Time) bool {
	return promotionBlock(rec, ceiling, ov, cfg, now) == ""
}

// PromotionBlocker names the first guard blocking promotion, or "" when none
// does. Dashboards show it so users know what stands between them and the
// next tier.
func PromotionBlocker(rec *model.ConfidenceRecord, ceiling model.PolicyCeiling, ov *model.Override, cfg config.EngineConfig, now time.Time) string {
	return promotionBlock(rec, ceiling, ov, cfg, now)
}

// promotionBlock returns the name of the first guard that blocks promotion,
// or "" when promotion may proceed.
func promotionBlock(rec *model.ConfidenceRecord, ceiling model.PolicyCeiling, ov *model.Override, cfg config.EngineConfig, now time.Time) string {
	if rec.TotalSignals == 0 {
		return "no_signals"
	}
	if rec.Tier == model.TierAuto {
		return "at_top_tier"
	}
	if rec.NeverPromote {
		return "never_promote"
	}
	if rec.CooldownUntil != nil && now.Before(*rec.CooldownUntil) {
		return "cooldown_active"
	}

	next := rec.Tier.Next()

	if th := scoreThreshold(cfg, next); th > 0 {
		if rec.Score == nil || *rec.Score < th {
			return "score_below_threshold"
		}
	}
	if rec.TotalSignals < minSignals(cfg, next)+rec.ExtraRequiredSignals {
		return "insufficient_signals"
	}
	if rec.DaysActive < minDaysActive(cfg, next) {
		return "insufficient_days_active"
	}
	if rec.RejectionRate != nil && *rec.RejectionRate > cfg.MaxRejectionForPromotion {
		return "rejection_rate_too_high"
	}
	if !ceiling.MaxCeiling.Allows(next) {
		return "ceiling_below_target"
	}
	if !ceiling.AutoPromotionEligible {
		return "auto_promotion_disabled"
	}
	if ov != nil {
		if pinned, ok := ov.Policy.Pinned(); ok && pinned.Rank() < next.Rank() {
			return "override_pins_lower_tier"
		}
	}
	return ""
}

// EvaluatePromotion applies the promotion rule after a scheduled rescore.
// Promotion always moves exactly one tier. On success the record is
// advanced, extra_required_signals resets, and both the proposal and the
// acceptance are recorded (default policy auto-accepts; a human gate would
// hold the second event).
func EvaluatePromotion(rec *model.ConfidenceRecord, ceiling model.PolicyCeiling, ov *model.Override, cfg config.EngineConfig, now time.Time) []model.Event {
	if block := promotionBlock(rec, ceiling, ov, cfg, now); block != "" {
		return nil
	}

	from := rec.Tier
	next := from.Next()
	reason := fmt.Sprintf("%s:%s", model.ReasonScoreThresholdMet, next)

	proposed := newEvent(rec, model.EventPromotionProposed, from, next, reason, now)
	rec.Tier = next
	rec.ExtraRequiredSignals = 0
	accepted := newEvent(rec, model.EventPromotionAccepted, from, next, reason, now)
	return []model.Event{proposed, accepted}
}

// EffectiveTier is what callers outside the engine see: the computed tier,
// pinned by any override, clamped by the org ceiling. The stored tier is
// never rewritten by ceiling or override changes, so raising a ceiling or
// clearing an override reveals the organically-earned tier.
func EffectiveTier(rec *model.ConfidenceRecord, ceiling model.PolicyCeiling, ov *model.Override) model.Tier {
	tier := rec.Tier
	if ov != nil {
		if pinned, ok := ov.Policy.Pinned(); ok {
			tier = pinned
		}
	}
	return ceiling.MaxCeiling.Clamp(tier)
}
