// Package engine implements the confidence scorer and tier state machine as
// pure functions over ConfidenceRecords. Nothing in this package touches a
// store; transactional callers pass records in and write the results back.
package engine

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/autonomy-engine/internal/config"
	"github.com/sells-group/autonomy-engine/internal/model"
)

// DefaultConfig returns the starting promotion/demotion policy.
func DefaultConfig() config.EngineConfig {
	return config.EngineConfig{
		ApproveScoreThreshold: 0.75,
		AutoScoreThreshold:    0.90,

		MinSignalsSuggest: 1,
		MinSignalsApprove: 10,
		MinSignalsAuto:    25,

		MinDaysActiveSuggest: 0,
		MinDaysActiveApprove: 5,
		MinDaysActiveAuto:    10,

		MaxRejectionForPromotion: 0.10,

		DemotionRejectionThreshold: 0.30,
		DemotionWindow:             10,
		MinWindowReviewed:          3,

		CooldownAutoHours:    168,
		CooldownApproveHours: 72,
		CooldownSuggestHours: 24,

		EvidenceIncrement: 5,
		BlendAlpha:        0.3,
		ScoreWindowDays:   30,
	}
}

// ValidateConfig checks that an EngineConfig is internally consistent.
func ValidateConfig(c config.EngineConfig) error {
	var errs []string

	if c.ApproveScoreThreshold < 0 || c.ApproveScoreThreshold > 1 {
		errs = append(errs, "approve_score_threshold must be in [0,1]")
	}
	if c.AutoScoreThreshold < 0 || c.AutoScoreThreshold > 1 {
		errs = append(errs, "auto_score_threshold must be in [0,1]")
	}
	// Thresholds must be strictly increasing up the ladder.
	if c.AutoScoreThreshold <= c.ApproveScoreThreshold {
		errs = append(errs, "auto_score_threshold must exceed approve_score_threshold")
	}

	if c.MinSignalsSuggest < 1 {
		errs = append(errs, "min_signals_suggest must be >= 1")
	}
	if c.MinSignalsApprove < c.MinSignalsSuggest {
		errs = append(errs, "min_signals_approve must be >= min_signals_suggest")
	}
	if c.MinSignalsAuto < c.MinSignalsApprove {
		errs = append(errs, "min_signals_auto must be >= min_signals_approve")
	}

	if c.MinDaysActiveSuggest < 0 || c.MinDaysActiveApprove < 0 || c.MinDaysActiveAuto < 0 {
		errs = append(errs, "min_days_active values must be >= 0")
	}

	if c.MaxRejectionForPromotion < 0 || c.MaxRejectionForPromotion > 1 {
		errs = append(errs, "max_rejection_for_promotion must be in [0,1]")
	}
	if c.DemotionRejectionThreshold <= 0 || c.DemotionRejectionThreshold > 1 {
		errs = append(errs, "demotion_rejection_threshold must be in (0,1]")
	}
	if c.DemotionWindow < 1 {
		errs = append(errs, "demotion_window must be >= 1")
	}
	if c.MinWindowReviewed < 1 {
		errs = append(errs, "min_window_reviewed must be >= 1")
	}

	if c.CooldownAutoHours < 0 || c.CooldownApproveHours < 0 || c.CooldownSuggestHours < 0 {
		errs = append(errs, "cooldown hours must be >= 0")
	}
	if c.EvidenceIncrement < 0 {
		errs = append(errs, "evidence_increment must be >= 0")
	}
	if c.BlendAlpha <= 0 || c.BlendAlpha > 1 {
		errs = append(errs, "blend_alpha must be in (0,1]")
	}
	if c.ScoreWindowDays < 1 {
		errs = append(errs, "score_window_days must be >= 1")
	}

	if len(errs) > 0 {
		return eris.Errorf("engine: config validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// scoreThreshold returns the minimum score to enter the given tier.
func scoreThreshold(c config.EngineConfig, target model.Tier) float64 {
	switch target {
	case model.TierApprove:
		return c.ApproveScoreThreshold
	case model.TierAuto:
		return c.AutoScoreThreshold
	default:
		// Suggest has no score bar: eligible as soon as data exists.
		return 0
	}
}

// minSignals returns the minimum total signal count to enter the given tier.
func minSignals(c config.EngineConfig, target model.Tier) int {
	switch target {
	case model.TierApprove:
		return c.MinSignalsApprove
	case model.TierAuto:
		return c.MinSignalsAuto
	default:
		return c.MinSignalsSuggest
	}
}

// minDaysActive returns the minimum distinct active days to enter the tier.
func minDaysActive(c config.EngineConfig, target model.Tier) int {
	switch target {
	case model.TierApprove:
		return c.MinDaysActiveApprove
	case model.TierAuto:
		return c.MinDaysActiveAuto
	default:
		return c.MinDaysActiveSuggest
	}
}

// cooldownFor returns the post-demotion cooldown for the tier demoted from.
// Higher tiers earn longer cooldowns.
func cooldownFor(c config.EngineConfig, from model.Tier) time.Duration {
	switch from {
	case model.TierAuto:
		return time.Duration(c.CooldownAutoHours) * time.Hour
	case model.TierApprove:
		return time.Duration(c.CooldownApproveHours) * time.Hour
	default:
		return time.Duration(c.CooldownSuggestHours) * time.Hour
	}
}

// KnownActionType reports whether the action type passes the configured
// allow-list. An empty list accepts any non-empty action type.
func KnownActionType(c config.EngineConfig, actionType string) error {
	if actionType == "" {
		return eris.New("engine: empty action type")
	}
	if len(c.ActionTypes) == 0 {
		return nil
	}
	for _, a := range c.ActionTypes {
		if a == actionType {
			return nil
		}
	}
	return eris.Errorf("engine: unknown action type %q", actionType)
}
