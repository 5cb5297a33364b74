package engine

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/autonomy-engine/internal/model"
)

var now = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

func openCeiling() model.PolicyCeiling {
	return model.DefaultCeiling("org-1", "email.send")
}

// promotableRecord returns a record that satisfies every promotion guard
// for the approve tier.
func promotableRecord() *model.ConfidenceRecord {
	rec := model.NewConfidenceRecord(testKey())
	rec.Tier = model.TierSuggest
	score := 0.92
	rec.Score = &score
	rec.TotalSignals = 30
	rec.TotalApproved = 30
	rec.DaysActive = 12
	RecomputeRates(rec)
	return rec
}

func TestEvaluatePromotion_OneStep(t *testing.T) {
	rec := promotableRecord()

	events := EvaluatePromotion(rec, openCeiling(), nil, DefaultConfig(), now)

	require.Len(t, events, 2)
	assert.Equal(t, model.EventPromotionProposed, events[0].EventType)
	assert.Equal(t, model.EventPromotionAccepted, events[1].EventType)
	assert.Equal(t, model.TierSuggest, events[0].FromTier)
	assert.Equal(t, model.TierApprove, events[0].ToTier)
	// One step only, even though the score clears the auto threshold too.
	assert.Equal(t, model.TierApprove, rec.Tier)
	assert.Zero(t, rec.ExtraRequiredSignals)
	require.NotNil(t, events[0].ConfidenceScoreAtTime)
	assert.InDelta(t, 0.92, *events[0].ConfidenceScoreAtTime, 1e-9)
}

func TestEvaluatePromotion_ZeroSignalsNever(t *testing.T) {
	rec := model.NewConfidenceRecord(testKey())
	assert.Empty(t, EvaluatePromotion(rec, openCeiling(), nil, DefaultConfig(), now))
	assert.Equal(t, model.TierDisabled, rec.Tier)
}

func TestEvaluatePromotion_CooldownBlocksRegardlessOfScore(t *testing.T) {
	cfg := DefaultConfig()
	until := now.Add(time.Hour)

	// Fuzz scores and counts: with a future cooldown the tier never moves.
	for i := 0; i < 200; i++ {
		rec := promotableRecord()
		score := rand.Float64()
		rec.Score = &score
		rec.TotalSignals = rand.IntN(1000)
		rec.TotalApproved = rec.TotalSignals
		rec.DaysActive = rand.IntN(400)
		rec.CooldownUntil = &until
		RecomputeRates(rec)

		before := rec.Tier
		events := EvaluatePromotion(rec, openCeiling(), nil, cfg, now)
		assert.Empty(t, events)
		assert.Equal(t, before, rec.Tier)
	}
}

func TestEvaluatePromotion_CooldownExpiredAllows(t *testing.T) {
	rec := promotableRecord()
	until := now.Add(-time.Minute)
	rec.CooldownUntil = &until

	events := EvaluatePromotion(rec, openCeiling(), nil, DefaultConfig(), now)
	assert.Len(t, events, 2)
	assert.Equal(t, model.TierApprove, rec.Tier)
}

func TestEvaluatePromotion_Guards(t *testing.T) {
	cfg := DefaultConfig()

	tests := []struct {
		name  string
		mutate func(rec *model.ConfidenceRecord, ceiling *model.PolicyCeiling) *model.Override
	}{
		{"never_promote", func(rec *model.ConfidenceRecord, _ *model.PolicyCeiling) *model.Override {
			rec.NeverPromote = true
			return nil
		}},
		{"score_below_threshold", func(rec *model.ConfidenceRecord, _ *model.PolicyCeiling) *model.Override {
			score := 0.5
			rec.Score = &score
			return nil
		}},
		{"nil_score", func(rec *model.ConfidenceRecord, _ *model.PolicyCeiling) *model.Override {
			rec.Score = nil
			return nil
		}},
		{"insufficient_signals", func(rec *model.ConfidenceRecord, _ *model.PolicyCeiling) *model.Override {
			rec.TotalSignals = 5
			return nil
		}},
		{"extra_required_signals", func(rec *model.ConfidenceRecord, _ *model.PolicyCeiling) *model.Override {
			// 30 signals meets the base minimum but not base+extra.
			rec.ExtraRequiredSignals = 25
			return nil
		}},
		{"insufficient_days", func(rec *model.ConfidenceRecord, _ *model.PolicyCeiling) *model.Override {
			rec.DaysActive = 2
			return nil
		}},
		{"rejection_rate", func(rec *model.ConfidenceRecord, _ *model.PolicyCeiling) *model.Override {
			rec.TotalRejected = 10
			RecomputeRates(rec)
			return nil
		}},
		{"ceiling_below_target", func(_ *model.ConfidenceRecord, c *model.PolicyCeiling) *model.Override {
			c.MaxCeiling = model.CeilingSuggest
			return nil
		}},
		{"auto_promotion_disabled", func(_ *model.ConfidenceRecord, c *model.PolicyCeiling) *model.Override {
			c.AutoPromotionEligible = false
			return nil
		}},
		{"override_pins_lower", func(_ *model.ConfidenceRecord, _ *model.PolicyCeiling) *model.Override {
			return &model.Override{Policy: model.OverridePolicy(model.TierSuggest)}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := promotableRecord()
			ceiling := openCeiling()
			ov := tt.mutate(rec, &ceiling)

			events := EvaluatePromotion(rec, ceiling, ov, cfg, now)
			assert.Empty(t, events)
			assert.Equal(t, model.TierSuggest, rec.Tier)
		})
	}
}

func TestEvaluatePromotion_InheritOverrideDoesNotBlock(t *testing.T) {
	rec := promotableRecord()
	ov := &model.Override{Policy: model.OverrideInherit}

	events := EvaluatePromotion(rec, openCeiling(), ov, DefaultConfig(), now)
	assert.Len(t, events, 2)
}

func TestEvaluatePromotion_SuggestNeedsNoScore(t *testing.T) {
	rec := model.NewConfidenceRecord(testKey())
	rec.Tier = model.TierDisabled
	rec.TotalSignals = 1
	rec.TotalApproved = 1
	rec.DaysActive = 1
	RecomputeRates(rec)

	events := EvaluatePromotion(rec, openCeiling(), nil, DefaultConfig(), now)
	require.Len(t, events, 2)
	assert.Equal(t, model.TierSuggest, rec.Tier)
}

func TestEvaluateDemotion_UndoAtAuto(t *testing.T) {
	cfg := DefaultConfig()
	rec := promotableRecord()
	rec.Tier = model.TierAuto

	s := sig(model.SignalUndone, model.TierAuto, now)
	events := EvaluateDemotion(rec, s, []model.SignalKind{model.SignalUndone}, cfg, now)

	require.Len(t, events, 1)
	assert.Equal(t, model.EventDemotion, events[0].EventType)
	assert.Equal(t, model.TierAuto, events[0].FromTier)
	assert.Equal(t, model.TierDisabled, events[0].ToTier)
	assert.Equal(t, model.ReasonUndoAtAuto, events[0].TriggerReason)

	assert.Equal(t, model.TierDisabled, rec.Tier)
	require.NotNil(t, rec.CooldownUntil)
	assert.True(t, rec.CooldownUntil.After(now))
	assert.Equal(t, now.Add(168*time.Hour), *rec.CooldownUntil)
	assert.Equal(t, cfg.EvidenceIncrement, rec.ExtraRequiredSignals)
}

func TestEvaluateDemotion_UndoBelowAutoIsSoft(t *testing.T) {
	rec := promotableRecord()
	rec.Tier = model.TierApprove

	s := sig(model.SignalUndone, model.TierApprove, now)
	events := EvaluateDemotion(rec, s, []model.SignalKind{model.SignalUndone}, DefaultConfig(), now)

	assert.Empty(t, events)
	assert.Equal(t, model.TierApprove, rec.Tier)
}

func TestEvaluateDemotion_RejectionRate(t *testing.T) {
	rec := promotableRecord()
	rec.Tier = model.TierApprove

	recent := []model.SignalKind{
		model.SignalRejected, model.SignalRejected, model.SignalRejected,
		model.SignalApproved, model.SignalApproved, model.SignalApproved,
		model.SignalApproved,
	}
	s := sig(model.SignalRejected, model.TierApprove, now)
	events := EvaluateDemotion(rec, s, recent, DefaultConfig(), now)

	// 3/7 rejected > 0.30: one tier down.
	require.Len(t, events, 1)
	assert.Equal(t, model.TierSuggest, events[0].ToTier)
	assert.Equal(t, model.ReasonRejectionRateExceeded, events[0].TriggerReason)
	assert.Equal(t, model.TierSuggest, rec.Tier)
	require.NotNil(t, rec.CooldownUntil)
	assert.Equal(t, now.Add(72*time.Hour), *rec.CooldownUntil)
}

func TestEvaluateDemotion_WindowEvaluatedOnNonRejectedSignal(t *testing.T) {
	rec := promotableRecord()
	rec.Tier = model.TierApprove

	// The arriving signal is not itself a rejection, but the trailing
	// window still holds enough of them to trip the rate.
	recent := []model.SignalKind{
		model.SignalAutoExecuted,
		model.SignalRejected, model.SignalRejected, model.SignalRejected,
		model.SignalApproved,
	}
	s := sig(model.SignalAutoExecuted, model.TierApprove, now)
	events := EvaluateDemotion(rec, s, recent, DefaultConfig(), now)

	require.Len(t, events, 1)
	assert.Equal(t, model.TierSuggest, events[0].ToTier)
	assert.Equal(t, model.ReasonRejectionRateExceeded, events[0].TriggerReason)
	assert.Equal(t, model.TierSuggest, rec.Tier)
}

func TestEvaluateDemotion_BelowEvidenceFloor(t *testing.T) {
	rec := promotableRecord()
	rec.Tier = model.TierSuggest

	// One rejection out of two reviewed signals is a 50% rate, but with
	// fewer than min_window_reviewed signals no demotion fires.
	recent := []model.SignalKind{model.SignalRejected, model.SignalApproved}
	s := sig(model.SignalRejected, model.TierSuggest, now)
	events := EvaluateDemotion(rec, s, recent, DefaultConfig(), now)

	assert.Empty(t, events)
	assert.Equal(t, model.TierSuggest, rec.Tier)
}

func TestEvaluateDemotion_WindowTruncated(t *testing.T) {
	rec := promotableRecord()
	rec.Tier = model.TierApprove

	// Old rejections beyond the 10-signal window must not count.
	recent := make([]model.SignalKind, 0, 14)
	recent = append(recent, model.SignalRejected)
	for i := 0; i < 9; i++ {
		recent = append(recent, model.SignalApproved)
	}
	for i := 0; i < 4; i++ {
		recent = append(recent, model.SignalRejected) // outside the window
	}
	s := sig(model.SignalRejected, model.TierApprove, now)
	events := EvaluateDemotion(rec, s, recent, DefaultConfig(), now)

	// 1/10 = 10% inside the window: no demotion.
	assert.Empty(t, events)
}

func TestEvaluateDemotion_DisabledIsTerminal(t *testing.T) {
	rec := model.NewConfidenceRecord(testKey())

	s := sig(model.SignalRejected, model.TierSuggest, now)
	events := EvaluateDemotion(rec, s, []model.SignalKind{model.SignalRejected, model.SignalRejected, model.SignalRejected}, DefaultConfig(), now)
	assert.Empty(t, events)
}

func TestManualDemotion(t *testing.T) {
	rec := promotableRecord()
	rec.Tier = model.TierAuto

	events, err := ManualDemotion(rec, model.TierSuggest, "", DefaultConfig(), now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.ReasonManualDemotion, events[0].TriggerReason)
	assert.Equal(t, model.TierSuggest, rec.Tier)

	// Upward "demotion" is rejected.
	_, err = ManualDemotion(rec, model.TierAuto, "", DefaultConfig(), now)
	assert.Error(t, err)
}

func TestDemotionThenCooldownBlocksRepromotion(t *testing.T) {
	cfg := DefaultConfig()
	rec := promotableRecord()
	rec.Tier = model.TierAuto

	s := sig(model.SignalUndone, model.TierAuto, now)
	EvaluateDemotion(rec, s, []model.SignalKind{model.SignalUndone}, cfg, now)

	// Score recovers the same day, but the cooldown holds.
	score := 0.99
	rec.Score = &score
	later := now.Add(6 * time.Hour)
	events := EvaluatePromotion(rec, openCeiling(), nil, cfg, later)
	assert.Empty(t, events)
	assert.Equal(t, model.TierDisabled, rec.Tier)

	// After the cooldown expires, the raised evidence bar still applies.
	afterCooldown := rec.CooldownUntil.Add(time.Hour)
	rec.TotalSignals = cfg.MinSignalsSuggest // below base+extra
	events = EvaluatePromotion(rec, openCeiling(), nil, cfg, afterCooldown)
	assert.Empty(t, events)
}

func TestEffectiveTier(t *testing.T) {
	rec := promotableRecord()
	rec.Tier = model.TierAuto

	ceiling := openCeiling()
	assert.Equal(t, model.TierAuto, EffectiveTier(rec, ceiling, nil))

	// Ceiling clamps the computed tier without rewriting it.
	ceiling.MaxCeiling = model.CeilingSuggest
	assert.Equal(t, model.TierSuggest, EffectiveTier(rec, ceiling, nil))
	assert.Equal(t, model.TierAuto, rec.Tier)

	// Raising the ceiling restores the earned tier with no new evidence.
	ceiling.MaxCeiling = model.CeilingNoLimit
	assert.Equal(t, model.TierAuto, EffectiveTier(rec, ceiling, nil))

	// Override pins, still clamped by the ceiling.
	ov := &model.Override{Policy: model.OverridePolicy(model.TierApprove)}
	assert.Equal(t, model.TierApprove, EffectiveTier(rec, ceiling, ov))
	ceiling.MaxCeiling = model.CeilingSuggest
	assert.Equal(t, model.TierSuggest, EffectiveTier(rec, ceiling, ov))

	// Inherit defers to the computed tier.
	ceiling.MaxCeiling = model.CeilingNoLimit
	ov.Policy = model.OverrideInherit
	assert.Equal(t, model.TierAuto, EffectiveTier(rec, ceiling, ov))
}

func TestPromotionEligibleFlag(t *testing.T) {
	rec := promotableRecord()
	assert.True(t, PromotionEligible(rec, openCeiling(), nil, DefaultConfig(), now))

	rec.NeverPromote = true
	assert.False(t, PromotionEligible(rec, openCeiling(), nil, DefaultConfig(), now))
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(DefaultConfig()))

	bad := DefaultConfig()
	bad.AutoScoreThreshold = 0.5 // below approve threshold
	assert.Error(t, ValidateConfig(bad))

	bad = DefaultConfig()
	bad.BlendAlpha = 0
	assert.Error(t, ValidateConfig(bad))

	bad = DefaultConfig()
	bad.MinSignalsAuto = 2
	assert.Error(t, ValidateConfig(bad))
}

func TestKnownActionType(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, KnownActionType(cfg, "anything.goes"))
	assert.Error(t, KnownActionType(cfg, ""))

	cfg.ActionTypes = []string{"email.send", "crm.deal_stage_change"}
	assert.NoError(t, KnownActionType(cfg, "email.send"))
	assert.Error(t, KnownActionType(cfg, "payments.wire"))
}
