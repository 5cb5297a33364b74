// Package registry is the management surface for autonomy policy: org
// ceilings, per-user overrides, promotion locks and manual demotion. Every
// change is validated against the closed enums and recorded as an event;
// inconsistent changes are rejected, never coerced.
package registry

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/autonomy-engine/internal/config"
	"github.com/sells-group/autonomy-engine/internal/engine"
	"github.com/sells-group/autonomy-engine/internal/model"
	"github.com/sells-group/autonomy-engine/internal/resilience"
	"github.com/sells-group/autonomy-engine/internal/store"
)

// Registry applies policy changes.
type Registry struct {
	store store.Store
	cfg   config.EngineConfig
}

// New creates a Registry.
func New(st store.Store, cfg config.EngineConfig) *Registry {
	return &Registry{store: st, cfg: cfg}
}

// SetCeiling validates and applies an org-wide tier cap for an action type.
// A ceiling_applied event is recorded only when the policy actually changed.
// Existing records keep their stored tier; the cap applies at read time.
func (r *Registry) SetCeiling(ctx context.Context, orgID, actionType, maxCeiling string, autoPromotionEligible bool) (*model.PolicyCeiling, error) {
	if orgID == "" {
		return nil, resilience.NewValidationError(eris.New("registry: org_id required"))
	}
	if err := engine.KnownActionType(r.cfg, actionType); err != nil {
		return nil, resilience.NewValidationError(err)
	}
	level, err := model.ParseCeilingLevel(maxCeiling)
	if err != nil {
		return nil, resilience.NewValidationError(err)
	}

	prev, err := r.store.GetCeiling(ctx, orgID, actionType)
	if err != nil {
		return nil, err
	}

	c := model.PolicyCeiling{
		OrgID:                 orgID,
		ActionType:            actionType,
		MaxCeiling:            level,
		AutoPromotionEligible: autoPromotionEligible,
		UpdatedAt:             time.Now().UTC(),
	}
	if prev != nil && prev.MaxCeiling == level && prev.AutoPromotionEligible == autoPromotionEligible {
		return prev, nil
	}
	if err := r.store.SetCeiling(ctx, c); err != nil {
		return nil, err
	}

	prevLevel := model.CeilingNoLimit
	if prev != nil {
		prevLevel = prev.MaxCeiling
	}
	ev := model.Event{
		ID:         uuid.New().String(),
		OrgID:      orgID,
		UserID:     "*",
		ActionType: actionType,
		EventType:  model.EventCeilingApplied,
		// Org-wide events carry the ceiling change in the reason; the tier
		// fields describe per-user transitions and stay empty here.
		TriggerReason: fmt.Sprintf("%s:%s->%s", model.ReasonCeilingChanged, prevLevel, level),
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.store.InsertEvent(ctx, ev); err != nil {
		return nil, err
	}

	zap.L().Info("ceiling applied",
		zap.String("org_id", orgID),
		zap.String("action_type", actionType),
		zap.String("max_ceiling", string(level)),
		zap.Bool("auto_promotion_eligible", autoPromotionEligible),
	)
	return &c, nil
}

// SetOverride validates and applies a per-user tier pin. Pinning above the
// org ceiling is a policy violation. "inherit" clears the pin and the
// organically-earned tier resurfaces.
func (r *Registry) SetOverride(ctx context.Context, orgID, userID, actionType, policy string) (*model.Override, error) {
	key := model.SubjectKey{OrgID: orgID, UserID: userID, ActionType: actionType}
	if err := key.Validate(); err != nil {
		return nil, resilience.NewValidationError(err)
	}
	if err := engine.KnownActionType(r.cfg, actionType); err != nil {
		return nil, resilience.NewValidationError(err)
	}
	pol, err := model.ParseOverridePolicy(policy)
	if err != nil {
		return nil, resilience.NewValidationError(err)
	}

	if pinned, ok := pol.Pinned(); ok {
		ceiling, err := r.store.GetCeiling(ctx, orgID, actionType)
		if err != nil {
			return nil, err
		}
		if ceiling != nil && !ceiling.MaxCeiling.Allows(pinned) {
			return nil, resilience.NewPolicyViolationError(
				eris.Errorf("registry: override %s exceeds org ceiling %s", pinned, ceiling.MaxCeiling))
		}
	}

	prev, err := r.store.GetOverride(ctx, orgID, userID, actionType)
	if err != nil {
		return nil, err
	}
	if prev == nil && pol == model.OverrideInherit {
		return nil, nil
	}
	if prev != nil && prev.Policy == pol {
		return prev, nil
	}

	ov := model.Override{
		OrgID:      orgID,
		UserID:     userID,
		ActionType: actionType,
		Policy:     pol,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := r.store.SetOverride(ctx, ov); err != nil {
		return nil, err
	}

	prevPolicy := model.OverrideInherit
	if prev != nil {
		prevPolicy = prev.Policy
	}
	var fromTier, toTier model.Tier
	if t, ok := prevPolicy.Pinned(); ok {
		fromTier = t
	}
	if t, ok := pol.Pinned(); ok {
		toTier = t
	}
	ev := model.Event{
		ID:            uuid.New().String(),
		OrgID:         orgID,
		UserID:        userID,
		ActionType:    actionType,
		EventType:     model.EventOverrideApplied,
		FromTier:      fromTier,
		ToTier:        toTier,
		TriggerReason: fmt.Sprintf("%s:%s->%s", model.ReasonOverrideChanged, prevPolicy, pol),
		CreatedAt:     time.Now().UTC(),
	}
	if err := r.store.InsertEvent(ctx, ev); err != nil {
		return nil, err
	}

	zap.L().Info("override applied",
		zap.String("subject", key.String()),
		zap.String("policy", string(pol)),
	)
	if pol == model.OverrideInherit {
		return nil, nil
	}
	return &ov, nil
}

// SetNeverPromote toggles the sticky promotion lock on a subject's record.
// The subject must have a record; the lock has nothing to hold otherwise.
func (r *Registry) SetNeverPromote(ctx context.Context, key model.SubjectKey, locked bool) error {
	if err := key.Validate(); err != nil {
		return resilience.NewValidationError(err)
	}
	err := r.store.MutateRecord(ctx, key, func(rec *model.ConfidenceRecord) ([]model.Event, error) {
		rec.NeverPromote = locked
		if locked {
			rec.PromotionEligible = false
		}
		return nil, nil
	})
	if err != nil {
		return err
	}
	zap.L().Info("never_promote set",
		zap.String("subject", key.String()),
		zap.Bool("locked", locked),
	)
	return nil
}

// ManualDemote drops a subject's tier on explicit administrator action.
// The target must be strictly below the current tier; the usual cooldown
// and evidence bar apply before any re-promotion.
func (r *Registry) ManualDemote(ctx context.Context, key model.SubjectKey, target, reason string) error {
	if err := key.Validate(); err != nil {
		return resilience.NewValidationError(err)
	}
	targetTier, err := model.ParseTier(target)
	if err != nil {
		return resilience.NewValidationError(err)
	}

	err = r.store.MutateRecord(ctx, key, func(rec *model.ConfidenceRecord) ([]model.Event, error) {
		events, err := engine.ManualDemotion(rec, targetTier, reason, r.cfg, time.Now())
		if err != nil {
			return nil, resilience.NewPolicyViolationError(err)
		}
		return events, nil
	})
	if err != nil {
		return err
	}

	zap.L().Warn("manual demotion",
		zap.String("subject", key.String()),
		zap.String("target", target),
		zap.String("reason", reason),
	)
	return nil
}
