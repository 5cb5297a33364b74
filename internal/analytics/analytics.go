// Package analytics is the read side of the confidence engine: subject
// views with the effective tier resolved against policy, the org autonomy
// matrix, trailing-window summaries and event history. It never mutates
// state.
package analytics

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/autonomy-engine/internal/config"
	"github.com/sells-group/autonomy-engine/internal/engine"
	"github.com/sells-group/autonomy-engine/internal/model"
	"github.com/sells-group/autonomy-engine/internal/resilience"
	"github.com/sells-group/autonomy-engine/internal/store"
)

// SubjectView is everything a dashboard shows for one subject.
type SubjectView struct {
	Record        model.ConfidenceRecord `json:"record"`
	EffectiveTier model.Tier             `json:"effective_tier"`

	// PromotionBlocker names the first guard preventing the next tier up,
	// empty when the subject is eligible.
	PromotionBlocker string `json:"promotion_blocker,omitempty"`

	Ceiling  model.PolicyCeiling `json:"ceiling"`
	Override *model.Override     `json:"override,omitempty"`

	// Stale is set when the sweep has not touched this subject within the
	// configured multiple of the sweep interval.
	Stale bool `json:"stale"`
}

// MatrixCell is one (user, action_type) entry of the org matrix.
type MatrixCell struct {
	ActionType    string     `json:"action_type"`
	Tier          model.Tier `json:"tier"`
	EffectiveTier model.Tier `json:"effective_tier"`
	Score         *float64   `json:"score"`
	TotalSignals  int        `json:"total_signals"`
	Eligible      bool       `json:"eligible"`
}

// MatrixRow is one user's row across every action type they have touched.
type MatrixRow struct {
	UserID string       `json:"user_id"`
	Cells  []MatrixCell `json:"cells"`
}

// Matrix is the org-wide autonomy grid.
type Matrix struct {
	OrgID       string      `json:"org_id"`
	ActionTypes []string    `json:"action_types"`
	Rows        []MatrixRow `json:"rows"`
	GeneratedAt time.Time   `json:"generated_at"`
}

// WindowSummary aggregates one subject's signals over a trailing window.
type WindowSummary struct {
	Days   int                `json:"days"`
	Counts model.WindowCounts `json:"counts"`

	// Score is the composite window score, nil for an empty window.
	Score *float64 `json:"score"`
}

// SummaryWindows are the trailing windows reported by Summarize.
var SummaryWindows = []int{7, 30, 90}

// Service composes read-side views over the store.
type Service struct {
	store store.Store
	cfg   config.EngineConfig

	// staleAfter flags subjects whose last sweep is older than this. Zero
	// disables staleness detection.
	staleAfter time.Duration
}

// NewService creates the analytics service. sweepInterval and staleMultiple
// together define staleness: a subject not swept within
// staleMultiple*sweepInterval is flagged.
func NewService(st store.Store, cfg config.EngineConfig, sweepInterval time.Duration, staleMultiple int) *Service {
	var staleAfter time.Duration
	if sweepInterval > 0 && staleMultiple > 0 {
		staleAfter = sweepInterval * time.Duration(staleMultiple)
	}
	return &Service{store: st, cfg: cfg, staleAfter: staleAfter}
}

// Subject resolves one subject's full view: stored record, policy in force,
// effective tier and the current promotion blocker.
func (s *Service) Subject(ctx context.Context, key model.SubjectKey) (*SubjectView, error) {
	if err := key.Validate(); err != nil {
		return nil, resilience.NewValidationError(err)
	}

	rec, err := s.store.GetRecord(ctx, key)
	if err != nil {
		return nil, eris.Wrap(err, "analytics: get record")
	}
	if rec == nil {
		return nil, resilience.NewValidationError(
			eris.Errorf("analytics: no record for %s", key))
	}

	ceiling, ov, err := s.policyFor(ctx, key)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	view := &SubjectView{
		Record:           *rec,
		EffectiveTier:    engine.EffectiveTier(rec, ceiling, ov),
		PromotionBlocker: engine.PromotionBlocker(rec, ceiling, ov, s.cfg, now),
		Ceiling:          ceiling,
		Override:         ov,
	}
	if s.staleAfter > 0 {
		view.Stale = rec.SweptAt == nil || now.Sub(*rec.SweptAt) > s.staleAfter
	}
	return view, nil
}

// OrgMatrix builds the user x action_type autonomy grid for an org. Column
// order is the sorted union of action types seen; each row carries only the
// cells its user has records for.
func (s *Service) OrgMatrix(ctx context.Context, orgID string) (*Matrix, error) {
	if orgID == "" {
		return nil, resilience.NewValidationError(eris.New("analytics: org_id required"))
	}

	records, err := s.store.ListRecords(ctx, store.RecordFilter{OrgID: orgID})
	if err != nil {
		return nil, eris.Wrap(err, "analytics: list records")
	}

	ceilings, err := s.store.ListCeilings(ctx, orgID)
	if err != nil {
		return nil, eris.Wrap(err, "analytics: list ceilings")
	}
	ceilingByAction := make(map[string]model.PolicyCeiling, len(ceilings))
	for _, c := range ceilings {
		ceilingByAction[c.ActionType] = c
	}

	overrides, err := s.store.ListOverrides(ctx, orgID)
	if err != nil {
		return nil, eris.Wrap(err, "analytics: list overrides")
	}
	overrideByKey := make(map[model.SubjectKey]model.Override, len(overrides))
	for _, ov := range overrides {
		overrideByKey[model.SubjectKey{OrgID: ov.OrgID, UserID: ov.UserID, ActionType: ov.ActionType}] = ov
	}

	now := time.Now()
	actionSet := map[string]struct{}{}
	cellsByUser := map[string][]MatrixCell{}

	for i := range records {
		rec := &records[i]
		actionSet[rec.ActionType] = struct{}{}

		ceiling, ok := ceilingByAction[rec.ActionType]
		if !ok {
			ceiling = model.DefaultCeiling(orgID, rec.ActionType)
		}
		var ov *model.Override
		if o, ok := overrideByKey[rec.SubjectKey]; ok {
			ov = &o
		}

		cellsByUser[rec.UserID] = append(cellsByUser[rec.UserID], MatrixCell{
			ActionType:    rec.ActionType,
			Tier:          rec.Tier,
			EffectiveTier: engine.EffectiveTier(rec, ceiling, ov),
			Score:         rec.Score,
			TotalSignals:  rec.TotalSignals,
			Eligible:      engine.PromotionEligible(rec, ceiling, ov, s.cfg, now),
		})
	}

	actionTypes := make([]string, 0, len(actionSet))
	for a := range actionSet {
		actionTypes = append(actionTypes, a)
	}
	sort.Strings(actionTypes)

	users := make([]string, 0, len(cellsByUser))
	for u := range cellsByUser {
		users = append(users, u)
	}
	sort.Strings(users)

	m := &Matrix{OrgID: orgID, ActionTypes: actionTypes, GeneratedAt: now.UTC()}
	for _, u := range users {
		cells := cellsByUser[u]
		sort.Slice(cells, func(i, j int) bool { return cells[i].ActionType < cells[j].ActionType })
		m.Rows = append(m.Rows, MatrixRow{UserID: u, Cells: cells})
	}
	return m, nil
}

// Summarize reports a subject's signal activity over the standard trailing
// windows (7, 30 and 90 days).
func (s *Service) Summarize(ctx context.Context, key model.SubjectKey) ([]WindowSummary, error) {
	if err := key.Validate(); err != nil {
		return nil, resilience.NewValidationError(err)
	}

	now := time.Now()
	summaries := make([]WindowSummary, 0, len(SummaryWindows))
	for _, days := range SummaryWindows {
		counts, err := s.store.SignalWindowCounts(ctx, key, now.AddDate(0, 0, -days))
		if err != nil {
			return nil, eris.Wrapf(err, "analytics: window counts %dd", days)
		}
		summaries = append(summaries, WindowSummary{
			Days:   days,
			Counts: counts,
			Score:  engine.WindowScore(counts),
		})
	}
	return summaries, nil
}

// History lists a subject's tier-transition events, newest first.
func (s *Service) History(ctx context.Context, key model.SubjectKey, limit int) ([]model.Event, error) {
	if err := key.Validate(); err != nil {
		return nil, resilience.NewValidationError(err)
	}
	events, err := s.store.ListEvents(ctx, store.EventFilter{
		OrgID:      key.OrgID,
		UserID:     key.UserID,
		ActionType: key.ActionType,
		Limit:      limit,
	})
	if err != nil {
		return nil, eris.Wrap(err, "analytics: list events")
	}
	return events, nil
}

func (s *Service) policyFor(ctx context.Context, key model.SubjectKey) (model.PolicyCeiling, *model.Override, error) {
	ceiling, err := s.store.GetCeiling(ctx, key.OrgID, key.ActionType)
	if err != nil {
		return model.PolicyCeiling{}, nil, eris.Wrap(err, "analytics: get ceiling")
	}
	if ceiling == nil {
		c := model.DefaultCeiling(key.OrgID, key.ActionType)
		ceiling = &c
	}
	ov, err := s.store.GetOverride(ctx, key.OrgID, key.UserID, key.ActionType)
	if err != nil {
		return model.PolicyCeiling{}, nil, eris.Wrap(err, "analytics: get override")
	}
	return *ceiling, ov, nil
}
