package analytics

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/autonomy-engine/internal/engine"
	"github.com/sells-group/autonomy-engine/internal/model"
	"github.com/sells-group/autonomy-engine/internal/resilience"
	"github.com/sells-group/autonomy-engine/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func ingest(t *testing.T, st store.Store, key model.SubjectKey, kind model.SignalKind, occurred time.Time, idx int) {
	t.Helper()
	sig := model.Signal{
		ID:    fmt.Sprintf("%s-%s-%d", key.UserID, key.ActionType, idx),
		OrgID: key.OrgID, UserID: key.UserID, ActionType: key.ActionType,
		Kind: kind, TierAtTime: model.TierSuggest,
		OccurredAt: occurred, CreatedAt: time.Now().UTC(),
	}
	_, err := st.IngestSignal(context.Background(), sig, 10,
		func(rec *model.ConfidenceRecord, recent []model.SignalKind) ([]model.Event, error) {
			engine.ApplySignal(rec, sig)
			return nil, nil
		})
	require.NoError(t, err)
}

func TestSubject_View(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := model.SubjectKey{OrgID: "org-1", UserID: "user-1", ActionType: "email.send"}
	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		ingest(t, st, key, model.SignalApproved, now.Add(-time.Duration(i)*time.Hour), i)
	}

	svc := NewService(st, engine.DefaultConfig(), time.Hour, 2)
	view, err := svc.Subject(ctx, key)
	require.NoError(t, err)

	assert.Equal(t, model.TierDisabled, view.Record.Tier)
	assert.Equal(t, model.TierDisabled, view.EffectiveTier)
	assert.Equal(t, 5, view.Record.TotalSignals)
	// Suggest has no score bar, so five approvals already clear every guard.
	assert.Empty(t, view.PromotionBlocker)
	// No sweep has run yet.
	assert.True(t, view.Stale)
	assert.Equal(t, model.CeilingNoLimit, view.Ceiling.MaxCeiling)
	assert.Nil(t, view.Override)
}

func TestSubject_EffectiveTierRespectsPolicy(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := model.SubjectKey{OrgID: "org-1", UserID: "user-1", ActionType: "email.send"}
	ingest(t, st, key, model.SignalApproved, time.Now().UTC(), 0)

	require.NoError(t, st.MutateRecord(ctx, key, func(rec *model.ConfidenceRecord) ([]model.Event, error) {
		rec.Tier = model.TierAuto
		return nil, nil
	}))
	require.NoError(t, st.SetCeiling(ctx, model.PolicyCeiling{
		OrgID: key.OrgID, ActionType: key.ActionType,
		MaxCeiling: model.CeilingApprove, AutoPromotionEligible: true,
	}))

	svc := NewService(st, engine.DefaultConfig(), 0, 0)
	view, err := svc.Subject(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.TierAuto, view.Record.Tier)
	assert.Equal(t, model.TierApprove, view.EffectiveTier)
	assert.Equal(t, "at_top_tier", view.PromotionBlocker)
	assert.False(t, view.Stale)

	// A pin below the ceiling wins over the earned tier.
	require.NoError(t, st.SetOverride(ctx, model.Override{
		OrgID: key.OrgID, UserID: key.UserID, ActionType: key.ActionType,
		Policy: model.OverridePolicy("suggest"),
	}))
	view, err = svc.Subject(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.TierSuggest, view.EffectiveTier)
	require.NotNil(t, view.Override)
}

func TestSubject_NoRecord(t *testing.T) {
	st := newTestStore(t)
	svc := NewService(st, engine.DefaultConfig(), 0, 0)

	_, err := svc.Subject(context.Background(), model.SubjectKey{OrgID: "org-1", UserID: "ghost", ActionType: "email.send"})
	require.Error(t, err)
	assert.True(t, resilience.IsValidation(err))
}

func TestOrgMatrix(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, sub := range []struct {
		user, action string
	}{
		{"alice", "email.send"},
		{"alice", "crm.update"},
		{"bob", "email.send"},
	} {
		key := model.SubjectKey{OrgID: "org-1", UserID: sub.user, ActionType: sub.action}
		for i := 0; i < 3; i++ {
			ingest(t, st, key, model.SignalApproved, now.Add(-time.Duration(i)*time.Hour), i)
		}
	}
	// Another org must not leak in.
	ingest(t, st, model.SubjectKey{OrgID: "org-2", UserID: "eve", ActionType: "email.send"}, model.SignalApproved, now, 0)

	svc := NewService(st, engine.DefaultConfig(), 0, 0)
	m, err := svc.OrgMatrix(ctx, "org-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"crm.update", "email.send"}, m.ActionTypes)
	require.Len(t, m.Rows, 2)
	assert.Equal(t, "alice", m.Rows[0].UserID)
	assert.Len(t, m.Rows[0].Cells, 2)
	assert.Equal(t, "bob", m.Rows[1].UserID)
	assert.Len(t, m.Rows[1].Cells, 1)
	assert.Equal(t, "crm.update", m.Rows[0].Cells[0].ActionType)
	assert.Equal(t, 3, m.Rows[0].Cells[0].TotalSignals)
}

func TestOrgMatrix_CeilingShapesEffectiveTier(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := model.SubjectKey{OrgID: "org-1", UserID: "alice", ActionType: "email.send"}
	ingest(t, st, key, model.SignalApproved, time.Now().UTC(), 0)

	require.NoError(t, st.MutateRecord(ctx, key, func(rec *model.ConfidenceRecord) ([]model.Event, error) {
		rec.Tier = model.TierAuto
		return nil, nil
	}))
	require.NoError(t, st.SetCeiling(ctx, model.PolicyCeiling{
		OrgID: "org-1", ActionType: "email.send",
		MaxCeiling: model.CeilingSuggest, AutoPromotionEligible: false,
	}))

	svc := NewService(st, engine.DefaultConfig(), 0, 0)
	m, err := svc.OrgMatrix(ctx, "org-1")
	require.NoError(t, err)
	require.Len(t, m.Rows, 1)
	cell := m.Rows[0].Cells[0]
	assert.Equal(t, model.TierAuto, cell.Tier)
	assert.Equal(t, model.TierSuggest, cell.EffectiveTier)
	assert.False(t, cell.Eligible)
}

func TestSummarize_Windows(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := model.SubjectKey{OrgID: "org-1", UserID: "user-1", ActionType: "email.send"}
	now := time.Now().UTC()

	// 2 signals inside 7d, 2 more inside 30d, 1 more inside 90d.
	ingest(t, st, key, model.SignalApproved, now.AddDate(0, 0, -1), 0)
	ingest(t, st, key, model.SignalRejected, now.AddDate(0, 0, -2), 1)
	ingest(t, st, key, model.SignalApproved, now.AddDate(0, 0, -10), 2)
	ingest(t, st, key, model.SignalUndone, now.AddDate(0, 0, -20), 3)
	ingest(t, st, key, model.SignalApproved, now.AddDate(0, 0, -60), 4)

	svc := NewService(st, engine.DefaultConfig(), 0, 0)
	summaries, err := svc.Summarize(ctx, key)
	require.NoError(t, err)
	require.Len(t, summaries, 3)

	assert.Equal(t, 7, summaries[0].Days)
	assert.Equal(t, 2, summaries[0].Counts.Total())
	assert.Equal(t, 30, summaries[1].Days)
	assert.Equal(t, 4, summaries[1].Counts.Total())
	assert.Equal(t, 90, summaries[2].Days)
	assert.Equal(t, 5, summaries[2].Counts.Total())
	require.NotNil(t, summaries[0].Score)
}

func TestSummarize_EmptyWindowsNilScore(t *testing.T) {
	st := newTestStore(t)
	key := model.SubjectKey{OrgID: "org-1", UserID: "user-1", ActionType: "email.send"}
	ingest(t, st, key, model.SignalApproved, time.Now().UTC().AddDate(0, 0, -60), 0)

	svc := NewService(st, engine.DefaultConfig(), 0, 0)
	summaries, err := svc.Summarize(context.Background(), key)
	require.NoError(t, err)
	assert.Nil(t, summaries[0].Score)
	assert.Nil(t, summaries[1].Score)
	require.NotNil(t, summaries[2].Score)
}

func TestHistory(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := model.SubjectKey{OrgID: "org-1", UserID: "user-1", ActionType: "email.send"}

	for i := 0; i < 3; i++ {
		require.NoError(t, st.InsertEvent(ctx, model.Event{
			ID: fmt.Sprintf("ev-%d", i), OrgID: key.OrgID, UserID: key.UserID, ActionType: key.ActionType,
			EventType: model.EventPromotionAccepted, FromTier: model.TierDisabled, ToTier: model.TierSuggest,
			TriggerReason: "score_threshold_met:suggest",
			CreatedAt:     time.Now().UTC().Add(time.Duration(i) * time.Second),
		}))
	}

	svc := NewService(st, engine.DefaultConfig(), 0, 0)
	events, err := svc.History(ctx, key, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "ev-2", events[0].ID)
}
