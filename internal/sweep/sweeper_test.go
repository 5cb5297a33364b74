package sweep

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/autonomy-engine/internal/engine"
	"github.com/sells-group/autonomy-engine/internal/model"
	"github.com/sells-group/autonomy-engine/internal/nudge"
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

// seedApprovals ingests n clean approvals spread over the given number of
// recent distinct days.
func seedApprovals(t *testing.T, st store.Store, key model.SubjectKey, n, days int) {
	t.Helper()
	ctx := context.Background()
	base := time.Now().UTC().AddDate(0, 0, -days)

	for i := 0; i < n; i++ {
		sig := model.Signal{
			ID:    fmt.Sprintf("%s-sig-%d", key.UserID, i),
			OrgID: key.OrgID, UserID: key.UserID, ActionType: key.ActionType,
			Kind: model.SignalApproved, TierAtTime: model.TierSuggest,
			OccurredAt: base.AddDate(0, 0, i%days).Add(time.Duration(i) * time.Minute),
			CreatedAt:  time.Now().UTC(),
		}
		_, err := st.IngestSignal(ctx, sig, 10,
			func(rec *model.ConfidenceRecord, recent []model.SignalKind) ([]model.Event, error) {
				engine.ApplySignal(rec, sig)
				return nil, nil
			})
		require.NoError(t, err)
	}
}

func subject(user string) model.SubjectKey {
	return model.SubjectKey{OrgID: "org-1", UserID: user, ActionType: "email.send"}
}

func TestSweeper_ClimbsOneTierPerSweep(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := subject("user-1")
	seedApprovals(t, st, key, 30, 12)

	sw := New(st, engine.DefaultConfig(), Options{})

	wantTiers := []model.Tier{model.TierSuggest, model.TierApprove, model.TierAuto}
	for i, want := range wantTiers {
		summary, err := sw.Run(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 1, summary.Subjects)
		assert.Equal(t, 1, summary.Promoted, "sweep %d", i)

		rec, err := st.GetRecord(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, want, rec.Tier, "sweep %d", i)
		require.NotNil(t, rec.Score)
		assert.InDelta(t, 1.0, *rec.Score, 1e-9)
		assert.Equal(t, 12, rec.DaysActive)
		require.NotNil(t, rec.SweptAt)
	}

	// At auto there is nowhere left to go.
	summary, err := sw.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Promoted)

	rec, err := st.GetRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.TierAuto, rec.Tier)
	assert.False(t, rec.PromotionEligible)

	// One proposal + one acceptance per climbed tier.
	events, err := st.ListEvents(ctx, store.EventFilter{OrgID: "org-1", EventType: string(model.EventPromotionAccepted)})
	require.NoError(t, err)
	assert.Len(t, events, 3)
}

func TestSweeper_EnqueuesNudgePerMilestone(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := subject("user-1")
	seedApprovals(t, st, key, 30, 12)

	sw := New(st, engine.DefaultConfig(), Options{})
	_, err := sw.Run(ctx, "")
	require.NoError(t, err)
	_, err = sw.Run(ctx, "")
	require.NoError(t, err)

	nudges, err := st.PullNudges(ctx, key.OrgID, key.UserID, 10)
	require.NoError(t, err)
	require.Len(t, nudges, 2)
	assert.Equal(t, model.TierSuggest, nudges[0].ToTier)
	assert.Equal(t, model.TierApprove, nudges[1].ToTier)
}

func TestSweeper_ExternalQueueReceivesNudges(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := subject("user-1")
	seedApprovals(t, st, key, 30, 12)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() }) //nolint:errcheck
	q := nudge.NewRedisQueueWithClient(client)

	sw := New(st, engine.DefaultConfig(), Options{Queue: q})
	_, err := sw.Run(ctx, "")
	require.NoError(t, err)

	// Store outbox stays empty; the external queue got the nudge.
	count, err := st.CountNudges(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	nudges, err := q.Pull(ctx, key.OrgID, key.UserID, 10)
	require.NoError(t, err)
	require.Len(t, nudges, 1)
	assert.Equal(t, model.TierSuggest, nudges[0].ToTier)
}

func TestSweeper_CeilingCapsClimb(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := subject("user-1")
	seedApprovals(t, st, key, 30, 12)

	require.NoError(t, st.SetCeiling(ctx, model.PolicyCeiling{
		OrgID: key.OrgID, ActionType: key.ActionType,
		MaxCeiling: model.CeilingApprove, AutoPromotionEligible: true,
	}))

	sw := New(st, engine.DefaultConfig(), Options{})
	for i := 0; i < 4; i++ {
		_, err := sw.Run(ctx, "")
		require.NoError(t, err)
	}

	rec, err := st.GetRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.TierApprove, rec.Tier)
	assert.False(t, rec.PromotionEligible)
}

func TestSweeper_NeverPromoteHolds(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	key := subject("user-1")
	seedApprovals(t, st, key, 30, 12)

	require.NoError(t, st.MutateRecord(ctx, key, func(rec *model.ConfidenceRecord) ([]model.Event, error) {
		rec.NeverPromote = true
		return nil, nil
	}))

	sw := New(st, engine.DefaultConfig(), Options{})
	summary, err := sw.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Promoted)

	rec, err := st.GetRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, model.TierDisabled, rec.Tier)
	// Rescoring still happens; only the tier is held.
	require.NotNil(t, rec.Score)
}

func TestSweeper_ManySubjects(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		seedApprovals(t, st, subject(fmt.Sprintf("user-%d", i)), 5, 3)
	}

	sw := New(st, engine.DefaultConfig(), Options{Concurrency: 4, SubjectsPerSec: 1000})
	summary, err := sw.Run(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Subjects)
	assert.Equal(t, 10, summary.Promoted) // everyone reaches suggest
	assert.Equal(t, 0, summary.Errors)
}

func TestSweeper_OrgScoped(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	seedApprovals(t, st, subject("user-1"), 5, 3)
	other := model.SubjectKey{OrgID: "org-2", UserID: "user-9", ActionType: "email.send"}
	seedApprovals(t, st, other, 5, 3)

	sw := New(st, engine.DefaultConfig(), Options{})
	summary, err := sw.Run(ctx, "org-2")
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Subjects)

	rec, err := st.GetRecord(ctx, subject("user-1"))
	require.NoError(t, err)
	assert.Nil(t, rec.SweptAt)
}

func TestSweeper_CanceledContext(t *testing.T) {
	st := newTestStore(t)
	seedApprovals(t, st, subject("user-1"), 5, 3)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sw := New(st, engine.DefaultConfig(), Options{})
	_, err := sw.Run(ctx, "")
	require.Error(t, err)
}
