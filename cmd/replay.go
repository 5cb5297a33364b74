package main

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/autonomy-engine/internal/db"
	"github.com/sells-group/autonomy-engine/internal/engine"
	"github.com/sells-group/autonomy-engine/internal/model"
	"github.com/sells-group/autonomy-engine/internal/store"
)

var (
	replayOrg    string
	replayBatch  int
	replayDryRun bool
)

// recordUpsertColumns matches the confidence_records schema.
var recordUpsertColumns = []string{
	"org_id", "user_id", "action_type", "tier", "score", "last_30_score",
	"approval_rate", "clean_approval_rate", "edit_rate", "rejection_rate", "undo_rate",
	"total_signals", "total_approved", "total_rejected", "total_undone", "total_edited",
	"total_auto_executed", "total_expired", "days_active", "promotion_eligible",
	"cooldown_until", "never_promote", "extra_required_signals",
	"first_signal_at", "last_signal_at", "swept_at", "updated_at",
}

// recordUpdateColumns are the fields replay is allowed to overwrite: the
// counters and rates the signal log fully determines. Tier, cooldowns and
// the never_promote lock are sweep/admin state and survive a replay.
var recordUpdateColumns = []string{
	"approval_rate", "clean_approval_rate", "edit_rate", "rejection_rate", "undo_rate",
	"total_signals", "total_approved", "total_rejected", "total_undone", "total_edited",
	"total_auto_executed", "total_expired", "days_active",
	"first_signal_at", "last_signal_at", "updated_at",
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild confidence records from the signal log",
	Long:  "Re-derives every counter and rate from the immutable signal log and bulk-upserts the results. Tier, cooldown and never_promote are preserved; run a sweep afterwards to refresh scores.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		pg, ok := st.(*store.PostgresStore)
		if !ok {
			return eris.New("replay requires the postgres driver (bulk COPY upsert)")
		}

		records, total, err := foldSignalLog(ctx, st, replayOrg, replayBatch)
		if err != nil {
			return err
		}
		zap.L().Info("signal log folded",
			zap.Int("signals", total),
			zap.Int("subjects", len(records)),
		)

		if replayDryRun {
			zap.L().Info("dry run, not writing")
			return nil
		}

		affected, err := db.BulkUpsert(ctx, pg.Pool(), db.UpsertConfig{
			Table:        "confidence_records",
			Columns:      recordUpsertColumns,
			ConflictKeys: []string{"org_id", "user_id", "action_type"},
			UpdateCols:   recordUpdateColumns,
		}, recordRows(records))
		if err != nil {
			return err
		}

		zap.L().Info("replay complete", zap.Int64("records_upserted", affected))
		return nil
	},
}

// foldSignalLog pages through the signal log in stable (occurred_at, id)
// order and folds every signal into a fresh record per subject.
func foldSignalLog(ctx context.Context, st store.Store, orgID string, batch int) ([]*model.ConfidenceRecord, int, error) {
	if batch <= 0 {
		batch = 1000
	}

	records := map[model.SubjectKey]*model.ConfidenceRecord{}
	filter := store.SignalFilter{OrgID: orgID, Limit: batch}
	total := 0

	for {
		signals, err := st.ListSignals(ctx, filter)
		if err != nil {
			return nil, 0, eris.Wrap(err, "replay: list signals")
		}
		if len(signals) == 0 {
			break
		}

		for _, sig := range signals {
			key := sig.Subject()
			rec, ok := records[key]
			if !ok {
				rec = model.NewConfidenceRecord(key)
				records[key] = rec
			}
			engine.ApplySignal(rec, sig)
		}

		total += len(signals)
		last := signals[len(signals)-1]
		filter.After = last.OccurredAt
		filter.AfterID = last.ID

		if len(signals) < batch {
			break
		}
	}

	out := make([]*model.ConfidenceRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SubjectKey.String() < out[j].SubjectKey.String()
	})
	return out, total, nil
}

// recordRows lays records out in recordUpsertColumns order for COPY.
func recordRows(records []*model.ConfidenceRecord) [][]any {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []any{
			rec.OrgID, rec.UserID, rec.ActionType, string(rec.Tier), rec.Score, rec.Last30Score,
			rec.ApprovalRate, rec.CleanApprovalRate, rec.EditRate, rec.RejectionRate, rec.UndoRate,
			rec.TotalSignals, rec.TotalApproved, rec.TotalRejected, rec.TotalUndone, rec.TotalEdited,
			rec.TotalAutoExecuted, rec.TotalExpired, rec.DaysActive, rec.PromotionEligible,
			rec.CooldownUntil, rec.NeverPromote, rec.ExtraRequiredSignals,
			rec.FirstSignalAt, rec.LastSignalAt, rec.SweptAt, now,
		})
	}
	return rows
}

func init() {
	replayCmd.Flags().StringVar(&replayOrg, "org", "", "restrict replay to one org")
	replayCmd.Flags().IntVar(&replayBatch, "batch", 1000, "signals per page")
	replayCmd.Flags().BoolVar(&replayDryRun, "dry-run", false, "fold the log without writing")
	rootCmd.AddCommand(replayCmd)
}
