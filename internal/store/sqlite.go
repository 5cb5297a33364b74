package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/autonomy-engine/internal/model"
	"github.com/sells-group/autonomy-engine/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. SQLite has no row
// locks; WAL mode plus the single-connection write serialization of the
// driver gives each transaction exclusive writes, and busy_timeout absorbs
// contention.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	// The driver's default time binding is Go's String() form, which the
	// SQL date functions cannot parse; _time_format stores the canonical
	// SQLite layout instead.
	if !strings.Contains(dsn, "_time_format") {
		if strings.Contains(dsn, "?") {
			dsn += "&_time_format=sqlite"
		} else {
			dsn += "?_time_format=sqlite"
		}
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	// One writer at a time keeps read-modify-write transactions serialized.
	db.SetMaxOpenConns(1)
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS confidence_records (
	org_id                 TEXT NOT NULL,
	user_id                TEXT NOT NULL,
	action_type            TEXT NOT NULL,
	tier                   TEXT NOT NULL DEFAULT 'disabled',
	score                  REAL,
	last_30_score          REAL,
	approval_rate          REAL,
	clean_approval_rate    REAL,
	edit_rate              REAL,
	rejection_rate         REAL,
	undo_rate              REAL,
	total_signals          INTEGER NOT NULL DEFAULT 0,
	total_approved         INTEGER NOT NULL DEFAULT 0,
	total_rejected         INTEGER NOT NULL DEFAULT 0,
	total_undone           INTEGER NOT NULL DEFAULT 0,
	total_edited           INTEGER NOT NULL DEFAULT 0,
	total_auto_executed    INTEGER NOT NULL DEFAULT 0,
	total_expired          INTEGER NOT NULL DEFAULT 0,
	days_active            INTEGER NOT NULL DEFAULT 0,
	promotion_eligible     INTEGER NOT NULL DEFAULT 0,
	cooldown_until         DATETIME,
	never_promote          INTEGER NOT NULL DEFAULT 0,
	extra_required_signals INTEGER NOT NULL DEFAULT 0,
	first_signal_at        DATETIME,
	last_signal_at         DATETIME,
	swept_at               DATETIME,
	updated_at             DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (org_id, user_id, action_type)
);

CREATE INDEX IF NOT EXISTS idx_records_tier ON confidence_records(tier);

CREATE TABLE IF NOT EXISTS signals (
	id           TEXT PRIMARY KEY,
	org_id       TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	action_type  TEXT NOT NULL,
	kind         TEXT NOT NULL,
	tier_at_time TEXT NOT NULL,
	occurred_at  DATETIME NOT NULL,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_signals_subject_occurred
	ON signals(org_id, user_id, action_type, occurred_at DESC);

CREATE TABLE IF NOT EXISTS events (
	id                       TEXT PRIMARY KEY,
	org_id                   TEXT NOT NULL,
	user_id                  TEXT NOT NULL,
	action_type              TEXT NOT NULL,
	event_type               TEXT NOT NULL,
	from_tier                TEXT NOT NULL,
	to_tier                  TEXT NOT NULL,
	confidence_score_at_time REAL,
	trigger_reason           TEXT NOT NULL DEFAULT '',
	created_at               DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_events_subject_created
	ON events(org_id, user_id, action_type, created_at DESC);

CREATE TABLE IF NOT EXISTS policy_ceilings (
	org_id                  TEXT NOT NULL,
	action_type             TEXT NOT NULL,
	max_ceiling             TEXT NOT NULL DEFAULT 'no_limit',
	auto_promotion_eligible INTEGER NOT NULL DEFAULT 1,
	updated_at              DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (org_id, action_type)
);

CREATE TABLE IF NOT EXISTS overrides (
	org_id      TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	action_type TEXT NOT NULL,
	policy      TEXT NOT NULL,
	updated_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (org_id, user_id, action_type)
);

CREATE TABLE IF NOT EXISTS nudges (
	id          TEXT PRIMARY KEY,
	org_id      TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	action_type TEXT NOT NULL,
	to_tier      TEXT NOT NULL,
	message      TEXT NOT NULL DEFAULT '',
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	delivered_at DATETIME,
	UNIQUE (org_id, user_id, action_type, to_tier)
);

CREATE INDEX IF NOT EXISTS idx_nudges_user ON nudges(org_id, user_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return resilience.NewUnavailableError(eris.Wrap(err, "sqlite: ping"))
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const sqliteRecordColumns = `org_id, user_id, action_type, tier, score, last_30_score,
	approval_rate, clean_approval_rate, edit_rate, rejection_rate, undo_rate,
	total_signals, total_approved, total_rejected, total_undone, total_edited,
	total_auto_executed, total_expired, days_active, promotion_eligible,
	cooldown_until, never_promote, extra_required_signals,
	first_signal_at, last_signal_at, swept_at, updated_at`

func scanSQLiteRecord(row scannable) (*model.ConfidenceRecord, error) {
	var rec model.ConfidenceRecord
	var tier string
	var score, last30, approval, clean, edit, rejection, undo sql.NullFloat64
	var cooldown, firstSig, lastSig, swept sql.NullTime

	err := row.Scan(
		&rec.OrgID, &rec.UserID, &rec.ActionType, &tier, &score, &last30,
		&approval, &clean, &edit, &rejection, &undo,
		&rec.TotalSignals, &rec.TotalApproved, &rec.TotalRejected, &rec.TotalUndone, &rec.TotalEdited,
		&rec.TotalAutoExecuted, &rec.TotalExpired, &rec.DaysActive, &rec.PromotionEligible,
		&cooldown, &rec.NeverPromote, &rec.ExtraRequiredSignals,
		&firstSig, &lastSig, &swept, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Tier = model.Tier(tier)
	rec.Score = nullFloat(score)
	rec.Last30Score = nullFloat(last30)
	rec.ApprovalRate = nullFloat(approval)
	rec.CleanApprovalRate = nullFloat(clean)
	rec.EditRate = nullFloat(edit)
	rec.RejectionRate = nullFloat(rejection)
	rec.UndoRate = nullFloat(undo)
	rec.CooldownUntil = nullTime(cooldown)
	rec.FirstSignalAt = nullTime(firstSig)
	rec.LastSignalAt = nullTime(lastSig)
	rec.SweptAt = nullTime(swept)
	return &rec, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time.UTC()
	return &t
}

const sqliteUpdateRecordSQL = `UPDATE confidence_records SET
	tier = ?, score = ?, last_30_score = ?,
	approval_rate = ?, clean_approval_rate = ?, edit_rate = ?,
	rejection_rate = ?, undo_rate = ?,
	total_signals = ?, total_approved = ?, total_rejected = ?,
	total_undone = ?, total_edited = ?, total_auto_executed = ?,
	total_expired = ?, days_active = ?, promotion_eligible = ?,
	cooldown_until = ?, never_promote = ?, extra_required_signals = ?,
	first_signal_at = ?, last_signal_at = ?, swept_at = ?, updated_at = ?
	WHERE org_id = ? AND user_id = ? AND action_type = ?`

func sqliteUpdateRecordArgs(rec *model.ConfidenceRecord, now time.Time) []any {
	return []any{
		string(rec.Tier), derefFloat(rec.Score), derefFloat(rec.Last30Score),
		derefFloat(rec.ApprovalRate), derefFloat(rec.CleanApprovalRate), derefFloat(rec.EditRate),
		derefFloat(rec.RejectionRate), derefFloat(rec.UndoRate),
		rec.TotalSignals, rec.TotalApproved, rec.TotalRejected,
		rec.TotalUndone, rec.TotalEdited, rec.TotalAutoExecuted,
		rec.TotalExpired, rec.DaysActive, rec.PromotionEligible,
		derefTime(rec.CooldownUntil), rec.NeverPromote, rec.ExtraRequiredSignals,
		derefTime(rec.FirstSignalAt), derefTime(rec.LastSignalAt), derefTime(rec.SweptAt), now,
		rec.OrgID, rec.UserID, rec.ActionType,
	}
}

func derefFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func derefTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return v.UTC()
}

const sqliteInsertEventSQL = `INSERT INTO events
	(id, org_id, user_id, action_type, event_type, from_tier, to_tier, confidence_score_at_time, trigger_reason, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

func sqliteInsertEventTx(ctx context.Context, tx *sql.Tx, ev model.Event) error {
	_, err := tx.ExecContext(ctx, sqliteInsertEventSQL,
		ev.ID, ev.OrgID, ev.UserID, ev.ActionType, string(ev.EventType),
		string(ev.FromTier), string(ev.ToTier), derefFloat(ev.ConfidenceScoreAtTime),
		ev.TriggerReason, ev.CreatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStore) IngestSignal(ctx context.Context, sig model.Signal, recentLimit int, decide IngestDecide) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: ingest: begin tx")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO signals (id, org_id, user_id, action_type, kind, tier_at_time, occurred_at, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		sig.ID, sig.OrgID, sig.UserID, sig.ActionType, string(sig.Kind),
		string(sig.TierAtTime), sig.OccurredAt.UTC(), sig.CreatedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: ingest: insert signal")
	}
	if n, err := res.RowsAffected(); err != nil {
		return false, eris.Wrap(err, "sqlite: ingest: rows affected")
	} else if n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO confidence_records (org_id, user_id, action_type, tier, updated_at)
		 VALUES (?, ?, ?, 'disabled', datetime('now'))
		 ON CONFLICT (org_id, user_id, action_type) DO NOTHING`,
		sig.OrgID, sig.UserID, sig.ActionType,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: ingest: ensure record")
	}

	rec, err := scanSQLiteRecord(tx.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM confidence_records
		 WHERE org_id = ? AND user_id = ? AND action_type = ?`,
		sig.OrgID, sig.UserID, sig.ActionType,
	))
	if err != nil {
		return false, eris.Wrap(err, "sqlite: ingest: load record")
	}

	if recentLimit <= 0 {
		recentLimit = 10
	}
	rows, err := tx.QueryContext(ctx,
		`SELECT kind FROM signals
		 WHERE org_id = ? AND user_id = ? AND action_type = ?
		 ORDER BY occurred_at DESC, created_at DESC LIMIT ?`,
		sig.OrgID, sig.UserID, sig.ActionType, recentLimit,
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: ingest: recent signal kinds")
	}
	var kinds []model.SignalKind
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return false, eris.Wrap(err, "sqlite: ingest: scan signal kind")
		}
		kinds = append(kinds, model.SignalKind(k))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return false, eris.Wrap(err, "sqlite: ingest: iterate signal kinds")
	}
	rows.Close()

	events, err := decide(rec, kinds)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	rec.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, sqliteUpdateRecordSQL, sqliteUpdateRecordArgs(rec, now)...); err != nil {
		return false, eris.Wrap(err, "sqlite: ingest: update record")
	}
	for _, ev := range events {
		if err := sqliteInsertEventTx(ctx, tx, ev); err != nil {
			return false, eris.Wrap(err, "sqlite: ingest: insert event")
		}
	}

	if err := tx.Commit(); err != nil {
		return false, eris.Wrap(err, "sqlite: ingest: commit tx")
	}
	return true, nil
}

func (s *SQLiteStore) SweepSubject(ctx context.Context, key model.SubjectKey, since time.Time, decide SweepDecide) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: sweep: begin tx")
	}
	defer tx.Rollback()

	rec, err := scanSQLiteRecord(tx.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM confidence_records
		 WHERE org_id = ? AND user_id = ? AND action_type = ?`,
		key.OrgID, key.UserID, key.ActionType,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return eris.Wrapf(err, "sqlite: sweep: load record %s", key)
	}

	var w model.WindowCounts
	var distinctDays int
	err = tx.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN kind = 'approved' AND occurred_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'approved_edited' AND occurred_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'rejected' AND occurred_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'undone' AND occurred_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'auto_executed' AND occurred_at >= ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'expired' AND occurred_at >= ? THEN 1 ELSE 0 END), 0),
			COUNT(DISTINCT date(occurred_at))
		 FROM signals
		 WHERE org_id = ? AND user_id = ? AND action_type = ?`,
		since.UTC(), since.UTC(), since.UTC(), since.UTC(), since.UTC(), since.UTC(),
		key.OrgID, key.UserID, key.ActionType,
	).Scan(&w.Approved, &w.Edited, &w.Rejected, &w.Undone, &w.AutoExecuted, &w.Expired, &distinctDays)
	if err != nil {
		return eris.Wrapf(err, "sqlite: sweep: window counts %s", key)
	}

	ceiling := model.DefaultCeiling(key.OrgID, key.ActionType)
	var maxCeiling string
	var autoEligible bool
	var ceilingUpdated time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT max_ceiling, auto_promotion_eligible, updated_at
		 FROM policy_ceilings WHERE org_id = ? AND action_type = ?`,
		key.OrgID, key.ActionType,
	).Scan(&maxCeiling, &autoEligible, &ceilingUpdated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return eris.Wrap(err, "sqlite: sweep: get ceiling")
	}
	if err == nil {
		ceiling.MaxCeiling = model.CeilingLevel(maxCeiling)
		ceiling.AutoPromotionEligible = autoEligible
		ceiling.UpdatedAt = ceilingUpdated
	}

	var ov *model.Override
	var policy string
	var ovUpdated time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT policy, updated_at FROM overrides
		 WHERE org_id = ? AND user_id = ? AND action_type = ?`,
		key.OrgID, key.UserID, key.ActionType,
	).Scan(&policy, &ovUpdated)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return eris.Wrap(err, "sqlite: sweep: get override")
	}
	if err == nil {
		ov = &model.Override{
			OrgID: key.OrgID, UserID: key.UserID, ActionType: key.ActionType,
			Policy: model.OverridePolicy(policy), UpdatedAt: ovUpdated,
		}
	}

	outcome, err := decide(rec, w, distinctDays, ceiling, ov)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, sqliteUpdateRecordSQL, sqliteUpdateRecordArgs(rec, now)...); err != nil {
		return eris.Wrapf(err, "sqlite: sweep: update record %s", key)
	}
	for _, ev := range outcome.Events {
		if err := sqliteInsertEventTx(ctx, tx, ev); err != nil {
			return eris.Wrapf(err, "sqlite: sweep: insert event %s", key)
		}
	}
	for _, n := range outcome.Nudges {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO nudges (id, org_id, user_id, action_type, to_tier, message, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (org_id, user_id, action_type, to_tier) DO NOTHING`,
			n.ID, n.OrgID, n.UserID, n.ActionType, string(n.ToTier), n.Message, n.CreatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: sweep: enqueue nudge %s", key)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: sweep: commit tx")
}

func (s *SQLiteStore) MutateRecord(ctx context.Context, key model.SubjectKey, decide RecordDecide) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: mutate: begin tx")
	}
	defer tx.Rollback()

	rec, err := scanSQLiteRecord(tx.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM confidence_records
		 WHERE org_id = ? AND user_id = ? AND action_type = ?`,
		key.OrgID, key.UserID, key.ActionType,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return resilience.NewValidationError(eris.Errorf("record not found: %s", key))
		}
		return eris.Wrapf(err, "sqlite: mutate: load record %s", key)
	}

	events, err := decide(rec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.UpdatedAt = now
	if _, err := tx.ExecContext(ctx, sqliteUpdateRecordSQL, sqliteUpdateRecordArgs(rec, now)...); err != nil {
		return eris.Wrapf(err, "sqlite: mutate: update record %s", key)
	}
	for _, ev := range events {
		if err := sqliteInsertEventTx(ctx, tx, ev); err != nil {
			return eris.Wrapf(err, "sqlite: mutate: insert event %s", key)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: mutate: commit tx")
}

func (s *SQLiteStore) GetRecord(ctx context.Context, key model.SubjectKey) (*model.ConfidenceRecord, error) {
	rec, err := scanSQLiteRecord(s.db.QueryRowContext(ctx,
		`SELECT `+sqliteRecordColumns+` FROM confidence_records
		 WHERE org_id = ? AND user_id = ? AND action_type = ?`,
		key.OrgID, key.UserID, key.ActionType,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "sqlite: get record %s", key)
	}
	return rec, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.ConfidenceRecord, error) {
	query := `SELECT ` + sqliteRecordColumns + ` FROM confidence_records WHERE 1=1`
	var args []any

	if filter.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, filter.OrgID)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.ActionType != "" {
		query += ` AND action_type = ?`
		args = append(args, filter.ActionType)
	}
	if filter.Tier != "" {
		query += ` AND tier = ?`
		args = append(args, filter.Tier)
	}
	query += ` ORDER BY org_id, user_id, action_type`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	defer rows.Close()

	var records []model.ConfidenceRecord
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "sqlite: list records iterate")
}

func (s *SQLiteStore) ListSubjects(ctx context.Context, orgID string) ([]model.SubjectKey, error) {
	query := `SELECT org_id, user_id, action_type FROM confidence_records`
	var args []any
	if orgID != "" {
		query += ` WHERE org_id = ?`
		args = append(args, orgID)
	}
	query += ` ORDER BY org_id, user_id, action_type`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list subjects")
	}
	defer rows.Close()

	var keys []model.SubjectKey
	for rows.Next() {
		var k model.SubjectKey
		if err := rows.Scan(&k.OrgID, &k.UserID, &k.ActionType); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan subject")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "sqlite: list subjects iterate")
}

func (s *SQLiteStore) ListSignals(ctx context.Context, filter SignalFilter) ([]model.Signal, error) {
	query := `SELECT id, org_id, user_id, action_type, kind, tier_at_time, occurred_at, created_at
	          FROM signals WHERE 1=1`
	var args []any

	if filter.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, filter.OrgID)
	}
	if !filter.After.IsZero() {
		query += ` AND (occurred_at > ? OR (occurred_at = ? AND id > ?))`
		args = append(args, filter.After.UTC(), filter.After.UTC(), filter.AfterID)
	}
	query += ` ORDER BY occurred_at ASC, id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list signals")
	}
	defer rows.Close()

	var signals []model.Signal
	for rows.Next() {
		var sig model.Signal
		var kind, tierAt string
		if err := rows.Scan(&sig.ID, &sig.OrgID, &sig.UserID, &sig.ActionType,
			&kind, &tierAt, &sig.OccurredAt, &sig.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan signal")
		}
		sig.Kind = model.SignalKind(kind)
		sig.TierAtTime = model.Tier(tierAt)
		signals = append(signals, sig)
	}
	return signals, eris.Wrap(rows.Err(), "sqlite: list signals iterate")
}

func (s *SQLiteStore) SignalWindowCounts(ctx context.Context, key model.SubjectKey, since time.Time) (model.WindowCounts, error) {
	var w model.WindowCounts
	err := s.db.QueryRowContext(ctx,
		`SELECT
			COALESCE(SUM(CASE WHEN kind = 'approved' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'approved_edited' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'rejected' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'undone' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'auto_executed' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN kind = 'expired' THEN 1 ELSE 0 END), 0)
		 FROM signals
		 WHERE org_id = ? AND user_id = ? AND action_type = ? AND occurred_at >= ?`,
		key.OrgID, key.UserID, key.ActionType, since.UTC(),
	).Scan(&w.Approved, &w.Edited, &w.Rejected, &w.Undone, &w.AutoExecuted, &w.Expired)
	if err != nil {
		return w, eris.Wrapf(err, "sqlite: window counts %s", key)
	}
	return w, nil
}

func (s *SQLiteStore) InsertEvent(ctx context.Context, ev model.Event) error {
	_, err := s.db.ExecContext(ctx, sqliteInsertEventSQL,
		ev.ID, ev.OrgID, ev.UserID, ev.ActionType, string(ev.EventType),
		string(ev.FromTier), string(ev.ToTier), derefFloat(ev.ConfidenceScoreAtTime),
		ev.TriggerReason, ev.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert event")
}

func (s *SQLiteStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error) {
	query := `SELECT id, org_id, user_id, action_type, event_type, from_tier, to_tier,
	                 confidence_score_at_time, trigger_reason, created_at
	          FROM events WHERE 1=1`
	var args []any

	if filter.OrgID != "" {
		query += ` AND org_id = ?`
		args = append(args, filter.OrgID)
	}
	if filter.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, filter.UserID)
	}
	if filter.ActionType != "" {
		query += ` AND action_type = ?`
		args = append(args, filter.ActionType)
	}
	if filter.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, filter.EventType)
	}
	if !filter.CreatedAfter.IsZero() {
		query += ` AND created_at > ?`
		args = append(args, filter.CreatedAfter)
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list events")
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var et, from, to string
		var score sql.NullFloat64
		if err := rows.Scan(&ev.ID, &ev.OrgID, &ev.UserID, &ev.ActionType, &et,
			&from, &to, &score, &ev.TriggerReason, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan event")
		}
		ev.EventType = model.EventType(et)
		ev.FromTier = model.Tier(from)
		ev.ToTier = model.Tier(to)
		ev.ConfidenceScoreAtTime = nullFloat(score)
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "sqlite: list events iterate")
}

func (s *SQLiteStore) SetCeiling(ctx context.Context, c model.PolicyCeiling) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO policy_ceilings (org_id, action_type, max_ceiling, auto_promotion_eligible, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, action_type) DO UPDATE SET
		   max_ceiling = excluded.max_ceiling,
		   auto_promotion_eligible = excluded.auto_promotion_eligible,
		   updated_at = excluded.updated_at`,
		c.OrgID, c.ActionType, string(c.MaxCeiling), c.AutoPromotionEligible, time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: set ceiling")
}

func (s *SQLiteStore) GetCeiling(ctx context.Context, orgID, actionType string) (*model.PolicyCeiling, error) {
	var c model.PolicyCeiling
	var maxCeiling string
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id, action_type, max_ceiling, auto_promotion_eligible, updated_at
		 FROM policy_ceilings WHERE org_id = ? AND action_type = ?`,
		orgID, actionType,
	).Scan(&c.OrgID, &c.ActionType, &maxCeiling, &c.AutoPromotionEligible, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get ceiling")
	}
	c.MaxCeiling = model.CeilingLevel(maxCeiling)
	return &c, nil
}

func (s *SQLiteStore) ListCeilings(ctx context.Context, orgID string) ([]model.PolicyCeiling, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT org_id, action_type, max_ceiling, auto_promotion_eligible, updated_at
		 FROM policy_ceilings WHERE org_id = ? ORDER BY action_type`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ceilings")
	}
	defer rows.Close()

	var ceilings []model.PolicyCeiling
	for rows.Next() {
		var c model.PolicyCeiling
		var maxCeiling string
		if err := rows.Scan(&c.OrgID, &c.ActionType, &maxCeiling, &c.AutoPromotionEligible, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ceiling")
		}
		c.MaxCeiling = model.CeilingLevel(maxCeiling)
		ceilings = append(ceilings, c)
	}
	return ceilings, eris.Wrap(rows.Err(), "sqlite: list ceilings iterate")
}

func (s *SQLiteStore) SetOverride(ctx context.Context, ov model.Override) error {
	if ov.Policy == model.OverrideInherit {
		_, err := s.db.ExecContext(ctx,
			`DELETE FROM overrides WHERE org_id = ? AND user_id = ? AND action_type = ?`,
			ov.OrgID, ov.UserID, ov.ActionType,
		)
		return eris.Wrap(err, "sqlite: clear override")
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO overrides (org_id, user_id, action_type, policy, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, user_id, action_type) DO UPDATE SET
		   policy = excluded.policy, updated_at = excluded.updated_at`,
		ov.OrgID, ov.UserID, ov.ActionType, string(ov.Policy), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: set override")
}

func (s *SQLiteStore) GetOverride(ctx context.Context, orgID, userID, actionType string) (*model.Override, error) {
	var ov model.Override
	var policy string
	err := s.db.QueryRowContext(ctx,
		`SELECT org_id, user_id, action_type, policy, updated_at
		 FROM overrides WHERE org_id = ? AND user_id = ? AND action_type = ?`,
		orgID, userID, actionType,
	).Scan(&ov.OrgID, &ov.UserID, &ov.ActionType, &policy, &ov.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: get override")
	}
	ov.Policy = model.OverridePolicy(policy)
	return &ov, nil
}

func (s *SQLiteStore) ListOverrides(ctx context.Context, orgID string) ([]model.Override, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT org_id, user_id, action_type, policy, updated_at
		 FROM overrides WHERE org_id = ? ORDER BY user_id, action_type`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list overrides")
	}
	defer rows.Close()

	var overrides []model.Override
	for rows.Next() {
		var ov model.Override
		var policy string
		if err := rows.Scan(&ov.OrgID, &ov.UserID, &ov.ActionType, &policy, &ov.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan override")
		}
		ov.Policy = model.OverridePolicy(policy)
		overrides = append(overrides, ov)
	}
	return overrides, eris.Wrap(rows.Err(), "sqlite: list overrides iterate")
}

func (s *SQLiteStore) EnqueueNudge(ctx context.Context, n model.Nudge) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO nudges (id, org_id, user_id, action_type, to_tier, message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (org_id, user_id, action_type, to_tier) DO NOTHING`,
		n.ID, n.OrgID, n.UserID, n.ActionType, string(n.ToTier), n.Message, n.CreatedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "sqlite: enqueue nudge")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: enqueue nudge rows affected")
	}
	return affected > 0, nil
}

func (s *SQLiteStore) PullNudges(ctx context.Context, orgID, userID string, limit int) ([]model.Nudge, error) {
	if limit <= 0 {
		limit = 20
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: pull nudges: begin tx")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, org_id, user_id, action_type, to_tier, message, created_at
		 FROM nudges WHERE org_id = ? AND user_id = ? AND delivered_at IS NULL
		 ORDER BY created_at ASC LIMIT ?`,
		orgID, userID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: pull nudges")
	}

	var nudges []model.Nudge
	for rows.Next() {
		var n model.Nudge
		var toTier string
		if err := rows.Scan(&n.ID, &n.OrgID, &n.UserID, &n.ActionType, &toTier, &n.Message, &n.CreatedAt); err != nil {
			rows.Close()
			return nil, eris.Wrap(err, "sqlite: scan nudge")
		}
		n.ToTier = model.Tier(toTier)
		nudges = append(nudges, n)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, eris.Wrap(err, "sqlite: pull nudges iterate")
	}
	rows.Close()

	// Delivered rows stay as tombstones so the milestone never re-enqueues,
	// even across demote-repromote cycles.
	delivered := time.Now().UTC()
	for _, n := range nudges {
		if _, err := tx.ExecContext(ctx, `UPDATE nudges SET delivered_at = ? WHERE id = ?`, delivered, n.ID); err != nil {
			return nil, eris.Wrap(err, "sqlite: mark nudge delivered")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: pull nudges: commit tx")
	}
	return nudges, nil
}

func (s *SQLiteStore) CountNudges(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM nudges WHERE delivered_at IS NULL`).Scan(&count)
	return count, eris.Wrap(err, "sqlite: count nudges")
}
