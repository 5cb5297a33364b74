package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/autonomy-engine/internal/db"
	"github.com/sells-group/autonomy-engine/internal/model"
	"github.com/sells-group/autonomy-engine/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	// Apply pool sizing from config with sensible defaults.
	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (e.g., replay bulk loads).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS confidence_records (
	org_id                 TEXT NOT NULL,
	user_id                TEXT NOT NULL,
	action_type            TEXT NOT NULL,
	tier                   TEXT NOT NULL DEFAULT 'disabled',
	score                  DOUBLE PRECISION,
	last_30_score          DOUBLE PRECISION,
	approval_rate          DOUBLE PRECISION,
	clean_approval_rate    DOUBLE PRECISION,
	edit_rate              DOUBLE PRECISION,
	rejection_rate         DOUBLE PRECISION,
	undo_rate              DOUBLE PRECISION,
	total_signals          INTEGER NOT NULL DEFAULT 0,
	total_approved         INTEGER NOT NULL DEFAULT 0,
	total_rejected         INTEGER NOT NULL DEFAULT 0,
	total_undone           INTEGER NOT NULL DEFAULT 0,
	total_edited           INTEGER NOT NULL DEFAULT 0,
	total_auto_executed    INTEGER NOT NULL DEFAULT 0,
	total_expired          INTEGER NOT NULL DEFAULT 0,
	days_active            INTEGER NOT NULL DEFAULT 0,
	promotion_eligible     BOOLEAN NOT NULL DEFAULT false,
	cooldown_until         TIMESTAMPTZ,
	never_promote          BOOLEAN NOT NULL DEFAULT false,
	extra_required_signals INTEGER NOT NULL DEFAULT 0,
	first_signal_at        TIMESTAMPTZ,
	last_signal_at         TIMESTAMPTZ,
	swept_at               TIMESTAMPTZ,
	updated_at             TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (org_id, user_id, action_type)
);

CREATE INDEX IF NOT EXISTS idx_records_org ON confidence_records(org_id);
CREATE INDEX IF NOT EXISTS idx_records_tier ON confidence_records(tier);
CREATE INDEX IF NOT EXISTS idx_records_swept_at ON confidence_records(swept_at);

CREATE TABLE IF NOT EXISTS signals (
	id           TEXT PRIMARY KEY,
	org_id       TEXT NOT NULL,
	user_id      TEXT NOT NULL,
	action_type  TEXT NOT NULL,
	kind         TEXT NOT NULL,
	tier_at_time TEXT NOT NULL,
	occurred_at  TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_signals_subject_occurred
	ON signals(org_id, user_id, action_type, occurred_at DESC);
CREATE INDEX IF NOT EXISTS idx_signals_occurred ON signals(occurred_at);

CREATE TABLE IF NOT EXISTS events (
	id                       TEXT PRIMARY KEY,
	org_id                   TEXT NOT NULL,
	user_id                  TEXT NOT NULL,
	action_type              TEXT NOT NULL,
	event_type               TEXT NOT NULL,
	from_tier                TEXT NOT NULL,
	to_tier                  TEXT NOT NULL,
	confidence_score_at_time DOUBLE PRECISION,
	trigger_reason           TEXT NOT NULL DEFAULT '',
	created_at               TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_events_subject_created
	ON events(org_id, user_id, action_type, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);

CREATE TABLE IF NOT EXISTS policy_ceilings (
	org_id                  TEXT NOT NULL,
	action_type             TEXT NOT NULL,
	max_ceiling             TEXT NOT NULL DEFAULT 'no_limit',
	auto_promotion_eligible BOOLEAN NOT NULL DEFAULT true,
	updated_at              TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (org_id, action_type)
);

CREATE TABLE IF NOT EXISTS overrides (
	org_id      TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	action_type TEXT NOT NULL,
	policy      TEXT NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (org_id, user_id, action_type)
);

CREATE TABLE IF NOT EXISTS nudges (
	id          TEXT PRIMARY KEY,
	org_id      TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	action_type TEXT NOT NULL,
	to_tier      TEXT NOT NULL,
	message      TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	delivered_at TIMESTAMPTZ,
	UNIQUE (org_id, user_id, action_type, to_tier)
);

CREATE INDEX IF NOT EXISTS idx_nudges_user ON nudges(org_id, user_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	if err != nil {
		return resilience.NewUnavailableError(eris.Wrap(err, "postgres: ping"))
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const recordColumns = `org_id, user_id, action_type, tier, score, last_30_score,
	approval_rate, clean_approval_rate, edit_rate, rejection_rate, undo_rate,
	total_signals, total_approved, total_rejected, total_undone, total_edited,
	total_auto_executed, total_expired, days_active, promotion_eligible,
	cooldown_until, never_promote, extra_required_signals,
	first_signal_at, last_signal_at, swept_at, updated_at`

func scanRecord(row scannable) (*model.ConfidenceRecord, error) {
	var rec model.ConfidenceRecord
	var tier string
	err := row.Scan(
		&rec.OrgID, &rec.UserID, &rec.ActionType, &tier, &rec.Score, &rec.Last30Score,
		&rec.ApprovalRate, &rec.CleanApprovalRate, &rec.EditRate, &rec.RejectionRate, &rec.UndoRate,
		&rec.TotalSignals, &rec.TotalApproved, &rec.TotalRejected, &rec.TotalUndone, &rec.TotalEdited,
		&rec.TotalAutoExecuted, &rec.TotalExpired, &rec.DaysActive, &rec.PromotionEligible,
		&rec.CooldownUntil, &rec.NeverPromote, &rec.ExtraRequiredSignals,
		&rec.FirstSignalAt, &rec.LastSignalAt, &rec.SweptAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Tier = model.Tier(tier)
	return &rec, nil
}

const updateRecordSQL = `UPDATE confidence_records SET
	tier = $4, score = $5, last_30_score = $6,
	approval_rate = $7, clean_approval_rate = $8, edit_rate = $9,
	rejection_rate = $10, undo_rate = $11,
	total_signals = $12, total_approved = $13, total_rejected = $14,
	total_undone = $15, total_edited = $16, total_auto_executed = $17,
	total_expired = $18, days_active = $19, promotion_eligible = $20,
	cooldown_until = $21, never_promote = $22, extra_required_signals = $23,
	first_signal_at = $24, last_signal_at = $25, swept_at = $26, updated_at = $27
	WHERE org_id = $1 AND user_id = $2 AND action_type = $3`

func updateRecordArgs(rec *model.ConfidenceRecord, now time.Time) []any {
	return []any{
		rec.OrgID, rec.UserID, rec.ActionType, string(rec.Tier), rec.Score, rec.Last30Score,
		rec.ApprovalRate, rec.CleanApprovalRate, rec.EditRate, rec.RejectionRate, rec.UndoRate,
		rec.TotalSignals, rec.TotalApproved, rec.TotalRejected, rec.TotalUndone, rec.TotalEdited,
		rec.TotalAutoExecuted, rec.TotalExpired, rec.DaysActive, rec.PromotionEligible,
		rec.CooldownUntil, rec.NeverPromote, rec.ExtraRequiredSignals,
		rec.FirstSignalAt, rec.LastSignalAt, rec.SweptAt, now,
	}
}

const insertEventSQL = `INSERT INTO events
	(id, org_id, user_id, action_type, event_type, from_tier, to_tier, confidence_score_at_time, trigger_reason, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

func insertEventTx(ctx context.Context, tx pgx.Tx, ev model.Event) error {
	_, err := tx.Exec(ctx, insertEventSQL,
		ev.ID, ev.OrgID, ev.UserID, ev.ActionType, string(ev.EventType),
		string(ev.FromTier), string(ev.ToTier), ev.ConfidenceScoreAtTime,
		ev.TriggerReason, ev.CreatedAt,
	)
	return err
}

func (s *PostgresStore) IngestSignal(ctx context.Context, sig model.Signal, recentLimit int, decide IngestDecide) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, eris.Wrap(err, "postgres: ingest: begin tx")
	}
	defer tx.Rollback(ctx)

	// Idempotency: the signal ID is the dedup key. A replayed delivery
	// inserts nothing and the whole operation becomes a no-op.
	tag, err := tx.Exec(ctx,
		`INSERT INTO signals (id, org_id, user_id, action_type, kind, tier_at_time, occurred_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		sig.ID, sig.OrgID, sig.UserID, sig.ActionType, string(sig.Kind),
		string(sig.TierAtTime), sig.OccurredAt.UTC(), sig.CreatedAt.UTC(),
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: ingest: insert signal")
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	// Lazy record creation, then lock the row for the read-modify-write.
	_, err = tx.Exec(ctx,
		`INSERT INTO confidence_records (org_id, user_id, action_type, tier, updated_at)
		 VALUES ($1, $2, $3, 'disabled', now())
		 ON CONFLICT (org_id, user_id, action_type) DO NOTHING`,
		sig.OrgID, sig.UserID, sig.ActionType,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: ingest: ensure record")
	}

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM confidence_records
		 WHERE org_id = $1 AND user_id = $2 AND action_type = $3 FOR UPDATE`,
		sig.OrgID, sig.UserID, sig.ActionType,
	))
	if err != nil {
		return false, eris.Wrap(err, "postgres: ingest: lock record")
	}

	recentKinds, err := s.recentKindsTx(ctx, tx, sig.Subject(), recentLimit)
	if err != nil {
		return false, err
	}

	events, err := decide(rec, recentKinds)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	rec.UpdatedAt = now
	if _, err := tx.Exec(ctx, updateRecordSQL, updateRecordArgs(rec, now)...); err != nil {
		return false, eris.Wrap(err, "postgres: ingest: update record")
	}
	for _, ev := range events {
		if err := insertEventTx(ctx, tx, ev); err != nil {
			return false, eris.Wrap(err, "postgres: ingest: insert event")
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, eris.Wrap(err, "postgres: ingest: commit tx")
	}
	return true, nil
}

func (s *PostgresStore) recentKindsTx(ctx context.Context, tx pgx.Tx, key model.SubjectKey, limit int) ([]model.SignalKind, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := tx.Query(ctx,
		`SELECT kind FROM signals
		 WHERE org_id = $1 AND user_id = $2 AND action_type = $3
		 ORDER BY occurred_at DESC, created_at DESC LIMIT $4`,
		key.OrgID, key.UserID, key.ActionType, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: recent signal kinds")
	}
	defer rows.Close()

	var kinds []model.SignalKind
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, eris.Wrap(err, "postgres: scan signal kind")
		}
		kinds = append(kinds, model.SignalKind(k))
	}
	return kinds, eris.Wrap(rows.Err(), "postgres: recent signal kinds iterate")
}

func (s *PostgresStore) SweepSubject(ctx context.Context, key model.SubjectKey, since time.Time, decide SweepDecide) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: sweep: begin tx")
	}
	defer tx.Rollback(ctx)

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM confidence_records
		 WHERE org_id = $1 AND user_id = $2 AND action_type = $3 FOR UPDATE`,
		key.OrgID, key.UserID, key.ActionType,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return eris.Wrapf(err, "postgres: sweep: lock record %s", key)
	}

	var w model.WindowCounts
	var distinctDays int
	err = tx.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE kind = 'approved' AND occurred_at >= $4),
			COUNT(*) FILTER (WHERE kind = 'approved_edited' AND occurred_at >= $4),
			COUNT(*) FILTER (WHERE kind = 'rejected' AND occurred_at >= $4),
			COUNT(*) FILTER (WHERE kind = 'undone' AND occurred_at >= $4),
			COUNT(*) FILTER (WHERE kind = 'auto_executed' AND occurred_at >= $4),
			COUNT(*) FILTER (WHERE kind = 'expired' AND occurred_at >= $4),
			COUNT(DISTINCT (occurred_at AT TIME ZONE 'UTC')::date)
		 FROM signals
		 WHERE org_id = $1 AND user_id = $2 AND action_type = $3`,
		key.OrgID, key.UserID, key.ActionType, since.UTC(),
	).Scan(&w.Approved, &w.Edited, &w.Rejected, &w.Undone, &w.AutoExecuted, &w.Expired, &distinctDays)
	if err != nil {
		return eris.Wrapf(err, "postgres: sweep: window counts %s", key)
	}

	ceiling, err := s.ceilingTx(ctx, tx, key.OrgID, key.ActionType)
	if err != nil {
		return err
	}
	ov, err := s.overrideTx(ctx, tx, key.OrgID, key.UserID, key.ActionType)
	if err != nil {
		return err
	}

	outcome, err := decide(rec, w, distinctDays, ceiling, ov)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.UpdatedAt = now
	if _, err := tx.Exec(ctx, updateRecordSQL, updateRecordArgs(rec, now)...); err != nil {
		return eris.Wrapf(err, "postgres: sweep: update record %s", key)
	}
	for _, ev := range outcome.Events {
		if err := insertEventTx(ctx, tx, ev); err != nil {
			return eris.Wrapf(err, "postgres: sweep: insert event %s", key)
		}
	}
	for _, n := range outcome.Nudges {
		// Milestone dedupe: a (user, action, tier) nudge is delivered once
		// ever, even across demote-repromote cycles.
		_, err := tx.Exec(ctx,
			`INSERT INTO nudges (id, org_id, user_id, action_type, to_tier, message, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (org_id, user_id, action_type, to_tier) DO NOTHING`,
			n.ID, n.OrgID, n.UserID, n.ActionType, string(n.ToTier), n.Message, n.CreatedAt,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: sweep: enqueue nudge %s", key)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: sweep: commit tx")
	}
	return nil
}

func (s *PostgresStore) ceilingTx(ctx context.Context, tx pgx.Tx, orgID, actionType string) (model.PolicyCeiling, error) {
	var c model.PolicyCeiling
	var maxCeiling string
	err := tx.QueryRow(ctx,
		`SELECT org_id, action_type, max_ceiling, auto_promotion_eligible, updated_at
		 FROM policy_ceilings WHERE org_id = $1 AND action_type = $2`,
		orgID, actionType,
	).Scan(&c.OrgID, &c.ActionType, &maxCeiling, &c.AutoPromotionEligible, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.DefaultCeiling(orgID, actionType), nil
		}
		return c, eris.Wrap(err, "postgres: get ceiling")
	}
	c.MaxCeiling = model.CeilingLevel(maxCeiling)
	return c, nil
}

func (s *PostgresStore) overrideTx(ctx context.Context, tx pgx.Tx, orgID, userID, actionType string) (*model.Override, error) {
	var ov model.Override
	var policy string
	err := tx.QueryRow(ctx,
		`SELECT org_id, user_id, action_type, policy, updated_at
		 FROM overrides WHERE org_id = $1 AND user_id = $2 AND action_type = $3`,
		orgID, userID, actionType,
	).Scan(&ov.OrgID, &ov.UserID, &ov.ActionType, &policy, &ov.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get override")
	}
	ov.Policy = model.OverridePolicy(policy)
	return &ov, nil
}

func (s *PostgresStore) MutateRecord(ctx context.Context, key model.SubjectKey, decide RecordDecide) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: mutate: begin tx")
	}
	defer tx.Rollback(ctx)

	rec, err := scanRecord(tx.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM confidence_records
		 WHERE org_id = $1 AND user_id = $2 AND action_type = $3 FOR UPDATE`,
		key.OrgID, key.UserID, key.ActionType,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return resilience.NewValidationError(eris.Errorf("record not found: %s", key))
		}
		return eris.Wrapf(err, "postgres: mutate: lock record %s", key)
	}

	events, err := decide(rec)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	rec.UpdatedAt = now
	if _, err := tx.Exec(ctx, updateRecordSQL, updateRecordArgs(rec, now)...); err != nil {
		return eris.Wrapf(err, "postgres: mutate: update record %s", key)
	}
	for _, ev := range events {
		if err := insertEventTx(ctx, tx, ev); err != nil {
			return eris.Wrapf(err, "postgres: mutate: insert event %s", key)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: mutate: commit tx")
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, key model.SubjectKey) (*model.ConfidenceRecord, error) {
	rec, err := scanRecord(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM confidence_records
		 WHERE org_id = $1 AND user_id = $2 AND action_type = $3`,
		key.OrgID, key.UserID, key.ActionType,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrapf(err, "postgres: get record %s", key)
	}
	return rec, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]model.ConfidenceRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM confidence_records WHERE true`
	args := []any{}
	argIdx := 1

	if filter.OrgID != "" {
		query += fmt.Sprintf(` AND org_id = $%d`, argIdx)
		args = append(args, filter.OrgID)
		argIdx++
	}
	if filter.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.ActionType != "" {
		query += fmt.Sprintf(` AND action_type = $%d`, argIdx)
		args = append(args, filter.ActionType)
		argIdx++
	}
	if filter.Tier != "" {
		query += fmt.Sprintf(` AND tier = $%d`, argIdx)
		args = append(args, filter.Tier)
		argIdx++
	}
	query += ` ORDER BY org_id, user_id, action_type`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	defer rows.Close()

	var records []model.ConfidenceRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		records = append(records, *rec)
	}
	return records, eris.Wrap(rows.Err(), "postgres: list records iterate")
}

func (s *PostgresStore) ListSubjects(ctx context.Context, orgID string) ([]model.SubjectKey, error) {
	query := `SELECT org_id, user_id, action_type FROM confidence_records`
	args := []any{}
	if orgID != "" {
		query += ` WHERE org_id = $1`
		args = append(args, orgID)
	}
	query += ` ORDER BY org_id, user_id, action_type`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list subjects")
	}
	defer rows.Close()

	var keys []model.SubjectKey
	for rows.Next() {
		var k model.SubjectKey
		if err := rows.Scan(&k.OrgID, &k.UserID, &k.ActionType); err != nil {
			return nil, eris.Wrap(err, "postgres: scan subject")
		}
		keys = append(keys, k)
	}
	return keys, eris.Wrap(rows.Err(), "postgres: list subjects iterate")
}

func (s *PostgresStore) ListSignals(ctx context.Context, filter SignalFilter) ([]model.Signal, error) {
	query := `SELECT id, org_id, user_id, action_type, kind, tier_at_time, occurred_at, created_at
	          FROM signals WHERE true`
	args := []any{}
	argIdx := 1

	if filter.OrgID != "" {
		query += fmt.Sprintf(` AND org_id = $%d`, argIdx)
		args = append(args, filter.OrgID)
		argIdx++
	}
	if !filter.After.IsZero() {
		// Keyset pagination on (occurred_at, id) so replay pages in stable
		// order without OFFSET scans.
		query += fmt.Sprintf(` AND (occurred_at, id) > ($%d, $%d)`, argIdx, argIdx+1)
		args = append(args, filter.After.UTC(), filter.AfterID)
		argIdx += 2
	}
	query += ` ORDER BY occurred_at ASC, id ASC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list signals")
	}
	defer rows.Close()

	var signals []model.Signal
	for rows.Next() {
		var sig model.Signal
		var kind, tierAt string
		if err := rows.Scan(&sig.ID, &sig.OrgID, &sig.UserID, &sig.ActionType,
			&kind, &tierAt, &sig.OccurredAt, &sig.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan signal")
		}
		sig.Kind = model.SignalKind(kind)
		sig.TierAtTime = model.Tier(tierAt)
		signals = append(signals, sig)
	}
	return signals, eris.Wrap(rows.Err(), "postgres: list signals iterate")
}

func (s *PostgresStore) SignalWindowCounts(ctx context.Context, key model.SubjectKey, since time.Time) (model.WindowCounts, error) {
	var w model.WindowCounts
	err := s.pool.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE kind = 'approved'),
			COUNT(*) FILTER (WHERE kind = 'approved_edited'),
			COUNT(*) FILTER (WHERE kind = 'rejected'),
			COUNT(*) FILTER (WHERE kind = 'undone'),
			COUNT(*) FILTER (WHERE kind = 'auto_executed'),
			COUNT(*) FILTER (WHERE kind = 'expired')
		 FROM signals
		 WHERE org_id = $1 AND user_id = $2 AND action_type = $3 AND occurred_at >= $4`,
		key.OrgID, key.UserID, key.ActionType, since.UTC(),
	).Scan(&w.Approved, &w.Edited, &w.Rejected, &w.Undone, &w.AutoExecuted, &w.Expired)
	if err != nil {
		return w, eris.Wrapf(err, "postgres: window counts %s", key)
	}
	return w, nil
}

func (s *PostgresStore) InsertEvent(ctx context.Context, ev model.Event) error {
	_, err := s.pool.Exec(ctx, insertEventSQL,
		ev.ID, ev.OrgID, ev.UserID, ev.ActionType, string(ev.EventType),
		string(ev.FromTier), string(ev.ToTier), ev.ConfidenceScoreAtTime,
		ev.TriggerReason, ev.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert event")
}

func (s *PostgresStore) ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error) {
	query := `SELECT id, org_id, user_id, action_type, event_type, from_tier, to_tier,
	                 confidence_score_at_time, trigger_reason, created_at
	          FROM events WHERE true`
	args := []any{}
	argIdx := 1

	if filter.OrgID != "" {
		query += fmt.Sprintf(` AND org_id = $%d`, argIdx)
		args = append(args, filter.OrgID)
		argIdx++
	}
	if filter.UserID != "" {
		query += fmt.Sprintf(` AND user_id = $%d`, argIdx)
		args = append(args, filter.UserID)
		argIdx++
	}
	if filter.ActionType != "" {
		query += fmt.Sprintf(` AND action_type = $%d`, argIdx)
		args = append(args, filter.ActionType)
		argIdx++
	}
	if filter.EventType != "" {
		query += fmt.Sprintf(` AND event_type = $%d`, argIdx)
		args = append(args, filter.EventType)
		argIdx++
	}
	if !filter.CreatedAfter.IsZero() {
		query += fmt.Sprintf(` AND created_at > $%d`, argIdx)
		args = append(args, filter.CreatedAfter)
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list events")
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var ev model.Event
		var et, from, to string
		if err := rows.Scan(&ev.ID, &ev.OrgID, &ev.UserID, &ev.ActionType, &et,
			&from, &to, &ev.ConfidenceScoreAtTime, &ev.TriggerReason, &ev.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan event")
		}
		ev.EventType = model.EventType(et)
		ev.FromTier = model.Tier(from)
		ev.ToTier = model.Tier(to)
		events = append(events, ev)
	}
	return events, eris.Wrap(rows.Err(), "postgres: list events iterate")
}

func (s *PostgresStore) SetCeiling(ctx context.Context, c model.PolicyCeiling) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO policy_ceilings (org_id, action_type, max_ceiling, auto_promotion_eligible, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (org_id, action_type) DO UPDATE SET
		   max_ceiling = $3, auto_promotion_eligible = $4, updated_at = $5`,
		c.OrgID, c.ActionType, string(c.MaxCeiling), c.AutoPromotionEligible, time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: set ceiling")
}

func (s *PostgresStore) GetCeiling(ctx context.Context, orgID, actionType string) (*model.PolicyCeiling, error) {
	var c model.PolicyCeiling
	var maxCeiling string
	err := s.pool.QueryRow(ctx,
		`SELECT org_id, action_type, max_ceiling, auto_promotion_eligible, updated_at
		 FROM policy_ceilings WHERE org_id = $1 AND action_type = $2`,
		orgID, actionType,
	).Scan(&c.OrgID, &c.ActionType, &maxCeiling, &c.AutoPromotionEligible, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get ceiling")
	}
	c.MaxCeiling = model.CeilingLevel(maxCeiling)
	return &c, nil
}

func (s *PostgresStore) ListCeilings(ctx context.Context, orgID string) ([]model.PolicyCeiling, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT org_id, action_type, max_ceiling, auto_promotion_eligible, updated_at
		 FROM policy_ceilings WHERE org_id = $1 ORDER BY action_type`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ceilings")
	}
	defer rows.Close()

	var ceilings []model.PolicyCeiling
	for rows.Next() {
		var c model.PolicyCeiling
		var maxCeiling string
		if err := rows.Scan(&c.OrgID, &c.ActionType, &maxCeiling, &c.AutoPromotionEligible, &c.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ceiling")
		}
		c.MaxCeiling = model.CeilingLevel(maxCeiling)
		ceilings = append(ceilings, c)
	}
	return ceilings, eris.Wrap(rows.Err(), "postgres: list ceilings iterate")
}

func (s *PostgresStore) SetOverride(ctx context.Context, ov model.Override) error {
	// "inherit" clears the pin rather than storing a no-op row.
	if ov.Policy == model.OverrideInherit {
		_, err := s.pool.Exec(ctx,
			`DELETE FROM overrides WHERE org_id = $1 AND user_id = $2 AND action_type = $3`,
			ov.OrgID, ov.UserID, ov.ActionType,
		)
		return eris.Wrap(err, "postgres: clear override")
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO overrides (org_id, user_id, action_type, policy, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (org_id, user_id, action_type) DO UPDATE SET
		   policy = $4, updated_at = $5`,
		ov.OrgID, ov.UserID, ov.ActionType, string(ov.Policy), time.Now().UTC(),
	)
	return eris.Wrap(err, "postgres: set override")
}

func (s *PostgresStore) GetOverride(ctx context.Context, orgID, userID, actionType string) (*model.Override, error) {
	var ov model.Override
	var policy string
	err := s.pool.QueryRow(ctx,
		`SELECT org_id, user_id, action_type, policy, updated_at
		 FROM overrides WHERE org_id = $1 AND user_id = $2 AND action_type = $3`,
		orgID, userID, actionType,
	).Scan(&ov.OrgID, &ov.UserID, &ov.ActionType, &policy, &ov.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: get override")
	}
	ov.Policy = model.OverridePolicy(policy)
	return &ov, nil
}

func (s *PostgresStore) ListOverrides(ctx context.Context, orgID string) ([]model.Override, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT org_id, user_id, action_type, policy, updated_at
		 FROM overrides WHERE org_id = $1 ORDER BY user_id, action_type`,
		orgID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list overrides")
	}
	defer rows.Close()

	var overrides []model.Override
	for rows.Next() {
		var ov model.Override
		var policy string
		if err := rows.Scan(&ov.OrgID, &ov.UserID, &ov.ActionType, &policy, &ov.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan override")
		}
		ov.Policy = model.OverridePolicy(policy)
		overrides = append(overrides, ov)
	}
	return overrides, eris.Wrap(rows.Err(), "postgres: list overrides iterate")
}

func (s *PostgresStore) EnqueueNudge(ctx context.Context, n model.Nudge) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO nudges (id, org_id, user_id, action_type, to_tier, message, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (org_id, user_id, action_type, to_tier) DO NOTHING`,
		n.ID, n.OrgID, n.UserID, n.ActionType, string(n.ToTier), n.Message, n.CreatedAt,
	)
	if err != nil {
		return false, eris.Wrap(err, "postgres: enqueue nudge")
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) PullNudges(ctx context.Context, orgID, userID string, limit int) ([]model.Nudge, error) {
	if limit <= 0 {
		limit = 20
	}

	// Delivery marks the row instead of deleting it: the tombstone keeps
	// the milestone from re-enqueueing across demote-repromote cycles.
	// SKIP LOCKED keeps concurrent pullers from blocking on each other.
	rows, err := s.pool.Query(ctx,
		`UPDATE nudges SET delivered_at = now() WHERE id IN (
		   SELECT id FROM nudges
		   WHERE org_id = $1 AND user_id = $2 AND delivered_at IS NULL
		   ORDER BY created_at ASC LIMIT $3
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, org_id, user_id, action_type, to_tier, message, created_at`,
		orgID, userID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: pull nudges")
	}
	defer rows.Close()

	var nudges []model.Nudge
	for rows.Next() {
		var n model.Nudge
		var toTier string
		if err := rows.Scan(&n.ID, &n.OrgID, &n.UserID, &n.ActionType, &toTier, &n.Message, &n.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan nudge")
		}
		n.ToTier = model.Tier(toTier)
		nudges = append(nudges, n)
	}
	return nudges, eris.Wrap(rows.Err(), "postgres: pull nudges iterate")
}

func (s *PostgresStore) CountNudges(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM nudges WHERE delivered_at IS NULL`).Scan(&count)
	return count, eris.Wrap(err, "postgres: count nudges")
}
