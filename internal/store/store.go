// Package store persists confidence records, the signal log, transition
// events, policy rows and the nudge outbox. Two implementations exist:
// Postgres for service deployments and SQLite for single-node use.
//
// The store owns transactions and locking; it never decides tier changes.
// The transactional entry points (IngestSignal, SweepSubject, MutateRecord)
// accept decide closures so the tier rules stay pure and testable while the
// read-modify-write still happens under one lock.
package store

import (
	"context"
	"time"

	"github.com/sells-group/autonomy-engine/internal/model"
)

// IngestDecide folds one deduplicated signal into the locked record and
// returns any transition events. recentKinds holds the subject's most
// recent signal kinds, newest first, the just-ingested signal included.
type IngestDecide func(rec *model.ConfidenceRecord, recentKinds []model.SignalKind) ([]model.Event, error)

// SweepOutcome is what a sweep decision produces for one subject.
type SweepOutcome struct {
	Events []model.Event
	Nudges []model.Nudge
}

// SweepDecide rescores the locked record from its trailing window and
// decides promotion. ceiling is the org policy in force (the default when
// none is set); ov is nil when the user has no override.
type SweepDecide func(rec *model.ConfidenceRecord, w model.WindowCounts, distinctDays int, ceiling model.PolicyCeiling, ov *model.Override) (SweepOutcome, error)

// RecordDecide mutates the locked record and returns any transition events.
// Used by management operations such as manual demotion.
type RecordDecide func(rec *model.ConfidenceRecord) ([]model.Event, error)

// scannable is the subset of pgx.Row, *sql.Row and *sql.Rows the record
// scanners in both backends need.
type scannable interface {
	Scan(dest ...any) error
}

// RecordFilter specifies criteria for listing confidence records.
type RecordFilter struct {
	OrgID      string `json:"org_id,omitempty"`
	UserID     string `json:"user_id,omitempty"`
	ActionType string `json:"action_type,omitempty"`
	Tier       string `json:"tier,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Offset     int    `json:"offset,omitempty"`
}

// EventFilter specifies criteria for listing transition events.
type EventFilter struct {
	OrgID        string    `json:"org_id,omitempty"`
	UserID       string    `json:"user_id,omitempty"`
	ActionType   string    `json:"action_type,omitempty"`
	EventType    string    `json:"event_type,omitempty"`
	CreatedAfter time.Time `json:"created_after,omitempty"`
	Limit        int       `json:"limit,omitempty"`
	Offset       int       `json:"offset,omitempty"`
}

// SignalFilter pages through the signal log in stable order, used by replay.
type SignalFilter struct {
	OrgID   string    `json:"org_id,omitempty"`
	After   time.Time `json:"after,omitempty"`
	AfterID string    `json:"after_id,omitempty"`
	Limit   int       `json:"limit,omitempty"`
}

// Store defines the persistence interface for the confidence engine.
type Store interface {
	// IngestSignal appends the signal and applies decide to the subject's
	// record in one transaction. Returns false without calling decide when
	// the signal ID was already recorded.
	IngestSignal(ctx context.Context, sig model.Signal, recentLimit int, decide IngestDecide) (bool, error)

	// SweepSubject locks one subject, gathers its trailing window since the
	// given time, applies decide, and persists the outcome. A subject with
	// no record is skipped.
	SweepSubject(ctx context.Context, key model.SubjectKey, since time.Time, decide SweepDecide) error

	// MutateRecord applies decide to a locked record. The record must exist.
	MutateRecord(ctx context.Context, key model.SubjectKey, decide RecordDecide) error

	// Records
	GetRecord(ctx context.Context, key model.SubjectKey) (*model.ConfidenceRecord, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]model.ConfidenceRecord, error)
	ListSubjects(ctx context.Context, orgID string) ([]model.SubjectKey, error)

	// Signal log
	ListSignals(ctx context.Context, filter SignalFilter) ([]model.Signal, error)
	SignalWindowCounts(ctx context.Context, key model.SubjectKey, since time.Time) (model.WindowCounts, error)

	// Events
	InsertEvent(ctx context.Context, ev model.Event) error
	ListEvents(ctx context.Context, filter EventFilter) ([]model.Event, error)

	// Policy
	SetCeiling(ctx context.Context, c model.PolicyCeiling) error
	GetCeiling(ctx context.Context, orgID, actionType string) (*model.PolicyCeiling, error)
	ListCeilings(ctx context.Context, orgID string) ([]model.PolicyCeiling, error)
	SetOverride(ctx context.Context, ov model.Override) error
	GetOverride(ctx context.Context, orgID, userID, actionType string) (*model.Override, error)
	ListOverrides(ctx context.Context, orgID string) ([]model.Override, error)

	// Nudges
	EnqueueNudge(ctx context.Context, n model.Nudge) (bool, error)
	PullNudges(ctx context.Context, orgID, userID string, limit int) ([]model.Nudge, error)
	CountNudges(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}
