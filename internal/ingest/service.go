// Package ingest validates behavioral signals and folds them into confidence
// records through the store's transactional entry point.
package ingest

import (
	"context"
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

// SignalRequest is the wire form of one behavioral signal.
type SignalRequest struct {
	ID         string    `json:"id,omitempty"`
	OrgID      string    `json:"org_id"`
	UserID     string    `json:"user_id"`
	ActionType string    `json:"action_type"`
	Kind       string    `json:"kind"`
	TierAtTime string    `json:"tier_at_time"`
	OccurredAt time.Time `json:"occurred_at,omitempty"`
}

// Result reports what one ingested signal did.
type Result struct {
	Signal    model.Signal  `json:"signal"`
	Applied   bool          `json:"applied"`
	Events    []model.Event `json:"events,omitempty"`
	TierAfter model.Tier    `json:"tier_after"`
}

// Service is the signal ingestion pipeline: validate, dedupe, fold, demote.
type Service struct {
	store store.Store
	cfg   config.EngineConfig
	retry resilience.RetryConfig
}

// NewService creates an ingestion service.
func NewService(st store.Store, cfg config.EngineConfig) *Service {
	retry := resilience.DefaultRetryConfig()
	retry.OnRetry = resilience.RetryLogger("ingest", "record_signal")
	return &Service{store: st, cfg: cfg, retry: retry}
}

// Record validates and applies one signal. A duplicate ID returns
// Applied=false with no state change. Concurrent signals for the same
// subject serialize on the record row; lost races retry transparently.
func (s *Service) Record(ctx context.Context, req SignalRequest) (*Result, error) {
	sig, err := s.validate(req)
	if err != nil {
		return nil, resilience.NewValidationError(err)
	}

	var result *Result
	err = resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		var events []model.Event
		var tierAfter model.Tier

		applied, err := s.store.IngestSignal(ctx, sig, s.cfg.DemotionWindow,
			func(rec *model.ConfidenceRecord, recentKinds []model.SignalKind) ([]model.Event, error) {
				engine.ApplySignal(rec, sig)
				events = engine.EvaluateDemotion(rec, sig, recentKinds, s.cfg, time.Now())
				tierAfter = rec.Tier
				return events, nil
			})
		if err != nil {
			return err
		}

		result = &Result{Signal: sig, Applied: applied, Events: events, TierAfter: tierAfter}
		return nil
	})
	if err != nil {
		return nil, eris.Wrap(err, "ingest: record signal")
	}

	if !result.Applied {
		// decide never ran, so read the tier the duplicate left in place.
		rec, err := s.store.GetRecord(ctx, sig.Subject())
		if err != nil {
			return nil, eris.Wrap(err, "ingest: load record for duplicate")
		}
		if rec != nil {
			result.TierAfter = rec.Tier
		}
		zap.L().Debug("duplicate signal ignored",
			zap.String("signal_id", sig.ID),
			zap.String("subject", sig.Subject().String()),
		)
		return result, nil
	}

	for _, ev := range result.Events {
		zap.L().Warn("tier demoted on signal",
			zap.String("subject", sig.Subject().String()),
			zap.String("from_tier", string(ev.FromTier)),
			zap.String("to_tier", string(ev.ToTier)),
			zap.String("reason", ev.TriggerReason),
		)
	}
	return result, nil
}

// validate normalizes a request into a Signal or reports why it is malformed.
func (s *Service) validate(req SignalRequest) (model.Signal, error) {
	var sig model.Signal

	key := model.SubjectKey{OrgID: req.OrgID, UserID: req.UserID, ActionType: req.ActionType}
	if err := key.Validate(); err != nil {
		return sig, err
	}
	if err := engine.KnownActionType(s.cfg, req.ActionType); err != nil {
		return sig, err
	}

	kind, err := model.ParseSignalKind(req.Kind)
	if err != nil {
		return sig, err
	}
	tierAt, err := model.ParseTier(req.TierAtTime)
	if err != nil {
		return sig, err
	}

	id := req.ID
	if id == "" {
		// Producers that cannot supply a stable ID forfeit dedup across
		// redeliveries.
		id = uuid.New().String()
	}

	occurred := req.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}

	return model.Signal{
		ID:         id,
		OrgID:      req.OrgID,
		UserID:     req.UserID,
		ActionType: req.ActionType,
		Kind:       kind,
		TierAtTime: tierAt,
		OccurredAt: occurred.UTC(),
		CreatedAt:  time.Now().UTC(),
	}, nil
}
