// Package sweep runs the scheduled rescoring pass: every subject's trailing
// window is recomputed, the long-run score re-blended, and promotion
// evaluated. Each subject commits independently, so a crash mid-sweep loses
// nothing; the next run picks up where the scores left off.
package sweep

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/autonomy-engine/internal/config"
	"github.com/sells-group/autonomy-engine/internal/engine"
	"github.com/sells-group/autonomy-engine/internal/model"
	"github.com/sells-group/autonomy-engine/internal/nudge"
	"github.com/sells-group/autonomy-engine/internal/store"
)

// Summary reports what one sweep cycle did.
type Summary struct {
	Subjects  int           `json:"subjects"`
	Promoted  int           `json:"promoted"`
	Eligible  int           `json:"eligible"`
	Errors    int           `json:"errors"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Options tunes sweep execution.
type Options struct {
	// Concurrency bounds parallel subject sweeps. Default 8.
	Concurrency int

	// SubjectsPerSec throttles the read-modify-write load the sweep puts on
	// the store. Zero disables throttling.
	SubjectsPerSec float64

	// Queue, when set, receives promotion nudges instead of the store's
	// transactional outbox.
	Queue nudge.Queue
}

// Sweeper rescans subjects and applies promotions.
type Sweeper struct {
	store   store.Store
	cfg     config.EngineConfig
	opts    Options
	limiter *rate.Limiter
}

// New creates a Sweeper.
func New(st store.Store, cfg config.EngineConfig, opts Options) *Sweeper {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	var limiter *rate.Limiter
	if opts.SubjectsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.SubjectsPerSec), 1)
	}
	return &Sweeper{store: st, cfg: cfg, opts: opts, limiter: limiter}
}

// Run sweeps every subject, or only one org's when orgID is non-empty.
// Per-subject failures are counted and logged, not fatal; context
// cancellation stops the sweep between subjects.
func (s *Sweeper) Run(ctx context.Context, orgID string) (*Summary, error) {
	start := time.Now()
	subjects, err := s.store.ListSubjects(ctx, orgID)
	if err != nil {
		return nil, eris.Wrap(err, "sweep: list subjects")
	}

	summary := &Summary{Subjects: len(subjects), StartedAt: start.UTC()}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)

	for _, key := range subjects {
		if s.limiter != nil {
			if err := s.limiter.Wait(gctx); err != nil {
				break
			}
		}
		if gctx.Err() != nil {
			break
		}

		g.Go(func() error {
			promoted, eligible, err := s.sweepOne(gctx, key)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Errors++
				zap.L().Error("sweep subject failed",
					zap.String("subject", key.String()),
					zap.Error(err),
				)
				return nil
			}
			if promoted {
				summary.Promoted++
			}
			if eligible {
				summary.Eligible++
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return summary, eris.Wrap(err, "sweep: wait")
	}

	summary.Duration = time.Since(start)
	zap.L().Info("sweep complete",
		zap.Int("subjects", summary.Subjects),
		zap.Int("promoted", summary.Promoted),
		zap.Int("eligible", summary.Eligible),
		zap.Int("errors", summary.Errors),
		zap.Duration("duration", summary.Duration),
	)
	if ctx.Err() != nil {
		return summary, eris.Wrap(ctx.Err(), "sweep: interrupted")
	}
	return summary, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, key model.SubjectKey) (promoted, eligible bool, err error) {
	now := time.Now()
	since := now.AddDate(0, 0, -s.cfg.ScoreWindowDays)

	var pending []model.Nudge
	err = s.store.SweepSubject(ctx, key, since,
		func(rec *model.ConfidenceRecord, w model.WindowCounts, distinctDays int, ceiling model.PolicyCeiling, ov *model.Override) (store.SweepOutcome, error) {
			engine.Rescore(rec, w, distinctDays, s.cfg, now)

			events := engine.EvaluatePromotion(rec, ceiling, ov, s.cfg, now)
			// Eligibility is re-read after any promotion so the flag always
			// refers to the next step up from the tier just stored.
			rec.PromotionEligible = engine.PromotionEligible(rec, ceiling, ov, s.cfg, now)
			eligible = rec.PromotionEligible

			outcome := store.SweepOutcome{Events: events}
			for _, ev := range events {
				if ev.EventType != model.EventPromotionAccepted {
					continue
				}
				promoted = true
				n := promotionNudge(ev, now)
				if s.opts.Queue != nil {
					pending = append(pending, n)
				} else {
					outcome.Nudges = append(outcome.Nudges, n)
				}
			}
			return outcome, nil
		})
	if err != nil {
		return false, false, err
	}

	// External queue delivery happens after commit; the milestone set makes
	// redelivery after a crash harmless.
	for _, n := range pending {
		if _, err := s.opts.Queue.Enqueue(ctx, n); err != nil {
			zap.L().Warn("nudge enqueue failed",
				zap.String("subject", key.String()),
				zap.Error(err),
			)
		}
	}

	if promoted {
		zap.L().Info("tier promoted",
			zap.String("subject", key.String()),
		)
	}
	return promoted, eligible, nil
}

func promotionNudge(ev model.Event, now time.Time) model.Nudge {
	return model.Nudge{
		ID:         ev.ID,
		OrgID:      ev.OrgID,
		UserID:     ev.UserID,
		ActionType: ev.ActionType,
		ToTier:     ev.ToTier,
		Message:    fmt.Sprintf("%s now runs at the %s tier", ev.ActionType, ev.ToTier),
		CreatedAt:  now.UTC(),
	}
}

// Loop runs sweeps on a fixed interval until the context is canceled. The
// first sweep fires immediately.
func (s *Sweeper) Loop(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := s.Run(ctx, ""); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			zap.L().Error("sweep cycle failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
