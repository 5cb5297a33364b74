// Package monitoring gathers operational metrics over the confidence store
// and raises webhook alerts when the tier population degrades: demotion
// spikes, sweep stalls, nudge backlog growth.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/autonomy-engine/internal/model"
	"github.com/sells-group/autonomy-engine/internal/nudge"
	"github.com/sells-group/autonomy-engine/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Record population by tier.
	RecordsTotal  int                `json:"records_total"`
	RecordsByTier map[model.Tier]int `json:"records_by_tier"`

	// Transitions within the lookback window.
	Promotions   int     `json:"promotions"`
	Demotions    int     `json:"demotions"`
	DemotionRate float64 `json:"demotion_rate"`

	// StaleSubjects counts records the sweep has not touched within the
	// staleness horizon. Zero horizon disables the check.
	StaleSubjects int `json:"stale_subjects"`

	// NudgeBacklog is the number of pending undelivered nudges.
	NudgeBacklog int `json:"nudge_backlog"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store and the nudge queue.
type Collector struct {
	store store.Store
	queue nudge.Queue

	// staleAfter flags subjects whose last sweep is older than this.
	staleAfter time.Duration
}

// NewCollector creates a metrics collector. queue may be nil when no nudge
// backend is wired; staleAfter zero disables staleness counting.
func NewCollector(st store.Store, queue nudge.Queue, staleAfter time.Duration) *Collector {
	return &Collector{store: st, queue: queue, staleAfter: staleAfter}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := time.Now().UTC()
	snap := &MetricsSnapshot{
		RecordsByTier: map[model.Tier]int{},
		LookbackHours: lookbackHours,
		CollectedAt:   now,
	}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	records, err := c.store.ListRecords(ctx, store.RecordFilter{Limit: 10000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list records")
	}
	snap.RecordsTotal = len(records)
	for i := range records {
		rec := &records[i]
		snap.RecordsByTier[rec.Tier]++
		if c.staleAfter > 0 && (rec.SweptAt == nil || now.Sub(*rec.SweptAt) > c.staleAfter) {
			snap.StaleSubjects++
		}
	}

	promotions, err := c.store.ListEvents(ctx, store.EventFilter{
		EventType:    string(model.EventPromotionAccepted),
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list promotions")
	}
	snap.Promotions = len(promotions)

	demotions, err := c.store.ListEvents(ctx, store.EventFilter{
		EventType:    string(model.EventDemotion),
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list demotions")
	}
	snap.Demotions = len(demotions)

	if snap.RecordsTotal > 0 {
		snap.DemotionRate = float64(snap.Demotions) / float64(snap.RecordsTotal)
	}

	if c.queue != nil {
		backlog, err := c.queue.Backlog(ctx)
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: nudge backlog")
		}
		snap.NudgeBacklog = backlog
	}

	return snap, nil
}
