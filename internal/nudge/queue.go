// Package nudge delivers one-time tier-rise notifications. A nudge for a
// (user, action_type, to_tier) milestone is enqueued at most once ever and
// consumed on first pull.
package nudge

import (
	"context"

	"github.com/sells-group/autonomy-engine/internal/model"
	"github.com/sells-group/autonomy-engine/internal/store"
)

// Queue is the nudge delivery backend.
type Queue interface {
	// Enqueue adds a nudge unless its milestone was already recorded.
	// Returns false when the milestone was seen before.
	Enqueue(ctx context.Context, n model.Nudge) (bool, error)

	// Pull removes and returns up to limit pending nudges for a user,
	// oldest first. Delivery consumes the nudge.
	Pull(ctx context.Context, orgID, userID string, limit int) ([]model.Nudge, error)

	// Backlog returns the number of pending nudges across all users.
	Backlog(ctx context.Context) (int, error)
}

// StoreQueue backs the nudge queue with the relational store's outbox
// table, sharing its milestone unique constraint.
type StoreQueue struct {
	store store.Store
}

// NewStoreQueue creates a store-backed queue.
func NewStoreQueue(st store.Store) *StoreQueue {
	return &StoreQueue{store: st}
}

func (q *StoreQueue) Enqueue(ctx context.Context, n model.Nudge) (bool, error) {
	return q.store.EnqueueNudge(ctx, n)
}

func (q *StoreQueue) Pull(ctx context.Context, orgID, userID string, limit int) ([]model.Nudge, error) {
	return q.store.PullNudges(ctx, orgID, userID, limit)
}

func (q *StoreQueue) Backlog(ctx context.Context) (int, error) {
	return q.store.CountNudges(ctx)
}
