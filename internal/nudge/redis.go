package nudge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"

	"github.com/sells-group/autonomy-engine/internal/model"
	"github.com/sells-group/autonomy-engine/internal/resilience"
)

const (
	seenSetKey        = "nudge:seen"
	pendingKeyPattern = "nudge:pending:*"
)

// RedisQueue backs the nudge queue with Redis: a set records delivered
// milestones and a per-user list holds pending nudges. Suited to
// deployments where the notification consumer is not the engine's store.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue connects to Redis and verifies connectivity.
func NewRedisQueue(ctx context.Context, addr, password string, db int) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, resilience.NewUnavailableError(eris.Wrap(err, "nudge: redis ping"))
	}
	return &RedisQueue{client: client}, nil
}

// NewRedisQueueWithClient wraps an existing client, used by tests.
func NewRedisQueueWithClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

// Close releases the underlying connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func milestoneMember(n model.Nudge) string {
	return fmt.Sprintf("%s/%s/%s/%s", n.OrgID, n.UserID, n.ActionType, n.ToTier)
}

func pendingKey(orgID, userID string) string {
	return fmt.Sprintf("nudge:pending:%s:%s", orgID, userID)
}

func (q *RedisQueue) Enqueue(ctx context.Context, n model.Nudge) (bool, error) {
	added, err := q.client.SAdd(ctx, seenSetKey, milestoneMember(n)).Result()
	if err != nil {
		return false, eris.Wrap(err, "nudge: redis sadd milestone")
	}
	if added == 0 {
		return false, nil
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return false, eris.Wrap(err, "nudge: marshal nudge")
	}
	if err := q.client.RPush(ctx, pendingKey(n.OrgID, n.UserID), payload).Err(); err != nil {
		return false, eris.Wrap(err, "nudge: redis rpush")
	}
	return true, nil
}

func (q *RedisQueue) Pull(ctx context.Context, orgID, userID string, limit int) ([]model.Nudge, error) {
	if limit <= 0 {
		limit = 20
	}

	raw, err := q.client.LPopCount(ctx, pendingKey(orgID, userID), limit).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, eris.Wrap(err, "nudge: redis lpop")
	}

	nudges := make([]model.Nudge, 0, len(raw))
	for _, r := range raw {
		var n model.Nudge
		if err := json.Unmarshal([]byte(r), &n); err != nil {
			return nil, eris.Wrap(err, "nudge: unmarshal nudge")
		}
		nudges = append(nudges, n)
	}
	return nudges, nil
}

func (q *RedisQueue) Backlog(ctx context.Context) (int, error) {
	var total int
	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, pendingKeyPattern, 100).Result()
		if err != nil {
			return 0, eris.Wrap(err, "nudge: redis scan")
		}
		for _, key := range keys {
			n, err := q.client.LLen(ctx, key).Result()
			if err != nil {
				return 0, eris.Wrap(err, "nudge: redis llen")
			}
			total += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return total, nil
}
