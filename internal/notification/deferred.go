package notification

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/fathima-sithara/messaging-service/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DeferredQueue holds channel sends postponed by quiet hours.
type DeferredQueue interface {
	Push(ctx context.Context, d *domain.DeferredDelivery) error
	// PopDue removes and returns up to limit entries whose release time has passed.
	PopDue(ctx context.Context, now time.Time, limit int) ([]*domain.DeferredDelivery, error)
}

type MemoryQueue struct {
	mu    sync.Mutex
	items []*domain.DeferredDelivery
}

func NewMemoryQueue() *MemoryQueue { return &MemoryQueue{} }

func (q *MemoryQueue) Push(_ context.Context, d *domain.DeferredDelivery) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, d)
	sort.SliceStable(q.items, func(i, j int) bool { return q.items[i].ReleaseAt.Before(q.items[j].ReleaseAt) })
	return nil
}

func (q *MemoryQueue) PopDue(_ context.Context, now time.Time, limit int) ([]*domain.DeferredDelivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for n < len(q.items) && !q.items[n].ReleaseAt.After(now) && (limit <= 0 || n < limit) {
		n++
	}
	due := append([]*domain.DeferredDelivery(nil), q.items[:n]...)
	q.items = q.items[n:]
	return due, nil
}

func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// RedisQueue keeps entries in a sorted set scored by release time in ms.
// ZREM decides which instance owns an entry, so several schedulers can poll the same key.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{client: client, key: prefix + ":notifications:deferred"}
}

func (q *RedisQueue) Push(ctx context.Context, d *domain.DeferredDelivery) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return q.client.ZAdd(ctx, q.key, redis.Z{Score: float64(d.ReleaseAt.UnixMilli()), Member: string(b)}).Err()
}

func (q *RedisQueue) PopDue(ctx context.Context, now time.Time, limit int) ([]*domain.DeferredDelivery, error) {
	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*domain.DeferredDelivery, 0, len(members))
	for _, m := range members {
		removed, err := q.client.ZRem(ctx, q.key, m).Result()
		if err != nil {
			return out, err
		}
		if removed == 0 {
			continue
		}
		var d domain.DeferredDelivery
		if err := json.Unmarshal([]byte(m), &d); err != nil {
			continue
		}
		out = append(out, &d)
	}
	return out, nil
}
