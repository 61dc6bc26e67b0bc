package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisTracker shares presence and typing state between instances.
// Keys:
//   - <prefix>:online:<user>    "1", expires after onlineTTL unless refreshed
//   - <prefix>:last_seen:<user> unix millis of the last disconnect
//   - <prefix>:typing:<conv>    sorted set, member user, score = expiry unix millis
type RedisTracker struct {
	client    *redis.Client
	prefix    string
	onlineTTL time.Duration
	timers    *typingTimers
	now       func() time.Time
}

func NewRedisTracker(client *redis.Client, prefix string, onlineTTL, typingTimeout time.Duration) *RedisTracker {
	if onlineTTL <= 0 {
		onlineTTL = 90 * time.Second
	}
	return &RedisTracker{
		client:    client,
		prefix:    prefix,
		onlineTTL: onlineTTL,
		timers:    newTypingTimers(typingTimeout),
		now:       time.Now,
	}
}

func (s *RedisTracker) onlineKey(userID string) string {
	return fmt.Sprintf("%s:online:%s", s.prefix, userID)
}
func (s *RedisTracker) lastSeenKey(userID string) string {
	return fmt.Sprintf("%s:last_seen:%s", s.prefix, userID)
}
func (s *RedisTracker) typingKey(conv string) string {
	return fmt.Sprintf("%s:typing:%s", s.prefix, conv)
}

// SetOnline also serves as the heartbeat refresh.
func (s *RedisTracker) SetOnline(ctx context.Context, userID string) error {
	return s.client.Set(ctx, s.onlineKey(userID), "1", s.onlineTTL).Err()
}

func (s *RedisTracker) SetOffline(ctx context.Context, userID string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.onlineKey(userID))
	pipe.Set(ctx, s.lastSeenKey(userID), s.now().UTC().UnixMilli(), 0)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisTracker) Presence(ctx context.Context, userIDs []string) (map[string]Status, error) {
	out := make(map[string]Status, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	keys := make([]string, 0, len(userIDs)*2)
	for _, id := range userIDs {
		keys = append(keys, s.onlineKey(id), s.lastSeenKey(id))
	}
	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	for i, id := range userIDs {
		st := Status{Online: vals[2*i] != nil}
		if raw, ok := vals[2*i+1].(string); ok {
			if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
				t := time.UnixMilli(ms).UTC()
				st.LastSeen = &t
			}
		}
		out[id] = st
	}
	return out, nil
}

func (s *RedisTracker) StartTyping(ctx context.Context, conversationID, userID string) error {
	key := s.typingKey(conversationID)
	exp := s.now().Add(s.timers.timeout)
	pipe := s.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(exp.UnixMilli()), Member: userID})
	pipe.PExpire(ctx, key, 2*s.timers.timeout)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	s.timers.start(conversationID, userID, func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// only drop the member if nobody refreshed it from another instance
		if err := s.client.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(s.now().UnixMilli(), 10)).Err(); err != nil {
			return false
		}
		return errors.Is(s.client.ZScore(ctx, key, userID).Err(), redis.Nil)
	})
	return nil
}

func (s *RedisTracker) StopTyping(ctx context.Context, conversationID, userID string) error {
	s.timers.stop(conversationID, userID)
	return s.client.ZRem(ctx, s.typingKey(conversationID), userID).Err()
}

func (s *RedisTracker) Typing(ctx context.Context, conversationID, exclude string) ([]string, error) {
	min := "(" + strconv.FormatInt(s.now().UnixMilli(), 10)
	members, err := s.client.ZRangeByScore(ctx, s.typingKey(conversationID), &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, m := range members {
		if m != exclude {
			out = append(out, m)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *RedisTracker) OnTypingExpired(fn func(conversationID, userID string)) {
	s.timers.setHook(fn)
}

func (s *RedisTracker) Close() { s.timers.stopAll() }
