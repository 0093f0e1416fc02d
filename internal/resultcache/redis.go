package resultcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/marginscout/marginscout/internal/lookup"
)

// Entry keys and the index share a hash tag so scripts touching both stay in
// one cluster slot.
const (
	redisKeyPrefix = "marginscout:{lookup}:entry:"
	redisIndexKey  = "marginscout:{lookup}:index"
)

// saveScript keeps the write with the newest ts and indexes it by ts.
// KEYS[1] entry hash, KEYS[2] index zset, ARGV[1] fetched_at in unix
// milliseconds, ARGV[2] payload, ARGV[3] expiry in ms, ARGV[4] identifier.
var saveScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'ts')
if current and tonumber(current) > tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'payload', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[4])
return 1
`)

// purgeScript drops one indexed entry unless a newer write landed after the
// index was read. KEYS as in saveScript, ARGV[1] cutoff in unix
// milliseconds, ARGV[2] identifier. Returns the number of hashes deleted.
var purgeScript = redis.NewScript(`
local ts = redis.call('HGET', KEYS[1], 'ts')
if ts and tonumber(ts) >= tonumber(ARGV[1]) then
	redis.call('ZADD', KEYS[2], ts, ARGV[2])
	return 0
end
redis.call('ZREM', KEYS[2], ARGV[2])
if ts then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

const purgeBatch = 200

// RedisStore keeps entries as hashes that expire after retention.
type RedisStore struct {
	client    redis.UniversalClient
	retention time.Duration
}

// NewRedisStore wraps client. Keys expire retention after their last write.
func NewRedisStore(client redis.UniversalClient, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func redisKey(identifier string) string {
	return redisKeyPrefix + identifier
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, identifier string) (lookup.FetchResult, bool, error) {
	payload, err := s.client.HGet(ctx, redisKey(identifier), "payload").Bytes()
	if errors.Is(err, redis.Nil) {
		return lookup.FetchResult{}, false, nil
	}
	if err != nil {
		return lookup.FetchResult{}, false, err
	}
	var r lookup.FetchResult
	if err := json.Unmarshal(payload, &r); err != nil {
		return lookup.FetchResult{}, false, fmt.Errorf("decode entry: %w", err)
	}
	return r, true, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, r lookup.FetchResult) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode entry: %w", err)
	}
	expiry := s.retention
	if expiry <= 0 {
		expiry = 30 * 24 * time.Hour
	}
	return saveScript.Run(ctx, s.client,
		[]string{redisKey(r.Identifier), redisIndexKey},
		r.FetchedAt.UnixMilli(), payload, expiry.Milliseconds(), r.Identifier,
	).Err()
}

// DeleteBefore implements Store. It walks the fetched_at index, so the cost
// follows the number of old entries rather than the keyspace. Index members
// whose hash already expired are dropped without counting.
func (s *RedisStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	limit := cutoff.UnixMilli()
	for {
		ids, err := s.client.ZRangeByScore(ctx, redisIndexKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   "(" + strconv.FormatInt(limit, 10),
			Count: purgeBatch,
		}).Result()
		if err != nil {
			return deleted, err
		}
		if len(ids) == 0 {
			return deleted, nil
		}
		for _, id := range ids {
			n, err := purgeScript.Run(ctx, s.client, []string{redisKey(id), redisIndexKey}, limit, id).Int64()
			if err != nil {
				return deleted, err
			}
			deleted += n
		}
	}
}
