package redis

import (
	"context"
	"crypto/tls"
	"errors"
	"log"
	"strconv"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"github.com/zlnvch/cosketch/cache"
)

type RedisCanvasCache struct {
	client redis.UniversalClient
}

func NewRedisCanvasCache(ctx context.Context, devMode bool, redis_endpoint string) (*RedisCanvasCache, error) {
	var client redis.UniversalClient
	if devMode {
		client = redis.NewClient(&redis.Options{
			Addr: redis_endpoint,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr: redis_endpoint,
			// AWS elasticache endpoints require TLS
			TLSConfig: &tls.Config{},
		})
	}

	err := client.Ping(ctx).Err()
	if err != nil {
		return nil, err
	}

	return &RedisCanvasCache{client: client}, nil
}

func NewRedisCanvasCacheWithClient(client redis.UniversalClient) *RedisCanvasCache {
	return &RedisCanvasCache{client: client}
}

func (redisCache *RedisCanvasCache) Publish(ctx context.Context, channel string, message []byte) error {
	if err := redisCache.client.Publish(ctx, channel, message).Err(); err != nil {
		return err
	}
	return nil
}

func (redisCache *RedisCanvasCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	pubsub := redisCache.client.Subscribe(ctx, channel)
	// Ensure subscription is established
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		log.Printf("Pubsub channel closed: %s", channel)
		return err
	}

	ch := pubsub.Channel()

	go func() {
		defer pubsub.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				handler([]byte(msg.Payload))
			}
		}
	}()

	return nil
}

// Keys share a hash tag per session so the index and data land in one slot
func buildLiveIndexKey(sessionId string) string {
	return "session:{" + sessionId + "}:live:index"
}

func buildLiveDataKey(sessionId string) string {
	return "session:{" + sessionId + "}:live"
}

func buildLockKey(name string) string {
	return "lock:{" + name + "}"
}

// Set of session ids that currently hold live strokes, walked by the sweep
const liveSessionsKey = "live:sessions"

// Backstop for sessions the sweep never reaches. Any record this old is far
// past the read-time freshness window.
const liveTTL = 10 * time.Minute

// Split index/data layout, as for cached strokes:
// 1. ZSet ("session:{id}:live:index"): painter key scored by lastUpdated, for
//    range reads and range deletes by age.
// 2. Hash ("session:{id}:live"): painter key -> JSON record.
func (redisCache *RedisCanvasCache) PutLiveStroke(ctx context.Context, sessionId string, key string, lastUpdated int64, data []byte) error {
	indexKey := buildLiveIndexKey(sessionId)
	dataKey := buildLiveDataKey(sessionId)

	pipe := redisCache.client.Pipeline()
	pipe.ZAdd(ctx, indexKey, redis.Z{Score: float64(lastUpdated), Member: key})
	pipe.HSet(ctx, dataKey, key, data)
	pipe.Expire(ctx, indexKey, liveTTL)
	pipe.Expire(ctx, dataKey, liveTTL)
	pipe.SAdd(ctx, liveSessionsKey, sessionId)
	_, err := pipe.Exec(ctx)
	return err
}

func (redisCache *RedisCanvasCache) GetLiveStrokes(ctx context.Context, sessionId string, cutoff int64) ([][]byte, error) {
	indexKey := buildLiveIndexKey(sessionId)
	dataKey := buildLiveDataKey(sessionId)

	keys, err := redisCache.client.ZRangeByScore(ctx, indexKey, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return [][]byte{}, nil
	}

	dataMap, err := redisCache.client.HMGet(ctx, dataKey, keys...).Result()
	if err != nil {
		return nil, err
	}

	strokes := make([][]byte, 0, len(keys))
	for _, item := range dataMap {
		if item == nil {
			continue // removed between the two reads
		}
		if s, ok := item.(string); ok {
			strokes = append(strokes, []byte(s))
		}
	}
	return strokes, nil
}

func (redisCache *RedisCanvasCache) RemoveLiveStroke(ctx context.Context, sessionId string, key string) error {
	pipe := redisCache.client.Pipeline()
	pipe.ZRem(ctx, buildLiveIndexKey(sessionId), key)
	pipe.HDel(ctx, buildLiveDataKey(sessionId), key)
	_, err := pipe.Exec(ctx)
	return err
}

func (redisCache *RedisCanvasCache) RemoveSessionLiveStrokes(ctx context.Context, sessionId string) error {
	if err := redisCache.client.Del(ctx, buildLiveIndexKey(sessionId), buildLiveDataKey(sessionId)).Err(); err != nil {
		return err
	}
	return redisCache.client.SRem(ctx, liveSessionsKey, sessionId).Err()
}

// Removes stale members from one session's index and data hash, and drops the
// session from the live set once nothing is left. Returns the removed count.
var sweepSessionScript = redis.NewScript(`
local stale = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
if #stale > 0 then
	redis.call('ZREM', KEYS[1], unpack(stale))
	redis.call('HDEL', KEYS[2], unpack(stale))
end
if redis.call('ZCARD', KEYS[1]) == 0 then
	redis.call('SREM', KEYS[3], ARGV[2])
end
return #stale
`)

func (redisCache *RedisCanvasCache) SweepLiveStrokes(ctx context.Context, cutoff int64) (int, error) {
	sessionIds, err := redisCache.client.SMembers(ctx, liveSessionsKey).Result()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, sessionId := range sessionIds {
		n, err := sweepSessionScript.Run(ctx, redisCache.client,
			[]string{buildLiveIndexKey(sessionId), buildLiveDataKey(sessionId), liveSessionsKey},
			cutoff, sessionId,
		).Int()
		if err != nil {
			return removed, err
		}
		removed += n
	}
	return removed, nil
}

// AcquireLock takes a named lock for ttl and returns the owner token needed to
// release it. Returns cache.ErrLockHeld if someone else owns it.
func (redisCache *RedisCanvasCache) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token, err := uuid.NewV4()
	if err != nil {
		return "", err
	}

	ok, err := redisCache.client.SetNX(ctx, buildLockKey(name), token.String(), ttl).Result()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", cache.ErrLockHeld
	}
	return token.String(), nil
}

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

func (redisCache *RedisCanvasCache) ReleaseLock(ctx context.Context, name string, token string) error {
	err := releaseLockScript.Run(ctx, redisCache.client, []string{buildLockKey(name)}, token).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}
