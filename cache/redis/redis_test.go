package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/cosketch/cache"
)

func setupTestRedis(t *testing.T) (*RedisCanvasCache, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCanvasCacheWithClient(client), s
}

func TestLiveStrokes_ReadFiltersByCutoff(t *testing.T) {
	c, _ := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.PutLiveStroke(ctx, "s1", "alice", 1_000, []byte(`{"key":"alice"}`)))
	require.NoError(t, c.PutLiveStroke(ctx, "s1", "bob", 5_000, []byte(`{"key":"bob"}`)))

	strokes, err := c.GetLiveStrokes(ctx, "s1", 1_000)
	require.NoError(t, err)
	assert.Len(t, strokes, 2)

	strokes, err = c.GetLiveStrokes(ctx, "s1", 1_001)
	require.NoError(t, err)
	require.Len(t, strokes, 1)
	assert.JSONEq(t, `{"key":"bob"}`, string(strokes[0]))

	// a later put replaces the record and its score
	require.NoError(t, c.PutLiveStroke(ctx, "s1", "alice", 9_000, []byte(`{"key":"alice","v":2}`)))
	strokes, err = c.GetLiveStrokes(ctx, "s1", 6_000)
	require.NoError(t, err)
	require.Len(t, strokes, 1)
	assert.JSONEq(t, `{"key":"alice","v":2}`, string(strokes[0]))
}

func TestLiveStrokes_Remove(t *testing.T) {
	c, s := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.PutLiveStroke(ctx, "s1", "alice", 1_000, []byte(`{}`)))
	require.NoError(t, c.PutLiveStroke(ctx, "s1", "bob", 1_000, []byte(`{}`)))

	require.NoError(t, c.RemoveLiveStroke(ctx, "s1", "alice"))
	strokes, _ := c.GetLiveStrokes(ctx, "s1", 0)
	assert.Len(t, strokes, 1)

	require.NoError(t, c.RemoveSessionLiveStrokes(ctx, "s1"))
	strokes, _ = c.GetLiveStrokes(ctx, "s1", 0)
	assert.Empty(t, strokes)
	assert.False(t, s.Exists(buildLiveDataKey("s1")))
	members, _ := s.Members(liveSessionsKey)
	assert.NotContains(t, members, "s1")
}

func TestSweepLiveStrokes(t *testing.T) {
	c, s := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.PutLiveStroke(ctx, "s1", "old", 1_000, []byte(`{}`)))
	require.NoError(t, c.PutLiveStroke(ctx, "s1", "fresh", 50_000, []byte(`{}`)))
	require.NoError(t, c.PutLiveStroke(ctx, "s2", "old", 2_000, []byte(`{}`)))

	removed, err := c.SweepLiveStrokes(ctx, 10_000)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// s2 is empty now and no longer tracked
	members, err := s.Members(liveSessionsKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, members)

	fields, err := s.HKeys(buildLiveDataKey("s1"))
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, fields)

	removed, err = c.SweepLiveStrokes(ctx, 10_000)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestSweepLiveStrokes_KeepsActiveSessionsTracked(t *testing.T) {
	c, s := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.PutLiveStroke(ctx, "s1", "fresh", 50_000, []byte(`{}`)))
	// s2's keys expired but the set still names it
	_, err := s.SAdd(liveSessionsKey, "s2")
	require.NoError(t, err)

	removed, err := c.SweepLiveStrokes(ctx, 10_000)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	members, err := s.Members(liveSessionsKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, members)

	// a stroke written after the sweep keeps the session tracked
	require.NoError(t, c.PutLiveStroke(ctx, "s2", "new", 60_000, []byte(`{}`)))
	_, err = c.SweepLiveStrokes(ctx, 10_000)
	require.NoError(t, err)
	members, err = s.Members(liveSessionsKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, members)
}

func TestLock(t *testing.T) {
	c, s := setupTestRedis(t)
	ctx := context.Background()

	token, err := c.AcquireLock(ctx, "normalize:s1", time.Second)
	require.NoError(t, err)
	assert.NotEmpty(t, token)

	_, err = c.AcquireLock(ctx, "normalize:s1", time.Second)
	assert.ErrorIs(t, err, cache.ErrLockHeld)

	// a foreign token cannot release it
	require.NoError(t, c.ReleaseLock(ctx, "normalize:s1", "not-the-owner"))
	_, err = c.AcquireLock(ctx, "normalize:s1", time.Second)
	assert.ErrorIs(t, err, cache.ErrLockHeld)

	require.NoError(t, c.ReleaseLock(ctx, "normalize:s1", token))
	token2, err := c.AcquireLock(ctx, "normalize:s1", time.Second)
	require.NoError(t, err)

	// expiry frees an abandoned lock
	s.FastForward(2 * time.Second)
	_, err = c.AcquireLock(ctx, "normalize:s1", time.Second)
	assert.NoError(t, err)
	assert.NotEqual(t, token, token2)
}

func TestPublishSubscribe(t *testing.T) {
	c, _ := setupTestRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 1)
	require.NoError(t, c.Subscribe(ctx, "session:s1", func(message []byte) {
		received <- message
	}))

	require.NoError(t, c.Publish(ctx, "session:s1", []byte("hello")))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}
