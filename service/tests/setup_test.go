package service_test

import (
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	blobmocks "github.com/zlnvch/cosketch/blob/mocks"
	cachemocks "github.com/zlnvch/cosketch/cache/mocks"
	rediscache "github.com/zlnvch/cosketch/cache/redis"
	mqmocks "github.com/zlnvch/cosketch/mq/mocks"
	"github.com/zlnvch/cosketch/provider"
	providermocks "github.com/zlnvch/cosketch/provider/mocks"
	"github.com/zlnvch/cosketch/service"
	"github.com/zlnvch/cosketch/store/memstore"
	storemocks "github.com/zlnvch/cosketch/store/mocks"
)

const testProviderKind = "test-provider"

// testClock is a settable clock for freshness tests.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Helper to setup the service with mocks
func setupService(t *testing.T) (*service.Service, *storemocks.MockStore, *cachemocks.MockCache, *mqmocks.MockQueue) {
	mockStore := new(storemocks.MockStore)
	mockCache := new(cachemocks.MockCache)
	mockMQ := new(mqmocks.MockQueue)

	svc, err := service.NewService(
		mockStore,
		mockCache,
		mockMQ,
		nil,
		nil,
		service.DefaultGenerationConfig(),
		[]byte("secret"),
	)
	require.NoError(t, err)

	return svc, mockStore, mockCache, mockMQ
}

type fixture struct {
	svc      *service.Service
	store    *memstore.MemCanvasStore
	redis    *miniredis.Miniredis
	mq       *mqmocks.MockQueue
	blob     *blobmocks.MockBlobStore
	provider *providermocks.MockProvider
	clock    *testClock
}

// setupFixture wires the service to the in-memory store and a miniredis
// backed cache. The repair queue, blob store and provider are mocks; repair
// messages are accepted silently.
func setupFixture(t *testing.T) *fixture {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	memStore := memstore.NewMemCanvasStore()
	mockMQ := new(mqmocks.MockQueue)
	mockMQ.On("Send", mock.Anything, mock.Anything).Return(nil).Maybe()
	mockBlob := new(blobmocks.MockBlobStore)
	mockProvider := new(providermocks.MockProvider)

	svc, err := service.NewService(
		memStore,
		rediscache.NewRedisCanvasCacheWithClient(client),
		mockMQ,
		mockBlob,
		map[string]provider.GenerationProvider{testProviderKind: mockProvider},
		service.GenerationConfig{
			PollInterval:    time.Millisecond,
			MaxPollAttempts: 5,
			Costs:           map[string]int64{testProviderKind: 1},
		},
		[]byte("secret"),
	)
	require.NoError(t, err)

	clock := newTestClock()
	svc.Now = clock.Now

	return &fixture{
		svc:      svc,
		store:    memStore,
		redis:    s,
		mq:       mockMQ,
		blob:     mockBlob,
		provider: mockProvider,
		clock:    clock,
	}
}

// Helper that creates a channel and wraps a mock call to signal when it's called
func wrapMockWithSignal(call *mock.Call) chan struct{} {
	done := make(chan struct{})
	var once sync.Once
	call.Run(func(args mock.Arguments) {
		once.Do(func() { close(done) })
	})
	return done
}

func waitFor(t *testing.T, done chan struct{}, what string) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
