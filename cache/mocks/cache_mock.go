package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"
)

type MockCache struct {
	mock.Mock
}

func (m *MockCache) Publish(ctx context.Context, channel string, message []byte) error {
	args := m.Called(ctx, channel, message)
	return args.Error(0)
}

func (m *MockCache) Subscribe(ctx context.Context, channel string, handler func(message []byte)) error {
	args := m.Called(ctx, channel, handler)
	return args.Error(0)
}

func (m *MockCache) PutLiveStroke(ctx context.Context, sessionId string, key string, lastUpdated int64, data []byte) error {
	args := m.Called(ctx, sessionId, key, lastUpdated, data)
	return args.Error(0)
}

func (m *MockCache) GetLiveStrokes(ctx context.Context, sessionId string, cutoff int64) ([][]byte, error) {
	args := m.Called(ctx, sessionId, cutoff)
	return args.Get(0).([][]byte), args.Error(1)
}

func (m *MockCache) RemoveLiveStroke(ctx context.Context, sessionId string, key string) error {
	args := m.Called(ctx, sessionId, key)
	return args.Error(0)
}

func (m *MockCache) RemoveSessionLiveStrokes(ctx context.Context, sessionId string) error {
	args := m.Called(ctx, sessionId)
	return args.Error(0)
}

func (m *MockCache) SweepLiveStrokes(ctx context.Context, cutoff int64) (int, error) {
	args := m.Called(ctx, cutoff)
	return args.Int(0), args.Error(1)
}

func (m *MockCache) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	args := m.Called(ctx, name, ttl)
	return args.String(0), args.Error(1)
}

func (m *MockCache) ReleaseLock(ctx context.Context, name string, token string) error {
	args := m.Called(ctx, name, token)
	return args.Error(0)
}
