package mocks

import (
	"context"
	"encoding/json"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/cosketch/provider"
)

type MockProvider struct {
	mock.Mock
}

func (m *MockProvider) Submit(ctx context.Context, input json.RawMessage) (string, error) {
	args := m.Called(ctx, input)
	return args.String(0), args.Error(1)
}

func (m *MockProvider) Poll(ctx context.Context, providerJobId string) (provider.PollResult, error) {
	args := m.Called(ctx, providerJobId)
	return args.Get(0).(provider.PollResult), args.Error(1)
}
