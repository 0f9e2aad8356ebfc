package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
)

type MockBlobStore struct {
	mock.Mock
}

func (m *MockBlobStore) Store(ctx context.Context, data []byte, contentType string) (string, error) {
	args := m.Called(ctx, data, contentType)
	return args.String(0), args.Error(1)
}

func (m *MockBlobStore) URLFor(ctx context.Context, handle string) (string, bool) {
	args := m.Called(ctx, handle)
	return args.String(0), args.Bool(1)
}
