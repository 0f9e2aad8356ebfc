package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"
	"github.com/zlnvch/cosketch/models"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) CreateSession(ctx context.Context, session models.Session) (models.Session, error) {
	args := m.Called(ctx, session)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *MockStore) GetSession(ctx context.Context, sessionId string) (models.Session, error) {
	args := m.Called(ctx, sessionId)
	return args.Get(0).(models.Session), args.Error(1)
}

func (m *MockStore) ListSessionIds(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockStore) SetPaintLayerVisible(ctx context.Context, sessionId string, visible bool) error {
	args := m.Called(ctx, sessionId, visible)
	return args.Error(0)
}

func (m *MockStore) AppendStroke(ctx context.Context, stroke models.Stroke) (models.Stroke, error) {
	args := m.Called(ctx, stroke)
	return args.Get(0).(models.Stroke), args.Error(1)
}

func (m *MockStore) GetStrokesSince(ctx context.Context, sessionId string, afterOrder int64) ([]models.Stroke, error) {
	args := m.Called(ctx, sessionId, afterOrder)
	return args.Get(0).([]models.Stroke), args.Error(1)
}

func (m *MockStore) UpsertViewerState(ctx context.Context, state models.ViewerState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockStore) GetViewerState(ctx context.Context, sessionId string, viewerId string) (models.ViewerState, error) {
	args := m.Called(ctx, sessionId, viewerId)
	return args.Get(0).(models.ViewerState), args.Error(1)
}

func (m *MockStore) DeleteViewerState(ctx context.Context, sessionId string, viewerId string) error {
	args := m.Called(ctx, sessionId, viewerId)
	return args.Error(0)
}

func (m *MockStore) DeleteSessionViewerStates(ctx context.Context, sessionId string) error {
	args := m.Called(ctx, sessionId)
	return args.Error(0)
}

func (m *MockStore) CreateImageLayer(ctx context.Context, layer models.ImageLayer) (models.ImageLayer, error) {
	args := m.Called(ctx, layer)
	return args.Get(0).(models.ImageLayer), args.Error(1)
}

func (m *MockStore) GetImageLayers(ctx context.Context, sessionId string) ([]models.ImageLayer, error) {
	args := m.Called(ctx, sessionId)
	return args.Get(0).([]models.ImageLayer), args.Error(1)
}

func (m *MockStore) UpdateLayerOrders(ctx context.Context, sessionId string, updates []models.LayerOrderUpdate) error {
	args := m.Called(ctx, sessionId, updates)
	return args.Error(0)
}

func (m *MockStore) CreateJob(ctx context.Context, job models.GenerationJob) (models.GenerationJob, error) {
	args := m.Called(ctx, job)
	return args.Get(0).(models.GenerationJob), args.Error(1)
}

func (m *MockStore) GetJob(ctx context.Context, sessionId string, jobId string) (models.GenerationJob, error) {
	args := m.Called(ctx, sessionId, jobId)
	return args.Get(0).(models.GenerationJob), args.Error(1)
}

func (m *MockStore) ListJobs(ctx context.Context, sessionId string) ([]models.GenerationJob, error) {
	args := m.Called(ctx, sessionId)
	return args.Get(0).([]models.GenerationJob), args.Error(1)
}

func (m *MockStore) SetJobProviderId(ctx context.Context, sessionId string, jobId string, providerJobId string) error {
	args := m.Called(ctx, sessionId, jobId, providerJobId)
	return args.Error(0)
}

func (m *MockStore) FailJob(ctx context.Context, sessionId string, jobId string, errorKind string, errorMessage string) error {
	args := m.Called(ctx, sessionId, jobId, errorKind, errorMessage)
	return args.Error(0)
}

func (m *MockStore) SettleJob(ctx context.Context, settlement models.JobSettlement) (models.GenerationJob, error) {
	args := m.Called(ctx, settlement)
	return args.Get(0).(models.GenerationJob), args.Error(1)
}

func (m *MockStore) GetTokenBalance(ctx context.Context, userId string) (int64, error) {
	args := m.Called(ctx, userId)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStore) GrantTokens(ctx context.Context, userId string, amount int64, reason string) (int64, error) {
	args := m.Called(ctx, userId, amount, reason)
	return args.Get(0).(int64), args.Error(1)
}
