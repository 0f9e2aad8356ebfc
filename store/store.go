package store

import (
	"context"
	"errors"

	"github.com/zlnvch/cosketch/models"
)

type CanvasStore interface {
	CreateSession(ctx context.Context, session models.Session) (models.Session, error)
	GetSession(ctx context.Context, sessionId string) (models.Session, error)
	ListSessionIds(ctx context.Context) ([]string, error)
	SetPaintLayerVisible(ctx context.Context, sessionId string, visible bool) error

	// AppendStroke assigns stroke.Order from the session's stroke counter and
	// persists the stroke in one atomic step.
	AppendStroke(ctx context.Context, stroke models.Stroke) (models.Stroke, error)
	GetStrokesSince(ctx context.Context, sessionId string, afterOrder int64) ([]models.Stroke, error)

	// UpsertViewerState only ever moves the cursor forward. A stale ack
	// returns ErrConditionFailed.
	UpsertViewerState(ctx context.Context, state models.ViewerState) error
	GetViewerState(ctx context.Context, sessionId string, viewerId string) (models.ViewerState, error)
	DeleteViewerState(ctx context.Context, sessionId string, viewerId string) error
	DeleteSessionViewerStates(ctx context.Context, sessionId string) error

	CreateImageLayer(ctx context.Context, layer models.ImageLayer) (models.ImageLayer, error)
	GetImageLayers(ctx context.Context, sessionId string) ([]models.ImageLayer, error)
	UpdateLayerOrders(ctx context.Context, sessionId string, updates []models.LayerOrderUpdate) error

	CreateJob(ctx context.Context, job models.GenerationJob) (models.GenerationJob, error)
	GetJob(ctx context.Context, sessionId string, jobId string) (models.GenerationJob, error)
	ListJobs(ctx context.Context, sessionId string) ([]models.GenerationJob, error)
	SetJobProviderId(ctx context.Context, sessionId string, jobId string, providerJobId string) error
	// FailJob moves a pending job to failed. Returns ErrConditionFailed if the
	// job already reached a terminal state.
	FailJob(ctx context.Context, sessionId string, jobId string, errorKind string, errorMessage string) error
	// SettleJob debits the ledger, completes the job and inserts the AI layer
	// atomically. Returns ErrInsufficientFunds when the balance is short and
	// ErrConditionFailed when the job is no longer pending.
	SettleJob(ctx context.Context, settlement models.JobSettlement) (models.GenerationJob, error)

	GetTokenBalance(ctx context.Context, userId string) (int64, error)
	GrantTokens(ctx context.Context, userId string, amount int64, reason string) (int64, error)
}

// Custom error types for clarity
var (
	ErrItemNotFound      = errors.New("item does not exist")
	ErrConditionFailed   = errors.New("condition not met")
	ErrInsufficientFunds = errors.New("insufficient token balance")
)
