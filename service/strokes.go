package service

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/zlnvch/cosketch/models"
	"github.com/zlnvch/cosketch/store"
)

type AppendStrokeParams struct {
	SessionId string
	// ClientId identifies anonymous painters so their live stroke can be cleared
	ClientId string
	LayerId  string
	Points   []models.Point
	Style    models.StrokeStyle
}

// AppendStroke persists a finished stroke and returns its order. Orders within
// a session are dense and unique: 0, 1, 2, ...
func (s *Service) AppendStroke(ctx context.Context, params AppendStrokeParams) (int64, error) {
	// 1. Validation
	if err := ValidateStrokeStyle(params.Style); err != nil {
		return 0, err
	}
	if err := ValidatePoints(params.Points); err != nil {
		return 0, err
	}
	if params.ClientId != "" {
		if err := ValidateId(params.ClientId, "client id"); err != nil {
			return 0, err
		}
	}

	stroke := models.Stroke{
		SessionId: params.SessionId,
		LayerId:   params.LayerId,
		Points:    params.Points,
		Style:     params.Style,
		Created:   s.Now().UnixMilli(),
	}
	if stroke.LayerId == "" {
		// the paint layer shares the session id
		stroke.LayerId = params.SessionId
	}
	identity, hasIdentity := IdentityFromContext(ctx)
	if hasIdentity {
		stroke.UserId = identity.Subject
	}

	// 2. Atomic order assignment + persist
	appended, err := s.Store.AppendStroke(ctx, stroke)
	if err != nil {
		return 0, fromStore(err, "session "+params.SessionId)
	}

	// Async side-effects - return to caller as soon as the order is assigned
	go func() {
		ctx := context.Background()

		// 3. The stroke is finished, so its live preview goes away
		if key, ok := LiveStrokeKey(identity.Subject, params.ClientId); ok {
			if err := s.Cache.RemoveLiveStroke(ctx, params.SessionId, key); err != nil {
				log.Printf("Failed to clear live stroke %s in session %s: %v", key, params.SessionId, err)
			} else {
				s.publish(ctx, params.SessionId, EventLiveStrokeCleared, LiveStrokeClearedData{Key: key})
			}
		}

		// 4. Broadcast
		s.publish(ctx, params.SessionId, EventStrokeAppended, appended)
	}()

	return appended.Order, nil
}

// GetStrokesSince returns strokes with order > afterOrder, ascending. Pass -1
// for the full history.
func (s *Service) GetStrokesSince(ctx context.Context, sessionId string, afterOrder int64) ([]models.Stroke, error) {
	if afterOrder < -1 {
		return nil, invalidInput("afterOrder must be >= -1")
	}
	if _, err := s.GetSession(ctx, sessionId); err != nil {
		return nil, err
	}

	strokes, err := s.Store.GetStrokesSince(ctx, sessionId, afterOrder)
	if err != nil {
		return nil, fmt.Errorf("get strokes failed: %w", err)
	}
	return strokes, nil
}

// UpsertViewerState advances a viewer's cursor. Acks at or below the stored
// cursor are ignored.
func (s *Service) UpsertViewerState(ctx context.Context, sessionId string, viewerId string, ackedOrder int64) error {
	if err := ValidateId(viewerId, "viewer id"); err != nil {
		return err
	}
	if ackedOrder < -1 {
		return invalidInput("ackedOrder must be >= -1")
	}

	err := s.Store.UpsertViewerState(ctx, models.ViewerState{
		SessionId:            sessionId,
		ViewerId:             viewerId,
		LastAckedStrokeOrder: ackedOrder,
		Updated:              s.Now().UnixMilli(),
	})
	if errors.Is(err, store.ErrConditionFailed) {
		// stale ack
		return nil
	}
	return fromStore(err, "session "+sessionId)
}

func (s *Service) GetViewerState(ctx context.Context, sessionId string, viewerId string) (models.ViewerState, error) {
	state, err := s.Store.GetViewerState(ctx, sessionId, viewerId)
	if err != nil {
		return models.ViewerState{}, fromStore(err, "viewer "+viewerId)
	}
	return state, nil
}

func (s *Service) RemoveViewerState(ctx context.Context, sessionId string, viewerId string) error {
	return s.Store.DeleteViewerState(ctx, sessionId, viewerId)
}

func (s *Service) ClearSessionViewerStates(ctx context.Context, sessionId string) error {
	if err := s.Store.DeleteSessionViewerStates(ctx, sessionId); err != nil {
		return fmt.Errorf("clear viewer states failed: %w", err)
	}
	return nil
}
