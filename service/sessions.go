package service

import (
	"context"
	"fmt"

	"github.com/zlnvch/cosketch/models"
)

type CreateSessionParams struct {
	Width    int
	Height   int
	IsPublic bool
}

// CreateSession records the caller as creator when an identity is present.
// Anonymous sessions have no creator and no owner-restricted actions.
func (s *Service) CreateSession(ctx context.Context, params CreateSessionParams) (models.Session, error) {
	if err := ValidateCanvasSize(params.Width, params.Height); err != nil {
		return models.Session{}, err
	}

	session := models.Session{
		CanvasWidth:       params.Width,
		CanvasHeight:      params.Height,
		IsPublic:          params.IsPublic,
		PaintLayerOrder:   0,
		PaintLayerVisible: true,
	}
	if identity, ok := IdentityFromContext(ctx); ok {
		session.Creator = identity.Subject
	}

	created, err := s.Store.CreateSession(ctx, session)
	if err != nil {
		return models.Session{}, fmt.Errorf("create session failed: %w", err)
	}
	return created, nil
}

func (s *Service) GetSession(ctx context.Context, sessionId string) (models.Session, error) {
	session, err := s.Store.GetSession(ctx, sessionId)
	if err != nil {
		return models.Session{}, fromStore(err, "session "+sessionId)
	}
	return session, nil
}

func (s *Service) SetPaintLayerVisible(ctx context.Context, sessionId string, visible bool) error {
	if err := s.Store.SetPaintLayerVisible(ctx, sessionId, visible); err != nil {
		return fromStore(err, "session "+sessionId)
	}

	go s.publish(context.Background(), sessionId, EventLayersChanged, nil)
	return nil
}

// ResetSession clears every viewer cursor and live stroke of the session.
// The stroke log itself is append-only and is kept.
func (s *Service) ResetSession(ctx context.Context, sessionId string) error {
	if _, err := s.GetSession(ctx, sessionId); err != nil {
		return err
	}
	if err := s.ClearSessionViewerStates(ctx, sessionId); err != nil {
		return err
	}
	if err := s.ClearSessionLiveStrokes(ctx, sessionId); err != nil {
		return err
	}

	go s.publish(context.Background(), sessionId, EventSessionReset, nil)
	return nil
}
