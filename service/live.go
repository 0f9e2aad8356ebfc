package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/zlnvch/cosketch/models"
)

// LiveStrokeFreshness bounds how old a live stroke may be and still be shown.
// Both the read filter and the janitor sweep use it.
const LiveStrokeFreshness = 30 * time.Second

// LiveStrokeKey picks the record key for a painter: the user id when signed in,
// otherwise "anon:<clientId>". ok is false when neither is known.
func LiveStrokeKey(userId string, clientId string) (string, bool) {
	if userId != "" {
		return userId, true
	}
	if clientId != "" {
		return "anon:" + clientId, true
	}
	return "", false
}

type UpdateLiveStrokeParams struct {
	SessionId string
	ClientId  string
	UserColor string
	UserName  string
	Points    []models.Point
	Style     models.StrokeStyle
}

type LiveStrokeClearedData struct {
	Key string `json:"key"`
}

func (s *Service) liveCutoff() int64 {
	return s.Now().Add(-LiveStrokeFreshness).UnixMilli()
}

// UpdateLiveStroke replaces the caller's in-progress stroke in full.
func (s *Service) UpdateLiveStroke(ctx context.Context, params UpdateLiveStrokeParams) (models.LiveStroke, error) {
	if err := ValidateStrokeStyle(params.Style); err != nil {
		return models.LiveStroke{}, err
	}
	if err := ValidatePoints(params.Points); err != nil {
		return models.LiveStroke{}, err
	}
	if params.UserColor != "" && !hexColorRegex.MatchString(params.UserColor) {
		return models.LiveStroke{}, invalidInput("invalid user color")
	}
	if len(params.UserName) > maxUserName {
		return models.LiveStroke{}, invalidInput("user name too long")
	}
	if params.ClientId != "" {
		if err := ValidateId(params.ClientId, "client id"); err != nil {
			return models.LiveStroke{}, err
		}
	}

	identity, _ := IdentityFromContext(ctx)
	key, ok := LiveStrokeKey(identity.Subject, params.ClientId)
	if !ok {
		return models.LiveStroke{}, invalidInput("anonymous live strokes need a client id")
	}
	if _, err := s.GetSession(ctx, params.SessionId); err != nil {
		return models.LiveStroke{}, err
	}

	live := models.LiveStroke{
		SessionId:   params.SessionId,
		Key:         key,
		UserId:      identity.Subject,
		UserColor:   params.UserColor,
		UserName:    params.UserName,
		Points:      params.Points,
		Style:       params.Style,
		LastUpdated: s.Now().UnixMilli(),
	}

	data, err := json.Marshal(live)
	if err != nil {
		return models.LiveStroke{}, err
	}
	if err := s.Cache.PutLiveStroke(ctx, params.SessionId, key, live.LastUpdated, data); err != nil {
		return models.LiveStroke{}, fmt.Errorf("put live stroke failed: %w", err)
	}

	go s.publish(context.Background(), params.SessionId, EventLiveStroke, live)
	return live, nil
}

// GetLiveStrokes returns the fresh live strokes of a session, oldest first.
// Records past LiveStrokeFreshness are skipped whether or not the janitor has
// removed them yet.
func (s *Service) GetLiveStrokes(ctx context.Context, sessionId string) ([]models.LiveStroke, error) {
	cutoff := s.liveCutoff()

	raw, err := s.Cache.GetLiveStrokes(ctx, sessionId, cutoff)
	if err != nil {
		return nil, fmt.Errorf("get live strokes failed: %w", err)
	}

	strokes := make([]models.LiveStroke, 0, len(raw))
	for _, b := range raw {
		var live models.LiveStroke
		if err := json.Unmarshal(b, &live); err != nil {
			log.Printf("Skipping malformed live stroke in session %s: %v", sessionId, err)
			continue
		}
		// the record's own timestamp is authoritative over the index score
		if live.LastUpdated < cutoff {
			continue
		}
		strokes = append(strokes, live)
	}

	sort.Slice(strokes, func(i, j int) bool {
		if strokes[i].LastUpdated != strokes[j].LastUpdated {
			return strokes[i].LastUpdated < strokes[j].LastUpdated
		}
		return strokes[i].Key < strokes[j].Key
	})
	return strokes, nil
}

func (s *Service) ClearLiveStroke(ctx context.Context, sessionId string, key string) error {
	if err := s.Cache.RemoveLiveStroke(ctx, sessionId, key); err != nil {
		return fmt.Errorf("clear live stroke failed: %w", err)
	}

	go s.publish(context.Background(), sessionId, EventLiveStrokeCleared, LiveStrokeClearedData{Key: key})
	return nil
}

func (s *Service) ClearSessionLiveStrokes(ctx context.Context, sessionId string) error {
	if err := s.Cache.RemoveSessionLiveStrokes(ctx, sessionId); err != nil {
		return fmt.Errorf("clear session live strokes failed: %w", err)
	}
	return nil
}

// SweepStaleLiveStrokes physically removes every stale live stroke across all
// sessions and returns how many were removed.
func (s *Service) SweepStaleLiveStrokes(ctx context.Context) (int, error) {
	return s.Cache.SweepLiveStrokes(ctx, s.liveCutoff())
}
