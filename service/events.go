package service

import (
	"context"
	"encoding/json"
	"log"
)

const (
	EventStrokeAppended    = "stroke_appended"
	EventLiveStroke        = "live_stroke"
	EventLiveStrokeCleared = "live_stroke_cleared"
	EventLayersChanged     = "layers_changed"
	EventSessionReset      = "session_reset"
)

// Event is what the service publishes on a session channel. The ws hub
// forwards it to subscribed clients unchanged.
type Event struct {
	Type      string          `json:"type"`
	SessionId string          `json:"sessionId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

func SessionChannel(sessionId string) string {
	return "session:" + sessionId
}

func (s *Service) publish(ctx context.Context, sessionId string, eventType string, data any) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			log.Printf("Failed to marshal %s event: %v", eventType, err)
			return
		}
		raw = b
	}

	msg, err := json.Marshal(Event{Type: eventType, SessionId: sessionId, Data: raw})
	if err != nil {
		log.Printf("Failed to marshal %s event: %v", eventType, err)
		return
	}
	if err := s.Cache.Publish(ctx, SessionChannel(sessionId), msg); err != nil {
		log.Printf("Failed to publish %s to session %s: %v", eventType, sessionId, err)
	}
}
