package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"

	"github.com/zlnvch/cosketch/models"
	"github.com/zlnvch/cosketch/service"
)

const subprotocol = "cosketch-v1"

type Handler struct {
	Service *service.Service
	Hub     *Hub
}

func NewHandler(svc *service.Service, hub *Hub) *Handler {
	return &Handler{
		Service: svc,
		Hub:     hub,
	}
}

func (h *Handler) NewWsUpgrader(requiredOrigin string) websocket.Upgrader {
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if requiredOrigin == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			return origin == requiredOrigin
		},
		Subprotocols: []string{subprotocol},
	}
}

// ServeWS handles websocket requests from the peer. The bearer token, if any,
// travels as the second Sec-WebSocket-Protocol entry; without one the
// connection is anonymous.
func (h *Handler) ServeWS(wsUpgrader websocket.Upgrader, w http.ResponseWriter, r *http.Request, shutdownCtx context.Context) {
	protocols := r.Header.Get("Sec-WebSocket-Protocol")
	protocolsSplit := strings.Split(protocols, ",")

	var identity models.Identity
	var authErr error
	if len(protocolsSplit) == 2 {
		identity, authErr = h.Service.AuthenticateToken(strings.TrimSpace(protocolsSplit[1]))
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Failed to upgrade ws connection: %v", err)
		return
	}

	// Must upgrade the connection in order to be able to send custom close message
	if authErr != nil {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Unauthenticated"),
		)
		conn.Close()
		return
	}

	connId, err := uuid.NewV4()
	if err != nil {
		log.Printf("Failed to generate client id: %v", err)
		conn.Close()
		return
	}

	client := NewClient(h.Hub, conn, identity, connId.String(), h.HandleWsMessage)
	h.Hub.OpenCh <- client

	// Start pumps
	go client.ReadPump()
	go client.WritePump(shutdownCtx)

	if msgBytes, err := json.Marshal(responseMessage{
		Type: "welcome",
		Data: map[string]any{"clientId": client.clientId, "userId": identity.Subject},
	}); err == nil {
		client.send(msgBytes)
	}
}

// Websocket message structs
type message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type sessionMessage struct {
	SessionId string `json:"sessionId"`
}

type liveStrokeMessage struct {
	SessionId string             `json:"sessionId"`
	UserColor string             `json:"userColor"`
	UserName  string             `json:"userName"`
	Points    []models.Point     `json:"points"`
	Style     models.StrokeStyle `json:"style"`
}

type appendStrokeMessage struct {
	SessionId string             `json:"sessionId"`
	LayerId   string             `json:"layerId"`
	Points    []models.Point     `json:"points"`
	Style     models.StrokeStyle `json:"style"`
	// RequestId is echoed back so the client can match the assigned order
	RequestId string `json:"requestId"`
}

type ackMessage struct {
	SessionId string `json:"sessionId"`
	ViewerId  string `json:"viewerId"`
	Order     int64  `json:"order"`
}

type responseMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

func (h *Handler) HandleWsMessage(client *Client, messageType int, messageBytes []byte) {
	var msg message
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		log.Printf("Invalid JSON: %v", err)
		return
	}

	var resp responseMessage

	switch msg.Type {
	case "subscribe":
		var sessionMsg sessionMessage
		if err := json.Unmarshal(msg.Data, &sessionMsg); err != nil {
			log.Printf("Invalid subscribe data: %v", err)
			return
		}
		resp = h.handleSubscribe(client, sessionMsg)

	case "unsubscribe":
		var sessionMsg sessionMessage
		if err := json.Unmarshal(msg.Data, &sessionMsg); err != nil {
			log.Printf("Invalid unsubscribe data: %v", err)
			return
		}
		resp = h.handleUnsubscribe(client, sessionMsg)

	case "live_stroke":
		var liveMsg liveStrokeMessage
		if err := json.Unmarshal(msg.Data, &liveMsg); err != nil {
			log.Printf("Invalid live_stroke data: %v", err)
			return
		}
		resp = h.handleLiveStroke(client, liveMsg)

	case "clear_live_stroke":
		var sessionMsg sessionMessage
		if err := json.Unmarshal(msg.Data, &sessionMsg); err != nil {
			log.Printf("Invalid clear_live_stroke data: %v", err)
			return
		}
		resp = h.handleClearLiveStroke(client, sessionMsg)

	case "append_stroke":
		var appendMsg appendStrokeMessage
		if err := json.Unmarshal(msg.Data, &appendMsg); err != nil {
			log.Printf("Invalid append_stroke data: %v", err)
			return
		}
		resp = h.handleAppendStroke(client, appendMsg)

	case "ack":
		var ack ackMessage
		if err := json.Unmarshal(msg.Data, &ack); err != nil {
			log.Printf("Invalid ack data: %v", err)
			return
		}
		resp = h.handleAck(client, ack)

	default:
		log.Printf("Unknown message type: %v", msg.Type)
	}

	if resp.Type != "" {
		respBytes, err := json.Marshal(resp)
		if err != nil {
			log.Printf("Error marshaling response JSON: %v", err)
			return
		}
		client.send(respBytes)
	}
}

func failure(data map[string]any, err error) map[string]any {
	data["success"] = false
	data["error"] = service.ErrorKind(err)
	return data
}

func (h *Handler) handleSubscribe(client *Client, sessionMsg sessionMessage) responseMessage {
	resp := responseMessage{
		Type: "subscribe_response",
	}
	data := map[string]any{"sessionId": sessionMsg.SessionId}

	session, err := h.Service.GetSession(client.ctx, sessionMsg.SessionId)
	if err != nil {
		log.Printf("Subscribe to session %s failed: %v", sessionMsg.SessionId, err)
		resp.Data = failure(data, err)
		return resp
	}

	h.Hub.SubscribeCh <- subscription{client: client, sessionId: session.Id}

	live, err := h.Service.GetLiveStrokes(client.ctx, session.Id)
	if err != nil {
		log.Printf("GetLiveStrokes failed: %v", err)
		live = []models.LiveStroke{}
	}

	data["success"] = true
	data["strokeCounter"] = session.StrokeCounter
	data["liveStrokes"] = live
	resp.Data = data
	return resp
}

func (h *Handler) handleUnsubscribe(client *Client, sessionMsg sessionMessage) responseMessage {
	h.Hub.UnsubscribeCh <- subscription{client: client, sessionId: sessionMsg.SessionId}
	return responseMessage{
		Type: "unsubscribe_response",
		Data: map[string]any{"success": true, "sessionId": sessionMsg.SessionId},
	}
}

// handleLiveStroke only answers on failure; successful updates reach the
// sender through the session broadcast like everyone else.
func (h *Handler) handleLiveStroke(client *Client, liveMsg liveStrokeMessage) responseMessage {
	_, err := h.Service.UpdateLiveStroke(client.ctx, service.UpdateLiveStrokeParams{
		SessionId: liveMsg.SessionId,
		ClientId:  client.clientId,
		UserColor: liveMsg.UserColor,
		UserName:  liveMsg.UserName,
		Points:    liveMsg.Points,
		Style:     liveMsg.Style,
	})
	if err == nil {
		return responseMessage{}
	}

	log.Printf("UpdateLiveStroke failed: %v", err)
	return responseMessage{
		Type: "live_stroke_response",
		Data: failure(map[string]any{"sessionId": liveMsg.SessionId}, err),
	}
}

func (h *Handler) handleClearLiveStroke(client *Client, sessionMsg sessionMessage) responseMessage {
	resp := responseMessage{
		Type: "clear_live_stroke_response",
	}
	data := map[string]any{"sessionId": sessionMsg.SessionId}

	key, ok := service.LiveStrokeKey(client.identity.Subject, client.clientId)
	if !ok {
		resp.Data = failure(data, service.ErrInvalidInput)
		return resp
	}

	if err := h.Service.ClearLiveStroke(client.ctx, sessionMsg.SessionId, key); err != nil {
		log.Printf("ClearLiveStroke failed: %v", err)
		resp.Data = failure(data, err)
		return resp
	}

	data["success"] = true
	resp.Data = data
	return resp
}

func (h *Handler) handleAppendStroke(client *Client, appendMsg appendStrokeMessage) responseMessage {
	resp := responseMessage{
		Type: "append_stroke_response",
	}
	data := map[string]any{
		"sessionId": appendMsg.SessionId,
		"requestId": appendMsg.RequestId,
	}

	order, err := h.Service.AppendStroke(client.ctx, service.AppendStrokeParams{
		SessionId: appendMsg.SessionId,
		ClientId:  client.clientId,
		LayerId:   appendMsg.LayerId,
		Points:    appendMsg.Points,
		Style:     appendMsg.Style,
	})
	if err != nil {
		log.Printf("AppendStroke failed: %v", err)
		resp.Data = failure(data, err)
		return resp
	}

	data["success"] = true
	data["order"] = order
	resp.Data = data
	return resp
}

func (h *Handler) handleAck(client *Client, ack ackMessage) responseMessage {
	viewerId := ack.ViewerId
	if viewerId == "" {
		viewerId = client.clientId
	}

	err := h.Service.UpsertViewerState(client.ctx, ack.SessionId, viewerId, ack.Order)
	if err == nil {
		return responseMessage{}
	}

	log.Printf("UpsertViewerState failed: %v", err)
	return responseMessage{
		Type: "ack_response",
		Data: failure(map[string]any{"sessionId": ack.SessionId, "viewerId": viewerId}, err),
	}
}
