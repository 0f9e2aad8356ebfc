package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rediscache "github.com/zlnvch/cosketch/cache/redis"
	"github.com/zlnvch/cosketch/models"
	"github.com/zlnvch/cosketch/service"
	"github.com/zlnvch/cosketch/store/memstore"
)

type wsFixture struct {
	svc *service.Service
	url string
}

func setupWS(t *testing.T) *wsFixture {
	s := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })

	svc, err := service.NewService(
		memstore.NewMemCanvasStore(),
		rediscache.NewRedisCanvasCacheWithClient(client),
		nil,
		nil,
		nil,
		service.DefaultGenerationConfig(),
		[]byte("secret"),
	)
	require.NoError(t, err)

	shutdownCtx, cancel := context.WithCancel(context.Background())
	hub := NewHub(svc.Cache)
	go hub.Run(shutdownCtx)

	handler := NewHandler(svc, hub)
	upgrader := handler.NewWsUpgrader("*")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handler.ServeWS(upgrader, w, r, shutdownCtx)
	}))
	t.Cleanup(func() {
		cancel()
		server.Close()
	})

	return &wsFixture{svc: svc, url: "ws" + strings.TrimPrefix(server.URL, "http")}
}

func (f *wsFixture) dial(t *testing.T, protocols ...string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: protocols, HandshakeTimeout: time.Second}
	conn, _, err := dialer.Dial(f.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeMessage(t *testing.T, conn *websocket.Conn, msgType string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(message{Type: msgType, Data: raw}))
}

// readUntil skips messages until one of type msgType arrives.
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg struct {
			Type string         `json:"type"`
			Data map[string]any `json:"data"`
		}
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Type == msgType {
			return msg.Data
		}
	}
}

func TestWelcome(t *testing.T) {
	f := setupWS(t)
	conn := f.dial(t, subprotocol)

	assert.Equal(t, subprotocol, conn.Subprotocol())
	data := readUntil(t, conn, "welcome")
	assert.NotEmpty(t, data["clientId"])
	assert.Equal(t, "", data["userId"])
}

func TestAuthenticatedWelcome(t *testing.T) {
	f := setupWS(t)
	token, err := f.svc.CreateJWT("alice", time.Hour)
	require.NoError(t, err)

	conn := f.dial(t, subprotocol, token)
	data := readUntil(t, conn, "welcome")
	assert.Equal(t, "alice", data["userId"])
}

func TestInvalidTokenClosesConnection(t *testing.T) {
	f := setupWS(t)
	conn := f.dial(t, subprotocol, "garbage")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation))
}

func TestSubscribeUnknownSession(t *testing.T) {
	f := setupWS(t)
	conn := f.dial(t, subprotocol)
	readUntil(t, conn, "welcome")

	writeMessage(t, conn, "subscribe", sessionMessage{SessionId: "missing"})
	data := readUntil(t, conn, "subscribe_response")
	assert.Equal(t, false, data["success"])
	assert.Equal(t, "not_found", data["error"])
}

func TestAppendStrokeIsBroadcast(t *testing.T) {
	f := setupWS(t)
	session, err := f.svc.CreateSession(context.Background(), service.CreateSessionParams{Width: 100, Height: 100})
	require.NoError(t, err)

	conn := f.dial(t, subprotocol)
	readUntil(t, conn, "welcome")

	writeMessage(t, conn, "subscribe", sessionMessage{SessionId: session.Id})
	data := readUntil(t, conn, "subscribe_response")
	require.Equal(t, true, data["success"])
	assert.Equal(t, float64(0), data["strokeCounter"])

	writeMessage(t, conn, "append_stroke", appendStrokeMessage{
		SessionId: session.Id,
		Points:    []models.Point{{X: 1, Y: 1}},
		Style:     models.StrokeStyle{Tool: models.ToolPen, Color: "#000000", Width: 2, Opacity: 1},
		RequestId: "r1",
	})
	data = readUntil(t, conn, "append_stroke_response")
	assert.Equal(t, true, data["success"])
	assert.Equal(t, "r1", data["requestId"])
	assert.Equal(t, float64(0), data["order"])

	events := make(chan service.Event, 64)
	go func() {
		defer close(events)
		conn.SetReadDeadline(time.Time{})
		for {
			var event service.Event
			if err := conn.ReadJSON(&event); err != nil {
				return
			}
			events <- event
		}
	}()

	// the hub subscribes to the session channel asynchronously, so keep
	// appending until an event makes it through
	appendStroke := func() {
		writeMessage(t, conn, "append_stroke", appendStrokeMessage{
			SessionId: session.Id,
			Points:    []models.Point{{X: 2, Y: 2}},
			Style:     models.StrokeStyle{Tool: models.ToolPen, Color: "#000000", Width: 2, Opacity: 1},
		})
	}
	appendStroke()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event, ok := <-events:
			require.True(t, ok, "connection closed")
			if event.Type == service.EventStrokeAppended {
				assert.Equal(t, session.Id, event.SessionId)
				return
			}
		case <-ticker.C:
			appendStroke()
		case <-deadline:
			t.Fatal("no stroke_appended event received")
		}
	}
}

func TestAckFailureIsReported(t *testing.T) {
	f := setupWS(t)
	conn := f.dial(t, subprotocol)
	readUntil(t, conn, "welcome")

	writeMessage(t, conn, "ack", ackMessage{SessionId: "missing", Order: 3})
	data := readUntil(t, conn, "ack_response")
	assert.Equal(t, false, data["success"])
	assert.Equal(t, "not_found", data["error"])
}
