package ws

import (
	"context"
	"log"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/zlnvch/cosketch/models"
	"github.com/zlnvch/cosketch/service"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer. A full live stroke resend
	// carries every point so far.
	maxMessageSize = 1024 * 256

	// Rate limiting: live strokes stream at pointer rate, so allow 60 messages
	// per second with a burst of 120
	messagesPerSecond = 60
	burstLimit        = 120
)

type MessageHandler func(client *Client, messageType int, messageBytes []byte)

func NewClient(hub *Hub, conn *websocket.Conn, identity models.Identity, clientId string, handler MessageHandler) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	if identity.Subject != "" {
		ctx = service.WithIdentity(ctx, identity)
	}
	return &Client{
		hub:                hub,
		conn:               conn,
		identity:           identity,
		clientId:           clientId,
		handler:            handler,
		subscribedSessions: make(map[string]struct{}),
		Send:               make(chan []byte, 256),
		ctx:                ctx,
		cancel:             cancel,
		limiter:            rate.NewLimiter(rate.Limit(messagesPerSecond), burstLimit),
	}
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	identity models.Identity
	// clientId names the connection; anonymous live strokes are keyed by it
	clientId           string
	handler            MessageHandler
	subscribedSessions map[string]struct{} // owned by the hub
	Send               chan []byte         // Buffered channel of outbound messages.
	// ctx carries the identity into service calls and ends with the connection
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter
}

func (c *Client) ReadPump() {
	defer func() {
		// cancel first so the hub drops any subscribe still queued behind the close
		c.cancel()
		c.hub.CloseCh <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error { c.conn.SetReadDeadline(time.Now().Add(pongWait)); return nil })

	for {
		messageType, messageBytes, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WS close error: %v", err)
			}
			break
		}

		if !c.limiter.Allow() {
			log.Printf("Closing connection %s: message rate limit exceeded", c.clientId)
			break
		}

		c.handler(c, messageType, messageBytes)
	}
}

func (c *Client) WritePump(shutdownCtx context.Context) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.cancel()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("WS send error: %v", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-shutdownCtx.Done():
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "Websocket service shutting down"),
			)
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// send queues msg without blocking the reader when the peer is slow.
func (c *Client) send(msg []byte) {
	select {
	case c.Send <- msg:
	case <-c.ctx.Done():
	default:
		log.Printf("Dropping response for slow connection %s", c.clientId)
	}
}

// reject ends the connection; ReadPump then unregisters it from the hub.
func (c *Client) reject() {
	c.cancel()
	if c.conn != nil {
		c.conn.Close()
	}
}
