package ws

import (
	"context"
	"log"

	"github.com/zlnvch/cosketch/cache"
	"github.com/zlnvch/cosketch/service"
)

type subscription struct {
	client    *Client
	sessionId string
}

type broadcast struct {
	sessionId string
	message   []byte
}

// Hub maintains the set of active clients and forwards session events from
// the cache pubsub to the clients subscribed to that session. All maps are
// owned by the Run goroutine.
type Hub struct {
	canvasCache               cache.CanvasCache
	OpenCh                    chan *Client
	CloseCh                   chan *Client
	SubscribeCh               chan subscription
	UnsubscribeCh             chan subscription
	BroadcastCh               chan broadcast
	userToClients             map[string]map[*Client]struct{}
	sessionToClients          map[string]map[*Client]struct{}
	sessionToSubscriberCancel map[string]context.CancelFunc
}

func NewHub(canvasCache cache.CanvasCache) *Hub {
	return &Hub{
		canvasCache:               canvasCache,
		OpenCh:                    make(chan *Client, 256),
		CloseCh:                   make(chan *Client, 256),
		SubscribeCh:               make(chan subscription, 1024),
		UnsubscribeCh:             make(chan subscription, 1024),
		BroadcastCh:               make(chan broadcast, 4096),
		userToClients:             make(map[string]map[*Client]struct{}),
		sessionToClients:          make(map[string]map[*Client]struct{}),
		sessionToSubscriberCancel: make(map[string]context.CancelFunc),
	}
}

const (
	maxConnectionsPerUser         = 5
	maxSubscriptionsPerConnection = 20
)

func (h *Hub) Run(shutdownCtx context.Context) {
	for {
		select {
		case client := <-h.OpenCh:
			userId := client.identity.Subject
			if userId == "" {
				// anonymous connections are only bounded by the listener
				continue
			}
			if _, ok := h.userToClients[userId]; !ok {
				h.userToClients[userId] = make(map[*Client]struct{})
			}

			if len(h.userToClients[userId]) >= maxConnectionsPerUser {
				log.Printf("User %s reached max connections (%d)", userId, maxConnectionsPerUser)
				client.reject()
				continue
			}

			h.userToClients[userId][client] = struct{}{}

		case client := <-h.CloseCh:
			for sessionId := range client.subscribedSessions {
				h.removeSubscriber(sessionId, client)
			}
			if userId := client.identity.Subject; userId != "" {
				delete(h.userToClients[userId], client)
				if len(h.userToClients[userId]) == 0 {
					delete(h.userToClients, userId)
				}
			}

		case sub := <-h.SubscribeCh:
			if sub.client.ctx.Err() != nil {
				continue
			}
			if _, ok := sub.client.subscribedSessions[sub.sessionId]; ok {
				continue
			}
			if len(sub.client.subscribedSessions) >= maxSubscriptionsPerConnection {
				log.Printf("Connection %s reached max subscriptions (%d)", sub.client.clientId, maxSubscriptionsPerConnection)
				continue
			}
			if h.sessionToClients[sub.sessionId] == nil {
				ctx, cancel := context.WithCancel(shutdownCtx)
				sessionId := sub.sessionId
				channel := service.SessionChannel(sessionId)

				err := h.canvasCache.Subscribe(ctx, channel, func(messageBytes []byte) {
					select {
					case h.BroadcastCh <- broadcast{sessionId: sessionId, message: messageBytes}:
					case <-ctx.Done():
					}
				})
				if err != nil {
					cancel()
					log.Printf("Failed to create redis sub for channel %s: %v", channel, err)
					continue
				}

				h.sessionToClients[sub.sessionId] = make(map[*Client]struct{})
				h.sessionToSubscriberCancel[sub.sessionId] = cancel
			}
			h.sessionToClients[sub.sessionId][sub.client] = struct{}{}
			sub.client.subscribedSessions[sub.sessionId] = struct{}{}

		case unsub := <-h.UnsubscribeCh:
			h.removeSubscriber(unsub.sessionId, unsub.client)

		case b := <-h.BroadcastCh:
			for client := range h.sessionToClients[b.sessionId] {
				select {
				case client.Send <- b.message:
				default:
					// slow consumer, it will resync from GetStrokesSince
					log.Printf("Dropping event for slow connection %s", client.clientId)
				}
			}

		case <-shutdownCtx.Done():
			for _, cancel := range h.sessionToSubscriberCancel {
				cancel()
			}
			return
		}
	}
}

func (h *Hub) removeSubscriber(sessionId string, client *Client) {
	delete(h.sessionToClients[sessionId], client)
	delete(client.subscribedSessions, sessionId)
	if len(h.sessionToClients[sessionId]) == 0 {
		if cancel, ok := h.sessionToSubscriberCancel[sessionId]; ok {
			cancel()
			delete(h.sessionToSubscriberCancel, sessionId)
		}
		delete(h.sessionToClients, sessionId)
	}
}
