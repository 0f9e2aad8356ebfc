package ws

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/zlnvch/cosketch/cache/mocks"
	"github.com/zlnvch/cosketch/models"
	"github.com/zlnvch/cosketch/service"
)

func TestHubIgnoresSubscribeFromClosedClient(t *testing.T) {
	mockCache := new(mocks.MockCache)
	subscribed := make(chan struct{})
	mockCache.On("Subscribe", mock.Anything, service.SessionChannel("live"), mock.Anything).
		Run(func(args mock.Arguments) { close(subscribed) }).
		Return(nil).Once()

	hub := NewHub(mockCache)
	closed := NewClient(hub, nil, models.Identity{}, "c1", nil)
	closed.cancel()
	open := NewClient(hub, nil, models.Identity{}, "c2", nil)

	shutdownCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		hub.Run(shutdownCtx)
	}()

	// both go through the same channel, so "live" is handled after "gone"
	hub.SubscribeCh <- subscription{client: closed, sessionId: "gone"}
	hub.SubscribeCh <- subscription{client: open, sessionId: "live"}

	select {
	case <-subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("hub did not subscribe the open client")
	}
	cancel()
	<-done

	assert.Empty(t, closed.subscribedSessions)
	assert.NotContains(t, hub.sessionToClients, "gone")
	assert.Contains(t, hub.sessionToClients["live"], open)
	mockCache.AssertNotCalled(t, "Subscribe", mock.Anything, service.SessionChannel("gone"), mock.Anything)
}
