package service_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/zlnvch/cosketch/models"
	"github.com/zlnvch/cosketch/service"
)

func TestLiveStrokeKey(t *testing.T) {
	key, ok := service.LiveStrokeKey("alice", "c1")
	assert.True(t, ok)
	assert.Equal(t, "alice", key)

	key, ok = service.LiveStrokeKey("", "c1")
	assert.True(t, ok)
	assert.Equal(t, "anon:c1", key)

	_, ok = service.LiveStrokeKey("", "")
	assert.False(t, ok)
}

func TestUpdateLiveStroke_FreshnessBoundary(t *testing.T) {
	tests := []struct {
		name    string
		elapsed time.Duration
		visible bool
	}{
		{"JustWritten", 0, true},
		{"29Seconds", 29 * time.Second, true},
		{"AtCutoff", 30 * time.Second, true},
		{"31Seconds", 31 * time.Second, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupFixture(t)
			ctx := context.Background()
			session := newSession(t, f)

			_, err := f.svc.UpdateLiveStroke(ctx, service.UpdateLiveStrokeParams{
				SessionId: session.Id,
				ClientId:  "c1",
				UserColor: "#ff0000",
				UserName:  "guest",
				Points:    []models.Point{{X: 1, Y: 2}},
				Style:     validStyle,
			})
			require.NoError(t, err)

			f.clock.Advance(tt.elapsed)

			live, err := f.svc.GetLiveStrokes(ctx, session.Id)
			require.NoError(t, err)
			if tt.visible {
				require.Len(t, live, 1)
				assert.Equal(t, "anon:c1", live[0].Key)
				assert.Equal(t, "guest", live[0].UserName)
			} else {
				assert.Empty(t, live)
			}
		})
	}
}

func TestUpdateLiveStroke_ReplacesInFull(t *testing.T) {
	f := setupFixture(t)
	ctx := service.WithIdentity(context.Background(), models.Identity{Subject: "alice"})
	session := newSession(t, f)

	_, err := f.svc.UpdateLiveStroke(ctx, service.UpdateLiveStrokeParams{
		SessionId: session.Id,
		Points:    []models.Point{{X: 1, Y: 1}, {X: 2, Y: 2}},
		Style:     validStyle,
	})
	require.NoError(t, err)

	f.clock.Advance(time.Second)
	_, err = f.svc.UpdateLiveStroke(ctx, service.UpdateLiveStrokeParams{
		SessionId: session.Id,
		Points:    []models.Point{{X: 5, Y: 5}},
		Style:     validStyle,
	})
	require.NoError(t, err)

	live, err := f.svc.GetLiveStrokes(ctx, session.Id)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "alice", live[0].Key)
	assert.Equal(t, "alice", live[0].UserId)
	assert.Equal(t, []models.Point{{X: 5, Y: 5}}, live[0].Points)
	assert.Equal(t, f.clock.Now().UnixMilli(), live[0].LastUpdated)
}

func TestUpdateLiveStroke_AnonymousNeedsClientId(t *testing.T) {
	svc, _, mockCache, _ := setupService(t)

	_, err := svc.UpdateLiveStroke(context.Background(), service.UpdateLiveStrokeParams{SessionId: "s1", Style: validStyle})
	assert.ErrorIs(t, err, service.ErrInvalidInput)

	mockCache.AssertNotCalled(t, "PutLiveStroke", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestUpdateLiveStroke_InvalidInput(t *testing.T) {
	svc, _, _, _ := setupService(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		params service.UpdateLiveStrokeParams
	}{
		{"BadStyle", service.UpdateLiveStrokeParams{ClientId: "c1", Style: models.StrokeStyle{Color: "nope", Width: 1}}},
		{"BadUserColor", service.UpdateLiveStrokeParams{ClientId: "c1", Style: validStyle, UserColor: "red"}},
		{"LongUserName", service.UpdateLiveStrokeParams{ClientId: "c1", Style: validStyle, UserName: string(make([]byte, 65))}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.UpdateLiveStroke(ctx, tt.params)
			assert.ErrorIs(t, err, service.ErrInvalidInput)
		})
	}
}

func TestUpdateLiveStroke_UnknownSession(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()

	_, err := f.svc.UpdateLiveStroke(ctx, service.UpdateLiveStrokeParams{SessionId: "nope", ClientId: "c1", Style: validStyle})
	assert.ErrorIs(t, err, service.ErrNotFound)

	assert.False(t, f.redis.Exists("session:{nope}:live:index"))
	assert.False(t, f.redis.Exists("live:sessions"))
}

func TestUpdateLiveStroke_Publishes(t *testing.T) {
	svc, mockStore, mockCache, _ := setupService(t)
	ctx := context.Background()

	mockStore.On("GetSession", ctx, "s1").Return(models.Session{Id: "s1"}, nil)
	mockCache.On("PutLiveStroke", ctx, "s1", "anon:c1", mock.Anything, mock.Anything).Return(nil)
	publishDone := wrapMockWithSignal(mockCache.On("Publish", mock.Anything, "session:s1", mock.MatchedBy(func(msg []byte) bool {
		var event service.Event
		return json.Unmarshal(msg, &event) == nil && event.Type == service.EventLiveStroke
	})).Return(nil))

	_, err := svc.UpdateLiveStroke(ctx, service.UpdateLiveStrokeParams{SessionId: "s1", ClientId: "c1", Style: validStyle})
	require.NoError(t, err)

	waitFor(t, publishDone, "Publish")
}

func TestGetLiveStrokes_FiltersStaleRecords(t *testing.T) {
	svc, _, mockCache, _ := setupService(t)
	ctx := context.Background()

	now := time.UnixMilli(1_700_000_000_000)
	svc.Now = func() time.Time { return now }
	cutoff := now.Add(-service.LiveStrokeFreshness).UnixMilli()

	fresh, _ := json.Marshal(models.LiveStroke{Key: "alice", LastUpdated: now.UnixMilli()})
	older, _ := json.Marshal(models.LiveStroke{Key: "bob", LastUpdated: cutoff + 1})
	// index said fresh but the record is older than the window
	stale, _ := json.Marshal(models.LiveStroke{Key: "carol", LastUpdated: cutoff - 1})

	mockCache.On("GetLiveStrokes", ctx, "s1", cutoff).Return([][]byte{fresh, []byte("{broken"), stale, older}, nil)

	live, err := svc.GetLiveStrokes(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, live, 2)
	assert.Equal(t, "bob", live[0].Key)
	assert.Equal(t, "alice", live[1].Key)
}

func TestClearLiveStroke(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	session := newSession(t, f)

	for _, clientId := range []string{"c1", "c2"} {
		_, err := f.svc.UpdateLiveStroke(ctx, service.UpdateLiveStrokeParams{SessionId: session.Id, ClientId: clientId, Style: validStyle})
		require.NoError(t, err)
	}

	require.NoError(t, f.svc.ClearLiveStroke(ctx, session.Id, "anon:c1"))

	live, err := f.svc.GetLiveStrokes(ctx, session.Id)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "anon:c2", live[0].Key)
}

func TestAppendStroke_ClearsLiveStroke(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	session := newSession(t, f)

	_, err := f.svc.UpdateLiveStroke(ctx, service.UpdateLiveStrokeParams{SessionId: session.Id, ClientId: "c1", Style: validStyle})
	require.NoError(t, err)

	_, err = f.svc.AppendStroke(ctx, service.AppendStrokeParams{SessionId: session.Id, ClientId: "c1", Style: validStyle})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		live, err := f.svc.GetLiveStrokes(ctx, session.Id)
		return err == nil && len(live) == 0
	}, time.Second, 10*time.Millisecond)
}

func TestSweepStaleLiveStrokes(t *testing.T) {
	f := setupFixture(t)
	ctx := context.Background()
	s1 := newSession(t, f)
	s2 := newSession(t, f)

	_, err := f.svc.UpdateLiveStroke(ctx, service.UpdateLiveStrokeParams{SessionId: s1.Id, ClientId: "old", Style: validStyle})
	require.NoError(t, err)
	_, err = f.svc.UpdateLiveStroke(ctx, service.UpdateLiveStrokeParams{SessionId: s2.Id, ClientId: "old", Style: validStyle})
	require.NoError(t, err)

	f.clock.Advance(20 * time.Second)
	_, err = f.svc.UpdateLiveStroke(ctx, service.UpdateLiveStrokeParams{SessionId: s1.Id, ClientId: "new", Style: validStyle})
	require.NoError(t, err)

	f.clock.Advance(15 * time.Second)

	removed, err := f.svc.SweepStaleLiveStrokes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	// a second sweep has nothing left to do
	removed, err = f.svc.SweepStaleLiveStrokes(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	live, err := f.svc.GetLiveStrokes(ctx, s1.Id)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "anon:new", live[0].Key)

	assert.False(t, f.redis.Exists("session:{"+s2.Id+"}:live:index"))
	members, err := f.redis.SMembers("live:sessions")
	require.NoError(t, err)
	assert.Equal(t, []string{s1.Id}, members)
}
