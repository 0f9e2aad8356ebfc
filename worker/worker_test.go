package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"

	"github.com/zlnvch/cosketch/mq"
	mqmocks "github.com/zlnvch/cosketch/mq/mocks"
	"github.com/zlnvch/cosketch/service"
)

type mockNormalizer struct {
	mock.Mock
}

func (m *mockNormalizer) NormalizeSession(ctx context.Context, sessionId string) (int, error) {
	args := m.Called(ctx, sessionId)
	return args.Int(0), args.Error(1)
}

func (m *mockNormalizer) NormalizeAllSessions(ctx context.Context) (service.NormalizeReport, error) {
	args := m.Called(ctx)
	return args.Get(0).(service.NormalizeReport), args.Error(1)
}

func TestLayerRepairConsumer_Handle(t *testing.T) {
	tests := []struct {
		name       string
		msg        *mq.Message
		setup      func(n *mockNormalizer)
		wantDelete bool
	}{
		{
			name: "SessionRepaired",
			msg:  &mq.Message{Id: "m1", Body: `{"sessionId":"s1"}`, ReceiveCount: 1},
			setup: func(n *mockNormalizer) {
				n.On("NormalizeSession", mock.Anything, "s1").Return(2, nil)
			},
			wantDelete: true,
		},
		{
			name: "AllSessions",
			msg:  &mq.Message{Id: "m1", Body: `{"all":true}`, ReceiveCount: 1},
			setup: func(n *mockNormalizer) {
				n.On("NormalizeAllSessions", mock.Anything).Return(service.NormalizeReport{Sessions: 3}, nil)
			},
			wantDelete: true,
		},
		{
			name: "AllSessionsPartialFailure",
			msg:  &mq.Message{Id: "m1", Body: `{"all":true}`, ReceiveCount: 1},
			setup: func(n *mockNormalizer) {
				n.On("NormalizeAllSessions", mock.Anything).Return(service.NormalizeReport{
					Sessions: 3,
					Failed:   map[string]string{"s2": "layers busy"},
				}, nil)
			},
			wantDelete: false,
		},
		{
			name: "SessionGone",
			msg:  &mq.Message{Id: "m1", Body: `{"sessionId":"s1"}`, ReceiveCount: 1},
			setup: func(n *mockNormalizer) {
				n.On("NormalizeSession", mock.Anything, "s1").Return(0, service.ErrNotFound)
			},
			wantDelete: true,
		},
		{
			name: "BusyIsRetried",
			msg:  &mq.Message{Id: "m1", Body: `{"sessionId":"s1"}`, ReceiveCount: 2},
			setup: func(n *mockNormalizer) {
				n.On("NormalizeSession", mock.Anything, "s1").Return(0, service.ErrLayerBusy)
			},
			wantDelete: false,
		},
		{
			name: "PoisonDropped",
			msg:  &mq.Message{Id: "m1", Body: `{"sessionId":"s1"}`, ReceiveCount: maxReceiveCount},
			setup: func(n *mockNormalizer) {
				n.On("NormalizeSession", mock.Anything, "s1").Return(0, errors.New("throttled"))
			},
			wantDelete: true,
		},
		{
			name:       "Malformed",
			msg:        &mq.Message{Id: "m1", Body: `not json`, ReceiveCount: 1},
			setup:      func(n *mockNormalizer) {},
			wantDelete: true,
		},
		{
			name:       "NoTarget",
			msg:        &mq.Message{Id: "m1", Body: `{}`, ReceiveCount: 1},
			setup:      func(n *mockNormalizer) {},
			wantDelete: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := new(mqmocks.MockQueue)
			normalizer := new(mockNormalizer)
			tt.setup(normalizer)
			queue.On("Delete", mock.Anything, tt.msg).Return(nil)

			NewLayerRepairConsumer(queue, normalizer).handle(tt.msg)

			if tt.wantDelete {
				queue.AssertCalled(t, "Delete", mock.Anything, tt.msg)
			} else {
				queue.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)
			}
			normalizer.AssertExpectations(t)
		})
	}
}

func TestLayerRepairConsumer_RunStopsOnShutdown(t *testing.T) {
	queue := new(mqmocks.MockQueue)
	normalizer := new(mockNormalizer)
	ctx, cancel := context.WithCancel(context.Background())

	msg := &mq.Message{Id: "m1", Body: `{"sessionId":"s1"}`, ReceiveCount: 1}
	queue.On("Receive", mock.Anything, int32(visibilityTimeout)).Return(msg, nil).Once()
	queue.On("Receive", mock.Anything, int32(visibilityTimeout)).Return(nil, context.Canceled).Run(func(mock.Arguments) { cancel() })
	queue.On("Delete", mock.Anything, msg).Return(nil)
	normalizer.On("NormalizeSession", mock.Anything, "s1").Return(1, nil)

	done := make(chan struct{})
	go func() {
		NewLayerRepairConsumer(queue, normalizer).Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("consumer did not stop")
	}
	queue.AssertCalled(t, "Delete", mock.Anything, msg)
}

type countingSweeper struct {
	calls atomic.Int32
	err   error
}

func (s *countingSweeper) SweepStaleLiveStrokes(ctx context.Context) (int, error) {
	s.calls.Add(1)
	return 1, s.err
}

func TestLiveStrokeJanitor_SweepsUntilShutdown(t *testing.T) {
	sweeper := &countingSweeper{}
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		NewLiveStrokeJanitor(sweeper, 5*time.Millisecond).Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return sweeper.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

func TestLiveStrokeJanitor_KeepsGoingAfterErrors(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("redis down")}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go NewLiveStrokeJanitor(sweeper, 5*time.Millisecond).Run(ctx)

	assert.Eventually(t, func() bool { return sweeper.calls.Load() >= 2 }, time.Second, time.Millisecond)
}
