package cache

import (
	"context"
	"errors"
	"time"
)

type CanvasCache interface {
	Publish(ctx context.Context, channel string, message []byte) error
	Subscribe(ctx context.Context, channel string, handler func(message []byte)) error

	// Live strokes are kept per session keyed by the painter. lastUpdated and
	// cutoff are unix milliseconds; records with lastUpdated < cutoff are stale.
	PutLiveStroke(ctx context.Context, sessionId string, key string, lastUpdated int64, data []byte) error
	GetLiveStrokes(ctx context.Context, sessionId string, cutoff int64) ([][]byte, error)
	RemoveLiveStroke(ctx context.Context, sessionId string, key string) error
	RemoveSessionLiveStrokes(ctx context.Context, sessionId string) error
	SweepLiveStrokes(ctx context.Context, cutoff int64) (int, error)

	AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, name string, token string) error
}

var ErrLockHeld = errors.New("lock held by another owner")
