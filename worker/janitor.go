package worker

import (
	"context"
	"log"
	"time"
)

type LiveStrokeSweeper interface {
	SweepStaleLiveStrokes(ctx context.Context) (int, error)
}

// LiveStrokeJanitor periodically removes live strokes that have gone stale.
// Reads already hide them; this only reclaims cache memory.
type LiveStrokeJanitor struct {
	sweeper  LiveStrokeSweeper
	interval time.Duration
}

func NewLiveStrokeJanitor(sweeper LiveStrokeSweeper, interval time.Duration) *LiveStrokeJanitor {
	return &LiveStrokeJanitor{
		sweeper:  sweeper,
		interval: interval,
	}
}

func (j *LiveStrokeJanitor) Run(shutdownCtx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.sweep(shutdownCtx)
		case <-shutdownCtx.Done():
			return
		}
	}
}

func (j *LiveStrokeJanitor) sweep(shutdownCtx context.Context) {
	ctx, cancel := context.WithTimeout(shutdownCtx, j.interval)
	defer cancel()

	removed, err := j.sweeper.SweepStaleLiveStrokes(ctx)
	if err != nil {
		log.Printf("Failed to sweep stale live strokes: %v", err)
		return
	}
	if removed > 0 {
		log.Printf("Swept %d stale live strokes", removed)
	}
}
