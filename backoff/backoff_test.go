package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestJittered(t *testing.T) {
	for attempt := range 70 {
		d := Jittered(attempt, 10, 1000)
		assert.GreaterOrEqual(t, int64(d), int64(0))
		assert.LessOrEqual(t, int64(d), int64(1000))
	}

	// the first attempt stays within [base/2, base]
	d := Jittered(0, 10, 1000)
	assert.GreaterOrEqual(t, int64(d), int64(5))
	assert.LessOrEqual(t, int64(d), int64(10))
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
