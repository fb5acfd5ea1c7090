package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeSleepAdvances(t *testing.T) {
	start := time.Unix(1000, 0)
	f := NewFake(start)
	require.NoError(t, f.Sleep(context.Background(), 2*time.Second))
	require.NoError(t, f.Sleep(context.Background(), time.Second))
	assert.Equal(t, start.Add(3*time.Second), f.Now())
	assert.Equal(t, []time.Duration{2 * time.Second, time.Second}, f.Sleeps())
}

func TestFakeSleepCancelled(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, f.Sleep(ctx, time.Second), context.Canceled)
	assert.Empty(t, f.Sleeps())
}

func TestRealSleepInterrupted(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	begin := time.Now()
	err := Real().Sleep(ctx, 5*time.Second)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(begin), 2*time.Second)
}
