package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOperatingHoursContains(t *testing.T) {
	h, err := ParseOperatingHours("06:00", "20:00", "Asia/Kolkata")
	require.NoError(t, err)
	ist, err := time.LoadLocation("Asia/Kolkata")
	require.NoError(t, err)

	assert.True(t, h.Contains(time.Date(2024, 3, 1, 6, 0, 0, 0, ist)), "start is inclusive")
	assert.True(t, h.Contains(time.Date(2024, 3, 1, 19, 59, 59, 0, ist)))
	assert.False(t, h.Contains(time.Date(2024, 3, 1, 20, 0, 0, 0, ist)), "end is exclusive")
	assert.False(t, h.Contains(time.Date(2024, 3, 1, 5, 59, 0, 0, ist)))
	// 01:00 UTC is 06:30 IST.
	assert.True(t, h.Contains(time.Date(2024, 3, 1, 1, 0, 0, 0, time.UTC)))
	assert.Equal(t, "06:00-20:00", h.String())
}

func TestOperatingHoursWrapAndAlways(t *testing.T) {
	night, err := ParseOperatingHours("22:00", "04:00", "")
	require.NoError(t, err)
	assert.True(t, night.Contains(time.Date(2024, 3, 1, 23, 0, 0, 0, time.UTC)))
	assert.True(t, night.Contains(time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)))
	assert.False(t, night.Contains(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)))

	same, err := ParseOperatingHours("06:00", "06:00", "")
	require.NoError(t, err)
	assert.True(t, same.Contains(time.Date(2024, 3, 1, 2, 0, 0, 0, time.UTC)))

	var zero OperatingHours
	assert.True(t, zero.Contains(time.Now()))
	assert.Equal(t, "always", zero.String())
}

func TestParseOperatingHoursErrors(t *testing.T) {
	_, err := ParseOperatingHours("6am", "20:00", "")
	assert.Error(t, err)
	_, err = ParseOperatingHours("06:00", "20:00", "Mars/Olympus")
	assert.Error(t, err)
}

func TestNextTickAligned(t *testing.T) {
	s := New(Options{Interval: 15 * time.Minute, AlignToStart: true}, zerolog.Nop())
	now := time.Date(2024, 3, 1, 10, 7, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC), s.nextTick(now))
	assert.Equal(t, time.Date(2024, 3, 1, 10, 30, 0, 0, time.UTC), s.nextTick(time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC), s.bucketStart(now))
}

func TestRunTicksUntilCancelled(t *testing.T) {
	s := New(Options{Interval: 10 * time.Millisecond}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())

	var ticks int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(context.Context, time.Time) error {
			if atomic.AddInt32(&ticks, 1) == 3 {
				cancel()
			}
			return errors.New("tick errors are logged, not fatal")
		})
	}()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.GreaterOrEqual(t, atomic.LoadInt32(&ticks), int32(3))
}

func TestRunSkipsOutsideHours(t *testing.T) {
	now := time.Now().UTC()
	// A one-minute window twelve hours away never contains the next few ticks.
	startClock := now.Add(12 * time.Hour).Format("15:04")
	endClock := now.Add(12*time.Hour + time.Minute).Format("15:04")
	hours, err := ParseOperatingHours(startClock, endClock, "UTC")
	require.NoError(t, err)

	s := New(Options{Interval: 5 * time.Millisecond, Hours: hours}, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	var ticks int32
	err = s.Run(ctx, func(context.Context, time.Time) error {
		atomic.AddInt32(&ticks, 1)
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, atomic.LoadInt32(&ticks))
}
