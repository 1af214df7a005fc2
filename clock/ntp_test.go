package clock

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTime struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeTime) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeTime) Advance(d time.Duration) {
	f.mu.Lock()
	f.t = f.t.Add(d)
	f.mu.Unlock()
}

func newTestClock(t *testing.T, query QueryFunc) (*NTP, *fakeTime) {
	t.Helper()
	ft := &fakeTime{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c := New(Config{Server: "ntp.test", Period: time.Minute, Timeout: time.Second},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	c.query = query
	c.now = ft.Now
	return c, ft
}

func TestSync_AppliesOffset(t *testing.T) {
	c, ft := newTestClock(t, func(context.Context, string, time.Duration) (time.Duration, error) {
		return 90 * time.Second, nil
	})
	assert.False(t, c.Synchronized())

	require.NoError(t, c.Sync(context.Background()))
	assert.True(t, c.Synchronized())
	assert.Equal(t, ft.Now().Add(90*time.Second).Unix(), c.Unix())
	assert.Equal(t, time.UTC, c.Now().Location())
}

func TestSync_FailureLeavesUnsynchronized(t *testing.T) {
	c, _ := newTestClock(t, func(context.Context, string, time.Duration) (time.Duration, error) {
		return 0, errors.New("timeout")
	})
	err := c.Sync(context.Background())
	require.Error(t, err)
	assert.False(t, c.Synchronized())
}

func TestMaintain_ThrottlesQueries(t *testing.T) {
	var calls atomic.Int32
	done := make(chan struct{}, 10)
	c, ft := newTestClock(t, func(context.Context, string, time.Duration) (time.Duration, error) {
		calls.Add(1)
		done <- struct{}{}
		return 0, nil
	})

	c.Maintain()
	<-done
	require.Eventually(t, c.Synchronized, time.Second, 5*time.Millisecond)

	c.Maintain()
	ft.Advance(30 * time.Second)
	c.Maintain()
	assert.Equal(t, int32(1), calls.Load())

	ft.Advance(31 * time.Second)
	c.Maintain()
	<-done
	assert.Equal(t, int32(2), calls.Load())
}

func TestMaintain_GoesStale(t *testing.T) {
	var fail atomic.Bool
	c, ft := newTestClock(t, func(context.Context, string, time.Duration) (time.Duration, error) {
		if fail.Load() {
			return 0, errors.New("unreachable")
		}
		return 0, nil
	})
	require.NoError(t, c.Sync(context.Background()))

	fail.Store(true)
	ft.Advance(3*time.Minute + time.Second)
	c.Maintain()
	assert.False(t, c.Synchronized())
}
