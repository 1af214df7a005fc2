package main

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"furitingoasis/farmnode/actuators"
	"furitingoasis/farmnode/config"
	"furitingoasis/farmnode/scheduler"
	"furitingoasis/farmnode/sensors"
)

type fakeClock struct {
	synced bool
	now    time.Time
}

func (c *fakeClock) Synchronized() bool { return c.synced }
func (c *fakeClock) Now() time.Time     { return c.now }

type countingPublisher struct{ n int }

func (p *countingPublisher) Publish() bool {
	p.n++
	return true
}

type pin struct{}

func (pin) On() error  { return nil }
func (pin) Off() error { return nil }

type fixedReader struct {
	key string
	v   float64
}

func (r fixedReader) Key() string            { return r.key }
func (r fixedReader) Read() (float64, error) { return r.v, nil }

func newHistoryDB(t *testing.T) *History {
	t.Helper()
	db, err := config.OpenDB(filepath.Join(t.TempDir(), "farm.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	h, err := NewHistory(db)
	require.NoError(t, err)
	return h
}

func newJobs(t *testing.T, clk *fakeClock) (*jobs, *countingPublisher, *config.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := scheduler.New(clk, logger)
	require.NoError(t, sched.Initialize())
	store := config.NewStore(nil, nil, logger)
	pump := actuators.NewRelay("pump", pin{}, true, logger)
	bank, err := actuators.NewBank(pump)
	require.NoError(t, err)
	pub := &countingPublisher{}
	return &jobs{
		sched:      sched,
		clock:      clk,
		store:      store,
		session:    pub,
		bank:       bank,
		sampler:    sensors.NewSampler(store, time.Second, logger, fixedReader{"temperature", 21}),
		flow:       sensors.NewFlowMeter(5880),
		history:    newHistoryDB(t),
		interval:   20 * time.Second,
		dailyReset: "00:00:00",
		logger:     logger,
	}, pub, store
}

func TestJobs_WaitForSync(t *testing.T) {
	clk := &fakeClock{now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	j, _, _ := newJobs(t, clk)

	assert.False(t, j.schedule())
	assert.Zero(t, j.sched.Len())

	clk.synced = true
	assert.True(t, j.schedule())
	assert.True(t, j.schedule())
	assert.Equal(t, 2, j.sched.Len())

	ev, ok := j.sched.Lookup(j.resetID)
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC).Unix(), ev.ScheduledAt)
	assert.Equal(t, int64(86400), ev.Period)
}

func TestJobs_Publish(t *testing.T) {
	clk := &fakeClock{synced: true, now: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
	j, pub, store := newJobs(t, clk)
	require.True(t, j.schedule())

	clk.now = clk.now.Add(20 * time.Second)
	j.sched.Check()
	assert.Equal(t, 1, pub.n)
	assert.Equal(t, int(clk.now.Unix()), store.GetInt(config.Data, "timestamp", 0))
	assert.True(t, store.Has(config.Data, "actuators"))

	clk.now = clk.now.Add(20 * time.Second)
	j.sched.Check()
	assert.Equal(t, 2, pub.n)
}

func TestJobs_ResetDaily(t *testing.T) {
	clk := &fakeClock{synced: true, now: time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)}
	j, _, store := newJobs(t, clk)
	j.sampler.Poll()

	j.resetDaily()

	daily, ok := store.Get(config.Data, "daily")
	require.True(t, ok)
	assert.Equal(t, "2024-06-01", daily.(map[string]any)["date"])

	day, err := j.history.Day("2024-06-01")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"pump": float64(0)}, day["on_seconds"])
	assert.Equal(t, map[string]any{
		"temperature": map[string]any{"min": 21.0, "max": 21.0},
	}, day["extremes"])
	assert.Equal(t, 0.0, day["litres"])
}
