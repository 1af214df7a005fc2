package actuators

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSwitch struct {
	high bool
	err  error
	ops  []string
}

func (f *fakeSwitch) On() error {
	if f.err != nil {
		return f.err
	}
	f.high = true
	f.ops = append(f.ops, "on")
	return nil
}

func (f *fakeSwitch) Off() error {
	if f.err != nil {
		return f.err
	}
	f.high = false
	f.ops = append(f.ops, "off")
	return nil
}

func newRelay(name string, inverted bool) (*Relay, *fakeSwitch, *time.Time) {
	sw := &fakeSwitch{}
	now := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	r := NewRelay(name, sw, inverted, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.now = func() time.Time { return now }
	return r, sw, &now
}

func TestRelay_Inversion(t *testing.T) {
	r, sw, _ := newRelay("pump", true)
	require.NoError(t, r.On())
	assert.True(t, r.IsOn())
	assert.False(t, sw.high, "inverted relay energizes on a low pin")

	require.NoError(t, r.Off())
	assert.True(t, sw.high)

	plain, psw, _ := newRelay("fan", false)
	require.NoError(t, plain.On())
	assert.True(t, psw.high)
}

func TestRelay_OnTime(t *testing.T) {
	r, _, now := newRelay("grow_light", false)
	require.NoError(t, r.On())
	*now = now.Add(90 * time.Minute)
	assert.Equal(t, 90*time.Minute, r.OnTime())

	// repeated On does not restart the run
	require.NoError(t, r.On())
	*now = now.Add(30 * time.Minute)
	require.NoError(t, r.Off())
	assert.Equal(t, 2*time.Hour, r.OnTime())

	*now = now.Add(time.Hour)
	assert.Equal(t, 2*time.Hour, r.OnTime())
}

func TestRelay_ResetDailyWhileOn(t *testing.T) {
	r, _, now := newRelay("heat_lamp", false)
	require.NoError(t, r.On())
	*now = now.Add(time.Hour)
	assert.Equal(t, time.Hour, r.ResetDaily())
	assert.True(t, r.IsOn())

	*now = now.Add(10 * time.Minute)
	assert.Equal(t, 10*time.Minute, r.OnTime())
}

func TestRelay_DriveError(t *testing.T) {
	r, sw, _ := newRelay("pump", false)
	sw.err = errors.New("gpio busy")
	err := r.On()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "relay pump")
	assert.False(t, r.IsOn())
}

func TestBank(t *testing.T) {
	pump, _, _ := newRelay("pump", true)
	light, _, _ := newRelay("grow_light", true)
	b, err := NewBank(pump, light)
	require.NoError(t, err)

	got, ok := b.Get("pump")
	require.True(t, ok)
	assert.Same(t, pump, got)
	_, ok = b.Get("fan")
	assert.False(t, ok)

	require.NoError(t, light.On())
	st := b.State()
	assert.Equal(t, map[string]any{"on": true, "on_seconds": 0}, st["grow_light"])
	assert.Equal(t, map[string]any{"on": false, "on_seconds": 0}, st["pump"])

	require.NoError(t, b.AllOff())
	assert.False(t, light.IsOn())

	dup, _, _ := newRelay("pump", false)
	_, err = NewBank(pump, dup)
	assert.Error(t, err)
}
