// Package sensors samples the board's sensors into the Data document.
package sensors

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"gobot.io/x/gobot/v2/drivers/i2c"

	"furitingoasis/farmnode/config"
)

// ErrorValue is stored in place of a reading that failed.
const ErrorValue = -127.0

const readAttempts = 3

// Reader produces one named reading.
type Reader interface {
	Key() string
	Read() (float64, error)
}

// Climate is a combined temperature and humidity sensor.
// *i2c.SHT2xDriver satisfies it.
type Climate interface {
	Temperature() (float32, error)
	Humidity() (float32, error)
}

var _ Climate = (*i2c.SHT2xDriver)(nil)

type temperature struct{ dev Climate }

// NewTemperature reads degrees Celsius from dev.
func NewTemperature(dev Climate) Reader { return temperature{dev} }

func (temperature) Key() string { return "temperature" }

func (t temperature) Read() (float64, error) {
	v, err := t.dev.Temperature()
	return float64(v), err
}

type humidity struct {
	dev    Climate
	offset float64
}

// NewHumidity reads relative humidity from dev and adds offset, which
// corrects the board sensor's bias.
func NewHumidity(dev Climate, offset float64) Reader { return humidity{dev, offset} }

func (humidity) Key() string { return "humidity" }

func (h humidity) Read() (float64, error) {
	v, err := h.dev.Humidity()
	if err != nil {
		return 0, err
	}
	return math.Max(0, math.Min(100, float64(v)+h.offset)), nil
}

// Store is where samples are written.
type Store interface {
	Set(cat config.Category, key string, value any)
}

type extremes struct {
	min, max float64
}

// Sampler polls a set of readers on an interval.
type Sampler struct {
	readers  []Reader
	store    Store
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	last     time.Time
	extremes map[string]extremes
}

func NewSampler(store Store, interval time.Duration, logger *slog.Logger, readers ...Reader) *Sampler {
	return &Sampler{
		readers:  readers,
		store:    store,
		interval: interval,
		logger:   logger.With("component", "sensors"),
		now:      time.Now,
		extremes: make(map[string]extremes),
	}
}

// Poll samples every reader if the interval has elapsed. It reports
// whether a sample was taken.
func (s *Sampler) Poll() bool {
	now := s.now()
	s.mu.Lock()
	if !s.last.IsZero() && now.Sub(s.last) < s.interval {
		s.mu.Unlock()
		return false
	}
	s.last = now
	s.mu.Unlock()

	for _, r := range s.readers {
		v, err := read(r)
		if err != nil {
			s.logger.Error("sensor read failed", "sensor", r.Key(), "attempts", readAttempts, "error", err)
			s.store.Set(config.Data, r.Key(), ErrorValue)
			continue
		}
		v = math.Round(v*100) / 100
		s.store.Set(config.Data, r.Key(), v)
		s.track(r.Key(), v)
		s.logger.Debug("sampled", "sensor", r.Key(), "value", v)
	}
	return true
}

func read(r Reader) (float64, error) {
	var err error
	for i := 0; i < readAttempts; i++ {
		var v float64
		if v, err = r.Read(); err == nil {
			return v, nil
		}
	}
	return 0, fmt.Errorf("read %s: %w", r.Key(), err)
}

func (s *Sampler) track(key string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.extremes[key]
	if !ok {
		s.extremes[key] = extremes{v, v}
		return
	}
	e.min = math.Min(e.min, v)
	e.max = math.Max(e.max, v)
	s.extremes[key] = e
}

// ResetDaily returns the lowest and highest value of each reading since the
// last reset and starts over.
func (s *Sampler) ResetDaily() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.extremes))
	for k, e := range s.extremes {
		out[k] = map[string]any{"min": e.min, "max": e.max}
	}
	s.extremes = make(map[string]extremes)
	return out
}
