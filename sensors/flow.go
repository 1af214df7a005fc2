package sensors

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"gobot.io/x/gobot/v2/drivers/gpio"
)

// Eventer is the event source of a gobot driver.
type Eventer interface {
	On(name string, f func(s interface{})) error
}

// FlowMeter counts pulses from a hall-effect flow sensor. Read reports the
// flow in litres per minute since the previous Read.
type FlowMeter struct {
	pulsesPerLitre float64
	now            func() time.Time

	pulses atomic.Uint64

	mu        sync.Mutex
	lastRead  time.Time
	lastCount uint64
	daily     uint64
}

func NewFlowMeter(pulsesPerLitre float64) *FlowMeter {
	return &FlowMeter{pulsesPerLitre: pulsesPerLitre, now: time.Now}
}

// Attach counts every push event of a gobot button driver wired to the
// sensor's signal pin.
func (f *FlowMeter) Attach(src Eventer) error {
	return src.On(gpio.ButtonPush, func(interface{}) { f.Pulse() })
}

func (f *FlowMeter) Pulse() { f.pulses.Add(1) }

func (f *FlowMeter) Key() string { return "flow_rate" }

func (f *FlowMeter) Read() (float64, error) {
	if f.pulsesPerLitre <= 0 {
		return 0, errors.New("flow meter not calibrated")
	}
	now := f.now()
	count := f.pulses.Load()

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lastRead.IsZero() {
		f.lastRead, f.lastCount = now, count
		return 0, nil
	}
	elapsed := now.Sub(f.lastRead)
	delta := count - f.lastCount
	f.lastRead, f.lastCount = now, count
	f.daily += delta
	if elapsed <= 0 {
		return 0, nil
	}
	return float64(delta) / f.pulsesPerLitre / elapsed.Minutes(), nil
}

// ResetDaily returns the litres counted by Read since the last reset.
func (f *FlowMeter) ResetDaily() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	litres := 0.0
	if f.pulsesPerLitre > 0 {
		litres = float64(f.daily) / f.pulsesPerLitre
	}
	f.daily = 0
	return litres
}
