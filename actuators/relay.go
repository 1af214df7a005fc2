// Package actuators switches the farm's relays and keeps track of how long
// each one has been energized today.
package actuators

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gobot.io/x/gobot/v2/drivers/gpio"
)

// Switch is a two-state output. *gpio.RelayDriver satisfies it.
type Switch interface {
	On() error
	Off() error
}

var _ Switch = (*gpio.RelayDriver)(nil)

// Relay is a named output. Inverted relays are energized by driving the
// pin low, which is how the board's relay modules are wired.
type Relay struct {
	name     string
	sw       Switch
	inverted bool
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	on      bool
	onSince time.Time
	daily   time.Duration
}

func NewRelay(name string, sw Switch, inverted bool, logger *slog.Logger) *Relay {
	return &Relay{
		name:     name,
		sw:       sw,
		inverted: inverted,
		logger:   logger.With("relay", name),
		now:      time.Now,
	}
}

func (r *Relay) Name() string { return r.name }

// On energizes the relay.
func (r *Relay) On() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.drive(true); err != nil {
		return err
	}
	if !r.on {
		r.on = true
		r.onSince = r.now()
		r.logger.Info("relay on")
	}
	return nil
}

func (r *Relay) Off() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.drive(false); err != nil {
		return err
	}
	if r.on {
		r.on = false
		r.daily += r.now().Sub(r.onSince)
		r.onSince = time.Time{}
		r.logger.Info("relay off")
	}
	return nil
}

func (r *Relay) drive(energize bool) error {
	var err error
	if energize != r.inverted {
		err = r.sw.On()
	} else {
		err = r.sw.Off()
	}
	if err != nil {
		return fmt.Errorf("relay %s: %w", r.name, err)
	}
	return nil
}

func (r *Relay) IsOn() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.on
}

// OnTime is the time spent energized since the last ResetDaily, including
// the current run.
func (r *Relay) OnTime() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.onTimeLocked(r.now())
}

func (r *Relay) onTimeLocked(now time.Time) time.Duration {
	d := r.daily
	if r.on {
		d += now.Sub(r.onSince)
	}
	return d
}

// ResetDaily returns the accumulated on time and starts a new day. A relay
// that is on keeps running and counts from now.
func (r *Relay) ResetDaily() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	d := r.onTimeLocked(now)
	r.daily = 0
	if r.on {
		r.onSince = now
	}
	return d
}

// Bank is the set of relays on the board, in configuration order.
type Bank struct {
	relays []*Relay
	byName map[string]*Relay
}

func NewBank(relays ...*Relay) (*Bank, error) {
	b := &Bank{byName: make(map[string]*Relay, len(relays))}
	for _, r := range relays {
		if _, dup := b.byName[r.name]; dup {
			return nil, fmt.Errorf("duplicate relay %q", r.name)
		}
		b.byName[r.name] = r
		b.relays = append(b.relays, r)
	}
	return b, nil
}

func (b *Bank) Get(name string) (*Relay, bool) {
	r, ok := b.byName[name]
	return r, ok
}

func (b *Bank) All() []*Relay { return b.relays }

// State reports every relay for the Data document.
func (b *Bank) State() map[string]any {
	out := make(map[string]any, len(b.relays))
	for _, r := range b.relays {
		out[r.name] = map[string]any{
			"on":         r.IsOn(),
			"on_seconds": int(r.OnTime().Seconds()),
		}
	}
	return out
}

// ResetDaily closes the day for every relay and returns the on time of each
// in whole seconds.
func (b *Bank) ResetDaily() map[string]int {
	out := make(map[string]int, len(b.relays))
	for _, r := range b.relays {
		out[r.name] = int(r.ResetDaily().Seconds())
	}
	return out
}

// AllOff switches everything off, continuing past failures.
func (b *Bank) AllOff() error {
	var errs []error
	for _, r := range b.relays {
		if err := r.Off(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
