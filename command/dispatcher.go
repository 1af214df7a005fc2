// Package command maps integer command codes received from the broker to
// their effects on the node.
package command

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Restart is the only code with a fixed meaning. Codes from 1 upwards are
// bound to actuator outputs.
const Restart = 0

var ErrUnknownCommand = errors.New("unknown command")

// Actuator is a switchable output.
type Actuator interface {
	On() error
	Off() error
}

// Restarter ends the running node. It is not expected to return on
// success.
type Restarter interface {
	Restart() error
}

type binding struct {
	name     string
	actuator Actuator
	on       bool
}

// Dispatcher runs the effect bound to a command code.
type Dispatcher struct {
	logger    *slog.Logger
	restarter Restarter
	grace     time.Duration
	after     func(time.Duration, func())

	mu         sync.RWMutex
	bindings   map[int]binding
	restarting atomic.Bool
}

// NewDispatcher creates a dispatcher whose restart effect runs grace after
// the command is received.
func NewDispatcher(restarter Restarter, grace time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:    logger.With("component", "command"),
		restarter: restarter,
		grace:     grace,
		after: func(d time.Duration, f func()) {
			time.AfterFunc(d, f)
		},
		bindings: make(map[int]binding),
	}
}

// Bind assigns onCode and offCode to the actuator.
func (d *Dispatcher) Bind(name string, a Actuator, onCode, offCode int) error {
	if a == nil {
		return fmt.Errorf("bind %s: nil actuator", name)
	}
	if onCode == offCode {
		return fmt.Errorf("bind %s: on and off codes are both %d", name, onCode)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, code := range []int{onCode, offCode} {
		if code <= Restart {
			return fmt.Errorf("bind %s: code %d is reserved", name, code)
		}
		if b, ok := d.bindings[code]; ok {
			return fmt.Errorf("bind %s: code %d already bound to %s", name, code, b.name)
		}
	}
	d.bindings[onCode] = binding{name: name, actuator: a, on: true}
	d.bindings[offCode] = binding{name: name, actuator: a, on: false}
	return nil
}

// Codes returns every code the dispatcher understands, ascending.
func (d *Dispatcher) Codes() []int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	codes := []int{Restart}
	for c := range d.bindings {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	return codes
}

// Describe names the effect of a code, for logs and the status document.
func (d *Dispatcher) Describe(code int) string {
	if code == Restart {
		return "restart"
	}
	d.mu.RLock()
	b, ok := d.bindings[code]
	d.mu.RUnlock()
	if !ok {
		return "unknown"
	}
	if b.on {
		return b.name + " on"
	}
	return b.name + " off"
}

// Dispatch runs the effect of code. Unknown codes are logged and reported
// as ErrUnknownCommand without side effects.
func (d *Dispatcher) Dispatch(code int) error {
	if code == Restart {
		return d.scheduleRestart()
	}

	d.mu.RLock()
	b, ok := d.bindings[code]
	d.mu.RUnlock()
	if !ok {
		d.logger.Warn("ignoring unknown command", "code", code)
		return fmt.Errorf("%w: %d", ErrUnknownCommand, code)
	}

	var err error
	if b.on {
		err = b.actuator.On()
	} else {
		err = b.actuator.Off()
	}
	if err != nil {
		d.logger.Error("actuator command failed", "code", code, "actuator", b.name, "on", b.on, "error", err)
		return fmt.Errorf("%s %s: %w", b.name, onOff(b.on), err)
	}
	d.logger.Info("actuator switched", "code", code, "actuator", b.name, "state", onOff(b.on))
	return nil
}

func (d *Dispatcher) scheduleRestart() error {
	if d.restarter == nil {
		d.logger.Error("restart requested but no restarter configured")
		return errors.New("restart not available")
	}
	if !d.restarting.CompareAndSwap(false, true) {
		d.logger.Debug("restart already pending")
		return nil
	}
	d.logger.Warn("restarting", "grace", d.grace)
	d.after(d.grace, func() {
		if err := d.restarter.Restart(); err != nil {
			d.logger.Error("restart failed", "error", err)
			d.restarting.Store(false)
		}
	})
	return nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
