// Package scheduler fires one-shot and periodic callbacks against a
// network-synchronized clock. Events are driven by Check, which the main
// loop polls or a worker goroutine runs at a fixed interval.
package scheduler

import (
	"errors"
	"time"
)

// Errors returned by the scheduling calls. The returned id is 0 whenever
// one of these is returned.
var (
	ErrNotInitialized  = errors.New("scheduler not initialized")
	ErrNotSynchronized = errors.New("time source not synchronized")
	ErrZeroPeriod      = errors.New("period must be at least one second")
	ErrNilCallback     = errors.New("callback is nil")
	ErrWorkerRunning   = errors.New("worker already running")
)

// TimeSource is the clock events are scheduled against.
type TimeSource interface {
	Synchronized() bool
	Now() time.Time
}

// Kind distinguishes one-shot events from recurring ones.
type Kind int

const (
	Once Kind = iota
	Periodic
)

func (k Kind) String() string {
	switch k {
	case Once:
		return "once"
	case Periodic:
		return "periodic"
	default:
		return "unknown"
	}
}

// Event is a read-only view of a scheduled event. Times are unix seconds.
type Event struct {
	ID          uint64
	Kind        Kind
	ScheduledAt int64
	Period      int64
	Executed    bool
	LastRun     int64
}

type event struct {
	Event
	ran      bool
	callback func()
}
