package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduler owns the live event set. All methods are safe for concurrent
// use; callbacks run with the lock released so they may schedule or cancel.
type Scheduler struct {
	source TimeSource
	logger *slog.Logger

	mu          sync.Mutex
	initialized bool
	nextID      uint64
	events      []*event

	workerMu     sync.Mutex
	workerCancel context.CancelFunc
	workerDone   chan struct{}
}

// New creates a scheduler bound to source. It refuses work until
// Initialize is called.
func New(source TimeSource, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		source: source,
		logger: logger.With("component", "scheduler"),
	}
}

// Initialize enables scheduling. Calling it again is a no-op.
func (s *Scheduler) Initialize() error {
	if s.source == nil {
		return fmt.Errorf("scheduler: nil time source")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		s.initialized = true
		s.logger.Info("scheduler initialized")
	}
	return nil
}

// ScheduleOnceAfter fires cb once, delay from now.
func (s *Scheduler) ScheduleOnceAfter(delay time.Duration, cb func()) (uint64, error) {
	now, err := s.ready(cb)
	if err != nil {
		return 0, err
	}
	return s.add(Once, now.Unix()+seconds(delay), 0, cb), nil
}

// ScheduleOnceAt fires cb once at the given time. A time already in the
// past keeps its time of day and moves to tomorrow.
func (s *Scheduler) ScheduleOnceAt(at time.Time, cb func()) (uint64, error) {
	now, err := s.ready(cb)
	if err != nil {
		return 0, err
	}
	return s.add(Once, s.rollover(at, now), 0, cb), nil
}

// SchedulePeriodicAfter fires cb every period, starting delay from now.
func (s *Scheduler) SchedulePeriodicAfter(delay, period time.Duration, cb func()) (uint64, error) {
	now, err := s.ready(cb)
	if err != nil {
		return 0, err
	}
	if seconds(period) == 0 {
		return 0, ErrZeroPeriod
	}
	return s.add(Periodic, now.Unix()+seconds(delay), seconds(period), cb), nil
}

// SchedulePeriodicAt fires cb every period, first at the given time. The
// rollover rule of ScheduleOnceAt applies to the first firing.
func (s *Scheduler) SchedulePeriodicAt(at time.Time, period time.Duration, cb func()) (uint64, error) {
	now, err := s.ready(cb)
	if err != nil {
		return 0, err
	}
	if seconds(period) == 0 {
		return 0, ErrZeroPeriod
	}
	return s.add(Periodic, s.rollover(at, now), seconds(period), cb), nil
}

// ScheduleDaily fires cb every day at the given time of day (HH:MM:SS) in
// the time source's zone.
func (s *Scheduler) ScheduleDaily(timeOfDay string, cb func()) (uint64, error) {
	tod, err := time.Parse(time.TimeOnly, timeOfDay)
	if err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", timeOfDay, err)
	}
	now, err := s.ready(cb)
	if err != nil {
		return 0, err
	}
	y, m, d := now.Date()
	at := time.Date(y, m, d, tod.Hour(), tod.Minute(), tod.Second(), 0, now.Location())
	return s.add(Periodic, s.rollover(at, now), int64((24 * time.Hour).Seconds()), cb), nil
}

// Cancel removes the event with the given id. It reports whether the
// event was live.
func (s *Scheduler) Cancel(id uint64) bool {
	if id == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return false
	}
	s.remove(i)
	s.logger.Debug("event cancelled", "id", id)
	return true
}

// ClearAll drops every event. Ids keep increasing afterwards.
func (s *Scheduler) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.events)
	s.events = nil
	s.logger.Debug("events cleared", "count", n)
}

// Len returns the number of live events.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Events returns a snapshot of the live events in insertion order.
func (s *Scheduler) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	for i, e := range s.events {
		out[i] = e.Event
	}
	return out
}

// Lookup returns the live event with the given id.
func (s *Scheduler) Lookup(id uint64) (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.index(id)
	if i < 0 {
		return Event{}, false
	}
	return s.events[i].Event, true
}

// Check fires every due event in insertion order. It does nothing before
// Initialize or while the time source is unsynchronized.
func (s *Scheduler) Check() {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		s.logger.Error("check before initialization")
		return
	}
	s.mu.Unlock()

	if !s.source.Synchronized() {
		return
	}
	now := s.source.Now().Unix()

	s.mu.Lock()
	ids := make([]uint64, len(s.events))
	for i, e := range s.events {
		ids[i] = e.ID
	}
	s.mu.Unlock()

	for _, id := range ids {
		if cb := s.take(id, now); cb != nil {
			s.invoke(id, cb)
		}
	}
}

// take marks the event as run and returns its callback when it is due.
// A fired one-shot event leaves the live set here.
func (s *Scheduler) take(id uint64, now int64) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.index(id)
	if i < 0 {
		// cancelled by an earlier callback
		return nil
	}
	e := s.events[i]
	if now < e.ScheduledAt {
		return nil
	}

	switch e.Kind {
	case Once:
		if e.Executed {
			return nil
		}
		e.Executed = true
		e.LastRun = now
		s.remove(i)
	case Periodic:
		if e.ran && now-e.LastRun < e.Period {
			return nil
		}
		e.ran = true
		e.Executed = true
		e.LastRun = now
	}
	s.logger.Debug("firing event", "id", id, "kind", e.Kind)
	return e.callback
}

func (s *Scheduler) invoke(id uint64, cb func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event callback panicked", "id", id, "panic", r)
		}
	}()
	cb()
}

func (s *Scheduler) ready(cb func()) (time.Time, error) {
	s.mu.Lock()
	initialized := s.initialized
	s.mu.Unlock()

	if !initialized {
		s.logger.Error("schedule rejected", "error", ErrNotInitialized)
		return time.Time{}, ErrNotInitialized
	}
	if cb == nil {
		s.logger.Error("schedule rejected", "error", ErrNilCallback)
		return time.Time{}, ErrNilCallback
	}
	if !s.source.Synchronized() {
		s.logger.Warn("schedule rejected", "error", ErrNotSynchronized)
		return time.Time{}, ErrNotSynchronized
	}
	return s.source.Now(), nil
}

// rollover moves a past time to the same time of day tomorrow.
func (s *Scheduler) rollover(at, now time.Time) int64 {
	if !at.Before(now.Truncate(time.Second)) {
		return at.Unix()
	}
	loc := now.Location()
	at = at.In(loc)
	y, m, d := now.Date()
	next := time.Date(y, m, d+1, at.Hour(), at.Minute(), at.Second(), 0, loc)
	s.logger.Info("requested time already passed, moved to tomorrow",
		"requested", at.Format(time.DateTime), "scheduled", next.Format(time.DateTime))
	return next.Unix()
}

func (s *Scheduler) add(kind Kind, at, period int64, cb func()) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	e := &event{
		Event: Event{
			ID:          s.nextID,
			Kind:        kind,
			ScheduledAt: at,
			Period:      period,
		},
		callback: cb,
	}
	s.events = append(s.events, e)
	s.logger.Debug("event scheduled", "id", e.ID, "kind", kind,
		"at", time.Unix(at, 0).UTC().Format(time.DateTime), "period_s", period)
	return e.ID
}

func (s *Scheduler) index(id uint64) int {
	for i, e := range s.events {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (s *Scheduler) remove(i int) {
	copy(s.events[i:], s.events[i+1:])
	s.events[len(s.events)-1] = nil
	s.events = s.events[:len(s.events)-1]
}

func seconds(d time.Duration) int64 {
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}
