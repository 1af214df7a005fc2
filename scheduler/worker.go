package scheduler

import (
	"context"
	"fmt"
	"time"
)

// StartWorker runs Check every interval on its own goroutine until ctx is
// done or StopWorker is called. The main loop must not call Check while a
// worker runs.
func (s *Scheduler) StartWorker(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("scheduler: worker interval must be positive, got %s", interval)
	}
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	if s.workerCancel != nil {
		return ErrWorkerRunning
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.workerCancel = cancel
	s.workerDone = done

	go func() {
		defer close(done)
		defer func() {
			s.workerMu.Lock()
			if s.workerDone == done {
				s.workerCancel, s.workerDone = nil, nil
			}
			s.workerMu.Unlock()
			cancel()
		}()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		s.logger.Info("scheduler worker started", "interval", interval)
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler worker stopped")
				return
			case <-ticker.C:
				s.Check()
			}
		}
	}()
	return nil
}

// StopWorker stops the worker and waits for an in-progress Check to
// return. It is a no-op when no worker runs.
func (s *Scheduler) StopWorker() {
	s.workerMu.Lock()
	cancel, done := s.workerCancel, s.workerDone
	s.workerCancel, s.workerDone = nil, nil
	s.workerMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// WorkerRunning reports whether Check is driven by the worker goroutine.
func (s *Scheduler) WorkerRunning() bool {
	s.workerMu.Lock()
	defer s.workerMu.Unlock()
	return s.workerCancel != nil
}
