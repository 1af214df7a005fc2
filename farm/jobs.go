package main

import (
	"log/slog"
	"time"

	"furitingoasis/farmnode/actuators"
	"furitingoasis/farmnode/config"
	"furitingoasis/farmnode/scheduler"
	"furitingoasis/farmnode/sensors"
)

type publisher interface {
	Publish() bool
}

// jobs owns the node's recurring work: publishing the Data document and
// closing the day's counters.
type jobs struct {
	sched      *scheduler.Scheduler
	clock      scheduler.TimeSource
	store      *config.Store
	session    publisher
	bank       *actuators.Bank
	sampler    *sensors.Sampler
	flow       *sensors.FlowMeter
	history    *History
	interval   time.Duration
	dailyReset string
	logger     *slog.Logger

	scheduled bool
	publishID uint64
	resetID   uint64
}

// schedule registers the jobs once the clock is synchronized. It reports
// whether the jobs are in place and is cheap to call on every loop.
func (j *jobs) schedule() bool {
	if j.scheduled {
		return true
	}
	if !j.clock.Synchronized() {
		return false
	}

	id, err := j.sched.SchedulePeriodicAfter(j.interval, j.interval, j.publish)
	if err != nil {
		j.logger.Warn("failed to schedule publish", "error", err)
		return false
	}
	j.publishID = id

	id, err = j.sched.ScheduleDaily(j.dailyReset, j.resetDaily)
	if err != nil {
		j.sched.Cancel(j.publishID)
		j.publishID = 0
		j.logger.Warn("failed to schedule daily reset", "error", err)
		return false
	}
	j.resetID = id
	j.scheduled = true
	j.logger.Info("jobs scheduled", "publish_every", j.interval, "daily_reset", j.dailyReset)
	return true
}

func (j *jobs) publish() {
	j.store.Set(config.Data, "timestamp", j.clock.Now().Unix())
	j.store.Set(config.Data, "actuators", j.bank.State())
	if !j.session.Publish() {
		j.logger.Debug("data not published")
	}
}

// resetDaily stores the closing day's summary and starts new counters.
func (j *jobs) resetDaily() {
	date := j.clock.Now().AddDate(0, 0, -1).Format(time.DateOnly)
	summary := map[string]any{
		"date":       date,
		"on_seconds": j.bank.ResetDaily(),
		"extremes":   j.sampler.ResetDaily(),
	}
	if j.flow != nil {
		summary["litres"] = j.flow.ResetDaily()
	}

	j.store.Set(config.Data, "daily", summary)
	if err := j.store.Save(config.Data); err != nil {
		j.logger.Error("failed to save data document", "error", err)
	}
	if j.history == nil {
		return
	}
	if err := j.history.Record(date, summary); err != nil {
		j.logger.Error("failed to record daily summary", "date", date, "error", err)
		return
	}
	n, err := j.history.Count()
	if err != nil {
		j.logger.Warn("counting daily summaries", "error", err)
	}
	j.logger.Info("daily counters reset", "date", date, "days_kept", n)
}
