// Package clock provides the network-synchronized wall clock the scheduler
// runs on.
package clock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/beevik/ntp"
)

// QueryFunc asks a time server for the offset of the local clock.
type QueryFunc func(ctx context.Context, server string, timeout time.Duration) (time.Duration, error)

// Config controls synchronization.
type Config struct {
	Server string
	// Period between resynchronizations.
	Period  time.Duration
	Timeout time.Duration
	// StaleAfter drops the synchronized flag when no sync succeeded for
	// this long. Zero means three periods.
	StaleAfter time.Duration
	Location   *time.Location
}

// NTP is a wall clock corrected by periodic queries to a time server.
type NTP struct {
	cfg    Config
	logger *slog.Logger
	query  QueryFunc
	now    func() time.Time

	mu       sync.Mutex
	offset   time.Duration
	lastSync time.Time // local time of the last successful sync
	lastTry  time.Time
	inFlight bool
	synced   bool
}

// New creates an unsynchronized clock.
func New(cfg Config, logger *slog.Logger) *NTP {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Period == 0 {
		cfg.Period = time.Hour
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 3 * cfg.Period
	}
	return &NTP{
		cfg:    cfg,
		logger: logger.With("component", "clock"),
		query:  queryServer,
		now:    time.Now,
	}
}

func queryServer(ctx context.Context, server string, timeout time.Duration) (time.Duration, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < timeout {
			timeout = left
		}
	}
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("invalid response from %s: %w", server, err)
	}
	return resp.ClockOffset, nil
}

// Sync queries the server and blocks until it answers or the configured
// timeout expires.
func (c *NTP) Sync(ctx context.Context) error {
	c.mu.Lock()
	if c.inFlight {
		c.mu.Unlock()
		return fmt.Errorf("sync already in progress")
	}
	c.inFlight = true
	c.lastTry = c.now()
	c.mu.Unlock()

	return c.sync(ctx)
}

func (c *NTP) sync(ctx context.Context) error {
	offset, err := c.query(ctx, c.cfg.Server, c.cfg.Timeout)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.inFlight = false
	if err != nil {
		c.logger.Warn("time sync failed", "server", c.cfg.Server, "error", err)
		return fmt.Errorf("query %s: %w", c.cfg.Server, err)
	}
	c.offset = offset
	c.lastSync = c.now()
	if !c.synced {
		c.logger.Info("time synchronized", "server", c.cfg.Server, "offset", offset)
	} else {
		c.logger.Debug("time resynchronized", "offset", offset)
	}
	c.synced = true
	return nil
}

// Maintain starts a background resync when one is due. It never blocks.
// Until the first success a failed query is retried after Timeout rather
// than after a full Period.
func (c *NTP) Maintain() {
	c.mu.Lock()
	now := c.now()
	if c.synced && now.Sub(c.lastSync) > c.cfg.StaleAfter {
		c.logger.Warn("time source stale", "last_sync", c.lastSync)
		c.synced = false
	}
	wait := c.cfg.Period
	if !c.synced {
		wait = c.cfg.Timeout
	}
	if c.inFlight || (!c.lastTry.IsZero() && now.Sub(c.lastTry) < wait) {
		c.mu.Unlock()
		return
	}
	c.inFlight = true
	c.lastTry = now
	c.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.Timeout)
		defer cancel()
		_ = c.sync(ctx)
	}()
}

// Synchronized reports whether the clock holds a recent server time.
func (c *NTP) Synchronized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Now returns the corrected time in the configured location.
func (c *NTP) Now() time.Time {
	c.mu.Lock()
	offset := c.offset
	c.mu.Unlock()
	return c.now().Add(offset).In(c.cfg.Location)
}

// Unix returns the corrected time in whole seconds.
func (c *NTP) Unix() int64 {
	return c.Now().Unix()
}

// Location is the zone used for calendar arithmetic.
func (c *NTP) Location() *time.Location {
	return c.cfg.Location
}
