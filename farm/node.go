package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"furitingoasis/farmnode/clock"
	"furitingoasis/farmnode/command"
	"furitingoasis/farmnode/config"
	"furitingoasis/farmnode/mqtt"
	"furitingoasis/farmnode/scheduler"
	"furitingoasis/farmnode/sensors"
	"furitingoasis/farmnode/website/portal"
	"furitingoasis/farmnode/wifi"
)

// hotspotConnection is the NetworkManager profile name of the node's own
// access point.
const hotspotConnection = "farmnode-portal"

var _ wifi.Portal = (*portal.Portal)(nil)

type node struct {
	cfg    *config.Config
	logger *slog.Logger

	db         *sql.DB
	store      *config.Store
	hw         *hardware
	sampler    *sensors.Sampler
	dispatcher *command.Dispatcher
	clock      *clock.NTP
	wifi       *wifi.Manager
	portal     *portal.Portal
	session    *mqtt.Session
	sched      *scheduler.Scheduler
	history    *History
	jobs       *jobs
}

func setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*node, error) {
	n := &node{cfg: cfg, logger: logger}

	instanceID, err := config.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return nil, err
	}
	deviceID := cfg.MQTT.DeviceID
	if deviceID == "" {
		deviceID = config.DeviceIDFromInstance(instanceID)
	}
	logger.Info("node identity", "instance", instanceID, "device_id", deviceID)

	// storage
	n.db, err = config.OpenDB(cfg.DatabasePath())
	if err != nil {
		return nil, err
	}
	persister, err := config.NewSQLitePersister(n.db)
	if err != nil {
		return nil, err
	}
	n.store = config.NewStore(persister, cfg.CategoryDefaults(), logger.With("component", "store"))
	if err := n.store.LoadAll(); err != nil {
		logger.Error("some documents failed to load, using defaults", "error", err)
	}
	n.history, err = NewHistory(n.db)
	if err != nil {
		return nil, err
	}

	// board
	n.hw, err = newHardware(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := n.hw.start(); err != nil {
		return nil, err
	}
	n.sampler = sensors.NewSampler(n.store, cfg.Sensors.Interval, logger, n.hw.readers...)

	restarter := &command.ExecRestarter{
		Command: cfg.Restart.Command,
		Logger:  logger.With("component", "restart"),
		Before:  n.halt,
	}
	n.dispatcher = command.NewDispatcher(restarter, cfg.Restart.Grace, logger)
	for _, a := range cfg.Actuators {
		relay, _ := n.hw.bank.Get(a.Name)
		if err := n.dispatcher.Bind(a.Name, relay, a.OnCode, a.OffCode); err != nil {
			return nil, err
		}
	}

	// network
	loc, err := time.LoadLocation(cfg.NTP.Location)
	if err != nil {
		return nil, err
	}
	n.clock = clock.New(clock.Config{
		Server:     cfg.NTP.Server,
		Period:     cfg.NTP.Period,
		Timeout:    cfg.NTP.Timeout,
		StaleAfter: cfg.NTP.StaleAfter,
		Location:   loc,
	}, logger)
	n.sched = scheduler.New(n.clock, logger)
	if err := n.sched.Initialize(); err != nil {
		return nil, err
	}

	link := wifi.NewNMLink(cfg.WiFi.Interface, hotspotConnection, logger)
	hotspot := wifi.NewHotspot(cfg.WiFi.Interface, hotspotConnection, logger)
	sessionStore, err := portal.NewSQLiteSessionStore(n.db)
	if err != nil {
		return nil, err
	}
	n.portal, err = portal.New(portal.Config{
		Addr:              cfg.Portal.Addr,
		AdminPasswordHash: cfg.Portal.AdminPasswordHash,
		SessionLifetime:   cfg.Portal.SessionLifetime,
	}, sessionStore, hotspot, link, logger)
	if err != nil {
		return nil, err
	}

	var announcer wifi.Announcer
	if cfg.WiFi.Announce {
		announcer = wifi.NewMDNSAnnouncer(cfg.WiFi.ServiceType, cfg.WiFi.AnnouncePort,
			[]string{"device=" + deviceID, "instance=" + instanceID}, logger)
	}
	n.wifi = wifi.NewManager(wifi.Config{
		Hostname:       cfg.WiFi.Hostname,
		APName:         cfg.WiFi.APName,
		APPassword:     cfg.WiFi.APPassword,
		ConnectTimeout: cfg.WiFi.ConnectTimeout,
		CheckInterval:  cfg.WiFi.CheckInterval,
		RetryInterval:  cfg.WiFi.RetryInterval,
		MaxAttempts:    uint8(cfg.WiFi.MaxAttempts),
	}, link, n.portal, announcer, logger)

	n.session = mqtt.NewSession(mqtt.Config{
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		QoS:             cfg.MQTT.QoS,
		Retained:        cfg.MQTT.Retain,
		CheckInterval:   cfg.MQTT.CheckInterval,
		RetryInterval:   cfg.MQTT.RetryInterval,
		MaxAttempts:     uint8(cfg.MQTT.MaxAttempts),
		ConnectTimeout:  cfg.MQTT.ConnectTimeout,
		KeepAlive:       cfg.MQTT.KeepAlive,
		DefaultDeviceID: deviceID,
	}, n.store, n.wifi, n.dispatcher, logger)

	n.portal.OnBrokerSettings = func(b portal.BrokerSettings) error {
		return n.session.Configure(b.Host, b.Port, b.DeviceID)
	}
	n.portal.Current = func() portal.BrokerSettings {
		return portal.BrokerSettings{
			Host:     n.store.GetString(config.SessionConfig, config.KeyHost, ""),
			Port:     n.store.GetInt(config.SessionConfig, config.KeyPort, 1883),
			DeviceID: n.store.GetString(config.SessionConfig, config.KeyDeviceID, deviceID),
		}
	}
	n.portal.Status = n.status

	// bring up
	if err := n.wifi.Initialize(ctx); err != nil {
		logger.Warn("no saved network reachable, starting portal", "error", err)
		if err := n.wifi.StartPortal(); err != nil {
			logger.Error("failed to start portal", "error", err)
		}
	} else {
		syncCtx, cancel := context.WithTimeout(ctx, 2*cfg.NTP.Timeout)
		if err := n.clock.Sync(syncCtx); err != nil {
			logger.Warn("initial time sync failed, retrying in the loop", "error", err)
		}
		cancel()
	}

	if err := n.session.Initialize(); err != nil && !errors.Is(err, mqtt.ErrNotConfigured) {
		return nil, err
	}

	n.jobs = &jobs{
		sched:      n.sched,
		clock:      n.clock,
		store:      n.store,
		session:    n.session,
		bank:       n.hw.bank,
		sampler:    n.sampler,
		flow:       n.hw.flow,
		history:    n.history,
		interval:   cfg.Publish.Interval,
		dailyReset: cfg.Publish.DailyReset,
		logger:     logger.With("component", "jobs"),
	}
	n.jobs.schedule()

	if cfg.Scheduler.Worker {
		if err := n.sched.StartWorker(ctx, cfg.Scheduler.Interval); err != nil {
			return nil, err
		}
	}
	logger.Info("setup complete", "wifi", n.wifi.State(), "mqtt", n.session.State(),
		"time_synced", n.clock.Synchronized(), "worker", cfg.Scheduler.Worker)
	return n, nil
}

// loop runs the managers until ctx is done.
func (n *node) loop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			n.logger.Info("shutting down", "reason", context.Cause(ctx))
			return
		case <-timer.C:
		}

		n.wifi.Maintain()
		n.clock.Maintain()
		n.jobs.schedule()
		n.session.Maintain()
		n.sampler.Poll()
		if !n.sched.WorkerRunning() {
			n.sched.Check()
		}
		timer.Reset(n.cfg.LoopDelay)
	}
}

func (n *node) shutdown() {
	n.sched.StopWorker()
	n.session.Close()
	if err := n.portal.Stop(); err != nil {
		n.logger.Warn("stopping portal", "error", err)
	}
	n.flush()
	if err := n.hw.stop(); err != nil {
		n.logger.Warn("stopping hardware", "error", err)
	}
	if err := n.db.Close(); err != nil {
		n.logger.Warn("closing database", "error", err)
	}
	n.logger.Info("farm node stopped")
}

// flush persists every document.
func (n *node) flush() {
	if err := n.store.SaveAll(); err != nil {
		n.logger.Error("failed to save documents", "error", err)
	}
}

// halt runs ahead of a commanded restart.
func (n *node) halt() {
	n.flush()
	if err := n.hw.bank.AllOff(); err != nil {
		n.logger.Warn("switching relays off", "error", err)
	}
}

func (n *node) status() map[string]string {
	ws := n.wifi.Status()
	ss := n.session.Status()
	out := map[string]string{
		"wifi":          ws.State.String(),
		"wifi_attempts": strconv.Itoa(int(ws.Attempts)),
		"mqtt":          ss.State.String(),
		"broker":        ss.Broker,
		"device_id":     ss.DeviceID,
		"time_synced":   strconv.FormatBool(n.clock.Synchronized()),
		"events":        strconv.Itoa(n.sched.Len()),
	}
	if n.clock.Synchronized() {
		now := n.clock.Now()
		out["time"] = now.Format(time.DateTime)
		if err := n.history.StatusFields(out, now); err != nil {
			n.logger.Warn("reading daily history", "error", err)
		}
	}
	for _, r := range n.hw.bank.All() {
		out["relay_"+r.Name()] = fmt.Sprintf("on=%t", r.IsOn())
	}
	return out
}
