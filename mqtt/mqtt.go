// Package mqtt owns the node's broker session: connection lifecycle,
// subscription to the device's config and command topics, routing of
// inbound messages and publication of the sensor data document.
package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"furitingoasis/farmnode/config"
)

// Topic suffixes appended to "/" + device id.
const (
	DataSuffix    = "/data"
	ConfigSuffix  = "/config"
	CommandSuffix = "/command"
	StatusSuffix  = "/status"
)

// SubscribeQoS is used for the config and command topics.
const SubscribeQoS = 1

var (
	ErrNotConfigured   = errors.New("broker settings incomplete")
	ErrNotConnected    = errors.New("not connected to broker")
	ErrInvalidSettings = errors.New("invalid broker settings")
)

// State of the broker session.
type State int

const (
	Uninitialized State = iota
	Configured
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Configured:
		return "configured"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the broker session tuning. Host, port and device id live in
// the SessionConfig document of the store.
type Config struct {
	Username        string
	Password        string
	QoS             byte
	Retained        bool
	CheckInterval   time.Duration
	RetryInterval   time.Duration
	MaxAttempts     uint8
	ConnectTimeout  time.Duration
	KeepAlive       time.Duration
	DefaultDeviceID string
}

// Store is the part of the configuration store the session uses.
type Store interface {
	GetString(cat config.Category, key, def string) string
	GetInt(cat config.Category, key string, def int) int
	Set(cat config.Category, key string, value any)
	Save(cat config.Category) error
	MergeJSON(cat config.Category, payload []byte) error
	JSON(cat config.Category) ([]byte, error)
}

// Dispatcher executes a command code received on the command topic.
type Dispatcher interface {
	Dispatch(code int) error
}

// Link reports whether the network below the session is up.
type Link interface {
	Connected() bool
}

// ClientFactory builds the paho client. Tests replace it.
type ClientFactory func(opts *paho.ClientOptions) paho.Client

// Status is a point-in-time copy of the session's state.
type Status struct {
	State         State
	Broker        string
	DeviceID      string
	Attempts      uint8
	LastAttemptAt time.Time
}

// Session is the broker session manager. Maintain, Configure, Publish and
// the subscription calls belong to the main loop. Status may be called
// from any goroutine.
type Session struct {
	cfg        Config
	store      Store
	link       Link
	dispatcher Dispatcher
	logger     *slog.Logger
	newClient  ClientFactory
	now        func() time.Time

	// Unhandled receives messages on extra topics added with Subscribe.
	Unhandled func(topic string, payload []byte)

	events chan event

	mu          sync.Mutex
	state       State
	host        string
	port        int
	deviceID    string
	broker      string
	client      paho.Client
	pending     paho.Token
	attempts    uint8
	lastCheck   time.Time
	lastAttempt time.Time
	exhausted   bool
	extra       map[string]byte
}

// NewSession creates an uninitialized session.
func NewSession(cfg Config, store Store, link Link, dispatcher Dispatcher, logger *slog.Logger) *Session {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.DefaultDeviceID == "" {
		cfg.DefaultDeviceID = "farm001"
	}
	return &Session{
		cfg:        cfg,
		store:      store,
		link:       link,
		dispatcher: dispatcher,
		logger:     logger.With("component", "mqtt"),
		newClient:  paho.NewClient,
		now:        time.Now,
		events:     make(chan event, 64),
		extra:      make(map[string]byte),
	}
}

// Configure validates and persists new broker settings. If they differ
// from the ones in use the current session is torn down and the next
// Maintain initializes a new one.
func (s *Session) Configure(host string, port int, deviceID string) error {
	host = strings.TrimSpace(host)
	deviceID = strings.TrimSpace(deviceID)
	switch {
	case host == "":
		s.logger.Error("rejecting broker settings", "reason", "empty host")
		return fmt.Errorf("%w: empty host", ErrInvalidSettings)
	case deviceID == "":
		s.logger.Error("rejecting broker settings", "reason", "empty device id")
		return fmt.Errorf("%w: empty device id", ErrInvalidSettings)
	case port < 1 || port > 65535:
		s.logger.Error("rejecting broker settings", "reason", "port out of range", "port", port)
		return fmt.Errorf("%w: port %d out of range", ErrInvalidSettings, port)
	}

	s.store.Set(config.SessionConfig, config.KeyHost, host)
	s.store.Set(config.SessionConfig, config.KeyPort, port)
	s.store.Set(config.SessionConfig, config.KeyDeviceID, deviceID)
	saveErr := s.store.Save(config.SessionConfig)
	if saveErr != nil {
		s.logger.Error("failed to persist broker settings", "error", saveErr)
	}

	s.mu.Lock()
	changed := host != s.host || port != s.port || deviceID != s.deviceID
	active := s.state != Uninitialized
	s.mu.Unlock()

	if changed && active {
		s.logger.Info("broker settings changed, resetting session",
			"host", host, "port", port, "id", deviceID)
		s.teardown()
	}
	if saveErr != nil {
		return fmt.Errorf("persist broker settings: %w", saveErr)
	}
	return nil
}

// settings reads the broker settings from the store.
func (s *Session) settings() (host string, port int, id string, ok bool) {
	host = s.store.GetString(config.SessionConfig, config.KeyHost, "")
	port = s.store.GetInt(config.SessionConfig, config.KeyPort, -1)
	id = s.store.GetString(config.SessionConfig, config.KeyDeviceID, s.cfg.DefaultDeviceID)
	ok = host != "" && id != "" && port >= 1 && port <= 65535
	return host, port, id, ok
}

// Configured reports whether complete broker settings are stored.
func (s *Session) Configured() bool {
	_, _, _, ok := s.settings()
	return ok
}

// Initialize builds the client from the stored settings. It refuses to run
// without complete settings.
func (s *Session) Initialize() error {
	host, port, id, ok := s.settings()
	if !ok {
		s.logger.Warn("cannot initialize", "error", ErrNotConfigured, "host", host, "port", port, "id", id)
		return ErrNotConfigured
	}

	if ip := net.ParseIP(host); ip != nil {
		s.logger.Debug("broker host is a literal address", "ip", ip.String())
	} else {
		// resolved by the dialer on every attempt
		s.logger.Debug("broker host is a name", "host", host)
	}
	broker := "tcp://" + net.JoinHostPort(host, strconv.Itoa(port))

	opts := paho.NewClientOptions().AddBroker(broker)
	opts.SetClientID("farmnode-" + id)
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username)
		opts.SetPassword(s.cfg.Password)
	}
	opts.SetAutoReconnect(false)
	opts.SetConnectRetry(false)
	opts.SetCleanSession(true)
	if s.cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(s.cfg.ConnectTimeout)
	}
	if s.cfg.KeepAlive > 0 {
		opts.SetKeepAlive(s.cfg.KeepAlive)
	}
	opts.SetWill("/"+id+StatusSuffix, "offline", s.cfg.QoS, true)
	opts.SetOnConnectHandler(func(c paho.Client) {
		s.enqueue(event{client: c, kind: evConnected})
	})
	opts.SetConnectionLostHandler(func(c paho.Client, err error) {
		s.enqueue(event{client: c, kind: evLost, err: err})
	})
	opts.SetDefaultPublishHandler(s.onMessage)

	client := s.newClient(opts)

	s.mu.Lock()
	s.host, s.port, s.deviceID = host, port, id
	s.broker = broker
	s.client = client
	s.pending = nil
	s.mu.Unlock()
	s.setState(Configured)
	s.logger.Info("session initialized", "broker", broker, "id", id)
	return nil
}

// Maintain services the session. It returns immediately: inbound events
// are handled, a pending connect is polled, and on the check interval a
// new connect attempt may be started.
func (s *Session) Maintain() {
	s.drain()
	s.pollConnect()

	now := s.now()
	s.mu.Lock()
	if !s.lastCheck.IsZero() && now.Sub(s.lastCheck) < s.cfg.CheckInterval {
		s.mu.Unlock()
		return
	}
	s.lastCheck = now
	state := s.state
	client := s.client
	s.mu.Unlock()

	switch state {
	case Uninitialized:
		if s.Configured() {
			s.logger.Info("broker settings found")
			_ = s.Initialize()
		}
	case Connected:
		if !client.IsConnected() {
			s.connectionLost(errors.New("client reports disconnected"))
		}
	case Configured:
		if s.link != nil && !s.link.Connected() {
			return
		}
		s.connect(now)
	}
}

func (s *Session) connect(now time.Time) {
	s.mu.Lock()
	if !s.lastAttempt.IsZero() && now.Sub(s.lastAttempt) < s.cfg.RetryInterval {
		s.mu.Unlock()
		return
	}
	s.lastAttempt = now
	if s.attempts < s.cfg.MaxAttempts {
		s.attempts++
	} else if !s.exhausted {
		s.exhausted = true
		s.logger.Warn("reconnect attempts exhausted, retrying at fixed interval",
			"max", s.cfg.MaxAttempts, "interval", s.cfg.RetryInterval)
	}
	attempt := s.attempts
	client := s.client
	broker := s.broker
	s.mu.Unlock()

	s.logger.Info("connecting to broker", "broker", broker, "attempt", attempt)
	token := client.Connect()

	s.mu.Lock()
	s.pending = token
	s.mu.Unlock()
	s.setState(Connecting)
}

func (s *Session) pollConnect() {
	s.mu.Lock()
	token := s.pending
	state := s.state
	s.mu.Unlock()
	if token == nil || state != Connecting {
		return
	}

	select {
	case <-token.Done():
	default:
		return
	}

	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()
	if err := token.Error(); err != nil {
		s.logger.Warn("broker connect failed", "broker", s.broker, "error", err)
		s.setState(Configured)
		return
	}
	s.onConnected()
}

func (s *Session) onConnected() {
	s.mu.Lock()
	if s.state == Connected || s.client == nil {
		s.mu.Unlock()
		return
	}
	s.state = Connected
	s.attempts = 0
	s.exhausted = false
	s.pending = nil
	id := s.deviceID
	s.mu.Unlock()

	s.logger.Info("connected to broker", "broker", s.broker, "id", id)
	s.SubscribeAll()
	s.publish("/"+id+StatusSuffix, []byte("online"), s.cfg.QoS, true)
}

func (s *Session) connectionLost(err error) {
	s.mu.Lock()
	if s.state != Connected && s.state != Connecting {
		s.mu.Unlock()
		return
	}
	s.state = Configured
	s.pending = nil
	s.mu.Unlock()
	s.logger.Warn("broker connection lost", "error", err)
}

// teardown disconnects and forgets the client.
func (s *Session) teardown() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.pending = nil
	s.attempts = 0
	s.exhausted = false
	s.lastAttempt = time.Time{}
	s.lastCheck = time.Time{}
	s.mu.Unlock()

	// also aborts a connect still in flight
	if client != nil {
		client.Disconnect(250)
	}
	s.setState(Uninitialized)
}

// Close announces the node offline and disconnects.
func (s *Session) Close() {
	s.mu.Lock()
	connected := s.state == Connected
	id := s.deviceID
	client := s.client
	s.mu.Unlock()
	if connected {
		token := client.Publish("/"+id+StatusSuffix, s.cfg.QoS, true, "offline")
		token.WaitTimeout(time.Second)
	}
	if client != nil {
		s.logger.Info("disconnecting from broker")
		client.Disconnect(250)
	}
	s.setState(Uninitialized)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		State:         s.state,
		Broker:        s.broker,
		DeviceID:      s.deviceID,
		Attempts:      s.attempts,
		LastAttemptAt: s.lastAttempt,
	}
}

// Topic returns the per-device topic for suffix.
func (s *Session) Topic(suffix string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return "/" + s.deviceID + suffix
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if prev != st {
		s.logger.Debug("state changed", "from", prev, "to", st)
	}
}
