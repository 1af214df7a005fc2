// Package wifi keeps the node's station link up. When the link cannot be
// restored it falls back to a local access point with a configuration
// portal.
package wifi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State of the connectivity manager.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	PortalActive
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case PortalActive:
		return "portal_active"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Link is the station-mode network interface.
type Link interface {
	// Connected must not block.
	Connected() bool
	// AutoConnect joins a network with saved credentials, bounded by ctx.
	AutoConnect(ctx context.Context) error
	// Reconnect starts a connection attempt and returns immediately.
	Reconnect() error
	SetHostname(name string) error
	ResetCredentials() error
}

// Portal collects new credentials over a local access point. None of its
// methods may block.
type Portal interface {
	Start(apName, apPassword string) error
	Process()
	Stop() error
	Active() bool
}

// Announcer advertises the node on the local network while the link is up.
type Announcer interface {
	Announce(hostname string) error
	Withdraw()
}

type Config struct {
	Hostname       string
	APName         string
	APPassword     string
	ConnectTimeout time.Duration
	CheckInterval  time.Duration
	RetryInterval  time.Duration
	MaxAttempts    uint8
}

// Status is a point-in-time copy of the manager's counters.
type Status struct {
	State         State
	Attempts      uint8
	LastAttemptAt time.Time
}

// Manager drives the link state machine. Initialize and Maintain are meant
// for the main loop; Status may be read from any goroutine.
type Manager struct {
	cfg       Config
	link      Link
	portal    Portal
	announcer Announcer
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	state       State
	attempts    uint8
	lastCheck   time.Time
	lastAttempt time.Time
	announced   bool
}

// NewManager creates a manager in the Disconnected state. announcer may
// be nil.
func NewManager(cfg Config, link Link, portal Portal, announcer Announcer, logger *slog.Logger) *Manager {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 3
	}
	return &Manager{
		cfg:       cfg,
		link:      link,
		portal:    portal,
		announcer: announcer,
		logger:    logger.With("component", "wifi"),
		now:       time.Now,
	}
}

// Initialize applies the hostname and tries the saved credentials for at
// most ConnectTimeout. On failure the manager stays Disconnected and the
// caller decides whether to start the portal.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.link.SetHostname(m.cfg.Hostname); err != nil {
		m.logger.Warn("failed to set hostname", "hostname", m.cfg.Hostname, "error", err)
	}

	m.setState(Connecting)
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	err := m.link.AutoConnect(ctx)
	if err == nil && !m.link.Connected() {
		err = errors.New("link still down after auto-connect")
	}
	if err != nil {
		m.setState(Disconnected)
		m.logger.Warn("auto-connect failed", "timeout", m.cfg.ConnectTimeout, "error", err)
		return fmt.Errorf("auto-connect: %w", err)
	}

	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	m.setState(Connected)
	m.announce()
	m.logger.Info("connected with saved credentials")
	return nil
}

// Maintain advances the state machine by at most one step. It returns
// immediately whatever the link state.
func (m *Manager) Maintain() {
	if m.State() == PortalActive {
		m.portal.Process()
		if m.link.Connected() {
			m.leavePortal()
		}
		return
	}

	now := m.now()
	m.mu.Lock()
	if !m.lastCheck.IsZero() && now.Sub(m.lastCheck) < m.cfg.CheckInterval {
		m.mu.Unlock()
		return
	}
	m.lastCheck = now
	m.mu.Unlock()

	if m.link.Connected() {
		if m.State() != Connected {
			m.mu.Lock()
			m.attempts = 0
			m.mu.Unlock()
			m.setState(Connected)
			m.announce()
			m.logger.Info("link restored")
		}
		return
	}

	if m.State() == Connected {
		m.logger.Warn("link lost")
		m.withdraw()
		m.setState(Disconnected)
	}

	m.mu.Lock()
	if !m.lastAttempt.IsZero() && now.Sub(m.lastAttempt) < m.cfg.RetryInterval {
		m.mu.Unlock()
		return
	}
	m.lastAttempt = now
	if m.attempts >= m.cfg.MaxAttempts {
		m.mu.Unlock()
		m.logger.Warn("reconnect attempts exhausted, opening portal", "attempts", m.cfg.MaxAttempts)
		if err := m.StartPortal(); err != nil {
			m.logger.Error("failed to open portal", "error", err)
		}
		return
	}
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	m.setState(Connecting)
	m.logger.Info("reconnecting", "attempt", attempt, "max", m.cfg.MaxAttempts)
	if err := m.link.Reconnect(); err != nil {
		m.logger.Warn("reconnect request failed", "attempt", attempt, "error", err)
	}
}

// StartPortal opens the access point and configuration portal. It resets
// the attempt counter, which stays frozen while the portal is active.
func (m *Manager) StartPortal() error {
	if m.State() == PortalActive {
		return nil
	}
	if err := m.portal.Start(m.cfg.APName, m.cfg.APPassword); err != nil {
		return fmt.Errorf("start portal %s: %w", m.cfg.APName, err)
	}
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	m.withdraw()
	m.setState(PortalActive)
	m.logger.Info("configuration portal active", "ap", m.cfg.APName)
	return nil
}

func (m *Manager) leavePortal() {
	if err := m.portal.Stop(); err != nil {
		m.logger.Warn("failed to stop portal", "error", err)
	}
	m.mu.Lock()
	m.attempts = 0
	m.lastCheck = m.now()
	m.mu.Unlock()
	m.setState(Connected)
	m.announce()
	m.logger.Info("connected through portal, portal closed")
}

// ResetSettings erases the saved network credentials.
func (m *Manager) ResetSettings() error {
	if err := m.link.ResetCredentials(); err != nil {
		m.logger.Error("failed to reset credentials", "error", err)
		return fmt.Errorf("reset credentials: %w", err)
	}
	m.logger.Info("saved credentials erased")
	return nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Attempts() uint8 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connected reports whether the station link is up.
func (m *Manager) Connected() bool {
	return m.State() == Connected
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{State: m.state, Attempts: m.attempts, LastAttemptAt: m.lastAttempt}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	prev := m.state
	m.state = s
	m.mu.Unlock()
	if prev != s {
		m.logger.Debug("state changed", "from", prev, "to", s)
	}
}

func (m *Manager) announce() {
	if m.announcer == nil {
		return
	}
	if err := m.announcer.Announce(m.cfg.Hostname); err != nil {
		m.logger.Warn("mDNS announce failed", "error", err)
		return
	}
	m.mu.Lock()
	m.announced = true
	m.mu.Unlock()
}

func (m *Manager) withdraw() {
	if m.announcer == nil {
		return
	}
	m.mu.Lock()
	was := m.announced
	m.announced = false
	m.mu.Unlock()
	if was {
		m.announcer.Withdraw()
	}
}
