package wifi

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

type runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, bytes.TrimSpace(out))
	}
	return out, nil
}

const (
	statusTTL        = time.Second
	reconnectTimeout = 30 * time.Second
)

// NMLink drives a wireless interface through NetworkManager's nmcli.
// Connected answers from a cache that is refreshed in the background.
type NMLink struct {
	iface       string
	hotspotName string
	logger      *slog.Logger
	run         runner
	now         func() time.Time

	mu           sync.Mutex
	connected    bool
	checkedAt    time.Time
	refreshing   bool
	reconnecting bool
}

// NewNMLink manages iface. Connections named hotspotName are the node's
// own access point and never count as a station link.
func NewNMLink(iface, hotspotName string, logger *slog.Logger) *NMLink {
	return &NMLink{
		iface:       iface,
		hotspotName: hotspotName,
		logger:      logger.With("component", "nmcli", "iface", iface),
		run:         execRunner{},
		now:         time.Now,
	}
}

func (l *NMLink) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.refreshing && l.now().Sub(l.checkedAt) >= statusTTL {
		l.refreshing = true
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := l.Refresh(ctx); err != nil {
				l.logger.Debug("status refresh failed", "error", err)
			}
		}()
	}
	return l.connected
}

// Refresh queries the device state synchronously and updates the cache.
func (l *NMLink) Refresh(ctx context.Context) (bool, error) {
	out, err := l.run.Run(ctx, "nmcli", "-t", "-f", "DEVICE,TYPE,STATE,CONNECTION", "device")
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshing = false
	l.checkedAt = l.now()
	if err != nil {
		l.connected = false
		return false, err
	}
	l.connected = l.parseConnected(out)
	return l.connected, nil
}

func (l *NMLink) parseConnected(out []byte) bool {
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.SplitN(sc.Text(), ":", 4)
		if len(fields) != 4 || fields[0] != l.iface {
			continue
		}
		conn := strings.ReplaceAll(fields[3], `\:`, ":")
		return fields[2] == "connected" && conn != l.hotspotName
	}
	return false
}

// AutoConnect activates the interface with the best saved connection and
// waits for the result until ctx expires.
func (l *NMLink) AutoConnect(ctx context.Context) error {
	wait := 10
	if deadline, ok := ctx.Deadline(); ok {
		wait = int(math.Max(1, time.Until(deadline).Seconds()))
	}
	if _, err := l.run.Run(ctx, "nmcli", "--wait", strconv.Itoa(wait), "device", "connect", l.iface); err != nil {
		return err
	}
	ok, err := l.Refresh(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s not connected", l.iface)
	}
	return nil
}

// Reconnect starts an activation attempt in the background. A call while
// an attempt is running is ignored.
func (l *NMLink) Reconnect() error {
	l.mu.Lock()
	if l.reconnecting {
		l.mu.Unlock()
		return nil
	}
	l.reconnecting = true
	l.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), reconnectTimeout)
		defer cancel()
		_, err := l.run.Run(ctx, "nmcli", "device", "connect", l.iface)
		l.mu.Lock()
		l.reconnecting = false
		// force a fresh status read on the next Connected call
		l.checkedAt = time.Time{}
		l.mu.Unlock()
		if err != nil {
			l.logger.Debug("reconnect attempt failed", "error", err)
		}
	}()
	return nil
}

func (l *NMLink) SetHostname(name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := l.run.Run(ctx, "nmcli", "general", "hostname", name)
	return err
}

// ResetCredentials deletes every saved wireless connection except the
// node's own hotspot profile.
func (l *NMLink) ResetCredentials() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := l.run.Run(ctx, "nmcli", "-t", "-f", "NAME,TYPE", "connection", "show")
	if err != nil {
		return err
	}
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := sc.Text()
		i := strings.LastIndex(line, ":")
		if i < 0 || line[i+1:] != "802-11-wireless" {
			continue
		}
		name := strings.ReplaceAll(line[:i], `\:`, ":")
		if name == l.hotspotName {
			continue
		}
		if _, err := l.run.Run(ctx, "nmcli", "connection", "delete", name); err != nil {
			return err
		}
		l.logger.Info("deleted saved network", "name", name)
	}
	return nil
}

// Join connects to a new network and saves its credentials.
func (l *NMLink) Join(ctx context.Context, ssid, password string) error {
	args := []string{"device", "wifi", "connect", ssid}
	if password != "" {
		args = append(args, "password", password)
	}
	args = append(args, "ifname", l.iface)
	if _, err := l.run.Run(ctx, "nmcli", args...); err != nil {
		return fmt.Errorf("join %q: %w", ssid, err)
	}
	_, err := l.Refresh(ctx)
	return err
}

// Hotspot runs the node's own access point on the wireless interface.
type Hotspot struct {
	iface  string
	name   string
	logger *slog.Logger
	run    runner
}

func NewHotspot(iface, name string, logger *slog.Logger) *Hotspot {
	return &Hotspot{
		iface:  iface,
		name:   name,
		logger: logger.With("component", "hotspot", "iface", iface),
		run:    execRunner{},
	}
}

func (h *Hotspot) Up(ctx context.Context, ssid, password string) error {
	_, err := h.run.Run(ctx, "nmcli", "device", "wifi", "hotspot",
		"ifname", h.iface, "con-name", h.name, "ssid", ssid, "password", password)
	if err != nil {
		return err
	}
	h.logger.Info("hotspot up", "ssid", ssid)
	return nil
}

func (h *Hotspot) Down(ctx context.Context) error {
	if _, err := h.run.Run(ctx, "nmcli", "connection", "down", h.name); err != nil {
		return err
	}
	h.logger.Info("hotspot down")
	return nil
}
