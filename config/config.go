// Package config holds the boot configuration of a farm node and the
// category document store the managers read their runtime settings from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the locations checked for a boot config file,
// in order.
func DefaultSearchPaths() []string {
	paths := []string{"farm.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "farmnode", "farm.yaml"))
	}

	paths = append(paths, "/etc/farmnode/farm.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config is the boot configuration of the node.
type Config struct {
	LogLevel  string           `yaml:"log_level"`
	DataDir   string           `yaml:"data_dir"`
	Database  string           `yaml:"database"`
	LoopDelay time.Duration    `yaml:"loop_delay"`
	WiFi      WiFiConfig       `yaml:"wifi"`
	MQTT      MQTTConfig       `yaml:"mqtt"`
	NTP       NTPConfig        `yaml:"ntp"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Portal    PortalConfig     `yaml:"portal"`
	Actuators []ActuatorConfig `yaml:"actuators"`
	Sensors   SensorsConfig    `yaml:"sensors"`
	Publish   PublishConfig    `yaml:"publish"`
	Restart   RestartConfig    `yaml:"restart"`

	// Defaults seeds a category document the first time it is loaded and
	// nothing has been persisted for it yet.
	Defaults map[string]map[string]any `yaml:"defaults"`
}

type WiFiConfig struct {
	Interface      string        `yaml:"interface"`
	Hostname       string        `yaml:"hostname"`
	APName         string        `yaml:"ap_name"`
	APPassword     string        `yaml:"ap_password"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	CheckInterval  time.Duration `yaml:"check_interval"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Announce       bool          `yaml:"announce"`
	ServiceType    string        `yaml:"service_type"`
	AnnouncePort   int           `yaml:"announce_port"`
}

type MQTTConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	DeviceID       string        `yaml:"device_id"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	QoS            byte          `yaml:"qos"`
	Retain         bool          `yaml:"retain"`
	CheckInterval  time.Duration `yaml:"check_interval"`
	RetryInterval  time.Duration `yaml:"retry_interval"`
	MaxAttempts    int           `yaml:"max_attempts"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	KeepAlive      time.Duration `yaml:"keep_alive"`
}

type NTPConfig struct {
	Server     string        `yaml:"server"`
	Period     time.Duration `yaml:"period"`
	Timeout    time.Duration `yaml:"timeout"`
	StaleAfter time.Duration `yaml:"stale_after"`
	Location   string        `yaml:"location"`
}

type SchedulerConfig struct {
	Worker   bool          `yaml:"worker"`
	Interval time.Duration `yaml:"interval"`
}

type PortalConfig struct {
	Addr              string        `yaml:"addr"`
	AdminPasswordHash string        `yaml:"admin_password_hash"`
	SessionLifetime   time.Duration `yaml:"session_lifetime"`
}

// ActuatorConfig binds a relay output to the command codes that switch it.
type ActuatorConfig struct {
	Name     string `yaml:"name"`
	Pin      string `yaml:"pin"`
	Inverted bool   `yaml:"inverted"`
	OnCode   int    `yaml:"on_code"`
	OffCode  int    `yaml:"off_code"`
}

type SensorsConfig struct {
	SHT2x          bool          `yaml:"sht2x"`
	HumidityOffset float64       `yaml:"humidity_offset"`
	FlowPin        string        `yaml:"flow_pin"`
	PulsesPerLitre float64       `yaml:"pulses_per_litre"`
	Interval       time.Duration `yaml:"interval"`
}

type PublishConfig struct {
	Interval time.Duration `yaml:"interval"`
	// DailyReset is the time of day (HH:MM:SS) the daily counters are
	// cleared at.
	DailyReset string `yaml:"daily_reset"`
}

type RestartConfig struct {
	Command []string      `yaml:"command"`
	Grace   time.Duration `yaml:"grace"`
}

// Default returns the configuration the node runs with when the file
// leaves a value out.
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		DataDir:   "/var/lib/farmnode",
		Database:  "farmnode.db",
		LoopDelay: 100 * time.Millisecond,
		WiFi: WiFiConfig{
			Interface:      "wlan0",
			Hostname:       "IoP-Farm_001",
			APName:         "IoP-Farm_001",
			APPassword:     "12345678",
			ConnectTimeout: 10 * time.Second,
			CheckInterval:  5 * time.Second,
			RetryInterval:  5 * time.Second,
			MaxAttempts:    3,
			Announce:       true,
			ServiceType:    "_farmnode._tcp",
			AnnouncePort:   1883,
		},
		MQTT: MQTTConfig{
			Port:           1883,
			QoS:            1,
			Retain:         true,
			CheckInterval:  5 * time.Second,
			RetryInterval:  10 * time.Second,
			MaxAttempts:    1,
			ConnectTimeout: 5 * time.Second,
			KeepAlive:      30 * time.Second,
		},
		NTP: NTPConfig{
			Server:   "pool.ntp.org",
			Period:   time.Hour,
			Timeout:  2 * time.Second,
			Location: "UTC",
		},
		Scheduler: SchedulerConfig{
			Interval: time.Second,
		},
		Portal: PortalConfig{
			Addr:            ":80",
			SessionLifetime: time.Hour,
		},
		Actuators: []ActuatorConfig{
			{Name: "pump", Pin: "37", Inverted: true, OnCode: 1, OffCode: 2},
			{Name: "grow_light", Pin: "22", Inverted: true, OnCode: 3, OffCode: 4},
			{Name: "heat_lamp", Pin: "36", Inverted: true, OnCode: 5, OffCode: 6},
		},
		Sensors: SensorsConfig{
			SHT2x:          true,
			HumidityOffset: -17,
			PulsesPerLitre: 5880,
			Interval:       10 * time.Second,
		},
		Publish: PublishConfig{
			Interval:   20 * time.Second,
			DailyReset: "00:00:00",
		},
		Restart: RestartConfig{
			Grace: 200 * time.Millisecond,
		},
	}
}

// Load reads a YAML config file on top of Default. Environment variables
// in the file are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects values the managers cannot run with.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.WiFi.MaxAttempts < 1 || c.WiFi.MaxAttempts > 255 {
		return fmt.Errorf("wifi.max_attempts must be between 1 and 255, got %d", c.WiFi.MaxAttempts)
	}
	if c.MQTT.MaxAttempts < 1 || c.MQTT.MaxAttempts > 255 {
		return fmt.Errorf("mqtt.max_attempts must be between 1 and 255, got %d", c.MQTT.MaxAttempts)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if c.MQTT.Port < 0 || c.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port out of range: %d", c.MQTT.Port)
	}
	for name, d := range map[string]time.Duration{
		"loop_delay":          c.LoopDelay,
		"wifi.check_interval": c.WiFi.CheckInterval,
		"wifi.retry_interval": c.WiFi.RetryInterval,
		"mqtt.check_interval": c.MQTT.CheckInterval,
		"mqtt.retry_interval": c.MQTT.RetryInterval,
		"ntp.period":          c.NTP.Period,
		"scheduler.interval":  c.Scheduler.Interval,
		"publish.interval":    c.Publish.Interval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if _, err := time.LoadLocation(c.NTP.Location); err != nil {
		return fmt.Errorf("ntp.location: %w", err)
	}
	if _, err := time.Parse(time.TimeOnly, c.Publish.DailyReset); err != nil {
		return fmt.Errorf("publish.daily_reset: %w", err)
	}
	codes := make(map[int]string)
	for _, a := range c.Actuators {
		if a.Name == "" || a.Pin == "" {
			return fmt.Errorf("actuator needs a name and a pin: %+v", a)
		}
		for _, code := range []int{a.OnCode, a.OffCode} {
			if code == 0 {
				return fmt.Errorf("actuator %s: code 0 is reserved for restart", a.Name)
			}
			if other, ok := codes[code]; ok {
				return fmt.Errorf("actuator %s: code %d already used by %s", a.Name, code, other)
			}
			codes[code] = a.Name
		}
	}
	return nil
}

// DatabasePath resolves Database against DataDir unless it is absolute.
func (c *Config) DatabasePath() string {
	if filepath.IsAbs(c.Database) {
		return c.Database
	}
	return filepath.Join(c.DataDir, c.Database)
}

// CategoryDefaults converts the defaults section into seed documents keyed
// by category. Unknown category names are ignored.
func (c *Config) CategoryDefaults() map[Category]map[string]any {
	out := make(map[Category]map[string]any)
	for _, cat := range Categories() {
		if doc, ok := c.Defaults[string(cat)]; ok {
			out[cat] = normalize(doc).(map[string]any)
		}
	}
	// Broker settings from the boot file seed the session document.
	session, ok := out[SessionConfig]
	if !ok {
		session = make(map[string]any)
		out[SessionConfig] = session
	}
	if _, ok := session[KeyHost]; !ok && c.MQTT.Host != "" {
		session[KeyHost] = c.MQTT.Host
	}
	if _, ok := session[KeyPort]; !ok && c.MQTT.Port != 0 {
		session[KeyPort] = float64(c.MQTT.Port)
	}
	if _, ok := session[KeyDeviceID]; !ok && c.MQTT.DeviceID != "" {
		session[KeyDeviceID] = c.MQTT.DeviceID
	}
	return out
}
