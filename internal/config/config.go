package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/NodePath81/fbquality/internal/region"
	"github.com/NodePath81/fbquality/internal/util"
	"gopkg.in/yaml.v3"
)

const (
	defaultLogLevel = "info"

	defaultProbeTransport      = ProbeTransportHTTP
	defaultProbeInterval       = 500 * time.Millisecond
	defaultProbeTimeout        = 5 * time.Second
	defaultProbeICMPPrivileged = false

	defaultThroughputTimeout    = 10 * time.Second
	defaultThroughputNoiseFloor = 50 * time.Millisecond
	defaultThroughputRetryDelay = 50 * time.Millisecond
	defaultThroughputGap        = 100 * time.Millisecond
	defaultThroughputBackoff    = 500 * time.Millisecond

	defaultSessionWarmup           = 5 * time.Second
	defaultSessionLoad             = 30 * time.Second
	defaultSessionStability        = 60 * time.Second
	defaultSessionProgressInterval = 100 * time.Millisecond
	defaultSessionMinSpeedCap      = "5m"
	defaultSessionSpeedCapMargin   = "10m"
	defaultSessionMode             = "standard"

	defaultControlEnabled        = true
	defaultControlAddr           = "127.0.0.1"
	defaultControlPort           = 8080
	defaultControlMetricsEnabled = true
	defaultControlRateLimit      = 20.0
	defaultControlRateBurst      = 40

	ProbeTransportHTTP = "http"
	ProbeTransportTCP  = "tcp"
	ProbeTransportICMP = "icmp"
)

type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Hostname      string           `yaml:"hostname"`
	Logging       LoggingConfig    `yaml:"logging"`
	Regions       []region.Region  `yaml:"regions"`
	DefaultRegion string           `yaml:"default_region"`
	Probe         ProbeConfig      `yaml:"probe"`
	Throughput    ThroughputConfig `yaml:"throughput"`
	Session       SessionConfig    `yaml:"session"`
	Control       ControlConfig    `yaml:"control"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

type ProbeConfig struct {
	Transport      string   `yaml:"transport"`
	Interval       Duration `yaml:"interval"`
	Timeout        Duration `yaml:"timeout"`
	ICMPPrivileged *bool    `yaml:"icmp_privileged"`
}

type ThroughputConfig struct {
	Targets    []string `yaml:"targets"`
	Timeout    Duration `yaml:"timeout"`
	NoiseFloor Duration `yaml:"noise_floor"`
	RetryDelay Duration `yaml:"retry_delay"`
	Gap        Duration `yaml:"gap"`
	Backoff    Duration `yaml:"backoff"`
}

type SessionConfig struct {
	Warmup           Duration `yaml:"warmup"`
	Load             Duration `yaml:"load"`
	Stability        Duration `yaml:"stability"`
	ProgressInterval Duration `yaml:"progress_interval"`
	MinSpeedCap      string   `yaml:"min_speed_cap"`
	SpeedCapMargin   string   `yaml:"speed_cap_margin"`
	DefaultMode      string   `yaml:"default_mode"`

	MinSpeedCapMbps    float64 `yaml:"-"`
	SpeedCapMarginMbps float64 `yaml:"-"`
}

type ControlConfig struct {
	Enabled   *bool                `yaml:"enabled"`
	BindAddr  string               `yaml:"bind_addr"`
	BindPort  int                  `yaml:"bind_port"`
	AuthToken string               `yaml:"auth_token"`
	Metrics   ControlMetricsConfig `yaml:"metrics"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
}

type ControlMetricsConfig struct {
	Enabled *bool `yaml:"enabled"`
}

// RateLimitConfig bounds RPC calls per client address.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

func (c ControlConfig) IsEnabled() bool {
	return util.BoolValue(c.Enabled, defaultControlEnabled)
}

func (m ControlMetricsConfig) IsEnabled() bool {
	return util.BoolValue(m.Enabled, defaultControlMetricsEnabled)
}

func (p ProbeConfig) Privileged() bool {
	return util.BoolValue(p.ICMPPrivileged, defaultProbeICMPPrivileged)
}

func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(raw)
}

// Parse decodes, defaults and validates a YAML document.
func Parse(raw []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, err
	}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns a validated configuration with the control server
// disabled, for headless runs without a config file.
func Default() Config {
	disabled := false
	cfg := Config{Control: ControlConfig{Enabled: &disabled}}
	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) setDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	if len(c.Regions) == 0 {
		c.Regions = region.Defaults()
	}

	if c.Probe.Transport == "" {
		c.Probe.Transport = defaultProbeTransport
	}
	if c.Probe.Interval == 0 {
		c.Probe.Interval = Duration(defaultProbeInterval)
	}
	if c.Probe.Timeout == 0 {
		c.Probe.Timeout = Duration(defaultProbeTimeout)
	}
	if c.Probe.ICMPPrivileged == nil {
		privileged := defaultProbeICMPPrivileged
		c.Probe.ICMPPrivileged = &privileged
	}

	if len(c.Throughput.Targets) == 0 {
		c.Throughput.Targets = region.DefaultSpeedTargets()
	}
	if c.Throughput.Timeout == 0 {
		c.Throughput.Timeout = Duration(defaultThroughputTimeout)
	}
	if c.Throughput.NoiseFloor == 0 {
		c.Throughput.NoiseFloor = Duration(defaultThroughputNoiseFloor)
	}
	if c.Throughput.RetryDelay == 0 {
		c.Throughput.RetryDelay = Duration(defaultThroughputRetryDelay)
	}
	if c.Throughput.Gap == 0 {
		c.Throughput.Gap = Duration(defaultThroughputGap)
	}
	if c.Throughput.Backoff == 0 {
		c.Throughput.Backoff = Duration(defaultThroughputBackoff)
	}

	if c.Session.Warmup == 0 {
		c.Session.Warmup = Duration(defaultSessionWarmup)
	}
	if c.Session.Load == 0 {
		c.Session.Load = Duration(defaultSessionLoad)
	}
	if c.Session.Stability == 0 {
		c.Session.Stability = Duration(defaultSessionStability)
	}
	if c.Session.ProgressInterval == 0 {
		c.Session.ProgressInterval = Duration(defaultSessionProgressInterval)
	}
	if c.Session.MinSpeedCap == "" {
		c.Session.MinSpeedCap = defaultSessionMinSpeedCap
	}
	if c.Session.SpeedCapMargin == "" {
		c.Session.SpeedCapMargin = defaultSessionSpeedCapMargin
	}
	if c.Session.DefaultMode == "" {
		c.Session.DefaultMode = defaultSessionMode
	}

	if c.Control.Enabled == nil {
		enabled := defaultControlEnabled
		c.Control.Enabled = &enabled
	}
	if c.Control.BindAddr == "" {
		c.Control.BindAddr = defaultControlAddr
	}
	if c.Control.BindPort == 0 {
		c.Control.BindPort = defaultControlPort
	}
	if c.Control.Metrics.Enabled == nil {
		enabled := defaultControlMetricsEnabled
		c.Control.Metrics.Enabled = &enabled
	}
	if c.Control.RateLimit.RequestsPerSecond == 0 {
		c.Control.RateLimit.RequestsPerSecond = defaultControlRateLimit
	}
	if c.Control.RateLimit.Burst == 0 {
		c.Control.RateLimit.Burst = defaultControlRateBurst
	}
}

func (c *Config) validate() error {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error")
	}

	c.DefaultRegion = strings.TrimSpace(c.DefaultRegion)
	if _, err := region.NewCatalog(c.Regions, c.DefaultRegion); err != nil {
		return fmt.Errorf("regions: %w", err)
	}

	c.Probe.Transport = strings.ToLower(strings.TrimSpace(c.Probe.Transport))
	switch c.Probe.Transport {
	case ProbeTransportHTTP, ProbeTransportTCP, ProbeTransportICMP:
	default:
		return errors.New("probe.transport must be http, tcp or icmp")
	}
	if c.Probe.Interval.Duration() <= 0 {
		return errors.New("probe.interval must be > 0")
	}
	if c.Probe.Timeout.Duration() <= 0 {
		return errors.New("probe.timeout must be > 0")
	}

	for i, target := range c.Throughput.Targets {
		u, err := url.Parse(strings.TrimSpace(target))
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("throughput.targets[%d] must be an http(s) URL", i)
		}
	}
	if c.Throughput.Timeout.Duration() <= 0 {
		return errors.New("throughput.timeout must be > 0")
	}
	if c.Throughput.NoiseFloor.Duration() < 0 || c.Throughput.RetryDelay.Duration() < 0 ||
		c.Throughput.Gap.Duration() < 0 || c.Throughput.Backoff.Duration() < 0 {
		return errors.New("throughput delays must be >= 0")
	}

	if c.Session.Warmup.Duration() < 0 {
		return errors.New("session.warmup must be >= 0")
	}
	if c.Session.Load.Duration() <= 0 {
		return errors.New("session.load must be > 0")
	}
	if c.Session.Stability.Duration() <= 0 {
		return errors.New("session.stability must be > 0")
	}
	if c.Session.ProgressInterval.Duration() <= 0 {
		return errors.New("session.progress_interval must be > 0")
	}
	minCap, err := ParseMbps(c.Session.MinSpeedCap)
	if err != nil {
		return fmt.Errorf("session.min_speed_cap: %w", err)
	}
	if minCap <= 0 {
		return errors.New("session.min_speed_cap must be > 0")
	}
	margin, err := ParseMbps(c.Session.SpeedCapMargin)
	if err != nil {
		return fmt.Errorf("session.speed_cap_margin: %w", err)
	}
	if margin <= 0 {
		return errors.New("session.speed_cap_margin must be > 0")
	}
	c.Session.MinSpeedCapMbps = minCap
	c.Session.SpeedCapMarginMbps = margin
	c.Session.DefaultMode = strings.ToLower(strings.TrimSpace(c.Session.DefaultMode))
	switch c.Session.DefaultMode {
	case "standard", "stability":
	default:
		return errors.New("session.default_mode must be standard or stability")
	}

	if c.Control.IsEnabled() {
		if c.Control.AuthToken == "" {
			return errors.New("control.auth_token must not be empty")
		}
		if c.Control.BindPort <= 0 || c.Control.BindPort > 65535 {
			return errors.New("control.bind_port must be in 1..65535")
		}
		if c.Control.RateLimit.RequestsPerSecond < 0 || c.Control.RateLimit.Burst < 0 {
			return errors.New("control.rate_limit values must be >= 0")
		}
	}

	return nil
}
