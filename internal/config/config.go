// Package config manages client configuration using koanf/v2.
//
// Supports YAML files, environment variables, and the property-style
// keys of the C API (ZN_CONFIG_*).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Property keys — C API compatibility surface
// -------------------------------------------------------------------------

// Property keys accepted by FromProperties. These mirror the classic
// ZN_CONFIG_* configuration keys.
const (
	// KeyMode selects the session role: "client" or "peer".
	KeyMode = "mode"

	// KeyConnect is the locator to connect to.
	KeyConnect = "connect"

	// KeyPeer is the legacy alias of KeyConnect.
	KeyPeer = "peer"

	// KeyUser is the authentication user name.
	KeyUser = "user"

	// KeyPassword is the authentication password.
	KeyPassword = "password"

	// KeyMulticastAddress is the multicast group locator.
	KeyMulticastAddress = "multicast_address"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete client configuration.
type Config struct {
	Session SessionConfig `koanf:"session"`
	Scout   ScoutConfig   `koanf:"scouting"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// SessionConfig holds the session and transport parameters.
type SessionConfig struct {
	// Mode is the session role: "client" or "peer".
	Mode string `koanf:"mode"`

	// Connect is the locator to connect to,
	// e.g. "tcp/127.0.0.1:7447".
	Connect string `koanf:"connect"`

	// MulticastAddress is the group to join in peer mode,
	// e.g. "udp/224.0.0.224:7446".
	MulticastAddress string `koanf:"multicast_address"`

	// User and Password ride the session properties.
	User     string `koanf:"user"`
	Password string `koanf:"password"`

	// Lease is the session lease; silence for this long declares the
	// peer dead.
	Lease time.Duration `koanf:"lease"`

	// SNResolutionBits proposes the SN modulus exponent
	// (one of 8, 14, 21, 28, 56).
	SNResolutionBits uint `koanf:"sn_resolution_bits"`

	// BatchSize proposes the TX batch bound.
	BatchSize uint16 `koanf:"batch_size"`
}

// ScoutConfig holds the scouting parameters.
type ScoutConfig struct {
	// Address is the scouting multicast locator.
	Address string `koanf:"address"`

	// Timeout is how long Scout collects HELLOs.
	Timeout time.Duration `koanf:"timeout"`
}

// MetricsConfig holds the Prometheus endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address; empty disables the endpoint.
	Addr string `koanf:"addr"`

	// Path is the URL path for the metrics endpoint.
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`

	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the protocol defaults:
// a 10 s lease, 2^28 SN resolution, the full 16-bit batch, and the
// standard scouting group with a 1000 ms wait.
func DefaultConfig() *Config {
	return &Config{
		Session: SessionConfig{
			Mode:             "client",
			Lease:            10 * time.Second,
			SNResolutionBits: 28,
			BatchSize:        65535,
		},
		Scout: ScoutConfig{
			Address: "udp/224.0.0.224:7446",
			Timeout: 1000 * time.Millisecond,
		},
		Metrics: MetricsConfig{
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix.
// Variables are named ZENOH_<section>_<key>, e.g. ZENOH_SESSION_CONNECT.
const envPrefix = "ZENOH_"

// Load reads configuration from a YAML file at path, overlays
// environment overrides (ZENOH_ prefix), and merges on top of
// DefaultConfig. An empty path skips the file layer.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// envKeyMapper transforms ZENOH_SESSION_CONNECT -> session.connect.
// Only the first underscore separates section from key, so
// ZENOH_SESSION_BATCH_SIZE maps to session.batch_size.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"session.mode":               defaults.Session.Mode,
		"session.lease":              defaults.Session.Lease.String(),
		"session.sn_resolution_bits": defaults.Session.SNResolutionBits,
		"session.batch_size":         defaults.Session.BatchSize,
		"scouting.address":           defaults.Scout.Address,
		"scouting.timeout":           defaults.Scout.Timeout.String(),
		"metrics.path":               defaults.Metrics.Path,
		"log.level":                  defaults.Log.Level,
		"log.format":                 defaults.Log.Format,
	}
	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}
	return nil
}

// FromProperties overlays classic property-style keys onto cfg.
func FromProperties(cfg *Config, props map[string]string) {
	for key, val := range props {
		switch key {
		case KeyMode:
			cfg.Session.Mode = val
		case KeyConnect, KeyPeer:
			cfg.Session.Connect = val
		case KeyUser:
			cfg.Session.User = val
		case KeyPassword:
			cfg.Session.Password = val
		case KeyMulticastAddress:
			cfg.Session.MulticastAddress = val
		}
	}
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrInvalidMode indicates an unrecognized session mode.
	ErrInvalidMode = errors.New("session.mode must be client or peer")

	// ErrInvalidLease indicates a non-positive lease.
	ErrInvalidLease = errors.New("session.lease must be > 0")

	// ErrInvalidSNResolution indicates an unknown resolution exponent.
	ErrInvalidSNResolution = errors.New("session.sn_resolution_bits must be one of 8, 14, 21, 28, 56")

	// ErrClientMulticast indicates a client-mode multicast config.
	ErrClientMulticast = errors.New("client mode cannot use a multicast address")
)

// validSNBits lists the negotiable resolution exponents.
var validSNBits = map[uint]bool{8: true, 14: true, 21: true, 28: true, 56: true}

// Validate checks the configuration for logical errors.
func Validate(cfg *Config) error {
	switch cfg.Session.Mode {
	case "client", "peer":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, cfg.Session.Mode)
	}
	if cfg.Session.Lease <= 0 {
		return ErrInvalidLease
	}
	if !validSNBits[cfg.Session.SNResolutionBits] {
		return fmt.Errorf("%w: %d", ErrInvalidSNResolution, cfg.Session.SNResolutionBits)
	}
	if cfg.Session.Mode == "client" && cfg.Session.MulticastAddress != "" {
		return ErrClientMulticast
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a level string to slog.Level. Unknown values
// default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
