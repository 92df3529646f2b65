// Package config manages the async IP connection daemon's configuration
// using koanf/v2.
//
// Supports YAML files and environment variables.
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
	yamlv3 "gopkg.in/yaml.v3"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete daemon configuration.
type Config struct {
	Metrics   MetricsConfig    `koanf:"metrics" yaml:"metrics"`
	Log       LogConfig        `koanf:"log" yaml:"log"`
	Engine    EngineConfig     `koanf:"engine" yaml:"engine"`
	Listeners []ListenerConfig `koanf:"listeners" yaml:"listeners"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr" yaml:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path" yaml:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level" yaml:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format" yaml:"format"`
}

// EngineConfig holds the tunable constants of the connection engine.
// Defaults match the original engine's observable behavior; overriding
// WriteTick or PollTimeout changes wire-level timing, not correctness.
type EngineConfig struct {
	// Legacy restricts address resolution to IPv4. The select()-based
	// pollset backend is chosen by the "legacy" build tag, not by this field.
	Legacy bool `koanf:"legacy" yaml:"legacy"`

	// WriteTick is the write pump's idle pacing interval.
	WriteTick time.Duration `koanf:"write_tick" yaml:"write_tick"`

	// PollTimeout bounds a single pollset.Wait call in the read pump.
	PollTimeout time.Duration `koanf:"poll_timeout" yaml:"poll_timeout"`

	// PumpJoinTimeout bounds how long the pumps are given to exit after the
	// last connection closes before they are logged as timed out and
	// abandoned; closing a connection does not wait for them.
	PumpJoinTimeout time.Duration `koanf:"pump_join_timeout" yaml:"pump_join_timeout"`
}

// ListenerConfig describes one endpoint to open on daemon startup.
type ListenerConfig struct {
	// Name identifies this listener in logs and metrics.
	Name string `koanf:"name" yaml:"name"`

	// Transport is "tcp" or "udp".
	Transport string `koanf:"transport" yaml:"transport"`

	// Role is "server" or "client".
	Role string `koanf:"role" yaml:"role"`

	// Host is the bind address (server, may be empty for wildcard) or the
	// remote address (client).
	Host string `koanf:"host" yaml:"host"`

	// Port must be >= 49152.
	Port uint16 `koanf:"port" yaml:"port"`

	// MessageLength is the fixed payload size for this endpoint, clamped
	// to [1, 512].
	MessageLength int `koanf:"message_length" yaml:"message_length"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Engine: EngineConfig{
			Legacy:          false,
			WriteTick:       1 * time.Second,
			PollTimeout:     5 * time.Second,
			PumpJoinTimeout: 5 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for daemon configuration.
// Variables are named ASYNCIP_<section>_<key>, e.g., ASYNCIP_METRICS_ADDR.
const envPrefix = "ASYNCIP_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (ASYNCIP_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms ASYNCIP_METRICS_ADDR -> metrics.addr.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"metrics.addr":             defaults.Metrics.Addr,
		"metrics.path":             defaults.Metrics.Path,
		"log.level":                defaults.Log.Level,
		"log.format":               defaults.Log.Format,
		"engine.legacy":            defaults.Engine.Legacy,
		"engine.write_tick":        defaults.Engine.WriteTick.String(),
		"engine.poll_timeout":      defaults.Engine.PollTimeout.String(),
		"engine.pump_join_timeout": defaults.Engine.PumpJoinTimeout.String(),
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")

	// ErrInvalidListenerTransport indicates an unrecognized transport value.
	ErrInvalidListenerTransport = errors.New("listener transport must be tcp or udp")

	// ErrInvalidListenerRole indicates an unrecognized role value.
	ErrInvalidListenerRole = errors.New("listener role must be server or client")

	// ErrInvalidListenerPort indicates a port below the dynamic/private range.
	ErrInvalidListenerPort = errors.New("listener port must be >= 49152")

	// ErrMissingListenerHost indicates a client listener with no host.
	ErrMissingListenerHost = errors.New("client listener must specify host")

	// ErrDuplicateListenerName indicates two listeners share the same name.
	ErrDuplicateListenerName = errors.New("duplicate listener name")
)

// MinPort is the lowest port Validate accepts for a listener, mirroring
// the engine's own MIN_PORT constant.
const MinPort = 49152

// ValidTransports lists the recognized listener transport strings.
var ValidTransports = map[string]bool{"tcp": true, "udp": true}

// ValidRoles lists the recognized listener role strings.
var ValidRoles = map[string]bool{"server": true, "client": true}

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}

	return validateListeners(cfg.Listeners)
}

func validateListeners(listeners []ListenerConfig) error {
	seen := make(map[string]struct{}, len(listeners))

	for i, lc := range listeners {
		if !ValidTransports[lc.Transport] {
			return fmt.Errorf("listeners[%d] transport %q: %w", i, lc.Transport, ErrInvalidListenerTransport)
		}
		if !ValidRoles[lc.Role] {
			return fmt.Errorf("listeners[%d] role %q: %w", i, lc.Role, ErrInvalidListenerRole)
		}
		if lc.Port < MinPort {
			return fmt.Errorf("listeners[%d] port %d: %w", i, lc.Port, ErrInvalidListenerPort)
		}
		if lc.Role == "client" && lc.Host == "" {
			return fmt.Errorf("listeners[%d]: %w", i, ErrMissingListenerHost)
		}

		name := lc.Name
		if name == "" {
			name = fmt.Sprintf("%s-%s-%d", lc.Transport, lc.Role, lc.Port)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("listeners[%d] name %q: %w", i, name, ErrDuplicateListenerName)
		}
		seen[name] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// YAML Dump
// -------------------------------------------------------------------------

// DumpYAML renders cfg back to YAML, e.g. for an operator inspecting the
// effective configuration after defaults, file, and env layers have been
// merged. Uses yaml.v3 directly rather than through koanf, since koanf has
// nothing loaded at this point — cfg is already a plain struct.
func DumpYAML(cfg *Config) ([]byte, error) {
	out, err := yamlv3.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("marshal config to yaml: %w", err)
	}
	return out, nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
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
