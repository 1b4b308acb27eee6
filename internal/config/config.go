// Package config manages the mesh daemon's configuration using koanf/v2.
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

	"github.com/packetcraft-inc/stacks-sub006/internal/bearer"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete meshd daemon configuration.
type Config struct {
	Server     ServerConfig      `koanf:"server"`
	Metrics    MetricsConfig     `koanf:"metrics"`
	Log        LogConfig         `koanf:"log"`
	Network    NetworkConfig     `koanf:"network"`
	Beacon     BeaconConfig      `koanf:"beacon"`
	Security   SecurityConfig    `koanf:"security"`
	Interfaces []InterfaceConfig `koanf:"interfaces"`
}

// ServerConfig holds the control/observability HTTP API configuration.
type ServerConfig struct {
	// Addr is the control API listen address (e.g., ":8080").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// NetworkConfig holds the node's network-layer feature flags and
// default relay/retransmission parameters (Section 6, local_config
// collaborator: relay_state, nwk_transmit_count/steps,
// relay_retrans_count/steps). Per-call transmit tagging still consults
// these through a runtime adapter; this struct only carries the
// declarative settings a deployment tunes.
type NetworkConfig struct {
	// Relay enables relaying of PDUs not destined for this node.
	Relay bool `koanf:"relay"`
	// Proxy enables GATT proxy forwarding (Section 4.5 ForwardTag/RelayTag).
	Proxy bool `koanf:"proxy"`

	// TransmitCount is the number of additional retransmissions for a
	// locally originated PDU (0 = send once).
	TransmitCount int `koanf:"transmit_count"`
	// TransmitIntervalSteps is the retransmit interval in 10ms steps.
	TransmitIntervalSteps int `koanf:"transmit_interval_steps"`

	// RelayRetransmitCount is the number of additional retransmissions
	// for a relayed PDU.
	RelayRetransmitCount int `koanf:"relay_retransmit_count"`
	// RelayRetransmitIntervalSteps is the relay retransmit interval in
	// 10ms steps.
	RelayRetransmitIntervalSteps int `koanf:"relay_retransmit_interval_steps"`
}

// NetworkTransmit returns the configured (count, intervalSteps) pair for
// locally originated PDUs, satisfying the shape network.Config expects.
func (nc NetworkConfig) NetworkTransmit() (count int, intervalSteps int) {
	return nc.TransmitCount, nc.TransmitIntervalSteps
}

// RelayRetransmit returns the configured (count, intervalSteps) pair for
// relayed PDUs, satisfying the shape network.Config expects.
func (nc NetworkConfig) RelayRetransmit() (count int, intervalSteps int) {
	return nc.RelayRetransmitCount, nc.RelayRetransmitIntervalSteps
}

// BeaconConfig holds the Secure Network Beacon broadcast configuration
// (Section 4.6).
type BeaconConfig struct {
	// Enabled controls whether this node broadcasts beacons at all.
	Enabled bool `koanf:"enabled"`
	// Interval is the broadcast cycle period; <= 0 falls back to
	// beacon.DefaultBroadcastInterval.
	Interval time.Duration `koanf:"interval"`
}

// SecurityConfig locates the NetKey material this node holds. Each path
// is expected to decode to one subnet's NetKey-derived material
// (NID, encryption key, privacy key, beacon key, identity key),
// indexed by position into NetKeyIndex.
type SecurityConfig struct {
	// NetKeyPaths lists the file paths carrying this node's NetKey
	// material, one file per NetKeyIndex in order.
	NetKeyPaths []string `koanf:"net_key_paths"`
}

// InterfaceConfig declares one bearer interface to bring up at daemon
// startup (Section 10 ambient stack: "bearer interface definitions
// (id, kind, tx queue depth)").
type InterfaceConfig struct {
	// Slot is the interface's slot number, packed with Kind into a
	// bearer.InterfaceID.
	Slot uint8 `koanf:"slot"`
	// Kind is "adv" or "gatt".
	Kind string `koanf:"kind"`
	// QueueDepth overrides the interface's tx queue depth; 0 keeps the
	// bearer package's per-kind default.
	QueueDepth int `koanf:"queue_depth"`
	// GATTMTU overrides a GATT interface's outbound SAR segment size;
	// 0 keeps bearer.DefaultGATTMTU. Ignored for ADV interfaces.
	GATTMTU int `koanf:"gatt_mtu"`
}

// BearerKind parses Kind into a bearer.Kind.
func (ic InterfaceConfig) BearerKind() (bearer.Kind, error) {
	switch strings.ToLower(ic.Kind) {
	case "adv":
		return bearer.KindADV, nil
	case "gatt":
		return bearer.KindGATT, nil
	default:
		return 0, fmt.Errorf("interface kind %q: %w", ic.Kind, ErrInvalidInterfaceKind)
	}
}

// InterfaceID packs Slot and Kind into a bearer.InterfaceID.
func (ic InterfaceConfig) InterfaceID() (bearer.InterfaceID, error) {
	kind, err := ic.BearerKind()
	if err != nil {
		return 0, err
	}
	return bearer.NewInterfaceID(kind, ic.Slot), nil
}

// Options returns the bearer.InterfaceOptions this declaration implies,
// for passing straight to bearer.Dispatch.AddInterface.
func (ic InterfaceConfig) Options() []bearer.InterfaceOption {
	var opts []bearer.InterfaceOption
	if ic.QueueDepth > 0 {
		opts = append(opts, bearer.WithQueueDepth(ic.QueueDepth))
	}
	if ic.GATTMTU > 0 {
		opts = append(opts, bearer.WithGATTMTU(ic.GATTMTU))
	}
	return opts
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":8080",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Network: NetworkConfig{
			Relay:                        true,
			Proxy:                        true,
			TransmitCount:                1,
			TransmitIntervalSteps:        1,
			RelayRetransmitCount:         2,
			RelayRetransmitIntervalSteps: 1,
		},
		Beacon: BeaconConfig{
			Enabled:  true,
			Interval: 10 * time.Second,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for meshd configuration.
// Variables are named MESHD_<section>_<key>, e.g., MESHD_SERVER_ADDR.
const envPrefix = "MESHD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (MESHD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	MESHD_SERVER_ADDR   -> server.addr
//	MESHD_METRICS_ADDR  -> metrics.addr
//	MESHD_METRICS_PATH  -> metrics.path
//	MESHD_LOG_LEVEL     -> log.level
//	MESHD_LOG_FORMAT    -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// MESHD_SERVER_ADDR -> server.addr (strip prefix, lowercase, _ -> .).
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

// envKeyMapper transforms MESHD_SERVER_ADDR -> server.addr.
// Strips the MESHD_ prefix, lowercases, and replaces _ with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "_", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"server.addr":                             defaults.Server.Addr,
		"metrics.addr":                            defaults.Metrics.Addr,
		"metrics.path":                            defaults.Metrics.Path,
		"log.level":                               defaults.Log.Level,
		"log.format":                               defaults.Log.Format,
		"network.relay":                           defaults.Network.Relay,
		"network.proxy":                           defaults.Network.Proxy,
		"network.transmit_count":                  defaults.Network.TransmitCount,
		"network.transmit_interval_steps":         defaults.Network.TransmitIntervalSteps,
		"network.relay_retransmit_count":          defaults.Network.RelayRetransmitCount,
		"network.relay_retransmit_interval_steps": defaults.Network.RelayRetransmitIntervalSteps,
		"beacon.enabled":                          defaults.Beacon.Enabled,
		"beacon.interval":                         defaults.Beacon.Interval.String(),
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
	// ErrEmptyServerAddr indicates the control API listen address is empty.
	ErrEmptyServerAddr = errors.New("server.addr must not be empty")

	// ErrInvalidTransmitCount indicates a negative transmit count.
	ErrInvalidTransmitCount = errors.New("network.transmit_count and relay_retransmit_count must be >= 0")

	// ErrInvalidBeaconInterval indicates a negative beacon interval.
	ErrInvalidBeaconInterval = errors.New("beacon.interval must be >= 0")

	// ErrInvalidInterfaceKind indicates an interface declares an
	// unrecognized kind.
	ErrInvalidInterfaceKind = errors.New("interface kind must be adv or gatt")

	// ErrInvalidInterfaceQueueDepth indicates a negative queue depth.
	ErrInvalidInterfaceQueueDepth = errors.New("interface queue_depth must be >= 0")

	// ErrDuplicateInterfaceID indicates two interfaces share the same
	// (kind, slot) pair.
	ErrDuplicateInterfaceID = errors.New("duplicate interface id")

	// ErrEmptyNetKeyPath indicates a security.net_key_paths entry is empty.
	ErrEmptyNetKeyPath = errors.New("security.net_key_paths entries must not be empty")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Server.Addr == "" {
		return ErrEmptyServerAddr
	}

	if cfg.Network.TransmitCount < 0 || cfg.Network.RelayRetransmitCount < 0 {
		return ErrInvalidTransmitCount
	}

	if cfg.Beacon.Interval < 0 {
		return ErrInvalidBeaconInterval
	}

	if err := validateSecurity(cfg.Security); err != nil {
		return err
	}

	if err := validateInterfaces(cfg.Interfaces); err != nil {
		return err
	}

	return nil
}

// validateSecurity checks that every declared NetKey material path is
// non-empty.
func validateSecurity(sec SecurityConfig) error {
	for i, p := range sec.NetKeyPaths {
		if p == "" {
			return fmt.Errorf("security.net_key_paths[%d]: %w", i, ErrEmptyNetKeyPath)
		}
	}
	return nil
}

// validateInterfaces checks each declarative interface entry for
// correctness and rejects duplicate (kind, slot) ids.
func validateInterfaces(ifaces []InterfaceConfig) error {
	seen := make(map[bearer.InterfaceID]struct{}, len(ifaces))

	for i, ic := range ifaces {
		id, err := ic.InterfaceID()
		if err != nil {
			return fmt.Errorf("interfaces[%d]: %w", i, err)
		}

		if ic.QueueDepth < 0 {
			return fmt.Errorf("interfaces[%d]: %w", i, ErrInvalidInterfaceQueueDepth)
		}

		if _, dup := seen[id]; dup {
			return fmt.Errorf("interfaces[%d] id %d: %w", i, id, ErrDuplicateInterfaceID)
		}
		seen[id] = struct{}{}
	}

	return nil
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
