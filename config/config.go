// Package config loads service configuration from an optional JSON file with
// LIVEMAP_* environment variable overrides. Environment wins over file, file
// wins over defaults.
package config

import (
	"encoding/json"
	"os"
	"strconv"
	"time"

	"github.com/DennisWilmot/weather-updates-sub002/errors"
)

// Defaults.
const (
	DefaultHTTPAddr          = ":8080"
	DefaultNATSURL           = "nats://127.0.0.1:4222"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultPollInterval      = 10 * time.Second
	DefaultPollLookback      = 15 * time.Second
	DefaultBrokerBuffer      = 64
	DefaultShutdownTimeout   = 10 * time.Second
)

// Config is the full service configuration.
type Config struct {
	// HTTPAddr is the listen address for the client-facing HTTP server.
	HTTPAddr string `json:"http_addr"`

	// NATSURL is the upstream change-channel address.
	NATSURL string `json:"nats_url"`

	// IngestToken authenticates record pushes on the ingest endpoint.
	// Empty disables ingest.
	IngestToken string `json:"ingest_token"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level"`

	// HeartbeatInterval is the client liveness cadence.
	HeartbeatInterval Duration `json:"heartbeat_interval"`

	// PollInterval and PollLookback set the fallback polling cadence.
	// Lookback must exceed the interval.
	PollInterval Duration `json:"poll_interval"`
	PollLookback Duration `json:"poll_lookback"`

	// BrokerBuffer is the per-subscriber change queue capacity.
	BrokerBuffer int `json:"broker_buffer"`

	// ShutdownTimeout bounds graceful HTTP shutdown.
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// Duration unmarshals from JSON strings like "30s".
type Duration time.Duration

// UnmarshalJSON parses either a duration string or nanosecond count.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return errors.WrapInvalid(err, "Duration", "UnmarshalJSON", "parse "+val)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Duration", "UnmarshalJSON", "duration must be a string or number")
	}
	return nil
}

// MarshalJSON renders the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a configuration with all defaults applied.
func Default() Config {
	return Config{
		HTTPAddr:          DefaultHTTPAddr,
		NATSURL:           DefaultNATSURL,
		LogLevel:          "info",
		HeartbeatInterval: Duration(DefaultHeartbeatInterval),
		PollInterval:      Duration(DefaultPollInterval),
		PollLookback:      Duration(DefaultPollLookback),
		BrokerBuffer:      DefaultBrokerBuffer,
		ShutdownTimeout:   Duration(DefaultShutdownTimeout),
	}
}

// Load builds the configuration from defaults, an optional JSON file, and
// environment overrides, then validates it. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.WrapInvalid(err, "Config", "Load", "read "+path)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.WrapInvalid(err, "Config", "Load", "parse "+path)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setDuration := func(key string, dst *Duration) {
		if v, ok := os.LookupEnv(key); ok {
			if parsed, err := time.ParseDuration(v); err == nil {
				*dst = Duration(parsed)
			}
		}
	}

	setString("LIVEMAP_HTTP_ADDR", &c.HTTPAddr)
	setString("LIVEMAP_NATS_URL", &c.NATSURL)
	setString("LIVEMAP_INGEST_TOKEN", &c.IngestToken)
	setString("LIVEMAP_LOG_LEVEL", &c.LogLevel)
	setDuration("LIVEMAP_HEARTBEAT_INTERVAL", &c.HeartbeatInterval)
	setDuration("LIVEMAP_POLL_INTERVAL", &c.PollInterval)
	setDuration("LIVEMAP_POLL_LOOKBACK", &c.PollLookback)
	setDuration("LIVEMAP_SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	if v, ok := os.LookupEnv("LIVEMAP_BROKER_BUFFER"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.BrokerBuffer = n
		}
	}
}

// Validate checks invariants that would make the service misbehave at
// runtime rather than fail at startup.
func (c Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "http_addr is required")
	}
	if c.NATSURL == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "Config", "Validate", "nats_url is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "log_level must be debug, info, warn or error")
	}
	if c.HeartbeatInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "heartbeat_interval must be positive")
	}
	if c.PollInterval <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "poll_interval must be positive")
	}
	if c.PollLookback <= c.PollInterval {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "poll_lookback must exceed poll_interval")
	}
	if c.BrokerBuffer <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "broker_buffer must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate", "shutdown_timeout must be positive")
	}
	return nil
}
