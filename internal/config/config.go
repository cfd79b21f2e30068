// Package config provides configuration types, defaults, and persistence for orrery.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration options for the broker.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http" yaml:"http"`
	PortPool PortPoolConfig `mapstructure:"port_pool" yaml:"port_pool"`
	Session  SessionConfig  `mapstructure:"session" yaml:"session"`
	Database DatabaseConfig `mapstructure:"database" yaml:"database"`
	Worker   WorkerConfig   `mapstructure:"worker" yaml:"worker"`
	RPC      RPCConfig      `mapstructure:"rpc" yaml:"rpc"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing" yaml:"tracing"`
}

// HTTPConfig holds the HTTP facade settings.
type HTTPConfig struct {
	// Host is the listen address. Default: "127.0.0.1"
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the listen port. Default: 8077
	Port int `mapstructure:"port" yaml:"port"`

	// APIKey gates every endpoint except /health and /metrics.
	// Empty disables the gate (development only).
	APIKey string `mapstructure:"api_key" yaml:"api_key"`

	// CORSAllowedOrigins is a comma-separated origin list. Default: "*"
	CORSAllowedOrigins string `mapstructure:"cors_allowed_origins" yaml:"cors_allowed_origins"`

	// RateLimitPerMin limits mutating requests per client IP per minute.
	// 0 disables rate limiting.
	RateLimitPerMin int `mapstructure:"rate_limit_per_min" yaml:"rate_limit_per_min"`
}

// Addr returns the host:port listen address.
func (h HTTPConfig) Addr() string {
	return net.JoinHostPort(h.Host, strconv.Itoa(h.Port))
}

// PortPoolConfig holds the worker port range, half-open [Start, End).
type PortPoolConfig struct {
	Start int `mapstructure:"start" yaml:"start"`
	End   int `mapstructure:"end" yaml:"end"`
}

// SessionConfig holds session lifecycle settings.
type SessionConfig struct {
	// IdleTimeoutSeconds is how long a session may sit without activity
	// before the reaper evicts it. Default: 3600
	IdleTimeoutSeconds int `mapstructure:"idle_timeout_seconds" yaml:"idle_timeout_seconds"`

	// ReapIntervalSeconds is how often the idle reaper runs. Default: 60
	ReapIntervalSeconds int `mapstructure:"reap_interval_seconds" yaml:"reap_interval_seconds"`
}

// IdleTimeout returns the idle timeout as a duration.
func (s SessionConfig) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutSeconds) * time.Second
}

// ReapInterval returns the reaper tick interval as a duration.
func (s SessionConfig) ReapInterval() time.Duration {
	return time.Duration(s.ReapIntervalSeconds) * time.Second
}

// DatabaseConfig holds the durable session store settings.
type DatabaseConfig struct {
	// Path is the sqlite database file. Default: "orrery.db"
	Path string `mapstructure:"path" yaml:"path"`

	// LogIncludeCommands is a comma-separated allowlist of command names
	// to persist. When non-empty it takes precedence over the exclude list.
	LogIncludeCommands string `mapstructure:"log_include_commands" yaml:"log_include_commands"`

	// LogExcludeCommands is a comma-separated denylist of command names.
	// Only consulted when the include list is empty. Default: "ping"
	LogExcludeCommands string `mapstructure:"log_exclude_commands" yaml:"log_exclude_commands"`
}

// IncludeList returns the parsed include list, trimmed, empties dropped.
func (d DatabaseConfig) IncludeList() []string {
	return splitCommandList(d.LogIncludeCommands)
}

// ExcludeList returns the parsed exclude list, trimmed, empties dropped.
func (d DatabaseConfig) ExcludeList() []string {
	return splitCommandList(d.LogExcludeCommands)
}

func splitCommandList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// WorkerConfig holds worker subprocess settings.
type WorkerConfig struct {
	// Binary is the worker executable. Empty means the current executable
	// (the worker is a subcommand of the broker binary).
	Binary string `mapstructure:"binary" yaml:"binary"`

	// ProbeTimeoutSeconds bounds the total readiness probe. Default: 30
	ProbeTimeoutSeconds int `mapstructure:"probe_timeout_seconds" yaml:"probe_timeout_seconds"`

	// ProbeIntervalMS is the pause between probe attempts. Default: 500
	ProbeIntervalMS int `mapstructure:"probe_interval_ms" yaml:"probe_interval_ms"`

	// GraceSeconds is how long terminate waits before force-killing. Default: 3
	GraceSeconds int `mapstructure:"grace_seconds" yaml:"grace_seconds"`
}

// ProbeTimeout returns the overall readiness deadline as a duration.
func (w WorkerConfig) ProbeTimeout() time.Duration {
	return time.Duration(w.ProbeTimeoutSeconds) * time.Second
}

// ProbeInterval returns the probe retry interval as a duration.
func (w WorkerConfig) ProbeInterval() time.Duration {
	return time.Duration(w.ProbeIntervalMS) * time.Millisecond
}

// Grace returns the termination grace period as a duration.
func (w WorkerConfig) Grace() time.Duration {
	return time.Duration(w.GraceSeconds) * time.Second
}

// RPCConfig holds worker socket settings.
type RPCConfig struct {
	// ReplyTimeoutSeconds bounds how long a routed command may take.
	// Engine computations can be slow; keep this generous. Default: 300
	ReplyTimeoutSeconds int `mapstructure:"reply_timeout_seconds" yaml:"reply_timeout_seconds"`
}

// ReplyTimeout returns the reply deadline as a duration.
func (r RPCConfig) ReplyTimeout() time.Duration {
	return time.Duration(r.ReplyTimeoutSeconds) * time.Second
}

// LoggingConfig holds the diagnostic sink settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error". Default: "info"
	Level string `mapstructure:"level" yaml:"level"`

	// Format is "text" or "json". Default: "text"
	Format string `mapstructure:"format" yaml:"format"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "stdout", "otlp". Default: "none"
	Exporter string `mapstructure:"exporter" yaml:"exporter"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0). Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate" yaml:"sample_rate"`

	// ServiceName identifies this service in traces. Default: "orrery"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		HTTP: HTTPConfig{
			Host:               "127.0.0.1",
			Port:               8077,
			APIKey:             "",
			CORSAllowedOrigins: "*",
			RateLimitPerMin:    0,
		},
		PortPool: PortPoolConfig{
			Start: 52000,
			End:   52100,
		},
		Session: SessionConfig{
			IdleTimeoutSeconds:  3600,
			ReapIntervalSeconds: 60,
		},
		Database: DatabaseConfig{
			Path:               "orrery.db",
			LogIncludeCommands: "",
			LogExcludeCommands: "ping",
		},
		Worker: WorkerConfig{
			Binary:              "",
			ProbeTimeoutSeconds: 30,
			ProbeIntervalMS:     500,
			GraceSeconds:        3,
		},
		RPC: RPCConfig{
			ReplyTimeoutSeconds: 300,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "none",
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
			ServiceName:  "orrery",
		},
	}
}

// Validate checks the configuration for errors.
func (c Config) Validate() error {
	if c.HTTP.Port < 1 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be in [1, 65535], got %d", c.HTTP.Port)
	}
	if c.PortPool.Start < 1 || c.PortPool.Start > 65535 {
		return fmt.Errorf("port_pool.start must be in [1, 65535], got %d", c.PortPool.Start)
	}
	if c.PortPool.End <= c.PortPool.Start {
		return fmt.Errorf("port_pool.end must be greater than port_pool.start, got [%d, %d)", c.PortPool.Start, c.PortPool.End)
	}
	if c.PortPool.End > 65536 {
		return fmt.Errorf("port_pool.end must be at most 65536, got %d", c.PortPool.End)
	}
	if c.Session.IdleTimeoutSeconds <= 0 {
		return fmt.Errorf("session.idle_timeout_seconds must be positive, got %d", c.Session.IdleTimeoutSeconds)
	}
	if c.Session.ReapIntervalSeconds <= 0 {
		return fmt.Errorf("session.reap_interval_seconds must be positive, got %d", c.Session.ReapIntervalSeconds)
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Worker.ProbeTimeoutSeconds <= 0 {
		return fmt.Errorf("worker.probe_timeout_seconds must be positive, got %d", c.Worker.ProbeTimeoutSeconds)
	}
	if c.Worker.ProbeIntervalMS <= 0 {
		return fmt.Errorf("worker.probe_interval_ms must be positive, got %d", c.Worker.ProbeIntervalMS)
	}
	if c.Worker.GraceSeconds < 0 {
		return fmt.Errorf("worker.grace_seconds must not be negative, got %d", c.Worker.GraceSeconds)
	}
	if c.RPC.ReplyTimeoutSeconds <= 0 {
		return fmt.Errorf("rpc.reply_timeout_seconds must be positive, got %d", c.RPC.ReplyTimeoutSeconds)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("logging.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format)
	}

	return c.Tracing.Validate()
}

// Validate checks tracing configuration for errors.
func (t TracingConfig) Validate() error {
	if t.SampleRate < 0.0 || t.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", t.SampleRate)
	}
	switch t.Exporter {
	case "", "none", "stdout", "otlp":
	default:
		return fmt.Errorf("tracing.exporter must be \"none\", \"stdout\", or \"otlp\", got %q", t.Exporter)
	}
	if t.Enabled && t.Exporter == "otlp" && t.OTLPEndpoint == "" {
		return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
	}
	return nil
}
