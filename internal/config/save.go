package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/zjrosen/orrery/internal/log"
)

// DefaultConfigTemplate returns the default config as a YAML string with comments.
func DefaultConfigTemplate() string {
	return `# Orrery Configuration

# HTTP facade
http:
  host: 127.0.0.1
  port: 8077
  # API key required in the X-API-Key header on every endpoint except
  # /health and /metrics. Empty disables the gate (development only).
  api_key: ""
  # Comma-separated CORS origin list, or "*" for any origin
  cors_allowed_origins: "*"
  # Per-IP rate limit for mutating endpoints; 0 disables
  rate_limit_per_min: 0

# Worker port range, half-open: ports start..end-1 are handed to workers
port_pool:
  start: 52000
  end: 52100

# Session lifecycle
session:
  idle_timeout_seconds: 3600   # evict sessions idle longer than this
  reap_interval_seconds: 60    # how often the reaper checks

# Durable session log
database:
  path: orrery.db
  # Command logging filter: when the include list is non-empty only its
  # members are logged; otherwise everything except the exclude list is.
  log_include_commands: ""
  log_exclude_commands: "ping"

# Worker subprocess
worker:
  # Worker executable; empty means the broker binary itself
  # binary: /usr/local/bin/orrery
  probe_timeout_seconds: 30    # total readiness deadline
  probe_interval_ms: 500       # pause between readiness attempts
  grace_seconds: 3             # SIGTERM grace before SIGKILL

# Worker socket
rpc:
  reply_timeout_seconds: 300   # engine computations can be slow

# Diagnostics
logging:
  level: info    # debug, info, warn, error
  format: text   # text or json

# Distributed tracing
# tracing:
#   enabled: true
#   exporter: otlp             # none, stdout, otlp
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0
#   service_name: orrery
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
// Refuses to overwrite an existing file.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config file already exists at %s", configPath)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}
