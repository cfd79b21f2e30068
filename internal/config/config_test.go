package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/zjrosen/orrery/internal/config"
)

func TestDefaults_AreValid(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:8077", cfg.HTTP.Addr())
	assert.Equal(t, 52000, cfg.PortPool.Start)
	assert.Equal(t, 52100, cfg.PortPool.End)
	assert.Equal(t, time.Hour, cfg.Session.IdleTimeout())
	assert.Equal(t, 60*time.Second, cfg.Session.ReapInterval())
	assert.Equal(t, 30*time.Second, cfg.Worker.ProbeTimeout())
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.ProbeInterval())
	assert.Equal(t, 3*time.Second, cfg.Worker.Grace())
	assert.Equal(t, 5*time.Minute, cfg.RPC.ReplyTimeout())
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "inverted port range",
			mutate:  func(c *config.Config) { c.PortPool.Start = 52100; c.PortPool.End = 52000 },
			wantErr: "port_pool.end",
		},
		{
			name:    "empty port range",
			mutate:  func(c *config.Config) { c.PortPool.End = c.PortPool.Start },
			wantErr: "port_pool.end",
		},
		{
			name:    "port range beyond 65535",
			mutate:  func(c *config.Config) { c.PortPool.Start = 65000; c.PortPool.End = 70000 },
			wantErr: "port_pool.end",
		},
		{
			name:    "zero idle timeout",
			mutate:  func(c *config.Config) { c.Session.IdleTimeoutSeconds = 0 },
			wantErr: "idle_timeout_seconds",
		},
		{
			name:    "negative reap interval",
			mutate:  func(c *config.Config) { c.Session.ReapIntervalSeconds = -1 },
			wantErr: "reap_interval_seconds",
		},
		{
			name:    "missing database path",
			mutate:  func(c *config.Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "unknown logging level",
			mutate:  func(c *config.Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "unknown logging format",
			mutate:  func(c *config.Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "sample rate out of range",
			mutate:  func(c *config.Config) { c.Tracing.SampleRate = 1.5 },
			wantErr: "sample_rate",
		},
		{
			name:    "unknown tracing exporter",
			mutate:  func(c *config.Config) { c.Tracing.Exporter = "zipkin" },
			wantErr: "tracing.exporter",
		},
		{
			name: "otlp enabled without endpoint",
			mutate: func(c *config.Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
				c.Tracing.OTLPEndpoint = ""
			},
			wantErr: "otlp_endpoint",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCommandLists_ParseAndTrim(t *testing.T) {
	d := config.DatabaseConfig{
		LogIncludeCommands: " get_value , set_value ,, run_compute ",
		LogExcludeCommands: "ping",
	}
	assert.Equal(t, []string{"get_value", "set_value", "run_compute"}, d.IncludeList())
	assert.Equal(t, []string{"ping"}, d.ExcludeList())

	empty := config.DatabaseConfig{}
	assert.Nil(t, empty.IncludeList())
	assert.Nil(t, empty.ExcludeList())
}

func TestDefaultConfigTemplate_ParsesToDefaults(t *testing.T) {
	var cfg config.Config
	require.NoError(t, yaml.Unmarshal([]byte(config.DefaultConfigTemplate()), &cfg))

	// The commented template and Defaults() must not drift apart.
	defaults := config.Defaults()
	// Tracing block is commented out in the template; compare the rest.
	cfg.Tracing = defaults.Tracing
	assert.Equal(t, defaults, cfg)
}

func TestWriteDefaultConfig_RefusesOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orrery.yaml")

	require.NoError(t, config.WriteDefaultConfig(path))

	data, err := os.ReadFile(path) //nolint:gosec // test-owned path
	require.NoError(t, err)
	assert.Contains(t, string(data), "port_pool:")

	err = config.WriteDefaultConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestWriteDefaultConfig_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "orrery.yaml")

	require.NoError(t, config.WriteDefaultConfig(path))

	var got config.Config
	data, err := os.ReadFile(path) //nolint:gosec // test-owned path
	require.NoError(t, err)
	require.NoError(t, yaml.Unmarshal(data, &got))
	assert.Equal(t, "orrery.db", got.Database.Path)
}
