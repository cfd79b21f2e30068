// Package cmd wires the orrery CLI: the broker daemon, the per-session
// worker process, and configuration helpers.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/orrery/internal/config"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "orrery",
	Short: "Session broker for a single-threaded computation engine",
	Long: `Orrery fronts a scientific computation engine that can only serve one
computation at a time per process. It spawns one worker process per user
session, routes commands to the right worker over a private TCP port,
and exposes the whole thing as a small HTTP API.

Run "orrery serve" to start the broker. The "worker" subcommand is what
the broker launches for each session.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./orrery.yaml)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("http.host", defaults.HTTP.Host)
	viper.SetDefault("http.port", defaults.HTTP.Port)
	viper.SetDefault("http.api_key", defaults.HTTP.APIKey)
	viper.SetDefault("http.cors_allowed_origins", defaults.HTTP.CORSAllowedOrigins)
	viper.SetDefault("http.rate_limit_per_min", defaults.HTTP.RateLimitPerMin)
	viper.SetDefault("port_pool.start", defaults.PortPool.Start)
	viper.SetDefault("port_pool.end", defaults.PortPool.End)
	viper.SetDefault("session.idle_timeout_seconds", defaults.Session.IdleTimeoutSeconds)
	viper.SetDefault("session.reap_interval_seconds", defaults.Session.ReapIntervalSeconds)
	viper.SetDefault("database.path", defaults.Database.Path)
	viper.SetDefault("database.log_include_commands", defaults.Database.LogIncludeCommands)
	viper.SetDefault("database.log_exclude_commands", defaults.Database.LogExcludeCommands)
	viper.SetDefault("worker.binary", defaults.Worker.Binary)
	viper.SetDefault("worker.probe_timeout_seconds", defaults.Worker.ProbeTimeoutSeconds)
	viper.SetDefault("worker.probe_interval_ms", defaults.Worker.ProbeIntervalMS)
	viper.SetDefault("worker.grace_seconds", defaults.Worker.GraceSeconds)
	viper.SetDefault("rpc.reply_timeout_seconds", defaults.RPC.ReplyTimeoutSeconds)
	viper.SetDefault("logging.level", defaults.Logging.Level)
	viper.SetDefault("logging.format", defaults.Logging.Format)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)
	viper.SetDefault("tracing.service_name", defaults.Tracing.ServiceName)

	// ORRERY_HTTP_PORT=9000 overrides http.port, and so on for every key.
	viper.SetEnvPrefix("orrery")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	switch {
	case cfgFile != "":
		viper.SetConfigFile(cfgFile)
	case os.Getenv("ORRERY_CONFIG") != "":
		viper.SetConfigFile(os.Getenv("ORRERY_CONFIG"))
	default:
		// Config lookup order:
		// 1. orrery.yaml (current directory)
		// 2. ~/.config/orrery/orrery.yaml (user config)
		if _, err := os.Stat("orrery.yaml"); err == nil {
			viper.SetConfigFile("orrery.yaml")
		} else {
			home, _ := os.UserHomeDir()
			viper.AddConfigPath(filepath.Join(home, ".config", "orrery"))
			viper.SetConfigName("orrery")
			viper.SetConfigType("yaml")
		}
	}

	if err := viper.ReadInConfig(); err != nil {
		// A missing file is fine: the defaults above plus ORRERY_* env
		// vars fully configure the broker, and "orrery config init"
		// writes a starter file. Anything else is worth a complaint.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "reading config: %v\n", err)
		}
	}

	_ = viper.Unmarshal(&cfg)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
