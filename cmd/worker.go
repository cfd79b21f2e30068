package cmd

import (
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zjrosen/orrery/internal/log"
	"github.com/zjrosen/orrery/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker <port>",
	Short: "Run a single-session computation worker",
	Long: `Run one computation worker bound to 127.0.0.1:<port>. The broker spawns
one of these per session; running it by hand is only useful for poking
at the wire protocol.

Example:
  orrery worker 52000`,
	Args: cobra.ExactArgs(1),
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	port, err := strconv.Atoi(args[0])
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("invalid port %q", args[0])
	}

	log.Init(cfg.Logging.Level, cfg.Logging.Format)

	srv := worker.New()
	if err := srv.Listen(port); err != nil {
		return err
	}

	// The broker ends a session with SIGTERM; exiting on it keeps the
	// supervisor's grace period from being spent waiting on us.
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx)
}
