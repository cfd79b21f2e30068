package cmd

import (
	"github.com/spf13/cobra"

	"github.com/zjrosen/orrery/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage broker configuration",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a commented default config file",
	Long: `Write a commented orrery.yaml with every option at its default value.
Refuses to overwrite an existing file.

Example:
  orrery config init
  orrery config init /etc/orrery/orrery.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

func init() {
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := cfgFile
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		path = "orrery.yaml"
	}

	if err := config.WriteDefaultConfig(path); err != nil {
		return err
	}
	cmd.Printf("Wrote %s\n", path)
	return nil
}
