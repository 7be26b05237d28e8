package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version string
	commit  string
	date    string

	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "drove",
	Short: "Drove - distributed load-testing campaigns",
	Long: `Drove runs load-testing campaigns across a fleet of factories.

A head process publishes the directives of the campaign over Redis, the
factories start their minions following the configured ramp-up and report
their progress with feedbacks and heartbeats.

This CLI previews and validates campaign configurations and watches the
activity of a running instance.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command.
func Execute() error {
	// Errors are printed with colors by the printer package
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func defaultConfigPath() string {
	if p := os.Getenv("DROVE_CONFIG"); p != "" {
		return p
	}
	return "drove.yml"
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path of the campaign configuration (YAML or TOML)")
}
