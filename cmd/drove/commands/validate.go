package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/drove/internal/config"
	"github.com/dyluth/drove/internal/printer"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the campaign configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return printer.ErrorWithContext(
				"invalid configuration",
				err.Error(),
				map[string]string{"Config": configPath},
				[]string{"Fix the configuration and run:\n  drove validate"},
			)
		}

		var minions int
		for _, s := range cfg.Scenarios {
			minions += s.Minions
		}
		printer.Success("Campaign '%s' is valid: %d scenario(s), %d minion(s)\n", cfg.Campaign, len(cfg.Scenarios), minions)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

// loadConfig loads the configuration or prints why it cannot be.
func loadConfig() (*config.DroveConfig, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, printer.Error(
			"invalid configuration",
			fmt.Sprintf("Error: %v", err),
			[]string{fmt.Sprintf("Check the configuration:\n  drove validate --config %s", configPath)},
		)
	}
	return cfg, nil
}
