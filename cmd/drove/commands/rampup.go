package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/drove/internal/printer"
	"github.com/dyluth/drove/pkg/rampup"
)

var (
	rampupScenario string
	rampupMaxLines int
)

var rampupCmd = &cobra.Command{
	Use:   "rampup",
	Short: "Preview the starting lines of the scenarios",
	Long: `Preview the ramp-up of every scenario of the campaign: when each batch of
minions starts and how many minions are running after it.

Examples:
  # Preview every scenario
  drove rampup

  # Preview one scenario of another configuration
  drove rampup --config load.toml --scenario checkout`,
	RunE: runRampup,
}

func init() {
	rampupCmd.Flags().StringVarP(&rampupScenario, "scenario", "s", "", "Only preview this scenario")
	rampupCmd.Flags().IntVar(&rampupMaxLines, "max-lines", 1000, "Maximal number of lines per scenario")
	rootCmd.AddCommand(rampupCmd)
}

func runRampup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	found := false
	for i := range cfg.Scenarios {
		s := &cfg.Scenarios[i]
		if rampupScenario != "" && s.Name != rampupScenario {
			continue
		}
		found = true

		profile := s.Profile(cfg.RampUp)
		it, err := profile.Iterator(s.Minions)
		if err != nil {
			return printer.Error(
				fmt.Sprintf("invalid ramp-up for scenario '%s'", s.Name),
				err.Error(),
				nil,
			)
		}

		lines := rampup.Lines(it, rampupMaxLines)
		printer.Step("Scenario %s: %d minion(s), %s ramp-up\n", s.Name, s.Minions, profile.Strategy)
		printer.StartingLines(profile.StartOffset, lines)
		if len(lines) == rampupMaxLines {
			printer.Warning("Preview truncated after %d lines\n", rampupMaxLines)
		}
		printer.Println()
	}

	if !found {
		return printer.Error(
			fmt.Sprintf("scenario '%s' not found", rampupScenario),
			fmt.Sprintf("The campaign '%s' has no such scenario.", cfg.Campaign),
			[]string{"List the scenarios:\n  drove rampup"},
		)
	}
	return nil
}
