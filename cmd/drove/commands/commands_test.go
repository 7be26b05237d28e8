package commands

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/drove/internal/printer"
)

const campaignYAML = `version: "1.0"
campaign: "smoke"
rampup:
  strategy: immediate
scenarios:
  - name: browse
    minions: 3
    steps:
      - type: echo
  - name: checkout
    minions: 4
    rampup:
      strategy: regular
      regular:
        period: 1s
        count: 2
    steps:
      - type: pause
        duration: 10ms
`

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	printer.SetOutput(&out, &errOut)
	color.NoColor = true
	t.Cleanup(func() { printer.SetOutput(os.Stdout, os.Stderr) })

	rampupScenario, rampupMaxLines = "", 1000
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	if args == nil {
		args = []string{} // nil would read os.Args
	}
	rootCmd.SetArgs(args)
	err := Execute()
	return out.String(), errOut.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "drove.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	out, _, err := execute(t)
	assert.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "drove")
}

func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	_, _, err := execute(t, "--unknown-flag", "value")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestValidate(t *testing.T) {
	t.Run("valid configuration", func(t *testing.T) {
		out, _, err := execute(t, "validate", "--config", writeConfig(t, campaignYAML))
		require.NoError(t, err)
		assert.Contains(t, out, "Campaign 'smoke' is valid: 2 scenario(s), 7 minion(s)")
	})

	t.Run("invalid configuration", func(t *testing.T) {
		_, errOut, err := execute(t, "validate", "--config", writeConfig(t, "version: \"2.0\"\n"))
		require.EqualError(t, err, "invalid configuration")
		assert.Contains(t, errOut, "unsupported version: 2.0")
	})
}

func TestRampup(t *testing.T) {
	path := writeConfig(t, campaignYAML)

	t.Run("every scenario", func(t *testing.T) {
		out, _, err := execute(t, "rampup", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "→ Scenario browse: 3 minion(s), immediate ramp-up")
		assert.Contains(t, out, "→ Scenario checkout: 4 minion(s), regular ramp-up")
		assert.Contains(t, out, "1  +0s  3      3")
		assert.Contains(t, out, "2  +1s  2      4")
	})

	t.Run("one scenario", func(t *testing.T) {
		out, _, err := execute(t, "rampup", "--config", path, "--scenario", "checkout")
		require.NoError(t, err)
		assert.NotContains(t, out, "browse")
	})

	t.Run("unknown scenario", func(t *testing.T) {
		_, errOut, err := execute(t, "rampup", "--config", path, "--scenario", "search")
		require.EqualError(t, err, "scenario 'search' not found")
		assert.Contains(t, errOut, "The campaign 'smoke' has no such scenario.")
	})
}

func TestWatch_InvalidOutputFormat(t *testing.T) {
	_, errOut, err := execute(t, "watch", "--name", "test", "--output", "xml")
	require.EqualError(t, err, "invalid output format")
	assert.Contains(t, errOut, "Valid formats: default, json")
}
