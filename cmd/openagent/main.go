// Command openagent runs and validates agent workflows.
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/kkkqkx123/open-agent/cli"
)

// Set via ldflags at build time.
var version = "dev"

var rootCmd = &cobra.Command{
	Use:          "openagent",
	Short:        "open-agent workflow engine CLI",
	Long:         "open-agent — run and validate graph-based LLM agent workflows.",
	SilenceUsage: true,
}

func init() {
	rootCmd.Version = version
	rootCmd.AddCommand(cli.NewRunCmd())
	rootCmd.AddCommand(cli.NewValidateCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
