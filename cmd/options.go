package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"scalestack/internal/admin"
	"scalestack/internal/cli"
	"scalestack/internal/orchestrator"
	"scalestack/internal/services"
)

var optionsRemote bool

// optionsCmd lists the options of the built-in services
var optionsCmd = &cobra.Command{
	Use:   "options [service]",
	Short: "List the options of every service",
	Long: `List the options each service accepts, with their defaults.

Options are set in the services section of the configuration or on the
serve command line as <service>.<option>=<value>. With --remote the
running instance is asked instead, which also shows the configured values.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runOptions,
}

func runOptions(cmd *cobra.Command, args []string) error {
	var only string
	if len(args) == 1 {
		only = args[0]
	}

	if optionsRemote {
		var toolArgs map[string]any
		if only != "" {
			toolArgs = map[string]any{"service": only}
		}
		return executeTool(cmd, "options", toolArgs)
	}

	var descs []services.Descriptor
	for _, d := range orchestrator.Catalog() {
		if only == "" || d.Name == only {
			descs = append(descs, d)
		}
	}
	if only != "" && len(descs) == 0 {
		return fmt.Errorf("%w: %s", services.ErrNotFound, only)
	}
	return cli.WriteOptionHelp(cmd.OutOrStdout(), admin.OptionsOf(descs, nil))
}

func init() {
	rootCmd.AddCommand(optionsCmd)

	optionsCmd.Flags().BoolVar(&optionsRemote, "remote", false, "Ask the running instance")
}
