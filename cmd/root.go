package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"scalestack/internal/cli"
	"scalestack/internal/color"
	"scalestack/internal/orchestrator"
)

var (
	configPath   string
	endpoint     string
	outputFormat string
	quiet        bool
	theme        string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "scalestack",
	Short: "Run and manage a cluster of scalestack service instances",
	Long: `scalestack runs a set of dependent services on each instance of a
cluster. Instances discover each other over UDP heartbeats, and services
coordinate exclusive work through leased claims.

Start an instance with 'scalestack serve'. The other commands talk to a
running instance through its admin endpoint.`,
	// SilenceUsage is set to true to prevent printing usage message on errors
	// handled by us (e.g. invalid arguments, failed connections)
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return applyTheme(theme)
	},
}

// SetVersion sets the version for the root command
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "scalestack version %s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		// Cobra prints the error, we just exit with the matching code
		os.Exit(orchestrator.ExitCode(err))
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file, replaces the user and project files")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "Admin endpoint URL (default from the configuration)")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", string(cli.OutputFormatTable), "Output format (table, json, yaml)")
	rootCmd.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "Suppress non-essential output")
	rootCmd.PersistentFlags().StringVar(&theme, "theme", "auto", "Colour theme for tables (auto, dark, light)")
}

// applyTheme overrides the detected terminal background.
func applyTheme(name string) error {
	switch name {
	case "", "auto":
	case "dark":
		color.Initialize(true)
	case "light":
		color.Initialize(false)
	default:
		return fmt.Errorf("unsupported theme %q (auto, dark, light)", name)
	}
	return nil
}

// adminEndpoint returns --endpoint, or the endpoint of the loaded
// configuration.
func adminEndpoint() string {
	if endpoint != "" {
		return endpoint
	}
	return cli.DetectEndpoint(configPath)
}

// executeTool calls one admin tool on the running instance and prints the
// answer in the selected format.
func executeTool(cmd *cobra.Command, tool string, args map[string]any) error {
	format, err := cli.ParseOutputFormat(outputFormat)
	if err != nil {
		return err
	}
	executor := cli.NewToolExecutor(cli.ExecutorOptions{
		Format:   format,
		Quiet:    quiet,
		Endpoint: adminEndpoint(),
		Out:      cmd.OutOrStdout(),
	})
	defer executor.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := executor.Connect(ctx); err != nil {
		return err
	}
	return executor.Execute(ctx, tool, args)
}
