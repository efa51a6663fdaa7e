package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"scalestack/internal/services/profile"
)

var profileLimit int

// profileCmd represents the profile command
var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Inspect lifecycle timings",
	Long: `The profile service records how long services take to start and stop.

Available commands:
  recent  - Show the latest entries of the running instance
  report  - Summarize a log of profile entries`,
}

var profileRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "Show the latest profile entries of the running instance",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var toolArgs map[string]any
		if profileLimit > 0 {
			toolArgs = map[string]any{"limit": profileLimit}
		}
		return executeTool(cmd, "profile_recent", toolArgs)
	},
}

var profileReportCmd = &cobra.Command{
	Use:   "report [file]",
	Short: "Summarize a log of profile entries",
	Long: `Read profile entries from a log file, or from stdin when no file is
given, and print the count, average, minimum, maximum, standard deviation
and total of every mark.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runProfileReport,
}

func runProfileReport(cmd *cobra.Command, args []string) error {
	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open profile log: %w", err)
		}
		defer f.Close()
		in = f
	}

	data, err := profile.ParseLog(in)
	if err != nil {
		return fmt.Errorf("parse profile log: %w", err)
	}
	return profile.WriteReport(cmd.OutOrStdout(), data)
}

func init() {
	rootCmd.AddCommand(profileCmd)
	profileCmd.AddCommand(profileRecentCmd)
	profileCmd.AddCommand(profileReportCmd)

	profileRecentCmd.Flags().IntVar(&profileLimit, "limit", 0, "Maximum number of entries (default all)")
}
