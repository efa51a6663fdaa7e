package cmd

import (
	"github.com/spf13/cobra"
)

var claimOwner string

// statusCmd shows the overall state of the instance
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the state of the running instance",
	Long: `Show the lifecycle phase, the services, the peers, the claims and the
event bus counters of the running instance.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeTool(cmd, "status", nil)
	},
}

// peerCmd represents the peer command
var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Inspect the peers of the instance",
}

var peerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the known peers",
	Long: `List this instance and the peers it knows, with their liveness and
the time they were last heard from.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeTool(cmd, "peer_list", nil)
	},
}

// claimCmd represents the claim command
var claimCmd = &cobra.Command{
	Use:   "claim",
	Short: "Inspect and manage claims",
	Long: `Claims are exclusive, leased ownerships of a key across the cluster.

Available commands:
  list     - List the claims held locally and by peers
  acquire  - Acquire a claim for the admin server
  release  - Release a claim held by this instance`,
}

var claimListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the claims held locally and by peers",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeTool(cmd, "claim_list", nil)
	},
}

var claimAcquireCmd = &cobra.Command{
	Use:   "acquire <key>",
	Short: "Acquire a claim",
	Long: `Acquire a claim on behalf of the admin server. The running instance
keeps the claim alive until it is released or the instance stops. A claim
held by a peer is reported with its holder and epoch.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		toolArgs := map[string]any{"key": args[0]}
		if claimOwner != "" {
			toolArgs["owner"] = claimOwner
		}
		return executeTool(cmd, "claim_acquire", toolArgs)
	},
}

var claimReleaseCmd = &cobra.Command{
	Use:   "release <key>",
	Short: "Release a claim held by this instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeTool(cmd, "claim_release", map[string]any{"key": args[0]})
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	rootCmd.AddCommand(peerCmd)
	peerCmd.AddCommand(peerListCmd)

	rootCmd.AddCommand(claimCmd)
	claimCmd.AddCommand(claimListCmd)
	claimCmd.AddCommand(claimAcquireCmd)
	claimCmd.AddCommand(claimReleaseCmd)

	claimAcquireCmd.Flags().StringVar(&claimOwner, "owner", "", "Owner recorded with the claim (default admin)")
}
