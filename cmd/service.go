package cmd

import (
	"github.com/spf13/cobra"
)

// serviceCmd represents the service command
var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage services",
	Long: `Manage the services of a running scalestack instance.

Available commands:
  list     - List all services with their state
  status   - Get detailed status of a service
  start    - Start a service whose dependencies are running
  stop     - Stop a service and the services depending on it
  restart  - Restart a service

Note: the instance must be running (use 'scalestack serve') before using these commands.`,
}

// serviceListCmd lists all services
var serviceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all services",
	Long: `List all services with their current state, health and restart count.`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return executeTool(cmd, "service_list", nil)
	},
}

// serviceStatusCmd gets detailed status of a service
var serviceStatusCmd = &cobra.Command{
	Use:   "status <service>",
	Short: "Get detailed status of a service",
	Long: `Get detailed status information for a service, including its
restart policy, its dependents and the data it publishes.`,
	Args: cobra.ExactArgs(1),
	RunE: serviceAction("service_status"),
}

// serviceStartCmd starts a service
var serviceStartCmd = &cobra.Command{
	Use:   "start <service>",
	Short: "Start a service",
	Long: `Start a service whose dependencies are running. Dependents that were
stopped along with it are started again afterwards.
Use 'scalestack service list' to see the available services.`,
	Args: cobra.ExactArgs(1),
	RunE: serviceAction("service_start"),
}

// serviceStopCmd stops a service
var serviceStopCmd = &cobra.Command{
	Use:   "stop <service>",
	Short: "Stop a service",
	Long: `Stop a service. The services depending on it are stopped first.`,
	Args:  cobra.ExactArgs(1),
	RunE:  serviceAction("service_stop"),
}

// serviceRestartCmd restarts a service
var serviceRestartCmd = &cobra.Command{
	Use:   "restart <service>",
	Short: "Restart a service",
	Long: `Stop and start a service together with its dependents.`,
	Args:  cobra.ExactArgs(1),
	RunE:  serviceAction("service_restart"),
}

func serviceAction(tool string) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return executeTool(cmd, tool, map[string]any{"name": args[0]})
	}
}

func init() {
	rootCmd.AddCommand(serviceCmd)

	serviceCmd.AddCommand(serviceListCmd)
	serviceCmd.AddCommand(serviceStatusCmd)
	serviceCmd.AddCommand(serviceStartCmd)
	serviceCmd.AddCommand(serviceStopCmd)
	serviceCmd.AddCommand(serviceRestartCmd)
}
