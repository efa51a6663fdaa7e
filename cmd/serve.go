package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"scalestack/internal/app"
	"scalestack/pkg/logging"
)

var (
	serveDebug   bool
	serveVerbose bool
)

// serveCmd runs one instance in the foreground until it is interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve [service...] [service.option=value...]",
	Short: "Run a scalestack instance",
	Long: `Runs a scalestack instance in the foreground.

Positional arguments either name a service to load, with its dependencies,
or set a service option:

  scalestack serve api profile.recent_size=50 api.hosts='["a","b"]'

Values are decoded as integers, booleans (true/false), none, JSON lists
and objects, or strings. Quote a value to keep it a string, prefix it with
json: to force JSON, or pass - to read it from stdin. Without any service
argument every known service is loaded.

The first SIGINT or SIGTERM drains the instance and shuts it down. A
second one exits immediately.

Configuration:
  scalestack loads ~/.config/scalestack/config.yaml, then
  ./.scalestack/config.yaml, then SCALESTACK_* environment variables.
  Use --config to load a single file instead. 'scalestack options' lists
  the options of every service.`,
	Args: cobra.ArbitraryArgs,
	RunE: runServe,
}

// runServe is the main entry point for the serve command
func runServe(cmd *cobra.Command, args []string) error {
	cfg := app.NewConfig(configPath, serveDebug, serveVerbose, args)
	cfg.Stdin = cmd.InOrStdin()
	cfg.Version = rootCmd.Version

	application, err := app.NewApplication(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		// Restore the default behavior so a second signal kills the process.
		stop()
	}()

	if err := application.Run(ctx); err != nil {
		logging.Error("CLI", err, "Instance stopped with an error")
		return err
	}
	return nil
}

// init registers the serve command and its flags with the root command.
func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVarP(&serveDebug, "debug", "d", false, "Log at debug level")
	serveCmd.Flags().BoolVarP(&serveVerbose, "verbose", "v", false, "Log at info level")
}
