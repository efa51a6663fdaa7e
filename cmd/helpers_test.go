package cmd

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"scalestack/internal/admin"
	"scalestack/internal/cli"
	"scalestack/internal/orchestrator"
	"scalestack/internal/services"
)

// runCommand executes the root command with args after resetting the flag
// variables shared between tests.
func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configPath, endpoint, outputFormat, quiet, theme = "", "", string(cli.OutputFormatTable), false, "auto"
	optionsRemote, claimOwner, profileLimit = false, "", 0

	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetErr(&buf)
	rootCmd.SetIn(&bytes.Buffer{})
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetIn(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

type noopService struct{}

func (noopService) Start(context.Context) error  { return nil }
func (noopService) Stop(context.Context) error   { return nil }
func (noopService) Health(context.Context) error { return nil }

// startInstance runs an orchestrator with a "db" service behind an admin
// server on a random port and returns the admin endpoint.
func startInstance(t *testing.T) string {
	t.Helper()
	o := orchestrator.New(orchestrator.Config{}, orchestrator.WithDescriptors(services.Descriptor{
		Name:    "db",
		Factory: func(services.Env) (services.Service, error) { return noopService{}, nil },
	}))
	srv := admin.NewServer(admin.Config{Listen: "127.0.0.1:0"}, o)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	srvDone := make(chan error, 1)
	go func() { runDone <- o.Run(ctx) }()
	go func() { srvDone <- srv.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		for _, done := range []chan error{runDone, srvDone} {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				t.Error("shutdown did not finish")
			}
		}
	})

	require.Eventually(t, o.Ready, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return srv.Endpoint() != "" }, 3*time.Second, 5*time.Millisecond)
	return srv.Endpoint()
}
