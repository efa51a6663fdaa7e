// Package orchestrator is the root object of a scalestack process.
//
// One Orchestrator owns the event bus, the service registry, the supervisor
// and the peer coordinator of an instance. Nothing is global, so several
// orchestrators can run side by side in one process, for example over an
// in-memory transport network in tests.
//
// # Phases
//
// An orchestrator moves through the phases
//
//	Created → Initialized → Running → Draining → Stopped
//
//   - Init builds the bus, registers the built-in catalog plus any extra
//     descriptors and creates the coordinator. Configuration problems are
//     returned as *ConfigError.
//   - Run starts the coordinator and every service in dependency order, then
//     blocks until its context is cancelled or a critical service fails for
//     good. It always finishes with Drain and Shutdown.
//   - Drain stops accepting new claims and waits for in-flight events.
//   - Shutdown stops the services in reverse order, releases the remaining
//     claims, announces the departure to the peers and closes the bus.
//
// Cancelling the context of Run while services are still starting aborts
// the remaining startups and shuts down what was started.
//
// # Usage Example
//
//	orch := orchestrator.New(cfg, orchestrator.WithDescriptors(myService))
//	err := orch.Run(ctx)
//	os.Exit(orchestrator.ExitCode(err))
package orchestrator
