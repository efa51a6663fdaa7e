// Package services provides the service abstraction layer for scalestack.
//
// A hosted service is described by a Descriptor: its unique name, the names
// of the services it depends on, a Factory producing a Service from an Env,
// a RestartPolicy and the configuration options it accepts. Descriptors are
// stored in a Registry, which also keeps the state table of the running
// instances.
//
// # Service Interface
//
// All services implement Service:
//
//	type Service interface {
//	    Start(ctx context.Context) error
//	    Stop(ctx context.Context) error
//	    Health(ctx context.Context) error
//	}
//
// Services with a main loop also implement Runner; its Run method is
// supervised and a non-nil return counts as a failure.
//
// # Service Lifecycle
//
//	Registered -> Starting -> Running -> Stopping -> Stopped
//	                 |           |
//	                 v           v
//	               Failed <------+
//
// Failed instances are restarted according to their RestartPolicy. Only the
// supervisor moves instances between states; everyone else reads
// snapshots.
//
// # Example
//
//	reg := services.NewRegistry()
//	err := reg.Register(services.Descriptor{
//	    Name:         "api",
//	    Dependencies: []string{"db"},
//	    Factory:      newAPI,
//	    Options: map[string]services.Option{
//	        "port": {Default: 8080, Description: "Listen port."},
//	    },
//	})
//	order, err := reg.ResolveStartOrder()
package services
