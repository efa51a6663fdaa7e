package orchestrator

import (
	"maps"

	"scalestack/internal/events"
	"scalestack/internal/peer"
	"scalestack/internal/services"
	"scalestack/internal/supervisor"
)

// Status is a point-in-time view of one instance.
type Status struct {
	NodeID     string              `json:"nodeId,omitempty"`
	Generation uint64              `json:"generation,omitempty"`
	Phase      Phase               `json:"phase"`
	Services   []services.Snapshot `json:"services"`
	Peers      []peer.Record       `json:"peers,omitempty"`
	Claims     []peer.Claim        `json:"claims,omitempty"`
	Bus        events.Stats        `json:"bus"`
}

// Status collects the current state of services, peers and claims.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	st := Status{Phase: o.phase}
	reg, bus, coord := o.registry, o.bus, o.coord
	o.mu.Unlock()

	if reg != nil {
		st.Services = reg.Snapshots()
	}
	if bus != nil {
		st.Bus = bus.Stats()
	}
	if coord != nil {
		st.NodeID = coord.ID()
		st.Generation = coord.Generation()
		st.Peers = coord.Peers()
		st.Claims = coord.Claims()
	}
	return st
}

// Ready reports whether the orchestrator is running with every service
// Running.
func (o *Orchestrator) Ready() bool {
	o.mu.Lock()
	phase, reg := o.phase, o.registry
	o.mu.Unlock()
	if phase != PhaseRunning || reg == nil {
		return false
	}
	for _, snap := range reg.Snapshots() {
		if snap.State != services.StateRunning {
			return false
		}
	}
	return true
}

// Registry returns the service registry, or nil before Init.
func (o *Orchestrator) Registry() *services.Registry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.registry
}

// Supervisor returns the supervisor, or nil before Init.
func (o *Orchestrator) Supervisor() *supervisor.Supervisor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sup
}

// Coordinator returns the peer coordinator. It is nil before Init and when
// peer coordination is disabled.
func (o *Orchestrator) Coordinator() *peer.Coordinator {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.coord
}

// Bus returns the event bus, or nil before Init.
func (o *Orchestrator) Bus() *events.Bus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.bus
}

// ServiceData returns the extra data exposed by a running service.
func (o *Orchestrator) ServiceData(name string) (map[string]any, bool) {
	sup := o.Supervisor()
	if sup == nil {
		return nil, false
	}
	return sup.ServiceData(name)
}

// Settings returns the configured option values of a service.
func (o *Orchestrator) Settings(name string) map[string]any {
	return maps.Clone(o.cfg.Settings[name])
}
