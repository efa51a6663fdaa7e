package admin

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"scalestack/internal/orchestrator"
	"scalestack/internal/peer"
	"scalestack/internal/services"
	"scalestack/internal/services/profile"
	"scalestack/internal/supervisor"
	"scalestack/pkg/logging"
)

// DefaultClaimOwner owns the claims acquired through claim_acquire when the
// caller names no owner.
const DefaultClaimOwner = "admin"

// ErrCoordinationDisabled is reported by peer and claim tools when the
// instance runs without a peer coordinator.
var ErrCoordinationDisabled = errors.New("peer coordination is disabled")

// Node is the instance the tools operate on. *orchestrator.Orchestrator
// implements it.
type Node interface {
	Status() orchestrator.Status
	Registry() *services.Registry
	Supervisor() *supervisor.Supervisor
	Coordinator() *peer.Coordinator
	ServiceData(name string) (map[string]any, bool)
	Settings(name string) map[string]any
}

// Tools implements the admin tool handlers.
type Tools struct {
	node Node

	mu     sync.Mutex
	leases map[string]*heldLease
}

type heldLease struct {
	lease  *peer.Lease
	cancel context.CancelFunc
}

// NewTools creates the tool handlers for node.
func NewTools(node Node) *Tools {
	return &Tools{node: node, leases: make(map[string]*heldLease)}
}

func nameArg(desc string) mcp.ToolOption {
	return mcp.WithString("name", mcp.Required(), mcp.Description(desc))
}

// ServerTools returns every tool with its handler.
func (t *Tools) ServerTools() []server.ServerTool {
	return []server.ServerTool{
		{
			Tool:    mcp.NewTool("status", mcp.WithDescription("Show the phase, services, peers, claims and bus counters of this instance")),
			Handler: t.HandleStatus,
		},
		{
			Tool:    mcp.NewTool("service_list", mcp.WithDescription("List all services with their current state")),
			Handler: t.HandleServiceList,
		},
		{
			Tool:    mcp.NewTool("service_status", mcp.WithDescription("Get the detailed status of a service"), nameArg("Service name")),
			Handler: t.HandleServiceStatus,
		},
		{
			Tool:    mcp.NewTool("service_start", mcp.WithDescription("Start a service after its dependencies"), nameArg("Service to start")),
			Handler: t.HandleServiceStart,
		},
		{
			Tool:    mcp.NewTool("service_stop", mcp.WithDescription("Stop a service and the services depending on it"), nameArg("Service to stop")),
			Handler: t.HandleServiceStop,
		},
		{
			Tool:    mcp.NewTool("service_restart", mcp.WithDescription("Restart a service"), nameArg("Service to restart")),
			Handler: t.HandleServiceRestart,
		},
		{
			Tool:    mcp.NewTool("peer_list", mcp.WithDescription("List the known peers")),
			Handler: t.HandlePeerList,
		},
		{
			Tool:    mcp.NewTool("claim_list", mcp.WithDescription("List the claims held locally and by peers")),
			Handler: t.HandleClaimList,
		},
		{
			Tool: mcp.NewTool("claim_acquire",
				mcp.WithDescription("Acquire a claim and keep it alive until released"),
				mcp.WithString("key", mcp.Required(), mcp.Description("Claim key")),
				mcp.WithString("owner", mcp.Description("Owner recorded with the claim (default admin)")),
			),
			Handler: t.HandleClaimAcquire,
		},
		{
			Tool: mcp.NewTool("claim_release",
				mcp.WithDescription("Release a claim held by this instance"),
				mcp.WithString("key", mcp.Required(), mcp.Description("Claim key")),
			),
			Handler: t.HandleClaimRelease,
		},
		{
			Tool: mcp.NewTool("profile_recent",
				mcp.WithDescription("Show the most recent lifecycle timings recorded by the profile service"),
				mcp.WithNumber("limit", mcp.Description("Maximum number of entries (default all)")),
			),
			Handler: t.HandleProfileRecent,
		},
		{
			Tool: mcp.NewTool("options",
				mcp.WithDescription("List the options every service accepts"),
				mcp.WithString("service", mcp.Description("Only list the options of this service")),
			),
			Handler: t.HandleOptions,
		},
	}
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func errorResult(format string, err error) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultError(fmt.Sprintf(format, err)), nil
}

// HandleStatus handles the status tool call
func (t *Tools) HandleStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(t.node.Status())
}

// HandleServiceList handles the service_list tool call
func (t *Tools) HandleServiceList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snaps := t.node.Status().Services
	return jsonResult(map[string]any{
		"services": snaps,
		"total":    len(snaps),
	})
}

// HandleServiceStatus handles the service_status tool call
func (t *Tools) HandleServiceStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	reg := t.node.Registry()
	if reg == nil {
		return mcp.NewToolResultError("services are not initialized"), nil
	}
	snap, err := reg.Lookup(name)
	if err != nil {
		return errorResult("Failed to get service status: %v", err)
	}
	desc, err := reg.Descriptor(name)
	if err != nil {
		return errorResult("Failed to get service status: %v", err)
	}

	result := map[string]any{
		"service":     snap,
		"description": desc.Description,
		"restart":     desc.Restart,
		"dependents":  reg.DirectDependents(name),
	}
	if data, ok := t.node.ServiceData(name); ok {
		result["data"] = data
	}
	return jsonResult(result)
}

type serviceAction func(s *supervisor.Supervisor, ctx context.Context, name string) error

func (t *Tools) serviceAction(ctx context.Context, req mcp.CallToolRequest, verb, done string, action serviceAction) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	sup := t.node.Supervisor()
	if sup == nil {
		return mcp.NewToolResultError("services are not initialized"), nil
	}
	logging.Info(subsystem, "Admin request to %s service %s", verb, name)
	if err := action(sup, ctx, name); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to %s service: %v", verb, err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Successfully %s service '%s'", done, name)), nil
}

// HandleServiceStart handles the service_start tool call
func (t *Tools) HandleServiceStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return t.serviceAction(ctx, req, "start", "started", (*supervisor.Supervisor).StartService)
}

// HandleServiceStop handles the service_stop tool call
func (t *Tools) HandleServiceStop(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return t.serviceAction(ctx, req, "stop", "stopped", (*supervisor.Supervisor).StopService)
}

// HandleServiceRestart handles the service_restart tool call
func (t *Tools) HandleServiceRestart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return t.serviceAction(ctx, req, "restart", "restarted", (*supervisor.Supervisor).RestartService)
}

// HandlePeerList handles the peer_list tool call
func (t *Tools) HandlePeerList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	coord := t.node.Coordinator()
	if coord == nil {
		return errorResult("%v", ErrCoordinationDisabled)
	}
	peers := coord.Peers()
	return jsonResult(map[string]any{
		"self": map[string]any{
			"id":         coord.ID(),
			"addr":       coord.LocalAddr(),
			"generation": coord.Generation(),
			"draining":   coord.Draining(),
		},
		"peers": peers,
		"total": len(peers),
	})
}

// HandleClaimList handles the claim_list tool call
func (t *Tools) HandleClaimList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	coord := t.node.Coordinator()
	if coord == nil {
		return errorResult("%v", ErrCoordinationDisabled)
	}
	claims := coord.Claims()
	return jsonResult(map[string]any{
		"claims": claims,
		"total":  len(claims),
	})
}

// HandleClaimAcquire handles the claim_acquire tool call. The lease is kept
// alive until claim_release or Close.
func (t *Tools) HandleClaimAcquire(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError("key is required"), nil
	}
	owner := DefaultClaimOwner
	if v, ok := req.GetArguments()["owner"].(string); ok && v != "" {
		owner = v
	}
	coord := t.node.Coordinator()
	if coord == nil {
		return errorResult("%v", ErrCoordinationDisabled)
	}

	lease, err := coord.Claim(ctx, key, owner)
	if err != nil {
		var conflict *peer.ConflictError
		if errors.As(err, &conflict) {
			return jsonResult(map[string]any{
				"key":      key,
				"acquired": false,
				"holder":   conflict.Holder,
				"epoch":    conflict.Epoch,
				"reason":   conflict.Reason,
			})
		}
		return errorResult("Failed to acquire claim: %v", err)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	if prev, ok := t.leases[key]; ok {
		prev.cancel()
	}
	t.leases[key] = &heldLease{lease: lease, cancel: cancel}
	t.mu.Unlock()

	go func() {
		if err := lease.KeepAlive(keepCtx); err != nil && keepCtx.Err() == nil {
			logging.Warn(subsystem, "Admin claim %s lost: %v", key, err)
		}
		t.mu.Lock()
		if h, ok := t.leases[key]; ok && h.lease == lease {
			delete(t.leases, key)
		}
		t.mu.Unlock()
	}()

	logging.Info(subsystem, "Admin acquired claim %s (epoch %d, owner %s)", key, lease.Epoch(), owner)
	return jsonResult(map[string]any{
		"key":       key,
		"acquired":  true,
		"holder":    coord.ID(),
		"epoch":     lease.Epoch(),
		"owner":     owner,
		"expiresAt": lease.ExpiresAt(),
	})
}

// HandleClaimRelease handles the claim_release tool call. Any local claim
// can be released, including one held by a service.
func (t *Tools) HandleClaimRelease(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	key, err := req.RequireString("key")
	if err != nil {
		return mcp.NewToolResultError("key is required"), nil
	}
	coord := t.node.Coordinator()
	if coord == nil {
		return errorResult("%v", ErrCoordinationDisabled)
	}

	t.mu.Lock()
	held, ok := t.leases[key]
	delete(t.leases, key)
	t.mu.Unlock()

	if ok {
		held.cancel()
		err = held.lease.Release(ctx)
	} else {
		err = coord.Release(ctx, key)
	}
	if err != nil {
		return errorResult("Failed to release claim: %v", err)
	}
	logging.Info(subsystem, "Admin released claim %s", key)
	return mcp.NewToolResultText(fmt.Sprintf("Successfully released claim '%s'", key)), nil
}

// HandleProfileRecent handles the profile_recent tool call
func (t *Tools) HandleProfileRecent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	data, ok := t.node.ServiceData(profile.Name)
	if !ok {
		return mcp.NewToolResultError("the profile service is not running"), nil
	}
	recent, _ := data["recent"].([]string)
	total := len(recent)
	if limit, ok := req.GetArguments()["limit"].(float64); ok && limit >= 0 && int(limit) < total {
		recent = recent[:int(limit)]
	}
	return jsonResult(map[string]any{
		"entries": recent,
		"total":   total,
		"size":    data["size"],
	})
}

// OptionInfo describes one declared service option.
type OptionInfo struct {
	Service     string `json:"service"`
	Option      string `json:"option"`
	Description string `json:"description,omitempty"`
	Default     any    `json:"default"`
	Value       any    `json:"value,omitempty"`
}

// HandleOptions handles the options tool call
func (t *Tools) HandleOptions(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	reg := t.node.Registry()
	if reg == nil {
		return mcp.NewToolResultError("services are not initialized"), nil
	}
	only, _ := req.GetArguments()["service"].(string)
	if only != "" {
		if _, err := reg.Descriptor(only); err != nil {
			return errorResult("Failed to list options: %v", err)
		}
	}

	var descs []services.Descriptor
	for _, d := range reg.Descriptors() {
		if only == "" || d.Name == only {
			descs = append(descs, d)
		}
	}
	opts := OptionsOf(descs, t.node.Settings)
	return jsonResult(map[string]any{
		"options": opts,
		"total":   len(opts),
	})
}

// Close stops renewing the claims acquired through claim_acquire. The
// claims themselves are released with the coordinator on shutdown.
func (t *Tools) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key, h := range t.leases {
		h.cancel()
		delete(t.leases, key)
	}
}

// OptionsOf lists the declared options of descs, sorted by service and
// option. settings supplies the configured values and may be nil.
func OptionsOf(descs []services.Descriptor, settings func(service string) map[string]any) []OptionInfo {
	var opts []OptionInfo
	for _, d := range descs {
		var values map[string]any
		if settings != nil {
			values = settings(d.Name)
		}
		for _, name := range d.OptionNames() {
			o := d.Options[name]
			opts = append(opts, OptionInfo{
				Service:     d.Name,
				Option:      name,
				Description: o.Description,
				Default:     o.Default,
				Value:       values[name],
			})
		}
	}
	slices.SortStableFunc(opts, func(a, b OptionInfo) int {
		return cmp.Compare(a.Service, b.Service)
	})
	return opts
}
