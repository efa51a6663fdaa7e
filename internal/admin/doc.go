// Package admin exposes introspection and control of a running instance as
// MCP tools over streamable HTTP.
//
// Tools:
//   - status: phase, services, peers, claims and bus counters
//   - service_list, service_status, service_start, service_stop,
//     service_restart
//   - peer_list
//   - claim_list, claim_acquire, claim_release
//   - profile_recent: recent lifecycle timings of the profile service
//   - options: every declared service option with its default
//
// Every tool answers with a JSON text content; failures are reported as
// tool errors, never as protocol errors.
package admin
