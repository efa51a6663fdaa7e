// Package config provides configuration management for scalestack.
//
// Configuration is layered. Later sources override earlier ones:
//
//  1. Default configuration (compiled in)
//  2. User configuration (~/.config/scalestack/config.yaml)
//  3. Project configuration (./.scalestack/config.yaml)
//  4. Environment variables (SCALESTACK_NODE_ID, SCALESTACK_LISTEN, ...)
//  5. Command line arguments of the form <service>.<option>=<value>
//
// When an explicit file is given with --config, it replaces layers 2 and 3.
//
// # Configuration Structure
//
//	node:
//	  id: node-a
//	  listen: 0.0.0.0:7946
//	  peers: [10.0.0.2:7946, 10.0.0.3:7946]
//	  epochDir: /var/lib/scalestack/epochs
//	timeouts:
//	  heartbeat: 1s
//	  liveness: 5s
//	  lease: 15s
//	  shutdown: 30s
//	backoff:
//	  mode: on-failure
//	  maxRetries: 5
//	bus:
//	  queueSize: 256
//	logging:
//	  level: info
//	  format: text
//	admin:
//	  enabled: true
//	  listen: 127.0.0.1:8090
//	status:
//	  enabled: true
//	  listen: 127.0.0.1:9090
//	load: [profile]
//	services:
//	  profile:
//	    recent_size: 200
//
// Service sections are opaque here. Their keys are checked against the
// options each service declares when the service starts.
//
// # Command Line Values
//
// Values given as <service>.<option>=<value> are converted with ParseValue:
// quoted strings stay strings, digits become integers, true/false/none
// become booleans and nil, JSON lists and objects are decoded, a json:
// prefix forces JSON decoding and a single "-" reads the value from stdin.
// An argument without "=" loads the named service.
package config
