/*
Package runtime provides the agent core of deviceflow.

# Architecture Overview

The runtime package keeps one platform session alive and runs the loaded
modules on top of it. Inbound SmartREST frames, startup producers and
periodic samplers all become invocations that run through a Watermill
middleware chain, so logging, tracing, metrics and panic recovery apply
uniformly.

# Package Structure

## Agent (agent.go)

The Agent struct wires together:
  - The connection manager and its session
  - Module discovery from a catalog
  - The dispatcher and the session lifecycle
  - The SQLite outbox for frames published while offline
  - HTTP servers for the status API and Prometheus metrics

## Dispatcher (dispatcher.go)

The dispatcher owns one bounded queue and worker pool per handler module.
Frames addressed to the device have the serial stripped, token frames are
applied before any later frame is queued and exclusive routes reject a
second operation while one is running.

## Lifecycle (lifecycle.go, bootstrap.go)

Each established session runs the startup sequence: identity, agent
information, supported operations, required interval, hardware, module
startup frames and subscriptions. Operations that were executing while the
agent was offline are then failed through the platform REST API. Devices
without credentials obtain them from the bootstrap user first.

## Middleware (middleware.go, hooks.go)

The default chain:
  - DispatchID: Tags every invocation with a ULID
  - LogInvocations: Debug logging of invocations
  - Tracer: OpenTelemetry spans
  - Metrics: Prometheus counters and histograms
  - Stats: Per-module latency, throughput and error breakdown
  - Timeout: Handler deadline
  - Recoverer: Panic recovery

## Stats & Monitoring (stats.go, metrics.go, status.go)

Per-module statistics and the dispatch collectors are served on the status
port under /api/modules, /api/session and /metrics.

# Sub-packages

  - config/: Configuration, YAML loading, environment overrides and the persisting store
  - connection/: Session state machine, reconnect loop and TLS loading
  - errors/: Sentinel errors and error types
  - ids/: ULID generation
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface and adapters
  - outbox/: SQLite outbox for QoS 1 frames
  - platform/: REST client for operation recovery
  - resources/: Process resource sampling

# Usage Example

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	agent, err := runtime.NewAgent(ctx, config.NewStore(path, cfg), logger, runtime.AgentDependencies{})
	if err != nil {
		return err
	}
	go agent.Run(ctx)
	<-ctx.Done()
	return agent.Stop(context.Background())
*/
package runtime
