// Package deviceflow is a device agent core for IoT platforms that speak
// the SmartREST line protocol over MQTT. It keeps one platform session
// alive, announces the device and its capabilities on every connect,
// recovers operations left dangling while offline and dispatches inbound
// operations to pluggable modules.
//
// An agent is built from a Config held in a config.Store and a catalog of
// modules. Each module implements at least one capability:
//
//   - StartupProducer: frames published once per session (agent info,
//     configuration report, start events).
//   - PeriodicSampler: frames published on every tick (measurements).
//   - OperationHandler: reacts to inbound operations, optionally through
//     declared Routes that mark an operation as exclusive.
//
// The built-in modules live in modules/builtin and the transports in
// transport/...; import transport/transports to register all of them.
//
// # Transports
//
// The session runs over one of these transports:
//   - mqtt: Eclipse Paho client, the production transport
//   - nats: NATS core subjects through Watermill
//   - rabbitmq: AMQP topic exchange through Watermill
//   - channel: in-memory broker for tests and local runs
//
// # Middleware
//
// Every handler, producer and sampler invocation runs through a Watermill
// middleware chain: dispatch ids, logging, OpenTelemetry tracing,
// Prometheus metrics, module stats, a handler timeout and panic recovery.
// Custom middleware and JobHooks are added via AgentDependencies.
//
// # Quick start
//
//	cfg, _ := deviceflow.LoadConfig("/etc/deviceflow/deviceflow.yaml")
//	store := deviceflow.NewConfigStore("/etc/deviceflow/deviceflow.yaml", cfg)
//	agent, err := deviceflow.NewAgent(ctx, store, deviceflow.NewTextLogger(os.Stderr, slog.LevelInfo), deviceflow.AgentDependencies{})
//	if err != nil {
//		return err
//	}
//	return agent.Run(ctx)
package deviceflow
