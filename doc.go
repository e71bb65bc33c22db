// Package silverline coordinates SilverLine runtimes and benchmarking
// clients over a publish/subscribe broker.
//
// A Runtime registers itself with the orchestrator on <realm>/proc/reg,
// leaves a last-will deregistration with the broker and then serves the
// module create and delete requests arriving on its control topic. A Client
// talks to the orchestrator from the other side: it creates and deletes
// modules and runtimes, sends echo and reset requests, resolves runtime and
// module aliases against the orchestrator REST API and drives benchmark
// traffic at running modules.
//
// Both share a single broker connection per process. The channel
// multiplexer underneath routes each inbound message to exactly one open
// channel or handler by topic; a message on a topic nobody is listening to
// is a protocol error and stops the connection.
//
// # Transports
//
// The broker is selected with Config.PubSubSystem:
//   - mqtt: the default, with a broker-held last will
//   - channel: in-memory Go channels for tests and single-process demos
//   - nats: NATS Core
//   - kafka: Kafka topics, with "/" mapped to "."
//   - rabbitmq: AMQP exchanges
//
// Only mqtt holds the last will on the broker. The other transports publish
// it from the client when the connection context ends, so a process that
// dies abruptly does not deregister its runtime.
//
// # Profiling
//
// Client.Profile benchmarks modules in one of four modes. "active" sends a
// fixed number of rounds, "timed" keeps sending until a duration elapses,
// "passive" only waits and then stops the modules, and "run" does nothing.
// Payloads come from a Chinese restaurant process over geometrically
// distributed sizes so that repeated sizes occur the way real traffic
// repeats. Round-trip statistics are exported as Prometheus metrics and
// returned in the ProfileReport.
package silverline
