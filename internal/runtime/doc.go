/*
Package runtime wires the SilverLine runtime process and the benchmarking
client together from the smaller coordination packages.

# Architecture Overview

Every process holds one broker connection, wrapped by a channel multiplexer.
The multiplexer owns the topic to route table: each subscribed topic has
exactly one open channel (a FIFO mailbox read with a timeout) or one
handler. Deliveries on topics without a route are protocol errors and fail
the connection.

# Package Structure

## Runtime (runtime.go)

Runtime joins the orchestrator and serves its control channel:
  - Registration handshake on <realm>/proc/reg, with the delete envelope
    installed as the broker's last will
  - Control loop dispatching module create and delete to a ControlHandler
  - Optional ProfileHandler for the runtime's profile channel
  - Explicit deregistration on Close

## Client (client.go)

Client shares one multiplexer between the control protocol and the
profiling coordinators:
  - Module and runtime lifecycle, echo and reset requests
  - Alias resolution against the orchestrator REST API
  - Profiling runs in run, active, timed and passive mode
  - Logging of orchestrator errors published on <realm>/proc/err

# Sub-packages

  - brokertest/: In-memory Broker for tests
  - config/: Configuration with validation and credential redaction
  - control/: Control-plane requests (create, delete, echo, reset)
  - envelope/: Control-plane wire format
  - errors/: Sentinel errors and typed protocol, registration and join errors
  - ids/: UUID object ids, ULID client ids, short aliases
  - jsoncodec/: JSON marshaling
  - logging/: Logger interface and adapters
  - metrics/: Prometheus collectors and per-module round-trip statistics
  - mux/: Channel multiplexer
  - orchestrator/: REST directory and alias resolution
  - profiler/: Benchmark coordinators and drivers
  - registration/: Join handshake and last will
  - traffic/: Chinese restaurant process payload generator
  - transport/: Broker factory over the transport registry

# Usage Example

	cfg := silverline.DefaultConfig()
	cfg.MQTTURL = "tcp://broker:1883"

	client, err := silverline.NewClient(ctx, &cfg, logger, silverline.ClientDependencies{})
	if err != nil {
		return err
	}
	defer client.Close()

	runtimes, _ := client.InferRuntimes(ctx, []string{"edge-1"})
	id, _ := client.Control().CreateModule(ctx, runtimes[0], silverline.ModuleSpec{Name: "echo"})

	report, err := client.Profile(ctx, "active", []silverline.ProfileTarget{{Module: id}}, silverline.DefaultProfileOptions())
*/
package runtime
