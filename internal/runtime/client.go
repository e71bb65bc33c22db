package runtime

import (
	"context"
	sterrors "errors"

	configpkg "github.com/drblury/silverline/internal/runtime/config"
	"github.com/drblury/silverline/internal/runtime/control"
	errspkg "github.com/drblury/silverline/internal/runtime/errors"
	"github.com/drblury/silverline/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/silverline/internal/runtime/logging"
	"github.com/drblury/silverline/internal/runtime/metrics"
	"github.com/drblury/silverline/internal/runtime/mux"
	"github.com/drblury/silverline/internal/runtime/orchestrator"
	"github.com/drblury/silverline/internal/runtime/profiler"
	transportpkg "github.com/drblury/silverline/internal/runtime/transport"
)

// ClientDependencies holds the optional collaborators of a Client.
type ClientDependencies struct {
	TransportFactory transportpkg.Factory
	// Directory defaults to the orchestrator REST API at
	// Config.OrchestratorURL.
	Directory orchestrator.Directory
	Metrics   *metrics.Metrics
}

// Client controls the orchestrator and benchmarks modules. It shares one
// broker connection between control requests and profiling coordinators.
type Client struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	mux       *mux.Mux
	control   *control.Protocol
	directory orchestrator.Directory
	metrics   *metrics.Metrics
	errSub    *mux.Subscription
}

// NewClient connects to the broker and subscribes to orchestrator errors.
func NewClient(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ClientDependencies) (*Client, error) {
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}

	directory := deps.Directory
	if directory == nil {
		rest, err := orchestrator.NewRESTDirectory(conf.OrchestratorURL, orchestrator.WithLogger(log))
		if err != nil {
			return nil, err
		}
		directory = rest
	}

	broker, err := factory.Build(ctx, conf, log)
	if err != nil {
		return nil, err
	}
	m, err := mux.New(broker, mux.WithLogger(log), mux.WithMetrics(deps.Metrics))
	if err != nil {
		return nil, err
	}
	if err := m.Connect(ctx); err != nil {
		_ = m.Close()
		return nil, err
	}

	proto, err := control.New(m, conf.Realm, control.WithLogger(log), control.WithMetrics(deps.Metrics))
	if err != nil {
		_ = m.Close()
		return nil, err
	}

	c := &Client{
		Conf:      conf,
		Logger:    log,
		mux:       m,
		control:   proto,
		directory: directory,
		metrics:   deps.Metrics,
	}
	c.errSub, err = m.Handle(ctx, proto.Topic("proc", "err"), c.onOrchestratorError)
	if err != nil {
		_ = m.Close()
		return nil, err
	}
	return c, nil
}

// Control returns the control-plane protocol.
func (c *Client) Control() *control.Protocol {
	return c.control
}

// Directory returns the orchestrator directory.
func (c *Client) Directory() orchestrator.Directory {
	return c.directory
}

// Mux returns the shared channel multiplexer.
func (c *Client) Mux() *mux.Mux {
	return c.mux
}

// InferRuntimes resolves runtime aliases (UUID, last four characters or
// name).
func (c *Client) InferRuntimes(ctx context.Context, aliases []string) ([]string, error) {
	return orchestrator.InferRuntimes(ctx, c.directory, aliases)
}

// InferModules resolves module aliases.
func (c *Client) InferModules(ctx context.Context, aliases []string) ([]string, error) {
	return orchestrator.InferModules(ctx, c.directory, aliases)
}

// Profile benchmarks targets. Unset logger, metrics and join timeout are
// taken from the client.
func (c *Client) Profile(ctx context.Context, mode string, targets []profiler.Target, opts profiler.Options) (*profiler.Report, error) {
	if opts.Logger == nil {
		opts.Logger = c.Logger
	}
	if opts.Metrics == nil {
		opts.Metrics = c.metrics
	}
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = c.Conf.JoinTimeout
	}
	return profiler.Run(ctx, c.mux, mode, targets, opts)
}

// Close disconnects from the broker.
func (c *Client) Close() error {
	var errs []error
	if c.errSub != nil {
		if err := c.errSub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := c.mux.Close(); err != nil {
		errs = append(errs, err)
	}
	return sterrors.Join(errs...)
}

func (c *Client) onOrchestratorError(topic string, payload []byte) {
	var msg struct {
		Data any `json:"data"`
	}
	if err := jsoncodec.Unmarshal(payload, &msg); err != nil {
		c.Logger.Error("Orchestrator reported an error", nil, loggingpkg.LogFields{
			"topic":   topic,
			"payload": string(errspkg.Truncate(payload)),
		})
		return
	}
	c.Logger.Error("Orchestrator reported an error", nil, loggingpkg.LogFields{"data": msg.Data})
}
