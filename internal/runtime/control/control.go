// Package control publishes lifecycle requests for runtimes and modules.
//
// Requests are fire-and-forget: each carries a fresh object id and the
// orchestrator acknowledges nothing except Echo.
package control

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/silverline/internal/runtime/envelope"
	"github.com/drblury/silverline/internal/runtime/errors"
	"github.com/drblury/silverline/internal/runtime/ids"
	"github.com/drblury/silverline/internal/runtime/logging"
	"github.com/drblury/silverline/internal/runtime/metrics"
	"github.com/drblury/silverline/internal/runtime/mux"
)

// Module file types.
const (
	FileTypeWASM   = "WA"
	FileTypePython = "PY"
)

const (
	DefaultModuleName = "module"
	DefaultModulePath = "wasm/apps/helloworld.wasm"
	DefaultEchoWait   = 10 * time.Second

	// DefaultPeriod is the SCHED_DEADLINE period in nanoseconds.
	DefaultPeriod = int64(10_000_000)
)

// ModuleSpec describes a module to start on a runtime.
type ModuleSpec struct {
	Name string
	// Path is the module binary (WA) or script (PY), relative to the
	// runtime's base directory.
	Path     string
	FileType string
	// AOT selects the ahead-of-time compiled interpreter for PY modules.
	AOT  bool
	Argv []string
	Env  []string
	// Period in nanoseconds and the fraction of it reserved for the module.
	// A zero Utilization leaves scheduling to the runtime's default policy.
	Period      int64
	Utilization float64
}

func (s ModuleSpec) withDefaults() ModuleSpec {
	if s.Name == "" {
		s.Name = DefaultModuleName
	}
	if s.Path == "" {
		s.Path = DefaultModulePath
	}
	if s.FileType == "" {
		s.FileType = FileTypeWASM
	}
	if s.Period <= 0 {
		s.Period = DefaultPeriod
	}
	return s
}

func (s ModuleSpec) validate() error {
	if s.Utilization < 0 || s.Utilization > 1 {
		return fmt.Errorf("%w: %v", errors.ErrInvalidUtilization, s.Utilization)
	}
	if s.FileType != FileTypeWASM && s.FileType != FileTypePython {
		return fmt.Errorf("%w: %q", errors.ErrInvalidFileType, s.FileType)
	}
	return nil
}

// data builds the module block for a create request placed on target.
func (s ModuleSpec) data(id, target string) envelope.Module {
	mod := envelope.Module{
		Type:     envelope.KindModule,
		Parent:   &envelope.Parent{UUID: target},
		UUID:     id,
		Name:     s.Name,
		Filetype: s.FileType,
		Env:      append([]string{}, s.Env...),
	}
	switch s.FileType {
	case FileTypePython:
		flavor := "wasm"
		if s.AOT {
			flavor = "aot"
		}
		mod.Filename = fmt.Sprintf("%s/rustpython.%s", flavor, flavor)
		mod.Args = append([]string{mod.Filename, s.Path}, s.Argv...)
	default:
		mod.Filename = s.Path
		mod.Args = append([]string{s.Path}, s.Argv...)
	}
	if s.Utilization > 0 {
		mod.Resources = &envelope.Resources{
			Period:  s.Period,
			Runtime: int64(s.Utilization * float64(s.Period)),
		}
	}
	return mod
}

// Placement identifies one module created by CreateModules.
type Placement struct {
	Runtime string
	Path    string
}

// Option configures a Protocol.
type Option func(*Protocol)

// WithLogger sets the logger.
func WithLogger(logger logging.ServiceLogger) Option {
	return func(p *Protocol) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics counts published requests.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Protocol) { p.metrics = m }
}

// Protocol publishes control-plane requests through a connected Mux.
type Protocol struct {
	mux     *mux.Mux
	realm   string
	logger  logging.ServiceLogger
	metrics *metrics.Metrics
}

// New returns a Protocol publishing under realm.
func New(m *mux.Mux, realm string, opts ...Option) (*Protocol, error) {
	if m == nil {
		return nil, errors.ErrMuxRequired
	}
	if realm == "" {
		realm = "realm"
	}
	p := &Protocol{mux: m, realm: realm, logger: logging.NopLogger()}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Topic joins parts under the realm, e.g. Topic("proc", "control").
func (p *Protocol) Topic(parts ...string) string {
	return strings.Join(append([]string{p.realm}, parts...), "/")
}

// CreateModule asks target to start a module and returns the module id.
func (p *Protocol) CreateModule(ctx context.Context, target string, spec ModuleSpec) (string, error) {
	if target == "" {
		return "", errors.ErrTargetRequired
	}
	spec = spec.withDefaults()
	if err := spec.validate(); err != nil {
		return "", err
	}
	id := ids.NewObjectID()
	env, err := envelope.New(envelope.ActionCreate, spec.data(id, target))
	if err != nil {
		return "", err
	}
	if err := p.send(ctx, "CreateModule", p.Topic("proc", "control"), env, envelope.KindModule,
		attribute.String("module.id", id),
		attribute.String("runtime.id", target),
	); err != nil {
		return "", err
	}
	return id, nil
}

// CreateModules starts one module per target with the same spec.
func (p *Protocol) CreateModules(ctx context.Context, targets []string, spec ModuleSpec) (map[Placement]string, error) {
	spec = spec.withDefaults()
	created := make(map[Placement]string, len(targets))
	for _, target := range targets {
		id, err := p.CreateModule(ctx, target, spec)
		if err != nil {
			return created, fmt.Errorf("create module on %s: %w", target, err)
		}
		created[Placement{Runtime: target, Path: spec.Path}] = id
	}
	return created, nil
}

// DeleteModule asks the orchestrator to stop module id.
func (p *Protocol) DeleteModule(ctx context.Context, id string) error {
	if id == "" {
		return errors.ErrModuleIDRequired
	}
	env, err := envelope.New(envelope.ActionDelete, envelope.Ref{Type: envelope.KindModule, UUID: id})
	if err != nil {
		return err
	}
	return p.send(ctx, "DeleteModule", p.Topic("proc", "control"), env, envelope.KindModule,
		attribute.String("module.id", id))
}

// CreateRuntime announces a runtime on behalf of target, the same request a
// runtime sends when it joins.
func (p *Protocol) CreateRuntime(ctx context.Context, target, name string) error {
	if target == "" {
		return errors.ErrTargetRequired
	}
	env, err := envelope.New(envelope.ActionCreate, envelope.Ref{Type: envelope.KindRuntime, UUID: target, Name: name})
	if err != nil {
		return err
	}
	return p.send(ctx, "CreateRuntime", p.Topic("proc", "reg"), env, envelope.KindRuntime,
		attribute.String("runtime.id", target))
}

// DeleteRuntime instructs target to exit.
func (p *Protocol) DeleteRuntime(ctx context.Context, target, name string) error {
	if target == "" {
		return errors.ErrTargetRequired
	}
	env, err := envelope.New(envelope.ActionDelete, envelope.Ref{Type: envelope.KindRuntime, UUID: target, Name: name})
	if err != nil {
		return err
	}
	return p.send(ctx, "DeleteRuntime", p.Topic("proc", "control", target), env, envelope.KindRuntime,
		attribute.String("runtime.id", target))
}

// Reset asks the orchestrator to clear its profiling state. metadata is
// stored with the next trace.
func (p *Protocol) Reset(ctx context.Context, metadata any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	env, err := envelope.NewUntyped(envelope.ActionReset, metadata)
	if err != nil {
		return err
	}
	return p.send(ctx, "Reset", p.Topic("proc", "profile", "control"), env, "")
}

// Echo asks the orchestrator to echo a token and waits for it. Since the
// orchestrator handles requests in order, an answered echo means everything
// published before it was processed.
func (p *Protocol) Echo(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = DefaultEchoWait
	}
	token := ids.NewObjectID()
	answered := make(chan struct{})
	var once sync.Once

	sub, err := p.mux.Handle(ctx, p.Topic("proc", "echo"), func(_ string, payload []byte) {
		env, err := envelope.Parse(payload)
		if err != nil {
			return
		}
		var got string
		if env.DecodeData(&got) != nil || got != token {
			return
		}
		once.Do(func() { close(answered) })
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := sub.Close(); cerr != nil {
			p.logger.Debug("Closing echo subscription failed", logging.LogFields{"error": cerr})
		}
	}()

	env, err := envelope.NewUntyped(envelope.ActionEcho, token)
	if err != nil {
		return err
	}
	if err := p.send(ctx, "Echo", p.Topic("proc", "special"), env, ""); err != nil {
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-answered:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %v", errors.ErrEchoTimeout, timeout)
	case <-p.mux.Done():
		return p.mux.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Protocol) send(ctx context.Context, op, topic string, env envelope.Envelope, kind string, attrs ...attribute.KeyValue) (err error) {
	ctx, span := otel.Tracer("silverline-control").Start(ctx, op, trace.WithSpanKind(trace.SpanKindProducer))
	span.SetAttributes(append(attrs,
		attribute.String("envelope.object_id", env.ObjectID),
		attribute.String("envelope.action", env.Action),
		attribute.String("topic", topic),
	)...)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	payload, err := env.Marshal()
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", env.Action, err)
	}
	if err := p.mux.Write(ctx, topic, payload); err != nil {
		return err
	}
	p.metrics.RecordControlRequest(env.Action, kind)
	p.logger.Debug("Control request sent", logging.LogFields{
		"operation": op,
		"object_id": env.ObjectID,
		"topic":     topic,
	})
	return nil
}
