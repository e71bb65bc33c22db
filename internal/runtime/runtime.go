package runtime

import (
	"context"
	sterrors "errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/silverline/internal/runtime/config"
	"github.com/drblury/silverline/internal/runtime/envelope"
	errspkg "github.com/drblury/silverline/internal/runtime/errors"
	loggingpkg "github.com/drblury/silverline/internal/runtime/logging"
	"github.com/drblury/silverline/internal/runtime/metrics"
	"github.com/drblury/silverline/internal/runtime/mux"
	"github.com/drblury/silverline/internal/runtime/registration"
	transportpkg "github.com/drblury/silverline/internal/runtime/transport"
)

const shutdownTimeout = 5 * time.Second

// ControlHandler executes the module requests the orchestrator sends to a
// runtime. Errors are logged; they do not stop the runtime.
type ControlHandler interface {
	CreateModule(ctx context.Context, mod envelope.Module) error
	DeleteModule(ctx context.Context, ref envelope.Ref) error
}

// ProfileHandler is implemented by control handlers that also consume the
// runtime's profile channel.
type ProfileHandler interface {
	HandleProfile(ctx context.Context, payload []byte) error
}

// RuntimeDependencies holds the optional collaborators of a Runtime.
type RuntimeDependencies struct {
	TransportFactory transportpkg.Factory
	Handler          ControlHandler
	Metrics          *metrics.Metrics
}

// Runtime is a registered compute runtime. Create it with NewRuntime, run
// Serve until it returns and finish with Close.
type Runtime struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	mux     *mux.Mux
	session *registration.Session
	handler ControlHandler
	metrics *metrics.Metrics

	closeOnce sync.Once
	closeErr  error
}

// NewRuntime connects to the broker and registers with the orchestrator.
// On error nothing is left open.
func NewRuntime(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps RuntimeDependencies) (*Runtime, error) {
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
	handler := deps.Handler
	if handler == nil {
		handler = loggingHandler{log: log}
	}

	broker, err := factory.Build(ctx, conf, log)
	if err != nil {
		return nil, err
	}
	m, err := mux.New(broker, mux.WithLogger(log), mux.WithMetrics(deps.Metrics))
	if err != nil {
		return nil, err
	}

	rec := registration.NewRecord(conf.Realm, conf.RuntimeID, conf.RuntimeName, conf.RuntimeAPIs)
	log.Info("Registering runtime", loggingpkg.LogFields{
		"runtime_id":    rec.ID,
		"runtime_name":  rec.Name,
		"pubsub_system": conf.PubSubSystem,
		"config":        conf,
	})
	sess, err := registration.Join(ctx, m, rec, registration.Options{
		Tick:    conf.RegistrationTick,
		Ticks:   conf.RegistrationTicks,
		Logger:  log,
		Metrics: deps.Metrics,
	})
	if err != nil {
		_ = m.Close()
		return nil, err
	}

	return &Runtime{
		Conf:    conf,
		Logger:  log.With(loggingpkg.LogFields{"runtime_id": rec.ID}),
		mux:     m,
		session: sess,
		handler: handler,
		metrics: deps.Metrics,
	}, nil
}

// ID returns the runtime's UUID.
func (r *Runtime) ID() string {
	return r.session.Record.ID
}

// Record returns the registration record.
func (r *Runtime) Record() registration.Record {
	return r.session.Record
}

// Serve dispatches control requests until ctx ends, the orchestrator deletes
// this runtime or a protocol error occurs. Cancellation is not an error.
func (r *Runtime) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// A requested shutdown ends the profile loop too.
		defer cancel()
		return r.serveControl(gctx)
	})
	if ph, ok := r.handler.(ProfileHandler); ok {
		g.Go(func() error { return r.serveProfile(gctx, ph) })
	}

	err := g.Wait()
	if sterrors.Is(err, context.Canceled) || sterrors.Is(err, errspkg.ErrChannelClosed) {
		return nil
	}
	return err
}

func (r *Runtime) serveControl(ctx context.Context) error {
	topic := r.session.Control.Topic()
	for {
		payload, err := r.session.Control.Read(ctx)
		if err != nil {
			return err
		}
		env, err := envelope.Parse(payload)
		if err != nil {
			return errspkg.NewProtocolError(topic, payload, err)
		}
		if env.IsResponse() {
			continue
		}
		stop, err := r.dispatch(ctx, env)
		if err != nil {
			return errspkg.NewProtocolError(topic, payload, err)
		}
		if stop {
			r.Logger.Info("Runtime deleted by orchestrator", nil)
			return nil
		}
	}
}

// dispatch runs one control request. It reports whether the request deleted
// this runtime.
func (r *Runtime) dispatch(ctx context.Context, env envelope.Envelope) (bool, error) {
	kind := env.Kind()
	r.metrics.RecordControlRequest(env.Action, kind)
	fields := loggingpkg.LogFields{"action": env.Action, "kind": kind, "object_id": env.ObjectID}

	switch {
	case env.Action == envelope.ActionCreate && kind == envelope.KindModule:
		var mod envelope.Module
		if err := env.DecodeData(&mod); err != nil {
			return false, err
		}
		if err := r.handler.CreateModule(ctx, mod); err != nil {
			r.Logger.Error("Module create failed", err, fields)
		}
	case env.Action == envelope.ActionDelete && kind == envelope.KindModule:
		var ref envelope.Ref
		if err := env.DecodeData(&ref); err != nil {
			return false, err
		}
		if err := r.handler.DeleteModule(ctx, ref); err != nil {
			r.Logger.Error("Module delete failed", err, fields)
		}
	case env.Action == envelope.ActionDelete && kind == envelope.KindRuntime:
		var ref envelope.Ref
		if err := env.DecodeData(&ref); err != nil {
			return false, err
		}
		if ref.UUID == "" || ref.UUID == r.ID() {
			return true, nil
		}
		r.Logger.Warn("Ignoring delete for another runtime", loggingpkg.LogFields{"target": ref.UUID})
	case env.Action == envelope.ActionCreate || env.Action == envelope.ActionDelete:
		r.Logger.Warn("Ignoring control request for unknown object type", fields)
	default:
		return false, fmt.Errorf("unknown control action %q", env.Action)
	}
	return false, nil
}

func (r *Runtime) serveProfile(ctx context.Context, ph ProfileHandler) error {
	for {
		payload, err := r.session.Profile.Read(ctx)
		if err != nil {
			return err
		}
		if err := ph.HandleProfile(ctx, payload); err != nil {
			r.Logger.Error("Profile message failed", err, nil)
		}
	}
}

// Close deregisters the runtime and disconnects. A clean disconnect does not
// fire the last will, so the delete request is published here.
func (r *Runtime) Close() error {
	r.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if r.mux.Err() == nil {
			if err := r.mux.Write(ctx, r.session.Record.Topics.Registration, r.session.Delete); err != nil {
				errs = append(errs, fmt.Errorf("deregister: %w", err))
			}
		}
		if err := r.session.Control.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := r.session.Profile.Close(); err != nil {
			errs = append(errs, err)
		}
		if err := r.mux.Close(); err != nil {
			errs = append(errs, err)
		}
		r.closeErr = sterrors.Join(errs...)
		r.Logger.Info("Runtime closed", nil)
	})
	return r.closeErr
}

// loggingHandler is used when no ControlHandler is given: the runtime
// acknowledges requests in its log and does nothing else.
type loggingHandler struct {
	log loggingpkg.ServiceLogger
}

func (h loggingHandler) CreateModule(_ context.Context, mod envelope.Module) error {
	h.log.Info("Create module requested", loggingpkg.LogFields{
		"module_id":   mod.UUID,
		"module_name": mod.Name,
		"filename":    mod.Filename,
		"args":        mod.Args,
	})
	return nil
}

func (h loggingHandler) DeleteModule(_ context.Context, ref envelope.Ref) error {
	h.log.Info("Delete module requested", loggingpkg.LogFields{"module_id": ref.UUID})
	return nil
}
