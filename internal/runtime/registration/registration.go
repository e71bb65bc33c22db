// Package registration implements the runtime join handshake with the
// orchestrator.
package registration

import (
	"context"
	"fmt"
	"strings"
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

// RuntimeType is announced for every runtime registered by this client.
const RuntimeType = "special"

const (
	DefaultTick  = time.Millisecond
	DefaultTicks = 5000
)

// Topics are the control-plane topics of one runtime.
type Topics struct {
	Registration string
	Keepalive    string
	Profile      string
	Control      string
}

// NewTopics derives the topics of runtimeID under realm.
func NewTopics(realm, runtimeID string) Topics {
	if realm == "" {
		realm = "realm"
	}
	join := func(parts ...string) string {
		return strings.Join(append([]string{realm}, parts...), "/")
	}
	return Topics{
		Registration: join("proc", "reg"),
		Keepalive:    join("proc", "keepalive"),
		Profile:      join("proc", "profile"),
		Control:      join("proc", "control", runtimeID),
	}
}

// Record identifies a runtime to the orchestrator.
type Record struct {
	ID     string
	Name   string
	APIs   []string
	Topics Topics
}

// NewRecord builds a record under realm. An empty id is replaced by a random
// UUID.
func NewRecord(realm, id, name string, apis []string) Record {
	if id == "" {
		id = ids.NewObjectID()
	}
	return Record{
		ID:     id,
		Name:   name,
		APIs:   append([]string(nil), apis...),
		Topics: NewTopics(realm, id),
	}
}

func (r Record) data() envelope.Runtime {
	apis := r.APIs
	if apis == nil {
		apis = []string{}
	}
	return envelope.Runtime{
		Type:        envelope.KindRuntime,
		UUID:        r.ID,
		Name:        r.Name,
		RuntimeType: RuntimeType,
		APIs:        apis,
	}
}

// CreateEnvelope announces the runtime.
func (r Record) CreateEnvelope() (envelope.Envelope, error) {
	return envelope.New(envelope.ActionCreate, r.data())
}

// DeleteEnvelope withdraws the runtime. It is armed as the last will and sent
// on orderly shutdown.
func (r Record) DeleteEnvelope() (envelope.Envelope, error) {
	return envelope.New(envelope.ActionDelete, r.data())
}

// Options tunes Join.
type Options struct {
	Tick    time.Duration
	Ticks   int
	Logger  logging.ServiceLogger
	Metrics *metrics.Metrics
}

func (o Options) withDefaults() Options {
	if o.Tick <= 0 {
		o.Tick = DefaultTick
	}
	if o.Ticks <= 0 {
		o.Ticks = DefaultTicks
	}
	if o.Logger == nil {
		o.Logger = logging.NopLogger()
	}
	return o
}

// Session is a joined runtime. Control and Profile stay open until the
// caller closes them.
type Session struct {
	Record  Record
	Control *mux.Channel
	Profile *mux.Channel
	// Delete is the serialized delete envelope, also armed as last will.
	Delete []byte
}

// Join connects m with the delete envelope as last will, registers rec and
// opens the runtime's control and profile channels. m must not be connected.
func Join(ctx context.Context, m *mux.Mux, rec Record, opts Options) (sess *Session, err error) {
	if m == nil {
		return nil, errors.ErrMuxRequired
	}
	if rec.ID == "" {
		return nil, errors.ErrRuntimeIDRequired
	}
	opts = opts.withDefaults()
	log := opts.Logger.With(logging.LogFields{"runtime_id": rec.ID, "runtime_name": rec.Name})

	ctx, span := otel.Tracer("silverline-registration").Start(ctx, "Join", trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("runtime.id", rec.ID),
		attribute.String("runtime.name", rec.Name),
		attribute.String("topic", rec.Topics.Registration),
	)
	started := time.Now()
	defer func() {
		opts.Metrics.RecordRegistration(time.Since(started), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	create, err := marshal(rec.CreateEnvelope())
	if err != nil {
		return nil, err
	}
	del, err := marshal(rec.DeleteEnvelope())
	if err != nil {
		return nil, err
	}

	if err := m.Connect(ctx, mux.WithLastWill(rec.Topics.Registration, del)); err != nil {
		return nil, err
	}

	if err := handshake(ctx, m, rec.Topics.Registration, create, opts, log); err != nil {
		return nil, err
	}

	control, err := m.Open(ctx, rec.Topics.Control)
	if err != nil {
		return nil, err
	}
	profile, err := m.Open(ctx, rec.Topics.Profile)
	if err != nil {
		_ = control.Close()
		return nil, err
	}

	log.Info("Runtime registered", logging.LogFields{
		"control": rec.Topics.Control,
		"elapsed": time.Since(started).String(),
	})
	return &Session{Record: rec, Control: control, Profile: profile, Delete: del}, nil
}

func handshake(ctx context.Context, m *mux.Mux, topic string, create []byte, opts Options, log logging.ServiceLogger) error {
	reg, err := m.Open(ctx, topic)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := reg.Close(); cerr != nil {
			log.Debug("Closing registration channel failed", logging.LogFields{"error": cerr})
		}
	}()

	if err := reg.Write(ctx, create); err != nil {
		return err
	}

	for i := 0; i < opts.Ticks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, ok, err := reg.Poll(opts.Tick)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		env, err := envelope.Parse(payload)
		if err != nil {
			return errors.NewProtocolError(topic, payload, err)
		}
		if env.IsResponse() {
			return nil
		}
		log.Trace("Ignoring registration traffic", logging.LogFields{"action": env.Action, "type": env.Type})
	}
	return &errors.RegistrationTimeoutError{Topic: topic, Ticks: opts.Ticks, Tick: opts.Tick}
}

func marshal(env envelope.Envelope, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	payload, err := env.Marshal()
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", env.Action, err)
	}
	return payload, nil
}
