package runtime

import (
	"context"
	sterrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/silverline/internal/runtime/brokertest"
	configpkg "github.com/drblury/silverline/internal/runtime/config"
	"github.com/drblury/silverline/internal/runtime/envelope"
	errspkg "github.com/drblury/silverline/internal/runtime/errors"
	loggingpkg "github.com/drblury/silverline/internal/runtime/logging"
	transportpkg "github.com/drblury/silverline/internal/runtime/transport"
	"github.com/drblury/silverline/transport"
)

type logEntry struct {
	level  string
	msg    string
	fields loggingpkg.LogFields
}

type recordingLogger struct {
	entries *[]logEntry
	fields  loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{entries: &[]logEntry{}}
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{entries: l.entries, fields: merged}
}

func (l *recordingLogger) add(level, msg string, fields loggingpkg.LogFields) {
	logMu.Lock()
	defer logMu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, fields: fields})
}

// logMu guards every recordingLogger derived with With.
var logMu sync.Mutex

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) { l.add("debug", msg, fields) }
func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields)  { l.add("info", msg, fields) }
func (l *recordingLogger) Warn(msg string, fields loggingpkg.LogFields)  { l.add("warn", msg, fields) }
func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) { l.add("trace", msg, fields) }
func (l *recordingLogger) Error(msg string, _ error, fields loggingpkg.LogFields) {
	l.add("error", msg, fields)
}

func (l *recordingLogger) find(level, msg string) (logEntry, bool) {
	logMu.Lock()
	defer logMu.Unlock()
	for _, e := range *l.entries {
		if e.level == level && e.msg == msg {
			return e, true
		}
	}
	return logEntry{}, false
}

// ackingBroker answers every runtime create on the registration topic.
func ackingBroker() *brokertest.Broker {
	b := brokertest.New()
	b.OnPublish(func(topic string, payload []byte) {
		env, err := envelope.Parse(payload)
		if err != nil || topic != "realm/proc/reg" || env.Action != envelope.ActionCreate || env.IsResponse() {
			return
		}
		b.Deliver(topic, []byte(`{"object_id":"`+env.ObjectID+`","action":"create","type":"arts_resp","data":{}}`))
	})
	return b
}

func factoryFor(b *brokertest.Broker) transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, loggingpkg.ServiceLogger) (transport.Broker, error) {
		return b, nil
	})
}

func testConfig() *configpkg.Config {
	cfg := configpkg.Default()
	cfg.RuntimeID = "rt-1"
	cfg.RegistrationTicks = 2000
	return &cfg
}

type recordingHandler struct {
	mu       sync.Mutex
	created  []envelope.Module
	deleted  []envelope.Ref
	profiles [][]byte
	failWith error
}

func (h *recordingHandler) CreateModule(_ context.Context, mod envelope.Module) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created = append(h.created, mod)
	return h.failWith
}

func (h *recordingHandler) DeleteModule(_ context.Context, ref envelope.Ref) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deleted = append(h.deleted, ref)
	return nil
}

type profilingHandler struct {
	recordingHandler
}

func (h *profilingHandler) HandleProfile(_ context.Context, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.profiles = append(h.profiles, payload)
	return nil
}

func mustEnvelope(t *testing.T, action string, data any) []byte {
	t.Helper()
	env, err := envelope.New(action, data)
	require.NoError(t, err)
	payload, err := env.Marshal()
	require.NoError(t, err)
	return payload
}

func serve(rt *Runtime) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- rt.Serve(context.Background()) }()
	return errc
}

func waitErr(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestNewRuntimeRegisters(t *testing.T) {
	b := ackingBroker()
	log := newRecordingLogger()
	rt, err := NewRuntime(context.Background(), testConfig(), log, RuntimeDependencies{TransportFactory: factoryFor(b)})
	require.NoError(t, err)
	defer rt.Close()

	assert.Equal(t, "rt-1", rt.ID())
	assert.True(t, b.Subscribed("realm/proc/control/rt-1"))
	assert.True(t, b.Subscribed("realm/proc/profile"))
	assert.False(t, b.Subscribed("realm/proc/reg"))

	will, ok := b.Will()
	require.True(t, ok)
	assert.Equal(t, "realm/proc/reg", will.Topic)
}

func TestNewRuntimeRequiresLogger(t *testing.T) {
	_, err := NewRuntime(context.Background(), testConfig(), nil, RuntimeDependencies{TransportFactory: factoryFor(ackingBroker())})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = NewRuntime(context.Background(), nil, newRecordingLogger(), RuntimeDependencies{})
	assert.Error(t, err)
}

func TestNewRuntimeRegistrationTimeout(t *testing.T) {
	b := brokertest.New()
	cfg := testConfig()
	cfg.RegistrationTicks = 3

	_, err := NewRuntime(context.Background(), cfg, newRecordingLogger(), RuntimeDependencies{TransportFactory: factoryFor(b)})
	var te *errspkg.RegistrationTimeoutError
	require.True(t, sterrors.As(err, &te))
	assert.True(t, b.Closed())
}

func TestServeDispatchesControlRequests(t *testing.T) {
	b := ackingBroker()
	h := &recordingHandler{failWith: sterrors.New("no space")}
	log := newRecordingLogger()
	rt, err := NewRuntime(context.Background(), testConfig(), log, RuntimeDependencies{TransportFactory: factoryFor(b), Handler: h})
	require.NoError(t, err)
	defer rt.Close()
	errc := serve(rt)

	control := "realm/proc/control/rt-1"
	b.Deliver(control, mustEnvelope(t, envelope.ActionCreate, envelope.Module{Type: "module", UUID: "m1", Name: "echo"}))
	b.Deliver(control, []byte(`{"object_id":"x","action":"create","type":"arts_resp","data":{}}`))
	b.Deliver(control, mustEnvelope(t, envelope.ActionDelete, envelope.Ref{Type: "module", UUID: "m1"}))
	b.Deliver(control, mustEnvelope(t, envelope.ActionDelete, envelope.Ref{Type: "runtime", UUID: "other"}))
	b.Deliver(control, mustEnvelope(t, envelope.ActionDelete, envelope.Ref{Type: "runtime", UUID: "rt-1"}))

	require.NoError(t, waitErr(t, errc))

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.created, 1)
	assert.Equal(t, "echo", h.created[0].Name)
	assert.Equal(t, []envelope.Ref{{Type: "module", UUID: "m1"}}, h.deleted)

	_, ok := log.find("error", "Module create failed")
	assert.True(t, ok)
	_, ok = log.find("warn", "Ignoring delete for another runtime")
	assert.True(t, ok)
}

func TestServeFailsOnMalformedControlMessage(t *testing.T) {
	b := ackingBroker()
	rt, err := NewRuntime(context.Background(), testConfig(), newRecordingLogger(), RuntimeDependencies{TransportFactory: factoryFor(b)})
	require.NoError(t, err)
	defer rt.Close()
	errc := serve(rt)

	b.Deliver("realm/proc/control/rt-1", []byte("{{{"))
	err = waitErr(t, errc)
	assert.True(t, errspkg.IsProtocolError(err))
}

func TestServeFailsOnUnknownAction(t *testing.T) {
	b := ackingBroker()
	rt, err := NewRuntime(context.Background(), testConfig(), newRecordingLogger(), RuntimeDependencies{TransportFactory: factoryFor(b)})
	require.NoError(t, err)
	defer rt.Close()
	errc := serve(rt)

	b.Deliver("realm/proc/control/rt-1", mustEnvelope(t, "migrate", envelope.Ref{Type: "module", UUID: "m"}))
	err = waitErr(t, errc)
	assert.True(t, errspkg.IsProtocolError(err))
	assert.ErrorContains(t, err, "migrate")
}

func TestServeStopsOnCancel(t *testing.T) {
	b := ackingBroker()
	rt, err := NewRuntime(context.Background(), testConfig(), newRecordingLogger(), RuntimeDependencies{TransportFactory: factoryFor(b)})
	require.NoError(t, err)
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- rt.Serve(ctx) }()
	cancel()
	assert.NoError(t, waitErr(t, errc))
}

func TestServeFeedsProfileHandler(t *testing.T) {
	b := ackingBroker()
	h := &profilingHandler{}
	rt, err := NewRuntime(context.Background(), testConfig(), newRecordingLogger(), RuntimeDependencies{TransportFactory: factoryFor(b), Handler: h})
	require.NoError(t, err)
	defer rt.Close()
	errc := serve(rt)

	b.Deliver("realm/proc/profile", []byte("trace"))
	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return len(h.profiles) == 1
	}, time.Second, time.Millisecond)

	b.Deliver("realm/proc/control/rt-1", mustEnvelope(t, envelope.ActionDelete, envelope.Ref{Type: "runtime", UUID: "rt-1"}))
	assert.NoError(t, waitErr(t, errc))
}

func TestCloseDeregisters(t *testing.T) {
	b := ackingBroker()
	rt, err := NewRuntime(context.Background(), testConfig(), newRecordingLogger(), RuntimeDependencies{TransportFactory: factoryFor(b)})
	require.NoError(t, err)

	require.NoError(t, rt.Close())
	require.NoError(t, rt.Close())

	regs := b.PublishedOn("realm/proc/reg")
	require.Len(t, regs, 2)
	env, err := envelope.Parse(regs[1])
	require.NoError(t, err)
	assert.Equal(t, envelope.ActionDelete, env.Action)
	assert.True(t, b.Closed())
}
