package runtime

import (
	"bytes"
	"context"
	"slices"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/silverline/internal/runtime/config"
	"github.com/drblury/silverline/internal/runtime/control"
	"github.com/drblury/silverline/internal/runtime/envelope"
	loggingpkg "github.com/drblury/silverline/internal/runtime/logging"
	"github.com/drblury/silverline/internal/runtime/mux"
	"github.com/drblury/silverline/internal/runtime/profiler"
	transportpkg "github.com/drblury/silverline/internal/runtime/transport"
	"github.com/drblury/silverline/transport"
	"github.com/drblury/silverline/transport/channel"
)

type bus struct {
	pub message.Publisher
	sub message.Subscriber
}

func newBus() bus {
	pub, sub := channel.NewBus(watermill.NopLogger{})
	return bus{pub: pub, sub: sub}
}

func (b bus) factory() transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, loggingpkg.ServiceLogger) (transport.Broker, error) {
		return channel.New(b.pub, b.sub, watermill.NopLogger{}), nil
	})
}

func (b bus) connect(t *testing.T) *mux.Mux {
	t.Helper()
	m, err := mux.New(channel.New(b.pub, b.sub, watermill.NopLogger{}))
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// startOrchestrator acknowledges runtime registrations and forwards module
// requests to the parent runtime's control topic.
func startOrchestrator(t *testing.T, b bus) {
	t.Helper()
	m := b.connect(t)
	reg, err := m.Open(context.Background(), "realm/proc/reg")
	require.NoError(t, err)
	ctl, err := m.Open(context.Background(), "realm/proc/control")
	require.NoError(t, err)

	go func() {
		for {
			payload, err := reg.Read(context.Background())
			if err != nil {
				return
			}
			env, err := envelope.Parse(payload)
			if err != nil || env.IsResponse() || env.Action != envelope.ActionCreate {
				continue
			}
			resp := envelope.Envelope{ObjectID: env.ObjectID, Action: env.Action, Type: envelope.TypeResponse, Data: env.Data}
			out, _ := resp.Marshal()
			_ = m.Write(context.Background(), "realm/proc/reg", out)
		}
	}()
	go func() {
		for {
			payload, err := ctl.Read(context.Background())
			if err != nil {
				return
			}
			env, err := envelope.Parse(payload)
			if err != nil || env.Kind() != envelope.KindModule || env.Action != envelope.ActionCreate {
				continue
			}
			var mod envelope.Module
			if env.DecodeData(&mod) != nil || mod.Parent == nil {
				continue
			}
			_ = m.Write(context.Background(), "realm/proc/control/"+mod.Parent.UUID, payload)
		}
	}()
}

// launcher starts an echo module for every create request. Each module
// subscribes, reports on started and waits for release before sending its
// startup acknowledgement.
type launcher struct {
	t       *testing.T
	bus     bus
	started chan string
	release chan struct{}
}

func (l *launcher) CreateModule(_ context.Context, mod envelope.Module) error {
	m, err := mux.New(channel.New(l.bus.pub, l.bus.sub, watermill.NopLogger{}))
	if err != nil {
		return err
	}
	if err := m.Connect(context.Background()); err != nil {
		return err
	}
	l.t.Cleanup(func() { _ = m.Close() })
	in, err := m.Open(context.Background(), profiler.InTopic(mod.UUID))
	if err != nil {
		return err
	}
	go func() {
		l.started <- mod.UUID
		<-l.release
		_ = m.Write(context.Background(), profiler.OutTopic(mod.UUID), []byte("ready"))
		for {
			payload, err := in.Read(context.Background())
			if err != nil || bytes.Equal(payload, profiler.Exit) {
				return
			}
			_ = m.Write(context.Background(), profiler.OutTopic(mod.UUID), payload[:4])
		}
	}()
	return nil
}

func (l *launcher) DeleteModule(context.Context, envelope.Ref) error { return nil }

func TestEndToEndActiveProfile(t *testing.T) {
	b := newBus()
	startOrchestrator(t, b)

	l := &launcher{t: t, bus: b, started: make(chan string, 1), release: make(chan struct{})}
	rt, err := NewRuntime(context.Background(), testConfig(), newRecordingLogger(), RuntimeDependencies{
		TransportFactory: b.factory(),
		Handler:          l,
	})
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- rt.Serve(context.Background()) }()

	c, err := NewClient(context.Background(), testConfig(), newRecordingLogger(), ClientDependencies{
		TransportFactory: b.factory(),
		Directory:        testDirectory,
	})
	require.NoError(t, err)
	defer c.Close()

	targets, err := c.InferRuntimes(context.Background(), []string{"Special Runtime"})
	require.NoError(t, err)
	modID, err := c.Control().CreateModule(context.Background(), targets[0], control.ModuleSpec{Name: "echo"})
	require.NoError(t, err)

	go func() {
		select {
		case <-l.started:
		case <-time.After(5 * time.Second):
			return
		}
		for !slices.Contains(c.Mux().Topics(), profiler.OutTopic(modID)) {
			time.Sleep(time.Millisecond)
		}
		// The route is listed just before the subscription is made.
		time.Sleep(50 * time.Millisecond)
		close(l.release)
	}()

	opts := profiler.DefaultOptions()
	opts.Rounds = 5
	opts.Delay = time.Millisecond
	opts.JoinTimeout = 5 * time.Second
	report, err := c.Profile(context.Background(), "active", []profiler.Target{{Runtime: "Special Runtime", Module: modID}}, opts)
	require.NoError(t, err)
	require.Empty(t, report.Incomplete)
	assert.EqualValues(t, 5, report.Modules[modID].RoundTrips)

	require.NoError(t, rt.Close())
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("runtime did not stop")
	}
}
