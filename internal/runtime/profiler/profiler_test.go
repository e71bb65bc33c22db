package profiler

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/silverline/internal/runtime/brokertest"
	"github.com/drblury/silverline/internal/runtime/errors"
	"github.com/drblury/silverline/internal/runtime/metrics"
	"github.com/drblury/silverline/internal/runtime/mux"
	"github.com/drblury/silverline/internal/runtime/traffic"
)

func newMux(t *testing.T) (*mux.Mux, *brokertest.Broker) {
	t.Helper()
	b := brokertest.New()
	m, err := mux.New(b)
	require.NoError(t, err)
	require.NoError(t, m.Connect(context.Background()))
	t.Cleanup(func() { _ = m.Close() })
	return m, b
}

// echoModules answers every request on benchmark/in/<id> for the listed
// modules. Exit is answered only when answerExit is set.
func echoModules(b *brokertest.Broker, answerExit bool, modules ...string) {
	known := map[string]bool{}
	for _, m := range modules {
		known[m] = true
	}
	b.OnPublish(func(topic string, payload []byte) {
		id, ok := strings.CutPrefix(topic, "benchmark/in/")
		if !ok || !known[id] {
			return
		}
		if bytes.Equal(payload, Exit) && !answerExit {
			return
		}
		b.Deliver(OutTopic(id), []byte("ok"))
	})
}

func generator(t *testing.T) *traffic.Generator {
	t.Helper()
	g, err := traffic.NewDefault(1, 32, traffic.WithSeed(1))
	require.NoError(t, err)
	return g
}

func TestParseMode(t *testing.T) {
	for _, s := range []string{"run", "active", "timed", "passive"} {
		m, err := ParseMode(s)
		require.NoError(t, err)
		assert.Equal(t, Mode(s), m)
	}
	_, err := ParseMode("bursty")
	assert.ErrorIs(t, err, errors.ErrUnknownMode)
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "benchmark/in/m1", InTopic("m1"))
	assert.Equal(t, "benchmark/out/m1", OutTopic("m1"))
}

func TestActiveRunsFixedRounds(t *testing.T) {
	m, b := newMux(t)
	echoModules(b, false, "m1")

	var (
		mu    sync.Mutex
		steps []int
	)
	a, err := NewActive(context.Background(), m, "m1", generator(t), 3, time.Millisecond,
		WithProgress(func(p Progress) {
			mu.Lock()
			steps = append(steps, p.Done)
			mu.Unlock()
		}))
	require.NoError(t, err)
	defer a.Close()

	b.Deliver(OutTopic("m1"), []byte("ready"))
	require.NoError(t, RunActive(context.Background(), []*Active{a}, time.Second))

	sent := b.WaitPublished(InTopic("m1"), 4, time.Second)
	require.Len(t, sent, 4)
	for _, p := range sent[:3] {
		assert.True(t, bytes.HasPrefix(p, []byte(traffic.Marker)))
	}
	assert.Equal(t, Exit, sent[3])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2, 3}, steps)
}

func TestActiveJoinTimesOutWhenModuleIsSilent(t *testing.T) {
	m, _ := newMux(t)
	a, err := NewActive(context.Background(), m, "m1", generator(t), 3, time.Millisecond)
	require.NoError(t, err)
	defer a.Close()

	err = RunActive(context.Background(), []*Active{a}, 30*time.Millisecond)
	require.Error(t, err)
	assert.True(t, errors.IsJoinTimeout(err))
}

func TestDelayDoesNotStallOtherModules(t *testing.T) {
	m, b := newMux(t)
	echoModules(b, false, "slow", "fast")

	slow, err := NewActive(context.Background(), m, "slow", generator(t), 2, time.Second)
	require.NoError(t, err)
	defer slow.Close()
	fast, err := NewActive(context.Background(), m, "fast", generator(t), 5, time.Millisecond)
	require.NoError(t, err)
	defer fast.Close()

	b.Deliver(OutTopic("slow"), []byte("ready"))
	b.Deliver(OutTopic("fast"), []byte("ready"))

	select {
	case <-fast.Done():
	case <-time.After(500 * time.Millisecond):
		t.Fatal("fast module was held up by the slow one")
	}
	select {
	case <-slow.Done():
		t.Fatal("slow module finished too early")
	default:
	}
}

func TestTimedStopsAfterDuration(t *testing.T) {
	m, b := newMux(t)
	echoModules(b, false, "m1")

	tm, err := NewTimed(context.Background(), m, "m1", generator(t), time.Millisecond)
	require.NoError(t, err)
	defer tm.Close()
	b.Deliver(OutTopic("m1"), []byte("ready"))

	var checkIns int
	err = RunTimed(context.Background(), []*Timed{tm}, 50*time.Millisecond, time.Second, func(p Progress) {
		checkIns = p.Done
		assert.Equal(t, CheckIns, p.Total)
	})
	require.NoError(t, err)
	assert.Equal(t, CheckIns, checkIns)

	sent := b.PublishedOn(InTopic("m1"))
	require.GreaterOrEqual(t, len(sent), 2)
	assert.Equal(t, Exit, sent[len(sent)-1])
}

func TestActivePublishesExitOnce(t *testing.T) {
	m, b := newMux(t)
	echoModules(b, true, "m1")

	a, err := NewActive(context.Background(), m, "m1", generator(t), 2, time.Millisecond)
	require.NoError(t, err)
	defer a.Close()

	b.Deliver(OutTopic("m1"), []byte("ready"))
	require.NoError(t, RunActive(context.Background(), []*Active{a}, time.Second))
	time.Sleep(50 * time.Millisecond)
	b.Flush()

	assert.Equal(t, 1, countExits(b.PublishedOn(InTopic("m1"))))
}

func TestTimedPublishesExitOnce(t *testing.T) {
	m, b := newMux(t)
	echoModules(b, true, "m1")

	tm, err := NewTimed(context.Background(), m, "m1", generator(t), time.Millisecond)
	require.NoError(t, err)
	defer tm.Close()

	b.Deliver(OutTopic("m1"), []byte("ready"))
	require.NoError(t, RunTimed(context.Background(), []*Timed{tm}, 20*time.Millisecond, time.Second, nil))
	time.Sleep(50 * time.Millisecond)
	b.Flush()

	assert.Equal(t, 1, countExits(b.PublishedOn(InTopic("m1"))))
}

func TestTimedSendsAtMostOnePayloadAfterStop(t *testing.T) {
	m, b := newMux(t)
	echoModules(b, false, "m1")

	tm, err := NewTimed(context.Background(), m, "m1", generator(t), 20*time.Millisecond)
	require.NoError(t, err)
	defer tm.Close()

	b.Deliver(OutTopic("m1"), []byte("ready"))
	require.GreaterOrEqual(t, len(b.WaitPublished(InTopic("m1"), 3, time.Second)), 3)

	tm.Stop()
	mark := len(b.PublishedOn(InTopic("m1")))
	require.NoError(t, join(context.Background(), tm.coordinator, time.Second))

	sent := b.PublishedOn(InTopic("m1"))
	require.Greater(t, len(sent), mark)
	assert.Equal(t, Exit, sent[len(sent)-1])
	assert.LessOrEqual(t, len(sent)-mark-1, 1, "payloads published after Stop")
	assert.Equal(t, 1, countExits(sent))
}

func TestOptionsHonourZeroRoundsAndDelay(t *testing.T) {
	opts := Options{Rounds: 0, Delay: 0}.withDefaults()
	assert.Equal(t, 0, opts.Rounds)
	assert.Equal(t, time.Duration(0), opts.Delay)

	opts = Options{Rounds: -1, Delay: -1}.withDefaults()
	assert.Equal(t, DefaultRounds, opts.Rounds)
	assert.Equal(t, DefaultDelay, opts.Delay)
}

func TestActiveWithoutDelayRunsBackToBack(t *testing.T) {
	m, b := newMux(t)
	echoModules(b, false, "m1")

	a, err := NewActive(context.Background(), m, "m1", generator(t), 20, 0)
	require.NoError(t, err)
	defer a.Close()

	b.Deliver(OutTopic("m1"), []byte("ready"))
	require.NoError(t, RunActive(context.Background(), []*Active{a}, time.Second))
	sent := b.WaitPublished(InTopic("m1"), 21, time.Second)
	require.Len(t, sent, 21)
	assert.Equal(t, Exit, sent[20])
}

func countExits(sent [][]byte) int {
	n := 0
	for _, p := range sent {
		if bytes.Equal(p, Exit) {
			n++
		}
	}
	return n
}

func TestPassiveExitsAfterDuration(t *testing.T) {
	m, b := newMux(t)
	echoModules(b, true, "m1")

	p, err := NewPassive(context.Background(), m, "m1")
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, RunPassive(context.Background(), []*Passive{p}, 10*time.Millisecond, time.Second, nil))
	assert.Equal(t, [][]byte{Exit}, b.PublishedOn(InTopic("m1")))
}

func TestRunHonoursContext(t *testing.T) {
	m, _ := newMux(t)
	p, err := NewPassive(context.Background(), m, "m1")
	require.NoError(t, err)
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = RunPassive(ctx, []*Passive{p}, time.Second, time.Second, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunRejectsUnknownMode(t *testing.T) {
	m, _ := newMux(t)
	_, err := Run(context.Background(), m, "sometimes", nil, DefaultOptions())
	assert.ErrorIs(t, err, errors.ErrUnknownMode)
}

func TestRunModeRunDoesNothing(t *testing.T) {
	m, b := newMux(t)
	report, err := Run(context.Background(), m, "run", []Target{{Module: "m1"}}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, ModeRun, report.Mode)
	assert.Empty(t, b.Published())
	assert.Empty(t, m.Topics())
}

func TestRunActiveReport(t *testing.T) {
	m, b := newMux(t)
	echoModules(b, false, "m1")
	mtr := metrics.New(prometheus.NewRegistry())

	opts := DefaultOptions()
	opts.Rounds = 3
	opts.Delay = time.Millisecond
	opts.JoinTimeout = 100 * time.Millisecond
	opts.Seed = 11
	opts.Metrics = mtr

	done := make(chan struct{})
	var (
		report *Report
		err    error
	)
	go func() {
		defer close(done)
		report, err = Run(context.Background(), m, "active", []Target{{Runtime: "rt", Module: "m1"}, {Runtime: "rt", Module: "ghost"}}, opts)
	}()

	require.Eventually(t, func() bool { return b.Subscribed(OutTopic("m1")) }, time.Second, time.Millisecond)
	b.Deliver(OutTopic("m1"), []byte("ready"))
	<-done

	require.NoError(t, err)
	require.Len(t, report.Incomplete, 1)
	assert.Equal(t, "ghost", report.Incomplete[0].Module)
	assert.True(t, errors.IsJoinTimeout(report.Err()))

	stats, ok := report.Modules["m1"]
	require.True(t, ok)
	assert.EqualValues(t, 3, stats.RoundTrips)
	assert.Positive(t, stats.BytesSent)
	assert.True(t, mtr.ModuleStats("ghost").TimedOut)

	assert.Empty(t, m.Topics(), "coordinators must unsubscribe")
}
