package profiler

import (
	"context"
	sterrors "errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/silverline/internal/runtime/errors"
	"github.com/drblury/silverline/internal/runtime/logging"
	"github.com/drblury/silverline/internal/runtime/metrics"
	"github.com/drblury/silverline/internal/runtime/traffic"
)

// Mode selects how a benchmark run is driven.
type Mode string

const (
	// ModeRun starts nothing; modules are left running.
	ModeRun     Mode = "run"
	ModeActive  Mode = "active"
	ModeTimed   Mode = "timed"
	ModePassive Mode = "passive"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeRun, ModeActive, ModeTimed, ModePassive:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", errors.ErrUnknownMode, s)
}

// CheckIns is the number of evenly spaced progress reports of a timed or
// passive run.
const CheckIns = 100

const (
	DefaultRounds      = 100
	DefaultDelay       = 100 * time.Millisecond
	DefaultDuration    = 60 * time.Second
	DefaultJoinTimeout = 10 * time.Second
)

// RunActive waits for each coordinator in turn. A coordinator that stops
// seeing responses for idle is reported as a JoinTimeoutError and the next
// one is waited for.
func RunActive(ctx context.Context, coords []*Active, idle time.Duration) error {
	var errs []error
	for _, a := range coords {
		if err := join(ctx, a.coordinator, idle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	return sterrors.Join(errs...)
}

// RunTimed lets the coordinators run for duration, then stops them and waits
// for each to exit.
func RunTimed(ctx context.Context, coords []*Timed, duration, idle time.Duration, progress func(Progress)) error {
	if err := checkIn(ctx, ModeTimed, duration, progress); err != nil {
		return err
	}
	for _, t := range coords {
		t.Stop()
	}
	var errs []error
	for _, t := range coords {
		if err := join(ctx, t.coordinator, idle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	return sterrors.Join(errs...)
}

// RunPassive waits duration, tells every module to exit and waits for each
// to answer.
func RunPassive(ctx context.Context, coords []*Passive, duration, idle time.Duration, progress func(Progress)) error {
	if err := checkIn(ctx, ModePassive, duration, progress); err != nil {
		return err
	}
	for _, p := range coords {
		p.Exit()
	}
	var errs []error
	for _, p := range coords {
		if err := join(ctx, p.coordinator, idle); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			errs = append(errs, err)
		}
	}
	return sterrors.Join(errs...)
}

func checkIn(ctx context.Context, mode Mode, duration time.Duration, progress func(Progress)) error {
	step := duration / CheckIns
	timer := time.NewTimer(step)
	defer timer.Stop()
	for i := 1; i <= CheckIns; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
		if progress != nil {
			progress(Progress{Mode: mode, Done: i, Total: CheckIns})
		}
		timer.Reset(step)
	}
	return nil
}

// Target is one module to profile.
type Target struct {
	// Runtime names the host, for progress output.
	Runtime string
	Module  string
}

// Options tunes Run. Zero or negative durations and sizes select the
// defaults, except Rounds and Delay where zero is honoured and only negative
// values select the default. Alpha is used as given, see DefaultOptions.
type Options struct {
	MeanSize    int
	Alpha       float64
	Rounds      int
	Delay       time.Duration
	Duration    time.Duration
	JoinTimeout time.Duration
	// Seed makes payload generation reproducible; module i uses Seed+i.
	Seed     uint64
	Progress func(Progress)
	Logger   logging.ServiceLogger
	Metrics  *metrics.Metrics
}

// DefaultOptions returns the options of a plain benchmark run.
func DefaultOptions() Options {
	return Options{
		MeanSize:    traffic.DefaultMeanSize,
		Alpha:       traffic.DefaultAlpha,
		Rounds:      DefaultRounds,
		Delay:       DefaultDelay,
		Duration:    DefaultDuration,
		JoinTimeout: DefaultJoinTimeout,
	}
}

func (o Options) withDefaults() Options {
	if o.MeanSize <= 0 {
		o.MeanSize = traffic.DefaultMeanSize
	}
	if o.Rounds < 0 {
		o.Rounds = DefaultRounds
	}
	if o.Delay < 0 {
		o.Delay = DefaultDelay
	}
	if o.Duration <= 0 {
		o.Duration = DefaultDuration
	}
	if o.JoinTimeout <= 0 {
		o.JoinTimeout = DefaultJoinTimeout
	}
	if o.Logger == nil {
		o.Logger = logging.NopLogger()
	}
	if o.Metrics == nil {
		o.Metrics = metrics.New(prometheus.NewRegistry())
	}
	return o
}

// Report summarizes a finished run.
type Report struct {
	Mode       Mode
	Modules    map[string]metrics.ModuleStats
	Incomplete []*errors.JoinTimeoutError
	Started    time.Time
	Finished   time.Time
}

// Err joins the join timeouts, or returns nil when every module completed.
func (r *Report) Err() error {
	errs := make([]error, 0, len(r.Incomplete))
	for _, e := range r.Incomplete {
		errs = append(errs, e)
	}
	return sterrors.Join(errs...)
}

// Run profiles targets in the given mode. Join timeouts do not fail the run;
// they are listed in the report and logged as warnings.
func Run(ctx context.Context, m Mux, mode string, targets []Target, opts Options) (*Report, error) {
	md, err := ParseMode(mode)
	if err != nil {
		return nil, err
	}
	opts = opts.withDefaults()
	report := &Report{Mode: md, Modules: map[string]metrics.ModuleStats{}, Started: time.Now()}

	coordOpts := []Option{WithLogger(opts.Logger), WithMetrics(opts.Metrics), WithProgress(opts.Progress)}
	var (
		coords []Coordinator
		runErr error
	)
	defer func() {
		for _, c := range coords {
			if err := c.Close(); err != nil {
				opts.Logger.Debug("Closing coordinator failed", logging.LogFields{"module": c.Module(), "error": err})
			}
		}
	}()

	newGen := func(i int) (*traffic.Generator, error) {
		var genOpts []traffic.Option
		if opts.Seed != 0 {
			genOpts = append(genOpts, traffic.WithSeed(opts.Seed+uint64(i)))
		}
		return traffic.NewDefault(opts.Alpha, opts.MeanSize, genOpts...)
	}

	opts.Logger.Info("Starting profiling run", logging.LogFields{"mode": string(md), "modules": len(targets)})
	switch md {
	case ModeRun:
		report.Finished = time.Now()
		return report, nil
	case ModeActive:
		active := make([]*Active, 0, len(targets))
		for i, t := range targets {
			gen, err := newGen(i)
			if err != nil {
				return nil, err
			}
			a, err := NewActive(ctx, m, t.Module, gen, opts.Rounds, opts.Delay, coordOpts...)
			if err != nil {
				return nil, fmt.Errorf("profile %s: %w", t.Module, err)
			}
			active = append(active, a)
			coords = append(coords, a)
		}
		runErr = RunActive(ctx, active, opts.JoinTimeout)
	case ModeTimed:
		timed := make([]*Timed, 0, len(targets))
		for i, t := range targets {
			gen, err := newGen(i)
			if err != nil {
				return nil, err
			}
			tm, err := NewTimed(ctx, m, t.Module, gen, opts.Delay, coordOpts...)
			if err != nil {
				return nil, fmt.Errorf("profile %s: %w", t.Module, err)
			}
			timed = append(timed, tm)
			coords = append(coords, tm)
		}
		runErr = RunTimed(ctx, timed, opts.Duration, opts.JoinTimeout, opts.Progress)
	case ModePassive:
		passive := make([]*Passive, 0, len(targets))
		for _, t := range targets {
			p, err := NewPassive(ctx, m, t.Module, coordOpts...)
			if err != nil {
				return nil, fmt.Errorf("profile %s: %w", t.Module, err)
			}
			passive = append(passive, p)
			coords = append(coords, p)
		}
		runErr = RunPassive(ctx, passive, opts.Duration, opts.JoinTimeout, opts.Progress)
	}
	report.Finished = time.Now()

	if err := collectTimeouts(runErr, report, opts); err != nil {
		return report, err
	}
	for _, t := range targets {
		if stats := opts.Metrics.ModuleStats(t.Module); stats != nil {
			report.Modules[t.Module] = *stats
		}
	}
	opts.Logger.Info("Profiling run finished", logging.LogFields{
		"mode":       string(md),
		"elapsed":    report.Finished.Sub(report.Started).String(),
		"incomplete": len(report.Incomplete),
	})
	return report, nil
}

// collectTimeouts moves join timeouts from err into the report and returns
// whatever else err carried.
func collectTimeouts(err error, report *Report, opts Options) error {
	if err == nil {
		return nil
	}
	var errs []error
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		errs = joined.Unwrap()
	} else {
		errs = []error{err}
	}
	var rest []error
	for _, e := range errs {
		var jt *errors.JoinTimeoutError
		if sterrors.As(e, &jt) {
			report.Incomplete = append(report.Incomplete, jt)
			opts.Metrics.RecordJoinTimeout(string(report.Mode), jt.Module)
			opts.Logger.Warn("Coordinator did not complete", logging.LogFields{"module": jt.Module, "idle": jt.Idle.String()})
			continue
		}
		rest = append(rest, e)
	}
	return sterrors.Join(rest...)
}
