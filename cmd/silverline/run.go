package main

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drblury/silverline"
)

type runFlags struct {
	runtimes []string
	paths    []string
	spec     silverline.ModuleSpec
	mode     string
	opts     silverline.ProfileOptions
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	rf := runFlags{opts: silverline.DefaultProfileOptions()}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Launch modules and optionally profile them",
		Long: `Launch one module per runtime and path. With --mode active, timed or
passive the modules are benchmarked and sent an exit signal afterwards; the
default mode "run" leaves them running.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return runModules(cmd.Context(), cmd.OutOrStdout(), cfg, newLogger(cmd, v), rf)
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&rf.runtimes, "runtime", []string{"test"}, "Target runtime names, UUIDs or last 4 characters of the UUID")
	f.StringSliceVar(&rf.paths, "path", []string{silverline.DefaultModulePath}, "Module file paths, relative to the WASM/WASI base directory")

	f.StringVar(&rf.spec.Name, "name", silverline.DefaultModuleName, "Module name")
	f.StringVar(&rf.spec.FileType, "filetype", silverline.FileTypeWASM, "Module file type: WA or PY")
	f.BoolVar(&rf.spec.AOT, "aot", false, "Use the ahead-of-time compiled Python interpreter")
	f.StringSliceVar(&rf.spec.Argv, "argv", nil, "Arguments passed to the module")
	f.StringSliceVar(&rf.spec.Env, "env", nil, "Environment variables (KEY=VALUE) passed to the module")
	f.Int64Var(&rf.spec.Period, "period", silverline.DefaultModulePeriod, "Scheduling period in nanoseconds")
	f.Float64Var(&rf.spec.Utilization, "utilization", 0, "CPU share per period; 0 requests no reservation")

	f.StringVar(&rf.mode, "mode", string(silverline.ModeRun), "Profiling mode: run, active, timed or passive")
	f.IntVar(&rf.opts.MeanSize, "mean-size", rf.opts.MeanSize, "Mean payload size in bytes")
	f.Float64Var(&rf.opts.Alpha, "alpha", rf.opts.Alpha, "Concentration parameter of the payload size process")
	f.IntVarP(&rf.opts.Rounds, "rounds", "n", rf.opts.Rounds, "Rounds per module in active mode")
	f.DurationVar(&rf.opts.Delay, "delay", rf.opts.Delay, "Delay between rounds in active and timed mode")
	f.DurationVar(&rf.opts.Duration, "duration", rf.opts.Duration, "Length of a timed or passive run")
	f.Uint64Var(&rf.opts.Seed, "seed", 0, "Seed for reproducible payloads; 0 picks a random seed")
	return cmd
}

func runModules(ctx context.Context, out io.Writer, cfg *silverline.Config, logger silverline.ServiceLogger, rf runFlags) error {
	if _, err := silverline.ParseProfileMode(rf.mode); err != nil {
		return err
	}

	client, err := silverline.NewClient(ctx, cfg, logger, silverline.ClientDependencies{Metrics: newMetrics(cfg)})
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("Closing client failed", err, nil)
		}
	}()

	runtimes, err := client.InferRuntimes(ctx, rf.runtimes)
	if err != nil {
		return err
	}
	names, err := runtimeNames(ctx, client.Directory())
	if err != nil {
		return err
	}

	var targets []silverline.ProfileTarget
	for _, path := range rf.paths {
		spec := rf.spec
		spec.Path = path
		placed, err := client.Control().CreateModules(ctx, runtimes, spec)
		if err != nil {
			return err
		}
		for placement, id := range placed {
			targets = append(targets, silverline.ProfileTarget{Runtime: placement.Runtime, Module: id})
		}
	}
	slices.SortFunc(targets, func(a, b silverline.ProfileTarget) int {
		if c := strings.Compare(names[a.Runtime], names[b.Runtime]); c != 0 {
			return c
		}
		return strings.Compare(a.Module, b.Module)
	})
	for _, t := range targets {
		logger.Info("Module created", silverline.LogFields{"runtime": names[t.Runtime], "module": t.Module})
	}

	labels := make(map[string]string, len(targets))
	for _, t := range targets {
		labels[t.Module] = fmt.Sprintf("%s:%s", silverline.ShortID(t.Module), names[t.Runtime])
	}

	opts := rf.opts
	var bars *progressBars
	if rf.mode != string(silverline.ModeRun) {
		bars = newProgressBars(out, labels)
		opts.Progress = bars.Update
	}
	report, err := client.Profile(ctx, rf.mode, targets, opts)
	if bars != nil {
		bars.Stop()
	}
	if err != nil {
		return err
	}
	for _, jt := range report.Incomplete {
		logger.Warn("Module did not finish", silverline.LogFields{"module": labels[jt.Module], "idle": jt.Idle.String()})
	}
	if rf.mode != string(silverline.ModeRun) {
		renderReport(out, report, labels)
	}
	return nil
}

func runtimeNames(ctx context.Context, dir silverline.Directory) (map[string]string, error) {
	runtimes, err := dir.Runtimes(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(runtimes))
	for _, rt := range runtimes {
		names[rt.UUID] = rt.Name
	}
	return names, nil
}

func renderReport(out io.Writer, report *silverline.ProfileReport, labels map[string]string) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"module", "rounds", "bytes sent", "min rtt", "mean rtt", "max rtt", "status"})

	modules := make([]string, 0, len(labels))
	for id := range labels {
		modules = append(modules, id)
	}
	slices.SortFunc(modules, func(a, b string) int { return strings.Compare(labels[a], labels[b]) })

	for _, id := range modules {
		stats := report.Modules[id]
		status := "ok"
		if stats.TimedOut {
			status = "timed out"
		}
		tw.AppendRow(table.Row{
			labels[id],
			stats.RoundTrips,
			stats.BytesSent,
			stats.MinRTT.Round(time.Microsecond),
			stats.MeanRTT.Round(time.Microsecond),
			stats.MaxRTT.Round(time.Microsecond),
			status,
		})
	}
	tw.SetCaption("%s run, %s", report.Mode, report.Finished.Sub(report.Started).Round(time.Millisecond))
	tw.SetStyle(table.StyleLight)
	tw.Render()
}
