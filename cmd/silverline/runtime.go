package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/silverline"
)

const metricsShutdownTimeout = 5 * time.Second

func newRuntimeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runtime",
		Short: "Register a runtime and serve orchestrator requests until stopped",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			return serveRuntime(cmd.Context(), cfg, newLogger(cmd, v))
		},
	}

	def := silverline.DefaultConfig()
	f := cmd.Flags()
	f.String("id", "", "Runtime UUID; random when empty")
	f.String("name", def.RuntimeName, "Runtime name announced to the orchestrator")
	f.StringSlice("apis", def.RuntimeAPIs, "APIs the runtime offers")
	f.Duration("reg-tick", def.RegistrationTick, "Poll interval of the registration handshake")
	f.Int("reg-ticks", def.RegistrationTicks, "Polls before the registration gives up")
	_ = v.BindPFlag("runtime-id", f.Lookup("id"))
	_ = v.BindPFlag("runtime-name", f.Lookup("name"))
	_ = v.BindPFlag("runtime-apis", f.Lookup("apis"))
	_ = v.BindPFlag("reg-tick", f.Lookup("reg-tick"))
	_ = v.BindPFlag("reg-ticks", f.Lookup("reg-ticks"))
	return cmd
}

func serveRuntime(ctx context.Context, cfg *silverline.Config, logger silverline.ServiceLogger) error {
	m := newMetrics(cfg)

	rt, err := silverline.NewRuntime(ctx, cfg, logger, silverline.RuntimeDependencies{Metrics: m})
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("Closing runtime failed", err, nil)
		}
	}()
	logger.Info("Runtime registered", silverline.LogFields{
		"uuid": rt.ID(),
		"name": rt.Record().Name,
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Serve also returns when the orchestrator deletes this runtime.
		defer cancel()
		return rt.Serve(gctx)
	})
	if cfg.MetricsEnabled {
		srv := newMetricsServer(cfg)
		g.Go(func() error {
			logger.Info("Serving metrics", silverline.LogFields{"addr": srv.Addr})
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancelShutdown()
			return srv.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("Runtime stopped", silverline.LogFields{"uuid": rt.ID()})
	return nil
}

// newMetrics returns nil when metrics are disabled; every component accepts
// a nil *Metrics.
func newMetrics(cfg *silverline.Config) *silverline.Metrics {
	if !cfg.MetricsEnabled {
		return nil
	}
	m := silverline.NewMetrics(nil)
	_ = m.Register()
	return m
}

func newMetricsServer(cfg *silverline.Config) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", silverline.MetricsHandler(nil))
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.MetricsPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
