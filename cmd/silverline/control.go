package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drblury/silverline"
)

const defaultEchoTimeout = 10 * time.Second

// withClient connects a Client for the duration of fn.
func withClient(cmd *cobra.Command, v *viper.Viper, fn func(ctx context.Context, c *silverline.Client, logger silverline.ServiceLogger) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return err
	}
	logger := newLogger(cmd, v)
	ctx := cmd.Context()

	client, err := silverline.NewClient(ctx, cfg, logger, silverline.ClientDependencies{})
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Error("Closing client failed", err, nil)
		}
	}()
	return fn(ctx, client, logger)
}

func newEchoCmd(v *viper.Viper) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Wait until the orchestrator has processed every earlier request",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *silverline.Client, _ silverline.ServiceLogger) error {
				start := time.Now()
				if err := c.Control().Echo(ctx, timeout); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "echo answered in %s\n", time.Since(start).Round(time.Millisecond))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", defaultEchoTimeout, "How long to wait for the answer")
	return cmd
}

func newResetCmd(v *viper.Viper) *cobra.Command {
	var metadata map[string]string

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Clear the orchestrator's profiling state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *silverline.Client, _ silverline.ServiceLogger) error {
				if len(metadata) == 0 {
					return c.Control().Reset(ctx, nil)
				}
				return c.Control().Reset(ctx, metadata)
			})
		},
	}
	cmd.Flags().StringToStringVar(&metadata, "metadata", nil, "Metadata stored with the next trace (key=value)")
	return cmd
}

func newStopModuleCmd(v *viper.Viper) *cobra.Command {
	var modules []string

	cmd := &cobra.Command{
		Use:   "stop-module",
		Short: "Send a delete request for the given modules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *silverline.Client, _ silverline.ServiceLogger) error {
				ids, err := c.InferModules(ctx, modules)
				if err != nil {
					return err
				}
				for _, id := range ids {
					if err := c.Control().DeleteModule(ctx, id); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Stopping module %s\n", id)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&modules, "module", nil, "Modules to stop, by name, UUID or last 4 characters of the UUID")
	return cmd
}

func newStopRuntimeCmd(v *viper.Viper) *cobra.Command {
	var runtimes []string

	cmd := &cobra.Command{
		Use:   "stop-runtime",
		Short: "Send a delete request to runtimes; all runtimes when none are named",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withClient(cmd, v, func(ctx context.Context, c *silverline.Client, logger silverline.ServiceLogger) error {
				return stopRuntimes(ctx, cmd.OutOrStdout(), c, logger, runtimes)
			})
		},
	}
	cmd.Flags().StringSliceVar(&runtimes, "runtime", nil, "Runtimes to stop; empty stops every runtime")
	return cmd
}

// stopRuntimes deletes the named runtimes, or every known runtime. Names
// that do not resolve are reported and skipped.
func stopRuntimes(ctx context.Context, out io.Writer, c *silverline.Client, logger silverline.ServiceLogger, aliases []string) error {
	known, err := c.Directory().Runtimes(ctx)
	if err != nil {
		return err
	}
	names := make(map[string]string, len(known))
	for _, rt := range known {
		names[rt.UUID] = rt.Name
	}

	var targets []string
	if len(aliases) == 0 {
		for _, rt := range known {
			targets = append(targets, rt.UUID)
		}
	}
	for _, alias := range aliases {
		ids, err := c.InferRuntimes(ctx, []string{alias})
		var unknown *silverline.UnknownTargetError
		if errors.As(err, &unknown) {
			logger.Warn("Runtime not found", silverline.LogFields{"runtime": alias})
			continue
		}
		if err != nil {
			return err
		}
		targets = append(targets, ids...)
	}

	for _, id := range targets {
		fmt.Fprintf(out, "Stopping runtime %s [%s]\n", names[id], id)
		if err := c.Control().DeleteRuntime(ctx, id, names[id]); err != nil {
			return err
		}
	}
	return nil
}
