package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/drblury/silverline"
)

const (
	styleShort = "short"
	styleFull  = "full"
)

func newListCmd(v *viper.Viper) *cobra.Command {
	var style string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List runtimes and the modules running on each",
		Long: `List runtimes and the modules running on each. In the short style UUIDs
are shortened to their last 4 hex characters, the alias every other command
accepts.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if style != styleShort && style != styleFull {
				return fmt.Errorf("unknown list style %q (want %s or %s)", style, styleShort, styleFull)
			}
			cfg, err := loadConfig(v)
			if err != nil {
				return err
			}
			dir, err := silverline.NewRESTDirectory(cfg.OrchestratorURL, silverline.WithDirectoryLogger(newLogger(cmd, v)))
			if err != nil {
				return err
			}
			runtimes, err := dir.Runtimes(cmd.Context())
			if err != nil {
				return err
			}
			if style == styleShort {
				renderShort(cmd.OutOrStdout(), runtimes)
			} else {
				renderFull(cmd.OutOrStdout(), runtimes)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&style, "style", styleShort, "List style: short or full")
	return cmd
}

func renderShort(out io.Writer, runtimes []silverline.RuntimeInfo) {
	tw := table.NewWriter()
	tw.SetOutputMirror(out)
	tw.AppendHeader(table.Row{"uuid:name", "modules"})
	for _, rt := range runtimes {
		mods := make([]string, 0, len(rt.Children))
		for _, mod := range rt.Children {
			mods = append(mods, text.Colors{text.FgGreen, text.Bold}.Sprint(silverline.ShortID(mod.UUID))+":"+mod.Name)
		}
		cell := "--"
		if len(mods) > 0 {
			cell = strings.Join(mods, " ")
		}
		tw.AppendRow(table.Row{
			text.Colors{text.FgBlue, text.Bold}.Sprintf("%s:%s", silverline.ShortID(rt.UUID), rt.Name),
			cell,
		})
	}
	tw.SetStyle(table.StyleLight)
	tw.Style().Options.SeparateColumns = false
	tw.Style().Format.Header = text.FormatDefault
	tw.Render()
}

func renderFull(out io.Writer, runtimes []silverline.RuntimeInfo) {
	for _, rt := range runtimes {
		fmt.Fprintf(out, "%s:%s\n", text.Colors{text.FgBlue, text.Bold}.Sprint(rt.UUID), rt.Name)
		for _, mod := range rt.Children {
			fmt.Fprintf(out, "    %s:%s (%s)\n",
				text.Colors{text.FgGreen, text.Bold}.Sprint(silverline.ShortID(mod.UUID)), mod.Name, mod.Filename)
		}
	}
}
