// Command silverline runs a SilverLine runtime and drives the orchestrator
// from the command line: module and runtime lifecycle, echo and reset, and
// benchmark runs against running modules.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := NewRootCmd()
	root.SetContext(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
		cancel()
		os.Exit(exitCode(err))
	}
}
