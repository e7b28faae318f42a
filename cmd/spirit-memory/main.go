// Command spirit-memory manages per-agent memory packs from the command line.
//
// The six memory operations run through the same tool dispatcher an agent
// runtime uses and print its JSON response. Administrative commands (jobs,
// the worker pool, audit log, merge, purge, export and import) call the
// engine directly.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &app{}, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "spirit-memory: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// run executes one command line and releases every resource it opened.
func run(ctx context.Context, a *app, args []string, stdout, stderr io.Writer) error {
	defer a.close()

	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	return cmd.ExecuteContext(ctx)
}
