package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"storeweaver/internal/cli"
)

// main only wires the process to the CLI: signals cancel the run, and the
// exit status comes from the command's error.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	result, err := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
	}
	os.Exit(result.ExitCode)
}
