// Command procrun runs named tasks as supervised processes and lets later
// invocations stop or wait on them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mrexodia/procrun/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM,
		os.Interrupt,
	)
	defer cancel()

	c := newCLI()
	defer c.close()

	if err := c.rootCmd().ExecuteContext(ctx); err != nil {
		return exitStatus(err)
	}
	return 0
}

// exitStatus prints errors not already reported and picks the exit code
func exitStatus(err error) int {
	var reported *reportedError
	if !errors.As(err, &reported) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}

	var exitErr *supervisor.ExitError
	if errors.As(err, &exitErr) && exitErr.Code > 0 {
		return exitErr.Code
	}
	return 1
}
