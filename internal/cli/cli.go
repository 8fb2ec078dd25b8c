// Package cli implements the storeweaver command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"storeweaver/internal/build"
)

const (
	ExitSuccess           = 0
	ExitFailure           = 1
	ExitInvalidInvocation = 2
)

// CLIResult is the outcome of one invocation.
type CLIResult struct {
	ExitCode int
}

// InvocationError reports arguments or settings the command cannot run
// with.
type InvocationError struct {
	Message string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{Message: fmt.Sprintf(format, args...)}
}

// ExitCode maps an error returned by a command to the process exit status.
// Build failures carry their own status.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) {
		return ExitInvalidInvocation
	}
	var exitErr *build.ExitError
	if errors.As(err, &exitErr) && exitErr.Status != 0 {
		return exitErr.Status
	}
	return ExitFailure
}

// Run executes the command line args (without argv[0]) and returns the exit
// code together with the error that caused it, if any. Output goes to
// stdout and stderr; logs go to stderr.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (CLIResult, error) {
	app := newApp(stdout, stderr)
	root := NewRootCommand(app)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if cerr := app.close(); err == nil && cerr != nil {
		err = cerr
	}
	return CLIResult{ExitCode: ExitCode(err)}, err
}
