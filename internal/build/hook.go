package build

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	"github.com/go-logr/logr"

	"storeweaver/internal/derivation"
	"storeweaver/internal/storepath"
)

// HookReply is a build hook's answer to an offered build.
type HookReply int

const (
	// HookDecline leaves this build to the local builder.
	HookDecline HookReply = iota
	// HookAccept means the hook built the derivation.
	HookAccept
	// HookDeclinePermanently leaves this and every later build of the run
	// to the local builder.
	HookDeclinePermanently
	// HookPostpone asks to offer the build again later.
	HookPostpone
)

func (r HookReply) String() string {
	switch r {
	case HookAccept:
		return "accept"
	case HookDeclinePermanently:
		return "decline-permanently"
	case HookPostpone:
		return "postpone"
	default:
		return "decline"
	}
}

// HookRequest offers one build to a build hook.
type HookRequest struct {
	DrvPath storepath.StorePath
	Drv     *derivation.Derivation
	// Outputs maps every output of Drv to its store path.
	Outputs map[string]storepath.StorePath
	Wanted  derivation.OutputsSpec
	// InputPaths is the closure of the inputs the remote side needs.
	InputPaths storepath.Set
	// AmWilling is set when the build could also run locally.
	AmWilling bool
}

// BuildHook delegates builds, typically to other machines.
type BuildHook interface {
	// TryBuild is offered every build that does not have to run locally.
	// When it accepts, it runs the build before returning and reports how
	// the builder ended; the outputs of a successful build must be valid in
	// the store by then. An exit code of 100 reports a failed build and 101
	// a timed out one; any other non-zero code is a failure of the hook.
	TryBuild(ctx context.Context, req *HookRequest) (HookReply, *BuildOutcome, error)
}

// runPostBuildHook runs the post-build hook program with DRV_PATH and
// OUT_PATHS set, relaying its output to log.
func runPostBuildHook(ctx context.Context, program, drvPath string, outPaths []string, log logr.Logger) error {
	log = log.WithName("post-build-hook")
	log.V(1).Info("running post-build-hook", "program", program)

	cmd := exec.Command(program)
	cmd.Env = append(os.Environ(), "DRV_PATH="+drvPath, "OUT_PATHS="+strings.Join(outPaths, " "))
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw
	relayed := make(chan struct{})
	go func() {
		defer close(relayed)
		sc := bufio.NewScanner(pr)
		for sc.Scan() {
			log.Info(sc.Text())
		}
		_, _ = io.Copy(io.Discard, pr)
	}()

	if err := cmd.Start(); err != nil {
		pw.Close()
		<-relayed
		return fmt.Errorf("running post-build-hook '%s': %w", program, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		<-done
		err = ctx.Err()
	}
	pw.Close()
	<-relayed

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("post-build-hook '%s' failed with exit code %d", program, exitErr.ExitCode())
	}
	if err != nil {
		return fmt.Errorf("running post-build-hook '%s': %w", program, err)
	}
	return nil
}
