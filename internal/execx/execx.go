package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner abstracts command execution so probes can be unit-tested without
// touching real system tooling (nmcli/ping/iperf3).
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (Result, error)
}

// Result is what a finished command left behind. ExitCode is -1 when the
// process never ran or was killed.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ExitError reports a command that ran but exited non-zero.
type ExitError struct {
	Name     string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: exit status %d: %s", e.Name, e.ExitCode, e.Stderr)
	}
	return fmt.Sprintf("%s: exit status %d", e.Name, e.ExitCode)
}

// OSRunner executes commands on the host via os/exec.
type OSRunner struct{}

func NewOSRunner() *OSRunner {
	return &OSRunner{}
}

// Run executes name with args. Stdout and stderr are captured and trimmed.
// A non-nil error is returned when the command cannot start, the context
// expires, or the exit status is non-zero; Result is still populated with
// whatever output was collected.
func (r *OSRunner) Run(ctx context.Context, name string, args ...string) (Result, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res := Result{
		Stdout:   strings.TrimSpace(stdout.String()),
		Stderr:   strings.TrimSpace(stderr.String()),
		ExitCode: -1,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if err == nil {
		return res, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return res, fmt.Errorf("%s: %w", name, ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return res, &ExitError{Name: name, ExitCode: res.ExitCode, Stderr: res.Stderr}
	}
	return res, fmt.Errorf("%s: %w", name, err)
}

// LookPath reports whether name resolves on PATH.
func LookPath(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}
