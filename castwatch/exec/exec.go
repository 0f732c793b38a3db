// Package exec provides an abstraction around package os/exec for running
// the short-lived commands castwatch depends on, with a hard timeout and
// typed failures for easier testing.
package exec

import (
	"bytes"
	"context"
	"fmt"
	osexec "os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// PipeWaitDelay is how long a command's output pipes are drained after the
// command itself exits. Daemons forked by a command may inherit its stdout and
// never close it.
var PipeWaitDelay = time.Second

// Output is the captured output of a finished command.
type Output struct {
	Stdout string
	Stderr string
}

// Kind classifies an execution failure.
type Kind int

const (
	// ErrSpawn is returned when the command could not be started or waited
	// on.
	ErrSpawn Kind = iota + 1
	// ErrExit is returned when the command exited with a non-zero status.
	ErrExit
	// ErrTimeout is returned when the command was killed because it ran past
	// its timeout or its context was canceled.
	ErrTimeout
)

func (k Kind) String() string {
	switch k {
	case ErrSpawn:
		return "spawn failed"
	case ErrExit:
		return "non-zero exit"
	case ErrTimeout:
		return "timed out"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is an execution failure. Stderr holds whatever the command wrote
// before failing.
type Error struct {
	Kind     Kind
	Command  string
	ExitCode int // -1 unless Kind is ErrExit
	Stderr   string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Command, e.Kind)
	if e.Kind == ErrExit {
		msg += fmt.Sprintf(" (status %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsTimeout returns true if err is an execution timeout.
func IsTimeout(err error) bool {
	var execErr *Error
	return errors.As(err, &execErr) && execErr.Kind == ErrTimeout
}

// ExitCode returns the exit status carried by err, if err is a non-zero exit.
func ExitCode(err error) (int, bool) {
	var execErr *Error
	if errors.As(err, &execErr) && execErr.Kind == ErrExit {
		return execErr.ExitCode, true
	}
	return 0, false
}

// Stderr returns the captured standard error carried by err, if any.
func Stderr(err error) string {
	var execErr *Error
	if errors.As(err, &execErr) {
		return execErr.Stderr
	}
	return ""
}

// Runner runs external commands.
type Runner interface {
	// Run executes the program directly with the given arguments. No shell
	// is involved, so arguments are never interpreted.
	Run(ctx context.Context, timeout time.Duration, name string, args ...string) (Output, error)
	// Shell executes a full shell line, for commands that need pipelines.
	Shell(ctx context.Context, timeout time.Duration, line string) (Output, error)
}

// OSRunner is the Runner that spawns real processes.
type OSRunner struct {
	// ShellPath is the shell used by Shell. It is invoked as ShellPath -c.
	ShellPath string
}

var _ Runner = (*OSRunner)(nil)

// NewRunner creates a new OSRunner using /bin/sh.
func NewRunner() *OSRunner {
	return &OSRunner{ShellPath: "/bin/sh"}
}

// Run implements Runner.
func (r *OSRunner) Run(
	ctx context.Context, timeout time.Duration, name string, args ...string) (Output, error) {

	argv := append([]string{name}, args...)
	return r.run(ctx, timeout, argv, strings.Join(argv, " "))
}

// Shell implements Runner.
func (r *OSRunner) Shell(ctx context.Context, timeout time.Duration, line string) (Output, error) {
	return r.run(ctx, timeout, []string{r.ShellPath, "-c", line}, line)
}

func (r *OSRunner) run(
	ctx context.Context, timeout time.Duration, argv []string, display string) (Output, error) {

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer

	cmd := osexec.Command(argv[0], argv[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = PipeWaitDelay
	// Run the command in its own process group, so that a timeout also takes
	// down everything a shell pipeline spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return Output{}, &Error{
			Kind:     ErrSpawn,
			Command:  display,
			ExitCode: -1,
			Err:      err,
		}
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var err error

	select {
	case err = <-waitCh:
	case <-ctx.Done():
		// Negative PID signals the whole group.
		unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		<-waitCh

		out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
		return out, &Error{
			Kind:     ErrTimeout,
			Command:  display,
			ExitCode: -1,
			Stderr:   out.Stderr,
			Err:      ctx.Err(),
		}
	}

	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}

	// The process exited cleanly but left its pipes open; what was read so
	// far is all we get.
	if err == nil || errors.Is(err, osexec.ErrWaitDelay) {
		return out, nil
	}

	var exitErr *osexec.ExitError
	if errors.As(err, &exitErr) {
		return out, &Error{
			Kind:     ErrExit,
			Command:  display,
			ExitCode: exitErr.ExitCode(),
			Stderr:   out.Stderr,
			Err:      err,
		}
	}

	return out, &Error{
		Kind:     ErrSpawn,
		Command:  display,
		ExitCode: -1,
		Stderr:   out.Stderr,
		Err:      err,
	}
}
