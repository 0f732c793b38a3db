package exec

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Result is a canned outcome for a ScriptedRunner command.
type Result struct {
	Output Output
	Err    error
}

// OK creates a successful Result with the given stdout.
func OK(stdout string) Result {
	return Result{Output: Output{Stdout: stdout}}
}

// Fail creates a Result for a command exiting with the given status.
func Fail(code int, stderr string) Result {
	return Result{
		Output: Output{Stderr: stderr},
		Err: &Error{
			Kind:     ErrExit,
			ExitCode: code,
			Stderr:   stderr,
			Err:      errors.Errorf("exit status %d", code),
		},
	}
}

// TimedOut creates a Result for a command that ran past its timeout.
func TimedOut() Result {
	return Result{Err: &Error{
		Kind:     ErrTimeout,
		ExitCode: -1,
		Err:      context.DeadlineExceeded,
	}}
}

// ScriptedRunner is a Runner that never spawns anything. Commands are matched
// by their full line (program and arguments joined by spaces, or the shell
// line as-is) against scripted results. It is used for testing.
//
// A zero-value instance is not valid; use NewScriptedRunner.
type ScriptedRunner struct {
	mutex   sync.Mutex
	scripts map[string][]Result
	calls   []string
}

var _ Runner = (*ScriptedRunner)(nil)

// NewScriptedRunner creates an empty ScriptedRunner. Unscripted commands fail
// to spawn.
func NewScriptedRunner() *ScriptedRunner {
	return &ScriptedRunner{scripts: map[string][]Result{}}
}

// On queues results for the given command line. Each call consumes one
// result; the last one is repeated forever.
func (s *ScriptedRunner) On(line string, results ...Result) *ScriptedRunner {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.scripts[line] = append(s.scripts[line], results...)
	return s
}

// Calls returns every command line run so far, in order.
func (s *ScriptedRunner) Calls() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return append([]string(nil), s.calls...)
}

// Reset forgets the recorded calls, keeping the scripts.
func (s *ScriptedRunner) Reset() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.calls = nil
}

// Run implements Runner.
func (s *ScriptedRunner) Run(
	ctx context.Context, _ time.Duration, name string, args ...string) (Output, error) {

	return s.next(ctx, strings.Join(append([]string{name}, args...), " "))
}

// Shell implements Runner.
func (s *ScriptedRunner) Shell(ctx context.Context, _ time.Duration, line string) (Output, error) {
	return s.next(ctx, line)
}

func (s *ScriptedRunner) next(ctx context.Context, line string) (Output, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.calls = append(s.calls, line)

	if err := ctx.Err(); err != nil {
		return Output{}, &Error{Kind: ErrTimeout, Command: line, ExitCode: -1, Err: err}
	}

	queue, ok := s.scripts[line]
	if !ok || len(queue) == 0 {
		return Output{}, &Error{
			Kind:     ErrSpawn,
			Command:  line,
			ExitCode: -1,
			Err:      errors.New("no script for command"),
		}
	}

	res := queue[0]
	if len(queue) > 1 {
		s.scripts[line] = queue[1:]
	}

	if execErr, ok := res.Err.(*Error); ok {
		copied := *execErr
		copied.Command = line
		return res.Output, &copied
	}

	return res.Output, res.Err
}
