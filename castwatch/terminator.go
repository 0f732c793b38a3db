package castwatch

import (
	"context"
	"strconv"
	"strings"
	"time"

	"git.unix.lgbt/diamondburned/castwatch/castwatch/exec"
)

// Terminator kills CPU hogs.
type Terminator struct {
	// Timeout bounds both the command line lookup and the kill.
	Timeout time.Duration

	r exec.Runner
	j Journaler
}

// NewTerminator creates a new Terminator.
func NewTerminator(r exec.Runner, j Journaler) *Terminator {
	return &Terminator{
		Timeout: 2 * time.Second,
		r:       r,
		j:       j,
	}
}

// Terminate sends SIGKILL to each hog in turn. A failure to kill one hog does
// not stop the others from being killed, and nothing is retried. The number of
// processes successfully killed is returned.
func (t *Terminator) Terminate(ctx context.Context, hogs []Hog) int {
	var killed int

	for _, hog := range hogs {
		if t.terminate(ctx, hog) {
			killed++
		}
	}

	return killed
}

func (t *Terminator) terminate(ctx context.Context, hog Hog) bool {
	pid := strconv.Itoa(hog.PID)

	// The command line is only for the journal, so a failed lookup is not a
	// reason to spare the process.
	var command string
	out, err := t.r.Run(ctx, t.Timeout, "ps", "-p", pid, "-o", "cmd=")
	if err != nil {
		t.j.Write(EventWarning{
			Component: "terminator",
			Error:     "failed to look up command of PID " + pid + ": " + err.Error(),
		})
	} else {
		command = strings.TrimSpace(out.Stdout)
	}

	// kill(1) rather than unix.Kill, so the kill goes through the Runner.
	if _, err := t.r.Run(ctx, t.Timeout, "kill", "-9", pid); err != nil {
		t.j.Write(EventHogKillError{
			PID:     hog.PID,
			Command: command,
			Error:   err.Error(),
		})
		return false
	}

	t.j.Write(EventHogKilled{
		PID:     hog.PID,
		Command: command,
		Cycles:  hog.Cycles,
	})
	return true
}
