package castwatch

import (
	"context"
	"time"

	"git.unix.lgbt/diamondburned/castwatch/castwatch/exec"
)

// DefaultMaintenancePattern matches the streaming suite's updater.
const DefaultMaintenancePattern = "/usr/local/centovacast/sbin/update"

// MaintenanceGuard detects long-running maintenance operations, such as an
// upgrade of the suite, during which supervision must not interfere.
type MaintenanceGuard struct {
	// Pattern is matched against full command lines.
	Pattern string
	Timeout time.Duration

	r      exec.Runner
	j      Journaler
	active bool
}

// NewMaintenanceGuard creates a new guard matching the default pattern.
func NewMaintenanceGuard(r exec.Runner, j Journaler) *MaintenanceGuard {
	return &MaintenanceGuard{
		Pattern: DefaultMaintenancePattern,
		Timeout: 5 * time.Second,
		r:       r,
		j:       j,
	}
}

// Active returns true if a maintenance process is running. A search that
// cannot be completed is reported as a warning and counts as no maintenance.
func (g *MaintenanceGuard) Active(ctx context.Context) bool {
	if g.Pattern == "" {
		return false
	}

	_, err := g.r.Run(ctx, g.Timeout, "pgrep", "-f", g.Pattern)

	active := err == nil
	if err != nil {
		// pgrep exits with 1 when nothing matched.
		if code, ok := exec.ExitCode(err); !ok || code != 1 {
			g.j.Write(EventWarning{
				Component: "maintenance guard",
				Error:     err.Error(),
			})
		}
	}

	if active != g.active {
		g.active = active
		g.j.Write(EventMaintenance{Active: active, Pattern: g.Pattern})
	}

	return active
}
