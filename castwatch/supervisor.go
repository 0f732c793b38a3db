package castwatch

import (
	"context"
	"os"
	"strings"
	"time"

	"git.unix.lgbt/diamondburned/castwatch/castwatch/exec"
	"github.com/samber/lo"
)

// Outcome is the result of one supervision attempt.
type Outcome int

const (
	// OutcomeHealthy means every service was running.
	OutcomeHealthy Outcome = iota
	// OutcomeRestarted means some service was down and the suite was
	// restarted.
	OutcomeRestarted
	// OutcomeFailed means either the status or the restart command failed.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeHealthy:
		return "healthy"
	case OutcomeRestarted:
		return "restarted"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// SuiteConfig describes the supervised service suite and how hard to try
// bringing it back.
type SuiteConfig struct {
	// Binary is the suite's control binary, supporting the status and start
	// subcommands.
	Binary string
	// RunningMarker is the substring marking a status line as running.
	RunningMarker string
	// WorkerPrefix is stripped from a service name to get the name of the
	// worker process the service wraps.
	WorkerPrefix string

	// EscalateAfter is the number of consecutive failures after which broken
	// services are killed before restarting.
	EscalateAfter int
	// MilestoneEvery is the number of consecutive failures between two
	// EventServicesStillDown.
	MilestoneEvery int
	// Cooldown is the minimum time between a failed or restarting check and
	// the next one.
	Cooldown time.Duration

	StatusTimeout time.Duration
	StartTimeout  time.Duration
	KillTimeout   time.Duration

	// SocketMarker, if found in the start command's stderr, causes
	// SocketPath to be removed, since a stale socket prevents the suite's
	// application server from starting.
	SocketMarker string
	SocketPath   string
}

// DefaultSuiteConfig returns the configuration for a stock installation of
// the streaming suite.
func DefaultSuiteConfig() SuiteConfig {
	return SuiteConfig{
		Binary:         "/usr/local/centovacast/centovacast",
		RunningMarker:  "running (pid",
		WorkerPrefix:   "cc-",
		EscalateAfter:  3,
		MilestoneEvery: 5,
		Cooldown:       15 * time.Second,
		StatusTimeout:  60 * time.Second,
		StartTimeout:   60 * time.Second,
		KillTimeout:    5 * time.Second,
		SocketMarker:   "An another FPM instance seems to already listen",
		SocketPath:     "/usr/local/centovacast/var/run/cc-appserver.sock",
	}
}

// ServiceStatus is a single line of the suite's status output.
type ServiceStatus struct {
	Name    string
	Running bool
}

// ParseStatus parses the suite's status output, one service per line. A
// service is running if its line contains the marker. Its name is whatever
// precedes the first colon. Empty output yields a single unnamed service that
// is not running, so a silent status command counts as a broken suite.
func ParseStatus(output, marker string) []ServiceStatus {
	output = strings.TrimSpace(output)

	lines := strings.Split(output, "\n")
	statuses := make([]ServiceStatus, 0, len(lines))

	for _, line := range lines {
		name := line
		if i := strings.IndexByte(line, ':'); i >= 0 {
			name = line[:i]
		}

		statuses = append(statuses, ServiceStatus{
			Name:    strings.TrimSpace(name),
			Running: strings.Contains(line, marker),
		})
	}

	return statuses
}

// SupervisionState is the Supervisor's memory between cycles.
type SupervisionState struct {
	// LastFailure is when the last non-healthy outcome happened. It is zero
	// if the last outcome was healthy.
	LastFailure time.Time
	// Failures is the number of consecutive non-healthy outcomes.
	Failures int
	// Healthy is whether the last check found every service running.
	Healthy bool
}

// Supervisor keeps the service suite running. A Supervisor must only be driven
// from one goroutine at a time.
type Supervisor struct {
	cfg SuiteConfig
	r   exec.Runner
	j   Journaler
	now func() time.Time

	state SupervisionState
}

// NewSupervisor creates a new Supervisor. The suite is assumed healthy until
// the first check says otherwise.
func NewSupervisor(cfg SuiteConfig, r exec.Runner, j Journaler) *Supervisor {
	return &Supervisor{
		cfg:   cfg,
		r:     r,
		j:     j,
		now:   time.Now,
		state: SupervisionState{Healthy: true},
	}
}

// State returns a copy of the supervision state.
func (s *Supervisor) State() SupervisionState { return s.state }

// Cycle runs one supervision attempt: check the status of the suite, and
// restart it if needed. If the last attempt was not healthy and happened less
// than the cooldown ago, nothing is done and false is returned.
func (s *Supervisor) Cycle(ctx context.Context) (Outcome, bool) {
	now := s.now()

	if !s.state.LastFailure.IsZero() && now.Sub(s.state.LastFailure) < s.cfg.Cooldown {
		return OutcomeFailed, false
	}

	outcome := s.attempt(ctx)

	if outcome == OutcomeHealthy {
		if !s.state.Healthy {
			s.j.Write(EventServicesRecovered{Attempts: s.state.Failures})
		}

		s.state = SupervisionState{Healthy: true}
		return outcome, true
	}

	s.state.Healthy = false
	s.state.Failures++
	s.state.LastFailure = s.now()

	if s.cfg.MilestoneEvery > 0 && s.state.Failures%s.cfg.MilestoneEvery == 0 {
		s.j.Write(EventServicesStillDown{Attempts: s.state.Failures})
	}

	return outcome, true
}

func (s *Supervisor) attempt(ctx context.Context) Outcome {
	out, err := s.r.Run(ctx, s.cfg.StatusTimeout, s.cfg.Binary, "status")
	if err != nil {
		// Nothing is known to be down, so nothing is restarted.
		s.j.Write(EventStatusError{
			Error:  err.Error(),
			Stderr: exec.Stderr(err),
		})
		return OutcomeFailed
	}

	down := lo.FilterMap(
		ParseStatus(out.Stdout, s.cfg.RunningMarker),
		func(status ServiceStatus, _ int) (string, bool) {
			return status.Name, !status.Running
		},
	)
	if len(down) == 0 {
		return OutcomeHealthy
	}

	aggressive := s.state.Failures >= s.cfg.EscalateAfter
	attempt := s.state.Failures + 1

	s.j.Write(EventServicesDown{
		Services:   down,
		Attempt:    attempt,
		Aggressive: aggressive,
	})

	if aggressive {
		s.killServices(ctx, down)
	}

	if _, err := s.r.Run(ctx, s.cfg.StartTimeout, s.cfg.Binary, "start"); err != nil {
		stderr := exec.Stderr(err)

		s.j.Write(EventRestartError{
			Error:  err.Error(),
			Stderr: stderr,
		})

		if s.cfg.SocketMarker != "" && strings.Contains(stderr, s.cfg.SocketMarker) {
			s.cleanupSocket()
		}

		return OutcomeFailed
	}

	s.j.Write(EventServicesRestarted{Attempt: attempt})
	return OutcomeRestarted
}

// KillTargets returns the process names to kill for the given broken
// services: each service itself, then the worker it wraps, if its name
// carries the worker prefix. Unnamed services are skipped, as an empty
// pattern would match every process.
//
// The worker targeted is the one wrapped by the broken service, so cc-b
// yields b. A running sibling's worker is never killed.
func KillTargets(services []string, prefix string) []string {
	targets := make([]string, 0, len(services)*2)

	for _, service := range services {
		if service == "" {
			continue
		}

		targets = append(targets, service)

		if prefix != "" && strings.HasPrefix(service, prefix) && len(service) > len(prefix) {
			targets = append(targets, strings.TrimPrefix(service, prefix))
		}
	}

	return lo.Uniq(targets)
}

func (s *Supervisor) killServices(ctx context.Context, services []string) {
	for _, target := range KillTargets(services, s.cfg.WorkerPrefix) {
		if _, err := s.r.Run(ctx, s.cfg.KillTimeout, "pkill", "-KILL", "-f", target); err != nil {
			// pkill exits with 1 if nothing matched, which is fine.
			if code, ok := exec.ExitCode(err); ok && code == 1 {
				continue
			}

			s.j.Write(EventServiceKillError{
				Service: target,
				Error:   err.Error(),
			})
		}
	}
}

func (s *Supervisor) cleanupSocket() {
	ev := EventSocketCleanup{Path: s.cfg.SocketPath}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		ev.Error = err.Error()
	}

	s.j.Write(ev)
}
