package castwatch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"git.unix.lgbt/diamondburned/castwatch/castwatch/exec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBinary = "/opt/suite/ctl"

	statusHealthy = "cc-a: running (pid 1)\ncc-b: running (pid 2)\n"
	statusBroken  = "cc-a: running (pid 1)\ncc-b: stopped\n"
)

type testSupervisor struct {
	*Supervisor
	r     *exec.ScriptedRunner
	j     *mockJournal
	clock time.Time
}

func newTestSupervisor(t *testing.T) *testSupervisor {
	t.Helper()

	cfg := DefaultSuiteConfig()
	cfg.Binary = testBinary
	cfg.SocketPath = filepath.Join(t.TempDir(), "cc-appserver.sock")

	ts := &testSupervisor{
		r:     exec.NewScriptedRunner(),
		j:     &mockJournal{},
		clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	ts.Supervisor = NewSupervisor(cfg, ts.r, ts.j)
	ts.Supervisor.now = func() time.Time { return ts.clock }

	return ts
}

// cycle advances the clock past the cooldown and runs a cycle.
func (ts *testSupervisor) cycle(t *testing.T) Outcome {
	t.Helper()

	ts.clock = ts.clock.Add(ts.cfg.Cooldown)

	outcome, ran := ts.Cycle(context.Background())
	require.True(t, ran, "cycle was skipped")
	return outcome
}

func TestParseStatus(t *testing.T) {
	statuses := ParseStatus("cc-a: running (pid 1)\n cc-b : stopped\nweird line\n", "running (pid")

	assert.Equal(t, []ServiceStatus{
		{Name: "cc-a", Running: true},
		{Name: "cc-b", Running: false},
		{Name: "weird line", Running: false},
	}, statuses)

	assert.Equal(t,
		[]ServiceStatus{{Name: "", Running: false}},
		ParseStatus("\n", "running (pid"))
}

func TestKillTargets(t *testing.T) {
	assert.Equal(t, []string{"cc-b", "b"}, KillTargets([]string{"cc-b"}, "cc-"))
	assert.Equal(t,
		[]string{"cc-ices", "ices", "sc_serv"},
		KillTargets([]string{"cc-ices", "sc_serv"}, "cc-"))
	assert.Equal(t, []string{"cc-"}, KillTargets([]string{"cc-"}, "cc-"))
	assert.Equal(t, []string{"cc-b"}, KillTargets([]string{"cc-b", "cc-b"}, ""))
	assert.Empty(t, KillTargets([]string{""}, "cc-"))
}

func TestSupervisorHealthy(t *testing.T) {
	ts := newTestSupervisor(t)
	ts.r.On(testBinary+" status", exec.OK(statusHealthy))

	assert.Equal(t, OutcomeHealthy, ts.cycle(t))
	assert.Equal(t, SupervisionState{Healthy: true}, ts.State())
	assert.Equal(t, []string{testBinary + " status"}, ts.r.Calls())

	// Already healthy, so no recovery notice.
	ts.j.Verify(t, true, nil)
}

func TestSupervisorHealthyResetsFailures(t *testing.T) {
	ts := newTestSupervisor(t)
	ts.r.On(testBinary+" status", exec.OK(statusHealthy))
	ts.state = SupervisionState{
		LastFailure: ts.clock,
		Failures:    7,
		Healthy:     false,
	}

	assert.Equal(t, OutcomeHealthy, ts.cycle(t))
	assert.Equal(t, SupervisionState{Healthy: true}, ts.State())

	ts.j.Verify(t, true, []Event{
		EventServicesRecovered{Attempts: 7},
	})

	// The recovery notice is only emitted on the transition.
	assert.Equal(t, OutcomeHealthy, ts.cycle(t))
	ts.j.Verify(t, true, nil)
}

func TestSupervisorPlainRestart(t *testing.T) {
	ts := newTestSupervisor(t)
	ts.r.
		On(testBinary+" status", exec.OK(statusBroken)).
		On(testBinary+" start", exec.OK(""))

	assert.Equal(t, OutcomeRestarted, ts.cycle(t))

	assert.Equal(t, []string{
		testBinary + " status",
		testBinary + " start",
	}, ts.r.Calls())

	state := ts.State()
	assert.Equal(t, 1, state.Failures)
	assert.False(t, state.Healthy)
	assert.Equal(t, ts.clock, state.LastFailure)

	ts.j.Verify(t, true, []Event{
		EventServicesDown{Services: []string{"cc-b"}, Attempt: 1, Aggressive: false},
		EventServicesRestarted{Attempt: 1},
	})
}

func TestSupervisorEmptyStatus(t *testing.T) {
	ts := newTestSupervisor(t)
	ts.r.
		On(testBinary+" status", exec.OK("")).
		On(testBinary+" start", exec.OK(""))
	ts.state = SupervisionState{Failures: 3}

	assert.Equal(t, OutcomeRestarted, ts.cycle(t))

	// Escalated, but there is nothing named to kill.
	assert.Equal(t, []string{
		testBinary + " status",
		testBinary + " start",
	}, ts.r.Calls())

	ts.j.Verify(t, true, []Event{
		EventServicesDown{Services: []string{""}, Attempt: 4, Aggressive: true},
		EventServicesRestarted{Attempt: 4},
	})
}

func TestSupervisorAggressiveRestart(t *testing.T) {
	ts := newTestSupervisor(t)
	ts.r.
		On(testBinary+" status", exec.OK(statusBroken)).
		On(testBinary+" start", exec.OK("")).
		On("pkill -KILL -f cc-b", exec.Fail(1, "")). // nothing matched
		On("pkill -KILL -f b", exec.OK(""))
	ts.state = SupervisionState{Failures: 3, LastFailure: ts.clock}

	assert.Equal(t, OutcomeRestarted, ts.cycle(t))

	assert.Equal(t, []string{
		testBinary + " status",
		"pkill -KILL -f cc-b",
		"pkill -KILL -f b",
		testBinary + " start",
	}, ts.r.Calls())

	assert.Equal(t, 4, ts.State().Failures)

	ts.j.Verify(t, true, []Event{
		EventServicesDown{Services: []string{"cc-b"}, Attempt: 4, Aggressive: true},
		EventServicesRestarted{Attempt: 4},
	})
}

func TestSupervisorKillErrorDoesNotStopRestart(t *testing.T) {
	ts := newTestSupervisor(t)
	ts.r.
		On(testBinary+" status", exec.OK(statusBroken)).
		On(testBinary+" start", exec.OK("")).
		On("pkill -KILL -f cc-b", exec.TimedOut()).
		On("pkill -KILL -f b", exec.OK(""))
	ts.state = SupervisionState{Failures: 5}

	assert.Equal(t, OutcomeRestarted, ts.cycle(t))
	assert.Contains(t, ts.r.Calls(), testBinary+" start")

	journals := ts.j.Journals()
	require.Len(t, journals, 3)

	killErr, ok := journals[1].(EventServiceKillError)
	require.True(t, ok, "expected kill error, got %#v", journals[1])
	assert.Equal(t, "cc-b", killErr.Service)
}

func TestSupervisorEscalation(t *testing.T) {
	ts := newTestSupervisor(t)
	ts.r.
		On(testBinary+" status", exec.OK(statusBroken)).
		On(testBinary+" start", exec.Fail(1, "could not start")).
		On("pkill -KILL -f cc-b", exec.OK("")).
		On("pkill -KILL -f b", exec.OK(""))

	for attempt := 1; attempt <= 5; attempt++ {
		ts.r.Reset()

		assert.Equal(t, OutcomeFailed, ts.cycle(t))
		assert.Equal(t, attempt, ts.State().Failures)

		calls := ts.r.Calls()
		if attempt <= 3 {
			assert.NotContains(t, calls, "pkill -KILL -f cc-b", "attempt %d", attempt)
		} else {
			assert.Contains(t, calls, "pkill -KILL -f cc-b", "attempt %d", attempt)
		}
	}

	journals := ts.j.Journals()
	assert.Equal(t, EventServicesStillDown{Attempts: 5}, journals[len(journals)-1])

	var stillDown int
	for _, ev := range journals {
		if _, ok := ev.(EventServicesStillDown); ok {
			stillDown++
		}
	}
	assert.Equal(t, 1, stillDown)
}

func TestSupervisorStatusFailure(t *testing.T) {
	ts := newTestSupervisor(t)
	ts.r.On(testBinary+" status", exec.Fail(2, "control socket unreachable"))

	assert.Equal(t, OutcomeFailed, ts.cycle(t))
	assert.Equal(t, []string{testBinary + " status"}, ts.r.Calls(), "no restart attempted")
	assert.Equal(t, 1, ts.State().Failures)

	journals := ts.j.Journals()
	require.Len(t, journals, 1)

	statusErr, ok := journals[0].(EventStatusError)
	require.True(t, ok, "expected status error, got %#v", journals[0])
	assert.Equal(t, "control socket unreachable", statusErr.Stderr)
}

func TestSupervisorCooldown(t *testing.T) {
	ts := newTestSupervisor(t)
	ts.r.
		On(testBinary+" status", exec.OK(statusBroken)).
		On(testBinary+" start", exec.OK(""))

	ctx := context.Background()

	_, ran := ts.Cycle(ctx)
	require.True(t, ran)
	assert.Len(t, ts.r.Calls(), 2)

	ts.clock = ts.clock.Add(5 * time.Second)
	_, ran = ts.Cycle(ctx)
	assert.False(t, ran)
	assert.Len(t, ts.r.Calls(), 2, "no command run during cooldown")
	assert.Equal(t, 1, ts.State().Failures)

	ts.clock = ts.clock.Add(10 * time.Second)
	_, ran = ts.Cycle(ctx)
	assert.True(t, ran)
	assert.Len(t, ts.r.Calls(), 4)
}

func TestSupervisorSocketCleanup(t *testing.T) {
	const stderr = "ERROR: An another FPM instance seems to already listen on /tmp/x.sock\n"

	ts := newTestSupervisor(t)
	ts.r.
		On(testBinary+" status", exec.OK(statusBroken)).
		On(testBinary+" start", exec.Fail(1, stderr))

	require.NoError(t, os.WriteFile(ts.cfg.SocketPath, nil, 0600))

	assert.Equal(t, OutcomeFailed, ts.cycle(t))

	_, err := os.Stat(ts.cfg.SocketPath)
	assert.True(t, os.IsNotExist(err), "socket should be removed")

	journals := ts.j.Journals()
	require.Len(t, journals, 3)
	assert.IsType(t, EventRestartError{}, journals[1])
	assert.Equal(t, EventSocketCleanup{Path: ts.cfg.SocketPath}, journals[2])

	// A missing socket is not an error.
	assert.Equal(t, OutcomeFailed, ts.cycle(t))
	journals = ts.j.Journals()
	assert.Equal(t, EventSocketCleanup{Path: ts.cfg.SocketPath}, journals[len(journals)-1])
}
