package castwatch

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"git.unix.lgbt/diamondburned/castwatch/castwatch/exec"
	"github.com/pkg/errors"
)

// ProcessUsage is a single process' CPU usage, as seen in one snapshot.
type ProcessUsage struct {
	PID     int
	User    string
	CPU     float64 // percent of one core
	Command string
}

// Sampler takes snapshots of the processes using the most CPU.
type Sampler interface {
	Sample(ctx context.Context) ([]ProcessUsage, error)
}

// DefaultTopCommand lists the top 5 processes by CPU usage, minus top's
// summary and column header rows.
const DefaultTopCommand = "top -b -n1 | head -n 12 | tail -n +8"

// TopSampler is a Sampler parsing the batch-mode output of top(1).
type TopSampler struct {
	Command string
	Timeout time.Duration

	r exec.Runner
}

var _ Sampler = (*TopSampler)(nil)

// NewTopSampler creates a new TopSampler that runs the default command
// through the given runner.
func NewTopSampler(r exec.Runner) *TopSampler {
	return &TopSampler{
		Command: DefaultTopCommand,
		Timeout: 5 * time.Second,
		r:       r,
	}
}

// Sample implements Sampler.
func (s *TopSampler) Sample(ctx context.Context) ([]ProcessUsage, error) {
	out, err := s.r.Shell(ctx, s.Timeout, s.Command)
	if err != nil {
		return nil, errors.Wrap(err, "failed to run snapshot command")
	}

	return ParseTop(out.Stdout)
}

// ParseError is returned when a snapshot line does not look like a row of
// top's process table.
type ParseError struct {
	Line   string
	Reason string
}

func (err *ParseError) Error() string {
	return fmt.Sprintf("unexpected snapshot line %q: %s", err.Line, err.Reason)
}

// Column positions in top's default process table:
//
//    PID USER      PR  NI    VIRT    RES    SHR S  %CPU  %MEM     TIME+ COMMAND
const (
	topColumnPID     = 0
	topColumnUser    = 1
	topColumnCPU     = 8
	topColumnCommand = 11
)

// ParseTop parses rows of top's process table. Blank lines are ignored; any
// other line that is not a valid row fails the whole parse, since a shifted
// column layout would otherwise silently attribute the wrong CPU usage.
func ParseTop(output string) ([]ProcessUsage, error) {
	var usages []ProcessUsage

	for _, line := range strings.Split(output, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		if len(fields) <= topColumnCPU {
			return nil, &ParseError{
				Line:   line,
				Reason: fmt.Sprintf("expected at least %d fields, got %d", topColumnCPU+1, len(fields)),
			}
		}

		pid, err := strconv.Atoi(fields[topColumnPID])
		if err != nil || pid <= 0 {
			return nil, &ParseError{Line: line, Reason: "invalid PID"}
		}

		// Some locales print a decimal comma.
		cpuField := strings.Replace(fields[topColumnCPU], ",", ".", 1)
		cpu, err := strconv.ParseFloat(cpuField, 64)
		if err != nil {
			return nil, &ParseError{Line: line, Reason: "invalid %CPU"}
		}

		var command string
		if len(fields) > topColumnCommand {
			command = strings.Join(fields[topColumnCommand:], " ")
		}

		usages = append(usages, ProcessUsage{
			PID:     pid,
			User:    fields[topColumnUser],
			CPU:     cpu,
			Command: command,
		})
	}

	return usages, nil
}
