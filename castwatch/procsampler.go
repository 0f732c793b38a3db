package castwatch

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v4/process"
)

// ProcSampler is a Sampler that reads the process table directly instead of
// parsing a command's output. CPU usage is measured between two consecutive
// samples, so the first sample of a newly seen process reports 0.
//
// A ProcSampler must not be used concurrently.
type ProcSampler struct {
	// TopN is the number of processes returned per sample.
	TopN int

	procs map[int32]*process.Process
}

var _ Sampler = (*ProcSampler)(nil)

// NewProcSampler creates a new ProcSampler returning the top 5 processes.
func NewProcSampler() *ProcSampler {
	return &ProcSampler{
		TopN:  5,
		procs: map[int32]*process.Process{},
	}
}

// Sample implements Sampler.
func (s *ProcSampler) Sample(ctx context.Context) ([]ProcessUsage, error) {
	current, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list processes")
	}

	next := make(map[int32]*process.Process, len(current))
	usages := make([]ProcessUsage, 0, len(current))

	for _, p := range current {
		// Keep the handle from the last sample around, since that is what
		// holds the previous CPU times.
		if prev, ok := s.procs[p.Pid]; ok && sameProcess(ctx, prev, p) {
			p = prev
		}
		next[p.Pid] = p

		cpu, err := p.PercentWithContext(ctx, 0)
		if err != nil {
			// The process most likely exited while we were looking.
			continue
		}

		usages = append(usages, ProcessUsage{
			PID: int(p.Pid),
			CPU: cpu,
		})
	}

	s.procs = next

	sort.SliceStable(usages, func(i, j int) bool {
		return usages[i].CPU > usages[j].CPU
	})

	if s.TopN > 0 && len(usages) > s.TopN {
		usages = usages[:s.TopN]
	}

	// Only look up the details of the few processes that are returned.
	for i := range usages {
		p := next[int32(usages[i].PID)]
		usages[i].User, _ = p.UsernameWithContext(ctx)

		cmdline, _ := p.CmdlineSliceWithContext(ctx)
		usages[i].Command = strings.Join(cmdline, " ")
	}

	return usages, nil
}

// sameProcess returns true if both handles refer to the same process rather
// than to a reused PID.
func sameProcess(ctx context.Context, a, b *process.Process) bool {
	ta, errA := a.CreateTimeWithContext(ctx)
	tb, errB := b.CreateTimeWithContext(ctx)
	return errA == nil && errB == nil && ta == tb
}
