package castwatch

import (
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// HogPolicy decides which processes count as CPU hogs and when they get
// killed.
type HogPolicy struct {
	// User is the only user whose processes are considered.
	User string
	// CPUThreshold is the CPU usage, in percent of one core, at or above
	// which a process is overusing the CPU.
	CPUThreshold float64
	// KillAfter is the number of consecutive overusing samples after which a
	// process is killed.
	KillAfter int
	// Exempt lists command line substrings of processes that are CPU-bound by
	// design and are never killed.
	Exempt []string
}

// DefaultHogPolicy returns the policy for the streaming suite's workers.
func DefaultHogPolicy() HogPolicy {
	return HogPolicy{
		User:         "ccuser",
		CPUThreshold: 90,
		KillAfter:    30,
		Exempt:       []string{"mp3gain"},
	}
}

// Qualifies returns true if the sampled process is overusing the CPU under
// this policy.
func (p HogPolicy) Qualifies(usage ProcessUsage) bool {
	if usage.User != p.User || usage.CPU < p.CPUThreshold {
		return false
	}

	return !lo.ContainsBy(p.Exempt, func(exempt string) bool {
		return exempt != "" && strings.Contains(usage.Command, exempt)
	})
}

// HogTracker counts, per PID, the number of consecutive samples in which a
// process overused the CPU. It is safe for concurrent use: the sampling loop
// updates it while the supervision loop sweeps it.
type HogTracker struct {
	policy HogPolicy

	mutex  sync.Mutex
	counts map[int]int // PID -> consecutive overusing samples
}

// NewHogTracker creates an empty tracker.
func NewHogTracker(policy HogPolicy) *HogTracker {
	return &HogTracker{
		policy: policy,
		counts: map[int]int{},
	}
}

// Policy returns the tracker's policy.
func (t *HogTracker) Policy() HogPolicy { return t.policy }

// Update feeds a new sample into the tracker. Processes qualifying in this
// sample have their count incremented; every other process is forgotten,
// whether it vanished from the sample or merely stopped qualifying.
func (t *HogTracker) Update(samples []ProcessUsage) {
	next := make(map[int]int, len(samples))

	t.mutex.Lock()
	defer t.mutex.Unlock()

	for _, usage := range samples {
		if !t.policy.Qualifies(usage) {
			continue
		}
		// A PID listed twice in one sample only counts once.
		if _, seen := next[usage.PID]; seen {
			continue
		}
		next[usage.PID] = t.counts[usage.PID] + 1
	}

	t.counts = next
}

// Hog is a process that overused the CPU for long enough.
type Hog struct {
	PID    int
	Cycles int
}

// Sweep returns the processes that have reached the kill threshold, ordered by
// PID, and forgets them. Each detection is thus returned exactly once, even if
// killing the process fails later.
func (t *HogTracker) Sweep() []Hog {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var hogs []Hog

	for pid, count := range t.counts {
		if count >= t.policy.KillAfter {
			hogs = append(hogs, Hog{PID: pid, Cycles: count})
			delete(t.counts, pid)
		}
	}

	sort.Slice(hogs, func(i, j int) bool { return hogs[i].PID < hogs[j].PID })
	return hogs
}

// Count returns the number of consecutive overusing samples recorded for the
// PID, or 0 if it is not tracked.
func (t *HogTracker) Count(pid int) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.counts[pid]
}

// Len returns the number of tracked processes.
func (t *HogTracker) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return len(t.counts)
}
