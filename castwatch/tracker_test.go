package castwatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testHogPolicy() HogPolicy {
	return HogPolicy{
		User:         "svc",
		CPUThreshold: 90,
		KillAfter:    30,
		Exempt:       []string{"mp3gain"},
	}
}

func TestHogPolicyQualifies(t *testing.T) {
	policy := testHogPolicy()

	tests := []struct {
		name   string
		usage  ProcessUsage
		expect bool
	}{
		{"overusing", ProcessUsage{PID: 1, User: "svc", CPU: 95, Command: "sc_trans"}, true},
		{"exactly at threshold", ProcessUsage{PID: 1, User: "svc", CPU: 90, Command: "sc_trans"}, true},
		{"below threshold", ProcessUsage{PID: 1, User: "svc", CPU: 89.9, Command: "sc_trans"}, false},
		{"other user", ProcessUsage{PID: 1, User: "root", CPU: 100, Command: "sc_trans"}, false},
		{"exempt", ProcessUsage{PID: 1, User: "svc", CPU: 100, Command: "/usr/bin/mp3gain -r x.mp3"}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			assert.Equal(t, test.expect, policy.Qualifies(test.usage))
		})
	}
}

func TestHogTrackerKillsAfterThreshold(t *testing.T) {
	tracker := NewHogTracker(testHogPolicy())

	// The same PID listed twice in a sample still counts once per cycle.
	sample := []ProcessUsage{
		{PID: 100, User: "svc", CPU: 95},
		{PID: 100, User: "svc", CPU: 95},
	}

	for cycle := 1; cycle < 30; cycle++ {
		tracker.Update(sample)
		assert.Equal(t, cycle, tracker.Count(100))
		assert.Empty(t, tracker.Sweep(), "cycle %d", cycle)
	}

	tracker.Update(sample)
	assert.Equal(t, []Hog{{PID: 100, Cycles: 30}}, tracker.Sweep())
	assert.Equal(t, 0, tracker.Len())

	// The entry is gone, so the count starts over.
	tracker.Update(sample)
	assert.Empty(t, tracker.Sweep())
	assert.Equal(t, 1, tracker.Count(100))
}

func TestHogTrackerResetsOnGap(t *testing.T) {
	tracker := NewHogTracker(testHogPolicy())

	hog := ProcessUsage{PID: 7, User: "svc", CPU: 99}
	calm := ProcessUsage{PID: 7, User: "svc", CPU: 12}

	for i := 0; i < 10; i++ {
		tracker.Update([]ProcessUsage{hog})
	}
	assert.Equal(t, 10, tracker.Count(7))

	t.Run("stops qualifying", func(t *testing.T) {
		tracker.Update([]ProcessUsage{calm})
		assert.Equal(t, 0, tracker.Count(7))
		assert.Equal(t, 0, tracker.Len())
	})

	for i := 0; i < 10; i++ {
		tracker.Update([]ProcessUsage{hog})
	}

	t.Run("disappears", func(t *testing.T) {
		tracker.Update([]ProcessUsage{{PID: 8, User: "root", CPU: 100}})
		assert.Equal(t, 0, tracker.Count(7))
	})

	t.Run("empty sample", func(t *testing.T) {
		tracker.Update([]ProcessUsage{hog})
		tracker.Update(nil)
		assert.Equal(t, 0, tracker.Len())
	})

	tracker.Update([]ProcessUsage{hog})
	assert.Equal(t, 1, tracker.Count(7), "count restarts from 1 after a gap")
}

func TestHogTrackerSweepOrder(t *testing.T) {
	policy := testHogPolicy()
	policy.KillAfter = 2

	tracker := NewHogTracker(policy)

	tracker.Update([]ProcessUsage{
		{PID: 30, User: "svc", CPU: 100},
		{PID: 10, User: "svc", CPU: 100},
	})
	tracker.Update([]ProcessUsage{
		{PID: 30, User: "svc", CPU: 100},
		{PID: 10, User: "svc", CPU: 100},
		{PID: 20, User: "svc", CPU: 100},
	})

	assert.Equal(t, []Hog{{PID: 10, Cycles: 2}, {PID: 30, Cycles: 2}}, tracker.Sweep())
	assert.Equal(t, 1, tracker.Count(20), "processes below the threshold are kept")
	assert.Empty(t, tracker.Sweep())
}
