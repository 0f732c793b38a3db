package castwatch

import (
	"context"
	"sync"
	"time"
)

// Driver ties every component together into the two periodic loops.
type Driver struct {
	// SampleEvery is the fixed period of the sampling loop.
	SampleEvery time.Duration
	// SuperviseEvery is the delay between the end of a supervision cycle and
	// the start of the next one.
	SuperviseEvery time.Duration

	Sampler    Sampler
	Tracker    *HogTracker
	Supervisor *Supervisor
	Terminator *Terminator
	Guard      *MaintenanceGuard

	j Journaler
}

// NewDriver creates a new driver with one-second periods.
func NewDriver(j Journaler) *Driver {
	return &Driver{
		SampleEvery:    time.Second,
		SuperviseEvery: time.Second,
		j:              j,
	}
}

// Run runs both loops until the context is canceled. Both loops have exited
// by the time Run returns.
func (d *Driver) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		d.sampleLoop(ctx)
	}()

	go func() {
		defer wg.Done()
		d.superviseLoop(ctx)
	}()

	wg.Wait()
}

func (d *Driver) sampleLoop(ctx context.Context) {
	d.SampleOnce(ctx)

	// A tick is dropped, not queued, if a sample takes longer than a period.
	ticker := time.NewTicker(d.SampleEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.SampleOnce(ctx)
		}
	}
}

func (d *Driver) superviseLoop(ctx context.Context) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			d.SuperviseOnce(ctx)
			timer.Reset(d.SuperviseEvery)
		}
	}
}

// SampleOnce takes one snapshot and feeds it to the tracker. A failed snapshot
// leaves the tracker untouched.
func (d *Driver) SampleOnce(ctx context.Context) {
	samples, err := d.Sampler.Sample(ctx)
	if err != nil {
		if ctx.Err() == nil {
			d.j.Write(EventSamplingError{Error: err.Error()})
		}
		return
	}

	d.Tracker.Update(samples)
}

// SuperviseOnce runs one supervision cycle: unless maintenance is in progress,
// make sure the suite is running, then kill the CPU hogs.
func (d *Driver) SuperviseOnce(ctx context.Context) {
	if d.Guard != nil && d.Guard.Active(ctx) {
		return
	}

	d.Supervisor.Cycle(ctx)

	if hogs := d.Tracker.Sweep(); len(hogs) > 0 {
		d.Terminator.Terminate(ctx, hogs)
	}
}
