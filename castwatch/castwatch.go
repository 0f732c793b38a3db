// Package castwatch is the core of the castwatch watchdog. It supervises a
// fixed streaming-service suite through its control binary and hunts down
// worker processes that monopolize the CPU.
//
// Mechanism of Operation
//
// Two loops run independently of each other, communicating only through the
// HogTracker.
//
// The sampling loop ticks at a fixed rate. Each tick takes a snapshot of the
// processes using the most CPU and feeds it into the HogTracker, which counts,
// per PID, how many consecutive snapshots saw that process overusing the CPU.
// A PID missing from a snapshot, or present but no longer qualifying, loses
// its count entirely.
//
// The supervision loop re-arms itself only after each cycle completes, so a
// slow restart never overlaps with the next check. A cycle first asks the
// MaintenanceGuard whether an upgrade of the suite is in progress, and does
// nothing at all if so. Otherwise, the Supervisor checks the suite's status
// and restarts it if any service is down, escalating to killing the broken
// services first once plain restarts keep failing. Finally, every PID that
// the HogTracker has seen overusing the CPU long enough is handed to the
// Terminator.
//
// Everything observable is written as an Event into a Journaler.
package castwatch
