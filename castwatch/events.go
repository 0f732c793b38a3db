package castwatch

// eventType describes an event type.
type eventType = string

const (
	eventWarning            eventType = "warning"
	eventStarted            eventType = "monitoring started"
	eventSamplingError      eventType = "sampling error"
	eventStatusError        eventType = "status check error"
	eventServicesDown       eventType = "services down"
	eventServiceKillError   eventType = "service kill error"
	eventRestartError       eventType = "restart error"
	eventServicesRestarted  eventType = "services restarted"
	eventServicesRecovered  eventType = "services recovered"
	eventServicesStillDown  eventType = "services still down"
	eventSocketCleanup      eventType = "socket cleanup"
	eventMaintenance        eventType = "maintenance"
	eventHogKilled          eventType = "hog killed"
	eventHogKillError       eventType = "hog kill error"
	eventNotificationTarget eventType = "notification target changed"
)

// Event is an interface describing known events.
type Event interface {
	Type() string
	event()
}

// Failure is an Event reporting that something went wrong. Writers may log
// these at a higher severity.
type Failure interface {
	Event
	failure()
}

// IsFailure returns true if the event reports a failure.
func IsFailure(ev Event) bool {
	_, ok := ev.(Failure)
	return ok
}

// EventWarning is emitted when a non-fatal error occurs.
type EventWarning struct {
	Component string `json:"component"`
	Error     string `json:"error"`
}

func (ev EventWarning) Type() string { return eventWarning }
func (ev EventWarning) event()       {}
func (ev EventWarning) failure()     {}

// EventStarted is emitted once the watchdog is up.
type EventStarted struct {
	PID int `json:"pid"`
}

func (ev EventStarted) Type() string { return eventStarted }
func (ev EventStarted) event()       {}

// EventSamplingError is emitted when a process snapshot could not be taken or
// parsed. The sampling cycle is skipped.
type EventSamplingError struct {
	Error string `json:"error"`
}

func (ev EventSamplingError) Type() string { return eventSamplingError }
func (ev EventSamplingError) event()       {}
func (ev EventSamplingError) failure()     {}

// EventStatusError is emitted when the suite's status could not be queried.
type EventStatusError struct {
	Error  string `json:"error"`
	Stderr string `json:"stderr,omitempty"`
}

func (ev EventStatusError) Type() string { return eventStatusError }
func (ev EventStatusError) event()       {}
func (ev EventStatusError) failure()     {}

// EventServicesDown is emitted right before the suite is restarted.
type EventServicesDown struct {
	Services   []string `json:"services"`
	Attempt    int      `json:"attempt"` // 1 on the first restart
	Aggressive bool     `json:"aggressive"`
}

func (ev EventServicesDown) Type() string { return eventServicesDown }
func (ev EventServicesDown) event()       {}

// EventServiceKillError is emitted when a broken service could not be
// forcefully stopped before an aggressive restart.
type EventServiceKillError struct {
	Service string `json:"service"`
	Error   string `json:"error"`
}

func (ev EventServiceKillError) Type() string { return eventServiceKillError }
func (ev EventServiceKillError) event()       {}
func (ev EventServiceKillError) failure()     {}

// EventRestartError is emitted when the suite's start command fails.
type EventRestartError struct {
	Error  string `json:"error"`
	Stderr string `json:"stderr,omitempty"`
}

func (ev EventRestartError) Type() string { return eventRestartError }
func (ev EventRestartError) event()       {}
func (ev EventRestartError) failure()     {}

// EventServicesRestarted is emitted when the start command succeeded.
type EventServicesRestarted struct {
	Attempt int `json:"attempt"`
}

func (ev EventServicesRestarted) Type() string { return eventServicesRestarted }
func (ev EventServicesRestarted) event()       {}

// EventServicesRecovered is emitted on the first healthy check after one or
// more unhealthy ones.
type EventServicesRecovered struct {
	Attempts int `json:"attempts"`
}

func (ev EventServicesRecovered) Type() string { return eventServicesRecovered }
func (ev EventServicesRecovered) event()       {}

// EventServicesStillDown is emitted every so many consecutive failed
// supervision attempts. Retrying continues regardless.
type EventServicesStillDown struct {
	Attempts int `json:"attempts"`
}

func (ev EventServicesStillDown) Type() string { return eventServicesStillDown }
func (ev EventServicesStillDown) event()       {}
func (ev EventServicesStillDown) failure()     {}

// EventSocketCleanup is emitted when a stale socket blocking the suite's start
// was removed, or failed to be.
type EventSocketCleanup struct {
	Path  string `json:"path"`
	Error string `json:"error,omitempty"`
}

func (ev EventSocketCleanup) Type() string { return eventSocketCleanup }
func (ev EventSocketCleanup) event()       {}

// EventMaintenance is emitted when a maintenance operation starts or stops
// being detected. Supervision is suspended while Active is true.
type EventMaintenance struct {
	Active  bool   `json:"active"`
	Pattern string `json:"pattern"`
}

func (ev EventMaintenance) Type() string { return eventMaintenance }
func (ev EventMaintenance) event()       {}

// EventHogKilled is emitted when a CPU hog was sent SIGKILL.
type EventHogKilled struct {
	PID     int    `json:"pid"`
	Command string `json:"command,omitempty"`
	Cycles  int    `json:"cycles"`
}

func (ev EventHogKilled) Type() string { return eventHogKilled }
func (ev EventHogKilled) event()       {}

// EventHogKillError is emitted when a CPU hog could not be killed. It is not
// retried; the process has to qualify all over again.
type EventHogKillError struct {
	PID     int    `json:"pid"`
	Command string `json:"command,omitempty"`
	Error   string `json:"error"`
}

func (ev EventHogKillError) Type() string { return eventHogKillError }
func (ev EventHogKillError) event()       {}
func (ev EventHogKillError) failure()     {}

// EventNotificationTarget is emitted when a configuration reload changed where
// events are posted to.
type EventNotificationTarget struct {
	Path string `json:"path"`
	Base string `json:"base"`
}

func (ev EventNotificationTarget) Type() string { return eventNotificationTarget }
func (ev EventNotificationTarget) event()       {}
