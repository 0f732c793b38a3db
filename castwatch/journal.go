package castwatch

// Journaler describes an event logger. Implementations must be safe for
// concurrent use, since both loops write to it.
type Journaler interface {
	Write(Event) error
}

// JournalerFunc is a function that implements Journaler.
type JournalerFunc func(Event) error

// Write calls f(ev).
func (f JournalerFunc) Write(ev Event) error { return f(ev) }
