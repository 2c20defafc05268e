package worker

import "errors"

var (
	// ErrDispatcherBusy is returned when the inbound queue is full.
	ErrDispatcherBusy = errors.New("dispatcher queue is full")
	// ErrDispatcherClosed is returned after Stop.
	ErrDispatcherClosed = errors.New("dispatcher stopped")
)

// Job is one unit of work. Jobs sharing a Key are dispatched in submission
// order; distinct keys take turns so one busy key cannot starve the rest.
type Job struct {
	Key string
	Run func()

	stop bool
}
