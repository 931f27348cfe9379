package device

import (
	"github.com/pkg/errors"
)

// Event is a reference to a future completion (of work enqueued on a
// Stream). It is created by asynchronous calls; users usually only need
// Event.Await.
type Event struct {
	done chan struct{}

	// err is only read after done is closed.
	err error
}

func newEvent() *Event {
	return &Event{done: make(chan struct{})}
}

// signal marks the event completed with the given error (possibly nil).
// It must be called exactly once.
func (e *Event) signal(err error) {
	e.err = err
	close(e.done)
}

// Await blocks the caller until the event is ready, then returns the error
// of the work it tracks, if any.
func (e *Event) Await() error {
	if e == nil {
		return errors.New("Await on a nil Event")
	}
	<-e.done
	return e.err
}

// Ready returns whether the event already completed, without blocking.
func (e *Event) Ready() bool {
	if e == nil {
		return false
	}
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

// completedEvent returns an event that is already signalled with err.
func completedEvent(err error) *Event {
	e := newEvent()
	e.signal(err)
	return e
}
