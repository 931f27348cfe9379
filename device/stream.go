package device

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// streamBuffer is the number of pending work items a stream holds before
// Enqueue blocks the issuing goroutine.
const streamBuffer = 16

// Stream is a FIFO executor emulating an accelerator stream: enqueued work
// runs in submission order on a dedicated goroutine, concurrently with the
// caller.
//
// A Stream is safe for concurrent Enqueue calls; ordering is then the order
// in which Enqueue returns.
type Stream struct {
	name string

	mu     sync.Mutex
	work   chan streamTask
	closed bool
	done   chan struct{}
}

type streamTask struct {
	fn    func() error
	event *Event
}

// NewStream creates a stream and starts its executor goroutine. Call
// Stream.Destroy when done, otherwise the goroutine leaks.
func NewStream(name string) *Stream {
	s := &Stream{
		name: name,
		work: make(chan streamTask, streamBuffer),
		done: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Stream) run() {
	defer close(s.done)
	for task := range s.work {
		err := task.fn()
		if err != nil {
			klog.V(2).Infof("stream %q: enqueued work failed: %v", s.name, err)
		}
		task.event.signal(err)
	}
}

// Enqueue submits fn to run after all previously enqueued work. The returned
// Event completes when fn returns; its error is fn's error.
//
// Enqueueing on a destroyed stream returns an already-failed event.
func (s *Stream) Enqueue(fn func() error) *Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return completedEvent(errors.Errorf("stream %q already destroyed", s.name))
	}
	task := streamTask{fn: fn, event: newEvent()}
	s.work <- task
	return task.event
}

// Synchronize blocks until every unit of work enqueued so far has completed.
// Errors of individual work items are reported on their own events, not
// here: Synchronize only fails if the stream was destroyed.
func (s *Stream) Synchronize() error {
	event := s.Enqueue(func() error { return nil })
	// The marker itself cannot fail; Await only surfaces destroyed-stream errors.
	return event.Await()
}

// Destroy drains pending work and stops the stream's goroutine. It is
// idempotent.
func (s *Stream) Destroy() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.work)
	s.mu.Unlock()
	<-s.done
	klog.V(2).Infof("stream %q destroyed", s.name)
}
