package notify

import (
	"errors"
	"sync"
)

// ErrQueueClosed is returned when posting to a closed queue
var ErrQueueClosed = errors.New("notify queue closed")

// Queue runs posted jobs one at a time, in posting order, on its own goroutine
type Queue struct {
	mu     sync.Mutex
	jobs   []func()
	signal chan struct{}
	closed bool
	done   chan struct{}
}

// NewQueue starts the worker goroutine
func NewQueue() *Queue {
	q := &Queue{signal: make(chan struct{}, 1), done: make(chan struct{})}
	go q.run()
	return q
}

// Post appends job to the queue without blocking
func (q *Queue) Post(job func()) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	q.jobs = append(q.jobs, job)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Len returns the number of jobs still waiting
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close stops accepting jobs and waits for the queued ones to finish
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for range q.signal {
		for {
			q.mu.Lock()
			if len(q.jobs) == 0 {
				closed := q.closed
				q.mu.Unlock()
				if closed {
					return
				}
				break
			}
			job := q.jobs[0]
			q.jobs[0] = nil
			q.jobs = q.jobs[1:]
			q.mu.Unlock()
			job()
		}
	}
}
