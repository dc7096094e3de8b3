package coopsync

import (
	"errors"
)

var (
	// ErrQueueEmpty is returned by Queue.GetNoWait, when the queue is empty.
	ErrQueueEmpty = errors.New(`coopsync: queue empty`)

	// ErrQueueFull is returned by Queue.PutNoWait, when the queue is at
	// capacity.
	ErrQueueFull = errors.New(`coopsync: queue full`)

	// ErrInvalidState indicates an operation was performed against a
	// primitive in a state that does not permit it, e.g. resolving an
	// already-settled Deferred, releasing an unheld Lock, notifying a Cond
	// without holding its lock, or decrementing a queue's task counter below
	// zero. Errors are matched using errors.Is.
	ErrInvalidState = errors.New(`coopsync: invalid state`)

	// ErrCancelled is the settlement error observed by awaiters of a
	// cancelled Deferred. It is also the outcome error used when a cancelled
	// awaitable is delivered through an UnorderedWorkQueue.
	ErrCancelled = errors.New(`coopsync: cancelled`)
)
