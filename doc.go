// Package coopsync provides cooperative concurrency primitives for
// coordinating many logically concurrent tasks: an externally completable
// awaitable ([Deferred]), synchronization primitives ([Lock], [Semaphore],
// [Event], [Cond]), producer/consumer queues ([Queue], in FIFO, LIFO, and
// priority variants), a bounded unordered work pipeline
// ([UnorderedWorkQueue]), and a sliding-window rate limiter ([RateLimiter],
// [RateLimiterGroup]).
//
// # Model
//
// Every blocking operation returns a [Deferred] rather than blocking the
// calling goroutine: Lock.Acquire, Semaphore.Acquire, Event.Wait, Cond.Wait,
// Queue.Put/Get/GetAll/Wait/Join, UnorderedWorkQueue.Put/Get, and
// RateLimiter.Wait all resolve when the operation completes. Callers may
// await ([Deferred.Await], [Deferred.ToChannel]), chain immediate callbacks
// ([Deferred.OnSettle]), or abandon the operation ([Deferred.Cancel]).
//
// # Fairness and cancellation
//
// Waiters on a single primitive are served in FIFO registration order,
// skipping those already settled or cancelled. Wakeups are baton-passing: a
// release wakes at most one waiter, whose bookkeeping (lock held, permit
// consumed, item extracted) completes atomically with the settlement of its
// deferred, before any awaiter resumes. [Event.Set] is the exception,
// resolving every waiter at once.
//
// Cancelling a waiter's deferred detaches it and releases any implicit
// reservation. A wakeup that had already been earmarked for a cancelled
// waiter is re-issued to the next eligible peer, so no signal is lost; a
// cancelled queue getter never takes a buffered item with it.
//
// # Thread safety
//
// All primitives are safe for concurrent use. There are no built-in
// timeouts: compose cancellation by racing a deferred against your own
// timer (or context) and cancelling it when you lose interest.
package coopsync
