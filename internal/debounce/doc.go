// Package debounce decides when to persist externally owned state in response
// to a bursty stream of change notifications.
//
// A Scheduler collapses bursts of Notify calls into a single save per
// debounce interval:
//   - If the interval has already elapsed since the last save, the save runs
//     immediately on the notifying goroutine.
//   - Otherwise one deferred save is armed for the end of the interval.
//     Further notifies inside the window are absorbed by that timer; the
//     deadline is fixed by the first notify and never pushed out, which bounds
//     save latency under continuous activity.
//
// A GraceGate suppresses all scheduling for a fixed window after startup,
// while the host is still replaying its previous session.
//
// Save failures are logged and swallowed. They are not retried, and the
// debounce baseline still advances, so a failing save cannot hot-loop.
package debounce
