// Package broadcast provides the publish/wait primitive that keeper's
// supervision layers communicate through.
//
// A Notifier maps event names to subscriber lists. It supports:
//   - Fire-and-forget delivery with Notify
//   - Persistent and one-shot subscriptions, each returning a Disposable
//   - Promise-style waiting with a timeout and context cancellation, where
//     the three failure modes (timed out, cancelled, aborted) are
//     distinguishable via errors.As / errors.Is
//   - Forced mass-abort of all waiters of an event via AbortAll
//
// Handlers run synchronously in the goroutine that calls Notify, after the
// Notifier's internal lock has been released. A handler may therefore call
// back into the Notifier, but must not block indefinitely.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
package broadcast
