// Package daemon keeps exactly one unreliable resource alive, retrying a
// bounded number of times with a fixed delay between attempts.
//
// A Daemon owns an unreliable.Unreliable and layers retry policy on top of
// it. Its status (init, starting, running, retry-scheduled, dead) is
// deliberately distinct from the resource's own state names: callers watch
// the daemon to learn whether the system is healthy, retrying, or has given
// up, without caring what the underlying resource calls its states.
//
// Start never fails synchronously. Every operational outcome, including
// permanent failure after the attempt budget is exhausted, surfaces through
// broadcast events on the daemon's notifier. dead is terminal: once entered
// the daemon never retries again until an external Start call begins a
// fresh episode.
//
// Retry policy:
//   - A failed start attempt increments the attempt counter. When the
//     counter reaches the configured maximum, the daemon broadcasts a
//     terminal start failure and goes dead.
//   - A resource that started successfully and later died restarts the
//     counter at attempt 1. Only consecutive start failures count against
//     the budget.
//   - At most one retry timer is ever armed. Stop and a fresh Start both
//     cancel any pending timer before acting.
package daemon
