// Package unreliable drives a single external resource (a child process, a
// broker connection, anything that can fail to start or silently die)
// through its lifecycle and broadcasts every transition.
//
// An Unreliable owns exactly one live handle at a time. Its behaviour is
// described by a Conf table supplied at construction: which states allow
// start and stop, which raw resource events mean "the resource has died",
// and which waiters to forcibly abort on death or start failure. The table
// is validated up front; there is no runtime lookup of unknown state or
// event names.
//
// The concrete resource supplies two hooks through the Resource interface:
// an asynchronous creation routine returning the live handle, and a stop
// routine that initiates shutdown without waiting for it. Completion is
// observed through a subsequent death event.
//
// State transitions:
//
//	init ──Start()──► starting ──create ok──► running ──death──► stopped
//	                     │                        │
//	                  create fails             Stop()
//	                     ▼                        ▼
//	                start-failed              stopping ──death──► stopped
//
// stopped, start-failed, and init re-enter starting via Start() when the
// Conf's startable set allows it.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
//   - A transition and its broadcast are atomic from an observer's point of
//     view: a handler reading State() inside a transition callback never
//     sees the pre-transition value.
package unreliable
